// Package signal publishes compaction candidacy notifications after commits.
// Delivery is best-effort and never blocks or fails the committing caller.
package signal

import (
	"sync"
	"sync/atomic"
)

// Notification identifies a partition whose accumulated versions have
// crossed the compaction threshold.
type Notification struct {
	TablePath     string `json:"table_path"`
	PartitionDesc string `json:"table_partition_desc"`
	Namespace     string `json:"table_namespace"`
}

// Notifier fans notifications out to subscribers over buffered channels.
// Publish never blocks: a subscriber whose buffer is full misses the
// notification, which is acceptable because a later commit to the same
// partition re-announces it.
type Notifier struct {
	subscribers sync.Map // id -> chan Notification
	nextID      atomic.Uint64
	bufferSize  int

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewNotifier creates a notifier whose subscriber channels buffer up to
// bufferSize notifications.
func NewNotifier(bufferSize int) *Notifier {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Notifier{bufferSize: bufferSize}
}

// Subscribe registers a new subscriber and returns its id and channel.
// The channel is closed by Unsubscribe.
func (n *Notifier) Subscribe() (uint64, <-chan Notification) {
	id := n.nextID.Add(1)
	ch := make(chan Notification, n.bufferSize)
	n.subscribers.Store(id, ch)
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(id uint64) {
	if v, ok := n.subscribers.LoadAndDelete(id); ok {
		close(v.(chan Notification))
	}
}

// Publish delivers the notification to every subscriber without blocking.
func (n *Notifier) Publish(note Notification) {
	n.published.Add(1)
	n.subscribers.Range(func(_, v interface{}) bool {
		ch := v.(chan Notification)
		select {
		case ch <- note:
		default:
			n.dropped.Add(1)
		}
		return true
	})
}

// Stats returns the lifetime published and dropped counts.
func (n *Notifier) Stats() (published, dropped uint64) {
	return n.published.Load(), n.dropped.Load()
}
