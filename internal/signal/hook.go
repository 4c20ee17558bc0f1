package signal

import (
	"github.com/tidemark/tidemark/internal/ledger"
)

// DefaultThreshold is the number of versions a partition accumulates past
// its last compaction before a notification fires.
const DefaultThreshold = 10

// Hook bridges ledger post-commit events to the notifier. It fires when a
// partition's version distance since its last compaction reaches the
// threshold, and never for compaction commits themselves.
type Hook struct {
	notifier  *Notifier
	threshold int64
}

// NewHook creates a post-commit hook with the given threshold; a
// non-positive threshold falls back to DefaultThreshold.
func NewHook(notifier *Notifier, threshold int64) *Hook {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Hook{notifier: notifier, threshold: threshold}
}

// OnCommit is the ledger.PostCommitHook entry point.
func (h *Hook) OnCommit(ev ledger.PostCommitEvent) {
	if ev.Kind.IsCompaction() {
		return
	}
	if ev.CompactionDistance < h.threshold {
		return
	}
	h.notifier.Publish(Notification{
		TablePath:     ev.TablePath,
		PartitionDesc: ev.PartitionDesc,
		Namespace:     ev.Namespace,
	})
}
