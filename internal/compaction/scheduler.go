// Package compaction schedules background compaction work from signal
// notifications. The actual file consolidation is delegated to a pluggable
// Compactor; this package resolves the notified partition, invokes it, and
// records the resulting compaction version in the ledger.
package compaction

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/tidemark/tidemark/internal/ledger"
	"github.com/tidemark/tidemark/internal/signal"
	"github.com/tidemark/tidemark/pkg/types"
)

// Request identifies a partition to compact.
type Request struct {
	TableID       string
	TablePath     string
	Namespace     string
	PartitionDesc string

	// Snapshot is the commit-id list the compaction must consolidate.
	Snapshot []string
}

// Compactor consolidates the files behind a partition snapshot into a new
// file set. Implementations live outside the commit core (the columnar file
// engine); the scheduler only needs the resulting file operations.
type Compactor interface {
	Compact(ctx context.Context, req Request) ([]types.FileOp, error)
}

// Scheduler subscribes to compaction notifications and drives the Compactor.
// Duplicate notifications for a partition are harmless: compacting an
// already-compacted snapshot is an idempotent no-op at the ledger level.
type Scheduler struct {
	ledger    ledger.Ledger
	notifier  *signal.Notifier
	compactor Compactor

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	subID   uint64
}

// NewScheduler creates a compaction scheduler.
func NewScheduler(led ledger.Ledger, notifier *signal.Notifier, compactor Compactor) *Scheduler {
	return &Scheduler{
		ledger:    led,
		notifier:  notifier,
		compactor: compactor,
	}
}

// Start begins consuming notifications. It runs until the context is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("compaction: scheduler is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})

	id, ch := s.notifier.Subscribe()
	s.subID = id
	s.mu.Unlock()

	go s.run(ctx, ch)
	return nil
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.cancel()
	s.notifier.Unsubscribe(s.subID)
	<-s.done
	s.running = false
	return nil
}

// run is the main notification loop.
func (s *Scheduler) run(ctx context.Context, ch <-chan signal.Notification) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case note, ok := <-ch:
			if !ok {
				return
			}
			if err := s.compactOne(ctx, note); err != nil {
				log.Printf("compaction: partition %s of %s failed: %v", note.PartitionDesc, note.TablePath, err)
			}
		}
	}
}

// compactOne resolves one notification to a compaction request, runs the
// compactor, and records the compaction version.
func (s *Scheduler) compactOne(ctx context.Context, note signal.Notification) error {
	info, err := s.ledger.GetTableByPath(ctx, note.TablePath)
	if err != nil {
		return err
	}
	if info == nil {
		return fmt.Errorf("compaction: no table registered at %s", note.TablePath)
	}

	snapshot, err := s.ledger.GetSnapshot(ctx, info.TableID, note.PartitionDesc, -1)
	if err != nil {
		return err
	}
	if len(snapshot) <= 1 {
		// Nothing to consolidate: a stale or duplicate notification.
		return nil
	}

	ops, err := s.compactor.Compact(ctx, Request{
		TableID:       info.TableID,
		TablePath:     note.TablePath,
		Namespace:     note.Namespace,
		PartitionDesc: note.PartitionDesc,
		Snapshot:      snapshot,
	})
	if err != nil {
		return err
	}

	version, err := s.ledger.AppendVersion(ctx, info.TableID, note.PartitionDesc, types.CommitCompaction, ops)
	if err != nil {
		return err
	}
	log.Printf("compaction: partition %s of %s.%s compacted %d commits at version %d",
		note.PartitionDesc, info.Namespace, info.Name, len(snapshot), version)
	return nil
}
