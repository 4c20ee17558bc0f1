package compaction

import (
	"context"

	"github.com/tidemark/tidemark/internal/ledger"
	"github.com/tidemark/tidemark/pkg/types"
)

// MetadataCompactor consolidates a partition's snapshot at the metadata
// level: it replays the snapshot's file operations into the net live file
// set and emits that set as a single commit. No data files are rewritten;
// the gain is collapsing N commit records into one so readers resolve one
// record instead of the whole history.
type MetadataCompactor struct {
	ledger ledger.Ledger
}

// NewMetadataCompactor creates a metadata-level compactor.
func NewMetadataCompactor(led ledger.Ledger) *MetadataCompactor {
	return &MetadataCompactor{ledger: led}
}

// Compact replays the snapshot's commits in order and returns the surviving
// file additions.
func (m *MetadataCompactor) Compact(ctx context.Context, req Request) ([]types.FileOp, error) {
	live := make(map[string]types.FileOp)
	var order []string

	for _, commitID := range req.Snapshot {
		ops, err := m.ledger.GetCommitFileOps(ctx, req.TableID, req.PartitionDesc, commitID)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			switch op.Kind {
			case types.OpAdd:
				if _, seen := live[op.Path]; !seen {
					order = append(order, op.Path)
				}
				live[op.Path] = op
			case types.OpRemove:
				delete(live, op.Path)
			}
		}
	}

	result := make([]types.FileOp, 0, len(live))
	for _, path := range order {
		if op, ok := live[path]; ok {
			result = append(result, op)
		}
	}
	return result, nil
}
