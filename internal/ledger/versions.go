package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	tderrors "github.com/tidemark/tidemark/internal/errors"
	"github.com/tidemark/tidemark/pkg/types"
)

// commitIDNamespace is the fixed UUID namespace for deriving deterministic
// commit ids. Re-submitting the same content for the same partition yields
// the same id, which is what makes retried commits idempotent.
var commitIDNamespace = uuid.MustParse("8f1c2ad4-6f4e-4b8a-9c3e-2d5b7a90e1c6")

// commitContent is the canonical serialization hashed into a commit id.
type commitContent struct {
	TableID       string           `json:"table_id"`
	PartitionDesc string           `json:"partition_desc"`
	Kind          types.CommitKind `json:"kind"`
	Ops           []types.FileOp   `json:"ops"`
}

// DeterministicCommitID derives the commit id for a set of file operations
// against one partition. Same inputs always produce the same id.
func DeterministicCommitID(tableID, partitionDesc string, kind types.CommitKind, ops []types.FileOp) (string, error) {
	payload, err := json.Marshal(commitContent{
		TableID:       tableID,
		PartitionDesc: partitionDesc,
		Kind:          kind,
		Ops:           ops,
	})
	if err != nil {
		return "", fmt.Errorf("ledger: failed to marshal commit content: %w", err)
	}
	return uuid.NewSHA1(commitIDNamespace, payload).String(), nil
}

// encodeFileOps serializes and compresses file operations for storage.
func encodeFileOps(ops []types.FileOp) ([]byte, error) {
	payload, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to marshal file ops: %w", err)
	}
	return snappy.Encode(nil, payload), nil
}

// decodeFileOps reverses encodeFileOps.
func decodeFileOps(blob []byte) ([]types.FileOp, error) {
	payload, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to decompress file ops: %w", err)
	}
	var ops []types.FileOp
	if err := json.Unmarshal(payload, &ops); err != nil {
		return nil, fmt.Errorf("ledger: failed to unmarshal file ops: %w", err)
	}
	return ops, nil
}

// StageCommit inserts a provisional commit record (committed=false) and
// returns its deterministic id. The record becomes visible to readers only
// after AppendVersion confirms it in a partition version.
func (l *SQLiteLedger) StageCommit(ctx context.Context, tableID, partitionDesc string, kind types.CommitKind, ops []types.FileOp) (string, error) {
	commitID, err := DeterministicCommitID(tableID, partitionDesc, kind, ops)
	if err != nil {
		return "", err
	}
	blob, err := encodeFileOps(ops)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO data_commit_info (table_id, partition_desc, commit_id, file_ops, commit_op, committed, timestamp)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (table_id, partition_desc, commit_id) DO NOTHING`,
		tableID, partitionDesc, commitID, blob, string(kind), time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("ledger: failed to stage commit %s: %w", commitID, err)
	}
	return commitID, nil
}

// AppendVersion atomically records a commit and the partition version that
// confirms it. The version number is always one past the partition's latest;
// a concurrent append to the same partition loses the race on the
// partition_info primary key and surfaces as a retryable VERSION_CONFLICT.
func (l *SQLiteLedger) AppendVersion(ctx context.Context, tableID, partitionDesc string, kind types.CommitKind, ops []types.FileOp) (int64, error) {
	commitID, err := DeterministicCommitID(tableID, partitionDesc, kind, ops)
	if err != nil {
		return 0, err
	}
	blob, err := encodeFileOps(ops)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	version, distance, err := l.appendVersionLocked(ctx, tableID, partitionDesc, commitID, blob, kind)
	l.mu.Unlock()
	if err != nil {
		return 0, err
	}

	if distance >= 0 {
		l.firePostCommit(ctx, tableID, partitionDesc, version, kind, distance)
	}
	return version, nil
}

// appendVersionLocked runs the append transaction. It returns the version
// and the compaction distance, or distance -1 when the append was an
// idempotent no-op and no hook should fire.
func (l *SQLiteLedger) appendVersionLocked(ctx context.Context, tableID, partitionDesc, commitID string, blob []byte, kind types.CommitKind) (int64, int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("ledger: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var latest sql.NullInt64
	var snapshotJSON sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT version, snapshot FROM partition_info
		WHERE table_id = ? AND partition_desc = ?
		ORDER BY version DESC LIMIT 1`,
		tableID, partitionDesc,
	).Scan(&latest, &snapshotJSON)
	if err != nil && err != sql.ErrNoRows {
		return 0, 0, fmt.Errorf("ledger: failed to read latest version: %w", err)
	}

	var prevSnapshot []string
	newVersion := int64(0)
	if latest.Valid {
		newVersion = latest.Int64 + 1
		if err := json.Unmarshal([]byte(snapshotJSON.String), &prevSnapshot); err != nil {
			return 0, 0, fmt.Errorf("ledger: corrupt snapshot at version %d: %w", latest.Int64, err)
		}
	}

	// Idempotent retry: the commit content is already visible in the latest
	// snapshot, so there is nothing new to version.
	for _, cid := range prevSnapshot {
		if cid == commitID {
			return latest.Int64, -1, nil
		}
	}

	// Compactions replace the snapshot; ordinary commits extend it.
	var snapshot []string
	if kind.IsCompaction() {
		snapshot = []string{commitID}
	} else {
		snapshot = append(append([]string(nil), prevSnapshot...), commitID)
	}
	newSnapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return 0, 0, fmt.Errorf("ledger: failed to marshal snapshot: %w", err)
	}

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO data_commit_info (table_id, partition_desc, commit_id, file_ops, commit_op, committed, timestamp)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (table_id, partition_desc, commit_id) DO UPDATE SET committed = 1`,
		tableID, partitionDesc, commitID, blob, string(kind), now,
	); err != nil {
		return 0, 0, fmt.Errorf("ledger: failed to record commit %s: %w", commitID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO partition_info (table_id, partition_desc, version, commit_op, timestamp, snapshot)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tableID, partitionDesc, newVersion, string(kind), now, string(newSnapshotJSON),
	); err != nil {
		if isUniqueConstraintErr(err) {
			return 0, 0, tderrors.NewLedgerError(tderrors.CodeVersionConflict,
				fmt.Sprintf("version %d of partition %s already written", newVersion, partitionDesc), err)
		}
		return 0, 0, fmt.Errorf("ledger: failed to insert partition version: %w", err)
	}

	// Versions accumulated since the last compaction, this one included.
	var lastCompaction sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT MAX(version) FROM partition_info
		WHERE table_id = ? AND partition_desc = ? AND commit_op = ?`,
		tableID, partitionDesc, string(types.CommitCompaction),
	).Scan(&lastCompaction)
	if err != nil {
		return 0, 0, fmt.Errorf("ledger: failed to find last compaction: %w", err)
	}
	distance := newVersion + 1
	if lastCompaction.Valid {
		distance = newVersion - lastCompaction.Int64
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("ledger: failed to commit version append: %w", err)
	}
	return newVersion, distance, nil
}

// firePostCommit invokes the registered hook with table identity resolved
// from the read connection. Hook failures never affect the committed version.
func (l *SQLiteLedger) firePostCommit(ctx context.Context, tableID, partitionDesc string, version int64, kind types.CommitKind, distance int64) {
	l.hookMu.RLock()
	hook := l.hook
	l.hookMu.RUnlock()
	if hook == nil {
		return
	}

	var path, namespace string
	err := l.readDB.QueryRowContext(ctx,
		"SELECT table_path, table_namespace FROM table_info WHERE table_id = ?", tableID,
	).Scan(&path, &namespace)
	if err != nil {
		// A commit against an unregistered table id still succeeds; it just
		// cannot be announced.
		return
	}

	hook(PostCommitEvent{
		TableID:            tableID,
		TablePath:          path,
		Namespace:          namespace,
		PartitionDesc:      partitionDesc,
		Version:            version,
		Kind:               kind,
		CompactionDistance: distance,
	})
}

// LatestVersion returns the newest version of a partition.
func (l *SQLiteLedger) LatestVersion(ctx context.Context, tableID, partitionDesc string) (int64, bool, error) {
	var version int64
	err := l.readDB.QueryRowContext(ctx, `
		SELECT version FROM partition_info
		WHERE table_id = ? AND partition_desc = ?
		ORDER BY version DESC LIMIT 1`,
		tableID, partitionDesc,
	).Scan(&version)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("ledger: failed to read latest version: %w", err)
	}
	return version, true, nil
}

// GetSnapshot resolves a partition version to its ordered commit-id list.
// A negative asOfVersion means the latest version.
func (l *SQLiteLedger) GetSnapshot(ctx context.Context, tableID, partitionDesc string, asOfVersion int64) ([]string, error) {
	var snapshotJSON string
	var err error
	if asOfVersion < 0 {
		err = l.readDB.QueryRowContext(ctx, `
			SELECT snapshot FROM partition_info
			WHERE table_id = ? AND partition_desc = ?
			ORDER BY version DESC LIMIT 1`,
			tableID, partitionDesc,
		).Scan(&snapshotJSON)
	} else {
		err = l.readDB.QueryRowContext(ctx, `
			SELECT snapshot FROM partition_info
			WHERE table_id = ? AND partition_desc = ? AND version = ?`,
			tableID, partitionDesc, asOfVersion,
		).Scan(&snapshotJSON)
	}
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: failed to read snapshot: %w", err)
	}

	var snapshot []string
	if err := json.Unmarshal([]byte(snapshotJSON), &snapshot); err != nil {
		return nil, fmt.Errorf("ledger: corrupt snapshot for partition %s: %w", partitionDesc, err)
	}
	return snapshot, nil
}

// GetCommitFileOps returns the file operations recorded under one commit id.
func (l *SQLiteLedger) GetCommitFileOps(ctx context.Context, tableID, partitionDesc, commitID string) ([]types.FileOp, error) {
	var blob []byte
	err := l.readDB.QueryRowContext(ctx, `
		SELECT file_ops FROM data_commit_info
		WHERE table_id = ? AND partition_desc = ? AND commit_id = ?`,
		tableID, partitionDesc, commitID,
	).Scan(&blob)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, tderrors.NewLedgerError(tderrors.CodeUnexpected,
				fmt.Sprintf("commit %s not found for partition %s", commitID, partitionDesc), nil)
		}
		return nil, fmt.Errorf("ledger: failed to read commit %s: %w", commitID, err)
	}
	return decodeFileOps(blob)
}

// ListPartitionDescs returns the distinct partition descriptors of a table.
func (l *SQLiteLedger) ListPartitionDescs(ctx context.Context, tableID string) ([]string, error) {
	return l.queryStrings(ctx, `
		SELECT DISTINCT partition_desc FROM partition_info
		WHERE table_id = ? ORDER BY partition_desc`, tableID)
}

// ListSupersededCommits returns confirmed commit ids that the partition's
// latest snapshot no longer references. These are compaction leftovers safe
// for the storage reclaimer to delete.
func (l *SQLiteLedger) ListSupersededCommits(ctx context.Context, tableID, partitionDesc string) ([]string, error) {
	snapshot, err := l.GetSnapshot(ctx, tableID, partitionDesc, -1)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(snapshot))
	for _, cid := range snapshot {
		live[cid] = true
	}

	all, err := l.queryStrings(ctx, `
		SELECT commit_id FROM data_commit_info
		WHERE table_id = ? AND partition_desc = ? AND committed = 1
		ORDER BY timestamp`, tableID, partitionDesc)
	if err != nil {
		return nil, err
	}

	var superseded []string
	for _, cid := range all {
		if !live[cid] {
			superseded = append(superseded, cid)
		}
	}
	return superseded, nil
}
