package types

// OpKind distinguishes file additions from removals within a commit.
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpRemove OpKind = "remove"
)

// CommitKind tags a partition version with the kind of commit that produced it.
type CommitKind string

const (
	// CommitAppend is an ordinary commit on a table without primary keys.
	CommitAppend CommitKind = "AppendCommit"

	// CommitMerge is an ordinary commit on a primary-keyed table; readers
	// merge-on-read across the snapshot's commits.
	CommitMerge CommitKind = "MergeCommit"

	// CommitCompaction replaces a partition's snapshot with a consolidated
	// file set.
	CommitCompaction CommitKind = "CompactionCommit"
)

// IsCompaction reports whether the commit kind is a compaction.
func (k CommitKind) IsCompaction() bool {
	return k == CommitCompaction
}

// FileOp describes one file-level operation inside a commit record.
type FileOp struct {
	// Path is the data file path relative to the table location.
	Path string `json:"path"`

	// Kind is add or remove.
	Kind OpKind `json:"kind"`

	// Size is the file size in bytes.
	Size int64 `json:"size"`

	// ExistCols lists the columns physically present in the file. Files
	// written before a schema change may carry fewer columns than the
	// current schema.
	ExistCols []string `json:"exist_cols,omitempty"`
}

// PartitionedFile ties a file operation to the partition it belongs to.
type PartitionedFile struct {
	// PartitionDesc is the descriptor of the partition the file falls into.
	PartitionDesc string `json:"partition_desc"`

	// Op is the file operation.
	Op FileOp `json:"op"`
}

// WriteResult is the unit of input to the commit coordinator: one writer
// task's output for one table, tagged with the schema and keys the writer
// observed and the producer timestamp used for stale-generation detection.
type WriteResult struct {
	Identity TableIdentity `json:"identity"`

	// Schema is the logical schema the writer produced the files with.
	Schema Schema `json:"schema"`

	// PrimaryKeys identify rows within a partition (merge-on-read).
	PrimaryKeys []string `json:"primary_keys,omitempty"`

	// RangeKeys define partition boundaries.
	RangeKeys []string `json:"range_keys,omitempty"`

	// UseCDC marks change-data-capture mode; CDCColumn names the synthetic
	// change marker column (empty means DefaultCDCColumn).
	UseCDC    bool   `json:"use_cdc,omitempty"`
	CDCColumn string `json:"cdc_column,omitempty"`

	// Files are the file operations produced by the writer, per partition.
	Files []PartitionedFile `json:"files"`

	// TimestampMs is the producer timestamp in epoch milliseconds.
	TimestampMs int64 `json:"timestamp_ms"`
}

// DefaultCDCColumn is the change marker column appended to CDC table schemas
// when the writer does not name one.
const DefaultCDCColumn = "rowKinds"
