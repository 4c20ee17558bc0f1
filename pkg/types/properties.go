package types

// TableProperties is the typed table metadata kept alongside the schema.
// It is serialized to JSON only at the ledger boundary.
type TableProperties struct {
	// HashBucketNum is the number of hash buckets primary-keyed rows are
	// routed into within a partition. Zero means unbucketed.
	HashBucketNum int `json:"hash_bucket_num,omitempty"`

	// HashPartitions lists the primary-key columns used for bucketing.
	HashPartitions []string `json:"hash_partitions,omitempty"`

	// UseCDC marks the table as change-data-capture enabled; CDCColumn is
	// the synthetic change marker column.
	UseCDC    bool   `json:"use_cdc,omitempty"`
	CDCColumn string `json:"cdc_column,omitempty"`

	// LastSchemaChangeMs is the epoch-millisecond timestamp of the last
	// non-trivial schema change. Write results timestamped after it cannot
	// be reconciled against an older schema generation.
	LastSchemaChangeMs int64 `json:"last_schema_change_time,omitempty"`

	// DroppedColumns lists columns that have been logically dropped.
	DroppedColumns []string `json:"dropped_columns,omitempty"`
}
