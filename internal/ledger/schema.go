// Package ledger provides the version ledger: the durable relational store
// holding table identity, per-partition version history, and immutable
// commit records.
package ledger

// The ledger is a SQLite database that serves as the source of truth for
// table metadata and partition version history. Partition versions are an
// append-only log; commit records are immutable once marked committed.

// CreateNamespaceTableSQL creates the namespace table.
const CreateNamespaceTableSQL = `
CREATE TABLE IF NOT EXISTS namespace (
    namespace TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL
)`

// CreateTableInfoTableSQL creates the table identity table.
// (namespace, name) is unique and maps to a generated table_id; schema and
// properties are JSON documents, partitions encodes the range/primary key
// split as "rk1,rk2;pk1,pk2".
const CreateTableInfoTableSQL = `
CREATE TABLE IF NOT EXISTS table_info (
    table_id TEXT PRIMARY KEY,
    table_namespace TEXT NOT NULL,
    table_name TEXT NOT NULL,
    table_path TEXT NOT NULL,
    table_schema TEXT NOT NULL,
    properties TEXT NOT NULL,
    partitions TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    UNIQUE (table_namespace, table_name),
    FOREIGN KEY (table_namespace) REFERENCES namespace(namespace)
)`

// CreatePartitionInfoTableSQL creates the partition version history table.
// The primary key on (table_id, partition_desc, version) is the ledger's
// sole source of ordering truth: no two versions of one partition can share
// a version number, even under concurrent callers.
const CreatePartitionInfoTableSQL = `
CREATE TABLE IF NOT EXISTS partition_info (
    table_id TEXT NOT NULL,
    partition_desc TEXT NOT NULL,
    version INTEGER NOT NULL,
    commit_op TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    snapshot TEXT NOT NULL,
    PRIMARY KEY (table_id, partition_desc, version)
)`

// CreateDataCommitInfoTableSQL creates the commit record table.
// file_ops holds the snappy-compressed JSON array of file operations;
// committed distinguishes provisionally staged commits from ones a partition
// version has confirmed.
const CreateDataCommitInfoTableSQL = `
CREATE TABLE IF NOT EXISTS data_commit_info (
    table_id TEXT NOT NULL,
    partition_desc TEXT NOT NULL,
    commit_id TEXT NOT NULL,
    file_ops BLOB NOT NULL,
    commit_op TEXT NOT NULL,
    committed INTEGER NOT NULL DEFAULT 0,
    timestamp INTEGER NOT NULL,
    PRIMARY KEY (table_id, partition_desc, commit_id)
)`

// CreateLedgerIndexesSQL creates secondary indexes for the ledger's hot
// queries: table lookup by path and compaction-distance scans.
var CreateLedgerIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_table_info_path ON table_info(table_path)`,

	// Index for finding the most recent compaction version of a partition
	`CREATE INDEX IF NOT EXISTS idx_partition_info_op ON partition_info(table_id, partition_desc, commit_op)`,
}

// AllSchemaSQL returns all SQL statements needed to initialize the ledger.
func AllSchemaSQL() []string {
	statements := []string{
		CreateNamespaceTableSQL,
		CreateTableInfoTableSQL,
		CreatePartitionInfoTableSQL,
		CreateDataCommitInfoTableSQL,
	}
	statements = append(statements, CreateLedgerIndexesSQL...)
	return statements
}
