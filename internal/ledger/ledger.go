package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	tderrors "github.com/tidemark/tidemark/internal/errors"
	"github.com/tidemark/tidemark/pkg/types"
)

// TableInfo is a table identity row: namespace+name bound to a generated
// immutable table id, with storage location, serialized schema, typed
// properties, and the partition key split.
type TableInfo struct {
	TableID     string
	Namespace   string
	Name        string
	Path        string
	SchemaJSON  string
	Properties  types.TableProperties
	RangeKeys   []string
	PrimaryKeys []string
	CreatedAt   time.Time
}

// Schema deserializes the stored schema JSON.
func (t *TableInfo) Schema() (types.Schema, error) {
	var s types.Schema
	if err := json.Unmarshal([]byte(t.SchemaJSON), &s); err != nil {
		return types.Schema{}, fmt.Errorf("ledger: failed to unmarshal schema for table %s: %w", t.TableID, err)
	}
	return s, nil
}

// PostCommitEvent describes a partition version that was just appended.
type PostCommitEvent struct {
	TableID       string
	TablePath     string
	Namespace     string
	PartitionDesc string
	Version       int64
	Kind          types.CommitKind

	// CompactionDistance is the number of versions accumulated since the
	// partition's most recent compaction version (the new version included).
	CompactionDistance int64
}

// PostCommitHook is invoked after each successful AppendVersion. Hooks must
// be non-blocking; they run on the committing goroutine and their outcome
// never affects the commit.
type PostCommitHook func(PostCommitEvent)

// Ledger is the version ledger contract used by the commit coordinator and
// the read path.
type Ledger interface {
	// CreateTable inserts a new table identity row, creating the namespace
	// row if absent. A duplicate (namespace, name) yields a TABLE_EXISTS error.
	CreateTable(ctx context.Context, info *TableInfo) error

	// GetTable looks a table up by identity. Returns (nil, nil) when absent.
	GetTable(ctx context.Context, namespace, name string) (*TableInfo, error)

	// GetTableByPath looks a table up by its storage location.
	GetTableByPath(ctx context.Context, path string) (*TableInfo, error)

	// ListNamespaces returns all namespaces in lexical order.
	ListNamespaces(ctx context.Context) ([]string, error)

	// ListTables returns the table names in a namespace in lexical order.
	ListTables(ctx context.Context, namespace string) ([]string, error)

	// UpdateTableSchema replaces a table's schema and properties, guarded by
	// a compare-and-swap on the previously read schema JSON. A concurrent
	// update surfaces as a retryable SCHEMA_WRITE_CONFLICT error.
	UpdateTableSchema(ctx context.Context, tableID, prevSchemaJSON, newSchemaJSON string, props types.TableProperties) error

	// StageCommit inserts a provisional (committed=false) commit record and
	// returns its deterministic commit id. AppendVersion later confirms it.
	StageCommit(ctx context.Context, tableID, partitionDesc string, kind types.CommitKind, ops []types.FileOp) (string, error)

	// AppendVersion atomically inserts a confirmed commit record and a new
	// partition version whose number is one past the partition's latest.
	// Ordinary kinds extend the previous snapshot; compactions replace it.
	// Re-appending content already visible in the latest snapshot is a no-op
	// returning the existing version.
	AppendVersion(ctx context.Context, tableID, partitionDesc string, kind types.CommitKind, ops []types.FileOp) (int64, error)

	// LatestVersion returns the newest version number of a partition and
	// whether any version exists.
	LatestVersion(ctx context.Context, tableID, partitionDesc string) (int64, bool, error)

	// GetSnapshot resolves a partition to its ordered commit-id list as of
	// the given version; a negative version means latest.
	GetSnapshot(ctx context.Context, tableID, partitionDesc string, asOfVersion int64) ([]string, error)

	// GetCommitFileOps returns the file operations of one commit record.
	GetCommitFileOps(ctx context.Context, tableID, partitionDesc, commitID string) ([]types.FileOp, error)

	// ListPartitionDescs returns the distinct partition descriptors of a table.
	ListPartitionDescs(ctx context.Context, tableID string) ([]string, error)

	// ListSupersededCommits returns confirmed commit ids no longer referenced
	// by the partition's latest snapshot (garbage left behind by compaction).
	ListSupersededCommits(ctx context.Context, tableID, partitionDesc string) ([]string, error)

	// SetPostCommitHook registers the hook invoked after each append.
	SetPostCommitHook(hook PostCommitHook)

	// Close closes the ledger database connections.
	Close() error
}

// SQLiteLedger implements Ledger using SQLite.
type SQLiteLedger struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)

	hookMu sync.RWMutex
	hook   PostCommitHook
}

// Open creates a new SQLite-backed version ledger.
func Open(dbPath string) (*SQLiteLedger, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	// Read connection pool: concurrent readers
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	l := &SQLiteLedger{
		db:     db,
		readDB: readDB,
		dbPath: dbPath,
	}

	if err := l.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("ledger: failed to initialize schema: %w", err)
	}

	return l, nil
}

// initSchema creates all required tables and indexes.
func (l *SQLiteLedger) initSchema() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// SetPostCommitHook registers the hook invoked after each successful append.
func (l *SQLiteLedger) SetPostCommitHook(hook PostCommitHook) {
	l.hookMu.Lock()
	l.hook = hook
	l.hookMu.Unlock()
}

// CreateTable inserts a new table identity row.
func (l *SQLiteLedger) CreateTable(ctx context.Context, info *TableInfo) error {
	propsJSON, err := json.Marshal(info.Properties)
	if err != nil {
		return fmt.Errorf("ledger: failed to marshal properties: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO namespace (namespace, created_at) VALUES (?, ?)",
		info.Namespace, now,
	); err != nil {
		return fmt.Errorf("ledger: failed to ensure namespace %s: %w", info.Namespace, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO table_info (
			table_id, table_namespace, table_name, table_path,
			table_schema, properties, partitions, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		info.TableID, info.Namespace, info.Name, info.Path,
		info.SchemaJSON, string(propsJSON),
		FormatPartitionsField(info.RangeKeys, info.PrimaryKeys), now,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return tderrors.NewLedgerError(tderrors.CodeTableExists,
				fmt.Sprintf("table %s.%s already exists", info.Namespace, info.Name), err)
		}
		return fmt.Errorf("ledger: failed to insert table %s.%s: %w", info.Namespace, info.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: failed to commit table creation: %w", err)
	}
	return nil
}

// GetTable looks a table up by namespace and name.
func (l *SQLiteLedger) GetTable(ctx context.Context, namespace, name string) (*TableInfo, error) {
	row := l.readDB.QueryRowContext(ctx, `
		SELECT table_id, table_namespace, table_name, table_path,
			table_schema, properties, partitions, created_at
		FROM table_info
		WHERE table_namespace = ? AND table_name = ?`,
		namespace, name)
	return scanTableInfo(row)
}

// GetTableByPath looks a table up by its storage location.
func (l *SQLiteLedger) GetTableByPath(ctx context.Context, path string) (*TableInfo, error) {
	row := l.readDB.QueryRowContext(ctx, `
		SELECT table_id, table_namespace, table_name, table_path,
			table_schema, properties, partitions, created_at
		FROM table_info
		WHERE table_path = ?`,
		path)
	return scanTableInfo(row)
}

// scanTableInfo scans one table_info row; sql.ErrNoRows maps to (nil, nil).
func scanTableInfo(row *sql.Row) (*TableInfo, error) {
	var info TableInfo
	var propsJSON, partitions string
	var createdAtMs int64

	err := row.Scan(
		&info.TableID, &info.Namespace, &info.Name, &info.Path,
		&info.SchemaJSON, &propsJSON, &partitions, &createdAtMs,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: failed to scan table info: %w", err)
	}

	if err := json.Unmarshal([]byte(propsJSON), &info.Properties); err != nil {
		return nil, fmt.Errorf("ledger: failed to unmarshal properties for table %s: %w", info.TableID, err)
	}
	info.RangeKeys, info.PrimaryKeys = ParsePartitionsField(partitions)
	info.CreatedAt = time.UnixMilli(createdAtMs)
	return &info, nil
}

// ListNamespaces returns all namespaces.
func (l *SQLiteLedger) ListNamespaces(ctx context.Context) ([]string, error) {
	return l.queryStrings(ctx, "SELECT namespace FROM namespace ORDER BY namespace")
}

// ListTables returns the table names in a namespace.
func (l *SQLiteLedger) ListTables(ctx context.Context, namespace string) ([]string, error) {
	return l.queryStrings(ctx,
		"SELECT table_name FROM table_info WHERE table_namespace = ? ORDER BY table_name", namespace)
}

// queryStrings runs a single-column string query on the read connection.
func (l *SQLiteLedger) queryStrings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := l.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query failed: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("ledger: failed to scan row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: error iterating rows: %w", err)
	}
	return out, nil
}

// UpdateTableSchema replaces schema and properties under a compare-and-swap
// on the previously read schema JSON, so two concurrent schema updates can
// never silently overwrite one another.
func (l *SQLiteLedger) UpdateTableSchema(ctx context.Context, tableID, prevSchemaJSON, newSchemaJSON string, props types.TableProperties) error {
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("ledger: failed to marshal properties: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	result, err := l.db.ExecContext(ctx,
		"UPDATE table_info SET table_schema = ?, properties = ? WHERE table_id = ? AND table_schema = ?",
		newSchemaJSON, string(propsJSON), tableID, prevSchemaJSON,
	)
	if err != nil {
		return fmt.Errorf("ledger: failed to update schema for table %s: %w", tableID, err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return tderrors.NewLedgerError(tderrors.CodeSchemaWriteConflict,
			fmt.Sprintf("schema of table %s changed concurrently", tableID), nil)
	}
	return nil
}

// Close closes the ledger database connections.
func (l *SQLiteLedger) Close() error {
	if err := l.readDB.Close(); err != nil {
		l.db.Close()
		return err
	}
	return l.db.Close()
}

// FormatPartitionsField encodes the range/primary key split as
// "rk1,rk2;pk1,pk2".
func FormatPartitionsField(rangeKeys, primaryKeys []string) string {
	return strings.Join(rangeKeys, ",") + ";" + strings.Join(primaryKeys, ",")
}

// ParsePartitionsField decodes a partitions field written by
// FormatPartitionsField.
func ParsePartitionsField(s string) (rangeKeys, primaryKeys []string) {
	parts := strings.SplitN(s, ";", 2)
	if parts[0] != "" {
		rangeKeys = strings.Split(parts[0], ",")
	}
	if len(parts) == 2 && parts[1] != "" {
		primaryKeys = strings.Split(parts[1], ",")
	}
	return rangeKeys, primaryKeys
}

// isUniqueConstraintErr reports whether err is a SQLite unique-constraint
// violation.
func isUniqueConstraintErr(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code == sqlite3.ErrConstraint &&
		(serr.ExtendedCode == sqlite3.ErrConstraintUnique || serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}
