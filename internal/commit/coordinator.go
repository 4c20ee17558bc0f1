// Package commit implements the commit coordinator: it groups write results
// by table, creates tables or applies schema changes, and appends partition
// versions to the ledger. Table groups commit independently; there is no
// cross-table atomicity.
package commit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	tderrors "github.com/tidemark/tidemark/internal/errors"
	"github.com/tidemark/tidemark/internal/ledger"
	"github.com/tidemark/tidemark/internal/schema"
	"github.com/tidemark/tidemark/internal/storage"
	"github.com/tidemark/tidemark/pkg/types"
)

// Options configures the coordinator's commit behavior.
type Options struct {
	// AutoSchemaChange enables automatic table creation and schema evolution.
	// When disabled, a missing table is a fatal error and schema differences
	// are never merged.
	AutoSchemaChange bool

	// LogicallyDropColumn marks columns absent from an incoming schema as
	// logically dropped instead of treating the batch as incompatible.
	LogicallyDropColumn bool

	// HashBucketNum is the hash bucket count recorded on newly created
	// primary-keyed tables. Zero means unbucketed.
	HashBucketNum int

	// Bounded treats the whole batch as one logical unit: all write results
	// for a partition merge into a single version. Unbounded mode appends one
	// version per write result per partition, keeping appends additive across
	// coordinator invocations.
	Bounded bool

	// MaxCommitRetries bounds retries of version-conflict and schema-write
	// conflicts before the group is reported retryable.
	MaxCommitRetries int
}

// DefaultOptions returns the coordinator defaults.
func DefaultOptions() Options {
	return Options{
		AutoSchemaChange:    true,
		LogicallyDropColumn: false,
		HashBucketNum:       0,
		Bounded:             false,
		MaxCommitRetries:    3,
	}
}

// Coordinator turns batches of write results into durable partition versions.
// It is stateless: the ledger and storage handles are explicit dependencies
// and a single Coordinator may serve many batches, one at a time.
type Coordinator struct {
	ledger ledger.Ledger
	store  storage.ObjectStorage
	opts   Options
}

// New creates a commit coordinator.
func New(led ledger.Ledger, store storage.ObjectStorage, opts Options) *Coordinator {
	if opts.MaxCommitRetries <= 0 {
		opts.MaxCommitRetries = 3
	}
	return &Coordinator{ledger: led, store: store, opts: opts}
}

// GroupOutcome reports the result of committing one table group.
type GroupOutcome struct {
	// Table is the qualified table name.
	Table string

	// Versions maps each touched partition descriptor to the highest version
	// this group produced for it.
	Versions map[string]int64

	// Err is the group's failure, nil on success.
	Err error
}

// BatchResult aggregates per-group outcomes for one batch.
type BatchResult struct {
	Groups []GroupOutcome
}

// RetryableTables lists the tables whose groups failed with a retryable
// error; the caller should re-submit their write results.
func (r *BatchResult) RetryableTables() []string {
	var tables []string
	for _, g := range r.Groups {
		if g.Err != nil && tderrors.IsRetryable(g.Err) {
			tables = append(tables, g.Table)
		}
	}
	return tables
}

// Err returns the batch's overall error: the first fatal group error if any,
// otherwise the first retryable one, otherwise nil.
func (r *BatchResult) Err() error {
	var retryable error
	for _, g := range r.Groups {
		if g.Err == nil {
			continue
		}
		if !tderrors.IsRetryable(g.Err) {
			return g.Err
		}
		if retryable == nil {
			retryable = g.Err
		}
	}
	return retryable
}

// CommitBatch commits all write results of one coordinated batch. Distinct
// table groups commit concurrently; a failing group never aborts its
// siblings. The returned error mirrors BatchResult.Err.
func (c *Coordinator) CommitBatch(ctx context.Context, results []types.WriteResult) (*BatchResult, error) {
	groups, order := groupByTable(results)

	batch := &BatchResult{Groups: make([]GroupOutcome, len(order))}
	var wg sync.WaitGroup
	for i, key := range order {
		wg.Add(1)
		go func(slot int, table string, group []types.WriteResult) {
			defer wg.Done()
			versions, err := c.commitGroup(ctx, group)
			batch.Groups[slot] = GroupOutcome{Table: table, Versions: versions, Err: err}
			if err != nil {
				log.Printf("commit: table %s failed: %v", table, err)
			}
		}(i, key, groups[key])
	}
	wg.Wait()

	return batch, batch.Err()
}

// groupByTable buckets write results by qualified table name, preserving
// first-seen order of tables and the input order within each group.
func groupByTable(results []types.WriteResult) (map[string][]types.WriteResult, []string) {
	groups := make(map[string][]types.WriteResult)
	var order []string
	for _, r := range results {
		key := r.Identity.String()
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}
	return groups, order
}

// commitGroup runs one table group through lookup, creation or
// reconciliation, and version append.
func (c *Coordinator) commitGroup(ctx context.Context, group []types.WriteResult) (map[string]int64, error) {
	first := group[0]
	incoming := deriveSchema(first)

	info, err := c.ledger.GetTable(ctx, first.Identity.Namespace, first.Identity.Name)
	if err != nil {
		return nil, err
	}

	if info == nil {
		info, err = c.createTable(ctx, first, incoming)
		if err != nil {
			return nil, err
		}
	} else {
		if err := c.reconcileGroup(ctx, info, group, incoming); err != nil {
			return nil, err
		}
	}

	kind := types.CommitAppend
	if len(first.PrimaryKeys) > 0 {
		kind = types.CommitMerge
	}
	return c.appendGroupVersions(ctx, info.TableID, group, kind)
}

// createTable registers a new table from the group's first write result.
// A concurrent creation losing the unique-constraint race falls back to the
// winner's row.
func (c *Coordinator) createTable(ctx context.Context, first types.WriteResult, incoming types.Schema) (*ledger.TableInfo, error) {
	if !c.opts.AutoSchemaChange {
		return nil, tderrors.NewCommitError(tderrors.CodeTableNotFound,
			fmt.Sprintf("table %s does not exist and automatic creation is disabled", first.Identity))
	}

	if err := c.store.EnsureTableLocation(ctx, first.Identity.Location); err != nil {
		return nil, tderrors.NewStorageError(tderrors.CodeLocationCreateFailed,
			fmt.Sprintf("failed to create location %s for table %s", first.Identity.Location, first.Identity), err)
	}

	schemaJSON, err := json.Marshal(incoming)
	if err != nil {
		return nil, fmt.Errorf("commit: failed to marshal schema for table %s: %w", first.Identity, err)
	}

	props := types.TableProperties{UseCDC: first.UseCDC}
	if first.UseCDC {
		props.CDCColumn = cdcColumn(first)
	}
	if len(first.PrimaryKeys) > 0 && c.opts.HashBucketNum > 0 {
		props.HashBucketNum = c.opts.HashBucketNum
		props.HashPartitions = append([]string(nil), first.PrimaryKeys...)
	}

	info := &ledger.TableInfo{
		TableID:     "table_" + uuid.New().String(),
		Namespace:   first.Identity.Namespace,
		Name:        first.Identity.Name,
		Path:        first.Identity.Location,
		SchemaJSON:  string(schemaJSON),
		Properties:  props,
		RangeKeys:   append([]string(nil), first.RangeKeys...),
		PrimaryKeys: append([]string(nil), first.PrimaryKeys...),
	}

	err = c.ledger.CreateTable(ctx, info)
	if err == nil {
		log.Printf("commit: created table %s (%s) at %s", first.Identity, info.TableID, info.Path)
		return info, nil
	}
	if tderrors.GetCode(err) != tderrors.CodeTableExists {
		return nil, err
	}

	// Lost the creation race: use the winner's row and reconcile against it.
	existing, gerr := c.ledger.GetTable(ctx, first.Identity.Namespace, first.Identity.Name)
	if gerr != nil {
		return nil, gerr
	}
	if existing == nil {
		return nil, tderrors.NewInternalError(
			fmt.Sprintf("table %s vanished after creation conflict", first.Identity), err)
	}
	return existing, nil
}

// reconcileGroup validates key-set immutability and resolves the schema
// relationship between the group and the stored table, mutating the stored
// schema through the ledger's compare-and-swap when evolution applies.
// Conflicting concurrent schema writers are retried against a re-read row.
func (c *Coordinator) reconcileGroup(ctx context.Context, info *ledger.TableInfo, group []types.WriteResult, incoming types.Schema) error {
	first := group[0]
	if !sameKeySet(info.PrimaryKeys, first.PrimaryKeys) {
		return tderrors.NewSchemaError(tderrors.CodePrimaryKeyChanged,
			fmt.Sprintf("table %s primary keys are %v, batch declares %v", first.Identity, info.PrimaryKeys, first.PrimaryKeys))
	}
	if !sameKeySet(info.RangeKeys, first.RangeKeys) {
		return tderrors.NewSchemaError(tderrors.CodeRangeKeyChanged,
			fmt.Sprintf("table %s range keys are %v, batch declares %v", first.Identity, info.RangeKeys, first.RangeKeys))
	}

	for attempt := 0; ; attempt++ {
		stored, err := info.Schema()
		if err != nil {
			return err
		}

		verdict := schema.Reconcile(stored, incoming, info.RangeKeys, info.PrimaryKeys, c.opts.LogicallyDropColumn)
		switch verdict.Kind {
		case schema.Equal:
			return nil

		case schema.CanCast:
			if !c.opts.AutoSchemaChange {
				// Evolution disabled: treat like an incompatibility and let
				// the stale-generation rule decide.
				return c.checkStaleGeneration(info, group,
					fmt.Sprintf("schema of table %s differs and automatic schema change is disabled", first.Identity))
			}
			err = c.applySchemaChange(ctx, info, verdict)
			if err == nil {
				return nil
			}
			if tderrors.GetCode(err) == tderrors.CodeSchemaWriteConflict && attempt < c.opts.MaxCommitRetries {
				// Another writer updated the schema row; re-read and
				// reconcile against the new generation.
				refreshed, gerr := c.ledger.GetTable(ctx, info.Namespace, info.Name)
				if gerr != nil {
					return gerr
				}
				if refreshed == nil {
					return tderrors.NewInternalError(
						fmt.Sprintf("table %s vanished during schema update", first.Identity), err)
				}
				*info = *refreshed
				continue
			}
			return err

		default: // Incompatible
			if verdict.KeyColumnChanged {
				return tderrors.NewSchemaError(tderrors.CodeIncompatibleSchema,
					fmt.Sprintf("table %s: %s", first.Identity, verdict.Reason))
			}
			return c.checkStaleGeneration(info, group, verdict.Reason)
		}
	}
}

// checkStaleGeneration applies the stale-timestamp rule: write results
// produced at or before the table's last schema change belong to an already
// reconciled schema generation and proceed against the stored schema; any
// newer result is unrecoverable drift the producer must resolve first.
func (c *Coordinator) checkStaleGeneration(info *ledger.TableInfo, group []types.WriteResult, reason string) error {
	lastChange := info.Properties.LastSchemaChangeMs
	for _, r := range group {
		if r.TimestampMs > lastChange {
			return tderrors.NewSchemaError(tderrors.CodeSchemaDrift,
				fmt.Sprintf("write result at %d postdates last schema change at %d: %s", r.TimestampMs, lastChange, reason))
		}
	}
	log.Printf("commit: table %s.%s accepting stale-generation batch against stored schema", info.Namespace, info.Name)
	return nil
}

// applySchemaChange persists a CAN_CAST merge plan: dropped columns are
// tagged rather than removed, and the last-schema-change timestamp advances
// only for widened or added fields.
func (c *Coordinator) applySchemaChange(ctx context.Context, info *ledger.TableInfo, verdict schema.Verdict) error {
	merged := verdict.Merged
	props := info.Properties

	for _, name := range verdict.DroppedColumns {
		for i := range merged.Fields {
			if merged.Fields[i].Name == name {
				merged.Fields[i].Dropped = true
			}
		}
		props.DroppedColumns = appendUnique(props.DroppedColumns, name)
	}
	if verdict.NonTrivial {
		props.LastSchemaChangeMs = time.Now().UnixMilli()
	}

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("commit: failed to marshal merged schema: %w", err)
	}

	if err := c.ledger.UpdateTableSchema(ctx, info.TableID, info.SchemaJSON, string(mergedJSON), props); err != nil {
		return err
	}
	log.Printf("commit: table %s.%s schema evolved (%d fields, %d dropped)",
		info.Namespace, info.Name, len(merged.Fields), len(verdict.DroppedColumns))
	info.SchemaJSON = string(mergedJSON)
	info.Properties = props
	return nil
}

// appendGroupVersions appends partition versions for the group's file
// operations. Bounded mode merges the whole group into one version per
// partition; unbounded mode appends one version per write result per
// partition. Version conflicts from concurrent appenders are retried:
// deterministic commit ids make the retry an idempotent re-submission.
func (c *Coordinator) appendGroupVersions(ctx context.Context, tableID string, group []types.WriteResult, kind types.CommitKind) (map[string]int64, error) {
	versions := make(map[string]int64)

	if c.opts.Bounded {
		perDesc := mergedPartitionOps(group)
		for _, desc := range sortedDescs(perDesc) {
			v, err := c.appendWithRetry(ctx, tableID, desc, kind, perDesc[desc])
			if err != nil {
				return versions, err
			}
			versions[desc] = v
		}
		return versions, nil
	}

	for _, r := range group {
		perDesc := make(map[string][]types.FileOp)
		for _, pf := range r.Files {
			perDesc[pf.PartitionDesc] = append(perDesc[pf.PartitionDesc], pf.Op)
		}
		for _, desc := range sortedDescs(perDesc) {
			v, err := c.appendWithRetry(ctx, tableID, desc, kind, perDesc[desc])
			if err != nil {
				return versions, err
			}
			versions[desc] = v
		}
	}
	return versions, nil
}

// appendWithRetry retries AppendVersion on version conflicts up to the
// configured bound.
func (c *Coordinator) appendWithRetry(ctx context.Context, tableID, desc string, kind types.CommitKind, ops []types.FileOp) (int64, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxCommitRetries; attempt++ {
		v, err := c.ledger.AppendVersion(ctx, tableID, desc, kind, ops)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if tderrors.GetCode(err) != tderrors.CodeVersionConflict {
			return 0, err
		}
	}
	return 0, lastErr
}

// mergedPartitionOps flattens the whole group's file operations per
// partition descriptor, preserving input order.
func mergedPartitionOps(group []types.WriteResult) map[string][]types.FileOp {
	perDesc := make(map[string][]types.FileOp)
	for _, r := range group {
		for _, pf := range r.Files {
			perDesc[pf.PartitionDesc] = append(perDesc[pf.PartitionDesc], pf.Op)
		}
	}
	return perDesc
}

func sortedDescs(m map[string][]types.FileOp) []string {
	descs := make([]string, 0, len(m))
	for d := range m {
		descs = append(descs, d)
	}
	sort.Strings(descs)
	return descs
}

// deriveSchema builds the batch's logical schema: the writer's schema, plus
// the CDC marker column when change-data-capture mode is active.
func deriveSchema(r types.WriteResult) types.Schema {
	s := r.Schema.Clone()
	if !r.UseCDC {
		return s
	}
	col := cdcColumn(r)
	if !s.HasField(col) {
		s.Fields = append(s.Fields, types.Field{Name: col, Type: types.TypeString, Nullable: false})
	}
	return s
}

func cdcColumn(r types.WriteResult) string {
	if r.CDCColumn != "" {
		return r.CDCColumn
	}
	return types.DefaultCDCColumn
}

// sameKeySet compares two key lists as sets.
func sameKeySet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, k := range a {
		set[k] = true
	}
	for _, k := range b {
		if !set[k] {
			return false
		}
	}
	return true
}

// appendUnique appends s to list if not already present.
func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
