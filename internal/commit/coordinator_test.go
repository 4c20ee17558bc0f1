package commit

import (
	"context"
	"os"
	"testing"
	"time"

	tderrors "github.com/tidemark/tidemark/internal/errors"
	"github.com/tidemark/tidemark/internal/ledger"
	"github.com/tidemark/tidemark/internal/signal"
	"github.com/tidemark/tidemark/internal/storage"
	"github.com/tidemark/tidemark/pkg/types"
)

func newTestLedger(t *testing.T) *ledger.SQLiteLedger {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "commit_test_*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	led, err := ledger.Open(tmpFile.Name())
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })
	return led
}

func newTestCoordinator(t *testing.T, led *ledger.SQLiteLedger, opts Options) *Coordinator {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return New(led, store, opts)
}

func baseSchema() types.Schema {
	return types.Schema{Fields: []types.Field{
		{Name: "id", Type: types.TypeInt32, Nullable: false},
		{Name: "v", Type: types.TypeInt32, Nullable: true},
	}}
}

func writeResult(table, file string, ts int64) types.WriteResult {
	return types.WriteResult{
		Identity:    types.TableIdentity{Namespace: "default", Name: table, Location: "tables/" + table},
		Schema:      baseSchema(),
		PrimaryKeys: []string{"id"},
		Files: []types.PartitionedFile{{
			PartitionDesc: types.NonPartitionedDesc,
			Op:            types.FileOp{Path: file, Kind: types.OpAdd, Size: 100},
		}},
		TimestampMs: ts,
	}
}

// Scenario: first commit against an unknown table creates it and produces
// version 0 with a single-commit snapshot.
func TestCommitBatch_CreatesTable(t *testing.T) {
	led := newTestLedger(t)
	coord := newTestCoordinator(t, led, DefaultOptions())
	ctx := context.Background()

	batch, err := coord.CommitBatch(ctx, []types.WriteResult{writeResult("t", "f1", 100)})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if len(batch.Groups) != 1 || batch.Groups[0].Err != nil {
		t.Fatalf("unexpected batch result: %+v", batch.Groups)
	}
	if v := batch.Groups[0].Versions[types.NonPartitionedDesc]; v != 0 {
		t.Errorf("first version = %d, want 0", v)
	}

	info, err := led.GetTable(ctx, "default", "t")
	if err != nil || info == nil {
		t.Fatalf("table not created: %v %v", info, err)
	}
	snapshot, err := led.GetSnapshot(ctx, info.TableID, types.NonPartitionedDesc, 0)
	if err != nil || len(snapshot) != 1 {
		t.Errorf("snapshot at v0 = %v (%v), want one commit", snapshot, err)
	}
}

// Scenario: a follow-up batch with an added field evolves the schema and
// extends the snapshot.
func TestCommitBatch_SchemaEvolution(t *testing.T) {
	led := newTestLedger(t)
	coord := newTestCoordinator(t, led, DefaultOptions())
	ctx := context.Background()

	if _, err := coord.CommitBatch(ctx, []types.WriteResult{writeResult("t", "f1", 100)}); err != nil {
		t.Fatalf("first commit failed: %v", err)
	}

	second := writeResult("t", "f2", 200)
	second.Schema.Fields = append(second.Schema.Fields, types.Field{Name: "amount", Type: types.TypeFloat64, Nullable: true})

	batch, err := coord.CommitBatch(ctx, []types.WriteResult{second})
	if err != nil {
		t.Fatalf("second commit failed: %v", err)
	}
	if v := batch.Groups[0].Versions[types.NonPartitionedDesc]; v != 1 {
		t.Errorf("second version = %d, want 1", v)
	}

	info, _ := led.GetTable(ctx, "default", "t")
	s, err := info.Schema()
	if err != nil {
		t.Fatalf("schema decode failed: %v", err)
	}
	if !s.HasField("amount") {
		t.Errorf("stored schema missing evolved field: %+v", s)
	}
	if info.Properties.LastSchemaChangeMs == 0 {
		t.Errorf("last schema change timestamp not advanced")
	}

	snapshot, _ := led.GetSnapshot(ctx, info.TableID, types.NonPartitionedDesc, 1)
	if len(snapshot) != 2 {
		t.Errorf("snapshot at v1 = %v, want two commits", snapshot)
	}
}

// Scenario: a batch claiming a different primary key is rejected fatally
// before any ledger mutation.
func TestCommitBatch_PrimaryKeyChangeFatal(t *testing.T) {
	led := newTestLedger(t)
	coord := newTestCoordinator(t, led, DefaultOptions())
	ctx := context.Background()

	if _, err := coord.CommitBatch(ctx, []types.WriteResult{writeResult("t", "f1", 100)}); err != nil {
		t.Fatalf("first commit failed: %v", err)
	}
	infoBefore, _ := led.GetTable(ctx, "default", "t")

	bad := writeResult("t", "f2", 200)
	bad.PrimaryKeys = []string{"v"}

	_, err := coord.CommitBatch(ctx, []types.WriteResult{bad})
	if err == nil {
		t.Fatal("key change must fail")
	}
	if tderrors.GetCode(err) != tderrors.CodePrimaryKeyChanged {
		t.Errorf("expected PRIMARY_KEY_CHANGED, got %v", err)
	}
	if tderrors.IsRetryable(err) {
		t.Errorf("key change must be fatal, not retryable")
	}

	// No partial write: version history and schema are untouched.
	latest, _, _ := led.LatestVersion(ctx, infoBefore.TableID, types.NonPartitionedDesc)
	if latest != 0 {
		t.Errorf("latest version = %d after rejected batch, want 0", latest)
	}
	infoAfter, _ := led.GetTable(ctx, "default", "t")
	if infoAfter.SchemaJSON != infoBefore.SchemaJSON {
		t.Errorf("schema changed by rejected batch")
	}
}

// Scenario: a late batch carrying the pre-evolution schema and an older
// producer timestamp is accepted against the stored schema.
func TestCommitBatch_StaleGenerationAccepted(t *testing.T) {
	led := newTestLedger(t)
	coord := newTestCoordinator(t, led, DefaultOptions())
	ctx := context.Background()

	if _, err := coord.CommitBatch(ctx, []types.WriteResult{writeResult("t", "f1", 100)}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Evolve the schema: the added field advances the recorded
	// last-schema-change timestamp to the current wall clock.
	evolved := writeResult("t", "f2", time.Now().UnixMilli())
	evolved.Schema.Fields = append(evolved.Schema.Fields, types.Field{Name: "amount", Type: types.TypeInt64, Nullable: true})
	if _, err := coord.CommitBatch(ctx, []types.WriteResult{evolved}); err != nil {
		t.Fatalf("evolution failed: %v", err)
	}

	// A late batch still carrying the old schema (no "amount") is an
	// incompatibility, but it predates the change, so it proceeds against
	// the stored schema.
	late := writeResult("t", "f3", time.Now().UnixMilli()-60_000)
	batch, err := coord.CommitBatch(ctx, []types.WriteResult{late})
	if err != nil {
		t.Fatalf("stale batch rejected: %v", err)
	}
	if v := batch.Groups[0].Versions[types.NonPartitionedDesc]; v != 2 {
		t.Errorf("stale batch version = %d, want 2", v)
	}

	// The same incompatible schema with a post-change timestamp is drift.
	drift := writeResult("t", "f4", time.Now().UnixMilli()+60_000)
	_, err = coord.CommitBatch(ctx, []types.WriteResult{drift})
	if err == nil {
		t.Fatal("post-change incompatible batch must fail")
	}
	if tderrors.GetCode(err) != tderrors.CodeSchemaDrift {
		t.Errorf("expected SCHEMA_DRIFT, got %v", err)
	}
	if !tderrors.IsRetryable(err) {
		t.Errorf("schema drift must be retryable")
	}
}

// Scenario: ten consecutive ordinary commits on one partition emit exactly
// one compaction notification, on the tenth.
func TestCommitBatch_CompactionSignalOnTenth(t *testing.T) {
	led := newTestLedger(t)
	notifier := signal.NewNotifier(16)
	led.SetPostCommitHook(signal.NewHook(notifier, 10).OnCommit)
	_, ch := notifier.Subscribe()

	coord := newTestCoordinator(t, led, DefaultOptions())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		r := writeResult("t", "f"+string(rune('a'+i)), int64(100+i))
		if _, err := coord.CommitBatch(ctx, []types.WriteResult{r}); err != nil {
			t.Fatalf("commit %d failed: %v", i, err)
		}

		select {
		case note := <-ch:
			if i != 9 {
				t.Fatalf("notification fired on commit %d, want only the tenth", i)
			}
			if note.PartitionDesc != types.NonPartitionedDesc || note.Namespace != "default" {
				t.Errorf("notification = %+v", note)
			}
		default:
			if i == 9 {
				t.Fatal("no notification on the tenth commit")
			}
		}
	}
}

func TestCommitBatch_TableMissingAutoCreateDisabled(t *testing.T) {
	led := newTestLedger(t)
	opts := DefaultOptions()
	opts.AutoSchemaChange = false
	coord := newTestCoordinator(t, led, opts)

	_, err := coord.CommitBatch(context.Background(), []types.WriteResult{writeResult("t", "f1", 100)})
	if err == nil {
		t.Fatal("commit to missing table must fail with auto-create disabled")
	}
	if tderrors.GetCode(err) != tderrors.CodeTableNotFound {
		t.Errorf("expected TABLE_NOT_FOUND, got %v", err)
	}
	if tderrors.IsRetryable(err) {
		t.Errorf("missing table must be fatal")
	}
}

func TestCommitBatch_CDCMarkerColumn(t *testing.T) {
	led := newTestLedger(t)
	coord := newTestCoordinator(t, led, DefaultOptions())
	ctx := context.Background()

	r := writeResult("cdc", "f1", 100)
	r.UseCDC = true
	if _, err := coord.CommitBatch(ctx, []types.WriteResult{r}); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	info, _ := led.GetTable(ctx, "default", "cdc")
	s, err := info.Schema()
	if err != nil {
		t.Fatalf("schema decode failed: %v", err)
	}
	if !s.HasField(types.DefaultCDCColumn) {
		t.Errorf("CDC marker column missing from created schema: %+v", s)
	}
	if !info.Properties.UseCDC || info.Properties.CDCColumn != types.DefaultCDCColumn {
		t.Errorf("CDC properties = %+v", info.Properties)
	}
}

func TestCommitBatch_LogicalColumnDrop(t *testing.T) {
	led := newTestLedger(t)
	opts := DefaultOptions()
	opts.LogicallyDropColumn = true
	coord := newTestCoordinator(t, led, opts)
	ctx := context.Background()

	if _, err := coord.CommitBatch(ctx, []types.WriteResult{writeResult("t", "f1", 100)}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	narrow := writeResult("t", "f2", 200)
	narrow.Schema = types.Schema{Fields: []types.Field{
		{Name: "id", Type: types.TypeInt32, Nullable: false},
	}}
	if _, err := coord.CommitBatch(ctx, []types.WriteResult{narrow}); err != nil {
		t.Fatalf("drop batch failed: %v", err)
	}

	info, _ := led.GetTable(ctx, "default", "t")
	s, _ := info.Schema()
	f, ok := s.Field("v")
	if !ok || !f.Dropped {
		t.Errorf("column v should be logically dropped, got %+v", f)
	}
	if len(info.Properties.DroppedColumns) != 1 || info.Properties.DroppedColumns[0] != "v" {
		t.Errorf("dropped columns property = %v", info.Properties.DroppedColumns)
	}
	// A drop-only change must not advance the schema-change timestamp.
	if info.Properties.LastSchemaChangeMs != 0 {
		t.Errorf("drop-only change advanced last schema change to %d", info.Properties.LastSchemaChangeMs)
	}
}

func TestCommitBatch_GroupIsolation(t *testing.T) {
	led := newTestLedger(t)
	coord := newTestCoordinator(t, led, DefaultOptions())
	ctx := context.Background()

	if _, err := coord.CommitBatch(ctx, []types.WriteResult{writeResult("good", "f1", 100)}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if _, err := coord.CommitBatch(ctx, []types.WriteResult{writeResult("bad", "f1", 100)}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	badResult := writeResult("bad", "f2", 200)
	badResult.PrimaryKeys = []string{"v"}

	batch, err := coord.CommitBatch(ctx, []types.WriteResult{
		writeResult("good", "f2", 200),
		badResult,
	})
	if err == nil {
		t.Fatal("batch with a fatal group must report an error")
	}

	var good, bad *GroupOutcome
	for i := range batch.Groups {
		switch batch.Groups[i].Table {
		case "default.good":
			good = &batch.Groups[i]
		case "default.bad":
			bad = &batch.Groups[i]
		}
	}
	if good == nil || bad == nil {
		t.Fatalf("missing group outcomes: %+v", batch.Groups)
	}
	if good.Err != nil {
		t.Errorf("sibling group must succeed despite fatal neighbor: %v", good.Err)
	}
	if bad.Err == nil {
		t.Errorf("bad group must carry its error")
	}
	if good.Versions[types.NonPartitionedDesc] != 1 {
		t.Errorf("good table version = %d, want 1", good.Versions[types.NonPartitionedDesc])
	}
	if len(batch.RetryableTables()) != 0 {
		t.Errorf("fatal failure must not be listed retryable: %v", batch.RetryableTables())
	}
}

func TestCommitBatch_BoundedMergesGroup(t *testing.T) {
	led := newTestLedger(t)
	opts := DefaultOptions()
	opts.Bounded = true
	coord := newTestCoordinator(t, led, opts)
	ctx := context.Background()

	batch, err := coord.CommitBatch(ctx, []types.WriteResult{
		writeResult("t", "f1", 100),
		writeResult("t", "f2", 100),
	})
	if err != nil {
		t.Fatalf("bounded commit failed: %v", err)
	}
	if v := batch.Groups[0].Versions[types.NonPartitionedDesc]; v != 0 {
		t.Errorf("bounded batch produced version %d, want a single version 0", v)
	}

	info, _ := led.GetTable(ctx, "default", "t")
	latest, _, _ := led.LatestVersion(ctx, info.TableID, types.NonPartitionedDesc)
	if latest != 0 {
		t.Errorf("bounded mode created %d versions, want exactly one", latest+1)
	}
	snapshot, _ := led.GetSnapshot(ctx, info.TableID, types.NonPartitionedDesc, 0)
	ops, err := led.GetCommitFileOps(ctx, info.TableID, types.NonPartitionedDesc, snapshot[0])
	if err != nil {
		t.Fatalf("file ops: %v", err)
	}
	if len(ops) != 2 {
		t.Errorf("merged commit carries %d ops, want 2", len(ops))
	}
}

func TestCommitBatch_UnboundedPerResultVersions(t *testing.T) {
	led := newTestLedger(t)
	coord := newTestCoordinator(t, led, DefaultOptions())
	ctx := context.Background()

	batch, err := coord.CommitBatch(ctx, []types.WriteResult{
		writeResult("t", "f1", 100),
		writeResult("t", "f2", 100),
	})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if v := batch.Groups[0].Versions[types.NonPartitionedDesc]; v != 1 {
		t.Errorf("unbounded batch highest version = %d, want 1", v)
	}
}
