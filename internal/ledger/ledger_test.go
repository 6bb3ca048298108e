package ledger

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func tempLedger(t *testing.T) *Ledger {
	t.Helper()
	led, err := Open(filepath.Join(t.TempDir(), "progress.json"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	return led
}

func TestOpenMissingFile(t *testing.T) {
	led := tempLedger(t)
	st := led.State()

	if st.SchemaVersion != SchemaVersion {
		t.Errorf("expected schema version %d, got %d", SchemaVersion, st.SchemaVersion)
	}
	if st.TotalExported != 0 || st.TotalProcessed != 0 {
		t.Errorf("fresh ledger should be empty: %+v", st)
	}
	if len(led.Done(StageExport)) != 0 {
		t.Error("fresh ledger has done tiles")
	}
}

func TestRecordBatchPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "progress.json")

	led, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	failed := map[int]Reason{7: ReasonNoData, 9: ReasonError}
	if err := led.RecordBatch(StageExport, []int{1, 2, 3}, failed, 5); err != nil {
		t.Fatalf("record batch: %v", err)
	}

	// A fresh open sees exactly what was recorded.
	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	st := reloaded.State()
	if !reflect.DeepEqual(st.ExportedTileIDs, []int{1, 2, 3}) {
		t.Errorf("exported ids: %v", st.ExportedTileIDs)
	}
	if !reflect.DeepEqual(st.FailedExportTileIDs, []int{7, 9}) {
		t.Errorf("failed ids: %v", st.FailedExportTileIDs)
	}
	if st.TotalExported != 3 {
		t.Errorf("total exported: %d", st.TotalExported)
	}
	if len(st.ExportHistory) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(st.ExportHistory))
	}
	rec := st.ExportHistory[0]
	if rec.BatchID == "" {
		t.Error("history entry has no batch id")
	}
	if rec.Succeeded != 3 || rec.Failed != 2 || rec.BatchSize != 5 {
		t.Errorf("history counts wrong: %+v", rec)
	}
	if rec.FailureReasons[7] != ReasonNoData {
		t.Errorf("failure reason not recorded: %+v", rec.FailureReasons)
	}

	// No temp file left behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after persist")
	}
}

func TestRecordBatchIdempotentTotals(t *testing.T) {
	led := tempLedger(t)

	if err := led.RecordBatch(StageExport, []int{1, 2, 3}, nil, 3); err != nil {
		t.Fatalf("record: %v", err)
	}
	// Replaying the same outcomes must not change the totals.
	if err := led.RecordBatch(StageExport, []int{1, 2, 3}, nil, 3); err != nil {
		t.Fatalf("replay: %v", err)
	}

	st := led.State()
	if st.TotalExported != 3 {
		t.Errorf("replay double-counted: total %d", st.TotalExported)
	}
	if len(st.ExportedTileIDs) != 3 {
		t.Errorf("replay duplicated ids: %v", st.ExportedTileIDs)
	}
	// History is append-only: both attempts are visible.
	if len(st.ExportHistory) != 2 {
		t.Errorf("expected 2 history entries, got %d", len(st.ExportHistory))
	}
}

func TestFailedTileRetryTransition(t *testing.T) {
	led := tempLedger(t)

	if err := led.RecordBatch(StageExport, nil, map[int]Reason{5: ReasonError}, 1); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if !led.Failed(StageExport)[5] {
		t.Fatal("tile 5 should be marked failed")
	}

	// The retry succeeds: done wins, failed entry removed.
	if err := led.RecordBatch(StageExport, []int{5}, nil, 1); err != nil {
		t.Fatalf("record retry: %v", err)
	}
	if !led.Done(StageExport)[5] {
		t.Error("tile 5 should be done after retry")
	}
	if led.Failed(StageExport)[5] {
		t.Error("tile 5 still marked failed after success")
	}
}

func TestDoneNeverReturnsToFailed(t *testing.T) {
	led := tempLedger(t)

	if err := led.RecordBatch(StageProcess, []int{4}, nil, 1); err != nil {
		t.Fatalf("record: %v", err)
	}
	// A stale failure report for an already-done tile is ignored.
	if err := led.RecordBatch(StageProcess, nil, map[int]Reason{4: ReasonError}, 1); err != nil {
		t.Fatalf("record: %v", err)
	}

	if !led.Done(StageProcess)[4] {
		t.Error("tile 4 should remain done")
	}
	if led.Failed(StageProcess)[4] {
		t.Error("done tile must not re-enter the failed set")
	}
}

func TestStagesAreIndependent(t *testing.T) {
	led := tempLedger(t)

	if err := led.RecordBatch(StageExport, []int{1, 2}, nil, 2); err != nil {
		t.Fatalf("record: %v", err)
	}

	if len(led.Done(StageProcess)) != 0 {
		t.Error("export completion leaked into process stage")
	}
	st := led.State()
	if st.TotalProcessed != 0 || len(st.ProcessHistory) != 0 {
		t.Errorf("process state touched by export batch: %+v", st)
	}
}

func TestRemaining(t *testing.T) {
	led := tempLedger(t)

	all := []int{0, 1, 2, 3, 4, 5}
	if err := led.RecordBatch(StageExport, []int{1, 3}, map[int]Reason{4: ReasonNoData}, 3); err != nil {
		t.Fatalf("record: %v", err)
	}

	// Failed tiles are re-offered by default.
	got := led.Remaining(StageExport, all, false)
	if !reflect.DeepEqual(got, []int{0, 2, 4, 5}) {
		t.Errorf("remaining: %v", got)
	}

	// skipFailed excludes them.
	got = led.Remaining(StageExport, all, true)
	if !reflect.DeepEqual(got, []int{0, 2, 5}) {
		t.Errorf("remaining with skipFailed: %v", got)
	}
}

func TestRecordBatchUnknownStage(t *testing.T) {
	led := tempLedger(t)
	if err := led.RecordBatch(Stage("bogus"), []int{1}, nil, 1); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}

func TestNormalizeRepairsDrift(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "progress.json")

	// Hand-edited ledger: duplicates, a tile both done and failed, stale totals.
	raw := `{
		"schema_version": 1,
		"exported_tile_ids": [2, 1, 2, 3],
		"failed_export_tile_ids": [3, 9],
		"total_exported": 99
	}`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	led, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	st := led.State()
	if !reflect.DeepEqual(st.ExportedTileIDs, []int{1, 2, 3}) {
		t.Errorf("dedupe failed: %v", st.ExportedTileIDs)
	}
	if !reflect.DeepEqual(st.FailedExportTileIDs, []int{9}) {
		t.Errorf("done should win over failed: %v", st.FailedExportTileIDs)
	}
	if st.TotalExported != 3 {
		t.Errorf("totals not re-derived: %d", st.TotalExported)
	}
}
