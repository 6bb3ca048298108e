// Package ledger persists per-tile stage completion so the pipeline can
// resume across independent runs. The ledger is the single source of truth
// for "already done": every stage consults it before selecting work and
// records outcomes through it.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is written into every ledger file. Future fields must be
// additive so older ledgers still load.
const SchemaVersion = 1

// Stage identifies a pipeline stage tracked by the ledger.
type Stage string

const (
	// StageExport tracks tile acquisition (imagery export/download).
	StageExport Stage = "export"
	// StageProcess tracks tile detection processing.
	StageProcess Stage = "process"
)

// Reason classifies why a tile failed. Reasons are recorded in history for
// audit; the retry policy does not distinguish them.
type Reason string

const (
	ReasonNoData   Reason = "no_data"
	ReasonNotFound Reason = "not_found"
	ReasonError    Reason = "error"
)

// BatchRecord is one append-only history entry per recorded batch.
type BatchRecord struct {
	BatchID        string         `json:"batch_id"`
	Stage          Stage          `json:"stage"`
	Timestamp      time.Time      `json:"timestamp"`
	BatchSize      int            `json:"batch_size"`
	Succeeded      int            `json:"succeeded"`
	Failed         int            `json:"failed"`
	TileIDs        []int          `json:"tile_ids"`
	FailureReasons map[int]Reason `json:"failure_reasons,omitempty"`
}

// State is the persisted ledger record.
type State struct {
	SchemaVersion        int           `json:"schema_version"`
	ExportedTileIDs      []int         `json:"exported_tile_ids"`
	FailedExportTileIDs  []int         `json:"failed_export_tile_ids"`
	ProcessedTileIDs     []int         `json:"processed_tile_ids"`
	FailedProcessTileIDs []int         `json:"failed_process_tile_ids"`
	TotalExported        int           `json:"total_exported"`
	TotalProcessed       int           `json:"total_processed"`
	ExportHistory        []BatchRecord `json:"export_history"`
	ProcessHistory       []BatchRecord `json:"process_history"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// ErrUnknownStage is returned for a stage the ledger does not track.
var ErrUnknownStage = errors.New("unknown ledger stage")

// Ledger is a durable per-tile progress record. It assumes single-writer
// access; two simultaneous pipeline invocations against the same file are
// not supported.
type Ledger struct {
	path  string
	state State
}

// Open loads the ledger at path, or returns an empty ledger if none exists
// yet (first run).
func Open(path string) (*Ledger, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Ledger{path: path, state: State{SchemaVersion: SchemaVersion}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse ledger %s: %w", path, err)
	}
	if st.SchemaVersion == 0 {
		// Pre-versioned ledgers still load.
		st.SchemaVersion = SchemaVersion
	}

	l := &Ledger{path: path, state: st}
	l.normalize()
	return l, nil
}

// State returns a copy of the persisted state.
func (l *Ledger) State() State {
	st := l.state
	st.ExportedTileIDs = append([]int(nil), l.state.ExportedTileIDs...)
	st.FailedExportTileIDs = append([]int(nil), l.state.FailedExportTileIDs...)
	st.ProcessedTileIDs = append([]int(nil), l.state.ProcessedTileIDs...)
	st.FailedProcessTileIDs = append([]int(nil), l.state.FailedProcessTileIDs...)
	st.ExportHistory = append([]BatchRecord(nil), l.state.ExportHistory...)
	st.ProcessHistory = append([]BatchRecord(nil), l.state.ProcessHistory...)
	return st
}

// Done returns the set of tile ids completed for a stage.
func (l *Ledger) Done(stage Stage) map[int]bool {
	done, _, err := l.sets(stage)
	if err != nil {
		return nil
	}
	return toSet(*done)
}

// Failed returns the set of tile ids currently marked failed for a stage.
func (l *Ledger) Failed(stage Stage) map[int]bool {
	_, failed, err := l.sets(stage)
	if err != nil {
		return nil
	}
	return toSet(*failed)
}

// IsDone reports whether a tile is complete for a stage.
func (l *Ledger) IsDone(stage Stage, tileID int) bool {
	return l.Done(stage)[tileID]
}

// Remaining returns allIDs minus the stage's done set, preserving order.
// Failed tiles remain eligible (they are retried on the next pass) unless
// skipFailed is set.
func (l *Ledger) Remaining(stage Stage, allIDs []int, skipFailed bool) []int {
	done := l.Done(stage)
	failed := l.Failed(stage)

	var remaining []int
	for _, id := range allIDs {
		if done[id] {
			continue
		}
		if skipFailed && failed[id] {
			continue
		}
		remaining = append(remaining, id)
	}
	return remaining
}

// RecordBatch moves succeeded ids into the stage's done set, failed ids into
// its failed set, appends one history entry, and persists atomically. A tile
// that succeeds is removed from the failed set (retry transition); a tile
// already done is never re-added to failed. Totals are always derived from
// the set sizes, never hand-maintained, so replaying the same batch cannot
// double-count.
func (l *Ledger) RecordBatch(stage Stage, succeeded []int, failed map[int]Reason, batchSize int) error {
	done, failedSet, err := l.sets(stage)
	if err != nil {
		return err
	}

	doneSet := toSet(*done)
	failSet := toSet(*failedSet)

	for _, id := range succeeded {
		doneSet[id] = true
		delete(failSet, id)
	}
	for id := range failed {
		if doneSet[id] {
			continue
		}
		failSet[id] = true
	}

	*done = toSorted(doneSet)
	*failedSet = toSorted(failSet)

	rec := BatchRecord{
		BatchID:   uuid.New().String(),
		Stage:     stage,
		Timestamp: time.Now().UTC(),
		BatchSize: batchSize,
		Succeeded: len(succeeded),
		Failed:    len(failed),
		TileIDs:   sortedCopy(succeeded),
	}
	if len(failed) > 0 {
		rec.FailureReasons = make(map[int]Reason, len(failed))
		for id, r := range failed {
			rec.FailureReasons[id] = r
		}
	}

	switch stage {
	case StageExport:
		l.state.ExportHistory = append(l.state.ExportHistory, rec)
	case StageProcess:
		l.state.ProcessHistory = append(l.state.ProcessHistory, rec)
	}

	l.state.TotalExported = len(l.state.ExportedTileIDs)
	l.state.TotalProcessed = len(l.state.ProcessedTileIDs)
	l.state.UpdatedAt = time.Now().UTC()

	return l.persist()
}

// persist writes the whole state atomically: a crash before the rename
// leaves the previous ledger intact, so the batch is safely re-attempted.
func (l *Ledger) persist() error {
	data, err := json.MarshalIndent(l.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	tempPath := l.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write ledger temp file: %w", err)
	}
	if err := os.Rename(tempPath, l.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename ledger file: %w", err)
	}
	return nil
}

// sets returns pointers to the done/failed slices for a stage.
func (l *Ledger) sets(stage Stage) (done, failed *[]int, err error) {
	switch stage {
	case StageExport:
		return &l.state.ExportedTileIDs, &l.state.FailedExportTileIDs, nil
	case StageProcess:
		return &l.state.ProcessedTileIDs, &l.state.FailedProcessTileIDs, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
}

// normalize dedupes the persisted sets and re-derives totals, repairing any
// drift in a hand-edited or older ledger. Done wins over failed.
func (l *Ledger) normalize() {
	for _, stage := range []Stage{StageExport, StageProcess} {
		done, failed, _ := l.sets(stage)
		doneSet := toSet(*done)
		failSet := toSet(*failed)
		for id := range doneSet {
			delete(failSet, id)
		}
		*done = toSorted(doneSet)
		*failed = toSorted(failSet)
	}
	l.state.TotalExported = len(l.state.ExportedTileIDs)
	l.state.TotalProcessed = len(l.state.ProcessedTileIDs)
}

func toSet(ids []int) map[int]bool {
	set := make(map[int]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func toSorted(set map[int]bool) []int {
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func sortedCopy(ids []int) []int {
	out := append([]int(nil), ids...)
	sort.Ints(out)
	return out
}
