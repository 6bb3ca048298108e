// Package scheduler selects bounded batches of not-yet-complete tiles and
// drives the external collaborators over them, recording outcomes through
// the progress ledger in one write per batch.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/earthscan/tilescan/internal/acquire"
	"github.com/earthscan/tilescan/internal/grid"
	"github.com/earthscan/tilescan/internal/ledger"
	"github.com/earthscan/tilescan/internal/metrics"
)

// WorkFunc performs one tile's worth of work for a stage (acquisition or
// detection). A nil return marks the tile done; an error is classified into
// the ledger's failure taxonomy.
type WorkFunc func(ctx context.Context, tile grid.Tile) error

// BatchResult accumulates the outcome of one batch run.
type BatchResult struct {
	Succeeded []int
	Failed    map[int]ledger.Reason
}

// Scheduler picks the next batch of work for one stage and records its
// outcome. Selecting a batch does not mark anything done; only a completed
// attempt recorded via the ledger does.
type Scheduler struct {
	ledger    *ledger.Ledger
	stage     ledger.Stage
	batchSize int
	delay     time.Duration
	log       *slog.Logger
}

// New creates a scheduler for one stage.
func New(led *ledger.Ledger, stage ledger.Stage, batchSize int, delay time.Duration) *Scheduler {
	return &Scheduler{
		ledger:    led,
		stage:     stage,
		batchSize: batchSize,
		delay:     delay,
		log:       slog.With("component", "scheduler", "stage", string(stage)),
	}
}

// NextBatch returns the next min(batchSize, |remaining|) tiles not yet done
// for the scheduler's stage, preserving tile-id order. Failed tiles are
// re-offered by default; previously done tiles are never re-offered.
func (s *Scheduler) NextBatch(all []grid.Tile) []grid.Tile {
	return SelectBatch(all, s.ledger.Done(s.stage), nil, s.batchSize)
}

// SelectBatch is the pure selection step: the first batchSize tiles of all
// that are neither done nor excluded, in input order.
func SelectBatch(all []grid.Tile, done, exclude map[int]bool, batchSize int) []grid.Tile {
	var batch []grid.Tile
	for _, t := range all {
		if len(batch) >= batchSize {
			break
		}
		if done[t.ID] || exclude[t.ID] {
			continue
		}
		batch = append(batch, t)
	}
	return batch
}

// RunBatch invokes work for each tile in the batch, classifies each
// outcome, and records the whole batch to the ledger in a single write at
// the end. A crash mid-batch loses at most this batch's results; prior
// batches are already durable. A fixed delay between invocations respects
// external service etiquette.
func (s *Scheduler) RunBatch(ctx context.Context, batch []grid.Tile, work WorkFunc) (BatchResult, error) {
	result := BatchResult{
		Failed: make(map[int]ledger.Reason),
	}
	if len(batch) == 0 {
		return result, nil
	}

	start := time.Now()
	interrupted := false

	for i, tile := range batch {
		if i > 0 && s.delay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(s.delay):
			}
		}
		if ctx.Err() != nil {
			// Unattempted tiles stay unseen; record only what completed.
			interrupted = true
			break
		}

		err := work(ctx, tile)
		if err == nil {
			result.Succeeded = append(result.Succeeded, tile.ID)
			if m := metrics.Get(); m != nil {
				m.IncTilesSucceeded(string(s.stage))
			}
			continue
		}

		reason := Classify(err)
		result.Failed[tile.ID] = reason
		s.log.Warn("tile failed", "tile_id", tile.ID, "reason", string(reason), "error", err)
		if m := metrics.Get(); m != nil {
			m.IncTilesFailed(string(s.stage), string(reason))
		}
	}

	if err := s.ledger.RecordBatch(s.stage, result.Succeeded, result.Failed, len(batch)); err != nil {
		return result, err
	}

	if m := metrics.Get(); m != nil {
		m.IncBatchesRecorded(string(s.stage))
		m.SetLastBatchSize(string(s.stage), float64(len(batch)))
		m.ObserveBatchDuration(string(s.stage), time.Since(start).Seconds())
	}

	s.log.Info("batch recorded",
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failed),
		"duration", time.Since(start).String(),
	)

	if interrupted {
		return result, ctx.Err()
	}
	return result, nil
}

// Classify maps a collaborator error into the ledger failure taxonomy.
// Per-unit failures never escalate: they are recorded and the batch moves
// on to the next tile.
func Classify(err error) ledger.Reason {
	switch {
	case errors.Is(err, acquire.ErrNoData):
		return ledger.ReasonNoData
	case errors.Is(err, acquire.ErrNotFound):
		return ledger.ReasonNotFound
	default:
		return ledger.ReasonError
	}
}
