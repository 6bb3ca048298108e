// Package metadata records survey lineage in an external PostgreSQL
// catalog: which surveys ran, what each batch did, and what each merge
// produced. The catalog is observational; pipeline resume state lives in
// the progress ledger, never here.
package metadata

import (
	"context"
	"time"
)

// CatalogConfig configures the metadata catalog connection. An empty DSN
// selects the no-op writer; the pipeline runs fully without a catalog.
type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// SurveyInfo identifies one survey configuration.
type SurveyInfo struct {
	Name        string
	Year        int
	TileSizeDeg float64
	TotalTiles  int
}

// BatchRecord is the lineage entry for one completed batch.
type BatchRecord struct {
	SurveyID  int64
	BatchID   string
	Stage     string
	BatchSize int
	Succeeded int
	Failed    int
	StartedAt time.Time
	Duration  time.Duration
}

// MergeRecord is the lineage entry for one merge run.
type MergeRecord struct {
	SurveyID        int64
	TotalDetections int
	TotalAreaHa     float64
	TilesMerged     int
	TilesSkipped    int
	OutputURI       string
}

// Writer persists survey lineage to the catalog.
type Writer interface {
	EnsureSurvey(ctx context.Context, info SurveyInfo) (int64, error)
	RecordBatch(ctx context.Context, rec BatchRecord) error
	RecordMerge(ctx context.Context, rec MergeRecord) error
	Close() error
}

// NewWriter selects the writer implementation from configuration.
func NewWriter(cfg CatalogConfig) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return noopWriter{}, nil
	}
	return NewPostgresWriter(cfg)
}

type noopWriter struct{}

func (noopWriter) EnsureSurvey(_ context.Context, _ SurveyInfo) (int64, error) { return 0, nil }
func (noopWriter) RecordBatch(_ context.Context, _ BatchRecord) error          { return nil }
func (noopWriter) RecordMerge(_ context.Context, _ MergeRecord) error          { return nil }
func (noopWriter) Close() error                                                { return nil }
