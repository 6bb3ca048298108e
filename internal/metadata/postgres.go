package metadata

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
	log  *slog.Logger

	mu          sync.RWMutex
	surveyCache map[string]int64
}

// NewPostgresWriter creates a PostgreSQL catalog writer. A catalog that
// cannot be reached at startup is a configuration error.
func NewPostgresWriter(cfg CatalogConfig) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{
		pool:        pool,
		log:         slog.With("component", "metadata"),
		surveyCache: make(map[string]int64),
	}

	if err := w.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	w.log.Info("connected to metadata catalog")
	return w, nil
}

func (w *PostgresWriter) initSchema(ctx context.Context) error {
	if _, err := w.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// EnsureSurvey registers or retrieves a survey entry.
func (w *PostgresWriter) EnsureSurvey(ctx context.Context, info SurveyInfo) (int64, error) {
	cacheKey := fmt.Sprintf("%s.%d", info.Name, info.Year)
	w.mu.RLock()
	if id, ok := w.surveyCache[cacheKey]; ok {
		w.mu.RUnlock()
		return id, nil
	}
	w.mu.RUnlock()

	query := `
		INSERT INTO surveys (name, year, tile_size_deg, total_tiles)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name, year)
		DO UPDATE SET
			tile_size_deg = EXCLUDED.tile_size_deg,
			total_tiles = EXCLUDED.total_tiles,
			updated_at = NOW()
		RETURNING id
	`

	var id int64
	err := w.pool.QueryRow(ctx, query,
		info.Name, info.Year, info.TileSizeDeg, info.TotalTiles,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure survey: %w", err)
	}

	w.mu.Lock()
	w.surveyCache[cacheKey] = id
	w.mu.Unlock()

	return id, nil
}

// RecordBatch writes a lineage record for a completed batch.
func (w *PostgresWriter) RecordBatch(ctx context.Context, rec BatchRecord) error {
	query := `
		INSERT INTO survey_batches (
			survey_id, batch_id, stage, batch_size,
			succeeded, failed, started_at, duration_ms
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (batch_id) DO NOTHING
	`

	_, err := w.pool.Exec(ctx, query,
		rec.SurveyID,
		rec.BatchID,
		rec.Stage,
		rec.BatchSize,
		rec.Succeeded,
		rec.Failed,
		rec.StartedAt,
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record batch: %w", err)
	}

	w.log.Debug("recorded batch lineage", "batch_id", rec.BatchID, "stage", rec.Stage)
	return nil
}

// RecordMerge writes a lineage record for a merge run.
func (w *PostgresWriter) RecordMerge(ctx context.Context, rec MergeRecord) error {
	query := `
		INSERT INTO survey_merges (
			survey_id, total_detections, total_area_ha,
			tiles_merged, tiles_skipped, output_uri
		)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := w.pool.Exec(ctx, query,
		rec.SurveyID,
		rec.TotalDetections,
		rec.TotalAreaHa,
		rec.TilesMerged,
		rec.TilesSkipped,
		rec.OutputURI,
	)
	if err != nil {
		return fmt.Errorf("record merge: %w", err)
	}

	w.log.Debug("recorded merge lineage", "survey_id", rec.SurveyID,
		"detections", rec.TotalDetections)
	return nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

var _ Writer = (*PostgresWriter)(nil)
