// Package cli wires the pipeline stages into subcommands. Each subcommand
// is one resumable pipeline pass: it loads the shared configuration,
// consults the progress ledger, does a bounded amount of work, and exits.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/earthscan/tilescan/internal/config"
	"github.com/earthscan/tilescan/internal/grid"
	"github.com/earthscan/tilescan/internal/ledger"
	"github.com/earthscan/tilescan/internal/logging"
	"github.com/earthscan/tilescan/internal/metrics"
)

// Root carries state shared by all subcommands.
type Root struct {
	cfgPath string
	cfg     *config.Config
	runID   string
	log     *slog.Logger
}

// setup loads configuration and initializes logging and metrics. It runs
// once, before any subcommand body.
func (r *Root) setup() error {
	cfg, err := config.Load(r.cfgPath)
	if err != nil {
		return err
	}
	r.cfg = cfg
	r.runID = logging.GenerateRunID()

	logging.Setup(cfg.Log)
	r.log = slog.With("run_id", r.runID, "survey", cfg.TilePrefix())

	if cfg.Metrics.Enabled {
		metrics.Init("tilescan")
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
	}
	return nil
}

// tiles builds the survey grid from the region definition. The grid is
// always regenerated; the manifest on disk is informational.
func (r *Root) tiles() []grid.Tile {
	return grid.Partition(r.cfg.Region.BBox, r.cfg.Region.TileSizeDeg, r.cfg.AdmissionPredicate())
}

// totalTiles is the pre-filter tile count: the size of the id space.
func (r *Root) totalTiles() int {
	return len(grid.Partition(r.cfg.Region.BBox, r.cfg.Region.TileSizeDeg, nil))
}

// openLedger opens the survey's progress ledger.
func (r *Root) openLedger() (*ledger.Ledger, error) {
	led, err := ledger.Open(r.cfg.Paths.LedgerFile)
	if err != nil {
		return nil, fmt.Errorf("open progress ledger: %w", err)
	}
	return led, nil
}
