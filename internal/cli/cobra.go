package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/earthscan/tilescan/internal/acquire"
	"github.com/earthscan/tilescan/internal/detect"
	"github.com/earthscan/tilescan/internal/grid"
	"github.com/earthscan/tilescan/internal/ledger"
	"github.com/earthscan/tilescan/internal/merge"
	"github.com/earthscan/tilescan/internal/metadata"
	"github.com/earthscan/tilescan/internal/metrics"
	"github.com/earthscan/tilescan/internal/scheduler"
	"github.com/earthscan/tilescan/internal/store"
)

// NewRootCmd creates the root command and its subcommands.
func NewRootCmd() *cobra.Command {
	root := &Root{}

	rootCmd := &cobra.Command{
		Use:   "tilescan",
		Short: "Resumable tiled satellite detection pipeline",
		Long: `Tilescan partitions a survey region into a stable tile grid, acquires
imagery per tile in bounded batches, runs an external detector over staged
rasters, and merges per-tile results into one dataset. Every stage records
progress in a durable ledger, so interrupted runs resume where they left off.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return root.setup()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&root.cfgPath, "config", "c", "tilescan.yaml", "path to configuration file")

	rootCmd.AddCommand(newGridCmd(root))
	rootCmd.AddCommand(newExportCmd(root))
	rootCmd.AddCommand(newProcessCmd(root))
	rootCmd.AddCommand(newMergeCmd(root))
	rootCmd.AddCommand(newStatusCmd(root))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newGridCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "grid",
		Short: "Generate the survey tile grid and save its manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			tiles := root.tiles()
			total := root.totalTiles()

			m := grid.NewManifest(root.cfg.Region.BBox, root.cfg.Region.TileSizeDeg, total, tiles)
			if err := m.Save(root.cfg.Paths.GridManifest); err != nil {
				return err
			}

			root.log.Info("grid generated",
				"total_tiles", total,
				"admitted_tiles", len(tiles),
				"manifest", root.cfg.Paths.GridManifest,
			)
			fmt.Printf("grid: %d tiles (%d admitted) -> %s\n", total, len(tiles), root.cfg.Paths.GridManifest)
			return nil
		},
	}
}

func newExportCmd(root *Root) *cobra.Command {
	var batches int

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Acquire imagery for the next batches of tiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			led, err := root.openLedger()
			if err != nil {
				return err
			}

			acq, err := acquire.New(root.cfg.Acquire)
			if err != nil {
				return err
			}
			defer acq.Close()

			resultStore, err := root.openStore()
			if err != nil {
				return err
			}
			if resultStore != nil {
				defer resultStore.Close()
			}

			// Catalog products arrive as zipped archives and need band
			// stacking into the canonical 4-band raster.
			var stacker detect.Stacker
			if len(root.cfg.Stack.Command) > 0 {
				stacker, err = detect.NewCommandStacker(root.cfg.Stack)
				if err != nil {
					return err
				}
			}

			work := func(ctx context.Context, tile grid.Tile) error {
				artifact, err := acq.Acquire(ctx, tile)
				if err != nil {
					return err
				}

				raster := filepath.Join(root.cfg.Paths.StagingDir, artifact.Name+".tif")
				if artifact.Path != raster {
					if stacker == nil {
						return fmt.Errorf("product %s needs band stacking but no stack command is configured", artifact.Path)
					}
					if _, err := os.Stat(raster); err != nil {
						if err := stacker.StackBands(ctx, artifact.Path, raster); err != nil {
							return err
						}
					}
					artifact.Path = raster
				}

				if resultStore != nil {
					key := store.RasterKey(root.cfg.Storage.Prefix, root.cfg.TilePrefix(), artifact.Name)
					if err := resultStore.WriteFile(ctx, key, artifact.Path); err != nil {
						return fmt.Errorf("mirror raster to store: %w", err)
					}
				}
				return nil
			}

			return root.runStage(ctx, led, ledger.StageExport, root.tiles(), work, batches)
		},
	}

	cmd.Flags().IntVar(&batches, "batches", 1, "number of batches to run (0 = until no work remains)")
	return cmd
}

func newProcessCmd(root *Root) *cobra.Command {
	var batches int

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run the detector over staged rasters",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			led, err := root.openLedger()
			if err != nil {
				return err
			}

			det, err := detect.NewCommandDetector(root.cfg.Detect)
			if err != nil {
				return err
			}

			// Only tiles that finished export are candidates for detection.
			exported := led.Done(ledger.StageExport)
			var candidates []grid.Tile
			for _, t := range root.tiles() {
				if exported[t.ID] {
					candidates = append(candidates, t)
				}
			}

			prefix := root.cfg.TilePrefix()
			work := func(ctx context.Context, tile grid.Tile) error {
				raster := filepath.Join(root.cfg.Paths.StagingDir, tile.Name(prefix)+".tif")
				if _, err := os.Stat(raster); err != nil {
					return fmt.Errorf("staged raster %s: %w", raster, acquire.ErrNotFound)
				}
				return det.Detect(ctx, raster)
			}

			return root.runStage(ctx, led, ledger.StageProcess, candidates, work, batches)
		},
	}

	cmd.Flags().IntVar(&batches, "batches", 1, "number of batches to run (0 = until no work remains)")
	return cmd
}

func newMergeCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "merge",
		Short: "Merge per-tile detection results into one dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			start := time.Now()

			summary, err := merge.New(root.cfg.Merge).Run()
			if err != nil {
				return err
			}

			if m := metrics.Get(); m != nil {
				m.ObserveMerge(time.Since(start).Seconds(), summary.TotalDetections, summary.TotalAreaHa)
			}

			outputURI := root.cfg.Merge.OutputPath
			resultStore, err := root.openStore()
			if err != nil {
				return err
			}
			if resultStore != nil {
				defer resultStore.Close()
				if err := root.publishMerge(ctx, resultStore); err != nil {
					return err
				}
				outputURI = resultStore.URI(store.MergedKey(root.cfg.Storage.Prefix, root.cfg.TilePrefix()))
			}

			if err := root.recordMerge(ctx, summary, outputURI); err != nil {
				root.log.Warn("metadata catalog update failed", "error", err)
			}

			fmt.Printf("merged %d detections from %d tiles (%d skipped), %.2f ha total -> %s\n",
				summary.TotalDetections, summary.TilesMerged, summary.TilesSkipped,
				summary.TotalAreaHa, root.cfg.Merge.OutputPath)
			return nil
		},
	}
}

func newStatusCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report survey progress from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			led, err := root.openLedger()
			if err != nil {
				return err
			}

			tiles := root.tiles()
			st := led.State()

			exportRemaining := led.Remaining(ledger.StageExport, grid.IDs(tiles), false)
			processRemaining := led.Remaining(ledger.StageProcess, grid.IDs(tiles), false)

			fmt.Printf("survey: %s\n", root.cfg.TilePrefix())
			fmt.Printf("tiles:  %d admitted (of %d in grid)\n", len(tiles), root.totalTiles())
			fmt.Printf("export:  %d done, %d failed, %d remaining (%d batches)\n",
				st.TotalExported, len(st.FailedExportTileIDs), len(exportRemaining), len(st.ExportHistory))
			fmt.Printf("process: %d done, %d failed, %d remaining (%d batches)\n",
				st.TotalProcessed, len(st.FailedProcessTileIDs), len(processRemaining), len(st.ProcessHistory))
			if !st.UpdatedAt.IsZero() {
				fmt.Printf("updated: %s\n", st.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("tilescan %s (%s)\n", Version, GitSHA)
		},
	}
}

// runStage drives up to maxBatches batches of one stage. Each batch is
// selected fresh from the ledger, so a tile finished by an earlier batch in
// the same invocation is never re-offered.
func (r *Root) runStage(ctx context.Context, led *ledger.Ledger, stage ledger.Stage, tiles []grid.Tile, work scheduler.WorkFunc, maxBatches int) error {
	catalog, err := metadata.NewWriter(r.cfg.Catalog)
	if err != nil {
		return err
	}
	defer catalog.Close()

	surveyID, err := catalog.EnsureSurvey(ctx, metadata.SurveyInfo{
		Name:        r.cfg.Survey.Name,
		Year:        r.cfg.Survey.Year,
		TileSizeDeg: r.cfg.Region.TileSizeDeg,
		TotalTiles:  len(tiles),
	})
	if err != nil {
		r.log.Warn("metadata catalog unavailable", "error", err)
	}

	sched := scheduler.New(led, stage, r.cfg.Pipeline.BatchSize, r.cfg.Delay())

	for i := 0; maxBatches == 0 || i < maxBatches; i++ {
		var exclude map[int]bool
		if r.cfg.Pipeline.SkipFailed {
			exclude = led.Failed(stage)
		}

		batch := scheduler.SelectBatch(tiles, led.Done(stage), exclude, r.cfg.Pipeline.BatchSize)
		if len(batch) == 0 {
			r.log.Info("no work remaining", "stage", string(stage))
			break
		}

		r.log.Info("running batch",
			"stage", string(stage),
			"batch", i+1,
			"tiles", len(batch),
			"first_tile", batch[0].ID,
		)

		started := time.Now()
		result, runErr := sched.RunBatch(ctx, batch, work)

		if surveyID != 0 {
			rec := metadata.BatchRecord{
				SurveyID:  surveyID,
				BatchID:   uuid.New().String(),
				Stage:     string(stage),
				BatchSize: len(batch),
				Succeeded: len(result.Succeeded),
				Failed:    len(result.Failed),
				StartedAt: started.UTC(),
				Duration:  time.Since(started),
			}
			if err := catalog.RecordBatch(ctx, rec); err != nil {
				r.log.Warn("metadata catalog update failed", "error", err)
			}
		}

		if runErr != nil {
			return runErr
		}
	}
	return nil
}

// openStore opens the artifact store, or returns nil when no backend is
// configured. Publishing is optional; the pipeline is complete without it.
func (r *Root) openStore() (store.ResultStore, error) {
	if r.cfg.Storage.Backend == "" {
		return nil, nil
	}
	s, err := store.New(r.cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	return s, nil
}

// publishMerge uploads the merged dataset and its sidecars.
func (r *Root) publishMerge(ctx context.Context, s store.ResultStore) error {
	survey := r.cfg.TilePrefix()
	prefix := r.cfg.Storage.Prefix
	out := r.cfg.Merge.OutputPath

	uploads := []struct{ key, path string }{
		{store.MergedKey(prefix, survey), out},
		{store.SummaryKey(prefix, survey), merge.SummaryPath(out)},
		{store.AttributeTableKey(prefix, survey), merge.AttributeTablePath(out)},
	}
	for _, u := range uploads {
		if err := s.WriteFile(ctx, u.key, u.path); err != nil {
			return fmt.Errorf("publish %s: %w", u.key, err)
		}
		r.log.Info("published artifact", "uri", s.URI(u.key))
	}
	return nil
}

// recordMerge writes merge lineage to the metadata catalog.
func (r *Root) recordMerge(ctx context.Context, summary *merge.Summary, outputURI string) error {
	catalog, err := metadata.NewWriter(r.cfg.Catalog)
	if err != nil {
		return err
	}
	defer catalog.Close()

	surveyID, err := catalog.EnsureSurvey(ctx, metadata.SurveyInfo{
		Name:        r.cfg.Survey.Name,
		Year:        r.cfg.Survey.Year,
		TileSizeDeg: r.cfg.Region.TileSizeDeg,
		TotalTiles:  len(r.tiles()),
	})
	if err != nil {
		return err
	}
	if surveyID == 0 {
		return nil
	}

	return catalog.RecordMerge(ctx, metadata.MergeRecord{
		SurveyID:        surveyID,
		TotalDetections: summary.TotalDetections,
		TotalAreaHa:     summary.TotalAreaHa,
		TilesMerged:     summary.TilesMerged,
		TilesSkipped:    summary.TilesSkipped,
		OutputURI:       outputURI,
	})
}
