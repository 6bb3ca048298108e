// Package config loads pipeline configuration from a YAML file with
// environment-variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/earthscan/tilescan/internal/acquire"
	"github.com/earthscan/tilescan/internal/detect"
	"github.com/earthscan/tilescan/internal/grid"
	"github.com/earthscan/tilescan/internal/logging"
	"github.com/earthscan/tilescan/internal/merge"
	"github.com/earthscan/tilescan/internal/metadata"
	"github.com/earthscan/tilescan/internal/metrics"
	"github.com/earthscan/tilescan/internal/store"
)

// Config is the root pipeline configuration.
type Config struct {
	Survey   SurveyConfig           `yaml:"survey"`
	Region   RegionConfig           `yaml:"region"`
	Pipeline PipelineConfig         `yaml:"pipeline"`
	Acquire  acquire.Config         `yaml:"acquire"`
	Detect   detect.Config          `yaml:"detect"`
	Stack    detect.StackConfig     `yaml:"stack"`
	Merge    merge.Config           `yaml:"merge"`
	Storage  store.Config           `yaml:"storage"`
	Catalog  metadata.CatalogConfig `yaml:"catalog"`
	Metrics  metrics.Config         `yaml:"metrics"`
	Log      logging.Config         `yaml:"log"`
	Paths    PathsConfig            `yaml:"paths"`
}

// SurveyConfig names the survey; the tile prefix and all artifact naming
// derive from it.
type SurveyConfig struct {
	Name string `yaml:"name"` // e.g. "africa_s2"
	Year int    `yaml:"year"` // e.g. 2021
}

// RegionConfig describes the survey region and its tiling.
type RegionConfig struct {
	BBox        grid.BBox `yaml:"bbox"`
	TileSizeDeg float64   `yaml:"tile_size_deg"`
	OceanFilter bool      `yaml:"ocean_filter"`
}

// PipelineConfig bounds each run.
type PipelineConfig struct {
	BatchSize  int  `yaml:"batch_size"`
	DelayMS    int  `yaml:"delay_ms"`    // pause between tile requests
	SkipFailed bool `yaml:"skip_failed"` // exclude previously failed tiles from batches
}

// PathsConfig locates the pipeline's working files.
type PathsConfig struct {
	LedgerFile   string `yaml:"ledger_file"`
	StagingDir   string `yaml:"staging_dir"`
	ResultRoot   string `yaml:"result_root"`
	MergedOutput string `yaml:"merged_output"`
	GridManifest string `yaml:"grid_manifest"`
}

// TilePrefix derives the canonical tile-name prefix from the survey.
func (c *Config) TilePrefix() string {
	if c.Survey.Year > 0 {
		return fmt.Sprintf("%s_%d", c.Survey.Name, c.Survey.Year)
	}
	return c.Survey.Name
}

// Delay returns the inter-request pause as a duration.
func (c *Config) Delay() time.Duration {
	return time.Duration(c.Pipeline.DelayMS) * time.Millisecond
}

// Load reads configuration from path, applies environment overrides and
// defaults, and validates. A broken configuration aborts before any state
// is touched.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides deployment-specific values from the environment.
// Secrets never belong in the config file.
func (c *Config) applyEnv() {
	c.Acquire.Catalog.Username = getenvDefault("CATALOG_USERNAME", c.Acquire.Catalog.Username)
	c.Acquire.Catalog.Password = getenvDefault("CATALOG_PASSWORD", c.Acquire.Catalog.Password)
	c.Catalog.PostgresDSN = getenvDefault("METADATA_DSN", c.Catalog.PostgresDSN)
	c.Storage.GCSBucket = getenvDefault("STORAGE_GCS_BUCKET", c.Storage.GCSBucket)
	c.Storage.S3Bucket = getenvDefault("STORAGE_S3_BUCKET", c.Storage.S3Bucket)
	c.Log.Level = getenvDefault("LOG_LEVEL", c.Log.Level)

	if v := os.Getenv("BATCH_SIZE"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			c.Pipeline.BatchSize = parsed
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Survey.Name == "" {
		c.Survey.Name = "survey"
	}
	if c.Region.TileSizeDeg == 0 {
		c.Region.TileSizeDeg = 0.25
	}
	if c.Pipeline.BatchSize == 0 {
		c.Pipeline.BatchSize = 20
	}
	if c.Paths.LedgerFile == "" {
		c.Paths.LedgerFile = "progress.json"
	}
	if c.Paths.StagingDir == "" {
		c.Paths.StagingDir = "staging"
	}
	if c.Paths.ResultRoot == "" {
		c.Paths.ResultRoot = "results"
	}
	if c.Paths.MergedOutput == "" {
		c.Paths.MergedOutput = "merged/detections.geojson"
	}
	if c.Paths.GridManifest == "" {
		c.Paths.GridManifest = "grid.json"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}

	// Sub-configs derive their working paths from the shared layout.
	if c.Acquire.StagingDir == "" {
		c.Acquire.StagingDir = c.Paths.StagingDir
	}
	if c.Acquire.TilePrefix == "" {
		c.Acquire.TilePrefix = c.TilePrefix()
	}
	if c.Detect.ResultRoot == "" {
		c.Detect.ResultRoot = c.Paths.ResultRoot
	}
	if c.Merge.ResultRoot == "" {
		c.Merge.ResultRoot = c.Paths.ResultRoot
	}
	if c.Merge.OutputPath == "" {
		c.Merge.OutputPath = c.Paths.MergedOutput
	}
}

// Validate rejects configurations that cannot produce a correct run.
func (c *Config) Validate() error {
	if c.Region.TileSizeDeg <= 0 {
		return fmt.Errorf("region.tile_size_deg must be positive, got %g", c.Region.TileSizeDeg)
	}
	if c.Region.BBox.MinLon > c.Region.BBox.MaxLon || c.Region.BBox.MinLat > c.Region.BBox.MaxLat {
		return fmt.Errorf("region.bbox is inverted: %+v", c.Region.BBox)
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be positive, got %d", c.Pipeline.BatchSize)
	}
	if c.Pipeline.DelayMS < 0 {
		return fmt.Errorf("pipeline.delay_ms must not be negative, got %d", c.Pipeline.DelayMS)
	}
	switch c.Acquire.Mode {
	case "", "local", "catalog":
	default:
		return fmt.Errorf("acquire.mode must be \"local\" or \"catalog\", got %q", c.Acquire.Mode)
	}
	if c.Storage.Backend != "" {
		switch c.Storage.Backend {
		case "local", "gcs", "s3":
		default:
			return fmt.Errorf("storage.backend must be \"local\", \"gcs\" or \"s3\", got %q", c.Storage.Backend)
		}
	}
	return nil
}

// AdmissionPredicate returns the tile admission filter for the region.
func (c *Config) AdmissionPredicate() grid.AdmissionPredicate {
	if c.Region.OceanFilter {
		return grid.AfricaLandMask
	}
	return grid.AdmitAll
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
