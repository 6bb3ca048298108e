// Package acquire stages per-tile raster artifacts from imagery sources.
// It is the boundary to the remote imagery providers: the pipeline treats
// an Acquirer as an opaque function from tile to raster artifact.
package acquire

import (
	"context"
	"errors"
	"fmt"

	"github.com/earthscan/tilescan/internal/grid"
)

// Failure reasons form a small closed set so callers branch on reason
// rather than on error identity.
var (
	// ErrNoData means no source imagery intersects the tile (cloud cover
	// too high or no coverage). The tile stays eligible for retry once new
	// imagery becomes available.
	ErrNoData = errors.New("no imagery available for tile")

	// ErrNotFound means an expected source artifact is missing.
	ErrNotFound = errors.New("source artifact not found")
)

// Artifact is a staged per-tile acquisition: the canonical 4-band
// (R, G, B, NIR) GeoTIFF in local mode, or a zipped imagery product that
// still needs band stacking in catalog mode. Either way it is named
// deterministically from the tile id.
type Artifact struct {
	TileID int
	Name   string // canonical tile name, without extension
	Path   string // local path of the staged file
}

// Acquirer produces a raster artifact for a tile, or a failure.
type Acquirer interface {
	Acquire(ctx context.Context, tile grid.Tile) (*Artifact, error)
	Close() error
}

// Config selects and configures an acquisition source.
type Config struct {
	Mode       string `yaml:"mode"`        // "local" | "catalog"
	SourceDir  string `yaml:"source_dir"`  // local mode: where exported rasters land
	StagingDir string `yaml:"staging_dir"` // where acquired rasters are staged for detection
	TilePrefix string `yaml:"tile_prefix"` // e.g. "africa_s2_2021"

	Catalog CatalogConfig `yaml:"catalog"`
}

// ErrInvalidMode is returned for an unrecognized acquisition mode.
var ErrInvalidMode = errors.New("invalid acquisition mode")

// New constructs an acquirer based on the configured mode.
func New(cfg Config) (Acquirer, error) {
	switch cfg.Mode {
	case "local", "":
		return NewLocalStager(cfg.SourceDir, cfg.StagingDir, cfg.TilePrefix)
	case "catalog":
		return NewCatalogClient(cfg.Catalog, cfg.StagingDir, cfg.TilePrefix)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, cfg.Mode)
	}
}
