package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/earthscan/tilescan/internal/grid"
)

// LocalStager acquires tiles from a directory of already-exported rasters
// (e.g. a synced download folder) by copying them into the staging
// directory. A tile whose raster is absent from the source directory is a
// no-data failure, not an error: the export may simply not have landed yet.
type LocalStager struct {
	sourceDir  string
	stagingDir string
	prefix     string
	log        *slog.Logger
}

// NewLocalStager creates a local stager. The source directory must exist;
// a missing source directory is a configuration error, reported before any
// ledger mutation.
func NewLocalStager(sourceDir, stagingDir, prefix string) (*LocalStager, error) {
	if sourceDir == "" {
		return nil, fmt.Errorf("source directory not configured")
	}
	if _, err := os.Stat(sourceDir); err != nil {
		return nil, fmt.Errorf("source directory %s: %w", sourceDir, err)
	}
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("create staging directory %s: %w", stagingDir, err)
	}

	return &LocalStager{
		sourceDir:  sourceDir,
		stagingDir: stagingDir,
		prefix:     prefix,
		log:        slog.With("component", "stager"),
	}, nil
}

// Acquire copies the tile's raster from the source directory into staging.
// Already-staged rasters are returned as-is, so re-running a batch never
// re-copies.
func (s *LocalStager) Acquire(ctx context.Context, tile grid.Tile) (*Artifact, error) {
	name := tile.Name(s.prefix)
	filename := name + ".tif"
	srcPath := filepath.Join(s.sourceDir, filename)
	destPath := filepath.Join(s.stagingDir, filename)

	if _, err := os.Stat(destPath); err == nil {
		s.log.Debug("raster already staged", "tile_id", tile.ID, "path", destPath)
		return &Artifact{TileID: tile.ID, Name: name, Path: destPath}, nil
	}

	if _, err := os.Stat(srcPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("tile %d raster %s: %w", tile.ID, filename, ErrNoData)
		}
		return nil, fmt.Errorf("stat source raster %s: %w", srcPath, err)
	}

	if err := copyFile(srcPath, destPath); err != nil {
		return nil, fmt.Errorf("stage raster for tile %d: %w", tile.ID, err)
	}

	s.log.Info("staged raster", "tile_id", tile.ID, "path", destPath)
	return &Artifact{TileID: tile.ID, Name: name, Path: destPath}, nil
}

// Close is a no-op for the local stager.
func (s *LocalStager) Close() error {
	return nil
}

// copyFile copies src to dest atomically using a temp file + rename.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	tempPath := dest + ".tmp"
	out, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", tempPath, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tempPath)
		return fmt.Errorf("copy to %s: %w", tempPath, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, dest); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, dest, err)
	}
	return nil
}
