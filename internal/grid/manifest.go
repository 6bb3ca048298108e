package grid

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Manifest records a generated grid for audit. It is informational only;
// the grid itself is always regenerated from the region definition.
type Manifest struct {
	BBox        BBox      `json:"bbox"`
	TileSize    float64   `json:"tile_size"`
	TotalTiles  int       `json:"total_tiles"`
	Admitted    int       `json:"admitted_tiles"`
	Tiles       []Tile    `json:"tiles"`
	GeneratedAt time.Time `json:"generated_at"`
}

// NewManifest builds a manifest for the given region and admitted tiles.
// totalTiles is the pre-filter count (the id space).
func NewManifest(bbox BBox, tileSize float64, totalTiles int, tiles []Tile) *Manifest {
	return &Manifest{
		BBox:        bbox,
		TileSize:    tileSize,
		TotalTiles:  totalTiles,
		Admitted:    len(tiles),
		Tiles:       tiles,
		GeneratedAt: time.Now().UTC(),
	}
}

// Save writes the manifest atomically.
func (m *Manifest) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal grid manifest: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write grid manifest temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename grid manifest: %w", err)
	}
	return nil
}
