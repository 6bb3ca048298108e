// Package grid partitions a geographic region into a stable tile grid.
package grid

import "fmt"

// BBox is a geographic bounding box in degrees.
type BBox struct {
	MinLon float64 `json:"min_lon" yaml:"min_lon"`
	MinLat float64 `json:"min_lat" yaml:"min_lat"`
	MaxLon float64 `json:"max_lon" yaml:"max_lon"`
	MaxLat float64 `json:"max_lat" yaml:"max_lat"`
}

// Center returns the midpoint of the box.
func (b BBox) Center() (lon, lat float64) {
	return (b.MinLon + b.MaxLon) / 2, (b.MinLat + b.MaxLat) / 2
}

// IsDegenerate reports whether the box has no extent on either axis.
func (b BBox) IsDegenerate() bool {
	return b.MinLon >= b.MaxLon || b.MinLat >= b.MaxLat
}

// Tile is one cell of a grid. Tiles are immutable once created; the ID is
// assigned by traversal order before any admission filtering, so it stays a
// stable resume key across runs regardless of which tiles were filtered.
type Tile struct {
	ID   int  `json:"id"`
	BBox BBox `json:"bbox"`
}

// Center returns the tile's center point.
func (t Tile) Center() (lon, lat float64) {
	return t.BBox.Center()
}

// Name returns the canonical artifact name for this tile,
// e.g. "africa_s2_2021_tile_0042" for prefix "africa_s2_2021".
func (t Tile) Name(prefix string) string {
	return fmt.Sprintf("%s_tile_%04d", prefix, t.ID)
}

// AdmissionPredicate decides whether a tile is worth acquiring, given its
// center point. It must be pure and deterministic: re-running partitioning
// with the same predicate must yield the same surviving tile ids.
type AdmissionPredicate func(centerLon, centerLat float64) bool

// Partition divides bbox into tiles of tileSize degrees, traversing
// longitude in the outer loop and latitude in the inner loop from the
// minimum corner. Edge tiles are clipped to the bbox boundary. Tiles whose
// center the predicate rejects are removed from the sequence without
// renumbering the survivors. A degenerate bbox or non-positive tile size
// yields an empty grid.
func Partition(bbox BBox, tileSize float64, admit AdmissionPredicate) []Tile {
	if tileSize <= 0 || bbox.IsDegenerate() {
		return nil
	}

	var tiles []Tile
	id := 0
	for i := 0; ; i++ {
		lon := bbox.MinLon + float64(i)*tileSize
		if lon >= bbox.MaxLon {
			break
		}
		for j := 0; ; j++ {
			lat := bbox.MinLat + float64(j)*tileSize
			if lat >= bbox.MaxLat {
				break
			}
			t := Tile{
				ID: id,
				BBox: BBox{
					MinLon: lon,
					MinLat: lat,
					MaxLon: min(lon+tileSize, bbox.MaxLon),
					MaxLat: min(lat+tileSize, bbox.MaxLat),
				},
			}
			id++
			if admit != nil {
				if cl, ct := t.Center(); !admit(cl, ct) {
					continue
				}
			}
			tiles = append(tiles, t)
		}
	}
	return tiles
}

// IDs returns the tile ids in sequence order.
func IDs(tiles []Tile) []int {
	ids := make([]int, len(tiles))
	for i, t := range tiles {
		ids[i] = t.ID
	}
	return ids
}
