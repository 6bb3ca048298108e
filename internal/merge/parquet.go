package merge

import (
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"
)

// attributeRow is one detection in the flat attribute table. The table
// carries no geometry beyond the bounding-box center; analysts join back
// to the merged GeoJSON by tile_id when they need shapes.
type attributeRow struct {
	TileID     int32    `parquet:"tile_id"`
	TileName   string   `parquet:"tile_name,dict"`
	Class      string   `parquet:"class,dict"`
	Confidence *float64 `parquet:"confidence,optional"`
	AreaHa     float64  `parquet:"area_ha"`
	CenterLon  float64  `parquet:"center_lon"`
	CenterLat  float64  `parquet:"center_lat"`
}

// writeAttributeTable replaces the parquet sidecar with the given rows.
// An empty merge still produces a valid zero-row file.
func writeAttributeTable(path string, rows []attributeRow) error {
	tempPath := path + ".tmp"
	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", tempPath, err)
	}

	w := parquet.NewGenericWriter[attributeRow](f, parquet.Compression(&parquet.Snappy))
	if len(rows) > 0 {
		if _, err := w.Write(rows); err != nil {
			f.Close()
			os.Remove(tempPath)
			return fmt.Errorf("write rows: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("close writer: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}
	return nil
}
