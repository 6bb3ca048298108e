// Package merge consolidates per-tile detection results into one dataset
// with provenance and derived statistics. The merge is a full rebuild: the
// output of a previous run is replaced wholesale, never appended to, so
// re-running on an unchanged result tree reproduces the same dataset.
package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// ErrNoResults is returned when the result root does not exist or contains
// no tile subdirectories. Callers report it and return; it is a
// configuration-level condition, not a per-tile failure.
var ErrNoResults = errors.New("no detection results found")

// Config configures a merge run.
type Config struct {
	ResultRoot string `yaml:"result_root"`
	OutputPath string `yaml:"output_path"` // merged GeoJSON path

	// PlanarCRS marks the working CRS as projected (coordinates in
	// meters): areas come from planar math. Otherwise geometries are
	// treated as geographic (lon/lat) and areas are geodesic.
	PlanarCRS bool `yaml:"planar_crs"`
}

// Summary holds the cross-tile statistics computed in the merge pass. It is
// persisted as a compact sidecar next to the merged dataset.
type Summary struct {
	TotalDetections int      `json:"total_detections"`
	TotalAreaHa     float64  `json:"total_area_ha"`
	TotalAreaKm2    float64  `json:"total_area_km2"`
	TilesMerged     int      `json:"tiles_merged"`
	TilesSkipped    int      `json:"tiles_skipped"`
	AvgConfidence   *float64 `json:"avg_confidence"`
	AvgAreaHa       *float64 `json:"avg_area_ha"`
	Extent          *Extent  `json:"extent"`
}

// Extent is the bounding box of all merged geometries.
type Extent struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// Merger scans per-tile result directories and builds the merged dataset.
type Merger struct {
	cfg Config
	log *slog.Logger
}

// New creates a merger.
func New(cfg Config) *Merger {
	return &Merger{
		cfg: cfg,
		log: slog.With("component", "merger"),
	}
}

// Run merges every readable per-tile result under the result root and
// writes the merged dataset, its summary sidecar, and the flat attribute
// table. Per-tile datasets that cannot be opened are logged, counted as
// skipped, and never abort the rest of the merge.
func (m *Merger) Run() (*Summary, error) {
	start := time.Now()

	entries, err := os.ReadDir(m.cfg.ResultRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("result root %s: %w", m.cfg.ResultRoot, ErrNoResults)
		}
		return nil, fmt.Errorf("read result root %s: %w", m.cfg.ResultRoot, err)
	}

	// Deterministic input order regardless of directory listing order.
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if len(names) == 0 {
		return nil, fmt.Errorf("result root %s has no tile directories: %w", m.cfg.ResultRoot, ErrNoResults)
	}

	out := geojson.NewFeatureCollection()
	var rows []attributeRow
	summary := &Summary{}
	var bound orb.Bound
	haveBound := false
	var confidenceSum float64
	confidenceCount := 0

	for _, tileName := range names {
		vectorPath, ok := findVector(filepath.Join(m.cfg.ResultRoot, tileName))
		if !ok {
			summary.TilesSkipped++
			continue
		}

		tileID := TileIDFromName(tileName)

		fc, err := readFeatureCollection(vectorPath)
		if err != nil {
			m.log.Warn("skipping unreadable tile result", "tile", tileName, "error", err)
			summary.TilesSkipped++
			continue
		}

		merged := 0
		for _, f := range fc.Features {
			if f == nil || f.Geometry == nil {
				continue
			}

			areaHa := round2(m.areaHectares(f.Geometry))
			conf := confidenceOf(f.Properties)
			class := stringProp(f.Properties, "class")

			// Geometry is copied verbatim; all tiles share one working CRS.
			feat := geojson.NewFeature(f.Geometry)
			feat.Properties = geojson.Properties{
				"tile_id":   tileID,
				"tile_name": tileName,
				"area_ha":   areaHa,
				"class":     class,
			}
			if conf != nil {
				feat.Properties["confidence"] = round2(*conf)
			}
			out.Append(feat)

			center := f.Geometry.Bound().Center()
			row := attributeRow{
				TileID:    int32(tileID),
				TileName:  tileName,
				Class:     class,
				AreaHa:    areaHa,
				CenterLon: center[0],
				CenterLat: center[1],
			}
			if conf != nil {
				c := round2(*conf)
				row.Confidence = &c
				confidenceSum += *conf
				confidenceCount++
			}
			rows = append(rows, row)

			summary.TotalDetections++
			summary.TotalAreaHa += areaHa
			b := f.Geometry.Bound()
			if haveBound {
				bound = bound.Union(b)
			} else {
				bound = b
				haveBound = true
			}
			merged++
		}

		summary.TilesMerged++
		m.log.Info("merged tile", "tile", tileName, "tile_id", tileID, "detections", merged)
	}

	summary.TotalAreaHa = round2(summary.TotalAreaHa)
	summary.TotalAreaKm2 = round2(summary.TotalAreaHa / 100)
	if confidenceCount > 0 {
		avg := round2(confidenceSum / float64(confidenceCount))
		summary.AvgConfidence = &avg
	}
	if summary.TotalDetections > 0 {
		avg := round2(summary.TotalAreaHa / float64(summary.TotalDetections))
		summary.AvgAreaHa = &avg
	}
	if haveBound {
		summary.Extent = &Extent{
			MinLon: bound.Min[0],
			MinLat: bound.Min[1],
			MaxLon: bound.Max[0],
			MaxLat: bound.Max[1],
		}
	}

	if err := m.writeOutputs(out, rows, summary); err != nil {
		return nil, err
	}

	m.log.Info("merge complete",
		"detections", summary.TotalDetections,
		"tiles_merged", summary.TilesMerged,
		"tiles_skipped", summary.TilesSkipped,
		"total_area_ha", summary.TotalAreaHa,
		"duration", time.Since(start).String(),
	)
	return summary, nil
}

// writeOutputs replaces the merged dataset, summary, and attribute table.
func (m *Merger) writeOutputs(out *geojson.FeatureCollection, rows []attributeRow, summary *Summary) error {
	if dir := filepath.Dir(m.cfg.OutputPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create output directory %s: %w", dir, err)
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal merged dataset: %w", err)
	}
	if err := writeFileAtomic(m.cfg.OutputPath, data); err != nil {
		return fmt.Errorf("write merged dataset: %w", err)
	}

	summaryData, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := writeFileAtomic(SummaryPath(m.cfg.OutputPath), summaryData); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	if err := writeAttributeTable(AttributeTablePath(m.cfg.OutputPath), rows); err != nil {
		return fmt.Errorf("write attribute table: %w", err)
	}
	return nil
}

// SummaryPath returns the summary sidecar path for a merged output path.
func SummaryPath(outputPath string) string {
	return trimVectorExt(outputPath) + "_summary.json"
}

// AttributeTablePath returns the parquet sidecar path for a merged output.
func AttributeTablePath(outputPath string) string {
	return trimVectorExt(outputPath) + ".parquet"
}

func trimVectorExt(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// areaHectares measures the geometry's own area; input attributes are
// never trusted for area, so the field is consistent across all tiles.
func (m *Merger) areaHectares(g orb.Geometry) float64 {
	var m2 float64
	if m.cfg.PlanarCRS {
		m2 = planar.Area(g)
	} else {
		m2 = geo.Area(g)
	}
	return math.Abs(m2) / 10000
}

// findVector locates the tile's vector output inside its result directory.
// The convention is detections.geojson; any other single .geojson file is
// accepted as a fallback.
func findVector(dir string) (string, bool) {
	canonical := filepath.Join(dir, "detections.geojson")
	if _, err := os.Stat(canonical); err == nil {
		return canonical, true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".geojson") {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}

func readFeatureCollection(path string) (*geojson.FeatureCollection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

var tileIDPattern = regexp.MustCompile(`_tile_(\d+)`)

// TileIDFromName derives the provenance tile id from a result directory
// name. A name that does not follow the naming convention yields the
// sentinel id 0 rather than failing the merge.
func TileIDFromName(name string) int {
	if m := tileIDPattern.FindStringSubmatch(name); m != nil {
		if id, err := strconv.Atoi(m[1]); err == nil {
			return id
		}
	}
	return 0
}

// confidenceOf reads the detector's confidence from a "confidence" field,
// falling back to "score", absent otherwise.
func confidenceOf(props geojson.Properties) *float64 {
	for _, key := range []string{"confidence", "score"} {
		if v, ok := props[key]; ok {
			if f, ok := toFloat(v); ok {
				return &f
			}
		}
	}
	return nil
}

func stringProp(props geojson.Properties, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

func writeFileAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}
	return nil
}
