package merge

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb/geojson"
)

// squareFeature builds a GeoJSON feature collection holding one square
// polygon of the given side length (in working-CRS units) with the given
// properties.
func squareFeature(side float64, props map[string]interface{}) string {
	coords := [][][]float64{{
		{0, 0}, {side, 0}, {side, side}, {0, side}, {0, 0},
	}}
	feature := map[string]interface{}{
		"type":       "Feature",
		"properties": props,
		"geometry": map[string]interface{}{
			"type":        "Polygon",
			"coordinates": coords,
		},
	}
	fc := map[string]interface{}{
		"type":     "FeatureCollection",
		"features": []interface{}{feature},
	}
	data, _ := json.Marshal(fc)
	return string(data)
}

func writeTileResult(t *testing.T, root, tileName, content string) {
	t.Helper()
	dir := filepath.Join(root, tileName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "detections.geojson"), []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func newTestMerger(t *testing.T, resultRoot string) (*Merger, string) {
	t.Helper()
	out := filepath.Join(t.TempDir(), "merged.geojson")
	m := New(Config{ResultRoot: resultRoot, OutputPath: out, PlanarCRS: true})
	return m, out
}

func TestMergeProvenanceAndArea(t *testing.T) {
	root := t.TempDir()
	// 100x100 working units = 10000 m2 = 1 ha in a projected CRS.
	writeTileResult(t, root, "survey_tile_0042", squareFeature(100, map[string]interface{}{
		"confidence": 0.9,
		"class":      "structure",
	}))

	m, out := newTestMerger(t, root)
	summary, err := m.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if summary.TotalDetections != 1 {
		t.Fatalf("detections: %d", summary.TotalDetections)
	}
	if summary.TotalAreaHa != 1.00 {
		t.Errorf("area: %g ha", summary.TotalAreaHa)
	}
	if summary.TilesMerged != 1 || summary.TilesSkipped != 0 {
		t.Errorf("tile counts: %+v", summary)
	}
	if summary.AvgConfidence == nil || *summary.AvgConfidence != 0.9 {
		t.Errorf("avg confidence: %v", summary.AvgConfidence)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if len(fc.Features) != 1 {
		t.Fatalf("features: %d", len(fc.Features))
	}

	props := fc.Features[0].Properties
	if got := props.MustInt("tile_id"); got != 42 {
		t.Errorf("tile_id: %d", got)
	}
	if got := props.MustString("tile_name"); got != "survey_tile_0042" {
		t.Errorf("tile_name: %s", got)
	}
	if got := props.MustFloat64("area_ha"); got != 1.00 {
		t.Errorf("area_ha: %g", got)
	}
	if got := props.MustString("class"); got != "structure" {
		t.Errorf("class: %s", got)
	}
}

func TestMergeConfidenceFallsBackToScore(t *testing.T) {
	root := t.TempDir()
	writeTileResult(t, root, "a_tile_0001", squareFeature(10, map[string]interface{}{
		"score": 0.75,
	}))

	m, _ := newTestMerger(t, root)
	summary, err := m.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.AvgConfidence == nil || *summary.AvgConfidence != 0.75 {
		t.Errorf("score not used as confidence: %v", summary.AvgConfidence)
	}
}

func TestMergeMissingConfidenceOmitted(t *testing.T) {
	root := t.TempDir()
	writeTileResult(t, root, "a_tile_0001", squareFeature(10, map[string]interface{}{}))

	m, out := newTestMerger(t, root)
	summary, err := m.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.AvgConfidence != nil {
		t.Errorf("avg confidence should be absent: %v", *summary.AvgConfidence)
	}

	data, _ := os.ReadFile(out)
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := fc.Features[0].Properties["confidence"]; ok {
		t.Error("confidence key should be omitted when the detector provides none")
	}
}

func TestMergeSentinelTileID(t *testing.T) {
	root := t.TempDir()
	writeTileResult(t, root, "oddly-named-result", squareFeature(10, nil))

	m, out := newTestMerger(t, root)
	if _, err := m.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}

	data, _ := os.ReadFile(out)
	fc, _ := geojson.UnmarshalFeatureCollection(data)
	if got := fc.Features[0].Properties.MustInt("tile_id"); got != 0 {
		t.Errorf("unparseable names take the sentinel id 0, got %d", got)
	}
}

func TestMergeSkipsUnreadableTiles(t *testing.T) {
	root := t.TempDir()
	writeTileResult(t, root, "a_tile_0001", squareFeature(10, nil))
	writeTileResult(t, root, "a_tile_0002", "{ not json")
	// A directory with no vector output at all.
	if err := os.MkdirAll(filepath.Join(root, "a_tile_0003"), 0755); err != nil {
		t.Fatal(err)
	}

	m, _ := newTestMerger(t, root)
	summary, err := m.Run()
	if err != nil {
		t.Fatalf("bad tiles must not abort the merge: %v", err)
	}
	if summary.TilesMerged != 1 {
		t.Errorf("tiles merged: %d", summary.TilesMerged)
	}
	if summary.TilesSkipped != 2 {
		t.Errorf("tiles skipped: %d", summary.TilesSkipped)
	}
}

func TestMergeIdempotent(t *testing.T) {
	root := t.TempDir()
	writeTileResult(t, root, "a_tile_0001", squareFeature(100, map[string]interface{}{"confidence": 0.5}))
	writeTileResult(t, root, "a_tile_0002", squareFeature(50, map[string]interface{}{"confidence": 0.7}))

	m, out := newTestMerger(t, root)
	first, err := m.Run()
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	firstData, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	// Re-running on the unchanged tree replaces the output with an
	// identical dataset.
	second, err := m.Run()
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	secondData, _ := os.ReadFile(out)

	if first.TotalDetections != second.TotalDetections ||
		first.TotalAreaHa != second.TotalAreaHa ||
		first.TilesMerged != second.TilesMerged {
		t.Errorf("summaries differ across runs: %+v vs %+v", first, second)
	}
	if string(firstData) != string(secondData) {
		t.Error("merged dataset differs across identical runs")
	}
}

func TestMergeNoResults(t *testing.T) {
	m, _ := newTestMerger(t, filepath.Join(t.TempDir(), "does-not-exist"))
	if _, err := m.Run(); !errors.Is(err, ErrNoResults) {
		t.Errorf("expected ErrNoResults, got %v", err)
	}

	// An existing but empty root is the same condition.
	m2, _ := newTestMerger(t, t.TempDir())
	if _, err := m2.Run(); !errors.Is(err, ErrNoResults) {
		t.Errorf("expected ErrNoResults for empty root, got %v", err)
	}
}

func TestMergeWritesSidecars(t *testing.T) {
	root := t.TempDir()
	writeTileResult(t, root, "a_tile_0001", squareFeature(100, map[string]interface{}{"confidence": 0.8}))

	m, out := newTestMerger(t, root)
	summary, err := m.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var onDisk Summary
	data, err := os.ReadFile(SummaryPath(out))
	if err != nil {
		t.Fatalf("read summary sidecar: %v", err)
	}
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("parse summary sidecar: %v", err)
	}
	if onDisk.TotalDetections != summary.TotalDetections || onDisk.TotalAreaHa != summary.TotalAreaHa {
		t.Errorf("sidecar disagrees with returned summary: %+v vs %+v", onDisk, summary)
	}
	if onDisk.Extent == nil {
		t.Error("summary extent missing")
	}

	if _, err := os.Stat(AttributeTablePath(out)); err != nil {
		t.Errorf("attribute table not written: %v", err)
	}
}

func TestMergeExtent(t *testing.T) {
	root := t.TempDir()
	writeTileResult(t, root, "a_tile_0001", squareFeature(100, nil))

	m, _ := newTestMerger(t, root)
	summary, err := m.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	e := summary.Extent
	if e == nil {
		t.Fatal("extent missing")
	}
	if e.MinLon != 0 || e.MinLat != 0 || e.MaxLon != 100 || e.MaxLat != 100 {
		t.Errorf("extent: %+v", e)
	}
}

func TestTileIDFromName(t *testing.T) {
	cases := []struct {
		name string
		want int
	}{
		{"africa_s2_2021_tile_0042", 42},
		{"x_tile_0000", 0},
		{"x_tile_12345", 12345},
		{"prefix_tile_0007_extra", 7},
		{"no-id-here", 0},
		{"", 0},
	}
	for _, tc := range cases {
		if got := TileIDFromName(tc.name); got != tc.want {
			t.Errorf("TileIDFromName(%q) = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestSidecarPaths(t *testing.T) {
	if got := SummaryPath("out/merged.geojson"); got != "out/merged_summary.json" {
		t.Errorf("summary path: %s", got)
	}
	if got := AttributeTablePath("out/merged.geojson"); got != "out/merged.parquet" {
		t.Errorf("attribute table path: %s", got)
	}
}
