package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tilescan.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
survey:
  name: africa_s2
  year: 2021
region:
  bbox:
    min_lon: -17.5
    min_lat: -35.0
    max_lon: 51.4
    max_lat: 37.3
  tile_size_deg: 2.5
  ocean_filter: true
pipeline:
  batch_size: 10
  delay_ms: 250
`

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.TilePrefix() != "africa_s2_2021" {
		t.Errorf("tile prefix: %s", cfg.TilePrefix())
	}
	if cfg.Region.TileSizeDeg != 2.5 {
		t.Errorf("tile size: %g", cfg.Region.TileSizeDeg)
	}
	if cfg.Delay() != 250*time.Millisecond {
		t.Errorf("delay: %v", cfg.Delay())
	}

	// Defaults fill in the working layout.
	if cfg.Paths.LedgerFile != "progress.json" {
		t.Errorf("ledger default: %s", cfg.Paths.LedgerFile)
	}
	if cfg.Detect.ResultRoot != "results" {
		t.Errorf("detect result root should follow paths: %s", cfg.Detect.ResultRoot)
	}
	if cfg.Merge.ResultRoot != "results" {
		t.Errorf("merge result root should follow paths: %s", cfg.Merge.ResultRoot)
	}
	if cfg.Acquire.TilePrefix != "africa_s2_2021" {
		t.Errorf("acquire prefix should derive from survey: %s", cfg.Acquire.TilePrefix)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing config file must fail")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "survey: [broken")); err == nil {
		t.Fatal("malformed YAML must fail")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"negative tile size", `
region:
  bbox: {min_lon: 0, min_lat: 0, max_lon: 4, max_lat: 4}
  tile_size_deg: -1
`},
		{"inverted bbox", `
region:
  bbox: {min_lon: 4, min_lat: 4, max_lon: 0, max_lat: 0}
  tile_size_deg: 1
`},
		{"negative delay", `
region:
  bbox: {min_lon: 0, min_lat: 0, max_lon: 4, max_lat: 4}
  tile_size_deg: 1
pipeline:
  delay_ms: -5
`},
		{"bad acquire mode", `
region:
  bbox: {min_lon: 0, min_lat: 0, max_lon: 4, max_lat: 4}
  tile_size_deg: 1
acquire:
  mode: quantum
`},
		{"bad storage backend", `
region:
  bbox: {min_lon: 0, min_lat: 0, max_lon: 4, max_lat: 4}
  tile_size_deg: 1
storage:
  backend: tape
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Error("expected validation failure")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CATALOG_PASSWORD", "secret-from-env")
	t.Setenv("BATCH_SIZE", "7")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Acquire.Catalog.Password != "secret-from-env" {
		t.Error("catalog password not taken from environment")
	}
	if cfg.Pipeline.BatchSize != 7 {
		t.Errorf("batch size override: %d", cfg.Pipeline.BatchSize)
	}
}

func TestTilePrefixWithoutYear(t *testing.T) {
	cfg := &Config{}
	cfg.Survey.Name = "nile_delta"
	if cfg.TilePrefix() != "nile_delta" {
		t.Errorf("prefix without year: %s", cfg.TilePrefix())
	}
}

func TestAdmissionPredicate(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatal(err)
	}

	// Ocean filter on: open Atlantic rejected.
	if cfg.AdmissionPredicate()(-15, -10) {
		t.Error("ocean filter should reject open Atlantic")
	}

	cfg.Region.OceanFilter = false
	if !cfg.AdmissionPredicate()(-15, -10) {
		t.Error("without the filter every tile is admitted")
	}
}
