// Package detect invokes the external detection model on staged rasters.
// The model is an opaque collaborator: the pipeline hands it a 4-band
// raster path and expects a per-tile result directory in return.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrEmptyResult means the detector exited cleanly but produced no output
// in the tile's result directory.
var ErrEmptyResult = errors.New("detector produced no output")

// Config configures the external detector invocation. Command arguments may
// contain the placeholders {raster} and {result_dir}, substituted per tile.
type Config struct {
	Command    []string `yaml:"command"`
	ResultRoot string   `yaml:"result_root"`
}

// Detector runs detection for one staged raster.
type Detector interface {
	Detect(ctx context.Context, rasterPath string) error
}

// CommandDetector shells out to the configured detector command.
type CommandDetector struct {
	cfg Config
	log *slog.Logger
}

// NewCommandDetector creates an exec-based detector.
func NewCommandDetector(cfg Config) (*CommandDetector, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("detector command not configured")
	}
	if err := os.MkdirAll(cfg.ResultRoot, 0755); err != nil {
		return nil, fmt.Errorf("create result root %s: %w", cfg.ResultRoot, err)
	}
	return &CommandDetector{
		cfg: cfg,
		log: slog.With("component", "detector"),
	}, nil
}

// Detect runs the detector on one raster. A tile whose result directory is
// already populated is skipped, so re-running a batch never re-detects.
// The detector's own exit status decides success; an empty result
// directory after a clean exit is still a failure.
func (d *CommandDetector) Detect(ctx context.Context, rasterPath string) error {
	resultDir := ResultDir(d.cfg.ResultRoot, rasterPath)

	if HasResult(resultDir) {
		d.log.Debug("result already present", "result_dir", resultDir)
		return nil
	}

	args := make([]string, 0, len(d.cfg.Command)-1)
	for _, a := range d.cfg.Command[1:] {
		a = strings.ReplaceAll(a, "{raster}", rasterPath)
		a = strings.ReplaceAll(a, "{result_dir}", resultDir)
		args = append(args, a)
	}

	d.log.Info("running detector", "raster", filepath.Base(rasterPath))

	cmd := exec.CommandContext(ctx, d.cfg.Command[0], args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("detector command: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}

	if !HasResult(resultDir) {
		return fmt.Errorf("%w: %s", ErrEmptyResult, resultDir)
	}
	return nil
}

// ResultDir returns the per-tile result directory for a raster, following
// the pipeline convention: one subdirectory per raster base name.
func ResultDir(resultRoot, rasterPath string) string {
	base := strings.TrimSuffix(filepath.Base(rasterPath), filepath.Ext(rasterPath))
	return filepath.Join(resultRoot, base)
}

// HasResult reports whether a tile's result directory exists and is
// non-empty.
func HasResult(resultDir string) bool {
	entries, err := os.ReadDir(resultDir)
	return err == nil && len(entries) > 0
}
