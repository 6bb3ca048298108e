package detect

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Stacker extracts and stacks bands from a downloaded imagery product into
// the canonical 4-band raster. Like the detector, it is an opaque external
// collaborator.
type Stacker interface {
	StackBands(ctx context.Context, productDir, outputPath string) error
}

// StackConfig configures the external band-stacking command. Arguments may
// contain the placeholders {product_dir} and {output}.
type StackConfig struct {
	Command []string `yaml:"command"`
}

// CommandStacker shells out to the configured stacking command.
type CommandStacker struct {
	cfg StackConfig
	log *slog.Logger
}

// NewCommandStacker creates an exec-based band stacker.
func NewCommandStacker(cfg StackConfig) (*CommandStacker, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("stacker command not configured")
	}
	return &CommandStacker{
		cfg: cfg,
		log: slog.With("component", "stacker"),
	}, nil
}

// StackBands runs the stacking command for one product directory.
func (s *CommandStacker) StackBands(ctx context.Context, productDir, outputPath string) error {
	args := make([]string, 0, len(s.cfg.Command)-1)
	for _, a := range s.cfg.Command[1:] {
		a = strings.ReplaceAll(a, "{product_dir}", productDir)
		a = strings.ReplaceAll(a, "{output}", outputPath)
		args = append(args, a)
	}

	s.log.Info("stacking bands", "product_dir", productDir, "output", outputPath)

	cmd := exec.CommandContext(ctx, s.cfg.Command[0], args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("stack command: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}
