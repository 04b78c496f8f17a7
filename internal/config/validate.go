package config

import (
	"errors"
	"fmt"

	"github.com/lucasb-eyer/go-colorful"

	"spritegate/internal/failure"
	"spritegate/internal/retry"
)

// Validate checks resolved values before any frame is attempted. All problems
// are reported together as a single ConfigError.
func (c *Config) Validate() error {
	var problems []error
	bad := func(field, format string, args ...any) {
		problems = append(problems, fmt.Errorf("%s: %s", field, fmt.Sprintf(format, args...)))
	}

	switch c.Alignment.Method {
	case AlignContactPatch, AlignCenter, AlignNone:
	default:
		bad("alignment.method", "unknown method %q", c.Alignment.Method)
	}
	if c.Alignment.RootZoneRatio < 0.05 || c.Alignment.RootZoneRatio > 0.50 {
		bad("alignment.root_zone_ratio", "%.3f outside [0.05, 0.50]", c.Alignment.RootZoneRatio)
	}
	if c.Alignment.MaxShiftX < 0 {
		bad("alignment.max_shift_x", "must not be negative")
	}

	if c.Canvas.TargetSize <= 0 || c.Canvas.GenerationSize <= 0 {
		bad("canvas", "sizes must be positive")
	} else if c.Canvas.TargetSize > c.Canvas.GenerationSize {
		bad("canvas.target_size", "%d exceeds generation_size %d", c.Canvas.TargetSize, c.Canvas.GenerationSize)
	}

	switch c.Transparency.Strategy {
	case TransparencyNative:
	case TransparencyChromaKey:
		if _, err := colorful.Hex(c.Transparency.ChromaColor); err != nil {
			bad("transparency.chroma_color", "%v", err)
		}
		if c.Transparency.Tolerance < 0 {
			bad("transparency.tolerance", "must not be negative")
		}
	default:
		bad("transparency.strategy", "unknown strategy %q", c.Transparency.Strategy)
	}

	t := c.Auditor.Thresholds
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"identity_min", t.IdentityMin},
		{"palette_min", t.PaletteMin},
		{"alpha_artifact_max", t.AlphaArtifactMax},
		{"composite_min", t.CompositeMin},
	} {
		if f.v < 0 || f.v > 1 {
			bad("auditor.thresholds."+f.name, "%.3f outside [0, 1]", f.v)
		}
	}
	if t.BaselineDriftMax < 0 {
		bad("auditor.thresholds.baseline_drift_max", "must not be negative")
	}
	if t.OrphanWarn < 0 || t.OrphanMax < t.OrphanWarn {
		bad("auditor.thresholds.orphan_max", "need 0 <= orphan_warn (%d) <= orphan_max (%d)", t.OrphanWarn, t.OrphanMax)
	}
	if t.MinBytes < 0 || t.MaxBytes <= t.MinBytes {
		bad("auditor.thresholds.max_bytes", "need 0 <= min_bytes < max_bytes")
	}
	switch t.PaletteMetric {
	case PaletteDeltaE, PaletteRGB:
	default:
		bad("auditor.thresholds.palette_metric", "unknown metric %q", t.PaletteMetric)
	}

	w := c.Auditor.Weights
	if w.Identity < 0 || w.Stability < 0 || w.Palette < 0 || w.Style < 0 {
		bad("auditor.weights", "weights must not be negative")
	} else if sum := w.Identity + w.Stability + w.Palette + w.Style; sum < 0.999 || sum > 1.001 {
		bad("auditor.weights", "sum to %.3f, want 1", sum)
	}

	if len(c.Retry.LadderOrder) == 0 {
		bad("retry.ladder_order", "must not be empty")
	}
	seen := map[retry.Action]bool{}
	for _, name := range c.Retry.LadderOrder {
		a, err := retry.ParseAction(name)
		if err != nil {
			bad("retry.ladder_order", "%v", err)
			continue
		}
		if seen[a] {
			bad("retry.ladder_order", "duplicate rung %q", name)
		}
		seen[a] = true
	}
	if c.Retry.MaxAttemptsPerFrame < 1 {
		bad("retry.max_attempts_per_frame", "must be at least 1")
	}
	sc := c.Retry.StopConditions
	if sc.MaxRetryRate < 0 || sc.MaxRetryRate > 1 || sc.MaxRejectRate < 0 || sc.MaxRejectRate > 1 {
		bad("retry.stop_conditions", "rates must be within [0, 1]")
	}
	if sc.MaxConsecutiveFails < 1 {
		bad("retry.stop_conditions.max_consecutive_fails", "must be at least 1")
	}

	switch c.Generator.Kind {
	case GeneratorGRPC:
		if c.Generator.Address == "" {
			bad("generator.address", "required for grpc generator")
		}
	case GeneratorFileDrop:
		if c.Generator.Dir == "" {
			bad("generator.dir", "required for filedrop generator")
		}
	default:
		bad("generator.kind", "unknown kind %q", c.Generator.Kind)
	}

	switch c.Paths.DatabaseDriver {
	case DriverModernc, DriverMattn:
	default:
		bad("paths.database_driver", "unknown driver %q", c.Paths.DatabaseDriver)
	}
	if c.Paths.OutputDir == "" {
		bad("paths.output_dir", "required")
	}

	if len(problems) == 0 {
		return nil
	}
	return failure.Config("validate config", errors.Join(problems...))
}
