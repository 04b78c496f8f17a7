package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

const (
	defaultConfigPath = "~/.config/spritegate/config.json"
	configEnv         = "SPRITEGATE_CONFIG"
)

// Alignment methods.
const (
	AlignContactPatch = "contact_patch"
	AlignCenter       = "center"
	AlignNone         = "none"
)

// Transparency strategies.
const (
	TransparencyNative    = "native"
	TransparencyChromaKey = "chroma_key"
)

// Palette distance metrics.
const (
	PaletteDeltaE = "delta_e"
	PaletteRGB    = "rgb"
)

// Generator adapter kinds.
const (
	GeneratorGRPC     = "grpc"
	GeneratorFileDrop = "filedrop"
)

// Ledger database drivers.
const (
	DriverModernc = "sqlite"
	DriverMattn   = "sqlite3"
)

// Config holds user-editable settings for a run.
type Config struct {
	Logging      Logging      `json:"logging"`
	Paths        Paths        `json:"paths"`
	Alignment    Alignment    `json:"alignment"`
	Canvas       Canvas       `json:"canvas"`
	Transparency Transparency `json:"transparency"`
	Auditor      Auditor      `json:"auditor"`
	Retry        Retry        `json:"retry"`
	Generator    Generator    `json:"generator"`
	Packer       Packer       `json:"packer"`
	Server       Server       `json:"server"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" env:"SPRITEGATE_LOG_LEVEL"`   // debug, info, warn, error
	Format     string `json:"format" env:"SPRITEGATE_LOG_FORMAT"` // text, json
	FileOutput bool   `json:"file_output"`                        // Enable file logging
	LogDir     string `json:"log_dir" env:"SPRITEGATE_LOG_DIR"`
}

// Paths configures output locations and the QA ledger.
type Paths struct {
	OutputDir      string `json:"output_dir" env:"SPRITEGATE_OUTPUT_DIR"`
	DatabasePath   string `json:"database_path" env:"SPRITEGATE_DB_PATH"`
	DatabaseDriver string `json:"database_driver" env:"SPRITEGATE_DB_DRIVER"` // sqlite (modernc), sqlite3 (cgo)
}

// Alignment controls the contact patch aligner.
type Alignment struct {
	Method        string  `json:"method"` // contact_patch, center, none
	VerticalLock  bool    `json:"vertical_lock"`
	RootZoneRatio float64 `json:"root_zone_ratio"`
	MaxShiftX     int     `json:"max_shift_x"`
}

// Canvas sets the over-generation and delivery resolutions.
type Canvas struct {
	GenerationSize int `json:"generation_size"`
	TargetSize     int `json:"target_size"`
}

// Transparency selects how backgrounds become alpha.
type Transparency struct {
	Strategy    string  `json:"strategy"`     // native, chroma_key
	ChromaColor string  `json:"chroma_color"` // hex, e.g. #00ff00
	Tolerance   float64 `json:"tolerance"`    // euclidean RGB distance
}

// Auditor configures quality gates.
type Auditor struct {
	Thresholds Thresholds         `json:"thresholds"`
	Weights    Weights            `json:"weights"`
	MAPD       map[string]float64 `json:"mapd"`
	MAPDBypass []string           `json:"mapd_bypass"`
}

// Thresholds are the pass/fail limits for each metric.
type Thresholds struct {
	IdentityMin      float64 `json:"identity_min"`
	PaletteMin       float64 `json:"palette_min"`
	PaletteDeltaE    float64 `json:"palette_delta_e"`
	PaletteMetric    string  `json:"palette_metric"` // delta_e, rgb
	AlphaArtifactMax float64 `json:"alpha_artifact_max"`
	BaselineDriftMax float64 `json:"baseline_drift_max"`
	OrphanWarn       int     `json:"orphan_warn"`
	OrphanMax        int     `json:"orphan_max"`
	CompositeMin     float64 `json:"composite_min"`
	MinBytes         int64   `json:"min_bytes"`
	MaxBytes         int64   `json:"max_bytes"`
}

// Weights for the composite score.
type Weights struct {
	Identity  float64 `json:"identity"`
	Stability float64 `json:"stability"`
	Palette   float64 `json:"palette"`
	Style     float64 `json:"style"`
}

// Retry configures the ladder and run-level stop conditions.
type Retry struct {
	LadderOrder         []string       `json:"ladder_order"`
	MaxAttemptsPerFrame int            `json:"max_attempts_per_frame"`
	StopConditions      StopConditions `json:"stop_conditions"`
}

// StopConditions end a run early.
type StopConditions struct {
	MaxRetryRate        float64 `json:"max_retry_rate"`
	MaxRejectRate       float64 `json:"max_reject_rate"`
	MaxConsecutiveFails int     `json:"max_consecutive_fails"`
}

// Generator selects and configures the generator adapter.
type Generator struct {
	Kind              string `json:"kind" env:"SPRITEGATE_GENERATOR"` // grpc, filedrop
	Address           string `json:"address" env:"SPRITEGATE_GENERATOR_ADDR"`
	Dir               string `json:"dir" env:"SPRITEGATE_GENERATOR_DIR"`
	TimeoutSeconds    int    `json:"timeout_seconds"`
	MaxRateLimitWaits int    `json:"max_rate_limit_waits"`
}

// Packer configures atlas packing and validation.
type Packer struct {
	Enabled           bool `json:"enabled"`
	Columns           int  `json:"columns"`
	Padding           int  `json:"padding"`
	BaselineTolerance int  `json:"baseline_tolerance"`
	DebugArtifacts    bool `json:"debug_artifacts"`
}

// Server configures the status API.
type Server struct {
	Addr string `json:"addr" env:"SPRITEGATE_SERVER_ADDR"`
}

// Path returns the config file location that Load reads.
func Path() string {
	if p := os.Getenv(configEnv); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults, then
// applies SPRITEGATE_* environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(Path())
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		defer f.Close()
		dec := json.NewDecoder(f)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	}

	if err := ApplyEnv(cfg, nil); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields tagged with env keys. A nil environment reads the
// process environment.
func ApplyEnv(cfg *Config, environment map[string]string) error {
	opts := env.Options{}
	if environment != nil {
		opts.Environment = environment
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
		Paths: Paths{
			OutputDir:      "./runs",
			DatabasePath:   filepath.Join(os.TempDir(), "spritegate.db"),
			DatabaseDriver: DriverModernc,
		},
		Alignment: Alignment{
			Method:        AlignContactPatch,
			VerticalLock:  true,
			RootZoneRatio: 0.15,
			MaxShiftX:     32,
		},
		Canvas: Canvas{
			GenerationSize: 512,
			TargetSize:     128,
		},
		Transparency: Transparency{
			Strategy:    TransparencyNative,
			ChromaColor: "#00ff00",
			Tolerance:   40,
		},
		Auditor: Auditor{
			Thresholds: Thresholds{
				IdentityMin:      0.85,
				PaletteMin:       0.90,
				PaletteDeltaE:    10,
				PaletteMetric:    PaletteDeltaE,
				AlphaArtifactMax: 0.20,
				BaselineDriftMax: 1,
				OrphanWarn:       5,
				OrphanMax:        15,
				CompositeMin:     0.80,
				MinBytes:         64,
				MaxBytes:         32 << 20,
			},
			Weights: Weights{
				Identity:  0.30,
				Stability: 0.35,
				Palette:   0.20,
				Style:     0.15,
			},
			MAPD: map[string]float64{
				"idle":    0.02,
				"walk":    0.10,
				"block":   0.05,
				"default": 0.10,
			},
			MAPDBypass: []string{"attack", "jump", "hit"},
		},
		Retry: Retry{
			LadderOrder: []string{
				"reroll_seed",
				"tighten_negative",
				"identity_rescue",
				"pose_rescue",
				"post_process",
				"re_anchor",
			},
			MaxAttemptsPerFrame: 8,
			StopConditions: StopConditions{
				MaxRetryRate:        0.50,
				MaxRejectRate:       0.30,
				MaxConsecutiveFails: 5,
			},
		},
		Generator: Generator{
			Kind:              GeneratorGRPC,
			Address:           "localhost:50051",
			Dir:               "./generator-drop",
			TimeoutSeconds:    300,
			MaxRateLimitWaits: 5,
		},
		Packer: Packer{
			Enabled:           true,
			Columns:           8,
			Padding:           0,
			BaselineTolerance: 1,
		},
		Server: Server{
			Addr: "127.0.0.1:8088",
		},
	}
}

// Scale is the factor from generation-resolution pixels to target pixels.
func (c Canvas) Scale() float64 {
	if c.GenerationSize <= 0 {
		return 1
	}
	return float64(c.TargetSize) / float64(c.GenerationSize)
}

// MAPDThreshold returns the temporal threshold for a move type and whether the
// check applies at all.
func (a Auditor) MAPDThreshold(moveType string) (float64, bool) {
	for _, m := range a.MAPDBypass {
		if m == moveType {
			return 0, false
		}
	}
	if v, ok := a.MAPD[moveType]; ok {
		return v, true
	}
	if v, ok := a.MAPD["default"]; ok {
		return v, true
	}
	return 0.10, true
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
