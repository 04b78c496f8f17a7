package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"spritegate/internal/failure"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestValidateNamesEveryBadField(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"method", func(c *Config) { c.Alignment.Method = "magic" }, "alignment.method"},
		{"root zone", func(c *Config) { c.Alignment.RootZoneRatio = 0.9 }, "alignment.root_zone_ratio"},
		{"canvas", func(c *Config) { c.Canvas.TargetSize = 1024 }, "canvas.target_size"},
		{"chroma color", func(c *Config) {
			c.Transparency.Strategy = TransparencyChromaKey
			c.Transparency.ChromaColor = "green"
		}, "transparency.chroma_color"},
		{"identity", func(c *Config) { c.Auditor.Thresholds.IdentityMin = 1.5 }, "auditor.thresholds.identity_min"},
		{"orphans", func(c *Config) { c.Auditor.Thresholds.OrphanMax = 1 }, "auditor.thresholds.orphan_max"},
		{"weights", func(c *Config) { c.Auditor.Weights.Style = 0.5 }, "auditor.weights"},
		{"ladder", func(c *Config) { c.Retry.LadderOrder = []string{"reroll_seed", "reroll_seed"} }, "retry.ladder_order"},
		{"unknown rung", func(c *Config) { c.Retry.LadderOrder = []string{"pray"} }, "retry.ladder_order"},
		{"rates", func(c *Config) { c.Retry.StopConditions.MaxRejectRate = 2 }, "retry.stop_conditions"},
		{"generator", func(c *Config) { c.Generator.Kind = "carrier_pigeon" }, "generator.kind"},
		{"driver", func(c *Config) { c.Paths.DatabaseDriver = "postgres" }, "paths.database_driver"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if !failure.Is(err, failure.KindConfig) {
				t.Fatalf("expected config error, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.field) {
				t.Fatalf("expected %q in %v", tc.field, err)
			}
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Alignment.Method = "magic"
	cfg.Generator.Kind = "nope"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "alignment.method") || !strings.Contains(err.Error(), "generator.kind") {
		t.Fatalf("expected both problems reported, got %v", err)
	}
}

func TestLoadReadsFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	doc := `{"canvas": {"generation_size": 256, "target_size": 64}, "generator": {"kind": "filedrop", "dir": "/tmp/drop"}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SPRITEGATE_CONFIG", path)
	t.Setenv("SPRITEGATE_OUTPUT_DIR", filepath.Join(dir, "out"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Canvas.GenerationSize != 256 || cfg.Canvas.TargetSize != 64 {
		t.Fatalf("expected canvas from file, got %+v", cfg.Canvas)
	}
	if cfg.Generator.Kind != GeneratorFileDrop || cfg.Generator.Dir != "/tmp/drop" {
		t.Fatalf("expected generator from file, got %+v", cfg.Generator)
	}
	if cfg.Paths.OutputDir != filepath.Join(dir, "out") {
		t.Fatalf("expected env output dir, got %s", cfg.Paths.OutputDir)
	}
	if cfg.Retry.MaxAttemptsPerFrame != 8 {
		t.Fatalf("expected untouched defaults, got %d", cfg.Retry.MaxAttemptsPerFrame)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("SPRITEGATE_CONFIG", filepath.Join(t.TempDir(), "absent.json"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Canvas.TargetSize != Default().Canvas.TargetSize {
		t.Fatalf("expected default target size, got %d", cfg.Canvas.TargetSize)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(cfg, map[string]string{
		"SPRITEGATE_LOG_LEVEL":      "debug",
		"SPRITEGATE_DB_DRIVER":      DriverMattn,
		"SPRITEGATE_GENERATOR_ADDR": "gen:9000",
		"SPRITEGATE_SERVER_ADDR":    ":9090",
	})
	if err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Paths.DatabaseDriver != DriverMattn {
		t.Fatalf("unexpected overrides %+v %+v", cfg.Logging, cfg.Paths)
	}
	if cfg.Generator.Address != "gen:9000" || cfg.Server.Addr != ":9090" {
		t.Fatalf("unexpected overrides %+v %+v", cfg.Generator, cfg.Server)
	}
	if cfg.Logging.Format != "text" {
		t.Fatalf("expected unset keys untouched, got %s", cfg.Logging.Format)
	}
}

func TestMAPDThreshold(t *testing.T) {
	a := Default().Auditor
	tests := []struct {
		moveType string
		want     float64
		applies  bool
	}{
		{"idle", 0.02, true},
		{"walk", 0.10, true},
		{"dance", 0.10, true},
		{"attack", 0, false},
	}
	for _, tt := range tests {
		got, ok := a.MAPDThreshold(tt.moveType)
		if got != tt.want || ok != tt.applies {
			t.Fatalf("%s: expected (%.2f, %t), got (%.2f, %t)", tt.moveType, tt.want, tt.applies, got, ok)
		}
	}
}

func writeManifest(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "move.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

const manifestDoc = `character: knight
move: walk
move_type: walk
frames: 8
cyclic: true
anchor: anchor.png
palette: ["#000000", "#ffcc00"]
prompts:
  base: knight walking
  negative: blurry
`

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "anchor.png"), []byte("anchor-v1"), 0o644); err != nil {
		t.Fatalf("write anchor: %v", err)
	}
	m, err := LoadManifest(writeManifest(t, dir, manifestDoc))
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if m.Move != "walk" || m.Frames != 8 || !m.Cyclic {
		t.Fatalf("unexpected manifest %+v", m)
	}
	if m.AnchorPath() != filepath.Join(dir, "anchor.png") {
		t.Fatalf("expected anchor relative to manifest, got %s", m.AnchorPath())
	}
	colors, err := m.PaletteColors()
	if err != nil || len(colors) != 2 || colors[1].R != 0xff || colors[1].G != 0xcc {
		t.Fatalf("unexpected palette %v (%v)", colors, err)
	}

	first, err := m.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	again, _ := m.Fingerprint()
	if first != again {
		t.Fatalf("expected stable fingerprint")
	}
	if err := os.WriteFile(filepath.Join(dir, "anchor.png"), []byte("anchor-v2"), 0o644); err != nil {
		t.Fatalf("rewrite anchor: %v", err)
	}
	changed, _ := m.Fingerprint()
	if changed == first {
		t.Fatalf("expected anchor change to alter the fingerprint")
	}
	m.Prompts.Base = "knight running"
	if edited, _ := m.Fingerprint(); edited == changed {
		t.Fatalf("expected prompt change to alter the fingerprint")
	}
}

func TestLoadManifestRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad move":    strings.Replace(manifestDoc, "move: walk", "move: Walk Cycle", 1),
		"no frames":   strings.Replace(manifestDoc, "frames: 8", "frames: 0", 1),
		"no anchor":   strings.Replace(manifestDoc, "anchor: anchor.png", "anchor: \"\"", 1),
		"bad palette": strings.Replace(manifestDoc, "#ffcc00", "yellow", 1),
		"bad yaml":    "frames: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadManifest(writeManifest(t, t.TempDir(), doc))
			if !failure.Is(err, failure.KindConfig) {
				t.Fatalf("expected config error, got %v", err)
			}
		})
	}
}
