package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"spritegate/internal/config"
	"spritegate/internal/failure"
	"spritegate/internal/generator"
	"spritegate/internal/logging"
	"spritegate/internal/pack"
	"spritegate/internal/runner"
	"spritegate/internal/server"
	"spritegate/internal/sprite"
)

const canvas = 64

var ink = color.NRGBA{R: 180, G: 120, B: 80, A: 255}

func figure() *image.NRGBA {
	img := sprite.Blank(canvas, canvas)
	for y := 8; y <= 55; y++ {
		for x := 16; x <= 47; x++ {
			sprite.Set(img, x, y, ink)
		}
	}
	return img
}

func encode(t *testing.T, img *image.NRGBA) []byte {
	t.Helper()
	data, err := sprite.Encode(img)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

type stubGenerator struct {
	mu     sync.Mutex
	image  []byte
	calls  int
	closed bool
}

func (g *stubGenerator) Generate(context.Context, generator.Request) (generator.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return generator.Result{Image: g.image}, nil
}

func (g *stubGenerator) Close() error {
	g.closed = true
	return nil
}

type stubPacker struct{ calls int }

func (p *stubPacker) Pack(_ context.Context, req pack.Request) (pack.Atlas, error) {
	p.calls++
	a := pack.Atlas{Move: req.Move, ImagePath: filepath.Join(req.OutDir, req.Move+".png"), Frames: map[string]pack.Rect{}}
	for i, f := range req.Frames {
		a.Frames[f.Name] = pack.Rect{X: i * canvas, W: canvas, H: canvas}
		a.Order = append(a.Order, f.Name)
	}
	return a, nil
}

type stubValidator struct{}

func (stubValidator) Validate(context.Context, pack.Atlas, []pack.FrameImage) (pack.Report, error) {
	return pack.Report{Passed: true}, nil
}

type testEnv struct {
	root     *Root
	out      *bytes.Buffer
	gen      *stubGenerator
	packer   *stubPacker
	dir      string
	manifest string
}

func newTestRoot(t *testing.T, frames int) *testEnv {
	t.Helper()
	tmp := t.TempDir()
	cfg := config.Default()
	cfg.Canvas = config.Canvas{GenerationSize: canvas, TargetSize: canvas}
	cfg.Paths.OutputDir = filepath.Join(tmp, "runs")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "db", "ledger.db")
	cfg.Auditor.Thresholds.MinBytes = 0
	cfg.Retry.StopConditions.MaxRetryRate = 1
	cfg.Logging.FileOutput = false

	env := &testEnv{
		out:      &bytes.Buffer{},
		gen:      &stubGenerator{image: encode(t, figure())},
		packer:   &stubPacker{},
		dir:      tmp,
		manifest: filepath.Join(tmp, "walk.yaml"),
	}
	if err := os.WriteFile(filepath.Join(tmp, "anchor.png"), encode(t, figure()), 0o644); err != nil {
		t.Fatalf("write anchor: %v", err)
	}
	doc := fmt.Sprintf(`character: knight
move: walk
move_type: walk
frames: %d
cyclic: false
anchor: anchor.png
prompts:
  base: knight walking
  negative: blurry
seed_salt: cli
`, frames)
	if err := os.WriteFile(env.manifest, []byte(doc), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	env.root = &Root{
		cfg: cfg,
		log: logging.Discard(),
		out: env.out,
		newGenerator: func(config.Generator, *slog.Logger) (generator.Adapter, error) {
			return env.gen, nil
		},
		newPackers: func(*config.Config, string, *slog.Logger) (pack.Packer, pack.Validator) {
			return env.packer, stubValidator{}
		},
		openLedger: defaultLedger,
		serveFn:    defaultServe,
	}
	return env
}

func (e *testEnv) run(t *testing.T, args ...string) error {
	t.Helper()
	e.out.Reset()
	return e.root.Run(context.Background(), args)
}

func TestRunCommandCompletesMove(t *testing.T) {
	env := newTestRoot(t, 2)
	if err := env.run(t, "run", env.manifest); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if env.gen.calls != 2 {
		t.Fatalf("expected 2 generator calls, got %d", env.gen.calls)
	}
	if !env.gen.closed {
		t.Fatalf("expected generator to be closed")
	}
	if env.packer.calls != 1 {
		t.Fatalf("expected one pack, got %d", env.packer.calls)
	}
	if !strings.Contains(env.out.String(), "Status:      completed") {
		t.Fatalf("expected completed summary, got %q", env.out.String())
	}

	if err := env.run(t, "status", runner.RunDir(env.root.cfg.Paths.OutputDir, "walk")); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if strings.Count(env.out.String(), " "+string(runner.FrameApproved)+" ") != 2 {
		t.Fatalf("expected two approved frames in status, got %q", env.out.String())
	}

	if err := env.run(t, "history", "--limit", "5"); err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.Contains(env.out.String(), "walk") || !strings.Contains(env.out.String(), "completed") {
		t.Fatalf("expected recorded run in history, got %q", env.out.String())
	}
}

func TestRunCommandReportsStop(t *testing.T) {
	env := newTestRoot(t, 4)
	env.gen.image = encode(t, sprite.Blank(8, 8))

	err := env.run(t, "run", env.manifest)
	if !errors.Is(err, runner.ErrRunStopped) {
		t.Fatalf("expected stopped run, got %v", err)
	}
	if ExitCode(err) != ExitStopped {
		t.Fatalf("expected exit code %d, got %d", ExitStopped, ExitCode(err))
	}
	if env.packer.calls != 0 {
		t.Fatalf("expected no packing for a stopped run")
	}
	if !strings.Contains(env.out.String(), "reject_rate") {
		t.Fatalf("expected stop reason in output, got %q", env.out.String())
	}
}

func TestRunCommandServesWhileRunning(t *testing.T) {
	env := newTestRoot(t, 1)
	var served *server.Server
	env.root.serveFn = func(ctx context.Context, srv *server.Server) error {
		served = srv
		<-ctx.Done()
		return nil
	}
	if err := env.run(t, "run", env.manifest, "--serve", "127.0.0.1:0"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if served == nil {
		t.Fatalf("expected status server to be started")
	}
}

func TestRunValidatesArguments(t *testing.T) {
	env := newTestRoot(t, 1)
	if err := env.run(t, "run"); err == nil {
		t.Fatalf("expected error for missing manifest")
	}
	if err := env.run(t, "audit", filepath.Join(env.dir, "anchor.png")); err == nil {
		t.Fatalf("expected error for missing --manifest")
	}
	if err := env.run(t, "run", filepath.Join(env.dir, "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing manifest file")
	}
}

func TestAnchorCommand(t *testing.T) {
	env := newTestRoot(t, 1)
	if err := env.run(t, "anchor", filepath.Join(env.dir, "anchor.png")); err != nil {
		t.Fatalf("anchor failed: %v", err)
	}
	out := env.out.String()
	if !strings.Contains(out, "Baseline Y: 55") || !strings.Contains(out, "Root X:     31.50") {
		t.Fatalf("unexpected anchor output %q", out)
	}

	if err := env.run(t, "anchor", filepath.Join(env.dir, "anchor.png"), "--method", "center"); err != nil {
		t.Fatalf("anchor center failed: %v", err)
	}
	if !strings.Contains(env.out.String(), "Method:     center") {
		t.Fatalf("expected method override, got %q", env.out.String())
	}
}

func TestAuditCommand(t *testing.T) {
	env := newTestRoot(t, 1)
	good := filepath.Join(env.dir, "good.png")
	if err := os.WriteFile(good, encode(t, figure()), 0o644); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if err := env.run(t, "audit", good, "--manifest", env.manifest); err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if !strings.Contains(env.out.String(), "Result:    pass") {
		t.Fatalf("expected pass, got %q", env.out.String())
	}

	small := filepath.Join(env.dir, "small.png")
	if err := os.WriteFile(small, encode(t, sprite.Blank(8, 8)), 0o644); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if err := env.run(t, "audit", small, "--manifest", env.manifest, "--previous", good); err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if !strings.Contains(env.out.String(), string(failure.CodeDimensionMismatch)) {
		t.Fatalf("expected dimension mismatch, got %q", env.out.String())
	}
	if !strings.Contains(env.out.String(), runner.Hint(failure.CodeDimensionMismatch)) {
		t.Fatalf("expected hint in output, got %q", env.out.String())
	}
	if env.gen.calls != 0 {
		t.Fatalf("expected audit to skip the generator")
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	env := newTestRoot(t, 1)
	var called bool
	env.root.serveFn = func(ctx context.Context, srv *server.Server) error {
		called = true
		return nil
	}
	if err := env.run(t, "serve", "--addr", "127.0.0.1:9999"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if !called {
		t.Fatalf("serve function was not invoked")
	}
}

func TestConfigAndVersionCommands(t *testing.T) {
	env := newTestRoot(t, 1)
	if err := env.run(t, "config", "show"); err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(env.out.String(), `"generation_size": 64`) {
		t.Fatalf("expected config JSON, got %q", env.out.String())
	}
	if err := env.run(t, "config", "validate"); err != nil {
		t.Fatalf("config validate failed: %v", err)
	}

	env.root.cfg.Alignment.RootZoneRatio = 0.9
	err := env.run(t, "config", "validate")
	if ExitCode(err) != ExitConfig {
		t.Fatalf("expected config exit code, got %d (%v)", ExitCode(err), err)
	}

	if err := env.run(t, "version"); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(env.out.String(), Version) {
		t.Fatalf("expected version in output, got %q", env.out.String())
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"stopped", fmt.Errorf("%w: reject_rate", runner.ErrRunStopped), ExitStopped},
		{"config", failure.Config("canvas", errors.New("bad")), ExitConfig},
		{"fingerprint", runner.ErrFingerprintMismatch, ExitConfig},
		{"system", failure.System("ledger", errors.New("disk")), ExitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}
