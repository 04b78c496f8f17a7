package audit

import (
	"image"
	"image/color"
	"math"
	"testing"

	"spritegate/internal/align"
	"spritegate/internal/config"
	"spritegate/internal/failure"
	"spritegate/internal/logging"
	"spritegate/internal/normalize"
	"spritegate/internal/sprite"
)

var (
	body = color.NRGBA{R: 180, G: 120, B: 80, A: 255}
	dot  = color.NRGBA{R: 20, G: 20, B: 200, A: 255}
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Canvas = config.Canvas{GenerationSize: 128, TargetSize: 128}
	cfg.Auditor.Thresholds.MinBytes = 0
	return cfg
}

func fill(img *image.NRGBA, x0, y0, x1, y1 int, c color.NRGBA) *image.NRGBA {
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			sprite.Set(img, x, y, c)
		}
	}
	return img
}

func frameOf(t *testing.T, img *image.NRGBA, target int) normalize.Frame {
	t.Helper()
	data, err := sprite.Encode(img)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f := normalize.Frame{Image: img, Raw: data}
	f.Header, f.HeaderErr = sprite.ReadHeader(data)
	f.SizeOK = img.Rect.Dx() == target && img.Rect.Dy() == target
	return f
}

func TestOrphanNoiseScenarioD(t *testing.T) {
	img := fill(sprite.Blank(128, 128), 8, 8, 119, 119, body)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			sprite.Set(img, 20+10*i, 20+10*j, dot)
		}
	}

	a := New(testConfig(), nil, logging.Discard())
	res := a.Audit(Input{Frame: frameOf(t, img, 128)})

	if got := res.Scores[MetricOrphans]; got != 16 {
		t.Fatalf("expected orphan count 16, got %v", got)
	}
	if !failure.Contains(res.Codes, failure.CodeOrphanNoise) {
		t.Fatalf("expected %s, got %v", failure.CodeOrphanNoise, res.Codes)
	}
	if res.Passed {
		t.Fatalf("expected soft failure")
	}
}

func TestOrphanNoiseWarningBand(t *testing.T) {
	img := fill(sprite.Blank(64, 64), 4, 4, 59, 59, body)
	for i := 0; i < 8; i++ {
		sprite.Set(img, 10+5*i, 30, dot)
	}
	cfg := testConfig()
	cfg.Canvas = config.Canvas{GenerationSize: 64, TargetSize: 64}
	res := New(cfg, nil, logging.Discard()).Audit(Input{Frame: frameOf(t, img, 64)})
	if failure.Contains(res.Codes, failure.CodeOrphanNoise) {
		t.Fatalf("8 orphans should not fail, got %v", res.Codes)
	}
	if !failure.Contains(res.Warnings, failure.CodeOrphanNoiseWarn) {
		t.Fatalf("expected orphan warning, got %v", res.Warnings)
	}
}

func TestHardGatePrecedence(t *testing.T) {
	solid := fill(sprite.Blank(128, 128), 10, 10, 100, 100, body)
	sprite.Set(solid, 0, 0, color.NRGBA{A: 1})

	tests := []struct {
		name  string
		frame func() normalize.Frame
		want  failure.Code
	}{
		{"corrupt first", func() normalize.Frame {
			return normalize.Frame{Raw: []byte("junk"), DecodeErr: sprite.ErrNotPNG}
		}, failure.CodeCorrupt},
		{"dimension before transparency", func() normalize.Frame {
			return frameOf(t, sprite.Blank(64, 64), 128)
		}, failure.CodeDimensionMismatch},
		{"transparency before channels", func() normalize.Frame {
			f := frameOf(t, sprite.Blank(128, 128), 128)
			f.Header.ColorType = sprite.ColorTypeRGB
			return f
		}, failure.CodeFullyTransparent},
		{"channels", func() normalize.Frame {
			f := frameOf(t, solid, 128)
			f.Header.ColorType = sprite.ColorTypeRGB
			return f
		}, failure.CodeNoAlpha},
		{"byte size", func() normalize.Frame {
			f := frameOf(t, solid, 128)
			f.Raw = f.Raw[:10]
			return f
		}, failure.CodeByteSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Auditor.Thresholds.MinBytes = 64
			a := New(cfg, nil, logging.Discard())
			res := a.Audit(Input{Frame: tt.frame()})
			if len(res.Codes) != 1 || res.Codes[0] != tt.want {
				t.Fatalf("expected [%s], got %v", tt.want, res.Codes)
			}
			if a.SoftEvaluations() != 0 {
				t.Fatalf("expected no soft evaluation after a hard gate, got %d", a.SoftEvaluations())
			}
			if res.Passed || res.Composite != 0 {
				t.Fatalf("expected hard failure to carry no score")
			}
		})
	}
}

func TestRGBAcceptedUnderChromaKey(t *testing.T) {
	img := fill(sprite.Blank(128, 128), 10, 10, 100, 100, body)
	f := frameOf(t, img, 128)
	f.Header.ColorType = sprite.ColorTypeRGB
	f.ChromaKeyed = true

	cfg := testConfig()
	cfg.Transparency.Strategy = config.TransparencyChromaKey
	a := New(cfg, nil, logging.Discard())
	res := a.Audit(Input{Frame: f})
	if res.Hard() {
		t.Fatalf("expected RGB stream to pass under chroma key, got %v", res.Codes)
	}
	if a.SoftEvaluations() != 1 {
		t.Fatalf("expected 1 soft evaluation, got %d", a.SoftEvaluations())
	}
}

func TestSafetyValveScenarioB(t *testing.T) {
	cfg := testConfig()
	anchor := fill(sprite.Blank(128, 128), 60, 80, 68, 120, body)
	target, err := align.Analyze(anchor, cfg.Alignment)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if target.BaselineY != 120 || target.RootX != 64 {
		t.Fatalf("unexpected target %+v", target)
	}

	frame := fill(sprite.Blank(128, 128), 6, 75, 14, 115, body)
	aligned, res, err := align.Align(frame, target, cfg.Alignment)
	if err != nil {
		t.Fatalf("align: %v", err)
	}
	f := frameOf(t, aligned, 128)
	f.Alignment = res

	out := New(cfg, nil, logging.Discard()).Audit(Input{Frame: f, Target: target})
	if got := out.Scores[MetricResidual]; got != 22 {
		t.Fatalf("expected residual 22, got %v", got)
	}
	if !failure.Contains(out.Codes, failure.CodeSafetyValve) {
		t.Fatalf("expected %s, got %v", failure.CodeSafetyValve, out.Codes)
	}
	if failure.Contains(out.Codes, failure.CodeBaselineDrift) {
		t.Fatalf("safety valve replaces baseline drift, got %v", out.Codes)
	}
	if want := math.Exp(-1.5 * 22); math.Abs(out.Scores[MetricStability]-want) > 1e-12 {
		t.Fatalf("expected stability %v, got %v", want, out.Scores[MetricStability])
	}
}

func TestCleanFramePasses(t *testing.T) {
	cfg := testConfig()
	img := fill(sprite.Blank(128, 128), 40, 30, 80, 120, body)
	target, err := align.Analyze(img, cfg.Alignment)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	aligned, ar, err := align.Align(img, target, cfg.Alignment)
	if err != nil {
		t.Fatalf("align: %v", err)
	}
	f := frameOf(t, aligned, 128)
	f.Alignment = ar

	res := New(cfg, nil, logging.Discard()).Audit(Input{Frame: f, Anchor: img, Previous: img, MoveType: "idle", Target: target})
	if !res.Passed || len(res.Codes) != 0 {
		t.Fatalf("expected pass, got %v", res.Codes)
	}
	if res.Rank != RankDiamond {
		t.Fatalf("expected diamond rank, got %s (composite %.3f)", res.Rank, res.Composite)
	}
	if res.Scores[MetricIdentity] < 0.999 || res.Scores[MetricMAPD] != 0 {
		t.Fatalf("unexpected scores %v", res.Scores)
	}
}

func TestTemporalFlicker(t *testing.T) {
	cfg := testConfig()
	cur := fill(sprite.Blank(128, 128), 40, 30, 80, 120, body)
	prev := fill(sprite.Blank(128, 128), 40, 30, 80, 120, color.NRGBA{R: 100, G: 120, B: 80, A: 255})

	a := New(cfg, nil, logging.Discard())
	res := a.Audit(Input{Frame: frameOf(t, cur, 128), Previous: prev, MoveType: "idle"})
	if !failure.Contains(res.Codes, failure.CodeTemporalFlicker) {
		t.Fatalf("expected flicker for idle, got %v", res.Codes)
	}

	res = a.Audit(Input{Frame: frameOf(t, cur, 128), Previous: prev, MoveType: "attack"})
	if failure.Contains(res.Codes, failure.CodeTemporalFlicker) {
		t.Fatalf("attack moves bypass the temporal check, got %v", res.Codes)
	}
	if _, ok := res.Scores[MetricMAPD]; ok {
		t.Fatalf("expected no MAPD score for bypassed move")
	}
}

func TestMAPDEmptyIntersection(t *testing.T) {
	a := fill(sprite.Blank(8, 8), 0, 0, 3, 7, body)
	b := fill(sprite.Blank(8, 8), 4, 0, 7, 7, body)
	if got := MAPD(a, b); got != 1 {
		t.Fatalf("expected 1 for disjoint frames, got %v", got)
	}
}

func TestSSIM(t *testing.T) {
	a := fill(sprite.Blank(32, 32), 8, 8, 23, 23, body)
	if got := SSIM(a, a); math.Abs(got-1) > 1e-9 {
		t.Fatalf("expected identical buffers to score 1, got %v", got)
	}
	b := fill(sprite.Blank(32, 32), 0, 0, 10, 31, dot)
	if got := SSIM(a, b); got > 0.9 {
		t.Fatalf("expected different buffers to score low, got %v", got)
	}
	if got := SSIM(a, sprite.Blank(16, 16)); got != 0 {
		t.Fatalf("expected size mismatch to score 0, got %v", got)
	}
}

func TestHaloFraction(t *testing.T) {
	img := fill(sprite.Blank(6, 6), 1, 1, 4, 4, body)
	if got := HaloFraction(img); got != 0 {
		t.Fatalf("expected hard edges to score 0, got %v", got)
	}
	for x := 1; x <= 4; x++ {
		sprite.Set(img, x, 1, color.NRGBA{R: 180, G: 120, B: 80, A: 120})
	}
	// 12 edge pixels on the ring, 4 of them soft.
	if got := HaloFraction(img); math.Abs(got-4.0/12.0) > 1e-12 {
		t.Fatalf("expected 1/3, got %v", got)
	}
}

func TestRankFor(t *testing.T) {
	tests := []struct {
		composite float64
		want      Rank
	}{
		{0.95, RankDiamond},
		{0.92, RankDiamond},
		{0.85, RankGold},
		{0.70, RankSilver},
		{0.10, RankBronze},
	}
	for _, tt := range tests {
		if got := RankFor(tt.composite); got != tt.want {
			t.Fatalf("expected %s for %.2f, got %s", tt.want, tt.composite, got)
		}
	}
}
