package align

import (
	"errors"
	"image"
	"image/color"
	"math/rand"
	"sync"
	"testing"

	"spritegate/internal/config"
	"spritegate/internal/sprite"
)

var solid = color.NRGBA{R: 200, G: 40, B: 40, A: 255}

// block draws an inclusive rectangle.
func block(img *image.NRGBA, x0, y0, x1, y1 int, c color.NRGBA) {
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			sprite.Set(img, x, y, c)
		}
	}
}

func testConfig() config.Alignment {
	return config.Alignment{
		Method:        config.AlignContactPatch,
		VerticalLock:  true,
		RootZoneRatio: 0.15,
		MaxShiftX:     32,
	}
}

// anchorImage has baselineY=120 and rootX=64.
func anchorImage() *image.NRGBA {
	img := sprite.Blank(128, 128)
	block(img, 60, 80, 68, 120, solid)
	return img
}

func TestAnalyzeAnchor(t *testing.T) {
	target, err := Analyze(anchorImage(), testConfig())
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if target.BaselineY != 120 || target.RootX != 64 {
		t.Fatalf("expected baseline 120 root 64, got %+v", target)
	}
}

func TestAnalyzeIgnoresFaintPixels(t *testing.T) {
	img := anchorImage()
	block(img, 0, 125, 127, 127, color.NRGBA{R: 255, A: sprite.OpaqueThreshold})
	target, err := Analyze(img, testConfig())
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if target.BaselineY != 120 {
		t.Fatalf("expected pixels at the threshold to be ignored, got baseline %d", target.BaselineY)
	}
}

func TestAnalyzeTransparentAnchor(t *testing.T) {
	_, err := Analyze(sprite.Blank(64, 64), testConfig())
	if !errors.Is(err, ErrAnchorTransparent) {
		t.Fatalf("expected ErrAnchorTransparent, got %v", err)
	}
}

func TestMeasureRootZoneUsesVisibleHeight(t *testing.T) {
	img := sprite.Blank(128, 128)
	// Wide torso above narrow feet: only the feet sit in the root zone.
	block(img, 20, 60, 90, 100, solid)
	block(img, 30, 101, 34, 110, solid)

	g, err := Measure(img, config.AlignContactPatch, 0.15)
	if err != nil {
		t.Fatalf("measure failed: %v", err)
	}
	if g.TopY != 60 || g.BottomY != 110 {
		t.Fatalf("unexpected extent %+v", g)
	}
	if g.RootX != 32 {
		t.Fatalf("expected root on the feet (32), got %v", g.RootX)
	}

	center, err := Measure(img, config.AlignCenter, 0.15)
	if err != nil {
		t.Fatalf("measure failed: %v", err)
	}
	if center.RootX != 55 {
		t.Fatalf("expected bounding-box center 55, got %v", center.RootX)
	}
}

func TestReferenceComputesOnce(t *testing.T) {
	ref := NewReference(anchorImage(), testConfig())
	var wg sync.WaitGroup
	results := make([]Target, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = ref.Target()
		}(i)
	}
	wg.Wait()
	if ref.Analyses() != 1 {
		t.Fatalf("expected a single analysis, got %d", ref.Analyses())
	}
	for i, r := range results {
		if r != results[0] {
			t.Fatalf("read %d differs: %+v vs %+v", i, r, results[0])
		}
	}
}

func TestAlignScenarioA(t *testing.T) {
	target := Target{BaselineY: 120, RootX: 64}
	frame := sprite.Blank(128, 128)
	block(frame, 66, 75, 74, 115, solid)

	out, res, err := Align(frame, target, testConfig())
	if err != nil {
		t.Fatalf("align failed: %v", err)
	}
	if res.ShiftY != 5 || res.ShiftX != -6 || res.Clamped {
		t.Fatalf("expected shiftY=+5 shiftX=-6 unclamped, got %+v", res)
	}
	if res.After.BottomY != 120 || res.After.RootX != 64 {
		t.Fatalf("expected contact patch on target, got %+v", res.After)
	}
	if out.Rect != frame.Rect {
		t.Fatalf("alignment changed dimensions: %v", out.Rect)
	}
	if sprite.At(out, 60, 120) != solid || sprite.Alpha(out, 74, 115) != 0 {
		t.Fatalf("pixels were not translated as expected")
	}
}

func TestAlignScenarioBClamps(t *testing.T) {
	target := Target{BaselineY: 120, RootX: 64}
	frame := sprite.Blank(128, 128)
	block(frame, 6, 75, 14, 115, solid)

	_, res, err := Align(frame, target, testConfig())
	if err != nil {
		t.Fatalf("align failed: %v", err)
	}
	if res.RequestedShiftX != 54 {
		t.Fatalf("expected requested shift 54, got %d", res.RequestedShiftX)
	}
	if res.ShiftX != 32 || !res.Clamped {
		t.Fatalf("expected clamped shift 32, got %+v", res)
	}
	if residual := target.RootX - res.After.RootX; residual != 22 {
		t.Fatalf("expected 22px uncorrected residual, got %v", residual)
	}
}

func TestAlignShiftNeverExceedsMax(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		cfg := testConfig()
		cfg.MaxShiftX = rng.Intn(40)
		x := rng.Intn(120)
		y := rng.Intn(120)
		frame := sprite.Blank(128, 128)
		block(frame, x, y, x+rng.Intn(8), y+rng.Intn(8), solid)
		target := Target{BaselineY: rng.Intn(128), RootX: float64(rng.Intn(128))}

		_, res, err := Align(frame, target, cfg)
		if err != nil {
			t.Fatalf("align failed: %v", err)
		}
		if res.ShiftX > cfg.MaxShiftX || res.ShiftX < -cfg.MaxShiftX {
			t.Fatalf("shift %d exceeds max %d", res.ShiftX, cfg.MaxShiftX)
		}
	}
}

func TestAlignNoneAndEmpty(t *testing.T) {
	target := Target{BaselineY: 120, RootX: 64}
	frame := sprite.Blank(128, 128)
	block(frame, 6, 75, 14, 115, solid)

	cfg := testConfig()
	cfg.Method = config.AlignNone
	out, res, err := Align(frame, target, cfg)
	if err != nil {
		t.Fatalf("align failed: %v", err)
	}
	if out != frame || res.ShiftX != 0 || res.ShiftY != 0 {
		t.Fatalf("method none must return input unchanged, got %+v", res)
	}

	empty := sprite.Blank(128, 128)
	out, res, err = Align(empty, target, testConfig())
	if err != nil {
		t.Fatalf("align of empty frame failed: %v", err)
	}
	if out != empty || !res.Empty {
		t.Fatalf("empty frame must pass through flagged, got %+v", res)
	}
}

func TestAlignWithoutVerticalLock(t *testing.T) {
	target := Target{BaselineY: 120, RootX: 64}
	frame := sprite.Blank(128, 128)
	block(frame, 66, 75, 74, 115, solid)

	cfg := testConfig()
	cfg.VerticalLock = false
	_, res, err := Align(frame, target, cfg)
	if err != nil {
		t.Fatalf("align failed: %v", err)
	}
	if res.ShiftY != 0 || res.ShiftX != -6 {
		t.Fatalf("expected horizontal-only shift, got %+v", res)
	}
}
