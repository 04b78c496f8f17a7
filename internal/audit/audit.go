// Package audit scores normalized frames. Hard gates run first and
// short-circuit; soft metrics then feed a weighted composite and an ordered
// list of reason codes.
package audit

import (
	"image"
	"log/slog"
	"math"
	"sync/atomic"

	"spritegate/internal/align"
	"spritegate/internal/config"
	"spritegate/internal/failure"
	"spritegate/internal/logging"
	"spritegate/internal/normalize"
	"spritegate/internal/palette"
	"spritegate/internal/sprite"
)

// Metric names a soft score.
type Metric string

const (
	MetricIdentity  Metric = "identity"
	MetricPalette   Metric = "palette_fidelity"
	MetricHalo      Metric = "halo_fraction"
	MetricResidual  Metric = "baseline_residual"
	MetricOrphans   Metric = "orphan_count"
	MetricMAPD      Metric = "mapd"
	MetricStability Metric = "stability"
	MetricStyle     Metric = "style"
)

// Rank is a coarse quality band derived from the composite.
type Rank string

const (
	RankDiamond Rank = "diamond"
	RankGold    Rank = "gold"
	RankSilver  Rank = "silver"
	RankBronze  Rank = "bronze"
)

// Result is the outcome of auditing one frame.
type Result struct {
	Codes     []failure.Code     `json:"codes"`
	Warnings  []failure.Code     `json:"warnings,omitempty"`
	Scores    map[Metric]float64 `json:"scores"`
	Composite float64            `json:"composite"`
	Passed    bool               `json:"passed"`
	Rank      Rank               `json:"rank"`
}

// Hard reports whether a hard gate failed.
func (r Result) Hard() bool {
	return failure.HasKind(r.Codes, failure.KindHard)
}

// Primary returns the first reason code, or "" when the frame passed.
func (r Result) Primary() failure.Code {
	if len(r.Codes) == 0 {
		return ""
	}
	return r.Codes[0]
}

// Input bundles a normalized frame with its references.
type Input struct {
	Frame normalize.Frame
	// Anchor is the identity reference at target size.
	Anchor *image.NRGBA
	// Previous is the last approved frame, if any.
	Previous *image.NRGBA
	MoveType string
	Target   align.Target
}

// Auditor evaluates frames against configured thresholds.
type Auditor struct {
	cfg          config.Auditor
	canvas       config.Canvas
	alignment    config.Alignment
	chromaKeying bool
	palette      *palette.Matcher
	logger       *slog.Logger

	softEvaluations atomic.Int64
}

// New builds an auditor. pal may be nil until UsePalette is called; palette
// fidelity then always passes.
func New(cfg *config.Config, pal *palette.Matcher, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		cfg:          cfg.Auditor,
		canvas:       cfg.Canvas,
		alignment:    cfg.Alignment,
		chromaKeying: cfg.Transparency.Strategy == config.TransparencyChromaKey,
		palette:      pal,
		logger:       logger,
	}
}

// UsePalette replaces the palette fidelity is measured against. It must not be
// called while Audit is running.
func (a *Auditor) UsePalette(pal *palette.Matcher) {
	a.palette = pal
}

// SoftEvaluations reports how many times soft metrics have been computed.
func (a *Auditor) SoftEvaluations() int64 {
	return a.softEvaluations.Load()
}

// Audit runs hard gates, then soft metrics when every gate passes.
func (a *Auditor) Audit(in Input) Result {
	if code, failed := a.hardGate(in.Frame); failed {
		return Result{
			Codes:  []failure.Code{code},
			Scores: map[Metric]float64{},
			Rank:   RankBronze,
		}
	}
	return a.soft(in)
}

func (a *Auditor) hardGate(f normalize.Frame) (failure.Code, bool) {
	t := a.cfg.Thresholds
	switch {
	case !f.Decoded():
		return failure.CodeCorrupt, true
	case !f.SizeOK:
		return failure.CodeDimensionMismatch, true
	case sprite.FullyTransparent(f.Image):
		return failure.CodeFullyTransparent, true
	case !a.channelsOK(f):
		return failure.CodeNoAlpha, true
	case int64(len(f.Raw)) < t.MinBytes || int64(len(f.Raw)) > t.MaxBytes:
		return failure.CodeByteSize, true
	}
	return "", false
}

// channelsOK requires 8-bit RGBA. RGB streams are accepted only when chroma
// keying supplies the alpha channel.
func (a *Auditor) channelsOK(f normalize.Frame) bool {
	if f.HeaderErr != nil {
		return false
	}
	if f.Header.RGBA8() {
		return true
	}
	return a.chromaKeying && f.ChromaKeyed && f.Header.ColorType == sprite.ColorTypeRGB && f.Header.BitDepth == 8
}

func (a *Auditor) soft(in Input) Result {
	a.softEvaluations.Add(1)
	t := a.cfg.Thresholds
	img := in.Frame.Image
	res := Result{Scores: map[Metric]float64{}}

	identity := 1.0
	if in.Anchor != nil {
		identity = clamp01(SSIM(img, in.Anchor))
	}
	res.Scores[MetricIdentity] = identity
	if identity < t.IdentityMin {
		res.Codes = append(res.Codes, failure.CodeIdentityDrift)
	}

	fidelity := 1.0
	if a.palette != nil {
		fidelity = a.palette.Fidelity(img)
	}
	res.Scores[MetricPalette] = fidelity
	if fidelity < t.PaletteMin {
		res.Codes = append(res.Codes, failure.CodePaletteDrift)
	}

	halo := HaloFraction(img)
	res.Scores[MetricHalo] = halo
	if halo > t.AlphaArtifactMax {
		res.Codes = append(res.Codes, failure.CodeHaloDetected)
	}

	residual := a.residual(in.Frame.Alignment, in.Target)
	res.Scores[MetricResidual] = residual
	al := in.Frame.Alignment
	switch {
	case al.Clamped || residual > float64(a.alignment.MaxShiftX)*a.canvas.Scale():
		res.Codes = append(res.Codes, failure.CodeSafetyValve)
		logging.LogSafetyValve(a.logger, in.Frame.FrameIndex, al.RequestedShiftX, al.ShiftX, residual)
	case residual > t.BaselineDriftMax:
		res.Codes = append(res.Codes, failure.CodeBaselineDrift)
	}

	orphans := OrphanCount(img)
	res.Scores[MetricOrphans] = float64(orphans)
	switch {
	case orphans > t.OrphanMax:
		res.Codes = append(res.Codes, failure.CodeOrphanNoise)
	case orphans > t.OrphanWarn:
		res.Warnings = append(res.Warnings, failure.CodeOrphanNoiseWarn)
	}

	if in.Previous != nil {
		if limit, ok := a.cfg.MAPDThreshold(in.MoveType); ok {
			mapd := MAPD(img, in.Previous)
			res.Scores[MetricMAPD] = mapd
			if mapd > limit {
				res.Codes = append(res.Codes, failure.CodeTemporalFlicker)
			}
		}
	}

	stability := math.Exp(-1.5 * residual)
	style := 1 - 0.5*math.Min(1, ratio(halo, t.AlphaArtifactMax)) -
		0.5*math.Min(1, float64(orphans)/float64(t.OrphanMax+1))
	res.Scores[MetricStability] = stability
	res.Scores[MetricStyle] = style

	w := a.cfg.Weights
	res.Composite = w.Identity*identity +
		w.Stability*stability +
		w.Palette*math.Max(0, 1-3*(1-fidelity)) +
		w.Style*style
	if res.Composite < t.CompositeMin {
		res.Codes = append(res.Codes, failure.CodeCompositeLow)
	}

	res.Passed = len(res.Codes) == 0
	res.Rank = RankFor(res.Composite)
	return res
}

// residual is the post-alignment contact patch error in target pixels. The
// vertical term only counts when the vertical lock is on, and nothing is
// measured when alignment is disabled or the frame has no solid pixels.
func (a *Auditor) residual(r align.Result, target align.Target) float64 {
	if a.alignment.Method == config.AlignNone || r.After.Empty || r.Empty {
		return 0
	}
	d := math.Abs(r.After.RootX - target.RootX)
	if a.alignment.VerticalLock {
		d = math.Max(d, math.Abs(float64(r.After.BottomY-target.BaselineY)))
	}
	return d * a.canvas.Scale()
}

// RankFor maps a composite score to its band.
func RankFor(composite float64) Rank {
	switch pct := composite * 100; {
	case pct >= 92:
		return RankDiamond
	case pct >= 80:
		return RankGold
	case pct >= 65:
		return RankSilver
	default:
		return RankBronze
	}
}

func ratio(v, limit float64) float64 {
	if limit <= 0 {
		if v > 0 {
			return 1
		}
		return 0
	}
	return v / limit
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
