// Package palette matches sprite colours against an allowed colour set using
// CIE76 Delta-E in Lab space, or plain RGB distance.
package palette

import (
	"image"
	"image/color"
	"math"
	"sort"

	"github.com/lucasb-eyer/go-colorful"

	"spritegate/internal/config"
	"spritegate/internal/sprite"
)

// MaxExtracted caps the palette derived from an image.
const MaxExtracted = 256

// Matcher finds the nearest allowed colour.
type Matcher struct {
	colors    []color.NRGBA
	lab       []colorful.Color
	metric    string
	threshold float64
}

// New builds a matcher. metric is config.PaletteDeltaE or config.PaletteRGB;
// threshold is in that metric's units (Delta-E on the 0–100 L scale, or RGB
// euclidean distance on 0–255 channels).
func New(colors []color.NRGBA, metric string, threshold float64) *Matcher {
	m := &Matcher{
		colors:    append([]color.NRGBA(nil), colors...),
		metric:    metric,
		threshold: threshold,
	}
	m.lab = make([]colorful.Color, len(colors))
	for i, c := range colors {
		m.lab[i] = toColorful(c)
	}
	return m
}

// Colors returns the allowed colours.
func (m *Matcher) Colors() []color.NRGBA {
	return m.colors
}

// Nearest returns the closest allowed colour (with c's alpha) and its distance.
func (m *Matcher) Nearest(c color.NRGBA) (color.NRGBA, float64) {
	if len(m.colors) == 0 {
		return c, 0
	}
	best, bestDist := 0, math.Inf(1)
	cf := toColorful(c)
	for i, p := range m.colors {
		var d float64
		if m.metric == config.PaletteRGB {
			d = rgbDistance(c, p)
		} else {
			d = cf.DistanceCIE76(m.lab[i]) * 100
		}
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	out := m.colors[best]
	out.A = c.A
	return out, bestDist
}

// Within reports whether c is within the threshold of an allowed colour.
func (m *Matcher) Within(c color.NRGBA) bool {
	_, d := m.Nearest(c)
	return d <= m.threshold
}

// Fidelity is the fraction of opaque pixels within the threshold of the
// palette. An image without opaque pixels, or an empty palette, scores 1.
func (m *Matcher) Fidelity(img *image.NRGBA) float64 {
	if len(m.colors) == 0 {
		return 1
	}
	memo := map[color.NRGBA]bool{}
	var total, hits int
	w, h := img.Rect.Dx(), img.Rect.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := sprite.At(img, x, y)
			if c.A <= sprite.OpaqueThreshold {
				continue
			}
			key := color.NRGBA{R: c.R, G: c.G, B: c.B, A: 255}
			ok, seen := memo[key]
			if !seen {
				ok = m.Within(key)
				memo[key] = ok
			}
			total++
			if ok {
				hits++
			}
		}
	}
	if total == 0 {
		return 1
	}
	return float64(hits) / float64(total)
}

// Extract returns the distinct opaque colours of img ordered by frequency,
// capped at max entries.
func Extract(img *image.NRGBA, max int) []color.NRGBA {
	counts := map[color.NRGBA]int{}
	w, h := img.Rect.Dx(), img.Rect.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := sprite.At(img, x, y)
			if c.A <= sprite.OpaqueThreshold {
				continue
			}
			c.A = 255
			counts[c]++
		}
	}
	out := make([]color.NRGBA, 0, len(counts))
	for c := range counts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := counts[out[i]], counts[out[j]]
		if ci != cj {
			return ci > cj
		}
		return packed(out[i]) < packed(out[j])
	})
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

func toColorful(c color.NRGBA) colorful.Color {
	return colorful.Color{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}
}

func rgbDistance(a, b color.NRGBA) float64 {
	dr := float64(a.R) - float64(b.R)
	dg := float64(a.G) - float64(b.G)
	db := float64(a.B) - float64(b.B)
	return math.Sqrt(dr*dr + dg*dg + db*db)
}

func packed(c color.NRGBA) uint32 {
	return uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
}
