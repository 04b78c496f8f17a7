package normalize

import (
	"image"
	"image/color"

	"spritegate/internal/palette"
	"spritegate/internal/sprite"
)

// Cleanup applies the deterministic post-process used by the retry ladder
// before a re-audit: alpha hardening, palette snapping, then orphan removal.
// The input is not modified.
func Cleanup(img *image.NRGBA, pal *palette.Matcher) *image.NRGBA {
	out := sprite.Clone(img)
	w, h := out.Rect.Dx(), out.Rect.Dy()

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := sprite.At(out, x, y)
			if c.A < sprite.OpaqueThreshold {
				sprite.Set(out, x, y, color.NRGBA{})
				continue
			}
			c.A = 255
			if pal != nil {
				c, _ = pal.Nearest(c)
			}
			sprite.Set(out, x, y, c)
		}
	}

	snapshot := sprite.Clone(out)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			if sprite.Orphan(snapshot, x, y) {
				sprite.Set(out, x, y, dominantNeighbour(snapshot, x, y))
			}
		}
	}
	return out
}

// dominantNeighbour returns the most common non-transparent colour among the
// four neighbours, or transparent when all of them are empty. Ties keep the
// first colour in up, left, right, down order.
func dominantNeighbour(img *image.NRGBA, x, y int) color.NRGBA {
	neighbours := [4]color.NRGBA{
		sprite.At(img, x, y-1),
		sprite.At(img, x-1, y),
		sprite.At(img, x+1, y),
		sprite.At(img, x, y+1),
	}
	var best color.NRGBA
	bestCount := 0
	for i, c := range neighbours {
		if c.A == 0 {
			continue
		}
		n := 0
		for _, o := range neighbours[i:] {
			if o == c {
				n++
			}
		}
		if n > bestCount {
			best, bestCount = c, n
		}
	}
	return best
}
