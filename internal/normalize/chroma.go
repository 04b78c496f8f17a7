package normalize

import (
	"image"
	"image/color"

	"spritegate/internal/sprite"
)

// ChromaKey returns a copy of img where every pixel within tolerance (euclidean
// RGB distance) of key is replaced by full transparency.
func ChromaKey(img *image.NRGBA, key color.NRGBA, tolerance float64) *image.NRGBA {
	out := sprite.Clone(img)
	limit := tolerance * tolerance
	w, h := out.Rect.Dx(), out.Rect.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := sprite.At(out, x, y)
			dr := float64(c.R) - float64(key.R)
			dg := float64(c.G) - float64(key.G)
			db := float64(c.B) - float64(key.B)
			if dr*dr+dg*dg+db*db <= limit {
				sprite.Set(out, x, y, color.NRGBA{})
			}
		}
	}
	return out
}
