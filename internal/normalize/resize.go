package normalize

import (
	"image"

	"spritegate/internal/sprite"
)

// Resize scales img to w×h with nearest-neighbour sampling at pixel centres.
// No smoothing kernel is ever applied, so every output pixel is an exact copy
// of one source pixel.
func Resize(img *image.NRGBA, w, h int) *image.NRGBA {
	sw, sh := img.Rect.Dx(), img.Rect.Dy()
	if sw == w && sh == h {
		return sprite.Clone(img)
	}
	out := sprite.Blank(w, h)
	if sw == 0 || sh == 0 {
		return out
	}
	xs := make([]int, w)
	for dx := range xs {
		xs[dx] = (2*dx + 1) * sw / (2 * w)
	}
	for dy := 0; dy < h; dy++ {
		sy := (2*dy + 1) * sh / (2 * h)
		srow := img.Pix[sy*img.Stride:]
		drow := out.Pix[dy*out.Stride:]
		for dx, sx := range xs {
			copy(drow[dx*4:dx*4+4], srow[sx*4:sx*4+4])
		}
	}
	return out
}
