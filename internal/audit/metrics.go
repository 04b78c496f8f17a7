package audit

import (
	"image"
	"math"

	"spritegate/internal/sprite"
)

const (
	ssimWindow = 11
	ssimSigma  = 1.5
	ssimK1     = 0.01
	ssimK2     = 0.03
	ssimRange  = 255.0
)

// SSIM is the mean structural similarity of two equally sized buffers using an
// 11×11 Gaussian window (σ=1.5) over alpha-weighted BT.601 luma. Buffers
// smaller than the window use a window of their smaller side. Mismatched sizes
// score 0.
func SSIM(a, b *image.NRGBA) float64 {
	if a.Rect.Dx() != b.Rect.Dx() || a.Rect.Dy() != b.Rect.Dy() {
		return 0
	}
	w, h := a.Rect.Dx(), a.Rect.Dy()
	win := min(ssimWindow, w, h)
	if win < 1 {
		return 1
	}
	kernel := gaussianKernel(win, ssimSigma)

	x, y := luma(a), luma(b)
	n := w * h
	xx, yy, xy := make([]float64, n), make([]float64, n), make([]float64, n)
	for i := range x {
		xx[i] = x[i] * x[i]
		yy[i] = y[i] * y[i]
		xy[i] = x[i] * y[i]
	}

	mx := filterValid(x, w, h, kernel)
	my := filterValid(y, w, h, kernel)
	sxx := filterValid(xx, w, h, kernel)
	syy := filterValid(yy, w, h, kernel)
	sxy := filterValid(xy, w, h, kernel)

	c1 := (ssimK1 * ssimRange) * (ssimK1 * ssimRange)
	c2 := (ssimK2 * ssimRange) * (ssimK2 * ssimRange)
	var sum float64
	for i := range mx {
		ux, uy := mx[i], my[i]
		vx := sxx[i] - ux*ux
		vy := syy[i] - uy*uy
		cov := sxy[i] - ux*uy
		sum += ((2*ux*uy + c1) * (2*cov + c2)) / ((ux*ux + uy*uy + c1) * (vx + vy + c2))
	}
	return sum / float64(len(mx))
}

func luma(img *image.NRGBA) []float64 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := sprite.At(img, x, y)
			l := 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)
			out[y*w+x] = l * float64(c.A) / 255
		}
	}
	return out
}

func gaussianKernel(size int, sigma float64) []float64 {
	k := make([]float64, size)
	center := float64(size-1) / 2
	var sum float64
	for i := range k {
		d := float64(i) - center
		k[i] = math.Exp(-(d * d) / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// filterValid applies the separable kernel and keeps only positions where the
// whole window lies inside the buffer.
func filterValid(src []float64, w, h int, k []float64) []float64 {
	n := len(k)
	ow, oh := w-n+1, h-n+1
	rows := make([]float64, ow*h)
	for y := 0; y < h; y++ {
		for x := 0; x < ow; x++ {
			var s float64
			for i, kv := range k {
				s += src[y*w+x+i] * kv
			}
			rows[y*ow+x] = s
		}
	}
	out := make([]float64, ow*oh)
	for y := 0; y < oh; y++ {
		for x := 0; x < ow; x++ {
			var s float64
			for i, kv := range k {
				s += rows[(y+i)*ow+x] * kv
			}
			out[y*ow+x] = s
		}
	}
	return out
}

// HaloFraction is the share of edge pixels (non-transparent with a fully
// transparent 4-neighbour) whose alpha is below 254. No edge pixels scores 0.
func HaloFraction(img *image.NRGBA) float64 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	var edges, soft int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			a := sprite.Alpha(img, x, y)
			if a == 0 || !touchesTransparent(img, x, y) {
				continue
			}
			edges++
			if a < 254 {
				soft++
			}
		}
	}
	if edges == 0 {
		return 0
	}
	return float64(soft) / float64(edges)
}

func touchesTransparent(img *image.NRGBA, x, y int) bool {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	for _, d := range [4][2]int{{0, -1}, {-1, 0}, {1, 0}, {0, 1}} {
		nx, ny := x+d[0], y+d[1]
		if nx < 0 || ny < 0 || nx >= w || ny >= h {
			continue
		}
		if sprite.Alpha(img, nx, ny) == 0 {
			return true
		}
	}
	return false
}

// OrphanCount counts isolated interior pixels.
func OrphanCount(img *image.NRGBA) int {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	n := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			if sprite.Orphan(img, x, y) {
				n++
			}
		}
	}
	return n
}

// MAPD is the mean absolute RGBA difference, normalised to [0, 1], over pixels
// that are non-transparent in both buffers. An empty intersection or a size
// mismatch scores 1.
func MAPD(a, b *image.NRGBA) float64 {
	if a.Rect.Dx() != b.Rect.Dx() || a.Rect.Dy() != b.Rect.Dy() {
		return 1
	}
	w, h := a.Rect.Dx(), a.Rect.Dy()
	var sum float64
	var n int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			ca, cb := sprite.At(a, x, y), sprite.At(b, x, y)
			if ca.A == 0 || cb.A == 0 {
				continue
			}
			sum += absDiff(ca.R, cb.R) + absDiff(ca.G, cb.G) + absDiff(ca.B, cb.B) + absDiff(ca.A, cb.A)
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return sum / float64(n*4) / 255
}

func absDiff(a, b uint8) float64 {
	if a > b {
		return float64(a - b)
	}
	return float64(b - a)
}
