// Package sprite holds the RGBA buffer helpers shared by alignment, normalization
// and auditing. Buffers are always *image.NRGBA anchored at the origin, so alpha
// and colour channels can be compared without premultiplication.
package sprite

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"

	"spritegate/internal/fsutil"
)

// OpaqueThreshold is the alpha value a pixel must exceed to count as solid
// for geometry measurements.
const OpaqueThreshold = 128

// PNG colour types from the IHDR chunk.
const (
	ColorTypeGray      = 0
	ColorTypeRGB       = 2
	ColorTypePalette   = 3
	ColorTypeGrayAlpha = 4
	ColorTypeRGBA      = 6
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// ErrNotPNG is returned when a buffer lacks a PNG signature or IHDR chunk.
var ErrNotPNG = errors.New("not a png stream")

// Header describes the IHDR facts of an encoded frame.
type Header struct {
	Width     int
	Height    int
	BitDepth  uint8
	ColorType uint8
}

// RGBA8 reports whether the stream stores 8-bit RGBA samples.
func (h Header) RGBA8() bool {
	return h.ColorType == ColorTypeRGBA && h.BitDepth == 8
}

// ReadHeader parses the IHDR chunk without decoding pixel data.
func ReadHeader(data []byte) (Header, error) {
	if len(data) < 26 || !bytes.Equal(data[:8], pngSignature) || string(data[12:16]) != "IHDR" {
		return Header{}, ErrNotPNG
	}
	return Header{
		Width:     int(binary.BigEndian.Uint32(data[16:20])),
		Height:    int(binary.BigEndian.Uint32(data[20:24])),
		BitDepth:  data[24],
		ColorType: data[25],
	}, nil
}

// Decode reads a PNG stream into an origin-anchored NRGBA buffer.
func Decode(data []byte) (*image.NRGBA, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode png: %w", err)
	}
	return ToNRGBA(img), nil
}

// Encode writes img as a PNG stream.
func Encode(img *image.NRGBA) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Load reads and decodes a PNG file, returning both the buffer and the raw bytes.
func Load(path string) (*image.NRGBA, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	img, err := Decode(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, data, nil
}

// Save encodes img and writes it atomically.
func Save(path string, img *image.NRGBA) error {
	data, err := Encode(img)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}

// ToNRGBA converts any image into an NRGBA buffer whose bounds start at (0,0).
func ToNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	if n, ok := img.(*image.NRGBA); ok && b.Min == (image.Point{}) {
		return n
	}
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// Blank returns a fully transparent w×h buffer.
func Blank(w, h int) *image.NRGBA {
	return image.NewNRGBA(image.Rect(0, 0, w, h))
}

// Clone returns a deep copy of img.
func Clone(img *image.NRGBA) *image.NRGBA {
	out := &image.NRGBA{
		Pix:    make([]uint8, len(img.Pix)),
		Stride: img.Stride,
		Rect:   img.Rect,
	}
	copy(out.Pix, img.Pix)
	return out
}

// Equal reports whether two buffers have identical bounds and pixels.
func Equal(a, b *image.NRGBA) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Rect != b.Rect {
		return false
	}
	w := a.Rect.Dx() * 4
	for y := 0; y < a.Rect.Dy(); y++ {
		ra := a.Pix[y*a.Stride : y*a.Stride+w]
		rb := b.Pix[y*b.Stride : y*b.Stride+w]
		if !bytes.Equal(ra, rb) {
			return false
		}
	}
	return true
}

// At returns the NRGBA value at (x, y) relative to the buffer origin.
func At(img *image.NRGBA, x, y int) color.NRGBA {
	i := y*img.Stride + x*4
	p := img.Pix[i : i+4 : i+4]
	return color.NRGBA{R: p[0], G: p[1], B: p[2], A: p[3]}
}

// Set writes c at (x, y) relative to the buffer origin.
func Set(img *image.NRGBA, x, y int, c color.NRGBA) {
	i := y*img.Stride + x*4
	p := img.Pix[i : i+4 : i+4]
	p[0], p[1], p[2], p[3] = c.R, c.G, c.B, c.A
}

// Alpha returns the alpha value at (x, y).
func Alpha(img *image.NRGBA, x, y int) uint8 {
	return img.Pix[y*img.Stride+x*4+3]
}

// FullyTransparent reports whether every pixel has zero alpha.
func FullyTransparent(img *image.NRGBA) bool {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for i := 3; i < len(row); i += 4 {
			if row[i] != 0 {
				return false
			}
		}
	}
	return true
}

// Translate returns a same-sized copy of img shifted by (dx, dy). Pixels moved
// outside the canvas are dropped and uncovered pixels are fully transparent.
func Translate(img *image.NRGBA, dx, dy int) *image.NRGBA {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := Blank(w, h)
	for y := 0; y < h; y++ {
		ty := y + dy
		if ty < 0 || ty >= h {
			continue
		}
		x0, x1 := 0, w
		if dx > 0 {
			x1 = w - dx
		} else {
			x0 = -dx
		}
		if x0 >= x1 {
			continue
		}
		src := img.Pix[y*img.Stride+x0*4 : y*img.Stride+x1*4]
		dst := out.Pix[ty*out.Stride+(x0+dx)*4:]
		copy(dst, src)
	}
	return out
}

// Orphan reports whether the interior pixel at (x, y) is non-transparent and
// none of its four orthogonal neighbours carries the exact same RGBA value.
// Border pixels are never orphans.
func Orphan(img *image.NRGBA, x, y int) bool {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if x < 1 || y < 1 || x >= w-1 || y >= h-1 {
		return false
	}
	c := At(img, x, y)
	if c.A == 0 {
		return false
	}
	return At(img, x, y-1) != c && At(img, x-1, y) != c &&
		At(img, x+1, y) != c && At(img, x, y+1) != c
}
