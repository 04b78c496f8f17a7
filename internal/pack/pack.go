// Package pack assembles approved frames into a sprite atlas and checks the
// atlas against structural assertions before release.
package pack

import (
	"context"
	"fmt"
	"image"
)

// Rect is a frame's placement in the atlas.
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// FrameImage is an approved frame ready for packing.
type FrameImage struct {
	Name  string
	Image *image.NRGBA
}

// FrameName is the atlas key for frame i of move.
func FrameName(move string, i int) string {
	return fmt.Sprintf("%s_%04d", move, i)
}

// Request asks for one move to be packed.
type Request struct {
	Move   string
	Frames []FrameImage
	OutDir string
}

// Atlas describes a packed sheet and its index.
type Atlas struct {
	Move      string          `json:"move"`
	ImagePath string          `json:"image"`
	IndexPath string          `json:"-"`
	Width     int             `json:"width"`
	Height    int             `json:"height"`
	Frames    map[string]Rect `json:"frames"`
	// Order lists frame names in playback order.
	Order []string `json:"order"`
}

// Packer builds an atlas.
type Packer interface {
	Pack(ctx context.Context, req Request) (Atlas, error)
}

// Check is one validator assertion.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Report is the validator's verdict.
type Report struct {
	Passed bool    `json:"passed"`
	Checks []Check `json:"checks"`
}

// Validator checks a packed atlas.
type Validator interface {
	Validate(ctx context.Context, atlas Atlas, frames []FrameImage) (Report, error)
}

// Layout places n cells of w×h on a grid with the given column count and
// padding between and around cells. It returns the rects and sheet size.
func Layout(n, columns, w, h, padding int) ([]Rect, int, int) {
	if n <= 0 {
		return nil, 0, 0
	}
	if columns <= 0 || columns > n {
		columns = n
	}
	rows := (n + columns - 1) / columns
	rects := make([]Rect, n)
	for i := range rects {
		col, row := i%columns, i/columns
		rects[i] = Rect{
			X: padding + col*(w+padding),
			Y: padding + row*(h+padding),
			W: w,
			H: h,
		}
	}
	width := padding + columns*(w+padding)
	height := padding + rows*(h+padding)
	return rects, width, height
}
