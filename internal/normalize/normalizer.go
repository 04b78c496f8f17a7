// Package normalize turns raw generator output into a target-resolution frame:
// optional chroma keying, contact patch alignment, then nearest-neighbour
// downsampling.
package normalize

import (
	"fmt"
	"image"
	"image/color"

	"github.com/lucasb-eyer/go-colorful"

	"spritegate/internal/align"
	"spritegate/internal/config"
	"spritegate/internal/sprite"
)

// Candidate is one raw generator output awaiting normalization.
type Candidate struct {
	FrameIndex   int
	AttemptIndex int
	Data         []byte
	Seed         uint64
	PromptHash   string
}

// Frame is a normalized candidate. Image is nil when the raw bytes could not
// be decoded; DecodeErr then holds the reason.
type Frame struct {
	FrameIndex   int
	AttemptIndex int
	Image        *image.NRGBA
	Raw          []byte
	Header       sprite.Header
	HeaderErr    error
	DecodeErr    error
	Alignment    align.Result
	ChromaKeyed  bool
	// SizeOK is true when the final buffer is exactly targetSize square.
	SizeOK bool
}

// Decoded reports whether pixel data is available.
func (f Frame) Decoded() bool {
	return f.Image != nil && f.DecodeErr == nil
}

// Normalizer applies the configured transparency, alignment and canvas rules.
type Normalizer struct {
	alignment    config.Alignment
	canvas       config.Canvas
	transparency config.Transparency
	key          color.NRGBA
}

// New builds a normalizer from resolved configuration.
func New(cfg *config.Config) (*Normalizer, error) {
	n := &Normalizer{
		alignment:    cfg.Alignment,
		canvas:       cfg.Canvas,
		transparency: cfg.Transparency,
	}
	if cfg.Transparency.Strategy == config.TransparencyChromaKey {
		c, err := colorful.Hex(cfg.Transparency.ChromaColor)
		if err != nil {
			return nil, fmt.Errorf("chroma color: %w", err)
		}
		r, g, b := c.RGB255()
		n.key = color.NRGBA{R: r, G: g, B: b, A: 255}
	}
	return n, nil
}

// ChromaKeying reports whether backgrounds are removed by colour key.
func (n *Normalizer) ChromaKeying() bool {
	return n.transparency.Strategy == config.TransparencyChromaKey
}

// Normalize decodes and normalizes c against target. Undecodable input is not
// an error: the returned Frame records it so the auditor can fail the frame.
func (n *Normalizer) Normalize(c Candidate, target align.Target) (Frame, error) {
	f := Frame{FrameIndex: c.FrameIndex, AttemptIndex: c.AttemptIndex, Raw: c.Data}
	f.Header, f.HeaderErr = sprite.ReadHeader(c.Data)

	img, err := sprite.Decode(c.Data)
	if err != nil {
		f.DecodeErr = err
		return f, nil
	}

	if n.ChromaKeying() {
		img = ChromaKey(img, n.key, n.transparency.Tolerance)
		f.ChromaKeyed = true
	}

	aligned, res, err := align.Align(img, target, n.alignment)
	if err != nil {
		return f, fmt.Errorf("align frame %d attempt %d: %w", c.FrameIndex, c.AttemptIndex, err)
	}
	f.Alignment = res

	f.Image = n.fit(aligned)
	f.SizeOK = f.Image.Rect.Dx() == n.canvas.TargetSize && f.Image.Rect.Dy() == n.canvas.TargetSize
	return f, nil
}

// fit downsamples a generation-size buffer to the target canvas. Other sizes
// pass through untouched so the dimension gate can reject them.
func (n *Normalizer) fit(img *image.NRGBA) *image.NRGBA {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if w == n.canvas.GenerationSize && h == n.canvas.GenerationSize && w != n.canvas.TargetSize {
		return Resize(img, n.canvas.TargetSize, n.canvas.TargetSize)
	}
	return img
}

// PrepareAnchor brings the anchor to target resolution for identity scoring.
func (n *Normalizer) PrepareAnchor(anchor *image.NRGBA) *image.NRGBA {
	w, h := anchor.Rect.Dx(), anchor.Rect.Dy()
	if w == n.canvas.TargetSize && h == n.canvas.TargetSize {
		return anchor
	}
	return Resize(anchor, n.canvas.TargetSize, n.canvas.TargetSize)
}
