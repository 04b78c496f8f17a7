// Package align measures sprite ground-contact geometry and shifts generated
// frames so their contact patch lands on the anchor's.
package align

import (
	"errors"
	"image"
	"math"
	"sync"

	"spritegate/internal/config"
	"spritegate/internal/sprite"
)

var (
	// ErrAnchorTransparent means the anchor has no pixel above the opacity threshold.
	ErrAnchorTransparent = errors.New("anchor fully transparent")
	// ErrEmptyRootZone means the root zone rows hold no opaque pixel.
	ErrEmptyRootZone = errors.New("empty root zone")
)

// Target is the spatial reference every frame of a run is aligned to.
type Target struct {
	BaselineY int     `json:"baseline_y"`
	RootX     float64 `json:"root_x"`
}

// Geometry is the measured extent and root of a sprite.
type Geometry struct {
	TopY    int     `json:"top_y"`
	BottomY int     `json:"bottom_y"`
	MinX    int     `json:"min_x"`
	MaxX    int     `json:"max_x"`
	RootX   float64 `json:"root_x"`
	Empty   bool    `json:"empty,omitempty"`
}

// Measure finds the opaque bounding box of img and its root X. For the
// contact_patch and none methods the root is the mean X of opaque pixels in the
// bottom rootZoneRatio of the visible height; for center it is the bounding box
// midpoint. An image with no opaque pixel yields Empty geometry and no error.
func Measure(img *image.NRGBA, method string, rootZoneRatio float64) (Geometry, error) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	g := Geometry{TopY: -1, BottomY: -1, MinX: w, MaxX: -1}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if sprite.Alpha(img, x, y) <= sprite.OpaqueThreshold {
				continue
			}
			if g.TopY < 0 {
				g.TopY = y
			}
			g.BottomY = y
			if x < g.MinX {
				g.MinX = x
			}
			if x > g.MaxX {
				g.MaxX = x
			}
		}
	}
	if g.BottomY < 0 {
		return Geometry{Empty: true}, nil
	}

	if method == config.AlignCenter {
		g.RootX = float64(g.MinX+g.MaxX) / 2
		return g, nil
	}

	visible := g.BottomY - g.TopY
	zone := int(math.Floor(float64(visible) * rootZoneRatio))
	if zone < 1 {
		zone = 1
	}
	start := g.BottomY - zone
	if start < 0 {
		start = 0
	}
	var sum, n int
	for y := start; y <= g.BottomY; y++ {
		for x := 0; x < w; x++ {
			if sprite.Alpha(img, x, y) > sprite.OpaqueThreshold {
				sum += x
				n++
			}
		}
	}
	if n == 0 {
		return g, ErrEmptyRootZone
	}
	g.RootX = float64(sum) / float64(n)
	return g, nil
}

// Analyze derives the alignment target from the anchor image.
func Analyze(anchor *image.NRGBA, cfg config.Alignment) (Target, error) {
	g, err := Measure(anchor, cfg.Method, cfg.RootZoneRatio)
	if err != nil {
		return Target{}, err
	}
	if g.Empty {
		return Target{}, ErrAnchorTransparent
	}
	return Target{BaselineY: g.BottomY, RootX: g.RootX}, nil
}

// Reference computes the run's Target from the anchor at most once and serves
// the same value to every reader afterwards.
type Reference struct {
	anchor *image.NRGBA
	cfg    config.Alignment

	once     sync.Once
	target   Target
	err      error
	analyses int
}

// NewReference prepares a lazily analysed anchor.
func NewReference(anchor *image.NRGBA, cfg config.Alignment) *Reference {
	return &Reference{anchor: anchor, cfg: cfg}
}

// Target returns the memoized alignment target.
func (r *Reference) Target() (Target, error) {
	r.once.Do(func() {
		r.analyses++
		r.target, r.err = Analyze(r.anchor, r.cfg)
	})
	return r.target, r.err
}

// Analyses reports how many times the anchor was analysed.
func (r *Reference) Analyses() int {
	return r.analyses
}
