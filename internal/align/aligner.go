package align

import (
	"image"
	"math"

	"spritegate/internal/config"
	"spritegate/internal/sprite"
)

// Result records the translation applied to a frame.
type Result struct {
	ShiftX int `json:"shift_x"`
	ShiftY int `json:"shift_y"`
	// RequestedShiftX is the horizontal shift before clamping.
	RequestedShiftX int      `json:"requested_shift_x"`
	Clamped         bool     `json:"clamped"`
	Empty           bool     `json:"empty,omitempty"`
	Method          string   `json:"method"`
	Before          Geometry `json:"before"`
	After           Geometry `json:"after"`
}

// Align shifts img so its contact patch matches target. The output has the same
// dimensions as img and is produced by integer translation only.
func Align(img *image.NRGBA, target Target, cfg config.Alignment) (*image.NRGBA, Result, error) {
	res := Result{Method: cfg.Method}
	before, err := Measure(img, cfg.Method, cfg.RootZoneRatio)
	if err != nil {
		return img, res, err
	}
	res.Before, res.After = before, before
	if before.Empty {
		res.Empty = true
		return img, res, nil
	}
	if cfg.Method == config.AlignNone {
		return img, res, nil
	}

	if cfg.VerticalLock {
		res.ShiftY = target.BaselineY - before.BottomY
	}
	res.RequestedShiftX = int(math.Round(target.RootX - before.RootX))
	res.ShiftX = res.RequestedShiftX
	if res.ShiftX > cfg.MaxShiftX {
		res.ShiftX = cfg.MaxShiftX
		res.Clamped = true
	} else if res.ShiftX < -cfg.MaxShiftX {
		res.ShiftX = -cfg.MaxShiftX
		res.Clamped = true
	}

	if res.ShiftX == 0 && res.ShiftY == 0 {
		return img, res, nil
	}
	out := sprite.Translate(img, res.ShiftX, res.ShiftY)
	after, err := Measure(out, cfg.Method, cfg.RootZoneRatio)
	if err != nil {
		return out, res, err
	}
	res.After = after
	return out, res, nil
}
