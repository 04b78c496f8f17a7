package runner

import (
	"image"

	"spritegate/internal/align"
	"spritegate/internal/failure"
	"spritegate/internal/normalize"
)

// Inspection is the outcome of auditing one candidate outside a run.
type Inspection struct {
	Target  align.Target    `json:"target"`
	Attempt Attempt         `json:"attempt"`
	Frame   normalize.Frame `json:"-"`
}

// Inspect normalizes and audits data against the manifest's anchor without
// reading or writing run state. previous may be nil.
func (r *Runner) Inspect(data []byte, previous *image.NRGBA) (Inspection, error) {
	target, err := r.prepare()
	if err != nil {
		return Inspection{}, err
	}
	frame, err := r.normalizer.Normalize(normalize.Candidate{Data: data}, target)
	if err != nil {
		return Inspection{}, failure.System("normalize", err)
	}
	att := Attempt{Timestamp: r.now()}
	r.score(&att, frame, target, previous)
	return Inspection{Target: target, Attempt: att, Frame: frame}, nil
}
