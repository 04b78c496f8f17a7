package runner

import (
	"sort"
	"time"

	"spritegate/internal/failure"
	"spritegate/internal/retry"
)

// DiagnosticFile is written into the run directory when a run stops or
// finishes with rejected frames.
const DiagnosticFile = "diagnostic.json"

var hints = map[failure.Code]string{
	failure.CodeCorrupt:              "Check the generator's output encoding; the PNG stream did not decode",
	failure.CodeDimensionMismatch:    "Re-generate with locked canvas size",
	failure.CodeNoAlpha:              "Explicit transparent prompt + matte extraction, or switch to chroma_key",
	failure.CodeByteSize:             "Inspect generator output; file size is outside the configured bounds",
	failure.CodeFullyTransparent:     "Raise chroma tolerance carefully or check the background prompt",
	failure.CodeIdentityDrift:        "Strengthen anchor reference or lower temperature",
	failure.CodePaletteDrift:         "Lock the palette in the prompt or widen palette_delta_e",
	failure.CodeOrphanNoise:          "Lower sampler noise or rely on post-process cleanup",
	failure.CodeTemporalFlicker:      "Feed the previous frame as reference and reduce seed variance",
	failure.CodeHaloDetected:         "Explicit transparent prompt + matte extraction",
	failure.CodeBaselineDrift:        "Enforce consistent pivot in generation",
	failure.CodeSafetyValve:          "Pose drifted beyond max_shift_x; re-anchor the pose prompt",
	failure.CodeCompositeLow:         "Increase reference strength, face/hand inpaint",
	failure.CodeGeneratorFailFast:    "Fix the generator request; the backend rejected it outright",
	failure.CodeGeneratorTransient:   "Generator unreachable or timing out; check the backend",
	failure.CodeGeneratorRateLimited: "Generator quota exhausted; raise max_rate_limit_waits or slow down",
}

// Hint returns the root-cause suggestion for a reason code.
func Hint(c failure.Code) string {
	if h, ok := hints[c]; ok {
		return h
	}
	return "Inspect the attempt history for this code"
}

// CodeTally is a reason code with its frequency across the run.
type CodeTally struct {
	Code        failure.Code `json:"code"`
	Count       int          `json:"count"`
	Description string       `json:"description"`
}

// AttemptSummary is the diagnostic view of one attempt.
type AttemptSummary struct {
	Index     int            `json:"index"`
	Strategy  retry.Action   `json:"strategy"`
	Codes     []failure.Code `json:"codes,omitempty"`
	Composite float64        `json:"composite"`
	Action    retry.Action   `json:"action,omitempty"`
}

// FrameTally summarizes a frame for the diagnostic.
type FrameTally struct {
	Index    int              `json:"index"`
	Status   FrameStatus      `json:"status"`
	Verdict  retry.Verdict    `json:"verdict,omitempty"`
	Attempts int              `json:"attempts"`
	History  []AttemptSummary `json:"history,omitempty"`
}

// Diagnostic explains how a run ended.
type Diagnostic struct {
	RunID       string       `json:"run_id"`
	Move        string       `json:"move"`
	Status      RunStatus    `json:"status"`
	StopReason  string       `json:"stop_reason,omitempty"`
	Counters    Counters     `json:"counters"`
	StopWindow  StopWindow   `json:"stop_window"`
	TopCodes    []CodeTally  `json:"top_codes"`
	Hint        string       `json:"hint,omitempty"`
	Frames      []FrameTally `json:"frames"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// BuildDiagnostic tallies reason codes over every attempt of st.
func BuildDiagnostic(st *RunState, now time.Time) Diagnostic {
	d := Diagnostic{
		RunID:       st.RunID,
		Move:        st.Move,
		Status:      st.Status,
		StopReason:  st.StopReason,
		Counters:    st.Counters,
		StopWindow:  st.Window,
		GeneratedAt: now,
	}
	counts := map[failure.Code]int{}
	for _, f := range st.Frames {
		tally := FrameTally{Index: f.Index, Status: f.Status, Verdict: f.Verdict, Attempts: len(f.Attempts)}
		for _, a := range f.Attempts {
			s := AttemptSummary{Index: a.Index, Strategy: a.Strategy, Codes: a.Codes, Composite: a.Composite}
			if a.Decision != nil {
				s.Action = a.Decision.Action
			}
			tally.History = append(tally.History, s)
			for _, c := range a.Codes {
				counts[c]++
			}
		}
		d.Frames = append(d.Frames, tally)
	}

	for c, n := range counts {
		d.TopCodes = append(d.TopCodes, CodeTally{Code: c, Count: n, Description: c.Description()})
	}
	sort.Slice(d.TopCodes, func(i, j int) bool {
		if d.TopCodes[i].Count != d.TopCodes[j].Count {
			return d.TopCodes[i].Count > d.TopCodes[j].Count
		}
		return d.TopCodes[i].Code < d.TopCodes[j].Code
	})
	if len(d.TopCodes) > 5 {
		d.TopCodes = d.TopCodes[:5]
	}
	if len(d.TopCodes) > 0 {
		d.Hint = Hint(d.TopCodes[0].Code)
	}
	return d
}
