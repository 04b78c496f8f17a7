package runner

import (
	"errors"
	"fmt"
	"time"

	"spritegate/internal/align"
	"spritegate/internal/audit"
	"spritegate/internal/failure"
	"spritegate/internal/pack"
	"spritegate/internal/retry"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunStopped    RunStatus = "stopped"
	RunFailed     RunStatus = "failed"
)

// FrameStatus is the position of a frame in its generate/audit cycle.
type FrameStatus string

const (
	FramePending       FrameStatus = "pending"
	FrameGenerating    FrameStatus = "generating"
	FrameNormalizing   FrameStatus = "normalizing"
	FrameAuditing      FrameStatus = "auditing"
	FrameRetryDeciding FrameStatus = "retry_deciding"
	FrameApproved      FrameStatus = "approved"
	FrameRejected      FrameStatus = "rejected"
)

// Terminal reports whether the frame is finished.
func (s FrameStatus) Terminal() bool {
	return s == FrameApproved || s == FrameRejected
}

// ErrInvalidTransition is returned when a frame would skip or reverse a step.
var ErrInvalidTransition = errors.New("invalid frame transition")

var transitions = map[FrameStatus][]FrameStatus{
	FramePending:       {FrameGenerating},
	FrameGenerating:    {FrameNormalizing, FrameRetryDeciding},
	FrameNormalizing:   {FrameAuditing},
	FrameAuditing:      {FrameRetryDeciding},
	FrameRetryDeciding: {FrameGenerating, FrameAuditing, FrameApproved, FrameRejected},
}

// Attempt is one generate (or post-process) and audit pass of a frame.
type Attempt struct {
	Index      int                      `json:"index"`
	Timestamp  time.Time                `json:"timestamp"`
	Strategy   retry.Action             `json:"strategy"`
	Seed       uint64                   `json:"seed,string"`
	PromptHash string                   `json:"prompt_hash"`
	Composite  float64                  `json:"composite"`
	Codes      []failure.Code           `json:"codes,omitempty"`
	Warnings   []failure.Code           `json:"warnings,omitempty"`
	Identity   float64                  `json:"identity"`
	Scores     map[audit.Metric]float64 `json:"scores,omitempty"`
	Rank       audit.Rank               `json:"rank,omitempty"`
	Alignment  *align.Result            `json:"alignment,omitempty"`
	Decision   *retry.Decision          `json:"decision,omitempty"`
	// Path is the normalized frame written for this attempt, if it decoded.
	Path string `json:"path,omitempty"`
}

// FrameState tracks one frame across attempts.
type FrameState struct {
	Index        int           `json:"index"`
	Status       FrameStatus   `json:"status"`
	Attempts     []Attempt     `json:"attempts,omitempty"`
	Verdict      retry.Verdict `json:"verdict,omitempty"`
	ApprovedPath string        `json:"approved_path,omitempty"`
	// Next is the pending ladder decision for a frame between attempts.
	Next *retry.Decision `json:"next,omitempty"`
}

func (f *FrameState) transition(to FrameStatus) error {
	for _, allowed := range transitions[f.Status] {
		if allowed == to {
			f.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: frame %d %s -> %s", ErrInvalidTransition, f.Index, f.Status, to)
}

// resume rewinds an interrupted frame. A frame with a persisted decision
// re-enters at RetryDeciding; otherwise the attempt restarts from scratch.
func (f *FrameState) resume() {
	if f.Status.Terminal() || f.Status == FramePending {
		return
	}
	if f.Next != nil {
		f.Status = FrameRetryDeciding
		return
	}
	f.Status = FramePending
}

// history converts attempts into the ladder's view.
func (f *FrameState) history() []retry.Step {
	steps := make([]retry.Step, len(f.Attempts))
	for i, a := range f.Attempts {
		steps[i] = retry.Step{Action: a.Strategy, Codes: a.Codes}
	}
	return steps
}

func (f *FrameState) lastAttempt() *Attempt {
	if len(f.Attempts) == 0 {
		return nil
	}
	return &f.Attempts[len(f.Attempts)-1]
}

// Counters are the run-level rates, recomputed after every finalization.
// RetryRate and RejectRate divide by the frames finalized so far; the stop
// conditions use StopWindow instead.
type Counters struct {
	FramesAttempted   int     `json:"frames_attempted"`
	FramesApproved    int     `json:"frames_approved"`
	FramesRejected    int     `json:"frames_rejected"`
	FramesWithRetries int     `json:"frames_with_retries"`
	ConsecutiveFails  int     `json:"consecutive_fails"`
	TotalAttempts     int     `json:"total_attempts"`
	RetryRate         float64 `json:"retry_rate"`
	RejectRate        float64 `json:"reject_rate"`
}

// recount derives the tallies from finalized frames. The streak is carried
// separately since it depends on finalization order.
func (c *Counters) recount(frames []FrameState) {
	streak := c.ConsecutiveFails
	*c = Counters{ConsecutiveFails: streak}
	for _, f := range frames {
		c.TotalAttempts += len(f.Attempts)
		if !f.Status.Terminal() {
			continue
		}
		c.FramesAttempted++
		if f.Status == FrameApproved {
			c.FramesApproved++
		} else {
			c.FramesRejected++
		}
		if len(f.Attempts) > 1 {
			c.FramesWithRetries++
		}
	}
	if c.FramesAttempted > 0 {
		c.RetryRate = float64(c.FramesWithRetries) / float64(c.FramesAttempted)
		c.RejectRate = float64(c.FramesRejected) / float64(c.FramesAttempted)
	}
}

// StopWindow is what the rate stop conditions measure: the frames finalized
// since the window opened, against the frames that were open at that point.
// A fresh run opens it over every planned frame; an override resume of a
// stopped run opens a new one over the frames still left.
type StopWindow struct {
	Frames         int     `json:"frames"`
	RejectedBefore int     `json:"rejected_before"`
	RetriedBefore  int     `json:"retried_before"`
	Rejected       int     `json:"rejected"`
	Retried        int     `json:"retried"`
	RejectRate     float64 `json:"reject_rate"`
	RetryRate      float64 `json:"retry_rate"`
}

// openWindow starts a window over the frames of st that are not terminal yet.
func openWindow(st *RunState) StopWindow {
	w := StopWindow{
		RejectedBefore: st.Counters.FramesRejected,
		RetriedBefore:  st.Counters.FramesWithRetries,
	}
	for _, f := range st.Frames {
		if !f.Status.Terminal() {
			w.Frames++
		}
	}
	return w
}

// update recomputes the window's tallies from the run counters.
func (w *StopWindow) update(c Counters) {
	w.Rejected = c.FramesRejected - w.RejectedBefore
	w.Retried = c.FramesWithRetries - w.RetriedBefore
	n := w.Frames
	if n < 1 {
		n = 1
	}
	w.RejectRate = float64(w.Rejected) / float64(n)
	w.RetryRate = float64(w.Retried) / float64(n)
}

// Release records the packing outcome and whether the move may ship.
type Release struct {
	Ready     bool         `json:"ready"`
	Override  bool         `json:"override,omitempty"`
	AtlasPath string       `json:"atlas_path,omitempty"`
	IndexPath string       `json:"index_path,omitempty"`
	Report    *pack.Report `json:"report,omitempty"`
}

// RunState is the persisted snapshot of a run.
type RunState struct {
	RunID         string       `json:"run_id"`
	Fingerprint   string       `json:"fingerprint"`
	Character     string       `json:"character,omitempty"`
	Move          string       `json:"move"`
	MoveType      string       `json:"move_type,omitempty"`
	FramesPlanned int          `json:"frames_planned"`
	Cyclic        bool         `json:"cyclic,omitempty"`
	Status        RunStatus    `json:"status"`
	StopReason    string       `json:"stop_reason,omitempty"`
	Frames        []FrameState `json:"frames"`
	Counters      Counters     `json:"counters"`
	Window        StopWindow   `json:"stop_window"`
	Target        align.Target `json:"target"`
	Release       Release      `json:"release"`
	Diagnostic    string       `json:"diagnostic,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// AllApproved reports whether every planned frame was approved.
func (s *RunState) AllApproved() bool {
	if len(s.Frames) == 0 {
		return false
	}
	for _, f := range s.Frames {
		if f.Status != FrameApproved {
			return false
		}
	}
	return true
}

// clone deep-copies the parts of the state that the runner mutates.
func (s *RunState) clone() RunState {
	out := *s
	out.Frames = make([]FrameState, len(s.Frames))
	for i, f := range s.Frames {
		f.Attempts = append([]Attempt(nil), f.Attempts...)
		out.Frames[i] = f
	}
	return out
}
