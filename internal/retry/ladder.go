// Package retry decides what to do after a failed audit. Decide is a pure
// function of the reason codes, the frame's attempt history and the policy, so
// two frames with the same history always receive the same decision.
package retry

import (
	"fmt"

	"spritegate/internal/failure"
)

// Action is a recovery step or terminal outcome.
type Action string

const (
	ActionInitial         Action = "initial"
	ActionApprove         Action = "approve"
	ActionRerollSeed      Action = "reroll_seed"
	ActionTightenNegative Action = "tighten_negative"
	ActionIdentityRescue  Action = "identity_rescue"
	ActionPoseRescue      Action = "pose_rescue"
	ActionPostProcess     Action = "post_process"
	ActionReAnchor        Action = "re_anchor"
	ActionRetryTransient  Action = "retry_transient"
	ActionReject          Action = "reject"
)

// ParseAction maps a configured ladder rung name to its Action.
func ParseAction(name string) (Action, error) {
	switch a := Action(name); a {
	case ActionRerollSeed, ActionTightenNegative, ActionIdentityRescue,
		ActionPoseRescue, ActionPostProcess, ActionReAnchor:
		return a, nil
	default:
		return "", fmt.Errorf("unknown ladder rung %q", name)
	}
}

// Verdict explains a terminal decision.
type Verdict string

const (
	VerdictNone             Verdict = ""
	VerdictApproved         Verdict = "approved"
	VerdictHardFail         Verdict = "hard_fail"
	VerdictIdentityCollapse Verdict = "identity_collapse"
	VerdictExhausted        Verdict = "exhausted"
	VerdictSystem           Verdict = "system_error"
)

// Decision is the ladder's answer for one failed (or passed) attempt.
type Decision struct {
	Action         Action  `json:"action"`
	PromptOverride string  `json:"prompt_override,omitempty"`
	Terminal       bool    `json:"terminal"`
	Verdict        Verdict `json:"verdict,omitempty"`
	// DropPrevious omits the previous-frame reference from the next request.
	DropPrevious bool `json:"drop_previous,omitempty"`
	// Regenerate is false when the next step re-audits the existing frame.
	Regenerate bool `json:"regenerate"`
	// Codes are the reason codes that produced this decision.
	Codes []failure.Code `json:"codes,omitempty"`
}

// Step is the slice of attempt history the ladder needs.
type Step struct {
	Action Action
	Codes  []failure.Code
}

// Prompts are the prompt texts attached to prompt-changing rungs.
type Prompts struct {
	Base     string
	Negative string
	Recovery string
	Pose     string
}

// Policy configures the ladder.
type Policy struct {
	Order       []Action
	MaxAttempts int
	Prompts     Prompts
}

// DefaultOrder is the escalation order used when none is configured.
var DefaultOrder = []Action{
	ActionRerollSeed,
	ActionTightenNegative,
	ActionIdentityRescue,
	ActionPoseRescue,
	ActionPostProcess,
	ActionReAnchor,
}

// reanchorLimit is how many identity re-anchors a frame gets before collapse.
const reanchorLimit = 2

// Decide returns the next action for a frame. history holds the frame's prior
// attempts in order; codes are the reason codes of the latest attempt.
func Decide(codes []failure.Code, history []Step, p Policy) Decision {
	order := p.Order
	if len(order) == 0 {
		order = DefaultOrder
	}
	if len(codes) == 0 {
		return Decision{Action: ActionApprove, Terminal: true, Verdict: VerdictApproved}
	}

	if d, ok := decideHard(codes, history); ok {
		return d
	}

	if failure.Contains(codes, failure.CodeIdentityDrift) && reanchors(history) >= reanchorLimit {
		return reject(VerdictIdentityCollapse, codes)
	}
	if p.MaxAttempts > 0 && len(history) >= p.MaxAttempts {
		return reject(VerdictExhausted, codes)
	}

	next, ok := nextRung(codes, history, order)
	if !ok {
		return reject(VerdictExhausted, codes)
	}
	return rungDecision(next, codes, p.Prompts)
}

func decideHard(codes []failure.Code, history []Step) (Decision, bool) {
	var hard, transient failure.Code
	for _, c := range codes {
		switch {
		case c == failure.CodeGeneratorFailFast:
			return reject(VerdictSystem, codes), true
		case c.Transient():
			if transient == "" {
				transient = c
			}
		case c.Kind() == failure.KindHard:
			if hard == "" {
				hard = c
			}
		}
	}
	if hard != "" {
		return reject(VerdictHardFail, codes), true
	}
	if transient == "" {
		return Decision{}, false
	}
	for _, s := range history {
		if s.Action == ActionRetryTransient {
			verdict := VerdictHardFail
			if transient.Kind() == failure.KindSystem {
				verdict = VerdictSystem
			}
			return reject(verdict, codes), true
		}
	}
	return Decision{Action: ActionRetryTransient, Regenerate: true, Codes: codes}, true
}

// nextRung escalates monotonically: the primary code's preferred rung is used
// when it lies beyond every rung already tried, otherwise the next rung in order.
func nextRung(codes []failure.Code, history []Step, order []Action) (Action, bool) {
	highest := -1
	for _, s := range history {
		if i := indexOf(order, s.Action); i > highest {
			highest = i
		}
	}
	if pref, ok := preferredRung(primary(codes)); ok {
		if i := indexOf(order, pref); i > highest {
			return pref, true
		}
	}
	if highest+1 < len(order) {
		return order[highest+1], true
	}
	return "", false
}

// primary returns the first soft failure code, skipping warnings.
func primary(codes []failure.Code) failure.Code {
	for _, c := range codes {
		if c.Kind() == failure.KindSoft && c != failure.CodeOrphanNoiseWarn {
			return c
		}
	}
	return codes[0]
}

func preferredRung(c failure.Code) (Action, bool) {
	switch c {
	case failure.CodeIdentityDrift:
		return ActionIdentityRescue, true
	case failure.CodeBaselineDrift, failure.CodeSafetyValve:
		return ActionPoseRescue, true
	case failure.CodePaletteDrift, failure.CodeHaloDetected, failure.CodeOrphanNoise:
		return ActionPostProcess, true
	case failure.CodeTemporalFlicker, failure.CodeCompositeLow:
		return ActionRerollSeed, true
	default:
		return "", false
	}
}

func rungDecision(a Action, codes []failure.Code, prompts Prompts) Decision {
	d := Decision{Action: a, Regenerate: true, Codes: codes}
	switch a {
	case ActionTightenNegative:
		d.PromptOverride = joinPrompt(prompts.Base, prompts.Negative)
	case ActionIdentityRescue, ActionReAnchor:
		d.PromptOverride = joinPrompt(prompts.Base, prompts.Recovery)
		d.DropPrevious = true
	case ActionPoseRescue:
		d.PromptOverride = joinPrompt(prompts.Base, prompts.Pose)
	case ActionPostProcess:
		d.Regenerate = false
	}
	return d
}

func reanchors(history []Step) int {
	n := 0
	for _, s := range history {
		if s.Action == ActionIdentityRescue || s.Action == ActionReAnchor {
			n++
		}
	}
	return n
}

func reject(v Verdict, codes []failure.Code) Decision {
	return Decision{Action: ActionReject, Terminal: true, Verdict: v, Codes: codes}
}

func indexOf(order []Action, a Action) int {
	for i, x := range order {
		if x == a {
			return i
		}
	}
	return -1
}

func joinPrompt(base, extra string) string {
	switch {
	case extra == "":
		return base
	case base == "":
		return extra
	default:
		return base + ", " + extra
	}
}
