// Package failure defines the error taxonomy and the closed set of reason codes
// shared by the auditor, the retry ladder and the orchestrator.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindHard   Kind = "hard_fail"
	KindSoft   Kind = "soft_fail"
	KindSystem Kind = "system_error"
	KindConfig Kind = "config_error"
)

// Code is a machine-readable reason code attached to audit results and attempts.
type Code string

const (
	// Hard gates
	CodeCorrupt           Code = "HF01_CORRUPT"
	CodeDimensionMismatch Code = "HF01_DIMENSION_MISMATCH"
	CodeNoAlpha           Code = "HF01_NO_ALPHA"
	CodeByteSize          Code = "HF01_BYTE_SIZE"
	CodeFullyTransparent  Code = "HF02_FULLY_TRANSPARENT"

	// Soft metrics
	CodeIdentityDrift   Code = "SF01_IDENTITY_DRIFT"
	CodePaletteDrift    Code = "SF02_PALETTE_DRIFT"
	CodeOrphanNoise     Code = "SF03_ORPHAN_NOISE"
	CodeTemporalFlicker Code = "SF04_TEMPORAL_FLICKER"
	CodeHaloDetected    Code = "SF05_HALO_DETECTED"
	CodeBaselineDrift   Code = "SF06_BASELINE_DRIFT"
	CodeSafetyValve     Code = "SF07_SAFETY_VALVE"
	CodeCompositeLow    Code = "SF08_COMPOSITE_LOW"
	CodeOrphanNoiseWarn Code = "W_ORPHAN_NOISE"

	// External adapters
	CodeGeneratorFailFast    Code = "SYS_GENERATOR_FAILFAST"
	CodeGeneratorTransient   Code = "SYS_GENERATOR_TRANSIENT"
	CodeGeneratorRateLimited Code = "SYS_GENERATOR_RATE_LIMITED"
)

// Kind reports the category of a reason code.
func (c Code) Kind() Kind {
	switch c {
	case CodeCorrupt, CodeDimensionMismatch, CodeNoAlpha, CodeByteSize, CodeFullyTransparent:
		return KindHard
	case CodeIdentityDrift, CodePaletteDrift, CodeOrphanNoise, CodeTemporalFlicker,
		CodeHaloDetected, CodeBaselineDrift, CodeSafetyValve, CodeCompositeLow, CodeOrphanNoiseWarn:
		return KindSoft
	default:
		return KindSystem
	}
}

// Transient reports whether the code belongs to the single generic class that
// is retried exactly once before terminal rejection.
func (c Code) Transient() bool {
	return c == CodeCorrupt || c == CodeGeneratorTransient || c == CodeGeneratorRateLimited
}

// Valid reports whether c is one of the declared codes.
func (c Code) Valid() bool {
	_, ok := descriptions[c]
	return ok
}

// Description returns a short human label.
func (c Code) Description() string {
	if d, ok := descriptions[c]; ok {
		return d
	}
	return string(c)
}

var descriptions = map[Code]string{
	CodeCorrupt:              "image not decodable",
	CodeDimensionMismatch:    "canvas size mismatch",
	CodeNoAlpha:              "missing RGBA channel depth",
	CodeByteSize:             "encoded size out of bounds",
	CodeFullyTransparent:     "frame fully transparent",
	CodeIdentityDrift:        "identity similarity below threshold",
	CodePaletteDrift:         "palette fidelity below threshold",
	CodeOrphanNoise:          "orphan pixel noise",
	CodeTemporalFlicker:      "temporal incoherence with previous frame",
	CodeHaloDetected:         "alpha halo on edges",
	CodeBaselineDrift:        "baseline drift residual",
	CodeSafetyValve:          "alignment clamped by safety valve",
	CodeCompositeLow:         "composite score below minimum",
	CodeOrphanNoiseWarn:      "orphan pixel noise (warning)",
	CodeGeneratorFailFast:    "generator rejected request",
	CodeGeneratorTransient:   "generator transient failure",
	CodeGeneratorRateLimited: "generator rate limited",
}

// HasKind reports whether any code in codes is of kind k.
func HasKind(codes []Code, k Kind) bool {
	for _, c := range codes {
		if c.Kind() == k {
			return true
		}
	}
	return false
}

// Contains reports whether codes includes c.
func Contains(codes []Code, c Code) bool {
	for _, x := range codes {
		if x == c {
			return true
		}
	}
	return false
}

// Error is a classified error carrying the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// System wraps err as a SystemError.
func System(op string, err error) error { return New(KindSystem, op, err) }

// Config wraps err as a ConfigError.
func Config(op string, err error) error { return New(KindConfig, op, err) }

// Is reports whether err (or anything it wraps) is a failure of kind k.
func Is(err error, k Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == k
	}
	return false
}
