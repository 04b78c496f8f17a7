// Package generator talks to the external image generator. The orchestrator
// only sees the Generator interface; adapters classify their failures so the
// retry ladder can tell fatal problems from transient ones.
package generator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"spritegate/internal/config"
	"spritegate/internal/failure"
)

// Class is the retry class of a generator failure.
type Class string

const (
	ClassFailFast    Class = "fail_fast"
	ClassTransient   Class = "transient"
	ClassRateLimited Class = "rate_limited"
)

// ErrTimeout is wrapped when no result arrives in time.
var ErrTimeout = errors.New("generator timed out")

// Error is a classified generator failure.
type Error struct {
	Class Class
	// RetryAfter is the adapter's hint for rate-limited failures.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("generator %s", e.Class)
	}
	return fmt.Sprintf("generator %s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ClassOf returns the class of err. Unclassified errors count as transient.
func ClassOf(err error) Class {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Class
	}
	return ClassTransient
}

// Code maps a generator failure to its reason code.
func Code(err error) failure.Code {
	switch ClassOf(err) {
	case ClassFailFast:
		return failure.CodeGeneratorFailFast
	case ClassRateLimited:
		return failure.CodeGeneratorRateLimited
	default:
		return failure.CodeGeneratorTransient
	}
}

// Request asks for one frame.
type Request struct {
	RunID      string `json:"run_id"`
	FrameIndex int    `json:"frame_index"`
	Attempt    int    `json:"attempt"`
	// Anchor and Previous are PNG streams. Previous is nil when the frame has no
	// usable predecessor.
	Anchor         []byte `json:"anchor_png"`
	Previous       []byte `json:"previous_png,omitempty"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Resolution     int    `json:"resolution"`
	Seed           uint64 `json:"seed,string"`
	LoopClosure    bool   `json:"loop_closure,omitempty"`
	Strategy       string `json:"strategy"`
}

// Key identifies the request across adapters.
func (r Request) Key() string {
	return fmt.Sprintf("%s_f%04d_a%02d", r.RunID, r.FrameIndex, r.Attempt)
}

// Result is one generated frame.
type Result struct {
	Image []byte
}

// Generator produces candidate frames.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// Adapter is a Generator that holds resources.
type Adapter interface {
	Generator
	io.Closer
}

// New builds the configured adapter.
func New(cfg config.Generator, logger *slog.Logger) (Adapter, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	switch cfg.Kind {
	case config.GeneratorGRPC:
		return NewGRPC(cfg.Address, timeout, logger)
	case config.GeneratorFileDrop:
		return NewFileDrop(cfg.Dir, timeout, logger)
	default:
		return nil, failure.Config("generator", fmt.Errorf("unknown kind %q", cfg.Kind))
	}
}
