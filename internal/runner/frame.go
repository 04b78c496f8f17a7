package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"

	"spritegate/internal/align"
	"spritegate/internal/audit"
	"spritegate/internal/failure"
	"spritegate/internal/generator"
	"spritegate/internal/logging"
	"spritegate/internal/normalize"
	"spritegate/internal/pack"
	"spritegate/internal/random"
	"spritegate/internal/retry"
	"spritegate/internal/sprite"
	"spritegate/internal/storage"
)

// runFrame drives frame i until it is Approved or Rejected. It returns an
// error only for run-fatal problems; generator failures stay frame-local.
func (r *Runner) runFrame(ctx context.Context, i int) error {
	start := time.Now()
	var carried *normalize.Frame

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.mu.Lock()
		fs := &r.st.Frames[i]
		next := fs.Next
		attemptIndex := len(fs.Attempts)
		last := fs.lastAttempt()
		var lastCopy *Attempt
		if last != nil {
			c := *last
			lastCopy = &c
		}
		r.mu.Unlock()

		strategy := retry.ActionInitial
		if next != nil {
			strategy = next.Action
		}
		logging.LogFrameStart(r.log, r.st.RunID, i, attemptIndex, string(strategy))

		att := Attempt{Index: attemptIndex, Timestamp: r.now(), Strategy: strategy}
		var frame normalize.Frame
		var audited bool

		if next != nil && !next.Regenerate && lastCopy != nil {
			f, err := r.postProcess(i, attemptIndex, carried, lastCopy)
			if err != nil {
				return err
			}
			frame, audited = f, true
			att.Seed, att.PromptHash = lastCopy.Seed, lastCopy.PromptHash
			if err := r.transition(i, FrameAuditing, attemptIndex); err != nil {
				return err
			}
		} else {
			if err := r.transition(i, FrameGenerating, attemptIndex); err != nil {
				return err
			}
			req, err := r.request(i, attemptIndex, next)
			if err != nil {
				return err
			}
			att.Seed, att.PromptHash = req.Seed, promptHash(req.Prompt, req.NegativePrompt)

			res, genErr := r.generate(ctx, req)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if genErr != nil {
				att.Codes = []failure.Code{generator.Code(genErr)}
				r.log.Warn("generator failed", "frame", i, "attempt", attemptIndex, "class", generator.ClassOf(genErr), "error", genErr)
			} else {
				if err := r.transition(i, FrameNormalizing, attemptIndex); err != nil {
					return err
				}
				frame, err = r.normalizer.Normalize(normalize.Candidate{
					FrameIndex:   i,
					AttemptIndex: attemptIndex,
					Data:         res.Image,
					Seed:         req.Seed,
					PromptHash:   att.PromptHash,
				}, r.st.Target)
				if err != nil {
					return failure.System("normalize", err)
				}
				if err := r.transition(i, FrameAuditing, attemptIndex); err != nil {
					return err
				}
				audited = true
			}
		}

		if audited {
			r.audit(&att, frame)
			if frame.Decoded() {
				path := filepath.Join(r.dir, "attempts", fmt.Sprintf("f%04d_a%02d.png", i, attemptIndex))
				if err := sprite.Save(path, frame.Image); err != nil {
					return failure.System("save attempt", err)
				}
				att.Path = path
			}
			carried = &frame
		}

		if err := r.transition(i, FrameRetryDeciding, attemptIndex); err != nil {
			return err
		}
		r.mu.Lock()
		history := append(fs.history(), retry.Step{Action: att.Strategy, Codes: att.Codes})
		r.mu.Unlock()
		d := retry.Decide(att.Codes, history, r.policy)
		att.Decision = &d
		logging.LogDecision(r.log, i, attemptIndex, string(d.Action), string(d.Verdict), d.Terminal)

		r.mu.Lock()
		fs.Attempts = append(fs.Attempts, att)
		r.mu.Unlock()
		r.recordAttempt(i, att)
		r.events.Publish(Event{
			Kind:      EventAttempt,
			RunID:     r.st.RunID,
			Move:      r.st.Move,
			Frame:     i,
			Attempt:   attemptIndex,
			Strategy:  string(att.Strategy),
			Codes:     att.Codes,
			Composite: att.Composite,
			Time:      r.now(),
		})

		if !d.Terminal {
			r.mu.Lock()
			fs.Next = &d
			r.mu.Unlock()
			if err := r.persist(); err != nil {
				return err
			}
			if d.Regenerate {
				carried = nil
			}
			continue
		}

		final := FrameRejected
		if d.Action == retry.ActionApprove {
			final = FrameApproved
			path := filepath.Join(r.dir, "frames", pack.FrameName(r.manifest.Move, i)+".png")
			if err := sprite.Save(path, frame.Image); err != nil {
				return failure.System("save approved frame", err)
			}
			r.mu.Lock()
			fs.ApprovedPath = path
			r.mu.Unlock()
			r.prev = &approvedFrame{index: i, path: path, identity: att.Identity, img: frame.Image}
		}
		r.mu.Lock()
		fs.Next = nil
		fs.Verdict = d.Verdict
		r.mu.Unlock()
		if err := r.transition(i, final, attemptIndex); err != nil {
			return err
		}
		logging.LogFrameFinal(r.log, i, string(final), string(d.Verdict), attemptIndex+1, time.Since(start))
		return nil
	}
}

// transition moves frame i to status, persists, and publishes the change.
func (r *Runner) transition(i int, to FrameStatus, attempt int) error {
	r.mu.Lock()
	err := r.st.Frames[i].transition(to)
	runID, move := r.st.RunID, r.st.Move
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if err := r.persist(); err != nil {
		return err
	}
	r.events.Publish(Event{
		Kind:        EventFrame,
		RunID:       runID,
		Move:        move,
		Frame:       i,
		Attempt:     attempt,
		FrameStatus: to,
		Time:        r.now(),
	})
	return nil
}

// audit scores frame against the run target and the last approved frame.
func (r *Runner) audit(att *Attempt, frame normalize.Frame) {
	var prevImg *image.NRGBA
	if prev := r.previous(); prev != nil {
		prevImg = prev.img
	}
	r.score(att, frame, r.st.Target, prevImg)
}

// score audits frame and copies the result into att.
func (r *Runner) score(att *Attempt, frame normalize.Frame, target align.Target, previous *image.NRGBA) {
	res := r.auditor.Audit(audit.Input{
		Frame:    frame,
		Anchor:   r.identityAnchor,
		Previous: previous,
		MoveType: r.manifest.MoveType,
		Target:   target,
	})

	att.Codes = res.Codes
	att.Warnings = res.Warnings
	att.Scores = res.Scores
	att.Composite = res.Composite
	att.Rank = res.Rank
	att.Identity = res.Scores[audit.MetricIdentity]
	if frame.Decoded() {
		al := frame.Alignment
		att.Alignment = &al
	}

	codes := make([]string, len(res.Codes))
	for k, c := range res.Codes {
		codes[k] = string(c)
	}
	logging.LogAttempt(r.log, frame.FrameIndex, frame.AttemptIndex, res.Composite, codes, len(frame.Raw))
}

// postProcess re-audits the previous attempt's pixels after deterministic
// cleanup. After a resume the pixels come from the saved attempt file.
func (r *Runner) postProcess(i, attemptIndex int, carried *normalize.Frame, last *Attempt) (normalize.Frame, error) {
	var base normalize.Frame
	if carried != nil && carried.Decoded() {
		base = *carried
	} else {
		img, raw, err := sprite.Load(last.Path)
		if err != nil {
			return normalize.Frame{}, failure.System("load attempt for post-process", err)
		}
		base = normalize.Frame{Image: img, Raw: raw, SizeOK: true}
		base.Header, base.HeaderErr = sprite.ReadHeader(raw)
		if last.Alignment != nil {
			base.Alignment = *last.Alignment
		}
	}
	out := base
	out.FrameIndex = i
	out.AttemptIndex = attemptIndex
	out.Image = normalize.Cleanup(base.Image, r.palette)
	return out, nil
}

// request builds the generator request for the next attempt of frame i.
func (r *Runner) request(i, attempt int, d *retry.Decision) (generator.Request, error) {
	req := generator.Request{
		RunID:          r.st.RunID,
		FrameIndex:     i,
		Attempt:        attempt,
		Anchor:         r.anchorRaw,
		Prompt:         r.manifest.Prompts.Base,
		NegativePrompt: r.manifest.Prompts.Negative,
		Resolution:     r.cfg.Canvas.GenerationSize,
		Strategy:       string(retry.ActionInitial),
		LoopClosure:    r.manifest.Cyclic && i == r.manifest.Frames-1,
	}

	if d == nil {
		req.Seed = random.FrameSeed(r.st.Fingerprint, r.manifest.SeedSalt, i)
	} else {
		seed, err := random.NewSeed()
		if err != nil {
			return req, failure.System("seed", err)
		}
		req.Seed = seed
		req.Strategy = string(d.Action)
		if d.PromptOverride != "" {
			req.Prompt = d.PromptOverride
		}
	}

	dropPrevious := d != nil && d.DropPrevious
	if prev := r.previous(); prev != nil && !dropPrevious &&
		prev.identity >= r.cfg.Auditor.Thresholds.IdentityMin {
		data, err := sprite.Encode(prev.img)
		if err != nil {
			return req, failure.System("encode previous frame", err)
		}
		req.Previous = data
	}
	return req, nil
}

// generate calls the generator, waiting out rate limits with backoff. The
// adapter's retry-after hint replaces the computed interval when present.
func (r *Runner) generate(ctx context.Context, req generator.Request) (generator.Result, error) {
	waits := r.cfg.Generator.MaxRateLimitWaits
	if waits < 0 {
		waits = 0
	}
	op := func() (generator.Result, error) {
		res, err := r.gen.Generate(ctx, req)
		if err == nil {
			return res, nil
		}
		var ge *generator.Error
		if !errors.As(err, &ge) || ge.Class != generator.ClassRateLimited {
			return res, backoff.Permanent(err)
		}
		if ge.RetryAfter > 0 {
			return res, &rateLimitedError{wait: &backoff.RetryAfterError{Duration: ge.RetryAfter}, err: err}
		}
		return res, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(uint(waits+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.log.Warn("generator rate limited", "frame", req.FrameIndex, "attempt", req.Attempt, "wait", wait, "error", err)
		}),
	)
}

// rateLimitedError carries both the adapter error and the wait hint so the
// backoff loop sees the hint and callers still see the adapter class.
type rateLimitedError struct {
	wait *backoff.RetryAfterError
	err  error
}

func (e *rateLimitedError) Error() string   { return e.err.Error() }
func (e *rateLimitedError) Unwrap() []error { return []error{e.wait, e.err} }

func (r *Runner) recordAttempt(i int, att Attempt) {
	if r.ledger == nil {
		return
	}
	result := "retry"
	if att.Decision != nil && att.Decision.Terminal {
		result = "rejected"
		if att.Decision.Action == retry.ActionApprove {
			result = "approved"
		}
	}
	codes := make([]string, len(att.Codes))
	for k, c := range att.Codes {
		codes[k] = string(c)
	}
	rec := storage.AttemptRecord{
		RunID:            r.st.RunID,
		FrameIndex:       i,
		Attempt:          att.Index,
		Seed:             att.Seed,
		PromptHash:       att.PromptHash,
		Strategy:         string(att.Strategy),
		Score:            att.Composite,
		Result:           result,
		Codes:            codes,
		SSIM:             att.Identity,
		PaletteFidelity:  att.Scores[audit.MetricPalette],
		BaselineResidual: att.Scores[audit.MetricResidual],
		HaloFraction:     att.Scores[audit.MetricHalo],
		OrphanCount:      int(att.Scores[audit.MetricOrphans]),
		FilePath:         att.Path,
		CreatedAt:        att.Timestamp,
	}
	if v, ok := att.Scores[audit.MetricMAPD]; ok {
		rec.MAPD = &v
	}
	if err := r.ledger.RecordAttempt(rec); err != nil {
		r.log.Warn("ledger attempt failed", "frame", i, "attempt", att.Index, "error", err)
	}
}

func promptHash(prompt, negative string) string {
	sum := sha256.Sum256([]byte(prompt + "\x00" + negative))
	return hex.EncodeToString(sum[:8])
}
