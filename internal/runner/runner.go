// Package runner drives a move from its first frame to a release-ready atlas:
// generate, normalize, audit and retry each frame in turn, persist the run
// after every transition, and stop early when the configured failure rates are
// exceeded.
package runner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"spritegate/internal/align"
	"spritegate/internal/audit"
	"spritegate/internal/config"
	"spritegate/internal/failure"
	"spritegate/internal/generator"
	"spritegate/internal/logging"
	"spritegate/internal/normalize"
	"spritegate/internal/pack"
	"spritegate/internal/palette"
	"spritegate/internal/retry"
	"spritegate/internal/sprite"
	"spritegate/internal/state"
	"spritegate/internal/storage"
)

var (
	// ErrFingerprintMismatch means the manifest or anchor changed since the
	// persisted run was started.
	ErrFingerprintMismatch = errors.New("run fingerprint mismatch")
	// ErrRunStopped means the persisted run hit a stop condition.
	ErrRunStopped = errors.New("run stopped")
)

// StateStore persists RunState snapshots.
type StateStore interface {
	Load() (RunState, error)
	Save(RunState) error
}

// Deps are the collaborators of a run.
type Deps struct {
	Generator generator.Generator
	Packer    pack.Packer
	Validator pack.Validator
	// Ledger may be nil.
	Ledger *storage.Store
	// State defaults to a JSON repository in the run directory.
	State  StateStore
	Events *Broker
	Logger *slog.Logger
}

// Options change how an existing run is resumed.
type Options struct {
	// Override accepts a changed fingerprint and resumes a stopped run.
	Override bool
	// ReleaseOverride marks the release ready even if validation fails.
	ReleaseOverride bool
}

// RunDir is where a move's state, frames and atlas live.
func RunDir(outputDir, move string) string {
	return filepath.Join(outputDir, move)
}

// Runner orchestrates one move.
type Runner struct {
	cfg        *config.Config
	manifest   *config.Manifest
	dir        string
	gen        generator.Generator
	packer     pack.Packer
	validator  pack.Validator
	ledger     *storage.Store
	store      StateStore
	events     *Broker
	log        *slog.Logger
	normalizer *normalize.Normalizer
	auditor    *audit.Auditor
	palette    *palette.Matcher
	policy     retry.Policy
	newBackOff func() backoff.BackOff
	now        func() time.Time

	mu sync.Mutex
	st RunState

	anchorRaw      []byte
	identityAnchor *image.NRGBA
	anchorPalette  bool
	prev           *approvedFrame
}

// approvedFrame is the most recent approved frame, loaded lazily.
type approvedFrame struct {
	index    int
	path     string
	identity float64
	img      *image.NRGBA
}

// New validates configuration and prepares a runner. Invalid config or
// manifest values return a ConfigError before any frame is attempted. A runner
// without a generator can only Inspect.
func New(cfg *config.Config, m *config.Manifest, deps Deps) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	colors, err := m.PaletteColors()
	if err != nil {
		return nil, failure.Config("palette", err)
	}
	var pal *palette.Matcher
	if len(colors) > 0 {
		pal = palette.New(colors, cfg.Auditor.Thresholds.PaletteMetric, cfg.Auditor.Thresholds.PaletteDeltaE)
	}
	norm, err := normalize.New(cfg)
	if err != nil {
		return nil, failure.Config("normalizer", err)
	}

	order := make([]retry.Action, 0, len(cfg.Retry.LadderOrder))
	for _, name := range cfg.Retry.LadderOrder {
		a, err := retry.ParseAction(name)
		if err != nil {
			return nil, failure.Config("ladder", err)
		}
		order = append(order, a)
	}

	dir := RunDir(cfg.Paths.OutputDir, m.Move)
	store := deps.State
	if store == nil {
		store = state.NewRepository[RunState](dir)
	}
	events := deps.Events
	if events == nil {
		events = NewBroker(logger)
	}

	return &Runner{
		cfg:           cfg,
		manifest:      m,
		dir:           dir,
		gen:           deps.Generator,
		packer:        deps.Packer,
		validator:     deps.Validator,
		ledger:        deps.Ledger,
		store:         store,
		events:        events,
		log:           logger.With("move", m.Move),
		normalizer:    norm,
		auditor:       audit.New(cfg, pal, logger),
		palette:       pal,
		anchorPalette: pal == nil,
		policy: retry.Policy{
			Order:       order,
			MaxAttempts: cfg.Retry.MaxAttemptsPerFrame,
			Prompts: retry.Prompts{
				Base:     m.Prompts.Base,
				Negative: m.Prompts.Negative,
				Recovery: m.Prompts.Recovery,
				Pose:     m.Prompts.Pose,
			},
		},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			return b
		},
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Dir returns the run directory.
func (r *Runner) Dir() string {
	return r.dir
}

// Events returns the broker transitions are published on.
func (r *Runner) Events() *Broker {
	return r.events
}

// Snapshot returns a copy of the current run state.
func (r *Runner) Snapshot() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.clone()
}

// Run starts or resumes the move and returns its final state. A stopped run
// returns with a nil error and Status Stopped; cancellation persists the last
// known-good state and returns ctx.Err().
func (r *Runner) Run(ctx context.Context, opts Options) (RunState, error) {
	if r.gen == nil {
		return RunState{}, failure.Config("runner", errors.New("generator required"))
	}
	target, err := r.prepare()
	if err != nil {
		return RunState{}, err
	}

	fingerprint, err := r.manifest.Fingerprint()
	if err != nil {
		return RunState{}, err
	}

	st, err := r.load(fingerprint, target, opts)
	if err != nil {
		return st, err
	}
	r.mu.Lock()
	r.st = st
	r.mu.Unlock()

	switch {
	case st.Status == RunCompleted:
		r.log.Info("run already completed", "run_id", st.RunID)
		return r.Snapshot(), nil
	case st.Status == RunFailed && st.AllApproved():
		r.log.Info("retrying packaging", "run_id", st.RunID)
		err := r.finish(ctx, opts)
		return r.Snapshot(), err
	}

	r.mu.Lock()
	r.st.Status = RunInProgress
	r.mu.Unlock()
	if err := r.persist(); err != nil {
		return r.Snapshot(), err
	}
	r.recordRun()

	for i := range st.Frames {
		r.mu.Lock()
		fs := r.st.Frames[i]
		r.mu.Unlock()
		if fs.Status.Terminal() {
			if fs.Status == FrameApproved {
				r.setPrevious(fs)
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return r.interrupted(err)
		}

		if err := r.runFrame(ctx, i); err != nil {
			if ctx.Err() != nil {
				return r.interrupted(ctx.Err())
			}
			return r.Snapshot(), err
		}
		if stopped, err := r.afterFrame(i); err != nil || stopped {
			return r.Snapshot(), err
		}
	}

	return r.Snapshot(), r.finish(ctx, opts)
}

// prepare loads the anchor, keeps its identity reference and measures the
// alignment target at generation resolution.
func (r *Runner) prepare() (align.Target, error) {
	anchor, raw, err := sprite.Load(r.manifest.AnchorPath())
	if err != nil {
		return align.Target{}, failure.Config("load anchor", err)
	}
	r.anchorRaw = raw
	gen := r.cfg.Canvas.GenerationSize
	analysed := anchor
	if anchor.Rect.Dx() != gen || anchor.Rect.Dy() != gen {
		analysed = normalize.Resize(anchor, gen, gen)
	}
	target, err := align.NewReference(analysed, r.cfg.Alignment).Target()
	if err != nil {
		return align.Target{}, failure.Config("analyze anchor", err)
	}
	r.identityAnchor = r.normalizer.PrepareAnchor(anchor)
	if r.anchorPalette {
		t := r.cfg.Auditor.Thresholds
		r.palette = palette.New(palette.Extract(r.identityAnchor, palette.MaxExtracted), t.PaletteMetric, t.PaletteDeltaE)
		r.auditor.UsePalette(r.palette)
		r.log.Debug("palette derived from anchor", "colors", len(r.palette.Colors()))
	}
	return target, nil
}

// load reads the persisted run or starts a fresh one.
func (r *Runner) load(fingerprint string, target align.Target, opts Options) (RunState, error) {
	st, err := r.store.Load()
	if errors.Is(err, state.ErrStateNotFound) {
		now := r.now()
		st = RunState{
			RunID:         uuid.NewString(),
			Fingerprint:   fingerprint,
			Character:     r.manifest.Character,
			Move:          r.manifest.Move,
			MoveType:      r.manifest.MoveType,
			FramesPlanned: r.manifest.Frames,
			Cyclic:        r.manifest.Cyclic,
			Status:        RunInProgress,
			Target:        target,
			StartedAt:     now,
			UpdatedAt:     now,
		}
		st.Frames = make([]FrameState, r.manifest.Frames)
		for i := range st.Frames {
			st.Frames[i] = FrameState{Index: i, Status: FramePending}
		}
		st.Window = openWindow(&st)
		r.log.Info("starting run", "run_id", st.RunID, "frames", st.FramesPlanned, "dir", r.dir)
		return st, nil
	}
	if err != nil {
		return RunState{}, failure.System("load run state", err)
	}
	if st.Window == (StopWindow{}) {
		st.Window = StopWindow{Frames: st.FramesPlanned}
	}

	if st.Fingerprint != fingerprint {
		if !opts.Override {
			return st, fmt.Errorf("%w: %s has %.12s, manifest is %.12s", ErrFingerprintMismatch, r.dir, st.Fingerprint, fingerprint)
		}
		r.log.Warn("fingerprint changed, keeping approved frames", "run_id", st.RunID)
		r.rebase(&st, fingerprint, target)
	}

	switch st.Status {
	case RunStopped:
		if !opts.Override {
			return st, fmt.Errorf("%w: %s", ErrRunStopped, st.StopReason)
		}
		r.log.Warn("resuming stopped run", "run_id", st.RunID, "reason", st.StopReason)
		st.StopReason = ""
		st.Counters.ConsecutiveFails = 0
		st.Status = RunInProgress
		st.Window = openWindow(&st)
	case RunFailed:
		if !st.AllApproved() {
			st.Status = RunInProgress
			st.StopReason = ""
		}
	}

	for i := range st.Frames {
		st.Frames[i].resume()
	}
	r.log.Info("resuming run", "run_id", st.RunID, "status", st.Status, "approved", st.Counters.FramesApproved)
	return st, nil
}

// rebase adopts a new fingerprint. Approved frames are kept; everything else
// starts over, and the frame list follows the manifest's frame count.
func (r *Runner) rebase(st *RunState, fingerprint string, target align.Target) {
	st.Fingerprint = fingerprint
	st.Target = target
	st.FramesPlanned = r.manifest.Frames
	st.Cyclic = r.manifest.Cyclic
	st.MoveType = r.manifest.MoveType
	st.Release = Release{}
	if st.Status == RunCompleted {
		st.Status = RunInProgress
	}
	frames := make([]FrameState, r.manifest.Frames)
	for i := range frames {
		if i < len(st.Frames) && st.Frames[i].Status == FrameApproved {
			frames[i] = st.Frames[i]
			continue
		}
		frames[i] = FrameState{Index: i, Status: FramePending}
	}
	st.Frames = frames
	st.Counters.recount(frames)
	st.Window = openWindow(st)
}

// afterFrame updates counters for a finalized frame and applies the stop
// conditions. Rates are gated against the stop window's frame count so an
// early unlucky frame cannot stop a long run.
func (r *Runner) afterFrame(i int) (bool, error) {
	r.mu.Lock()
	fs := r.st.Frames[i]
	if fs.Status == FrameRejected {
		r.st.Counters.ConsecutiveFails++
	} else {
		r.st.Counters.ConsecutiveFails = 0
	}
	r.st.Counters.recount(r.st.Frames)
	r.st.Window.update(r.st.Counters)
	c, w := r.st.Counters, r.st.Window
	runID := r.st.RunID
	reason := stopReason(c, w, r.cfg.Retry.StopConditions)
	if reason != "" {
		r.st.Status = RunStopped
		r.st.StopReason = reason
	}
	r.mu.Unlock()

	r.recordRun()
	if reason == "" {
		return false, r.persist()
	}

	logging.LogRunStop(r.log, runID, reason, w.RetryRate, w.RejectRate, c.ConsecutiveFails)
	if r.ledger != nil {
		if err := r.ledger.RecordStop(storage.StopEvent{
			RunID:            runID,
			Reason:           reason,
			FrameIndex:       i,
			RetryRate:        w.RetryRate,
			RejectRate:       w.RejectRate,
			ConsecutiveFails: c.ConsecutiveFails,
		}); err != nil {
			r.log.Warn("ledger stop event failed", "error", err)
		}
	}
	if err := r.writeDiagnostic(); err != nil {
		return true, err
	}
	if err := r.persist(); err != nil {
		return true, err
	}
	r.publishRun()
	return true, nil
}

func stopReason(c Counters, w StopWindow, sc config.StopConditions) string {
	switch {
	case w.RejectRate > sc.MaxRejectRate:
		return fmt.Sprintf("reject_rate: %d/%d frames rejected exceeds %.2f", w.Rejected, w.Frames, sc.MaxRejectRate)
	case w.RetryRate > sc.MaxRetryRate:
		return fmt.Sprintf("retry_rate: %d/%d frames retried exceeds %.2f", w.Retried, w.Frames, sc.MaxRetryRate)
	case c.ConsecutiveFails > sc.MaxConsecutiveFails:
		return fmt.Sprintf("consecutive_fails: %d rejected in a row exceeds %d", c.ConsecutiveFails, sc.MaxConsecutiveFails)
	default:
		return ""
	}
}

// finish packs and validates once every frame is approved. A run with
// rejected frames completes without a release.
func (r *Runner) finish(ctx context.Context, opts Options) error {
	r.mu.Lock()
	allApproved := r.st.AllApproved()
	r.mu.Unlock()

	if !allApproved {
		r.mu.Lock()
		r.st.Status = RunCompleted
		r.st.Release = Release{}
		rejected := r.st.Counters.FramesRejected
		r.mu.Unlock()
		r.log.Warn("run completed with rejected frames, skipping atlas", "rejected", rejected)
		if err := r.writeDiagnostic(); err != nil {
			return err
		}
		return r.complete()
	}
	if r.packer == nil {
		r.mu.Lock()
		r.st.Status = RunCompleted
		r.st.Release = Release{Ready: opts.ReleaseOverride, Override: opts.ReleaseOverride}
		r.mu.Unlock()
		return r.complete()
	}

	frames, err := r.approvedFrames()
	if err != nil {
		return err
	}
	atlas, err := r.packer.Pack(ctx, pack.Request{
		Move:   r.manifest.Move,
		Frames: frames,
		OutDir: filepath.Join(r.dir, "atlas"),
	})
	if err != nil {
		if ctx.Err() != nil {
			_, cerr := r.interrupted(ctx.Err())
			return cerr
		}
		r.mu.Lock()
		r.st.Status = RunFailed
		r.st.StopReason = "packer: " + err.Error()
		r.mu.Unlock()
		r.log.Error("packing failed", "error", err)
		r.recordRun()
		if perr := r.persist(); perr != nil {
			return perr
		}
		r.publishRun()
		return nil
	}

	release := Release{AtlasPath: atlas.ImagePath, IndexPath: atlas.IndexPath, Override: opts.ReleaseOverride}
	if r.validator != nil {
		rep, err := r.validator.Validate(ctx, atlas, frames)
		if err != nil {
			if ctx.Err() != nil {
				_, cerr := r.interrupted(ctx.Err())
				return cerr
			}
			r.log.Error("validation failed to run", "error", err)
		} else {
			release.Report = &rep
			release.Ready = rep.Passed
			for _, c := range rep.Checks {
				if !c.Passed {
					r.log.Warn("atlas check failed", "check", c.Name, "detail", c.Detail)
				}
			}
		}
	} else {
		release.Ready = true
	}
	if !release.Ready && opts.ReleaseOverride {
		r.log.Warn("release forced by override")
		release.Ready = true
	}

	r.mu.Lock()
	r.st.Status = RunCompleted
	r.st.StopReason = ""
	r.st.Release = release
	r.mu.Unlock()
	return r.complete()
}

func (r *Runner) complete() error {
	r.recordRun()
	if err := r.persist(); err != nil {
		return err
	}
	snap := r.Snapshot()
	r.log.Info("run completed",
		"run_id", snap.RunID,
		"approved", snap.Counters.FramesApproved,
		"rejected", snap.Counters.FramesRejected,
		"release_ready", snap.Release.Ready,
	)
	r.publishRun()
	return nil
}

// approvedFrames loads the approved buffers in frame order.
func (r *Runner) approvedFrames() ([]pack.FrameImage, error) {
	snap := r.Snapshot()
	out := make([]pack.FrameImage, 0, len(snap.Frames))
	for _, f := range snap.Frames {
		img, _, err := sprite.Load(f.ApprovedPath)
		if err != nil {
			return nil, failure.System("load approved frame", err)
		}
		out = append(out, pack.FrameImage{Name: pack.FrameName(snap.Move, f.Index), Image: img})
	}
	return out, nil
}

// interrupted persists the current state and reports cancellation.
func (r *Runner) interrupted(cause error) (RunState, error) {
	r.log.Warn("run interrupted", "error", cause)
	if err := r.persist(); err != nil {
		return r.Snapshot(), errors.Join(cause, err)
	}
	return r.Snapshot(), cause
}

func (r *Runner) persist() error {
	r.mu.Lock()
	r.st.UpdatedAt = r.now()
	snap := r.st.clone()
	r.mu.Unlock()
	if err := r.store.Save(snap); err != nil {
		return failure.System("persist run state", err)
	}
	return nil
}

func (r *Runner) writeDiagnostic() error {
	r.mu.Lock()
	d := BuildDiagnostic(&r.st, r.now())
	path := filepath.Join(r.dir, DiagnosticFile)
	r.st.Diagnostic = path
	r.mu.Unlock()
	if err := state.WriteJSON(path, d); err != nil {
		return failure.System("write diagnostic", err)
	}
	r.log.Info("diagnostic written", "path", path, "hint", d.Hint)
	return nil
}

func (r *Runner) recordRun() {
	if r.ledger == nil {
		return
	}
	snap := r.Snapshot()
	if err := r.ledger.RecordRun(storage.RunRecord{
		RunID:      snap.RunID,
		Character:  snap.Character,
		Move:       snap.Move,
		Frames:     snap.FramesPlanned,
		Status:     string(snap.Status),
		StopReason: snap.StopReason,
		RetryRate:  snap.Counters.RetryRate,
		RejectRate: snap.Counters.RejectRate,
		StartedAt:  snap.StartedAt,
	}); err != nil {
		r.log.Warn("ledger run update failed", "error", err)
	}
}

func (r *Runner) publishRun() {
	snap := r.Snapshot()
	c := snap.Counters
	r.events.Publish(Event{
		Kind:      EventRun,
		RunID:     snap.RunID,
		Move:      snap.Move,
		RunStatus: snap.Status,
		Counters:  &c,
		Time:      r.now(),
	})
}

func (r *Runner) setPrevious(fs FrameState) {
	identity := 1.0
	if a := fs.lastAttempt(); a != nil {
		identity = a.Identity
	}
	r.prev = &approvedFrame{index: fs.Index, path: fs.ApprovedPath, identity: identity}
}

// previous returns the last approved frame, loading it from disk after a
// resume. A frame that cannot be read is treated as absent.
func (r *Runner) previous() *approvedFrame {
	if r.prev == nil {
		return nil
	}
	if r.prev.img == nil {
		img, _, err := sprite.Load(r.prev.path)
		if err != nil {
			r.log.Warn("previous frame unavailable", "frame", r.prev.index, "error", err)
			r.prev = nil
			return nil
		}
		r.prev.img = img
	}
	return r.prev
}
