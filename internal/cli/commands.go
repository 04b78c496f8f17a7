package cli

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"spritegate/internal/align"
	"spritegate/internal/audit"
	"spritegate/internal/config"
	"spritegate/internal/failure"
	"spritegate/internal/runner"
	"spritegate/internal/server"
	"spritegate/internal/sprite"
	"spritegate/internal/state"
)

// runMove runs or resumes the manifest's move, optionally serving the status
// API until the run returns.
func (r *Root) runMove(ctx context.Context, manifestPath string, opts runner.Options, serveAddr string) error {
	m, err := config.LoadManifest(manifestPath)
	if err != nil {
		return err
	}
	gen, err := r.newGenerator(r.cfg.Generator, r.log)
	if err != nil {
		return err
	}
	defer gen.Close()

	ledger, err := r.openLedger(r.cfg.Paths, false)
	if err != nil {
		return failure.System("open ledger", err)
	}
	defer ledger.Close()

	packer, validator := r.newPackers(r.cfg, runner.RunDir(r.cfg.Paths.OutputDir, m.Move), r.log)
	run, err := runner.New(r.cfg, m, runner.Deps{
		Generator: gen,
		Packer:    packer,
		Validator: validator,
		Ledger:    ledger,
		Logger:    r.log,
	})
	if err != nil {
		return err
	}

	var st runner.RunState
	if serveAddr == "" {
		st, err = run.Run(ctx, opts)
	} else {
		g, gctx := errgroup.WithContext(ctx)
		srvCtx, stopServer := context.WithCancel(gctx)
		defer stopServer()
		srv := server.NewServer(serveAddr, ledger, server.RunnerState(run), run.Events(), r.log)
		g.Go(func() error {
			return r.serveFn(srvCtx, srv)
		})
		g.Go(func() error {
			defer stopServer()
			var runErr error
			st, runErr = run.Run(gctx, opts)
			return runErr
		})
		err = g.Wait()
	}
	if err != nil {
		return err
	}

	r.printRun(st)
	switch st.Status {
	case runner.RunStopped:
		return fmt.Errorf("%w: %s", runner.ErrRunStopped, st.StopReason)
	case runner.RunFailed:
		return fmt.Errorf("run failed: %s", st.StopReason)
	}
	return nil
}

func (r *Root) status(dir string) error {
	st, err := state.NewRepository[runner.RunState](dir).Load()
	if err != nil {
		return fmt.Errorf("load %s: %w", dir, err)
	}
	r.printRun(st)
	r.printf("\n%-6s %-15s %-9s %-8s %-10s %s\n", "FRAME", "STATUS", "ATTEMPTS", "RANK", "COMPOSITE", "CODES")
	for _, f := range st.Frames {
		rank, composite, codes := "-", "-", ""
		if last := lastAttempt(f); last != nil {
			rank = string(last.Rank)
			composite = fmt.Sprintf("%.3f", last.Composite)
			codes = joinCodes(last.Codes)
		}
		r.printf("%-6d %-15s %-9d %-8s %-10s %s\n", f.Index, f.Status, len(f.Attempts), rank, composite, codes)
	}
	if st.Diagnostic != "" {
		r.printf("\nDiagnostic: %s\n", st.Diagnostic)
	}
	return nil
}

func (r *Root) printRun(st runner.RunState) {
	c := st.Counters
	r.printf("Run %s (%s/%s)\n", st.RunID, st.Character, st.Move)
	r.printf("  Status:      %s", st.Status)
	if st.StopReason != "" {
		r.printf(" (%s)", st.StopReason)
	}
	r.printf("\n")
	r.printf("  Frames:      %d/%d approved, %d rejected, %d planned\n", c.FramesApproved, c.FramesAttempted, c.FramesRejected, st.FramesPlanned)
	r.printf("  Attempts:    %d\n", c.TotalAttempts)
	r.printf("  Retry rate:  %.2f\n", c.RetryRate)
	r.printf("  Reject rate: %.2f\n", c.RejectRate)
	if w := st.Window; w.Frames > 0 {
		r.printf("  Stop gate:   %d rejected, %d retried of %d frames\n", w.Rejected, w.Retried, w.Frames)
	}
	if !st.UpdatedAt.IsZero() {
		r.printf("  Updated:     %s\n", humanize.Time(st.UpdatedAt))
	}
	if st.Release.AtlasPath != "" {
		size := ""
		if fi, err := os.Stat(st.Release.AtlasPath); err == nil {
			size = " (" + humanize.Bytes(uint64(fi.Size())) + ")"
		}
		r.printf("  Atlas:       %s%s ready=%t override=%t\n", st.Release.AtlasPath, size, st.Release.Ready, st.Release.Override)
	}
}

func (r *Root) history(limit int) error {
	ledger, err := r.openLedger(r.cfg.Paths, true)
	if err != nil {
		return failure.System("open ledger", err)
	}
	defer ledger.Close()

	runs, err := ledger.RecentRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		r.printf("No runs recorded\n")
		return nil
	}
	r.printf("%-36s %-12s %-7s %-12s %-7s %-7s %s\n", "RUN", "MOVE", "FRAMES", "STATUS", "RETRY", "REJECT", "STARTED")
	for _, run := range runs {
		r.printf("%-36s %-12s %-7d %-12s %-7.2f %-7.2f %s\n",
			run.RunID, run.Move, run.Frames, run.Status, run.RetryRate, run.RejectRate, humanize.Time(run.StartedAt))
	}
	return nil
}

func (r *Root) anchor(path, method string) error {
	img, raw, err := sprite.Load(path)
	if err != nil {
		return err
	}
	cfg := r.cfg.Alignment
	if method != "" {
		cfg.Method = method
	}
	target, err := align.Analyze(img, cfg)
	if err != nil {
		return fmt.Errorf("analyze %s: %w", path, err)
	}
	r.printf("Anchor: %s (%dx%d, %s)\n", path, img.Rect.Dx(), img.Rect.Dy(), humanize.Bytes(uint64(len(raw))))
	r.printf("  Method:     %s\n", cfg.Method)
	r.printf("  Baseline Y: %d\n", target.BaselineY)
	r.printf("  Root X:     %.2f\n", target.RootX)
	return nil
}

func (r *Root) auditFrame(path, manifestPath, previousPath string) error {
	m, err := config.LoadManifest(manifestPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	run, err := runner.New(r.cfg, m, runner.Deps{Logger: r.log})
	if err != nil {
		return err
	}
	var prev *image.NRGBA
	if previousPath != "" {
		if prev, _, err = sprite.Load(previousPath); err != nil {
			return fmt.Errorf("load previous: %w", err)
		}
	}

	res, err := run.Inspect(data, prev)
	if err != nil {
		return err
	}
	att := res.Attempt
	r.printf("Frame: %s (%s)\n", path, humanize.Bytes(uint64(len(data))))
	r.printf("  Target:    baseline %d, root %.2f\n", res.Target.BaselineY, res.Target.RootX)
	if att.Alignment != nil {
		r.printf("  Shift:     %+d,%+d (requested %+d, clamped %t)\n",
			att.Alignment.ShiftX, att.Alignment.ShiftY, att.Alignment.RequestedShiftX, att.Alignment.Clamped)
	}
	r.printf("  Composite: %.3f (%s)\n", att.Composite, att.Rank)

	metrics := make([]string, 0, len(att.Scores))
	for k := range att.Scores {
		metrics = append(metrics, string(k))
	}
	sort.Strings(metrics)
	for _, k := range metrics {
		r.printf("  %-16s %.4f\n", k+":", att.Scores[audit.Metric(k)])
	}
	if len(att.Codes) == 0 {
		r.printf("  Result:    pass\n")
	} else {
		r.printf("  Result:    %s\n", joinCodes(att.Codes))
		for _, c := range att.Codes {
			r.printf("    %s: %s\n", c, runner.Hint(c))
		}
	}
	if len(att.Warnings) > 0 {
		r.printf("  Warnings:  %s\n", joinCodes(att.Warnings))
	}
	return nil
}

func (r *Root) serve(ctx context.Context, addr string) error {
	ledger, err := r.openLedger(r.cfg.Paths, true)
	if err != nil {
		r.log.Warn("ledger unavailable; serving run state only", "error", err)
	}
	defer ledger.Close()
	srv := server.NewServer(addr, ledger, server.DirState(r.cfg.Paths.OutputDir), nil, r.log)
	err = r.serveFn(ctx, srv)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func lastAttempt(f runner.FrameState) *runner.Attempt {
	if len(f.Attempts) == 0 {
		return nil
	}
	return &f.Attempts[len(f.Attempts)-1]
}

func joinCodes(codes []failure.Code) string {
	parts := make([]string, len(codes))
	for i, c := range codes {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}
