package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"spritegate/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return NewWriter(os.Stdout, level, format)
}

// NewWriter is New with an explicit destination.
func NewWriter(w io.Writer, level string, format string) *slog.Logger {
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)}))
	}
	return slog.New(NewTraditionalHandler(w, parseLevel(level)))
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Setup configures global logging with stdout and a dated log file.
func Setup(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	level := parseLevel(cfg.Logging.Level)

	writers := []io.Writer{os.Stdout}
	var closer io.Closer = nopCloser{}

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("spritegate-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)
		closer = file

		// Symlink failure is not fatal; the dated file is still written.
		currentLogPath := filepath.Join(cfg.Logging.LogDir, "spritegate-current.log")
		_ = os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	out := io.MultiWriter(writers...)
	var handler slog.Handler
	if strings.ToLower(cfg.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = NewTraditionalHandler(out, level)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Debug("spritegate logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// TraditionalHandler implements slog.Handler with traditional log formatting:
// "[LEVEL] message [k=v ...]".
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
	group  string
}

// NewTraditionalHandler writes to w with the standard log timestamp prefix.
func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: level}
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, h.format(a))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.format(a))
		return true
	})

	msg := r.Message
	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) format(a slog.Attr) string {
	if h.group != "" {
		return fmt.Sprintf("%s.%s=%v", h.group, a.Key, a.Value)
	}
	return fmt.Sprintf("%s=%v", a.Key, a.Value)
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	next := *h
	if h.group != "" {
		name = h.group + "." + name
	}
	next.group = name
	return &next
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFrameStart logs the beginning of a frame cycle.
func LogFrameStart(logger *slog.Logger, runID string, frame, attempt int, strategy string) {
	logger.Info("frame started",
		"run_id", runID,
		"frame", frame,
		"attempt", attempt,
		"strategy", strategy,
	)
}

// LogAttempt logs an audited attempt.
func LogAttempt(logger *slog.Logger, frame, attempt int, composite float64, codes []string, rawBytes int) {
	logger.Info("attempt audited",
		"frame", frame,
		"attempt", attempt,
		"composite", fmt.Sprintf("%.3f", composite),
		"codes", strings.Join(codes, ","),
		"size", humanize.Bytes(uint64(rawBytes)),
	)
}

// LogDecision logs the retry ladder's answer for an attempt.
func LogDecision(logger *slog.Logger, frame, attempt int, action, verdict string, terminal bool) {
	logger.Debug("ladder decision",
		"frame", frame,
		"attempt", attempt,
		"action", action,
		"verdict", verdict,
		"terminal", terminal,
	)
}

// LogFrameFinal logs a frame reaching Approved or Rejected.
func LogFrameFinal(logger *slog.Logger, frame int, status, verdict string, attempts int, duration time.Duration) {
	level := slog.LevelInfo
	if status != "approved" {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "frame finalized",
		"frame", frame,
		"status", status,
		"verdict", verdict,
		"attempts", attempts,
		"duration_human", duration.Round(time.Millisecond).String(),
	)
}

// LogRunStop logs an early stop of a run.
func LogRunStop(logger *slog.Logger, runID, reason string, retryRate, rejectRate float64, streak int) {
	logger.Error("run stopped",
		"run_id", runID,
		"reason", reason,
		"retry_rate", fmt.Sprintf("%.2f", retryRate),
		"reject_rate", fmt.Sprintf("%.2f", rejectRate),
		"consecutive_fails", streak,
	)
}

// LogSafetyValve logs a frame whose drift the aligner could not correct.
func LogSafetyValve(logger *slog.Logger, frame, requestedShift, appliedShift int, residual float64) {
	logger.Warn("alignment safety valve",
		"frame", frame,
		"requested_shift_x", requestedShift,
		"applied_shift_x", appliedShift,
		"residual_px", fmt.Sprintf("%.2f", residual),
	)
}
