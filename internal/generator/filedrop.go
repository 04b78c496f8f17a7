package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"spritegate/internal/fsutil"
)

// pngTrailer is the IEND chunk every complete PNG stream ends with.
var pngTrailer = []byte{0, 0, 0, 0, 'I', 'E', 'N', 'D', 0xae, 0x42, 0x60, 0x82}

// FileDrop exchanges requests and results with an out-of-process generator
// through a shared directory. Requests land in requests/<key>.json; the
// generator answers with results/<key>.png or results/<key>.error.json.
type FileDrop struct {
	requests string
	results  string
	timeout  time.Duration
	logger   *slog.Logger
}

// dropError is the body of a <key>.error.json answer.
type dropError struct {
	Class             Class   `json:"class"`
	Message           string  `json:"message"`
	RetryAfterSeconds float64 `json:"retry_after_seconds,omitempty"`
}

// NewFileDrop prepares the exchange directories under dir.
func NewFileDrop(dir string, timeout time.Duration, logger *slog.Logger) (*FileDrop, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &FileDrop{
		requests: filepath.Join(dir, "requests"),
		results:  filepath.Join(dir, "results"),
		timeout:  timeout,
		logger:   logger,
	}
	for _, d := range []string{f.requests, f.results} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}
	return f, nil
}

// Close is a no-op; watchers live only for the duration of a call.
func (f *FileDrop) Close() error { return nil }

// RequestPath returns where the request for key is written.
func (f *FileDrop) RequestPath(key string) string {
	return filepath.Join(f.requests, key+".json")
}

// ResultDir returns the directory watched for answers.
func (f *FileDrop) ResultDir() string {
	return f.results
}

// Generate writes the request and waits for the matching answer.
func (f *FileDrop) Generate(ctx context.Context, req Request) (Result, error) {
	key := req.Key()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Result{}, &Error{Class: ClassTransient, Err: err}
	}
	defer watcher.Close()
	if err := watcher.Add(f.results); err != nil {
		return Result{}, &Error{Class: ClassTransient, Err: err}
	}

	encoded, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return Result{}, &Error{Class: ClassFailFast, Err: err}
	}
	if err := fsutil.WriteFileAtomic(f.RequestPath(key), encoded, 0o644); err != nil {
		return Result{}, &Error{Class: ClassTransient, Err: err}
	}
	f.logger.Debug("generator request dropped", "key", key, "path", f.RequestPath(key))

	// The answer may already exist from an earlier, interrupted call.
	if res, done, err := f.collect(key); done {
		return res, err
	}

	var timeout <-chan time.Time
	if f.timeout > 0 {
		timer := time.NewTimer(f.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()

		case <-timeout:
			return Result{}, &Error{Class: ClassTransient, Err: fmt.Errorf("%s: %w", key, ErrTimeout)}

		case event, ok := <-watcher.Events:
			if !ok {
				return Result{}, &Error{Class: ClassTransient, Err: errors.New("result watcher closed")}
			}
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create,
				event.Op&fsnotify.Write == fsnotify.Write:
			default:
				continue
			}
			name := filepath.Base(event.Name)
			if name != key+".png" && name != key+".error.json" {
				continue
			}
			if res, done, err := f.collect(key); done {
				return res, err
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return Result{}, &Error{Class: ClassTransient, Err: errors.New("result watcher closed")}
			}
			f.logger.Warn("result watcher error", "key", key, "error", err)
		}
	}
}

// collect reads a finished answer for key. done is false while nothing
// complete is available yet.
func (f *FileDrop) collect(key string) (Result, bool, error) {
	errPath := filepath.Join(f.results, key+".error.json")
	if data, err := os.ReadFile(errPath); err == nil {
		var de dropError
		if err := json.Unmarshal(data, &de); err != nil {
			// Possibly half written; wait for the next event.
			return Result{}, false, nil
		}
		class := de.Class
		switch class {
		case ClassFailFast, ClassTransient, ClassRateLimited:
		default:
			class = ClassFailFast
		}
		return Result{}, true, &Error{
			Class:      class,
			RetryAfter: time.Duration(de.RetryAfterSeconds * float64(time.Second)),
			Err:        errors.New(de.Message),
		}
	}

	data, err := os.ReadFile(filepath.Join(f.results, key+".png"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{}, false, nil
		}
		return Result{}, true, &Error{Class: ClassTransient, Err: err}
	}
	if !bytes.HasSuffix(data, pngTrailer) {
		return Result{}, false, nil
	}
	return Result{Image: data}, true, nil
}
