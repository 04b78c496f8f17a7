// Package state persists run snapshots as JSON files that are replaced
// atomically, so a crash leaves either the previous or the next snapshot.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"spritegate/internal/fsutil"
)

// FileName is the snapshot name inside a run directory.
const FileName = "state.json"

// ErrStateNotFound is returned when no persisted state exists yet.
var ErrStateNotFound = errors.New("run state: state not found")

// Repository stores a snapshot of T inside a run directory.
type Repository[T any] struct {
	path string
}

// NewRepository creates a repository for the run rooted at dir.
func NewRepository[T any](dir string) *Repository[T] {
	return &Repository[T]{path: filepath.Join(dir, FileName)}
}

// Path returns the snapshot location.
func (r *Repository[T]) Path() string {
	return r.path
}

// Load reads the persisted state if present.
func (r *Repository[T]) Load() (T, error) {
	var v T
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return v, ErrStateNotFound
		}
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", r.path, err)
	}
	return v, nil
}

// Save replaces the snapshot via temp file, fsync and rename.
func (r *Repository[T]) Save(v T) error {
	return WriteJSON(r.path, v)
}

// WriteJSON atomically writes v as indented JSON.
func WriteJSON(path string, v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, append(encoded, '\n'), 0o644)
}
