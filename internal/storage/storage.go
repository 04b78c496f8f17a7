package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"spritegate/internal/config"
)

// Store wraps the SQLite-backed QA ledger of runs, attempts and stop events.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the ledger at path with the given driver and
// ensures schema. driver is config.DriverModernc or config.DriverMattn.
func New(driver, path string) (*Store, error) {
	if driver == "" {
		driver = config.DriverModernc
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenReadOnly opens an existing ledger without write access. Used by the
// status API so it never competes with the orchestrator.
func OpenReadOnly(driver, path string) (*Store, error) {
	if driver == "" {
		driver = config.DriverModernc
	}
	db, err := sql.Open(driver, "file:"+path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open ledger read-only: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            run_id TEXT PRIMARY KEY,
            character_name TEXT,
            move TEXT NOT NULL,
            frames INTEGER NOT NULL,
            status TEXT NOT NULL,
            stop_reason TEXT,
            retry_rate REAL,
            reject_rate REAL,
            started_at TEXT NOT NULL,
            updated_at TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS frame_attempts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            frame_index INTEGER NOT NULL,
            attempt INTEGER NOT NULL,
            seed TEXT,
            prompt_hash TEXT,
            strategy TEXT,
            score REAL,
            result TEXT NOT NULL,
            primary_code TEXT,
            all_codes TEXT,
            ssim REAL,
            palette_fidelity REAL,
            baseline_residual REAL,
            halo_fraction REAL,
            orphan_count INTEGER,
            mapd REAL,
            file_path TEXT,
            created_at TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS attempt_codes (
            run_id TEXT NOT NULL,
            frame_index INTEGER NOT NULL,
            attempt INTEGER NOT NULL,
            code TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS stop_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            reason TEXT NOT NULL,
            frame_index INTEGER,
            retry_rate REAL,
            reject_rate REAL,
            consecutive_fails INTEGER,
            created_at TEXT NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_frame_attempts_run ON frame_attempts(run_id, frame_index, attempt);`,
		`CREATE INDEX IF NOT EXISTS idx_attempt_codes_run ON attempt_codes(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_stop_events_run ON stop_events(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord summarizes a run.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	Character  string    `json:"character,omitempty"`
	Move       string    `json:"move"`
	Frames     int       `json:"frames"`
	Status     string    `json:"status"`
	StopReason string    `json:"stop_reason,omitempty"`
	RetryRate  float64   `json:"retry_rate"`
	RejectRate float64   `json:"reject_rate"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AttemptRecord is one audited attempt.
type AttemptRecord struct {
	RunID            string    `json:"run_id"`
	FrameIndex       int       `json:"frame_index"`
	Attempt          int       `json:"attempt"`
	Seed             uint64    `json:"seed"`
	PromptHash       string    `json:"prompt_hash"`
	Strategy         string    `json:"strategy"`
	Score            float64   `json:"score"`
	Result           string    `json:"result"`
	Codes            []string  `json:"codes,omitempty"`
	SSIM             float64   `json:"ssim"`
	PaletteFidelity  float64   `json:"palette_fidelity"`
	BaselineResidual float64   `json:"baseline_residual"`
	HaloFraction     float64   `json:"halo_fraction"`
	OrphanCount      int       `json:"orphan_count"`
	MAPD             *float64  `json:"mapd,omitempty"`
	FilePath         string    `json:"file_path,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// PrimaryCode returns the first reason code, if any.
func (a AttemptRecord) PrimaryCode() string {
	if len(a.Codes) == 0 {
		return ""
	}
	return a.Codes[0]
}

// StopEvent records why a run ended early.
type StopEvent struct {
	RunID            string    `json:"run_id"`
	Reason           string    `json:"reason"`
	FrameIndex       int       `json:"frame_index"`
	RetryRate        float64   `json:"retry_rate"`
	RejectRate       float64   `json:"reject_rate"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	CreatedAt        time.Time `json:"created_at"`
}

// CodeCount is a reason code with its occurrence count.
type CodeCount struct {
	Code  string `json:"code"`
	Count int    `json:"count"`
}

// RecordRun inserts or updates a run summary.
func (s *Store) RecordRun(rec RunRecord) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC()
	started := rec.StartedAt
	if started.IsZero() {
		started = now
	}
	_, err := s.DB.Exec(`INSERT INTO runs (run_id, character_name, move, frames, status, stop_reason, retry_rate, reject_rate, started_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(run_id) DO UPDATE SET status=excluded.status, stop_reason=excluded.stop_reason,
            retry_rate=excluded.retry_rate, reject_rate=excluded.reject_rate, updated_at=excluded.updated_at;`,
		rec.RunID, rec.Character, rec.Move, rec.Frames, rec.Status, rec.StopReason, rec.RetryRate, rec.RejectRate,
		formatTime(started), formatTime(now))
	return err
}

// RecordAttempt appends an attempt and its reason codes.
func (s *Store) RecordAttempt(rec AttemptRecord) error {
	if s == nil {
		return nil
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	var mapd sql.NullFloat64
	if rec.MAPD != nil {
		mapd = sql.NullFloat64{Float64: *rec.MAPD, Valid: true}
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO frame_attempts (run_id, frame_index, attempt, seed, prompt_hash, strategy, score, result, primary_code, all_codes,
            ssim, palette_fidelity, baseline_residual, halo_fraction, orphan_count, mapd, file_path, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.FrameIndex, rec.Attempt, strconv.FormatUint(rec.Seed, 10), rec.PromptHash, rec.Strategy, rec.Score,
		rec.Result, rec.PrimaryCode(), strings.Join(rec.Codes, ","),
		rec.SSIM, rec.PaletteFidelity, rec.BaselineResidual, rec.HaloFraction, rec.OrphanCount, mapd, rec.FilePath,
		formatTime(created))
	if err != nil {
		return err
	}
	for _, code := range rec.Codes {
		if _, err := tx.Exec(`INSERT INTO attempt_codes (run_id, frame_index, attempt, code) VALUES (?, ?, ?, ?);`,
			rec.RunID, rec.FrameIndex, rec.Attempt, code); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecordStop appends a stop event.
func (s *Store) RecordStop(ev StopEvent) error {
	if s == nil {
		return nil
	}
	created := ev.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.DB.Exec(`INSERT INTO stop_events (run_id, reason, frame_index, retry_rate, reject_rate, consecutive_fails, created_at) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		ev.RunID, ev.Reason, ev.FrameIndex, ev.RetryRate, ev.RejectRate, ev.ConsecutiveFails, formatTime(created))
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, character_name, move, frames, status, stop_reason, retry_rate, reject_rate, started_at, updated_at
        FROM runs ORDER BY updated_at DESC, run_id LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var character, stopReason sql.NullString
		var started, updated string
		if err := rows.Scan(&rec.RunID, &character, &rec.Move, &rec.Frames, &rec.Status, &stopReason,
			&rec.RetryRate, &rec.RejectRate, &started, &updated); err != nil {
			return nil, err
		}
		rec.Character = character.String
		rec.StopReason = stopReason.String
		rec.StartedAt = parseTime(started)
		rec.UpdatedAt = parseTime(updated)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// FrameAttempts returns every attempt of a run ordered by frame and attempt.
func (s *Store) FrameAttempts(runID string) ([]AttemptRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, frame_index, attempt, seed, prompt_hash, strategy, score, result, all_codes,
            ssim, palette_fidelity, baseline_residual, halo_fraction, orphan_count, mapd, file_path, created_at
        FROM frame_attempts WHERE run_id=? ORDER BY frame_index, attempt, id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []AttemptRecord
	for rows.Next() {
		var rec AttemptRecord
		var seed, promptHash, strategy, codes, filePath sql.NullString
		var mapd sql.NullFloat64
		var created string
		if err := rows.Scan(&rec.RunID, &rec.FrameIndex, &rec.Attempt, &seed, &promptHash, &strategy, &rec.Score, &rec.Result, &codes,
			&rec.SSIM, &rec.PaletteFidelity, &rec.BaselineResidual, &rec.HaloFraction, &rec.OrphanCount, &mapd, &filePath, &created); err != nil {
			return nil, err
		}
		if seed.Valid {
			rec.Seed, _ = strconv.ParseUint(seed.String, 10, 64)
		}
		rec.PromptHash = promptHash.String
		rec.Strategy = strategy.String
		if codes.String != "" {
			rec.Codes = strings.Split(codes.String, ",")
		}
		if mapd.Valid {
			v := mapd.Float64
			rec.MAPD = &v
		}
		rec.FilePath = filePath.String
		rec.CreatedAt = parseTime(created)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CodeFrequency counts reason codes for a run, most frequent first. An empty
// runID counts across all runs.
func (s *Store) CodeFrequency(runID string) ([]CodeCount, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT code, COUNT(*) AS n FROM attempt_codes
        WHERE (? = '' OR run_id = ?) GROUP BY code ORDER BY n DESC, code;`, runID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CodeCount
	for rows.Next() {
		var c CodeCount
		if err := rows.Scan(&c.Code, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// StopEvents returns the stop events of a run in order.
func (s *Store) StopEvents(runID string) ([]StopEvent, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, reason, frame_index, retry_rate, reject_rate, consecutive_fails, created_at
        FROM stop_events WHERE run_id=? ORDER BY id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StopEvent
	for rows.Next() {
		var ev StopEvent
		var created string
		if err := rows.Scan(&ev.RunID, &ev.Reason, &ev.FrameIndex, &ev.RetryRate, &ev.RejectRate, &ev.ConsecutiveFails, &created); err != nil {
			return nil, err
		}
		ev.CreatedAt = parseTime(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
