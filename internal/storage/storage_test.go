package storage

import (
	"path/filepath"
	"testing"

	"spritegate/internal/config"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := New(config.DriverModernc, path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestRecordRunUpserts(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.RecordRun(RunRecord{RunID: "r1", Move: "walk", Frames: 8, Status: "in_progress"}); err != nil {
		t.Fatalf("record run: %v", err)
	}
	if err := s.RecordRun(RunRecord{RunID: "r1", Move: "walk", Frames: 8, Status: "stopped", StopReason: "reject_rate", RejectRate: 0.4}); err != nil {
		t.Fatalf("record run: %v", err)
	}

	runs, err := s.RecentRuns(10)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].Status != "stopped" || runs[0].StopReason != "reject_rate" || runs[0].RejectRate != 0.4 {
		t.Fatalf("unexpected run %+v", runs[0])
	}
	if runs[0].StartedAt.IsZero() || runs[0].UpdatedAt.Before(runs[0].StartedAt) {
		t.Fatalf("unexpected timestamps %+v", runs[0])
	}
}

func TestAttemptsAndCodeFrequency(t *testing.T) {
	s, _ := newTestStore(t)
	mapd := 0.03
	attempts := []AttemptRecord{
		{RunID: "r1", FrameIndex: 0, Attempt: 0, Seed: 1<<63 + 5, Strategy: "initial", Score: 0.7, Result: "retry",
			Codes: []string{"SF01_IDENTITY_DRIFT", "SF08_COMPOSITE_LOW"}},
		{RunID: "r1", FrameIndex: 0, Attempt: 1, Strategy: "identity_rescue", Score: 0.9, Result: "approved", MAPD: &mapd},
		{RunID: "r1", FrameIndex: 1, Attempt: 0, Strategy: "initial", Result: "retry", Codes: []string{"SF01_IDENTITY_DRIFT"}},
		{RunID: "r2", FrameIndex: 0, Attempt: 0, Strategy: "initial", Result: "rejected", Codes: []string{"HF01_CORRUPT"}},
	}
	for _, a := range attempts {
		if err := s.RecordAttempt(a); err != nil {
			t.Fatalf("record attempt: %v", err)
		}
	}

	got, err := s.FrameAttempts("r1")
	if err != nil {
		t.Fatalf("frame attempts: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(got))
	}
	if got[0].Seed != 1<<63+5 {
		t.Fatalf("expected seed to survive storage, got %d", got[0].Seed)
	}
	if got[0].PrimaryCode() != "SF01_IDENTITY_DRIFT" || len(got[0].Codes) != 2 {
		t.Fatalf("unexpected codes %v", got[0].Codes)
	}
	if got[1].MAPD == nil || *got[1].MAPD != 0.03 || got[0].MAPD != nil {
		t.Fatalf("unexpected mapd values %v %v", got[0].MAPD, got[1].MAPD)
	}

	freq, err := s.CodeFrequency("r1")
	if err != nil {
		t.Fatalf("code frequency: %v", err)
	}
	if len(freq) != 2 || freq[0].Code != "SF01_IDENTITY_DRIFT" || freq[0].Count != 2 {
		t.Fatalf("unexpected frequency %+v", freq)
	}

	all, err := s.CodeFrequency("")
	if err != nil {
		t.Fatalf("code frequency: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 distinct codes across runs, got %+v", all)
	}
}

func TestStopEventsAndReadOnly(t *testing.T) {
	s, path := newTestStore(t)
	if err := s.RecordStop(StopEvent{RunID: "r1", Reason: "reject_rate 0.40 > 0.30", FrameIndex: 5, RejectRate: 0.4}); err != nil {
		t.Fatalf("record stop: %v", err)
	}

	ro, err := OpenReadOnly(config.DriverModernc, path)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	defer ro.Close()

	events, err := ro.StopEvents("r1")
	if err != nil {
		t.Fatalf("stop events: %v", err)
	}
	if len(events) != 1 || events[0].FrameIndex != 5 {
		t.Fatalf("unexpected events %+v", events)
	}
	if err := ro.RecordStop(StopEvent{RunID: "r1", Reason: "x"}); err == nil {
		t.Fatalf("expected write to read-only ledger to fail")
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if err := s.RecordRun(RunRecord{RunID: "r"}); err != nil {
		t.Fatalf("expected nil store to ignore writes, got %v", err)
	}
	if _, err := s.RecentRuns(1); err == nil {
		t.Fatalf("expected reads on nil store to fail")
	}
}
