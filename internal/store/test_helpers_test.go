package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/atsh/internal/event"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// beginTestRun inserts a run row so events can reference it.
func beginTestRun(t *testing.T, s *Store, runID string) {
	t.Helper()
	err := s.BeginRun(context.Background(), Run{
		RunID:      runID,
		JobID:      7,
		ATSName:    "demo",
		ATSVersion: "1.0.0",
		Mode:       "standalone",
		StartedSeq: 1,
		StartedAt:  testEpoch,
	})
	if err != nil {
		t.Fatalf("BeginRun() failed: %v", err)
	}
}

// createTestEvent creates an event with minimal required fields.
func createTestEvent(runID string, seq int64, class event.Class, kind string) event.Event {
	return event.Event{
		Seq:   seq,
		Time:  testEpoch.Add(time.Duration(seq) * time.Millisecond),
		RunID: runID,
		JobID: 7,
		Class: class,
		Kind:  kind,
	}
}
