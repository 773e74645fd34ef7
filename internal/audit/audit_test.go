package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pixelated/dispatcher/internal/backend"
	"github.com/pixelated/dispatcher/internal/events"
	"github.com/pixelated/dispatcher/internal/logging"
	"github.com/pixelated/dispatcher/internal/notify"
)

func testLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path, logging.New(false))
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestFollowTransitionsPersistsBusEvents(t *testing.T) {
	l := testLog(t)
	bus := events.New()
	l.FollowTransitions(bus)

	bus.Publish(notify.Event{Type: notify.EventAgentStarted, User: "alice", Port: 5001, Timestamp: time.Now()})
	bus.Publish(notify.Event{Type: notify.EventAgentStopped, User: "alice", Timestamp: time.Now()})

	var got []notify.Event
	for i := 0; i < 50; i++ {
		var err error
		got, err = l.RecentTransitions(10)
		if err != nil {
			t.Fatalf("RecentTransitions: %v", err)
		}
		if len(got) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 persisted transitions, got %d", len(got))
	}
	if got[0].Type != notify.EventAgentStopped {
		t.Errorf("expected newest-first ordering, got %+v", got[0])
	}
}

type fakeReporter struct{ usage backend.MemoryUsage }

func (f fakeReporter) MemoryUsage(context.Context) (backend.MemoryUsage, error) {
	return f.usage, nil
}

func TestStartMemorySnapshotsRecordsOnSchedule(t *testing.T) {
	l := testLog(t)
	reporter := fakeReporter{usage: backend.MemoryUsage{TotalBytes: 1024, AverageBytes: 1024}}

	if err := l.StartMemorySnapshots(reporter, "@every 20ms"); err != nil {
		t.Fatalf("StartMemorySnapshots: %v", err)
	}

	var snaps []MemorySnapshot
	for i := 0; i < 50; i++ {
		var err error
		snaps, err = l.RecentMemorySnapshots(5)
		if err != nil {
			t.Fatalf("RecentMemorySnapshots: %v", err)
		}
		if len(snaps) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(snaps) == 0 {
		t.Fatal("expected at least one memory snapshot to be recorded")
	}
	if snaps[0].Usage.TotalBytes != 1024 {
		t.Errorf("TotalBytes = %d, want 1024", snaps[0].Usage.TotalBytes)
	}
}
