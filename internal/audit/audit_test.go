package audit

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func testLog(t *testing.T) *Log {
	t.Helper()
	return New(t.TempDir(), log.New(os.Stderr, "", 0))
}

func TestAppendAndRead(t *testing.T) {
	l := testLog(t)

	l.Append("T", Event{EventType: EventBridgeStart, WorkerName: "w1"})
	l.Append("T", Event{EventType: EventTaskClaimed, WorkerName: "w1", TaskID: "3"})
	l.Append("T", Event{EventType: EventTaskClaimed, WorkerName: "w2", TaskID: "4"})

	got, err := l.Read("T", Filter{})
	if err != nil || len(got) != 3 {
		t.Fatalf("read all: %+v, %v", got, err)
	}
	if got[0].EventType != EventBridgeStart || got[0].TeamName != "T" || got[0].Timestamp == "" {
		t.Errorf("event 0 = %+v", got[0])
	}

	got, err = l.Read("T", Filter{EventType: EventTaskClaimed, WorkerName: "w1"})
	if err != nil || len(got) != 1 || got[0].TaskID != "3" {
		t.Fatalf("filtered read: %+v, %v", got, err)
	}

	got, err = l.Read("T", Filter{Limit: 2})
	if err != nil || len(got) != 2 {
		t.Fatalf("limited read: %+v, %v", got, err)
	}
}

func TestRead_SkipsMalformedAndMissing(t *testing.T) {
	l := testLog(t)

	if got, err := l.Read("T", Filter{}); err != nil || got != nil {
		t.Fatalf("missing log: %+v, %v", got, err)
	}

	l.Append("T", Event{EventType: EventWorkerIdle, WorkerName: "w1"})
	path := filepath.Join(l.LogsDir, "team-bridge-T.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("corrupt line\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()
	l.Append("T", Event{EventType: EventWorkerIdle, WorkerName: "w2"})

	got, err := l.Read("T", Filter{})
	if err != nil || len(got) != 2 {
		t.Fatalf("read around corruption: %+v, %v", got, err)
	}
}

func TestRead_SinceFilter(t *testing.T) {
	l := testLog(t)
	l.Append("T", Event{EventType: EventWorkerIdle, WorkerName: "w1",
		Timestamp: time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)})
	l.Append("T", Event{EventType: EventWorkerIdle, WorkerName: "w1"})

	got, err := l.Read("T", Filter{Since: time.Now().Add(-time.Minute)})
	if err != nil || len(got) != 1 {
		t.Fatalf("since filter: %+v, %v", got, err)
	}
}

// Rotation keeps the recent half of the trail and the 0o600 permission.
func TestRotate(t *testing.T) {
	l := testLog(t)
	for i := 0; i < 10; i++ {
		l.Append("T", Event{EventType: EventWorkerIdle, WorkerName: fmt.Sprintf("w%d", i)})
	}

	rotated, err := l.Rotate("T", 100)
	if err != nil || !rotated {
		t.Fatalf("rotated=%v err=%v", rotated, err)
	}

	got, err := l.Read("T", Filter{})
	if err != nil || len(got) != 5 {
		t.Fatalf("post-rotation read: %d events, %v", len(got), err)
	}
	// The newest events survive.
	if got[len(got)-1].WorkerName != "w9" || got[0].WorkerName != "w5" {
		t.Errorf("kept range = %s..%s", got[0].WorkerName, got[len(got)-1].WorkerName)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(l.LogsDir, "team-bridge-T.jsonl"))
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("mode = %v", info.Mode().Perm())
		}
	}
}

func TestRotate_UnderThresholdNoop(t *testing.T) {
	l := testLog(t)
	l.Append("T", Event{EventType: EventWorkerIdle, WorkerName: "w1"})

	rotated, err := l.Rotate("T", DefaultMaxSize)
	if err != nil || rotated {
		t.Fatalf("rotated=%v err=%v", rotated, err)
	}
	// Missing log is also a no-op.
	rotated, err = l.Rotate("empty-team", 1)
	if err != nil || rotated {
		t.Fatalf("missing: rotated=%v err=%v", rotated, err)
	}
}

func TestAppend_NeverFails(t *testing.T) {
	// Point the log at a path that cannot be a directory.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "logs")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	l := New(blocker, log.New(os.Stderr, "", 0))
	// Must not panic, must not return anything.
	l.Append("T", Event{EventType: EventBridgeStart, WorkerName: "w1"})
}
