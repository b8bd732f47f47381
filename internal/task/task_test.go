package task

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func seedTask(t *testing.T, s *Store, team string, task *Task) {
	t.Helper()
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.Blocks == nil {
		task.Blocks = []string{}
	}
	if task.BlockedBy == nil {
		task.BlockedBy = []string{}
	}
	if err := s.WriteTask(team, task); err != nil {
		t.Fatalf("seed task %s: %v", task.ID, err)
	}
}

func TestReadTask_MissingAndMalformed(t *testing.T) {
	s := testStore(t)

	got, err := s.ReadTask("alpha", "1")
	if err != nil || got != nil {
		t.Fatalf("missing task: got %v, %v", got, err)
	}

	// Malformed JSON reads as nil, not an error.
	dir := filepath.Join(s.Root, "alpha")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "1.json"), []byte("{nope"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err = s.ReadTask("alpha", "1")
	if err != nil || got != nil {
		t.Fatalf("malformed task: got %v, %v", got, err)
	}
}

func TestWriteRead_PreservesUnknownFields(t *testing.T) {
	s := testStore(t)
	dir := filepath.Join(s.Root, "alpha")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	raw := `{"id":"1","subject":"s","description":"d","status":"pending","owner":"w1","blocks":[],"blockedBy":[],"futureField":{"x":1}}`
	if err := os.WriteFile(filepath.Join(dir, "1.json"), []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := s.ReadTask("alpha", "1")
	if err != nil || got == nil {
		t.Fatalf("read: %v, %v", got, err)
	}
	if _, ok := got.Extra["futureField"]; !ok {
		t.Fatal("unknown field not captured")
	}

	if err := s.WriteTask("alpha", got); err != nil {
		t.Fatalf("write back: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "1.json"))
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["futureField"]; !ok {
		t.Error("unknown field dropped on rewrite")
	}
}

func TestUpdateTask(t *testing.T) {
	s := testStore(t)
	seedTask(t, s, "alpha", &Task{ID: "1", Subject: "s", Owner: "w1"})

	got, err := s.UpdateTask("alpha", "1", map[string]any{"status": StatusCompleted}, true)
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %s", got.Status)
	}

	if _, err := s.UpdateTask("alpha", "nope", map[string]any{"status": "x"}, true); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestListTaskIds_NumericPreferringOrder(t *testing.T) {
	s := testStore(t)
	for _, id := range []string{"10", "2", "1", "alpha", "beta.1"} {
		seedTask(t, s, "T", &Task{ID: id, Owner: "w1"})
	}
	ids, err := s.ListTaskIds("T")
	if err != nil {
		t.Fatalf("ListTaskIds: %v", err)
	}
	want := []string{"1", "2", "10", "alpha", "beta.1"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

// Two concurrent claimers race for the same task; exactly one wins.
func TestFindNextTask_RaceSingleClaim(t *testing.T) {
	s := testStore(t)
	seedTask(t, s, "T", &Task{ID: "1", Subject: "s", Owner: "w1"})

	var wg sync.WaitGroup
	results := make([]*Task, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.FindNextTask("T", "w1")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("claimer %d: %v", i, err)
		}
	}
	won := 0
	for _, r := range results {
		if r != nil {
			won++
			if r.Status != StatusInProgress || r.ClaimedBy != "w1" {
				t.Errorf("claimed task state: %+v", r)
			}
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}

	onDisk, err := s.ReadTask("T", "1")
	if err != nil || onDisk == nil {
		t.Fatalf("read after claim: %v, %v", onDisk, err)
	}
	if onDisk.Status != StatusInProgress {
		t.Errorf("on-disk status = %s", onDisk.Status)
	}
	if _, err := os.Stat(filepath.Join(s.Root, "T", "1.lock")); !os.IsNotExist(err) {
		t.Error("lock file left behind")
	}
}

// Blocked tasks are skipped until their blockers complete.
func TestFindNextTask_BlockerGate(t *testing.T) {
	s := testStore(t)
	seedTask(t, s, "T", &Task{ID: "1", Owner: "w1"})
	seedTask(t, s, "T", &Task{ID: "2", Owner: "w1", BlockedBy: []string{"1"}})

	got, err := s.FindNextTask("T", "w1")
	if err != nil || got == nil || got.ID != "1" {
		t.Fatalf("first claim: %v, %v", got, err)
	}

	if _, err := s.UpdateTask("T", "1", map[string]any{"status": StatusCompleted}, true); err != nil {
		t.Fatal(err)
	}
	got, err = s.FindNextTask("T", "w1")
	if err != nil || got == nil || got.ID != "2" {
		t.Fatalf("second claim: %v, %v", got, err)
	}

	// Reset: 2 blocked again by a pending 1 → only 1 is claimable.
	if _, err := s.UpdateTask("T", "1", map[string]any{"status": StatusPending}, true); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateTask("T", "2", map[string]any{"status": StatusPending, "blockedBy": []string{"1"}}, true); err != nil {
		t.Fatal(err)
	}
	got, err = s.FindNextTask("T", "w1")
	if err != nil || got == nil || got.ID != "1" {
		t.Fatalf("reset claim: %v, %v", got, err)
	}
}

func TestFindNextTask_OwnerFilter(t *testing.T) {
	s := testStore(t)
	seedTask(t, s, "T", &Task{ID: "1", Owner: "other"})

	got, err := s.FindNextTask("T", "w1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("claimed task owned by someone else: %+v", got)
	}
}

// Stale locks from dead pids are reaped; locks held by live pids are not.
func TestAcquireTaskLock_StaleReap(t *testing.T) {
	s := testStore(t)
	seedTask(t, s, "T", &Task{ID: "1", Owner: "w1"})
	lockFile := filepath.Join(s.Root, "T", "1.lock")

	// Dead pid, backdated beyond staleLockMs.
	payload, _ := json.Marshal(lockPayload{Pid: 999999, WorkerName: "ghost", Timestamp: 1})
	if err := os.WriteFile(lockFile, payload, 0o600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(lockFile, old, old); err != nil {
		t.Fatal(err)
	}
	release, err := s.AcquireTaskLock("T", "1", "w1")
	if err != nil {
		t.Fatalf("expected stale lock reaped: %v", err)
	}
	release()

	// Our own (live) pid holds the lock: never reaped, even with staleLockMs=1.
	payload, _ = json.Marshal(lockPayload{Pid: os.Getpid(), WorkerName: "self", Timestamp: 1})
	if err := os.WriteFile(lockFile, payload, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(lockFile, old, old); err != nil {
		t.Fatal(err)
	}
	s.StaleLockMs = 1
	if _, err := s.AcquireTaskLock("T", "1", "w1"); err == nil {
		t.Fatal("expected lock held by live pid")
	}
}

func TestAcquireTaskLock_MalformedOldPayload(t *testing.T) {
	s := testStore(t)
	seedTask(t, s, "T", &Task{ID: "1", Owner: "w1"})
	lockFile := filepath.Join(s.Root, "T", "1.lock")

	if err := os.WriteFile(lockFile, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(lockFile, old, old); err != nil {
		t.Fatal(err)
	}

	release, err := s.AcquireTaskLock("T", "1", "w1")
	if err != nil {
		t.Fatalf("old malformed lock should be stale: %v", err)
	}
	release()
}

func TestWithTaskLock_ReleasesOnError(t *testing.T) {
	s := testStore(t)
	seedTask(t, s, "T", &Task{ID: "1", Owner: "w1"})

	wantErr := errors.New("boom")
	held, err := s.WithTaskLock("T", "1", "w1", func() error { return wantErr })
	if !held || !errors.Is(err, wantErr) {
		t.Fatalf("held=%v err=%v", held, err)
	}

	// Lock must be gone.
	held, err = s.WithTaskLock("T", "1", "w1", func() error { return nil })
	if !held || err != nil {
		t.Fatalf("lock not released: held=%v err=%v", held, err)
	}
}

func TestFailureSidecar(t *testing.T) {
	s := testStore(t)

	if f, err := s.ReadTaskFailure("T", "1"); err != nil || f != nil {
		t.Fatalf("absent sidecar: %v, %v", f, err)
	}

	n, err := s.WriteTaskFailure("T", "1", "first")
	if err != nil || n != 1 {
		t.Fatalf("first failure: %d, %v", n, err)
	}
	n, err = s.WriteTaskFailure("T", "1", "second")
	if err != nil || n != 2 {
		t.Fatalf("second failure: %d, %v", n, err)
	}

	f, err := s.ReadTaskFailure("T", "1")
	if err != nil || f == nil {
		t.Fatalf("read sidecar: %v", err)
	}
	if f.RetryCount != 2 || f.LastError != "second" || f.TaskID != "1" {
		t.Errorf("sidecar = %+v", f)
	}

	exhausted, err := s.IsRetryExhausted("T", "1", 2)
	if err != nil || !exhausted {
		t.Errorf("expected exhausted at max=2: %v, %v", exhausted, err)
	}
	exhausted, err = s.IsRetryExhausted("T", "1", 3)
	if err != nil || exhausted {
		t.Errorf("expected not exhausted at max=3: %v, %v", exhausted, err)
	}
}

func TestFailureSidecar_NotListedAsTask(t *testing.T) {
	s := testStore(t)
	seedTask(t, s, "T", &Task{ID: "1", Owner: "w1"})
	if _, err := s.WriteTaskFailure("T", "1", "x"); err != nil {
		t.Fatal(err)
	}
	ids, err := s.ListTaskIds("T")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "1" {
		t.Errorf("ids = %v", ids)
	}
}
