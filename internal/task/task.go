// Package task implements the shared filesystem task queue. Task records
// live as one JSON file per task under {root}/{team}/; exclusive claims use
// O_CREAT|O_EXCL lock files so that concurrent workers on the same host
// race safely through the kernel.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jaakkos/teambridge/internal/pathsafe"
)

// Task statuses. Once completed, a task never changes status again.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// ErrTaskNotFound is returned by updates against a missing task file.
var ErrTaskNotFound = errors.New("task not found")

// ErrLockHeld is returned when a rival worker holds the claim lock.
var ErrLockHeld = errors.New("task lock held")

// DefaultStaleLockMs is the age beyond which an orphaned lock may be reaped
// (the owning pid must also be dead).
const DefaultStaleLockMs = 30_000

// DefaultMaxRetries gates permanent failure in IsRetryExhausted.
const DefaultMaxRetries = 5

// Task is a single task record. Unknown fields present in the on-disk JSON
// are preserved across updates via Extra.
type Task struct {
	ID          string         `json:"id"`
	Subject     string         `json:"subject"`
	Description string         `json:"description"`
	Status      string         `json:"status"`
	Owner       string         `json:"owner"`
	Blocks      []string       `json:"blocks"`
	BlockedBy   []string       `json:"blockedBy"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// Claim marker: the last worker that transitioned the task out of
	// pending under the exclusive lock.
	ClaimedBy string `json:"claimedBy,omitempty"`
	ClaimedAt int64  `json:"claimedAt,omitempty"`
	ClaimPid  int    `json:"claimPid,omitempty"`

	// Extra carries fields this version of the code does not know about.
	Extra map[string]json.RawMessage `json:"-"`
}

var knownTaskFields = map[string]bool{
	"id": true, "subject": true, "description": true, "status": true,
	"owner": true, "blocks": true, "blockedBy": true, "metadata": true,
	"claimedBy": true, "claimedAt": true, "claimPid": true,
}

// UnmarshalJSON keeps unrecognized fields in Extra.
func (t *Task) UnmarshalJSON(data []byte) error {
	type alias Task
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if !knownTaskFields[k] {
			if a.Extra == nil {
				a.Extra = make(map[string]json.RawMessage)
			}
			a.Extra[k] = raw[k]
		}
	}
	*t = Task(a)
	return nil
}

// MarshalJSON re-emits Extra fields alongside the known ones.
func (t Task) MarshalJSON() ([]byte, error) {
	type alias Task
	data, err := json.Marshal(alias(t))
	if err != nil {
		return nil, err
	}
	if len(t.Extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range t.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Failure is the per-task retry sidecar.
type Failure struct {
	TaskID       string `json:"taskId"`
	LastError    string `json:"lastError"`
	RetryCount   int    `json:"retryCount"`
	LastFailedAt int64  `json:"lastFailedAt"`
}

// lockPayload is written into the O_EXCL lock file for staleness checks.
type lockPayload struct {
	Pid        int    `json:"pid"`
	WorkerName string `json:"workerName"`
	Timestamp  int64  `json:"timestamp"`
}

// Store reads and writes task records under Root (normally
// ~/.claude/tasks). Team and task names are sanitized before touching the
// filesystem, and every write is confinement-checked against Root.
type Store struct {
	Root        string
	StaleLockMs int64
}

// NewStore returns a task store rooted at root.
func NewStore(root string) *Store {
	return &Store{Root: root, StaleLockMs: DefaultStaleLockMs}
}

func (s *Store) teamDir(team string) (string, error) {
	t, err := pathsafe.SanitizeName(team)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Root, t), nil
}

func (s *Store) taskPath(team, id string) (string, error) {
	dir, err := s.teamDir(team)
	if err != nil {
		return "", err
	}
	if err := pathsafe.ValidateTaskID(id); err != nil {
		return "", err
	}
	p := filepath.Join(dir, id+".json")
	if _, err := pathsafe.ValidateResolvedPath(p, s.Root); err != nil {
		return "", err
	}
	return p, nil
}

func (s *Store) lockPath(team, id string) (string, error) {
	p, err := s.taskPath(team, id)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(p, ".json") + ".lock", nil
}

func (s *Store) failurePath(team, id string) (string, error) {
	p, err := s.taskPath(team, id)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(p, ".json") + ".failure.json", nil
}

// ReadTask returns the task record, or nil when the file is missing or
// malformed.
func (s *Store) ReadTask(team, id string) (*Task, error) {
	path, err := s.taskPath(team, id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read task %s: %w", id, err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		// Malformed records are treated as absent rather than poisoning
		// the scan loop.
		return nil, nil
	}
	return &t, nil
}

// WriteTask atomically writes the task record.
func (s *Store) WriteTask(team string, t *Task) error {
	path, err := s.taskPath(team, t.ID)
	if err != nil {
		return err
	}
	return pathsafe.AtomicWriteJSON(path, t)
}

// UpdateTask applies patch to the stored record with read-modify-write,
// preserving unknown fields. The update runs under the task lock by
// default; when the lock cannot be acquired it degrades to an unlocked
// write (documented failure mode, kept for compatibility with writers
// that do not take locks).
func (s *Store) UpdateTask(team, id string, patch map[string]any, useLock bool) (*Task, error) {
	apply := func() (*Task, error) {
		path, err := s.taskPath(team, id)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s/%s", ErrTaskNotFound, team, id)
			}
			return nil, err
		}
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("task %s corrupt: %w", id, err)
		}
		for k, v := range patch {
			enc, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("patch field %s: %w", k, err)
			}
			raw[k] = enc
		}
		merged, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		var t Task
		if err := json.Unmarshal(merged, &t); err != nil {
			return nil, err
		}
		if err := pathsafe.AtomicWriteFile(path, append(merged, '\n')); err != nil {
			return nil, err
		}
		return &t, nil
	}

	if !useLock {
		return apply()
	}
	var out *Task
	held, err := s.WithTaskLock(team, id, "", func() error {
		var aerr error
		out, aerr = apply()
		return aerr
	})
	if err != nil {
		return nil, err
	}
	if !held {
		// Backward-compatible degradation: warn and write unlocked.
		fmt.Fprintf(os.Stderr, "task: lock unavailable for %s/%s, updating without lock\n", team, id)
		return apply()
	}
	return out, nil
}

// ListTaskIds returns the task ids for a team, ordered numeric-preferring:
// two ids that both parse as integers compare numerically, everything else
// lexicographically.
func (s *Store) ListTaskIds(team string) ([]string, error) {
	dir, err := s.teamDir(team)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if strings.HasSuffix(name, ".failure.json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Slice(ids, func(i, j int) bool { return taskIDLess(ids[i], ids[j]) })
	return ids, nil
}

func taskIDLess(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}

// AreBlockersResolved reports whether every blocker of t is completed.
// A blocker whose record is missing counts as unresolved.
func (s *Store) AreBlockersResolved(team string, t *Task) (bool, error) {
	for _, dep := range t.BlockedBy {
		blocker, err := s.ReadTask(team, dep)
		if err != nil {
			return false, err
		}
		if blocker == nil || blocker.Status != StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// FindNextTask scans the team's tasks in id order and claims the first
// pending task owned by worker whose blockers are all completed. Returns
// the claimed record (now in_progress) or nil when nothing is eligible.
func (s *Store) FindNextTask(team, worker string) (*Task, error) {
	ids, err := s.ListTaskIds(team)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		t, err := s.ReadTask(team, id)
		if err != nil {
			return nil, err
		}
		if t == nil || t.Status != StatusPending || t.Owner != worker {
			continue
		}
		ok, err := s.AreBlockersResolved(team, t)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		claimed, err := s.claim(team, id, worker)
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			return claimed, nil
		}
		// Lost the race or eligibility changed under the lock; try the
		// next candidate.
	}
	return nil, nil
}

// claim takes the exclusive lock, re-verifies eligibility, and writes the
// in_progress transition. Returns nil when the lock is unavailable or the
// task is no longer eligible.
func (s *Store) claim(team, id, worker string) (*Task, error) {
	var claimed *Task
	held, err := s.WithTaskLock(team, id, worker, func() error {
		t, err := s.ReadTask(team, id)
		if err != nil {
			return err
		}
		if t == nil || t.Status != StatusPending || t.Owner != worker {
			return nil
		}
		ok, err := s.AreBlockersResolved(team, t)
		if err != nil || !ok {
			return err
		}
		t.Status = StatusInProgress
		t.ClaimedBy = worker
		t.ClaimedAt = time.Now().UnixMilli()
		t.ClaimPid = os.Getpid()
		if err := s.WriteTask(team, t); err != nil {
			return err
		}
		claimed = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !held {
		return nil, nil
	}
	return claimed, nil
}

// AcquireTaskLock creates the exclusive lock file. On EEXIST the existing
// lock is checked for staleness (old enough and owner pid dead, or old
// enough with a malformed payload); a stale lock is unlinked and creation
// retried exactly once. Returns ErrLockHeld when a live rival owns it.
func (s *Store) AcquireTaskLock(team, id, worker string) (release func(), err error) {
	path, err := s.lockPath(team, id)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), pathsafe.DirMode); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, pathsafe.FileMode)
		if err == nil {
			payload, _ := json.Marshal(lockPayload{
				Pid:        os.Getpid(),
				WorkerName: worker,
				Timestamp:  time.Now().UnixMilli(),
			})
			_, _ = f.Write(payload)
			_ = f.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock %s: %w", path, err)
		}
		if attempt == 0 && s.isLockStale(path) {
			_ = os.Remove(path)
			continue
		}
		return nil, fmt.Errorf("%w: %s/%s", ErrLockHeld, team, id)
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrLockHeld, team, id)
}

// isLockStale reports whether the lock file is old enough to reap. A
// parseable payload must also reference a dead pid; a malformed payload
// that is old enough is stale on its own.
func (s *Store) isLockStale(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		// Vanished between EEXIST and stat: the rival released it.
		return false
	}
	staleMs := s.StaleLockMs
	if staleMs <= 0 {
		staleMs = DefaultStaleLockMs
	}
	if time.Since(info.ModTime()) < time.Duration(staleMs)*time.Millisecond {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var payload lockPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Pid <= 0 {
		return true
	}
	return !pidAlive(payload.Pid)
}

// WithTaskLock runs fn while holding the exclusive task lock, releasing on
// both success and error. The first return value is false when the lock
// was unavailable (fn did not run).
func (s *Store) WithTaskLock(team, id, worker string, fn func() error) (bool, error) {
	release, err := s.AcquireTaskLock(team, id, worker)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return false, nil
		}
		return false, err
	}
	defer release()
	return true, fn()
}

// WriteTaskFailure creates or increments the retry sidecar for a task.
// Returns the new retry count.
func (s *Store) WriteTaskFailure(team, id, lastError string) (int, error) {
	path, err := s.failurePath(team, id)
	if err != nil {
		return 0, err
	}
	f, _ := s.ReadTaskFailure(team, id)
	if f == nil {
		f = &Failure{TaskID: id}
	}
	f.RetryCount++
	f.LastError = lastError
	f.LastFailedAt = time.Now().UnixMilli()
	if err := pathsafe.AtomicWriteJSON(path, f); err != nil {
		return 0, err
	}
	return f.RetryCount, nil
}

// ReadTaskFailure returns the failure sidecar, or nil when absent.
func (s *Store) ReadTaskFailure(team, id string) (*Failure, error) {
	path, err := s.failurePath(team, id)
	if err != nil {
		return nil, err
	}
	var f Failure
	if err := pathsafe.ReadJSON(path, &f); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &f, nil
}

// ClearTaskFailure removes the retry sidecar. Missing is fine.
func (s *Store) ClearTaskFailure(team, id string) error {
	path, err := s.failurePath(team, id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsRetryExhausted reports whether the task's retry count has reached max.
func (s *Store) IsRetryExhausted(team, id string, max int) (bool, error) {
	if max <= 0 {
		max = DefaultMaxRetries
	}
	f, err := s.ReadTaskFailure(team, id)
	if err != nil {
		return false, err
	}
	return f != nil && f.RetryCount >= max, nil
}
