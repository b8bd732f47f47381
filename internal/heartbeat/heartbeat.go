// Package heartbeat tracks worker liveness through per-worker JSON files
// under the project state directory. A worker rewrites its file every loop
// iteration; the lead judges liveness by timestamp age.
package heartbeat

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jaakkos/teambridge/internal/pathsafe"
)

// DefaultMaxAgeMs is the liveness threshold when callers pass 0.
const DefaultMaxAgeMs = 30_000

// Worker loop statuses recorded in heartbeats.
const (
	StatePolling     = "polling"
	StateExecuting   = "executing"
	StateShutdown    = "shutdown"
	StateQuarantined = "quarantined"
)

// Heartbeat is one worker's liveness record.
type Heartbeat struct {
	WorkerName        string `json:"workerName"`
	TeamName          string `json:"teamName"`
	Provider          string `json:"provider"`
	Pid               int    `json:"pid"`
	LastPollAt        string `json:"lastPollAt"`
	CurrentTaskID     string `json:"currentTaskId,omitempty"`
	ConsecutiveErrors int    `json:"consecutiveErrors"`
	Status            string `json:"status"`
}

// Store reads and writes heartbeats under Root (normally
// <project>/.omc/state/team-bridge).
type Store struct {
	Root string
}

// NewStore returns a heartbeat store rooted at root.
func NewStore(root string) *Store {
	return &Store{Root: root}
}

func (s *Store) path(team, worker string) (string, error) {
	t, err := pathsafe.SanitizeName(team)
	if err != nil {
		return "", err
	}
	w, err := pathsafe.SanitizeName(worker)
	if err != nil {
		return "", err
	}
	p := filepath.Join(s.Root, t, w+".heartbeat.json")
	if _, err := pathsafe.ValidateResolvedPath(p, s.Root); err != nil {
		return "", err
	}
	return p, nil
}

// Write records a heartbeat, stamping pid and time.
func (s *Store) Write(team, worker, provider, status, taskID string, consecutiveErrors int) error {
	path, err := s.path(team, worker)
	if err != nil {
		return err
	}
	hb := Heartbeat{
		WorkerName:        worker,
		TeamName:          team,
		Provider:          provider,
		Pid:               os.Getpid(),
		LastPollAt:        time.Now().UTC().Format(time.RFC3339),
		CurrentTaskID:     taskID,
		ConsecutiveErrors: consecutiveErrors,
		Status:            status,
	}
	return pathsafe.AtomicWriteJSON(path, hb)
}

// Read returns a worker's heartbeat, or nil when absent or malformed.
func (s *Store) Read(team, worker string) (*Heartbeat, error) {
	path, err := s.path(team, worker)
	if err != nil {
		return nil, err
	}
	var hb Heartbeat
	if err := pathsafe.ReadJSON(path, &hb); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		// Malformed heartbeats read as absent; the worker will rewrite on
		// its next iteration.
		return nil, nil
	}
	return &hb, nil
}

// List returns every heartbeat recorded for a team.
func (s *Store) List(team string) ([]Heartbeat, error) {
	t, err := pathsafe.SanitizeName(team)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.Root, t)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Heartbeat
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".heartbeat.json") {
			continue
		}
		worker := strings.TrimSuffix(name, ".heartbeat.json")
		hb, err := s.Read(team, worker)
		if err != nil || hb == nil {
			continue
		}
		out = append(out, *hb)
	}
	return out, nil
}

// IsWorkerAlive reports whether a worker's heartbeat is fresher than
// maxAgeMs. Absent heartbeats and unparseable timestamps count as dead.
func (s *Store) IsWorkerAlive(team, worker string, maxAgeMs int64) (bool, error) {
	if maxAgeMs <= 0 {
		maxAgeMs = DefaultMaxAgeMs
	}
	hb, err := s.Read(team, worker)
	if err != nil {
		return false, err
	}
	if hb == nil {
		return false, nil
	}
	ts, err := time.Parse(time.RFC3339, hb.LastPollAt)
	if err != nil {
		return false, nil
	}
	return time.Since(ts) <= time.Duration(maxAgeMs)*time.Millisecond, nil
}

// Delete removes a worker's heartbeat. Missing files are a no-op.
func (s *Store) Delete(team, worker string) error {
	path, err := s.path(team, worker)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CleanupStale removes heartbeats older than maxAgeMs and returns the
// workers whose records were reaped.
func (s *Store) CleanupStale(team string, maxAgeMs int64) ([]string, error) {
	if maxAgeMs <= 0 {
		maxAgeMs = DefaultMaxAgeMs
	}
	hbs, err := s.List(team)
	if err != nil {
		return nil, err
	}
	var reaped []string
	for _, hb := range hbs {
		ts, perr := time.Parse(time.RFC3339, hb.LastPollAt)
		if perr == nil && time.Since(ts) <= time.Duration(maxAgeMs)*time.Millisecond {
			continue
		}
		if err := s.Delete(team, hb.WorkerName); err != nil {
			return reaped, err
		}
		reaped = append(reaped, hb.WorkerName)
	}
	return reaped, nil
}
