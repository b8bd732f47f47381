package team

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jaakkos/teambridge/internal/bridge"
	"github.com/jaakkos/teambridge/internal/pathsafe"
	"github.com/jaakkos/teambridge/internal/registry"
)

// RestartState is the persisted per-worker restart sidecar.
type RestartState struct {
	RestartCount  int    `json:"restartCount"`
	NextBackoffMs int64  `json:"nextBackoffMs"`
	LastRestartAt string `json:"lastRestartAt"`
}

// RestartStore keeps restart sidecars under Root (normally
// <project>/.omc/state/team-bridge).
type RestartStore struct {
	Root string
}

// NewRestartStore returns a restart store rooted at root.
func NewRestartStore(root string) *RestartStore {
	return &RestartStore{Root: root}
}

func (s *RestartStore) path(team, worker string) (string, error) {
	t, err := pathsafe.SanitizeName(team)
	if err != nil {
		return "", err
	}
	w, err := pathsafe.SanitizeName(worker)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Root, t, w+".restart.json"), nil
}

func (s *RestartStore) read(team, worker string) (*RestartState, error) {
	path, err := s.path(team, worker)
	if err != nil {
		return nil, err
	}
	var st RestartState
	if err := pathsafe.ReadJSON(path, &st); err != nil {
		if os.IsNotExist(err) {
			return &RestartState{}, nil
		}
		return nil, err
	}
	return &st, nil
}

// ShouldRestart returns the backoff delay before the next respawn, or
// ok=false once the restart budget is spent.
func (s *RestartStore) ShouldRestart(team, worker string, policy RestartPolicy) (backoffMs int64, ok bool, err error) {
	st, err := s.read(team, worker)
	if err != nil {
		return 0, false, err
	}
	if st.RestartCount >= policy.MaxRestarts {
		return 0, false, nil
	}
	backoff := policy.BackoffBaseMs
	for i := 0; i < st.RestartCount; i++ {
		backoff *= policy.Multiplier
		if backoff >= policy.BackoffMaxMs {
			backoff = policy.BackoffMaxMs
			break
		}
	}
	if backoff > policy.BackoffMaxMs {
		backoff = policy.BackoffMaxMs
	}
	return backoff, true, nil
}

// RecordRestart increments the persisted counter.
func (s *RestartStore) RecordRestart(team, worker string, policy RestartPolicy) error {
	st, err := s.read(team, worker)
	if err != nil {
		return err
	}
	st.RestartCount++
	next := policy.BackoffBaseMs
	for i := 0; i < st.RestartCount; i++ {
		next *= policy.Multiplier
		if next >= policy.BackoffMaxMs {
			next = policy.BackoffMaxMs
			break
		}
	}
	st.NextBackoffMs = next
	st.LastRestartAt = time.Now().UTC().Format(time.RFC3339)
	path, err := s.path(team, worker)
	if err != nil {
		return err
	}
	return pathsafe.AtomicWriteJSON(path, st)
}

// ClearRestartState removes the sidecar after a clean run.
func (s *RestartStore) ClearRestartState(team, worker string) error {
	path, err := s.path(team, worker)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SynthesizeBridgeConfig rebuilds an in-memory bridge config from a
// registry row so a supervisor can respawn a worker. The config is never
// persisted.
func SynthesizeBridgeConfig(m registry.Member, team string) *bridge.Config {
	provider := strings.TrimPrefix(m.AgentType, "mcp-")
	return &bridge.Config{
		TeamName:         team,
		WorkerName:       m.Name,
		Provider:         provider,
		Model:            m.Model,
		WorkingDirectory: m.Cwd,
	}
}
