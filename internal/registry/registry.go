// Package registry records team membership in two places: the canonical
// per-team config under the user's home, whose schema an external host
// owns, and a project-local shadow file that is always ours to write.
// A probe result decides whether the canonical file is touched at all.
package registry

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jaakkos/teambridge/internal/pathsafe"
)

// Probe outcomes.
const (
	ProbePass    = "pass"
	ProbeFail    = "fail"
	ProbePartial = "partial"
)

// Write strategies selected by the probe.
const (
	StrategyCanonical = "canonical"
	StrategyShadow    = "shadow"
)

// BackendTmux marks bridge-managed workers in member records.
const BackendTmux = "tmux"

// Member is one worker's registry row.
type Member struct {
	AgentID       string   `json:"agentId"`
	Name          string   `json:"name"`
	AgentType     string   `json:"agentType"`
	Model         string   `json:"model"`
	JoinedAt      int64    `json:"joinedAt"`
	SessionID     string   `json:"sessionId"`
	Cwd           string   `json:"cwd"`
	BackendType   string   `json:"backendType"`
	Subscriptions []string `json:"subscriptions"`
}

// ProbeResult reports whether the canonical config format accepts our rows.
type ProbeResult struct {
	ProbeResult string `json:"probeResult"`
	ProbedAt    string `json:"probedAt"`
	Version     string `json:"version"`
}

// shadowFile is the on-disk shape of the project-local registry.
type shadowFile struct {
	Workers []Member `json:"workers"`
}

// Registry manages both storage backs. TeamsRoot is normally
// <home>/.claude/teams and StateDir <project>/.omc/state.
type Registry struct {
	TeamsRoot string
	StateDir  string
	Logger    *log.Logger
}

// New returns a registry over the given roots.
func New(teamsRoot, stateDir string, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Registry{TeamsRoot: teamsRoot, StateDir: stateDir, Logger: logger}
}

func (r *Registry) shadowPath() string {
	return filepath.Join(r.StateDir, "team-mcp-workers.json")
}

func (r *Registry) probePath() string {
	return filepath.Join(r.StateDir, "config-probe-result.json")
}

func (r *Registry) canonicalPath(team string) (string, error) {
	t, err := pathsafe.SanitizeName(team)
	if err != nil {
		return "", err
	}
	p := filepath.Join(r.TeamsRoot, t, "config.json")
	if _, err := pathsafe.ValidateResolvedPath(p, r.TeamsRoot); err != nil {
		return "", err
	}
	return p, nil
}

// ReadProbeResult returns the probe outcome, or nil when never probed.
func (r *Registry) ReadProbeResult() *ProbeResult {
	var pr ProbeResult
	if err := pathsafe.ReadJSON(r.probePath(), &pr); err != nil {
		return nil
	}
	return &pr
}

// WriteProbeResult persists a probe outcome.
func (r *Registry) WriteProbeResult(result, version string) error {
	pr := ProbeResult{
		ProbeResult: result,
		ProbedAt:    time.Now().UTC().Format(time.RFC3339),
		Version:     version,
	}
	return pathsafe.AtomicWriteJSON(r.probePath(), pr)
}

// GetRegistrationStrategy selects the write strategy: canonical only when
// the probe passed, shadow in every other case including no probe at all.
func (r *Registry) GetRegistrationStrategy() string {
	pr := r.ReadProbeResult()
	if pr != nil && pr.ProbeResult == ProbePass {
		return StrategyCanonical
	}
	return StrategyShadow
}

// NewMember builds a worker's registry row.
func NewMember(team, worker, provider, model, sessionID, cwd string) Member {
	return Member{
		AgentID:       fmt.Sprintf("%s@%s", worker, team),
		Name:          worker,
		AgentType:     "mcp-" + provider,
		Model:         model,
		JoinedAt:      time.Now().UnixMilli(),
		SessionID:     sessionID,
		Cwd:           cwd,
		BackendType:   BackendTmux,
		Subscriptions: []string{},
	}
}

// RegisterMcpWorker writes the member row to the shadow registry and, when
// the probe passed, also to the canonical config. Canonical failures are
// logged, never fatal.
func (r *Registry) RegisterMcpWorker(team string, m Member) error {
	if err := r.upsertShadow(team, m); err != nil {
		return fmt.Errorf("shadow register %s: %w", m.Name, err)
	}
	if r.GetRegistrationStrategy() == StrategyCanonical {
		if err := r.upsertCanonical(team, m); err != nil {
			r.Logger.Printf("warn: canonical register %s/%s: %v", team, m.Name, err)
		}
	}
	return nil
}

// UnregisterMcpWorker removes the worker's row from both backs. Canonical
// failures are logged, never fatal.
func (r *Registry) UnregisterMcpWorker(team, worker string) error {
	if err := r.removeShadow(team, worker); err != nil {
		return fmt.Errorf("shadow unregister %s: %w", worker, err)
	}
	if err := r.removeCanonical(team, worker); err != nil {
		r.Logger.Printf("warn: canonical unregister %s/%s: %v", team, worker, err)
	}
	return nil
}

// ListMcpWorkers merges both backs; on a name collision the shadow row wins.
func (r *Registry) ListMcpWorkers(team string) ([]Member, error) {
	shadow, err := r.readShadow(team)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(shadow))
	out := make([]Member, 0, len(shadow))
	for _, m := range shadow {
		seen[m.Name] = true
		out = append(out, m)
	}
	for _, m := range r.readCanonicalMembers(team) {
		if !seen[m.Name] {
			out = append(out, m)
		}
	}
	return out, nil
}

// ShadowMembers returns only the shadow rows for a team.
func (r *Registry) ShadowMembers(team string) ([]Member, error) {
	return r.readShadow(team)
}

// CanonicalMembers returns the parseable canonical rows for a team.
func (r *Registry) CanonicalMembers(team string) []Member {
	return r.readCanonicalMembers(team)
}

// IsMcpWorker reports whether a member row is one of ours.
func IsMcpWorker(m Member) bool {
	return m.BackendType == BackendTmux
}

func memberTeam(m Member) string {
	if i := strings.LastIndexByte(m.AgentID, '@'); i >= 0 {
		return m.AgentID[i+1:]
	}
	return ""
}

func (r *Registry) readShadow(team string) ([]Member, error) {
	var sf shadowFile
	if err := pathsafe.ReadJSON(r.shadowPath(), &sf); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Member
	for _, m := range sf.Workers {
		if memberTeam(m) == team {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *Registry) upsertShadow(team string, m Member) error {
	return r.rewriteShadow(func(workers []Member) []Member {
		out := workers[:0]
		for _, w := range workers {
			if w.Name == m.Name && memberTeam(w) == team {
				continue
			}
			out = append(out, w)
		}
		return append(out, m)
	})
}

func (r *Registry) removeShadow(team, worker string) error {
	return r.rewriteShadow(func(workers []Member) []Member {
		out := workers[:0]
		for _, w := range workers {
			if w.Name == worker && memberTeam(w) == team {
				continue
			}
			out = append(out, w)
		}
		return out
	})
}

func (r *Registry) rewriteShadow(mutate func([]Member) []Member) error {
	var sf shadowFile
	if err := pathsafe.ReadJSON(r.shadowPath(), &sf); err != nil && !os.IsNotExist(err) {
		return err
	}
	sf.Workers = mutate(sf.Workers)
	if sf.Workers == nil {
		sf.Workers = []Member{}
	}
	return pathsafe.AtomicWriteJSON(r.shadowPath(), &sf)
}

// readCanonicalMembers returns only the rows we can parse as members.
// Foreign rows stay on disk untouched but do not surface in listings
// unless they carry at least a name.
func (r *Registry) readCanonicalMembers(team string) []Member {
	path, err := r.canonicalPath(team)
	if err != nil {
		return nil
	}
	_, rows, err := readCanonicalFile(path)
	if err != nil {
		return nil
	}
	var out []Member
	for _, raw := range rows {
		var m Member
		if err := json.Unmarshal(raw, &m); err != nil || m.Name == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// readCanonicalFile parses the canonical config without losing anything:
// the top-level object is kept as raw JSON and members[] as raw rows.
func readCanonicalFile(path string) (map[string]json.RawMessage, []json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]json.RawMessage{}, nil, nil
		}
		return nil, nil, err
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	var rows []json.RawMessage
	if raw, ok := top["members"]; ok {
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, nil, fmt.Errorf("parse members in %s: %w", path, err)
		}
	}
	return top, rows, nil
}

func writeCanonicalFile(path string, top map[string]json.RawMessage, rows []json.RawMessage) error {
	if rows == nil {
		rows = []json.RawMessage{}
	}
	membersRaw, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	top["members"] = membersRaw
	return pathsafe.AtomicWriteJSON(path, top)
}

// rowName extracts the "name" key from a raw member row.
func rowName(raw json.RawMessage) string {
	var probe struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.Name
}

func (r *Registry) upsertCanonical(team string, m Member) error {
	path, err := r.canonicalPath(team)
	if err != nil {
		return err
	}
	top, rows, err := readCanonicalFile(path)
	if err != nil {
		return err
	}
	kept := rows[:0]
	for _, raw := range rows {
		if rowName(raw) == m.Name {
			continue
		}
		kept = append(kept, raw)
	}
	row, err := json.Marshal(m)
	if err != nil {
		return err
	}
	kept = append(kept, row)
	return writeCanonicalFile(path, top, kept)
}

func (r *Registry) removeCanonical(team, worker string) error {
	path, err := r.canonicalPath(team)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return nil
	}
	top, rows, err := readCanonicalFile(path)
	if err != nil {
		return err
	}
	kept := rows[:0]
	for _, raw := range rows {
		if rowName(raw) == worker {
			continue
		}
		kept = append(kept, raw)
	}
	return writeCanonicalFile(path, top, kept)
}
