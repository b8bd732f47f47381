// Package tmux wraps the terminal multiplexer as a host for named detached
// worker sessions. Each (team, worker) pair maps to one session; the bridge
// daemon runs inside it so workers survive lead restarts. Arguments are
// always passed as argv, never interpolated into a shell string.
package tmux

import (
	"fmt"
	"log"
	"os/exec"
	"strings"

	"github.com/jaakkos/teambridge/internal/pathsafe"
)

const sessionPrefix = "omc-team"

// SessionName returns the canonical session identifier for a worker.
// Inputs are sanitized again here; the raw values are used only if
// sanitization fails.
func SessionName(team, worker string) string {
	if t, err := pathsafe.SanitizeName(team); err == nil {
		team = t
	}
	if w, err := pathsafe.SanitizeName(worker); err == nil {
		worker = w
	}
	return fmt.Sprintf("%s_%s_%s", sessionPrefix, team, worker)
}

// Host creates and controls detached tmux sessions.
type Host struct {
	logger *log.Logger
}

// NewHost returns a session host.
func NewHost(logger *log.Logger) *Host {
	return &Host{logger: logger}
}

// CreateSession starts a detached session for the worker in cwd running
// command. The session name is derived from (team, worker).
func (h *Host) CreateSession(team, worker, cwd string, command ...string) error {
	name := SessionName(team, worker)
	args := []string{"new-session", "-d", "-s", name, "-c", cwd}
	args = append(args, command...)
	out, err := runTmux(args...)
	if err != nil {
		return fmt.Errorf("tmux new-session %s: %w\noutput: %s", name, err, out)
	}
	h.logger.Printf("SessionHost: created session %s (cwd=%s)", name, cwd)
	return nil
}

// KillSession terminates the worker's session. A session that is already
// gone is not an error.
func (h *Host) KillSession(team, worker string) error {
	name := SessionName(team, worker)
	out, err := runTmux("kill-session", "-t", name)
	if err != nil {
		if isNoSuchSession(out) {
			return nil
		}
		return fmt.Errorf("tmux kill-session %s: %w\noutput: %s", name, err, out)
	}
	h.logger.Printf("SessionHost: killed session %s", name)
	return nil
}

// IsSessionAlive reports whether the worker's session exists.
func (h *Host) IsSessionAlive(team, worker string) bool {
	_, err := runTmux("has-session", "-t", SessionName(team, worker))
	return err == nil
}

// ListActiveSessions returns the names of all bridge-owned sessions.
func (h *Host) ListActiveSessions() ([]string, error) {
	out, err := runTmux("list-sessions", "-F", "#{session_name}")
	if err != nil {
		// No server running means no sessions.
		if isNoSuchSession(out) || strings.Contains(out, "no server running") {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %w\noutput: %s", err, out)
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, sessionPrefix+"_") {
			names = append(names, line)
		}
	}
	return names, nil
}

// SpawnBridgeInSession starts the bridge daemon for a worker inside a fresh
// detached session rooted at the worker's worktree.
func (h *Host) SpawnBridgeInSession(team, worker, cwd, bridgeBinary, configPath string) error {
	return h.CreateSession(team, worker, cwd, bridgeBinary, "run", "--config", configPath)
}

func runTmux(args ...string) (string, error) {
	cmd := exec.Command("tmux", args...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// isNoSuchSession matches tmux's "can't find session" / "no such session"
// diagnostics, which vary across versions. Session absence and the explicit
// error exit are treated as equivalent.
func isNoSuchSession(out string) bool {
	lower := strings.ToLower(out)
	return strings.Contains(lower, "can't find session") ||
		strings.Contains(lower, "no such session") ||
		strings.Contains(lower, "session not found")
}
