// Package bridge implements the per-worker daemon: config loading, prompt
// construction, CLI spawning, and the poll loop that ties tasks, mail,
// heartbeats, and permissions together.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jaakkos/teambridge/internal/pathsafe"
	"github.com/jaakkos/teambridge/internal/perms"
	"github.com/jaakkos/teambridge/internal/worktree"
)

// Providers the bridge knows how to spawn.
const (
	ProviderClaude = "claude"
	ProviderCodex  = "codex"
)

// Permission enforcement modes.
const (
	EnforcementOff     = "off"
	EnforcementAudit   = "audit"
	EnforcementEnforce = "enforce"
)

// Defaults applied by Validate.
const (
	DefaultPollIntervalMs       = 3000
	DefaultTaskTimeoutMs        = 600000
	DefaultMaxConsecutiveErrors = 3
	DefaultOutboxMaxLines       = 500
	DefaultMaxRetries           = 5
)

// ErrConfigInvalid wraps every startup validation failure.
var ErrConfigInvalid = errors.New("invalid bridge config")

// Config is the per-worker daemon configuration. It lives in memory only;
// nothing ever writes it back to disk.
type Config struct {
	TeamName              string                   `json:"teamName"`
	WorkerName            string                   `json:"workerName"`
	Provider              string                   `json:"provider"`
	Model                 string                   `json:"model,omitempty"`
	WorkingDirectory      string                   `json:"workingDirectory"`
	PollIntervalMs        int64                    `json:"pollIntervalMs,omitempty"`
	TaskTimeoutMs         int64                    `json:"taskTimeoutMs,omitempty"`
	MaxConsecutiveErrors  int                      `json:"maxConsecutiveErrors,omitempty"`
	OutboxMaxLines        int                      `json:"outboxMaxLines,omitempty"`
	MaxRetries            int                      `json:"maxRetries,omitempty"`
	PermissionEnforcement string                   `json:"permissionEnforcement,omitempty"`
	Permissions           *perms.WorkerPermissions `json:"permissions,omitempty"`
}

// LoadConfig reads, trust-checks, parses, and validates a bridge config.
// The path must resolve under home and carry a trusted subpath marker.
func LoadConfig(path string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("%w: resolve home: %v", ErrConfigInvalid, err)
	}
	resolved, err := resolveTrustedPath(path, home)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfigInvalid, resolved, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfigInvalid, resolved, err)
	}
	if err := cfg.Validate(home); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveTrustedPath confines a config path to the home directory with a
// trusted marker. The containing directory is resolved through symlinks
// and re-checked, so a parent symlinked outside home cannot slip through.
func resolveTrustedPath(path, home string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	resolvedHome, err := filepath.EvalSymlinks(home)
	if err != nil {
		resolvedHome = filepath.Clean(home)
	}
	dir := filepath.Dir(abs)
	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		resolvedDir = filepath.Clean(dir)
	}
	resolved := filepath.Join(resolvedDir, filepath.Base(abs))
	if !isUnder(resolved, resolvedHome) {
		return "", fmt.Errorf("%w: config %s resolves outside home", ErrConfigInvalid, path)
	}
	slashed := filepath.ToSlash(resolved)
	if !strings.Contains(slashed, "/.claude/") && !strings.Contains(slashed, "/.omc/") {
		return "", fmt.Errorf("%w: config %s lacks a trusted subpath marker", ErrConfigInvalid, path)
	}
	return resolved, nil
}

func isUnder(path, base string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Validate checks required fields, sanitizes names, verifies the working
// directory, and applies defaults.
func (c *Config) Validate(home string) error {
	if c.TeamName == "" || c.WorkerName == "" || c.Provider == "" || c.WorkingDirectory == "" {
		return fmt.Errorf("%w: teamName, workerName, provider, and workingDirectory are required", ErrConfigInvalid)
	}
	team, err := pathsafe.SanitizeName(c.TeamName)
	if err != nil {
		return fmt.Errorf("%w: teamName: %v", ErrConfigInvalid, err)
	}
	c.TeamName = team
	worker, err := pathsafe.SanitizeName(c.WorkerName)
	if err != nil {
		return fmt.Errorf("%w: workerName: %v", ErrConfigInvalid, err)
	}
	c.WorkerName = worker
	if c.Provider != ProviderClaude && c.Provider != ProviderCodex {
		return fmt.Errorf("%w: provider %q not in {%s, %s}", ErrConfigInvalid, c.Provider, ProviderClaude, ProviderCodex)
	}

	info, err := os.Stat(c.WorkingDirectory)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: workingDirectory %s is not a directory", ErrConfigInvalid, c.WorkingDirectory)
	}
	resolvedWd, err := filepath.EvalSymlinks(c.WorkingDirectory)
	if err != nil {
		return fmt.Errorf("%w: resolve workingDirectory: %v", ErrConfigInvalid, err)
	}
	resolvedHome, err := filepath.EvalSymlinks(home)
	if err != nil {
		resolvedHome = filepath.Clean(home)
	}
	if !isUnder(resolvedWd, resolvedHome) {
		return fmt.Errorf("%w: workingDirectory %s resolves outside home", ErrConfigInvalid, c.WorkingDirectory)
	}
	if !worktree.IsGitRepo(resolvedWd) {
		return fmt.Errorf("%w: workingDirectory %s is not inside a git worktree", ErrConfigInvalid, c.WorkingDirectory)
	}
	c.WorkingDirectory = resolvedWd

	switch c.PermissionEnforcement {
	case "":
		c.PermissionEnforcement = EnforcementOff
	case EnforcementOff, EnforcementAudit, EnforcementEnforce:
	default:
		return fmt.Errorf("%w: permissionEnforcement %q not in {off, audit, enforce}", ErrConfigInvalid, c.PermissionEnforcement)
	}
	if c.Permissions != nil {
		if err := perms.ValidateAllowedPatterns(c.Permissions.AllowedPaths); err != nil {
			return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
		}
	}

	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = DefaultPollIntervalMs
	}
	if c.TaskTimeoutMs <= 0 {
		c.TaskTimeoutMs = DefaultTaskTimeoutMs
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if c.OutboxMaxLines <= 0 {
		c.OutboxMaxLines = DefaultOutboxMaxLines
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return nil
}
