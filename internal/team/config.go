// Package team provides the lead-side view of a team: the YAML
// orchestration config, a unified member view with liveness projection,
// capability-scored task routing, message fan-out, and the worker
// restart policy.
package team

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jaakkos/teambridge/internal/pathsafe"
	"github.com/jaakkos/teambridge/internal/perms"
)

// WorkerSpec describes one worker in the team config.
type WorkerSpec struct {
	Name         string   `yaml:"name"`
	Provider     string   `yaml:"provider"` // "claude" or "codex"
	Model        string   `yaml:"model,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"` // e.g. ["code-edit", "general"]

	AllowedPaths    []string `yaml:"allowed_paths,omitempty"`
	DeniedPaths     []string `yaml:"denied_paths,omitempty"`
	AllowedCommands []string `yaml:"allowed_commands,omitempty"`
	MaxFileSize     int64    `yaml:"max_file_size,omitempty"`
}

// RestartPolicy bounds worker respawns with exponential backoff.
type RestartPolicy struct {
	MaxRestarts   int   `yaml:"max_restarts"`
	BackoffBaseMs int64 `yaml:"backoff_base_ms"`
	BackoffMaxMs  int64 `yaml:"backoff_max_ms"`
	Multiplier    int64 `yaml:"multiplier"`
}

// DefaultRestartPolicy is applied when the config leaves the policy out.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{MaxRestarts: 3, BackoffBaseMs: 5000, BackoffMaxMs: 60000, Multiplier: 2}
}

// Config is the team orchestration file, normally
// <home>/.claude/teams/{team}/team.yaml.
type Config struct {
	TeamName              string         `yaml:"team_name"`
	BaseBranch            string         `yaml:"base_branch,omitempty"`
	PermissionEnforcement string         `yaml:"permission_enforcement,omitempty"` // off, audit, enforce
	Workers               []WorkerSpec   `yaml:"workers"`
	Restart               *RestartPolicy `yaml:"restart,omitempty"`
}

// LoadConfig reads and validates a team config.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read team config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse team config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks names, providers, and permission patterns.
func (c *Config) Validate() error {
	name, err := pathsafe.SanitizeName(c.TeamName)
	if err != nil {
		return fmt.Errorf("team_name: %w", err)
	}
	c.TeamName = name
	if len(c.Workers) == 0 {
		return fmt.Errorf("team config lists no workers")
	}
	switch c.PermissionEnforcement {
	case "", "off", "audit", "enforce":
	default:
		return fmt.Errorf("permission_enforcement %q not in {off, audit, enforce}", c.PermissionEnforcement)
	}
	seen := map[string]bool{}
	for i := range c.Workers {
		w := &c.Workers[i]
		wn, err := pathsafe.SanitizeName(w.Name)
		if err != nil {
			return fmt.Errorf("worker %d name: %w", i, err)
		}
		w.Name = wn
		if seen[wn] {
			return fmt.Errorf("duplicate worker name %q", wn)
		}
		seen[wn] = true
		if w.Provider != "claude" && w.Provider != "codex" {
			return fmt.Errorf("worker %s: provider %q not in {claude, codex}", wn, w.Provider)
		}
		if err := perms.ValidateAllowedPatterns(w.AllowedPaths); err != nil {
			return fmt.Errorf("worker %s: %w", wn, err)
		}
	}
	if c.Restart == nil {
		p := DefaultRestartPolicy()
		c.Restart = &p
	}
	return nil
}

// Permissions projects a worker spec into its runtime policy, or nil when
// the spec sets nothing.
func (w *WorkerSpec) Permissions() *perms.WorkerPermissions {
	if len(w.AllowedPaths) == 0 && len(w.DeniedPaths) == 0 &&
		len(w.AllowedCommands) == 0 && w.MaxFileSize == 0 {
		return nil
	}
	return &perms.WorkerPermissions{
		WorkerName:      w.Name,
		AllowedPaths:    w.AllowedPaths,
		DeniedPaths:     w.DeniedPaths,
		AllowedCommands: w.AllowedCommands,
		MaxFileSize:     w.MaxFileSize,
	}
}
