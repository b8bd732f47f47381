// Package perms evaluates per-worker filesystem and command policies.
// Paths are matched as globs relative to the worker's working directory,
// commands by prefix. A fixed set of deny patterns protects credentials
// and repository internals no matter what a policy says.
package perms

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnsafePattern is returned for policy patterns that would grant
// blanket access.
var ErrUnsafePattern = errors.New("unsafe permission pattern")

// SecureDenyDefaults are prepended to every effective policy and cannot
// be overridden.
var SecureDenyDefaults = []string{
	".git/**",
	".env*",
	"**/.env*",
	"**/secrets/**",
	"**/.ssh/**",
	"**/node_modules/.cache/**",
}

// WorkerPermissions is one worker's policy. A zero MaxFileSize means no cap.
type WorkerPermissions struct {
	WorkerName      string   `json:"workerName"`
	AllowedPaths    []string `json:"allowedPaths,omitempty"`
	DeniedPaths     []string `json:"deniedPaths,omitempty"`
	AllowedCommands []string `json:"allowedCommands,omitempty"`
	MaxFileSize     int64    `json:"maxFileSize,omitempty"`
}

// Violation explains why one path failed the policy.
type Violation struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// relativize normalizes target to a slash-separated path relative to cwd.
// The second return is false when the target escapes cwd.
func relativize(target, cwd string) (string, bool) {
	var rel string
	if filepath.IsAbs(target) {
		r, err := filepath.Rel(cwd, target)
		if err != nil {
			return "", false
		}
		rel = r
	} else {
		rel = filepath.Clean(target)
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return rel, false
	}
	if rel == "." {
		rel = ""
	}
	return rel, true
}

// IsPathAllowed applies the decision order: escape check, deny patterns
// (defaults first), then the allow list. An empty allow list allows
// everything not denied.
func IsPathAllowed(target string, p *WorkerPermissions, cwd string) bool {
	_, reason := checkPath(target, p, cwd)
	return reason == ""
}

// checkPath returns the normalized path and the first failing reason, or
// "" when allowed.
func checkPath(target string, p *WorkerPermissions, cwd string) (string, string) {
	rel, inside := relativize(target, cwd)
	if !inside {
		return rel, "escapes working directory"
	}
	for _, pat := range SecureDenyDefaults {
		if MatchGlob(pat, rel) {
			return rel, fmt.Sprintf("denied by pattern %q", pat)
		}
	}
	if p != nil {
		for _, pat := range p.DeniedPaths {
			if MatchGlob(pat, rel) {
				return rel, fmt.Sprintf("denied by pattern %q", pat)
			}
		}
		if len(p.AllowedPaths) > 0 {
			for _, pat := range p.AllowedPaths {
				if MatchGlob(pat, rel) {
					return rel, ""
				}
			}
			return rel, "not in allowed paths"
		}
	}
	return rel, ""
}

// IsCommandAllowed reports whether a command line passes the prefix list.
// An empty list allows everything.
func IsCommandAllowed(command string, p *WorkerPermissions) bool {
	if p == nil || len(p.AllowedCommands) == 0 {
		return true
	}
	cmd := strings.TrimSpace(command)
	for _, prefix := range p.AllowedCommands {
		if strings.HasPrefix(cmd, prefix) {
			return true
		}
	}
	return false
}

// FindPermissionViolations classifies each failing path with its first
// failing reason. Paths that pass produce no entry.
func FindPermissionViolations(paths []string, p *WorkerPermissions, cwd string) []Violation {
	var out []Violation
	for _, path := range paths {
		if _, reason := checkPath(path, p, cwd); reason != "" {
			out = append(out, Violation{Path: path, Reason: reason})
		}
	}
	return out
}

// FormatPermissionInstructions renders the policy for prompt injection.
// "No restrictions" appears only when no restrictive field is set at all.
func FormatPermissionInstructions(p *WorkerPermissions) string {
	if p == nil || (len(p.AllowedPaths) == 0 && len(p.DeniedPaths) == 0 &&
		len(p.AllowedCommands) == 0 && p.MaxFileSize == 0) {
		return "No restrictions."
	}
	var b strings.Builder
	b.WriteString("File and command restrictions for this session:\n")
	if len(p.AllowedPaths) > 0 {
		b.WriteString("- You may only modify paths matching: ")
		b.WriteString(strings.Join(p.AllowedPaths, ", "))
		b.WriteString("\n")
	}
	if len(p.DeniedPaths) > 0 {
		b.WriteString("- You must not touch paths matching: ")
		b.WriteString(strings.Join(p.DeniedPaths, ", "))
		b.WriteString("\n")
	}
	if len(p.AllowedCommands) > 0 {
		b.WriteString("- You may only run commands starting with: ")
		b.WriteString(strings.Join(p.AllowedCommands, ", "))
		b.WriteString("\n")
	}
	if p.MaxFileSize > 0 {
		fmt.Fprintf(&b, "- Files you create or modify must stay under %d bytes.\n", p.MaxFileSize)
	}
	return b.String()
}

// ValidateAllowedPatterns rejects blanket-access patterns in an allow
// list: bare `**`, bare `*`, and negation shorthand.
func ValidateAllowedPatterns(patterns []string) error {
	for _, pat := range patterns {
		trimmed := strings.TrimSpace(pat)
		if trimmed == "**" || trimmed == "*" {
			return fmt.Errorf("%w: %q grants unrestricted access", ErrUnsafePattern, pat)
		}
		if strings.HasPrefix(trimmed, "!") {
			return fmt.Errorf("%w: negation %q is not supported", ErrUnsafePattern, pat)
		}
	}
	return nil
}
