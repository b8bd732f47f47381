// Package pathsafe provides the filesystem primitives every store in the
// bridge is built on: atomic JSON writes, mode-enforced appends, and
// symlink-resolving path confinement checks. Nothing in this package knows
// about teams or workers; callers pass fully constructed paths plus the
// base directory they must stay under.
package pathsafe

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrPathTraversal is returned when a candidate path resolves outside its base.
var ErrPathTraversal = errors.New("path escapes base directory")

// ErrInvalidName is returned when a team/worker/task name sanitizes to nothing.
var ErrInvalidName = errors.New("invalid name")

const (
	// FileMode is the mode for every file the bridge creates.
	FileMode fs.FileMode = 0o600
	// DirMode is the mode for every directory the bridge creates.
	DirMode fs.FileMode = 0o700
)

// SanitizeName strips every character outside [A-Za-z0-9_.-] from s, then
// strips leading characters until the first alphanumeric. An empty result
// is rejected with ErrInvalidName. Every team, worker, and task fragment
// embedded in a path or session name goes through this.
func SanitizeName(s string) (string, error) {
	var b strings.Builder
	for _, r := range s {
		if isSafeNameRune(r) {
			b.WriteRune(r)
		}
	}
	out := b.String()
	for len(out) > 0 && !isAlnum(out[0]) {
		out = out[1:]
	}
	if out == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, s)
	}
	return out, nil
}

func isSafeNameRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '.' || r == '-'
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// ValidateTaskID checks a task id against the allowed character set.
func ValidateTaskID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty task id", ErrInvalidName)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !isAlnum(c) && c != '.' && c != '_' && c != '-' {
			return fmt.Errorf("%w: task id %q", ErrInvalidName, id)
		}
	}
	return nil
}

// ValidateResolvedPath verifies that candidate, after resolving symlinks,
// lies under base. When the candidate does not exist yet, its parent is
// resolved and the basename re-appended. Returns the resolved candidate
// path, or ErrPathTraversal.
func ValidateResolvedPath(candidate, base string) (string, error) {
	resolvedBase, err := resolveExisting(base)
	if err != nil {
		return "", fmt.Errorf("resolve base %s: %w", base, err)
	}
	resolved, err := resolveCandidate(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", candidate, err)
	}
	rel, err := filepath.Rel(resolvedBase, resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %s not relative to %s", ErrPathTraversal, candidate, base)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes %s", ErrPathTraversal, candidate, base)
	}
	// Re-join check: the relative path re-applied to base must land on the
	// same canonical candidate. Guards against tricky .. sequences that
	// survive Rel.
	if filepath.Join(resolvedBase, rel) != resolved {
		return "", fmt.Errorf("%w: %s diverges from %s", ErrPathTraversal, candidate, base)
	}
	return resolved, nil
}

// resolveExisting resolves a path that is expected to exist, falling back
// to cleaning the absolute path when it does not.
func resolveExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return filepath.Clean(abs), nil
}

// resolveCandidate resolves a path that may not exist yet: the deepest
// existing ancestor is resolved through symlinks and the remaining
// components are re-appended.
func resolveCandidate(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	dir, base := filepath.Split(filepath.Clean(abs))
	dir = filepath.Clean(dir)
	if dir == abs {
		// Hit the root without finding anything that exists.
		return abs, nil
	}
	resolvedDir, err := resolveCandidate(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedDir, base), nil
}

// EnsureDir creates dir (and parents) with DirMode.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, DirMode)
}

// EnsureDirUnder validates dir against base, then creates it.
func EnsureDirUnder(dir, base string) error {
	if _, err := ValidateResolvedPath(dir, base); err != nil {
		return err
	}
	return os.MkdirAll(dir, DirMode)
}

// TempPath returns the temp-file path used for atomic replacement of path.
// Both pid and millisecond timestamp are embedded so concurrent writers on
// the same host never collide.
func TempPath(path string) string {
	return fmt.Sprintf("%s.tmp.%d.%d", path, os.Getpid(), time.Now().UnixMilli())
}

// AtomicWriteJSON marshals v and replaces path atomically via a temp file
// and rename. The parent directory is created with DirMode when missing.
func AtomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return AtomicWriteFile(path, append(data, '\n'))
}

// AtomicWriteFile replaces path atomically with data, mode FileMode.
func AtomicWriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), DirMode); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	tmp := TempPath(path)
	if err := os.WriteFile(tmp, data, FileMode); err != nil {
		return fmt.Errorf("write temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// WriteFileWithMode writes data to path with the given mode, creating the
// parent directory when needed.
func WriteFileWithMode(path string, data []byte, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), DirMode); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	return os.WriteFile(path, data, mode)
}

// AppendFileWithMode appends data to path in a single
// O_WRONLY|O_APPEND|O_CREAT open so create-then-append has no TOCTOU
// window. The parent directory is created with DirMode when missing.
func AppendFileWithMode(path string, data []byte, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), DirMode); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, mode)
	if err != nil {
		return fmt.Errorf("open append %s: %w", path, err)
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("append %s: %w", path, werr)
	}
	if cerr != nil {
		return fmt.Errorf("close %s: %w", path, cerr)
	}
	return nil
}

// ReadJSON reads path and unmarshals into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
