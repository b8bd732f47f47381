package bridge

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// snapshotChangedFiles returns the set of changed or untracked paths in
// dir, from porcelain status plus the untracked listing (standard
// ignores excluded).
func snapshotChangedFiles(dir string) (map[string]bool, error) {
	out := map[string]bool{}

	status, err := gitOutput(dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(status, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		// Renames report "old -> new"; the new path is what changed.
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		if path != "" {
			out[path] = true
		}
	}

	untracked, err := gitOutput(dir, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	for _, path := range strings.Split(untracked, "\n") {
		if path != "" {
			out[path] = true
		}
	}
	return out, nil
}

// diffSnapshots returns paths present in after but not before, sorted.
func diffSnapshots(before, after map[string]bool) []string {
	var out []string
	for path := range after {
		if !before[path] {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

func gitOutput(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w\noutput: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}
