// Package worktree gives each worker an isolated git checkout (one branch,
// one worktree directory) and coordinates merging worker branches back
// into the base branch.
package worktree

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// runGit executes one git command in repoDir and returns trimmed combined
// output. Arguments are always passed as argv, never through a shell.
func runGit(repoDir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = repoDir
	out, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		return trimmed, fmt.Errorf("git %s: %w\noutput: %s", args[0], err, trimmed)
	}
	return trimmed, nil
}

func worktreeAdd(repoDir, worktreePath, branch, baseBranch string) error {
	args := []string{"worktree", "add", "-b", branch, worktreePath}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	_, err := runGit(repoDir, args...)
	return err
}

func worktreeRemove(repoDir, worktreePath string, force bool) error {
	args := []string{"worktree", "remove", worktreePath}
	if force {
		args = append(args, "--force")
	}
	_, err := runGit(repoDir, args...)
	return err
}

func worktreePrune(repoDir string) error {
	_, err := runGit(repoDir, "worktree", "prune")
	return err
}

func branchExists(repoDir, branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", "refs/heads/"+branch)
	cmd.Dir = repoDir
	return cmd.Run() == nil
}

func branchDelete(repoDir, branch string) error {
	_, err := runGit(repoDir, "branch", "-D", branch)
	return err
}

func isGitRepo(dir string) bool {
	cmd := exec.Command("git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "true"
}

func currentBranch(repoDir string) (string, error) {
	return runGit(repoDir, "rev-parse", "--abbrev-ref", "HEAD")
}

// isWorkingTreeClean reports whether HEAD matches the index and working
// tree. diff-index exits nonzero on any difference.
func isWorkingTreeClean(repoDir string) bool {
	if _, err := runGit(repoDir, "update-index", "-q", "--refresh"); err != nil {
		return false
	}
	cmd := exec.Command("git", "diff-index", "--quiet", "HEAD", "--")
	cmd.Dir = repoDir
	return cmd.Run() == nil
}

func mergeBase(repoDir, a, b string) (string, error) {
	return runGit(repoDir, "merge-base", a, b)
}

// diffNames lists the files changed between two commits.
func diffNames(repoDir, from, to string) ([]string, error) {
	out, err := runGit(repoDir, "diff", "--name-only", from, to)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

func checkout(repoDir, branch string) error {
	_, err := runGit(repoDir, "checkout", branch)
	return err
}

func mergeNoFF(repoDir, branch, message string) error {
	_, err := runGit(repoDir, "merge", "--no-ff", "-m", message, branch)
	return err
}

func mergeAbort(repoDir string) {
	cmd := exec.Command("git", "merge", "--abort")
	cmd.Dir = repoDir
	_ = cmd.Run()
}

func headCommit(repoDir string) (string, error) {
	return runGit(repoDir, "rev-parse", "HEAD")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
