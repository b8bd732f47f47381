package worktree

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/jaakkos/teambridge/internal/pathsafe"
)

// branchNameRe guards every branch name before it reaches a git argv, so
// a crafted worker name can never smuggle a flag.
var branchNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9/_.-]*$`)

// worktreesDir is the per-repo root for worker checkouts.
const worktreesDir = ".omc/worktrees"

// Info is the sidecar metadata persisted next to each worker worktree.
type Info struct {
	Team       string    `json:"team"`
	Worker     string    `json:"worker"`
	Path       string    `json:"path"`
	Branch     string    `json:"branch"`
	BaseBranch string    `json:"baseBranch"`
	CreatedAt  time.Time `json:"createdAt"`
}

// MergeResult reports one attempted merge of a worker branch.
type MergeResult struct {
	Worker      string   `json:"worker"`
	Success     bool     `json:"success"`
	Conflicts   []string `json:"conflicts"`
	MergeCommit string   `json:"mergeCommit,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Coordinator manages worker worktrees and branch merges for one repo.
type Coordinator struct {
	RepoRoot string
	Logger   *log.Logger
}

// NewCoordinator returns a coordinator over repoRoot.
func NewCoordinator(repoRoot string, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Coordinator{RepoRoot: repoRoot, Logger: logger}
}

// BranchName returns the branch for one worker: omc-team/{team}/{worker}.
func BranchName(team, worker string) (string, error) {
	t, err := pathsafe.SanitizeName(team)
	if err != nil {
		return "", err
	}
	w, err := pathsafe.SanitizeName(worker)
	if err != nil {
		return "", err
	}
	branch := fmt.Sprintf("omc-team/%s/%s", t, w)
	if !branchNameRe.MatchString(branch) {
		return "", fmt.Errorf("invalid branch name %q", branch)
	}
	return branch, nil
}

func validateBranch(branch string) error {
	if !branchNameRe.MatchString(branch) {
		return fmt.Errorf("invalid branch name %q", branch)
	}
	return nil
}

func (c *Coordinator) worktreePath(team, worker string) (string, error) {
	t, err := pathsafe.SanitizeName(team)
	if err != nil {
		return "", err
	}
	w, err := pathsafe.SanitizeName(worker)
	if err != nil {
		return "", err
	}
	p := filepath.Join(c.RepoRoot, worktreesDir, t, w)
	if _, err := pathsafe.ValidateResolvedPath(p, c.RepoRoot); err != nil {
		return "", err
	}
	return p, nil
}

func (c *Coordinator) infoPath(team, worker string) (string, error) {
	p, err := c.worktreePath(team, worker)
	if err != nil {
		return "", err
	}
	return p + ".info.json", nil
}

// CreateWorkerWorktree makes a fresh worktree and branch for a worker,
// force-removing any remnants of a previous run. When baseBranch is empty
// the branch forks from the current HEAD.
func (c *Coordinator) CreateWorkerWorktree(team, worker, baseBranch string) (*Info, error) {
	if !isGitRepo(c.RepoRoot) {
		return nil, fmt.Errorf("%s is not a git repository", c.RepoRoot)
	}
	branch, err := BranchName(team, worker)
	if err != nil {
		return nil, err
	}
	if baseBranch != "" {
		if err := validateBranch(baseBranch); err != nil {
			return nil, err
		}
	}
	wtPath, err := c.worktreePath(team, worker)
	if err != nil {
		return nil, err
	}

	_ = worktreePrune(c.RepoRoot)
	if fileExists(wtPath) {
		if err := worktreeRemove(c.RepoRoot, wtPath, true); err != nil {
			c.Logger.Printf("worktree: force-remove %s: %v", wtPath, err)
			if err := os.RemoveAll(wtPath); err != nil {
				return nil, fmt.Errorf("remove stale worktree %s: %w", wtPath, err)
			}
			_ = worktreePrune(c.RepoRoot)
		}
	}
	if branchExists(c.RepoRoot, branch) {
		if err := branchDelete(c.RepoRoot, branch); err != nil {
			c.Logger.Printf("worktree: delete stale branch %s: %v", branch, err)
		}
	}

	resolvedBase := baseBranch
	if resolvedBase == "" {
		resolvedBase, err = currentBranch(c.RepoRoot)
		if err != nil {
			return nil, err
		}
		if resolvedBase == "HEAD" {
			return nil, fmt.Errorf("repository is in detached HEAD state; pass a base branch")
		}
	}

	if err := os.MkdirAll(filepath.Dir(wtPath), pathsafe.DirMode); err != nil {
		return nil, fmt.Errorf("create worktree parent: %w", err)
	}
	if err := worktreeAdd(c.RepoRoot, wtPath, branch, baseBranch); err != nil {
		return nil, err
	}

	info := &Info{
		Team:       team,
		Worker:     worker,
		Path:       wtPath,
		Branch:     branch,
		BaseBranch: resolvedBase,
		CreatedAt:  time.Now().UTC(),
	}
	ip, err := c.infoPath(team, worker)
	if err != nil {
		return nil, err
	}
	if err := pathsafe.AtomicWriteJSON(ip, info); err != nil {
		return nil, fmt.Errorf("write worktree metadata: %w", err)
	}
	c.Logger.Printf("worktree: created %s (branch %s, base %s)", wtPath, branch, resolvedBase)
	return info, nil
}

// RemoveWorkerWorktree removes a worker's worktree, branch, and metadata.
func (c *Coordinator) RemoveWorkerWorktree(team, worker string) error {
	wtPath, err := c.worktreePath(team, worker)
	if err != nil {
		return err
	}
	branch, err := BranchName(team, worker)
	if err != nil {
		return err
	}

	if fileExists(wtPath) {
		if err := worktreeRemove(c.RepoRoot, wtPath, true); err != nil {
			c.Logger.Printf("worktree: git remove failed, falling back to rm: %v", err)
			if err := os.RemoveAll(wtPath); err != nil {
				return fmt.Errorf("remove worktree dir: %w", err)
			}
		}
	}
	_ = worktreePrune(c.RepoRoot)
	if branchExists(c.RepoRoot, branch) {
		if err := branchDelete(c.RepoRoot, branch); err != nil {
			c.Logger.Printf("worktree: delete branch %s: %v", branch, err)
		}
	}
	ip, err := c.infoPath(team, worker)
	if err == nil {
		if err := os.Remove(ip); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// ReadInfo returns the persisted metadata for a worker worktree, or nil.
func (c *Coordinator) ReadInfo(team, worker string) (*Info, error) {
	ip, err := c.infoPath(team, worker)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := pathsafe.ReadJSON(ip, &info); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &info, nil
}

// ListWorktrees returns metadata for every worker worktree of a team, in
// worker-name order.
func (c *Coordinator) ListWorktrees(team string) ([]Info, error) {
	t, err := pathsafe.SanitizeName(team)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(c.RepoRoot, worktreesDir, t)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := c.ReadInfo(team, e.Name())
		if err != nil || info == nil {
			continue
		}
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Worker < out[j].Worker })
	return out, nil
}

// CheckMergeConflicts predicts conflicts without touching the working
// tree: files changed on both sides since the merge base are the
// candidates. An empty result means a clean merge is expected.
func (c *Coordinator) CheckMergeConflicts(workerBranch, baseBranch string) ([]string, error) {
	if err := validateBranch(workerBranch); err != nil {
		return nil, err
	}
	if err := validateBranch(baseBranch); err != nil {
		return nil, err
	}
	base, err := mergeBase(c.RepoRoot, baseBranch, workerBranch)
	if err != nil {
		return nil, err
	}
	baseChanged, err := diffNames(c.RepoRoot, base, baseBranch)
	if err != nil {
		return nil, err
	}
	workerChanged, err := diffNames(c.RepoRoot, base, workerBranch)
	if err != nil {
		return nil, err
	}
	inBase := make(map[string]bool, len(baseChanged))
	for _, f := range baseChanged {
		inBase[f] = true
	}
	var conflicts []string
	for _, f := range workerChanged {
		if inBase[f] {
			conflicts = append(conflicts, f)
		}
	}
	sort.Strings(conflicts)
	return conflicts, nil
}

// MergeWorkerBranch merges one worker branch into the base branch with a
// no-ff merge commit. A dirty working tree refuses outright; a failed
// merge is aborted and reported with the predicted conflict set.
func (c *Coordinator) MergeWorkerBranch(team, worker, baseBranch string) (*MergeResult, error) {
	branch, err := BranchName(team, worker)
	if err != nil {
		return nil, err
	}
	if err := validateBranch(baseBranch); err != nil {
		return nil, err
	}
	if !isWorkingTreeClean(c.RepoRoot) {
		return nil, fmt.Errorf("working tree is dirty; commit or stash before merging")
	}
	if err := checkout(c.RepoRoot, baseBranch); err != nil {
		return nil, err
	}

	msg := fmt.Sprintf("Merge %s into %s", branch, baseBranch)
	if err := mergeNoFF(c.RepoRoot, branch, msg); err != nil {
		mergeAbort(c.RepoRoot)
		conflicts, cerr := c.CheckMergeConflicts(branch, baseBranch)
		if cerr != nil {
			c.Logger.Printf("worktree: conflict probe after failed merge: %v", cerr)
		}
		if conflicts == nil {
			conflicts = []string{}
		}
		return &MergeResult{Worker: worker, Success: false, Conflicts: conflicts, Error: err.Error()}, nil
	}
	commit, err := headCommit(c.RepoRoot)
	if err != nil {
		return nil, err
	}
	return &MergeResult{Worker: worker, Success: true, Conflicts: []string{}, MergeCommit: commit}, nil
}

// MergeAllWorkerBranches merges every worker worktree of a team in
// worker order, stopping at the first failure so one conflict does not
// cascade into the next merge.
func (c *Coordinator) MergeAllWorkerBranches(team, baseBranch string) ([]MergeResult, error) {
	infos, err := c.ListWorktrees(team)
	if err != nil {
		return nil, err
	}
	var results []MergeResult
	for _, info := range infos {
		res, err := c.MergeWorkerBranch(team, info.Worker, baseBranch)
		if err != nil {
			return results, err
		}
		results = append(results, *res)
		if !res.Success {
			break
		}
	}
	return results, nil
}

// IsGitRepo reports whether dir is inside a git repository.
func IsGitRepo(dir string) bool {
	return isGitRepo(dir)
}
