package backend

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// WorktreeManager gives each variation its own git worktree
type WorktreeManager struct {
	repoDir     string
	worktreeDir string
}

// NewWorktreeManager creates a new WorktreeManager
func NewWorktreeManager(repoDir, worktreeDir string) *WorktreeManager {
	return &WorktreeManager{
		repoDir:     repoDir,
		worktreeDir: worktreeDir,
	}
}

// Create checks out ref into a fresh worktree for the job called name.
// Leftovers of an earlier job with the same name are removed first.
func (m *WorktreeManager) Create(name, ref string) (string, error) {
	if err := os.MkdirAll(m.worktreeDir, 0755); err != nil {
		return "", fmt.Errorf("creating worktree dir: %w", err)
	}

	branch := BranchName(name)
	wtPath := filepath.Join(m.worktreeDir, name)
	m.cleanupExisting(branch, wtPath)

	if ref == "" {
		ref = "HEAD"
	}
	cmd := exec.Command("git", "worktree", "add", "-b", branch, wtPath, ref)
	cmd.Dir = m.repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git worktree add: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return wtPath, nil
}

func (m *WorktreeManager) cleanupExisting(branch, wtPath string) {
	cmd := exec.Command("git", "worktree", "prune")
	cmd.Dir = m.repoDir
	cmd.Run()

	if _, err := os.Stat(wtPath); err == nil {
		rm := exec.Command("git", "worktree", "remove", "--force", wtPath)
		rm.Dir = m.repoDir
		rm.Run() // Ignore error
		os.RemoveAll(wtPath)
	}

	// Orphan branches from previous runs
	cmd = exec.Command("git", "branch", "-D", branch)
	cmd.Dir = m.repoDir
	cmd.Run() // Ignore error - branch might not exist
}

// Diff returns the uncommitted and committed changes of the worktree against ref,
// including untracked files
func (m *WorktreeManager) Diff(wtPath, ref string) (string, error) {
	add := exec.Command("git", "add", "--all", "--intent-to-add")
	add.Dir = wtPath
	if out, err := add.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git add: %s: %w", strings.TrimSpace(string(out)), err)
	}

	if ref == "" {
		ref = "HEAD"
	}
	base := exec.Command("git", "merge-base", ref, "HEAD")
	base.Dir = wtPath
	baseOut, err := base.Output()
	if err != nil {
		return "", fmt.Errorf("git merge-base: %w", err)
	}

	cmd := exec.Command("git", "diff", strings.TrimSpace(string(baseOut)))
	cmd.Dir = wtPath
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git diff: %w", err)
	}
	return string(out), nil
}

// Remove removes a worktree and its branch
func (m *WorktreeManager) Remove(wtPath string) error {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = wtPath
	branchOut, _ := cmd.Output()
	branch := strings.TrimSpace(string(branchOut))

	cmd = exec.Command("git", "worktree", "remove", "--force", wtPath)
	cmd.Dir = m.repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree remove: %s: %w", out, err)
	}

	if branch != "" && branch != "HEAD" {
		cmd = exec.Command("git", "branch", "-D", branch)
		cmd.Dir = m.repoDir
		cmd.Run() // Ignore error if branch doesn't exist
	}
	return nil
}

// List returns all active worktree paths
func (m *WorktreeManager) List() ([]string, error) {
	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = m.repoDir
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "worktree ") {
			path := strings.TrimPrefix(line, "worktree ")
			// Only include worktrees in our worktree directory
			if strings.HasPrefix(path, m.worktreeDir) {
				paths = append(paths, path)
			}
		}
	}
	return paths, nil
}

// BranchName returns the branch name used for a job's worktree
func BranchName(jobName string) string {
	return "variation/" + jobName
}
