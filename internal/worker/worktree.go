package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/3mdistal/ralph/internal/queue"
)

// GitWorkspace is the production Workspace backed by git worktrees. Each
// task gets a worktree under worktreeRoot on its own branch; the main
// checkout is never used for agent work.
type GitWorkspace struct {
	repoRoot     string
	worktreeRoot string
	baseBranch   string
}

// NewGitWorkspace creates a workspace rooted at repoRoot. Worktrees live
// under worktreeRoot, outside the repository.
func NewGitWorkspace(repoRoot, worktreeRoot, baseBranch string) *GitWorkspace {
	return &GitWorkspace{repoRoot: repoRoot, worktreeRoot: worktreeRoot, baseBranch: baseBranch}
}

func (g *GitWorkspace) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w\nOutput: %s", strings.Join(args, " "), err, string(out))
	}
	return strings.TrimSpace(string(out)), nil
}

// EnsureWorktree creates or reuses the task's worktree and returns its path
// and checked-out branch. Stale registrations are pruned first; a path that
// exists but is not a healthy worktree is removed and recreated.
func (g *GitWorkspace) EnsureWorktree(ctx context.Context, task *queue.Task) (string, string, error) {
	branch := fmt.Sprintf("ralph/%d", task.Issue)
	path := filepath.Join(g.worktreeRoot, fmt.Sprintf("issue-%d", task.Issue))

	_, _ = g.git(ctx, g.repoRoot, "worktree", "prune")

	if _, err := os.Stat(path); err == nil {
		head, herr := g.HeadBranch(ctx, path)
		if herr == nil && head == branch {
			return path, branch, nil
		}
		_, _ = g.git(ctx, g.repoRoot, "worktree", "remove", "--force", path)
		_ = os.RemoveAll(path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return "", "", fmt.Errorf("failed to create worktree parent: %w", err)
	}

	// -f handles the missing-but-registered state left by a deleted
	// directory whose git registration persists.
	var err error
	if g.branchExists(ctx, branch) {
		_, err = g.git(ctx, g.repoRoot, "worktree", "add", "-f", path, branch)
	} else {
		_, err = g.git(ctx, g.repoRoot, "worktree", "add", "-f", "-b", branch, path, g.baseBranch)
	}
	if err != nil {
		return "", "", err
	}
	return path, branch, nil
}

func (g *GitWorkspace) branchExists(ctx context.Context, branch string) bool {
	_, err := g.git(ctx, g.repoRoot, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// HeadBranch reports the worktree's current branch, or "" for a detached
// head.
func (g *GitWorkspace) HeadBranch(ctx context.Context, path string) (string, error) {
	out, err := g.git(ctx, path, "symbolic-ref", "--short", "-q", "HEAD")
	if err != nil {
		// symbolic-ref exits non-zero on a detached head; distinguish that
		// from a broken worktree by asking for the commit.
		if _, cerr := g.git(ctx, path, "rev-parse", "HEAD"); cerr == nil {
			return "", nil
		}
		return "", err
	}
	return out, nil
}

// CreateRecoveryBranch materializes a branch at the worktree's current
// commit so work on a detached head is not lost.
func (g *GitWorkspace) CreateRecoveryBranch(ctx context.Context, path string) (string, error) {
	sha, err := g.git(ctx, path, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to read detached head: %w", err)
	}
	branch := "ralph/recovery-" + sha
	if _, err := g.git(ctx, path, "checkout", "-b", branch); err != nil {
		return "", fmt.Errorf("failed to create recovery branch: %w", err)
	}
	return branch, nil
}

// RemoveWorktree detaches and deletes a task's worktree.
func (g *GitWorkspace) RemoveWorktree(ctx context.Context, path string) error {
	if _, err := g.git(ctx, g.repoRoot, "worktree", "remove", "--force", path); err != nil {
		return err
	}
	_, _ = g.git(ctx, g.repoRoot, "worktree", "prune")
	return nil
}
