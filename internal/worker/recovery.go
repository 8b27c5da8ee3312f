package worker

import (
	"context"
	"fmt"

	"github.com/3mdistal/ralph/internal/queue"
)

// Completion kinds for terminal recovery skips.
const (
	CompletionPR       = "pr"
	CompletionVerified = "verified"
)

// NoPRReasonIssueClosed marks a task terminated because the upstream issue
// closed without a PR from this daemon.
const NoPRReasonIssueClosed = "ISSUE_CLOSED_UPSTREAM"

// RecoveryResult is the outcome of the pre-gate recovery probe.
type RecoveryResult struct {
	Terminal           bool
	CompletionKind     string
	PRURL              string
	NoPrTerminalReason string
	RecoveredBranch    string
}

// TryEnsurePRFromWorktree checks whether the task is already resolved
// upstream before any gate runs. A merged PR into the bot branch completes
// the task with its URL; an issue closed without a PR completes it as
// verified. A detached worktree gets one recovery-branch attempt before the
// task is rejected.
func (w *Worker) TryEnsurePRFromWorktree(ctx context.Context, task *queue.Task) (*RecoveryResult, error) {
	res := &RecoveryResult{}

	pr, err := w.client.FindPullRequestByHead(ctx, task.Repo, w.taskBranch(task))
	if err != nil {
		return nil, fmt.Errorf("failed to look up PR for %s: %w", task.Ref(), err)
	}
	if pr != nil && pr.Merged && pr.BaseRef == w.botBranch {
		res.Terminal = true
		res.CompletionKind = CompletionPR
		res.PRURL = pr.URL
		return res, nil
	}

	issue, err := w.client.GetIssue(ctx, task.Repo, task.Issue)
	if err != nil {
		return nil, fmt.Errorf("failed to read issue for %s: %w", task.Ref(), err)
	}
	if issue.State == "closed" {
		res.Terminal = true
		res.CompletionKind = CompletionVerified
		res.NoPrTerminalReason = NoPRReasonIssueClosed
		return res, nil
	}

	// Detached worktree: try to materialize a recovery branch once before
	// giving up on the worktree.
	if task.WorktreePath != "" && w.workspace != nil {
		branch, herr := w.workspace.HeadBranch(ctx, task.WorktreePath)
		if herr != nil {
			return nil, fmt.Errorf("failed to inspect worktree for %s: %w", task.Ref(), herr)
		}
		if branch == "" {
			recovered, rerr := w.workspace.CreateRecoveryBranch(ctx, task.WorktreePath)
			if rerr != nil {
				return nil, fmt.Errorf("worktree for %s is detached and recovery failed: %w", task.Ref(), rerr)
			}
			res.RecoveredBranch = recovered
			w.log.Logf("recovered detached worktree for %s onto %s", task.Ref(), recovered)
		}
	}
	return res, nil
}
