package worker

import (
	"context"
	"fmt"

	"github.com/3mdistal/ralph/internal/hosting"
	"github.com/3mdistal/ralph/internal/queue"
)

// maxAutoUpdateAttempts bounds branch-update retries when the merge API
// reports the base moved underneath the PR.
const maxAutoUpdateAttempts = 3

// BlockSourceAutoUpdate marks tasks blocked by repeated base-branch motion.
// It is distinct from ci-failure so the operator can tell a busy base apart
// from a broken build.
const BlockSourceAutoUpdate = "auto-update"

// MergeOutcome reports what the merge attempt did.
type MergeOutcome struct {
	Merged        bool
	SHA           string
	HeadDeleted   bool
	BranchUpdates int
}

// MergePR merges the task's PR. Required checks are re-resolved before
// every attempt so a check added between gate pass and merge still blocks.
// "base branch was modified" errors update the PR branch and retry, up to
// maxAutoUpdateAttempts; exhaustion blocks the task under source
// auto-update.
func (w *Worker) MergePR(ctx context.Context, task *queue.Task, pr *hosting.PullRequest) (*MergeOutcome, error) {
	out := &MergeOutcome{}
	for attempt := 0; ; attempt++ {
		if err := w.checksGreen(ctx, task.Repo, pr); err != nil {
			return out, err
		}

		res, err := w.client.MergePullRequest(ctx, task.Repo, pr.Number)
		if err == nil {
			out.Merged = res.Merged
			out.SHA = res.SHA
			break
		}
		if !hosting.IsBaseModified(err) {
			return out, fmt.Errorf("failed to merge %s: %w", task.Ref(), err)
		}
		if attempt >= maxAutoUpdateAttempts {
			if berr := task.Block(BlockSourceAutoUpdate, "base branch kept moving during merge",
				fmt.Sprintf("gave up after %d branch updates", out.BranchUpdates)); berr != nil {
				return out, berr
			}
			w.mirrorStatusLabel(ctx, task)
			return out, nil
		}
		if uerr := w.client.UpdatePullRequestBranch(ctx, task.Repo, pr.Number); uerr != nil {
			return out, fmt.Errorf("failed to update PR branch for %s: %w", task.Ref(), uerr)
		}
		out.BranchUpdates++

		// Re-read the PR so the next attempt sees the refreshed head.
		refreshed, gerr := w.client.GetPullRequest(ctx, task.Repo, pr.Number)
		if gerr != nil {
			return out, fmt.Errorf("failed to refresh PR for %s: %w", task.Ref(), gerr)
		}
		pr = refreshed
	}

	if out.Merged && w.shouldDeleteHead(ctx, task.Repo, pr) {
		if err := w.client.DeleteBranch(ctx, task.Repo, pr.HeadRef); err != nil {
			// Leaving a merged branch behind is untidy, not fatal.
			w.log.Logf("failed to delete head branch %s: %v", pr.HeadRef, err)
		} else {
			out.HeadDeleted = true
		}
	}
	return out, nil
}

// checksGreen re-resolves required checks against the PR base and verifies
// each has completed successfully on the head SHA.
func (w *Worker) checksGreen(ctx context.Context, repo string, pr *hosting.PullRequest) error {
	required, err := w.client.ListRequiredChecks(ctx, repo, pr.BaseRef)
	if err != nil {
		return fmt.Errorf("failed to resolve required checks: %w", err)
	}
	if len(required) == 0 {
		return nil
	}
	runs, err := w.client.ListCheckRuns(ctx, repo, pr.HeadSHA)
	if err != nil {
		return fmt.Errorf("failed to list check runs: %w", err)
	}
	byName := make(map[string]hosting.CheckRun, len(runs))
	for _, r := range runs {
		byName[r.Name] = r
	}
	for _, name := range required {
		run, ok := byName[name]
		if !ok || !run.Terminal() || run.Conclusion != "success" {
			return fmt.Errorf("required check %s is not green", name)
		}
	}
	return nil
}

// shouldDeleteHead gates head-branch deletion. Every condition must hold:
// merged, same-repo head, base is the bot integration branch, head is not
// the default branch, and the head ref has not moved since the merge.
func (w *Worker) shouldDeleteHead(ctx context.Context, repo string, pr *hosting.PullRequest) bool {
	if !pr.Merged && pr.State != "merged" {
		if current, err := w.client.GetPullRequest(ctx, repo, pr.Number); err != nil || !current.Merged {
			return false
		}
	}
	if pr.CrossRepo {
		return false
	}
	if pr.BaseRef != w.botBranch {
		return false
	}
	if pr.HeadRef == w.defaultBranch {
		return false
	}
	current, err := w.client.FindPullRequestByHead(ctx, repo, pr.HeadRef)
	if err != nil || current == nil {
		return false
	}
	if current.HeadSHA != pr.HeadSHA {
		return false
	}
	return true
}
