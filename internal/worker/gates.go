package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/3mdistal/ralph/internal/hosting"
	"github.com/3mdistal/ralph/internal/queue"
	"github.com/3mdistal/ralph/internal/store"
)

// RejectNoWorktreeBranch is the preflight rejection reason when a task has
// no safe branch to run on.
const RejectNoWorktreeBranch = "NO_WORKTREE_BRANCH"

// runGates drives the gate sequence in order. It returns pass=false when a
// gate fails; the gate handler has already mutated the task (blocked or
// escalated) where the failure calls for it. The checkpoint hook runs at
// every gate boundary so a paused or hard-throttled daemon stops here.
func (w *Worker) runGates(ctx context.Context, runID string, task *queue.Task) (bool, error) {
	type gateFn func(ctx context.Context, runID string, task *queue.Task) (bool, error)
	sequence := []struct {
		name string
		run  gateFn
	}{
		{store.GatePreflight, w.gatePreflight},
		{store.GatePlanReview, w.reviewGate(store.GatePlanReview)},
		{store.GateProductReview, w.reviewGate(store.GateProductReview)},
		{store.GateDevexReview, w.reviewGate(store.GateDevexReview)},
		{store.GateCI, w.gateCI},
		{store.GatePREvidence, w.gatePREvidence},
	}
	for _, g := range sequence {
		if err := w.checkpoint(ctx); err != nil {
			return false, err
		}
		pass, err := g.run(ctx, runID, task)
		if err != nil {
			return false, fmt.Errorf("gate %s: %w", g.name, err)
		}
		if !pass {
			return false, nil
		}
	}
	return true, nil
}

// gatePreflight ensures the task has a usable worktree on a safe branch.
// It refuses to run in the main checkout.
func (w *Worker) gatePreflight(ctx context.Context, runID string, task *queue.Task) (bool, error) {
	fail := func(reason string) (bool, error) {
		return false, w.recordGate(ctx, store.GateResult{
			RunID: runID, Gate: store.GatePreflight,
			Status: store.GateFail, Reason: reason,
		})
	}

	if w.workspace == nil {
		return fail(RejectNoWorktreeBranch)
	}
	path, branch, err := w.workspace.EnsureWorktree(ctx, task)
	if err != nil {
		return false, fmt.Errorf("failed to ensure worktree: %w", err)
	}
	if branch == "" {
		return fail(RejectNoWorktreeBranch)
	}
	if err := task.SetWorktreePath(path, w.repoRoot); err != nil {
		// The recorded path is the repo root itself.
		return fail(err.Error())
	}
	if err := w.queue.Save(task); err != nil {
		return false, err
	}
	return true, w.recordGate(ctx, store.GateResult{
		RunID: runID, Gate: store.GatePreflight, Status: store.GatePass,
	})
}

// reviewGate returns the handler for one advisory review gate. The agent
// output is parsed for a structured verdict; product and devex reviews
// additionally honor explicit gap markers. A gap or revise verdict fails
// the gate and escalates the task.
func (w *Worker) reviewGate(gate string) func(ctx context.Context, runID string, task *queue.Task) (bool, error) {
	return func(ctx context.Context, runID string, task *queue.Task) (bool, error) {
		res, err := w.agent.RunAdvisory(ctx, task, gate)
		if err != nil {
			return false, fmt.Errorf("advisory session failed: %w", err)
		}
		output := res.Output
		if _, aerr := w.store.RecordRunGateArtifact(ctx, runID, gate, "note", output); aerr != nil {
			w.log.Logf("failed to record review output: %v", aerr)
		}
		// Every session leaves a row: real totals when the agent reported
		// usage, a sentinel otherwise, so FinalizeRun can tell a complete
		// sum from a partial one.
		if res.SessionID != "" {
			var terr error
			if res.TokensKnown {
				terr = w.store.RecordSessionTokens(ctx, runID, res.SessionID,
					res.InputTokens, res.OutputTokens, res.ReasoningTokens)
			} else {
				terr = w.store.RecordSessionUnreported(ctx, runID, res.SessionID)
			}
			if terr != nil {
				w.log.Logf("failed to record session tokens: %v", terr)
			}
		}

		gap := false
		detail := ""
		switch gate {
		case store.GateProductReview:
			gap, detail = HasProductGap(output)
		case store.GateDevexReview:
			gap, detail = HasDevexGap(output)
		}
		if gap {
			if err := w.escalateTask(ctx, task, gate, detail); err != nil {
				return false, err
			}
			return false, w.recordGate(ctx, store.GateResult{
				RunID: runID, Gate: gate, Status: store.GateFail, Reason: detail,
			})
		}

		decision, err := ParseReviewDecision(output)
		if err != nil {
			return false, w.recordGate(ctx, store.GateResult{
				RunID: runID, Gate: gate, Status: store.GateFail, Reason: err.Error(),
			})
		}
		if decision.Verdict == "revise" {
			if err := w.escalateTask(ctx, task, gate, decision.Detail); err != nil {
				return false, err
			}
			return false, w.recordGate(ctx, store.GateResult{
				RunID: runID, Gate: gate, Status: store.GateFail, Reason: decision.Detail,
			})
		}
		// The PR URL the session reported lands on the gate row, so the
		// gates report shows where the work went before pr_evidence runs.
		return true, w.recordGate(ctx, store.GateResult{
			RunID: runID, Gate: gate, Status: store.GatePass, Reason: decision.Detail,
			URL: res.PRURL,
		})
	}
}

// gateCI resolves required checks for the PR base and waits, bounded, for
// all of them to reach a terminal state. On failure the triage classifier
// payload is persisted on the gate result.
func (w *Worker) gateCI(ctx context.Context, runID string, task *queue.Task) (bool, error) {
	pr, err := w.client.FindPullRequestByHead(ctx, task.Repo, w.taskBranch(task))
	if err != nil {
		return false, fmt.Errorf("failed to find PR: %w", err)
	}
	if pr == nil {
		return false, w.recordGate(ctx, store.GateResult{
			RunID: runID, Gate: store.GateCI,
			Status: store.GateFail, Reason: "no PR for head branch",
		})
	}

	required, err := w.client.ListRequiredChecks(ctx, task.Repo, pr.BaseRef)
	if err != nil {
		return false, fmt.Errorf("failed to resolve required checks: %w", err)
	}
	if len(required) == 0 {
		return true, w.recordGate(ctx, store.GateResult{
			RunID: runID, Gate: store.GateCI,
			Status: store.GateSkip, SkipReason: "no required checks on base",
			PRNumber: pr.Number, URL: pr.URL,
		})
	}

	failed, err := w.waitForChecks(ctx, task.Repo, pr.HeadSHA, required)
	if err != nil {
		return false, err
	}
	if len(failed) == 0 {
		return true, w.recordGate(ctx, store.GateResult{
			RunID: runID, Gate: store.GateCI, Status: store.GatePass,
			PRNumber: pr.Number, URL: pr.URL,
		})
	}

	signature := FailureSignature(failed)
	prior, err := w.store.GetTriageAttempt(ctx, task.Repo, task.Issue, signature)
	if err != nil {
		return false, fmt.Errorf("failed to read triage attempts: %w", err)
	}
	payload := ClassifyCIFailure(failed, prior.Attempts, w.triageMaxAttempts)
	if _, err := w.store.BumpTriageAttempt(ctx, task.Repo, task.Issue, signature); err != nil {
		return false, fmt.Errorf("failed to bump triage attempt: %w", err)
	}
	encoded, err := payload.Encode()
	if err != nil {
		return false, err
	}
	if _, aerr := w.store.RecordRunGateArtifact(ctx, runID, store.GateCI, "ci_classifier", encoded); aerr != nil {
		w.log.Logf("failed to record classifier artifact: %v", aerr)
	}
	if err := w.recordGate(ctx, store.GateResult{
		RunID: runID, Gate: store.GateCI, Status: store.GateFail,
		Reason: fmt.Sprintf("%d required checks failed", len(failed)),
		PRNumber: pr.Number, URL: pr.URL,
		ClassifierVersion: payload.Version,
		ClassifierPayload: encoded,
		ClassifierSource:  "persisted",
	}); err != nil {
		return false, err
	}

	switch payload.Action {
	case ActionQuarantine:
		if err := task.Block("ci-failure", "required checks keep failing",
			fmt.Sprintf("signature %s exhausted %d attempts", signature, payload.MaxAttempts)); err != nil {
			return false, err
		}
		w.mirrorStatusLabel(ctx, task)
	case ActionSpawn:
		if err := w.escalateTask(ctx, task, store.GateCI,
			fmt.Sprintf("regression signature %s", signature)); err != nil {
			return false, err
		}
	}
	// ActionResume leaves the task in progress for the retry loop.
	return false, nil
}

// waitForChecks polls until every required check reaches a terminal state
// or the wait budget expires. It returns the checks that did not succeed;
// a still-pending check past the budget counts as timed_out.
func (w *Worker) waitForChecks(ctx context.Context, repo, headSHA string, required []string) ([]hosting.CheckRun, error) {
	deadline := w.now().Add(w.checkWait)
	for {
		runs, err := w.client.ListCheckRuns(ctx, repo, headSHA)
		if err != nil {
			return nil, fmt.Errorf("failed to list check runs: %w", err)
		}
		byName := make(map[string]hosting.CheckRun, len(runs))
		for _, r := range runs {
			byName[r.Name] = r
		}

		var failed []hosting.CheckRun
		pending := false
		for _, name := range required {
			run, ok := byName[name]
			switch {
			case !ok || !run.Terminal():
				pending = true
			case run.Conclusion != "success":
				failed = append(failed, run)
			}
		}
		if !pending {
			return failed, nil
		}
		if w.now().After(deadline) {
			for _, name := range required {
				run, ok := byName[name]
				if !ok || !run.Terminal() {
					failed = append(failed, hosting.CheckRun{
						Name: name, Status: "completed", Conclusion: "timed_out",
					})
				}
			}
			return failed, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.checkInterval):
		}
	}
}

// gatePREvidence verifies the PR exists, its head branch is owned by the
// bot, and the head has not drifted. The PR snapshot goes on the gate
// result.
func (w *Worker) gatePREvidence(ctx context.Context, runID string, task *queue.Task) (bool, error) {
	pr, err := w.client.FindPullRequestByHead(ctx, task.Repo, w.taskBranch(task))
	if err != nil {
		return false, fmt.Errorf("failed to find PR: %w", err)
	}
	fail := func(reason string) (bool, error) {
		r := store.GateResult{
			RunID: runID, Gate: store.GatePREvidence,
			Status: store.GateFail, Reason: reason,
		}
		if pr != nil {
			r.PRNumber = pr.Number
			r.URL = pr.URL
		}
		return false, w.recordGate(ctx, r)
	}
	if pr == nil {
		return fail("no PR for head branch")
	}
	if pr.State != "open" {
		return fail(fmt.Sprintf("PR is %s", pr.State))
	}
	if !pr.HeadOwned || pr.CrossRepo {
		return fail("PR head is not owned by this daemon")
	}
	return true, w.recordGate(ctx, store.GateResult{
		RunID: runID, Gate: store.GatePREvidence, Status: store.GatePass,
		PRNumber: pr.Number, URL: pr.URL,
	})
}

func (w *Worker) recordGate(ctx context.Context, r store.GateResult) error {
	if err := w.store.UpsertRunGateResult(ctx, r); err != nil {
		return fmt.Errorf("failed to record gate result: %w", err)
	}
	return nil
}

func (w *Worker) escalateTask(ctx context.Context, task *queue.Task, gate, detail string) error {
	if err := task.Transition(queue.StatusEscalated); err != nil {
		return err
	}
	w.mirrorStatusLabel(ctx, task)
	w.log.Logf("%s escalated at %s: %s", task.Ref(), gate, detail)
	return nil
}
