package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/3mdistal/ralph/internal/hosting"
	"github.com/3mdistal/ralph/internal/queue"
	"github.com/3mdistal/ralph/internal/store"
)

// Logger is the minimal logging surface the worker needs.
type Logger interface {
	Logf(format string, args ...interface{})
}

// Workspace manages per-task git worktrees. The worker never shells out to
// git directly; everything goes through this interface.
type Workspace interface {
	// EnsureWorktree creates or reuses the task's worktree and returns its
	// path and checked-out branch.
	EnsureWorktree(ctx context.Context, task *queue.Task) (path, branch string, err error)
	// HeadBranch reports the current branch of a worktree, or "" when the
	// head is detached.
	HeadBranch(ctx context.Context, path string) (string, error)
	// CreateRecoveryBranch materializes a branch at the worktree's current
	// commit so a detached head becomes usable again.
	CreateRecoveryBranch(ctx context.Context, path string) (string, error)
}

// AdvisoryResult is one advisory session's output plus its token accounting.
// TokensKnown is false when the agent did not report usage.
type AdvisoryResult struct {
	Output    string
	SessionID string
	// PRURL is the pull request the session reported opening, when any.
	PRURL string

	InputTokens     int64
	OutputTokens    int64
	ReasoningTokens int64
	TokensKnown     bool
}

// AgentRunner invokes the coding agent for one gate.
type AgentRunner interface {
	RunAdvisory(ctx context.Context, task *queue.Task, gate string) (*AdvisoryResult, error)
}

// Config carries everything a worker needs for one repository.
type Config struct {
	Repo          string
	RepoRoot      string
	BotBranch     string // integration base branch owned by the daemon
	DefaultBranch string

	Store     *store.Store
	Queue     *queue.Queue
	Client    hosting.Client
	Workspace Workspace
	Agent     AgentRunner
	Log       Logger

	// CheckWait bounds how long the ci gate waits for required checks.
	CheckWait     time.Duration
	CheckInterval time.Duration
	// TriageMaxAttempts is the retry budget per CI failure signature.
	TriageMaxAttempts int

	// Checkpoint is called at gate boundaries; it blocks while the daemon
	// is paused or hard-throttled and returns when work may continue.
	Checkpoint func(ctx context.Context) error
}

// Worker runs one repository's tasks through the gate sequence.
type Worker struct {
	repo          string
	repoRoot      string
	botBranch     string
	defaultBranch string

	store     *store.Store
	queue     *queue.Queue
	client    hosting.Client
	workspace Workspace
	agent     AgentRunner
	log       Logger

	checkWait         time.Duration
	checkInterval     time.Duration
	triageMaxAttempts int
	checkpoint        func(ctx context.Context) error

	now func() time.Time
}

// New creates a worker from config, filling defaults.
func New(cfg Config) (*Worker, error) {
	if cfg.Repo == "" {
		return nil, fmt.Errorf("worker requires a repo")
	}
	if cfg.Store == nil || cfg.Queue == nil || cfg.Client == nil {
		return nil, fmt.Errorf("worker requires store, queue, and hosting client")
	}
	w := &Worker{
		repo:              cfg.Repo,
		repoRoot:          cfg.RepoRoot,
		botBranch:         cfg.BotBranch,
		defaultBranch:     cfg.DefaultBranch,
		store:             cfg.Store,
		queue:             cfg.Queue,
		client:            cfg.Client,
		workspace:         cfg.Workspace,
		agent:             cfg.Agent,
		log:               cfg.Log,
		checkWait:         cfg.CheckWait,
		checkInterval:     cfg.CheckInterval,
		triageMaxAttempts: cfg.TriageMaxAttempts,
		checkpoint:        cfg.Checkpoint,
		now:               time.Now,
	}
	if w.botBranch == "" {
		w.botBranch = "bot/integration"
	}
	if w.defaultBranch == "" {
		w.defaultBranch = "main"
	}
	if w.checkWait <= 0 {
		w.checkWait = 30 * time.Minute
	}
	if w.checkInterval <= 0 {
		w.checkInterval = 30 * time.Second
	}
	if w.triageMaxAttempts <= 0 {
		w.triageMaxAttempts = 3
	}
	if w.checkpoint == nil {
		w.checkpoint = func(context.Context) error { return nil }
	}
	if w.log == nil {
		w.log = nopLogger{}
	}
	return w, nil
}

type nopLogger struct{}

func (nopLogger) Logf(string, ...interface{}) {}

// RunTask drives one task through recovery, the gate sequence, and merge.
// The task status is saved back to the queue after every transition.
func (w *Worker) RunTask(ctx context.Context, task *queue.Task) error {
	// Terminal skip: the issue may already be resolved upstream.
	rec, err := w.TryEnsurePRFromWorktree(ctx, task)
	if err != nil {
		return err
	}
	if rec.Terminal {
		return w.finishTerminal(ctx, task, rec)
	}

	if err := task.Transition(queue.StatusStarting); err != nil {
		return err
	}
	if err := w.queue.Save(task); err != nil {
		return err
	}

	run := store.Run{
		ID:          uuid.NewString(),
		Repo:        task.Repo,
		IssueNumber: task.Issue,
		TaskRef:     task.Ref(),
		AttemptKind: "gate-sequence",
		StartedAt:   w.now().UTC(),
	}
	if err := w.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	if err := task.Transition(queue.StatusInProgress); err != nil {
		return err
	}
	if err := w.queue.Save(task); err != nil {
		return err
	}
	w.mirrorStatusLabel(ctx, task)

	pass, err := w.runGates(ctx, run.ID, task)
	if err != nil {
		w.finalize(ctx, run.ID, "error")
		return err
	}
	if !pass {
		// A failed or blocked gate already mutated the task; record the
		// run outcome and stop.
		w.finalize(ctx, run.ID, "gate-failed")
		return w.queue.Save(task)
	}

	pr, err := w.client.FindPullRequestByHead(ctx, task.Repo, w.taskBranch(task))
	if err != nil {
		w.finalize(ctx, run.ID, "error")
		return fmt.Errorf("failed to find PR for merge: %w", err)
	}
	if pr == nil {
		w.finalize(ctx, run.ID, "error")
		return fmt.Errorf("gate sequence passed but no PR found for %s", task.Ref())
	}

	out, err := w.MergePR(ctx, task, pr)
	if err != nil {
		w.finalize(ctx, run.ID, "error")
		return err
	}
	if task.Status == queue.StatusBlocked {
		w.finalize(ctx, run.ID, "blocked")
		return w.queue.Save(task)
	}
	if !out.Merged {
		w.finalize(ctx, run.ID, "error")
		return fmt.Errorf("merge of %s did not complete", task.Ref())
	}

	if err := task.Transition(queue.StatusDone); err != nil {
		return err
	}
	task.SessionID = ""
	task.WorktreePath = ""
	w.finalize(ctx, run.ID, "success")
	return w.queue.Save(task)
}

func (w *Worker) finalize(ctx context.Context, runID, outcome string) {
	if err := w.store.FinalizeRun(ctx, runID, outcome, w.now().UTC()); err != nil {
		w.log.Logf("failed to finalize run %s: %v", runID, err)
	}
}

// finishTerminal records a recovery run for a task that is already resolved
// upstream and marks it done without running the gate sequence.
func (w *Worker) finishTerminal(ctx context.Context, task *queue.Task, rec *RecoveryResult) error {
	run := store.Run{
		ID:          uuid.NewString(),
		Repo:        task.Repo,
		IssueNumber: task.Issue,
		TaskRef:     task.Ref(),
		AttemptKind: "recovery",
		StartedAt:   w.now().UTC(),
	}
	if err := w.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to create recovery run: %w", err)
	}
	reason := "issue already resolved upstream"
	if rec.NoPrTerminalReason != "" {
		reason = rec.NoPrTerminalReason
	}
	if err := w.store.UpsertRunGateResult(ctx, store.GateResult{
		RunID:  run.ID,
		Gate:   store.GatePREvidence,
		Status: store.GateSkip,
		Reason: reason,
		URL:    rec.PRURL,
	}); err != nil {
		return fmt.Errorf("failed to record recovery evidence: %w", err)
	}
	completion := fmt.Sprintf(`{"completionKind":%q,"pr":%q,"noPrTerminalReason":%q}`,
		rec.CompletionKind, rec.PRURL, rec.NoPrTerminalReason)
	if _, err := w.store.RecordRunGateArtifact(ctx, run.ID, store.GatePREvidence, "note", completion); err != nil {
		w.log.Logf("failed to record completion note: %v", err)
	}
	w.finalize(ctx, run.ID, "success")

	for _, status := range []string{queue.StatusStarting, queue.StatusInProgress, queue.StatusDone} {
		if err := task.Transition(status); err != nil {
			return err
		}
	}
	task.SessionID = ""
	task.WorktreePath = ""
	return w.queue.Save(task)
}

// taskBranch is the branch name the agent works on for a task.
func (w *Worker) taskBranch(task *queue.Task) string {
	return fmt.Sprintf("ralph/%d", task.Issue)
}
