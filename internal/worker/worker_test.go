package worker

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/3mdistal/ralph/internal/hosting"
	"github.com/3mdistal/ralph/internal/queue"
	"github.com/3mdistal/ralph/internal/store"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Logf(format string, args ...interface{}) { l.t.Logf(format, args...) }

// fakeClient is a scripted hosting client. Fields left zero produce benign
// defaults; tests set only what the path under test touches.
type fakeClient struct {
	issue    *hosting.Issue
	pr       *hosting.PullRequest
	required []string
	checks   []hosting.CheckRun

	mergeErrs  []error
	merges     int
	updates    int
	deleted    []string
	labelAdds  map[string]int
	labelsMade []string
	addErr     func(label string) error
	removed    []string
	comments   []hosting.Comment
}

func (f *fakeClient) GetIssue(ctx context.Context, repo string, number int) (*hosting.Issue, error) {
	if f.issue != nil {
		return f.issue, nil
	}
	return &hosting.Issue{Number: number, State: "open"}, nil
}

func (f *fakeClient) ListIssueComments(ctx context.Context, repo string, number int) ([]hosting.Comment, error) {
	return f.comments, nil
}

func (f *fakeClient) CreateIssueComment(ctx context.Context, repo string, number int, body string) (*hosting.Comment, error) {
	c := hosting.Comment{ID: int64(len(f.comments) + 1), Body: body}
	f.comments = append(f.comments, c)
	return &c, nil
}

func (f *fakeClient) GetPullRequest(ctx context.Context, repo string, number int) (*hosting.PullRequest, error) {
	return f.pr, nil
}

func (f *fakeClient) FindPullRequestByHead(ctx context.Context, repo, headRef string) (*hosting.PullRequest, error) {
	if f.pr != nil && f.pr.HeadRef == headRef {
		return f.pr, nil
	}
	return nil, nil
}

func (f *fakeClient) CreatePullRequest(ctx context.Context, repo, title, body, head, base string) (*hosting.PullRequest, error) {
	return nil, fmt.Errorf("not scripted")
}

func (f *fakeClient) UpdatePullRequestBranch(ctx context.Context, repo string, number int) error {
	f.updates++
	return nil
}

func (f *fakeClient) MergePullRequest(ctx context.Context, repo string, number int) (*hosting.MergeResult, error) {
	if f.merges < len(f.mergeErrs) && f.mergeErrs[f.merges] != nil {
		err := f.mergeErrs[f.merges]
		f.merges++
		return nil, err
	}
	f.merges++
	if f.pr != nil {
		f.pr.Merged = true
	}
	return &hosting.MergeResult{Merged: true, SHA: "deadbeef"}, nil
}

func (f *fakeClient) DeleteBranch(ctx context.Context, repo, ref string) error {
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakeClient) ListRequiredChecks(ctx context.Context, repo, baseRef string) ([]string, error) {
	return f.required, nil
}

func (f *fakeClient) ListCheckRuns(ctx context.Context, repo, headSHA string) ([]hosting.CheckRun, error) {
	return f.checks, nil
}

func (f *fakeClient) AddLabels(ctx context.Context, repo string, number int, labels []string) error {
	for _, l := range labels {
		if f.addErr != nil {
			if err := f.addErr(l); err != nil {
				return err
			}
		}
		if f.labelAdds == nil {
			f.labelAdds = make(map[string]int)
		}
		f.labelAdds[l]++
	}
	return nil
}

func (f *fakeClient) RemoveLabel(ctx context.Context, repo string, number int, label string) error {
	f.removed = append(f.removed, label)
	return nil
}

func (f *fakeClient) CreateLabel(ctx context.Context, repo, name, color string) error {
	f.labelsMade = append(f.labelsMade, name)
	return nil
}

type fakeWorkspace struct {
	path      string
	branch    string
	recovered string
	ensureErr error
}

func (f *fakeWorkspace) EnsureWorktree(ctx context.Context, task *queue.Task) (string, string, error) {
	return f.path, f.branch, f.ensureErr
}

func (f *fakeWorkspace) HeadBranch(ctx context.Context, path string) (string, error) {
	return f.branch, nil
}

func (f *fakeWorkspace) CreateRecoveryBranch(ctx context.Context, path string) (string, error) {
	f.recovered = "recovery/issue"
	return f.recovered, nil
}

type fakeAgent struct {
	outputs  map[string]string // gate -> output
	noTokens bool              // sessions never report usage
	prURL    string
}

func (f *fakeAgent) RunAdvisory(ctx context.Context, task *queue.Task, gate string) (*AdvisoryResult, error) {
	out := "## Review Decision\n\n{\"verdict\":\"approve\"}\n"
	if o, ok := f.outputs[gate]; ok {
		out = o
	}
	res := &AdvisoryResult{
		Output: out, SessionID: "sess-" + gate, PRURL: f.prURL,
	}
	if !f.noTokens {
		res.InputTokens = 100
		res.OutputTokens = 40
		res.TokensKnown = true
	}
	return res, nil
}

func newTestWorker(t *testing.T, client *fakeClient, ws *fakeWorkspace, agent *fakeAgent) (*Worker, *queue.Queue) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, t.TempDir()+"/state.db")
	if err != nil {
		t.Fatalf("store open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	q, err := queue.Open(t.TempDir())
	if err != nil {
		t.Fatalf("queue open failed: %v", err)
	}
	if agent == nil {
		agent = &fakeAgent{}
	}
	w, err := New(Config{
		Repo: "3mdistal/ralph", RepoRoot: "/work/repo",
		BotBranch: "bot/integration", DefaultBranch: "main",
		Store: s, Queue: q, Client: client,
		Workspace: ws, Agent: agent, Log: testLogger{t},
		CheckWait: 50 * time.Millisecond, CheckInterval: time.Millisecond,
		TriageMaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return w, q
}

func newTask(t *testing.T, q *queue.Queue, issue int) *queue.Task {
	t.Helper()
	task := &queue.Task{Repo: "3mdistal/ralph", Issue: issue, Status: queue.StatusQueued}
	if err := q.Create(fmt.Sprintf("task-%d", issue), task); err != nil {
		t.Fatalf("create task failed: %v", err)
	}
	return task
}

func TestProductGapMarkers(t *testing.T) {
	cases := []struct {
		name   string
		text   string
		want   bool
		detail string
	}{
		{"explicit gap", "analysis here\nPRODUCT GAP: missing export flow\nmore", true, "missing export flow"},
		{"negation wins", "PRODUCT GAP: maybe\nNO PRODUCT GAP: confirmed covered", false, "confirmed covered"},
		{"fuzzy phrase ignored", "this might be a product gap in the flow", false, ""},
		{"mid-line ignored", "see PRODUCT GAP: not at line start", false, ""},
		{"crlf tolerated", "PRODUCT GAP: windows output\r\n", true, "windows output"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, detail := HasProductGap(c.text)
			if got != c.want || detail != c.detail {
				t.Errorf("HasProductGap = %v %q, want %v %q", got, detail, c.want, c.detail)
			}
		})
	}
}

func TestParseReviewDecision(t *testing.T) {
	d, err := ParseReviewDecision("prose\n## Review Decision\n\n{\"verdict\":\"revise\",\"detail\":\"split the PR\"}\n")
	if err != nil || d.Verdict != "revise" || d.Detail != "split the PR" {
		t.Fatalf("structured parse failed: %+v %v", d, err)
	}

	d, err = ParseReviewDecision("long analysis\nREVIEW: APPROVE")
	if err != nil || d.Verdict != "approve" {
		t.Fatalf("sentinel parse failed: %+v %v", d, err)
	}

	// The sentinel must be the final line, not buried in prose.
	if _, err := ParseReviewDecision("REVIEW: APPROVE was mentioned\nbut never decided"); err == nil {
		t.Fatal("non-final sentinel must not parse")
	}
	if _, err := ParseReviewDecision("## Review Decision\n{\"verdict\":\"maybe\"}"); err == nil {
		t.Fatal("unknown verdict must fail")
	}
}

func TestNoteRefNormalizationCommutes(t *testing.T) {
	inputs := []string{
		"[[My Note]]",
		"  [[ spaced   ref ]]  ",
		"\x01[[control prefix]]",
		"plain ref\r\nwith crlf",
	}
	for _, in := range inputs {
		a := SanitizeNoteText(NormalizeBwrbNoteRef(in))
		b := NormalizeBwrbNoteRef(SanitizeNoteText(in))
		if a != b {
			t.Errorf("normalize/sanitize order changed result for %q: %q vs %q", in, a, b)
		}
	}
	if got := NormalizeBwrbNoteRef("[[My   Note]]"); got != "My Note" {
		t.Errorf("NormalizeBwrbNoteRef = %q", got)
	}
}

func TestClassifyCIFailure(t *testing.T) {
	fail := []hosting.CheckRun{{Name: "test", Status: "completed", Conclusion: "failure"}}
	infra := []hosting.CheckRun{
		{Name: "build", Status: "completed", Conclusion: "timed_out"},
		{Name: "lint", Status: "completed", Conclusion: "cancelled"},
	}

	p := ClassifyCIFailure(infra, 0, 3)
	if p.Classification != ClassInfra || p.Action != ActionResume {
		t.Errorf("infra failures: got %s/%s", p.Classification, p.Action)
	}
	p = ClassifyCIFailure(fail, 0, 3)
	if p.Classification != ClassRegression || p.Action != ActionSpawn {
		t.Errorf("first failure: got %s/%s", p.Classification, p.Action)
	}
	p = ClassifyCIFailure(fail, 1, 3)
	if p.Classification != ClassFlake || p.Action != ActionResume {
		t.Errorf("retry within budget: got %s/%s", p.Classification, p.Action)
	}
	p = ClassifyCIFailure(fail, 3, 3)
	if p.Classification != ClassRegression || p.Action != ActionQuarantine {
		t.Errorf("exhausted budget: got %s/%s", p.Classification, p.Action)
	}
	if p.Version != ClassifierVersion || p.Kind != "ci_classifier" {
		t.Errorf("payload identity wrong: %+v", p)
	}

	// Signature is order-independent.
	a := FailureSignature([]hosting.CheckRun{
		{Name: "a", Conclusion: "failure"}, {Name: "b", Conclusion: "cancelled"},
	})
	b := FailureSignature([]hosting.CheckRun{
		{Name: "b", Conclusion: "cancelled"}, {Name: "a", Conclusion: "failure"},
	})
	if a != b {
		t.Error("signature must not depend on check order")
	}
}

func TestApplyLabelsCreatesMissing(t *testing.T) {
	client := &fakeClient{}
	missing := true
	client.addErr = func(label string) error {
		if label == "ralph:blocked" && missing {
			missing = false
			return hosting.NewError(hosting.KindValidation, 422, "label does not exist")
		}
		return nil
	}

	err := ApplyLabels(context.Background(), client, "r", 7, []string{"ralph:in-progress", "ralph:blocked"})
	if err != nil {
		t.Fatalf("ApplyLabels failed: %v", err)
	}
	if len(client.labelsMade) != 1 || client.labelsMade[0] != "ralph:blocked" {
		t.Fatalf("expected one created label, got %v", client.labelsMade)
	}
	if client.labelAdds["ralph:blocked"] != 1 {
		t.Fatalf("retry after create should add exactly once: %v", client.labelAdds)
	}
}

func TestApplyLabelsRollbackOnlyNonTransient(t *testing.T) {
	client := &fakeClient{}
	client.addErr = func(label string) error {
		if label == "second" {
			return hosting.NewError(hosting.KindValidation, 422, "validation failed")
		}
		return nil
	}
	if err := ApplyLabels(context.Background(), client, "r", 7, []string{"first", "second"}); err == nil {
		t.Fatal("validation failure must surface")
	}
	if len(client.removed) != 1 || client.removed[0] != "first" {
		t.Fatalf("non-transient failure should roll back applied labels: %v", client.removed)
	}

	client = &fakeClient{}
	client.addErr = func(label string) error {
		if label == "second" {
			return hosting.NewError(hosting.KindTransient, 503, "service unavailable")
		}
		return nil
	}
	if err := ApplyLabels(context.Background(), client, "r", 7, []string{"first", "second"}); err == nil {
		t.Fatal("transient failure must surface")
	}
	if len(client.removed) != 0 {
		t.Fatalf("transient failure must not roll back: %v", client.removed)
	}
}

func TestAuditLabelParity(t *testing.T) {
	client := &fakeClient{issue: &hosting.Issue{Number: 7, State: "open", Labels: []string{"bug"}}}
	report, err := AuditLabelParity(context.Background(), client, "r", map[int]string{
		7: "blocked",
		9: "done", // no mirror label, not checked
	})
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if report.Checked != 1 || len(report.Drifted) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Drifted[0].WantLabel != LabelBlocked {
		t.Fatalf("unexpected drift: %+v", report.Drifted[0])
	}
}

func greenPR() (*fakeClient, *hosting.PullRequest) {
	pr := &hosting.PullRequest{
		Number: 631, URL: "https://example.com/3mdistal/ralph/pull/631",
		State: "open", HeadRef: "ralph/319", HeadSHA: "abc123",
		BaseRef: "bot/integration", HeadOwned: true,
	}
	client := &fakeClient{
		pr:       pr,
		required: []string{"test"},
		checks:   []hosting.CheckRun{{Name: "test", Status: "completed", Conclusion: "success"}},
	}
	return client, pr
}

func TestMergeRetriesOnBaseModified(t *testing.T) {
	client, pr := greenPR()
	client.mergeErrs = []error{
		hosting.NewError(hosting.KindValidation, 405, "base branch was modified"),
	}
	w, q := newTestWorker(t, client, nil, nil)
	task := newTask(t, q, 319)

	out, err := w.MergePR(context.Background(), task, pr)
	if err != nil {
		t.Fatalf("MergePR failed: %v", err)
	}
	if !out.Merged || out.BranchUpdates != 1 || client.updates != 1 {
		t.Fatalf("expected one branch update then merge: %+v updates=%d", out, client.updates)
	}
	if len(client.deleted) != 1 || client.deleted[0] != "ralph/319" {
		t.Fatalf("head branch should be deleted: %v", client.deleted)
	}
}

func TestMergeBlocksAfterUpdateBudget(t *testing.T) {
	client, pr := greenPR()
	baseModified := hosting.NewError(hosting.KindValidation, 405, "base branch was modified")
	for i := 0; i < maxAutoUpdateAttempts+1; i++ {
		client.mergeErrs = append(client.mergeErrs, baseModified)
	}
	w, q := newTestWorker(t, client, nil, nil)
	task := newTask(t, q, 319)
	if err := task.Transition(queue.StatusStarting); err != nil {
		t.Fatal(err)
	}
	if err := task.Transition(queue.StatusInProgress); err != nil {
		t.Fatal(err)
	}

	out, err := w.MergePR(context.Background(), task, pr)
	if err != nil {
		t.Fatalf("MergePR failed: %v", err)
	}
	if out.Merged {
		t.Fatal("exhausted updates must not merge")
	}
	if task.Status != queue.StatusBlocked || task.BlockedSource != BlockSourceAutoUpdate {
		t.Fatalf("task should be blocked under auto-update: status=%s source=%s", task.Status, task.BlockedSource)
	}
}

func TestMergeSkipsHeadDeletion(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(pr *hosting.PullRequest)
	}{
		{"cross repo", func(pr *hosting.PullRequest) { pr.CrossRepo = true }},
		{"base not bot branch", func(pr *hosting.PullRequest) { pr.BaseRef = "main" }},
		{"head is default branch", func(pr *hosting.PullRequest) { pr.HeadRef = "main" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			client, pr := greenPR()
			c.mutate(pr)
			w, q := newTestWorker(t, client, nil, nil)
			task := newTask(t, q, 319)

			out, err := w.MergePR(context.Background(), task, pr)
			if err != nil {
				t.Fatalf("MergePR failed: %v", err)
			}
			if !out.Merged {
				t.Fatal("merge itself should succeed")
			}
			if len(client.deleted) != 0 {
				t.Fatalf("head must not be deleted: %v", client.deleted)
			}
		})
	}
}

func TestRecoveryTerminalSkipMergedPR(t *testing.T) {
	client := &fakeClient{
		issue: &hosting.Issue{Number: 319, State: "open"},
		pr: &hosting.PullRequest{
			Number: 631, URL: "https://example.com/3mdistal/ralph/pull/631",
			State: "merged", Merged: true,
			HeadRef: "ralph/319", BaseRef: "bot/integration",
		},
	}
	w, q := newTestWorker(t, client, nil, nil)
	task := newTask(t, q, 319)
	task.SessionID = "sess-1"
	task.WorktreePath = "/work/repo-wt/319"

	if err := w.RunTask(context.Background(), task); err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if task.Status != queue.StatusDone {
		t.Fatalf("task should be done, got %s", task.Status)
	}
	if task.SessionID != "" || task.WorktreePath != "" {
		t.Fatalf("session fields should be cleared: %+v", task)
	}

	run, results, _, err := w.store.GetLatestRunGateStateForIssue(context.Background(), task.Repo, 319)
	if err != nil {
		t.Fatalf("gate state read failed: %v", err)
	}
	if run.Outcome != "success" {
		t.Fatalf("recovery run outcome = %q", run.Outcome)
	}
	for _, r := range results {
		if r.Gate == store.GatePREvidence {
			if r.Status != store.GateSkip || r.URL != client.pr.URL {
				t.Fatalf("evidence row wrong: %+v", r)
			}
		}
	}
}

func TestRecoveryIssueClosedUpstream(t *testing.T) {
	client := &fakeClient{issue: &hosting.Issue{Number: 42, State: "closed"}}
	w, q := newTestWorker(t, client, nil, nil)
	task := newTask(t, q, 42)

	rec, err := w.TryEnsurePRFromWorktree(context.Background(), task)
	if err != nil {
		t.Fatalf("recovery probe failed: %v", err)
	}
	if !rec.Terminal || rec.CompletionKind != CompletionVerified || rec.NoPrTerminalReason != NoPRReasonIssueClosed {
		t.Fatalf("unexpected recovery result: %+v", rec)
	}
}

func TestRecoveryMaterializesDetachedWorktree(t *testing.T) {
	client := &fakeClient{issue: &hosting.Issue{Number: 7, State: "open"}}
	ws := &fakeWorkspace{branch: ""} // detached head
	w, q := newTestWorker(t, client, ws, nil)
	task := newTask(t, q, 7)
	task.WorktreePath = "/work/repo-wt/7"

	rec, err := w.TryEnsurePRFromWorktree(context.Background(), task)
	if err != nil {
		t.Fatalf("recovery probe failed: %v", err)
	}
	if rec.Terminal {
		t.Fatal("open issue without PR must not be terminal")
	}
	if rec.RecoveredBranch == "" || ws.recovered == "" {
		t.Fatal("detached worktree should get a recovery branch")
	}
}

func TestRunTaskHappyPath(t *testing.T) {
	client, _ := greenPR()
	client.issue = &hosting.Issue{Number: 319, State: "open"}
	ws := &fakeWorkspace{path: "/work/repo-wt/319", branch: "ralph/319"}
	w, q := newTestWorker(t, client, ws, nil)
	task := newTask(t, q, 319)

	if err := w.RunTask(context.Background(), task); err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if task.Status != queue.StatusDone {
		t.Fatalf("task should be done, got %s", task.Status)
	}
	if client.merges != 1 {
		t.Fatalf("expected one merge, got %d", client.merges)
	}

	run, results, _, err := w.store.GetLatestRunGateStateForIssue(context.Background(), task.Repo, 319)
	if err != nil {
		t.Fatalf("gate state read failed: %v", err)
	}
	if run.Outcome != "success" {
		t.Fatalf("run outcome = %q", run.Outcome)
	}
	passed := 0
	for _, r := range results {
		if r.Status == store.GatePass {
			passed++
		}
	}
	if passed != len(store.GateNames) {
		t.Fatalf("expected all gates passed, got %d of %d: %+v", passed, len(store.GateNames), results)
	}
	// Three advisory sessions reported 100 input tokens each.
	if run.InputTokens == nil || *run.InputTokens != 300 {
		t.Fatalf("run token totals not summed: %+v", run.InputTokens)
	}
}

func TestRunTaskUnreportedSessionKeepsTotalsNull(t *testing.T) {
	client, _ := greenPR()
	client.issue = &hosting.Issue{Number: 21, State: "open"}
	client.pr.HeadRef = "ralph/21"
	ws := &fakeWorkspace{path: "/work/repo-wt/21", branch: "ralph/21"}
	w, q := newTestWorker(t, client, ws, &fakeAgent{noTokens: true})
	task := newTask(t, q, 21)

	if err := w.RunTask(context.Background(), task); err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	run, _, _, err := w.store.GetLatestRunGateStateForIssue(context.Background(), task.Repo, 21)
	if err != nil {
		t.Fatalf("gate state read failed: %v", err)
	}
	if run.Outcome != "success" {
		t.Fatalf("run outcome = %q", run.Outcome)
	}
	// Sessions ran but never reported usage, so the run's totals stay
	// null rather than summing to a misleading zero.
	if run.InputTokens != nil || run.OutputTokens != nil || run.ReasoningTokens != nil {
		t.Fatalf("unreported sessions must keep run totals null: %+v", run)
	}
}

func TestReviewGateRecordsSessionPRURL(t *testing.T) {
	client, _ := greenPR()
	client.issue = &hosting.Issue{Number: 23, State: "open"}
	client.pr.HeadRef = "ralph/23"
	ws := &fakeWorkspace{path: "/work/repo-wt/23", branch: "ralph/23"}
	agent := &fakeAgent{prURL: "https://example.com/3mdistal/ralph/pull/701"}
	w, q := newTestWorker(t, client, ws, agent)
	task := newTask(t, q, 23)

	if err := w.RunTask(context.Background(), task); err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	_, results, _, err := w.store.GetLatestRunGateStateForIssue(context.Background(), task.Repo, 23)
	if err != nil {
		t.Fatalf("gate state read failed: %v", err)
	}
	for _, r := range results {
		if r.Gate == store.GatePlanReview && r.URL != agent.prURL {
			t.Fatalf("session PR URL not recorded on gate row: %+v", r)
		}
	}
}

func TestRunTaskPreflightRefusesMainCheckout(t *testing.T) {
	client, _ := greenPR()
	client.issue = &hosting.Issue{Number: 5, State: "open"}
	ws := &fakeWorkspace{path: "/work/repo", branch: "ralph/5"} // repo root
	w, q := newTestWorker(t, client, ws, nil)
	task := newTask(t, q, 5)

	if err := w.RunTask(context.Background(), task); err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	_, results, _, err := w.store.GetLatestRunGateStateForIssue(context.Background(), task.Repo, 5)
	if err != nil {
		t.Fatalf("gate state read failed: %v", err)
	}
	for _, r := range results {
		if r.Gate == store.GatePreflight {
			if r.Status != store.GateFail || !strings.Contains(r.Reason, "refusing to run in main checkout") {
				t.Fatalf("preflight row wrong: %+v", r)
			}
		}
	}
}

func TestRunTaskProductGapEscalates(t *testing.T) {
	client, _ := greenPR()
	client.issue = &hosting.Issue{Number: 8, State: "open"}
	ws := &fakeWorkspace{path: "/work/repo-wt/8", branch: "ralph/8"}
	agent := &fakeAgent{outputs: map[string]string{
		store.GateProductReview: "PRODUCT GAP: export flow has no UI entry point\n",
	}}
	w, q := newTestWorker(t, client, ws, agent)
	task := newTask(t, q, 8)

	if err := w.RunTask(context.Background(), task); err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if task.Status != queue.StatusEscalated {
		t.Fatalf("product gap should escalate, got %s", task.Status)
	}
	if client.merges != 0 {
		t.Fatal("escalated task must not merge")
	}
	if client.labelAdds[LabelEscalated] != 1 {
		t.Fatalf("escalation label not written back: %v", client.labelAdds)
	}
}

func TestRunTaskCIFirstFailureEscalates(t *testing.T) {
	client, _ := greenPR()
	client.issue = &hosting.Issue{Number: 11, State: "open"}
	client.checks = []hosting.CheckRun{{Name: "test", Status: "completed", Conclusion: "failure"}}
	client.pr.HeadRef = "ralph/11"
	ws := &fakeWorkspace{path: "/work/repo-wt/11", branch: "ralph/11"}
	w, q := newTestWorker(t, client, ws, nil)
	task := newTask(t, q, 11)

	if err := w.RunTask(context.Background(), task); err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if task.Status != queue.StatusEscalated {
		t.Fatalf("first regression should escalate, got %s", task.Status)
	}

	_, results, _, err := w.store.GetLatestRunGateStateForIssue(context.Background(), task.Repo, 11)
	if err != nil {
		t.Fatalf("gate state read failed: %v", err)
	}
	for _, r := range results {
		if r.Gate == store.GateCI {
			if !strings.Contains(r.ClassifierPayload, `"action":"spawn"`) {
				t.Fatalf("payload should spawn: %s", r.ClassifierPayload)
			}
		}
	}

	// The failed attempt is counted for the next pass.
	attempt, err := w.store.GetTriageAttempt(context.Background(), task.Repo, 11, FailureSignature(client.checks))
	if err != nil {
		t.Fatal(err)
	}
	if attempt.Attempts != 1 {
		t.Fatalf("attempt count = %d", attempt.Attempts)
	}
}

func TestRunTaskCIQuarantineBlocks(t *testing.T) {
	client, _ := greenPR()
	client.issue = &hosting.Issue{Number: 9, State: "open"}
	client.checks = []hosting.CheckRun{{Name: "test", Status: "completed", Conclusion: "failure"}}
	ws := &fakeWorkspace{path: "/work/repo-wt/9", branch: "ralph/9"}
	// greenPR scripts head ralph/319; point it at this task's branch.
	client.pr.HeadRef = "ralph/9"
	w, q := newTestWorker(t, client, ws, nil)
	task := newTask(t, q, 9)

	// Exhaust the triage budget for this signature up front.
	sig := FailureSignature(client.checks)
	for i := 0; i < 3; i++ {
		if _, err := w.store.BumpTriageAttempt(context.Background(), task.Repo, 9, sig); err != nil {
			t.Fatal(err)
		}
	}

	if err := w.RunTask(context.Background(), task); err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if task.Status != queue.StatusBlocked || task.BlockedSource != "ci-failure" {
		t.Fatalf("quarantine should block under ci-failure: status=%s source=%s", task.Status, task.BlockedSource)
	}
	if client.labelAdds[LabelBlocked] != 1 {
		t.Fatalf("blocked label not written back: %v", client.labelAdds)
	}

	_, results, artifacts, err := w.store.GetLatestRunGateStateForIssue(context.Background(), task.Repo, 9)
	if err != nil {
		t.Fatalf("gate state read failed: %v", err)
	}
	for _, r := range results {
		if r.Gate == store.GateCI {
			if r.Status != store.GateFail || r.ClassifierVersion != ClassifierVersion {
				t.Fatalf("ci row missing classifier: %+v", r)
			}
			if !strings.Contains(r.ClassifierPayload, `"action":"quarantine"`) {
				t.Fatalf("payload should quarantine: %s", r.ClassifierPayload)
			}
		}
	}
	found := false
	for _, a := range artifacts {
		if a.Kind == "ci_classifier" {
			found = true
		}
	}
	if !found {
		t.Fatal("classifier artifact not recorded")
	}
}
