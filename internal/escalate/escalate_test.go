package escalate

import (
	"context"
	"errors"
	"testing"

	"github.com/3mdistal/ralph/internal/queue"
	"github.com/3mdistal/ralph/internal/store"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Logf(format string, args ...interface{}) { l.t.Logf(format, args...) }

func TestDecisionRenderParseRoundTrip(t *testing.T) {
	cases := []Decision{
		{Kind: KindWatchdog, Confidence: ConfidenceHigh, Action: "restart with longer budget", Signature: "sig-1"},
		{Kind: KindBlocked, Confidence: ConfidenceMedium, Action: "wait for dependency", Rationale: "needs schema change", DependencyIssue: 812, Signature: "sig-2"},
		{Kind: KindProductGap, Confidence: ConfidenceLow, Action: "ask a human", Signature: "sig-3"},
	}
	for _, want := range cases {
		rendered, err := Render(want)
		if err != nil {
			t.Fatalf("Render failed: %v", err)
		}
		got, err := Parse(rendered)
		if err != nil {
			t.Fatalf("Parse failed on %q: %v", rendered, err)
		}
		if got != want {
			t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
		}
	}
}

func TestParseIgnoresLooseJSON(t *testing.T) {
	note := "Here is some analysis.\n```json\n{\"kind\":\"watchdog\",\"signature\":\"decoy\"}\n```\n" +
		"## Consultant Decision\n\n```json\n{\"kind\":\"watchdog\",\"confidence\":\"high\",\"signature\":\"real\"}\n```\n"
	d, err := Parse(note)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if d.Signature != "real" {
		t.Fatalf("parsed wrong block: %+v", d)
	}

	if _, err := Parse("no heading at all"); err == nil {
		t.Fatal("missing heading must fail")
	}
	if _, err := Parse("## Consultant Decision\n\nno fence"); err == nil {
		t.Fatal("missing fence must fail")
	}
}

func TestEligibilityRules(t *testing.T) {
	cases := []struct {
		name string
		d    Decision
		want bool
	}{
		{"watchdog high", Decision{Kind: KindWatchdog, Confidence: ConfidenceHigh, Signature: "s"}, true},
		{"watchdog medium", Decision{Kind: KindWatchdog, Confidence: ConfidenceMedium, Signature: "s"}, false},
		{"low-confidence high", Decision{Kind: KindLowConfidence, Confidence: ConfidenceHigh, Signature: "s"}, true},
		{"product gap", Decision{Kind: KindProductGap, Confidence: ConfidenceHigh, Signature: "s"}, false},
		{"contract surface", Decision{Kind: KindContractSurface, Confidence: ConfidenceHigh, Signature: "s"}, false},
		{"blocked with dep", Decision{Kind: KindBlocked, Confidence: ConfidenceLow, DependencyIssue: 9, Signature: "s"}, true},
		{"blocked without dep", Decision{Kind: KindBlocked, Confidence: ConfidenceHigh, Signature: "s"}, false},
		{"unknown kind", Decision{Kind: "mystery", Confidence: ConfidenceHigh, Signature: "s"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, reason := Eligible(c.d)
			if got != c.want {
				t.Errorf("Eligible(%+v) = %v (%s), want %v", c.d, got, reason, c.want)
			}
			if !got && reason == "" {
				t.Error("ineligible decision must carry a reason")
			}
		})
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), t.TempDir()+"/state.db")
	if err != nil {
		t.Fatalf("store open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func decisionNote(t *testing.T, d Decision) string {
	t.Helper()
	note, err := Render(d)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	return note
}

func TestAutopilotAppliesOnce(t *testing.T) {
	s := newTestStore(t)
	a := NewAutopilot(s, 2, testLogger{t})
	applies := 0
	a.Apply = func(ctx context.Context, task *queue.Task, d Decision) error {
		applies++
		return nil
	}

	task := &queue.Task{Repo: "r", Issue: 7, Status: queue.StatusEscalated}
	note := decisionNote(t, Decision{Kind: KindWatchdog, Confidence: ConfidenceHigh, Action: "restart", Signature: "sig-a"})

	out, err := a.Resolve(context.Background(), task, note)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !out.Applied || applies != 1 {
		t.Fatalf("expected one application, got %+v applies=%d", out, applies)
	}
	if len(task.AutoResolveLedger) != 1 || task.AutoResolveLastAt == "" {
		t.Fatalf("ledger not recorded: %+v", task)
	}

	// A replay of the same signature is idempotent.
	out, err = a.Resolve(context.Background(), task, note)
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if out.Applied || applies != 1 {
		t.Fatalf("replay must not reapply: %+v applies=%d", out, applies)
	}
}

func TestAutopilotRespectsBudget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := NewAutopilot(s, 2, testLogger{t})
	a.Apply = func(context.Context, *queue.Task, Decision) error { return nil }

	task := &queue.Task{Repo: "r", Issue: 7, Status: queue.StatusEscalated}
	// Two prior attempts on this signature exhaust the budget.
	for i := 0; i < 2; i++ {
		if _, err := s.BumpTriageAttempt(ctx, "r", 7, "sig-b"); err != nil {
			t.Fatalf("BumpTriageAttempt failed: %v", err)
		}
	}

	note := decisionNote(t, Decision{Kind: KindWatchdog, Confidence: ConfidenceHigh, Signature: "sig-b"})
	out, err := a.Resolve(ctx, task, note)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if out.Applied {
		t.Fatal("exhausted budget must block application")
	}
}

func TestAutopilotSkipsIneligible(t *testing.T) {
	s := newTestStore(t)
	a := NewAutopilot(s, 2, testLogger{t})
	a.Apply = func(context.Context, *queue.Task, Decision) error {
		t.Fatal("apply must not run for ineligible decisions")
		return nil
	}

	task := &queue.Task{Repo: "r", Issue: 7}
	note := decisionNote(t, Decision{Kind: KindProductGap, Confidence: ConfidenceHigh, Signature: "sig-c"})
	out, err := a.Resolve(context.Background(), task, note)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if out.Applied || out.Reason == "" {
		t.Fatalf("expected skip with reason, got %+v", out)
	}
}

func TestAutopilotReleasesKeyOnApplyFailure(t *testing.T) {
	s := newTestStore(t)
	a := NewAutopilot(s, 2, testLogger{t})
	fail := true
	a.Apply = func(context.Context, *queue.Task, Decision) error {
		if fail {
			return errors.New("hosting write failed")
		}
		return nil
	}

	task := &queue.Task{Repo: "r", Issue: 7}
	note := decisionNote(t, Decision{Kind: KindLowConfidence, Confidence: ConfidenceHigh, Signature: "sig-d"})

	if _, err := a.Resolve(context.Background(), task, note); err == nil {
		t.Fatal("apply failure must surface")
	}

	// The key was released, so a retry succeeds.
	fail = false
	out, err := a.Resolve(context.Background(), task, note)
	if err != nil {
		t.Fatalf("retry Resolve failed: %v", err)
	}
	if !out.Applied {
		t.Fatalf("retry should apply: %+v", out)
	}
}
