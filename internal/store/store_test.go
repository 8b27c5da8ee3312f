package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// newTestStore creates a writable store on a temp file with automatic cleanup.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := t.TempDir() + "/state.db"
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() {
		if cerr := s.Close(); cerr != nil {
			t.Fatalf("Failed to close test store: %v", cerr)
		}
	})
	return s
}

func mustCreateRun(t *testing.T, s *Store, id, repo string, issue int) {
	t.Helper()
	err := s.CreateRun(context.Background(), Run{
		ID: id, Repo: repo, IssueNumber: issue,
		AttemptKind: "initial", StartedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateRun(%s) failed: %v", id, err)
	}
}

func TestCreateRunSeedsCanonicalGateRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateRun(t, s, "run-1", "3mdistal/ralph", 319)

	_, gates, _, err := s.GetLatestRunGateStateForIssue(ctx, "3mdistal/ralph", 319)
	if err != nil {
		t.Fatalf("GetLatestRunGateStateForIssue failed: %v", err)
	}
	if len(gates) != len(GateNames) {
		t.Fatalf("expected %d gates, got %d", len(GateNames), len(gates))
	}
	for i, g := range gates {
		if g.Gate != GateNames[i] {
			t.Errorf("gate %d: expected %s, got %s", i, GateNames[i], g.Gate)
		}
		if g.Status != GatePending {
			t.Errorf("gate %s: expected pending, got %s", g.Gate, g.Status)
		}
	}
}

func TestCreateRunDemotesPriorLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateRun(t, s, "run-1", "3mdistal/ralph", 42)
	mustCreateRun(t, s, "run-2", "3mdistal/ralph", 42)

	run, err := s.LatestRun(ctx, "3mdistal/ralph", 42)
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if run == nil || run.ID != "run-2" {
		t.Fatalf("expected run-2 to be latest, got %+v", run)
	}
}

func TestGateTransitionsAreMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateRun(t, s, "run-1", "r", 1)

	if err := s.UpsertRunGateResult(ctx, GateResult{RunID: "run-1", Gate: GateCI, Status: GatePass}); err != nil {
		t.Fatalf("pass transition failed: %v", err)
	}
	// Identical status is tolerated for replay.
	if err := s.UpsertRunGateResult(ctx, GateResult{RunID: "run-1", Gate: GateCI, Status: GatePass}); err != nil {
		t.Fatalf("idempotent re-record failed: %v", err)
	}
	// A different terminal status is refused.
	err := s.UpsertRunGateResult(ctx, GateResult{RunID: "run-1", Gate: GateCI, Status: GateFail})
	if err == nil {
		t.Fatal("expected terminal gate overwrite to fail")
	}
	if !strings.Contains(err.Error(), "terminal") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestUpsertUnknownGateRejected(t *testing.T) {
	s := newTestStore(t)
	mustCreateRun(t, s, "run-1", "r", 1)
	err := s.UpsertRunGateResult(context.Background(), GateResult{RunID: "run-1", Gate: "deploy", Status: GatePass})
	if err == nil {
		t.Fatal("expected unknown gate to be rejected")
	}
}

func TestArtifactTruncationTailKeepsTail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateRun(t, s, "run-1", "r", 1)

	content := strings.Repeat("x", 20000) + "TAIL"
	a, err := s.RecordRunGateArtifact(ctx, "run-1", GateCI, "failure_excerpt", content)
	if err != nil {
		t.Fatalf("RecordRunGateArtifact failed: %v", err)
	}
	if !a.Truncated {
		t.Fatal("expected truncation")
	}
	if a.TruncationMode != TruncateTail {
		t.Errorf("expected tail mode, got %s", a.TruncationMode)
	}
	if a.OriginalChars != len(content) {
		t.Errorf("original chars: expected %d, got %d", len(content), a.OriginalChars)
	}
	if !strings.HasSuffix(a.Content, "TAIL") {
		t.Error("tail truncation lost the tail")
	}
	if len(a.Content) != 16384 {
		t.Errorf("expected 16384 chars, got %d", len(a.Content))
	}
}

func TestArtifactShortContentNotTruncated(t *testing.T) {
	s := newTestStore(t)
	mustCreateRun(t, s, "run-1", "r", 1)
	a, err := s.RecordRunGateArtifact(context.Background(), "run-1", GateCI, "failure_excerpt", "short log")
	if err != nil {
		t.Fatalf("RecordRunGateArtifact failed: %v", err)
	}
	if a.Truncated {
		t.Error("short content should not be truncated")
	}
	if a.OriginalChars != 9 || a.OriginalLines != 1 {
		t.Errorf("expected 9 chars / 1 line, got %d / %d", a.OriginalChars, a.OriginalLines)
	}
}

func TestIdempotencyKeyClaimedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	claimed, err := s.RecordKey(ctx, "block", "k1", `{"reason":"ci"}`)
	if err != nil {
		t.Fatalf("RecordKey failed: %v", err)
	}
	if !claimed {
		t.Fatal("first caller should claim")
	}
	claimed, err = s.RecordKey(ctx, "block", "k1", "{}")
	if err != nil {
		t.Fatalf("second RecordKey failed: %v", err)
	}
	if claimed {
		t.Fatal("second caller must not claim")
	}

	has, err := s.HasKey(ctx, "block", "k1")
	if err != nil || !has {
		t.Fatalf("HasKey: %v %v", has, err)
	}
	// Different scope is a different key space.
	has, err = s.HasKey(ctx, "escalate", "k1")
	if err != nil || has {
		t.Fatalf("scope leak: %v %v", has, err)
	}

	if err := s.DeleteKey(ctx, "block", "k1"); err != nil {
		t.Fatalf("DeleteKey failed: %v", err)
	}
	claimed, err = s.RecordKey(ctx, "block", "k1", "{}")
	if err != nil || !claimed {
		t.Fatalf("reclaim after delete: claimed=%v err=%v", claimed, err)
	}
}

func TestIdempotencyKeyConcurrentClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	claims := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.RecordKey(ctx, "race", "only-once", "{}")
			if err != nil {
				t.Errorf("RecordKey failed: %v", err)
				return
			}
			claims <- claimed
		}()
	}
	wg.Wait()
	close(claims)

	winners := 0
	for c := range claims {
		if c {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one claim winner, got %d", winners)
	}
}

func TestFinalizeRunSumsCompleteTokenTotals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateRun(t, s, "run-1", "r", 1)

	if err := s.RecordSessionTokens(ctx, "run-1", "s1", 100, 50, 10); err != nil {
		t.Fatalf("RecordSessionTokens failed: %v", err)
	}
	if err := s.RecordSessionTokens(ctx, "run-1", "s2", 200, 75, 0); err != nil {
		t.Fatalf("RecordSessionTokens failed: %v", err)
	}
	if err := s.FinalizeRun(ctx, "run-1", "success", time.Now()); err != nil {
		t.Fatalf("FinalizeRun failed: %v", err)
	}

	run, err := s.LatestRun(ctx, "r", 1)
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if run.Outcome != "success" || run.CompletedAt == nil {
		t.Fatalf("run not finalized: %+v", run)
	}
	if run.InputTokens == nil || *run.InputTokens != 300 {
		t.Errorf("input tokens: got %v", run.InputTokens)
	}
	if run.OutputTokens == nil || *run.OutputTokens != 125 {
		t.Errorf("output tokens: got %v", run.OutputTokens)
	}
}

func TestFinalizeRunPartialReportingKeepsNullTotals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateRun(t, s, "run-1", "r", 1)

	if err := s.RecordSessionTokens(ctx, "run-1", "s1", 100, 50, 10); err != nil {
		t.Fatalf("RecordSessionTokens failed: %v", err)
	}
	// A second session ran but its agent never reported usage.
	if err := s.RecordSessionUnreported(ctx, "run-1", "s2"); err != nil {
		t.Fatalf("RecordSessionUnreported failed: %v", err)
	}
	if err := s.FinalizeRun(ctx, "run-1", "success", time.Now()); err != nil {
		t.Fatalf("FinalizeRun failed: %v", err)
	}

	run, err := s.LatestRun(ctx, "r", 1)
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if run.InputTokens != nil || run.OutputTokens != nil || run.ReasoningTokens != nil {
		t.Fatalf("partial reporting must keep totals null: %+v", run)
	}

	// A real total recorded later for the same session wins over the
	// sentinel; all sessions are then complete and the sum lands.
	mustCreateRun(t, s, "run-2", "r", 2)
	if err := s.RecordSessionUnreported(ctx, "run-2", "s1"); err != nil {
		t.Fatalf("RecordSessionUnreported failed: %v", err)
	}
	if err := s.RecordSessionTokens(ctx, "run-2", "s1", 40, 20, 0); err != nil {
		t.Fatalf("RecordSessionTokens failed: %v", err)
	}
	if err := s.FinalizeRun(ctx, "run-2", "success", time.Now()); err != nil {
		t.Fatalf("FinalizeRun failed: %v", err)
	}
	run, err = s.LatestRun(ctx, "r", 2)
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if run.InputTokens == nil || *run.InputTokens != 40 {
		t.Fatalf("late totals should replace the sentinel: %+v", run.InputTokens)
	}
}

func TestFinalizeRunWithoutSessionsKeepsNullTotals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateRun(t, s, "run-1", "r", 1)
	if err := s.FinalizeRun(ctx, "run-1", "escalated", time.Now()); err != nil {
		t.Fatalf("FinalizeRun failed: %v", err)
	}
	run, err := s.LatestRun(ctx, "r", 1)
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if run.InputTokens != nil {
		t.Errorf("expected null token totals, got %v", *run.InputTokens)
	}
}

func TestProbeModes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// Missing file probes writable.
	res, err := Probe(ctx, dir+"/missing.db")
	if err != nil {
		t.Fatalf("Probe missing: %v", err)
	}
	if res.Mode != ModeWritable {
		t.Errorf("missing db: expected writable, got %v", res.Mode)
	}

	// Freshly initialized store probes writable at the current version.
	path := dir + "/state.db"
	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	res, err = Probe(ctx, path)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if res.Mode != ModeWritable || res.SchemaVersion != maxWritableSchema {
		t.Fatalf("expected writable at v%d, got mode=%v v=%d", maxWritableSchema, res.Mode, res.SchemaVersion)
	}

	// Readable-forward: one past writable, within supported.
	setUserVersion(t, path, maxWritableSchema+1)
	res, err = Probe(ctx, path)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if res.Mode != ModeReadOnly {
		t.Fatalf("expected read-only mode, got %v", res.Mode)
	}
	ro, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open read-only failed: %v", err)
	}
	if !ro.ReadOnly() {
		t.Error("store should be read-only")
	}
	if _, err := ro.RecordKey(ctx, "s", "k", ""); err != ErrReadOnly {
		t.Errorf("expected ErrReadOnly, got %v", err)
	}
	_ = ro.Close()

	// Forward-incompatible: past supported.
	setUserVersion(t, path, maxSupportedSchema+1)
	_, err = Open(ctx, path)
	se, ok := err.(*StoreError)
	if !ok {
		t.Fatalf("expected StoreError, got %v", err)
	}
	if se.Code != CodeForwardIncompatible || se.ExitCode() != 2 {
		t.Errorf("expected forward_incompatible exit 2, got %+v", se)
	}
}

func setUserVersion(t *testing.T, path string, version int) {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("open for version bump: %v", err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		t.Fatalf("set user_version: %v", err)
	}
}

func TestAlertDeliveryUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := AlertDelivery{
		AlertID: "a1", Channel: "issue-comment", MarkerID: "abc123def456",
		TargetType: "issue", TargetNumber: 319, Status: DeliverySuccess,
	}
	if err := s.RecordAlertAttempt(ctx, d); err != nil {
		t.Fatalf("RecordAlertAttempt failed: %v", err)
	}
	d.Status = DeliverySkipped
	if err := s.RecordAlertAttempt(ctx, d); err != nil {
		t.Fatalf("second RecordAlertAttempt failed: %v", err)
	}

	got, err := s.GetAlertDelivery(ctx, "a1", "issue-comment", "abc123def456")
	if err != nil {
		t.Fatalf("GetAlertDelivery failed: %v", err)
	}
	if got == nil || got.Attempts != 2 || got.Status != DeliverySkipped {
		t.Fatalf("unexpected delivery record: %+v", got)
	}
}

func TestTriageAttemptBump(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.GetTriageAttempt(ctx, "r", 7, "sig-1")
	if err != nil || a.Attempts != 0 {
		t.Fatalf("fresh attempt: %+v err=%v", a, err)
	}
	for want := 1; want <= 3; want++ {
		n, err := s.BumpTriageAttempt(ctx, "r", 7, "sig-1")
		if err != nil {
			t.Fatalf("BumpTriageAttempt failed: %v", err)
		}
		if n != want {
			t.Errorf("attempt count: expected %d, got %d", want, n)
		}
	}
}
