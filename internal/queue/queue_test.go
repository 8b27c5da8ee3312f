package queue

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return q
}

func TestCreateLoadRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	task := &Task{
		Type: "issue", Repo: "3mdistal/ralph", Issue: 42,
		Priority: 2, Scope: "backend",
	}
	if err := q.Create("ralph-42", task); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := q.Load("ralph-42")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Repo != "3mdistal/ralph" || got.Issue != 42 || got.Priority != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Status != StatusQueued {
		t.Errorf("new task should default to queued, got %s", got.Status)
	}
	if got.Name != "ralph-42" {
		t.Errorf("derived name: got %q", got.Name)
	}
	if got.Ref() != "3mdistal/ralph#42" {
		t.Errorf("ref: got %q", got.Ref())
	}
}

func TestUnknownFieldsSurviveRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	raw := []byte("repo: r\nissue: 1\nstatus: queued\noperator-note: keep me\ncustom-list:\n  - a\n  - b\n")
	path := filepath.Join(q.Dir(), "t1.yaml")
	if err := os.WriteFile(path, raw, 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	task, err := q.Load("t1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if task.Extra["operator-note"] != "keep me" {
		t.Fatalf("extra field lost on load: %+v", task.Extra)
	}
	task.Priority = 3
	if err := q.Save(task); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	again, err := q.Load("t1")
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if again.Extra["operator-note"] != "keep me" {
		t.Errorf("extra field lost on save: %+v", again.Extra)
	}
	if again.Priority != 3 {
		t.Errorf("edit lost: %+v", again)
	}
}

func TestTransitionGraph(t *testing.T) {
	allowed := []struct{ from, to string }{
		{StatusQueued, StatusStarting},
		{StatusStarting, StatusInProgress},
		{StatusInProgress, StatusDone},
		{StatusInProgress, StatusEscalated},
		{StatusInProgress, StatusBlocked},
		{StatusBlocked, StatusQueued},
		{StatusEscalated, StatusQueued},
		{StatusStarting, StatusQueued},
	}
	for _, c := range allowed {
		if !CanTransition(c.from, c.to) {
			t.Errorf("%s -> %s should be allowed", c.from, c.to)
		}
	}
	denied := []struct{ from, to string }{
		{StatusQueued, StatusInProgress},
		{StatusQueued, StatusDone},
		{StatusDone, StatusQueued},
		{StatusDone, StatusStarting},
		{StatusBlocked, StatusInProgress},
	}
	for _, c := range denied {
		if CanTransition(c.from, c.to) {
			t.Errorf("%s -> %s should be refused", c.from, c.to)
		}
	}
}

func TestTransitionSideEffects(t *testing.T) {
	task := &Task{Repo: "r", Issue: 1, Status: StatusInProgress}
	if err := task.Block("ci-failure", "required checks failed", "lint job red"); err != nil {
		t.Fatalf("Block failed: %v", err)
	}
	if task.Status != StatusBlocked || task.BlockedSource != "ci-failure" || task.BlockedAt == "" {
		t.Fatalf("block fields not recorded: %+v", task)
	}

	// Requeue clears the blocked tuple.
	if err := task.Transition(StatusQueued); err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if task.BlockedSource != "" || task.BlockedReason != "" || task.BlockedAt != "" {
		t.Errorf("blocked fields should clear on requeue: %+v", task)
	}

	task.Status = StatusInProgress
	if err := task.Transition(StatusDone); err != nil {
		t.Fatalf("done transition failed: %v", err)
	}
	if task.CompletedAt == "" {
		t.Error("done should stamp completed-at")
	}

	if err := task.Transition(StatusQueued); err == nil {
		t.Fatal("done must be terminal")
	}
}

func TestWorktreePathRefusesRepoRoot(t *testing.T) {
	task := &Task{Repo: "r", Issue: 1}
	if err := task.SetWorktreePath("/work/repo", "/work/repo"); err == nil {
		t.Fatal("worktree equal to repo root must be refused")
	}
	if err := task.SetWorktreePath("/work/repo/../repo/", "/work/repo"); err == nil {
		t.Fatal("cleaned worktree equal to repo root must be refused")
	}
	if err := task.SetWorktreePath("/work/worktrees/r-1", "/work/repo"); err != nil {
		t.Fatalf("valid worktree refused: %v", err)
	}
}

func TestSaveConflictDetection(t *testing.T) {
	q := newTestQueue(t)
	if err := q.Create("t1", &Task{Repo: "r", Issue: 1}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	first, err := q.Load("t1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	second, err := q.Load("t1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	second.Priority = 9
	if err := q.Save(second); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}

	first.Priority = 1
	err = q.Save(first)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// Reload, reapply, retry.
	fresh, err := q.Reload(first)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	fresh.Priority = 1
	if err := q.Save(fresh); err != nil {
		t.Fatalf("retry Save failed: %v", err)
	}
}

func TestListOrderingAndFiltering(t *testing.T) {
	q := newTestQueue(t)
	seed := []struct {
		name string
		task Task
	}{
		{"a-low", Task{Repo: "ra", Issue: 1, Priority: 0}},
		{"b-high", Task{Repo: "ra", Issue: 2, Priority: 3}},
		{"c-other", Task{Repo: "rb", Issue: 3, Priority: 1}},
	}
	for _, s := range seed {
		task := s.task
		if err := q.Create(s.name, &task); err != nil {
			t.Fatalf("Create %s failed: %v", s.name, err)
		}
	}
	// Malformed stray file is skipped.
	if err := os.WriteFile(filepath.Join(q.Dir(), "junk.yaml"), []byte(":::"), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	all, err := q.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	if all[0].Name != "b-high" {
		t.Errorf("priority ordering broken: first is %s", all[0].Name)
	}

	ra, err := q.ForRepo("ra", StatusQueued)
	if err != nil {
		t.Fatalf("ForRepo failed: %v", err)
	}
	if len(ra) != 2 {
		t.Errorf("expected 2 ra tasks, got %d", len(ra))
	}
}
