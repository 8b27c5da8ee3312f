package control

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestLoadMissingFileDefaultsToRunning(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "control.json"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if f.Mode != ModeRunning || f.Version != FileVersion {
		t.Fatalf("unexpected default: %+v", f)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.json")
	want := File{
		Version:           1,
		Mode:              ModeDraining,
		PauseRequested:    true,
		PauseAtCheckpoint: "2026-08-24T12:00:00Z",
		DrainTimeoutMs:    60000,
		DefaultProfile:    "work",
	}
	if err := Save(path, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
	if got.PauseDeadline().IsZero() {
		t.Error("pause deadline should parse")
	}
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.json")
	if err := os.WriteFile(path, []byte(`{"version":1,"mode":"turbo"}`), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown mode to be rejected")
	}
}

func TestMutateReadModifyWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.json")
	if err := Save(path, File{Mode: ModeRunning, DefaultProfile: "work"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := Mutate(path, func(f *File) {
		f.Mode = ModePaused
		f.PauseRequested = true
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if got.Mode != ModePaused || !got.PauseRequested {
		t.Fatalf("mutation not applied: %+v", got)
	}
	if got.DefaultProfile != "work" {
		t.Error("unrelated fields must survive mutation")
	}
}

type testLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *testLogger) Logf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, format)
}

func TestWatcherObservesModeChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "control.json")
	if err := Save(path, File{Mode: ModeRunning}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	changes := make(chan File, 8)
	w := NewWatcher(path, 50*time.Millisecond, &testLogger{}, func(f File) {
		changes <- f
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer func() { _ = w.Close() }()

	// First notification is the initial state.
	select {
	case f := <-changes:
		if f.Mode != ModeRunning {
			t.Fatalf("initial state: expected running, got %s", f.Mode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial state")
	}

	if err := Save(path, File{Mode: ModePaused}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	select {
	case f := <-changes:
		if f.Mode != ModePaused {
			t.Fatalf("expected paused, got %s", f.Mode)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for mode change")
	}
	if w.Current().Mode != ModePaused {
		t.Errorf("Current() lags: %s", w.Current().Mode)
	}
}

func TestWatcherIgnoresCorruptUpdate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "control.json")
	if err := Save(path, File{Mode: ModeDraining}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	changes := make(chan File, 8)
	w := NewWatcher(path, 50*time.Millisecond, &testLogger{}, func(f File) {
		changes <- f
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer func() { _ = w.Close() }()
	<-changes

	// A half-edited file must not flip the observed mode.
	if err := os.WriteFile(path, []byte(`{"version":1,"mo`), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if w.Current().Mode != ModeDraining {
		t.Errorf("corrupt file changed state to %s", w.Current().Mode)
	}
}
