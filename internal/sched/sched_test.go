package sched

import (
	"testing"
)

func takeCycle(t *testing.T, s *Scheduler, n int) []string {
	t.Helper()
	var picks []string
	for i := 0; i < n; i++ {
		repo, ok := s.Next()
		if !ok {
			t.Fatalf("Next returned no repo at pick %d", i)
		}
		picks = append(picks, repo)
	}
	return picks
}

func TestBandTurnsPerCycle(t *testing.T) {
	s := New()
	s.Configure(map[string]int{"high": 2, "low": 0}, nil)

	// One full cycle is (2+1) + (0+1) = 4 picks: high three times, then low.
	picks := takeCycle(t, s, 4)
	want := []string{"high", "high", "high", "low"}
	for i := range want {
		if picks[i] != want[i] {
			t.Fatalf("cycle picks: expected %v, got %v", want, picks)
		}
	}

	// The next cycle repeats the pattern.
	picks = takeCycle(t, s, 4)
	for i := range want {
		if picks[i] != want[i] {
			t.Fatalf("second cycle: expected %v, got %v", want, picks)
		}
	}
}

func TestRoundRobinWithinBand(t *testing.T) {
	s := New()
	s.Configure(map[string]int{"a": 1, "b": 1}, nil)

	picks := takeCycle(t, s, 4)
	want := []string{"a", "b", "a", "b"}
	for i := range want {
		if picks[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, picks)
		}
	}
}

func TestNoStarvationAcrossBands(t *testing.T) {
	s := New()
	bands := map[string]int{"p3": 3, "p2": 2, "p1": 1, "p0": 0}
	s.Configure(bands, nil)

	cycleLen := 0
	for _, b := range bands {
		cycleLen += b + 1
	}
	counts := make(map[string]int)
	for _, repo := range takeCycle(t, s, cycleLen) {
		counts[repo]++
	}
	for repo, band := range bands {
		if counts[repo] != band+1 {
			t.Errorf("repo %s (band %d): expected %d turns, got %d", repo, band, band+1, counts[repo])
		}
	}
}

func TestMappingChangeResetsCycle(t *testing.T) {
	s := New()
	s.Configure(map[string]int{"a": 3, "b": 0}, nil)
	takeCycle(t, s, 2) // mid-cycle

	s.Configure(map[string]int{"a": 0, "b": 0}, nil)
	counts := make(map[string]int)
	for _, repo := range takeCycle(t, s, 2) {
		counts[repo]++
	}
	if counts["a"] != 1 || counts["b"] != 1 {
		t.Fatalf("fresh cycle after remap should give each one turn: %v", counts)
	}
}

func TestUnchangedConfigurePreservesCycle(t *testing.T) {
	s := New()
	bands := map[string]int{"a": 1, "b": 1}
	s.Configure(bands, nil)

	first, _ := s.Next()
	s.Configure(map[string]int{"a": 1, "b": 1}, nil)
	second, _ := s.Next()
	if first == second {
		t.Fatalf("rotation should continue across identical Configure: %s then %s", first, second)
	}
}

func TestSlotCaps(t *testing.T) {
	s := New()
	s.Configure(map[string]int{"r": 0}, map[string]int{"r": 2})

	if !s.TryAcquire("r") || !s.TryAcquire("r") {
		t.Fatal("two slots should be available")
	}
	if s.TryAcquire("r") {
		t.Fatal("third acquire must fail at cap")
	}
	s.Release("r")
	if !s.TryAcquire("r") {
		t.Fatal("released slot should be reusable")
	}
	if s.InUse("r") != 2 {
		t.Errorf("in-use count: %d", s.InUse("r"))
	}

	// Unknown repos default to one slot.
	if !s.TryAcquire("other") {
		t.Fatal("default slot should be available")
	}
	if s.TryAcquire("other") {
		t.Fatal("default cap is one")
	}
}

func TestNextWithNoRepos(t *testing.T) {
	s := New()
	if _, ok := s.Next(); ok {
		t.Fatal("empty scheduler must return no repo")
	}
}
