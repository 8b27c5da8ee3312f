// Package sched selects which repository gets the next dispatch turn.
// Each repo carries a priority band p in 0..3 and receives p+1 turns per
// policy cycle; selection within a band is round-robin. Every repo is
// selected at least once per full cycle, so low bands never starve.
package sched

import (
	"sort"
	"sync"
)

// MaxBand is the highest priority band.
const MaxBand = 3

// Scheduler hands out repo turns. Safe for concurrent use.
type Scheduler struct {
	mu sync.Mutex

	bands map[string]int // repo -> band
	slots map[string]int // repo -> concurrency cap
	inUse map[string]int // repo -> active tasks

	// cycle state
	remaining map[string]int   // turns left this cycle
	rotation  map[int][]string // band -> repos in rotation order
	cursor    map[int]int      // band -> next rotation index
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		bands:  make(map[string]int),
		slots:  make(map[string]int),
		inUse:  make(map[string]int),
		cursor: make(map[int]int),
	}
}

// Configure installs the repo -> band mapping and per-repo slot caps. Any
// change to the band mapping resets cycle state; slot usage is preserved
// for repos that remain.
func (s *Scheduler) Configure(bands map[string]int, slots map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := len(bands) != len(s.bands)
	if !changed {
		for repo, band := range bands {
			if s.bands[repo] != clampBand(band) {
				changed = true
				break
			}
		}
	}

	s.bands = make(map[string]int, len(bands))
	for repo, band := range bands {
		s.bands[repo] = clampBand(band)
	}
	s.slots = make(map[string]int, len(slots))
	for repo, n := range slots {
		if n < 1 {
			n = 1
		}
		s.slots[repo] = n
	}
	for repo := range s.inUse {
		if _, ok := s.bands[repo]; !ok {
			delete(s.inUse, repo)
		}
	}
	if changed {
		s.remaining = nil
		s.rotation = nil
		s.cursor = make(map[int]int)
	}
}

func clampBand(b int) int {
	if b < 0 {
		return 0
	}
	if b > MaxBand {
		return MaxBand
	}
	return b
}

// refillLocked starts a new policy cycle: band p grants p+1 turns.
func (s *Scheduler) refillLocked() {
	s.remaining = make(map[string]int, len(s.bands))
	s.rotation = make(map[int][]string)
	for repo, band := range s.bands {
		s.remaining[repo] = band + 1
		s.rotation[band] = append(s.rotation[band], repo)
	}
	for band := range s.rotation {
		sort.Strings(s.rotation[band])
	}
}

// Next returns the repo owning the next turn. The highest band with turns
// remaining wins; within the band, repos rotate. Returns false when no repo
// is configured.
func (s *Scheduler) Next() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.bands) == 0 {
		return "", false
	}
	if s.exhaustedLocked() {
		s.refillLocked()
	}
	for band := MaxBand; band >= 0; band-- {
		repos := s.rotation[band]
		if len(repos) == 0 {
			continue
		}
		for i := 0; i < len(repos); i++ {
			idx := (s.cursor[band] + i) % len(repos)
			repo := repos[idx]
			if s.remaining[repo] > 0 {
				s.remaining[repo]--
				s.cursor[band] = (idx + 1) % len(repos)
				return repo, true
			}
		}
	}
	return "", false
}

func (s *Scheduler) exhaustedLocked() bool {
	if s.remaining == nil {
		return true
	}
	for _, n := range s.remaining {
		if n > 0 {
			return false
		}
	}
	return true
}

// TryAcquire claims a concurrency slot for the repo. Returns false at the
// slot cap; the dispatcher then skips the turn.
func (s *Scheduler) TryAcquire(repo string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	capacity := s.slots[repo]
	if capacity < 1 {
		capacity = 1
	}
	if s.inUse[repo] >= capacity {
		return false
	}
	s.inUse[repo]++
	return true
}

// Release returns a slot.
func (s *Scheduler) Release(repo string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse[repo] > 0 {
		s.inUse[repo]--
	}
}

// InUse reports the active task count for a repo.
func (s *Scheduler) InUse(repo string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse[repo]
}
