package throttle

import (
	"sort"
	"time"
)

// Selector picks which profile new work should run under. Policy is
// prefer-sooner-reset: among profiles whose weekly window is not hard and
// whose remaining weekly fraction clears a floor, the one whose weekly reset
// comes soonest wins. A minimum switch interval prevents flapping between
// profiles with similar reset times.
type Selector struct {
	engine            *Engine
	minRemaining      float64
	minSwitchInterval time.Duration
	now               func() time.Time

	current    string
	lastSwitch time.Time
}

// NewSelector creates a selector over an engine's profiles.
func NewSelector(engine *Engine, minRemaining float64, minSwitchInterval time.Duration) *Selector {
	return &Selector{
		engine:            engine,
		minRemaining:      minRemaining,
		minSwitchInterval: minSwitchInterval,
		now:               time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *Selector) SetClock(now func() time.Time) { s.now = now }

// Current returns the last selected profile, or empty before first Pick.
func (s *Selector) Current() string { return s.current }

type candidate struct {
	name      string
	nextReset time.Time
	remaining float64
}

// Pick evaluates all profiles and returns the selected one. When the current
// selection is still eligible and the switch interval has not elapsed, the
// current selection is kept even if another profile now ranks higher.
func (s *Selector) Pick() (string, error) {
	now := s.now()

	var candidates []candidate
	currentEligible := false
	for _, name := range s.engine.Profiles() {
		d, err := s.engine.Check(name)
		if err != nil {
			return "", err
		}
		weekly := d.WeeklyWindow()
		if weekly == nil {
			// No weekly budget configured: eligible unless hard overall.
			if d.State != StateHard {
				candidates = append(candidates, candidate{name: name, nextReset: now.Add(rollingWindow), remaining: 1})
				if name == s.current {
					currentEligible = true
				}
			}
			continue
		}
		if weekly.State == StateHard {
			continue
		}
		if weekly.Remaining() < s.minRemaining {
			continue
		}
		candidates = append(candidates, candidate{
			name:      name,
			nextReset: weekly.End,
			remaining: weekly.Remaining(),
		})
		if name == s.current {
			currentEligible = true
		}
	}
	if len(candidates) == 0 {
		return "", nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].nextReset.Equal(candidates[j].nextReset) {
			return candidates[i].nextReset.Before(candidates[j].nextReset)
		}
		if candidates[i].remaining != candidates[j].remaining {
			return candidates[i].remaining > candidates[j].remaining
		}
		return candidates[i].name < candidates[j].name
	})
	best := candidates[0].name

	if s.current != "" && currentEligible && now.Sub(s.lastSwitch) < s.minSwitchInterval {
		return s.current, nil
	}
	if best != s.current {
		s.current = best
		s.lastSwitch = now
	}
	return s.current, nil
}
