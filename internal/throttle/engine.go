// Package throttle decides whether new work may start, per provider profile.
// It scans the coding agent's on-disk message store, totals assistant token
// usage over a rolling 5h window and a calendar-weekly window, and yields
// ok, soft, or hard with a resume timestamp.
package throttle

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// State is the throttle verdict for a profile.
type State string

const (
	StateOK   State = "ok"
	StateSoft State = "soft"
	StateHard State = "hard"
)

// ProfileSpec is the resolved throttle configuration for one profile.
type ProfileSpec struct {
	Name          string
	Provider      string
	DataDir       string
	RollingBudget int64
	WeeklyBudget  int64
	SoftPct       float64
	HardPct       float64
	ResetWeekday  time.Weekday
	ResetHour     int
	ResetMinute   int
	Location      *time.Location
}

// WindowUsage is the computed state of one window.
type WindowUsage struct {
	Kind       string    `json:"kind"` // "rolling" or "weekly"
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	UsedTokens int64     `json:"usedTokens"`
	Budget     int64     `json:"budget"`
	SoftCap    int64     `json:"softCap"`
	HardCap    int64     `json:"hardCap"`
	State      State     `json:"state"`
	ResumeAt   time.Time `json:"resumeAt,omitempty"`
}

// Remaining returns the unused fraction of the window budget.
func (w WindowUsage) Remaining() float64 {
	if w.Budget <= 0 {
		return 1
	}
	rem := 1 - float64(w.UsedTokens)/float64(w.Budget)
	if rem < 0 {
		return 0
	}
	return rem
}

// Decision is a profile's throttle snapshot.
type Decision struct {
	Profile   string        `json:"profile"`
	State     State         `json:"state"`
	ResumeAt  time.Time     `json:"resumeAt,omitempty"`
	Windows   []WindowUsage `json:"windows"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// WeeklyWindow returns the weekly window of the decision, or nil.
func (d *Decision) WeeklyWindow() *WindowUsage {
	for i := range d.Windows {
		if d.Windows[i].Kind == "weekly" {
			return &d.Windows[i]
		}
	}
	return nil
}

// Engine computes and caches throttle decisions. The zone of each profile is
// fixed at construction; runtime zone changes are not observed.
type Engine struct {
	profiles         map[string]ProfileSpec
	minCheckInterval time.Duration
	now              func() time.Time

	mu    sync.Mutex
	cache map[string]Decision
}

// NewEngine creates an engine over the given profiles. Decisions are cached
// and only recomputed after minCheckInterval.
func NewEngine(profiles []ProfileSpec, minCheckInterval time.Duration) *Engine {
	m := make(map[string]ProfileSpec, len(profiles))
	for _, p := range profiles {
		if p.Location == nil {
			p.Location = time.Local
		}
		m[p.Name] = p
	}
	return &Engine{
		profiles:         m,
		minCheckInterval: minCheckInterval,
		now:              time.Now,
		cache:            make(map[string]Decision),
	}
}

// SetClock overrides the time source. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Profiles returns the configured profile names.
func (e *Engine) Profiles() []string {
	names := make([]string, 0, len(e.profiles))
	for name := range e.profiles {
		names = append(names, name)
	}
	return names
}

// Check returns the throttle decision for a profile, re-scanning the message
// store only when the cached decision has aged past the check interval.
func (e *Engine) Check(profile string) (Decision, error) {
	spec, ok := e.profiles[profile]
	if !ok {
		return Decision{}, fmt.Errorf("unknown throttle profile %q", profile)
	}
	now := e.now()

	e.mu.Lock()
	if cached, ok := e.cache[profile]; ok && now.Sub(cached.CheckedAt) < e.minCheckInterval {
		e.mu.Unlock()
		return cached, nil
	}
	e.mu.Unlock()

	decision, err := e.compute(spec, now)
	if err != nil {
		return Decision{}, err
	}
	e.mu.Lock()
	e.cache[profile] = decision
	e.mu.Unlock()
	return decision, nil
}

func (e *Engine) compute(spec ProfileSpec, now time.Time) (Decision, error) {
	weekStart, weekEnd := weeklyBounds(now, spec.ResetWeekday, spec.ResetHour, spec.ResetMinute, spec.Location)
	rollStart := now.Add(-rollingWindow)

	// Scan once over the wider of the two windows.
	scanFrom := rollStart
	if weekStart.Before(scanFrom) {
		scanFrom = weekStart
	}
	events, err := scanMessageStore(spec.DataDir, spec.Provider, scanFrom)
	if err != nil {
		return Decision{}, err
	}

	windows := make([]WindowUsage, 0, 2)
	if spec.RollingBudget > 0 {
		w := WindowUsage{
			Kind: "rolling", Start: rollStart, End: now,
			Budget:  spec.RollingBudget,
			SoftCap: capOf(spec.RollingBudget, spec.SoftPct),
			HardCap: capOf(spec.RollingBudget, spec.HardPct),
		}
		w.UsedTokens = sumWindow(events, rollStart, now)
		w.State = windowState(w)
		if w.State != StateOK {
			threshold := w.SoftCap
			if w.State == StateHard {
				threshold = w.HardCap
			}
			w.ResumeAt = rollingResumeAt(events, rollStart, now, w.UsedTokens, threshold)
		}
		windows = append(windows, w)
	}
	if spec.WeeklyBudget > 0 {
		w := WindowUsage{
			Kind: "weekly", Start: weekStart, End: weekEnd,
			Budget:  spec.WeeklyBudget,
			SoftCap: capOf(spec.WeeklyBudget, spec.SoftPct),
			HardCap: capOf(spec.WeeklyBudget, spec.HardPct),
		}
		w.UsedTokens = sumWindow(events, weekStart, weekEnd)
		w.State = windowState(w)
		if w.State != StateOK {
			w.ResumeAt = weekEnd
		}
		windows = append(windows, w)
	}

	decision := Decision{Profile: spec.Name, State: StateOK, Windows: windows, CheckedAt: now}
	for _, w := range windows {
		if stateRank(w.State) > stateRank(decision.State) {
			decision.State = w.State
		}
	}
	// Resume when the last triggered window at the effective severity clears.
	for _, w := range windows {
		if w.State == decision.State && w.ResumeAt.After(decision.ResumeAt) {
			decision.ResumeAt = w.ResumeAt
		}
	}
	return decision, nil
}

func capOf(budget int64, pct float64) int64 {
	return int64(math.Floor(float64(budget) * pct))
}

func windowState(w WindowUsage) State {
	switch {
	case w.UsedTokens >= w.HardCap:
		return StateHard
	case w.UsedTokens >= w.SoftCap:
		return StateSoft
	default:
		return StateOK
	}
}

func stateRank(s State) int {
	switch s {
	case StateHard:
		return 2
	case StateSoft:
		return 1
	default:
		return 0
	}
}

// storeMessage is the subset of the agent's message-store schema the engine
// reads. Token cost is input + output + reasoning.
type storeMessage struct {
	Role      string `json:"role"`
	Type      string `json:"type"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Timestamp string `json:"timestamp"`
	Usage     struct {
		InputTokens     int64 `json:"input_tokens"`
		OutputTokens    int64 `json:"output_tokens"`
		ReasoningTokens int64 `json:"reasoning_tokens"`
	} `json:"usage"`
}

// scanMessageStore collects assistant usage events for a provider from
// <dataDir>/sessions/<session>/msg_*.json. Files whose modification time
// predates the scan window are skipped without parsing. Unreadable or
// malformed files are skipped; a partial scan is better than no decision.
func scanMessageStore(dataDir, provider string, since time.Time) ([]usageEvent, error) {
	sessionsDir := filepath.Join(dataDir, "sessions")
	sessions, err := os.ReadDir(sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read message store %s: %w", sessionsDir, err)
	}

	var events []usageEvent
	for _, session := range sessions {
		if !session.IsDir() {
			continue
		}
		dir := filepath.Join(sessionsDir, session.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			name := f.Name()
			if !strings.HasPrefix(name, "msg_") || !strings.HasSuffix(name, ".json") {
				continue
			}
			info, err := f.Info()
			if err != nil || info.ModTime().Before(since) {
				continue
			}
			ev, ok := parseUsage(filepath.Join(dir, name), provider)
			if ok {
				events = append(events, ev)
			}
		}
	}
	return events, nil
}

func parseUsage(path, provider string) (usageEvent, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return usageEvent{}, false
	}
	var msg storeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return usageEvent{}, false
	}
	if msg.Role != "assistant" && msg.Type != "assistant" {
		return usageEvent{}, false
	}
	if !providerMatches(msg, provider) {
		return usageEvent{}, false
	}
	ts, err := time.Parse(time.RFC3339, msg.Timestamp)
	if err != nil {
		return usageEvent{}, false
	}
	tokens := msg.Usage.InputTokens + msg.Usage.OutputTokens + msg.Usage.ReasoningTokens
	if tokens <= 0 {
		return usageEvent{}, false
	}
	return usageEvent{ts: ts, tokens: tokens}, true
}

// providerMatches accepts a message whose provider field names the profile's
// provider, falling back to a model-name prefix when the store omits the
// provider field.
func providerMatches(msg storeMessage, provider string) bool {
	if provider == "" {
		return true
	}
	if msg.Provider != "" {
		return msg.Provider == provider
	}
	return strings.HasPrefix(msg.Model, provider)
}
