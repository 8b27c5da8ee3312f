package agent

import (
	"strings"
	"time"
)

// LoopConfig holds the four loop-detection thresholds plus the bash command
// allowlist that counts as a gate.
type LoopConfig struct {
	MinEdits              int
	MinElapsedWithoutGate time.Duration
	MinTopFileTouches     int
	MinTopFileShare       float64
	GateCommands          []string
}

// LoopTrip is the metrics snapshot captured at the trip instant.
type LoopTrip struct {
	Edits        int           `json:"edits"`
	Elapsed      time.Duration `json:"elapsedMs"`
	TopFile      string        `json:"topFile"`
	TopTouches   int           `json:"topTouches"`
	TopShare     float64       `json:"topShare"`
	TotalTouches int           `json:"totalTouches"`
}

// LoopDetector watches edit churn between gates. A gate is a bash command on
// the allowlist (tests, linters, builds); an agent that keeps editing the
// same file without ever running a gate is looping.
type LoopDetector struct {
	cfg LoopConfig

	editsSinceGate   int
	touchesSinceGate map[string]int
	gateAt           time.Time
	started          bool
}

// NewLoopDetector creates a detector. The first edit starts the elapsed
// clock.
func NewLoopDetector(cfg LoopConfig) *LoopDetector {
	return &LoopDetector{
		cfg:              cfg,
		touchesSinceGate: make(map[string]int),
	}
}

// RecordEdit feeds one apply_patch invocation's touched files.
func (d *LoopDetector) RecordEdit(files []string, at time.Time) {
	if !d.started {
		d.gateAt = at
		d.started = true
	}
	d.editsSinceGate++
	for _, f := range files {
		d.touchesSinceGate[f]++
	}
}

// RecordBash resets the edit counters when the command matches the gate
// allowlist. Matching is by command prefix so argument variations still
// count.
func (d *LoopDetector) RecordBash(command string, at time.Time) {
	command = strings.TrimSpace(command)
	for _, gate := range d.cfg.GateCommands {
		if strings.HasPrefix(command, gate) {
			d.editsSinceGate = 0
			d.touchesSinceGate = make(map[string]int)
			d.gateAt = at
			return
		}
	}
}

// Check evaluates the trip condition at the given instant. All four
// thresholds must hold simultaneously.
func (d *LoopDetector) Check(at time.Time) (LoopTrip, bool) {
	if !d.started || d.editsSinceGate < d.cfg.MinEdits {
		return LoopTrip{}, false
	}
	elapsed := at.Sub(d.gateAt)
	if elapsed < d.cfg.MinElapsedWithoutGate {
		return LoopTrip{}, false
	}

	topFile := ""
	topTouches := 0
	total := 0
	for f, n := range d.touchesSinceGate {
		total += n
		if n > topTouches || (n == topTouches && f < topFile) {
			topFile = f
			topTouches = n
		}
	}
	if topTouches < d.cfg.MinTopFileTouches || total == 0 {
		return LoopTrip{}, false
	}
	share := float64(topTouches) / float64(total)
	if share < d.cfg.MinTopFileShare {
		return LoopTrip{}, false
	}
	return LoopTrip{
		Edits:        d.editsSinceGate,
		Elapsed:      elapsed,
		TopFile:      topFile,
		TopTouches:   topTouches,
		TopShare:     share,
		TotalTouches: total,
	}, true
}
