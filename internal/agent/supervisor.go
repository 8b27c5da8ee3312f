package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/3mdistal/ralph/internal/paths"
)

// Exit reasons for a supervised session.
const (
	ExitCompleted       = "completed"
	ExitWatchdogTimeout = "watchdog-timeout"
	ExitLoopTrip        = "loop-trip"
	ExitAnomalyBurst    = "anomaly-burst"
	ExitStall           = "stall"
	ExitCanceled        = "canceled"
)

// Logger is the minimal logging surface the supervisor needs.
type Logger interface {
	Logf(format string, args ...interface{})
}

// WatchdogConfig holds the per-tool and stall timeouts. Bash gets the
// longest budget; everything else uses the defaults.
type WatchdogConfig struct {
	DefaultSoft time.Duration
	DefaultHard time.Duration
	BashSoft    time.Duration
	BashHard    time.Duration
	Stall       time.Duration
	KillGrace   time.Duration
}

func (w WatchdogConfig) budgets(tool string) (soft, hard time.Duration) {
	if tool == "bash" {
		return w.BashSoft, w.BashHard
	}
	return w.DefaultSoft, w.DefaultHard
}

// AnomalyConfig holds the burst thresholds.
type AnomalyConfig struct {
	BurstWindow time.Duration
	BurstCount  int
	TotalLimit  int
}

// Config configures one supervised session.
type Config struct {
	SessionID        string
	SessionsDir      string
	Repo             string
	Watchdog         WatchdogConfig
	Anomaly          AnomalyConfig
	Loop             LoopConfig
	NudgeMaxAttempts int

	// DeliverNudge injects an operator message into the agent. Called at
	// safe checkpoints (tool boundaries). When nil, Run delivers nudges as
	// JSON lines on the agent's stdin.
	DeliverNudge func(Nudge) error
}

// Result is the terminal outcome of a supervised session.
type Result struct {
	SessionID    string
	ExitReason   string
	WatchdogTool string
	LoopTrip     *LoopTrip
	PRURL        string
	Anomalies    int
	AnomalyBurst bool

	// Token totals summed from usage-bearing events. TokensKnown is false
	// when the agent never reported usage, so callers can tell zero usage
	// apart from no reporting.
	InputTokens     int64
	OutputTokens    int64
	ReasoningTokens int64
	TokensKnown     bool
}

// Supervisor drives one agent subprocess through its lifetime. All event
// handling is synchronous and clock-explicit so tests can feed events and
// advance time deterministically.
type Supervisor struct {
	cfg        Config
	sessionDir string
	eventsLog  *os.File
	log        Logger

	loop    *LoopDetector
	nudges  *NudgeQueue
	pr      *prExtractor
	anomaly []time.Time

	currentTool  string
	toolStart    time.Time
	lastEvent    time.Time
	softWarned   bool
	termReason   string
	watchdogTool string
	loopTrip     *LoopTrip
	totalAnomaly int
	burst        bool

	inputTokens     int64
	outputTokens    int64
	reasoningTokens int64
	tokensKnown     bool
}

// NewSupervisor creates the session directory and opens the events log. The
// session id is validated against the safe charset before any path is
// formed.
func NewSupervisor(cfg Config, log Logger) (*Supervisor, error) {
	sessionDir, err := paths.SessionDir(cfg.SessionsDir, cfg.SessionID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	eventsLog, err := os.OpenFile(filepath.Join(sessionDir, "events.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open events log: %w", err)
	}
	return &Supervisor{
		cfg:        cfg,
		sessionDir: sessionDir,
		eventsLog:  eventsLog,
		log:        log,
		loop:       NewLoopDetector(cfg.Loop),
		nudges:     NewNudgeQueue(sessionDir, cfg.NudgeMaxAttempts),
		pr:         newPRExtractor(cfg.Repo),
	}, nil
}

// SessionDir returns the session directory path.
func (s *Supervisor) SessionDir() string { return s.sessionDir }

// Nudges returns the session's nudge queue.
func (s *Supervisor) Nudges() *NudgeQueue { return s.nudges }

// HandleLine parses one stdout line, appends it to the events log, and
// advances the event state machine. Malformed lines are logged and skipped;
// the stream keeps flowing.
func (s *Supervisor) HandleLine(line []byte, now time.Time) {
	ev, err := ParseEvent(line)
	if err != nil {
		s.log.Logf("skipping invalid agent event: %v", err)
		return
	}
	if _, err := s.eventsLog.Write(append(append([]byte{}, line...), '\n')); err != nil {
		s.log.Logf("failed to append event: %v", err)
	}
	s.lastEvent = now

	switch ev.Type {
	case EventToolStart:
		s.currentTool = ev.Tool.Name
		s.toolStart = now
		s.softWarned = false
		if IsEditTool(ev.Tool.Name) && ev.Tool.Input.PatchText != "" {
			s.loop.RecordEdit(PatchFiles(ev.Tool.Input.PatchText), now)
			if trip, tripped := s.loop.Check(now); tripped {
				s.loopTrip = &trip
				s.requestTermination(ExitLoopTrip)
			}
		}
		if ev.Tool.Name == "bash" {
			s.loop.RecordBash(ev.Tool.Input.Command, now)
		}
	case EventToolEnd:
		s.currentTool = ""
		s.softWarned = false
		s.drainNudges()
	case EventMessage:
		if ev.PRURL != "" {
			s.pr.addStructured(ev.PRURL)
		}
		if ev.Text != "" {
			s.pr.addText(ev.Text)
		}
		if ev.Usage != nil {
			s.inputTokens += ev.Usage.Input
			s.outputTokens += ev.Usage.Output
			s.reasoningTokens += ev.Usage.Reasoning
			s.tokensKnown = true
		}
	case EventAnomaly:
		s.recordAnomaly(now)
	}
}

func (s *Supervisor) recordAnomaly(now time.Time) {
	s.totalAnomaly++
	s.anomaly = append(s.anomaly, now)
	cutoff := now.Add(-s.cfg.Anomaly.BurstWindow)
	kept := s.anomaly[:0]
	for _, t := range s.anomaly {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.anomaly = kept

	// A zero threshold means the limit is not configured; it never trips.
	burst := s.cfg.Anomaly.BurstCount > 0 && len(s.anomaly) >= s.cfg.Anomaly.BurstCount
	total := s.cfg.Anomaly.TotalLimit > 0 && s.totalAnomaly >= s.cfg.Anomaly.TotalLimit
	if burst || total {
		s.burst = true
		s.requestTermination(ExitAnomalyBurst)
	}
}

// drainNudges runs at safe checkpoints. Delivery is sequential; a failure
// stops the drain until the next checkpoint.
func (s *Supervisor) drainNudges() {
	if s.cfg.DeliverNudge == nil {
		return
	}
	if err := s.nudges.Drain(s.cfg.DeliverNudge); err != nil {
		s.log.Logf("nudge drain stopped: %v", err)
	}
}

// CheckTimers enforces the watchdog and stall policies at the given instant.
// Returns true when the session should terminate.
func (s *Supervisor) CheckTimers(now time.Time) bool {
	if s.termReason != "" {
		return true
	}
	if s.currentTool != "" {
		soft, hard := s.cfg.Watchdog.budgets(s.currentTool)
		running := now.Sub(s.toolStart)
		if hard > 0 && running >= hard {
			s.watchdogTool = s.currentTool
			s.requestTermination(ExitWatchdogTimeout)
			return true
		}
		if soft > 0 && running >= soft && !s.softWarned {
			s.softWarned = true
			s.log.Logf("tool %s running %v, past soft watchdog", s.currentTool, running)
		}
	}
	if s.cfg.Watchdog.Stall > 0 && !s.lastEvent.IsZero() && now.Sub(s.lastEvent) >= s.cfg.Watchdog.Stall {
		s.requestTermination(ExitStall)
		return true
	}
	return s.termReason != ""
}

func (s *Supervisor) requestTermination(reason string) {
	if s.termReason == "" {
		s.termReason = reason
	}
}

// TerminationReason returns the pending forced-exit reason, if any.
func (s *Supervisor) TerminationReason() string { return s.termReason }

// Result assembles the session outcome after the process has exited.
func (s *Supervisor) Result() *Result {
	reason := s.termReason
	if reason == "" {
		reason = ExitCompleted
	}
	return &Result{
		SessionID:       s.cfg.SessionID,
		ExitReason:      reason,
		WatchdogTool:    s.watchdogTool,
		LoopTrip:        s.loopTrip,
		PRURL:           s.pr.Best(),
		Anomalies:       s.totalAnomaly,
		AnomalyBurst:    s.burst,
		InputTokens:     s.inputTokens,
		OutputTokens:    s.outputTokens,
		ReasoningTokens: s.reasoningTokens,
		TokensKnown:     s.tokensKnown,
	}
}

// Run spawns the agent and supervises it to completion. The returned result
// is non-nil whenever err is nil.
func (s *Supervisor) Run(ctx context.Context, spawner Spawner, spec ProcessSpec) (*Result, error) {
	proc, err := spawner.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	if s.cfg.DeliverNudge == nil {
		if w := proc.Stdin(); w != nil {
			s.cfg.DeliverNudge = stdinNudgeDeliverer(w)
		}
	}
	s.lastEvent = time.Now()

	lines := make(chan []byte, 64)
	readDone := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(proc.Stdout())
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			lines <- line
		}
		readDone <- scanner.Err()
	}()
	go s.captureStderr(proc.Stderr())

	waitErr := make(chan error, 1)
	go func() { waitErr <- proc.Wait() }()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	terminated := false
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			s.HandleLine(line, time.Now())
			if s.termReason != "" && !terminated {
				terminated = true
				s.terminate(proc)
			}
		case <-ticker.C:
			if s.CheckTimers(time.Now()) && !terminated {
				terminated = true
				s.terminate(proc)
			}
		case <-ctx.Done():
			if !terminated {
				terminated = true
				s.requestTermination(ExitCanceled)
				s.terminate(proc)
			}
		case err := <-waitErr:
			// Drain any buffered lines before settling the result.
			if lines != nil {
				for line := range lines {
					s.HandleLine(line, time.Now())
				}
				<-readDone
			}
			if cerr := s.eventsLog.Close(); cerr != nil {
				s.log.Logf("failed to close events log: %v", cerr)
			}
			if err != nil && s.termReason == "" {
				s.log.Logf("agent exited with error: %v", err)
			}
			return s.Result(), nil
		}
	}
}

// stdinNudgeDeliverer writes each nudge as one JSON line on the agent's
// stdin. Deliveries run from the supervision loop, never concurrently.
func stdinNudgeDeliverer(w io.Writer) func(Nudge) error {
	return func(n Nudge) error {
		line, err := json.Marshal(map[string]interface{}{
			"type":    "nudge",
			"id":      n.ID,
			"message": n.Message,
			"ts":      time.Now().UnixMilli(),
		})
		if err != nil {
			return fmt.Errorf("failed to encode nudge: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to write nudge to agent: %w", err)
		}
		return nil
	}
}

// terminate stops the subprocess: SIGTERM, then SIGKILL after the grace.
func (s *Supervisor) terminate(proc Process) {
	s.log.Logf("terminating agent (pid %d): %s", proc.PID(), s.termReason)
	if err := proc.Terminate(); err != nil {
		s.log.Logf("SIGTERM failed, killing: %v", err)
		_ = proc.Kill()
		return
	}
	grace := s.cfg.Watchdog.KillGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	go func() {
		time.Sleep(grace)
		_ = proc.Kill()
	}()
}

// captureStderr copies agent stderr into the session's run log. Stderr is
// diagnostic only and never parsed.
func (s *Supervisor) captureStderr(r io.Reader) {
	f, err := os.OpenFile(filepath.Join(s.sessionDir, "stderr.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		s.log.Logf("failed to open stderr log: %v", err)
		_, _ = io.Copy(io.Discard, r)
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = io.Copy(f, r)
}

// Cleanup removes session artifacts, preserving events.jsonl for
// diagnostics.
func (s *Supervisor) Cleanup() error {
	entries, err := os.ReadDir(s.sessionDir)
	if err != nil {
		return fmt.Errorf("failed to read session directory: %w", err)
	}
	for _, e := range entries {
		if e.Name() == "events.jsonl" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.sessionDir, e.Name())); err != nil {
			return fmt.Errorf("failed to remove session artifact %s: %w", e.Name(), err)
		}
	}
	return nil
}
