package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/3mdistal/ralph/internal/agent"
	"github.com/3mdistal/ralph/internal/config"
	"github.com/3mdistal/ralph/internal/paths"
	"github.com/3mdistal/ralph/internal/queue"
	"github.com/3mdistal/ralph/internal/worker"
)

// advisoryRunner runs the configured agent binary under the supervisor for
// one review gate and returns the agent's message transcript.
type advisoryRunner struct {
	command string
	args    []string
	spawner agent.Spawner
	queue   *queue.Queue
	log     stdLogger
}

func newAdvisoryRunner(q *queue.Queue, log stdLogger) *advisoryRunner {
	command := config.GetString("agent.command")
	if command == "" {
		command = "claude"
	}
	return &advisoryRunner{
		command: command,
		args:    config.GetStringSlice("agent.args"),
		spawner: agent.ExecSpawner{},
		queue:   q,
		log:     log,
	}
}

func (r *advisoryRunner) RunAdvisory(ctx context.Context, task *queue.Task, gate string) (*worker.AdvisoryResult, error) {
	sessionsDir, err := paths.SessionsDir()
	if err != nil {
		return nil, err
	}
	sessionID := fmt.Sprintf("%s-%d-%s-%d",
		strings.ReplaceAll(task.Repo, "/", "-"), task.Issue, gate, time.Now().Unix())

	sup, err := agent.NewSupervisor(agent.Config{
		SessionID:   sessionID,
		SessionsDir: sessionsDir,
		Repo:        task.Repo,
		Watchdog: agent.WatchdogConfig{
			DefaultSoft: config.GetDuration("agent.watchdog.default-soft"),
			DefaultHard: config.GetDuration("agent.watchdog.default-hard"),
			BashSoft:    config.GetDuration("agent.watchdog.bash-soft"),
			BashHard:    config.GetDuration("agent.watchdog.bash-hard"),
			Stall:       config.GetDuration("agent.stall-timeout"),
		},
		Anomaly: agent.AnomalyConfig{
			BurstWindow: config.GetDuration("agent.anomaly.burst-window"),
			BurstCount:  config.GetInt("agent.anomaly.burst-count"),
			TotalLimit:  config.GetInt("agent.anomaly.total-limit"),
		},
		Loop: agent.LoopConfig{
			MinEdits:              config.GetInt("agent.loop.min-edits"),
			MinElapsedWithoutGate: time.Duration(config.GetInt("agent.loop.min-elapsed-ms")) * time.Millisecond,
			MinTopFileTouches:     config.GetInt("agent.loop.min-top-file-touches"),
			MinTopFileShare:       config.GetFloat64("agent.loop.min-top-file-share"),
		},
		NudgeMaxAttempts: config.GetInt("agent.nudge-max-attempts"),
	}, r.log)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := sup.Cleanup(); cerr != nil {
			r.log.Logf("session %s cleanup failed: %v", sessionID, cerr)
		}
	}()

	// Record the session on the task before the agent starts so an operator
	// nudge can target it while it is still running.
	task.SessionID = sessionID
	if r.queue != nil {
		if serr := r.queue.Save(task); serr != nil {
			r.log.Logf("failed to record session id for %s: %v", task.Ref(), serr)
		}
	}

	args := append(append([]string{}, r.args...), "--review", gate, "--issue", fmt.Sprint(task.Issue))
	res, err := sup.Run(ctx, r.spawner, agent.ProcessSpec{
		Command: r.command,
		Args:    args,
		Dir:     task.WorktreePath,
	})
	if err != nil {
		return nil, fmt.Errorf("advisory session %s failed: %w", sessionID, err)
	}
	if res.ExitReason != agent.ExitCompleted {
		return nil, fmt.Errorf("advisory session %s ended with %s", sessionID, res.ExitReason)
	}

	transcript, err := readTranscript(sessionsDir, sessionID)
	if err != nil {
		return nil, err
	}
	return &worker.AdvisoryResult{
		Output:          transcript,
		SessionID:       sessionID,
		PRURL:           res.PRURL,
		InputTokens:     res.InputTokens,
		OutputTokens:    res.OutputTokens,
		ReasoningTokens: res.ReasoningTokens,
		TokensKnown:     res.TokensKnown,
	}, nil
}

// readTranscript concatenates the message-event text from the session's
// events log.
func readTranscript(sessionsDir, sessionID string) (string, error) {
	dir, err := paths.SessionDir(sessionsDir, sessionID)
	if err != nil {
		return "", err
	}
	f, err := os.Open(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		return "", fmt.Errorf("failed to open session events: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		ev, err := agent.ParseEvent(scanner.Bytes())
		if err != nil {
			continue
		}
		if ev.Type == agent.EventMessage && ev.Text != "" {
			b.WriteString(ev.Text)
			b.WriteString("\n")
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read session events: %w", err)
	}
	return b.String(), nil
}
