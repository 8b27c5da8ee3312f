// Package agent owns the coding-agent subprocess: spawning, event stream
// parsing, watchdog and stall enforcement, loop detection, nudge delivery,
// and PR URL extraction.
package agent

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types emitted by the agent subprocess.
const (
	EventToolStart = "tool_start"
	EventToolEnd   = "tool_end"
	EventMessage   = "message"
	EventAnomaly   = "anomaly"
	EventRunStart  = "run_start"
	EventStepStart = "step_start"
	EventSession   = "session"
)

var validEventTypes = map[string]bool{
	EventToolStart: true,
	EventToolEnd:   true,
	EventMessage:   true,
	EventAnomaly:   true,
	EventRunStart:  true,
	EventStepStart: true,
	EventSession:   true,
}

// ToolInput carries the tool arguments the supervisor inspects.
type ToolInput struct {
	PatchText string `json:"patchText,omitempty"`
	Command   string `json:"command,omitempty"`
}

// ToolInfo names the tool and its input for tool events.
type ToolInfo struct {
	Name  string    `json:"name"`
	Input ToolInput `json:"input,omitempty"`
}

// TokenUsage is the per-message token accounting some agents report.
type TokenUsage struct {
	Input     int64 `json:"input"`
	Output    int64 `json:"output"`
	Reasoning int64 `json:"reasoning,omitempty"`
}

// Event is one line of the agent's line-delimited JSON protocol.
type Event struct {
	Type      string      `json:"type"`
	TS        int64       `json:"ts"` // milliseconds since epoch
	SessionID string      `json:"sessionId,omitempty"`
	Tool      *ToolInfo   `json:"tool,omitempty"`
	Text      string      `json:"text,omitempty"`
	PRURL     string      `json:"prUrl,omitempty"`
	Usage     *TokenUsage `json:"usage,omitempty"`
}

// Time returns the event timestamp.
func (e *Event) Time() time.Time {
	return time.UnixMilli(e.TS)
}

// ParseEvent parses and validates one protocol line.
func ParseEvent(line []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("malformed agent event: %w", err)
	}
	if !validEventTypes[ev.Type] {
		return nil, fmt.Errorf("unknown agent event type %q", ev.Type)
	}
	if ev.TS <= 0 {
		return nil, fmt.Errorf("agent event missing timestamp")
	}
	if (ev.Type == EventToolStart) && (ev.Tool == nil || ev.Tool.Name == "") {
		return nil, fmt.Errorf("tool_start event missing tool name")
	}
	return &ev, nil
}
