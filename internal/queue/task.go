// Package queue is the persistent task list: one YAML record per task,
// status transitions over an allowed graph, and optimistic compare-and-write
// saves so concurrent editors cannot silently clobber each other.
package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Task statuses.
const (
	StatusQueued     = "queued"
	StatusStarting   = "starting"
	StatusInProgress = "in-progress"
	StatusDone       = "done"
	StatusEscalated  = "escalated"
	StatusBlocked    = "blocked"
)

// allowedTransitions is the status graph. Done is terminal; blocked and
// escalated tasks can be requeued.
var allowedTransitions = map[string][]string{
	StatusQueued:     {StatusStarting},
	StatusStarting:   {StatusInProgress, StatusQueued, StatusBlocked, StatusEscalated},
	StatusInProgress: {StatusDone, StatusEscalated, StatusBlocked},
	StatusBlocked:    {StatusQueued},
	StatusEscalated:  {StatusQueued, StatusDone},
	StatusDone:       {},
}

// CanTransition reports whether from → to is in the allowed graph.
func CanTransition(from, to string) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Task is one queued unit of work. Path and Name are derived from the file
// location, not persisted. Extra preserves fields the orchestrator does not
// interpret so round-tripping a record never loses operator annotations.
type Task struct {
	Path string `yaml:"-"`
	Name string `yaml:"-"`

	Type              string   `yaml:"type,omitempty"`
	Repo              string   `yaml:"repo"`
	Issue             int      `yaml:"issue"`
	Status            string   `yaml:"status"`
	Priority          int      `yaml:"priority,omitempty"`
	Scope             string   `yaml:"scope,omitempty"`
	SessionID         string   `yaml:"session-id,omitempty"`
	WorktreePath      string   `yaml:"worktree-path,omitempty"`
	BlockedSource     string   `yaml:"blocked-source,omitempty"`
	BlockedReason     string   `yaml:"blocked-reason,omitempty"`
	BlockedDetails    string   `yaml:"blocked-details,omitempty"`
	BlockedAt         string   `yaml:"blocked-at,omitempty"`
	BlockedCheckedAt  string   `yaml:"blocked-checked-at,omitempty"`
	CompletedAt       string   `yaml:"completed-at,omitempty"`
	AutoResolveLedger []string `yaml:"auto-resolve-ledger,omitempty"`
	AutoResolveLastAt string   `yaml:"auto-resolve-last-at,omitempty"`

	Extra map[string]interface{} `yaml:"-"`

	// baseVersion is the content hash of the file as loaded, used for the
	// compare-and-write conflict check on save.
	baseVersion string
}

// knownKeys are the YAML keys owned by the task struct.
var knownKeys = map[string]bool{
	"type": true, "repo": true, "issue": true, "status": true,
	"priority": true, "scope": true, "session-id": true,
	"worktree-path": true, "blocked-source": true, "blocked-reason": true,
	"blocked-details": true, "blocked-at": true, "blocked-checked-at": true,
	"completed-at": true, "auto-resolve-ledger": true, "auto-resolve-last-at": true,
}

// decode parses the YAML document, splitting known fields into the struct
// and everything else into Extra.
func decode(data []byte) (*Task, error) {
	var t Task
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse task record: %w", err)
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse task record: %w", err)
	}
	for k, v := range raw {
		if !knownKeys[k] {
			if t.Extra == nil {
				t.Extra = make(map[string]interface{})
			}
			t.Extra[k] = v
		}
	}
	if t.Status == "" {
		t.Status = StatusQueued
	}
	t.baseVersion = contentVersion(data)
	return &t, nil
}

// encode renders the task back to YAML, merging Extra under its original
// keys. Known fields win on key collision.
func (t *Task) encode() ([]byte, error) {
	structData, err := yaml.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task record: %w", err)
	}
	if len(t.Extra) == 0 {
		return structData, nil
	}
	var merged map[string]interface{}
	if err := yaml.Unmarshal(structData, &merged); err != nil {
		return nil, fmt.Errorf("failed to merge task record: %w", err)
	}
	for k, v := range t.Extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return yaml.Marshal(merged)
}

func contentVersion(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Ref returns the task reference string repo#issue.
func (t *Task) Ref() string {
	return fmt.Sprintf("%s#%d", t.Repo, t.Issue)
}

// Transition moves the task to a new status, enforcing the allowed graph.
func (t *Task) Transition(to string) error {
	if t.Status == to {
		return nil
	}
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("invalid task transition %s -> %s for %s", t.Status, to, t.Ref())
	}
	t.Status = to
	switch to {
	case StatusDone:
		t.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	case StatusQueued:
		t.BlockedSource = ""
		t.BlockedReason = ""
		t.BlockedDetails = ""
		t.BlockedAt = ""
	}
	return nil
}

// Block transitions to blocked and records the source and reason tuple.
func (t *Task) Block(source, reason, details string) error {
	if err := t.Transition(StatusBlocked); err != nil {
		return err
	}
	t.BlockedSource = source
	t.BlockedReason = reason
	t.BlockedDetails = details
	t.BlockedAt = time.Now().UTC().Format(time.RFC3339)
	return nil
}

// SetWorktreePath records the worktree, refusing a path equal to the repo
// root. Running the agent in the main checkout is never safe.
func (t *Task) SetWorktreePath(worktree, repoRoot string) error {
	wt := filepath.Clean(worktree)
	root := filepath.Clean(repoRoot)
	if wt == root {
		return fmt.Errorf("worktree path %s equals repo root: refusing to run in main checkout", wt)
	}
	t.WorktreePath = wt
	return nil
}

// RecordAutoResolve appends a ledger entry for an autopilot action.
func (t *Task) RecordAutoResolve(entry string) {
	t.AutoResolveLedger = append(t.AutoResolveLedger, entry)
	t.AutoResolveLastAt = time.Now().UTC().Format(time.RFC3339)
}

func taskNameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
