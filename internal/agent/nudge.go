package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// nudgeRecord is one line of nudges.jsonl: either a queued nudge or a
// delivery attempt. The file is append-only; queue state is derived by
// replay.
type nudgeRecord struct {
	Event   string `json:"event"` // "nudge" or "delivery"
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	OK      bool   `json:"ok,omitempty"`
	Dropped bool   `json:"dropped,omitempty"`
	TS      int64  `json:"ts"`
}

// Nudge is an operator message awaiting delivery to the agent.
type Nudge struct {
	ID       string
	Message  string
	Attempts int
}

// NudgeQueue is the durable nudge log for one session.
type NudgeQueue struct {
	path        string
	maxAttempts int
}

// NewNudgeQueue opens the nudge queue in a session directory.
func NewNudgeQueue(sessionDir string, maxAttempts int) *NudgeQueue {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &NudgeQueue{
		path:        filepath.Join(sessionDir, "nudges.jsonl"),
		maxAttempts: maxAttempts,
	}
}

// Enqueue appends a nudge record.
func (q *NudgeQueue) Enqueue(id, message string) error {
	return q.append(nudgeRecord{Event: "nudge", ID: id, Message: message, TS: time.Now().UnixMilli()})
}

// Pending replays the log and returns undelivered nudges in queue order.
// A nudge leaves the queue on a successful delivery or when dropped.
func (q *NudgeQueue) Pending() ([]Nudge, error) {
	f, err := os.Open(q.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open nudge log: %w", err)
	}
	defer func() { _ = f.Close() }()

	order := []string{}
	byID := make(map[string]*Nudge)
	settled := make(map[string]bool)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec nudgeRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		switch rec.Event {
		case "nudge":
			if _, ok := byID[rec.ID]; !ok {
				byID[rec.ID] = &Nudge{ID: rec.ID, Message: rec.Message}
				order = append(order, rec.ID)
			}
		case "delivery":
			if n, ok := byID[rec.ID]; ok {
				n.Attempts = rec.Attempt
				if rec.OK || rec.Dropped {
					settled[rec.ID] = true
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read nudge log: %w", err)
	}

	var pending []Nudge
	for _, id := range order {
		if !settled[id] {
			pending = append(pending, *byID[id])
		}
	}
	return pending, nil
}

// Drain delivers pending nudges sequentially through deliver. A delivery
// failure stops the drain; the failed nudge stays queued until it exhausts
// maxAttempts, at which point a dropped delivery record retires it.
func (q *NudgeQueue) Drain(deliver func(Nudge) error) error {
	pending, err := q.Pending()
	if err != nil {
		return err
	}
	for _, n := range pending {
		attempt := n.Attempts + 1
		derr := deliver(n)
		rec := nudgeRecord{
			Event: "delivery", ID: n.ID, Attempt: attempt,
			OK: derr == nil, TS: time.Now().UnixMilli(),
		}
		if derr != nil && attempt >= q.maxAttempts {
			rec.Dropped = true
		}
		if aerr := q.append(rec); aerr != nil {
			return aerr
		}
		if derr != nil {
			if rec.Dropped {
				continue
			}
			return fmt.Errorf("nudge delivery failed: %w", derr)
		}
	}
	return nil
}

func (q *NudgeQueue) append(rec nudgeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal nudge record: %w", err)
	}
	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open nudge log: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append nudge record: %w", err)
	}
	return nil
}
