package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Canonical gate names in execution order.
const (
	GatePreflight     = "preflight"
	GatePlanReview    = "plan_review"
	GateProductReview = "product_review"
	GateDevexReview   = "devex_review"
	GateCI            = "ci"
	GatePREvidence    = "pr_evidence"
)

// GateNames is the canonical ordered gate set for every run.
var GateNames = []string{
	GatePreflight, GatePlanReview, GateProductReview,
	GateDevexReview, GateCI, GatePREvidence,
}

// Gate statuses.
const (
	GatePending = "pending"
	GatePass    = "pass"
	GateFail    = "fail"
	GateSkip    = "skip"
)

// ErrGateFinal is returned when a terminal gate result would be overwritten.
var ErrGateFinal = errors.New("gate result is terminal for this run")

// Run is one attempt of a task.
type Run struct {
	ID          string
	Repo        string
	IssueNumber int
	TaskRef     string
	AttemptKind string
	StartedAt   time.Time
	CompletedAt *time.Time
	Outcome     string
	// Token totals are either all present (complete) or all nil.
	InputTokens     *int64
	OutputTokens    *int64
	ReasoningTokens *int64
}

// GateResult is the persisted state of one gate within a run.
type GateResult struct {
	RunID             string
	Gate              string
	Status            string
	Command           string
	SkipReason        string
	Reason            string
	URL               string
	PRNumber          int
	ClassifierVersion int
	ClassifierPayload string
	ClassifierSource  string
}

// CreateRun inserts a new run, clears the latest flag on any prior run for
// the same (repo, issue), and seeds the canonical gate rows as pending.
func (s *Store) CreateRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE runs SET latest = 0 WHERE repo = ? AND issue_number = ? AND latest = 1
		`, run.Repo, run.IssueNumber); err != nil {
			return fmt.Errorf("failed to demote prior run: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, repo, issue_number, task_ref, attempt_kind, started_at, latest)
			VALUES (?, ?, ?, ?, ?, ?, 1)
		`, run.ID, run.Repo, run.IssueNumber, run.TaskRef, run.AttemptKind, run.StartedAt); err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}
		return ensureGateRows(ctx, tx, run.ID)
	})
}

// EnsureRunGateRows inserts any missing pending gate rows for the run.
// Idempotent; existing rows are untouched.
func (s *Store) EnsureRunGateRows(ctx context.Context, runID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return ensureGateRows(ctx, tx, runID)
	})
}

func ensureGateRows(ctx context.Context, tx *sql.Tx, runID string) error {
	for _, gate := range GateNames {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_gates (run_id, gate, status)
			VALUES (?, ?, 'pending')
			ON CONFLICT (run_id, gate) DO NOTHING
		`, runID, gate); err != nil {
			return fmt.Errorf("failed to seed gate row %s: %w", gate, err)
		}
	}
	return nil
}

// UpsertRunGateResult records a gate outcome. Transitions are monotonic:
// once a gate has left pending it cannot change again within the run
// (re-recording the identical status is tolerated for replay).
func (s *Store) UpsertRunGateResult(ctx context.Context, r GateResult) error {
	if !isKnownGate(r.Gate) {
		return fmt.Errorf("unknown gate %q", r.Gate)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `
			SELECT status FROM run_gates WHERE run_id = ? AND gate = ?
		`, r.RunID, r.Gate).Scan(&current)
		if err == sql.ErrNoRows {
			if err := ensureGateRows(ctx, tx, r.RunID); err != nil {
				return err
			}
			current = GatePending
		} else if err != nil {
			return fmt.Errorf("failed to read gate status: %w", err)
		}
		if current != GatePending && current != r.Status {
			return fmt.Errorf("%w: %s is %s", ErrGateFinal, r.Gate, current)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE run_gates
			SET status = ?, command = ?, skip_reason = ?, reason = ?, url = ?,
			    pr_number = ?, classifier_version = ?, classifier_payload = ?,
			    classifier_source = ?, updated_at = ?
			WHERE run_id = ? AND gate = ?
		`, r.Status, nullStr(r.Command), nullStr(r.SkipReason), nullStr(r.Reason),
			nullStr(r.URL), nullInt(r.PRNumber), nullInt(r.ClassifierVersion),
			nullStr(r.ClassifierPayload), nullStr(r.ClassifierSource),
			time.Now().UTC(), r.RunID, r.Gate)
		if err != nil {
			return fmt.Errorf("failed to update gate result: %w", err)
		}
		return nil
	})
}

// LatestRun returns the latest run for (repo, issue), or nil when none exists.
func (s *Store) LatestRun(ctx context.Context, repo string, issueNumber int) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repo, issue_number, task_ref, attempt_kind, started_at,
		       completed_at, outcome, input_tokens, output_tokens, reasoning_tokens
		FROM runs WHERE repo = ? AND issue_number = ? AND latest = 1
	`, repo, issueNumber)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest run: %w", err)
	}
	return run, nil
}

// FinalizeRun records the terminal outcome and, when every session reported
// totals, the summed token counts. A run with any unreported session keeps
// null totals.
func (s *Store) FinalizeRun(ctx context.Context, runID, outcome string, completedAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var sessions, reported int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*),
			       COALESCE(SUM(CASE WHEN input_tokens >= 0 THEN 1 ELSE 0 END), 0)
			FROM session_tokens WHERE run_id = ?
		`, runID).Scan(&sessions, &reported)
		if err != nil {
			return fmt.Errorf("failed to count session totals: %w", err)
		}

		if sessions > 0 && sessions == reported {
			_, err = tx.ExecContext(ctx, `
				UPDATE runs SET outcome = ?, completed_at = ?,
				    input_tokens = (SELECT SUM(input_tokens) FROM session_tokens WHERE run_id = runs.id),
				    output_tokens = (SELECT SUM(output_tokens) FROM session_tokens WHERE run_id = runs.id),
				    reasoning_tokens = (SELECT SUM(reasoning_tokens) FROM session_tokens WHERE run_id = runs.id)
				WHERE id = ?
			`, outcome, completedAt.UTC(), runID)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE runs SET outcome = ?, completed_at = ? WHERE id = ?
			`, outcome, completedAt.UTC(), runID)
		}
		if err != nil {
			return fmt.Errorf("failed to finalize run: %w", err)
		}
		return nil
	})
}

// RecordSessionTokens stores the token totals of one agent session.
func (s *Store) RecordSessionTokens(ctx context.Context, runID, sessionID string, input, output, reasoning int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_tokens (run_id, session_id, input_tokens, output_tokens, reasoning_tokens)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (run_id, session_id) DO UPDATE SET
			    input_tokens = excluded.input_tokens,
			    output_tokens = excluded.output_tokens,
			    reasoning_tokens = excluded.reasoning_tokens
		`, runID, sessionID, input, output, reasoning)
		if err != nil {
			return fmt.Errorf("failed to record session tokens: %w", err)
		}
		return nil
	})
}

// RecordSessionUnreported marks a session whose agent never reported usage.
// The negative sentinel keeps the run's totals null in FinalizeRun. Real
// totals recorded later for the same session win; the sentinel never
// overwrites them.
func (s *Store) RecordSessionUnreported(ctx context.Context, runID, sessionID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_tokens (run_id, session_id, input_tokens, output_tokens, reasoning_tokens)
			VALUES (?, ?, -1, -1, -1)
			ON CONFLICT (run_id, session_id) DO NOTHING
		`, runID, sessionID)
		if err != nil {
			return fmt.Errorf("failed to record unreported session: %w", err)
		}
		return nil
	})
}

// GetLatestRunGateStateForIssue returns the latest run and its gate rows in
// canonical order, plus artifacts. Returns (nil, nil, nil, nil) when the
// issue has no runs.
func (s *Store) GetLatestRunGateStateForIssue(ctx context.Context, repo string, issueNumber int) (*Run, []GateResult, []Artifact, error) {
	run, err := s.LatestRun(ctx, repo, issueNumber)
	if err != nil {
		return nil, nil, nil, err
	}
	if run == nil {
		return nil, nil, nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, gate, status, command, skip_reason, reason, url,
		       pr_number, classifier_version, classifier_payload, classifier_source
		FROM run_gates WHERE run_id = ?
	`, run.ID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load gate results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byGate := make(map[string]GateResult)
	for rows.Next() {
		var g GateResult
		var command, skipReason, reason, url, payload, source sql.NullString
		var prNumber, classifierVersion sql.NullInt64
		if err := rows.Scan(&g.RunID, &g.Gate, &g.Status, &command, &skipReason,
			&reason, &url, &prNumber, &classifierVersion, &payload, &source); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to scan gate result: %w", err)
		}
		g.Command = command.String
		g.SkipReason = skipReason.String
		g.Reason = reason.String
		g.URL = url.String
		g.PRNumber = int(prNumber.Int64)
		g.ClassifierVersion = int(classifierVersion.Int64)
		g.ClassifierPayload = payload.String
		g.ClassifierSource = source.String
		byGate[g.Gate] = g
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, err
	}

	gates := make([]GateResult, 0, len(GateNames))
	for _, name := range GateNames {
		if g, ok := byGate[name]; ok {
			gates = append(gates, g)
		} else {
			gates = append(gates, GateResult{RunID: run.ID, Gate: name, Status: GatePending})
		}
	}

	artifacts, err := s.RunArtifacts(ctx, run.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	return run, gates, artifacts, nil
}

func isKnownGate(name string) bool {
	for _, g := range GateNames {
		if g == name {
			return true
		}
	}
	return false
}

func scanRun(row *sql.Row) (*Run, error) {
	var run Run
	var completedAt sql.NullTime
	var outcome sql.NullString
	var in, out, reasoning sql.NullInt64
	err := row.Scan(&run.ID, &run.Repo, &run.IssueNumber, &run.TaskRef,
		&run.AttemptKind, &run.StartedAt, &completedAt, &outcome, &in, &out, &reasoning)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	run.Outcome = outcome.String
	if in.Valid && out.Valid && reasoning.Valid {
		run.InputTokens = &in.Int64
		run.OutputTokens = &out.Int64
		run.ReasoningTokens = &reasoning.Int64
	}
	return &run, nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
