package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TriageAttempt tracks how many times the autopilot has acted on a given
// failure signature for an issue.
type TriageAttempt struct {
	Repo        string
	IssueNumber int
	Signature   string
	Attempts    int
	LastAt      *time.Time
}

// GetTriageAttempt returns the attempt record, with zero attempts when the
// signature has never been seen.
func (s *Store) GetTriageAttempt(ctx context.Context, repo string, issueNumber int, signature string) (TriageAttempt, error) {
	a := TriageAttempt{Repo: repo, IssueNumber: issueNumber, Signature: signature}
	var lastAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT attempts, last_at FROM loop_triage_attempts
		WHERE repo = ? AND issue_number = ? AND signature = ?
	`, repo, issueNumber, signature).Scan(&a.Attempts, &lastAt)
	if err == sql.ErrNoRows {
		return a, nil
	}
	if err != nil {
		return a, fmt.Errorf("failed to load triage attempt: %w", err)
	}
	if lastAt.Valid {
		a.LastAt = &lastAt.Time
	}
	return a, nil
}

// BumpTriageAttempt increments the attempt counter and returns the new count.
func (s *Store) BumpTriageAttempt(ctx context.Context, repo string, issueNumber int, signature string) (int, error) {
	var attempts int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO loop_triage_attempts (repo, issue_number, signature, attempts, last_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT (repo, issue_number, signature) DO UPDATE SET
			    attempts = loop_triage_attempts.attempts + 1,
			    last_at = excluded.last_at
		`, repo, issueNumber, signature, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to bump triage attempt: %w", err)
		}
		return tx.QueryRowContext(ctx, `
			SELECT attempts FROM loop_triage_attempts
			WHERE repo = ? AND issue_number = ? AND signature = ?
		`, repo, issueNumber, signature).Scan(&attempts)
	})
	return attempts, err
}
