package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Delivery statuses.
const (
	DeliverySuccess = "success"
	DeliverySkipped = "skipped"
	DeliveryFailed  = "failed"
)

// AlertDelivery records one writeback attempt for an alert on a channel.
type AlertDelivery struct {
	AlertID      string
	Channel      string
	MarkerID     string
	TargetType   string // "issue" or "pr"
	TargetNumber int
	CommentID    *int64
	Status       string
	Attempts     int
	LastError    string
	UpdatedAt    time.Time
}

// RecordAlertAttempt upserts the delivery record for (alert, channel, marker),
// bumping the attempt counter on repeats.
func (s *Store) RecordAlertAttempt(ctx context.Context, d AlertDelivery) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO alert_deliveries
			    (alert_id, channel, marker_id, target_type, target_number,
			     comment_id, status, attempts, last_error, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT (alert_id, channel, marker_id) DO UPDATE SET
			    target_type = excluded.target_type,
			    target_number = excluded.target_number,
			    comment_id = excluded.comment_id,
			    status = excluded.status,
			    attempts = alert_deliveries.attempts + 1,
			    last_error = excluded.last_error,
			    updated_at = excluded.updated_at
		`, d.AlertID, d.Channel, d.MarkerID, d.TargetType, d.TargetNumber,
			d.CommentID, d.Status, nullStr(d.LastError), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to record alert delivery: %w", err)
		}
		return nil
	})
}

// GetAlertDelivery returns the delivery record, or nil when none exists.
func (s *Store) GetAlertDelivery(ctx context.Context, alertID, channel, markerID string) (*AlertDelivery, error) {
	var d AlertDelivery
	var commentID sql.NullInt64
	var lastError sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT alert_id, channel, marker_id, target_type, target_number,
		       comment_id, status, attempts, last_error, updated_at
		FROM alert_deliveries
		WHERE alert_id = ? AND channel = ? AND marker_id = ?
	`, alertID, channel, markerID).Scan(&d.AlertID, &d.Channel, &d.MarkerID,
		&d.TargetType, &d.TargetNumber, &commentID, &d.Status, &d.Attempts,
		&lastError, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load alert delivery: %w", err)
	}
	if commentID.Valid {
		d.CommentID = &commentID.Int64
	}
	d.LastError = lastError.String
	return &d, nil
}
