package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// HasKey reports whether a key has been claimed within a scope.
func (s *Store) HasKey(ctx context.Context, scope, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM idempotency_keys WHERE scope = ? AND key = ?
	`, scope, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return true, nil
}

// RecordKey claims a key. Returns claimed=true only for the first caller;
// the insert-if-absent is the linearization point, so at most one concurrent
// caller ever observes a claim.
func (s *Store) RecordKey(ctx context.Context, scope, key, payload string) (claimed bool, err error) {
	if payload == "" {
		payload = "{}"
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency_keys (scope, key, payload)
			VALUES (?, ?, ?)
			ON CONFLICT (scope, key) DO NOTHING
		`, scope, key, payload)
		if err != nil {
			return fmt.Errorf("failed to record idempotency key: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed = n == 1
		return nil
	})
	// Concurrent claimers can race the immediate-transaction lock; a busy
	// conflict on insert means someone else claimed first.
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return false, nil
	}
	return claimed, err
}

// DeleteKey releases a key after a confirmed external-write failure so the
// side-effect can be retried.
func (s *Store) DeleteKey(ctx context.Context, scope, key string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM idempotency_keys WHERE scope = ? AND key = ?
		`, scope, key); err != nil {
			return fmt.Errorf("failed to delete idempotency key: %w", err)
		}
		return nil
	})
}
