// Package store - database migrations
package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is a single schema step. Migrations only ever move the version
// forward; there are no down-migrations.
type migration struct {
	version     int
	name        string
	description string
	fn          func(ctx context.Context, tx *sql.Tx) error
}

var migrationsList = []migration{
	{
		version:     1,
		name:        "baseline",
		description: "Baseline orchestration schema (runs, gates, artifacts, idempotency, alerts, triage)",
		fn: func(ctx context.Context, tx *sql.Tx) error {
			// Schema DDL already executed with IF NOT EXISTS; nothing to do.
			return nil
		},
	},
	{
		version:     2,
		name:        "classifier_source_column",
		description: "Adds classifier_source column to run_gates for persisted-vs-artifact provenance",
		fn: func(ctx context.Context, tx *sql.Tx) error {
			if has, err := columnExists(ctx, tx, "run_gates", "classifier_source"); err != nil {
				return err
			} else if has {
				return nil
			}
			_, err := tx.ExecContext(ctx, `ALTER TABLE run_gates ADD COLUMN classifier_source TEXT`)
			return err
		},
	},
}

// runMigrations applies pending migrations inside a single transaction and
// bumps PRAGMA user_version to the final value. Serialized across processes
// by the driver's immediate transaction lock.
func runMigrations(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	target := version
	for _, m := range migrationsList {
		if m.version <= version {
			continue
		}
		if err := m.fn(ctx, tx); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
		target = m.version
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}
	committed = true

	if target != version {
		// PRAGMA cannot be parameterized; target comes from the static list.
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", target)); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	}
	return nil
}

func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
