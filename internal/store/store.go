// Package store is the durable state layer: runs, gate results and artifacts,
// per-run token totals, idempotency keys, alert deliveries, and loop-triage
// attempts, all in a single SQLite database.
//
// The schema carries a monotonic version. A binary may open a database whose
// version is within its writable range read-write, a version above that but
// within its supported range read-only, and must refuse anything newer.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	// maxWritableSchema is the newest schema this binary can mutate.
	maxWritableSchema = 2
	// maxSupportedSchema is the newest schema this binary can read.
	maxSupportedSchema = 3
)

// Mode describes how a database may be opened.
type Mode int

const (
	ModeWritable Mode = iota
	ModeReadOnly
	ModeIncompatible
)

// ProbeResult reports what the schema version permits.
type ProbeResult struct {
	Mode          Mode
	SchemaVersion int
}

// Error codes surfaced to CLI JSON output.
const (
	CodeForwardIncompatible = "forward_incompatible"
	CodeCorrupt             = "corrupt"
	CodeIO                  = "io"
)

// StoreError is a classified structural error with a stable code. Forward
// incompatibility carries the version ranges so CLIs can render them.
type StoreError struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	SchemaVersion int    `json:"schemaVersion,omitempty"`
	SupportedMax  int    `json:"supportedRange,omitempty"`
	WritableMax   int    `json:"writableRange,omitempty"`
}

func (e *StoreError) Error() string { return e.Message }

// ExitCode returns the process exit code this error should propagate.
func (e *StoreError) ExitCode() int {
	if e.Code == CodeForwardIncompatible {
		return 2
	}
	return 1
}

// ErrReadOnly is returned by mutating calls on a read-only store.
var ErrReadOnly = errors.New("store is read-only")

// Store wraps the SQLite database. A single *sql.DB is shared; write
// transactions serialize via BEGIN IMMEDIATE, reads proceed concurrently.
type Store struct {
	db       *sql.DB
	path     string
	readOnly bool
}

func dsn(path string, readOnly bool) string {
	base := "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	if readOnly {
		base += "&mode=ro"
	}
	return base
}

// Probe inspects the schema version without initializing anything.
// A missing database file probes as writable (it will be created).
func Probe(ctx context.Context, path string) (ProbeResult, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return ProbeResult{Mode: ModeWritable, SchemaVersion: 0}, nil
	}
	db, err := sql.Open("sqlite3", dsn(path, true))
	if err != nil {
		return ProbeResult{}, &StoreError{Code: CodeIO, Message: fmt.Sprintf("failed to open database: %v", err)}
	}
	defer func() { _ = db.Close() }()

	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return ProbeResult{}, &StoreError{Code: CodeCorrupt, Message: fmt.Sprintf("failed to read schema version: %v", err)}
	}

	switch {
	case version <= maxWritableSchema:
		return ProbeResult{Mode: ModeWritable, SchemaVersion: version}, nil
	case version <= maxSupportedSchema:
		return ProbeResult{Mode: ModeReadOnly, SchemaVersion: version}, nil
	default:
		return ProbeResult{Mode: ModeIncompatible, SchemaVersion: version}, nil
	}
}

// Open probes and opens the database in the strongest permitted mode.
// A forward-incompatible database returns a *StoreError with exit code 2.
func Open(ctx context.Context, path string) (*Store, error) {
	probe, err := Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	switch probe.Mode {
	case ModeIncompatible:
		return nil, &StoreError{
			Code:          CodeForwardIncompatible,
			Message:       fmt.Sprintf("state database schema v%d is newer than supported (max v%d)", probe.SchemaVersion, maxSupportedSchema),
			SchemaVersion: probe.SchemaVersion,
			SupportedMax:  maxSupportedSchema,
			WritableMax:   maxWritableSchema,
		}
	case ModeReadOnly:
		return OpenReadOnly(ctx, path)
	}

	db, err := sql.Open("sqlite3", dsn(path, false))
	if err != nil {
		return nil, &StoreError{Code: CodeIO, Message: fmt.Sprintf("failed to open database: %v", err)}
	}
	s := &Store{db: db, path: path}
	if err := s.initWritable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenReadOnly opens the database read-only regardless of schema writability,
// provided the schema is within the supported range.
func OpenReadOnly(ctx context.Context, path string) (*Store, error) {
	probe, err := Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	if probe.Mode == ModeIncompatible {
		return nil, &StoreError{
			Code:          CodeForwardIncompatible,
			Message:       fmt.Sprintf("state database schema v%d is newer than supported (max v%d)", probe.SchemaVersion, maxSupportedSchema),
			SchemaVersion: probe.SchemaVersion,
			SupportedMax:  maxSupportedSchema,
			WritableMax:   maxWritableSchema,
		}
	}
	db, err := sql.Open("sqlite3", dsn(path, true))
	if err != nil {
		return nil, &StoreError{Code: CodeIO, Message: fmt.Sprintf("failed to open database: %v", err)}
	}
	return &Store{db: db, path: path, readOnly: true}, nil
}

// initWritable creates the base schema and runs pending migrations.
// Down-migrations do not exist; the version only moves forward.
func (s *Store) initWritable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return &StoreError{Code: CodeCorrupt, Message: fmt.Sprintf("failed to initialize schema: %v", err)}
	}
	if err := runMigrations(ctx, s.db); err != nil {
		return &StoreError{Code: CodeCorrupt, Message: fmt.Sprintf("migration failed: %v", err)}
	}
	return nil
}

// ReadOnly reports whether mutating calls will be refused.
func (s *Store) ReadOnly() bool { return s.readOnly }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// withTx runs fn inside a transaction, committing on nil and rolling back on
// error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.readOnly {
		return ErrReadOnly
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
