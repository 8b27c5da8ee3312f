// Package lock enforces the single-daemon invariant. The startup lock is a
// directory whose creation is the atomic claim; an owner record inside names
// the holder so contenders can classify it as healthy, stale, or unknown.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/3mdistal/ralph/internal/paths"
)

// ownerRecordVersion is the on-disk format version of owner.json.
const ownerRecordVersion = 1

// staleRetryLimit bounds how many times acquisition reclaims a stale lock
// before giving up. Repeated staleness means something else is churning the
// lock directory.
const staleRetryLimit = 3

// ownerReadRetries bounds re-reads of an owner record that is missing or
// unparseable while the lock directory exists. The writer may be mid-write.
const ownerReadRetries = 5

const ownerReadDelay = 100 * time.Millisecond

// Error codes for lock acquisition failures.
const (
	CodeHeld            = "held"
	CodeUnknownLiveness = "unknown_liveness"
	CodeIO              = "io"
)

// LockError is a classified acquisition failure. Held and unknown-liveness
// refusals propagate exit code 2 so supervisors do not restart-loop into a
// healthy peer.
type LockError struct {
	Code      string
	Message   string
	OwnerPath string
	Owner     *OwnerRecord
}

func (e *LockError) Error() string { return e.Message }

// ExitCode returns the process exit code this error should propagate.
func (e *LockError) ExitCode() int {
	if e.Code == CodeHeld || e.Code == CodeUnknownLiveness {
		return 2
	}
	return 1
}

// OwnerRecord identifies the daemon holding the startup lock. StartIdentity
// is the kernel's process start time, which together with the PID
// distinguishes the recorded process from a later process that reused the
// same PID.
type OwnerRecord struct {
	Version       int       `json:"version"`
	DaemonID      string    `json:"daemon_id"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at"`
	StartIdentity string    `json:"start_identity"`
}

// ownerState classifies the recorded owner.
type ownerState int

const (
	ownerHealthy ownerState = iota
	ownerStale
	ownerUnknown
)

// Lock is a held startup lock. Release removes the lock directory.
type Lock struct {
	dir      string
	released bool
}

// Dir returns the lock directory path.
func (l *Lock) Dir() string { return l.dir }

// Release removes the lock directory. Safe to call more than once.
func (l *Lock) Release() error {
	if l.released {
		return nil
	}
	l.released = true
	if err := os.RemoveAll(l.dir); err != nil {
		return fmt.Errorf("failed to release startup lock: %w", err)
	}
	return nil
}

// Acquire claims the startup lock under controlRoot for the calling process.
// A healthy owner refuses acquisition; a stale owner (dead process, or PID
// reused by a different process) is reclaimed; an owner whose liveness cannot
// be determined also refuses, since reclaiming a possibly-live daemon is
// worse than failing to start.
func Acquire(controlRoot, daemonID string) (*Lock, error) {
	dir := filepath.Join(controlRoot, "lock.d")
	ownerPath := filepath.Join(dir, "owner.json")

	for attempt := 0; attempt <= staleRetryLimit; attempt++ {
		err := os.Mkdir(dir, 0700)
		if err == nil {
			if werr := writeOwnerRecord(ownerPath, daemonID); werr != nil {
				_ = os.RemoveAll(dir)
				return nil, werr
			}
			return &Lock{dir: dir}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, &LockError{Code: CodeIO, Message: fmt.Sprintf("failed to create lock directory %s: %v", dir, err)}
		}

		owner, rerr := readOwnerRecord(ownerPath)
		if rerr != nil {
			// The directory exists but no readable owner record settled.
			// Treat as unknown rather than reclaiming blindly.
			return nil, &LockError{
				Code:      CodeUnknownLiveness,
				Message:   fmt.Sprintf("startup lock held at %s but owner record is unreadable: %v", dir, rerr),
				OwnerPath: ownerPath,
			}
		}

		switch classifyOwner(owner) {
		case ownerHealthy:
			return nil, &LockError{
				Code: CodeHeld,
				Message: fmt.Sprintf("another daemon (pid %d, id %s) holds the startup lock; see %s",
					owner.PID, owner.DaemonID, ownerPath),
				OwnerPath: ownerPath,
				Owner:     owner,
			}
		case ownerUnknown:
			return nil, &LockError{
				Code: CodeUnknownLiveness,
				Message: fmt.Sprintf("cannot determine liveness of lock owner (pid %d); refusing to reclaim %s",
					owner.PID, ownerPath),
				OwnerPath: ownerPath,
				Owner:     owner,
			}
		case ownerStale:
			if err := os.RemoveAll(dir); err != nil {
				return nil, &LockError{Code: CodeIO, Message: fmt.Sprintf("failed to remove stale lock %s: %v", dir, err)}
			}
			// Loop and race for the fresh claim.
		}
	}
	return nil, &LockError{
		Code:      CodeIO,
		Message:   fmt.Sprintf("gave up acquiring startup lock at %s after %d stale reclaims", dir, staleRetryLimit),
		OwnerPath: ownerPath,
	}
}

// ReadOwner returns the current owner record, or nil when the lock is not
// held. Used by status and stop commands.
func ReadOwner(controlRoot string) (*OwnerRecord, error) {
	ownerPath := filepath.Join(controlRoot, "lock.d", "owner.json")
	data, err := os.ReadFile(ownerPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock owner record: %w", err)
	}
	var owner OwnerRecord
	if err := json.Unmarshal(data, &owner); err != nil {
		return nil, fmt.Errorf("failed to parse lock owner record: %w", err)
	}
	return &owner, nil
}

func writeOwnerRecord(path, daemonID string) error {
	pid := os.Getpid()
	identity, err := processStartIdentity(pid)
	if err != nil {
		// Our own identity should always resolve; record it as empty and let
		// contenders classify us by PID liveness alone.
		identity = ""
	}
	record := OwnerRecord{
		Version:       ownerRecordVersion,
		DaemonID:      daemonID,
		PID:           pid,
		StartedAt:     time.Now().UTC(),
		StartIdentity: identity,
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal owner record: %w", err)
	}
	if err := paths.WriteFileAtomic(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write owner record: %w", err)
	}
	return nil
}

// readOwnerRecord reads owner.json with bounded retries, since the claiming
// process may not have finished its atomic write yet.
func readOwnerRecord(path string) (*OwnerRecord, error) {
	var lastErr error
	for i := 0; i < ownerReadRetries; i++ {
		data, err := os.ReadFile(path)
		if err == nil {
			var owner OwnerRecord
			if jerr := json.Unmarshal(data, &owner); jerr == nil && owner.PID > 0 {
				return &owner, nil
			}
			lastErr = fmt.Errorf("owner record not yet valid")
		} else {
			lastErr = err
		}
		time.Sleep(ownerReadDelay)
	}
	return nil, lastErr
}

// classifyOwner decides whether the recorded owner is a live daemon, a dead
// one, or indeterminate.
func classifyOwner(owner *OwnerRecord) ownerState {
	alive, err := isProcessAlive(owner.PID)
	if err != nil {
		return ownerUnknown
	}
	if !alive {
		return ownerStale
	}
	if owner.StartIdentity == "" {
		// Alive PID with no recorded identity: could be the daemon, could be
		// PID reuse. Refuse rather than guess.
		return ownerUnknown
	}
	identity, err := processStartIdentity(owner.PID)
	if err != nil {
		return ownerUnknown
	}
	if identity != owner.StartIdentity {
		// Same PID, different start time: the recorded process is gone.
		return ownerStale
	}
	return ownerHealthy
}
