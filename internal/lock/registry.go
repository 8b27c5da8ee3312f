package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/3mdistal/ralph/internal/paths"
)

// RegistryRecord is the daemon's advertisement for CLI discovery. The CLI
// reads it to find the daemon's PID, control root, and log location without
// needing the daemon to answer anything.
type RegistryRecord struct {
	DaemonID    string    `json:"daemon_id"`
	PID         int       `json:"pid"`
	Version     string    `json:"version"`
	ControlRoot string    `json:"control_root"`
	StateDBPath string    `json:"state_db_path"`
	LogPath     string    `json:"log_path"`
	StartedAt   time.Time `json:"started_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// Registry manages the daemon registry file with a file lock for
// cross-process read-modify-write and an in-process mutex for goroutines.
type Registry struct {
	path     string
	lockPath string
	mu       sync.Mutex
}

// NewRegistry creates a registry rooted at the control root.
func NewRegistry(controlRoot string) *Registry {
	path := paths.DaemonRecordPath(controlRoot)
	return &Registry{path: path, lockPath: path + ".lock"}
}

// Path returns the registry file path.
func (r *Registry) Path() string { return r.path }

func (r *Registry) withFileLock(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fl := flock.New(r.lockPath)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("failed to acquire registry lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	return fn()
}

// Register writes the daemon's record, replacing any previous one.
func (r *Registry) Register(record RegistryRecord) error {
	return r.withFileLock(func() error {
		return r.writeLocked(record)
	})
}

// Heartbeat refreshes the heartbeat timestamp on the current record. A
// record belonging to a different PID is left alone.
func (r *Registry) Heartbeat(pid int) error {
	return r.withFileLock(func() error {
		record, err := r.readLocked()
		if err != nil {
			return err
		}
		if record == nil || record.PID != pid {
			return nil
		}
		record.HeartbeatAt = time.Now().UTC()
		return r.writeLocked(*record)
	})
}

// Unregister removes the record if it belongs to the given PID.
func (r *Registry) Unregister(pid int) error {
	return r.withFileLock(func() error {
		record, err := r.readLocked()
		if err != nil {
			return err
		}
		if record == nil || record.PID != pid {
			return nil
		}
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove registry record: %w", err)
		}
		return nil
	})
}

// Current returns the registered daemon record, dropping it when the
// recorded process is no longer alive. Returns nil when no live daemon is
// registered.
func (r *Registry) Current() (*RegistryRecord, error) {
	var record *RegistryRecord
	err := r.withFileLock(func() error {
		rec, err := r.readLocked()
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		alive, err := isProcessAlive(rec.PID)
		if err != nil {
			// Indeterminate liveness still surfaces the record; callers that
			// need certainty use the startup lock's owner classification.
			record = rec
			return nil
		}
		if !alive {
			if rerr := os.Remove(r.path); rerr != nil && !os.IsNotExist(rerr) {
				fmt.Fprintf(os.Stderr, "Warning: failed to remove stale registry record: %v\n", rerr)
			}
			return nil
		}
		record = rec
		return nil
	})
	return record, err
}

// readLocked reads the record. Missing, empty, or corrupted files read as
// absent; a corrupt registry just means rediscovery.
func (r *Registry) readLocked() (*RegistryRecord, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	var record RegistryRecord
	if err := json.Unmarshal(data, &record); err != nil || record.PID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *Registry) writeLocked(record RegistryRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry record: %w", err)
	}
	if err := paths.WriteFileAtomic(r.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write registry record: %w", err)
	}
	return nil
}
