// Package control reads and writes the operator control file: live daemon
// mode, pause requests, and profile overrides, picked up without a restart.
package control

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/3mdistal/ralph/internal/paths"
)

// FileVersion is the on-disk format version of control.json.
const FileVersion = 1

// Daemon modes.
const (
	ModeRunning  = "running"
	ModeDraining = "draining"
	ModePaused   = "paused"
)

// File is the parsed control file. Zero values mean "not set"; Normalize
// fills defaults.
type File struct {
	Version           int    `json:"version"`
	Mode              string `json:"mode"`
	PauseRequested    bool   `json:"pause_requested,omitempty"`
	PauseAtCheckpoint string `json:"pause_at_checkpoint,omitempty"`
	DrainTimeoutMs    int    `json:"drain_timeout_ms,omitempty"`
	DefaultProfile    string `json:"default_profile,omitempty"`
}

// Normalize fills defaults and rejects unknown modes.
func (f *File) Normalize() error {
	if f.Version == 0 {
		f.Version = FileVersion
	}
	if f.Mode == "" {
		f.Mode = ModeRunning
	}
	switch f.Mode {
	case ModeRunning, ModeDraining, ModePaused:
	default:
		return fmt.Errorf("unknown control mode %q", f.Mode)
	}
	if f.PauseAtCheckpoint != "" {
		if _, err := time.Parse(time.RFC3339, f.PauseAtCheckpoint); err != nil {
			return fmt.Errorf("invalid pause_at_checkpoint timestamp: %w", err)
		}
	}
	return nil
}

// PauseDeadline returns the parsed pause_at_checkpoint time, or zero when
// unset.
func (f *File) PauseDeadline() time.Time {
	if f.PauseAtCheckpoint == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, f.PauseAtCheckpoint)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Default returns a running-mode control file.
func Default() File {
	return File{Version: FileVersion, Mode: ModeRunning}
}

// Find returns the first existing control file from the candidate locations,
// in search order. When none exists, returns the canonical path with
// found=false so the daemon knows where to create one.
func Find() (path string, found bool, err error) {
	candidates, err := paths.ControlFileCandidates()
	if err != nil {
		return "", false, err
	}
	for _, c := range candidates {
		if _, serr := os.Stat(c); serr == nil {
			return c, true, nil
		}
	}
	return candidates[0], false, nil
}

// Load reads and validates the control file at path. A missing file loads as
// the default running state, so an operator deleting the file resumes the
// daemon.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return File{}, fmt.Errorf("failed to read control file: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("failed to parse control file %s: %w", path, err)
	}
	if err := f.Normalize(); err != nil {
		return File{}, fmt.Errorf("invalid control file %s: %w", path, err)
	}
	return f, nil
}

// Save writes the control file atomically so a polling daemon never reads a
// partial document.
func Save(path string, f File) error {
	if err := f.Normalize(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal control file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create control directory: %w", err)
	}
	if err := paths.WriteFileAtomic(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write control file: %w", err)
	}
	return nil
}

// Mutate loads the control file at path, applies fn, and saves the result.
// Used by CLI commands (pause, resume, stop) for read-modify-write updates.
func Mutate(path string, fn func(*File)) (File, error) {
	f, err := Load(path)
	if err != nil {
		return File{}, err
	}
	fn(&f)
	if err := Save(path, f); err != nil {
		return File{}, err
	}
	return f, nil
}
