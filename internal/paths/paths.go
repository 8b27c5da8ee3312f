// Package paths derives the filesystem layout of the ralph control plane:
// the control root, the durable state database, and per-session directories.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// EnvControlRoot overrides the control root location (primarily for tests).
const EnvControlRoot = "RALPH_CONTROL_ROOT"

// safeSessionID matches session identifiers that are safe to use as a single
// path component. Anything else is rejected before it reaches the filesystem.
var safeSessionID = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// IsSafeSessionID reports whether id can be used as a session directory name.
// Dot-only names are excluded even though they match the character class.
func IsSafeSessionID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return safeSessionID.MatchString(id)
}

// ControlRoot returns the ralph control root, creating nothing.
// Default is ~/.ralph/control; RALPH_CONTROL_ROOT overrides.
func ControlRoot() (string, error) {
	if root := os.Getenv(EnvControlRoot); root != "" {
		return root, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".ralph", "control"), nil
}

// EnsureControlRoot returns the control root, creating it (0700) if needed.
func EnsureControlRoot() (string, error) {
	root, err := ControlRoot()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return "", fmt.Errorf("failed to create control root: %w", err)
	}
	return root, nil
}

// StateDBPath returns the path of the durable state database.
func StateDBPath() (string, error) {
	root, err := ControlRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(root), "state.db"), nil
}

// SessionsDir returns the root directory that holds per-session artifacts.
func SessionsDir() (string, error) {
	root, err := ControlRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(root), "sessions"), nil
}

// SessionDir returns the directory for a single session. The id is validated
// so it can never escape the sessions root.
func SessionDir(sessionsDir, id string) (string, error) {
	if !IsSafeSessionID(id) {
		return "", fmt.Errorf("unsafe session id %q", id)
	}
	return filepath.Join(sessionsDir, id), nil
}

// DaemonRecordPath returns the canonical daemon record location.
func DaemonRecordPath(controlRoot string) string {
	return filepath.Join(controlRoot, "daemon-registry.json")
}

// ControlFileCandidates returns the control file search order. The first
// existing file wins; the first entry is the canonical write location.
func ControlFileCandidates() ([]string, error) {
	root, err := ControlRoot()
	if err != nil {
		return nil, err
	}
	candidates := []string{filepath.Join(root, "control.json")}
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, "ralph", "control.json"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".local", "state", "ralph", "control.json"))
	}
	candidates = append(candidates, filepath.Join(os.TempDir(), "ralph", fmt.Sprintf("%d", os.Getuid()), "control.json"))
	return candidates, nil
}

// WriteFileAtomic writes data to path via a temp file in the same directory
// followed by a rename, so readers never observe a partial write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
