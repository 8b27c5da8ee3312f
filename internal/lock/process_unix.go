//go:build unix

package lock

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// isProcessAlive reports whether a process with the given PID exists.
// Signal 0 performs the existence check without delivering anything.
// EPERM means the process exists but belongs to another user.
func isProcessAlive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true, nil
	}
	switch err {
	case unix.ESRCH:
		return false, nil
	case unix.EPERM:
		return true, nil
	}
	return false, fmt.Errorf("failed to probe process %d: %w", pid, err)
}

// processStartIdentity returns the kernel start time of a process, read from
// field 22 of /proc/<pid>/stat. PID reuse produces a different start time,
// so (pid, identity) uniquely names a process instance on this boot.
func processStartIdentity(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return "", fmt.Errorf("failed to read process stat: %w", err)
	}
	// The comm field (2) is parenthesized and may contain spaces; fields are
	// counted from after its closing paren.
	s := string(data)
	close := strings.LastIndexByte(s, ')')
	if close < 0 {
		return "", fmt.Errorf("malformed stat for process %d", pid)
	}
	fields := strings.Fields(s[close+1:])
	// fields[0] is stat field 3 (state), so start time (field 22) is fields[19].
	if len(fields) < 20 {
		return "", fmt.Errorf("truncated stat for process %d", pid)
	}
	return fields[19], nil
}
