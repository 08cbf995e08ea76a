package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const terminatePoll = 100 * time.Millisecond

// WritePIDFile writes pid to path with 0600 permissions.
func WritePIDFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

// ReadPIDFile reads a PID integer from path.
func ReadPIDFile(path string) (int, error) {
	return readIntFile(path)
}

// ReadExitFile reads the exit status recorded by the launch wrapper.
// ok is false when the file does not exist yet (process still running or killed).
func ReadExitFile(path string) (code int, ok bool, err error) {
	code, err = readIntFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return code, true, nil
}

func readIntFile(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // internal runtime path
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse integer from %s: %w", path, err)
	}
	return n, nil
}

// IsProcessAlive returns true if a process with the given PID currently exists.
// kill(pid, 0) sends nothing, it only checks existence.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// TerminateGroup sends SIGTERM to the process group led by pid, waits up to
// grace for the leader to exit, then SIGKILLs the group.
func TerminateGroup(ctx context.Context, pid int, grace time.Duration) error {
	if !IsProcessAlive(pid) {
		return nil
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("SIGTERM group %d: %w", pid, err)
	}
	err := WaitFor(ctx, grace, terminatePoll, func() (bool, error) {
		return !IsProcessAlive(pid), nil
	})
	if err == nil {
		return nil
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("SIGKILL group %d: %w", pid, err)
	}
	return nil
}
