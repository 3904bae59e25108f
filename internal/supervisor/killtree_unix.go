//go:build !windows

package supervisor

import (
	"errors"
	"syscall"
	"time"
)

// KillTree terminates the process tree rooted at pid. Runs are started in
// their own process group, so the negative PID targets the whole group.
func KillTree(pid int) error {
	pgid := -pid

	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			// Group already gone; fall back to the single process.
			return killSingle(pid)
		}
		return err
	}

	// Short grace period, then SIGKILL anything still alive.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pgid, 0); errors.Is(err, syscall.ESRCH) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

func killSingle(pid int) error {
	err := syscall.Kill(pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// ProcessAlive reports whether a process with the pid still exists.
func ProcessAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
