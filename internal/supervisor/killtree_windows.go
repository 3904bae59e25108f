//go:build windows

package supervisor

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// KillTree terminates the process tree rooted at pid via taskkill, falling
// back to killing the direct process.
func KillTree(pid int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := exec.CommandContext(ctx, "taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run(); err == nil {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

// ProcessAlive reports whether a process with the pid still exists.
func ProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
