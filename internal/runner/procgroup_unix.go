//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup puts the child in its own process group so the whole
// tree can be killed with one signal.
func configureProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// exitInfo extracts the exit code and signal name from a Wait error.
func exitInfo(err error) (code *int, signal string) {
	if err == nil {
		zero := 0
		return &zero, ""
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return nil, ""
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return nil, ws.Signal().String()
	}
	c := exitErr.ExitCode()
	return &c, ""
}
