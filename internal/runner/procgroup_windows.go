//go:build windows

package runner

import (
	"os/exec"
	"syscall"
)

func configureProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= syscall.CREATE_NEW_PROCESS_GROUP
}

func exitInfo(err error) (code *int, signal string) {
	if err == nil {
		zero := 0
		return &zero, ""
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		c := exitErr.ExitCode()
		return &c, ""
	}
	return nil, ""
}
