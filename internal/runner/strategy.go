// Package runner spawns gated shell commands (PTY or pipe) and streams their
// output to the session registry.
package runner

import (
	"fmt"
	"io"
	"os/exec"

	"github.com/creack/pty"
)

// StartedProc is a spawned process whose output streams are being consumed.
type StartedProc struct {
	PID int
	// Stdout carries combined output for PTY spawns.
	Stdout io.ReadCloser
	// Stderr is nil for PTY spawns (the terminal merges the streams).
	Stderr io.ReadCloser
	Wait   func() error
}

// SpawnStrategy abstracts PTY-vs-pipe process creation so tests can inject a
// fake without touching shared state.
type SpawnStrategy interface {
	SpawnPty(cmd *exec.Cmd) (*StartedProc, error)
	SpawnPipe(cmd *exec.Cmd) (*StartedProc, error)
}

// OSSpawnStrategy is the production strategy backed by creack/pty and plain
// pipes. Children get their own process group so the whole tree can be
// killed.
type OSSpawnStrategy struct{}

func (OSSpawnStrategy) SpawnPty(cmd *exec.Cmd) (*StartedProc, error) {
	configureProcessGroup(cmd)
	f, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("pty start: %w", err)
	}
	return &StartedProc{
		PID:    cmd.Process.Pid,
		Stdout: f,
		Wait:   cmd.Wait,
	}, nil
}

func (OSSpawnStrategy) SpawnPipe(cmd *exec.Cmd) (*StartedProc, error) {
	configureProcessGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}
	return &StartedProc{
		PID:    cmd.Process.Pid,
		Stdout: stdout,
		Stderr: stderr,
		Wait:   cmd.Wait,
	}, nil
}
