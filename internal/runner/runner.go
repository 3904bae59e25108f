package runner

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// PtyFallbackNotice is appended inline to the output when a PTY spawn fails
// and the command continues on a plain pipe.
const PtyFallbackNotice = "[PTY spawn failed; continuing with pipe output]\n"

// Spec describes one command to spawn. Argv, when set, is executed directly
// and takes precedence over the shell Command string.
type Spec struct {
	Command string
	Argv    []string
	CWD     string
	Env     map[string]string
	PTY     bool
}

// OutputFunc receives output chunks; stream is "stdout" or "stderr".
type OutputFunc func(stream, chunk string)

// Run is one spawned process being streamed.
type Run struct {
	PID     int
	UsedPty bool

	mu         sync.Mutex
	exitCode   *int
	exitSignal string
	done       chan struct{}
}

// Done is closed once the process exited and all output was flushed.
func (r *Run) Done() <-chan struct{} { return r.done }

// ExitInfo returns the exit code (nil when killed by signal) and the signal
// name, valid after Done is closed.
func (r *Run) ExitInfo() (*int, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitCode, r.exitSignal
}

// Runner spawns commands through its strategy.
type Runner struct {
	strategy SpawnStrategy
	logger   *slog.Logger
}

// New creates a runner. A nil strategy gets the production OS strategy.
func New(strategy SpawnStrategy, logger *slog.Logger) *Runner {
	if strategy == nil {
		strategy = OSSpawnStrategy{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		strategy: strategy,
		logger:   logger.With("component", "runner"),
	}
}

// Start spawns the command and streams its output through onOutput. A PTY
// spawn failure falls back to a pipe spawn with an inline notice; a pipe
// failure is fatal. Termination is not handled here: callers kill the
// process group through the supervisor.
func (r *Runner) Start(spec Spec, onOutput OutputFunc) (*Run, error) {
	if len(spec.Argv) == 0 && strings.TrimSpace(spec.Command) == "" {
		return nil, fmt.Errorf("command is required")
	}
	if onOutput == nil {
		onOutput = func(string, string) {}
	}

	proc, usedPty, err := r.spawn(spec, onOutput)
	if err != nil {
		return nil, err
	}

	run := &Run{
		PID:     proc.PID,
		UsedPty: usedPty,
		done:    make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		streamOutput(proc.Stdout, "stdout", onOutput)
	}()
	if proc.Stderr != nil {
		readers.Add(1)
		go func() {
			defer readers.Done()
			streamOutput(proc.Stderr, "stderr", onOutput)
		}()
	}

	go func() {
		// Drain the readers before reaping: os/exec's Wait closes the pipes,
		// and calling it with reads outstanding discards buffered output.
		readers.Wait()
		waitErr := proc.Wait()

		code, signal := exitInfo(waitErr)
		run.mu.Lock()
		run.exitCode = code
		run.exitSignal = signal
		run.mu.Unlock()
		close(run.done)
	}()

	return run, nil
}

func (r *Runner) spawn(spec Spec, onOutput OutputFunc) (proc *StartedProc, usedPty bool, err error) {
	if spec.PTY {
		proc, err = r.strategy.SpawnPty(r.buildCmd(spec))
		if err == nil {
			return proc, true, nil
		}
		// Transient OS failures (fd exhaustion, missing ptmx) degrade to a
		// pipe spawn with an inline notice rather than failing the call.
		r.logger.Warn("pty spawn failed, falling back to pipe", "error", err)
		onOutput("stdout", PtyFallbackNotice)
	}

	proc, err = r.strategy.SpawnPipe(r.buildCmd(spec))
	if err != nil {
		return nil, false, fmt.Errorf("spawn failed: %w", err)
	}
	return proc, false, nil
}

func (r *Runner) buildCmd(spec Spec) *exec.Cmd {
	var cmd *exec.Cmd
	if len(spec.Argv) > 0 {
		cmd = exec.Command(spec.Argv[0], spec.Argv[1:]...)
	} else {
		cmd = exec.Command("/bin/sh", "-c", spec.Command)
	}
	if spec.CWD != "" {
		cmd.Dir = spec.CWD
	}
	if len(spec.Env) > 0 {
		env := os.Environ()
		for k, v := range spec.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	return cmd
}

func streamOutput(rc interface {
	Read([]byte) (int, error)
}, stream string, onOutput OutputFunc) {
	buf := make([]byte, 8192)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			onOutput(stream, string(buf[:n]))
		}
		if err != nil {
			// PTY reads end with EIO once the child closes the terminal;
			// treat every read error as end of stream.
			return
		}
	}
}

// RenderResult renders the transcript plus the exit-code trailer. A non-zero
// exit is still a completed command, it just carries the code inline.
func RenderResult(output string, exitCode *int) string {
	if exitCode == nil || *exitCode == 0 {
		return output
	}
	if output != "" && !strings.HasSuffix(output, "\n") {
		output += "\n"
	}
	return output + fmt.Sprintf("Command exited with code %d", *exitCode)
}
