package runner

import (
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeStrategy simulates spawn outcomes without touching the OS.
type fakeStrategy struct {
	ptyErr  error
	pipeErr error
	output  string
}

func (f *fakeStrategy) SpawnPty(cmd *exec.Cmd) (*StartedProc, error) {
	if f.ptyErr != nil {
		return nil, f.ptyErr
	}
	return f.proc(), nil
}

func (f *fakeStrategy) SpawnPipe(cmd *exec.Cmd) (*StartedProc, error) {
	if f.pipeErr != nil {
		return nil, f.pipeErr
	}
	return f.proc(), nil
}

func (f *fakeStrategy) proc() *StartedProc {
	return &StartedProc{
		PID:    999,
		Stdout: io.NopCloser(strings.NewReader(f.output)),
		Wait:   func() error { return nil },
	}
}

type chunkCollector struct {
	mu     sync.Mutex
	chunks []string
}

func (c *chunkCollector) add(stream, chunk string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, chunk)
}

func (c *chunkCollector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.chunks, "")
}

func waitDone(t *testing.T, run *Run) {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestStartPtyFallsBackToPipe(t *testing.T) {
	strategy := &fakeStrategy{ptyErr: errors.New("open /dev/ptmx: too many open files"), output: "out\n"}
	r := New(strategy, nil)

	var out chunkCollector
	run, err := r.Start(Spec{Command: "echo out", PTY: true}, out.add)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, run)

	if run.UsedPty {
		t.Error("expected pipe spawn after PTY failure")
	}
	text := out.String()
	if !strings.Contains(text, PtyFallbackNotice) {
		t.Errorf("expected inline fallback notice, got %q", text)
	}
	if !strings.Contains(text, "out\n") {
		t.Errorf("expected command output, got %q", text)
	}
}

func TestStartPipeFailureIsFatal(t *testing.T) {
	strategy := &fakeStrategy{pipeErr: errors.New("fork: resource unavailable")}
	r := New(strategy, nil)

	if _, err := r.Start(Spec{Command: "echo"}, nil); err == nil {
		t.Fatal("expected spawn failure")
	}
}

func TestStartEmptyCommand(t *testing.T) {
	r := New(&fakeStrategy{}, nil)
	if _, err := r.Start(Spec{Command: "  "}, nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestStartRealPipeSpawn(t *testing.T) {
	r := New(nil, nil)

	var out chunkCollector
	run, err := r.Start(Spec{Command: "echo hello; echo oops >&2"}, out.add)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, run)

	code, signal := run.ExitInfo()
	if code == nil || *code != 0 {
		t.Errorf("expected exit 0, got %v (%s)", code, signal)
	}
	text := out.String()
	if !strings.Contains(text, "hello") || !strings.Contains(text, "oops") {
		t.Errorf("missing output streams: %q", text)
	}
	if run.PID <= 0 {
		t.Errorf("expected real pid, got %d", run.PID)
	}
}

func TestStartRealNonZeroExit(t *testing.T) {
	r := New(nil, nil)

	run, err := r.Start(Spec{Command: "exit 3"}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, run)

	code, _ := run.ExitInfo()
	if code == nil || *code != 3 {
		t.Errorf("expected exit code 3, got %v", code)
	}
}

func TestStartArgvSpawn(t *testing.T) {
	r := New(nil, nil)

	var out chunkCollector
	run, err := r.Start(Spec{Argv: []string{"echo", "argv", "$HOME"}}, out.add)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, run)

	// Direct argv execution bypasses the shell entirely.
	if got := out.String(); !strings.Contains(got, "argv $HOME") {
		t.Errorf("unexpected output: %q", got)
	}
}

func TestRenderResult(t *testing.T) {
	zero, three := 0, 3

	if got := RenderResult("ok\n", &zero); got != "ok\n" {
		t.Errorf("zero exit must not add trailer, got %q", got)
	}
	if got := RenderResult("boom", &three); got != "boom\nCommand exited with code 3" {
		t.Errorf("unexpected trailer: %q", got)
	}
	if got := RenderResult("", &three); got != "Command exited with code 3" {
		t.Errorf("unexpected trailer on empty output: %q", got)
	}
	if got := RenderResult("killed", nil); got != "killed" {
		t.Errorf("nil code must not add trailer, got %q", got)
	}
}
