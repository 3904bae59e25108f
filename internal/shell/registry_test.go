package shell

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newSession(id string) *ProcessSession {
	return &ProcessSession{
		ID:        id,
		Command:   "echo hello",
		StartedAt: time.Now(),
		PID:       12345,
	}
}

func TestRegistryAddAndGet(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Reset()

	r.Add(newSession("s-1"))

	if r.RunningCount() != 1 {
		t.Fatalf("expected 1 running session, got %d", r.RunningCount())
	}
	got, ok := r.Get("s-1", "")
	if !ok {
		t.Fatal("expected session to exist")
	}
	if got.MaxOutputChars != DefaultMaxOutputChars {
		t.Errorf("expected defaulted max output chars, got %d", got.MaxOutputChars)
	}
}

func TestRegistryScopeIsolation(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Reset()

	s := newSession("s-1")
	s.ScopeKey = "chan:alice"
	r.Add(s)

	if _, ok := r.Get("s-1", "chan:bob"); ok {
		t.Error("cross-scope lookup must fail as unknown session")
	}
	if _, ok := r.Get("s-1", ""); ok {
		t.Error("scopeless lookup must not see scoped session")
	}
	if _, ok := r.Get("s-1", "chan:alice"); !ok {
		t.Error("owning scope must see its session")
	}

	r.MarkExited(s, intPtr(0), "", ProcessStatusCompleted)
	if _, ok := r.GetFinished("s-1", "chan:bob"); ok {
		t.Error("cross-scope finished lookup must fail")
	}
	if _, ok := r.GetFinished("s-1", "chan:alice"); !ok {
		t.Error("owning scope must see finished session")
	}

	if n := len(r.ListRunning("chan:alice")); n != 0 {
		t.Errorf("expected no running sessions after exit, got %d", n)
	}
	if n := len(r.ListFinished("chan:alice")); n != 1 {
		t.Errorf("expected 1 finished session in scope, got %d", n)
	}
	if n := len(r.ListFinished("chan:bob")); n != 0 {
		t.Errorf("expected no finished sessions in other scope, got %d", n)
	}
}

func TestAppendOutputBoundsAggregated(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Reset()

	s := newSession("s-1")
	s.MaxOutputChars = 100
	s.PendingMaxOutputChars = 50
	r.Add(s)

	chunk := strings.Repeat("x", 40)
	for i := 0; i < 10; i++ {
		r.AppendOutput(s, "stdout", chunk)
	}

	if len(s.Aggregated) > 100 {
		t.Errorf("aggregated %d chars exceeds cap 100", len(s.Aggregated))
	}
	if !s.Truncated {
		t.Error("expected truncated flag")
	}
	if s.TotalOutputChars != 400 {
		t.Errorf("expected total 400, got %d", s.TotalOutputChars)
	}

	// Truncated stays true even after small appends.
	r.AppendOutput(s, "stdout", "y")
	if !s.Truncated {
		t.Error("truncated must stay true once set")
	}
}

func TestAppendOutputTruncationNotice(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Reset()

	s := newSession("s-1")
	s.MaxOutputChars = 100
	r.Add(s)

	r.AppendOutput(s, "stdout", strings.Repeat("x", 90))
	if strings.Contains(s.Aggregated, TruncationNotice) {
		t.Errorf("notice must not appear before the cap is hit: %q", s.Aggregated)
	}

	r.AppendOutput(s, "stdout", strings.Repeat("y", 310))
	if !s.Truncated {
		t.Fatal("expected truncated flag")
	}
	if !strings.HasPrefix(s.Aggregated, TruncationNotice+"\n") {
		t.Errorf("expected inline notice heading the transcript, got %q", s.Aggregated)
	}
	if len(s.Aggregated) > 100 {
		t.Errorf("aggregated %d chars exceeds cap 100", len(s.Aggregated))
	}
	if !strings.HasSuffix(s.Aggregated, "y") {
		t.Errorf("expected trailing output retained, got %q", s.Aggregated)
	}

	// The notice appears once, at the head, across further appends.
	r.AppendOutput(s, "stdout", "z")
	if strings.Count(s.Aggregated, TruncationNotice) != 1 {
		t.Errorf("expected exactly one notice, got %q", s.Aggregated)
	}
	if !strings.HasSuffix(s.Aggregated, "z") {
		t.Errorf("expected newest output retained, got %q", s.Aggregated)
	}

	r.MarkExited(s, intPtr(0), "", ProcessStatusCompleted)
	fin, ok := r.GetFinished("s-1", "")
	if !ok {
		t.Fatal("expected finished session")
	}
	if !strings.HasPrefix(fin.Aggregated, TruncationNotice) || !fin.Truncated {
		t.Errorf("finished record lost the notice: truncated=%v aggregated=%q", fin.Truncated, fin.Aggregated)
	}
}

func TestAppendOutputArrivalOrder(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Reset()

	s := newSession("s-1")
	r.Add(s)

	r.AppendOutput(s, "stdout", "a")
	r.AppendOutput(s, "stderr", "b")
	r.AppendOutput(s, "stdout", "c")

	if s.Aggregated != "abc" {
		t.Errorf("expected arrival-order aggregation, got %q", s.Aggregated)
	}

	stdout, stderr := r.Drain(s)
	if stdout != "ac" || stderr != "b" {
		t.Errorf("drain got stdout=%q stderr=%q", stdout, stderr)
	}
	stdout, stderr = r.Drain(s)
	if stdout != "" || stderr != "" {
		t.Error("second drain must be empty")
	}
}

func TestPollHintSequence(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Reset()

	s := newSession("s-1")
	r.Add(s)

	want := []int{5000, 10000, 30000, 60000, 60000}
	for i, w := range want {
		if got := r.PollHint(s); got != w {
			t.Errorf("poll %d: hint %d, want %d", i+1, got, w)
		}
	}

	// New output resets the ladder.
	r.AppendOutput(s, "stdout", "progress")
	if got := r.PollHint(s); got != 5000 {
		t.Errorf("expected reset to 5000 after output, got %d", got)
	}
	if got := r.PollHint(s); got != 10000 {
		t.Errorf("expected 10000 on next idle poll, got %d", got)
	}

	// Finished sessions omit the hint.
	r.MarkExited(s, intPtr(0), "", ProcessStatusCompleted)
	if got := r.PollHint(s); got != 0 {
		t.Errorf("expected omitted hint for finished session, got %d", got)
	}
}

func TestWaitExit(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Reset()

	s := newSession("s-1")
	r.Add(s)

	// Timeout path.
	start := time.Now()
	if r.WaitExit(context.Background(), "s-1", 30*time.Millisecond) {
		t.Error("expected timeout, session still running")
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Error("wait returned before the bound elapsed")
	}

	// Exit wakes the waiter.
	go func() {
		time.Sleep(20 * time.Millisecond)
		r.MarkExited(s, intPtr(0), "", ProcessStatusCompleted)
	}()
	if !r.WaitExit(context.Background(), "s-1", time.Second) {
		t.Error("expected exit before the bound")
	}

	// Unknown or finished sessions return immediately.
	if !r.WaitExit(context.Background(), "s-1", time.Second) {
		t.Error("finished session should report exited")
	}
}

func TestMarkExitedMovesToFinished(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Reset()

	s := newSession("s-1")
	r.Add(s)
	r.AppendOutput(s, "stdout", "done\n")
	r.MarkExited(s, intPtr(2), "", ProcessStatusCompleted)

	if r.RunningCount() != 0 {
		t.Error("expected session removed from running set")
	}
	fin, ok := r.GetFinished("s-1", "")
	if !ok {
		t.Fatal("expected finished record")
	}
	if fin.Status != ProcessStatusCompleted {
		t.Errorf("expected completed, got %s", fin.Status)
	}
	if fin.ExitCode == nil || *fin.ExitCode != 2 {
		t.Errorf("expected exit code 2, got %v", fin.ExitCode)
	}
	if fin.Aggregated != "done\n" {
		t.Errorf("expected transcript retained, got %q", fin.Aggregated)
	}
}

func TestDeleteRemovesBothSets(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Reset()

	s := newSession("s-1")
	r.Add(s)
	r.MarkExited(s, intPtr(0), "", ProcessStatusCompleted)
	r.Delete("s-1")

	if _, ok := r.GetFinished("s-1", ""); ok {
		t.Error("expected finished record deleted")
	}
}

func TestClampTTL(t *testing.T) {
	if got := ClampTTL(time.Second); got != MinJobTTL {
		t.Errorf("expected clamp to min, got %v", got)
	}
	if got := ClampTTL(24 * time.Hour); got != MaxJobTTL {
		t.Errorf("expected clamp to max, got %v", got)
	}
	if got := ClampTTL(time.Hour); got != time.Hour {
		t.Errorf("expected passthrough, got %v", got)
	}
}

func intPtr(v int) *int { return &v }
