// Package supervisor owns cancellation for exec runs it tracks, with a raw
// process-tree kill fallback for runs it does not.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RunState is the lifecycle state of a supervised run.
type RunState string

const (
	RunStateRunning    RunState = "running"
	RunStateCancelling RunState = "cancelling"
	RunStateExited     RunState = "exited"
)

// ErrNothingToKill is returned when neither a supervisor record nor a PID is
// available to act on.
var ErrNothingToKill = errors.New("no active supervisor run or process id")

// ExitEvent reports that a supervised run exited.
type ExitEvent struct {
	RunID  string
	Reason string
	Time   time.Time
}

type record struct {
	runID  string
	state  RunState
	pid    int
	cancel func(reason string)
}

// Supervisor tracks run lineage. A record exists only while the run is
// tracked; its absence is a valid state handled by the PID fallback.
type Supervisor struct {
	mu      sync.Mutex
	records map[string]*record
	events  chan ExitEvent
	logger  *slog.Logger
}

// New creates a supervisor.
func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		records: make(map[string]*record),
		events:  make(chan ExitEvent, 64),
		logger:  logger.With("component", "supervisor"),
	}
}

// Events is the supervisor's exit event stream.
func (s *Supervisor) Events() <-chan ExitEvent { return s.events }

// Register tracks a run. cancel is invoked (once) when the run is cancelled;
// it must make the underlying process terminate.
func (s *Supervisor) Register(runID string, pid int, cancel func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[runID] = &record{runID: runID, state: RunStateRunning, pid: pid, cancel: cancel}
	s.logger.Debug("run registered", "run_id", runID, "pid", pid)
}

// State returns the state of a tracked run.
func (s *Supervisor) State(runID string) (RunState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[runID]
	if !ok {
		return "", false
	}
	return rec.state, true
}

// Cancel requests cancellation of a tracked run. The run stays tracked (state
// cancelling) until MarkExited confirms the exit.
func (s *Supervisor) Cancel(runID, reason string) error {
	s.mu.Lock()
	rec, ok := s.records[runID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("run %s: %w", runID, ErrNothingToKill)
	}
	alreadyCancelling := rec.state != RunStateRunning
	rec.state = RunStateCancelling
	cancel := rec.cancel
	s.mu.Unlock()

	if alreadyCancelling || cancel == nil {
		return nil
	}
	s.logger.Info("cancelling run", "run_id", runID, "reason", reason)
	cancel(reason)
	return nil
}

// MarkExited drops the record and emits an exit event.
func (s *Supervisor) MarkExited(runID, reason string) {
	s.mu.Lock()
	rec, ok := s.records[runID]
	if ok {
		rec.state = RunStateExited
		delete(s.records, runID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	ev := ExitEvent{RunID: runID, Reason: reason, Time: time.Now()}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("exit event dropped", "run_id", runID)
	}
}

// Terminate is the single termination path for both manual kills and
// timeouts. It prefers the tracked cancel path; with no record but a known
// PID it kills the whole process tree. delegated reports whether a tracked
// run took over (the caller must then wait for the exit event).
func (s *Supervisor) Terminate(runID string, pid int, reason string) (delegated bool, err error) {
	if runID != "" {
		if err := s.Cancel(runID, reason); err == nil {
			return true, nil
		}
	}
	if pid > 0 {
		if err := KillTree(pid); err != nil {
			return false, fmt.Errorf("kill process tree pid=%d: %w", pid, err)
		}
		s.logger.Info("killed process tree", "pid", pid, "reason", reason)
		return false, nil
	}
	return false, ErrNothingToKill
}

// TrackedPIDs returns the PIDs of all tracked runs.
func (s *Supervisor) TrackedPIDs() map[int]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	pids := make(map[int]struct{}, len(s.records))
	for _, rec := range s.records {
		if rec.pid > 0 {
			pids[rec.pid] = struct{}{}
		}
	}
	return pids
}

// ReconcileOrphans kills processes from a previous incarnation: every pid in
// knownPIDs that no live session tracks anymore. Returns the pids killed.
func (s *Supervisor) ReconcileOrphans(knownPIDs []int, isLive func(pid int) bool) []int {
	tracked := s.TrackedPIDs()

	var killed []int
	for _, pid := range knownPIDs {
		if pid <= 0 {
			continue
		}
		if _, ok := tracked[pid]; ok {
			continue
		}
		if isLive != nil && isLive(pid) {
			continue
		}
		if err := KillTree(pid); err != nil {
			s.logger.Warn("orphan kill failed", "pid", pid, "error", err)
			continue
		}
		s.logger.Info("killed orphaned process", "pid", pid)
		killed = append(killed, pid)
	}
	return killed
}
