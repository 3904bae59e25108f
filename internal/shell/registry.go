// Package shell tracks exec sessions: their bounded output transcripts,
// lifecycle state, and polling hints.
package shell

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// TTL configuration for finished sessions.
const (
	DefaultJobTTL = 30 * time.Minute
	MinJobTTL     = 1 * time.Minute
	MaxJobTTL     = 3 * time.Hour

	DefaultMaxOutputChars     = 200_000
	DefaultPendingOutputChars = 30_000
	DefaultTailChars          = 2000
)

// TruncationNotice heads the transcript once output no longer fits the
// aggregated cap. It travels with Aggregated so every surface that renders
// the transcript shows it.
const TruncationNotice = "[output truncated]"

const truncationPrefix = TruncationNotice + "\n"

// ProcessStatus represents the state of an exec session.
type ProcessStatus string

const (
	ProcessStatusRunning   ProcessStatus = "running"
	ProcessStatusCompleted ProcessStatus = "completed"
	ProcessStatusFailed    ProcessStatus = "failed"
	ProcessStatusKilled    ProcessStatus = "killed"
)

// ProcessSession is one tracked exec process. All fields are guarded by the
// owning registry's mutex: stdout/stderr callbacks, timeout handlers, and
// kill handlers are producers into this struct, never independent mutators.
type ProcessSession struct {
	ID         string
	Command    string
	ScopeKey   string
	SessionKey string
	RunID      string
	PID        int
	StartedAt  time.Time
	CWD        string

	// Output configuration
	MaxOutputChars        int
	PendingMaxOutputChars int

	// Unflushed output buffers
	PendingStdout      []string
	PendingStderr      []string
	PendingStdoutChars int
	PendingStderrChars int
	TotalOutputChars   int

	// Bounded full transcript plus trailing window
	Aggregated string
	Tail       string

	// Exit info
	ExitCode   *int
	ExitSignal string
	Exited     bool
	Truncated  bool

	Backgrounded bool
	NotifyOnExit bool

	// Poll-hint state: total chars seen at the previous poll and the index
	// into the retry backoff ladder.
	pollSeenChars int
	pollHintStep  int
	polledOnce    bool
}

// FinishedSession is the retained record of an exited session.
type FinishedSession struct {
	ID               string
	Command          string
	ScopeKey         string
	StartedAt        time.Time
	EndedAt          time.Time
	CWD              string
	Status           ProcessStatus
	ExitCode         *int
	ExitSignal       string
	Aggregated       string
	Tail             string
	Truncated        bool
	TotalOutputChars int
}

// Registry is the in-memory directory of exec sessions. Construct one per
// gateway process; Reset exists for test isolation.
type Registry struct {
	runningSessions  map[string]*ProcessSession
	finishedSessions map[string]*FinishedSession
	exitWaiters      map[string][]chan struct{}
	logger           *slog.Logger
	jobTTL           time.Duration
	mu               sync.RWMutex

	sweeperStop chan struct{}
	sweeperDone chan struct{}
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		runningSessions:  make(map[string]*ProcessSession),
		finishedSessions: make(map[string]*FinishedSession),
		exitWaiters:      make(map[string][]chan struct{}),
		logger:           logger.With("component", "process_registry"),
		jobTTL:           DefaultJobTTL,
	}
}

// ClampTTL bounds a finished-session TTL.
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl < MinJobTTL {
		return MinJobTTL
	}
	if ttl > MaxJobTTL {
		return MaxJobTTL
	}
	return ttl
}

// SetJobTTL updates the retention of finished sessions.
func (r *Registry) SetJobTTL(ttl time.Duration) {
	r.mu.Lock()
	r.jobTTL = ClampTTL(ttl)
	r.mu.Unlock()

	r.StopSweeper()
	r.StartSweeper()
}

// Add registers a new running session. Output caps default when unset.
func (r *Registry) Add(session *ProcessSession) {
	if session == nil {
		return
	}
	if session.MaxOutputChars <= 0 {
		session.MaxOutputChars = DefaultMaxOutputChars
	}
	if session.PendingMaxOutputChars <= 0 {
		session.PendingMaxOutputChars = DefaultPendingOutputChars
	}

	r.mu.Lock()
	r.runningSessions[session.ID] = session
	r.mu.Unlock()

	r.StartSweeper()

	r.logger.Debug("session added",
		"id", session.ID,
		"command", session.Command,
		"pid", session.PID,
		"scope", session.ScopeKey)
}

// Get returns a running session visible within the given scope. Cross-scope
// lookups fail as unknown.
func (r *Registry) Get(id, scopeKey string) (*ProcessSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.runningSessions[id]
	if !exists || session.ScopeKey != scopeKey {
		return nil, false
	}
	return session, true
}

// GetFinished returns a finished session visible within the given scope.
func (r *Registry) GetFinished(id, scopeKey string) (*FinishedSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.finishedSessions[id]
	if !exists || session.ScopeKey != scopeKey {
		return nil, false
	}
	return session, true
}

// Delete removes a session record from both maps. It does not touch the OS
// process; callers must route running sessions through the supervisor first.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.runningSessions, id)
	delete(r.finishedSessions, id)

	r.logger.Debug("session deleted", "id", id)
}

// AppendOutput adds a chunk to the session's pending buffer and folds it into
// the bounded aggregated transcript. Chunks are appended in arrival order.
func (r *Registry) AppendOutput(session *ProcessSession, stream string, chunk string) {
	if session == nil || chunk == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pendingCap := session.PendingMaxOutputChars
	if pendingCap <= 0 {
		pendingCap = DefaultPendingOutputChars
	}
	if session.MaxOutputChars > 0 && pendingCap > session.MaxOutputChars {
		pendingCap = session.MaxOutputChars
	}

	var buffer *[]string
	var pendingChars *int
	if stream == "stderr" {
		buffer = &session.PendingStderr
		pendingChars = &session.PendingStderrChars
	} else {
		buffer = &session.PendingStdout
		pendingChars = &session.PendingStdoutChars
	}

	*buffer = append(*buffer, chunk)
	*pendingChars += len(chunk)
	if *pendingChars > pendingCap {
		session.Truncated = true
		*pendingChars = capPendingBuffer(buffer, *pendingChars, pendingCap)
	}

	session.TotalOutputChars += len(chunk)

	maxOutput := session.MaxOutputChars
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputChars
	}
	bare := strings.TrimPrefix(session.Aggregated, truncationPrefix) + chunk
	if session.TotalOutputChars > maxOutput {
		// The transcript can no longer be complete; the notice stays at its
		// head from here on, inside the cap.
		session.Truncated = true
		budget := maxOutput - len(truncationPrefix)
		if budget < 0 {
			budget = 0
		}
		session.Aggregated = truncationPrefix + TrimWithCap(bare, budget)
	} else {
		session.Aggregated = bare
	}
	session.Tail = Tail(session.Aggregated, DefaultTailChars)
}

// Drain returns and clears the pending output buffers.
func (r *Registry) Drain(session *ProcessSession) (stdout, stderr string) {
	if session == nil {
		return "", ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, chunk := range session.PendingStdout {
		stdout += chunk
	}
	for _, chunk := range session.PendingStderr {
		stderr += chunk
	}
	session.PendingStdout = nil
	session.PendingStderr = nil
	session.PendingStdoutChars = 0
	session.PendingStderrChars = 0
	return stdout, stderr
}

// MarkExited records exit info, wakes long-poll waiters, and moves the
// session to the finished set.
func (r *Registry) MarkExited(session *ProcessSession, exitCode *int, exitSignal string, status ProcessStatus) {
	if session == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	session.Exited = true
	session.ExitCode = exitCode
	session.ExitSignal = exitSignal
	session.Tail = Tail(session.Aggregated, DefaultTailChars)

	for _, ch := range r.exitWaiters[session.ID] {
		close(ch)
	}
	delete(r.exitWaiters, session.ID)

	delete(r.runningSessions, session.ID)
	r.finishedSessions[session.ID] = &FinishedSession{
		ID:               session.ID,
		Command:          session.Command,
		ScopeKey:         session.ScopeKey,
		StartedAt:        session.StartedAt,
		EndedAt:          time.Now(),
		CWD:              session.CWD,
		Status:           status,
		ExitCode:         session.ExitCode,
		ExitSignal:       session.ExitSignal,
		Aggregated:       session.Aggregated,
		Tail:             session.Tail,
		Truncated:        session.Truncated,
		TotalOutputChars: session.TotalOutputChars,
	}

	r.logger.Debug("session finished",
		"id", session.ID,
		"status", status,
		"exit_code", session.ExitCode)
}

// Snapshot returns the bounded transcript of a running session under the
// registry lock.
func (r *Registry) Snapshot(session *ProcessSession) (aggregated string, truncated bool) {
	if session == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return session.Aggregated, session.Truncated
}

// MarkBackgrounded flags a session as continuing past its caller's return.
func (r *Registry) MarkBackgrounded(session *ProcessSession) {
	if session == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	session.Backgrounded = true
}

// ListRunning returns running sessions visible within the scope.
func (r *Registry) ListRunning(scopeKey string) []*ProcessSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*ProcessSession, 0)
	for _, s := range r.runningSessions {
		if s.ScopeKey == scopeKey {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

// ListFinished returns finished sessions visible within the scope.
func (r *Registry) ListFinished(scopeKey string) []*FinishedSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*FinishedSession, 0)
	for _, s := range r.finishedSessions {
		if s.ScopeKey == scopeKey {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

// Reset clears all state and stops the sweeper (test isolation hook).
func (r *Registry) Reset() {
	r.StopSweeper()

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, waiters := range r.exitWaiters {
		for _, ch := range waiters {
			close(ch)
		}
		delete(r.exitWaiters, id)
	}
	r.runningSessions = make(map[string]*ProcessSession)
	r.finishedSessions = make(map[string]*FinishedSession)
	r.logger.Debug("registry reset")
}

// RunningCount returns the number of running sessions across all scopes.
func (r *Registry) RunningCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runningSessions)
}

// FinishedCount returns the number of finished sessions across all scopes.
func (r *Registry) FinishedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.finishedSessions)
}

// StartSweeper starts the goroutine that prunes expired finished sessions.
func (r *Registry) StartSweeper() {
	r.mu.Lock()
	if r.sweeperStop != nil {
		r.mu.Unlock()
		return
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	r.sweeperStop = stop
	r.sweeperDone = done
	ttl := r.jobTTL
	r.mu.Unlock()

	interval := ttl / 6
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}

	go r.sweepLoop(interval, stop, done)
}

// StopSweeper stops the sweeper goroutine and waits for it.
func (r *Registry) StopSweeper() {
	r.mu.Lock()
	if r.sweeperStop == nil {
		r.mu.Unlock()
		return
	}
	stop := r.sweeperStop
	done := r.sweeperDone
	r.sweeperStop = nil
	r.sweeperDone = nil
	r.mu.Unlock()

	close(stop)
	<-done
}

func (r *Registry) sweepLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.pruneFinished()
		}
	}
}

func (r *Registry) pruneFinished() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.jobTTL)
	for id, session := range r.finishedSessions {
		if session.EndedAt.Before(cutoff) {
			delete(r.finishedSessions, id)
			r.logger.Debug("pruned finished session", "id", id)
		}
	}
}

// Tail returns the last n characters of text.
func Tail(text string, n int) string {
	if len(text) <= n {
		return text
	}
	return text[len(text)-n:]
}

// TrimWithCap trims text to at most max characters, keeping the end.
func TrimWithCap(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[len(text)-max:]
}

// capPendingBuffer trims the buffer to fit within cap characters and returns
// the new pending char count.
func capPendingBuffer(buffer *[]string, pendingChars, cap int) int {
	if pendingChars <= cap {
		return pendingChars
	}

	if len(*buffer) > 0 {
		last := (*buffer)[len(*buffer)-1]
		if len(last) >= cap {
			*buffer = []string{last[len(last)-cap:]}
			return cap
		}
	}

	for len(*buffer) > 0 && pendingChars-len((*buffer)[0]) >= cap {
		pendingChars -= len((*buffer)[0])
		*buffer = (*buffer)[1:]
	}

	if len(*buffer) > 0 && pendingChars > cap {
		overflow := pendingChars - cap
		(*buffer)[0] = (*buffer)[0][overflow:]
		pendingChars = cap
	}

	return pendingChars
}
