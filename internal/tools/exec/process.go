package exec

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/openclaw/execd/internal/runner"
	"github.com/openclaw/execd/internal/shell"
)

// ErrSessionNotFound covers unknown ids and cross-scope lookups alike, so a
// caller cannot distinguish "not yours" from "never existed".
var ErrSessionNotFound = fmt.Errorf("exec session not found")

// killExitGrace bounds how long Remove waits for a killed process to be
// reaped before dropping its record.
const killExitGrace = 2 * time.Second

// PollResult is one poll of a session.
type PollResult struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Output    string `json:"output,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	// RetryInMs hints when to poll again; omitted once the session finished.
	RetryInMs int `json:"retryInMs,omitempty"`
}

// Poll drains new output from a session, long-polling up to wait for an exit.
func (g *Gateway) Poll(ctx context.Context, sessionID, scopeKey string, wait time.Duration) (*PollResult, error) {
	if session, ok := g.registry.Get(sessionID, scopeKey); ok {
		if wait > 0 {
			g.registry.WaitExit(ctx, sessionID, wait)
		}
		// The wait may have raced with the exit handler.
		if fin, ok := g.registry.GetFinished(sessionID, scopeKey); ok {
			return finishedPoll(fin), nil
		}
		stdout, stderr := g.registry.Drain(session)
		return &PollResult{
			SessionID: sessionID,
			Status:    StatusRunning,
			Output:    stdout + stderr,
			RetryInMs: g.registry.PollHint(session),
		}, nil
	}

	if fin, ok := g.registry.GetFinished(sessionID, scopeKey); ok {
		return finishedPoll(fin), nil
	}
	return nil, ErrSessionNotFound
}

func finishedPoll(fin *shell.FinishedSession) *PollResult {
	return &PollResult{
		SessionID: fin.ID,
		Status:    string(fin.Status),
		Output:    runner.RenderResult(fin.Aggregated, fin.ExitCode),
		ExitCode:  fin.ExitCode,
		Truncated: fin.Truncated,
	}
}

// Log returns a window into a session transcript, running or finished.
func (g *Gateway) Log(sessionID, scopeKey string, offset, limit *int) (shell.LogView, string, error) {
	if session, ok := g.registry.Get(sessionID, scopeKey); ok {
		aggregated, _ := g.registry.Snapshot(session)
		return shell.SliceLog(aggregated, offset, limit), StatusRunning, nil
	}
	if fin, ok := g.registry.GetFinished(sessionID, scopeKey); ok {
		return shell.SliceLog(fin.Aggregated, offset, limit), string(fin.Status), nil
	}
	return shell.LogView{}, "", ErrSessionNotFound
}

// SessionSummary is one row of a session listing.
type SessionSummary struct {
	SessionID string `json:"sessionId"`
	Command   string `json:"command"`
	Status    string `json:"status"`
	PID       int    `json:"pid,omitempty"`
	StartedAt int64  `json:"startedAtMs"`
	EndedAt   int64  `json:"endedAtMs,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Tail      string `json:"tail,omitempty"`
}

// List returns running then finished sessions visible in the scope, newest
// first within each group.
func (g *Gateway) List(scopeKey string) []SessionSummary {
	running := g.registry.ListRunning(scopeKey)
	sort.Slice(running, func(i, j int) bool { return running[i].StartedAt.After(running[j].StartedAt) })

	finished := g.registry.ListFinished(scopeKey)
	sort.Slice(finished, func(i, j int) bool { return finished[i].EndedAt.After(finished[j].EndedAt) })

	out := make([]SessionSummary, 0, len(running)+len(finished))
	for _, s := range running {
		out = append(out, SessionSummary{
			SessionID: s.ID,
			Command:   s.Command,
			Status:    StatusRunning,
			PID:       s.PID,
			StartedAt: s.StartedAt.UnixMilli(),
		})
	}
	for _, s := range finished {
		out = append(out, SessionSummary{
			SessionID: s.ID,
			Command:   s.Command,
			Status:    string(s.Status),
			StartedAt: s.StartedAt.UnixMilli(),
			EndedAt:   s.EndedAt.UnixMilli(),
			ExitCode:  s.ExitCode,
			Tail:      s.Tail,
		})
	}
	return out
}

// Kill terminates a running session through the supervisor. With neither a
// supervisor record nor a PID the session is left untouched and the error
// surfaces. The session record stays until the process actually exits.
func (g *Gateway) Kill(sessionID, scopeKey string) error {
	session, ok := g.registry.Get(sessionID, scopeKey)
	if !ok {
		if _, finished := g.registry.GetFinished(sessionID, scopeKey); finished {
			return fmt.Errorf("session %s already finished", sessionID)
		}
		return ErrSessionNotFound
	}

	_, err := g.super.Terminate(session.RunID, session.PID, "user-kill")
	return err
}

// Remove deletes a session record. Running sessions are killed first; the
// process must be gone before the record is dropped.
func (g *Gateway) Remove(ctx context.Context, sessionID, scopeKey string) error {
	if fin, ok := g.registry.GetFinished(sessionID, scopeKey); ok {
		g.registry.Delete(fin.ID)
		return nil
	}

	session, ok := g.registry.Get(sessionID, scopeKey)
	if !ok {
		return ErrSessionNotFound
	}
	if _, err := g.super.Terminate(session.RunID, session.PID, "user-remove"); err != nil {
		return err
	}
	g.registry.WaitExit(ctx, sessionID, killExitGrace)
	g.registry.Delete(sessionID)
	return nil
}
