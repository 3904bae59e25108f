package shell

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultLogTailLines is the trailing window returned by log calls that give
// neither an offset nor a limit.
const DefaultLogTailLines = 200

// retryHintMs is the adaptive backoff ladder for no-progress polls. The last
// value repeats.
var retryHintMs = []int{5000, 10000, 30000, 60000}

// PollHint returns the retryInMs hint for a poll of the session, or 0 when
// the session has finished (finished polls omit the hint). New output since
// the previous poll resets the ladder.
func (r *Registry) PollHint(session *ProcessSession) int {
	if session == nil {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if session.Exited {
		return 0
	}

	if !session.polledOnce || session.TotalOutputChars > session.pollSeenChars {
		session.pollHintStep = 0
	} else if session.pollHintStep < len(retryHintMs)-1 {
		session.pollHintStep++
	}
	session.polledOnce = true
	session.pollSeenChars = session.TotalOutputChars

	return retryHintMs[session.pollHintStep]
}

// WaitExit blocks until the session exits, the wait duration elapses, or ctx
// is done. It reports whether the session exited. The wait is channel-based;
// no goroutine sleeps holding registry state.
func (r *Registry) WaitExit(ctx context.Context, id string, wait time.Duration) bool {
	r.mu.Lock()
	session, running := r.runningSessions[id]
	if !running || session.Exited {
		r.mu.Unlock()
		return true
	}
	ch := make(chan struct{})
	r.exitWaiters[id] = append(r.exitWaiters[id], ch)
	r.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// LogView is a window into a session transcript.
type LogView struct {
	Lines      []string
	TotalLines int
	Offset     int // 0-based index of the first returned line
	Notice     string
}

// SliceLog returns a window of the transcript. With neither offset nor limit
// it returns the trailing DefaultLogTailLines lines and a "showing last N of
// M lines" notice; an explicit offset returns the requested window unbounded
// by that default.
func SliceLog(aggregated string, offset, limit *int) LogView {
	lines := splitLines(aggregated)
	total := len(lines)

	if offset == nil {
		window := DefaultLogTailLines
		if limit != nil && *limit > 0 {
			window = *limit
		}
		start := 0
		if total > window {
			start = total - window
		}
		view := LogView{Lines: lines[start:], TotalLines: total, Offset: start}
		if start > 0 {
			view.Notice = fmt.Sprintf("showing last %d of %d lines", total-start, total)
		}
		return view
	}

	start := *offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if limit != nil && *limit > 0 && start+*limit < total {
		end = start + *limit
	}
	return LogView{Lines: lines[start:end], TotalLines: total, Offset: start}
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	// A trailing newline produces one empty trailing element, not a line.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
