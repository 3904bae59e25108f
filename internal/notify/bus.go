// Package notify carries system notification events from the exec pipeline to
// whatever channel delivers them to a human.
package notify

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event is one human-readable system notification. SessionKey and ContextKey
// let the consumer correlate and dedup events for a single exec call.
type Event struct {
	Text       string
	SessionKey string
	ContextKey string
	Time       time.Time
}

// Bus is an in-process pub/sub fanout for notification events. Slow
// subscribers drop events instead of blocking the exec pipeline.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger.With("component", "notify_bus"),
	}
}

// Subscribe registers a subscriber and returns its channel plus an
// unsubscribe function.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Warn("dropping notification for slow subscriber", "text", event.Text)
		}
	}
}

// ExecDenied formats the denial notification for a command that did not run.
func ExecDenied(gatewayID, reason, command string) string {
	return fmt.Sprintf("Exec denied (gateway id=%s, %s): %s", gatewayID, reason, command)
}

// ExecRunning formats the still-running notification emitted once a command
// has been going for more than n seconds.
func ExecRunning(gatewayID, sessionID string, afterSec int, command string) string {
	return fmt.Sprintf("Exec running (gateway id=%s, session=%s, >%ds): %s", gatewayID, sessionID, afterSec, command)
}

// ExecFinished formats the completion notification. A nil exit code renders
// as "timeout".
func ExecFinished(gatewayID, sessionID string, exitCode *int, tail string) string {
	outcome := "timeout"
	if exitCode != nil {
		outcome = fmt.Sprintf("code %d", *exitCode)
	}
	text := fmt.Sprintf("Exec finished (gateway id=%s, session=%s, %s)", gatewayID, sessionID, outcome)
	if tail != "" {
		text += "\n" + tail
	}
	return text
}
