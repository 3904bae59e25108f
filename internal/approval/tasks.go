package approval

import (
	"context"
	"log/slog"
	"sync"
)

// TaskGroup tracks detached exec tasks so shutdown can enumerate, cancel,
// and await them instead of leaving unobserved goroutines behind.
type TaskGroup struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
	logger  *slog.Logger
}

// NewTaskGroup creates an empty task group.
func NewTaskGroup(logger *slog.Logger) *TaskGroup {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskGroup{
		cancels: make(map[string]context.CancelFunc),
		logger:  logger.With("component", "approval_tasks"),
	}
}

// Go runs fn on a tracked goroutine keyed by id. After Shutdown, new tasks
// are rejected.
func (g *TaskGroup) Go(parent context.Context, id string, fn func(ctx context.Context)) bool {
	ctx, cancel := context.WithCancel(parent)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		cancel()
		return false
	}
	g.cancels[id] = cancel
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer func() {
			g.mu.Lock()
			delete(g.cancels, id)
			g.mu.Unlock()
			cancel()
			g.wg.Done()
		}()
		fn(ctx)
	}()
	return true
}

// Cancel cancels one tracked task.
func (g *TaskGroup) Cancel(id string) {
	g.mu.Lock()
	cancel, ok := g.cancels[id]
	g.mu.Unlock()
	if ok {
		cancel()
	}
}

// Len returns the number of in-flight tasks.
func (g *TaskGroup) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cancels)
}

// Shutdown cancels every task and waits for completion or ctx expiry.
func (g *TaskGroup) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	for _, cancel := range g.cancels {
		cancel()
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		g.logger.Warn("shutdown timed out waiting for exec tasks", "remaining", g.Len())
		return ctx.Err()
	}
}
