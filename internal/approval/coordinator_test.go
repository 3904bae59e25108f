package approval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openclaw/execd/internal/execpolicy"
)

func testPolicy(fallback execpolicy.SecurityLevel) execpolicy.Policy {
	return execpolicy.Policy{
		Security:    execpolicy.SecurityAllowlist,
		Ask:         execpolicy.AskUnknown,
		AskFallback: fallback,
	}
}

func TestCreateAndResolve(t *testing.T) {
	c := NewCoordinator(time.Minute, nil)

	req := c.Create("gw-1", "git push", "/repo", "chan:alice", testPolicy(execpolicy.SecurityDeny), []string{"/usr/bin/git"})
	if req.ID == "" || req.Slug == "" {
		t.Fatalf("expected populated request, got %+v", req)
	}
	if req.ExpiresAtMs() <= time.Now().UnixMilli() {
		t.Error("expected future expiry")
	}
	if len(c.Pending()) != 1 {
		t.Errorf("expected 1 pending request, got %d", len(c.Pending()))
	}

	if err := c.Resolve(req.ID, DecisionAllowOnce); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := c.Await(context.Background(), req.ID); got != DecisionAllowOnce {
		t.Errorf("expected allow-once, got %s", got)
	}
}

func TestResolveExactlyOnce(t *testing.T) {
	c := NewCoordinator(time.Minute, nil)
	req := c.Create("gw-1", "ls", "", "", testPolicy(execpolicy.SecurityDeny), nil)

	if err := c.Resolve(req.ID, DecisionDeny); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if err := c.Resolve(req.ID, DecisionAllowOnce); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("second resolve should fail, got %v", err)
	}
}

func TestResolveInvalidDecision(t *testing.T) {
	c := NewCoordinator(time.Minute, nil)
	req := c.Create("gw-1", "ls", "", "", testPolicy(execpolicy.SecurityDeny), nil)

	if err := c.Resolve(req.ID, Decision("maybe")); err == nil {
		t.Error("expected invalid decision error")
	}
	if err := c.Resolve("no-such-id", DecisionDeny); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("expected ErrUnknownRequest, got %v", err)
	}
}

func TestAwaitTimesOut(t *testing.T) {
	c := NewCoordinator(30*time.Millisecond, nil)
	req := c.Create("gw-1", "ls", "", "", testPolicy(execpolicy.SecurityDeny), nil)

	if got := c.Await(context.Background(), req.ID); got != DecisionTimeout {
		t.Errorf("expected timeout, got %s", got)
	}

	// Late decisions bounce.
	if err := c.Resolve(req.ID, DecisionAllowOnce); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("expected ErrUnknownRequest after timeout, got %v", err)
	}
}

func TestResolveOutcomeDecisions(t *testing.T) {
	p := testPolicy(execpolicy.SecurityDeny)

	out := ResolveOutcome(DecisionDeny, p, true)
	if out.Approved || out.Reason != ReasonUserDenied {
		t.Errorf("deny outcome: %+v", out)
	}

	out = ResolveOutcome(DecisionAllowOnce, p, false)
	if !out.Approved || out.PersistAllowlist {
		t.Errorf("allow-once outcome: %+v", out)
	}

	out = ResolveOutcome(DecisionAllowAlways, p, false)
	if !out.Approved || !out.PersistAllowlist {
		t.Errorf("allow-always outcome: %+v", out)
	}
}

func TestResolveOutcomeTimeoutFallbacks(t *testing.T) {
	// askFallback=full treats timeout as approval.
	out := ResolveOutcome(DecisionTimeout, testPolicy(execpolicy.SecurityFull), false)
	if !out.Approved {
		t.Errorf("full fallback should approve: %+v", out)
	}

	// askFallback=allowlist approves only a passing allowlist check.
	out = ResolveOutcome(DecisionTimeout, testPolicy(execpolicy.SecurityAllowlist), true)
	if !out.Approved {
		t.Errorf("allowlist fallback with pass should approve: %+v", out)
	}
	out = ResolveOutcome(DecisionTimeout, testPolicy(execpolicy.SecurityAllowlist), false)
	if out.Approved || out.Reason != ReasonApprovalTimeoutAllowlistMiss {
		t.Errorf("allowlist fallback with miss: %+v", out)
	}

	// askFallback=deny denies outright.
	out = ResolveOutcome(DecisionTimeout, testPolicy(execpolicy.SecurityDeny), true)
	if out.Approved || out.Reason != ReasonApprovalTimeout {
		t.Errorf("deny fallback: %+v", out)
	}
}

func TestSlug(t *testing.T) {
	slug := Slug("Git Push origin MAIN", "abcdef1234567890")
	if !strings.HasPrefix(slug, "git-push") {
		t.Errorf("unexpected slug %q", slug)
	}
	if !strings.HasSuffix(slug, "abcdef12") {
		t.Errorf("expected id suffix in slug %q", slug)
	}
	if Slug("!!!", "abcdef1234567890") != "exec-abcdef12" {
		t.Errorf("fallback slug wrong: %q", Slug("!!!", "abcdef1234567890"))
	}
}

func TestTaskGroupShutdownAwaitsTasks(t *testing.T) {
	g := NewTaskGroup(nil)

	started := make(chan struct{})
	finished := make(chan struct{})
	ok := g.Go(context.Background(), "t-1", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(finished)
	})
	if !ok {
		t.Fatal("expected task accepted")
	}
	<-started

	if g.Len() != 1 {
		t.Errorf("expected 1 tracked task, got %d", g.Len())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-finished:
	default:
		t.Error("task did not observe cancellation")
	}

	// Closed group rejects new tasks.
	if g.Go(context.Background(), "t-2", func(context.Context) {}) {
		t.Error("expected rejection after shutdown")
	}
}

func TestTaskGroupCancelOne(t *testing.T) {
	g := NewTaskGroup(nil)

	done := make(chan struct{})
	g.Go(context.Background(), "t-1", func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})
	g.Cancel("t-1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancel did not reach task")
	}
}
