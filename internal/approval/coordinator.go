// Package approval coordinates asynchronous human approval of exec requests:
// issuing requests, awaiting decisions with timeout/fallback semantics, and
// tracking the detached tasks that run approved commands.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/execd/internal/execpolicy"
)

// Decision is a terminal resolution of an approval request.
type Decision string

const (
	DecisionDeny        Decision = "deny"
	DecisionAllowOnce   Decision = "allow-once"
	DecisionAllowAlways Decision = "allow-always"
	// DecisionTimeout is the implicit decision when nothing arrived by the
	// request's expiry.
	DecisionTimeout Decision = "timeout"
)

// Denial reason codes surfaced to the notification bus.
const (
	ReasonUserDenied                   = "user-denied"
	ReasonApprovalTimeout              = "approval-timeout"
	ReasonApprovalTimeoutAllowlistMiss = "approval-timeout (allowlist-miss)"
	ReasonAllowlistMiss                = "allowlist-miss"
)

// ErrUnknownRequest means the request id is not pending (unknown, expired, or
// already decided).
var ErrUnknownRequest = errors.New("unknown or already resolved approval request")

// Request is one outstanding approval. Exactly one decision resolves it.
type Request struct {
	ID            string                   `json:"id"`
	Slug          string                   `json:"slug"`
	Command       string                   `json:"command"`
	CWD           string                   `json:"cwd,omitempty"`
	Host          string                   `json:"host"`
	Security      execpolicy.SecurityLevel `json:"security"`
	Ask           execpolicy.AskLevel      `json:"ask"`
	ResolvedPaths []string                 `json:"resolvedPaths,omitempty"`
	SessionKey    string                   `json:"sessionKey,omitempty"`
	CreatedAt     time.Time                `json:"createdAt"`
	ExpiresAt     time.Time                `json:"expiresAt"`
}

// ExpiresAtMs is the request expiry in epoch milliseconds.
func (r *Request) ExpiresAtMs() int64 { return r.ExpiresAt.UnixMilli() }

type pending struct {
	req      *Request
	decision chan Decision
	resolved bool
}

// Coordinator issues approval requests and resolves them exactly once.
type Coordinator struct {
	mu       sync.Mutex
	requests map[string]*pending
	ttl      time.Duration
	logger   *slog.Logger
}

// DefaultTTL is how long an approval request stays decidable.
const DefaultTTL = 2 * time.Minute

// NewCoordinator creates a coordinator with the given request TTL.
func NewCoordinator(ttl time.Duration, logger *slog.Logger) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		requests: make(map[string]*pending),
		ttl:      ttl,
		logger:   logger.With("component", "approval"),
	}
}

// Create registers a new pending request and returns it.
func (c *Coordinator) Create(host, command, cwd, sessionKey string, policy execpolicy.Policy, resolvedPaths []string) *Request {
	now := time.Now()
	req := &Request{
		ID:            uuid.NewString(),
		Command:       command,
		CWD:           cwd,
		Host:          host,
		Security:      policy.Security,
		Ask:           policy.Ask,
		ResolvedPaths: resolvedPaths,
		SessionKey:    sessionKey,
		CreatedAt:     now,
		ExpiresAt:     now.Add(c.ttl),
	}
	req.Slug = Slug(command, req.ID)

	c.mu.Lock()
	c.requests[req.ID] = &pending{req: req, decision: make(chan Decision, 1)}
	c.mu.Unlock()

	c.logger.Info("approval requested",
		"id", req.ID,
		"slug", req.Slug,
		"host", host,
		"expires_at", req.ExpiresAt)
	return req
}

// Resolve applies a human decision to a pending request. A second decision,
// or a decision after expiry, fails with ErrUnknownRequest.
func (c *Coordinator) Resolve(id string, decision Decision) error {
	switch decision {
	case DecisionDeny, DecisionAllowOnce, DecisionAllowAlways:
	default:
		return fmt.Errorf("invalid decision %q", decision)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.requests[id]
	if !ok || p.resolved {
		return ErrUnknownRequest
	}
	p.resolved = true
	p.decision <- decision

	c.logger.Info("approval resolved", "id", id, "decision", decision)
	return nil
}

// Await blocks until the request is decided, expires, or ctx is done.
// Expiry and ctx cancellation both resolve as DecisionTimeout.
func (c *Coordinator) Await(ctx context.Context, id string) Decision {
	c.mu.Lock()
	p, ok := c.requests[id]
	c.mu.Unlock()
	if !ok {
		return DecisionTimeout
	}

	timer := time.NewTimer(time.Until(p.req.ExpiresAt))
	defer timer.Stop()

	var decision Decision
	select {
	case decision = <-p.decision:
	case <-timer.C:
		decision = DecisionTimeout
	case <-ctx.Done():
		decision = DecisionTimeout
	}

	c.mu.Lock()
	p.resolved = true
	delete(c.requests, id)
	c.mu.Unlock()

	return decision
}

// Pending returns a snapshot of undecided requests.
func (c *Coordinator) Pending() []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Request, 0, len(c.requests))
	for _, p := range c.requests {
		if !p.resolved {
			out = append(out, p.req)
		}
	}
	return out
}

// Outcome is the resolution of the full approval flow for one call.
type Outcome struct {
	Approved bool
	Reason   string // denial reason code when not approved
	// PersistAllowlist asks the caller to append the request's resolved
	// paths to the allowlist before spawning.
	PersistAllowlist bool
}

// ResolveOutcome turns a decision into an approval outcome under the
// effective policy. allowlistSatisfied is the result of the earlier
// evaluation; an allowlist miss can only be crossed by a path that
// independently approved.
func ResolveOutcome(decision Decision, policy execpolicy.Policy, allowlistSatisfied bool) Outcome {
	switch decision {
	case DecisionDeny:
		return Outcome{Reason: ReasonUserDenied}
	case DecisionAllowOnce:
		return Outcome{Approved: true}
	case DecisionAllowAlways:
		return Outcome{Approved: true, PersistAllowlist: true}
	case DecisionTimeout:
		switch policy.AskFallback {
		case execpolicy.SecurityFull:
			return Outcome{Approved: true}
		case execpolicy.SecurityAllowlist:
			if allowlistSatisfied {
				return Outcome{Approved: true}
			}
			return Outcome{Reason: ReasonApprovalTimeoutAllowlistMiss}
		default:
			return Outcome{Reason: ReasonApprovalTimeout}
		}
	}
	return Outcome{Reason: ReasonApprovalTimeout}
}

// Slug renders a short human-readable handle for an approval request.
func Slug(command, id string) string {
	fields := strings.Fields(command)
	var b strings.Builder
	for _, f := range fields {
		for _, r := range f {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			} else if r >= 'A' && r <= 'Z' {
				b.WriteRune(r + ('a' - 'A'))
			}
		}
		if b.Len() >= 24 {
			break
		}
		b.WriteByte('-')
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "exec"
	}
	if len(id) >= 8 {
		slug += "-" + id[:8]
	}
	return slug
}
