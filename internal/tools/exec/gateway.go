// Package exec wires the exec pipeline end to end: policy resolution,
// allowlist evaluation, sanitizing, approval, spawning, and session tracking.
package exec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/execd/internal/allowlist"
	"github.com/openclaw/execd/internal/approval"
	"github.com/openclaw/execd/internal/dockerexec"
	"github.com/openclaw/execd/internal/execpolicy"
	"github.com/openclaw/execd/internal/notify"
	"github.com/openclaw/execd/internal/runner"
	"github.com/openclaw/execd/internal/sanitize"
	"github.com/openclaw/execd/internal/shell"
	"github.com/openclaw/execd/internal/supervisor"
)

// Call result statuses surfaced to the agent.
const (
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
	StatusRunning         = "running"
	StatusDenied          = "denied"
	StatusApprovalPending = "approval-pending"
)

// Defaults for unset gateway configuration.
const (
	DefaultYieldDelay         = 10 * time.Second
	DefaultCommandTimeout     = 10 * time.Minute
	DefaultRunningNoticeAfter = 30 * time.Second
)

// Config tunes the gateway.
type Config struct {
	// GatewayID identifies this host in approval requests and notifications.
	GatewayID string

	DefaultPolicy  execpolicy.Policy
	AgentPolicies  map[string]execpolicy.Policy
	ElevatedPolicy *execpolicy.Policy

	// YieldDelay is how long a foreground call waits before backgrounding.
	YieldDelay time.Duration
	// CommandTimeout applies when the call does not set timeoutSec.
	CommandTimeout time.Duration
	// RunningNoticeAfter delays the "Exec running" notification for detached
	// runs; zero disables it.
	RunningNoticeAfter time.Duration

	// MaxOutputChars and PendingOutputChars override the registry's
	// per-session output bounds; zero keeps the registry defaults.
	MaxOutputChars     int
	PendingOutputChars int
}

// Deps are the gateway's collaborators. Nil fields get production defaults.
type Deps struct {
	Store      *allowlist.Store
	Evaluator  *allowlist.Evaluator
	Approvals  *approval.Coordinator
	Tasks      *approval.TaskGroup
	Runner     *runner.Runner
	Registry   *shell.Registry
	Supervisor *supervisor.Supervisor
	Bus        *notify.Bus
	Metrics    *Metrics
	Logger     *slog.Logger
}

// Caller identifies who is making an exec call. ScopeKey isolates session
// visibility; the agent never chooses it.
type Caller struct {
	AgentID    string
	ScopeKey   string
	SessionKey string
	ContextKey string
}

// ExecParams are the agent-supplied parameters of one exec call.
type ExecParams struct {
	Command    string            `json:"command"`
	Cwd        string            `json:"cwd,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	TimeoutSec int               `json:"timeoutSec,omitempty"`
	Background bool              `json:"background,omitempty"`
	Pty        bool              `json:"pty,omitempty"`
	Elevated   bool              `json:"elevated,omitempty"`
	// Container runs the command inside the named container via docker exec.
	Container string `json:"container,omitempty"`
	// Security and Ask tighten the agent policy for this call only.
	Security string `json:"security,omitempty"`
	Ask      string `json:"ask,omitempty"`

	NotifyOnExit             bool `json:"notifyOnExit,omitempty"`
	NotifyOnExitEmptySuccess bool `json:"notifyOnExitEmptySuccess,omitempty"`
}

// ExecResult is the outcome of one exec call as returned to the agent.
type ExecResult struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId,omitempty"`
	PID       int    `json:"pid,omitempty"`
	Output    string `json:"output,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Message   string `json:"message,omitempty"`

	// Approval handle, set only for approval-pending results.
	ApprovalID  string `json:"approvalId,omitempty"`
	Slug        string `json:"slug,omitempty"`
	ExpiresAtMs int64  `json:"expiresAtMs,omitempty"`
}

// Gateway runs the full exec pipeline for one host.
type Gateway struct {
	cfg Config

	store     *allowlist.Store
	evaluator *allowlist.Evaluator
	approvals *approval.Coordinator
	tasks     *approval.TaskGroup
	runner    *runner.Runner
	registry  *shell.Registry
	super     *supervisor.Supervisor
	bus       *notify.Bus
	metrics   *Metrics
	logger    *slog.Logger
}

// NewGateway assembles a gateway, defaulting any nil collaborator.
func NewGateway(cfg Config, deps Deps) *Gateway {
	if cfg.YieldDelay <= 0 {
		cfg.YieldDelay = DefaultYieldDelay
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.RunningNoticeAfter < 0 {
		cfg.RunningNoticeAfter = 0
	} else if cfg.RunningNoticeAfter == 0 {
		cfg.RunningNoticeAfter = DefaultRunningNoticeAfter
	}
	if !cfg.DefaultPolicy.Security.Valid() {
		cfg.DefaultPolicy = execpolicy.DefaultPolicy()
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Evaluator == nil {
		deps.Evaluator = allowlist.NewEvaluator(deps.Store, nil, nil, logger)
	}
	if deps.Approvals == nil {
		deps.Approvals = approval.NewCoordinator(approval.DefaultTTL, logger)
	}
	if deps.Tasks == nil {
		deps.Tasks = approval.NewTaskGroup(logger)
	}
	if deps.Runner == nil {
		deps.Runner = runner.New(nil, logger)
	}
	if deps.Registry == nil {
		deps.Registry = shell.NewRegistry(logger)
	}
	if deps.Supervisor == nil {
		deps.Supervisor = supervisor.New(logger)
	}
	if deps.Bus == nil {
		deps.Bus = notify.NewBus(logger)
	}

	return &Gateway{
		cfg:       cfg,
		store:     deps.Store,
		evaluator: deps.Evaluator,
		approvals: deps.Approvals,
		tasks:     deps.Tasks,
		runner:    deps.Runner,
		registry:  deps.Registry,
		super:     deps.Supervisor,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		logger:    logger.With("component", "exec_gateway"),
	}
}

// Approvals exposes the coordinator so the delivery channel can resolve
// pending requests.
func (g *Gateway) Approvals() *approval.Coordinator { return g.approvals }

// Registry exposes the session registry.
func (g *Gateway) Registry() *shell.Registry { return g.registry }

// Bus exposes the notification bus.
func (g *Gateway) Bus() *notify.Bus { return g.bus }

// Execute runs one exec call through the pipeline. Calls that need human
// approval return an approval-pending result immediately; the decided command
// then runs detached and reports through the notification bus.
func (g *Gateway) Execute(ctx context.Context, caller Caller, p ExecParams) (*ExecResult, error) {
	command := strings.TrimSpace(p.Command)
	if command == "" {
		return nil, errors.New("command is required")
	}

	policy := execpolicy.Resolve(g.policyFor(caller.AgentID, p.Elevated), execpolicy.Overrides{
		Security: execpolicy.SecurityLevel(p.Security),
		Ask:      execpolicy.AskLevel(p.Ask),
	})

	// security=deny short-circuits: no allowlist read, no process, no session.
	if err := execpolicy.CheckSecurity(g.cfg.GatewayID, policy); err != nil {
		g.metrics.Command(StatusDenied)
		g.publishDenied(caller, "security=deny", command)
		return &ExecResult{Status: StatusDenied, Message: err.Error()}, nil
	}

	analysis := g.evaluator.Evaluate(caller.AgentID, command, p.Cwd, p.Env, policy.Security)

	runCommand := command
	var warning string
	if analysis.AllowlistSatisfied && analysis.SafeBinSegments() {
		res, err := sanitize.Command(analysis)
		if err != nil {
			g.metrics.Command(StatusDenied)
			g.publishDenied(caller, "sanitize-failed", command)
			return &ExecResult{Status: StatusDenied, Message: err.Error()}, nil
		}
		runCommand = res.Command
		warning = res.Warning
	}

	needsAsk := policy.RequiresAsk(analysis.AllSegmentsKnown()) || analysis.RequiresHeredocApproval

	if !needsAsk {
		if policy.Security == execpolicy.SecurityAllowlist && !analysis.AllowlistSatisfied {
			g.metrics.Command(StatusDenied)
			g.publishDenied(caller, approval.ReasonAllowlistMiss, command)
			return &ExecResult{
				Status:  StatusDenied,
				Message: fmt.Sprintf("command not allowlisted on host %s", g.cfg.GatewayID),
			}, nil
		}
		return g.launch(ctx, caller, p, analysis, runCommand, warning, false)
	}

	req := g.approvals.Create(g.cfg.GatewayID, command, p.Cwd, caller.SessionKey, policy, analysis.ResolvedPaths())
	accepted := g.tasks.Go(context.Background(), req.ID, func(taskCtx context.Context) {
		g.runApproved(taskCtx, caller, p, policy, analysis, runCommand, warning, req)
	})
	if !accepted {
		return nil, errors.New("gateway is shutting down")
	}

	return &ExecResult{
		Status:      StatusApprovalPending,
		ApprovalID:  req.ID,
		Slug:        req.Slug,
		ExpiresAtMs: req.ExpiresAtMs(),
		Message:     "approval required before this command can run",
	}, nil
}

// runApproved is the detached continuation of an approval-pending call.
func (g *Gateway) runApproved(ctx context.Context, caller Caller, p ExecParams, policy execpolicy.Policy, analysis allowlist.Analysis, runCommand, warning string, req *approval.Request) {
	decision := g.approvals.Await(ctx, req.ID)
	g.metrics.Approval(string(decision))

	outcome := approval.ResolveOutcome(decision, policy, analysis.AllowlistSatisfied)
	if !outcome.Approved {
		g.metrics.Command(StatusDenied)
		g.publishDenied(caller, outcome.Reason, req.Command)
		return
	}

	if outcome.PersistAllowlist && g.store != nil {
		if err := g.store.Append(caller.AgentID, analysis.ResolvedPaths()...); err != nil {
			g.logger.Warn("persist allowlist", "agent", caller.AgentID, "error", err)
		}
	}

	if _, err := g.launch(ctx, caller, p, analysis, runCommand, warning, true); err != nil {
		g.logger.Error("approved command failed to start", "slug", req.Slug, "error", err)
	}
}

// launch spawns the command and tracks it. Detached runs block until exit and
// report through the bus; foreground runs yield-wait and background themselves
// when the command outlives the delay.
func (g *Gateway) launch(ctx context.Context, caller Caller, p ExecParams, analysis allowlist.Analysis, runCommand, warning string, detached bool) (*ExecResult, error) {
	session := &shell.ProcessSession{
		ID:                    uuid.NewString(),
		RunID:                 uuid.NewString(),
		Command:               runCommand,
		ScopeKey:              caller.ScopeKey,
		SessionKey:            caller.SessionKey,
		CWD:                   p.Cwd,
		StartedAt:             time.Now(),
		NotifyOnExit:          detached || p.NotifyOnExit,
		MaxOutputChars:        g.cfg.MaxOutputChars,
		PendingMaxOutputChars: g.cfg.PendingOutputChars,
	}

	spec := runner.Spec{Command: runCommand, CWD: p.Cwd, Env: p.Env, PTY: p.Pty}
	if p.Container != "" {
		// Container runs compose a docker exec argv; env and workdir travel
		// on docker flags, never through the host process.
		spec = runner.Spec{Argv: dockerexec.BuildArgs(dockerexec.Options{
			Container: p.Container,
			Workdir:   p.Cwd,
			TTY:       p.Pty,
			Env:       p.Env,
			Command:   runCommand,
		})}
	}
	run, err := g.runner.Start(spec, func(stream, chunk string) {
		g.registry.AppendOutput(session, stream, chunk)
	})
	if err != nil {
		g.metrics.Command(StatusFailed)
		return &ExecResult{Status: StatusFailed, Message: err.Error()}, nil
	}

	session.PID = run.PID
	g.registry.Add(session)
	g.metrics.RunStarted()
	if warning != "" {
		g.registry.AppendOutput(session, "stdout", "["+warning+"]\n")
	}

	pid := run.PID
	g.super.Register(session.RunID, pid, func(reason string) {
		if err := supervisor.KillTree(pid); err != nil {
			g.logger.Warn("kill process tree", "pid", pid, "reason", reason, "error", err)
		}
	})

	var timedOut atomic.Bool
	timeout := g.cfg.CommandTimeout
	if p.TimeoutSec > 0 {
		timeout = time.Duration(p.TimeoutSec) * time.Second
	}
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		if _, err := g.super.Terminate(session.RunID, pid, "timeout"); err != nil {
			g.logger.Warn("timeout termination", "session", session.ID, "error", err)
		}
	})

	if analysis.AllowlistSatisfied && g.store != nil {
		if err := g.store.Touch(caller.AgentID, analysis.ResolvedPaths()...); err != nil {
			g.logger.Warn("touch allowlist", "agent", caller.AgentID, "error", err)
		}
	}

	finish := func() (shell.ProcessStatus, *int) {
		timer.Stop()
		code, signal := run.ExitInfo()
		status := shell.ProcessStatusCompleted
		switch {
		case timedOut.Load():
			status = shell.ProcessStatusFailed
			code = nil
		case code == nil:
			// Signal death without our timeout means someone killed it.
			status = shell.ProcessStatusKilled
		}
		g.registry.MarkExited(session, code, signal, status)
		g.super.MarkExited(session.RunID, string(status))
		g.metrics.RunEnded()
		g.metrics.Command(string(status))
		return status, code
	}

	if detached {
		return g.waitDetached(ctx, caller, p, session, run, runCommand, finish)
	}

	yield := g.cfg.YieldDelay
	if p.Background {
		yield = 0
	}
	if yield > 0 {
		select {
		case <-run.Done():
			status, code := finish()
			fin, _ := g.registry.GetFinished(session.ID, caller.ScopeKey)
			output := ""
			if fin != nil {
				output = fin.Aggregated
			}
			return &ExecResult{
				Status:    string(status),
				SessionID: session.ID,
				PID:       pid,
				Output:    runner.RenderResult(output, code),
				ExitCode:  code,
			}, nil
		case <-time.After(yield):
		}
	}

	g.registry.MarkBackgrounded(session)
	go func() {
		<-run.Done()
		_, code := finish()
		if session.NotifyOnExit {
			g.notifyFinished(caller, session.ID, runCommand, code, p.NotifyOnExitEmptySuccess)
		}
	}()

	return &ExecResult{
		Status:    StatusRunning,
		SessionID: session.ID,
		PID:       pid,
		Message:   "command is still running; use the process tool to poll it",
	}, nil
}

func (g *Gateway) waitDetached(ctx context.Context, caller Caller, p ExecParams, session *shell.ProcessSession, run *runner.Run, runCommand string, finish func() (shell.ProcessStatus, *int)) (*ExecResult, error) {
	g.registry.MarkBackgrounded(session)

	var runningTimer *time.Timer
	if after := g.cfg.RunningNoticeAfter; after > 0 {
		runningTimer = time.AfterFunc(after, func() {
			g.bus.Publish(notify.Event{
				Text:       notify.ExecRunning(g.cfg.GatewayID, session.ID, int(after/time.Second), runCommand),
				SessionKey: caller.SessionKey,
				ContextKey: caller.ContextKey,
			})
		})
	}

	select {
	case <-run.Done():
	case <-ctx.Done():
		if _, err := g.super.Terminate(session.RunID, session.PID, "shutdown"); err != nil {
			g.logger.Warn("shutdown termination", "session", session.ID, "error", err)
		}
		<-run.Done()
	}
	if runningTimer != nil {
		runningTimer.Stop()
	}

	status, code := finish()
	g.notifyFinished(caller, session.ID, runCommand, code, p.NotifyOnExitEmptySuccess)

	fin, _ := g.registry.GetFinished(session.ID, caller.ScopeKey)
	output := ""
	if fin != nil {
		output = fin.Aggregated
	}
	return &ExecResult{
		Status:    string(status),
		SessionID: session.ID,
		PID:       session.PID,
		Output:    runner.RenderResult(output, code),
		ExitCode:  code,
	}, nil
}

// notifyFinished publishes the completion notification. Successful runs with
// no output stay quiet unless the call opted in.
func (g *Gateway) notifyFinished(caller Caller, sessionID, command string, code *int, notifyEmptySuccess bool) {
	fin, ok := g.registry.GetFinished(sessionID, caller.ScopeKey)
	tail := ""
	if ok {
		tail = fin.Tail
	}
	if code != nil && *code == 0 && strings.TrimSpace(tail) == "" && !notifyEmptySuccess {
		return
	}
	g.bus.Publish(notify.Event{
		Text:       notify.ExecFinished(g.cfg.GatewayID, sessionID, code, tail),
		SessionKey: caller.SessionKey,
		ContextKey: caller.ContextKey,
	})
}

func (g *Gateway) publishDenied(caller Caller, reason, command string) {
	g.bus.Publish(notify.Event{
		Text:       notify.ExecDenied(g.cfg.GatewayID, reason, command),
		SessionKey: caller.SessionKey,
		ContextKey: caller.ContextKey,
	})
}

func (g *Gateway) policyFor(agentID string, elevated bool) execpolicy.Policy {
	if elevated && g.cfg.ElevatedPolicy != nil {
		return *g.cfg.ElevatedPolicy
	}
	if p, ok := g.cfg.AgentPolicies[agentID]; ok {
		return p
	}
	return g.cfg.DefaultPolicy
}

// ReconcileOrphans kills processes left behind by a previous gateway
// incarnation. knownPIDs comes from persisted session state; anything still
// tracked by the supervisor is spared.
func (g *Gateway) ReconcileOrphans(knownPIDs []int) []int {
	return g.super.ReconcileOrphans(knownPIDs, nil)
}

// Shutdown cancels in-flight approval tasks and stops background work.
func (g *Gateway) Shutdown(ctx context.Context) error {
	err := g.tasks.Shutdown(ctx)
	g.registry.StopSweeper()
	return err
}
