package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/execd/internal/approval"
	"github.com/openclaw/execd/internal/config"
	"github.com/openclaw/execd/internal/notify"
	execgw "github.com/openclaw/execd/internal/tools/exec"
)

func buildRunCmd() *cobra.Command {
	var (
		configPath string
		agentID    string
		cwd        string
		timeoutSec int
		pty        bool
		elevated   bool
		container  string
	)

	cmd := &cobra.Command{
		Use:   "run [flags] -- <command>",
		Short: "Run one command through the exec pipeline",
		Long: `Run one command through the full exec pipeline: policy resolution,
allowlist evaluation, sanitizing, and approval. Approval prompts are answered
interactively on the terminal.`,
		Example: `  execd run -- "git status"
  execd run --agent builder --cwd /srv/app -- "make test"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := execgw.ExecParams{
				Command:                  strings.Join(args, " "),
				Cwd:                      cwd,
				TimeoutSec:               timeoutSec,
				Pty:                      pty,
				Elevated:                 elevated,
				Container:                container,
				NotifyOnExitEmptySuccess: true,
			}
			return runRun(cmd.Context(), configPath, agentID, params)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&agentID, "agent", "cli", "Agent id to resolve the policy for")
	cmd.Flags().StringVar(&cwd, "cwd", "", "Working directory")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 0, "Timeout in seconds (0 = config default)")
	cmd.Flags().BoolVar(&pty, "pty", false, "Allocate a pseudo-terminal")
	cmd.Flags().BoolVar(&elevated, "elevated", false, "Use the elevated policy")
	cmd.Flags().StringVar(&container, "container", "", "Run inside this container via docker exec")
	return cmd
}

func runRun(ctx context.Context, configPath, agentID string, params execgw.ExecParams) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, false)
	g, _ := buildGateway(cfg, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.Shutdown(shutdownCtx)
	}()

	events, unsubscribe := g.Bus().Subscribe(16)
	defer unsubscribe()

	caller := execgw.Caller{AgentID: agentID, ScopeKey: "cli", SessionKey: "cli"}
	res, err := g.Execute(ctx, caller, params)
	if err != nil {
		return err
	}

	switch res.Status {
	case execgw.StatusCompleted:
		fmt.Print(ensureNewline(res.Output))
		return nil
	case execgw.StatusFailed, execgw.StatusDenied:
		return fmt.Errorf("%s: %s", res.Status, res.Message)
	case execgw.StatusApprovalPending:
		return resolveInteractively(ctx, g, res, params.Command, events)
	case execgw.StatusRunning:
		return pollUntilDone(ctx, g, caller, res.SessionID)
	}
	return fmt.Errorf("unexpected status %s", res.Status)
}

// resolveInteractively prompts for an approval decision on the terminal, then
// waits for the detached run to report through the bus.
func resolveInteractively(ctx context.Context, g *execgw.Gateway, res *execgw.ExecResult, command string, events <-chan notify.Event) error {
	decision := promptDecision(command)
	if err := g.Approvals().Resolve(res.ApprovalID, decision); err != nil {
		return err
	}

	ttl := time.Until(time.UnixMilli(res.ExpiresAtMs)) + 30*time.Second
	timer := time.NewTimer(ttl)
	defer timer.Stop()

	select {
	case ev := <-events:
		fmt.Println(ev.Text)
		if strings.Contains(ev.Text, "Exec denied") {
			return fmt.Errorf("denied")
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("timed out waiting for the command to finish")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func pollUntilDone(ctx context.Context, g *execgw.Gateway, caller execgw.Caller, sessionID string) error {
	for {
		poll, err := g.Poll(ctx, sessionID, caller.ScopeKey, 5*time.Second)
		if err != nil {
			return err
		}
		if poll.Output != "" {
			fmt.Print(ensureNewline(poll.Output))
		}
		if poll.Status != execgw.StatusRunning {
			if poll.Status != execgw.StatusCompleted {
				return fmt.Errorf("command %s", poll.Status)
			}
			return nil
		}
	}
}

func promptDecision(command string) approval.Decision {
	fmt.Printf("Approval required for:\n  %s\n[a] allow once  [A] allow always  [d] deny: ", command)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return approval.DecisionDeny
	}
	switch strings.TrimSpace(line) {
	case "a":
		return approval.DecisionAllowOnce
	case "A":
		return approval.DecisionAllowAlways
	default:
		return approval.DecisionDeny
	}
}

func ensureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
