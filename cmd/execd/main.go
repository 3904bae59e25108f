// Package main provides the CLI entry point for the execd exec gateway.
//
// execd gates shell command execution requested by AI agents behind a
// security/ask policy, a persisted allowlist, and human approval.
//
// # Basic Usage
//
// Start the gateway:
//
//	execd serve --config execd.yaml
//
// Run one command through the pipeline:
//
//	execd run -- "git status"
//
// Manage the persisted allowlist:
//
//	execd allowlist list
//	execd allowlist add /usr/bin/git
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/openclaw/execd/internal/allowlist"
	"github.com/openclaw/execd/internal/approval"
	"github.com/openclaw/execd/internal/config"
	"github.com/openclaw/execd/internal/shell"
	execgw "github.com/openclaw/execd/internal/tools/exec"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "execd",
		Short:        "Gated host command execution for AI agents",
		SilenceUsage: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildRunCmd(),
		buildAllowlistCmd(),
		buildVersionCmd(),
	)
	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("execd %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func newLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// buildGateway assembles the exec gateway from configuration.
func buildGateway(cfg *config.Config, logger *slog.Logger) (*execgw.Gateway, *prometheus.Registry) {
	store := allowlist.NewStore(cfg.Allowlist.Path, logger)
	evaluator := allowlist.NewEvaluator(store, cfg.Allowlist.SafeBins, cfg.Allowlist.SafeBinDirs, logger)

	registry := shell.NewRegistry(logger)
	if cfg.Registry.JobTTL > 0 {
		registry.SetJobTTL(cfg.Registry.JobTTL.Std())
	}

	promReg := prometheus.NewRegistry()
	metrics := execgw.NewMetrics(promReg)

	g := execgw.NewGateway(execgw.Config{
		GatewayID:          cfg.Gateway.ID,
		DefaultPolicy:      cfg.Exec.Policy,
		AgentPolicies:      cfg.Exec.Agents,
		ElevatedPolicy:     cfg.Exec.Elevated,
		YieldDelay:         cfg.Exec.YieldDelay.Std(),
		CommandTimeout:     cfg.Exec.Timeout.Std(),
		RunningNoticeAfter: cfg.Exec.RunningNoticeAfter.Std(),
		MaxOutputChars:     cfg.Registry.MaxOutputChars,
		PendingOutputChars: cfg.Registry.PendingOutputChars,
	}, execgw.Deps{
		Store:     store,
		Evaluator: evaluator,
		Approvals: approval.NewCoordinator(cfg.Exec.ApprovalTTL.Std(), logger),
		Registry:  registry,
		Metrics:   metrics,
		Logger:    logger,
	})
	return g, promReg
}
