package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/execd/internal/allowlist"
	"github.com/openclaw/execd/internal/config"
)

func buildAllowlistCmd() *cobra.Command {
	var (
		configPath string
		agentID    string
	)

	cmd := &cobra.Command{
		Use:   "allowlist",
		Short: "Manage the persisted exec allowlist",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&agentID, "agent", allowlist.WildcardAgent, "Agent id (default applies to all agents)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List allowlist entries visible to the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(configPath)
			if err != nil {
				return err
			}
			entries, err := store.Entries(agentID)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No allowlist entries.")
				return nil
			}
			for _, e := range entries {
				lastUsed := "never"
				if e.LastUsedAt > 0 {
					lastUsed = time.UnixMilli(e.LastUsedAt).Format(time.RFC3339)
				}
				fmt.Printf("%s\t(last used %s)\n", e.Pattern, lastUsed)
			}
			return nil
		},
	}

	add := &cobra.Command{
		Use:   "add <pattern>...",
		Short: "Add patterns to the agent's allowlist",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(configPath)
			if err != nil {
				return err
			}
			if err := store.Append(agentID, args...); err != nil {
				return err
			}
			fmt.Printf("Added %d pattern(s) for agent %s.\n", len(args), agentID)
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove <pattern>",
		Short: "Remove a pattern from the agent's allowlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(configPath)
			if err != nil {
				return err
			}
			if err := store.Remove(agentID, args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed %s for agent %s.\n", args[0], agentID)
			return nil
		},
	}

	cmd.AddCommand(list, add, remove)
	return cmd
}

func openStore(configPath string) (*allowlist.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return allowlist.NewStore(cfg.Allowlist.Path, nil), nil
}
