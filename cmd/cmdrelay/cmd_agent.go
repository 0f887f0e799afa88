package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/cmdrelay/internal/agent"
)

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.Flags().String("name", "", "target name to register as (default agent.name or hostname)")
	agentCmd.Flags().String("url", "", "relay target endpoint (default agent.url)")
	agentCmd.Flags().Int("concurrency", 4, "commands executed in parallel")
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a target agent that executes relayed commands",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		name, _ := cmd.Flags().GetString("name")
		url, _ := cmd.Flags().GetString("url")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		if name == "" {
			name = cfg.Agent.Name
		}
		if name == "" {
			host, err := os.Hostname()
			if err != nil {
				return err
			}
			name = host
		}
		if url == "" {
			url = cfg.Agent.URL
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		slog.Info("agent starting", "name", name, "url", url)
		return agent.New(url, name, agent.WithConcurrency(concurrency)).Run(ctx)
	},
}
