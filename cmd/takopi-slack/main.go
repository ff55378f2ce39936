package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/richardliang/takopi-slack-plugin/pkg/app"
	"github.com/richardliang/takopi-slack-plugin/pkg/config"
	"github.com/richardliang/takopi-slack-plugin/pkg/logger"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "takopi-slack",
		Short:   "Slack Socket Mode bridge for the takopi coding agent",
		Version: Version,
		Long: `takopi-slack binds one long-running coding agent to one Slack channel:
mentions and thread replies become runs, slash commands manage session
state, and streaming progress lands in editable thread messages.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to the YAML config file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "takopi-slack.yaml"
	}
	return home + "/.takopi/slack.yaml"
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if cfg.Log.File != "" {
		logger.EnableFile(cfg.Log.File)
	}

	container, err := app.NewContainer(cfg)
	if err != nil {
		return err
	}

	logger.InfoC("main", "takopi-slack starting")
	err = container.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.InfoC("main", "shutdown complete")
		return nil
	}
	return err
}
