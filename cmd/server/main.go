package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/telemetry-hub/internal/config"
	"github.com/t77yq/telemetry-hub/internal/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "telemetry-hub",
		Short:        "Multi-tenant telemetry ingestion, alarm and fan-out pipeline",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logger, err := logging.New(logging.Config{
				Level:       cfg.Log.Level,
				Development: cfg.Log.Development,
				File:        cfg.Log.File,
				MaxSizeMB:   cfg.Log.MaxSizeMB,
				MaxBackups:  cfg.Log.MaxBackups,
				MaxAgeDays:  cfg.Log.MaxAgeDays,
			})
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg, logger); err != nil {
				logger.Error("Server stopped with error", zap.Error(err))
				return err
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the config file (default ./config/config.yaml)")

	cmd.AddCommand(newSeedCommand(&configPath))
	return cmd
}

func newSeedCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "seed-rules [file]",
		Short: "Load alert rules from a YAML file into the database and exit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
			if err != nil {
				return err
			}
			defer logger.Sync()

			path := cfg.Rules.SeedFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no rule file given and rules.seed_file is not set")
			}

			return seedRules(context.Background(), cfg, path, logger)
		},
	}
}
