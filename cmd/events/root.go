package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"eddisonso.com/edd-events/internal/config"
	"eddisonso.com/edd-events/internal/db"
	"eddisonso.com/edd-events/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:          "edd-events",
	Short:        "Events service",
	Long:         "Events service with a user projection kept in sync over NATS.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Log level (overrides LOG_LEVEL env var)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reconcileCmd)
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Lookup("addr") != nil && cmd.Flags().Changed("addr") {
		cfg.Addr, _ = cmd.Flags().GetString("addr")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, io.Closer) {
	logger, closer := logging.New(logging.Options{
		Level:  cfg.SlogLevel(),
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	slog.SetDefault(logger)
	return logger, closer
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*db.DB, error) {
	store, err := db.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("database ready", "driver", store.Driver())
	return store, nil
}
