package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, closer := newLogger(cfg)
	defer closer.Close()

	ctx := context.Background()
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	v, err := store.Version(ctx)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", v)
	return nil
}
