package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"eddisonso.com/edd-events/internal/events"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Apply one snapshot of the user service to the projection",
	Long: "Fetch every user from USER_SERVICE_URL, overwrite the local projection with it " +
		"and remove projections of users the service no longer has.",
	RunE: runReconcile,
}

func init() {
	reconcileCmd.Flags().Duration("timeout", time.Minute, "Deadline for the whole run")
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.UserServiceURL == "" {
		return errors.New("USER_SERVICE_URL is required")
	}
	logger, closer := newLogger(cfg)
	defer closer.Close()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	rec := events.NewReconciler(store, cfg.UserServiceURL, cfg.ServiceAPIKey, events.WithReconcilerLogger(logger))
	res, err := rec.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "fetched=%d applied=%d stale=%d skipped=%d removed=%d\n",
		res.Fetched, res.Applied, res.Stale, res.Skipped, res.Removed)
	return nil
}
