package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"eddisonso.com/edd-events/internal/api"
	"eddisonso.com/edd-events/internal/bus"
	"eddisonso.com/edd-events/internal/events"
	"eddisonso.com/edd-events/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the user projection subscribers",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "HTTP listen address (overrides ADDR env var)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, closer := newLogger(cfg)
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Without the bus the projection silently goes stale, so refuse to start.
	transport, err := bus.Connect(cfg.NatsURL,
		bus.WithName(cfg.NatsClientName),
		bus.WithLogger(logger),
		bus.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	syncer := events.NewSynchronizer(store, logger, m)

	regOpts := []events.RegistryOption{events.WithRegistryLogger(logger)}
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			transport.Close(context.Background())
			return fmt.Errorf("connecting to redis: %w", err)
		}
		regOpts = append(regOpts, events.WithDeduper(events.NewRedisDeduper(rdb, cfg.DedupeTTL, logger)))
		logger.Info("message deduplication enabled", "ttl", cfg.DedupeTTL)
	}

	registry := events.NewRegistry(syncer, regOpts...)
	if err := registry.Bind(transport); err != nil {
		transport.Close(context.Background())
		return fmt.Errorf("binding subscriptions: %w", err)
	}

	var scheduler gocron.Scheduler
	if cfg.UserServiceURL != "" && cfg.ReconcileInterval > 0 {
		rec := events.NewReconciler(store, cfg.UserServiceURL, cfg.ServiceAPIKey, events.WithReconcilerLogger(logger))
		scheduler, err = rec.Schedule(cfg.ReconcileInterval)
		if err != nil {
			transport.Close(context.Background())
			return err
		}
	}

	h := api.NewHandler(api.Config{
		DB:             store,
		Notifier:       events.NewNotifier(transport, store, logger),
		Bus:            transport,
		JWTSecret:      []byte(cfg.JWTSecret),
		AllowedOrigins: cfg.AllowedOrigins,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("events service listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := transport.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("bus close: %w", err))
		}
		if scheduler != nil {
			if err := scheduler.Shutdown(); err != nil {
				errs = append(errs, fmt.Errorf("scheduler shutdown: %w", err))
			}
		}
		if rdb != nil {
			if err := rdb.Close(); err != nil {
				errs = append(errs, fmt.Errorf("redis close: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logger.Error("events service stopped with error", "error", err)
		return err
	}
	logger.Info("events service stopped")
	return nil
}
