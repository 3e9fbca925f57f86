package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/distrihub/hub/internal/config"
	"github.com/distrihub/hub/pkg/assignment"
	"github.com/distrihub/hub/pkg/auth"
	"github.com/distrihub/hub/pkg/clock"
	"github.com/distrihub/hub/pkg/events"
	"github.com/distrihub/hub/pkg/imagevalidator"
	"github.com/distrihub/hub/pkg/liveness"
	"github.com/distrihub/hub/pkg/metrics"
	"github.com/distrihub/hub/pkg/orchestrator"
	"github.com/distrihub/hub/pkg/placer"
	"github.com/distrihub/hub/pkg/priority"
	"github.com/distrihub/hub/pkg/queue"
	"github.com/distrihub/hub/pkg/store"
	"github.com/distrihub/hub/pkg/validator"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "hubd",
		Short:   "Task orchestration hub for a fleet of untrusted worker nodes",
		Version: version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration and liveness ticks against Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	logger := newLogger()
	cfg := config.Default()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewPostgres(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer db.Close()

	c := clock.Real{}
	pol := priority.New(cfg.Scheduler)
	pl := placer.New(cfg.Scheduler)
	q := queue.New(db, c, cfg.Scheduler, pol)
	a := assignment.New(db, pl, c, cfg.Scheduler, logger)
	l := liveness.New(db, c, cfg.Scheduler)
	v := validator.New(db, cfg.Scheduler)
	m := metrics.New(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)

	var images imagevalidator.Validator
	docker, err := imagevalidator.NewDocker(logger)
	if err != nil {
		logger.WarnContext(ctx, "docker engine unavailable, image validation disabled", "error", err)
		images = imagevalidator.Noop{}
	} else {
		images = docker
	}

	wsHub := events.NewWebSocketHub(logger)
	go wsHub.Run(ctx.Done())
	redisBus := events.NewRedisBus(cfg.Events, logger)
	defer redisBus.Close()
	bus := events.Composite{redisBus, wsHub, events.Logging{Logger: logger}}

	noCandidateLimiter := events.NewRateLimiter(redisBus.Client(), 1, time.Minute)
	a.SetMetrics(m)
	a.SetRateLimiter(noCandidateLimiter)
	v.SetMetrics(m)

	tokens := auth.NewTokenService(cfg.JWT)
	_ = tokens // minted/verified by the (out-of-scope) RPC transport that fronts Hub

	orch := orchestrator.New(db, c, q, a, l, v, m, logger)
	hub := orchestrator.NewHub(db, c, l, v, images, bus, cfg.Scheduler, logger)
	_ = hub // exposed to whatever transport a deployment fronts the hub with

	logger.InfoContext(ctx, "hubd serving", "orchestration_interval", cfg.Scheduler.OrchestrationInterval, "health_check_interval", cfg.Scheduler.HealthCheckInterval)
	orch.Run(ctx, cfg.Scheduler)
	logger.InfoContext(ctx, "hubd stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := newLogger()
			cfg := config.Default()

			db, err := store.NewPostgres(ctx, cfg.Store, logger)
			if err != nil {
				return fmt.Errorf("connect store: %w", err)
			}
			defer db.Close()

			if err := db.Migrate(ctx); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
			logger.InfoContext(ctx, "schema applied")
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate hub configuration",
	}
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective configuration's tunables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if err := validateSchedulerConfig(cfg.Scheduler); err != nil {
				return err
			}
			fmt.Println("configuration valid")
			return nil
		},
	}
}

func validateSchedulerConfig(s config.SchedulerConfig) error {
	switch {
	case s.ActiveQueueSize <= 0:
		return fmt.Errorf("ACTIVE_QUEUE_SIZE must be positive, got %d", s.ActiveQueueSize)
	case s.MaxStale <= 0:
		return fmt.Errorf("MAX_STALE must be positive, got %d", s.MaxStale)
	case s.TrustMin >= s.TrustMax:
		return fmt.Errorf("TRUST_MIN (%v) must be less than TRUST_MAX (%v)", s.TrustMin, s.TrustMax)
	case s.ValidationThreshold <= 0 || s.ValidationThreshold > 1:
		return fmt.Errorf("VALIDATION_THRESHOLD must be in (0, 1], got %v", s.ValidationThreshold)
	case s.PreemptionBand < 1:
		return fmt.Errorf("PREEMPTION_BAND must be >= 1, got %v", s.PreemptionBand)
	case s.Mechanism != config.MechanismCustom && s.Mechanism != config.MechanismFIFO:
		return fmt.Errorf("ORCHESTRATION_MECHANISM must be %q or %q, got %q", config.MechanismCustom, config.MechanismFIFO, s.Mechanism)
	}
	return nil
}
