package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/robertarktes/pandit-bookings/internal/app"
	"github.com/robertarktes/pandit-bookings/internal/config"
	"github.com/robertarktes/pandit-bookings/internal/observability"
	"github.com/robertarktes/pandit-bookings/internal/sweeper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := observability.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg.OTLPEndpoint, "pandit-expiry-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to build app: %v", err)
	}
	defer a.Close()

	s := sweeper.New(a.Repo, a.Orchestrator, a.Coordinator, sweeper.Config{
		Interval:          cfg.SweepInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StallAfter:        cfg.StallAfter,
		ReminderLead:      cfg.ReminderLead,
		WebhookRetention:  cfg.WebhookDedupRetention,
		Workers:           cfg.SweepWorkers,
		Batch:             cfg.SweepBatch,
	}, logger)

	logger.Info("expiry worker started")
	if err := s.Run(ctx); err != nil {
		logger.WithError(err).Error("expiry worker stopped")
	}
	logger.Info("expiry worker exiting")
}
