package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/pandit-bookings/internal/adapters/crdb"
	"github.com/robertarktes/pandit-bookings/internal/adapters/rabbit"
	"github.com/robertarktes/pandit-bookings/internal/config"
	"github.com/robertarktes/pandit-bookings/internal/observability"
	"github.com/robertarktes/pandit-bookings/internal/outbox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := observability.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := crdb.Connect(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	pub, err := rabbit.NewPublisher(conn, cfg.NotificationExchange)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}
	defer pub.Close()

	relay := outbox.NewRelay(repo, pub, outbox.Config{
		Interval:       cfg.OutboxInterval,
		Batch:          cfg.OutboxBatch,
		MaxRetries:     cfg.StepMaxRetries,
		InitialBackoff: cfg.StepInitialBackoff,
	}, logger)

	logger.Info("outbox publisher started")
	if err := relay.Run(ctx); err != nil {
		logger.WithError(err).Error("outbox publisher stopped")
	}
	logger.Info("outbox publisher exiting")
}
