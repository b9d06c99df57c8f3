package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	mongoadapter "github.com/robertarktes/pandit-bookings/internal/adapters/mongo"
	"github.com/robertarktes/pandit-bookings/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/pandit-bookings/internal/adapters/redis"
	"github.com/robertarktes/pandit-bookings/internal/config"
	"github.com/robertarktes/pandit-bookings/internal/notify"
	"github.com/robertarktes/pandit-bookings/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := observability.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mongoClient, err := mongoadapter.Connect(ctx, cfg.MongoURI)
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	inbox := mongoadapter.NewInbox(mongoClient.Database(cfg.MongoDB))

	redisClient, err := redisadapter.NewClient(ctx, redisadapter.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	consumer, err := rabbit.NewConsumer(conn, rabbit.ConsumerConfig{
		Exchange:   cfg.NotificationExchange,
		Queue:      cfg.NotificationQueue,
		Bindings:   []string{"notification.#"},
		DeadLetter: cfg.NotificationDeadLetter,
	})
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}
	defer consumer.Close()

	deliveries, err := consumer.Consume(ctx, "notification-worker")
	if err != nil {
		log.Fatalf("failed to consume: %v", err)
	}

	worker := notify.NewWorker(inbox, redisadapter.NewCache(redisClient), cfg.NotificationDedupTTL, logger)
	logger.Info("notification worker started")
	if err := worker.Run(ctx, deliveries); err != nil {
		logger.WithError(err).Error("notification worker stopped")
	}
	logger.Info("notification worker exiting")
}
