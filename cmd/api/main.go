package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	mongoadapter "github.com/robertarktes/pandit-bookings/internal/adapters/mongo"
	redisadapter "github.com/robertarktes/pandit-bookings/internal/adapters/redis"
	"github.com/robertarktes/pandit-bookings/internal/app"
	"github.com/robertarktes/pandit-bookings/internal/config"
	httphandler "github.com/robertarktes/pandit-bookings/internal/http"
	"github.com/robertarktes/pandit-bookings/internal/idempotency"
	"github.com/robertarktes/pandit-bookings/internal/observability"
	"github.com/robertarktes/pandit-bookings/internal/rateLimit"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := observability.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg.OTLPEndpoint, "pandit-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to build app: %v", err)
	}
	defer a.Close()

	handlers := httphandler.NewHandlers(a.Orchestrator, logger, cfg.WebhookSignatureHeader, map[string]httphandler.Pinger{
		"crdb":  a.Repo,
		"redis": a.Cache,
		"mongo": mongoadapter.Pinger{Client: a.Mongo},
	})
	r := httphandler.SetupRouter(handlers, logger, httphandler.RouterOptions{
		JWTSecret:   cfg.JWTSecret,
		RateLimiter: rateLimit.NewRateLimiter(a.Cache, logger),
		PerSubject:  rateLimit.Limit{Rate: cfg.RateLimitPerSubject, Period: cfg.RateLimitPeriod},
		PerIP:       rateLimit.Limit{Rate: cfg.RateLimitPerIP, Period: cfg.RateLimitPeriod},
		Idempotency: idempotency.NewIdempotency(redisadapter.NewIdempotency(a.Redis), cfg.IdempotencyTTL),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down api")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("api stopped")
	}
	logger.Info("api exiting")
}
