// Package app assembles the booking saga from configuration. Every process
// that drives sagas (the API and the expiry worker) builds it the same way.
package app

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/pandit-bookings/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/pandit-bookings/internal/adapters/mongo"
	omiseadapter "github.com/robertarktes/pandit-bookings/internal/adapters/omise"
	redisadapter "github.com/robertarktes/pandit-bookings/internal/adapters/redis"
	"github.com/robertarktes/pandit-bookings/internal/config"
	"github.com/robertarktes/pandit-bookings/internal/directory"
	"github.com/robertarktes/pandit-bookings/internal/domain"
	"github.com/robertarktes/pandit-bookings/internal/escrow"
	"github.com/robertarktes/pandit-bookings/internal/observability"
	"github.com/robertarktes/pandit-bookings/internal/saga"
	"github.com/robertarktes/pandit-bookings/internal/slotlock"
	"go.mongodb.org/mongo-driver/mongo"
)

type App struct {
	Pool         *pgxpool.Pool
	Repo         *crdb.Repository
	Mongo        *mongo.Client
	Redis        *redisclient.Client
	Cache        *redisadapter.Cache
	Coordinator  *escrow.Coordinator
	Orchestrator *saga.Orchestrator
}

// SagaConfig maps process configuration onto the orchestrator's.
func SagaConfig(cfg *config.Config) saga.Config {
	return saga.Config{
		LockLease:     cfg.SlotLockTTL,
		AcceptWindow:  cfg.AcceptWindow,
		PaymentWindow: cfg.PaymentWindow,
		Pricing: domain.Pricing{
			Currency:          cfg.Currency,
			CommissionPercent: cfg.PlatformCommissionPercent,
		},
		Cancellation: domain.CancellationPolicy{
			FullRefundNotice:  cfg.FullRefundNotice,
			LateRefundPercent: cfg.LateCancelRefundPercent,
		},
		MaxRetries:     cfg.StepMaxRetries,
		InitialBackoff: cfg.StepInitialBackoff,
	}
}

func Build(ctx context.Context, cfg *config.Config, logger observability.Logger) (*App, error) {
	a := &App{}
	var err error

	a.Pool, err = crdb.Connect(ctx, cfg.CRDBDSN)
	if err != nil {
		return nil, err
	}
	a.Repo = crdb.NewRepository(a.Pool)
	if err := a.Repo.Migrate(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Mongo, err = mongoadapter.Connect(ctx, cfg.MongoURI)
	if err != nil {
		a.Close()
		return nil, err
	}
	db := a.Mongo.Database(cfg.MongoDB)
	auditor := mongoadapter.NewAuditLogger(db, logger)
	if err := auditor.EnsureIndexes(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Redis, err = redisadapter.NewClient(ctx, redisadapter.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		a.Close()
		return nil, errors.Wrap(err, "connect redis")
	}
	a.Cache = redisadapter.NewCache(a.Redis)

	gateway, err := omiseadapter.NewGateway(cfg.OmisePublicKey, cfg.OmiseSecretKey, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Coordinator = escrow.NewCoordinator(gateway, a.Repo, escrow.Config{
		Currency:      cfg.Currency,
		WebhookSecret: cfg.WebhookSecret,
	}, logger)

	locks := slotlock.NewManager(redisadapter.NewSlotLockStore(a.Redis), logger)
	providers := directory.NewCached(mongoadapter.NewProviderDirectory(db, logger), cfg.ProviderCacheSize, cfg.ProviderCacheTTL, logger)

	a.Orchestrator = saga.New(a.Repo, locks, a.Coordinator, providers, SagaConfig(cfg), logger, saga.WithAuditor(auditor))
	return a, nil
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Mongo != nil {
		_ = a.Mongo.Disconnect(context.Background())
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
