package config

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPAddr     string `envconfig:"HTTP_ADDR" default:":8080"`
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	CRDBDSN       string `envconfig:"CRDB_DSN"`
	MongoURI      string `envconfig:"MONGO_URI"`
	MongoDB       string `envconfig:"MONGO_DB" default:"pandit"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RabbitURL     string `envconfig:"RABBIT_URL"`

	// JWTSecret signs bearer tokens; empty disables auth.
	JWTSecret string `envconfig:"JWT_SECRET"`

	SlotLockTTL       time.Duration `envconfig:"SLOT_LOCK_TTL" default:"15m"`
	AcceptWindow      time.Duration `envconfig:"ACCEPT_WINDOW" default:"2h"`
	PaymentWindow     time.Duration `envconfig:"PAYMENT_WINDOW" default:"30m"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"1m"`
	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	SweepWorkers      int           `envconfig:"SWEEP_WORKERS" default:"4"`
	SweepBatch        int           `envconfig:"SWEEP_BATCH" default:"100"`
	StallAfter        time.Duration `envconfig:"STALL_AFTER" default:"5m"`
	ReminderLead      time.Duration `envconfig:"REMINDER_LEAD" default:"24h"`

	WebhookSecret          string        `envconfig:"WEBHOOK_SECRET"`
	WebhookSignatureHeader string        `envconfig:"WEBHOOK_SIGNATURE_HEADER" default:"X-Webhook-Signature"`
	WebhookDedupRetention  time.Duration `envconfig:"WEBHOOK_DEDUP_RETENTION" default:"72h"`
	OmisePublicKey         string        `envconfig:"OMISE_PUBLIC_KEY"`
	OmiseSecretKey         string        `envconfig:"OMISE_SECRET_KEY"`

	Currency                  string        `envconfig:"CURRENCY" default:"thb"`
	PlatformCommissionPercent int64         `envconfig:"PLATFORM_COMMISSION_PERCENT" default:"10"`
	FullRefundNotice          time.Duration `envconfig:"FULL_REFUND_NOTICE" default:"24h"`
	LateCancelRefundPercent   int64         `envconfig:"LATE_CANCEL_REFUND_PERCENT" default:"50"`

	StepMaxRetries     int           `envconfig:"STEP_MAX_RETRIES" default:"3"`
	StepInitialBackoff time.Duration `envconfig:"STEP_INITIAL_BACKOFF" default:"200ms"`

	NotificationExchange   string        `envconfig:"NOTIFICATION_EXCHANGE" default:"pandit.events"`
	NotificationQueue      string        `envconfig:"NOTIFICATION_QUEUE" default:"pandit.notifications.q"`
	NotificationDeadLetter string        `envconfig:"NOTIFICATION_DLX" default:"pandit.events.dlx"`
	NotificationDedupTTL   time.Duration `envconfig:"NOTIFICATION_DEDUP_TTL" default:"24h"`

	ProviderCacheSize int           `envconfig:"PROVIDER_CACHE_SIZE" default:"1024"`
	ProviderCacheTTL  time.Duration `envconfig:"PROVIDER_CACHE_TTL" default:"1m"`
	OutboxInterval    time.Duration `envconfig:"OUTBOX_INTERVAL" default:"2s"`
	OutboxBatch       int           `envconfig:"OUTBOX_BATCH" default:"50"`

	IdempotencyTTL      time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	RateLimitPerSubject int           `envconfig:"RATE_LIMIT_PER_SUBJECT" default:"60"`
	RateLimitPerIP      int           `envconfig:"RATE_LIMIT_PER_IP" default:"120"`
	RateLimitPeriod     time.Duration `envconfig:"RATE_LIMIT_PERIOD" default:"1m"`
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "read environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.SlotLockTTL <= c.HeartbeatInterval:
		return errors.Newf("SLOT_LOCK_TTL (%s) must exceed HEARTBEAT_INTERVAL (%s)", c.SlotLockTTL, c.HeartbeatInterval)
	case c.AcceptWindow <= 0 || c.PaymentWindow <= 0:
		return errors.New("ACCEPT_WINDOW and PAYMENT_WINDOW must be positive")
	case c.SweepInterval <= 0 || c.StallAfter <= 0:
		return errors.New("SWEEP_INTERVAL and STALL_AFTER must be positive")
	case c.SweepWorkers < 1 || c.SweepBatch < 1 || c.OutboxBatch < 1:
		return errors.New("SWEEP_WORKERS, SWEEP_BATCH and OUTBOX_BATCH must be at least 1")
	case c.PlatformCommissionPercent < 0 || c.PlatformCommissionPercent > 100:
		return errors.Newf("PLATFORM_COMMISSION_PERCENT %d out of range", c.PlatformCommissionPercent)
	case c.LateCancelRefundPercent < 0 || c.LateCancelRefundPercent > 100:
		return errors.Newf("LATE_CANCEL_REFUND_PERCENT %d out of range", c.LateCancelRefundPercent)
	case c.StepMaxRetries < 0:
		return errors.New("STEP_MAX_RETRIES must not be negative")
	case c.Currency == "":
		return errors.New("CURRENCY is required")
	}
	return nil
}
