// Package outbox relays notification requests committed to the outbox table
// to the message broker. Delivery is at least once; consumers dedup by
// message id.
package outbox

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/pandit-bookings/internal/adapters/crdb"
	"github.com/robertarktes/pandit-bookings/internal/observability"
)

type Store interface {
	ProcessOutbox(ctx context.Context, limit int, fn func(crdb.OutboxRecord) error) (int, error)
	OldestUnpublished(ctx context.Context) (*time.Time, error)
}

type Broker interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

type Config struct {
	Interval       time.Duration
	Batch          int
	MaxRetries     int
	InitialBackoff time.Duration
}

type Relay struct {
	store  Store
	broker Broker
	cfg    Config
	logger observability.Logger
	now    func() time.Time
}

func NewRelay(store Store, broker Broker, cfg Config, logger observability.Logger) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	return &Relay{store: store, broker: broker, cfg: cfg, logger: logger, now: time.Now}
}

func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.logger.WithError(err).Error("outbox relay failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Drain relays full batches until the outbox runs dry or a publish fails.
func (r *Relay) Drain(ctx context.Context) error {
	defer r.observeLag(ctx)
	for {
		n, err := r.store.ProcessOutbox(ctx, r.cfg.Batch, func(rec crdb.OutboxRecord) error {
			return r.publish(ctx, rec)
		})
		if n > 0 {
			r.logger.WithField("published", n).Debug("outbox batch relayed")
		}
		if err != nil {
			return err
		}
		if n < r.cfg.Batch {
			return nil
		}
	}
}

func (r *Relay) publish(ctx context.Context, rec crdb.OutboxRecord) error {
	msg := amqp.Publishing{
		MessageId:   rec.ID.String(),
		ContentType: "application/json",
		Type:        rec.EventType,
		Timestamp:   rec.CreatedAt,
		Headers:     amqp.Table{"aggregate_id": rec.AggregateID.String()},
		Body:        rec.Payload,
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.cfg.MaxRetries)), ctx)
	err := backoff.RetryNotify(func() error {
		return r.broker.Publish(ctx, rec.EventType, msg)
	}, policy, func(err error, wait time.Duration) {
		observability.RabbitPublishRetries.Inc()
		r.logger.WithField("outbox_id", rec.ID).WithField("wait", wait).WithError(err).Warn("publish retry")
	})
	return errors.Wrapf(err, "relay outbox record %s", rec.ID)
}

func (r *Relay) observeLag(ctx context.Context) {
	oldest, err := r.store.OldestUnpublished(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("read outbox lag")
		return
	}
	if oldest == nil {
		observability.OutboxLag.Set(0)
		return
	}
	observability.OutboxLag.Set(r.now().Sub(*oldest).Seconds())
}
