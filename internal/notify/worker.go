// Package notify files notification requests coming off the broker into the
// in-app inbox.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/pandit-bookings/internal/domain"
	"github.com/robertarktes/pandit-bookings/internal/observability"
)

var ErrMalformed = errors.New("malformed notification")

type Inbox interface {
	Deliver(ctx context.Context, n domain.NotificationRequest) error
}

// Deduper remembers message ids already filed.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	MarkSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type Worker struct {
	inbox  Inbox
	dedup  Deduper
	ttl    time.Duration
	logger observability.Logger
}

func NewWorker(inbox Inbox, dedup Deduper, ttl time.Duration, logger observability.Logger) *Worker {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Worker{inbox: inbox, dedup: dedup, ttl: ttl, logger: logger}
}

// Run handles deliveries until ctx ends or the channel closes. A message
// that fails twice, or cannot be decoded, is rejected to the dead letter
// queue.
func (w *Worker) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			w.settle(d, w.Handle(ctx, d.MessageId, d.Body))
		}
	}
}

func (w *Worker) settle(d amqp.Delivery, err error) {
	log := w.logger.WithField("message_id", d.MessageId).WithField("routing_key", d.RoutingKey)
	var ackErr error
	switch {
	case err == nil:
		ackErr = d.Ack(false)
	case errors.Is(err, ErrMalformed) || d.Redelivered:
		log.WithError(err).Error("notification dead lettered")
		ackErr = d.Nack(false, false)
	default:
		log.WithError(err).Warn("notification requeued")
		ackErr = d.Nack(false, true)
	}
	if ackErr != nil {
		log.WithError(ackErr).Error("settle delivery")
	}
}

// Handle files one notification. The inbox write is idempotent per id, so
// the dedup mark is only an optimisation and is set after the write.
func (w *Worker) Handle(ctx context.Context, messageID string, body []byte) error {
	var n domain.NotificationRequest
	if err := json.Unmarshal(body, &n); err != nil {
		observability.NotificationsDelivered.WithLabelValues("unknown", "malformed").Inc()
		return errors.Mark(errors.Wrap(err, "decode notification"), ErrMalformed)
	}
	if messageID == "" {
		messageID = n.ID.String()
	}

	seen, err := w.dedup.Seen(ctx, messageID)
	if err != nil {
		w.logger.WithError(err).Warn("dedup lookup failed")
	}
	if seen {
		observability.NotificationsDelivered.WithLabelValues(n.TemplateID, "duplicate").Inc()
		return nil
	}

	if err := w.inbox.Deliver(ctx, n); err != nil {
		observability.NotificationsDelivered.WithLabelValues(n.TemplateID, "error").Inc()
		return err
	}
	if _, err := w.dedup.MarkSeen(ctx, messageID, w.ttl); err != nil {
		w.logger.WithError(err).Warn("dedup mark failed")
	}
	observability.NotificationsDelivered.WithLabelValues(n.TemplateID, "ok").Inc()
	w.logger.WithField("booking_id", n.BookingID).WithField("template", n.TemplateID).Debug("notification filed")
	return nil
}
