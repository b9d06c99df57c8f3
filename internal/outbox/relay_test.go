package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/pandit-bookings/internal/adapters/crdb"
	"github.com/robertarktes/pandit-bookings/internal/observability"
)

type fakeStore struct {
	mu      sync.Mutex
	pending []crdb.OutboxRecord
	done    []uuid.UUID
}

func (s *fakeStore) ProcessOutbox(_ context.Context, limit int, fn func(crdb.OutboxRecord) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for n < limit && len(s.pending) > 0 {
		rec := s.pending[0]
		if err := fn(rec); err != nil {
			return n, err
		}
		s.pending = s.pending[1:]
		s.done = append(s.done, rec.ID)
		n++
	}
	return n, nil
}

func (s *fakeStore) OldestUnpublished(context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, nil
	}
	t := s.pending[0].CreatedAt
	return &t, nil
}

type flakyBroker struct {
	failures int
	sent     []amqp.Publishing
	keys     []string
}

func (b *flakyBroker) Publish(_ context.Context, key string, msg amqp.Publishing) error {
	if b.failures > 0 {
		b.failures--
		return errors.New("channel closed")
	}
	b.sent = append(b.sent, msg)
	b.keys = append(b.keys, key)
	return nil
}

func records(n int) []crdb.OutboxRecord {
	out := make([]crdb.OutboxRecord, n)
	for i := range out {
		out[i] = crdb.OutboxRecord{
			ID:          uuid.New(),
			AggregateID: uuid.New(),
			EventType:   "notification.booking_confirmed",
			Payload:     []byte(`{}`),
			CreatedAt:   time.Now().Add(-time.Minute),
		}
	}
	return out
}

func TestDrain_RelaysEveryBatch(t *testing.T) {
	store := &fakeStore{pending: records(5)}
	broker := &flakyBroker{failures: 1}
	relay := NewRelay(store, broker, Config{Batch: 2, MaxRetries: 3, InitialBackoff: time.Millisecond}, observability.NewLogger("error"))

	if err := relay.Drain(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(store.done) != 5 || len(broker.sent) != 5 {
		t.Fatalf("expected 5 relayed records, got %d stored and %d sent", len(store.done), len(broker.sent))
	}
	if broker.sent[0].MessageId != store.done[0].String() {
		t.Errorf("expected message id %s, got %s", store.done[0], broker.sent[0].MessageId)
	}
	if broker.keys[0] != "notification.booking_confirmed" {
		t.Errorf("unexpected routing key %s", broker.keys[0])
	}
}

func TestDrain_StopsWhenBrokerStaysDown(t *testing.T) {
	store := &fakeStore{pending: records(3)}
	broker := &flakyBroker{failures: 100}
	relay := NewRelay(store, broker, Config{Batch: 10, MaxRetries: 2, InitialBackoff: time.Millisecond}, observability.NewLogger("error"))

	if err := relay.Drain(context.Background()); err == nil {
		t.Fatal("expected relay error")
	}
	if len(store.pending) != 3 {
		t.Errorf("expected records to stay pending, got %d", len(store.pending))
	}
	if broker.failures != 97 {
		t.Errorf("expected three publish attempts, got %d", 100-broker.failures)
	}
}
