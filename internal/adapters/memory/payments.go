package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/pandit-bookings/internal/domain"
)

type PaymentStore struct {
	mu       sync.Mutex
	txs      map[uuid.UUID]domain.PaymentTransaction
	webhooks map[string]time.Time
	now      func() time.Time
	failures map[domain.PaymentState]int
	payouts  map[uuid.UUID]domain.Payout
}

func NewPaymentStore(now func() time.Time) *PaymentStore {
	if now == nil {
		now = time.Now
	}
	return &PaymentStore{
		txs:      map[uuid.UUID]domain.PaymentTransaction{},
		webhooks: map[string]time.Time{},
		now:      now,
		failures: map[domain.PaymentState]int{},
		payouts:  map[uuid.UUID]domain.Payout{},
	}
}

func (s *PaymentStore) ReservePayment(_ context.Context, tx domain.PaymentTransaction) (domain.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.txs {
		if existing.IdempotencyKey == tx.IdempotencyKey {
			return existing, nil
		}
	}
	for _, existing := range s.txs {
		if existing.BookingID == tx.BookingID && existing.State.Active() {
			return domain.PaymentTransaction{}, domain.ErrConflict
		}
	}
	s.txs[tx.ID] = tx
	return tx, nil
}

func (s *PaymentStore) PaymentByReference(_ context.Context, ref string) (*domain.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.txs {
		if tx.GatewayReference == ref {
			out := tx
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *PaymentStore) PaymentsByBooking(_ context.Context, bookingID uuid.UUID) ([]domain.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PaymentTransaction
	for _, tx := range s.txs {
		if tx.BookingID == bookingID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *PaymentStore) SavePayment(_ context.Context, tx domain.PaymentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[tx.ID]; !ok {
		return domain.ErrNotFound
	}
	if s.failures[tx.State] > 0 {
		s.failures[tx.State]--
		return errors.New("payment store unavailable")
	}
	s.txs[tx.ID] = tx
	return nil
}

// FailSaves makes the next n saves that write state fail.
func (s *PaymentStore) FailSaves(state domain.PaymentState, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[state] = n
}

func (s *PaymentStore) ApplyWebhook(_ context.Context, webhookID string, tx domain.PaymentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.webhooks[webhookID]; seen {
		return domain.ErrDuplicateWebhook
	}
	if _, ok := s.txs[tx.ID]; !ok {
		return domain.ErrNotFound
	}
	s.webhooks[webhookID] = s.now()
	s.txs[tx.ID] = tx
	return nil
}

func (s *PaymentStore) PurgeProcessedWebhooks(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, at := range s.webhooks {
		if at.Before(before) {
			delete(s.webhooks, id)
			n++
		}
	}
	return n, nil
}

func (s *PaymentStore) ReservePayout(_ context.Context, p domain.Payout) (domain.Payout, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.payouts[p.BookingID]; ok {
		return existing, false, nil
	}
	s.payouts[p.BookingID] = p
	return p, true, nil
}

func (s *PaymentStore) SavePayout(_ context.Context, p domain.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payouts[p.BookingID]; !ok {
		return domain.ErrNotFound
	}
	s.payouts[p.BookingID] = p
	return nil
}

// PayoutFor returns the booking's payout, if one was reserved.
func (s *PaymentStore) PayoutFor(bookingID uuid.UUID) (domain.Payout, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[bookingID]
	return p, ok
}

// Count returns how many transactions were ever created.
func (s *PaymentStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txs)
}
