package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/pandit-bookings/internal/domain"
)

type BookingStore struct {
	mu       sync.Mutex
	bookings map[uuid.UUID]domain.Booking
	records  map[uuid.UUID]domain.SagaRecord
	outbox   []domain.NotificationRequest
	reminded map[uuid.UUID]time.Time

	// FailNext, when set, is returned once by the next write and cleared.
	FailNext error
	// LoseAck, when set, is returned once after the next booking update
	// was applied.
	LoseAck error
}

func NewBookingStore() *BookingStore {
	return &BookingStore{
		bookings: map[uuid.UUID]domain.Booking{},
		records:  map[uuid.UUID]domain.SagaRecord{},
		reminded: map[uuid.UUID]time.Time{},
	}
}

func (s *BookingStore) injected() error {
	err := s.FailNext
	s.FailNext = nil
	return err
}

func (s *BookingStore) SaveSagaRecord(_ context.Context, rec domain.SagaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return err
	}
	if stored, ok := s.records[rec.BookingID]; ok && stored.Compensating && !rec.Compensating {
		return domain.ErrStaleSagaVersion
	}
	s.records[rec.BookingID] = rec.Clone()
	return nil
}

func (s *BookingStore) GetSagaRecord(_ context.Context, bookingID uuid.UUID) (*domain.SagaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[bookingID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := rec.Clone()
	return &out, nil
}

func (s *BookingStore) CreateBooking(_ context.Context, b domain.Booking, rec domain.SagaRecord, notes []domain.NotificationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return err
	}
	if _, ok := s.bookings[b.ID]; ok {
		return domain.ErrConflict
	}
	for _, other := range s.bookings {
		if other.ProviderID == b.ProviderID && !other.Status.Terminal() &&
			other.SlotStart.Before(b.SlotEnd) && other.SlotEnd.After(b.SlotStart) {
			return domain.ErrSlotUnavailable
		}
	}
	s.bookings[b.ID] = b
	s.records[rec.BookingID] = rec.Clone()
	s.outbox = append(s.outbox, notes...)
	return nil
}

func (s *BookingStore) GetBooking(_ context.Context, id uuid.UUID) (*domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &b, nil
}

func (s *BookingStore) UpdateBooking(_ context.Context, b domain.Booking, expected int64, rec domain.SagaRecord, notes []domain.NotificationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return err
	}
	stored, ok := s.bookings[b.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.SagaVersion != expected {
		return domain.ErrStaleSagaVersion
	}
	if r, ok := s.records[b.ID]; ok && r.Compensating && !rec.Compensating {
		return domain.ErrStaleSagaVersion
	}
	s.bookings[b.ID] = b
	s.records[rec.BookingID] = rec.Clone()
	s.outbox = append(s.outbox, notes...)
	err := s.LoseAck
	s.LoseAck = nil
	return err
}

func (s *BookingStore) BeginCompensation(_ context.Context, bookingID uuid.UUID, expected int64, rec domain.SagaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return err
	}
	stored, ok := s.bookings[bookingID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.SagaVersion != expected {
		return domain.ErrStaleSagaVersion
	}
	if r, ok := s.records[bookingID]; ok && r.Compensating {
		return domain.ErrStaleSagaVersion
	}
	s.records[bookingID] = rec.Clone()
	return nil
}

func (s *BookingStore) OverdueBookings(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for _, b := range s.bookings {
		if !b.Status.Terminal() && b.Overdue(now) {
			ids = append(ids, b.ID)
		}
	}
	return capIDs(ids, limit), nil
}

func (s *BookingStore) StalledSagas(_ context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, rec := range s.records {
		if rec.Finished || !rec.UpdatedAt.Before(before) {
			continue
		}
		if b, ok := s.bookings[id]; ok && b.Status == domain.StatusPendingProviderDecision && !rec.Compensating {
			continue
		}
		ids = append(ids, id)
	}
	return capIDs(ids, limit), nil
}

func (s *BookingStore) DueReminders(_ context.Context, now, until time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, b := range s.bookings {
		if _, done := s.reminded[id]; done || b.Status != domain.StatusConfirmed {
			continue
		}
		if b.SlotStart.After(now) && !b.SlotStart.After(until) {
			ids = append(ids, id)
		}
	}
	return capIDs(ids, limit), nil
}

func (s *BookingStore) RecordReminder(_ context.Context, bookingID uuid.UUID, at time.Time, notes []domain.NotificationRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return false, err
	}
	b, ok := s.bookings[bookingID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if _, done := s.reminded[bookingID]; done || b.Status != domain.StatusConfirmed {
		return false, nil
	}
	s.reminded[bookingID] = at
	s.outbox = append(s.outbox, notes...)
	return true, nil
}

func (s *BookingStore) UnpaidCompletions(_ context.Context, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, b := range s.bookings {
		if b.Status != domain.StatusCompleted || b.ProviderPayout <= 0 {
			continue
		}
		if rec, ok := s.records[id]; ok && !rec.Done(domain.StepPayout) && rec.LastError == "" {
			ids = append(ids, id)
		}
	}
	return capIDs(ids, limit), nil
}

func (s *BookingStore) LockHolders(_ context.Context, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, rec := range s.records {
		if !rec.Finished && rec.HoldsLock() {
			ids = append(ids, id)
		}
	}
	return capIDs(ids, limit), nil
}

// Notifications returns every notification request written so far.
func (s *BookingStore) Notifications() []domain.NotificationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.NotificationRequest(nil), s.outbox...)
}

func capIDs(ids []uuid.UUID, limit int) []uuid.UUID {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	if limit > 0 && len(ids) > limit {
		return ids[:limit]
	}
	return ids
}
