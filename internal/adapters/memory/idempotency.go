package memory

import (
	"context"
	"sync"
	"time"

	"github.com/robertarktes/pandit-bookings/internal/idempotency"
)

// IdempotencyStore ignores ttls; entries live as long as the store.
type IdempotencyStore struct {
	mu     sync.Mutex
	resp   map[string]idempotency.Response
	claims map[string]struct{}
}

func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{resp: map[string]idempotency.Response{}, claims: map[string]struct{}{}}
}

func (s *IdempotencyStore) Get(_ context.Context, key string) (*idempotency.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resp[key]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *IdempotencyStore) Set(_ context.Context, key string, resp idempotency.Response, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resp[key] = resp
	return nil
}

func (s *IdempotencyStore) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claims[key]; ok {
		return false, nil
	}
	s.claims[key] = struct{}{}
	return true, nil
}

func (s *IdempotencyStore) Unclaim(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, key)
	return nil
}
