// Package memory holds in-process implementations of the storage ports.
// They keep the same atomicity and versioning rules as the real adapters
// and back the unit tests of the saga components.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/robertarktes/pandit-bookings/internal/slotlock"
)

type lockEntry struct {
	token     string
	expiresAt time.Time
}

type LockStore struct {
	mu    sync.Mutex
	locks map[string]lockEntry
	now   func() time.Time
}

func NewLockStore(now func() time.Time) *LockStore {
	if now == nil {
		now = time.Now
	}
	return &LockStore{locks: map[string]lockEntry{}, now: now}
}

func (s *LockStore) live(key string) (lockEntry, bool) {
	e, ok := s.locks[key]
	if !ok {
		return lockEntry{}, false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.locks, key)
		return lockEntry{}, false
	}
	return e, true
}

func (s *LockStore) SetIfAbsent(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.locks[key] = lockEntry{token: token, expiresAt: s.now().Add(ttl)}
	return true, nil
}

func (s *LockStore) ExtendIfOwner(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok || e.token != token {
		return false, nil
	}
	e.expiresAt = s.now().Add(ttl)
	s.locks[key] = e
	return true, nil
}

func (s *LockStore) DeleteIfOwner(_ context.Context, key, token string) (slotlock.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return slotlock.Absent, nil
	}
	if e.token != token {
		return slotlock.NotOwner, nil
	}
	delete(s.locks, key)
	return slotlock.Deleted, nil
}

func (s *LockStore) Owner(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return "", nil
	}
	return e.token, nil
}

// Len counts live locks.
func (s *LockStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.locks {
		if _, ok := s.live(k); ok {
			n++
		}
	}
	return n
}
