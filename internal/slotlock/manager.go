// Package slotlock hands out time-boxed exclusive locks on provider slots.
// Every lock carries a fencing token; renew and release only act when the
// presented token is the one currently stored for the key.
package slotlock

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/pandit-bookings/internal/domain"
	"github.com/robertarktes/pandit-bookings/internal/observability"
)

type Outcome int

const (
	Deleted Outcome = iota
	Absent
	NotOwner
)

// Store is the lock store. Each method must be a single atomic operation.
type Store interface {
	SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ExtendIfOwner(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	DeleteIfOwner(ctx context.Context, key, token string) (Outcome, error)
	Owner(ctx context.Context, key string) (string, error)
}

type Manager struct {
	store  Store
	logger observability.Logger
}

func NewManager(store Store, logger observability.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

func (m *Manager) Acquire(ctx context.Context, key string, lease time.Duration) (string, error) {
	if lease <= 0 {
		return "", errors.Wrap(domain.ErrInvalidInput, "lease must be positive")
	}
	token := uuid.NewString()
	ok, err := m.store.SetIfAbsent(ctx, key, token, lease)
	if err != nil {
		observability.SlotLockOps.WithLabelValues("acquire", "error").Inc()
		return "", errors.Wrapf(err, "acquire %s", key)
	}
	if !ok {
		observability.SlotLockOps.WithLabelValues("acquire", "held").Inc()
		return "", domain.ErrLockHeld
	}
	observability.SlotLockOps.WithLabelValues("acquire", "ok").Inc()
	return token, nil
}

func (m *Manager) Renew(ctx context.Context, key, token string, lease time.Duration) error {
	ok, err := m.store.ExtendIfOwner(ctx, key, token, lease)
	if err != nil {
		observability.SlotLockOps.WithLabelValues("renew", "error").Inc()
		return errors.Wrapf(err, "renew %s", key)
	}
	if !ok {
		observability.SlotLockOps.WithLabelValues("renew", "lost").Inc()
		return domain.ErrLockLost
	}
	observability.SlotLockOps.WithLabelValues("renew", "ok").Inc()
	return nil
}

// Release is idempotent. An absent lock is already released; a lock held
// under another token is left alone and reported as lost.
func (m *Manager) Release(ctx context.Context, key, token string) error {
	out, err := m.store.DeleteIfOwner(ctx, key, token)
	if err != nil {
		observability.SlotLockOps.WithLabelValues("release", "error").Inc()
		return errors.Wrapf(err, "release %s", key)
	}
	switch out {
	case NotOwner:
		observability.SlotLockOps.WithLabelValues("release", "lost").Inc()
		m.logger.WithField("lock_key", key).Warn("release with stale token ignored")
		return domain.ErrLockLost
	case Absent:
		observability.SlotLockOps.WithLabelValues("release", "absent").Inc()
	default:
		observability.SlotLockOps.WithLabelValues("release", "ok").Inc()
	}
	return nil
}

// Verify checks that token is still the live holder of key.
func (m *Manager) Verify(ctx context.Context, key, token string) error {
	owner, err := m.store.Owner(ctx, key)
	if err != nil {
		return errors.Wrapf(err, "verify %s", key)
	}
	if owner != token {
		return domain.ErrLockLost
	}
	return nil
}

// Reclaim re-establishes an expired lease under the same token. It fails
// with LockHeld when another holder has taken the key in the meantime.
func (m *Manager) Reclaim(ctx context.Context, key, token string, lease time.Duration) error {
	if err := m.Renew(ctx, key, token, lease); !errors.Is(err, domain.ErrLockLost) {
		return err
	}
	ok, err := m.store.SetIfAbsent(ctx, key, token, lease)
	if err != nil {
		return errors.Wrapf(err, "reclaim %s", key)
	}
	if !ok {
		observability.SlotLockOps.WithLabelValues("reclaim", "held").Inc()
		return domain.ErrLockHeld
	}
	observability.SlotLockOps.WithLabelValues("reclaim", "ok").Inc()
	return nil
}
