package directory

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/robertarktes/pandit-bookings/internal/domain"
	"github.com/robertarktes/pandit-bookings/internal/observability"
)

// Source answers whether a provider may take bookings and where their
// payouts go.
type Source interface {
	IsVerified(ctx context.Context, providerID string) (bool, error)
	PayoutRecipient(ctx context.Context, providerID string) (string, error)
}

// Cached keeps verification answers for a short time so that a burst of
// requests for one provider costs a single lookup. Failed lookups are not
// cached.
type Cached struct {
	source Source
	cache  *expirable.LRU[string, bool]
	logger observability.Logger
}

func NewCached(source Source, size int, ttl time.Duration, logger observability.Logger) *Cached {
	if size <= 0 {
		size = 1
	}
	return &Cached{
		source: source,
		cache:  expirable.NewLRU[string, bool](size, nil, ttl),
		logger: logger,
	}
}

func (c *Cached) IsVerified(ctx context.Context, providerID string) (bool, error) {
	if v, ok := c.cache.Get(providerID); ok {
		c.logger.WithField("provider_id", providerID).Debug("directory cache hit")
		return v, nil
	}
	v, err := c.source.IsVerified(ctx, providerID)
	if err != nil {
		return false, errors.Wrapf(err, "look up provider %s", providerID)
	}
	c.cache.Add(providerID, v)
	return v, nil
}

// PayoutRecipient always asks the source.
func (c *Cached) PayoutRecipient(ctx context.Context, providerID string) (string, error) {
	r, err := c.source.PayoutRecipient(ctx, providerID)
	if err != nil {
		return "", errors.Wrapf(err, "look up payout recipient of %s", providerID)
	}
	return r, nil
}

// Forget drops a cached answer, e.g. after a provider's status changed.
func (c *Cached) Forget(providerID string) {
	c.cache.Remove(providerID)
}

// Static is a fixed directory for local runs and tests.
type Static map[string]bool

func (s Static) IsVerified(_ context.Context, providerID string) (bool, error) {
	return s[providerID], nil
}

// PayoutRecipient pays each verified provider under their own id.
func (s Static) PayoutRecipient(_ context.Context, providerID string) (string, error) {
	if !s[providerID] {
		return "", errors.Wrapf(domain.ErrNotFound, "provider %s", providerID)
	}
	return providerID, nil
}
