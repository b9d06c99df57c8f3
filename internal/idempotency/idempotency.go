// Package idempotency replays the stored response of a request retried
// under the same Idempotency-Key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrInFlight means another request with the same key is still running.
	ErrInFlight = errors.New("request with this idempotency key is in progress")
	// ErrKeyReused means the key was first used for a different request.
	ErrKeyReused = errors.New("idempotency key reused for a different request")
)

type Response struct {
	Status      int    `json:"status"`
	Body        []byte `json:"body"`
	ContentType string `json:"content_type"`
	Fingerprint string `json:"fingerprint"`
}

type Store interface {
	Get(ctx context.Context, key string) (*Response, error)
	Set(ctx context.Context, key string, resp Response, ttl time.Duration) error
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unclaim(ctx context.Context, key string) error
}

type Idempotency struct {
	store      Store
	ttl        time.Duration
	claimUntil time.Duration
}

func NewIdempotency(store Store, ttl time.Duration) *Idempotency {
	return &Idempotency{store: store, ttl: ttl, claimUntil: time.Minute}
}

// Fingerprint identifies a request body so a key cannot be replayed
// against a different one.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Begin returns the stored response for key when there is one. Otherwise
// it claims key for the caller, who must then call Complete or Abort.
func (i *Idempotency) Begin(ctx context.Context, key, fingerprint string) (*Response, error) {
	resp, err := i.store.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "read idempotency record")
	}
	if resp != nil {
		if resp.Fingerprint != fingerprint {
			return nil, ErrKeyReused
		}
		return resp, nil
	}
	ok, err := i.store.Claim(ctx, key, i.claimUntil)
	if err != nil {
		return nil, errors.Wrap(err, "claim idempotency key")
	}
	if !ok {
		return nil, ErrInFlight
	}
	return nil, nil
}

func (i *Idempotency) Complete(ctx context.Context, key string, resp Response) error {
	if err := i.store.Set(ctx, key, resp, i.ttl); err != nil {
		return errors.Wrap(err, "store idempotency record")
	}
	return i.store.Unclaim(ctx, key)
}

// Abort releases the claim without storing a response, so the client may
// retry.
func (i *Idempotency) Abort(ctx context.Context, key string) error {
	return i.store.Unclaim(ctx, key)
}
