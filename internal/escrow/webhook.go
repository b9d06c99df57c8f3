package escrow

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/pandit-bookings/internal/domain"
	"github.com/robertarktes/pandit-bookings/internal/observability"
)

// WebhookEvent is the gateway's event envelope.
type WebhookEvent struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Data struct {
		ID         string `json:"id"`
		Charge     string `json:"charge"`
		Status     string `json:"status"`
		Amount     int64  `json:"amount"`
		Authorized bool   `json:"authorized"`
		Paid       bool   `json:"paid"`
	} `json:"data"`
}

// Sign computes the signature header value for payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Coordinator) verify(payload []byte, signature string) error {
	if c.cfg.WebhookSecret == "" || signature == "" {
		return domain.ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return domain.ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(c.cfg.WebhookSecret))
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

// ReconcileWebhook applies a verified gateway event to the local
// transaction it references. The event is the source of truth; the local
// state only moves forward (PENDING, AUTHORIZED, CAPTURED, REFUNDED).
func (c *Coordinator) ReconcileWebhook(ctx context.Context, payload []byte, signature string) (string, domain.PaymentState, error) {
	if err := c.verify(payload, signature); err != nil {
		observability.Webhooks.WithLabelValues("invalid_signature").Inc()
		return "", "", err
	}

	var ev WebhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		observability.Webhooks.WithLabelValues("malformed").Inc()
		return "", "", errors.Wrap(domain.ErrInvalidInput, "malformed webhook payload")
	}
	if ev.ID == "" {
		observability.Webhooks.WithLabelValues("malformed").Inc()
		return "", "", errors.Wrap(domain.ErrInvalidInput, "webhook without event id")
	}

	ref, state, amount, err := interpret(ev)
	if err != nil {
		observability.Webhooks.WithLabelValues("unsupported").Inc()
		return "", "", err
	}

	tx, err := c.lookup(ctx, ref)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownTransaction) {
			observability.Webhooks.WithLabelValues("unknown_transaction").Inc()
			c.logger.WithField("gateway_reference", ref).Warn("webhook for unknown transaction rejected")
		}
		return ref, "", err
	}

	updated := *tx
	if advances(tx.State, state) {
		updated.State = state
		switch state {
		case domain.PaymentCaptured:
			updated.CapturedAmount = amount
			if updated.CapturedAmount == 0 {
				updated.CapturedAmount = tx.Amount
			}
		case domain.PaymentRefunded:
			updated.RefundedAmount = tx.RefundedAmount + amount
			if updated.RefundedAmount > updated.CapturedAmount {
				updated.RefundedAmount = updated.CapturedAmount
			}
		}
		updated.UpdatedAt = c.now()
	}

	if err := c.store.ApplyWebhook(ctx, ev.ID, updated); err != nil {
		if errors.Is(err, domain.ErrDuplicateWebhook) {
			observability.Webhooks.WithLabelValues("duplicate").Inc()
			return ref, tx.State, err
		}
		return ref, "", errors.Wrap(err, "apply webhook")
	}
	observability.Webhooks.WithLabelValues("applied").Inc()
	return ref, updated.State, nil
}

func interpret(ev WebhookEvent) (string, domain.PaymentState, int64, error) {
	d := ev.Data
	switch ev.Key {
	case "charge.create", "charge.complete", "charge.capture":
		if d.ID == "" {
			break
		}
		switch {
		case d.Status == "failed":
			return d.ID, domain.PaymentFailed, 0, nil
		case d.Status == "successful" || d.Paid || ev.Key == "charge.capture":
			return d.ID, domain.PaymentCaptured, d.Amount, nil
		case d.Authorized:
			return d.ID, domain.PaymentAuthorized, 0, nil
		}
	case "refund.create":
		if d.Charge != "" {
			return d.Charge, domain.PaymentRefunded, d.Amount, nil
		}
	}
	return "", "", 0, errors.Wrapf(domain.ErrInvalidInput, "unsupported webhook %s", ev.Key)
}

var stateRank = map[domain.PaymentState]int{
	domain.PaymentPending:    0,
	domain.PaymentAuthorized: 1,
	domain.PaymentCaptured:   2,
	domain.PaymentRefunded:   3,
}

// advances reports whether the gateway's view moves the local state
// forward. A capture reported by the gateway overrides a local failure.
func advances(from, to domain.PaymentState) bool {
	if from == to || from == domain.PaymentRefunded {
		return false
	}
	if from == domain.PaymentFailed {
		return to == domain.PaymentCaptured
	}
	if to == domain.PaymentFailed {
		return from == domain.PaymentPending || from == domain.PaymentAuthorized
	}
	return stateRank[to] > stateRank[from]
}
