package escrow

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/pandit-bookings/internal/domain"
	"github.com/robertarktes/pandit-bookings/internal/observability"
)

type ChargeStatus string

const (
	ChargePending    ChargeStatus = "pending"
	ChargeAuthorized ChargeStatus = "authorized"
	ChargeCaptured   ChargeStatus = "captured"
	ChargeFailed     ChargeStatus = "failed"
	ChargeReversed   ChargeStatus = "reversed"
)

type Charge struct {
	Reference   string
	Status      ChargeStatus
	Amount      int64
	Refunded    int64
	FailureCode string
}

type AuthorizeRequest struct {
	BookingID      uuid.UUID
	Amount         int64
	Currency       string
	Source         string
	IdempotencyKey string
}

// ErrDeclined marks gateway refusals that retrying will not change.
var ErrDeclined = errors.New("declined by payment gateway")

// Gateway is the external payment provider. Implementations mark transient
// failures with domain.ErrGatewayUnavailable and refusals with ErrDeclined.
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (Charge, error)
	Capture(ctx context.Context, ref string) (Charge, error)
	Void(ctx context.Context, ref string) error
	Refund(ctx context.Context, ref string, amount int64) error
	Retrieve(ctx context.Context, ref string) (Charge, error)
	Transfer(ctx context.Context, req TransferRequest) (string, error)
}

type Store interface {
	// ReservePayment inserts tx unless a row with the same idempotency key
	// exists, in which case that row is returned. It fails with
	// domain.ErrConflict when another active transaction exists for the booking.
	ReservePayment(ctx context.Context, tx domain.PaymentTransaction) (domain.PaymentTransaction, error)
	PaymentByReference(ctx context.Context, ref string) (*domain.PaymentTransaction, error)
	PaymentsByBooking(ctx context.Context, bookingID uuid.UUID) ([]domain.PaymentTransaction, error)
	SavePayment(ctx context.Context, tx domain.PaymentTransaction) error
	// ApplyWebhook records webhookID and saves tx atomically. A webhook id
	// seen before yields domain.ErrDuplicateWebhook and changes nothing.
	ApplyWebhook(ctx context.Context, webhookID string, tx domain.PaymentTransaction) error
	PurgeProcessedWebhooks(ctx context.Context, before time.Time) (int64, error)
	// ReservePayout inserts p unless the booking already has a payout, in
	// which case that one is returned with created false.
	ReservePayout(ctx context.Context, p domain.Payout) (domain.Payout, bool, error)
	SavePayout(ctx context.Context, p domain.Payout) error
}

type Config struct {
	Currency      string
	WebhookSecret string
}

type Coordinator struct {
	gateway Gateway
	store   Store
	cfg     Config
	logger  observability.Logger
	now     func() time.Time
}

func NewCoordinator(gateway Gateway, store Store, cfg Config, logger observability.Logger) *Coordinator {
	return &Coordinator{gateway: gateway, store: store, cfg: cfg, logger: logger, now: time.Now}
}

// Authorize reserves amount for the booking. Retrying with the same key
// returns the transaction reference issued the first time.
func (c *Coordinator) Authorize(ctx context.Context, bookingID uuid.UUID, amount int64, idempotencyKey, source string) (string, error) {
	if amount <= 0 || idempotencyKey == "" {
		return "", errors.Wrap(domain.ErrInvalidInput, "authorize needs a positive amount and an idempotency key")
	}
	now := c.now()
	tx, err := c.store.ReservePayment(ctx, domain.PaymentTransaction{
		ID:             uuid.New(),
		BookingID:      bookingID,
		State:          domain.PaymentPending,
		IdempotencyKey: idempotencyKey,
		Amount:         amount,
		Currency:       c.cfg.Currency,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return "", errors.Wrap(err, "reserve payment")
	}
	if tx.BookingID != bookingID || tx.Amount != amount {
		return "", errors.Wrapf(domain.ErrInvalidInput, "idempotency key %s reused for a different payment", idempotencyKey)
	}

	switch tx.State {
	case domain.PaymentAuthorized, domain.PaymentCaptured, domain.PaymentRefunded:
		return tx.GatewayReference, nil
	case domain.PaymentFailed:
		return "", domain.ErrAuthorizationRejected
	}

	charge, err := c.gateway.Authorize(ctx, AuthorizeRequest{
		BookingID:      bookingID,
		Amount:         amount,
		Currency:       c.cfg.Currency,
		Source:         source,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		if errors.Is(err, ErrDeclined) {
			observability.GatewayCalls.WithLabelValues("authorize", "declined").Inc()
			tx.State = domain.PaymentFailed
			tx.UpdatedAt = c.now()
			if serr := c.store.SavePayment(ctx, tx); serr != nil {
				return "", errors.Wrap(serr, "save declined authorization")
			}
			return "", errors.Mark(err, domain.ErrAuthorizationRejected)
		}
		observability.GatewayCalls.WithLabelValues("authorize", "error").Inc()
		return "", errors.Mark(err, domain.ErrGatewayUnavailable)
	}
	observability.GatewayCalls.WithLabelValues("authorize", "ok").Inc()

	tx.GatewayReference = charge.Reference
	tx.UpdatedAt = c.now()
	switch charge.Status {
	case ChargeFailed:
		tx.State = domain.PaymentFailed
	case ChargeCaptured:
		tx.State = domain.PaymentCaptured
		tx.CapturedAmount = charge.Amount
	default:
		tx.State = domain.PaymentAuthorized
	}
	if err := c.store.SavePayment(ctx, tx); err != nil {
		return "", errors.Wrap(err, "save authorization")
	}
	if tx.State == domain.PaymentFailed {
		return "", errors.Wrapf(domain.ErrAuthorizationRejected, "charge %s failed: %s", charge.Reference, charge.FailureCode)
	}
	return tx.GatewayReference, nil
}

// Capture finalizes an authorized charge. Transient failures are reported
// as domain.ErrCaptureFailed, refusals as domain.ErrCaptureRejected. A charge
// the gateway accepts but settles later stays AUTHORIZED until its webhook.
// A refusal is checked against the charge the gateway holds, so a capture
// that landed on an earlier attempt is recorded instead of failed.
func (c *Coordinator) Capture(ctx context.Context, ref string) error {
	tx, err := c.lookup(ctx, ref)
	if err != nil {
		return err
	}
	switch tx.State {
	case domain.PaymentCaptured:
		return nil
	case domain.PaymentRefunded:
		return errors.Wrapf(domain.ErrCaptureRejected, "transaction %s is %s", ref, tx.State)
	case domain.PaymentPending:
		return errors.Wrapf(domain.ErrCaptureFailed, "transaction %s is not authorized yet", ref)
	case domain.PaymentFailed:
		charge, err := c.gateway.Retrieve(ctx, ref)
		if err != nil {
			return errors.Mark(errors.Wrap(err, "retrieve charge"), domain.ErrCaptureFailed)
		}
		if charge.Status != ChargeCaptured {
			return errors.Wrapf(domain.ErrCaptureRejected, "transaction %s is %s", ref, tx.State)
		}
		return c.settleCapture(ctx, tx, charge)
	}

	charge, err := c.gateway.Capture(ctx, ref)
	if err != nil && !errors.Is(err, ErrDeclined) {
		observability.GatewayCalls.WithLabelValues("capture", "error").Inc()
		return errors.Mark(err, domain.ErrCaptureFailed)
	}
	if err != nil {
		observability.GatewayCalls.WithLabelValues("capture", "declined").Inc()
		current, rerr := c.gateway.Retrieve(ctx, ref)
		if rerr != nil {
			return errors.Mark(errors.Wrap(rerr, "retrieve refused charge"), domain.ErrCaptureFailed)
		}
		if current.Status != ChargeCaptured && current.Status != ChargePending {
			tx.State = domain.PaymentFailed
			tx.UpdatedAt = c.now()
			if serr := c.store.SavePayment(ctx, *tx); serr != nil {
				return errors.Wrap(serr, "save rejected capture")
			}
			return errors.Mark(err, domain.ErrCaptureRejected)
		}
		c.logger.WithField("gateway_reference", ref).WithField("charge_status", string(current.Status)).
			Warn("capture refused for a charge the gateway already settled")
		charge = current
	} else {
		observability.GatewayCalls.WithLabelValues("capture", "ok").Inc()
	}
	return c.settleCapture(ctx, tx, charge)
}

func (c *Coordinator) settleCapture(ctx context.Context, tx *domain.PaymentTransaction, charge Charge) error {
	switch charge.Status {
	case ChargeCaptured:
		tx.State = domain.PaymentCaptured
		tx.CapturedAmount = charge.Amount
		if tx.CapturedAmount == 0 {
			tx.CapturedAmount = tx.Amount
		}
	case ChargeFailed, ChargeReversed:
		tx.State = domain.PaymentFailed
	default:
		return nil
	}
	tx.UpdatedAt = c.now()
	if err := c.store.SavePayment(ctx, *tx); err != nil {
		return errors.Wrap(err, "save capture")
	}
	if tx.State == domain.PaymentFailed {
		return errors.Wrapf(domain.ErrCaptureRejected, "charge %s failed: %s", tx.GatewayReference, charge.FailureCode)
	}
	return nil
}

// Refund brings the charge's refunded total to what this transaction had
// refunded before plus amount. The charge is read from the gateway first, so
// only the difference is sent and a refund whose result was never saved is
// not issued twice. An authorization that was never captured is voided
// instead. Calling it again after success is a no-op.
func (c *Coordinator) Refund(ctx context.Context, ref string, amount int64) error {
	tx, err := c.lookup(ctx, ref)
	if err != nil {
		return err
	}
	if tx.State == domain.PaymentRefunded {
		return nil
	}
	if amount < 0 {
		return errors.Wrapf(domain.ErrInvalidInput, "negative refund %d", amount)
	}

	charge, err := c.gateway.Retrieve(ctx, ref)
	if err != nil {
		return refundError(err, "retrieve charge")
	}

	switch charge.Status {
	case ChargeCaptured:
		captured := charge.Amount
		if captured == 0 {
			captured = tx.Amount
		}
		target := tx.RefundedAmount + amount
		if target > captured {
			return errors.Wrapf(domain.ErrRefundExceedsCapture, "refund %d, refundable %d", amount, captured-tx.RefundedAmount)
		}
		if due := target - charge.Refunded; due > 0 {
			if err := c.gateway.Refund(ctx, ref, due); err != nil {
				observability.GatewayCalls.WithLabelValues("refund", "error").Inc()
				return refundError(err, "refund charge")
			}
			observability.GatewayCalls.WithLabelValues("refund", "ok").Inc()
		} else if amount > 0 {
			c.logger.WithField("gateway_reference", ref).WithField("refunded", charge.Refunded).
				Warn("refund already issued at gateway")
		}
		tx.CapturedAmount = captured
		tx.RefundedAmount = max(target, charge.Refunded)
		tx.State = domain.PaymentRefunded
	case ChargeAuthorized, ChargePending:
		if err := c.gateway.Void(ctx, ref); err != nil {
			observability.GatewayCalls.WithLabelValues("void", "error").Inc()
			return refundError(err, "void authorization")
		}
		observability.GatewayCalls.WithLabelValues("void", "ok").Inc()
		tx.State = domain.PaymentRefunded
	case ChargeReversed:
		tx.State = domain.PaymentRefunded
	default:
		tx.State = domain.PaymentFailed
	}

	tx.UpdatedAt = c.now()
	return c.store.SavePayment(ctx, *tx)
}

// refundError keeps gateway refusals out of the retry loop.
func refundError(err error, op string) error {
	if errors.Is(err, ErrDeclined) {
		return errors.Mark(errors.Wrap(err, op), domain.ErrRefundRejected)
	}
	return errors.Mark(errors.Wrap(err, op), domain.ErrGatewayUnavailable)
}

// Abandon fails every pending transaction of the booking that never got a
// gateway reference.
func (c *Coordinator) Abandon(ctx context.Context, bookingID uuid.UUID) error {
	txs, err := c.store.PaymentsByBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	for _, tx := range txs {
		if tx.State != domain.PaymentPending {
			continue
		}
		if tx.GatewayReference != "" {
			if err := c.Refund(ctx, tx.GatewayReference, 0); err != nil {
				return err
			}
			continue
		}
		tx.State = domain.PaymentFailed
		tx.UpdatedAt = c.now()
		if err := c.store.SavePayment(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) Lookup(ctx context.Context, ref string) (*domain.PaymentTransaction, error) {
	return c.lookup(ctx, ref)
}

// ForBooking returns the booking's most recent transaction, if any.
func (c *Coordinator) ForBooking(ctx context.Context, bookingID uuid.UUID) (*domain.PaymentTransaction, error) {
	txs, err := c.store.PaymentsByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	latest := txs[0]
	for _, tx := range txs[1:] {
		if tx.CreatedAt.After(latest.CreatedAt) {
			latest = tx
		}
	}
	return &latest, nil
}

func (c *Coordinator) PurgeWebhooks(ctx context.Context, retention time.Duration) (int64, error) {
	return c.store.PurgeProcessedWebhooks(ctx, c.now().Add(-retention))
}

func (c *Coordinator) lookup(ctx context.Context, ref string) (*domain.PaymentTransaction, error) {
	if ref == "" {
		return nil, domain.ErrUnknownTransaction
	}
	tx, err := c.store.PaymentByReference(ctx, ref)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, errors.Wrapf(domain.ErrUnknownTransaction, "reference %s", ref)
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}
