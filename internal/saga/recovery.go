package saga

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/pandit-bookings/internal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Expire leaves terminal bookings and bookings within their deadline alone,
// so the sweeper may pass stale candidates.
func (o *Orchestrator) Expire(ctx context.Context, bookingID uuid.UUID) (err error) {
	ctx, span := o.tracer.Start(ctx, "saga.Expire", trace.WithAttributes(
		attribute.String("booking_id", bookingID.String()),
	))
	defer func() { endSpan(span, err) }()

	b, rec, err := o.load(ctx, bookingID)
	if err != nil {
		return err
	}
	if rec.Compensating {
		return o.unwind(ctx, b, rec, actorSystem)
	}
	if b.Status.Terminal() || !b.Overdue(o.now()) {
		return nil
	}
	return o.compensate(ctx, b, rec, domain.EventExpire, "deadline elapsed", b.PriceAmount, actorSystem)
}

func (o *Orchestrator) Resume(ctx context.Context, bookingID uuid.UUID) (err error) {
	ctx, span := o.tracer.Start(ctx, "saga.Resume", trace.WithAttributes(
		attribute.String("booking_id", bookingID.String()),
	))
	defer func() { endSpan(span, err) }()

	rec, err := o.store.GetSagaRecord(ctx, bookingID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "load saga record %s", bookingID)
	}
	if rec.Finished {
		return nil
	}

	b, err := o.store.GetBooking(ctx, bookingID)
	if errors.Is(err, domain.ErrNotFound) {
		o.log(bookingID, domain.StepCreateBooking).Warn("booking was never created, releasing slot")
		o.abort(ctx, rec, errors.New("booking was never created"))
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "load booking %s", bookingID)
	}

	switch {
	case rec.Compensating:
		return o.unwind(ctx, *b, rec, actorSystem)
	case b.Status.Terminal():
		return o.finish(ctx, bookingID, rec)
	case b.Overdue(o.now()):
		return o.compensate(ctx, *b, rec, domain.EventExpire, "deadline elapsed", b.PriceAmount, actorSystem)
	case b.Status == domain.StatusRequested, b.Status == domain.StatusPendingProviderDecision:
		return nil
	}
	return o.advance(ctx, *b, rec)
}

func (o *Orchestrator) Heartbeat(ctx context.Context, bookingID uuid.UUID) error {
	rec, err := o.store.GetSagaRecord(ctx, bookingID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "load saga record %s", bookingID)
	}
	if rec.Finished || !rec.HoldsLock() {
		return nil
	}
	err = o.locks.Reclaim(ctx, rec.LockKey, rec.LockToken, o.cfg.LockLease)
	if errors.Is(err, domain.ErrLockHeld) {
		o.log(bookingID, domain.StepLockSlot).Warn("slot lock taken over by another holder")
	}
	return err
}

// ReceivePaymentWebhook returns nil once the event is applied. A failure
// while moving the saga on is left to the sweeper.
func (o *Orchestrator) ReceivePaymentWebhook(ctx context.Context, payload []byte, signature string) (err error) {
	ctx, span := o.tracer.Start(ctx, "saga.ReceivePaymentWebhook")
	defer func() { endSpan(span, err) }()

	ref, state, err := o.escrow.ReconcileWebhook(ctx, payload, signature)
	if err != nil {
		if domain.IsIntegrity(err) {
			o.logger.WithField("gateway_reference", ref).WithError(err).Warn("payment webhook rejected")
		}
		return err
	}

	tx, err := o.escrow.Lookup(ctx, ref)
	if err != nil {
		o.logger.WithField("gateway_reference", ref).WithError(err).Error("failed to load reconciled payment")
		return nil
	}
	span.SetAttributes(attribute.String("booking_id", tx.BookingID.String()))
	if err := o.afterPayment(ctx, tx, state); err != nil {
		o.log(tx.BookingID, "").WithError(err).Error("failed to continue saga after webhook")
	}
	return nil
}

func (o *Orchestrator) afterPayment(ctx context.Context, tx *domain.PaymentTransaction, state domain.PaymentState) error {
	b, rec, err := o.load(ctx, tx.BookingID)
	if err != nil {
		return err
	}

	switch {
	case state == domain.PaymentCaptured && b.Status.Terminal() && b.Status != domain.StatusCompleted:
		refund := tx.CapturedAmount - tx.RefundedAmount
		if refund <= 0 {
			return nil
		}
		o.log(b.ID, domain.StepRefundPayment).WithField("amount", refund).Warn("capture arrived after booking ended, refunding")
		return o.retry(ctx, b.ID, domain.StepRefundPayment, func() error {
			return o.escrow.Refund(ctx, tx.GatewayReference, refund)
		})
	case rec.Compensating && !rec.Finished:
		return o.unwind(ctx, b, rec, actorGateway)
	case state == domain.PaymentCaptured && b.Status == domain.StatusAwaitingPayment && !rec.Compensating:
		return o.advance(ctx, b, rec)
	case state == domain.PaymentFailed && !rec.Compensating &&
		(b.Status == domain.StatusAccepted || b.Status == domain.StatusAwaitingPayment):
		cause := errors.Wrapf(domain.ErrCaptureRejected, "gateway failed transaction %s", tx.GatewayReference)
		return o.failPayment(ctx, b, rec, domain.StepCapturePayment, cause)
	}
	return nil
}
