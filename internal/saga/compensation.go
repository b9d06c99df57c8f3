package saga

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/pandit-bookings/internal/domain"
	"github.com/robertarktes/pandit-bookings/internal/observability"
)

// compensate switches the saga to unwinding under the booking's current
// version and then unwinds it. Once the switch is stored, a crash resumes
// the unwinding and never forward progress.
func (o *Orchestrator) compensate(ctx context.Context, b domain.Booking, rec *domain.SagaRecord, ev domain.Event, reason string, refund int64, actor string) error {
	if rec.Compensating {
		return o.unwind(ctx, b, rec, actor)
	}
	if _, _, err := domain.Next(b.Status, ev); err != nil {
		return err
	}

	next := rec.Clone()
	next.BeginCompensation(ev, reason, refund, o.now())
	if err := o.store.BeginCompensation(ctx, b.ID, b.SagaVersion, next); err != nil {
		return errors.Wrapf(err, "begin compensation of booking %s", b.ID)
	}
	*rec = next
	observability.Compensations.WithLabelValues(string(ev)).Inc()
	o.log(b.ID, "").WithField("event", string(ev)).WithField("reason", reason).Warn("compensating saga")
	return o.unwind(ctx, b, rec, actor)
}

func (o *Orchestrator) unwind(ctx context.Context, b domain.Booking, rec *domain.SagaRecord, actor string) error {
	if !rec.Done(domain.StepRefundPayment) {
		if err := o.refund(ctx, b, rec); err != nil {
			o.park(ctx, rec, err)
			return errors.Wrap(err, "refund payment")
		}
		if err := o.step(ctx, rec, domain.StepRefundPayment); err != nil {
			return err
		}
	}

	if rec.HoldsLock() {
		err := o.locks.Release(ctx, rec.LockKey, rec.LockToken)
		if err != nil && !errors.Is(err, domain.ErrLockLost) {
			o.park(ctx, rec, err)
			return errors.Wrap(err, "release slot lock")
		}
		if err := o.step(ctx, rec, domain.StepReleaseLock); err != nil {
			return err
		}
	}

	if !rec.Done(domain.StepMarkTerminal) && !b.Status.Terminal() {
		rec.Finished = true
		if _, err := o.commit(ctx, b, rec.CompensationEvent, rec, domain.StepMarkTerminal, actor, nil); err != nil {
			rec.Finished = false
			return err
		}
		return nil
	}

	done := rec.Clone()
	done.Complete(domain.StepMarkTerminal, o.now())
	done.Finished = true
	if err := o.store.SaveSagaRecord(ctx, done); err != nil {
		return errors.Wrap(err, "save saga record")
	}
	*rec = done
	return nil
}

func (o *Orchestrator) refund(ctx context.Context, b domain.Booking, rec *domain.SagaRecord) error {
	ref := rec.TransactionRef
	if ref == "" {
		tx, err := o.escrow.ForBooking(ctx, b.ID)
		if err != nil {
			return err
		}
		if tx == nil {
			return nil
		}
		if tx.GatewayReference == "" {
			return o.escrow.Abandon(ctx, b.ID)
		}
		ref = tx.GatewayReference
	}

	tx, err := o.escrow.Lookup(ctx, ref)
	if err != nil {
		return err
	}
	amount := rec.RefundAmount
	if tx.State == domain.PaymentCaptured {
		remaining := tx.CapturedAmount - tx.RefundedAmount
		if amount > remaining || amount < 0 {
			amount = remaining
		}
		if amount == 0 {
			o.log(b.ID, domain.StepRefundPayment).Info("nothing refundable under the cancellation policy")
			return nil
		}
	}
	return o.retry(ctx, b.ID, domain.StepRefundPayment, func() error {
		return o.escrow.Refund(ctx, ref, amount)
	})
}
