package saga

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/pandit-bookings/internal/domain"
	"github.com/robertarktes/pandit-bookings/internal/observability"
)

func authorizeKey(bookingID uuid.UUID) string {
	return bookingID.String() + ":authorize"
}

// advance returns nil while the capture is still settling at the gateway.
func (o *Orchestrator) advance(ctx context.Context, b domain.Booking, rec *domain.SagaRecord) error {
	if !rec.Done(domain.StepAuthorizePayment) {
		if err := o.holdLock(ctx, b, rec); err != nil {
			return err
		}
		var ref string
		err := o.retry(ctx, b.ID, domain.StepAuthorizePayment, func() error {
			var err error
			ref, err = o.escrow.Authorize(ctx, b.ID, b.PriceAmount, authorizeKey(b.ID), b.PaymentSource)
			return err
		})
		if err != nil {
			return o.failPayment(ctx, b, rec, domain.StepAuthorizePayment, err)
		}
		rec.TransactionRef = ref
		b, err = o.commit(ctx, b, domain.EventPaymentAuthorized, rec, domain.StepAuthorizePayment, actorSystem, nil)
		if err != nil {
			return err
		}
	}

	if !rec.Done(domain.StepCapturePayment) {
		if err := o.holdLock(ctx, b, rec); err != nil {
			return err
		}
		err := o.retry(ctx, b.ID, domain.StepCapturePayment, func() error {
			return o.escrow.Capture(ctx, rec.TransactionRef)
		})
		if err != nil {
			return o.failPayment(ctx, b, rec, domain.StepCapturePayment, err)
		}
		if err := o.step(ctx, rec, domain.StepCapturePayment); err != nil {
			return err
		}
	}

	if !rec.Done(domain.StepMarkConfirmed) {
		tx, err := o.escrow.Lookup(ctx, rec.TransactionRef)
		if err != nil {
			return errors.Wrap(err, "load payment")
		}
		switch tx.State {
		case domain.PaymentCaptured:
		case domain.PaymentFailed, domain.PaymentRefunded:
			return o.failPayment(ctx, b, rec, domain.StepMarkConfirmed,
				errors.Wrapf(domain.ErrCaptureRejected, "transaction %s is %s", tx.GatewayReference, tx.State))
		default:
			o.log(b.ID, domain.StepMarkConfirmed).Info("waiting for capture confirmation")
			return nil
		}
		b, err = o.commit(ctx, b, domain.EventPaymentCaptured, rec, domain.StepMarkConfirmed, actorSystem, nil)
		if err != nil {
			return err
		}
	}

	return o.finish(ctx, b.ID, rec)
}

func (o *Orchestrator) finish(ctx context.Context, bookingID uuid.UUID, rec *domain.SagaRecord) error {
	if rec.HoldsLock() {
		err := o.locks.Release(ctx, rec.LockKey, rec.LockToken)
		if errors.Is(err, domain.ErrLockLost) {
			o.log(bookingID, domain.StepReleaseLock).Warn("slot lock already taken over")
		} else if err != nil {
			o.park(ctx, rec, err)
			return errors.Wrap(err, "release slot lock")
		}
	}
	done := rec.Clone()
	done.Complete(domain.StepReleaseLock, o.now())
	done.Finished = true
	if err := o.store.SaveSagaRecord(ctx, done); err != nil {
		return errors.Wrap(err, "save saga record")
	}
	*rec = done
	return nil
}

// holdLock extends the lease before a long-running step. A lease that
// lapsed is taken back under the same token unless another saga has the
// slot, in which case this booking is cancelled.
func (o *Orchestrator) holdLock(ctx context.Context, b domain.Booking, rec *domain.SagaRecord) error {
	if !rec.HoldsLock() {
		return nil
	}
	err := o.locks.Reclaim(ctx, rec.LockKey, rec.LockToken, o.cfg.LockLease)
	if errors.Is(err, domain.ErrLockHeld) {
		o.log(b.ID, "").Warn("slot lock lost to another holder")
		if cerr := o.compensate(ctx, b, rec, domain.EventCancel, "slot lock lost", b.PriceAmount, actorSystem); cerr != nil {
			return cerr
		}
		return errors.Mark(errors.Wrap(err, "slot lock lost"), domain.ErrLockLost)
	}
	return err
}

func (o *Orchestrator) failPayment(ctx context.Context, b domain.Booking, rec *domain.SagaRecord, step domain.Step, cause error) error {
	if ctx.Err() != nil {
		o.park(ctx, rec, cause)
		return cause
	}
	o.log(b.ID, step).WithError(cause).Warn("payment step failed, compensating")
	if err := o.compensate(ctx, b, rec, domain.EventPaymentFailed, cause.Error(), b.PriceAmount, actorSystem); err != nil {
		return err
	}
	return errors.Mark(errors.Wrap(cause, "payment declined"), domain.ErrPaymentDeclined)
}

func (o *Orchestrator) commit(ctx context.Context, b domain.Booking, ev domain.Event, rec *domain.SagaRecord, step domain.Step, actor string, mutate func(*domain.Booking)) (domain.Booking, error) {
	now := o.now()
	next, effects, err := b.Apply(ev, now)
	if err != nil {
		return b, err
	}
	if mutate != nil {
		mutate(&next)
	}
	updated := rec.Clone()
	if step != "" {
		updated.Complete(step, now)
	} else {
		updated.UpdatedAt = now
	}
	updated.WriteID = uuid.New()
	notes := o.notifications(next, effects, now)

	var unsure bool
	err = o.retry(ctx, b.ID, step, func() error {
		err := o.store.UpdateBooking(ctx, next, b.SagaVersion, updated, notes)
		unsure = unsure || domain.IsTransient(err)
		return err
	})
	if errors.Is(err, domain.ErrStaleSagaVersion) && unsure && o.landed(ctx, updated) {
		err = nil
	}
	if err != nil {
		return b, errors.Wrapf(err, "apply %s to booking %s", ev, b.ID)
	}

	*rec = updated
	observability.SagaTransitions.WithLabelValues(string(b.Status), string(next.Status)).Inc()
	o.audit(ctx, b, next, ev, actor, rec.CompensationReason)
	o.log(b.ID, step).WithField("status", string(next.Status)).Info("booking transitioned")
	return next, nil
}

func (o *Orchestrator) step(ctx context.Context, rec *domain.SagaRecord, step domain.Step) error {
	updated := rec.Clone()
	updated.Complete(step, o.now())
	err := o.retry(ctx, rec.BookingID, step, func() error {
		return o.store.SaveSagaRecord(ctx, updated)
	})
	if err != nil {
		return errors.Wrapf(err, "record %s", step)
	}
	*rec = updated
	return nil
}

// landed reports whether the stored saga record carries rec's write id,
// which is the case when an earlier attempt committed but its
// acknowledgement was lost.
func (o *Orchestrator) landed(ctx context.Context, rec domain.SagaRecord) bool {
	got, err := o.store.GetSagaRecord(ctx, rec.BookingID)
	return err == nil && got.WriteID == rec.WriteID
}

func (o *Orchestrator) retry(ctx context.Context, bookingID uuid.UUID, step domain.Step, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.cfg.InitialBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(o.cfg.MaxRetries)), ctx)

	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !domain.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		o.log(bookingID, step).WithError(err).WithField("retry_in", wait.String()).Warn("step failed, retrying")
	})
}

func (o *Orchestrator) abort(ctx context.Context, rec *domain.SagaRecord, cause error) {
	ctx = context.WithoutCancel(ctx)
	if rec.HoldsLock() {
		if err := o.locks.Release(ctx, rec.LockKey, rec.LockToken); err != nil && !errors.Is(err, domain.ErrLockLost) {
			o.log(rec.BookingID, domain.StepReleaseLock).WithError(err).Error("failed to release slot lock")
			o.park(ctx, rec, cause)
			return
		}
		rec.Complete(domain.StepReleaseLock, o.now())
	}
	rec.Finished = true
	rec.Fail(cause, o.now())
	if err := o.store.SaveSagaRecord(ctx, *rec); err != nil {
		o.log(rec.BookingID, "").WithError(err).Error("failed to close aborted saga")
	}
}

func (o *Orchestrator) park(ctx context.Context, rec *domain.SagaRecord, cause error) {
	updated := rec.Clone()
	updated.Fail(cause, o.now())
	if err := o.store.SaveSagaRecord(context.WithoutCancel(ctx), updated); err != nil {
		o.log(rec.BookingID, "").WithError(err).Error("failed to record saga failure")
		return
	}
	*rec = updated
}

func (o *Orchestrator) notifications(b domain.Booking, effects []domain.Effect, at time.Time) []domain.NotificationRequest {
	if len(effects) == 0 {
		return nil
	}
	notes := make([]domain.NotificationRequest, 0, len(effects))
	for _, e := range effects {
		notes = append(notes, domain.NotificationRequest{
			ID:          uuid.New(),
			BookingID:   b.ID,
			RecipientID: b.Recipient(e.Notify),
			TemplateID:  e.Template,
			Context: map[string]string{
				"booking_number": b.Number,
				"status":         string(b.Status),
				"slot_start":     b.SlotStart.Format(time.RFC3339),
				"slot_end":       b.SlotEnd.Format(time.RFC3339),
				"amount":         strconv.FormatInt(b.PriceAmount, 10),
				"currency":       b.Currency,
			},
			CreatedAt: at,
		})
	}
	return notes
}

func (o *Orchestrator) audit(ctx context.Context, from, to domain.Booking, ev domain.Event, actor, reason string) {
	if o.auditor == nil {
		return
	}
	err := o.auditor.RecordTransition(ctx, domain.AuditEntry{
		BookingID:   to.ID,
		From:        from.Status,
		To:          to.Status,
		Event:       ev,
		Actor:       actor,
		SagaVersion: to.SagaVersion,
		Reason:      reason,
		At:          to.UpdatedAt,
	})
	if err != nil {
		o.log(to.ID, "").WithError(err).Warn("failed to record audit entry")
	}
}
