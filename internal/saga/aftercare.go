package saga

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/pandit-bookings/internal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func (o *Orchestrator) Payout(ctx context.Context, bookingID uuid.UUID) (err error) {
	ctx, span := o.tracer.Start(ctx, "saga.Payout", trace.WithAttributes(
		attribute.String("booking_id", bookingID.String()),
	))
	defer func() { endSpan(span, err) }()

	b, rec, err := o.load(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.Status != domain.StatusCompleted {
		return nil
	}
	return o.payout(ctx, b, rec)
}

func (o *Orchestrator) payout(ctx context.Context, b domain.Booking, rec *domain.SagaRecord) error {
	if rec.Done(domain.StepPayout) || b.ProviderPayout <= 0 {
		return nil
	}
	recipient, err := o.directory.PayoutRecipient(ctx, b.ProviderID)
	if err != nil {
		return errors.Wrapf(err, "resolve payout recipient of %s", b.ProviderID)
	}
	err = o.retry(ctx, b.ID, domain.StepPayout, func() error {
		return o.escrow.Payout(ctx, b, recipient)
	})
	if err != nil {
		if !domain.IsTransient(err) {
			o.park(ctx, rec, err)
		}
		return errors.Wrap(err, "pay out provider")
	}
	return o.step(ctx, rec, domain.StepPayout)
}

func (o *Orchestrator) Remind(ctx context.Context, bookingID uuid.UUID) error {
	b, err := o.store.GetBooking(ctx, bookingID)
	if err != nil {
		return errors.Wrapf(err, "load booking %s", bookingID)
	}
	now := o.now()
	if b.Status != domain.StatusConfirmed || !b.SlotStart.After(now) {
		return nil
	}

	effects := []domain.Effect{
		{Notify: domain.PartyRequester, Template: domain.TemplateBookingReminder},
		{Notify: domain.PartyProvider, Template: domain.TemplateBookingReminder},
	}
	notes := o.notifications(*b, effects, now)
	for i := range notes {
		notes[i].ID = uuid.NewSHA1(b.ID, []byte(notes[i].TemplateID+":"+notes[i].RecipientID))
		notes[i].Context["starts_in"] = b.SlotStart.Sub(now).Round(time.Minute).String()
	}
	sent, err := o.store.RecordReminder(ctx, b.ID, now, notes)
	if err != nil {
		return err
	}
	if sent {
		o.log(b.ID, "").Info("booking reminder queued")
	}
	return nil
}
