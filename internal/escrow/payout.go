package escrow

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/pandit-bookings/internal/domain"
	"github.com/robertarktes/pandit-bookings/internal/observability"
)

type TransferRequest struct {
	BookingID uuid.UUID
	Recipient string
	Amount    int64
	Currency  string
}

// Payout transfers the provider's share of a completed booking to
// recipient. A booking is paid out at most once: a payout reserved by an
// earlier call whose transfer outcome was never recorded is reported as
// domain.ErrPayoutUnconfirmed and not sent again.
func (c *Coordinator) Payout(ctx context.Context, b domain.Booking, recipient string) error {
	if b.Status != domain.StatusCompleted {
		return errors.Wrapf(domain.ErrInvalidTransition, "booking %s is %s", b.ID, b.Status)
	}
	if b.ProviderPayout <= 0 {
		return nil
	}
	if recipient == "" {
		return errors.Wrapf(domain.ErrInvalidInput, "provider %s has no payout recipient", b.ProviderID)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	now := c.now()
	p, created, err := c.store.ReservePayout(ctx, domain.Payout{
		BookingID:  b.ID,
		ProviderID: b.ProviderID,
		Recipient:  recipient,
		Amount:     b.ProviderPayout,
		Currency:   b.Currency,
		State:      domain.PayoutPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return errors.Wrap(err, "reserve payout")
	}
	switch {
	case p.State == domain.PayoutPaid:
		return nil
	case p.State == domain.PayoutFailed:
		return errors.Wrapf(domain.ErrPayoutRejected, "payout of booking %s failed: %s", b.ID, p.FailureReason)
	case !created:
		return errors.Wrapf(domain.ErrPayoutUnconfirmed, "payout of booking %s", b.ID)
	}

	log := c.logger.WithField("booking_id", b.ID.String()).WithField("amount", p.Amount)
	transferID, err := c.gateway.Transfer(ctx, TransferRequest{
		BookingID: b.ID,
		Recipient: p.Recipient,
		Amount:    p.Amount,
		Currency:  p.Currency,
	})
	if err != nil && errors.Is(err, ErrDeclined) {
		observability.GatewayCalls.WithLabelValues("transfer", "declined").Inc()
		p.State = domain.PayoutFailed
		p.FailureReason = err.Error()
		p.UpdatedAt = c.now()
		if serr := c.store.SavePayout(ctx, p); serr != nil {
			return errors.Wrap(serr, "save rejected payout")
		}
		return errors.Mark(err, domain.ErrPayoutRejected)
	}
	if err != nil {
		observability.GatewayCalls.WithLabelValues("transfer", "error").Inc()
		log.WithError(err).Error("payout outcome unknown, needs reconciliation")
		return errors.Wrapf(domain.ErrPayoutUnconfirmed, "transfer payout: %v", err)
	}
	observability.GatewayCalls.WithLabelValues("transfer", "ok").Inc()

	p.State = domain.PayoutPaid
	p.TransferID = transferID
	p.UpdatedAt = c.now()
	if err := c.store.SavePayout(ctx, p); err != nil {
		log.WithField("transfer_id", transferID).WithError(err).Error("payout sent but not recorded")
		return errors.Wrapf(domain.ErrPayoutUnconfirmed, "save payout: %v", err)
	}
	log.WithField("transfer_id", transferID).Info("provider paid out")
	return nil
}
