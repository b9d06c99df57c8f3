package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type BookingRequest struct {
	RequesterID   string
	ProviderID    string
	SlotStart     time.Time
	SlotEnd       time.Time
	Amount        int64
	PaymentSource string
}

type Pricing struct {
	Currency          string
	CommissionPercent int64
}

// NewBooking validates req and builds a booking in REQUESTED state.
func NewBooking(id uuid.UUID, req BookingRequest, now time.Time, acceptWindow time.Duration, pricing Pricing) (Booking, error) {
	switch {
	case strings.TrimSpace(req.RequesterID) == "" || strings.TrimSpace(req.ProviderID) == "":
		return Booking{}, errors.Wrap(ErrInvalidSlot, "requester and provider are required")
	case req.RequesterID == req.ProviderID:
		return Booking{}, errors.Wrap(ErrInvalidSlot, "provider cannot book itself")
	case !req.SlotEnd.After(req.SlotStart):
		return Booking{}, errors.Wrap(ErrInvalidSlot, "slot end must be after slot start")
	case !req.SlotStart.After(now):
		return Booking{}, errors.Wrap(ErrInvalidSlot, "slot start is in the past")
	case req.Amount <= 0:
		return Booking{}, errors.Wrap(ErrInvalidSlot, "amount must be positive")
	}

	fee := PlatformFee(req.Amount, pricing.CommissionPercent)
	return Booking{
		ID:             id,
		Number:         BookingNumber(id, now),
		RequesterID:    req.RequesterID,
		ProviderID:     req.ProviderID,
		SlotStart:      req.SlotStart.UTC(),
		SlotEnd:        req.SlotEnd.UTC(),
		Status:         StatusRequested,
		PriceAmount:    req.Amount,
		PlatformFee:    fee,
		ProviderPayout: req.Amount - fee,
		Currency:       pricing.Currency,
		PaymentSource:  req.PaymentSource,
		CreatedAt:      now,
		UpdatedAt:      now,
		AcceptDeadline: now.Add(acceptWindow),
	}, nil
}

// PlatformFee rounds down to whole minor units.
func PlatformFee(amount, percent int64) int64 {
	if percent <= 0 {
		return 0
	}
	return amount * percent / 100
}

// BookingNumber renders the public reference, e.g. PB-2024-3F9A1.
func BookingNumber(id uuid.UUID, at time.Time) string {
	raw := strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))
	return "PB-" + at.UTC().Format("2006") + "-" + raw[:5]
}

// SlotKey derives the lock key for a provider's slot.
func SlotKey(providerID string, start, end time.Time) string {
	h := sha256.New()
	h.Write([]byte(providerID))
	h.Write([]byte{0})
	h.Write([]byte(start.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write([]byte(end.UTC().Format(time.RFC3339Nano)))
	return "slot_lock:" + hex.EncodeToString(h.Sum(nil))
}

func (b Booking) SlotKey() string {
	return SlotKey(b.ProviderID, b.SlotStart, b.SlotEnd)
}

// Deadline returns the time the booking's current wait ends, if it has one.
func (b Booking) Deadline() (time.Time, bool) {
	switch b.Status {
	case StatusRequested, StatusPendingProviderDecision:
		return b.AcceptDeadline, true
	case StatusAccepted, StatusAwaitingPayment:
		if b.PaymentDeadline != nil {
			return *b.PaymentDeadline, true
		}
	}
	return time.Time{}, false
}

func (b Booking) Overdue(now time.Time) bool {
	d, ok := b.Deadline()
	return ok && !now.Before(d)
}

// Recipient resolves a transition party to a user id.
func (b Booking) Recipient(p Party) string {
	if p == PartyProvider {
		return b.ProviderID
	}
	return b.RequesterID
}

type CancellationPolicy struct {
	FullRefundNotice  time.Duration
	LateRefundPercent int64
}

// RefundFor returns how much of captured goes back to the requester when
// the booking is cancelled at now.
func (p CancellationPolicy) RefundFor(b Booking, captured int64, now time.Time) int64 {
	if captured <= 0 {
		return 0
	}
	if b.SlotStart.Sub(now) > p.FullRefundNotice {
		return captured
	}
	pct := p.LateRefundPercent
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return captured * pct / 100
}
