package domain_test

import (
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/pandit-bookings/internal/domain"
)

var pricing = domain.Pricing{Currency: "thb", CommissionPercent: 10}

func validRequest(now time.Time) domain.BookingRequest {
	return domain.BookingRequest{
		RequesterID: "U1",
		ProviderID:  "P1",
		SlotStart:   now.Add(48 * time.Hour),
		SlotEnd:     now.Add(49 * time.Hour),
		Amount:      50000,
	}
}

func TestNewBooking(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	id := uuid.New()

	b, err := domain.NewBooking(id, validRequest(now), now, 2*time.Hour, pricing)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != domain.StatusRequested || b.SagaVersion != 0 {
		t.Errorf("unexpected initial state %s/%d", b.Status, b.SagaVersion)
	}
	if !b.AcceptDeadline.Equal(now.Add(2 * time.Hour)) {
		t.Errorf("unexpected accept deadline %v", b.AcceptDeadline)
	}
	if b.PlatformFee != 5000 || b.ProviderPayout != 45000 {
		t.Errorf("unexpected split fee=%d payout=%d", b.PlatformFee, b.ProviderPayout)
	}
	if !strings.HasPrefix(b.Number, "PB-2024-") || len(b.Number) != len("PB-2024-")+5 {
		t.Errorf("unexpected booking number %q", b.Number)
	}
}

func TestNewBooking_InvalidSlot(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		mutate func(r *domain.BookingRequest)
	}{
		{"end before start", func(r *domain.BookingRequest) { r.SlotEnd = r.SlotStart.Add(-time.Minute) }},
		{"empty slot", func(r *domain.BookingRequest) { r.SlotEnd = r.SlotStart }},
		{"slot in past", func(r *domain.BookingRequest) {
			r.SlotStart = now.Add(-2 * time.Hour)
			r.SlotEnd = now.Add(-time.Hour)
		}},
		{"zero amount", func(r *domain.BookingRequest) { r.Amount = 0 }},
		{"missing provider", func(r *domain.BookingRequest) { r.ProviderID = "" }},
		{"self booking", func(r *domain.BookingRequest) { r.ProviderID = r.RequesterID }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest(now)
			tt.mutate(&req)
			_, err := domain.NewBooking(uuid.New(), req, now, time.Hour, pricing)
			if !errors.Is(err, domain.ErrInvalidSlot) {
				t.Errorf("expected invalid slot, got %v", err)
			}
		})
	}
}

func TestSlotKey_Deterministic(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	a := domain.SlotKey("P1", start, end)
	b := domain.SlotKey("P1", start.In(time.FixedZone("IST", 19800)), end)
	if a != b {
		t.Errorf("same instant in another zone must map to the same key: %s != %s", a, b)
	}
	if a == domain.SlotKey("P2", start, end) {
		t.Error("different providers must not share a key")
	}
	if a == domain.SlotKey("P1", start, end.Add(time.Minute)) {
		t.Error("different slots must not share a key")
	}
}

func TestBooking_Deadline(t *testing.T) {
	now := time.Now()
	pay := now.Add(30 * time.Minute)
	b := domain.Booking{Status: domain.StatusPendingProviderDecision, AcceptDeadline: now.Add(time.Hour)}

	if b.Overdue(now) {
		t.Error("pending booking is not overdue before its accept deadline")
	}
	if !b.Overdue(now.Add(time.Hour)) {
		t.Error("pending booking is overdue at its accept deadline")
	}

	b.Status = domain.StatusAwaitingPayment
	if b.Overdue(now.Add(2 * time.Hour)) {
		t.Error("awaiting payment without payment deadline has no deadline")
	}
	b.PaymentDeadline = &pay
	if !b.Overdue(now.Add(time.Hour)) {
		t.Error("awaiting payment past payment deadline must be overdue")
	}

	b.Status = domain.StatusConfirmed
	if _, ok := b.Deadline(); ok {
		t.Error("confirmed booking has no deadline")
	}
}

func TestCancellationPolicy_RefundFor(t *testing.T) {
	now := time.Now()
	policy := domain.CancellationPolicy{FullRefundNotice: 24 * time.Hour, LateRefundPercent: 50}

	early := domain.Booking{SlotStart: now.Add(48 * time.Hour)}
	if got := policy.RefundFor(early, 50000, now); got != 50000 {
		t.Errorf("expected full refund, got %d", got)
	}
	late := domain.Booking{SlotStart: now.Add(2 * time.Hour)}
	if got := policy.RefundFor(late, 50000, now); got != 25000 {
		t.Errorf("expected half refund, got %d", got)
	}
	if got := policy.RefundFor(early, 0, now); got != 0 {
		t.Errorf("nothing captured means nothing to refund, got %d", got)
	}
}
