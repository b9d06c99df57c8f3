package domain

import (
	"time"

	"github.com/google/uuid"
)

type Step string

const (
	StepLockSlot         Step = "lock_slot"
	StepCreateBooking    Step = "create_booking"
	StepProviderAccepted Step = "provider_accepted"
	StepAuthorizePayment Step = "authorize_payment"
	StepCapturePayment   Step = "capture_payment"
	StepMarkConfirmed    Step = "mark_confirmed"
	StepReleaseLock      Step = "release_lock"
	StepRefundPayment    Step = "refund_payment"
	StepMarkTerminal     Step = "mark_terminal"
	StepPayout           Step = "payout_provider"
)

// SagaRecord is the durable progress marker of one booking's saga.
type SagaRecord struct {
	BookingID          uuid.UUID
	CompletedSteps     []Step
	LastError          string
	Compensating       bool
	CompensationEvent  Event
	CompensationReason string
	RefundAmount       int64
	LockKey            string
	LockToken          string
	TransactionRef     string
	Finished           bool
	// WriteID changes with every booking write the saga commits.
	WriteID   uuid.UUID
	UpdatedAt time.Time
}

func (r SagaRecord) Done(step Step) bool {
	for _, s := range r.CompletedSteps {
		if s == step {
			return true
		}
	}
	return false
}

func (r *SagaRecord) Complete(step Step, at time.Time) {
	if !r.Done(step) {
		r.CompletedSteps = append(r.CompletedSteps, step)
	}
	r.LastError = ""
	r.UpdatedAt = at
}

func (r *SagaRecord) Fail(err error, at time.Time) {
	if err != nil {
		r.LastError = err.Error()
	}
	r.UpdatedAt = at
}

// BeginCompensation switches the saga to unwinding. It is never switched
// back, and a finished record is reopened.
func (r *SagaRecord) BeginCompensation(ev Event, reason string, refund int64, at time.Time) {
	r.Compensating = true
	r.Finished = false
	r.CompensationEvent = ev
	r.CompensationReason = reason
	r.RefundAmount = refund
	r.UpdatedAt = at
}

func (r SagaRecord) HoldsLock() bool {
	return r.Done(StepLockSlot) && !r.Done(StepReleaseLock)
}

func (r SagaRecord) Clone() SagaRecord {
	c := r
	c.CompletedSteps = append([]Step(nil), r.CompletedSteps...)
	return c
}
