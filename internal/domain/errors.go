package domain

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidInput         = errors.New("invalid input")
)

// Contention errors. Callers retry with fresh reads.
var (
	ErrLockHeld         = errors.New("slot lock held")
	ErrLockLost         = errors.New("slot lock lost")
	ErrStaleSagaVersion = errors.New("stale saga version")
	ErrSlotUnavailable  = errors.New("slot no longer available")
)

// Validation errors.
var (
	ErrInvalidSlot            = errors.New("invalid slot")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrTerminalStateViolation = errors.New("booking is in a terminal state")
	ErrProviderNotVerified    = errors.New("provider not verified")
	ErrDeadlineElapsed        = errors.New("decision deadline elapsed")
)

// Business failures. These trigger compensation, never retry.
var (
	ErrCaptureRejected       = errors.New("capture rejected")
	ErrAuthorizationRejected = errors.New("authorization rejected")
	ErrPaymentDeclined       = errors.New("payment declined")
	ErrRefundExceedsCapture  = errors.New("refund exceeds captured amount")
	ErrRefundRejected        = errors.New("refund rejected")
	ErrPayoutRejected        = errors.New("payout rejected")
)

// ErrCaptureFailed is a retryable capture failure.
var ErrCaptureFailed = errors.New("capture failed")

// ErrGatewayUnavailable marks transient gateway failures.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// Integrity violations.
var (
	ErrUnknownTransaction = errors.New("unknown transaction")
	ErrDuplicateWebhook   = errors.New("duplicate webhook")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	// ErrPayoutUnconfirmed means a transfer may have reached the gateway
	// without its outcome being recorded. It is settled by hand.
	ErrPayoutUnconfirmed = errors.New("payout outcome unconfirmed")
)

type InvalidTransitionError struct {
	State Status
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: event %s in state %s", e.Event, e.State)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func IsContention(err error) bool {
	return isAny(err, ErrLockHeld, ErrLockLost, ErrStaleSagaVersion, ErrSlotUnavailable)
}

func IsValidation(err error) bool {
	return isAny(err, ErrInvalidSlot, ErrInvalidTransition, ErrTerminalStateViolation,
		ErrProviderNotVerified, ErrDeadlineElapsed, ErrInvalidInput)
}

func IsBusinessFailure(err error) bool {
	return isAny(err, ErrCaptureRejected, ErrAuthorizationRejected, ErrPaymentDeclined,
		ErrRefundExceedsCapture, ErrRefundRejected, ErrPayoutRejected, ErrNotFound, ErrConflict)
}

func IsIntegrity(err error) bool {
	return isAny(err, ErrUnknownTransaction, ErrDuplicateWebhook, ErrInvalidSignature, ErrPayoutUnconfirmed)
}

// IsTransient reports whether err is worth retrying at the step level.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrCaptureFailed) || errors.Is(err, ErrGatewayUnavailable) || errors.Is(err, ErrSerializationFailure) {
		return true
	}
	return !IsContention(err) && !IsValidation(err) && !IsBusinessFailure(err) && !IsIntegrity(err)
}

func isAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
