package domain

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusRequested               Status = "REQUESTED"
	StatusPendingProviderDecision Status = "PENDING_PROVIDER_DECISION"
	StatusAccepted                Status = "ACCEPTED"
	StatusDeclined                Status = "DECLINED"
	StatusAwaitingPayment         Status = "AWAITING_PAYMENT"
	StatusConfirmed               Status = "CONFIRMED"
	StatusPaymentFailed           Status = "PAYMENT_FAILED"
	StatusCompleted               Status = "COMPLETED"
	StatusCancelled               Status = "CANCELLED"
	StatusExpired                 Status = "EXPIRED"
)

// TerminalStatuses lists every status a booking never leaves.
var TerminalStatuses = []Status{StatusCompleted, StatusCancelled, StatusExpired, StatusDeclined, StatusPaymentFailed}

func (s Status) Terminal() bool {
	for _, t := range TerminalStatuses {
		if s == t {
			return true
		}
	}
	return false
}

type Booking struct {
	ID              uuid.UUID
	Number          string
	RequesterID     string
	ProviderID      string
	SlotStart       time.Time
	SlotEnd         time.Time
	Status          Status
	PriceAmount     int64
	PlatformFee     int64
	ProviderPayout  int64
	Currency        string
	PaymentSource   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	AcceptDeadline  time.Time
	PaymentDeadline *time.Time
	SagaVersion     int64
}

type PaymentState string

const (
	PaymentPending    PaymentState = "PENDING"
	PaymentAuthorized PaymentState = "AUTHORIZED"
	PaymentCaptured   PaymentState = "CAPTURED"
	PaymentRefunded   PaymentState = "REFUNDED"
	PaymentFailed     PaymentState = "FAILED"
)

// Active reports whether the transaction still holds or may hold funds.
func (s PaymentState) Active() bool {
	return s == PaymentPending || s == PaymentAuthorized || s == PaymentCaptured
}

type PaymentTransaction struct {
	ID               uuid.UUID
	BookingID        uuid.UUID
	State            PaymentState
	GatewayReference string
	IdempotencyKey   string
	Amount           int64
	CapturedAmount   int64
	RefundedAmount   int64
	Currency         string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type PayoutState string

const (
	PayoutPending PayoutState = "PENDING"
	PayoutPaid    PayoutState = "PAID"
	PayoutFailed  PayoutState = "FAILED"
)

// Payout releases a completed booking's escrowed share to the provider.
// There is at most one per booking.
type Payout struct {
	BookingID     uuid.UUID
	ProviderID    string
	Recipient     string
	Amount        int64
	Currency      string
	State         PayoutState
	TransferID    string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type NotificationRequest struct {
	ID          uuid.UUID         `json:"id"`
	BookingID   uuid.UUID         `json:"booking_id"`
	RecipientID string            `json:"recipient_id"`
	TemplateID  string            `json:"template_id"`
	Context     map[string]string `json:"context"`
	CreatedAt   time.Time         `json:"created_at"`
}

type AuditEntry struct {
	BookingID   uuid.UUID
	From        Status
	To          Status
	Event       Event
	Actor       string
	SagaVersion int64
	Reason      string
	At          time.Time
}
