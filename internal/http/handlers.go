package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/pandit-bookings/internal/domain"
	"github.com/robertarktes/pandit-bookings/internal/observability"
	"github.com/robertarktes/pandit-bookings/internal/saga"
)

const maxWebhookBody = 1 << 20

// Service is the booking saga as seen by the API.
type Service interface {
	RequestBooking(ctx context.Context, req domain.BookingRequest) (uuid.UUID, error)
	SubmitProviderDecision(ctx context.Context, bookingID uuid.UUID, accept bool, sagaVersion int64) error
	CancelBooking(ctx context.Context, bookingID uuid.UUID, sagaVersion int64) error
	CompleteBooking(ctx context.Context, bookingID uuid.UUID, sagaVersion int64) error
	GetBookingStatus(ctx context.Context, bookingID uuid.UUID) (*saga.Snapshot, error)
	ReceivePaymentWebhook(ctx context.Context, payload []byte, signature string) error
}

// Pinger is a dependency checked by the readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	svc             Service
	logger          observability.Logger
	signatureHeader string
	checks          map[string]Pinger
}

func NewHandlers(svc Service, logger observability.Logger, signatureHeader string, checks map[string]Pinger) *Handlers {
	return &Handlers{svc: svc, logger: logger, signatureHeader: signatureHeader, checks: checks}
}

type bookingView struct {
	ID              uuid.UUID     `json:"booking_id"`
	Number          string        `json:"booking_number"`
	RequesterID     string        `json:"requester_id"`
	ProviderID      string        `json:"provider_id"`
	SlotStart       time.Time     `json:"slot_start"`
	SlotEnd         time.Time     `json:"slot_end"`
	Status          domain.Status `json:"status"`
	SagaVersion     int64         `json:"saga_version"`
	Amount          int64         `json:"amount"`
	PlatformFee     int64         `json:"platform_fee"`
	ProviderPayout  int64         `json:"provider_payout"`
	Currency        string        `json:"currency"`
	AcceptDeadline  time.Time     `json:"accept_deadline"`
	PaymentDeadline *time.Time    `json:"payment_deadline,omitempty"`
	CompletedSteps  []domain.Step `json:"completed_steps"`
	Compensating    bool          `json:"compensating"`
	LastError       string        `json:"last_error,omitempty"`
	Payment         *paymentView  `json:"payment,omitempty"`
}

type paymentView struct {
	State          domain.PaymentState `json:"state"`
	Amount         int64               `json:"amount"`
	CapturedAmount int64               `json:"captured_amount"`
	RefundedAmount int64               `json:"refunded_amount"`
}

func newBookingView(s *saga.Snapshot) bookingView {
	b := s.Booking
	v := bookingView{
		ID:              b.ID,
		Number:          b.Number,
		RequesterID:     b.RequesterID,
		ProviderID:      b.ProviderID,
		SlotStart:       b.SlotStart,
		SlotEnd:         b.SlotEnd,
		Status:          b.Status,
		SagaVersion:     b.SagaVersion,
		Amount:          b.PriceAmount,
		PlatformFee:     b.PlatformFee,
		ProviderPayout:  b.ProviderPayout,
		Currency:        b.Currency,
		AcceptDeadline:  b.AcceptDeadline,
		PaymentDeadline: b.PaymentDeadline,
		CompletedSteps:  s.CompletedSteps,
		Compensating:    s.Compensating,
		LastError:       s.LastError,
	}
	if s.Payment != nil {
		v.Payment = &paymentView{
			State:          s.Payment.State,
			Amount:         s.Payment.Amount,
			CapturedAmount: s.Payment.CapturedAmount,
			RefundedAmount: s.Payment.RefundedAmount,
		}
	}
	return v
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Mark(errors.Wrap(err, "decode body"), domain.ErrInvalidInput)
	}
	return nil
}

func bookingID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, errors.Mark(errors.Wrap(err, "booking id"), domain.ErrInvalidInput)
	}
	return id, nil
}

func (h *Handlers) respond(w http.ResponseWriter, r *http.Request, status int, id uuid.UUID) {
	snap, err := h.svc.GetBookingStatus(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, status, newBookingView(snap))
}

func (h *Handlers) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequesterID   string    `json:"requester_id"`
		ProviderID    string    `json:"provider_id"`
		SlotStart     time.Time `json:"slot_start"`
		SlotEnd       time.Time `json:"slot_end"`
		Amount        int64     `json:"amount"`
		PaymentSource string    `json:"payment_source"`
	}
	if err := decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if sub := Subject(r.Context()); sub != "" {
		if req.RequesterID != "" && req.RequesterID != sub {
			writeError(w, http.StatusForbidden, "forbidden", "cannot book on behalf of another user")
			return
		}
		req.RequesterID = sub
	}

	id, err := h.svc.RequestBooking(context.WithoutCancel(r.Context()), domain.BookingRequest{
		RequesterID:   req.RequesterID,
		ProviderID:    req.ProviderID,
		SlotStart:     req.SlotStart,
		SlotEnd:       req.SlotEnd,
		Amount:        req.Amount,
		PaymentSource: req.PaymentSource,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, id)
}

// authorize loads the booking and checks that the caller is one of the
// parties allowed to act on it.
func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request, id uuid.UUID, allowed func(domain.Booking, string) bool) bool {
	sub := Subject(r.Context())
	if sub == "" {
		return true
	}
	snap, err := h.svc.GetBookingStatus(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return false
	}
	if !allowed(snap.Booking, sub) {
		writeError(w, http.StatusForbidden, "forbidden", "not a party to this booking")
		return false
	}
	return true
}

func isProvider(b domain.Booking, sub string) bool  { return b.ProviderID == sub }
func isRequester(b domain.Booking, sub string) bool { return b.RequesterID == sub }
func isParty(b domain.Booking, sub string) bool     { return isProvider(b, sub) || isRequester(b, sub) }

type versionRequest struct {
	SagaVersion *int64 `json:"saga_version"`
}

func (v versionRequest) version() (int64, error) {
	if v.SagaVersion == nil {
		return 0, errors.Wrap(domain.ErrInvalidInput, "saga_version is required")
	}
	return *v.SagaVersion, nil
}

func (h *Handlers) SubmitDecision(w http.ResponseWriter, r *http.Request) {
	id, err := bookingID(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	var req struct {
		Accept *bool `json:"accept"`
		versionRequest
	}
	if err := decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	version, err := req.version()
	if err == nil && req.Accept == nil {
		err = errors.Wrap(domain.ErrInvalidInput, "accept is required")
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if !h.authorize(w, r, id, isProvider) {
		return
	}

	if err := h.svc.SubmitProviderDecision(context.WithoutCancel(r.Context()), id, *req.Accept, version); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, id)
}

func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	h.versioned(w, r, isRequester, h.svc.CancelBooking)
}

func (h *Handlers) Complete(w http.ResponseWriter, r *http.Request) {
	h.versioned(w, r, isProvider, h.svc.CompleteBooking)
}

func (h *Handlers) versioned(w http.ResponseWriter, r *http.Request, allowed func(domain.Booking, string) bool,
	op func(context.Context, uuid.UUID, int64) error) {
	id, err := bookingID(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	var req versionRequest
	if err := decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	version, err := req.version()
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if !h.authorize(w, r, id, allowed) {
		return
	}
	if err := op(context.WithoutCancel(r.Context()), id, version); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, id)
}

func (h *Handlers) GetBooking(w http.ResponseWriter, r *http.Request) {
	id, err := bookingID(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	snap, err := h.svc.GetBookingStatus(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if sub := Subject(r.Context()); sub != "" && !isParty(snap.Booking, sub) {
		writeError(w, http.StatusNotFound, "not_found", "booking not found")
		return
	}
	writeJSON(w, http.StatusOK, newBookingView(snap))
}

// PaymentWebhook acknowledges every event the saga has taken note of,
// including replays, so the gateway stops redelivering it.
func (h *Handlers) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unreadable body")
		return
	}
	err = h.svc.ReceivePaymentWebhook(context.WithoutCancel(r.Context()), payload, r.Header.Get(h.signatureHeader))
	if err != nil && !errors.Is(err, domain.ErrDuplicateWebhook) {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for name, c := range h.checks {
		if err := c.Ping(ctx); err != nil {
			loggerFrom(r.Context(), h.logger).WithField("dependency", name).WithError(err).Warn("readiness check failed")
			writeError(w, http.StatusServiceUnavailable, "not_ready", name+" unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}
