package http

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/pandit-bookings/internal/domain"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrSlotUnavailable, http.StatusConflict, "slot_unavailable"},
	{domain.ErrLockHeld, http.StatusConflict, "slot_unavailable"},
	{domain.ErrLockLost, http.StatusConflict, "slot_lock_lost"},
	{domain.ErrStaleSagaVersion, http.StatusConflict, "stale_saga_version"},
	{domain.ErrTerminalStateViolation, http.StatusConflict, "terminal_state"},
	{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{domain.ErrDeadlineElapsed, http.StatusConflict, "deadline_elapsed"},
	{domain.ErrProviderNotVerified, http.StatusUnprocessableEntity, "provider_not_verified"},
	{domain.ErrInvalidSlot, http.StatusBadRequest, "invalid_slot"},
	{domain.ErrInvalidInput, http.StatusBadRequest, "invalid_request"},
	{domain.ErrPaymentDeclined, http.StatusPaymentRequired, "payment_declined"},
	{domain.ErrRefundRejected, http.StatusBadGateway, "refund_rejected"},
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrInvalidSignature, http.StatusUnauthorized, "invalid_signature"},
	{domain.ErrUnknownTransaction, http.StatusNotFound, "unknown_transaction"},
	{domain.ErrSerializationFailure, http.StatusServiceUnavailable, "retry"},
}

// writeDomainError maps err to a status. Unclassified errors are logged and
// reported as 500 without their message.
func (h *Handlers) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			writeError(w, e.status, e.code, err.Error())
			return
		}
	}
	loggerFrom(r.Context(), h.logger).WithError(err).Error("request failed")
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}
