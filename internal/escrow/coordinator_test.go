package escrow_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/pandit-bookings/internal/adapters/memory"
	"github.com/robertarktes/pandit-bookings/internal/domain"
	"github.com/robertarktes/pandit-bookings/internal/escrow"
	"github.com/robertarktes/pandit-bookings/internal/observability"
)

const secret = "whsec_test"

func newCoordinator() (*escrow.Coordinator, *memory.Gateway, *memory.PaymentStore) {
	gw := memory.NewGateway()
	store := memory.NewPaymentStore(nil)
	c := escrow.NewCoordinator(gw, store, escrow.Config{Currency: "thb", WebhookSecret: secret}, observability.NewLogger("error"))
	return c, gw, store
}

func TestAuthorize_IdempotentOnKey(t *testing.T) {
	ctx := context.Background()
	c, gw, store := newCoordinator()
	bookingID := uuid.New()

	ref1, err := c.Authorize(ctx, bookingID, 50000, "auth-key-1", "tokn_test")
	if err != nil {
		t.Fatal(err)
	}
	ref2, err := c.Authorize(ctx, bookingID, 50000, "auth-key-1", "tokn_test")
	if err != nil {
		t.Fatal(err)
	}
	if ref1 != ref2 {
		t.Errorf("expected same reference, got %s and %s", ref1, ref2)
	}
	if store.Count() != 1 {
		t.Errorf("expected one transaction, got %d", store.Count())
	}
	if gw.Calls["authorize"] != 1 {
		t.Errorf("expected one gateway authorization, got %d", gw.Calls["authorize"])
	}
}

func TestAuthorize_SecondActiveTransactionConflicts(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCoordinator()
	bookingID := uuid.New()

	if _, err := c.Authorize(ctx, bookingID, 50000, "auth-key-1", ""); err != nil {
		t.Fatal(err)
	}
	_, err := c.Authorize(ctx, bookingID, 50000, "auth-key-2", "")
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestAuthorize_Declined(t *testing.T) {
	ctx := context.Background()
	c, gw, _ := newCoordinator()
	gw.DeclineAuthorize = true

	_, err := c.Authorize(ctx, uuid.New(), 50000, "auth-key-1", "")
	if !errors.Is(err, domain.ErrAuthorizationRejected) {
		t.Errorf("expected authorization rejected, got %v", err)
	}
	if domain.IsTransient(err) {
		t.Error("declined authorization must not be retried")
	}
}

func TestCapture_FailedVersusRejected(t *testing.T) {
	ctx := context.Background()
	c, gw, _ := newCoordinator()
	ref, err := c.Authorize(ctx, uuid.New(), 50000, "auth-key-1", "")
	if err != nil {
		t.Fatal(err)
	}

	gw.TransientCapture = 1
	err = c.Capture(ctx, ref)
	if !errors.Is(err, domain.ErrCaptureFailed) || !domain.IsTransient(err) {
		t.Fatalf("expected retryable capture failure, got %v", err)
	}

	gw.DeclineCapture = true
	err = c.Capture(ctx, ref)
	if !errors.Is(err, domain.ErrCaptureRejected) || domain.IsTransient(err) {
		t.Fatalf("expected non-retryable capture rejection, got %v", err)
	}

	tx, err := c.Lookup(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if tx.State != domain.PaymentFailed {
		t.Errorf("expected FAILED after rejection, got %s", tx.State)
	}
}

func TestCapture_Idempotent(t *testing.T) {
	ctx := context.Background()
	c, gw, _ := newCoordinator()
	ref, _ := c.Authorize(ctx, uuid.New(), 50000, "auth-key-1", "")

	if err := c.Capture(ctx, ref); err != nil {
		t.Fatal(err)
	}
	if err := c.Capture(ctx, ref); err != nil {
		t.Fatal(err)
	}
	if gw.Calls["capture"] != 1 {
		t.Errorf("expected one gateway capture, got %d", gw.Calls["capture"])
	}
}

func TestRefund_BoundedAndIdempotent(t *testing.T) {
	ctx := context.Background()
	c, gw, _ := newCoordinator()
	ref, _ := c.Authorize(ctx, uuid.New(), 50000, "auth-key-1", "")
	if err := c.Capture(ctx, ref); err != nil {
		t.Fatal(err)
	}

	if err := c.Refund(ctx, ref, 60000); !errors.Is(err, domain.ErrRefundExceedsCapture) {
		t.Errorf("expected refund above capture to fail, got %v", err)
	}
	if err := c.Refund(ctx, ref, 50000); err != nil {
		t.Fatal(err)
	}
	if err := c.Refund(ctx, ref, 50000); err != nil {
		t.Fatalf("second refund must be a no-op, got %v", err)
	}
	if gw.Calls["refund"] != 1 {
		t.Errorf("expected one gateway refund, got %d", gw.Calls["refund"])
	}
	if gw.Held(ref) != 0 {
		t.Errorf("expected no funds held, got %d", gw.Held(ref))
	}
}

func TestRefund_VoidsUncapturedAuthorization(t *testing.T) {
	ctx := context.Background()
	c, gw, _ := newCoordinator()
	ref, _ := c.Authorize(ctx, uuid.New(), 50000, "auth-key-1", "")

	if err := c.Refund(ctx, ref, 50000); err != nil {
		t.Fatal(err)
	}
	if !gw.Voided(ref) {
		t.Error("expected authorization to be voided")
	}
	if gw.Calls["refund"] != 0 {
		t.Error("uncaptured authorization must not be refunded")
	}
}

func TestCapture_RecordsChargeCapturedByLostAttempt(t *testing.T) {
	ctx := context.Background()
	c, gw, store := newCoordinator()
	ref, _ := c.Authorize(ctx, uuid.New(), 50000, "auth-key-1", "")

	store.FailSaves(domain.PaymentCaptured, 1)
	err := c.Capture(ctx, ref)
	if err == nil || !domain.IsTransient(err) {
		t.Fatalf("expected a retryable save failure, got %v", err)
	}
	if tx, _ := c.Lookup(ctx, ref); tx.State != domain.PaymentAuthorized {
		t.Fatalf("expected AUTHORIZED after lost save, got %s", tx.State)
	}

	if err := c.Capture(ctx, ref); err != nil {
		t.Fatalf("retry after a lost save must succeed, got %v", err)
	}
	tx, err := c.Lookup(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if tx.State != domain.PaymentCaptured || tx.CapturedAmount != 50000 {
		t.Errorf("expected CAPTURED 50000, got %s/%d", tx.State, tx.CapturedAmount)
	}

	if err := c.Refund(ctx, ref, 50000); err != nil {
		t.Fatal(err)
	}
	if held := gw.Held(ref); held != 0 {
		t.Errorf("expected no funds held, got %d", held)
	}
}

func TestRefund_FailedRowCapturedAtGateway(t *testing.T) {
	ctx := context.Background()
	c, gw, store := newCoordinator()
	ref, _ := c.Authorize(ctx, uuid.New(), 50000, "auth-key-1", "")
	if _, err := gw.Capture(ctx, ref); err != nil {
		t.Fatal(err)
	}
	tx, _ := c.Lookup(ctx, ref)
	tx.State = domain.PaymentFailed
	if err := store.SavePayment(ctx, *tx); err != nil {
		t.Fatal(err)
	}

	if err := c.Refund(ctx, ref, 50000); err != nil {
		t.Fatal(err)
	}
	if held := gw.Held(ref); held != 0 {
		t.Errorf("a FAILED row must not hide captured funds, %d still held", held)
	}
	tx, _ = c.Lookup(ctx, ref)
	if tx.State != domain.PaymentRefunded || tx.RefundedAmount != 50000 {
		t.Errorf("expected REFUNDED 50000, got %s/%d", tx.State, tx.RefundedAmount)
	}
}

func TestRefund_LostSaveDoesNotRefundTwice(t *testing.T) {
	ctx := context.Background()
	c, gw, store := newCoordinator()
	ref, _ := c.Authorize(ctx, uuid.New(), 50000, "auth-key-1", "")
	if err := c.Capture(ctx, ref); err != nil {
		t.Fatal(err)
	}

	store.FailSaves(domain.PaymentRefunded, 1)
	if err := c.Refund(ctx, ref, 25000); err == nil {
		t.Fatal("expected the lost save to surface")
	}
	if err := c.Refund(ctx, ref, 25000); err != nil {
		t.Fatal(err)
	}
	if gw.Calls["refund"] != 1 {
		t.Errorf("expected one gateway refund, got %d", gw.Calls["refund"])
	}
	if held := gw.Held(ref); held != 25000 {
		t.Errorf("expected 25000 still held, got %d", held)
	}
	tx, _ := c.Lookup(ctx, ref)
	if tx.State != domain.PaymentRefunded || tx.RefundedAmount != 25000 {
		t.Errorf("expected REFUNDED 25000, got %s/%d", tx.State, tx.RefundedAmount)
	}
}

func TestRefund_DeclinedIsNotRetryable(t *testing.T) {
	ctx := context.Background()
	c, gw, _ := newCoordinator()
	ref, _ := c.Authorize(ctx, uuid.New(), 50000, "auth-key-1", "")
	if err := c.Capture(ctx, ref); err != nil {
		t.Fatal(err)
	}

	gw.DeclineRefund = true
	err := c.Refund(ctx, ref, 50000)
	if !errors.Is(err, domain.ErrRefundRejected) || domain.IsTransient(err) {
		t.Errorf("expected a non-retryable refund rejection, got %v", err)
	}
	if tx, _ := c.Lookup(ctx, ref); tx.State != domain.PaymentCaptured {
		t.Errorf("a refused refund must leave the charge CAPTURED, got %s", tx.State)
	}
}

func webhook(t *testing.T, id, key, chargeID, status string, amount int64) []byte {
	t.Helper()
	ev := map[string]interface{}{
		"id":  id,
		"key": key,
		"data": map[string]interface{}{
			"id":     chargeID,
			"status": status,
			"amount": amount,
			"paid":   status == "successful",
		},
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestReconcileWebhook(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCoordinator()
	ref, _ := c.Authorize(ctx, uuid.New(), 50000, "auth-key-1", "")

	payload := webhook(t, "evnt_1", "charge.complete", ref, "successful", 50000)

	gotRef, state, err := c.ReconcileWebhook(ctx, payload, escrow.Sign(secret, payload))
	if err != nil {
		t.Fatal(err)
	}
	if gotRef != ref || state != domain.PaymentCaptured {
		t.Errorf("expected %s CAPTURED, got %s %s", ref, gotRef, state)
	}

	_, _, err = c.ReconcileWebhook(ctx, payload, escrow.Sign(secret, payload))
	if !errors.Is(err, domain.ErrDuplicateWebhook) {
		t.Errorf("expected duplicate webhook, got %v", err)
	}
	tx, _ := c.Lookup(ctx, ref)
	if tx.State != domain.PaymentCaptured || tx.CapturedAmount != 50000 {
		t.Errorf("replay must leave state unchanged, got %s/%d", tx.State, tx.CapturedAmount)
	}
}

func TestReconcileWebhook_Rejections(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCoordinator()
	ref, _ := c.Authorize(ctx, uuid.New(), 50000, "auth-key-1", "")

	payload := webhook(t, "evnt_1", "charge.complete", ref, "successful", 50000)
	if _, _, err := c.ReconcileWebhook(ctx, payload, escrow.Sign("wrong", payload)); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Errorf("expected invalid signature, got %v", err)
	}
	if _, _, err := c.ReconcileWebhook(ctx, payload, ""); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Errorf("expected invalid signature for missing header, got %v", err)
	}

	unknown := webhook(t, "evnt_2", "charge.complete", "chrg_unknown", "successful", 50000)
	if _, _, err := c.ReconcileWebhook(ctx, unknown, escrow.Sign(secret, unknown)); !errors.Is(err, domain.ErrUnknownTransaction) {
		t.Errorf("expected unknown transaction, got %v", err)
	}

	tx, _ := c.Lookup(ctx, ref)
	if tx.State != domain.PaymentAuthorized {
		t.Errorf("rejected webhooks must not change state, got %s", tx.State)
	}
}

func TestReconcileWebhook_NeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCoordinator()
	ref, _ := c.Authorize(ctx, uuid.New(), 50000, "auth-key-1", "")
	if err := c.Capture(ctx, ref); err != nil {
		t.Fatal(err)
	}

	late := []byte(`{"id":"evnt_3","key":"charge.create","data":{"id":"` + ref + `","status":"pending","authorized":true}}`)
	_, state, err := c.ReconcileWebhook(ctx, late, escrow.Sign(secret, late))
	if err != nil {
		t.Fatal(err)
	}
	if state != domain.PaymentCaptured {
		t.Errorf("late authorization event must not regress a capture, got %s", state)
	}
}
