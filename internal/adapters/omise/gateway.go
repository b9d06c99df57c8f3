// Package omise adapts the Omise charges API to the escrow gateway port.
// Charges are created with capture disabled, so an authorization holds the
// funds until CaptureCharge or ReverseCharge.
package omise

import (
	"context"

	"github.com/cockroachdb/errors"
	omisego "github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
	"github.com/robertarktes/pandit-bookings/internal/domain"
	"github.com/robertarktes/pandit-bookings/internal/escrow"
	"github.com/robertarktes/pandit-bookings/internal/observability"
)

type Gateway struct {
	client *omisego.Client
	logger observability.Logger
}

func NewGateway(publicKey, secretKey string, logger observability.Logger) (*Gateway, error) {
	c, err := omisego.NewClient(publicKey, secretKey)
	if err != nil {
		return nil, errors.Wrap(err, "create omise client")
	}
	c.SetDebug(false)
	return &Gateway{client: c, logger: logger}, nil
}

func (g *Gateway) Authorize(ctx context.Context, req escrow.AuthorizeRequest) (escrow.Charge, error) {
	if err := ctx.Err(); err != nil {
		return escrow.Charge{}, err
	}
	ch := &omisego.Charge{}
	op := &operations.CreateCharge{
		Amount:      req.Amount,
		Currency:    req.Currency,
		Card:        req.Source,
		DontCapture: true,
		Metadata: map[string]interface{}{
			"booking_id":      req.BookingID.String(),
			"idempotency_key": req.IdempotencyKey,
		},
	}
	if err := g.client.Do(ch, op); err != nil {
		return escrow.Charge{}, classify(err, "create charge")
	}
	out := chargeOf(ch)
	if out.Status == escrow.ChargeFailed {
		return out, errors.Mark(errors.Newf("charge %s failed: %s", ch.ID, out.FailureCode), escrow.ErrDeclined)
	}
	return out, nil
}

func (g *Gateway) Capture(ctx context.Context, ref string) (escrow.Charge, error) {
	if err := ctx.Err(); err != nil {
		return escrow.Charge{}, err
	}
	ch := &omisego.Charge{}
	if err := g.client.Do(ch, &operations.CaptureCharge{ChargeID: ref}); err != nil {
		return escrow.Charge{}, classify(err, "capture charge")
	}
	return chargeOf(ch), nil
}

func (g *Gateway) Void(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch := &omisego.Charge{}
	if err := g.client.Do(ch, &operations.ReverseCharge{ChargeID: ref}); err != nil {
		return classify(err, "reverse charge")
	}
	return nil
}

func (g *Gateway) Refund(ctx context.Context, ref string, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	refund := &omisego.Refund{}
	if err := g.client.Do(refund, &operations.CreateRefund{ChargeID: ref, Amount: amount}); err != nil {
		return classify(err, "create refund")
	}
	g.logger.WithField("gateway_reference", ref).WithField("refund_id", refund.ID).Info("refund created")
	return nil
}

func (g *Gateway) Retrieve(ctx context.Context, ref string) (escrow.Charge, error) {
	if err := ctx.Err(); err != nil {
		return escrow.Charge{}, err
	}
	ch := &omisego.Charge{}
	if err := g.client.Do(ch, &operations.RetrieveCharge{ChargeID: ref}); err != nil {
		return escrow.Charge{}, classify(err, "retrieve charge")
	}
	return chargeOf(ch), nil
}

// Transfer pays out to a provider's Omise recipient.
func (g *Gateway) Transfer(ctx context.Context, req escrow.TransferRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tr := &omisego.Transfer{}
	op := &operations.CreateTransfer{
		Amount:    req.Amount,
		Recipient: req.Recipient,
	}
	if err := g.client.Do(tr, op); err != nil {
		return "", classify(err, "create transfer")
	}
	g.logger.WithField("booking_id", req.BookingID.String()).WithField("transfer_id", tr.ID).Info("transfer created")
	return tr.ID, nil
}

func chargeOf(ch *omisego.Charge) escrow.Charge {
	out := escrow.Charge{Reference: ch.ID, Amount: ch.Amount, Refunded: ch.Refunded}
	if ch.FailureCode != nil {
		out.FailureCode = *ch.FailureCode
	}
	switch string(ch.Status) {
	case "failed", "expired":
		out.Status = escrow.ChargeFailed
	case "reversed":
		out.Status = escrow.ChargeReversed
	case "successful":
		out.Status = escrow.ChargeCaptured
	default:
		switch {
		case ch.Paid:
			out.Status = escrow.ChargeCaptured
		case ch.Authorized:
			out.Status = escrow.ChargeAuthorized
		default:
			out.Status = escrow.ChargePending
		}
	}
	return out
}

// classify marks API refusals as declines and everything else, including
// transport failures and 5xx answers, as the gateway being unavailable.
func classify(err error, op string) error {
	var oe *omisego.Error
	if errors.As(err, &oe) && oe.StatusCode >= 400 && oe.StatusCode < 500 && oe.StatusCode != 429 {
		return errors.Mark(errors.Wrapf(err, "%s: %s", op, oe.Code), escrow.ErrDeclined)
	}
	return errors.Mark(errors.Wrap(err, op), domain.ErrGatewayUnavailable)
}
