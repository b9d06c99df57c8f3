package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/pandit-bookings/internal/domain"
	"github.com/robertarktes/pandit-bookings/internal/escrow"
)

type charge struct {
	amount   int64
	status   escrow.ChargeStatus
	refunded int64
}

// Gateway simulates the payment provider. Failure fields are consumed by
// the next matching call; a Transient count fails that many calls.
type Gateway struct {
	mu      sync.Mutex
	seq     int
	charges map[string]*charge
	byKey   map[string]string

	DeclineAuthorize  bool
	DeclineCapture    bool
	TransientCapture  int
	AsyncCapture      bool
	DeclineRefund     bool
	DeclineTransfer   bool
	TransientTransfer int

	Calls     map[string]int
	transfers map[string]int64
}

func NewGateway() *Gateway {
	return &Gateway{
		charges:   map[string]*charge{},
		byKey:     map[string]string{},
		Calls:     map[string]int{},
		transfers: map[string]int64{},
	}
}

func (g *Gateway) Authorize(_ context.Context, req escrow.AuthorizeRequest) (escrow.Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls["authorize"]++
	if ref, ok := g.byKey[req.IdempotencyKey]; ok {
		c := g.charges[ref]
		return escrow.Charge{Reference: ref, Status: c.status, Amount: c.amount}, nil
	}
	if g.DeclineAuthorize {
		g.DeclineAuthorize = false
		return escrow.Charge{}, errors.Mark(errors.New("card declined"), escrow.ErrDeclined)
	}
	g.seq++
	ref := fmt.Sprintf("chrg_test_%d", g.seq)
	g.charges[ref] = &charge{amount: req.Amount, status: escrow.ChargeAuthorized}
	g.byKey[req.IdempotencyKey] = ref
	return escrow.Charge{Reference: ref, Status: escrow.ChargeAuthorized, Amount: req.Amount}, nil
}

func (g *Gateway) Capture(_ context.Context, ref string) (escrow.Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls["capture"]++
	c, ok := g.charges[ref]
	if !ok {
		return escrow.Charge{}, errors.Mark(errors.New("charge not found"), escrow.ErrDeclined)
	}
	if g.TransientCapture > 0 {
		g.TransientCapture--
		return escrow.Charge{}, errors.Mark(errors.New("gateway timeout"), domain.ErrGatewayUnavailable)
	}
	if c.status != escrow.ChargeAuthorized {
		return escrow.Charge{}, errors.Mark(errors.Newf("charge is %s", c.status), escrow.ErrDeclined)
	}
	if g.DeclineCapture {
		g.DeclineCapture = false
		c.status = escrow.ChargeFailed
		return escrow.Charge{}, errors.Mark(errors.New("insufficient funds"), escrow.ErrDeclined)
	}
	if g.AsyncCapture {
		return escrow.Charge{Reference: ref, Status: escrow.ChargePending, Amount: c.amount}, nil
	}
	c.status = escrow.ChargeCaptured
	return escrow.Charge{Reference: ref, Status: escrow.ChargeCaptured, Amount: c.amount}, nil
}

// Settle completes an asynchronous capture.
func (g *Gateway) Settle(ref string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.charges[ref]; ok {
		c.status = escrow.ChargeCaptured
	}
}

func (g *Gateway) Void(_ context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls["void"]++
	c, ok := g.charges[ref]
	if !ok {
		return errors.Mark(errors.New("charge not found"), escrow.ErrDeclined)
	}
	if c.status != escrow.ChargeAuthorized && c.status != escrow.ChargePending {
		return errors.Mark(errors.Newf("charge is %s", c.status), escrow.ErrDeclined)
	}
	c.status = escrow.ChargeReversed
	return nil
}

func (g *Gateway) Refund(_ context.Context, ref string, amount int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls["refund"]++
	c, ok := g.charges[ref]
	if !ok || c.status != escrow.ChargeCaptured {
		return errors.Mark(errors.New("charge not refundable"), escrow.ErrDeclined)
	}
	if g.DeclineRefund {
		g.DeclineRefund = false
		return errors.Mark(errors.New("refund not permitted"), escrow.ErrDeclined)
	}
	if c.refunded+amount > c.amount {
		return errors.Mark(errors.New("refund exceeds charge"), escrow.ErrDeclined)
	}
	c.refunded += amount
	return nil
}

func (g *Gateway) Retrieve(_ context.Context, ref string) (escrow.Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls["retrieve"]++
	c, ok := g.charges[ref]
	if !ok {
		return escrow.Charge{}, errors.Mark(errors.New("charge not found"), escrow.ErrDeclined)
	}
	return escrow.Charge{Reference: ref, Status: c.status, Amount: c.amount, Refunded: c.refunded}, nil
}

func (g *Gateway) Transfer(_ context.Context, req escrow.TransferRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls["transfer"]++
	if g.TransientTransfer > 0 {
		g.TransientTransfer--
		return "", errors.Mark(errors.New("gateway timeout"), domain.ErrGatewayUnavailable)
	}
	if g.DeclineTransfer {
		g.DeclineTransfer = false
		return "", errors.Mark(errors.New("recipient not verified"), escrow.ErrDeclined)
	}
	g.seq++
	g.transfers[req.Recipient] += req.Amount
	return fmt.Sprintf("trsf_test_%d", g.seq), nil
}

// Transferred returns the total paid out to recipient.
func (g *Gateway) Transferred(recipient string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transfers[recipient]
}

// Held returns the amount still captured and not refunded for ref.
func (g *Gateway) Held(ref string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.charges[ref]
	if !ok || c.status != escrow.ChargeCaptured {
		return 0
	}
	return c.amount - c.refunded
}

func (g *Gateway) Voided(ref string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.charges[ref]
	return ok && c.status == escrow.ChargeReversed
}
