package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/pandit-bookings/internal/domain"
)

const paymentColumns = `id, booking_id, state, gateway_reference, idempotency_key,
	amount, captured_amount, refunded_amount, currency, created_at, updated_at`

func scanPayment(row pgx.Row) (domain.PaymentTransaction, error) {
	var tx domain.PaymentTransaction
	var state string
	err := row.Scan(&tx.ID, &tx.BookingID, &state, &tx.GatewayReference, &tx.IdempotencyKey,
		&tx.Amount, &tx.CapturedAmount, &tx.RefundedAmount, &tx.Currency, &tx.CreatedAt, &tx.UpdatedAt)
	tx.State = domain.PaymentState(state)
	return tx, err
}

// ReservePayment returns the row already stored under tx.IdempotencyKey, or
// inserts tx. The partial unique index on active rows turns a second live
// transaction for the booking into domain.ErrConflict.
func (r *Repository) ReservePayment(ctx context.Context, tx domain.PaymentTransaction) (domain.PaymentTransaction, error) {
	var out domain.PaymentTransaction
	err := r.WithTx(ctx, func(dbtx pgx.Tx) error {
		existing, err := scanPayment(dbtx.QueryRow(ctx,
			`SELECT `+paymentColumns+` FROM payment_transactions WHERE idempotency_key = $1`, tx.IdempotencyKey))
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		_, err = dbtx.Exec(ctx, `INSERT INTO payment_transactions (`+paymentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			tx.ID, tx.BookingID, string(tx.State), tx.GatewayReference, tx.IdempotencyKey,
			tx.Amount, tx.CapturedAmount, tx.RefundedAmount, tx.Currency, tx.CreatedAt, tx.UpdatedAt)
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		if err != nil {
			return err
		}
		out = tx
		return nil
	})
	if err != nil {
		return domain.PaymentTransaction{}, errors.Wrapf(err, "reserve payment for booking %s", tx.BookingID)
	}
	return out, nil
}

func (r *Repository) PaymentByReference(ctx context.Context, ref string) (*domain.PaymentTransaction, error) {
	tx, err := scanPayment(r.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payment_transactions WHERE gateway_reference = $1 AND gateway_reference <> ''`, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get payment %s", ref)
	}
	return &tx, nil
}

func (r *Repository) PaymentsByBooking(ctx context.Context, bookingID uuid.UUID) ([]domain.PaymentTransaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payment_transactions WHERE booking_id = $1 ORDER BY created_at`, bookingID)
	if err != nil {
		return nil, errors.Wrapf(err, "list payments of booking %s", bookingID)
	}
	defer rows.Close()

	var out []domain.PaymentTransaction
	for rows.Next() {
		tx, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (r *Repository) SavePayment(ctx context.Context, tx domain.PaymentTransaction) error {
	return r.WithTx(ctx, func(dbtx pgx.Tx) error {
		return updatePayment(ctx, dbtx, tx)
	})
}

func (r *Repository) ApplyWebhook(ctx context.Context, webhookID string, tx domain.PaymentTransaction) error {
	return r.WithTx(ctx, func(dbtx pgx.Tx) error {
		res, err := dbtx.Exec(ctx, `
			INSERT INTO processed_webhook_ids (webhook_id, processed_at) VALUES ($1, now())
			ON CONFLICT (webhook_id) DO NOTHING
		`, webhookID)
		if err != nil {
			return err
		}
		if res.RowsAffected() == 0 {
			return domain.ErrDuplicateWebhook
		}
		return updatePayment(ctx, dbtx, tx)
	})
}

func updatePayment(ctx context.Context, dbtx pgx.Tx, tx domain.PaymentTransaction) error {
	res, err := dbtx.Exec(ctx, `
		UPDATE payment_transactions
		SET state = $2, gateway_reference = $3, captured_amount = $4, refunded_amount = $5, updated_at = $6
		WHERE id = $1
	`, tx.ID, string(tx.State), tx.GatewayReference, tx.CapturedAmount, tx.RefundedAmount, tx.UpdatedAt)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *Repository) PurgeProcessedWebhooks(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.pool.Exec(ctx, `DELETE FROM processed_webhook_ids WHERE processed_at < $1`, before)
	if err != nil {
		return 0, errors.Wrap(err, "purge processed webhooks")
	}
	return res.RowsAffected(), nil
}

const payoutColumns = `booking_id, provider_id, recipient, amount, currency, state,
	transfer_id, failure_reason, created_at, updated_at`

func scanPayout(row pgx.Row) (domain.Payout, error) {
	var p domain.Payout
	var state string
	err := row.Scan(&p.BookingID, &p.ProviderID, &p.Recipient, &p.Amount, &p.Currency, &state,
		&p.TransferID, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt)
	p.State = domain.PayoutState(state)
	return p, err
}

func (r *Repository) ReservePayout(ctx context.Context, p domain.Payout) (domain.Payout, bool, error) {
	var out domain.Payout
	var created bool
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		res, err := tx.Exec(ctx, `INSERT INTO payouts (`+payoutColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (booking_id) DO NOTHING`,
			p.BookingID, p.ProviderID, p.Recipient, p.Amount, p.Currency, string(p.State),
			p.TransferID, p.FailureReason, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return err
		}
		if res.RowsAffected() == 1 {
			out, created = p, true
			return nil
		}
		out, err = scanPayout(tx.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE booking_id = $1`, p.BookingID))
		created = false
		return err
	})
	if err != nil {
		return domain.Payout{}, false, errors.Wrapf(err, "reserve payout for booking %s", p.BookingID)
	}
	return out, created, nil
}

func (r *Repository) SavePayout(ctx context.Context, p domain.Payout) error {
	res, err := r.pool.Exec(ctx, `
		UPDATE payouts SET state = $2, transfer_id = $3, failure_reason = $4, updated_at = $5
		WHERE booking_id = $1
	`, p.BookingID, string(p.State), p.TransferID, p.FailureReason, p.UpdatedAt)
	if err != nil {
		return errors.Wrapf(err, "save payout for booking %s", p.BookingID)
	}
	if res.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
