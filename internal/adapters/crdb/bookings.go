package crdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/pandit-bookings/internal/domain"
)

const bookingColumns = `id, booking_number, requester_id, provider_id, slot_start, slot_end, status,
	price_amount, platform_fee, provider_payout, currency, payment_source,
	accept_deadline, payment_deadline, saga_version, created_at, updated_at`

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var b domain.Booking
	var status string
	err := row.Scan(&b.ID, &b.Number, &b.RequesterID, &b.ProviderID, &b.SlotStart, &b.SlotEnd, &status,
		&b.PriceAmount, &b.PlatformFee, &b.ProviderPayout, &b.Currency, &b.PaymentSource,
		&b.AcceptDeadline, &b.PaymentDeadline, &b.SagaVersion, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Status = domain.Status(status)
	return &b, nil
}

func (r *Repository) GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	b, err := scanBooking(r.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if err != nil {
		return nil, errors.Wrapf(err, "get booking %s", id)
	}
	return b, nil
}

// CreateBooking fails with domain.ErrSlotUnavailable when a live booking of
// the same provider overlaps the slot.
func (r *Repository) CreateBooking(ctx context.Context, b domain.Booking, rec domain.SagaRecord, notes []domain.NotificationRequest) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		var overlap bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM bookings
				WHERE provider_id = $1 AND slot_start < $3 AND slot_end > $2
				  AND status NOT IN ('COMPLETED', 'CANCELLED', 'EXPIRED', 'DECLINED', 'PAYMENT_FAILED')
			)
		`, b.ProviderID, b.SlotStart, b.SlotEnd).Scan(&overlap)
		if err != nil {
			return err
		}
		if overlap {
			return domain.ErrSlotUnavailable
		}

		_, err = tx.Exec(ctx, `INSERT INTO bookings (`+bookingColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			b.ID, b.Number, b.RequesterID, b.ProviderID, b.SlotStart, b.SlotEnd, string(b.Status),
			b.PriceAmount, b.PlatformFee, b.ProviderPayout, b.Currency, b.PaymentSource,
			b.AcceptDeadline, b.PaymentDeadline, b.SagaVersion, b.CreatedAt, b.UpdatedAt)
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		if err != nil {
			return err
		}
		if err := upsertSagaRecord(ctx, tx, rec); err != nil {
			return err
		}
		return insertNotifications(ctx, tx, notes)
	})
}

// UpdateBooking refuses forward progress once the saga started compensating.
func (r *Repository) UpdateBooking(ctx context.Context, b domain.Booking, expected int64, rec domain.SagaRecord, notes []domain.NotificationRequest) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		if !rec.Compensating {
			compensating, err := isCompensating(ctx, tx, b.ID)
			if err != nil {
				return err
			}
			if compensating {
				return domain.ErrStaleSagaVersion
			}
		}

		res, err := tx.Exec(ctx, `
			UPDATE bookings
			SET status = $3, payment_source = $4, payment_deadline = $5, saga_version = $6, updated_at = $7
			WHERE id = $1 AND saga_version = $2
		`, b.ID, expected, string(b.Status), b.PaymentSource, b.PaymentDeadline, b.SagaVersion, b.UpdatedAt)
		if err != nil {
			return err
		}
		if res.RowsAffected() == 0 {
			return missingOrStale(ctx, tx, b.ID)
		}
		if err := upsertSagaRecord(ctx, tx, rec); err != nil {
			return err
		}
		return insertNotifications(ctx, tx, notes)
	})
}

// BeginCompensation stores rec, which must be compensating, provided the
// booking is still at version expected and no compensation began before.
func (r *Repository) BeginCompensation(ctx context.Context, bookingID uuid.UUID, expected int64, rec domain.SagaRecord) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		var version int64
		err := tx.QueryRow(ctx, `SELECT saga_version FROM bookings WHERE id = $1 FOR UPDATE`, bookingID).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if version != expected {
			return domain.ErrStaleSagaVersion
		}
		compensating, err := isCompensating(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if compensating {
			return domain.ErrStaleSagaVersion
		}
		return upsertSagaRecord(ctx, tx, rec)
	})
}

func missingOrStale(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bookings WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrStaleSagaVersion
}

func isCompensating(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	var compensating bool
	err := tx.QueryRow(ctx, `SELECT compensating FROM saga_records WHERE booking_id = $1`, id).Scan(&compensating)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return compensating, err
}

func (r *Repository) SaveSagaRecord(ctx context.Context, rec domain.SagaRecord) error {
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		return upsertSagaRecord(ctx, tx, rec)
	})
	return errors.Wrapf(err, "save saga record %s", rec.BookingID)
}

// upsertSagaRecord never lets a forward record overwrite a compensating one.
func upsertSagaRecord(ctx context.Context, tx pgx.Tx, rec domain.SagaRecord) error {
	steps := make([]string, len(rec.CompletedSteps))
	for i, s := range rec.CompletedSteps {
		steps[i] = string(s)
	}
	res, err := tx.Exec(ctx, `
		INSERT INTO saga_records (booking_id, completed_steps, last_error, compensating, compensation_event,
			compensation_reason, refund_amount, lock_key, lock_token, transaction_ref, finished, write_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (booking_id) DO UPDATE SET
			completed_steps = excluded.completed_steps,
			last_error = excluded.last_error,
			compensating = excluded.compensating,
			compensation_event = excluded.compensation_event,
			compensation_reason = excluded.compensation_reason,
			refund_amount = excluded.refund_amount,
			lock_key = excluded.lock_key,
			lock_token = excluded.lock_token,
			transaction_ref = excluded.transaction_ref,
			finished = excluded.finished,
			write_id = excluded.write_id,
			updated_at = excluded.updated_at
		WHERE NOT saga_records.compensating OR excluded.compensating
	`, rec.BookingID, steps, rec.LastError, rec.Compensating, string(rec.CompensationEvent),
		rec.CompensationReason, rec.RefundAmount, rec.LockKey, rec.LockToken, rec.TransactionRef,
		rec.Finished, rec.WriteID, rec.UpdatedAt)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.ErrStaleSagaVersion
	}
	return nil
}

func (r *Repository) GetSagaRecord(ctx context.Context, bookingID uuid.UUID) (*domain.SagaRecord, error) {
	var rec domain.SagaRecord
	var steps []string
	var event string
	err := r.pool.QueryRow(ctx, `
		SELECT booking_id, completed_steps, last_error, compensating, compensation_event, compensation_reason,
			refund_amount, lock_key, lock_token, transaction_ref, finished, write_id, updated_at
		FROM saga_records WHERE booking_id = $1
	`, bookingID).Scan(&rec.BookingID, &steps, &rec.LastError, &rec.Compensating, &event, &rec.CompensationReason,
		&rec.RefundAmount, &rec.LockKey, &rec.LockToken, &rec.TransactionRef, &rec.Finished, &rec.WriteID, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get saga record %s", bookingID)
	}
	rec.CompensationEvent = domain.Event(event)
	for _, s := range steps {
		rec.CompletedSteps = append(rec.CompletedSteps, domain.Step(s))
	}
	return &rec, nil
}

func insertNotifications(ctx context.Context, tx pgx.Tx, notes []domain.NotificationRequest) error {
	for _, n := range notes {
		payload, err := json.Marshal(n)
		if err != nil {
			return errors.Wrap(err, "encode notification")
		}
		err = insertOutbox(ctx, tx, OutboxRecord{
			ID:          n.ID,
			AggregateID: n.BookingID,
			EventType:   NotificationEventType(n.TemplateID),
			Payload:     payload,
			CreatedAt:   n.CreatedAt,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) OverdueBookings(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return r.ids(ctx, `
		SELECT id FROM bookings
		WHERE (status IN ('REQUESTED', 'PENDING_PROVIDER_DECISION') AND accept_deadline <= $1)
		   OR (status IN ('ACCEPTED', 'AWAITING_PAYMENT') AND payment_deadline <= $1)
		ORDER BY updated_at
		LIMIT $2
	`, now, limit)
}

// StalledSagas skips bookings waiting on the provider. Their deadline
// covers them.
func (r *Repository) StalledSagas(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	return r.ids(ctx, `
		SELECT s.booking_id FROM saga_records s
		LEFT JOIN bookings b ON b.id = s.booking_id
		WHERE NOT s.finished AND s.updated_at < $1
		  AND (s.compensating OR b.status IS DISTINCT FROM 'PENDING_PROVIDER_DECISION')
		ORDER BY s.updated_at
		LIMIT $2
	`, before, limit)
}

func (r *Repository) DueReminders(ctx context.Context, now, until time.Time, limit int) ([]uuid.UUID, error) {
	return r.ids(ctx, `
		SELECT id FROM bookings
		WHERE status = 'CONFIRMED' AND reminder_sent_at IS NULL
		  AND slot_start > $1 AND slot_start <= $2
		ORDER BY slot_start
		LIMIT $3
	`, now, until, limit)
}

func (r *Repository) RecordReminder(ctx context.Context, bookingID uuid.UUID, at time.Time, notes []domain.NotificationRequest) (bool, error) {
	var marked bool
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		res, err := tx.Exec(ctx, `
			UPDATE bookings SET reminder_sent_at = $2
			WHERE id = $1 AND status = 'CONFIRMED' AND reminder_sent_at IS NULL
		`, bookingID, at)
		if err != nil {
			return err
		}
		marked = res.RowsAffected() == 1
		if !marked {
			return nil
		}
		return insertNotifications(ctx, tx, notes)
	})
	if err != nil {
		return false, errors.Wrapf(err, "record reminder of booking %s", bookingID)
	}
	return marked, nil
}

// UnpaidCompletions leaves sagas parked with an error to an operator.
func (r *Repository) UnpaidCompletions(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return r.ids(ctx, `
		SELECT b.id FROM bookings b
		JOIN saga_records s ON s.booking_id = b.id
		WHERE b.status = 'COMPLETED' AND b.provider_payout > 0
		  AND NOT ('payout_provider' = ANY (s.completed_steps))
		  AND s.last_error = ''
		ORDER BY b.updated_at
		LIMIT $1
	`, limit)
}

func (r *Repository) LockHolders(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return r.ids(ctx, `
		SELECT booking_id FROM saga_records
		WHERE NOT finished
		  AND 'lock_slot' = ANY (completed_steps)
		  AND NOT ('release_lock' = ANY (completed_steps))
		ORDER BY updated_at
		LIMIT $1
	`, limit)
}

func (r *Repository) ids(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, errors.Wrap(err, "scan ids")
	}
	return ids, nil
}
