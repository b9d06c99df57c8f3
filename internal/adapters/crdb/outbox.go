package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type OutboxRecord struct {
	ID          uuid.UUID
	AggregateID uuid.UUID
	EventType   string
	Payload     []byte
	Status      string // NEW, PUBLISHED
	Attempts    int
	CreatedAt   time.Time
	PublishedAt *time.Time
}

func NotificationEventType(template string) string {
	return "notification." + template
}

func insertOutbox(ctx context.Context, tx pgx.Tx, record OutboxRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox (id, aggregate_id, event_type, payload_json, status, created_at)
		VALUES ($1, $2, $3, $4, 'NEW', $5)
		ON CONFLICT (id) DO NOTHING
	`, record.ID, record.AggregateID, record.EventType, record.Payload, record.CreatedAt)
	return err
}

// ProcessOutbox locks up to limit unpublished records and hands them to fn
// oldest first. Records fn accepted are marked published in the same
// transaction; the first failure stops the batch, bumps its attempts and is
// returned once the records before it are committed.
func (r *Repository) ProcessOutbox(ctx context.Context, limit int, fn func(OutboxRecord) error) (int, error) {
	var published int
	var failed error
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		published, failed = 0, nil
		rows, err := tx.Query(ctx, `
			SELECT id, aggregate_id, event_type, payload_json, status, attempts, created_at, published_at
			FROM outbox WHERE status = 'NEW' ORDER BY created_at ASC LIMIT $1 FOR UPDATE SKIP LOCKED
		`, limit)
		if err != nil {
			return err
		}
		records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (OutboxRecord, error) {
			var rec OutboxRecord
			err := row.Scan(&rec.ID, &rec.AggregateID, &rec.EventType, &rec.Payload, &rec.Status,
				&rec.Attempts, &rec.CreatedAt, &rec.PublishedAt)
			return rec, err
		})
		if err != nil {
			return err
		}

		for _, rec := range records {
			if ferr := fn(rec); ferr != nil {
				failed = errors.Wrapf(ferr, "relay outbox record %s", rec.ID)
				_, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, rec.ID)
				return err
			}
			if _, err := tx.Exec(ctx, `
				UPDATE outbox SET status = 'PUBLISHED', published_at = now() WHERE id = $1
			`, rec.ID); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "process outbox")
	}
	return published, failed
}

func (r *Repository) OldestUnpublished(ctx context.Context) (*time.Time, error) {
	var oldest *time.Time
	err := r.pool.QueryRow(ctx, `SELECT min(created_at) FROM outbox WHERE status = 'NEW'`).Scan(&oldest)
	if err != nil {
		return nil, errors.Wrap(err, "query outbox lag")
	}
	return oldest, nil
}
