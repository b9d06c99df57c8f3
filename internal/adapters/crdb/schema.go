package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
)

const Schema = `
CREATE TABLE IF NOT EXISTS bookings (
	id UUID PRIMARY KEY,
	booking_number STRING NOT NULL,
	requester_id STRING NOT NULL,
	provider_id STRING NOT NULL,
	slot_start TIMESTAMPTZ NOT NULL,
	slot_end TIMESTAMPTZ NOT NULL,
	status STRING NOT NULL,
	price_amount INT8 NOT NULL CHECK (price_amount > 0),
	platform_fee INT8 NOT NULL,
	provider_payout INT8 NOT NULL,
	currency STRING NOT NULL,
	payment_source STRING NOT NULL DEFAULT '',
	accept_deadline TIMESTAMPTZ NOT NULL,
	payment_deadline TIMESTAMPTZ NULL,
	saga_version INT8 NOT NULL DEFAULT 0,
	reminder_sent_at TIMESTAMPTZ NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	INDEX bookings_number (booking_number),
	INDEX bookings_provider_slot (provider_id, slot_start),
	INDEX bookings_status_deadlines (status, accept_deadline, payment_deadline)
);

CREATE TABLE IF NOT EXISTS saga_records (
	booking_id UUID PRIMARY KEY,
	completed_steps STRING[] NOT NULL DEFAULT ARRAY[]:::STRING[],
	last_error STRING NOT NULL DEFAULT '',
	compensating BOOL NOT NULL DEFAULT false,
	compensation_event STRING NOT NULL DEFAULT '',
	compensation_reason STRING NOT NULL DEFAULT '',
	refund_amount INT8 NOT NULL DEFAULT 0,
	lock_key STRING NOT NULL DEFAULT '',
	lock_token STRING NOT NULL DEFAULT '',
	transaction_ref STRING NOT NULL DEFAULT '',
	finished BOOL NOT NULL DEFAULT false,
	write_id UUID NOT NULL DEFAULT '00000000-0000-0000-0000-000000000000',
	updated_at TIMESTAMPTZ NOT NULL,
	INDEX saga_records_open (finished, updated_at)
);

CREATE TABLE IF NOT EXISTS payment_transactions (
	id UUID PRIMARY KEY,
	booking_id UUID NOT NULL,
	state STRING NOT NULL,
	gateway_reference STRING NOT NULL DEFAULT '',
	idempotency_key STRING NOT NULL UNIQUE,
	amount INT8 NOT NULL,
	captured_amount INT8 NOT NULL DEFAULT 0,
	refunded_amount INT8 NOT NULL DEFAULT 0,
	currency STRING NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	INDEX payment_transactions_booking (booking_id),
	INDEX payment_transactions_reference (gateway_reference),
	CHECK (refunded_amount <= captured_amount)
);

CREATE UNIQUE INDEX IF NOT EXISTS payment_transactions_one_active
	ON payment_transactions (booking_id)
	WHERE state IN ('PENDING', 'AUTHORIZED', 'CAPTURED');

CREATE TABLE IF NOT EXISTS payouts (
	booking_id UUID PRIMARY KEY,
	provider_id STRING NOT NULL,
	recipient STRING NOT NULL,
	amount INT8 NOT NULL CHECK (amount > 0),
	currency STRING NOT NULL,
	state STRING NOT NULL,
	transfer_id STRING NOT NULL DEFAULT '',
	failure_reason STRING NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	INDEX payouts_state (state, updated_at)
);

CREATE TABLE IF NOT EXISTS processed_webhook_ids (
	webhook_id STRING PRIMARY KEY,
	processed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	INDEX processed_webhook_ids_at (processed_at)
);

CREATE TABLE IF NOT EXISTS outbox (
	id UUID PRIMARY KEY,
	aggregate_id UUID NOT NULL,
	event_type STRING NOT NULL,
	payload_json JSONB NOT NULL,
	status STRING NOT NULL DEFAULT 'NEW' CHECK (status IN ('NEW', 'PUBLISHED')),
	attempts INT8 NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at TIMESTAMPTZ NULL,
	INDEX outbox_pending (status, created_at)
);

ALTER TABLE bookings ADD COLUMN IF NOT EXISTS reminder_sent_at TIMESTAMPTZ NULL;
ALTER TABLE saga_records ADD COLUMN IF NOT EXISTS write_id UUID NOT NULL DEFAULT '00000000-0000-0000-0000-000000000000';
`

func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}
