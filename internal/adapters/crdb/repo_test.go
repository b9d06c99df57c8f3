package crdb_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/pandit-bookings/internal/adapters/crdb"
	"github.com/robertarktes/pandit-bookings/internal/domain"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRepository(t *testing.T) *crdb.Repository {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "cockroachdb/cockroach:v24.1.1",
			Cmd:          []string{"start-single-node", "--insecure"},
			ExposedPorts: []string{"26257/tcp", "8080/tcp"},
			WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	dsn, err := container.Endpoint(ctx, "postgresql")
	if err != nil {
		t.Fatal(err)
	}

	admin, err := pgxpool.New(ctx, dsn+"/defaultdb?sslmode=disable&user=root")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := admin.Exec(ctx, `CREATE DATABASE IF NOT EXISTS pandit`); err != nil {
		t.Fatal(err)
	}
	admin.Close()

	pool, err := pgxpool.New(ctx, dsn+"/pandit?sslmode=disable&user=root")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	repo := crdb.NewRepository(pool)
	if err := repo.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	return repo
}

func newBooking(t *testing.T, provider string, start time.Time) (domain.Booking, domain.SagaRecord) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	b, err := domain.NewBooking(uuid.New(), domain.BookingRequest{
		RequesterID: "U1",
		ProviderID:  provider,
		SlotStart:   start,
		SlotEnd:     start.Add(time.Hour),
		Amount:      50000,
	}, now, 2*time.Hour, domain.Pricing{Currency: "thb", CommissionPercent: 10})
	if err != nil {
		t.Fatal(err)
	}
	b, _, err = b.Apply(domain.EventSubmit, now)
	if err != nil {
		t.Fatal(err)
	}
	rec := domain.SagaRecord{BookingID: b.ID, LockKey: b.SlotKey(), LockToken: "tok", UpdatedAt: now}
	rec.Complete(domain.StepLockSlot, now)
	rec.Complete(domain.StepCreateBooking, now)
	return b, rec
}

func TestRepository_Bookings(t *testing.T) {
	repo := startRepository(t)
	ctx := context.Background()
	start := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Hour)

	b, rec := newBooking(t, "P1", start)
	note := domain.NotificationRequest{ID: uuid.New(), BookingID: b.ID, RecipientID: "P1", TemplateID: "booking_requested", CreatedAt: b.CreatedAt}
	if err := repo.CreateBooking(ctx, b, rec, []domain.NotificationRequest{note}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	t.Run("overlapping live booking is refused", func(t *testing.T) {
		other, otherRec := newBooking(t, "P1", start.Add(30*time.Minute))
		err := repo.CreateBooking(ctx, other, otherRec, nil)
		if !errors.Is(err, domain.ErrSlotUnavailable) {
			t.Errorf("expected slot unavailable, got %v", err)
		}
	})

	t.Run("version guard", func(t *testing.T) {
		accepted, _, err := b.Apply(domain.EventAccept, time.Now().UTC())
		if err != nil {
			t.Fatal(err)
		}
		rec.Complete(domain.StepProviderAccepted, accepted.UpdatedAt)
		if err := repo.UpdateBooking(ctx, accepted, b.SagaVersion, rec, nil); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		err = repo.UpdateBooking(ctx, accepted, b.SagaVersion, rec, nil)
		if !errors.Is(err, domain.ErrStaleSagaVersion) {
			t.Errorf("expected stale version, got %v", err)
		}

		got, err := repo.GetBooking(ctx, b.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != domain.StatusAccepted || got.SagaVersion != accepted.SagaVersion {
			t.Errorf("expected ACCEPTED at version %d, got %s at %d", accepted.SagaVersion, got.Status, got.SagaVersion)
		}
		b = *got
	})

	t.Run("compensation blocks forward writes", func(t *testing.T) {
		comp := rec.Clone()
		comp.BeginCompensation(domain.EventCancel, "requester cancelled", b.PriceAmount, time.Now().UTC())
		if err := repo.BeginCompensation(ctx, b.ID, b.SagaVersion, comp); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if err := repo.BeginCompensation(ctx, b.ID, b.SagaVersion, comp); !errors.Is(err, domain.ErrStaleSagaVersion) {
			t.Errorf("expected second compensation to be stale, got %v", err)
		}
		if err := repo.SaveSagaRecord(ctx, rec); !errors.Is(err, domain.ErrStaleSagaVersion) {
			t.Errorf("expected forward record to be refused, got %v", err)
		}

		stored, err := repo.GetSagaRecord(ctx, b.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !stored.Compensating || stored.CompensationEvent != domain.EventCancel || !stored.Done(domain.StepProviderAccepted) {
			t.Errorf("unexpected saga record %+v", stored)
		}
	})

	t.Run("sweeper queries", func(t *testing.T) {
		holders, err := repo.LockHolders(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(holders) != 1 || holders[0] != b.ID {
			t.Errorf("expected the booking to hold its lock, got %v", holders)
		}
		stalled, err := repo.StalledSagas(ctx, time.Now().Add(time.Minute), 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(stalled) != 1 {
			t.Errorf("expected one stalled saga, got %v", stalled)
		}
		overdue, err := repo.OverdueBookings(ctx, time.Now(), 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(overdue) != 0 {
			t.Errorf("expected no overdue bookings, got %v", overdue)
		}
	})
}

func TestRepository_Payments(t *testing.T) {
	repo := startRepository(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	bookingID := uuid.New()

	tx := domain.PaymentTransaction{
		ID: uuid.New(), BookingID: bookingID, State: domain.PaymentPending, IdempotencyKey: bookingID.String() + ":authorize",
		Amount: 50000, Currency: "thb", CreatedAt: now, UpdatedAt: now,
	}
	got, err := repo.ReservePayment(ctx, tx)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != tx.ID {
		t.Fatalf("expected the new row, got %+v", got)
	}

	retry := tx
	retry.ID = uuid.New()
	got, err = repo.ReservePayment(ctx, retry)
	if err != nil || got.ID != tx.ID {
		t.Fatalf("expected the existing row for the same key, got %+v, %v", got, err)
	}

	second := tx
	second.ID = uuid.New()
	second.IdempotencyKey = "other"
	if _, err := repo.ReservePayment(ctx, second); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected conflict for a second active transaction, got %v", err)
	}

	tx.State = domain.PaymentCaptured
	tx.GatewayReference = "chrg_1"
	tx.CapturedAmount = tx.Amount
	if err := repo.SavePayment(ctx, tx); err != nil {
		t.Fatal(err)
	}

	tx.RefundedAmount = 10000
	if err := repo.ApplyWebhook(ctx, "evnt_1", tx); err != nil {
		t.Fatal(err)
	}
	if err := repo.ApplyWebhook(ctx, "evnt_1", tx); !errors.Is(err, domain.ErrDuplicateWebhook) {
		t.Errorf("expected duplicate webhook, got %v", err)
	}

	stored, err := repo.PaymentByReference(ctx, "chrg_1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != domain.PaymentCaptured || stored.RefundedAmount != 10000 {
		t.Errorf("unexpected transaction %+v", stored)
	}

	n, err := repo.PurgeProcessedWebhooks(ctx, time.Now().Add(time.Hour))
	if err != nil || n != 1 {
		t.Errorf("expected one purged webhook id, got %d, %v", n, err)
	}
	if err := repo.ApplyWebhook(ctx, "evnt_1", tx); err != nil {
		t.Errorf("expected purged id to be accepted again, got %v", err)
	}
}

func TestRepository_Payouts(t *testing.T) {
	repo := startRepository(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	p := domain.Payout{
		BookingID: uuid.New(), ProviderID: "P1", Recipient: "recp_P1", Amount: 45000, Currency: "thb",
		State: domain.PayoutPending, CreatedAt: now, UpdatedAt: now,
	}
	got, created, err := repo.ReservePayout(ctx, p)
	if err != nil || !created || got.State != domain.PayoutPending {
		t.Fatalf("expected a new pending payout, got %+v, %v, %v", got, created, err)
	}
	again := p
	again.Amount = 1
	got, created, err = repo.ReservePayout(ctx, again)
	if err != nil || created || got.Amount != 45000 {
		t.Fatalf("expected the existing payout back, got %+v, %v, %v", got, created, err)
	}

	p.State = domain.PayoutPaid
	p.TransferID = "trsf_1"
	p.UpdatedAt = now.Add(time.Second)
	if err := repo.SavePayout(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, created, err = repo.ReservePayout(ctx, again)
	if err != nil || created || got.State != domain.PayoutPaid || got.TransferID != "trsf_1" {
		t.Errorf("expected the paid payout, got %+v, %v, %v", got, created, err)
	}

	missing := p
	missing.BookingID = uuid.New()
	if err := repo.SavePayout(ctx, missing); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found for an unreserved payout, got %v", err)
	}
}

func TestRepository_Aftercare(t *testing.T) {
	repo := startRepository(t)
	ctx := context.Background()
	start := time.Now().Add(20 * time.Hour).UTC().Truncate(time.Minute)
	if err := repo.Migrate(ctx); err != nil {
		t.Fatalf("second migration must be a no-op, got %v", err)
	}

	b, rec := newBooking(t, "P1", start)
	if err := repo.CreateBooking(ctx, b, rec, nil); err != nil {
		t.Fatal(err)
	}
	advance := func(ev domain.Event) {
		t.Helper()
		next, _, err := b.Apply(ev, time.Now().UTC())
		if err != nil {
			t.Fatal(err)
		}
		rec.WriteID = uuid.New()
		if err := repo.UpdateBooking(ctx, next, b.SagaVersion, rec, nil); err != nil {
			t.Fatalf("apply %s: %v", ev, err)
		}
		b = next
	}
	for _, ev := range []domain.Event{domain.EventAccept, domain.EventPaymentAuthorized, domain.EventPaymentCaptured} {
		advance(ev)
	}

	t.Run("write id is stored with the record", func(t *testing.T) {
		stored, err := repo.GetSagaRecord(ctx, b.ID)
		if err != nil {
			t.Fatal(err)
		}
		if stored.WriteID != rec.WriteID {
			t.Errorf("expected write id %s, got %s", rec.WriteID, stored.WriteID)
		}
	})

	t.Run("reminder is recorded once", func(t *testing.T) {
		now := time.Now().UTC()
		if due, err := repo.DueReminders(ctx, now, now.Add(time.Hour), 10); err != nil || len(due) != 0 {
			t.Fatalf("expected nothing due within the hour, got %v, %v", due, err)
		}
		due, err := repo.DueReminders(ctx, now, now.Add(24*time.Hour), 10)
		if err != nil || len(due) != 1 || due[0] != b.ID {
			t.Fatalf("expected the booking due, got %v, %v", due, err)
		}

		note := func() []domain.NotificationRequest {
			return []domain.NotificationRequest{{ID: uuid.New(), BookingID: b.ID, RecipientID: "U1", TemplateID: domain.TemplateBookingReminder, CreatedAt: now}}
		}
		sent, err := repo.RecordReminder(ctx, b.ID, now, note())
		if err != nil || !sent {
			t.Fatalf("expected the reminder recorded, got %v, %v", sent, err)
		}
		sent, err = repo.RecordReminder(ctx, b.ID, now, note())
		if err != nil || sent {
			t.Errorf("expected the second reminder skipped, got %v, %v", sent, err)
		}
		if due, _ := repo.DueReminders(ctx, now, now.Add(24*time.Hour), 10); len(due) != 0 {
			t.Errorf("reminded booking is no longer due, got %v", due)
		}
	})

	t.Run("completion waits for its payout step", func(t *testing.T) {
		advance(domain.EventComplete)
		unpaid, err := repo.UnpaidCompletions(ctx, 10)
		if err != nil || len(unpaid) != 1 || unpaid[0] != b.ID {
			t.Fatalf("expected the completed booking unpaid, got %v, %v", unpaid, err)
		}
		rec.Complete(domain.StepPayout, time.Now().UTC())
		if err := repo.SaveSagaRecord(ctx, rec); err != nil {
			t.Fatal(err)
		}
		if unpaid, _ := repo.UnpaidCompletions(ctx, 10); len(unpaid) != 0 {
			t.Errorf("paid booking is no longer listed, got %v", unpaid)
		}
	})
}

func TestRepository_ProcessOutbox(t *testing.T) {
	repo := startRepository(t)
	ctx := context.Background()

	b, rec := newBooking(t, "P2", time.Now().Add(96*time.Hour).UTC().Truncate(time.Hour))
	notes := []domain.NotificationRequest{
		{ID: uuid.New(), BookingID: b.ID, RecipientID: "U1", TemplateID: "booking_confirmed", CreatedAt: b.CreatedAt},
		{ID: uuid.New(), BookingID: b.ID, RecipientID: "P2", TemplateID: "booking_confirmed", CreatedAt: b.CreatedAt.Add(time.Millisecond)},
	}
	if err := repo.CreateBooking(ctx, b, rec, notes); err != nil {
		t.Fatal(err)
	}

	calls := 0
	n, err := repo.ProcessOutbox(ctx, 10, func(r crdb.OutboxRecord) error {
		calls++
		if calls == 2 {
			return errors.New("broker down")
		}
		var got domain.NotificationRequest
		if err := json.Unmarshal(r.Payload, &got); err != nil {
			t.Fatal(err)
		}
		if got.ID != notes[0].ID || r.EventType != "notification.booking_confirmed" {
			t.Errorf("unexpected record %+v", r)
		}
		return nil
	})
	if n != 1 || err == nil {
		t.Fatalf("expected one published record and the relay error, got %d, %v", n, err)
	}

	n, err = repo.ProcessOutbox(ctx, 10, func(crdb.OutboxRecord) error { return nil })
	if err != nil || n != 1 {
		t.Fatalf("expected the remaining record to be published, got %d, %v", n, err)
	}
	oldest, err := repo.OldestUnpublished(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if oldest != nil {
		t.Errorf("expected empty outbox, oldest is %v", oldest)
	}
}
