package mongo_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	mongoadapter "github.com/robertarktes/pandit-bookings/internal/adapters/mongo"
	"github.com/robertarktes/pandit-bookings/internal/domain"
	"github.com/robertarktes/pandit-bookings/internal/observability"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
)

func startMongo(t *testing.T) *mongo.Database {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "mongodb")
	if err != nil {
		t.Fatal(err)
	}
	client, err := mongoadapter.Connect(ctx, endpoint)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Disconnect(ctx) })
	return client.Database("pandit_test")
}

func TestMongo(t *testing.T) {
	db := startMongo(t)
	ctx := context.Background()
	logger := observability.NewLogger("error")

	t.Run("provider directory", func(t *testing.T) {
		dir := mongoadapter.NewProviderDirectory(db, logger)
		if err := dir.UpsertProvider(ctx, mongoadapter.ProviderDoc{ID: "P1", Name: "Pandit Sharma", VerificationStatus: "VERIFIED", RecipientID: "recp_test_1"}); err != nil {
			t.Fatal(err)
		}
		if err := dir.UpsertProvider(ctx, mongoadapter.ProviderDoc{ID: "P2", Name: "Pandit Joshi", VerificationStatus: "PENDING"}); err != nil {
			t.Fatal(err)
		}
		for id, want := range map[string]bool{"P1": true, "P2": false, "P404": false} {
			got, err := dir.IsVerified(ctx, id)
			if err != nil {
				t.Fatalf("%s: %v", id, err)
			}
			if got != want {
				t.Errorf("%s: expected verified=%v, got %v", id, want, got)
			}
		}

		if r, err := dir.PayoutRecipient(ctx, "P1"); err != nil || r != "recp_test_1" {
			t.Errorf("expected recp_test_1, got %q, %v", r, err)
		}
		if _, err := dir.PayoutRecipient(ctx, "P2"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected a provider without recipient to be not found, got %v", err)
		}
	})

	t.Run("audit trail records a version once", func(t *testing.T) {
		audit := mongoadapter.NewAuditLogger(db, logger)
		if err := audit.EnsureIndexes(ctx); err != nil {
			t.Fatal(err)
		}
		id := uuid.New()
		entry := domain.AuditEntry{
			BookingID:   id,
			From:        domain.StatusRequested,
			To:          domain.StatusPendingProviderDecision,
			Event:       domain.EventSubmit,
			Actor:       "requester",
			SagaVersion: 1,
			At:          time.Now(),
		}
		for i := 0; i < 2; i++ {
			if err := audit.RecordTransition(ctx, entry); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		}
		entry.From, entry.To, entry.Event, entry.SagaVersion = domain.StatusPendingProviderDecision, domain.StatusDeclined, domain.EventDecline, 2
		if err := audit.RecordTransition(ctx, entry); err != nil {
			t.Fatal(err)
		}

		history, err := audit.History(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if len(history) != 2 || history[1].To != string(domain.StatusDeclined) {
			t.Errorf("unexpected history %+v", history)
		}
	})

	t.Run("inbox delivery is idempotent", func(t *testing.T) {
		inbox := mongoadapter.NewInbox(db)
		n := domain.NotificationRequest{
			ID:          uuid.New(),
			BookingID:   uuid.New(),
			RecipientID: "U7",
			TemplateID:  "booking_declined",
			CreatedAt:   time.Now(),
		}
		for i := 0; i < 2; i++ {
			if err := inbox.Deliver(ctx, n); err != nil {
				t.Fatal(err)
			}
		}
		docs, err := inbox.ForRecipient(ctx, "U7", 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(docs) != 1 || docs[0].TemplateID != "booking_declined" {
			t.Errorf("unexpected inbox %+v", docs)
		}
	})
}
