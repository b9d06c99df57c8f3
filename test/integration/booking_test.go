package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/pandit-bookings/internal/adapters/crdb"
	"github.com/robertarktes/pandit-bookings/internal/adapters/memory"
	mongoadapter "github.com/robertarktes/pandit-bookings/internal/adapters/mongo"
	"github.com/robertarktes/pandit-bookings/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/pandit-bookings/internal/adapters/redis"
	"github.com/robertarktes/pandit-bookings/internal/directory"
	"github.com/robertarktes/pandit-bookings/internal/domain"
	"github.com/robertarktes/pandit-bookings/internal/escrow"
	httphandler "github.com/robertarktes/pandit-bookings/internal/http"
	"github.com/robertarktes/pandit-bookings/internal/idempotency"
	"github.com/robertarktes/pandit-bookings/internal/notify"
	"github.com/robertarktes/pandit-bookings/internal/observability"
	"github.com/robertarktes/pandit-bookings/internal/outbox"
	"github.com/robertarktes/pandit-bookings/internal/rateLimit"
	"github.com/robertarktes/pandit-bookings/internal/saga"
	"github.com/robertarktes/pandit-bookings/internal/slotlock"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const jwtSecret = "integration-secret"

func start(t *testing.T, req testcontainers.ContainerRequest, port string) string {
	t.Helper()
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Terminate(ctx) })
	host, err := c.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		t.Fatal(err)
	}
	return host + ":" + mapped.Port()
}

func post(t *testing.T, url, subject, key string, body interface{}) map[string]interface{} {
	t.Helper()
	data, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	tok, err := httphandler.IssueToken(jwtSecret, subject, "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out := map[string]interface{}{}
	json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode >= 300 {
		t.Fatalf("POST %s: status %d: %v", url, resp.StatusCode, out)
	}
	return out
}

func TestIntegration_RequestAcceptConfirmNotify(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()
	logger := observability.NewLogger("error")

	crdbAddr := start(t, testcontainers.ContainerRequest{
		Image:        "cockroachdb/cockroach:v24.1.1",
		Cmd:          []string{"start-single-node", "--insecure"},
		ExposedPorts: []string{"26257/tcp", "8080/tcp"},
		WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080"),
	}, "26257")
	mongoAddr := start(t, testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForLog("Waiting for connections"),
	}, "27017")
	redisAddr := start(t, testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForExec([]string{"redis-cli", "ping"}),
	}, "6379")
	rabbitAddr := start(t, testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-management",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(2 * time.Minute),
	}, "5672")

	pool, err := crdb.Connect(ctx, "postgresql://root@"+crdbAddr+"/defaultdb?sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)
	if err := repo.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	mongoClient, err := mongoadapter.Connect(ctx, "mongodb://"+mongoAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer mongoClient.Disconnect(ctx)
	db := mongoClient.Database("pandit")
	providers := mongoadapter.NewProviderDirectory(db, logger)
	if err := providers.UpsertProvider(ctx, mongoadapter.ProviderDoc{ID: "P1", Name: "Pandit Sharma", VerificationStatus: "VERIFIED"}); err != nil {
		t.Fatal(err)
	}
	audit := mongoadapter.NewAuditLogger(db, logger)
	if err := audit.EnsureIndexes(ctx); err != nil {
		t.Fatal(err)
	}
	inbox := mongoadapter.NewInbox(db)

	redisClient, err := redisadapter.NewClient(ctx, redisadapter.Options{Addr: redisAddr})
	if err != nil {
		t.Fatal(err)
	}
	defer redisClient.Close()
	cache := redisadapter.NewCache(redisClient)

	coordinator := escrow.NewCoordinator(memory.NewGateway(), repo, escrow.Config{Currency: "thb", WebhookSecret: "whsec"}, logger)
	orch := saga.New(repo, slotlock.NewManager(redisadapter.NewSlotLockStore(redisClient), logger), coordinator,
		directory.NewCached(providers, 16, time.Minute, logger), saga.Config{
			LockLease:      15 * time.Minute,
			AcceptWindow:   2 * time.Hour,
			PaymentWindow:  30 * time.Minute,
			Pricing:        domain.Pricing{Currency: "thb", CommissionPercent: 10},
			Cancellation:   domain.CancellationPolicy{FullRefundNotice: 24 * time.Hour, LateRefundPercent: 50},
			MaxRetries:     3,
			InitialBackoff: 50 * time.Millisecond,
		}, logger, saga.WithAuditor(audit))

	handlers := httphandler.NewHandlers(orch, logger, "X-Webhook-Signature", map[string]httphandler.Pinger{"crdb": repo, "redis": cache})
	srv := httptest.NewServer(httphandler.SetupRouter(handlers, logger, httphandler.RouterOptions{
		JWTSecret:   jwtSecret,
		RateLimiter: rateLimit.NewRateLimiter(cache, logger),
		PerSubject:  rateLimit.Limit{Rate: 100, Period: time.Minute},
		PerIP:       rateLimit.Limit{Rate: 100, Period: time.Minute},
		Idempotency: idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), time.Hour),
	}))
	defer srv.Close()

	slot := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Hour)
	created := post(t, srv.URL+"/v1/bookings", "U1", "integration-create-1", map[string]interface{}{
		"provider_id":    "P1",
		"slot_start":     slot.Format(time.RFC3339),
		"slot_end":       slot.Add(time.Hour).Format(time.RFC3339),
		"amount":         50000,
		"payment_source": "tokn_test",
	})
	id := created["booking_id"].(string)

	confirmed := post(t, srv.URL+"/v1/bookings/"+id+"/decision", "P1", "integration-decide-1", map[string]interface{}{
		"accept":       true,
		"saga_version": created["saga_version"],
	})
	if confirmed["status"] != string(domain.StatusConfirmed) {
		t.Fatalf("expected CONFIRMED, got %v", confirmed["status"])
	}

	conn, err := amqp.Dial("amqp://guest:guest@" + rabbitAddr + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	consumer, err := rabbit.NewConsumer(conn, rabbit.ConsumerConfig{
		Exchange:   "pandit.events",
		Queue:      "pandit.notifications.q",
		Bindings:   []string{"notification.#"},
		DeadLetter: "pandit.events.dlx",
	})
	if err != nil {
		t.Fatal(err)
	}
	pub, err := rabbit.NewPublisher(conn, "pandit.events")
	if err != nil {
		t.Fatal(err)
	}
	relay := outbox.NewRelay(repo, pub, outbox.Config{Batch: 10, MaxRetries: 2, InitialBackoff: 10 * time.Millisecond}, logger)
	if err := relay.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	deliveries, err := consumer.Consume(runCtx, "integration")
	if err != nil {
		t.Fatal(err)
	}
	worker := notify.NewWorker(inbox, cache, time.Hour, logger)
	go worker.Run(runCtx, deliveries)

	deadline := time.Now().Add(15 * time.Second)
	for {
		docs, err := inbox.ForRecipient(ctx, "U1", 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(docs) > 0 {
			if docs[0].TemplateID != "booking_confirmed" || docs[0].BookingID != id {
				t.Errorf("unexpected notification %+v", docs[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("requester was never notified")
		}
		time.Sleep(200 * time.Millisecond)
	}

	history, err := audit.History(ctx, uuid.MustParse(id))
	if err != nil {
		t.Fatal(err)
	}
	if len(history) < 4 {
		t.Errorf("expected submit, accept, authorize and capture in the audit trail, got %d entries", len(history))
	}
}
