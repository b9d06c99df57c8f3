package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pb_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pb_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pb_outbox_lag_seconds",
			Help: "Age of the oldest outbox record relayed in the last batch",
		},
	)

	RabbitPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pb_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pb_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)

	SagaTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pb_saga_transitions_total",
			Help: "Accepted booking transitions",
		},
		[]string{"from", "to"},
	)

	Compensations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pb_saga_compensations_total",
			Help: "Sagas switched to compensation",
		},
		[]string{"event"},
	)

	SlotLockOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pb_slot_lock_ops_total",
			Help: "Slot lock operations by outcome",
		},
		[]string{"op", "result"},
	)

	GatewayCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pb_gateway_calls_total",
			Help: "Payment gateway calls by outcome",
		},
		[]string{"op", "result"},
	)

	Webhooks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pb_webhooks_total",
			Help: "Payment webhooks by outcome",
		},
		[]string{"result"},
	)

	SweeperTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pb_sweeper_tasks_total",
			Help: "Sweeper tasks by kind and outcome",
		},
		[]string{"kind", "result"},
	)

	NotificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pb_notifications_total",
			Help: "Notification requests handled by the worker",
		},
		[]string{"template", "result"},
	)
)
