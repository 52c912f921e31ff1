// Package metrics exposes the order-lifecycle's operational counters and
// histograms over prometheus/client_golang: a private prometheus.Registry
// with every collector registered once at construction, served over
// promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters/histograms the order-lifecycle components
// record against.
type Metrics struct {
	registry *prometheus.Registry

	CheckoutStarted   prometheus.Counter
	CheckoutReplayed  prometheus.Counter
	CheckoutFailed    *prometheus.CounterVec
	WebhookEvents     *prometheus.CounterVec
	WebhookRejected   prometheus.Counter
	OrderTransitions  *prometheus.CounterVec
	DispatchDuration  prometheus.Histogram
	DispatchFailures  *prometheus.CounterVec
	PollAttempts      *prometheus.CounterVec
	SweepReconciled   *prometheus.CounterVec
	PlanSyncReconciled *prometheus.CounterVec
}

// New builds and registers every metric.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		CheckoutStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storage_aggregator_checkout_started_total",
			Help: "Checkout sessions successfully created.",
		}),
		CheckoutReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storage_aggregator_checkout_replayed_total",
			Help: "Checkout requests served from an idempotency-key replay.",
		}),
		CheckoutFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_aggregator_checkout_failed_total",
			Help: "Checkout attempts rejected, labeled by apperr kind.",
		}, []string{"kind"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_aggregator_webhook_events_total",
			Help: "Processor webhook deliveries, labeled by event type.",
		}, []string{"event_type"}),
		WebhookRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storage_aggregator_webhook_rejected_total",
			Help: "Webhook deliveries rejected for signature verification failure.",
		}),
		OrderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_aggregator_order_transitions_total",
			Help: "Order status transitions, labeled by the resulting status.",
		}, []string{"to"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "storage_aggregator_dispatch_duration_seconds",
			Help:    "Time spent in one Orchestrator.Dispatch call, including the adapter round trip.",
			Buckets: prometheus.DefBuckets,
		}),
		DispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_aggregator_dispatch_failures_total",
			Help: "Dispatch failures, labeled by provider slug.",
		}, []string{"provider"}),
		PollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_aggregator_poll_attempts_total",
			Help: "Confirmation poll attempts, labeled by outcome (confirmed/failed/pending/error).",
		}, []string{"outcome"}),
		SweepReconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_aggregator_sweep_reconciled_total",
			Help: "Rows the periodic sweep advanced, labeled by kind (transaction/order).",
		}, []string{"kind"}),
		PlanSyncReconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_aggregator_plan_sync_reconciled_total",
			Help: "Plan rows the catalog sync touched, labeled by provider and action (added/updated/removed).",
		}, []string{"provider", "action"}),
	}

	reg.MustRegister(
		m.CheckoutStarted,
		m.CheckoutReplayed,
		m.CheckoutFailed,
		m.WebhookEvents,
		m.WebhookRejected,
		m.OrderTransitions,
		m.DispatchDuration,
		m.DispatchFailures,
		m.PollAttempts,
		m.SweepReconciled,
		m.PlanSyncReconciled,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
