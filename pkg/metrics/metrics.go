// Package metrics exposes the gateway's in-process counters, gauges, and
// histograms through a Prometheus registry with text-format export.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the gateway emits. A single instance is
// shared by all subsystems; instruments are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	ToolCalls        *prometheus.CounterVec
	ValidationErrors *prometheus.CounterVec
	CallDuration     *prometheus.HistogramVec

	ApprovalsPending     prometheus.Gauge
	ApprovalBacklogAlert prometheus.Gauge

	WorkersHealthy  prometheus.Gauge
	SandboxRestarts prometheus.Counter
	SandboxFatal    prometheus.Gauge

	SchedulerRuns     *prometheus.CounterVec
	SchedulerErrors   *prometheus.CounterVec
	SchedulerDuration prometheus.Histogram

	WebhookDeliveries *prometheus.CounterVec
	RateLimited       prometheus.Counter
	SSESubscribers    prometheus.Gauge
}

// New creates a fresh registry with all gateway instruments registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tool_calls_total",
			Help: "Tool calls that reached sandbox dispatch, by tool.action.",
		}, []string{"tool"}),
		ValidationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tool_validation_errors_total",
			Help: "Schema validation failures, by tool.action.",
		}, []string{"tool"}),
		CallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tool_call_duration_seconds",
			Help:    "Sandbox dispatch latency, by tool.action.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		ApprovalsPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "approvals_pending",
			Help: "Approvals currently awaiting human resolution.",
		}),
		ApprovalBacklogAlert: factory.NewGauge(prometheus.GaugeOpts{
			Name: "approval_backlog_alert",
			Help: "1 when the pending approval count exceeds the alert threshold.",
		}),
		WorkersHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sandbox_workers_healthy",
			Help: "Sandbox workers that answered their last health ping.",
		}),
		SandboxRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_restarts_total",
			Help: "Sandbox worker restarts after crash or timeout.",
		}),
		SandboxFatal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sandbox_pool_exhausted",
			Help: "1 when the pool hit its consecutive-restart limit and needs operator attention.",
		}),
		SchedulerRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_runs_total",
			Help: "Scheduled task executions, by task name.",
		}, []string{"task"}),
		SchedulerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_errors_total",
			Help: "Scheduled task executions that returned an error, by task name.",
		}, []string{"task"}),
		SchedulerDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scheduler_run_duration_seconds",
			Help:    "Scheduled task execution latency.",
			Buckets: prometheus.DefBuckets,
		}),
		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts, by result (ok, failed).",
		}, []string{"result"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		SSESubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sse_subscribers",
			Help: "Connected approval stream subscribers.",
		}),
	}
}

// Handler returns the text-format export endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the underlying registry for tests.
func (m *Metrics) Gather() prometheus.Gatherer {
	return m.registry
}
