// Package metrics holds the prometheus collectors for the pipeline.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var ProbesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "adsentinel_account_probes_total",
		Help: "Account health probes by classification",
	},
	[]string{"action"},
)

var AccountTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "adsentinel_account_transitions_total",
		Help: "Account lifecycle state changes",
	},
	[]string{"from", "to"},
)

var HealthRunDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "adsentinel_health_run_duration_seconds",
		Help:    "Duration of account health runs",
		Buckets: prometheus.DefBuckets,
	},
)

var AlertsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "adsentinel_alerts_total",
		Help: "Candidate alerts by kind and dedup outcome",
	},
	[]string{"kind", "outcome"},
)

var DispatchAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "adsentinel_dispatch_attempts_total",
		Help: "Dispatch attempts by channel and outcome",
	},
	[]string{"channel", "outcome"},
)

var DispatchSendDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "adsentinel_dispatch_send_duration_seconds",
		Help:    "Time taken by the messaging provider to accept a message",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"channel"},
)

var RateLimitDeferralsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "adsentinel_rate_limit_deferrals_total",
		Help: "Sends postponed by the process-wide rate limiter",
	},
)

var DispatchQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "adsentinel_dispatch_queue_depth",
		Help: "Items waiting in dispatcher lanes",
	},
)

var ReportsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "adsentinel_reports_total",
		Help: "Report generations by window and result",
	},
	[]string{"window", "result"},
)

var ReportTokensTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "adsentinel_report_tokens_total",
		Help: "Tokens consumed by report generation",
	},
	[]string{"model", "type"},
)

var InboundMessagesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "adsentinel_inbound_messages_total",
		Help: "Inbound messages folded into notification sessions",
	},
)

var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "adsentinel_http_requests_total",
		Help: "HTTP requests received",
	},
	[]string{"endpoint", "status", "method"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "adsentinel_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"endpoint", "method"},
)

var registerOnce sync.Once

// Register adds every collector to reg. Later calls are no-ops.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			ProbesTotal,
			AccountTransitionsTotal,
			HealthRunDuration,
			AlertsTotal,
			DispatchAttemptsTotal,
			DispatchSendDuration,
			RateLimitDeferralsTotal,
			DispatchQueueDepth,
			ReportsTotal,
			ReportTokensTotal,
			InboundMessagesTotal,
			HTTPRequestsTotal,
			HTTPRequestDuration,
		)
	})
}
