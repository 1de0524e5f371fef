// Package metrics defines the Prometheus instruments exported by Heron.
// Each Metrics owns its registry so isolated engines never collide.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "heron"

// Metrics groups every instrument.
type Metrics struct {
	Registry *prometheus.Registry

	// Ingest
	TransactionsIngested *prometheus.CounterVec
	RuleFlags            *prometheus.CounterVec
	RuleFailures         *prometheus.CounterVec
	IngestDuration       prometheus.Histogram

	// Graph
	GraphAccounts     prometheus.Gauge
	GraphTransactions prometheus.Gauge
	Pruned            prometheus.Counter

	// Scans
	Scans         *prometheus.CounterVec
	ScanDuration  prometheus.Histogram
	Findings      *prometheus.CounterVec
	ScanTruncated prometheus.Counter

	// Alerts
	AlertEvents *prometheus.CounterVec
	SinkErrors  *prometheus.CounterVec

	// HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates and registers all instruments on a fresh registry,
// together with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		TransactionsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_ingested_total",
			Help:      "Transactions offered for ingest, by result.",
		}, []string{"result"}),
		RuleFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_flags_total",
			Help:      "Raw flags emitted, by rule.",
		}, []string{"rule"}),
		RuleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_failures_total",
			Help:      "Rule evaluation failures, by rule.",
		}, []string{"rule"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Time to validate, insert and evaluate one transaction.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16),
		}),

		GraphAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_accounts",
			Help:      "Account nodes currently in the transaction graph.",
		}),
		GraphTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_transactions",
			Help:      "Transaction edges currently in the transaction graph.",
		}),
		Pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_pruned_total",
			Help:      "Transactions pruned past the retention horizon.",
		}),

		Scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Pattern scans, by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Pattern scan duration.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		Findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pattern_findings_total",
			Help:      "Pattern findings committed, by kind.",
		}, []string{"kind"}),
		ScanTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_cycles_truncated_total",
			Help:      "Scans whose cycle enumeration hit the per-scan cap.",
		}),

		AlertEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_events_total",
			Help:      "Alert stream events, by transition and severity.",
		}, []string{"transition", "severity"}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_sink_errors_total",
			Help:      "Alert sink publish failures, by sink.",
		}, []string{"sink"}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TransactionsIngested,
		m.RuleFlags,
		m.RuleFailures,
		m.IngestDuration,
		m.GraphAccounts,
		m.GraphTransactions,
		m.Pruned,
		m.Scans,
		m.ScanDuration,
		m.Findings,
		m.ScanTruncated,
		m.AlertEvents,
		m.SinkErrors,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
