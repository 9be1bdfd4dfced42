// Package metrics exposes Prometheus instruments for the dispatcher and the
// session table.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the auth service.
type Metrics struct {
	// Datagram metrics
	DatagramsReceived prometheus.Counter
	DatagramsDropped  prometheus.Counter
	EncodingErrors    prometheus.Counter
	InFlight          prometheus.Gauge

	// Reply metrics
	Responses     *prometheus.CounterVec
	ReplyFailures prometheus.Counter
	HandleSeconds *prometheus.HistogramVec

	// State metrics
	ActiveSessions prometheus.Gauge
	LeasedPorts    prometheus.Gauge
	StoreFlushes   *prometheus.CounterVec
}

// New creates all metrics and registers them with reg. A nil reg keeps the
// metrics unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DatagramsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "udpauth_datagrams_received_total",
			Help: "Total number of request datagrams received",
		}),
		DatagramsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "udpauth_datagrams_dropped_total",
			Help: "Datagrams dropped because the worker pool was shutting down",
		}),
		EncodingErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "udpauth_encoding_errors_total",
			Help: "Datagrams that were not valid UTF-8",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "udpauth_inflight_jobs",
			Help: "Jobs currently being processed",
		}),
		Responses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "udpauth_responses_total",
			Help: "Responses by action and status",
		}, []string{"action", "status"}),
		ReplyFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "udpauth_reply_failures_total",
			Help: "Replies that could not be sent",
		}),
		HandleSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "udpauth_handle_seconds",
			Help:    "Time from dequeue to reply sent",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"action"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "udpauth_active_sessions",
			Help: "Entries in the session table",
		}),
		LeasedPorts: f.NewGauge(prometheus.GaugeOpts{
			Name: "udpauth_leased_ports",
			Help: "Ephemeral reply ports currently leased",
		}),
		StoreFlushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "udpauth_store_flushes_total",
			Help: "Store flushes by result",
		}, []string{"result"}),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
