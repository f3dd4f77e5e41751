// Package metrics holds the Prometheus collectors shared by the webserver
// and the worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requestnet_admissions_total",
			Help: "Submit outcomes by result (accepted, invalid, denied, quota, dispatch_failed)",
		},
		[]string{"result", "reason"},
	)
	QuotaExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requestnet_quota_exhausted_total",
			Help: "Reservations rejected, by exhausted scope",
		},
		[]string{"scope"},
	)
	DispatchFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "requestnet_dispatch_failures_total",
			Help: "Dispatch attempts that the broker rejected",
		},
	)
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requestnet_request_transitions_total",
			Help: "Request status transitions, by target status",
		},
		[]string{"status"},
	)
	ProcessingSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "requestnet_request_processing_seconds",
			Help:    "Time from processing to a terminal status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
	ExportRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requestnet_export_runs_total",
			Help: "Export runs by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "requestnet_queue_depth",
			Help: "Tasks in the broker queue, by state",
		},
		[]string{"state"},
	)
	WorkersOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "requestnet_workers_online",
			Help: "Worker processes currently connected to the broker",
		},
	)
)

func init() {
	prometheus.MustRegister(AdmissionsTotal)
	prometheus.MustRegister(QuotaExhaustedTotal)
	prometheus.MustRegister(DispatchFailuresTotal)
	prometheus.MustRegister(TransitionsTotal)
	prometheus.MustRegister(ProcessingSeconds)
	prometheus.MustRegister(ExportRunsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(WorkersOnline)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
