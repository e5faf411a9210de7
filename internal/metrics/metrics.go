// Package metrics holds the controller's Prometheus instrumentation, served
// on /metrics of the admin surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	AgentsByLiveness = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetscan_agents_total",
			Help: "Number of registered agents by liveness state",
		},
		[]string{"liveness"},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetscan_heartbeats_total",
			Help: "Total number of accepted agent heartbeats",
		},
	)

	// Scan metrics
	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetscan_scans_total",
			Help: "Total number of scans by terminal status",
		},
		[]string{"status"},
	)

	ScansActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetscan_scans_active",
			Help: "Number of scans currently queued or running",
		},
	)

	// Job metrics
	JobsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetscan_jobs_claimed_total",
			Help: "Total number of job deliveries to agents",
		},
	)

	JobsFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetscan_jobs_finalized_total",
			Help: "Total number of jobs reaching a terminal state, by status",
		},
		[]string{"status"},
	)

	JobsReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetscan_jobs_reclaimed_total",
			Help: "Total number of jobs returned to the queue after lease expiry",
		},
	)

	// Result metrics
	ResultsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetscan_results_ingested_total",
			Help: "Total number of scan results persisted",
		},
	)

	ResultBatchesRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetscan_result_batches_rejected_total",
			Help: "Total number of result batches rejected by validation",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetscan_api_requests_total",
			Help: "Total number of API requests by surface, method and status",
		},
		[]string{"surface", "method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetscan_api_request_duration_seconds",
			Help:    "API request duration in seconds by surface",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"surface"},
	)

	// Events metrics
	EventClientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetscan_event_clients_connected",
			Help: "Number of connected admin event stream clients",
		},
	)
)

func init() {
	prometheus.MustRegister(AgentsByLiveness)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(ScansTotal)
	prometheus.MustRegister(ScansActive)
	prometheus.MustRegister(JobsClaimed)
	prometheus.MustRegister(JobsFinalized)
	prometheus.MustRegister(JobsReclaimed)
	prometheus.MustRegister(ResultsIngested)
	prometheus.MustRegister(ResultBatchesRejected)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(EventClientsConnected)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
