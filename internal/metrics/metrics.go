// Package metrics exposes Prometheus instrumentation for the settlement
// service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/subnetindex/settlement/internal/ledger"
)

// Registry holds all Prometheus metrics for the settlement service.
type Registry struct {
	reg *prometheus.Registry

	// Request lifecycle metrics
	RequestTransitions *prometheus.CounterVec
	RequestsByStatus   *prometheus.GaugeVec
	RejectedDeliveries prometheus.Counter

	// Epoch metrics
	CurrentEpoch    prometheus.Gauge
	EpochRollovers  prometheus.Counter
	ExpiredRequests *prometheus.CounterVec

	// Publication metrics
	FilesPublished  prometheus.Counter
	PublishDuration prometheus.Histogram

	// Sweep metrics
	SweepDuration prometheus.Histogram
	PurgedRecords *prometheus.CounterVec
}

// New creates a registry with all settlement metrics registered.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		RequestTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_request_transitions_total",
				Help: "Total request status transitions by from/to status",
			},
			[]string{"from", "to"},
		),

		RequestsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "settlement_requests_by_status",
				Help: "Current number of requests in each status",
			},
			[]string{"status"},
		),

		RejectedDeliveries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settlement_rejected_deliveries_total",
				Help: "Total delivery attempts rejected by basket validation",
			},
		),

		CurrentEpoch: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "settlement_current_epoch",
				Help: "Current epoch id per the epoch clock",
			},
		),

		EpochRollovers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settlement_epoch_rollovers_total",
				Help: "Total epoch rollovers observed by the enforcer",
			},
		),

		ExpiredRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_expired_requests_total",
				Help: "Total requests expired by the enforcer, by reason",
			},
			[]string{"reason"},
		),

		FilesPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settlement_creation_files_published_total",
				Help: "Total creation files published",
			},
		),

		PublishDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "settlement_publish_duration_seconds",
				Help:    "Duration of creation file publication",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
		),

		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "settlement_sweep_duration_seconds",
				Help:    "Duration of enforcement sweeps",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
		),

		PurgedRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_purged_records_total",
				Help: "Total records purged past retention, by kind",
			},
			[]string{"kind"},
		),
	}

	r.reg.MustRegister(
		r.RequestTransitions,
		r.RequestsByStatus,
		r.RejectedDeliveries,
		r.CurrentEpoch,
		r.EpochRollovers,
		r.ExpiredRequests,
		r.FilesPublished,
		r.PublishDuration,
		r.SweepDuration,
		r.PurgedRecords,
	)
	return r
}

// RecordTransition records one request status transition.
func (r *Registry) RecordTransition(from, to ledger.Status) {
	r.RequestTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// RecordRejectedDelivery records one delivery attempt rejected by basket
// validation.
func (r *Registry) RecordRejectedDelivery() {
	r.RejectedDeliveries.Inc()
}

// RecordRollover records one observed epoch rollover.
func (r *Registry) RecordRollover() {
	r.EpochRollovers.Inc()
}

// UpdateStatusCounts refreshes the per-status gauges from ledger stats.
func (r *Registry) UpdateStatusCounts(stats map[ledger.Status]int64) {
	for _, status := range ledger.AllStatuses() {
		r.RequestsByStatus.WithLabelValues(string(status)).Set(float64(stats[status]))
	}
}

// RecordExpired records enforcer-driven expirations.
func (r *Registry) RecordExpired(reason string, count int) {
	if count > 0 {
		r.ExpiredRequests.WithLabelValues(reason).Add(float64(count))
	}
}

// RecordSweep records one sweep pass and refreshes the current-epoch gauge.
func (r *Registry) RecordSweep(epochID int64, duration time.Duration, purgedRequests, purgedFiles int64) {
	r.CurrentEpoch.Set(float64(epochID))
	r.SweepDuration.Observe(duration.Seconds())
	if purgedRequests > 0 {
		r.PurgedRecords.WithLabelValues("requests").Add(float64(purgedRequests))
	}
	if purgedFiles > 0 {
		r.PurgedRecords.WithLabelValues("files").Add(float64(purgedFiles))
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
