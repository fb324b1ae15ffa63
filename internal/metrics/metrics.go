// Package metrics holds the Prometheus instruments for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles all Prometheus metrics for the button pipeline.
type Metrics struct {
	// Ingress metrics
	PressesProduced *prometheus.CounterVec
	PowVerdicts     *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec
	ProduceDuration prometheus.Histogram

	// Reducer metrics
	BatchSize     prometheus.Histogram
	BatchDuration prometheus.Histogram
	EventsApplied prometheus.Counter
	Entropy       prometheus.Gauge
	Phase         prometheus.Gauge
	StateID       prometheus.Gauge

	// Fan-out metrics
	StreamClients  prometheus.Gauge
	UpdatesEmitted prometheus.Counter

	// Sweeper metrics
	SweepsEmitted prometheus.Counter
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		PressesProduced: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "button_presses_produced_total",
				Help: "Press events appended to the log, by result",
			},
			[]string{"result"}, // accepted, rejected, unavailable
		),

		PowVerdicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "button_pow_verdicts_total",
				Help: "Proof-of-work verification outcomes",
			},
			[]string{"verdict"}, // valid, invalid, bypassed
		),

		RateLimited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "button_rate_limited_total",
				Help: "Requests rejected by the rate limiter or blocklist",
			},
			[]string{"endpoint", "kind"}, // kind: throttled, blocked
		),

		ProduceDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "button_produce_duration_seconds",
				Help:    "Time to durably append one press to the log",
				Buckets: prometheus.DefBuckets,
			},
		),

		BatchSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "button_reducer_batch_size",
				Help:    "Events folded per reducer batch",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
			},
		),

		BatchDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "button_reducer_batch_duration_seconds",
				Help:    "Time for one fold-persist-publish-commit cycle",
				Buckets: prometheus.DefBuckets,
			},
		),

		EventsApplied: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "button_reducer_events_applied_total",
				Help: "Total press events folded into states",
			},
		),

		Entropy: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "button_entropy",
				Help: "Entropy of the latest persisted state",
			},
		),

		Phase: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "button_phase",
				Help: "Phase of the latest persisted state (0=CALM 1=WARM 2=HOT 3=CHAOS)",
			},
		),

		StateID: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "button_state_id",
				Help: "ID of the latest persisted state",
			},
		),

		StreamClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "button_stream_clients",
				Help: "Currently connected stream subscribers",
			},
		),

		UpdatesEmitted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "button_stream_updates_emitted_total",
				Help: "State updates pushed to subscribers",
			},
		),

		SweepsEmitted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "button_sweeps_emitted_total",
				Help: "Synthetic decay events emitted by the sweeper",
			},
		),
	}
}
