// Package metrics holds the Prometheus collectors for pipeline runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the pipeline. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Registry          *prometheus.Registry
	RunsTotal         *prometheus.CounterVec
	CandidatesTotal   *prometheus.CounterVec
	RejectionsTotal   *prometheus.CounterVec
	DispatchTotal     *prometheus.CounterVec
	RetriesTotal      prometheus.Counter
	StageDuration     *prometheus.HistogramVec
	OffersStored      *prometheus.GaugeVec
	CacheLookupsTotal *prometheus.CounterVec
}

// New constructs and registers all metrics on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	runs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offers_runs_total",
			Help: "Pipeline runs by retailer and outcome.",
		},
		[]string{"retailer", "status"},
	)
	candidates := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offers_candidates_total",
			Help: "Candidates leaving each pipeline stage.",
		},
		[]string{"retailer", "stage"},
	)
	rejections := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offers_rejections_total",
			Help: "Candidates rejected by the validator, by reason.",
		},
		[]string{"reason"},
	)
	dispatch := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offers_dispatch_units_total",
			Help: "Dispatched extraction units by outcome.",
		},
		[]string{"outcome"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "offers_dispatch_retries_total",
			Help: "Retry attempts scheduled by the dispatcher.",
		},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offers_stage_duration_seconds",
			Help:    "Duration of each pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"stage"},
	)
	stored := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "offers_stored",
			Help: "Offers stored by the last run per retailer.",
		},
		[]string{"retailer"},
	)
	cacheLookups := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offers_cache_lookups_total",
			Help: "Extraction cache lookups by result.",
		},
		[]string{"result"},
	)

	registry.MustRegister(runs, candidates, rejections, dispatch, retries, stageDuration, stored, cacheLookups)

	return &Metrics{
		Registry:          registry,
		RunsTotal:         runs,
		CandidatesTotal:   candidates,
		RejectionsTotal:   rejections,
		DispatchTotal:     dispatch,
		RetriesTotal:      retries,
		StageDuration:     stageDuration,
		OffersStored:      stored,
		CacheLookupsTotal: cacheLookups,
	}
}

// IncRun counts one finished run.
func (m *Metrics) IncRun(retailer, status string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(retailer, status).Inc()
}

// AddCandidates records how many candidates left a stage.
func (m *Metrics) AddCandidates(retailer, stage string, n int) {
	if m == nil {
		return
	}
	m.CandidatesTotal.WithLabelValues(retailer, stage).Add(float64(n))
}

// AddRejections records validator rejections for a reason.
func (m *Metrics) AddRejections(reason string, n int) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(reason).Add(float64(n))
}

// IncDispatch counts one dispatched unit by outcome (success, failure).
func (m *Metrics) IncDispatch(outcome string) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(outcome).Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// ObserveStage records a stage duration.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// SetStored records the partition size written for a retailer.
func (m *Metrics) SetStored(retailer string, n int) {
	if m == nil {
		return
	}
	m.OffersStored.WithLabelValues(retailer).Set(float64(n))
}

// IncCache counts a cache lookup (hit, miss, error).
func (m *Metrics) IncCache(result string) {
	if m == nil {
		return
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}
