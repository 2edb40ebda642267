package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the service family.
type Metrics struct {
	// Telep request counters
	RequestsTotal   *prometheus.CounterVec // {market}
	ValidationErr   prometheus.Counter
	DecisionTotal   *prometheus.CounterVec // {market, model_version, eligible}
	ShadowRunsTotal *prometheus.CounterVec // {market, model_version}

	// Decision cache
	CacheHits   *prometheus.CounterVec // {model_version}
	CacheMisses *prometheus.CounterVec // {model_version}
	CacheErrors prometheus.Counter

	// Sub-model scoring
	SubModelScores *prometheus.CounterVec // {model_version, model}

	// Clinical overrides
	OverrideFired *prometheus.CounterVec // {market, model_version, clinical_rule}

	// Risk protocol normalisation
	UnknownProtocols prometheus.Counter

	// Collaborators
	AcuityTotal  *prometheus.CounterVec // {acuity}
	OnSceneTotal prometheus.Counter

	// Latency per handler stage
	StageLatency *prometheus.HistogramVec // {model_version, stage}
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "telep_requests_total",
			Help: "Total eligibility requests received",
		}, []string{"market"}),
		ValidationErr: promauto.NewCounter(prometheus.CounterOpts{
			Name: "telep_validation_errors_total",
			Help: "Requests rejected by validation",
		}),
		DecisionTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "telep_decisions_total",
			Help: "Final eligibility decisions by market and model version",
		}, []string{"market", "model_version", "eligible"}),
		ShadowRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "telep_shadow_runs_total",
			Help: "Shadow model-version runs by market",
		}, []string{"market", "model_version"}),
		CacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "telep_decision_cache_hits_total",
			Help: "Decision cache hits by model version",
		}, []string{"model_version"}),
		CacheMisses: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "telep_decision_cache_misses_total",
			Help: "Decision cache misses by model version",
		}, []string{"model_version"}),
		CacheErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "telep_decision_cache_errors_total",
			Help: "Decision cache failures degraded to misses",
		}),
		SubModelScores: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "telep_submodel_scores_total",
			Help: "Sub-model probability computations",
		}, []string{"model_version", "model"}),
		OverrideFired: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "telep_clinical_override_fired_total",
			Help: "Clinical override rules that fired",
		}, []string{"market", "model_version", "clinical_rule"}),
		UnknownProtocols: promauto.NewCounter(prometheus.CounterOpts{
			Name: "telep_unknown_risk_protocols_total",
			Help: "Raw risk protocols missing from the standardisation mapping",
		}),
		AcuityTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "acuity_requests_total",
			Help: "Acuity lookups by resulting level",
		}, []string{"acuity"}),
		OnSceneTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "onscene_requests_total",
			Help: "On-scene time predictions served",
		}),
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "telep_stage_latency_ms",
			Help:    "Per-stage handler latency in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 250},
		}, []string{"model_version", "stage"}),
	}
}
