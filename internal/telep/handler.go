package telep

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/caregrid/clinicalml/internal/api"
	"github.com/caregrid/clinicalml/internal/clinical"
	"github.com/caregrid/clinicalml/internal/decisioncache"
	"github.com/caregrid/clinicalml/internal/metrics"
	"github.com/caregrid/clinicalml/internal/model"
	"github.com/caregrid/clinicalml/internal/riskprotocol"
	tracing "github.com/caregrid/clinicalml/pkg/otel"
)

// Handler owns one model version: its sub-models, thresholds, override rules
// and decision-cache gating. Handlers are created at startup and never
// replaced.
type Handler struct {
	cfg       *ModelVersionConfig
	subModels []*model.SubModel

	normalizer *riskprotocol.Normalizer
	clinical   *clinical.Engine
	cache      *decisioncache.Cache
	met        *metrics.Metrics
	log        zerolog.Logger
}

// NewHandler loads the version's sub-models through the shared cache and
// validates each one. Metric drift in the warning band is logged and the
// handler retained; drift past the raise tolerance is fatal.
func NewHandler(cfg *ModelVersionConfig, cache *model.Cache, normalizer *riskprotocol.Normalizer, engine *clinical.Engine, decisions *decisioncache.Cache, met *metrics.Metrics, log zerolog.Logger) (*Handler, error) {
	h := &Handler{
		cfg:        cfg,
		normalizer: normalizer,
		clinical:   engine,
		cache:      decisions,
		met:        met,
		log:        log.With().Str("model_version", cfg.Version).Logger(),
	}

	for _, entry := range cfg.SubModels {
		sm, err := cache.Get(entry.RegistryDirectory)
		if err != nil {
			return nil, err
		}

		// Every sub-model in a version standardises features through one
		// mapping snapshot; a mismatch means the bundles were trained apart.
		if len(h.subModels) > 0 && sm.MappingVersion != h.subModels[0].MappingVersion {
			return nil, api.Configf("model config for %q: sub-model %s mapping version %q disagrees with %q",
				cfg.Version, entry.Name, sm.MappingVersion, h.subModels[0].MappingVersion)
		}

		status, computed, err := sm.Validate()
		switch status {
		case model.ValidationError:
			return nil, err
		case model.ValidationWarning:
			h.log.Warn().
				Str("model", entry.Name.String()).
				Str("registry_directory", entry.RegistryDirectory).
				Float64("computed_metric", computed).
				Msg("sub-model validation metric drifted past the warning tolerance")
		}

		h.subModels = append(h.subModels, sm)
	}
	return h, nil
}

// Version returns the handler's model version.
func (h *Handler) Version() string { return h.cfg.Version }

// Run decides eligibility for a validated request under this model version.
func (h *Handler) Run(ctx context.Context, req *api.EligibilityRequest, requestID api.RequestID) (bool, error) {
	rid := requestID.String()

	// Preprocess. Features use the mapping version the sub-models were
	// trained against.
	start := time.Now()
	mappingVersion := h.subModels[0].MappingVersion
	standardized, err := h.normalizer.Standardize(ctx, mappingVersion, req.RiskProtocol)
	if err != nil {
		return false, err
	}
	keyword := riskprotocol.FoldKeyword(standardized)
	row := api.BuildFeatureRow(req, keyword)
	h.observeStage("preprocess", start)

	h.log.Debug().
		Str("event", "telep-features-event").
		Int64("care_request_id", req.CareRequestID).
		Str("market", req.MarketShortName).
		Str("risk_protocol_keyword", keyword).
		Str("mapping_version", mappingVersion).
		Msg("feature row built")

	// Fingerprint and cache lookup. Cache failures degrade to a miss.
	fingerprint, err := decisioncache.Fingerprint(row, req.CareRequestID, h.cfg.Version)
	if err != nil {
		return false, err
	}

	start = time.Now()
	entry, err := h.cache.Lookup(ctx, fingerprint, rid, h.cfg.CacheReadGate)
	if err != nil {
		h.met.CacheErrors.Inc()
		h.log.Warn().Err(err).Int64("care_request_id", req.CareRequestID).Msg("decision cache lookup failed; scoring")
		entry = nil
	}
	h.observeStage("cache_lookup", start)
	trace.SpanFromContext(ctx).SetAttributes(tracing.AttrCacheHit.Bool(entry != nil))

	if entry != nil {
		h.met.CacheHits.WithLabelValues(h.cfg.Version).Inc()
		if err := h.cache.Touch(ctx, entry.ID, rid, h.cfg.CacheReadGate); err != nil {
			h.met.CacheErrors.Inc()
			h.log.Warn().Err(err).Int64("entry_id", entry.ID).Msg("decision cache touch failed")
		}
		h.logDecision(req, entry.Prediction, true)
		return entry.Prediction, nil
	}
	h.met.CacheMisses.WithLabelValues(h.cfg.Version).Inc()

	// Score every sub-model and threshold each probability into a vote.
	start = time.Now()
	mlVote := true
	for i, sm := range h.subModels {
		features := sm.TransformFeatures(row)
		score := sm.PredictProbability(features)
		rule := h.cfg.MLRules[i]
		vote := rule.Apply(score)
		mlVote = mlVote && vote

		h.met.SubModelScores.WithLabelValues(h.cfg.Version, h.cfg.SubModels[i].Name.String()).Inc()
		trace.SpanFromContext(ctx).AddEvent("sub_model_scored",
			trace.WithAttributes(tracing.AttrSubModel.String(h.cfg.SubModels[i].Name.String())))
		h.log.Debug().
			Str("event", "telep-ml-prediction-event").
			Int64("care_request_id", req.CareRequestID).
			Str("model", h.cfg.SubModels[i].Name.String()).
			Float64("score", score).
			Float64("threshold", rule.Threshold).
			Str("comparator", rule.Comparator.String()).
			Bool("decision", vote).
			Msg("sub-model scored")
	}
	h.observeStage("score", start)

	// Clinical overrides compose OR among themselves, then AND NOT with the
	// ML vote.
	start = time.Now()
	in := clinical.Input{
		Req:           req,
		RawNormalized: riskprotocol.Normalize(req.RiskProtocol),
		Standardized:  standardized,
		Meta:          clinical.Meta{ModelVersion: h.cfg.Version},
	}
	fired := h.clinical.EvaluateAll(h.cfg.OverrideRules, in)
	for _, r := range fired {
		h.met.OverrideFired.WithLabelValues(req.MarketShortName, h.cfg.Version, r.String()).Inc()
	}
	h.observeStage("clinical", start)

	decision := mlVote && len(fired) == 0

	// Persist best-effort; a failed write must not block the reply.
	start = time.Now()
	if err := h.cache.Insert(ctx, fingerprint, decision, req.CareRequestID, h.cfg.Version, rid, h.cfg.CacheWriteGate); err != nil {
		h.met.CacheErrors.Inc()
		h.log.Warn().Err(err).Int64("care_request_id", req.CareRequestID).Msg("decision cache insert failed")
	}
	h.observeStage("cache_insert", start)

	h.logDecision(req, decision, false)
	return decision, nil
}

func (h *Handler) logDecision(req *api.EligibilityRequest, eligible, cached bool) {
	h.log.Info().
		Str("event", "telep-decision-event").
		Int64("care_request_id", req.CareRequestID).
		Str("market", req.MarketShortName).
		Bool("eligible", eligible).
		Bool("cached", cached).
		Msg("eligibility decided")
}

func (h *Handler) observeStage(stage string, start time.Time) {
	h.met.StageLatency.WithLabelValues(h.cfg.Version, stage).Observe(float64(time.Since(start).Milliseconds()))
}
