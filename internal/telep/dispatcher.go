package telep

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/caregrid/clinicalml/internal/api"
	"github.com/caregrid/clinicalml/internal/clinical"
	"github.com/caregrid/clinicalml/internal/configstore"
	"github.com/caregrid/clinicalml/internal/decisioncache"
	"github.com/caregrid/clinicalml/internal/metrics"
	"github.com/caregrid/clinicalml/internal/model"
	"github.com/caregrid/clinicalml/internal/riskprotocol"
	tracing "github.com/caregrid/clinicalml/pkg/otel"
)

// Dispatcher validates requests, resolves market routing, and fans a request
// out to the factual version and any shadow versions. Only the factual
// outcome is returned; shadow outcomes are cached and logged.
type Dispatcher struct {
	resolver *Resolver
	handlers map[string]*Handler
	met      *metrics.Metrics
	log      zerolog.Logger
	tracer   trace.Tracer
}

// NewDispatcher eagerly constructs one handler per unique configured
// version, sharing the model cache and decision cache. Any handler failure
// is fatal at startup.
func NewDispatcher(ctx context.Context, store configstore.Store, resolver *Resolver, cache *model.Cache, normalizer *riskprotocol.Normalizer, engine *clinical.Engine, decisions *decisioncache.Cache, met *metrics.Metrics, log zerolog.Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		resolver: resolver,
		handlers: make(map[string]*Handler),
		met:      met,
		log:      log,
		tracer:   otel.Tracer("telep"),
	}

	for _, version := range resolver.UniqueVersions() {
		cfg, err := LoadModelVersionConfig(ctx, store, version)
		if err != nil {
			return nil, err
		}
		h, err := NewHandler(cfg, cache, normalizer, engine, decisions, met, log)
		if err != nil {
			return nil, err
		}
		d.handlers[version] = h
	}
	return d, nil
}

// GetEligibility serves one triage query. The reply carries the factual
// decision and the factual model version actually used.
func (d *Dispatcher) GetEligibility(ctx context.Context, req *api.EligibilityRequest, requestID api.RequestID) (*api.EligibilityResponse, error) {
	if err := req.Validate(); err != nil {
		d.met.ValidationErr.Inc()
		return nil, err
	}
	d.met.RequestsTotal.WithLabelValues(req.MarketShortName).Inc()

	factual, err := d.resolver.Factual(req.MarketShortName)
	if err != nil {
		return nil, err
	}
	shadows, err := d.resolver.Shadows(req.MarketShortName)
	if err != nil {
		return nil, err
	}

	// Shadow runs share the request context: upstream cancellation aborts
	// them alongside the factual run.
	var wg sync.WaitGroup
	for _, version := range shadows {
		if version == factual {
			continue
		}
		h, ok := d.handlers[version]
		if !ok {
			d.log.Error().Str("model_version", version).Msg("shadow version has no handler; skipping")
			continue
		}

		wg.Add(1)
		go func(h *Handler) {
			defer wg.Done()
			sctx, span := d.tracer.Start(ctx, "telep.shadow",
				trace.WithAttributes(tracing.AttrModelVersion.String(h.Version())))
			defer span.End()

			d.met.ShadowRunsTotal.WithLabelValues(req.MarketShortName, h.Version()).Inc()
			if _, err := h.Run(sctx, req, requestID); err != nil {
				d.log.Warn().Err(err).
					Str("model_version", h.Version()).
					Int64("care_request_id", req.CareRequestID).
					Msg("shadow run failed")
			}
		}(h)
	}

	h, ok := d.handlers[factual]
	if !ok {
		return nil, api.Configf("factual version %q has no handler", factual)
	}

	fctx, span := d.tracer.Start(ctx, "telep.factual",
		trace.WithAttributes(
			tracing.AttrCareRequestID.Int64(req.CareRequestID),
			tracing.AttrModelVersion.String(factual),
			tracing.AttrMarket.String(req.MarketShortName),
		))
	eligible, err := h.Run(fctx, req, requestID)
	tracing.RecordError(span, err)
	span.End()

	wg.Wait()
	if err != nil {
		return nil, err
	}

	d.met.DecisionTotal.WithLabelValues(req.MarketShortName, factual, boolLabel(eligible)).Inc()
	return &api.EligibilityResponse{Eligible: eligible, ModelVersion: factual}, nil
}

// Handler exposes a version's handler; used by tests and the model checker.
func (d *Dispatcher) Handler(version string) (*Handler, bool) {
	h, ok := d.handlers[version]
	return h, ok
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
