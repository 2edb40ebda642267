// Package server is the HTTP/JSON transport over the triage services. It
// owns request decoding, status-code mapping, rate limiting, and the metrics
// and health endpoints; all decision logic lives in the services.
package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/caregrid/clinicalml/internal/acuity"
	"github.com/caregrid/clinicalml/internal/api"
	"github.com/caregrid/clinicalml/internal/metrics"
	"github.com/caregrid/clinicalml/internal/onscene"
	"github.com/caregrid/clinicalml/internal/telep"
)

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 1 << 20

// Server routes inbound RPCs to the three services.
type Server struct {
	dispatcher *telep.Dispatcher
	acuity     *acuity.Service
	onscene    *onscene.Service
	met        *metrics.Metrics
	log        zerolog.Logger
	limiter    *rate.Limiter

	// AuthToken, when set, is the bearer token required on every RPC.
	// Health probes bypass it.
	AuthToken string

	metricsAuth struct {
		user     string
		password string
	}
}

// New creates a server over the services.
func New(dispatcher *telep.Dispatcher, acuitySvc *acuity.Service, onsceneSvc *onscene.Service, met *metrics.Metrics, log zerolog.Logger, tokenRate int) *Server {
	return &Server{
		dispatcher: dispatcher,
		acuity:     acuitySvc,
		onscene:    onsceneSvc,
		met:        met,
		log:        log,
		limiter:    rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2),
	}
}

// SetMetricsAuth enables basic auth on /metrics.
func (s *Server) SetMetricsAuth(user, password string) {
	s.metricsAuth.user = user
	s.metricsAuth.password = password
}

// Handler assembles the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/telep/eligibility", s.handleEligibility)
	mux.HandleFunc("/v1/acuity", s.handleAcuity)
	mux.HandleFunc("/v1/onscene-time", s.handleOnScene)
	mux.Handle("/metrics", s.metricsHandler())
	mux.HandleFunc("/health", handleHealth)
	return mux
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	requestID, ok := s.precheck(w, r)
	if !ok {
		return
	}

	var req api.EligibilityRequest
	if !s.decode(w, r, &req) {
		return
	}

	resp, err := s.dispatcher.GetEligibility(r.Context(), &req, requestID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleAcuity(w http.ResponseWriter, r *http.Request) {
	requestID, ok := s.precheck(w, r)
	if !ok {
		return
	}

	var req api.AcuityRequest
	if !s.decode(w, r, &req) {
		return
	}

	level, err := s.acuity.GetAcuity(r.Context(), &req, requestID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"acuity": level.String()})
}

func (s *Server) handleOnScene(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.precheck(w, r); !ok {
		return
	}

	var req api.OnSceneRequest
	if !s.decode(w, r, &req) {
		return
	}

	resp, err := s.onscene.GetOnSceneTime(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, resp)
}

// precheck enforces method, auth, and rate limits; returns the request id.
func (s *Server) precheck(w http.ResponseWriter, r *http.Request) (api.RequestID, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return "", false
	}
	if s.AuthToken != "" {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token != s.AuthToken {
			// Any auth-layer failure masks as unauthenticated.
			writeStatus(w, status.Error(codes.Unauthenticated, "invalid or missing token"))
			return "", false
		}
	}
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "5")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return "", false
	}
	return api.RequestID(uuid.NewString()), true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		s.writeError(w, api.Validationf("invalid JSON: %v", err))
		return false
	}
	return true
}

// writeError maps a service error onto the RPC status vocabulary and then to
// an HTTP code. Internal details stay in the server log.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	st := api.StatusFromError(err)
	if status.Code(st) == codes.Internal {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeStatus(w, st)
}

func writeStatus(w http.ResponseWriter, st error) {
	code := http.StatusInternalServerError
	switch status.Code(st) {
	case codes.InvalidArgument:
		code = http.StatusBadRequest
	case codes.Unauthenticated:
		code = http.StatusUnauthorized
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": status.Convert(st).Message()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()
	if s.metricsAuth.user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
