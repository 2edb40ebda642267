// Package onscene predicts how long each candidate shift team will spend on
// a visit: a single regressor over the request features plus the team's
// average provider score from the remote feature store.
package onscene

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/caregrid/clinicalml/internal/api"
	"github.com/caregrid/clinicalml/internal/metrics"
)

// ProviderScores looks up per-provider performance scores by member id.
type ProviderScores interface {
	Scores(ctx context.Context, memberIDs []int64) (map[int64]float64, error)
}

// HTTPProviderScores reads scores from the feature store's HTTP API.
type HTTPProviderScores struct {
	base   string
	client *http.Client
}

// NewHTTPProviderScores creates a client against the feature-store base URL.
func NewHTTPProviderScores(baseURL string) *HTTPProviderScores {
	return &HTTPProviderScores{
		base:   baseURL,
		client: &http.Client{Timeout: 2 * time.Second},
	}
}

func (c *HTTPProviderScores) Scores(ctx context.Context, memberIDs []int64) (map[int64]float64, error) {
	ids := make([]string, len(memberIDs))
	for i, id := range memberIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	u := fmt.Sprintf("%s/v1/provider-scores?ids=%s", c.base, url.QueryEscape(strings.Join(ids, ",")))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, api.Upstreamf("provider score lookup: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, api.Upstreamf("provider score lookup returned %d", resp.StatusCode)
	}

	var body struct {
		Scores map[string]float64 `json:"scores"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, api.Upstreamf("provider score decode: %v", err)
	}

	out := make(map[int64]float64, len(body.Scores))
	for k, v := range body.Scores {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		out[id] = v
	}
	return out, nil
}

// StaticProviderScores serves fixed scores; tests and local runs.
type StaticProviderScores struct {
	mu     sync.RWMutex
	scores map[int64]float64
}

// NewStaticProviderScores creates a static score table.
func NewStaticProviderScores(scores map[int64]float64) *StaticProviderScores {
	s := make(map[int64]float64, len(scores))
	for k, v := range scores {
		s[k] = v
	}
	return &StaticProviderScores{scores: s}
}

func (s *StaticProviderScores) Scores(_ context.Context, memberIDs []int64) (map[int64]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]float64, len(memberIDs))
	for _, id := range memberIDs {
		if v, ok := s.scores[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

// Model is the trained duration regressor plus its per-version adjustment
// and floor.
type Model struct {
	Version           string             `json:"version"`
	Weights           map[string]float64 `json:"weights"`
	Intercept         float64            `json:"intercept"`
	AdjustmentMinutes int                `json:"adjustment_minutes"`
	MinimumMinutes    int                `json:"minimum_minutes"`
}

// LoadModel reads a regressor artifact.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, api.ModelLoadf("on-scene model %q: %v", path, err)
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, api.ModelLoadf("on-scene model %q: %v", path, err)
	}
	if len(m.Weights) == 0 {
		return nil, api.ModelLoadf("on-scene model %q: no weights", path)
	}
	return &m, nil
}

// predict scores one feature map in raw minutes.
func (m *Model) predict(features map[string]float64) float64 {
	z := m.Intercept
	for name, w := range m.Weights {
		z += w * features[name]
	}
	return z
}

// Service serves on-scene time predictions.
type Service struct {
	model  *Model
	scores ProviderScores
	met    *metrics.Metrics
	log    zerolog.Logger
	now    func() time.Time
}

// NewService creates the on-scene service.
func NewService(model *Model, scores ProviderScores, met *metrics.Metrics, log zerolog.Logger) *Service {
	return &Service{model: model, scores: scores, met: met, log: log, now: time.Now}
}

// GetOnSceneTime predicts minutes on scene for every candidate shift team.
func (s *Service) GetOnSceneTime(ctx context.Context, req *api.OnSceneRequest) (*api.OnSceneResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s.met.OnSceneTotal.Inc()

	age := yearsBetween(req.PatientDOB, s.now())

	resp := &api.OnSceneResponse{CareRequestID: req.CareRequestID}
	for _, team := range req.ShiftTeams {
		avgScore, err := s.averageProviderScore(ctx, team.MemberIDs)
		if err != nil {
			return nil, err
		}

		features := map[string]float64{
			"num_crs":               float64(req.NumCRs),
			"risk_assessment_score": req.RiskAssessmentScore,
			"patient_age":           float64(age),
			"avg_provider_score":    avgScore,
		}
		raw := s.model.predict(features)

		minutes := int(math.Round(raw)) + s.model.AdjustmentMinutes
		if minutes < s.model.MinimumMinutes {
			minutes = s.model.MinimumMinutes
		}

		s.log.Debug().
			Int64("care_request_id", req.CareRequestID).
			Int64("shift_team_id", team.ID).
			Float64("raw_prediction", raw).
			Int("prediction_minutes", minutes).
			Msg("on-scene time predicted")

		resp.Predictions = append(resp.Predictions, api.OnScenePrediction{
			ShiftTeamID:       team.ID,
			PredictionMinutes: minutes,
		})
	}
	return resp, nil
}

// averageProviderScore averages the scores of the team's APP and DHMT
// members. Members without a stored score are skipped; a team with no scored
// members contributes zero.
func (s *Service) averageProviderScore(ctx context.Context, memberIDs []int64) (float64, error) {
	if len(memberIDs) == 0 {
		return 0, nil
	}
	scores, err := s.scores.Scores(ctx, memberIDs)
	if err != nil {
		return 0, err
	}
	if len(scores) == 0 {
		return 0, nil
	}
	sum := 0.0
	for _, v := range scores {
		sum += v
	}
	return sum / float64(len(scores)), nil
}

func yearsBetween(dob, now time.Time) int {
	years := now.Year() - dob.Year()
	if now.YearDay() < dob.YearDay() {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}
