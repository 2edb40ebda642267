package onscene

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/caregrid/clinicalml/internal/api"
	"github.com/caregrid/clinicalml/internal/metrics"
)

var testMetrics = metrics.New()

func testModel() *Model {
	return &Model{
		Version: "osm-1.2",
		Weights: map[string]float64{
			"num_crs":               5,
			"risk_assessment_score": 1,
			"patient_age":           0.1,
			"avg_provider_score":    -2,
		},
		Intercept:         20,
		AdjustmentMinutes: 5,
		MinimumMinutes:    15,
	}
}

func newService(model *Model, scores map[int64]float64) *Service {
	s := NewService(model, NewStaticProviderScores(scores), testMetrics, zerolog.Nop())
	s.now = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }
	return s
}

func request() *api.OnSceneRequest {
	return &api.OnSceneRequest{
		CareRequestID:       42,
		ProtocolName:        "Cough",
		ServiceLine:         "acute",
		PlaceOfService:      "Home",
		NumCRs:              2,
		PatientDOB:          time.Date(1986, 6, 1, 0, 0, 0, 0, time.UTC),
		RiskAssessmentScore: 10,
		ShiftTeams: []api.ShiftTeam{
			{ID: 7, MemberIDs: []int64{1, 2}},
		},
	}
}

func TestGetOnSceneTime(t *testing.T) {
	s := newService(testModel(), map[int64]float64{1: 2, 2: 4})

	resp, err := s.GetOnSceneTime(context.Background(), request())
	if err != nil {
		t.Fatalf("GetOnSceneTime: %v", err)
	}
	if resp.CareRequestID != 42 {
		t.Errorf("CareRequestID = %d", resp.CareRequestID)
	}
	if len(resp.Predictions) != 1 {
		t.Fatalf("got %d predictions, want 1", len(resp.Predictions))
	}

	// 20 + 5*2 + 1*10 + 0.1*40 - 2*3 = 38; rounded + 5 adjustment = 43.
	p := resp.Predictions[0]
	if p.ShiftTeamID != 7 {
		t.Errorf("ShiftTeamID = %d, want 7", p.ShiftTeamID)
	}
	if p.PredictionMinutes != 43 {
		t.Errorf("PredictionMinutes = %d, want 43", p.PredictionMinutes)
	}
}

func TestGetOnSceneTimePerTeam(t *testing.T) {
	s := newService(testModel(), map[int64]float64{1: 2, 2: 4, 3: 10})

	req := request()
	req.ShiftTeams = []api.ShiftTeam{
		{ID: 7, MemberIDs: []int64{1, 2}},
		{ID: 8, MemberIDs: []int64{3}},
	}

	resp, err := s.GetOnSceneTime(context.Background(), req)
	if err != nil {
		t.Fatalf("GetOnSceneTime: %v", err)
	}
	if len(resp.Predictions) != 2 {
		t.Fatalf("got %d predictions, want 2", len(resp.Predictions))
	}
	// The higher-scoring team finishes sooner.
	if resp.Predictions[1].PredictionMinutes >= resp.Predictions[0].PredictionMinutes {
		t.Errorf("predictions = %d, %d; higher provider score should predict fewer minutes",
			resp.Predictions[0].PredictionMinutes, resp.Predictions[1].PredictionMinutes)
	}
}

func TestGetOnSceneTimeFloor(t *testing.T) {
	model := testModel()
	model.Intercept = -100
	s := newService(model, map[int64]float64{1: 2, 2: 4})

	resp, err := s.GetOnSceneTime(context.Background(), request())
	if err != nil {
		t.Fatalf("GetOnSceneTime: %v", err)
	}
	if got := resp.Predictions[0].PredictionMinutes; got != 15 {
		t.Errorf("PredictionMinutes = %d, want the 15 minute floor", got)
	}
}

func TestGetOnSceneTimeMissingScores(t *testing.T) {
	// No stored scores: the team contributes a zero average instead of failing.
	s := newService(testModel(), nil)

	resp, err := s.GetOnSceneTime(context.Background(), request())
	if err != nil {
		t.Fatalf("GetOnSceneTime: %v", err)
	}
	// 20 + 5*2 + 1*10 + 0.1*40 - 0 = 44; + 5 adjustment = 49.
	if got := resp.Predictions[0].PredictionMinutes; got != 49 {
		t.Errorf("PredictionMinutes = %d, want 49", got)
	}
}

func TestGetOnSceneTimeValidation(t *testing.T) {
	s := newService(testModel(), nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*api.OnSceneRequest)
	}{
		{"zero num_crs", func(r *api.OnSceneRequest) { r.NumCRs = 0 }},
		{"score below range", func(r *api.OnSceneRequest) { r.RiskAssessmentScore = -11 }},
		{"score above range", func(r *api.OnSceneRequest) { r.RiskAssessmentScore = 51 }},
		{"no teams", func(r *api.OnSceneRequest) { r.ShiftTeams = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request()
			tt.mutate(req)
			if _, err := s.GetOnSceneTime(ctx, req); !errors.Is(err, api.ErrValidation) {
				t.Errorf("error = %v, want validation error", err)
			}
		})
	}
}

func TestYearsBetween(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		dob  time.Time
		want int
	}{
		{"birthday today", time.Date(1986, 6, 1, 0, 0, 0, 0, time.UTC), 40},
		{"birthday tomorrow", time.Date(1986, 6, 2, 0, 0, 0, 0, time.UTC), 39},
		{"newborn", time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), 0},
		{"future dob clamps to zero", time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := yearsBetween(tt.dob, now); got != tt.want {
				t.Errorf("yearsBetween = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLoadModelRejectsEmptyWeights(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/model.json"
	if err := os.WriteFile(path, []byte(`{"version": "osm-1.2", "weights": {}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadModel(path); !errors.Is(err, api.ErrModelLoad) {
		t.Fatalf("error = %v, want model load error", err)
	}
}
