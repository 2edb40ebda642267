package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Gender is the patient gender as reported on the care request.
type Gender int

const (
	GenderUnset Gender = iota
	GenderMale
	GenderFemale
)

// String returns the feature-row representation of the gender.
func (g Gender) String() string {
	switch g {
	case GenderMale:
		return "M"
	case GenderFemale:
		return "F"
	default:
		return "U"
	}
}

// ParseGender maps a wire string to a Gender. Unknown values fold to unset.
func ParseGender(s string) Gender {
	switch s {
	case "M", "m", "male", "Male":
		return GenderMale
	case "F", "f", "female", "Female":
		return GenderFemale
	default:
		return GenderUnset
	}
}

// MarshalJSON encodes the gender as its wire string.
func (g Gender) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.String())
}

// UnmarshalJSON accepts the wire string form ("Female", "M") as well as the
// legacy integer encoding still sent by older callers.
func (g *Gender) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*g = ParseGender(s)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return Validationf("gender must be a string or integer, got %s", data)
	}
	switch v := Gender(n); v {
	case GenderUnset, GenderMale, GenderFemale:
		*g = v
		return nil
	default:
		return Validationf("gender out of range: %d", n)
	}
}

// EligibilityRequest is a single tele-presentation triage query.
type EligibilityRequest struct {
	CareRequestID   int64     `json:"care_request_id"`
	RiskProtocol    string    `json:"risk_protocol"`
	PatientAge      int       `json:"patient_age"`
	Gender          Gender    `json:"gender"`
	RiskScore       float64   `json:"risk_score"`
	PlaceOfService  string    `json:"place_of_service"`
	MarketShortName string    `json:"market_short_name"`
	Timestamp       time.Time `json:"timestamp"`

	// Free-text notes, in original order.
	DispatcherNotes []string `json:"dispatcher_notes"`
	ScreeningNotes  []string `json:"secondary_screening_notes"`
}

// Validate checks the structural invariants shared by every model version.
func (r *EligibilityRequest) Validate() error {
	if r.PatientAge < 0 {
		return Validationf("patient_age must be non-negative, got %d", r.PatientAge)
	}
	if len(r.MarketShortName) != 3 {
		return Validationf("market_short_name must be exactly 3 characters, got %q", r.MarketShortName)
	}
	return nil
}

// EligibilityResponse carries the factual decision back to the caller.
type EligibilityResponse struct {
	Eligible     bool   `json:"eligible"`
	ModelVersion string `json:"model_version"`
}

// AcuityLevel is the triage acuity returned by the acuity service.
type AcuityLevel int

const (
	AcuityUnknown AcuityLevel = iota
	AcuityLow
	AcuityMedium
	AcuityHigh
)

func (a AcuityLevel) String() string {
	switch a {
	case AcuityHigh:
		return "HIGH"
	case AcuityMedium:
		return "MEDIUM"
	case AcuityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// AcuityRequest is a single acuity lookup.
type AcuityRequest struct {
	PatientAge        int    `json:"patient_age"`
	RiskProtocol      string `json:"risk_protocol"`
	OverrideReason    string `json:"override_reason,omitempty"`
	RiskStratBypassed bool   `json:"risk_strat_bypassed,omitempty"`
	MarketShortName   string `json:"market_short_name"`
}

// ShiftTeam identifies one candidate team for an on-scene prediction.
type ShiftTeam struct {
	ID        int64   `json:"id"`
	MemberIDs []int64 `json:"member_ids"`
}

// OnSceneRequest asks for a per-team visit-duration prediction.
type OnSceneRequest struct {
	CareRequestID       int64       `json:"care_request_id"`
	ProtocolName        string      `json:"protocol_name"`
	ServiceLine         string      `json:"service_line"`
	PlaceOfService      string      `json:"place_of_service"`
	NumCRs              int         `json:"num_crs"`
	PatientDOB          time.Time   `json:"patient_dob"`
	RiskAssessmentScore float64     `json:"risk_assessment_score"`
	ShiftTeams          []ShiftTeam `json:"shift_teams"`
}

// Validate checks the on-scene request bounds.
func (r *OnSceneRequest) Validate() error {
	if r.NumCRs < 1 {
		return Validationf("num_crs must be >= 1, got %d", r.NumCRs)
	}
	if r.RiskAssessmentScore < -10 || r.RiskAssessmentScore > 50 {
		return Validationf("risk_assessment_score must be in [-10, 50], got %g", r.RiskAssessmentScore)
	}
	if len(r.ShiftTeams) == 0 {
		return Validationf("at least one shift team is required")
	}
	return nil
}

// OnScenePrediction is the predicted minutes for one shift team.
type OnScenePrediction struct {
	ShiftTeamID       int64 `json:"id"`
	PredictionMinutes int   `json:"prediction_minutes"`
}

// OnSceneResponse carries one prediction per requested shift team.
type OnSceneResponse struct {
	CareRequestID int64               `json:"care_request_id"`
	Predictions   []OnScenePrediction `json:"predictions"`
}

// RequestID tags a single inbound RPC for feature-gate checks and logs.
type RequestID string

func (id RequestID) String() string { return string(id) }

// FeatureRow is the single-row frame handed to sub-model transformers.
// Keys are the recognised feature columns; the transformer decides which
// of them to consume.
type FeatureRow map[string]any

// BuildFeatureRow assembles the recognised columns from a validated request.
// standardized is the protocol after normalisation and keyword folding.
func BuildFeatureRow(r *EligibilityRequest, standardized string) FeatureRow {
	notes := make([]string, 0, len(r.DispatcherNotes)+len(r.ScreeningNotes))
	notes = append(notes, r.DispatcherNotes...)
	notes = append(notes, r.ScreeningNotes...)

	return FeatureRow{
		"risk_protocol":     standardized,
		"patient_age":       r.PatientAge,
		"risk_score":        r.RiskScore,
		"place_of_service":  r.PlaceOfService,
		"market_short_name": r.MarketShortName,
		"month":             int(r.Timestamp.Month()),
		"patient_gender":    r.Gender.String(),
		"notes_joint":       strings.Join(notes, " "),
	}
}

// Clone returns a shallow copy of the row.
func (f FeatureRow) Clone() FeatureRow {
	out := make(FeatureRow, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// GoString renders a row shape for logging; canonical serialisation lives in
// the decision cache.
func (f FeatureRow) GoString() string {
	return fmt.Sprintf("FeatureRow(%d cols)", len(f))
}
