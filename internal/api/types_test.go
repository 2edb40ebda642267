package api

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestEligibilityRequestValidate(t *testing.T) {
	valid := EligibilityRequest{PatientAge: 40, MarketShortName: "DEN"}

	tests := []struct {
		name   string
		mutate func(*EligibilityRequest)
		ok     bool
	}{
		{"valid", func(*EligibilityRequest) {}, true},
		{"zero age is fine", func(r *EligibilityRequest) { r.PatientAge = 0 }, true},
		{"negative age", func(r *EligibilityRequest) { r.PatientAge = -1 }, false},
		{"short market", func(r *EligibilityRequest) { r.MarketShortName = "DE" }, false},
		{"long market", func(r *EligibilityRequest) { r.MarketShortName = "DENVER" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			err := r.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrValidation) {
				t.Errorf("Validate = %v, want validation error", err)
			}
		})
	}
}

func TestParseGender(t *testing.T) {
	tests := []struct {
		in   string
		want Gender
	}{
		{"M", GenderMale},
		{"female", GenderFemale},
		{"x", GenderUnset},
		{"", GenderUnset},
	}
	for _, tt := range tests {
		if got := ParseGender(tt.in); got != tt.want {
			t.Errorf("ParseGender(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if GenderUnset.String() != "U" || GenderMale.String() != "M" || GenderFemale.String() != "F" {
		t.Error("gender feature encodings changed")
	}
}

func TestGenderJSON(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Gender
		ok   bool
	}{
		{"full word", `{"care_request_id": 1, "gender": "Female"}`, GenderFemale, true},
		{"short form", `{"care_request_id": 1, "gender": "M"}`, GenderMale, true},
		{"unknown string folds to unset", `{"care_request_id": 1, "gender": "other"}`, GenderUnset, true},
		{"legacy integer", `{"care_request_id": 1, "gender": 2}`, GenderFemale, true},
		{"integer out of range", `{"care_request_id": 1, "gender": 9}`, GenderUnset, false},
		{"wrong type", `{"care_request_id": 1, "gender": true}`, GenderUnset, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r EligibilityRequest
			err := json.Unmarshal([]byte(tt.body), &r)
			if tt.ok {
				if err != nil {
					t.Fatalf("Unmarshal: %v", err)
				}
				if r.Gender != tt.want {
					t.Errorf("Gender = %v, want %v", r.Gender, tt.want)
				}
			} else if !errors.Is(err, ErrValidation) {
				t.Errorf("Unmarshal = %v, want validation error", err)
			}
		})
	}

	data, err := json.Marshal(GenderFemale)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `"F"` {
		t.Errorf("Marshal = %s, want %q", data, "F")
	}
}

func TestBuildFeatureRow(t *testing.T) {
	req := &EligibilityRequest{
		CareRequestID:   1,
		PatientAge:      42,
		Gender:          GenderFemale,
		RiskScore:       7.5,
		PlaceOfService:  "Home",
		MarketShortName: "DEN",
		Timestamp:       time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		DispatcherNotes: []string{"first note"},
		ScreeningNotes:  []string{"second note"},
	}

	row := BuildFeatureRow(req, "cough")
	if row["risk_protocol"] != "cough" {
		t.Errorf("risk_protocol = %v", row["risk_protocol"])
	}
	if row["month"] != 3 {
		t.Errorf("month = %v, want 3", row["month"])
	}
	if row["patient_gender"] != "F" {
		t.Errorf("patient_gender = %v", row["patient_gender"])
	}
	if row["notes_joint"] != "first note second note" {
		t.Errorf("notes_joint = %q", row["notes_joint"])
	}

	clone := row.Clone()
	clone["patient_age"] = 99
	if row["patient_age"] != 42 {
		t.Error("Clone must not alias the original row")
	}
}

func TestStatusFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"validation maps to invalid argument", Validationf("bad age"), codes.InvalidArgument},
		{"config masks as internal", Configf("boom"), codes.Internal},
		{"upstream masks as internal", Upstreamf("down"), codes.Internal},
		{"plain error masks as internal", errors.New("oops"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := StatusFromError(tt.err)
			if status.Code(st) != tt.code {
				t.Errorf("code = %v, want %v", status.Code(st), tt.code)
			}
		})
	}

	// Internal details never leak.
	if msg := status.Convert(StatusFromError(errors.New("secret detail"))).Message(); msg != "internal error" {
		t.Errorf("internal message = %q", msg)
	}
	// Validation details do, minus the sentinel prefix.
	if msg := status.Convert(StatusFromError(Validationf("bad age"))).Message(); msg != "bad age" {
		t.Errorf("validation message = %q", msg)
	}

	if StatusFromError(nil) != nil {
		t.Error("nil error must map to nil status")
	}
}
