package telep

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/caregrid/clinicalml/internal/api"
	"github.com/caregrid/clinicalml/internal/clinical"
	"github.com/caregrid/clinicalml/internal/configstore"
	"github.com/caregrid/clinicalml/internal/decisioncache"
	"github.com/caregrid/clinicalml/internal/gates"
	"github.com/caregrid/clinicalml/internal/metrics"
	"github.com/caregrid/clinicalml/internal/model"
	"github.com/caregrid/clinicalml/internal/riskprotocol"
	"github.com/caregrid/clinicalml/pkg/npy"
)

var testMetrics = metrics.New()

const testMappingCSV = `protocol_name,protocol_name_standardized,is_dhfu_protocol
Cough,cough,false
"Chest Pain",chest pain,false
"Nausea/Vomiting",nausea / vomiting,false
`

// writeBundle lays out one logistic bundle reading the risk_score column.
// The score is sigmoid(risk_score - 10): low-risk requests score near zero.
func writeBundle(t *testing.T, root, dir string) {
	t.Helper()
	writeBundleMapping(t, root, dir, "v7")
}

func writeBundleMapping(t *testing.T, root, dir, mappingVersion string) {
	t.Helper()
	full := filepath.Join(root, dir)
	if err := os.MkdirAll(full, 0o755); err != nil {
		t.Fatal(err)
	}

	writeJSON(t, filepath.Join(full, "metadata.json"), map[string]any{
		"model_name":                    dir,
		"model_filename":                "model.json",
		"model_class":                   "LogisticRegression",
		"test_set_filenames":            []string{"test_x.npy", "test_y.npy"},
		"column_transformer_filename":   "transformer.json",
		"risk_protocol_mapping_version": mappingVersion,
		"author_email":                  "ml@caregrid.example",
		"version":                       "1.0",
	})
	writeJSON(t, filepath.Join(full, "model.json"), map[string]any{
		"model_class": "LogisticRegression",
		"weights":     []float64{1.0},
		"intercept":   -10.0,
		"eval_metric": map[string]any{"name": "roc_auc", "value": 1.0},
	})
	writeJSON(t, filepath.Join(full, "transformer.json"), map[string]any{
		"steps": []map[string]any{{"kind": "numeric", "column": "risk_score"}},
	})

	writeNpy(t, filepath.Join(full, "test_x.npy"), &npy.Matrix{
		Rows: 4, Cols: 1, Data: []float64{0.1, 0.2, 0.8, 0.9},
	})
	writeNpy(t, filepath.Join(full, "test_y.npy"), &npy.Matrix{
		Rows: 4, Cols: 1, Data: []float64{0, 0, 1, 1},
	})
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeNpy(t *testing.T, path string, m *npy.Matrix) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := npy.Write(f, m); err != nil {
		t.Fatal(err)
	}
}

func modelConfig(comparator string, threshold float64, overrides ...string) []byte {
	cfg := map[string]any{
		"sub_models": []map[string]any{
			{"name": "IV", "registry_directory": "iv-v1"},
		},
		"ml_rules": []map[string]any{
			{"comparator": comparator, "threshold": threshold},
		},
		"clinical_override_rules": overrides,
	}
	data, _ := json.Marshal(cfg)
	return data
}

// newTestDispatcher wires basic-v1.0 (default), enhanced-v1.1 (DEN), and a
// shadow-v2.0 shadow default, all over one shared bundle and decision store.
func newTestDispatcher(t *testing.T) (*Dispatcher, *decisioncache.MemoryStore) {
	t.Helper()

	root := t.TempDir()
	writeBundle(t, root, "iv-v1")

	store := configstore.NewStaticStore(map[string][]byte{
		ServiceConfigKey: []byte(`{
			"factual": {
				"default": "basic-v1.0",
				"market_overrides": {"DEN": "enhanced-v1.1"}
			},
			"shadow": {"default": ["shadow-v2.0"]}
		}`),
		ConfigName("basic-v1.0"):    modelConfig("lt", 0.5, "chest_pain", "notes", "high_risk_score"),
		ConfigName("enhanced-v1.1"): modelConfig("le", 1.0, "chest_pain", "notes", "high_risk_score"),
		ConfigName("shadow-v2.0"):   modelConfig("lt", 0.5, "notes"),
	})

	mappingStore := &riskprotocol.StaticObjectStore{
		Versions: map[string]string{"v7": testMappingCSV},
		Current:  "v7",
	}
	normalizer, err := riskprotocol.NewNormalizer(mappingStore, zerolog.Nop(), testMetrics)
	if err != nil {
		t.Fatal(err)
	}

	resolver, err := LoadResolver(context.Background(), store)
	if err != nil {
		t.Fatal(err)
	}

	decisions := decisioncache.NewMemoryStore()
	d, err := NewDispatcher(
		context.Background(),
		store,
		resolver,
		model.NewCache(model.NewRegistry(root)),
		normalizer,
		clinical.NewEngine(zerolog.Nop()),
		decisioncache.New(decisions, gates.NewStaticChecker(nil), zerolog.Nop()),
		testMetrics,
		zerolog.Nop(),
	)
	if err != nil {
		t.Fatal(err)
	}
	return d, decisions
}

func eligibilityReq(id int64, market, protocol string, age int, score float64) *api.EligibilityRequest {
	return &api.EligibilityRequest{
		CareRequestID:   id,
		RiskProtocol:    protocol,
		PatientAge:      age,
		Gender:          api.GenderFemale,
		RiskScore:       score,
		PlaceOfService:  "Home",
		MarketShortName: market,
		Timestamp:       time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	}
}

func TestGetEligibilityEligible(t *testing.T) {
	d, decisions := newTestDispatcher(t)

	resp, err := d.GetEligibility(context.Background(), eligibilityReq(1, "XYZ", "Cough", 40, 5), "req-1")
	if err != nil {
		t.Fatalf("GetEligibility: %v", err)
	}
	if !resp.Eligible {
		t.Error("low-risk cough should be eligible")
	}
	if resp.ModelVersion != "basic-v1.0" {
		t.Errorf("ModelVersion = %q, want the factual default for an unknown market", resp.ModelVersion)
	}

	// The factual and shadow versions each persisted their own decision.
	if decisions.Inserts != 2 {
		t.Errorf("Inserts = %d, want 2 (factual + shadow)", decisions.Inserts)
	}
}

func TestGetEligibilityCachedRepeat(t *testing.T) {
	d, decisions := newTestDispatcher(t)
	ctx := context.Background()

	req := eligibilityReq(2, "XYZ", "Cough", 40, 5)
	first, err := d.GetEligibility(ctx, req, "req-1")
	if err != nil {
		t.Fatalf("GetEligibility: %v", err)
	}
	second, err := d.GetEligibility(ctx, req, "req-2")
	if err != nil {
		t.Fatalf("GetEligibility (repeat): %v", err)
	}

	if first.Eligible != second.Eligible {
		t.Error("identical requests must decide identically")
	}
	if decisions.Inserts != 2 {
		t.Errorf("Inserts = %d, want 2; the repeat must hit the cache", decisions.Inserts)
	}
	if decisions.Touches != 2 {
		t.Errorf("Touches = %d, want 2 (factual + shadow hits)", decisions.Touches)
	}
}

func TestGetEligibilityClinicalOverrideWins(t *testing.T) {
	d, _ := newTestDispatcher(t)

	// ML votes eligible on the low risk score, but the chest-pain rule vetoes.
	resp, err := d.GetEligibility(context.Background(), eligibilityReq(3, "XYZ", "Chest Pain", 70, 5), "req-1")
	if err != nil {
		t.Fatalf("GetEligibility: %v", err)
	}
	if resp.Eligible {
		t.Error("elderly chest pain must be ineligible regardless of the ML vote")
	}
	if resp.ModelVersion != "basic-v1.0" {
		t.Errorf("ModelVersion = %q; overrides must not change the reported version", resp.ModelVersion)
	}
}

func TestGetEligibilityHighRiskScoreByMarket(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	basic, err := d.GetEligibility(ctx, eligibilityReq(4, "XYZ", "Cough", 40, 40), "req-1")
	if err != nil {
		t.Fatalf("GetEligibility: %v", err)
	}
	if basic.Eligible {
		t.Error("risk score 40 must be ineligible in a basic market")
	}

	enhanced, err := d.GetEligibility(ctx, eligibilityReq(5, "DEN", "Cough", 40, 40), "req-2")
	if err != nil {
		t.Fatalf("GetEligibility: %v", err)
	}
	if !enhanced.Eligible {
		t.Error("enhanced markets leave borderline scores to the model")
	}
	if enhanced.ModelVersion != "enhanced-v1.1" {
		t.Errorf("ModelVersion = %q, want the DEN override", enhanced.ModelVersion)
	}
}

func TestGetEligibilityNotesByMarket(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	withNote := func(id int64, market string) *api.EligibilityRequest {
		req := eligibilityReq(id, market, "Cough", 40, 5)
		req.DispatcherNotes = []string{"gave breathing treatment en route"}
		return req
	}

	basic, err := d.GetEligibility(ctx, withNote(6, "XYZ"), "req-1")
	if err != nil {
		t.Fatalf("GetEligibility: %v", err)
	}
	if basic.Eligible {
		t.Error("breathing treatment note must veto in a basic market")
	}

	enhanced, err := d.GetEligibility(ctx, withNote(7, "DEN"), "req-2")
	if err != nil {
		t.Fatalf("GetEligibility: %v", err)
	}
	if !enhanced.Eligible {
		t.Error("breathing treatment is a basic-only screen")
	}
}

func TestGetEligibilityValidation(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *api.EligibilityRequest
	}{
		{"negative age", eligibilityReq(8, "XYZ", "Cough", -1, 5)},
		{"long market name", eligibilityReq(9, "DENVER", "Cough", 40, 5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.GetEligibility(ctx, tt.req, "req-1"); !errors.Is(err, api.ErrValidation) {
				t.Errorf("error = %v, want validation error", err)
			}
		})
	}
}

func TestNewDispatcherRejectsMissingModelConfig(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, "iv-v1")

	store := configstore.NewStaticStore(map[string][]byte{
		ServiceConfigKey: []byte(`{"factual": {"default": "basic-v1.0"}}`),
		// No model config for basic-v1.0.
	})

	resolver, err := LoadResolver(context.Background(), store)
	if err != nil {
		t.Fatal(err)
	}

	normalizer, err := riskprotocol.NewNormalizer(&riskprotocol.StaticObjectStore{
		Versions: map[string]string{"v7": testMappingCSV}, Current: "v7",
	}, zerolog.Nop(), testMetrics)
	if err != nil {
		t.Fatal(err)
	}

	_, err = NewDispatcher(
		context.Background(),
		store,
		resolver,
		model.NewCache(model.NewRegistry(root)),
		normalizer,
		clinical.NewEngine(zerolog.Nop()),
		decisioncache.New(nil, gates.NewStaticChecker(nil), zerolog.Nop()),
		testMetrics,
		zerolog.Nop(),
	)
	if !errors.Is(err, api.ErrConfig) {
		t.Fatalf("NewDispatcher error = %v, want config error", err)
	}
}

func newTestNormalizer(t *testing.T) *riskprotocol.Normalizer {
	t.Helper()
	n, err := riskprotocol.NewNormalizer(&riskprotocol.StaticObjectStore{
		Versions: map[string]string{"v7": testMappingCSV, "v8": testMappingCSV},
		Current:  "v7",
	}, zerolog.Nop(), testMetrics)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

// An override rule can veto an otherwise-eligible decision but never grant
// one: adding a rule to a config may only flip eligible true -> false.
func TestExtraOverrideRuleOnlyRemovesEligibility(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, "iv-v1")
	ctx := context.Background()

	normalizer := newTestNormalizer(t)
	engine := clinical.NewEngine(zerolog.Nop())
	cache := model.NewCache(model.NewRegistry(root))

	newHandler := func(version string, overrides ...string) *Handler {
		cfg, err := ParseModelVersionConfig(version, modelConfig("lt", 0.5, overrides...))
		if err != nil {
			t.Fatal(err)
		}
		h, err := NewHandler(cfg, cache, normalizer, engine,
			decisioncache.New(decisioncache.NewMemoryStore(), gates.NewStaticChecker(nil), zerolog.Nop()),
			testMetrics, zerolog.Nop())
		if err != nil {
			t.Fatal(err)
		}
		return h
	}

	base := newHandler("base-v1.0", "notes")
	extended := newHandler("extended-v1.0", "notes", "chest_pain")

	hospice := eligibilityReq(13, "XYZ", "Cough", 40, 5)
	hospice.DispatcherNotes = []string{"patient in hospice care"}

	tests := []struct {
		name string
		req  *api.EligibilityRequest
	}{
		{"eligible under both", eligibilityReq(10, "XYZ", "Cough", 40, 5)},
		{"extra rule fires", eligibilityReq(11, "XYZ", "Chest Pain", 72, 5)},
		{"ml veto under both", eligibilityReq(12, "XYZ", "Cough", 40, 50)},
		{"shared rule fires", hospice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			baseEligible, err := base.Run(ctx, tt.req, "req-b")
			if err != nil {
				t.Fatalf("base Run: %v", err)
			}
			extEligible, err := extended.Run(ctx, tt.req, "req-e")
			if err != nil {
				t.Fatalf("extended Run: %v", err)
			}
			if extEligible && !baseEligible {
				t.Errorf("extended config eligible where base is not; an extra rule must only remove eligibility")
			}
		})
	}
}

func TestNewHandlerRejectsMixedMappingVersions(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, "iv-v1")
	writeBundleMapping(t, root, "catheter-v1", "v8")

	cfg, err := ParseModelVersionConfig("basic-v1.0", []byte(`{
		"sub_models": [
			{"name": "IV", "registry_directory": "iv-v1"},
			{"name": "CATHETER", "registry_directory": "catheter-v1"}
		],
		"ml_rules": [
			{"comparator": "lt", "threshold": 0.5},
			{"comparator": "lt", "threshold": 0.5}
		],
		"clinical_override_rules": []
	}`))
	if err != nil {
		t.Fatal(err)
	}

	_, err = NewHandler(cfg, model.NewCache(model.NewRegistry(root)), newTestNormalizer(t),
		clinical.NewEngine(zerolog.Nop()),
		decisioncache.New(decisioncache.NewMemoryStore(), gates.NewStaticChecker(nil), zerolog.Nop()),
		testMetrics, zerolog.Nop())
	if !errors.Is(err, api.ErrConfig) {
		t.Errorf("NewHandler error = %v, want config error on mixed mapping versions", err)
	}
}
