package decisioncache

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/caregrid/clinicalml/internal/api"
	"github.com/caregrid/clinicalml/internal/gates"
)

func testRow() api.FeatureRow {
	return api.FeatureRow{
		"risk_protocol":     "nausea",
		"patient_age":       42,
		"risk_score":        7.5,
		"place_of_service":  "A",
		"market_short_name": "DEN",
		"month":             3,
		"patient_gender":    "F",
		"notes_joint":       "",
	}
}

func TestFingerprintStableUnderKeyOrder(t *testing.T) {
	a, err := Fingerprint(testRow(), 100, "basic-v1.0")
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}

	// Maps iterate in random order anyway; recompute from a fresh map to make
	// the intent explicit.
	b, err := Fingerprint(testRow(), 100, "basic-v1.0")
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if a != b {
		t.Error("fingerprints differ for identical inputs")
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base, err := Fingerprint(testRow(), 100, "basic-v1.0")
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}

	tests := []struct {
		name string
		fp   func() ([32]byte, error)
	}{
		{"care_request_id", func() ([32]byte, error) { return Fingerprint(testRow(), 101, "basic-v1.0") }},
		{"model_version", func() ([32]byte, error) { return Fingerprint(testRow(), 100, "basic-v1.1") }},
		{"feature value", func() ([32]byte, error) {
			row := testRow()
			row["patient_age"] = 43
			return Fingerprint(row, 100, "basic-v1.0")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fp()
			if err != nil {
				t.Fatalf("Fingerprint: %v", err)
			}
			if got == base {
				t.Error("expected a different fingerprint")
			}
		})
	}
}

func TestFingerprintFloatFormat(t *testing.T) {
	intRow := testRow()
	intRow["risk_score"] = float64(7)
	floatRow := testRow()
	floatRow["risk_score"] = 7.000000000

	a, err := Fingerprint(intRow, 100, "basic-v1.0")
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	b, err := Fingerprint(floatRow, 100, "basic-v1.0")
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if a != b {
		t.Error("equal float values must fingerprint identically")
	}
}

func TestFingerprintRejectsReservedKeys(t *testing.T) {
	for _, key := range []string{"care_request_id", "model_version"} {
		row := testRow()
		row[key] = "oops"
		if _, err := Fingerprint(row, 100, "basic-v1.0"); err == nil {
			t.Errorf("expected error when row contains %s", key)
		}
	}
}

func TestMemoryStoreFirstWriteWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	hash := []byte{1, 2, 3}

	if err := s.Insert(ctx, &Entry{CareRequestID: 1, FeatureHash: hash, Prediction: true, ModelVersion: "v1"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(ctx, &Entry{CareRequestID: 2, FeatureHash: hash, Prediction: false, ModelVersion: "v2"}); err != nil {
		t.Fatalf("second Insert: %v", err)
	}

	e, err := s.Lookup(ctx, hash)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e == nil || e.CareRequestID != 1 || !e.Prediction {
		t.Fatalf("Lookup = %+v, want first write retained", e)
	}
	if s.Inserts != 1 {
		t.Errorf("Inserts = %d, want 1", s.Inserts)
	}

	if err := s.Touch(ctx, e.ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if s.Touches != 1 {
		t.Errorf("Touches = %d, want 1", s.Touches)
	}
}

func TestMemoryStoreMiss(t *testing.T) {
	s := NewMemoryStore()
	e, err := s.Lookup(context.Background(), []byte{9, 9})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e != nil {
		t.Fatalf("Lookup on empty store = %+v, want nil", e)
	}
}

func TestCacheDisabled(t *testing.T) {
	c := New(nil, gates.NewStaticChecker(nil), zerolog.Nop())
	if c.Enabled() {
		t.Fatal("cache with nil store must report disabled")
	}

	fp := [32]byte{1}
	e, err := c.Lookup(context.Background(), fp, "req-1", "")
	if err != nil || e != nil {
		t.Fatalf("Lookup on disabled cache = %+v, %v", e, err)
	}
	if err := c.Insert(context.Background(), fp, true, 1, "v1", "req-1", ""); err != nil {
		t.Fatalf("Insert on disabled cache: %v", err)
	}
	if err := c.Touch(context.Background(), 1, "req-1", ""); err != nil {
		t.Fatalf("Touch on disabled cache: %v", err)
	}
}

func TestCacheGating(t *testing.T) {
	store := NewMemoryStore()
	checker := gates.NewStaticChecker(map[string]bool{"cache-read": true, "cache-write": false})
	c := New(store, checker, zerolog.Nop())
	ctx := context.Background()
	fp := [32]byte{7}

	// Closed write gate: insert is silently skipped.
	if err := c.Insert(ctx, fp, true, 1, "v1", "req-1", "cache-write"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if store.Inserts != 0 {
		t.Fatalf("Inserts = %d, want 0 with closed write gate", store.Inserts)
	}

	// Empty gate name is ungated.
	if err := c.Insert(ctx, fp, true, 1, "v1", "req-1", ""); err != nil {
		t.Fatalf("ungated Insert: %v", err)
	}
	if store.Inserts != 1 {
		t.Fatalf("Inserts = %d, want 1", store.Inserts)
	}

	// Open read gate resolves the entry.
	e, err := c.Lookup(ctx, fp, "req-1", "cache-read")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e == nil || !e.Prediction {
		t.Fatalf("Lookup = %+v, want cached entry", e)
	}

	// Unknown gate is closed.
	e, err = c.Lookup(ctx, fp, "req-1", "no-such-gate")
	if err != nil || e != nil {
		t.Fatalf("Lookup with unknown gate = %+v, %v, want miss", e, err)
	}
}

type failingChecker struct{}

func (failingChecker) CheckGate(context.Context, string, string) (bool, error) {
	return false, errors.New("gate service down")
}

func TestCacheGateOutageTreatedAsClosed(t *testing.T) {
	store := NewMemoryStore()
	c := New(store, failingChecker{}, zerolog.Nop())

	e, err := c.Lookup(context.Background(), [32]byte{1}, "req-1", "cache-read")
	if err != nil {
		t.Fatalf("Lookup during gate outage: %v", err)
	}
	if e != nil {
		t.Fatalf("Lookup = %+v, want nil during outage", e)
	}
}
