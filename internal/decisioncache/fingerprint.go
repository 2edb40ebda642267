// Package decisioncache persists per-request eligibility decisions keyed by
// a feature fingerprint, gated by feature flags.
package decisioncache

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/caregrid/clinicalml/internal/api"
)

// Fingerprint canonicalises the feature row plus the literal care_request_id
// and model_version fields and returns the SHA-256 digest. The two literal
// fields must not already appear in the row; a collision is a programming
// error and fails fast.
//
// Canonical form: "key=value" pairs joined by "|" in lexicographic key
// order. Floats are formatted to 9 decimal places so the digest is stable
// across serialisations.
func Fingerprint(row api.FeatureRow, careRequestID int64, modelVersion string) ([32]byte, error) {
	if _, ok := row["care_request_id"]; ok {
		return [32]byte{}, fmt.Errorf("feature row already contains care_request_id")
	}
	if _, ok := row["model_version"]; ok {
		return [32]byte{}, fmt.Errorf("feature row already contains model_version")
	}

	full := row.Clone()
	full["care_request_id"] = careRequestID
	full["model_version"] = modelVersion

	keys := make([]string, 0, len(full))
	for k := range full {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(canonicalValue(full[k]))
	}
	return sha256.Sum256([]byte(b.String())), nil
}

// canonicalValue renders one row value in its stable text form.
func canonicalValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', 9, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', 9, 64)
	default:
		return fmt.Sprintf("%v", x)
	}
}
