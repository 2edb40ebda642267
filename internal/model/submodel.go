package model

import (
	"fmt"
	"sort"

	"github.com/caregrid/clinicalml/internal/api"
	"github.com/caregrid/clinicalml/pkg/npy"
)

// Name identifies a sub-model within a model version. The set is closed;
// configs referencing unknown names are rejected at load.
type Name int

const (
	NameIV Name = iota
	NameCatheter
	NameRxAdmin
	NameWoundCare
	NameImaging

	nameCount // sentinel
)

var subModelNames = map[Name]string{
	NameIV:        "IV",
	NameCatheter:  "CATHETER",
	NameRxAdmin:   "RX_ADMIN",
	NameWoundCare: "WOUND_CARE",
	NameImaging:   "IMAGING",
}

func (n Name) String() string {
	if s, ok := subModelNames[n]; ok {
		return s
	}
	return fmt.Sprintf("submodel(%d)", int(n))
}

// ParseName resolves a config string to a sub-model name.
func ParseName(s string) (Name, error) {
	for n, name := range subModelNames {
		if name == s {
			return n, nil
		}
	}
	return 0, api.Configf("unknown sub-model name %q", s)
}

// Validation tolerances for metric drift between the packaged test set and
// the stored training-time value.
const (
	warnTolerance  = 0.01
	raiseTolerance = 0.05
)

// ValidationStatus is the outcome of a sub-model self check.
type ValidationStatus int

const (
	ValidationOK ValidationStatus = iota
	ValidationWarning
	ValidationError
)

func (s ValidationStatus) String() string {
	switch s {
	case ValidationOK:
		return "ok"
	case ValidationWarning:
		return "warning"
	default:
		return "error"
	}
}

// SubModel is one immutable trained classifier bundle: the classifier, its
// fitted column transformer, and the mapping version its features were built
// against.
type SubModel struct {
	Meta           *Metadata
	MappingVersion string

	classifier   Classifier
	transformer  *Transformer
	storedMetric float64

	testX *npy.Matrix
	testY *npy.Matrix
}

// TransformFeatures applies the packaged transformer to a single-row frame.
func (m *SubModel) TransformFeatures(row api.FeatureRow) []float64 {
	return m.transformer.Transform(row)
}

// PredictProbability returns the positive-class probability for a
// transformed feature vector.
func (m *SubModel) PredictProbability(features []float64) float64 {
	return m.classifier.PredictProbability(features)
}

// Validate recomputes the evaluation metric on the packaged test set and
// compares it to the stored training-time value.
func (m *SubModel) Validate() (ValidationStatus, float64, error) {
	if m.testX == nil || m.testY == nil {
		return ValidationError, 0, api.ModelLoadf("%s: test set not loaded", m.Meta.ModelName)
	}
	if m.testX.Rows != m.testY.Rows {
		return ValidationError, 0, api.ModelLoadf("%s: test set shape mismatch (%d vs %d rows)", m.Meta.ModelName, m.testX.Rows, m.testY.Rows)
	}

	scores := make([]float64, m.testX.Rows)
	labels := make([]bool, m.testX.Rows)
	for i := 0; i < m.testX.Rows; i++ {
		scores[i] = m.classifier.PredictProbability(m.testX.Row(i))
		labels[i] = m.testY.At(i, 0) > 0.5
	}

	computed := rocAUC(scores, labels)
	if m.storedMetric == 0 {
		return ValidationError, computed, api.ModelLoadf("%s: stored evaluation metric is zero", m.Meta.ModelName)
	}

	drift := abs(computed-m.storedMetric) / abs(m.storedMetric)
	switch {
	case drift > raiseTolerance:
		return ValidationError, computed, api.ModelLoadf("%s: metric drift %.4f exceeds raise tolerance", m.Meta.ModelName, drift)
	case drift > warnTolerance:
		return ValidationWarning, computed, nil
	default:
		return ValidationOK, computed, nil
	}
}

// rocAUC computes the area under the ROC curve by rank statistics. Tied
// scores share their average rank.
func rocAUC(scores []float64, labels []bool) float64 {
	n := len(scores)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return scores[idx[a]] < scores[idx[b]] })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j < n && scores[idx[j]] == scores[idx[i]] {
			j++
		}
		avg := float64(i+j+1) / 2 // ranks are 1-based
		for k := i; k < j; k++ {
			ranks[idx[k]] = avg
		}
		i = j
	}

	var pos, rankSum float64
	for i, l := range labels {
		if l {
			pos++
			rankSum += ranks[i]
		}
	}
	neg := float64(n) - pos
	if pos == 0 || neg == 0 {
		return 0.5
	}
	return (rankSum - pos*(pos+1)/2) / (pos * neg)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
