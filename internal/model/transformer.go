package model

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/caregrid/clinicalml/internal/api"
)

// Transformer is the packaged column transformer: an ordered pipeline of
// column-wise steps producing the numeric feature vector the classifier was
// trained on. It is the native equivalent of the training pipeline's fitted
// transformer and must only be applied to the recognised feature columns.
type Transformer struct {
	Steps []TransformStep `json:"steps"`
}

// TransformStep is one column-wise transformation.
type TransformStep struct {
	Kind   string `json:"kind"`   // numeric | standardize | onehot | keyword_flags
	Column string `json:"column"` // feature-row column the step reads

	// standardize
	Mean float64 `json:"mean,omitempty"`
	Std  float64 `json:"std,omitempty"`

	// onehot
	Categories []string `json:"categories,omitempty"`

	// keyword_flags
	Vocabulary []string `json:"vocabulary,omitempty"`
}

// loadTransformer parses a transformer description from the registry.
func loadTransformer(path string) (*Transformer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, api.ModelLoadf("transformer %q: %v", path, err)
	}

	var t Transformer
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, api.ModelLoadf("transformer %q: %v", path, err)
	}
	if len(t.Steps) == 0 {
		return nil, api.ModelLoadf("transformer %q: no steps", path)
	}
	for _, s := range t.Steps {
		switch s.Kind {
		case "numeric", "standardize", "onehot", "keyword_flags":
		default:
			return nil, api.ModelLoadf("transformer %q: unknown step kind %q", path, s.Kind)
		}
		if s.Column == "" {
			return nil, api.ModelLoadf("transformer %q: step missing column", path)
		}
	}
	return &t, nil
}

// Transform maps a single feature row to the numeric vector. Unknown or
// missing values contribute zeros, matching the training pipeline's handling
// of unseen categories.
func (t *Transformer) Transform(row api.FeatureRow) []float64 {
	var out []float64
	for _, s := range t.Steps {
		switch s.Kind {
		case "numeric":
			out = append(out, numericValue(row[s.Column]))
		case "standardize":
			v := numericValue(row[s.Column])
			std := s.Std
			if std == 0 {
				std = 1
			}
			out = append(out, (v-s.Mean)/std)
		case "onehot":
			v, _ := row[s.Column].(string)
			for _, c := range s.Categories {
				if v == c {
					out = append(out, 1)
				} else {
					out = append(out, 0)
				}
			}
		case "keyword_flags":
			v, _ := row[s.Column].(string)
			v = strings.ToLower(v)
			for _, kw := range s.Vocabulary {
				if strings.Contains(v, kw) {
					out = append(out, 1)
				} else {
					out = append(out, 0)
				}
			}
		}
	}
	return out
}

// Width returns the length of the produced vector.
func (t *Transformer) Width() int {
	n := 0
	for _, s := range t.Steps {
		switch s.Kind {
		case "numeric", "standardize":
			n++
		case "onehot":
			n += len(s.Categories)
		case "keyword_flags":
			n += len(s.Vocabulary)
		}
	}
	return n
}

func numericValue(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	default:
		return 0
	}
}
