package model

import (
	"encoding/json"
	"math"
	"os"

	"github.com/caregrid/clinicalml/internal/api"
)

// Classifier is one trained binary classifier. PredictProbability returns
// the positive-class probability for a transformed feature vector.
type Classifier interface {
	PredictProbability(features []float64) float64
	Class() string
}

// classifierFile is the on-disk model.json.
type classifierFile struct {
	ModelClass   string  `json:"model_class"`
	LearningRate float64 `json:"learning_rate,omitempty"`
	BaseScore    float64 `json:"base_score,omitempty"`
	EvalMetric   struct {
		Name  string  `json:"name"`
		Value float64 `json:"value"`
	} `json:"eval_metric"`

	// Gradient boosting
	Trees []treeSpec `json:"trees,omitempty"`

	// Logistic regression
	Weights   []float64 `json:"weights,omitempty"`
	Intercept float64   `json:"intercept,omitempty"`
}

type treeSpec struct {
	Nodes []treeNode `json:"nodes"`
}

// treeNode is one node in a decision tree. Leaves have Feature == -1.
type treeNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
}

// loadClassifier parses a model.json into a concrete classifier. The stored
// evaluation metric value is returned alongside for validation.
func loadClassifier(path string) (Classifier, float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, api.ModelLoadf("classifier %q: %v", path, err)
	}

	var cf classifierFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, 0, api.ModelLoadf("classifier %q: %v", path, err)
	}

	switch cf.ModelClass {
	case "GradientBoostingClassifier":
		if len(cf.Trees) == 0 {
			return nil, 0, api.ModelLoadf("classifier %q: no trees", path)
		}
		lr := cf.LearningRate
		if lr == 0 {
			lr = 1.0
		}
		return &boostedTrees{trees: cf.Trees, learningRate: lr, baseScore: cf.BaseScore}, cf.EvalMetric.Value, nil
	case "LogisticRegression":
		if len(cf.Weights) == 0 {
			return nil, 0, api.ModelLoadf("classifier %q: no weights", path)
		}
		return &logistic{weights: cf.Weights, intercept: cf.Intercept}, cf.EvalMetric.Value, nil
	default:
		return nil, 0, api.ModelLoadf("classifier %q: unknown model_class %q", path, cf.ModelClass)
	}
}

// boostedTrees is a gradient-boosted ensemble of binary decision trees.
type boostedTrees struct {
	trees        []treeSpec
	learningRate float64
	baseScore    float64
}

func (b *boostedTrees) Class() string { return "GradientBoostingClassifier" }

func (b *boostedTrees) PredictProbability(features []float64) float64 {
	z := b.baseScore
	for _, t := range b.trees {
		z += b.learningRate * t.predict(features)
	}
	return sigmoid(z)
}

func (t *treeSpec) predict(features []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		v := 0.0
		if n.Feature < len(features) {
			v = features[n.Feature]
		}
		if v < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// logistic is a plain logistic-regression classifier.
type logistic struct {
	weights   []float64
	intercept float64
}

func (l *logistic) Class() string { return "LogisticRegression" }

func (l *logistic) PredictProbability(features []float64) float64 {
	z := l.intercept
	for i, w := range l.weights {
		if i < len(features) {
			z += w * features[i]
		}
	}
	return sigmoid(z)
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}
