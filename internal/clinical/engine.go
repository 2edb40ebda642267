package clinical

import (
	"github.com/rs/zerolog"
)

// Engine evaluates configured override rules for a model version. Evaluation
// never fails: a rule with missing inputs simply does not fire.
type Engine struct {
	log zerolog.Logger
}

// NewEngine creates an override engine.
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{log: log}
}

// Evaluate runs a single rule.
func (e *Engine) Evaluate(rule Rule, in Input) bool {
	fired := rule.evaluate(in)
	e.log.Debug().
		Str("event", "telep-clinical-override-event").
		Str("clinical_rule", rule.String()).
		Str("model_version", in.Meta.ModelVersion).
		Int64("care_request_id", in.Req.CareRequestID).
		Bool("fired", fired).
		Msg("clinical override evaluated")
	return fired
}

// EvaluateAll runs every configured rule and returns the ones that fired.
// The clinical result is the OR of the outcomes: any fired rule vetoes.
func (e *Engine) EvaluateAll(rules []Rule, in Input) []Rule {
	var fired []Rule
	for _, r := range rules {
		if e.Evaluate(r, in) {
			fired = append(fired, r)
		}
	}
	return fired
}
