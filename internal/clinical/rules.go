// Package clinical evaluates hand-coded override rules that can veto an ML
// eligibility vote. The catalogue is a closed enumeration; configs naming an
// unknown rule are rejected at config load.
package clinical

import (
	"fmt"
	"strings"

	"github.com/caregrid/clinicalml/internal/api"
)

// Rule identifies one override rule in the catalogue.
type Rule int

const (
	RuleHeadInjury Rule = iota
	RuleAbdominalPain
	RuleBladderCatheterIssue
	RuleConfusion
	RuleYoungPatient
	RuleFracture
	RuleNotes
	RuleHallucination
	RuleChestPain
	RuleShortnessOfBreath
	RuleSeizure
	RuleSyncope
	RuleOverdose
	RuleSuicidal
	RuleGIBleed
	RuleRectalBleeding
	RulePregnancy
	RuleNeurologic
	RuleElderlyFall
	RuleDehydrationInfant
	RuleFeverInfant
	RuleTesticularPain
	RuleEyeProblem
	RuleAllergicReaction
	RuleBreathingProblemInfant
	RuleAlteredMentalStatus
	RuleWeaknessElderly
	RuleHighRiskScore
	RulePostOperative
	RuleRespiratoryDistress

	ruleCount // sentinel
)

var ruleNames = map[Rule]string{
	RuleHeadInjury:             "head_injury",
	RuleAbdominalPain:          "abdominal_pain",
	RuleBladderCatheterIssue:   "bladder_catheter_issue",
	RuleConfusion:              "confusion",
	RuleYoungPatient:           "young_patient",
	RuleFracture:               "fracture",
	RuleNotes:                  "notes",
	RuleHallucination:          "hallucination",
	RuleChestPain:              "chest_pain",
	RuleShortnessOfBreath:      "shortness_of_breath",
	RuleSeizure:                "seizure",
	RuleSyncope:                "syncope",
	RuleOverdose:               "overdose",
	RuleSuicidal:               "suicidal",
	RuleGIBleed:                "gi_bleed",
	RuleRectalBleeding:         "rectal_bleeding",
	RulePregnancy:              "pregnancy",
	RuleNeurologic:             "neurologic",
	RuleElderlyFall:            "elderly_fall",
	RuleDehydrationInfant:      "dehydration_infant",
	RuleFeverInfant:            "fever_infant",
	RuleTesticularPain:         "testicular_pain",
	RuleEyeProblem:             "eye_problem",
	RuleAllergicReaction:       "allergic_reaction",
	RuleBreathingProblemInfant: "breathing_problem_infant",
	RuleAlteredMentalStatus:    "altered_mental_status",
	RuleWeaknessElderly:        "weakness_elderly",
	RuleHighRiskScore:          "high_risk_score",
	RulePostOperative:          "post_operative",
	RuleRespiratoryDistress:    "respiratory_distress",
}

// String returns the rule's config name.
func (r Rule) String() string {
	if name, ok := ruleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("rule(%d)", int(r))
}

// ParseRule resolves a config name to a rule. Unknown names are a config
// error, reported at load time rather than request time.
func ParseRule(name string) (Rule, error) {
	for r, n := range ruleNames {
		if n == name {
			return r, nil
		}
	}
	return 0, api.Configf("unknown clinical override rule %q", name)
}

// AllRules returns every rule in catalogue order.
func AllRules() []Rule {
	out := make([]Rule, 0, int(ruleCount))
	for r := Rule(0); r < ruleCount; r++ {
		out = append(out, r)
	}
	return out
}

// Meta is the light per-evaluation metadata handed to rules.
type Meta struct {
	ModelVersion string
}

// Enhanced reports whether the calling model version is an enhanced-market
// variant. Convention: enhanced versions are named "enhanced…".
func (m Meta) Enhanced() bool {
	return strings.HasPrefix(m.ModelVersion, "enhanced")
}

// Input bundles everything a rule may read. Rules are pure functions over it;
// missing data means the rule does not fire.
type Input struct {
	Req *api.EligibilityRequest

	// RawNormalized is the raw protocol after Normalize (lower case,
	// trimmed). Some rules intentionally read the raw wording.
	RawNormalized string

	// Standardized is the mapped protocol before keyword folding.
	Standardized string

	Meta Meta
}

// evaluate returns true when the rule vetoes eligibility. Each rule reads
// either the raw or the standardised protocol form; the distinction is part
// of the rule's definition, do not unify.
func (r Rule) evaluate(in Input) bool {
	age := in.Req.PatientAge
	std := in.Standardized
	raw := in.RawNormalized

	switch r {
	case RuleHeadInjury:
		return std == "head injury" && age <= 2
	case RuleAbdominalPain:
		return std == "abdominal pain / constipation" && age >= 65
	case RuleBladderCatheterIssue:
		return std == "bladder catheter issue"
	case RuleConfusion:
		return std == "confusion"
	case RuleYoungPatient:
		return age < 2
	case RuleFracture:
		return raw == "extremity injury/pain"
	case RuleNotes:
		return notesIneligible(in.Req, in.Meta)
	case RuleHallucination:
		return strings.Contains(raw, "hallucination")
	case RuleChestPain:
		return std == "chest pain" && age >= 65
	case RuleShortnessOfBreath:
		return std == "shortness of breath" && age >= 75
	case RuleSeizure:
		return std == "seizure"
	case RuleSyncope:
		return std == "syncope"
	case RuleOverdose:
		return strings.Contains(raw, "overdose")
	case RuleSuicidal:
		return strings.Contains(raw, "suicidal")
	case RuleGIBleed:
		return std == "blood in stool" && age >= 65
	case RuleRectalBleeding:
		return strings.Contains(raw, "rectal bleeding")
	case RulePregnancy:
		return strings.HasPrefix(std, "pregnancy")
	case RuleNeurologic:
		return std == "neurologic complaint" && age >= 65
	case RuleElderlyFall:
		return std == "fall" && age >= 80
	case RuleDehydrationInfant:
		return std == "dehydration" && age < 5
	case RuleFeverInfant:
		return std == "fever" && age < 1
	case RuleTesticularPain:
		return std == "testicular pain"
	case RuleEyeProblem:
		return std == "eye problem"
	case RuleAllergicReaction:
		return std == "allergic reaction"
	case RuleBreathingProblemInfant:
		return std == "breathing problem" && age < 2
	case RuleAlteredMentalStatus:
		return std == "altered mental status"
	case RuleWeaknessElderly:
		return std == "weakness" && age >= 80
	case RuleHighRiskScore:
		// Enhanced markets trust the ML vote on borderline scores.
		return in.Req.RiskScore >= 35 && !in.Meta.Enhanced()
	case RulePostOperative:
		return std == "post operative problem" && age >= 65
	case RuleRespiratoryDistress:
		return std == "respiratory distress"
	default:
		return false
	}
}
