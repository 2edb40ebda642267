// Package acuity maps a risk-stratification protocol and patient age to a
// triage acuity via a static decision table. Two table versions exist; a
// feature gate selects between them per request.
package acuity

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/caregrid/clinicalml/internal/api"
	"github.com/caregrid/clinicalml/internal/gates"
	"github.com/caregrid/clinicalml/internal/metrics"
)

// TableGate selects the V2 decision table when open.
const TableGate = "acuity-table-v2"

// overrideRefusesED forces HIGH regardless of table contents.
const overrideRefusesED = "Patient Refuses ED"

// Protocol is the closed risk-stratification protocol enumeration.
type Protocol int

const (
	ProtocolUnspecified Protocol = iota
	ProtocolHeadInjury
	ProtocolAbdominalPain
	ProtocolChestPain
	ProtocolConfusion
	ProtocolFall
	ProtocolFever
	ProtocolBreathingProblem
	ProtocolSeizure
	ProtocolWeakness
	ProtocolWoundCare
	ProtocolNausea
	ProtocolBackPain
	ProtocolUrinaryProblem
	ProtocolDehydration

	protocolCount // sentinel
)

var protocolNames = map[Protocol]string{
	ProtocolHeadInjury:       "HEAD_INJURY",
	ProtocolAbdominalPain:    "ABDOMINAL_PAIN",
	ProtocolChestPain:        "CHEST_PAIN",
	ProtocolConfusion:        "CONFUSION",
	ProtocolFall:             "FALL",
	ProtocolFever:            "FEVER",
	ProtocolBreathingProblem: "BREATHING_PROBLEM",
	ProtocolSeizure:          "SEIZURE",
	ProtocolWeakness:         "WEAKNESS",
	ProtocolWoundCare:        "WOUND_CARE",
	ProtocolNausea:           "NAUSEA",
	ProtocolBackPain:         "BACK_PAIN",
	ProtocolUrinaryProblem:   "URINARY_PROBLEM",
	ProtocolDehydration:      "DEHYDRATION",
}

func (p Protocol) String() string {
	if s, ok := protocolNames[p]; ok {
		return s
	}
	return fmt.Sprintf("protocol(%d)", int(p))
}

// ParseProtocol resolves a wire string to a protocol. Unknown values are a
// validation error per the RPC contract.
func ParseProtocol(s string) (Protocol, error) {
	for p, name := range protocolNames {
		if name == s {
			return p, nil
		}
	}
	return 0, api.Validationf("unknown risk protocol enum %q", s)
}

// ageBand maps ages up to and including Max to a level. Bands are evaluated
// in order; Max < 0 is the open upper band.
type ageBand struct {
	Max   int
	Level api.AcuityLevel
}

// The two decision-table versions. Age breakpoints come from the clinical
// triage guidelines: {2, 3, 5, 18, 40, 45, 65} depending on the protocol.
var (
	tableV1 = map[Protocol][]ageBand{
		ProtocolHeadInjury:       {{2, api.AcuityHigh}, {18, api.AcuityMedium}, {-1, api.AcuityMedium}},
		ProtocolAbdominalPain:    {{5, api.AcuityHigh}, {65, api.AcuityMedium}, {-1, api.AcuityHigh}},
		ProtocolChestPain:        {{40, api.AcuityMedium}, {-1, api.AcuityHigh}},
		ProtocolConfusion:        {{-1, api.AcuityHigh}},
		ProtocolFall:             {{3, api.AcuityMedium}, {65, api.AcuityLow}, {-1, api.AcuityMedium}},
		ProtocolFever:            {{2, api.AcuityHigh}, {5, api.AcuityMedium}, {-1, api.AcuityLow}},
		ProtocolBreathingProblem: {{2, api.AcuityHigh}, {45, api.AcuityMedium}, {-1, api.AcuityHigh}},
		ProtocolSeizure:          {{-1, api.AcuityHigh}},
		ProtocolWeakness:         {{65, api.AcuityMedium}, {-1, api.AcuityHigh}},
		ProtocolWoundCare:        {{-1, api.AcuityLow}},
		ProtocolNausea:           {{5, api.AcuityMedium}, {-1, api.AcuityLow}},
		ProtocolBackPain:         {{18, api.AcuityMedium}, {-1, api.AcuityLow}},
		ProtocolUrinaryProblem:   {{3, api.AcuityMedium}, {65, api.AcuityLow}, {-1, api.AcuityMedium}},
		ProtocolDehydration:      {{5, api.AcuityHigh}, {65, api.AcuityMedium}, {-1, api.AcuityHigh}},
	}

	// V2 softens the paediatric fever band and tightens elderly falls.
	tableV2 = map[Protocol][]ageBand{
		ProtocolHeadInjury:       {{2, api.AcuityHigh}, {18, api.AcuityMedium}, {-1, api.AcuityMedium}},
		ProtocolAbdominalPain:    {{5, api.AcuityHigh}, {65, api.AcuityMedium}, {-1, api.AcuityHigh}},
		ProtocolChestPain:        {{40, api.AcuityMedium}, {45, api.AcuityMedium}, {-1, api.AcuityHigh}},
		ProtocolConfusion:        {{-1, api.AcuityHigh}},
		ProtocolFall:             {{3, api.AcuityMedium}, {45, api.AcuityLow}, {-1, api.AcuityHigh}},
		ProtocolFever:            {{2, api.AcuityHigh}, {18, api.AcuityMedium}, {-1, api.AcuityLow}},
		ProtocolBreathingProblem: {{2, api.AcuityHigh}, {45, api.AcuityMedium}, {-1, api.AcuityHigh}},
		ProtocolSeizure:          {{-1, api.AcuityHigh}},
		ProtocolWeakness:         {{65, api.AcuityMedium}, {-1, api.AcuityHigh}},
		ProtocolWoundCare:        {{-1, api.AcuityLow}},
		ProtocolNausea:           {{5, api.AcuityMedium}, {-1, api.AcuityLow}},
		ProtocolBackPain:         {{18, api.AcuityMedium}, {40, api.AcuityLow}, {-1, api.AcuityLow}},
		ProtocolUrinaryProblem:   {{3, api.AcuityMedium}, {65, api.AcuityLow}, {-1, api.AcuityMedium}},
		ProtocolDehydration:      {{5, api.AcuityHigh}, {65, api.AcuityMedium}, {-1, api.AcuityHigh}},
	}
)

// Service answers acuity lookups.
type Service struct {
	gates gates.Checker
	met   *metrics.Metrics
	log   zerolog.Logger
}

// NewService creates the acuity service.
func NewService(checker gates.Checker, met *metrics.Metrics, log zerolog.Logger) *Service {
	return &Service{gates: checker, met: met, log: log}
}

// GetAcuity maps a request to a triage level.
func (s *Service) GetAcuity(ctx context.Context, req *api.AcuityRequest, requestID api.RequestID) (api.AcuityLevel, error) {
	if req.OverrideReason == overrideRefusesED {
		return s.done(api.AcuityHigh), nil
	}
	if req.RiskStratBypassed {
		return s.done(api.AcuityMedium), nil
	}

	protocol, err := ParseProtocol(req.RiskProtocol)
	if err != nil {
		return api.AcuityUnknown, err
	}

	table := tableV1
	if v2, gateErr := s.gates.CheckGate(ctx, requestID.String(), TableGate); gateErr != nil {
		s.log.Warn().Err(gateErr).Str("gate", TableGate).Msg("acuity table gate check failed; using v1 table")
	} else if v2 {
		table = tableV2
	}

	bands, ok := table[protocol]
	if !ok {
		// Enum members without a table row are a deployment defect, not a
		// caller mistake.
		return api.AcuityUnknown, fmt.Errorf("protocol %s has no decision-table entry", protocol)
	}

	for _, b := range bands {
		if b.Max < 0 || req.PatientAge <= b.Max {
			return s.done(b.Level), nil
		}
	}
	return api.AcuityUnknown, fmt.Errorf("protocol %s table has no open band", protocol)
}

func (s *Service) done(level api.AcuityLevel) api.AcuityLevel {
	s.met.AcuityTotal.WithLabelValues(level.String()).Inc()
	return level
}
