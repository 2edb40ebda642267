// Package telep is the tele-presentation eligibility engine: per-market
// model-version resolution, per-version handlers, and the request dispatcher.
package telep

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/caregrid/clinicalml/internal/api"
	"github.com/caregrid/clinicalml/internal/clinical"
	"github.com/caregrid/clinicalml/internal/configstore"
	"github.com/caregrid/clinicalml/internal/model"
)

// ServiceConfigKey is the config-store key holding the service config.
const ServiceConfigKey = "telep-service-config"

// modelConfigPrefix prefixes each per-version model config key.
const modelConfigPrefix = "hybrid-model-config-"

// ServiceConfig maps markets to a factual model version and optional shadow
// versions.
type ServiceConfig struct {
	Factual struct {
		Default         string            `json:"default"`
		MarketOverrides map[string]string `json:"market_overrides"`
	} `json:"factual"`
	Shadow *struct {
		Default         []string            `json:"default"`
		MarketOverrides map[string][]string `json:"market_overrides"`
	} `json:"shadow,omitempty"`
}

// Resolver answers market -> version questions over a parsed ServiceConfig.
type Resolver struct {
	cfg ServiceConfig
}

// LoadResolver fetches and parses the service config.
func LoadResolver(ctx context.Context, store configstore.Store) (*Resolver, error) {
	raw, err := store.GetJSON(ctx, ServiceConfigKey)
	if err != nil {
		return nil, api.Configf("service config: %v", err)
	}
	return ParseResolver(raw)
}

// ParseResolver parses a service config payload and checks its invariants.
func ParseResolver(raw []byte) (*Resolver, error) {
	var cfg ServiceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, api.Configf("service config: %v", err)
	}
	if cfg.Factual.Default == "" {
		return nil, api.Configf("service config: factual.default is required")
	}
	for m := range cfg.Factual.MarketOverrides {
		if len(m) != 3 {
			return nil, api.Configf("service config: market %q is not a 3-letter short name", m)
		}
	}
	if cfg.Shadow != nil {
		for m := range cfg.Shadow.MarketOverrides {
			if len(m) != 3 {
				return nil, api.Configf("service config: market %q is not a 3-letter short name", m)
			}
		}
	}
	return &Resolver{cfg: cfg}, nil
}

// UniqueVersions enumerates every version the config references, factual and
// shadow, duplicates collapsed, sorted.
func (r *Resolver) UniqueVersions() []string {
	seen := map[string]bool{r.cfg.Factual.Default: true}
	for _, v := range r.cfg.Factual.MarketOverrides {
		seen[v] = true
	}
	if r.cfg.Shadow != nil {
		for _, v := range r.cfg.Shadow.Default {
			seen[v] = true
		}
		for _, vs := range r.cfg.Shadow.MarketOverrides {
			for _, v := range vs {
				seen[v] = true
			}
		}
	}

	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Factual resolves the market's factual version; unknown markets fall back
// to the default.
func (r *Resolver) Factual(market string) (string, error) {
	if len(market) != 3 {
		return "", api.Validationf("market_short_name must be exactly 3 characters, got %q", market)
	}
	if v, ok := r.cfg.Factual.MarketOverrides[market]; ok {
		return v, nil
	}
	return r.cfg.Factual.Default, nil
}

// Shadows resolves the market's shadow versions; empty when shadow traffic
// is not configured.
func (r *Resolver) Shadows(market string) ([]string, error) {
	if len(market) != 3 {
		return nil, api.Validationf("market_short_name must be exactly 3 characters, got %q", market)
	}
	if r.cfg.Shadow == nil {
		return nil, nil
	}
	if vs, ok := r.cfg.Shadow.MarketOverrides[market]; ok {
		return vs, nil
	}
	return r.cfg.Shadow.Default, nil
}

// ConfigName returns the config-store key for a version's model config:
// dots become "p" under the hybrid-model-config- prefix.
func ConfigName(version string) string {
	return modelConfigPrefix + strings.ReplaceAll(version, ".", "p")
}

// SubModelEntry binds a sub-model name to its registry directory.
type SubModelEntry struct {
	Name              model.Name
	RegistryDirectory string
}

// MLRule thresholds one sub-model's probability into a vote.
type MLRule struct {
	Comparator Comparator
	Threshold  float64
}

// Comparator is a closed comparison operator set.
type Comparator int

const (
	CompareLT Comparator = iota
	CompareLE
	CompareGT
	CompareGE
	CompareEQ
	CompareNE
)

var comparatorNames = map[Comparator]string{
	CompareLT: "lt",
	CompareLE: "le",
	CompareGT: "gt",
	CompareGE: "ge",
	CompareEQ: "eq",
	CompareNE: "ne",
}

func (c Comparator) String() string { return comparatorNames[c] }

// ParseComparator resolves a config string to a comparator.
func ParseComparator(s string) (Comparator, error) {
	for c, n := range comparatorNames {
		if n == s {
			return c, nil
		}
	}
	return 0, api.Configf("unknown comparator %q", s)
}

// Apply compares a score against the threshold.
func (r MLRule) Apply(score float64) bool {
	switch r.Comparator {
	case CompareLT:
		return score < r.Threshold
	case CompareLE:
		return score <= r.Threshold
	case CompareGT:
		return score > r.Threshold
	case CompareGE:
		return score >= r.Threshold
	case CompareEQ:
		return score == r.Threshold
	case CompareNE:
		return score != r.Threshold
	default:
		return false
	}
}

// ModelVersionConfig is one version's parsed model config. Sub-model entries
// and ML rules are index-aligned.
type ModelVersionConfig struct {
	Version       string
	SubModels     []SubModelEntry
	MLRules       []MLRule
	OverrideRules []clinical.Rule

	// Feature gates controlling decision-cache reads and writes; empty
	// means ungated.
	CacheReadGate  string
	CacheWriteGate string
}

type modelVersionConfigFile struct {
	SubModels []struct {
		Name              string `json:"name"`
		RegistryDirectory string `json:"registry_directory"`
	} `json:"sub_models"`
	MLRules []struct {
		Comparator string  `json:"comparator"`
		Threshold  float64 `json:"threshold"`
	} `json:"ml_rules"`
	ClinicalOverrideRules []string `json:"clinical_override_rules"`
	CacheReadGate         string   `json:"cache_read_gate,omitempty"`
	CacheWriteGate        string   `json:"cache_write_gate,omitempty"`
}

// LoadModelVersionConfig fetches and parses one version's model config.
// Unknown sub-model, comparator, or rule names are config errors here, not
// request-time surprises.
func LoadModelVersionConfig(ctx context.Context, store configstore.Store, version string) (*ModelVersionConfig, error) {
	raw, err := store.GetJSON(ctx, ConfigName(version))
	if err != nil {
		return nil, api.Configf("model config for %q: %v", version, err)
	}
	return ParseModelVersionConfig(version, raw)
}

// ParseModelVersionConfig parses a model config payload.
func ParseModelVersionConfig(version string, raw []byte) (*ModelVersionConfig, error) {
	var f modelVersionConfigFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, api.Configf("model config for %q: %v", version, err)
	}
	if len(f.SubModels) == 0 {
		return nil, api.Configf("model config for %q: no sub-models", version)
	}
	if len(f.MLRules) != len(f.SubModels) {
		return nil, api.Configf("model config for %q: %d ml_rules for %d sub_models", version, len(f.MLRules), len(f.SubModels))
	}

	cfg := &ModelVersionConfig{
		Version:        version,
		CacheReadGate:  f.CacheReadGate,
		CacheWriteGate: f.CacheWriteGate,
	}

	for _, sm := range f.SubModels {
		name, err := model.ParseName(sm.Name)
		if err != nil {
			return nil, err
		}
		if sm.RegistryDirectory == "" {
			return nil, api.Configf("model config for %q: sub-model %s missing registry_directory", version, sm.Name)
		}
		cfg.SubModels = append(cfg.SubModels, SubModelEntry{Name: name, RegistryDirectory: sm.RegistryDirectory})
	}

	for _, r := range f.MLRules {
		cmp, err := ParseComparator(r.Comparator)
		if err != nil {
			return nil, err
		}
		cfg.MLRules = append(cfg.MLRules, MLRule{Comparator: cmp, Threshold: r.Threshold})
	}

	for _, name := range f.ClinicalOverrideRules {
		rule, err := clinical.ParseRule(name)
		if err != nil {
			return nil, err
		}
		cfg.OverrideRules = append(cfg.OverrideRules, rule)
	}

	return cfg, nil
}
