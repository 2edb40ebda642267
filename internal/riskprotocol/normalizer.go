// Package riskprotocol standardises clinician-entered risk protocols and
// folds them into the fixed keyword catalogue used as an ML feature.
package riskprotocol

import (
	"context"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/caregrid/clinicalml/internal/api"
	"github.com/caregrid/clinicalml/internal/metrics"
)

// mappingCacheSize bounds the number of mapping versions held in memory.
// Versions are content-addressed, so hot entries are tiny and stable.
const mappingCacheSize = 8

// Normalizer resolves raw protocols to standardised keywords through a
// versioned mapping snapshot.
type Normalizer struct {
	store ObjectStore
	log   zerolog.Logger
	met   *metrics.Metrics

	cache *lru.Cache[string, *Mapping]

	mu     sync.Mutex
	latest string // last version token seen by Latest
}

// NewNormalizer creates a normalizer over the mapping store.
func NewNormalizer(store ObjectStore, log zerolog.Logger, met *metrics.Metrics) (*Normalizer, error) {
	cache, err := lru.New[string, *Mapping](mappingCacheSize)
	if err != nil {
		return nil, err
	}
	return &Normalizer{store: store, log: log, met: met, cache: cache}, nil
}

// Mapping fetches the snapshot for a version token, memoised per version.
func (n *Normalizer) Mapping(ctx context.Context, version string) (*Mapping, error) {
	if m, ok := n.cache.Get(version); ok {
		return m, nil
	}

	m, err := loadMapping(ctx, n.store, version)
	if err != nil {
		return nil, api.Upstreamf("risk protocol mapping %q: %v", version, err)
	}
	n.cache.Add(version, m)
	return m, nil
}

// Latest re-reads the store's current version token and returns its mapping.
func (n *Normalizer) Latest(ctx context.Context) (*Mapping, error) {
	version, err := n.store.LatestVersion(ctx)
	if err != nil {
		return nil, api.Upstreamf("risk protocol mapping latest version: %v", err)
	}

	n.mu.Lock()
	n.latest = version
	n.mu.Unlock()

	return n.Mapping(ctx, version)
}

// LatestVersion returns the version token most recently resolved by Latest,
// or "" before the first call. Handlers pin their own training-time version;
// this is for operational surfaces that report what "current" means.
func (n *Normalizer) LatestVersion() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.latest
}

// Keyword standardises a raw protocol under the given mapping version and
// folds it into the keyword catalogue. Unknown protocols are non-fatal.
func (n *Normalizer) Keyword(ctx context.Context, version, raw string) (string, error) {
	m, err := n.Mapping(ctx, version)
	if err != nil {
		return "", err
	}
	return FoldKeyword(n.standardize(m, raw)), nil
}

// Standardize normalises a raw protocol and resolves it through the mapping.
// Missing entries log an unknown_risk_protocol event and pass the normalised
// string through.
func (n *Normalizer) Standardize(ctx context.Context, version, raw string) (string, error) {
	m, err := n.Mapping(ctx, version)
	if err != nil {
		return "", err
	}
	return n.standardize(m, raw), nil
}

func (n *Normalizer) standardize(m *Mapping, raw string) string {
	normalized := Normalize(raw)
	standardized, ok := m.Standardized(normalized)
	if !ok {
		n.met.UnknownProtocols.Inc()
		n.log.Warn().
			Str("event", "unknown_risk_protocol").
			Str("risk_protocol", normalized).
			Str("mapping_version", m.Version()).
			Msg("risk protocol missing from standardisation mapping")
		return normalized
	}
	return standardized
}

// Normalize lower-cases the input and strips surrounding whitespace and
// straight double quotes.
func Normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	return strings.Trim(s, `"`)
}

// FoldKeyword collapses a standardised protocol into the keyword catalogue.
// Every catalogue keyword that appears as a substring is a candidate; the
// longest wins, ties break by catalogue order. Aliases rewrite the chosen
// keyword. When nothing matches the standardised string passes through.
func FoldKeyword(standardized string) string {
	best := ""
	for _, kw := range Keywords {
		if len(kw) <= len(best) {
			continue
		}
		if strings.Contains(standardized, kw) {
			best = kw
		}
	}
	if best == "" {
		return standardized
	}
	if alias, ok := KeywordAliases[best]; ok {
		return alias
	}
	return best
}
