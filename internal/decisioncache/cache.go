package decisioncache

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/caregrid/clinicalml/internal/gates"
)

// Cache is the gated front of the decision store. Every operation is a no-op
// when the store handle is absent (cache disabled) or the named feature gate
// evaluates to false for the request identifier. An empty gate name means
// the operation is ungated.
type Cache struct {
	store Store // nil disables the cache
	gates gates.Checker
	log   zerolog.Logger
}

// New creates a cache. store may be nil to disable all operations.
func New(store Store, checker gates.Checker, log zerolog.Logger) *Cache {
	return &Cache{store: store, gates: checker, log: log}
}

// Enabled reports whether a backing store is configured.
func (c *Cache) Enabled() bool { return c.store != nil }

// Lookup returns the cached entry for the fingerprint, or nil.
func (c *Cache) Lookup(ctx context.Context, fingerprint [32]byte, requestID, readGate string) (*Entry, error) {
	if !c.allowed(ctx, requestID, readGate) {
		return nil, nil
	}
	return c.store.Lookup(ctx, fingerprint[:])
}

// Insert persists a fresh decision.
func (c *Cache) Insert(ctx context.Context, fingerprint [32]byte, prediction bool, careRequestID int64, modelVersion, requestID, writeGate string) error {
	if !c.allowed(ctx, requestID, writeGate) {
		return nil
	}
	return c.store.Insert(ctx, &Entry{
		CareRequestID: careRequestID,
		FeatureHash:   fingerprint[:],
		Prediction:    prediction,
		ModelVersion:  modelVersion,
	})
}

// Touch bumps last_queried_at after a hit.
func (c *Cache) Touch(ctx context.Context, entryID int64, requestID, readGate string) error {
	if !c.allowed(ctx, requestID, readGate) {
		return nil
	}
	return c.store.Touch(ctx, entryID)
}

func (c *Cache) allowed(ctx context.Context, requestID, gate string) bool {
	if c.store == nil {
		return false
	}
	if gate == "" {
		return true
	}
	open, err := c.gates.CheckGate(ctx, requestID, gate)
	if err != nil {
		// A gate outage must not take the request down with it.
		c.log.Warn().Err(err).Str("gate", gate).Msg("feature gate check failed; treating as closed")
		return false
	}
	return open
}
