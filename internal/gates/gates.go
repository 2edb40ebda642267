// Package gates wraps the external feature-gate service. Gate checks are
// keyed by the per-RPC request identifier so rollouts can be sliced by
// traffic rather than by patient.
package gates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Checker answers whether a named gate is open for a given request.
type Checker interface {
	CheckGate(ctx context.Context, requestID, gate string) (bool, error)
}

// HTTPChecker talks to the feature-gate service over its JSON API.
type HTTPChecker struct {
	base   string
	client *http.Client
}

// NewHTTPChecker creates a checker against the given base URL.
func NewHTTPChecker(baseURL string) *HTTPChecker {
	return &HTTPChecker{
		base:   baseURL,
		client: &http.Client{Timeout: 2 * time.Second},
	}
}

func (c *HTTPChecker) CheckGate(ctx context.Context, requestID, gate string) (bool, error) {
	u := fmt.Sprintf("%s/v1/gates/%s?user_id=%s", c.base, url.PathEscape(gate), url.QueryEscape(requestID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("gate check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("gate check returned %d", resp.StatusCode)
	}

	var body struct {
		Value bool `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("gate check decode failed: %w", err)
	}
	return body.Value, nil
}

// StaticChecker serves fixed gate values; used in tests and local runs.
type StaticChecker struct {
	mu    sync.RWMutex
	gates map[string]bool
}

// NewStaticChecker creates a checker with the given gate values. Unknown
// gates evaluate to false.
func NewStaticChecker(values map[string]bool) *StaticChecker {
	g := make(map[string]bool, len(values))
	for k, v := range values {
		g[k] = v
	}
	return &StaticChecker{gates: g}
}

func (c *StaticChecker) CheckGate(_ context.Context, _ string, gate string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gates[gate], nil
}

// Set flips a gate value; test helper.
func (c *StaticChecker) Set(gate string, open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gates[gate] = open
}
