package model

import (
	"sync"
)

// Cache memoises loaded sub-models by registry directory so model versions
// sharing a sub-model load it once. Entries are write-once and never evicted
// for the process lifetime.
type Cache struct {
	registry *Registry

	mu     sync.Mutex
	loaded map[string]*SubModel
}

// NewCache creates a cache over the registry.
func NewCache(registry *Registry) *Cache {
	return &Cache{
		registry: registry,
		loaded:   make(map[string]*SubModel),
	}
}

// Get returns the sub-model stored under registryDir, loading and installing
// it on first reference.
func (c *Cache) Get(registryDir string) (*SubModel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.loaded[registryDir]; ok {
		return m, nil
	}

	m, err := c.registry.Load(registryDir)
	if err != nil {
		return nil, err
	}
	c.loaded[registryDir] = m
	return m, nil
}

// Len returns the number of loaded sub-models.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.loaded)
}
