// Package configstore reads JSON configuration blobs from the external
// key-value config service. The service config and each model-version config
// live under individual keys; the store only fetches bytes, parsing belongs
// to the consumer.
package configstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store fetches the JSON blob stored under a config key.
type Store interface {
	GetJSON(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// HTTPStore reads configs from the flag service's HTTP API.
type HTTPStore struct {
	base   string
	client *http.Client
}

// NewHTTPStore creates a store against the given base URL.
func NewHTTPStore(baseURL string) *HTTPStore {
	return &HTTPStore{
		base:   baseURL,
		client: &http.Client{Timeout: 3 * time.Second},
	}
}

func (s *HTTPStore) GetJSON(ctx context.Context, key string) ([]byte, error) {
	u := fmt.Sprintf("%s/v1/configs/%s", s.base, url.PathEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("config fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("config %q not found", key)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("config fetch returned %d", resp.StatusCode)
	}

	var body struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("config decode failed: %w", err)
	}
	return body.Value, nil
}

func (s *HTTPStore) Close() error { return nil }

// RedisStore reads configs mirrored into Redis. Used in deployments where
// the flag service payloads are replicated to a local Redis for latency.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: client, prefix: "config:"}, nil
}

func (s *RedisStore) GetJSON(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("config %q not found", key)
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}
	return []byte(data), nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

// FileStore reads configs from <dir>/<key>.json; local runs and tests.
type FileStore struct {
	dir string
}

// NewFileStore creates a store over a directory of JSON files.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) GetJSON(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, key+".json"))
	if err != nil {
		return nil, fmt.Errorf("config %q: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) Close() error { return nil }

// StaticStore serves configs from memory; test helper.
type StaticStore struct {
	mu      sync.RWMutex
	configs map[string][]byte
}

// NewStaticStore creates a store with the given key -> JSON payloads.
func NewStaticStore(configs map[string][]byte) *StaticStore {
	c := make(map[string][]byte, len(configs))
	for k, v := range configs {
		c[k] = v
	}
	return &StaticStore{configs: c}
}

func (s *StaticStore) GetJSON(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.configs[key]
	if !ok {
		return nil, fmt.Errorf("config %q not found", key)
	}
	return data, nil
}

// Set installs a payload under a key; test helper.
func (s *StaticStore) Set(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[key] = data
}

func (s *StaticStore) Close() error { return nil }
