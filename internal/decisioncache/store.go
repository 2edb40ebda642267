package decisioncache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one persisted decision.
type Entry struct {
	ID            int64
	CareRequestID int64
	FeatureHash   []byte
	Prediction    bool
	ModelVersion  string
	CreatedAt     time.Time
	LastQueriedAt time.Time
}

// Store is the relational decision store. Implementations do not retry;
// transient failures surface to the caller.
type Store interface {
	// Lookup returns the entry for a fingerprint, or nil on miss.
	Lookup(ctx context.Context, hash []byte) (*Entry, error)

	// Insert persists a decision. A unique-violation race on feature_hash is
	// not an error: someone else wrote it first.
	Insert(ctx context.Context, e *Entry) error

	// Touch bumps last_queried_at on a cache hit.
	Touch(ctx context.Context, id int64) error

	Close() error
}

// uniqueViolation is the Postgres class-23 code raised by the unique index
// on feature_hash.
const uniqueViolation = "23505"

// PostgresStore persists decisions in the ml_prediction table.
//
// Schema:
//
//	CREATE TABLE ml_prediction (
//	  id              SERIAL PRIMARY KEY,
//	  care_request_id BIGINT NOT NULL,
//	  feature_hash    BYTEA NOT NULL UNIQUE,
//	  prediction      BOOL NOT NULL,
//	  created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	  last_queried_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	  model_version   TEXT NOT NULL
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a fixed-size pool and verifies the connection.
func NewPostgresStore(connStr string, poolSize int) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	if poolSize > 0 {
		cfg.MaxConns = int32(poolSize)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Lookup(ctx context.Context, hash []byte) (*Entry, error) {
	query := `
		SELECT id, care_request_id, feature_hash, prediction, created_at, last_queried_at, model_version
		FROM ml_prediction
		WHERE feature_hash = $1
	`

	var e Entry
	err := p.pool.QueryRow(ctx, query, hash).Scan(
		&e.ID, &e.CareRequestID, &e.FeatureHash, &e.Prediction,
		&e.CreatedAt, &e.LastQueriedAt, &e.ModelVersion,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres lookup failed: %w", err)
	}
	return &e, nil
}

func (p *PostgresStore) Insert(ctx context.Context, e *Entry) error {
	query := `
		INSERT INTO ml_prediction (care_request_id, feature_hash, prediction, model_version, created_at, last_queried_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
	`

	_, err := p.pool.Exec(ctx, query, e.CareRequestID, e.FeatureHash, e.Prediction, e.ModelVersion)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// Concurrent insert won the race; the decision is cached either way.
			return nil
		}
		return fmt.Errorf("postgres insert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Touch(ctx context.Context, id int64) error {
	_, err := p.pool.Exec(ctx, `UPDATE ml_prediction SET last_queried_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres touch failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// MemoryStore is an in-memory decision store for tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	byHash  map[string]*Entry
	byID    map[int64]*Entry
	Touches int64 // test observability
	Inserts int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID: 1,
		byHash: make(map[string]*Entry),
		byID:   make(map[int64]*Entry),
	}
}

func (m *MemoryStore) Lookup(_ context.Context, hash []byte) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byHash[hex.EncodeToString(hash)]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) Insert(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := hex.EncodeToString(e.FeatureHash)
	if _, exists := m.byHash[key]; exists {
		return nil // first write wins
	}

	now := time.Now()
	stored := *e
	stored.ID = m.nextID
	stored.CreatedAt = now
	stored.LastQueriedAt = now
	m.nextID++
	m.byHash[key] = &stored
	m.byID[stored.ID] = &stored
	m.Inserts++
	return nil
}

func (m *MemoryStore) Touch(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("entry %d not found", id)
	}
	e.LastQueriedAt = time.Now()
	m.Touches++
	return nil
}

func (m *MemoryStore) Close() error { return nil }
