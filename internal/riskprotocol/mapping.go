package riskprotocol

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ObjectStore is the versioned blob store holding mapping snapshots. The
// version token is opaque; content is a CSV with columns
// (protocol_name, protocol_name_standardized, is_dhfu_protocol).
type ObjectStore interface {
	// Get opens the snapshot stored under the given version token.
	Get(ctx context.Context, version string) (io.ReadCloser, error)

	// LatestVersion returns the store's current version token.
	LatestVersion(ctx context.Context) (string, error)
}

// Mapping is one immutable raw -> standardised snapshot.
type Mapping struct {
	version      string
	standardized map[string]string
	dhfu         map[string]bool
}

// Version returns the snapshot's version token.
func (m *Mapping) Version() string { return m.version }

// Standardized looks up the standardised form of a normalised protocol.
func (m *Mapping) Standardized(normalized string) (string, bool) {
	s, ok := m.standardized[normalized]
	return s, ok
}

// IsDHFU reports whether the protocol is flagged as a DHFU protocol.
func (m *Mapping) IsDHFU(normalized string) bool { return m.dhfu[normalized] }

// Len returns the number of mapped protocols.
func (m *Mapping) Len() int { return len(m.standardized) }

// loadMapping fetches and parses one snapshot.
func loadMapping(ctx context.Context, store ObjectStore, version string) (*Mapping, error) {
	rc, err := store.Get(ctx, version)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return parseMapping(version, rc)
}

func parseMapping(version string, r io.Reader) (*Mapping, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // header may carry extra columns

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("mapping header: %w", err)
	}

	rawCol, stdCol, dhfuCol := -1, -1, -1
	for i, name := range header {
		switch strings.TrimSpace(name) {
		case "protocol_name":
			rawCol = i
		case "protocol_name_standardized":
			stdCol = i
		case "is_dhfu_protocol":
			dhfuCol = i
		}
	}
	if rawCol < 0 || stdCol < 0 {
		return nil, fmt.Errorf("mapping header missing protocol_name columns: %v", header)
	}

	m := &Mapping{
		version:      version,
		standardized: make(map[string]string),
		dhfu:         make(map[string]bool),
	}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("mapping row: %w", err)
		}
		if len(rec) <= rawCol || len(rec) <= stdCol {
			continue
		}
		raw := Normalize(rec[rawCol])
		m.standardized[raw] = Normalize(rec[stdCol])
		if dhfuCol >= 0 && len(rec) > dhfuCol {
			m.dhfu[raw] = strings.EqualFold(strings.TrimSpace(rec[dhfuCol]), "true")
		}
	}
	return m, nil
}

// FSObjectStore serves mapping snapshots from a directory; local runs and
// tests. Each version is <dir>/<version>.csv and a LATEST file carries the
// current version token.
type FSObjectStore struct {
	dir string
}

// NewFSObjectStore creates a store over the given directory.
func NewFSObjectStore(dir string) *FSObjectStore {
	return &FSObjectStore{dir: dir}
}

func (s *FSObjectStore) Get(_ context.Context, version string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.dir, version+".csv"))
	if err != nil {
		return nil, fmt.Errorf("mapping version %q: %w", version, err)
	}
	return f, nil
}

func (s *FSObjectStore) LatestVersion(_ context.Context) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, "LATEST"))
	if err != nil {
		return "", fmt.Errorf("latest mapping version: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// StaticObjectStore serves snapshots from memory; test helper.
type StaticObjectStore struct {
	Versions map[string]string // version -> CSV content
	Current  string
}

func (s *StaticObjectStore) Get(_ context.Context, version string) (io.ReadCloser, error) {
	csvData, ok := s.Versions[version]
	if !ok {
		return nil, fmt.Errorf("mapping version %q not found", version)
	}
	return io.NopCloser(strings.NewReader(csvData)), nil
}

func (s *StaticObjectStore) LatestVersion(_ context.Context) (string, error) {
	if s.Current == "" {
		return "", fmt.Errorf("no current mapping version")
	}
	return s.Current, nil
}
