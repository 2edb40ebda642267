// Package model loads sub-model bundles from the model registry and exposes
// feature transformation and probability prediction over them.
package model

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/caregrid/clinicalml/internal/api"
)

// Metadata is the registry's per-model metadata.json.
type Metadata struct {
	ModelName                  string   `json:"model_name"`
	ModelFilename              string   `json:"model_filename"`
	ModelClass                 string   `json:"model_class"`
	TrainingSetFilenames       []string `json:"training_set_filenames"`
	TestSetFilenames           []string `json:"test_set_filenames"`
	ColumnTransformerFilename  string   `json:"column_transformer_filename"`
	RiskProtocolMappingVersion string   `json:"risk_protocol_mapping_version"`
	AuthorEmail                string   `json:"author_email"`
	Version                    string   `json:"version"`
	Description                string   `json:"description"`
}

// loadMetadata reads and validates metadata.json from a registry directory.
func loadMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return nil, api.ModelLoadf("metadata missing in %q: %v", dir, err)
	}

	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, api.ModelLoadf("metadata in %q: %v", dir, err)
	}

	if md.ModelName == "" {
		return nil, api.ModelLoadf("metadata in %q: model_name is required", dir)
	}
	if md.ModelFilename == "" {
		return nil, api.ModelLoadf("metadata in %q: model_filename is required", dir)
	}
	if md.ColumnTransformerFilename == "" {
		return nil, api.ModelLoadf("metadata in %q: column_transformer_filename is required", dir)
	}
	if len(md.TestSetFilenames) != 2 {
		return nil, api.ModelLoadf("metadata in %q: expected [testX, testY] filenames, got %d", dir, len(md.TestSetFilenames))
	}
	return &md, nil
}
