package model

import (
	"path/filepath"

	"github.com/caregrid/clinicalml/internal/api"
	"github.com/caregrid/clinicalml/pkg/npy"
)

// Registry loads sub-model bundles from a directory layout rooted at a
// configurable path. Each registry directory holds metadata.json, the
// classifier artifact, the column transformer, and the packaged train/test
// sets named by the metadata.
type Registry struct {
	root string
}

// NewRegistry creates a registry over the given root.
func NewRegistry(root string) *Registry {
	return &Registry{root: root}
}

// Root returns the registry root path.
func (r *Registry) Root() string { return r.root }

// Load reads the bundle under registryDir (relative to the root).
func (r *Registry) Load(registryDir string) (*SubModel, error) {
	dir := filepath.Join(r.root, registryDir)

	md, err := loadMetadata(dir)
	if err != nil {
		return nil, err
	}

	classifier, storedMetric, err := loadClassifier(filepath.Join(dir, md.ModelFilename))
	if err != nil {
		return nil, err
	}
	if classifier.Class() != md.ModelClass {
		return nil, api.ModelLoadf("%s: metadata model_class %q does not match artifact %q", md.ModelName, md.ModelClass, classifier.Class())
	}

	transformer, err := loadTransformer(filepath.Join(dir, md.ColumnTransformerFilename))
	if err != nil {
		return nil, err
	}

	testX, err := npy.ReadFile(filepath.Join(dir, md.TestSetFilenames[0]))
	if err != nil {
		return nil, api.ModelLoadf("%s: test features: %v", md.ModelName, err)
	}
	testY, err := npy.ReadFile(filepath.Join(dir, md.TestSetFilenames[1]))
	if err != nil {
		return nil, api.ModelLoadf("%s: test labels: %v", md.ModelName, err)
	}

	return &SubModel{
		Meta:           md,
		MappingVersion: md.RiskProtocolMappingVersion,
		classifier:     classifier,
		transformer:    transformer,
		storedMetric:   storedMetric,
		testX:          testX,
		testY:          testY,
	}, nil
}
