package semantic

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default_model.yaml
var defaultModelYAML []byte

// LoadYAML parses and validates a model document. Unknown keys are rejected
// so typos in the model file surface at load time.
func LoadYAML(data []byte) (*Model, error) {
	var raw Model
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse semantic model: %w", err)
	}
	return NewModel(raw)
}

// DefaultModel returns the embedded commerce model.
func DefaultModel() (*Model, error) {
	return LoadYAML(defaultModelYAML)
}

// FileSource reads the model from a YAML file, or the embedded default when
// no path is set.
type FileSource struct {
	path string
}

// NewFileSource creates a file-backed source
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Load reads and parses the model file.
func (f *FileSource) Load(ctx context.Context) (*Model, error) {
	if f.path == "" {
		return DefaultModel()
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read model file: %w", err)
	}
	return LoadYAML(data)
}

// Name returns the source name
func (f *FileSource) Name() string {
	if f.path == "" {
		return "embedded"
	}
	return "file:" + f.path
}
