package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultSecretsDir is where the analytics deployment mounts its secret files.
const DefaultSecretsDir = "/etc/semantic-analytics/secrets"

// FileProvider reads one secret per file from a directory. A key such as
// DREMIO_PAT is looked up as dremio-pat first and then under its own name,
// so both kebab-case mounts and docker-style secret files work.
type FileProvider struct {
	dir string
}

// NewFileProvider creates a provider over dir. An empty dir is never
// available.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

// GetSecret returns the trimmed file content, or "" when no file exists.
func (f *FileProvider) GetSecret(ctx context.Context, key string) (string, error) {
	if f.dir == "" {
		return "", fmt.Errorf("secrets directory not configured")
	}
	return readSecretFile(f.dir, key)
}

// Name returns the provider name
func (f *FileProvider) Name() string {
	return "file"
}

// IsAvailable reports whether the directory exists.
func (f *FileProvider) IsAvailable(ctx context.Context) bool {
	return isDir(f.dir)
}

// secretFileNames lists the file names key may be stored under.
func secretFileNames(key string) []string {
	kebab := strings.ToLower(strings.ReplaceAll(key, "_", "-"))
	if kebab == key {
		return []string{key}
	}
	return []string{kebab, key}
}

func readSecretFile(dir, key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid secret key %q", key)
	}
	for _, name := range secretFileNames(key) {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to read secret file %s: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", nil
}

func isDir(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
