package config

import (
	"context"
	"os"
)

// EnvProvider retrieves secrets from environment variables. When a prefix is
// set, PREFIX_KEY wins over KEY.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates a new environment variable provider
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// NewPrefixedEnvProvider creates a provider that checks prefix+"_"+key first
func NewPrefixedEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

// GetSecret retrieves a secret from environment variables
func (e *EnvProvider) GetSecret(ctx context.Context, key string) (string, error) {
	if e.prefix != "" {
		if v, ok := os.LookupEnv(e.prefix + "_" + key); ok {
			return v, nil
		}
	}
	return os.Getenv(key), nil
}

// Name returns the provider name
func (e *EnvProvider) Name() string {
	return "env"
}

// IsAvailable always returns true as env vars are always available
func (e *EnvProvider) IsAvailable(ctx context.Context) bool {
	return true
}
