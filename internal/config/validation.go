package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation error(s):\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// HasErrors returns true if there are any validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate performs comprehensive validation on the configuration
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateRedis()...)
	errors = append(errors, c.validateDremio()...)
	errors = append(errors, c.validateLLM()...)
	errors = append(errors, c.validateAuth()...)
	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validatePipeline()...)

	if errors.HasErrors() {
		return errors
	}

	return nil
}

func (c *Config) validateDatabase() []ValidationError {
	var errors []ValidationError

	// the database is only needed when the model is stored there
	if c.Pipeline.ModelSource != "postgres" {
		return nil
	}

	if c.Database.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "Database.Host",
			Message: "database host is required",
		})
	}

	if c.Database.Port == "" {
		errors = append(errors, ValidationError{
			Field:   "Database.Port",
			Message: "database port is required",
		})
	}

	if c.Database.Database == "" {
		errors = append(errors, ValidationError{
			Field:   "Database.Database",
			Message: "database name is required",
		})
	}

	if c.Database.Username == "" {
		errors = append(errors, ValidationError{
			Field:   "Database.Username",
			Message: "database username is required",
		})
	}

	return errors
}

func (c *Config) validateRedis() []ValidationError {
	var errors []ValidationError

	if c.Pipeline.QuotaBackend == "redis" && c.Redis.Addr == "" {
		errors = append(errors, ValidationError{
			Field:   "Redis.Addr",
			Message: "redis address is required for the redis quota backend",
		})
	}

	return errors
}

func (c *Config) validateDremio() []ValidationError {
	var errors []ValidationError

	if c.Dremio.URI == "" {
		errors = append(errors, ValidationError{
			Field:   "Dremio.URI",
			Message: "Dremio URI is required",
		})
	} else if !strings.HasPrefix(c.Dremio.URI, "http://") && !strings.HasPrefix(c.Dremio.URI, "https://") {
		errors = append(errors, ValidationError{
			Field:   "Dremio.URI",
			Message: fmt.Sprintf("invalid Dremio URI: %s (must start with http:// or https://)", c.Dremio.URI),
		})
	}

	if c.Dremio.Timeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "Dremio.Timeout",
			Message: "Dremio timeout must be positive",
		})
	}

	if c.Dremio.PollInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "Dremio.PollInterval",
			Message: "Dremio poll interval must be positive",
		})
	}

	if c.Dremio.PageSize <= 0 || c.Dremio.PageSize > 500 {
		errors = append(errors, ValidationError{
			Field:   "Dremio.PageSize",
			Message: "Dremio page size must be between 1 and 500",
		})
	}

	return errors
}

func (c *Config) validateLLM() []ValidationError {
	var errors []ValidationError

	switch c.LLM.Provider {
	case "claude", "gemini":
	default:
		errors = append(errors, ValidationError{
			Field:   "LLM.Provider",
			Message: fmt.Sprintf("invalid LLM provider: %s (must be 'claude' or 'gemini')", c.LLM.Provider),
		})
	}

	if c.Pipeline.UseGeneration && c.LLM.APIKey == "" {
		errors = append(errors, ValidationError{
			Field:   "LLM.APIKey",
			Message: "an API key is required when generation is enabled",
		})
	}

	if c.LLM.Timeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "LLM.Timeout",
			Message: "LLM timeout must be positive",
		})
	}

	return errors
}

func (c *Config) validateAuth() []ValidationError {
	var errors []ValidationError

	if c.Auth.JWTSecret == "" {
		errors = append(errors, ValidationError{
			Field:   "Auth.JWTSecret",
			Message: "JWT secret is required",
		})
	}

	if c.Auth.JWTExpiry <= 0 {
		errors = append(errors, ValidationError{
			Field:   "Auth.JWTExpiry",
			Message: "JWT expiry must be positive",
		})
	}

	if c.Auth.SessionExpiry <= 0 {
		errors = append(errors, ValidationError{
			Field:   "Auth.SessionExpiry",
			Message: "session expiry must be positive",
		})
	}

	if c.Auth.RateLimit < 0 {
		errors = append(errors, ValidationError{
			Field:   "Auth.RateLimit",
			Message: "rate limit must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if c.Server.Port == "" {
		errors = append(errors, ValidationError{
			Field:   "Server.Port",
			Message: "server port is required",
		})
	}

	// Validate GinMode
	validModes := []string{"debug", "release", "test"}
	isValid := false
	for _, mode := range validModes {
		if c.Server.GinMode == mode {
			isValid = true
			break
		}
	}
	if !isValid {
		errors = append(errors, ValidationError{
			Field:   "Server.GinMode",
			Message: fmt.Sprintf("invalid gin mode: %s (must be 'debug', 'release', or 'test')", c.Server.GinMode),
		})
	}

	return errors
}

func (c *Config) validatePipeline() []ValidationError {
	var errors []ValidationError
	p := c.Pipeline

	if p.FuzzyThreshold <= 0 || p.FuzzyThreshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "Pipeline.FuzzyThreshold",
			Message: "fuzzy threshold must be in (0, 1]",
		})
	}

	if p.IntentFloor < 0 || p.IntentFloor > 1 {
		errors = append(errors, ValidationError{
			Field:   "Pipeline.IntentFloor",
			Message: "intent confidence floor must be in [0, 1]",
		})
	}

	if p.MaxRows <= 0 {
		errors = append(errors, ValidationError{
			Field:   "Pipeline.MaxRows",
			Message: "max rows must be positive",
		})
	}

	if p.MaxCostPerQuery <= 0 {
		errors = append(errors, ValidationError{
			Field:   "Pipeline.MaxCostPerQuery",
			Message: "max cost per query must be positive",
		})
	}

	if p.QuotaPerWindow <= 0 {
		errors = append(errors, ValidationError{
			Field:   "Pipeline.QuotaPerWindow",
			Message: "quota per window must be positive",
		})
	}

	if p.QuotaWindow <= 0 {
		errors = append(errors, ValidationError{
			Field:   "Pipeline.QuotaWindow",
			Message: "quota window must be positive",
		})
	}

	if p.QuotaBackend != "memory" && p.QuotaBackend != "redis" {
		errors = append(errors, ValidationError{
			Field:   "Pipeline.QuotaBackend",
			Message: fmt.Sprintf("invalid quota backend: %s (must be 'memory' or 'redis')", p.QuotaBackend),
		})
	}

	if len(p.SchemaAllowlist) == 0 {
		errors = append(errors, ValidationError{
			Field:   "Pipeline.SchemaAllowlist",
			Message: "schema allowlist must not be empty",
		})
	}

	if p.DisplayRowCap <= 0 {
		errors = append(errors, ValidationError{
			Field:   "Pipeline.DisplayRowCap",
			Message: "display row cap must be positive",
		})
	}

	switch p.ModelSource {
	case "file":
	case "postgres":
	default:
		errors = append(errors, ValidationError{
			Field:   "Pipeline.ModelSource",
			Message: fmt.Sprintf("invalid model source: %s (must be 'file' or 'postgres')", p.ModelSource),
		})
	}

	if p.DiagnosticsWorkers <= 0 {
		errors = append(errors, ValidationError{
			Field:   "Pipeline.DiagnosticsWorkers",
			Message: "diagnostics workers must be positive",
		})
	}

	timeouts := map[string]time.Duration{
		"Pipeline.ResolveTimeout":     p.ResolveTimeout,
		"Pipeline.GenerationTimeout":  p.GenerationTimeout,
		"Pipeline.EstimateTimeout":    p.EstimateTimeout,
		"Pipeline.ExecuteTimeout":     p.ExecuteTimeout,
		"Pipeline.DiagnosticsTimeout": p.DiagnosticsTimeout,
	}
	for _, field := range []string{
		"Pipeline.ResolveTimeout", "Pipeline.GenerationTimeout", "Pipeline.EstimateTimeout",
		"Pipeline.ExecuteTimeout", "Pipeline.DiagnosticsTimeout",
	} {
		if timeouts[field] <= 0 {
			errors = append(errors, ValidationError{
				Field:   field,
				Message: "stage timeout must be positive",
			})
		}
	}

	return errors
}

// ValidateProduction performs additional validation for production environments
// It checks for insecure default values that should not be used in production
func (c *Config) ValidateProduction() error {
	var errors ValidationErrors

	// Check for insecure database passwords
	if c.Pipeline.ModelSource == "postgres" && (c.Database.Password == "" || c.Database.Password == "changeme") {
		errors = append(errors, ValidationError{
			Field:   "Database.Password",
			Message: "production deployment must not use default or empty database password",
		})
	}

	// Check for insecure Redis passwords
	if c.Pipeline.QuotaBackend == "redis" && (c.Redis.Password == "" || c.Redis.Password == "changeme") {
		errors = append(errors, ValidationError{
			Field:   "Redis.Password",
			Message: "production deployment must not use default or empty Redis password",
		})
	}

	// Check for insecure JWT secrets
	insecureJWTSecrets := []string{
		"",
		"your-secret-key-change-in-production",
		"change-this-in-production",
		"secret",
		"jwt-secret",
	}
	for _, insecure := range insecureJWTSecrets {
		if c.Auth.JWTSecret == insecure {
			errors = append(errors, ValidationError{
				Field:   "Auth.JWTSecret",
				Message: "production deployment must not use default or insecure JWT secret",
			})
			break
		}
	}

	// Check JWT secret length (should be at least 32 characters)
	if len(c.Auth.JWTSecret) < 32 {
		errors = append(errors, ValidationError{
			Field:   "Auth.JWTSecret",
			Message: "JWT secret should be at least 32 characters for production use",
		})
	}

	if c.Dremio.PAT == "" {
		errors = append(errors, ValidationError{
			Field:   "Dremio.PAT",
			Message: "production deployment requires a Dremio personal access token",
		})
	}

	if c.Auth.AdminPassword == "" {
		errors = append(errors, ValidationError{
			Field:   "Auth.AdminPassword",
			Message: "production deployment requires an admin password",
		})
	}

	// Ensure Gin is in release mode for production
	if c.Server.GinMode != "release" {
		errors = append(errors, ValidationError{
			Field:   "Server.GinMode",
			Message: "production deployment should use 'release' mode",
		})
	}

	// Ensure anonymous access is disabled in production
	if c.Auth.AllowAnonymous {
		errors = append(errors, ValidationError{
			Field:   "Auth.AllowAnonymous",
			Message: "production deployment should not allow anonymous access",
		})
	}

	if c.Pipeline.QuotaBackend != "redis" {
		errors = append(errors, ValidationError{
			Field:   "Pipeline.QuotaBackend",
			Message: "production deployment should share the quota ledger through redis",
		})
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// IsProduction determines if the current environment is production
// based on the GinMode setting
func (c *Config) IsProduction() bool {
	return c.Server.GinMode == "release"
}

// ValidateWithContext validates configuration and runs production checks if appropriate
func (c *Config) ValidateWithContext() error {
	// Always run basic validation
	if err := c.Validate(); err != nil {
		return err
	}

	// Run production validation if in production mode
	if c.IsProduction() {
		if err := c.ValidateProduction(); err != nil {
			return fmt.Errorf("production validation failed: %w", err)
		}
	}

	return nil
}
