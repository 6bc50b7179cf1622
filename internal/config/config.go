package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Database configuration (semantic model store)
	Database DatabaseConfig

	// Redis configuration (quota ledger, sessions)
	Redis RedisConfig

	// Dremio query engine configuration
	Dremio DremioConfig

	// LLM generation configuration
	LLM LLMConfig

	// Authentication configuration
	Auth AuthConfig

	// Server configuration
	Server ServerConfig

	// Pipeline configuration
	Pipeline PipelineConfig

	// LogLevel is the minimum level written by loggers
	LogLevel string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	SSLMode  string
}

// DSN returns the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.Username, d.Password, d.Database, d.SSLMode)
}

// URL returns the connection URL used by golang-migrate.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DremioConfig holds query engine configuration
type DremioConfig struct {
	URI          string
	PAT          string
	ProjectID    string
	Timeout      time.Duration
	PollInterval time.Duration
	PageSize     int
}

// LLMConfig holds generation provider configuration
type LLMConfig struct {
	Provider string // "claude" or "gemini"
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// AuthConfig holds authentication and authorization configuration
type AuthConfig struct {
	JWTSecret      string
	JWTExpiry      time.Duration
	SessionExpiry  time.Duration
	RateLimit      int
	AllowAnonymous bool
	AdminPassword  string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port    string
	GinMode string
}

// PipelineConfig holds the semantic query pipeline options
type PipelineConfig struct {
	FuzzyThreshold     float64
	IntentFloor        float64
	MaxRows            int64
	MaxCostPerQuery    float64
	QuotaPerWindow     float64
	QuotaWindow        time.Duration
	QuotaBackend       string // "memory" or "redis"
	SchemaAllowlist    []string
	UseGeneration      bool
	DisplayRowCap      int
	ModelSource        string // "file" or "postgres"
	ModelPath          string
	DiagnosticsWorkers int

	ResolveTimeout     time.Duration
	GenerationTimeout  time.Duration
	EstimateTimeout    time.Duration
	ExecuteTimeout     time.Duration
	DiagnosticsTimeout time.Duration
}

// DefaultSchemaAllowlist lists the schemas queryable out of the box.
var DefaultSchemaAllowlist = []string{"sales", "commerce", "customer", "finance", "marketing", "inventory"}

// Loader handles loading configuration from various sources
type Loader struct {
	provider SecretProvider
}

// NewLoader creates a new configuration loader with the given secret provider
func NewLoader(provider SecretProvider) *Loader {
	return &Loader{
		provider: provider,
	}
}

// NewDefaultLoader creates a loader with the default provider chain:
// 1. the mounted semantic-analytics Kubernetes Secret (inside a pod)
// 2. secret files under SECRETS_DIR, or DefaultSecretsDir
// 3. environment variables, ANALYTICS_KEY before KEY
func NewDefaultLoader() *Loader {
	secretsDir := os.Getenv("SECRETS_DIR")
	if secretsDir == "" {
		secretsDir = DefaultSecretsDir
	}
	providers := []SecretProvider{
		NewK8sProvider("", ""),
		NewFileProvider(secretsDir),
		NewPrefixedEnvProvider("ANALYTICS"),
	}

	return &Loader{
		provider: NewChainProvider(providers...),
	}
}

// Load loads the complete configuration
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	cfg := &Config{
		LogLevel: l.getString(ctx, "LOG_LEVEL", "info"),
	}

	cfg.Database = DatabaseConfig{
		Host:     l.getString(ctx, "DB_HOST", "localhost"),
		Port:     l.getString(ctx, "DB_PORT", "5432"),
		Database: l.getString(ctx, "DB_NAME", "semantic_analytics"),
		Username: l.getString(ctx, "DB_USER", "analytics"),
		Password: l.getString(ctx, "DB_PASSWORD", ""),
		SSLMode:  l.getString(ctx, "DB_SSLMODE", "disable"),
	}

	cfg.Redis = RedisConfig{
		Addr:     l.getString(ctx, "REDIS_ADDR", "localhost:6379"),
		Password: l.getString(ctx, "REDIS_PASSWORD", ""),
		DB:       l.getInt(ctx, "REDIS_DB", 0),
	}

	cfg.Dremio = DremioConfig{
		URI:          l.getString(ctx, "DREMIO_URI", "http://localhost:9047"),
		PAT:          l.getString(ctx, "DREMIO_PAT", ""),
		ProjectID:    l.getString(ctx, "DREMIO_PROJECT_ID", ""),
		Timeout:      l.getDuration(ctx, "DREMIO_TIMEOUT", 30*time.Second),
		PollInterval: l.getDuration(ctx, "DREMIO_POLL_INTERVAL", 250*time.Millisecond),
		PageSize:     l.getInt(ctx, "DREMIO_PAGE_SIZE", 500),
	}

	cfg.LLM = LLMConfig{
		Provider: l.getString(ctx, "LLM_PROVIDER", "claude"),
		APIKey:   l.getString(ctx, "LLM_API_KEY", ""),
		Model:    l.getString(ctx, "LLM_MODEL", ""),
		Timeout:  l.getDuration(ctx, "LLM_TIMEOUT", 20*time.Second),
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = defaultModelFor(cfg.LLM.Provider)
	}

	cfg.Auth = AuthConfig{
		JWTSecret:      l.getString(ctx, "JWT_SECRET", ""),
		JWTExpiry:      l.getDuration(ctx, "JWT_EXPIRY", 24*time.Hour),
		SessionExpiry:  l.getDuration(ctx, "SESSION_EXPIRY", 7*24*time.Hour),
		RateLimit:      l.getInt(ctx, "RATE_LIMIT", 60),
		AllowAnonymous: l.getBool(ctx, "ALLOW_ANONYMOUS", false),
		AdminPassword:  l.getString(ctx, "ADMIN_PASSWORD", ""),
	}

	cfg.Server = ServerConfig{
		Port:    l.getString(ctx, "PORT", "8080"),
		GinMode: l.getString(ctx, "GIN_MODE", "debug"),
	}

	cfg.Pipeline = PipelineConfig{
		FuzzyThreshold:     l.getFloat(ctx, "FUZZY_THRESHOLD", 0.8),
		IntentFloor:        l.getFloat(ctx, "INTENT_CONFIDENCE_FLOOR", 0.7),
		MaxRows:            int64(l.getInt(ctx, "MAX_ROWS", 1_000_000)),
		MaxCostPerQuery:    l.getFloat(ctx, "MAX_COST_PER_QUERY", 100),
		QuotaPerWindow:     l.getFloat(ctx, "QUOTA_PER_WINDOW", 1000),
		QuotaWindow:        l.getDuration(ctx, "QUOTA_WINDOW", 24*time.Hour),
		QuotaBackend:       l.getString(ctx, "QUOTA_BACKEND", "memory"),
		SchemaAllowlist:    l.getSlice(ctx, "SCHEMA_ALLOWLIST", DefaultSchemaAllowlist),
		UseGeneration:      l.getBool(ctx, "USE_GENERATION", false),
		DisplayRowCap:      l.getInt(ctx, "DISPLAY_ROW_CAP", 1000),
		ModelSource:        l.getString(ctx, "MODEL_SOURCE", "file"),
		ModelPath:          l.getString(ctx, "MODEL_PATH", ""),
		DiagnosticsWorkers: l.getInt(ctx, "DIAGNOSTICS_WORKERS", 4),
		ResolveTimeout:     l.getDuration(ctx, "RESOLVE_TIMEOUT", 5*time.Second),
		GenerationTimeout:  l.getDuration(ctx, "GENERATION_TIMEOUT", 20*time.Second),
		EstimateTimeout:    l.getDuration(ctx, "ESTIMATE_TIMEOUT", 15*time.Second),
		ExecuteTimeout:     l.getDuration(ctx, "EXECUTE_TIMEOUT", 60*time.Second),
		DiagnosticsTimeout: l.getDuration(ctx, "DIAGNOSTICS_TIMEOUT", 2*time.Minute),
	}

	return cfg, nil
}

func defaultModelFor(provider string) string {
	switch provider {
	case "gemini":
		return "gemini-2.0-flash"
	default:
		return "claude-3-5-haiku-20241022"
	}
}

// Helper methods for retrieving and parsing configuration values

func (l *Loader) getString(ctx context.Context, key, defaultValue string) string {
	value, err := l.provider.GetSecret(ctx, key)
	if err != nil || value == "" {
		return defaultValue
	}
	return value
}

func (l *Loader) getBool(ctx context.Context, key string, defaultValue bool) bool {
	value, err := l.provider.GetSecret(ctx, key)
	if err != nil || value == "" {
		return defaultValue
	}

	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

func (l *Loader) getInt(ctx context.Context, key string, defaultValue int) int {
	value, err := l.provider.GetSecret(ctx, key)
	if err != nil || value == "" {
		return defaultValue
	}

	// allow 1_000_000 style literals
	i, err := strconv.Atoi(strings.ReplaceAll(value, "_", ""))
	if err != nil {
		return defaultValue
	}
	return i
}

func (l *Loader) getFloat(ctx context.Context, key string, defaultValue float64) float64 {
	value, err := l.provider.GetSecret(ctx, key)
	if err != nil || value == "" {
		return defaultValue
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func (l *Loader) getDuration(ctx context.Context, key string, defaultValue time.Duration) time.Duration {
	value, err := l.provider.GetSecret(ctx, key)
	if err != nil || value == "" {
		return defaultValue
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func (l *Loader) getSlice(ctx context.Context, key string, defaultValue []string) []string {
	value, err := l.provider.GetSecret(ctx, key)
	if err != nil || value == "" {
		return defaultValue
	}

	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// MustLoad loads configuration and panics on error
// Useful for application startup
func (l *Loader) MustLoad(ctx context.Context) *Config {
	cfg, err := l.Load(ctx)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
