package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/seanankenbruck/semantic-analytics/internal/config"
)

// Client interface for AI service integration
type Client interface {
	Generate(ctx context.Context, prompt string) (*Response, error)
	Name() string
}

// Response represents the response from the AI service
type Response struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

const (
	ProviderClaude = "claude"
	ProviderGemini = "gemini"

	MaxTokens   = 1024
	Temperature = 0.1 // Low temperature for consistent SQL generation
)

// NewClient builds the configured provider wrapped in a circuit breaker.
func NewClient(ctx context.Context, cfg config.LLMConfig) (*CircuitBreakerClient, error) {
	var (
		client Client
		err    error
	)
	switch strings.ToLower(cfg.Provider) {
	case ProviderClaude, "anthropic", "":
		client, err = NewClaudeClient(cfg.APIKey, cfg.Model, cfg.Timeout)
	case ProviderGemini:
		client, err = NewGeminiClient(ctx, cfg.APIKey, cfg.Model, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unsupported LLM provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewCircuitBreakerClient(client, DefaultCircuitBreakerConfig), nil
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}
