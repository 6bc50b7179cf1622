package dremio

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/seanankenbruck/semantic-analytics/internal/errors"
	"github.com/seanankenbruck/semantic-analytics/internal/observability"
	"github.com/seanankenbruck/semantic-analytics/internal/safety"
)

// CircuitBreakerConfig defines circuit breaker configuration for the engine
type CircuitBreakerConfig struct {
	MaxRequests uint32        // Max requests allowed in half-open state
	Interval    time.Duration // Window for counting failures
	Timeout     time.Duration // Duration circuit stays open before trying recovery
	ReadyToTrip func(counts gobreaker.Counts) bool
}

// DefaultCircuitBreakerConfig opens after 5 consecutive failures, or 60% of
// at least 3 requests failing inside the interval.
var DefaultCircuitBreakerConfig = CircuitBreakerConfig{
	MaxRequests: 1,
	Interval:    10 * time.Second,
	Timeout:     30 * time.Second,
	ReadyToTrip: func(counts gobreaker.Counts) bool {
		failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
		return counts.Requests >= 3 && (counts.ConsecutiveFailures >= 5 || failureRatio >= 0.6)
	},
}

// CircuitBreakerClient wraps a Client so a failing engine is rejected fast.
// An open breaker fails the call; it never retries.
type CircuitBreakerClient struct {
	client  *Client
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreakerClient creates a breaker-wrapped client.
func NewCircuitBreakerClient(client *Client, name string, config CircuitBreakerConfig, logger *observability.Logger) *CircuitBreakerClient {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: config.ReadyToTrip,
		// a caller hanging up says nothing about engine health
		IsSuccessful: func(err error) bool {
			return err == nil || stderrors.Is(err, context.Canceled) || errors.Is(err, errors.ErrCodeQuotaExceeded)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			observability.RecordBreakerState(name, int(to))
			logger.Warn(context.Background(), "Circuit breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	}

	return &CircuitBreakerClient{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func breakerError(err error) error {
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.NewExecutionFailedError(err).
			WithDetails("The query engine is unavailable").
			WithSuggestion("Try again shortly.")
	}
	return err
}

// Estimate wraps the client's Estimate with circuit breaker protection
func (cb *CircuitBreakerClient) Estimate(ctx context.Context, sql string) (*safety.Estimate, error) {
	result, err := cb.breaker.Execute(func() (interface{}, error) {
		return cb.client.Estimate(ctx, sql)
	})
	if err != nil {
		return nil, breakerError(err)
	}
	return result.(*safety.Estimate), nil
}

// Execute wraps the client's Execute with circuit breaker protection
func (cb *CircuitBreakerClient) Execute(ctx context.Context, sql string, maxRows int) (*ResultSet, error) {
	result, err := cb.breaker.Execute(func() (interface{}, error) {
		return cb.client.Execute(ctx, sql, maxRows)
	})
	if err != nil {
		return nil, breakerError(err)
	}
	return result.(*ResultSet), nil
}

// TableExists wraps the client's TableExists with circuit breaker protection
func (cb *CircuitBreakerClient) TableExists(ctx context.Context, table string) (bool, error) {
	result, err := cb.breaker.Execute(func() (interface{}, error) {
		return cb.client.TableExists(ctx, table)
	})
	if err != nil {
		return false, breakerError(err)
	}
	return result.(bool), nil
}

// TestConnection wraps the client's TestConnection with circuit breaker protection
func (cb *CircuitBreakerClient) TestConnection(ctx context.Context) error {
	_, err := cb.breaker.Execute(func() (interface{}, error) {
		return nil, cb.client.TestConnection(ctx)
	})
	return breakerError(err)
}

// Cancel is passed straight through; cancelling must work while the breaker is open.
func (cb *CircuitBreakerClient) Cancel(ctx context.Context, jobID string) error {
	return cb.client.Cancel(ctx, jobID)
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreakerClient) State() gobreaker.State {
	return cb.breaker.State()
}

// Counts returns the current failure counts
func (cb *CircuitBreakerClient) Counts() gobreaker.Counts {
	return cb.breaker.Counts()
}
