package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck is the latest result for one dependency
type HealthCheck struct {
	Name        string                 `json:"name"`
	Status      HealthStatus           `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Duration    time.Duration          `json:"duration_ms"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// HealthChecker performs health checks on dependencies
type HealthChecker struct {
	checks map[string]HealthCheckFunc
	cache  map[string]*HealthCheck
	mu     sync.RWMutex
	ttl    time.Duration
}

// HealthCheckFunc is a function that performs a health check
type HealthCheckFunc func(context.Context) *HealthCheck

// NewHealthChecker creates a new health checker
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks: make(map[string]HealthCheckFunc),
		cache:  make(map[string]*HealthCheck),
		ttl:    5 * time.Second,
	}
}

// Register registers a health check
func (hc *HealthChecker) Register(name string, check HealthCheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// Check runs every registered check concurrently, reusing results younger
// than the cache TTL. A slow dependency does not hold up the others.
func (hc *HealthChecker) Check(ctx context.Context) map[string]*HealthCheck {
	now := time.Now()

	hc.mu.RLock()
	results := make(map[string]*HealthCheck, len(hc.checks))
	stale := make(map[string]HealthCheckFunc)
	for name, checkFunc := range hc.checks {
		if cached, ok := hc.cache[name]; ok && now.Sub(cached.LastChecked) < hc.ttl {
			results[name] = cached
			continue
		}
		stale[name] = checkFunc
	}
	hc.mu.RUnlock()

	if len(stale) == 0 {
		return results
	}

	var (
		g     errgroup.Group
		resMu sync.Mutex
	)
	for name, checkFunc := range stale {
		name, checkFunc := name, checkFunc
		g.Go(func() error {
			result := checkFunc(ctx)
			result.LastChecked = time.Now()
			resMu.Lock()
			results[name] = result
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	hc.mu.Lock()
	for name := range stale {
		hc.cache[name] = results[name]
	}
	hc.mu.Unlock()
	return results
}

// GetOverallStatus determines the overall health status
func (hc *HealthChecker) GetOverallStatus(ctx context.Context) HealthStatus {
	return overallStatus(hc.Check(ctx))
}

func overallStatus(checks map[string]*HealthCheck) HealthStatus {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case HealthStatusUnhealthy:
			hasUnhealthy = true
		case HealthStatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return HealthStatusUnhealthy
	}
	if hasDegraded {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status    HealthStatus            `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Checks    map[string]*HealthCheck `json:"checks"`
	Metadata  map[string]interface{}  `json:"metadata,omitempty"`
}

// GetHealthResponse returns a complete health response
func (hc *HealthChecker) GetHealthResponse(ctx context.Context) *HealthResponse {
	checks := hc.Check(ctx)

	return &HealthResponse{
		Status:    overallStatus(checks),
		Timestamp: time.Now(),
		Checks:    checks,
		Metadata: map[string]interface{}{
			"version": "1.0.0",
			"service": "semantic-analytics",
		},
	}
}

// DependencyHealthCheck pings a dependency with a bounded timeout. Failures are
// reported as unhealthy unless degradeOnly is set.
func DependencyHealthCheck(name string, timeout time.Duration, degradeOnly bool, ping func(context.Context) error) HealthCheckFunc {
	return func(ctx context.Context) *HealthCheck {
		start := time.Now()

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err := ping(ctx)
		duration := time.Since(start)

		if err != nil {
			status := HealthStatusUnhealthy
			if degradeOnly {
				status = HealthStatusDegraded
			}
			return &HealthCheck{
				Name:     name,
				Status:   status,
				Message:  fmt.Sprintf("%s check failed: %v", name, err),
				Duration: duration,
			}
		}

		return &HealthCheck{
			Name:     name,
			Status:   HealthStatusHealthy,
			Message:  fmt.Sprintf("%s reachable", name),
			Duration: duration,
			Metadata: map[string]interface{}{
				"response_time_ms": duration.Milliseconds(),
			},
		}
	}
}

// DatabaseHealthCheck creates a health check for the semantic model database
func DatabaseHealthCheck(pingFunc func(context.Context) error) HealthCheckFunc {
	return DependencyHealthCheck("database", 2*time.Second, false, pingFunc)
}

// RedisHealthCheck creates a health check for Redis connectivity
func RedisHealthCheck(pingFunc func(context.Context) error) HealthCheckFunc {
	return DependencyHealthCheck("redis", 2*time.Second, false, pingFunc)
}

// LLMHealthCheck creates a health check for the generation provider. The
// template compiler keeps working without it, so failures only degrade.
func LLMHealthCheck(checkFunc func(context.Context) error) HealthCheckFunc {
	return DependencyHealthCheck("llm_service", 5*time.Second, true, checkFunc)
}

// DremioHealthCheck creates a health check for the query engine
func DremioHealthCheck(queryFunc func(context.Context) error) HealthCheckFunc {
	return DependencyHealthCheck("dremio", 5*time.Second, false, queryFunc)
}

// MemoryHealthCheck creates a health check for memory usage
func MemoryHealthCheck(getMemoryUsage func() (used, total uint64)) HealthCheckFunc {
	return func(ctx context.Context) *HealthCheck {
		used, total := getMemoryUsage()
		usagePercent := 0.0
		if total > 0 {
			usagePercent = float64(used) / float64(total) * 100
		}

		status := HealthStatusHealthy
		message := "Memory usage normal"

		if usagePercent > 90 {
			status = HealthStatusUnhealthy
			message = "Memory usage critical"
		} else if usagePercent > 75 {
			status = HealthStatusDegraded
			message = "Memory usage high"
		}

		return &HealthCheck{
			Name:    "memory",
			Status:  status,
			Message: message,
			Metadata: map[string]interface{}{
				"used_bytes":    used,
				"total_bytes":   total,
				"usage_percent": usagePercent,
			},
		}
	}
}
