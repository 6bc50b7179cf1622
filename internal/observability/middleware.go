package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/seanankenbruck/semantic-analytics/internal/errors"
)

const (
	// RequestIDHeader carries the caller's correlation id, echoed back.
	RequestIDHeader = "X-Request-ID"
	// TraceHeader carries the pipeline trace id on every query response.
	TraceHeader = "X-Trace-ID"

	// CorrelationKey is the gin context key holding the correlation id.
	CorrelationKey = "correlation_id"
	// UserKey is the gin context key auth sets to the caller's id.
	UserKey = "user_id"
)

// quietRoutes are polled by health checkers and scrapers. They log at debug only.
var quietRoutes = map[string]bool{"/health": true, "/metrics": true}

// RequestLoggingMiddleware assigns a correlation id and writes one access
// log line per request. The line carries the pipeline trace id when the
// handler set one, which links it to the analytics_request record.
func RequestLoggingMiddleware(logger *Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader(RequestIDHeader)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Set(CorrelationKey, correlationID)
		c.Header(RequestIDHeader, correlationID)

		ctx := WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		// auth runs after this middleware, so pick the user up on the way out
		if uid := c.GetString(UserKey); uid != "" {
			ctx = WithUserID(ctx, uid)
		}
		if traceID := c.Writer.Header().Get(TraceHeader); traceID != "" {
			ctx = WithTraceID(ctx, traceID)
		}

		route := routeOf(c)
		status := c.Writer.Status()
		fields := map[string]interface{}{
			"http_method": c.Request.Method,
			"route":       route,
			"status":      status,
			"latency_ms":  time.Since(start).Milliseconds(),
			"bytes_out":   c.Writer.Size(),
			"client_ip":   c.ClientIP(),
		}

		switch {
		case len(c.Errors) > 0:
			fields["gin_errors"] = c.Errors.String()
			logger.Error(ctx, "HTTP request failed", c.Errors.Last().Err, fields)
		case status >= http.StatusInternalServerError:
			logger.Error(ctx, "HTTP request failed", nil, fields)
		case status >= http.StatusBadRequest:
			logger.Warn(ctx, "HTTP request rejected", fields)
		case quietRoutes[route]:
			logger.Debug(ctx, "HTTP request served", fields)
		default:
			logger.Info(ctx, "HTTP request served", fields)
		}
	}
}

// MetricsMiddleware counts requests per matched route and status class.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		RecordHTTPMetrics(c.Request.Method, routeOf(c), c.Writer.Status(), time.Since(start))
	}
}

// RecoveryMiddleware turns a handler panic into the standard INTERNAL_ERROR
// body so clients see one error shape.
func RecoveryMiddleware(logger *Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				err := fmt.Errorf("panic: %v", rec)
				logger.Error(c.Request.Context(), "Panic recovered", err, map[string]interface{}{
					"http_method": c.Request.Method,
					"route":       routeOf(c),
				})
				status, body := errors.ToResponse(err, c.GetString(CorrelationKey))
				c.AbortWithStatusJSON(status, body)
			}
		}()

		c.Next()
	}
}

// HealthHandler serves the aggregated health response. Only an unhealthy
// dependency fails the health check; degraded still serves traffic.
func HealthHandler(checker *HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		response := checker.GetHealthResponse(c.Request.Context())

		statusCode := http.StatusOK
		if response.Status == HealthStatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, response)
	}
}

// routeOf returns the matched route template so ids in paths do not explode
// label cardinality.
func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return fmt.Sprintf("%dxx", code/100)
}
