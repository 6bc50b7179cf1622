package observability

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanankenbruck/semantic-analytics/internal/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var lines []map[string]interface{}
	dec := json.NewDecoder(buf)
	for dec.More() {
		var m map[string]interface{}
		require.NoError(t, dec.Decode(&m))
		lines = append(lines, m)
	}
	return lines
}

func TestLoggerContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("test").WithOutput(&buf)

	ctx := WithTraceID(WithUserID(WithCorrelationID(context.Background(), "corr-1"), "u1"), "trace-1")
	logger.Named("stage").Error(ctx, "stage failed", stderrors.New("boom"), map[string]interface{}{"stage": "execute"})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, "stage failed", line["message"])
	assert.Equal(t, "test", line["component"])
	assert.Equal(t, "stage", line["subcomponent"])
	assert.Equal(t, "corr-1", line["correlation_id"])
	assert.Equal(t, "trace-1", line["trace_id"])
	assert.Equal(t, "u1", line["user_id"])
	assert.Equal(t, "boom", line["error"])
	assert.Equal(t, "execute", line["stage"])
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("test").WithOutput(&buf).WithLevel(ParseLogLevel("warn"))

	logger.Info(context.Background(), "hidden", nil)
	logger.Warn(context.Background(), "shown", nil)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["message"])

	assert.Equal(t, LevelInfo, ParseLogLevel("verbose"))
}

func TestHashSQL(t *testing.T) {
	assert.Empty(t, HashSQL(""))
	h := HashSQL("SELECT 1")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashSQL("SELECT 1"))
	assert.NotEqual(t, h, HashSQL("SELECT 2"))
}

func TestLogRecordEmitter(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogRecordEmitter(NewLogger("records").WithOutput(&buf))

	before := testutil.ToFloat64(queriesTotal.WithLabelValues("what", "ok"))
	emitter.Emit(context.Background(), RequestRecord{
		TraceID:       "t1",
		Intent:        "what",
		GroundedTerms: []string{"revenue"},
		SQLHash:       HashSQL("SELECT 1"),
		Approved:      true,
		Outcome:       "ok",
		RuntimeMs:     12,
	})

	assert.Equal(t, before+1, testutil.ToFloat64(queriesTotal.WithLabelValues("what", "ok")))
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "analytics_request", lines[0]["message"])
	assert.Equal(t, "t1", lines[0]["trace_id"])
	assert.Equal(t, true, lines[0]["approved"])
	assert.NotContains(t, buf.String(), "SELECT 1")
}

func TestHealthChecker(t *testing.T) {
	hc := NewHealthChecker()
	var calls int32
	hc.Register("redis", RedisHealthCheck(func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))
	hc.Register("llm", LLMHealthCheck(func(context.Context) error { return stderrors.New("breaker open") }))

	resp := hc.GetHealthResponse(context.Background())
	assert.Equal(t, HealthStatusDegraded, resp.Status)
	assert.Equal(t, HealthStatusHealthy, resp.Checks["redis"].Status)
	assert.Equal(t, HealthStatusDegraded, resp.Checks["llm"].Status)

	// cached for the TTL
	hc.Check(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	hc.Register("dremio", DremioHealthCheck(func(context.Context) error { return stderrors.New("down") }))
	assert.Equal(t, HealthStatusUnhealthy, hc.GetOverallStatus(context.Background()))
}

func TestHealthCheckerRunsChecksConcurrently(t *testing.T) {
	hc := NewHealthChecker()
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	slow := func(context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}
	hc.Register("a", DependencyHealthCheck("a", time.Second, false, slow))
	hc.Register("b", DependencyHealthCheck("b", time.Second, false, slow))

	done := make(chan map[string]*HealthCheck)
	go func() { done <- hc.Check(context.Background()) }()

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("checks did not start concurrently")
		}
	}
	close(release)
	assert.Len(t, <-done, 2)
}

func TestMemoryHealthCheck(t *testing.T) {
	tests := []struct {
		name        string
		used, total uint64
		want        HealthStatus
	}{
		{"normal", 10, 100, HealthStatusHealthy},
		{"high", 80, 100, HealthStatusDegraded},
		{"critical", 95, 100, HealthStatusUnhealthy},
		{"unknown total", 10, 0, HealthStatusHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := MemoryHealthCheck(func() (uint64, uint64) { return tt.used, tt.total })(context.Background())
			assert.Equal(t, tt.want, check.Status)
		})
	}
}

func TestMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("http").WithOutput(&buf)

	r := gin.New()
	r.Use(RecoveryMiddleware(logger), RequestLoggingMiddleware(logger), MetricsMiddleware())
	r.GET("/ok", func(c *gin.Context) {
		cid, _ := c.Get("correlation_id")
		c.String(http.StatusOK, cid.(string))
	})
	r.GET("/panic", func(c *gin.Context) { panic("kaboom") })
	r.GET("/metrics", gin.WrapH(MetricsHandler()))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-42", w.Body.String())
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/panic", nil)
	req.Header.Set(RequestIDHeader, "req-panic")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body errors.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, errors.ErrCodeInternal, body.Error.Code)
	assert.Equal(t, "req-panic", body.TraceID)
	assert.NotContains(t, w.Body.String(), "kaboom")
	assert.Contains(t, buf.String(), "Panic recovered")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), MetricHTTPRequests)
	assert.Contains(t, w.Body.String(), `status_class="2xx"`)
	assert.Contains(t, w.Body.String(), `route="/ok"`)

	n, err := testutil.GatherAndCount(Registry(), MetricHTTPRequests)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)
}

func TestRequestLogFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("http").WithOutput(&buf)

	r := gin.New()
	r.Use(RequestLoggingMiddleware(logger))
	r.GET("/api/v1/analytics/quota", func(c *gin.Context) {
		c.Set(UserKey, "u-7")
		c.Header(TraceHeader, "trace-9")
		c.Status(http.StatusOK)
	})
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/denied", func(c *gin.Context) { c.Status(http.StatusForbidden) })

	for _, path := range []string{"/api/v1/analytics/quota", "/health", "/denied"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2, "health and metrics routes log at debug")

	served := lines[0]
	assert.Equal(t, "HTTP request served", served["message"])
	assert.Equal(t, "/api/v1/analytics/quota", served["route"])
	assert.Equal(t, "u-7", served["user_id"])
	assert.Equal(t, "trace-9", served["trace_id"])
	assert.NotEmpty(t, served["correlation_id"])
	assert.EqualValues(t, 200, served["status"])

	rejected := lines[1]
	assert.Equal(t, "HTTP request rejected", rejected["message"])
	assert.Equal(t, "/denied", rejected["route"])
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{429, "4xx"},
		{503, "5xx"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusClass(tt.code))
	}
}

func TestHealthHandler(t *testing.T) {
	hc := NewHealthChecker()
	hc.Register("dremio", DremioHealthCheck(func(context.Context) error { return stderrors.New("down") }))

	r := gin.New()
	r.GET("/health", HealthHandler(hc))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
}
