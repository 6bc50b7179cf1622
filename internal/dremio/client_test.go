package dremio

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanankenbruck/semantic-analytics/internal/config"
	"github.com/seanankenbruck/semantic-analytics/internal/errors"
)

// fakeEngine is a minimal jobs API. Every submitted statement completes
// after pendingPolls status calls.
type fakeEngine struct {
	t           *testing.T
	mu          sync.Mutex
	submitted   []string
	pendingPoll int
	polls       int32
	totalRows   int
	failJob     string
	planText    string
	pageLimits  []int
	cancelled   []string
	tables      map[string]bool
}

func (f *fakeEngine) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v3/sql", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, http.MethodPost, r.Method)
		assert.Equal(f.t, "Bearer test-pat", r.Header.Get("Authorization"))
		var body struct {
			SQL string `json:"sql"`
		}
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))

		f.mu.Lock()
		f.submitted = append(f.submitted, body.SQL)
		id := fmt.Sprintf("job-%d", len(f.submitted))
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"id": id})
	})

	mux.HandleFunc("/api/v3/job/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v3/job/"), "/")
		jobID := parts[0]

		switch {
		case len(parts) == 2 && parts[1] == "cancel":
			f.mu.Lock()
			f.cancelled = append(f.cancelled, jobID)
			f.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)

		case len(parts) == 2 && parts[1] == "results":
			offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			f.mu.Lock()
			f.pageLimits = append(f.pageLimits, limit)
			explain := strings.HasPrefix(f.submitted[len(f.submitted)-1], "EXPLAIN")
			f.mu.Unlock()

			if explain {
				json.NewEncoder(w).Encode(map[string]interface{}{
					"rowCount": 1,
					"schema":   []map[string]interface{}{{"name": "text", "type": map[string]string{"name": "VARCHAR"}}},
					"rows":     []map[string]interface{}{{"text": f.planText}},
				})
				return
			}

			var rows []map[string]interface{}
			for i := offset; i < offset+limit && i < f.totalRows; i++ {
				rows = append(rows, map[string]interface{}{"region": fmt.Sprintf("r%d", i), "revenue": float64(i)})
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"rowCount": f.totalRows,
				"schema": []map[string]interface{}{
					{"name": "region", "type": map[string]string{"name": "VARCHAR"}},
					{"name": "revenue", "type": map[string]string{"name": "DOUBLE"}},
				},
				"rows": rows,
			})

		default:
			state := JobCompleted
			if int(atomic.AddInt32(&f.polls, 1)) <= f.pendingPoll {
				state = "RUNNING"
			} else if f.failJob != "" {
				state = JobFailed
			}
			json.NewEncoder(w).Encode(Job{JobState: state, RowCount: int64(f.totalRows), ErrorMessage: f.failJob})
		}
	})

	mux.HandleFunc("/api/v3/catalog/by-path/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/v3/catalog/by-path/")
		if f.tables[path] {
			json.NewEncoder(w).Encode(map[string]string{"entityType": "dataset"})
			return
		}
		http.Error(w, `{"errorMessage":"not found"}`, http.StatusNotFound)
	})

	mux.HandleFunc("/api/v3/catalog", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeEngine) *Client {
	t.Helper()
	f.t = t
	server := httptest.NewServer(f.handler())
	t.Cleanup(server.Close)

	return NewClient(config.DremioConfig{
		URI:          server.URL + "/",
		PAT:          "test-pat",
		Timeout:      5 * time.Second,
		PollInterval: time.Millisecond,
		PageSize:     2000,
	})
}

func TestNewClient(t *testing.T) {
	c := NewClient(config.DremioConfig{URI: "https://dremio.local/", PageSize: 100})
	assert.Equal(t, "https://dremio.local", c.endpoint)
	assert.Equal(t, "/api/v3", c.base)
	assert.Equal(t, 100, c.pageSize)
	assert.Equal(t, 60*time.Second, c.queryTimeout)

	cloud := NewClient(config.DremioConfig{URI: "https://api.dremio.cloud", ProjectID: "p-1", PageSize: 5000})
	assert.Equal(t, "/v0/projects/p-1", cloud.base)
	assert.Equal(t, MaxPageSize, cloud.pageSize)
}

func TestClientExecute_Pages(t *testing.T) {
	f := &fakeEngine{totalRows: 1200, pendingPoll: 2}
	c := newTestClient(t, f)

	rs, err := c.Execute(context.Background(), "SELECT region, SUM(x) AS revenue FROM sales.orders GROUP BY region", 1100)
	require.NoError(t, err)

	assert.Equal(t, "job-1", rs.JobID)
	assert.Equal(t, int64(1200), rs.TotalRows)
	assert.Len(t, rs.Rows, 1100)
	assert.Equal(t, []Column{{Name: "region", Type: "VARCHAR"}, {Name: "revenue", Type: "DOUBLE"}}, rs.Columns)
	assert.Equal(t, "r1099", rs.Rows[1099]["region"])
	assert.Equal(t, []int{500, 500, 100}, f.pageLimits)
	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&f.polls)), 3)
}

func TestClientExecute_EmptyResult(t *testing.T) {
	f := &fakeEngine{totalRows: 0}
	c := newTestClient(t, f)

	rs, err := c.Execute(context.Background(), "SELECT region FROM sales.orders WHERE 1 = 0", 100)
	require.NoError(t, err)
	assert.Empty(t, rs.Rows)
	assert.Len(t, rs.Columns, 2)
}

func TestClientExecute_JobFailed(t *testing.T) {
	f := &fakeEngine{failJob: "Table 'orders' not found"}
	c := newTestClient(t, f)

	_, err := c.Execute(context.Background(), "SELECT 1", 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeExecutionFailed))

	// engine text stays out of the user-facing details
	enhanced, _ := errors.As(err)
	assert.NotContains(t, enhanced.Details, "orders")
}

func TestClientExecute_TimeoutCancelsJob(t *testing.T) {
	f := &fakeEngine{pendingPoll: 1 << 30}
	c := newTestClient(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Execute(ctx, "SELECT 1", 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeStageTimeout))
	enhanced, _ := errors.As(err)
	assert.Equal(t, "execute", enhanced.Metadata["stage"])

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"job-1"}, f.cancelled)
}

func TestClientExecute_CallerCancellation(t *testing.T) {
	f := &fakeEngine{pendingPoll: 1 << 30}
	c := newTestClient(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Execute(ctx, "SELECT 1", 10)
	assert.ErrorIs(t, err, context.Canceled)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"job-1"}, f.cancelled)
}

func TestClientEstimate(t *testing.T) {
	f := &fakeEngine{
		planText: "00-00 Screen : rowcount = 42.0, cumulative cost = {84.0 rows, 10.0 cpu, 3.5 io, 0.0 network}",
	}
	c := newTestClient(t, f)

	est, err := c.Estimate(context.Background(), "SELECT region FROM sales.orders")
	require.NoError(t, err)
	assert.Equal(t, int64(42), est.Rows)
	assert.Equal(t, 3.5, est.Cost)
	assert.Equal(t, []string{"EXPLAIN PLAN FOR SELECT region FROM sales.orders"}, f.submitted)
}

func TestClientEstimate_NoPlan(t *testing.T) {
	f := &fakeEngine{planText: "nothing useful"}
	c := newTestClient(t, f)

	_, err := c.Estimate(context.Background(), "SELECT 1")
	assert.True(t, errors.Is(err, errors.ErrCodeExecutionFailed))
}

func TestClientTableExists(t *testing.T) {
	f := &fakeEngine{tables: map[string]bool{"sales/orders": true}}
	c := newTestClient(t, f)

	ok, err := c.TableExists(context.Background(), "sales.orders")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.TableExists(context.Background(), "marketing.promotions")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClientTestConnection(t *testing.T) {
	c := newTestClient(t, &fakeEngine{})
	assert.NoError(t, c.TestConnection(context.Background()))

	unreachable := NewClient(config.DremioConfig{URI: "http://127.0.0.1:1", Timeout: time.Second})
	assert.Error(t, unreachable.TestConnection(context.Background()))
}

func TestPlanText(t *testing.T) {
	rows := []map[string]interface{}{
		{"text": "line one", "json": "{}"},
		{"PLAN": "line two"},
	}
	assert.Equal(t, "line one\nline two", planText(rows))
}
