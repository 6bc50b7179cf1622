package dremio

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/seanankenbruck/semantic-analytics/internal/config"
	"github.com/seanankenbruck/semantic-analytics/internal/errors"
	"github.com/seanankenbruck/semantic-analytics/internal/safety"
)

// Job states reported by the jobs API.
const (
	JobCompleted = "COMPLETED"
	JobFailed    = "FAILED"
	JobCanceled  = "CANCELED"
)

// MaxPageSize is the largest page the results endpoint serves.
const MaxPageSize = 500

// Job is the status document of a submitted query.
type Job struct {
	JobState           string `json:"jobState"`
	RowCount           int64  `json:"rowCount"`
	ErrorMessage       string `json:"errorMessage,omitempty"`
	CancellationReason string `json:"cancellationReason,omitempty"`
}

func (j *Job) terminal() bool {
	return j.JobState == JobCompleted || j.JobState == JobFailed || j.JobState == JobCanceled
}

// Column is one column of a result schema.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ResultSet is the rows pulled for one job. TotalRows is the engine's row
// count and may exceed len(Rows).
type ResultSet struct {
	JobID     string                   `json:"job_id"`
	Columns   []Column                 `json:"columns"`
	Rows      []map[string]interface{} `json:"rows"`
	TotalRows int64                    `json:"total_rows"`
	RuntimeMs int64                    `json:"runtime_ms"`
}

type resultsPage struct {
	RowCount int64 `json:"rowCount"`
	Schema   []struct {
		Name string `json:"name"`
		Type struct {
			Name string `json:"name"`
		} `json:"type"`
	} `json:"schema"`
	Rows []map[string]interface{} `json:"rows"`
}

// Client talks to the Dremio REST API. Software deployments use /api/v3,
// cloud projects use /v0/projects/{id}.
type Client struct {
	endpoint     string
	base         string
	token        string
	httpClient   *http.Client
	queryTimeout time.Duration
	pollInterval time.Duration
	pageSize     int
}

// NewClient creates a Dremio client from configuration.
func NewClient(cfg config.DremioConfig) *Client {
	queryTimeout := 60 * time.Second
	if cfg.Timeout > 0 {
		queryTimeout = cfg.Timeout
	}
	poll := 250 * time.Millisecond
	if cfg.PollInterval > 0 {
		poll = cfg.PollInterval
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	base := "/api/v3"
	if cfg.ProjectID != "" {
		base = "/v0/projects/" + url.PathEscape(cfg.ProjectID)
	}

	return &Client{
		endpoint:     strings.TrimSuffix(cfg.URI, "/"),
		base:         base,
		token:        cfg.PAT,
		httpClient:   &http.Client{},
		queryTimeout: queryTimeout,
		pollInterval: poll,
		pageSize:     pageSize,
	}
}

// statusError is a non-2xx reply.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("dremio returned status %d: %s", e.status, e.body)
}

// doRequest sends a request and decodes a JSON reply into out when out is non-nil.
func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, body, out interface{}) error {
	reqURL := c.endpoint + c.base + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{status: resp.StatusCode, body: string(data)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// withTimeout applies the configured query timeout when ctx has no deadline.
func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.queryTimeout)
}

// Submit starts a query job and returns its id.
func (c *Client) Submit(ctx context.Context, sql string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/sql", nil, map[string]string{"sql": sql}, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("job submission returned no id")
	}
	return resp.ID, nil
}

// JobStatus fetches the status of a job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := c.doRequest(ctx, http.MethodGet, "/job/"+url.PathEscape(jobID), nil, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Cancel asks the engine to stop a job.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	return c.doRequest(ctx, http.MethodPost, "/job/"+url.PathEscape(jobID)+"/cancel", nil, nil, nil)
}

// cancelDetached cancels a job after the caller's context is gone.
func (c *Client) cancelDetached(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.Cancel(ctx, jobID)
}

// wait polls a job until it reaches a terminal state. When ctx ends first
// the job is cancelled on a best-effort basis.
func (c *Client) wait(ctx context.Context, jobID string) (*Job, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		job, err := c.JobStatus(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				c.cancelDetached(jobID)
				return nil, ctx.Err()
			}
			return nil, err
		}
		if job.terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			c.cancelDetached(jobID)
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// results fetches one page of a completed job.
func (c *Client) results(ctx context.Context, jobID string, offset, limit int) (*resultsPage, error) {
	params := url.Values{}
	params.Set("offset", fmt.Sprintf("%d", offset))
	params.Set("limit", fmt.Sprintf("%d", limit))

	var page resultsPage
	if err := c.doRequest(ctx, http.MethodGet, "/job/"+url.PathEscape(jobID)+"/results", params, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// run submits sql and waits for it to complete.
func (c *Client) run(ctx context.Context, sql string) (string, *Job, error) {
	jobID, err := c.Submit(ctx, sql)
	if err != nil {
		return "", nil, err
	}
	job, err := c.wait(ctx, jobID)
	if err != nil {
		return jobID, nil, err
	}
	switch job.JobState {
	case JobFailed:
		return jobID, job, fmt.Errorf("job %s failed: %s", jobID, job.ErrorMessage)
	case JobCanceled:
		return jobID, job, fmt.Errorf("job %s was cancelled: %s", jobID, job.CancellationReason)
	}
	return jobID, job, nil
}

// Execute runs sql and pulls at most maxRows rows, page by page.
func (c *Client) Execute(ctx context.Context, sql string, maxRows int) (*ResultSet, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	start := time.Now()

	jobID, job, err := c.run(ctx, sql)
	if err != nil {
		return nil, classify(ctx, "execute", err)
	}

	rs := &ResultSet{JobID: jobID, TotalRows: job.RowCount}
	want := job.RowCount
	if maxRows >= 0 && int64(maxRows) < want {
		want = int64(maxRows)
	}

	for offset := 0; int64(offset) < want || offset == 0; {
		limit := c.pageSize
		if remaining := want - int64(offset); remaining < int64(limit) {
			limit = int(remaining)
		}
		if limit <= 0 {
			limit = 1
		}

		page, err := c.results(ctx, jobID, offset, limit)
		if err != nil {
			if ctx.Err() != nil {
				c.cancelDetached(jobID)
			}
			return nil, classify(ctx, "execute", err)
		}
		if rs.Columns == nil {
			for _, col := range page.Schema {
				rs.Columns = append(rs.Columns, Column{Name: col.Name, Type: col.Type.Name})
			}
		}
		rs.Rows = append(rs.Rows, page.Rows...)
		if len(page.Rows) == 0 {
			break
		}
		offset += len(page.Rows)
	}

	if int64(len(rs.Rows)) > want {
		rs.Rows = rs.Rows[:want]
	}
	rs.RuntimeMs = time.Since(start).Milliseconds()
	return rs, nil
}

// Estimate runs EXPLAIN PLAN FOR sql and parses the plan text. The query
// itself is never executed.
func (c *Client) Estimate(ctx context.Context, sql string) (*safety.Estimate, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	jobID, _, err := c.run(ctx, "EXPLAIN PLAN FOR "+sql)
	if err != nil {
		return nil, classify(ctx, "estimate", err)
	}
	page, err := c.results(ctx, jobID, 0, MaxPageSize)
	if err != nil {
		return nil, classify(ctx, "estimate", err)
	}

	est, err := safety.ParsePlan(planText(page.Rows))
	if err != nil {
		return nil, errors.NewExecutionFailedError(err).WithDetails("The query plan carried no estimate")
	}
	return est, nil
}

// planText joins the "text" column of EXPLAIN output, falling back to every
// string value when the column is named differently.
func planText(rows []map[string]interface{}) string {
	var lines []string
	for _, row := range rows {
		if s, ok := row["text"].(string); ok {
			lines = append(lines, s)
			continue
		}
		for _, v := range row {
			if s, ok := v.(string); ok {
				lines = append(lines, s)
			}
		}
	}
	return strings.Join(lines, "\n")
}

// TableExists reports whether a dotted table path resolves in the catalog.
func (c *Client) TableExists(ctx context.Context, table string) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var segments []string
	for _, s := range strings.Split(table, ".") {
		segments = append(segments, url.PathEscape(s))
	}

	err := c.doRequest(ctx, http.MethodGet, "/catalog/by-path/"+strings.Join(segments, "/"), nil, nil, nil)
	var se *statusError
	switch {
	case err == nil:
		return true, nil
	case stderrors.As(err, &se) && se.status == http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("catalog lookup for %s failed: %w", table, err)
	}
}

// TestConnection checks that the catalog root is reachable with the token.
func (c *Client) TestConnection(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.doRequest(ctx, http.MethodGet, "/catalog", nil, nil, nil); err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// classify maps transport failures onto pipeline error kinds. A deadline is
// a stage timeout, a plain cancellation stays a context error, and the rest
// is an execution failure. Engine messages go into the cause, not the details.
func classify(ctx context.Context, stage string, err error) error {
	switch {
	case stderrors.Is(ctx.Err(), context.DeadlineExceeded) || stderrors.Is(err, context.DeadlineExceeded):
		return errors.NewStageTimeoutError(stage, err)
	case ctx.Err() != nil:
		return ctx.Err()
	}
	if _, ok := errors.As(err); ok {
		return err
	}
	return errors.NewExecutionFailedError(err)
}
