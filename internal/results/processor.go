// Package results turns executed queries and diagnostics into client
// responses: capped rows, a chart choice, metadata and warnings.
package results

import (
	"context"
	"fmt"
	"strings"

	"github.com/seanankenbruck/semantic-analytics/internal/compiler"
	"github.com/seanankenbruck/semantic-analytics/internal/diagnostics"
	"github.com/seanankenbruck/semantic-analytics/internal/dremio"
	"github.com/seanankenbruck/semantic-analytics/internal/observability"
	"github.com/seanankenbruck/semantic-analytics/internal/safety"
)

// DefaultDisplayRowCap bounds the rows sent to a client. It is independent
// of, and smaller than, the safety gate's row limit.
const DefaultDisplayRowCap = 1000

// Metadata travels with every response regardless of the display cap.
type Metadata struct {
	SQL             string             `json:"sql,omitempty"`
	Producer        string             `json:"producer,omitempty"`
	JobID           string             `json:"job_id,omitempty"`
	TotalRows       int64              `json:"total_rows"`
	DisplayedRows   int                `json:"displayed_rows"`
	Truncated       bool               `json:"truncated"`
	EstimatedRows   int64              `json:"estimated_rows"`
	EstimatedCost   float64            `json:"estimated_cost"`
	CostUnit        string             `json:"cost_unit"`
	ReflectionUsed  string             `json:"reflection_used,omitempty"`
	RuntimeMs       int64              `json:"runtime_ms"`
	QueriesExecuted int                `json:"queries_executed,omitempty"`
	Quota           *safety.QuotaState `json:"quota,omitempty"`
	TraceID         string             `json:"trace_id,omitempty"`
}

// FormattedResponse is the format-neutral response. Envelope wraps it for a
// specific client.
type FormattedResponse struct {
	Summary       string                   `json:"summary"`
	Visualization Visualization            `json:"visualization"`
	Columns       []string                 `json:"columns"`
	Data          []map[string]interface{} `json:"data"`
	Diagnostic    *diagnostics.Result      `json:"diagnostic,omitempty"`
	Metadata      Metadata                 `json:"metadata"`
	Warnings      []string                 `json:"warnings,omitempty"`
}

// Execution is everything the standard path knows about an executed query.
type Execution struct {
	Query    *compiler.CompiledQuery
	Decision *safety.Decision
	Result   *dremio.ResultSet
}

// Processor formats results.
type Processor struct {
	displayCap int
	logger     *observability.Logger
}

// NewProcessor creates a results processor. A cap below 1 uses the default.
func NewProcessor(displayCap int, logger *observability.Logger) *Processor {
	if displayCap < 1 {
		displayCap = DefaultDisplayRowCap
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Processor{displayCap: displayCap, logger: logger}
}

// FormatExecution formats the rows of an approved, executed query. The chart
// is chosen from every returned row; only the display copy is capped.
func (p *Processor) FormatExecution(ctx context.Context, exec Execution) *FormattedResponse {
	rs := exec.Result
	if rs == nil {
		rs = &dremio.ResultSet{}
	}

	resp := &FormattedResponse{
		Visualization: SelectVisualization(rs.Columns, rs.Rows),
		Columns:       columnNames(rs.Columns),
		Metadata: Metadata{
			JobID:     rs.JobID,
			TotalRows: rs.TotalRows,
			RuntimeMs: rs.RuntimeMs,
			CostUnit:  safety.CostUnit,
		},
	}
	if resp.Metadata.TotalRows < int64(len(rs.Rows)) {
		resp.Metadata.TotalRows = int64(len(rs.Rows))
	}
	if exec.Query != nil {
		resp.Metadata.SQL = exec.Query.SQL
		resp.Metadata.Producer = exec.Query.Producer
	}
	if d := exec.Decision; d != nil {
		resp.Metadata.EstimatedRows = d.EstimatedRows
		resp.Metadata.EstimatedCost = d.EstimatedCost
		resp.Metadata.ReflectionUsed = d.ReflectionUsed
		quota := d.Quota
		resp.Metadata.Quota = &quota
		if d.ReflectionUsed == "" {
			resp.Warnings = append(resp.Warnings, "No reflection was used; the query scanned source data directly.")
		}
	}

	resp.Data = p.capRows(rs.Rows, resp)
	resp.Summary = summarize(resp)

	p.logger.Debug(ctx, "Results formatted", map[string]interface{}{
		"visualization": string(resp.Visualization.Type),
		"total_rows":    resp.Metadata.TotalRows,
		"displayed":     resp.Metadata.DisplayedRows,
	})
	return resp
}

// FormatDiagnostic formats a diagnostic as a waterfall running from the
// baseline value through each driver to the current value.
func (p *Processor) FormatDiagnostic(ctx context.Context, result *diagnostics.Result) *FormattedResponse {
	rows := []map[string]interface{}{
		{"step": fmt.Sprintf("Baseline (%s)", result.Baseline.Label), "value": result.BaselineValue, "kind": "total"},
	}
	for _, d := range result.Drivers {
		rows = append(rows, map[string]interface{}{"step": d.Factor, "value": d.Impact, "kind": "delta"})
	}
	rows = append(rows, map[string]interface{}{
		"step": fmt.Sprintf("Current (%s)", result.Current.Label), "value": result.CurrentValue, "kind": "total",
	})

	resp := &FormattedResponse{
		Summary: result.Narrative,
		Visualization: Visualization{
			Type:   ChartWaterfall,
			X:      "step",
			Y:      []string{"value"},
			Title:  fmt.Sprintf("%s change drivers", label(result.Metric)),
			XLabel: "Step",
			YLabel: label(result.Metric),
		},
		Columns:    []string{"step", "value", "kind"},
		Diagnostic: result,
		Metadata: Metadata{
			SQL:             result.SQL,
			Producer:        "template",
			TotalRows:       int64(len(rows)),
			EstimatedCost:   result.CostUnits,
			CostUnit:        safety.CostUnit,
			QueriesExecuted: result.QueriesExecuted,
		},
	}
	resp.Data = p.capRows(rows, resp)

	if result.Status != diagnostics.StatusDiagnosed {
		resp.Warnings = append(resp.Warnings,
			fmt.Sprintf("Diagnostic status is %s (confidence %.2f); the drivers may not fully explain the change.",
				result.Status, result.Confidence))
	}

	p.logger.Debug(ctx, "Diagnostic formatted", map[string]interface{}{
		"status":  string(result.Status),
		"drivers": len(result.Drivers),
	})
	return resp
}

func (p *Processor) capRows(rows []map[string]interface{}, resp *FormattedResponse) []map[string]interface{} {
	if rows == nil {
		rows = []map[string]interface{}{}
	}
	if len(rows) > p.displayCap {
		resp.Metadata.Truncated = true
		resp.Warnings = append(resp.Warnings,
			fmt.Sprintf("Showing the first %d of %d rows.", p.displayCap, resp.Metadata.TotalRows))
		rows = rows[:p.displayCap]
	} else if resp.Metadata.TotalRows > int64(len(rows)) {
		resp.Metadata.Truncated = true
		resp.Warnings = append(resp.Warnings,
			fmt.Sprintf("Showing the first %d of %d rows.", len(rows), resp.Metadata.TotalRows))
	}
	resp.Metadata.DisplayedRows = len(rows)
	return rows
}

func columnNames(cols []dremio.Column) []string {
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name)
	}
	return names
}

func summarize(resp *FormattedResponse) string {
	total := resp.Metadata.TotalRows
	switch {
	case total == 0:
		return "The query returned no rows."
	case total == 1 && len(resp.Data) == 1 && len(resp.Columns) == 1:
		col := resp.Columns[0]
		return fmt.Sprintf("%s: %v", label(col), resp.Data[0][col])
	}

	parts := []string{fmt.Sprintf("Returned %d rows", total)}
	if v := resp.Visualization; v.Type != ChartTable && v.Title != "" {
		parts = append(parts, strings.ToLower(v.Title[:1])+v.Title[1:])
	}
	return strings.Join(parts, " of ") + "."
}
