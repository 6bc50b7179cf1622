package results

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanankenbruck/semantic-analytics/internal/compiler"
	"github.com/seanankenbruck/semantic-analytics/internal/diagnostics"
	"github.com/seanankenbruck/semantic-analytics/internal/dremio"
	"github.com/seanankenbruck/semantic-analytics/internal/errors"
	"github.com/seanankenbruck/semantic-analytics/internal/safety"
	"github.com/seanankenbruck/semantic-analytics/internal/semantic"
)

func execution(rows int, reflection string) Execution {
	return Execution{
		Query: &compiler.CompiledQuery{
			SQL:      "SELECT t1.category AS product_category, SUM(t0.order_amount) AS revenue FROM sales.orders t0",
			Producer: "template",
		},
		Decision: &safety.Decision{
			Approved:       true,
			EstimatedRows:  int64(rows),
			EstimatedCost:  3.5,
			ReflectionUsed: reflection,
			Quota:          safety.QuotaState{Used: 3.5, Limit: 1000, Unit: safety.CostUnit},
		},
		Result: &dremio.ResultSet{
			JobID:     "job-7",
			Columns:   cols("product_category", "revenue"),
			Rows:      categoryRows(rows),
			TotalRows: int64(rows),
			RuntimeMs: 420,
		},
	}
}

func TestFormatExecution(t *testing.T) {
	p := NewProcessor(100, nil)

	resp := p.FormatExecution(context.Background(), execution(5, "orders_by_category"))

	assert.Equal(t, ChartBar, resp.Visualization.Type)
	assert.Equal(t, []string{"product_category", "revenue"}, resp.Columns)
	assert.Len(t, resp.Data, 5)
	assert.Empty(t, resp.Warnings)
	assert.Equal(t, "Returned 5 rows of revenue by Product Category.", resp.Summary)

	assert.Equal(t, Metadata{
		SQL:            resp.Metadata.SQL,
		Producer:       "template",
		JobID:          "job-7",
		TotalRows:      5,
		DisplayedRows:  5,
		EstimatedRows:  5,
		EstimatedCost:  3.5,
		CostUnit:       "DCU",
		ReflectionUsed: "orders_by_category",
		RuntimeMs:      420,
		Quota:          &safety.QuotaState{Used: 3.5, Limit: 1000, Unit: "DCU"},
	}, resp.Metadata)
}

func TestFormatExecution_DisplayCap(t *testing.T) {
	p := NewProcessor(10, nil)

	resp := p.FormatExecution(context.Background(), execution(30, "r1"))

	assert.Len(t, resp.Data, 10)
	assert.True(t, resp.Metadata.Truncated)
	assert.Equal(t, int64(30), resp.Metadata.TotalRows)
	assert.Equal(t, 10, resp.Metadata.DisplayedRows)
	assert.Equal(t, []string{"Showing the first 10 of 30 rows."}, resp.Warnings)
	// the chart is chosen from every row, not the displayed ones
	assert.Equal(t, ChartBar, resp.Visualization.Type)
}

func TestFormatExecution_DefaultDisplayCap(t *testing.T) {
	assert.Equal(t, 1000, DefaultDisplayRowCap)

	resp := NewProcessor(0, nil).FormatExecution(context.Background(), execution(1200, "r1"))

	assert.Len(t, resp.Data, 1000)
	assert.True(t, resp.Metadata.Truncated)
	assert.Equal(t, []string{"Showing the first 1000 of 1200 rows."}, resp.Warnings)
}

func TestFormatExecution_EngineTotalAboveFetched(t *testing.T) {
	exec := execution(20, "r1")
	exec.Result.TotalRows = 5000

	resp := NewProcessor(100, nil).FormatExecution(context.Background(), exec)
	assert.Len(t, resp.Data, 20)
	assert.True(t, resp.Metadata.Truncated)
	assert.Equal(t, int64(5000), resp.Metadata.TotalRows)
}

func TestFormatExecution_NoReflectionWarning(t *testing.T) {
	resp := NewProcessor(100, nil).FormatExecution(context.Background(), execution(3, ""))
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "No reflection was used")
}

func TestFormatExecution_Empty(t *testing.T) {
	exec := execution(0, "r1")
	resp := NewProcessor(0, nil).FormatExecution(context.Background(), exec)

	assert.Equal(t, ChartTable, resp.Visualization.Type)
	assert.NotNil(t, resp.Data)
	assert.Equal(t, "The query returned no rows.", resp.Summary)
}

func TestFormatExecution_SingleValue(t *testing.T) {
	exec := execution(1, "r1")
	exec.Result.Columns = cols("revenue")
	exec.Result.Rows = []map[string]interface{}{{"revenue": 1250.0}}

	resp := NewProcessor(100, nil).FormatExecution(context.Background(), exec)
	assert.Equal(t, "Revenue: 1250", resp.Summary)
}

func diagnostic(status diagnostics.Status) *diagnostics.Result {
	return &diagnostics.Result{
		Status:        status,
		Confidence:    0.6,
		Metric:        "revenue",
		Baseline:      semantic.TimeRange{Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Label: "March 2024"},
		Current:       semantic.TimeRange{Start: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), Label: "April 2024"},
		BaselineValue: 1000,
		CurrentValue:  800,
		Delta:         -200,
		DeltaPct:      -20,
		Drivers: []diagnostics.Driver{
			{Factor: "region=EU", Dimension: "region", Value: "EU", Impact: -90},
			{Factor: "channel=online", Dimension: "channel", Value: "online", Impact: -30},
		},
		Narrative:       "Revenue dropped 200 (20.0%) from March 2024 to April 2024.",
		QueriesExecuted: 5,
		CostUnits:       10,
		SQL:             "SELECT ...",
	}
}

func TestFormatDiagnostic_Waterfall(t *testing.T) {
	p := NewProcessor(100, nil)

	resp := p.FormatDiagnostic(context.Background(), diagnostic(diagnostics.StatusDiagnosed))

	assert.Equal(t, ChartWaterfall, resp.Visualization.Type)
	assert.Equal(t, []map[string]interface{}{
		{"step": "Baseline (March 2024)", "value": 1000.0, "kind": "total"},
		{"step": "region=EU", "value": -90.0, "kind": "delta"},
		{"step": "channel=online", "value": -30.0, "kind": "delta"},
		{"step": "Current (April 2024)", "value": 800.0, "kind": "total"},
	}, resp.Data)
	assert.Equal(t, 5, resp.Metadata.QueriesExecuted)
	assert.Equal(t, 10.0, resp.Metadata.EstimatedCost)
	assert.Equal(t, "Revenue dropped 200 (20.0%) from March 2024 to April 2024.", resp.Summary)
	assert.Empty(t, resp.Warnings)
	assert.NotNil(t, resp.Diagnostic)
}

func TestFormatDiagnostic_AlwaysWaterfall(t *testing.T) {
	d := diagnostic(diagnostics.StatusUnclear)
	d.Drivers = []diagnostics.Driver{}

	resp := NewProcessor(100, nil).FormatDiagnostic(context.Background(), d)
	assert.Equal(t, ChartWaterfall, resp.Visualization.Type)
	assert.Len(t, resp.Data, 2)
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "Diagnostic status is unclear")
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
	}{
		{"", FormatMCP},
		{"mcp_standard", FormatMCP},
		{"ChatGPT_Enterprise", FormatChatGPT},
		{" aws_bedrock ", FormatBedrock},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseFormat("slack")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestEnvelope(t *testing.T) {
	p := NewProcessor(100, nil)
	resp := p.FormatExecution(context.Background(), execution(3, ""))

	t.Run("mcp", func(t *testing.T) {
		out, ok := Envelope(resp, FormatMCP).(*MCPResponse)
		require.True(t, ok)
		require.Len(t, out.Content, 2)
		assert.Equal(t, "text", out.Content[0].Type)
		assert.Contains(t, out.Content[0].Text, "Returned 3 rows")
		assert.Contains(t, out.Content[0].Text, "No reflection was used")
		assert.Same(t, resp, out.Content[1].Data)
		assert.False(t, out.IsError)
	})

	t.Run("chatgpt", func(t *testing.T) {
		out, ok := Envelope(resp, FormatChatGPT).(*ChatGPTResponse)
		require.True(t, ok)
		assert.Equal(t, "analytics_result", out.Content.Type)
		assert.Contains(t, out.Content.Markdown, "| product_category | revenue |")
		assert.Contains(t, out.Content.Markdown, "| cat-00 | 100 |")
		assert.Equal(t, ChartBar, out.Content.Visualization.Type)
		assert.Equal(t, "job-7", out.Metadata.JobID)
	})

	t.Run("bedrock", func(t *testing.T) {
		out := Envelope(resp, FormatBedrock)
		data, err := json.Marshal(out)
		require.NoError(t, err)

		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &decoded))
		response := decoded["response"].(map[string]interface{})
		assert.Equal(t, "semantic_analytics", response["actionGroup"])
		body := response["functionResponse"].(map[string]interface{})["responseBody"].(map[string]interface{})
		assert.Contains(t, body["TEXT"].(map[string]interface{})["body"], "Returned 3 rows")
		assert.Len(t, body["attachments"], 1)
	})
}

func TestMarkdownTable(t *testing.T) {
	rows := []map[string]interface{}{
		{"name": "a|b", "value": 1.5},
		{"name": "c", "value": nil},
		{"name": "d", "value": 3.0},
	}

	md := MarkdownTable([]string{"name", "value"}, rows, 2)
	assert.Equal(t,
		"| name | value |\n"+
			"| --- | --- |\n"+
			"| a\\|b | 1.50 |\n"+
			"| c |  |\n"+
			"\n_1 more rows not shown_\n",
		md)
	assert.Empty(t, MarkdownTable(nil, rows, 2))
}
