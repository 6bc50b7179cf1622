package results

import (
	"fmt"
	"strings"

	"github.com/seanankenbruck/semantic-analytics/internal/errors"
)

// Format is a client response envelope.
type Format string

const (
	FormatMCP     Format = "mcp_standard"
	FormatChatGPT Format = "chatgpt_enterprise"
	FormatBedrock Format = "aws_bedrock"

	markdownPreviewRows = 10
	bedrockActionGroup  = "semantic_analytics"
)

// ParseFormat maps a requested format name onto a Format. Empty selects MCP.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatMCP, nil
	case FormatMCP, FormatChatGPT, FormatBedrock:
		return f, nil
	}
	return "", errors.NewInvalidInputError("response_format",
		fmt.Sprintf("unsupported format %q, use %s, %s or %s", s, FormatMCP, FormatChatGPT, FormatBedrock))
}

// MCPContent is one MCP content block.
type MCPContent struct {
	Type string             `json:"type"`
	Text string             `json:"text,omitempty"`
	Data *FormattedResponse `json:"data,omitempty"`
}

// MCPResponse is the MCP tool-result envelope.
type MCPResponse struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError"`
}

// ChatGPTResponse is the ChatGPT Enterprise action envelope.
type ChatGPTResponse struct {
	Content struct {
		Type          string                   `json:"type"`
		Markdown      string                   `json:"markdown"`
		Narrative     string                   `json:"narrative,omitempty"`
		Visualization Visualization            `json:"visualization"`
		Data          []map[string]interface{} `json:"data"`
	} `json:"content"`
	Metadata Metadata `json:"metadata"`
	Warnings []string `json:"warnings,omitempty"`
}

// BedrockAttachment carries structured data next to the text body.
type BedrockAttachment struct {
	ContentType string             `json:"contentType"`
	Data        *FormattedResponse `json:"data"`
}

// BedrockResponse is the Bedrock agent action-group envelope.
type BedrockResponse struct {
	MessageVersion string `json:"messageVersion"`
	Response       struct {
		ActionGroup      string `json:"actionGroup"`
		Function         string `json:"function"`
		FunctionResponse struct {
			ResponseBody struct {
				Text struct {
					Body string `json:"body"`
				} `json:"TEXT"`
				Attachments []BedrockAttachment `json:"attachments"`
			} `json:"responseBody"`
		} `json:"functionResponse"`
	} `json:"response"`
}

// Envelope wraps resp for the target client.
func Envelope(resp *FormattedResponse, format Format) interface{} {
	switch format {
	case FormatChatGPT:
		out := &ChatGPTResponse{Metadata: resp.Metadata, Warnings: resp.Warnings}
		out.Content.Type = "analytics_result"
		out.Content.Markdown = MarkdownTable(resp.Columns, resp.Data, markdownPreviewRows)
		out.Content.Narrative = resp.Summary
		out.Content.Visualization = resp.Visualization
		out.Content.Data = resp.Data
		return out

	case FormatBedrock:
		out := &BedrockResponse{MessageVersion: "1.0"}
		out.Response.ActionGroup = bedrockActionGroup
		out.Response.Function = "query_data"
		body := &out.Response.FunctionResponse.ResponseBody
		body.Text.Body = textBody(resp)
		body.Attachments = []BedrockAttachment{{ContentType: "application/json", Data: resp}}
		return out
	}

	return &MCPResponse{
		Content: []MCPContent{
			{Type: "text", Text: textBody(resp)},
			{Type: "resource", Data: resp},
		},
	}
}

func textBody(resp *FormattedResponse) string {
	if len(resp.Warnings) == 0 {
		return resp.Summary
	}
	return resp.Summary + "\n\n" + strings.Join(resp.Warnings, "\n")
}

// MarkdownTable renders up to limit rows as a GitHub-flavoured table.
func MarkdownTable(columns []string, rows []map[string]interface{}, limit int) string {
	if len(columns) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("| " + strings.Join(escapeCells(columns), " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(columns)) + "\n")
	for i, row := range rows {
		if i == limit {
			break
		}
		cells := make([]string, len(columns))
		for j, c := range columns {
			cells[j] = cell(row[c])
		}
		b.WriteString("| " + strings.Join(escapeCells(cells), " | ") + " |\n")
	}
	if len(rows) > limit {
		b.WriteString(fmt.Sprintf("\n_%d more rows not shown_\n", len(rows)-limit))
	}
	return b.String()
}

func cell(v interface{}) string {
	switch n := v.(type) {
	case nil:
		return ""
	case float64:
		if n == float64(int64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
		return fmt.Sprintf("%.2f", n)
	}
	return fmt.Sprint(v)
}

func escapeCells(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = strings.ReplaceAll(strings.ReplaceAll(c, "|", `\|`), "\n", " ")
	}
	return out
}
