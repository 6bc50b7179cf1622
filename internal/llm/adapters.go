package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/seanankenbruck/semantic-analytics/internal/observability"
	"github.com/seanankenbruck/semantic-analytics/internal/semantic"
)

var (
	sqlFence   = regexp.MustCompile("(?s)```(?:sql|SQL)?\\s*\\n?(.*?)```")
	jsonObject = regexp.MustCompile(`(?s)\{.*\}`)
	sqlStart   = regexp.MustCompile(`(?i)^\s*(select|with)\b`)
)

// ExtractSQL pulls the statement out of a model reply. A fenced block wins;
// otherwise the reply must itself start with SELECT or WITH. A trailing
// semicolon is dropped.
func ExtractSQL(text string) (string, error) {
	candidate := strings.TrimSpace(text)
	if m := sqlFence.FindStringSubmatch(text); m != nil {
		candidate = strings.TrimSpace(m[1])
	}
	if !sqlStart.MatchString(candidate) {
		return "", fmt.Errorf("reply does not contain a SELECT statement")
	}
	return strings.TrimSpace(strings.TrimSuffix(candidate, ";")), nil
}

// SQLGenerator adapts a Client to the compiler's generation strategy.
type SQLGenerator struct {
	client Client
	logger *observability.Logger
}

func NewSQLGenerator(client Client, logger *observability.Logger) *SQLGenerator {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &SQLGenerator{client: client, logger: logger}
}

// GenerateSQL asks the model for one statement. The result is unvalidated.
func (g *SQLGenerator) GenerateSQL(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	resp, err := g.client.Generate(ctx, prompt)
	if err == nil {
		var sql string
		sql, err = ExtractSQL(resp.Text)
		if err == nil {
			observability.RecordLLMMetrics(g.client.Name(), "generate_sql", time.Since(start), nil)
			g.logger.Debug(ctx, "SQL generated", map[string]interface{}{
				"model":         resp.Model,
				"input_tokens":  resp.InputTokens,
				"output_tokens": resp.OutputTokens,
			})
			return sql, nil
		}
	}
	observability.RecordLLMMetrics(g.client.Name(), "generate_sql", time.Since(start), err)
	return "", err
}

const classifyPrompt = `Classify the analytics question below into exactly one intent:
- "what": a value, list, ranking or trend
- "why": an explanation of a change in a metric
- "compare": two periods or two segments side by side

Respond with JSON only, for example {"intent": "what", "confidence": 0.9}.

Question: %s`

type classification struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// IntentClassifier adapts a Client to the resolver's fallback classifier.
type IntentClassifier struct {
	client Client
}

func NewIntentClassifier(client Client) *IntentClassifier {
	return &IntentClassifier{client: client}
}

// ClassifyIntent returns the model's intent and its self-reported
// confidence clamped to [0, 1].
func (c *IntentClassifier) ClassifyIntent(ctx context.Context, text string) (semantic.QueryType, float64, error) {
	start := time.Now()
	queryType, confidence, err := c.classify(ctx, text)
	observability.RecordLLMMetrics(c.client.Name(), "classify_intent", time.Since(start), err)
	return queryType, confidence, err
}

func (c *IntentClassifier) classify(ctx context.Context, text string) (semantic.QueryType, float64, error) {
	resp, err := c.client.Generate(ctx, fmt.Sprintf(classifyPrompt, text))
	if err != nil {
		return "", 0, err
	}

	raw := jsonObject.FindString(resp.Text)
	if raw == "" {
		return "", 0, fmt.Errorf("classifier reply has no JSON object")
	}
	var out classification
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return "", 0, fmt.Errorf("invalid classifier reply: %w", err)
	}

	queryType := semantic.QueryType(strings.ToLower(strings.TrimSpace(out.Intent)))
	switch queryType {
	case semantic.QueryWhat, semantic.QueryWhy, semantic.QueryCompare:
	default:
		return "", 0, fmt.Errorf("unknown intent %q", out.Intent)
	}

	conf := out.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return queryType, conf, nil
}
