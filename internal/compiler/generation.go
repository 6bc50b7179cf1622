package compiler

import (
	"context"
	"fmt"
	"strings"

	"github.com/seanankenbruck/semantic-analytics/internal/semantic"
)

// Generator is the natural-language-to-SQL collaborator.
type Generator interface {
	GenerateSQL(ctx context.Context, prompt string) (string, error)
}

// GenerationProducer delegates SQL writing to a Generator. Its output goes
// through the same validation as the template producer.
type GenerationProducer struct {
	generator Generator
}

// NewGenerationProducer creates a producer backed by generator.
func NewGenerationProducer(generator Generator) *GenerationProducer {
	return &GenerationProducer{generator: generator}
}

func (p *GenerationProducer) Name() string { return "generation" }

func (p *GenerationProducer) Produce(ctx context.Context, plan *semantic.GroundedPlan) (string, error) {
	sql, err := p.generator.GenerateSQL(ctx, BuildPrompt(plan))
	if err != nil {
		return "", err
	}
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return "", fmt.Errorf("generator returned an empty statement")
	}
	return sql, nil
}

// BuildPrompt describes the grounded plan to the generator. Only tables in
// the plan are mentioned.
func BuildPrompt(plan *semantic.GroundedPlan) string {
	var b strings.Builder

	b.WriteString("You are a Dremio SQL expert. Write one SQL query that answers the request below.\n\n")
	b.WriteString("IMPORTANT: Return ONLY the SQL. Use a single SELECT or WITH statement, fully qualified table names, ")
	b.WriteString("no SELECT *, and only the tables listed here.\n\n")

	b.WriteString("Tables:\n")
	for _, t := range plan.Tables() {
		b.WriteString(fmt.Sprintf("- %s\n", t))
	}

	b.WriteString("\nMetrics:\n")
	for _, m := range plan.Metrics {
		def := m.Metric
		b.WriteString(fmt.Sprintf("- %s = %s on %s", m.Canonical, def.Expression(def.Column), def.SourceTable))
		if def.TimeColumn != "" {
			b.WriteString(fmt.Sprintf(" (time column %s)", def.TimeColumn))
		}
		if def.Definition != "" {
			b.WriteString(fmt.Sprintf(": %s", def.Definition))
		}
		b.WriteString("\n")
	}

	if len(plan.Dimensions) > 0 {
		b.WriteString("\nGroup by:\n")
		for _, d := range plan.Dimensions {
			b.WriteString(fmt.Sprintf("- %s = %s.%s\n", d.Canonical, d.Dimension.SourceTable, d.Dimension.Column))
		}
	}

	if len(plan.JoinPath) > 0 {
		b.WriteString("\nJoins:\n")
		for _, e := range plan.JoinPath {
			b.WriteString(fmt.Sprintf("- %s\n", e.Condition()))
		}
	}

	if len(plan.Filters) > 0 {
		b.WriteString("\nFilters:\n")
		for _, f := range plan.Filters {
			b.WriteString(fmt.Sprintf("- %s.%s %s %s\n", f.Dimension.SourceTable, f.Dimension.Column, f.Op, quote(f.Value)))
		}
	}

	if plan.TimePeriod != nil {
		b.WriteString(fmt.Sprintf("\nTime range: %s\n", plan.TimePeriod))
	}
	if plan.Baseline != nil {
		b.WriteString(fmt.Sprintf("Baseline range: %s (label rows with a %s column of 'current' or 'baseline')\n",
			plan.Baseline, PeriodColumn))
	}

	b.WriteString("\nReturn only the SQL query:")
	return b.String()
}
