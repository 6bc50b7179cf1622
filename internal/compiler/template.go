package compiler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/seanankenbruck/semantic-analytics/internal/semantic"
)

const timestampLayout = "2006-01-02 15:04:05.000"

// PeriodColumn is the categorical column compare queries add to tell the
// baseline and current periods apart.
const PeriodColumn = "period"

// TemplateProducer renders SQL deterministically from the plan. The same
// plan always yields byte-identical SQL.
type TemplateProducer struct{}

// NewTemplateProducer creates the template producer.
func NewTemplateProducer() *TemplateProducer {
	return &TemplateProducer{}
}

func (p *TemplateProducer) Name() string { return "template" }

func (p *TemplateProducer) Produce(_ context.Context, plan *semantic.GroundedPlan) (string, error) {
	return RenderTemplate(plan)
}

// RenderTemplate builds an aggregate query for the plan:
//
//	SELECT <dimensions>, <metrics>
//	FROM <base> t0 JOIN <table> t1 ON ...
//	WHERE <filters> AND <time range>
//	GROUP BY <dimensions>
//	ORDER BY <first metric> DESC
func RenderTemplate(plan *semantic.GroundedPlan) (string, error) {
	if plan == nil || len(plan.Metrics) == 0 {
		return "", fmt.Errorf("plan has no metrics")
	}

	aliases := map[string]string{}
	for i, t := range plan.Tables() {
		aliases[t] = fmt.Sprintf("t%d", i)
	}

	joins, err := renderJoins(plan, aliases)
	if err != nil {
		return "", err
	}

	var selects, groups, where []string

	for _, d := range plan.Dimensions {
		col := qualify(d.Dimension.Column, aliases[d.Dimension.SourceTable])
		selects = append(selects, fmt.Sprintf("%s AS %s", col, d.Canonical))
		groups = append(groups, col)
	}

	timeCol := ""
	for _, m := range plan.Metrics {
		if m.Metric.TimeColumn != "" {
			timeCol = qualify(m.Metric.TimeColumn, aliases[m.Metric.SourceTable])
			break
		}
	}

	comparing := plan.QueryType != semantic.QueryWhat && plan.TimePeriod != nil && plan.Baseline != nil && timeCol != ""
	if comparing {
		period := fmt.Sprintf("CASE WHEN %s THEN 'current' ELSE 'baseline' END", rangePredicate(timeCol, *plan.TimePeriod))
		selects = append(selects, fmt.Sprintf("%s AS %s", period, PeriodColumn))
		groups = append(groups, period)
	}

	for _, m := range plan.Metrics {
		expr := m.Metric.Expression(qualify(m.Metric.Column, aliases[m.Metric.SourceTable]))
		selects = append(selects, fmt.Sprintf("%s AS %s", expr, m.Canonical))
	}

	for _, f := range plan.Filters {
		col := qualify(f.Dimension.Column, aliases[f.Dimension.SourceTable])
		op := "="
		if f.Op == "!=" || f.Op == "<>" {
			op = "<>"
		}
		where = append(where, fmt.Sprintf("%s %s %s", col, op, quote(f.Value)))
	}

	switch {
	case comparing:
		where = append(where, fmt.Sprintf("((%s) OR (%s))",
			rangePredicate(timeCol, *plan.Baseline), rangePredicate(timeCol, *plan.TimePeriod)))
	case plan.TimePeriod != nil && timeCol != "":
		where = append(where, rangePredicate(timeCol, *plan.TimePeriod))
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(selects, ", "))
	b.WriteString("\nFROM ")
	b.WriteString(plan.BaseTable())
	b.WriteString(" ")
	b.WriteString(aliases[plan.BaseTable()])
	for _, j := range joins {
		b.WriteString("\n")
		b.WriteString(j)
	}
	if len(where) > 0 {
		b.WriteString("\nWHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if len(groups) > 0 {
		b.WriteString("\nGROUP BY ")
		b.WriteString(strings.Join(groups, ", "))
	}
	b.WriteString("\nORDER BY ")
	if comparing {
		b.WriteString(PeriodColumn + ", ")
	}
	b.WriteString(plan.Metrics[0].Canonical)
	b.WriteString(" DESC")
	return b.String(), nil
}

// renderJoins orders the join path so every edge attaches a new table to one
// that is already joined.
func renderJoins(plan *semantic.GroundedPlan, aliases map[string]string) ([]string, error) {
	joined := map[string]bool{plan.BaseTable(): true}
	var out []string

	for _, e := range plan.JoinPath {
		from, to, fromCol, toCol := e.FromTable, e.ToTable, e.FromColumn, e.ToColumn
		switch {
		case joined[from] && joined[to]:
			continue
		case joined[to]:
			from, to, fromCol, toCol = to, from, toCol, fromCol
		case !joined[from]:
			return nil, fmt.Errorf("join edge %s -> %s is not connected to %s", from, to, plan.BaseTable())
		}
		out = append(out, fmt.Sprintf("JOIN %s %s ON %s.%s = %s.%s",
			to, aliases[to], aliases[from], fromCol, aliases[to], toCol))
		joined[to] = true
	}

	for _, t := range plan.Tables() {
		if !joined[t] {
			return nil, fmt.Errorf("table %s is not reachable from %s", t, plan.BaseTable())
		}
	}
	return out, nil
}

// qualify prefixes every bare column reference in expr with alias. Function
// names, keywords, literals and already qualified names are left alone.
func qualify(expr, alias string) string {
	if alias == "" {
		return expr
	}
	tokens := Tokenize(expr)
	var b strings.Builder
	last := 0
	for i, tok := range tokens {
		if tok.Type != TokenIdent {
			continue
		}
		if peek(tokens, i-1).Type == TokenDot {
			continue
		}
		if next := peek(tokens, i+1); next.Type == TokenLParen || next.Type == TokenDot {
			continue
		}
		b.WriteString(expr[last:tok.Offset])
		b.WriteString(alias)
		b.WriteString(".")
		last = tok.Offset
	}
	b.WriteString(expr[last:])
	return b.String()
}

func rangePredicate(col string, r semantic.TimeRange) string {
	return fmt.Sprintf("%s >= %s AND %s < %s", col, Timestamp(r.Start), col, Timestamp(r.End))
}

// Timestamp renders t as a UTC timestamp literal.
func Timestamp(t time.Time) string {
	return "TIMESTAMP '" + t.UTC().Format(timestampLayout) + "'"
}

func quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}
