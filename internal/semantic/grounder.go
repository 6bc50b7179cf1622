package semantic

import (
	"context"

	"github.com/seanankenbruck/semantic-analytics/internal/auth"
	"github.com/seanankenbruck/semantic-analytics/internal/errors"
	"github.com/seanankenbruck/semantic-analytics/internal/observability"
)

// DefaultFuzzyThreshold is the minimum similarity for a term to ground.
const DefaultFuzzyThreshold = 0.8

// Policy is the access-control collaborator consulted during grounding.
type Policy interface {
	CheckAccess(user auth.UserContext, domain, metric string) bool
}

// GroundedMetric is a metric term resolved to its canonical definition.
type GroundedMetric struct {
	Term       string  `json:"term"`
	Canonical  string  `json:"canonical"`
	MatchScore float64 `json:"match_score"`
	Metric     Metric  `json:"definition"`
}

// GroundedDimension is a dimension term resolved to its canonical definition.
type GroundedDimension struct {
	Term       string    `json:"term"`
	Canonical  string    `json:"canonical"`
	MatchScore float64   `json:"match_score"`
	Dimension  Dimension `json:"definition"`
}

// GroundedFilter is an equality filter on a canonical dimension.
type GroundedFilter struct {
	Dimension Dimension `json:"dimension"`
	Op        string    `json:"op"`
	Value     string    `json:"value"`
}

// PolicyDecision records the outcome of the access checks.
type PolicyDecision struct {
	DomainAccess bool `json:"domain_access"`
	MetricAccess bool `json:"metric_access"`
}

// GroundedPlan is the grounder's output and the compiler's input.
type GroundedPlan struct {
	QueryType  QueryType           `json:"query_type"`
	Metrics    []GroundedMetric    `json:"metrics"`
	Dimensions []GroundedDimension `json:"dimensions"`
	Filters    []GroundedFilter    `json:"filters,omitempty"`
	JoinPath   []JoinEdge          `json:"join_path"`
	Policy     PolicyDecision      `json:"policy"`
	TimePeriod *TimeRange          `json:"time_period,omitempty"`
	Baseline   *TimeRange          `json:"baseline,omitempty"`
}

// BaseTable is the table the plan's first metric reads from.
func (p *GroundedPlan) BaseTable() string {
	if len(p.Metrics) == 0 {
		return ""
	}
	return p.Metrics[0].Metric.SourceTable
}

// Tables lists every table the plan may touch: the base table first, then
// join targets in path order, then any remaining source tables.
func (p *GroundedPlan) Tables() []string {
	seen := map[string]bool{}
	var tables []string
	add := func(t string) {
		if t != "" && !seen[t] {
			seen[t] = true
			tables = append(tables, t)
		}
	}
	add(p.BaseTable())
	for _, e := range p.JoinPath {
		add(e.FromTable)
		add(e.ToTable)
	}
	for _, m := range p.Metrics {
		add(m.Metric.SourceTable)
	}
	for _, d := range p.Dimensions {
		add(d.Dimension.SourceTable)
	}
	for _, f := range p.Filters {
		add(f.Dimension.SourceTable)
	}
	return tables
}

// Terms lists the canonical names grounded into the plan.
func (p *GroundedPlan) Terms() []string {
	var terms []string
	for _, m := range p.Metrics {
		terms = append(terms, m.Canonical)
	}
	for _, d := range p.Dimensions {
		terms = append(terms, d.Canonical)
	}
	return terms
}

// Grounder maps resolved terms onto the semantic model.
type Grounder struct {
	threshold float64
	policy    Policy
	logger    *observability.Logger
}

// NewGrounder creates a grounder. A non-positive threshold uses the default.
func NewGrounder(threshold float64, policy Policy, logger *observability.Logger) *Grounder {
	if threshold <= 0 {
		threshold = DefaultFuzzyThreshold
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Grounder{threshold: threshold, policy: policy, logger: logger}
}

// Threshold returns the acceptance threshold.
func (g *Grounder) Threshold() float64 {
	return g.threshold
}

// Match is the best candidate found for a term.
type Match struct {
	Canonical string
	Candidate string
	Score     float64
}

// Ground resolves every term of the intent, finds a join path covering all
// backing tables and checks the caller's access.
func (g *Grounder) Ground(ctx context.Context, intent ResolvedIntent, model *Model, user auth.UserContext) (*GroundedPlan, error) {
	if model == nil {
		return nil, errors.NewModelUnavailableError()
	}
	if len(intent.Metrics) == 0 {
		return nil, errors.NewNoMetricFoundError(intent.RawText)
	}

	plan := &GroundedPlan{
		QueryType:  intent.QueryType,
		TimePeriod: intent.TimePeriod,
		Baseline:   intent.Baseline,
	}

	seen := map[string]bool{}
	for _, term := range intent.Metrics {
		match := g.best(term, model, KindMetric)
		if match.Score < g.threshold {
			return nil, errors.NewTermNotMatchedError(term, match.Score, match.Candidate)
		}
		if seen[match.Canonical] {
			continue
		}
		seen[match.Canonical] = true
		metric, _ := model.Metric(match.Canonical)
		plan.Metrics = append(plan.Metrics, GroundedMetric{
			Term: term, Canonical: match.Canonical, MatchScore: match.Score, Metric: metric,
		})
	}

	for _, term := range intent.Dimensions {
		match := g.best(term, model, KindDimension)
		if match.Score < g.threshold {
			return nil, errors.NewTermNotMatchedError(term, match.Score, match.Candidate)
		}
		if seen[match.Canonical] {
			continue
		}
		seen[match.Canonical] = true
		dim, _ := model.Dimension(match.Canonical)
		plan.Dimensions = append(plan.Dimensions, GroundedDimension{
			Term: term, Canonical: match.Canonical, MatchScore: match.Score, Dimension: dim,
		})
	}

	for _, f := range intent.Filters {
		match := g.best(f.Term, model, KindDimension)
		if match.Score < g.threshold {
			return nil, errors.NewTermNotMatchedError(f.Term, match.Score, match.Candidate)
		}
		dim, _ := model.Dimension(match.Canonical)
		op := f.Op
		if op == "" {
			op = "="
		}
		plan.Filters = append(plan.Filters, GroundedFilter{Dimension: dim, Op: op, Value: f.Value})
	}

	path, err := g.joinPath(plan, model)
	if err != nil {
		return nil, err
	}
	plan.JoinPath = path

	if err := g.checkPolicy(plan, user); err != nil {
		g.logger.Warn(ctx, "Grounded plan denied by policy", map[string]interface{}{
			"terms": plan.Terms(),
		})
		return nil, err
	}

	g.logger.Debug(ctx, "Query grounded", map[string]interface{}{
		"terms":      plan.Terms(),
		"joins":      len(plan.JoinPath),
		"query_type": string(plan.QueryType),
	})
	return plan, nil
}

// MatchTerm scores a term against every canonical entry of the given kind.
func (g *Grounder) MatchTerm(term string, model *Model, kind TermKind) Match {
	return g.best(term, model, kind)
}

// best returns the highest-scoring canonical term. Ties go to the shorter
// canonical name, then the lexicographically smaller one.
func (g *Grounder) best(term string, model *Model, kind TermKind) Match {
	var names []string
	if kind == KindMetric {
		for _, m := range model.Metrics {
			names = append(names, m.Name)
		}
	} else {
		for _, d := range model.Dimensions {
			names = append(names, d.Name)
		}
	}

	var best Match
	found := false
	for _, canonical := range names {
		score, candidate := 0.0, ""
		for _, syn := range model.Dictionary()[canonical] {
			if s := Similarity(term, syn); s > score {
				score, candidate = s, syn
			}
		}
		m := Match{Canonical: canonical, Candidate: candidate, Score: score}
		if !found || better(m, best) {
			best, found = m, true
		}
	}
	return best
}

func better(a, b Match) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if len(a.Canonical) != len(b.Canonical) {
		return len(a.Canonical) < len(b.Canonical)
	}
	return a.Canonical < b.Canonical
}

func (g *Grounder) joinPath(plan *GroundedPlan, model *Model) ([]JoinEdge, error) {
	anchor := plan.BaseTable()
	var tables []string
	for _, m := range plan.Metrics[1:] {
		tables = append(tables, m.Metric.SourceTable)
	}
	for _, d := range plan.Dimensions {
		tables = append(tables, d.Dimension.SourceTable)
	}
	for _, f := range plan.Filters {
		tables = append(tables, f.Dimension.SourceTable)
	}

	edges, missing, ok := model.Graph().Connect(anchor, tables)
	if !ok {
		return nil, errors.NewUngroundablePlanError(anchor, missing)
	}
	return edges, nil
}

func (g *Grounder) checkPolicy(plan *GroundedPlan, user auth.UserContext) error {
	if g.policy == nil {
		return errors.NewPolicyDeniedError("*", "").
			WithDetails("no access policy is configured")
	}

	for _, table := range plan.Tables() {
		domain := Domain(table)
		if !g.policy.CheckAccess(user, domain, "") {
			return errors.NewPolicyDeniedError(domain, "")
		}
	}
	plan.Policy.DomainAccess = true

	for _, m := range plan.Metrics {
		domain := Domain(m.Metric.SourceTable)
		if !g.policy.CheckAccess(user, domain, m.Canonical) {
			return errors.NewPolicyDeniedError(domain, m.Canonical)
		}
	}
	plan.Policy.MetricAccess = true
	return nil
}
