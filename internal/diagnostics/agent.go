// Package diagnostics attributes a period-over-period metric change to the
// dimension values and business events behind it.
package diagnostics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seanankenbruck/semantic-analytics/internal/auth"
	"github.com/seanankenbruck/semantic-analytics/internal/compiler"
	"github.com/seanankenbruck/semantic-analytics/internal/dremio"
	"github.com/seanankenbruck/semantic-analytics/internal/errors"
	"github.com/seanankenbruck/semantic-analytics/internal/observability"
	"github.com/seanankenbruck/semantic-analytics/internal/safety"
	"github.com/seanankenbruck/semantic-analytics/internal/semantic"
)

const (
	stepCompare   = "compare_periods"
	stepDecompose = "decompose"
	stepEvents    = "check_events"

	eventCountColumn = "event_count"
	nullValue        = "(null)"
)

// Executor runs approved SQL.
type Executor interface {
	Execute(ctx context.Context, sql string, maxRows int) (*dremio.ResultSet, error)
}

// Agent runs the fixed diagnostic recipe:
// ComparePeriods, DecomposeByDimension, CheckEvents, RankDrivers.
type Agent struct {
	compiler *compiler.Compiler
	gate     *safety.Gate
	executor Executor
	policy   semantic.Policy
	workers  int
	maxRows  int
	logger   *observability.Logger
}

// NewAgent creates a diagnostics agent. Sub-queries are compiled by comp,
// which should use the template producer so the recipe stays deterministic.
// Every sub-query is checked against policy before it runs; a nil policy
// means the grant-based capability policy.
func NewAgent(comp *compiler.Compiler, gate *safety.Gate, executor Executor, policy semantic.Policy, workers, maxRows int, logger *observability.Logger) *Agent {
	if workers < 1 {
		workers = 1
	}
	if policy == nil {
		policy = auth.NewCapabilityPolicy()
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Agent{
		compiler: comp,
		gate:     gate,
		executor: executor,
		policy:   policy,
		workers:  workers,
		maxRows:  maxRows,
		logger:   logger,
	}
}

// run tracks what one diagnostic spent.
type run struct {
	mu      sync.Mutex
	queries int
	cost    float64
}

func (r *run) add(cost float64) {
	r.mu.Lock()
	r.queries++
	r.cost += cost
	r.mu.Unlock()
}

type subResult struct {
	sql  string
	rows []map[string]interface{}
}

// Diagnose explains the change of the plan's first metric between its
// baseline and current periods. Any failure of the period comparison aborts
// the diagnostic; decomposition failures only drop the affected dimension.
func (a *Agent) Diagnose(ctx context.Context, plan *semantic.GroundedPlan, model *semantic.Model, user auth.UserContext) (*Result, error) {
	if plan == nil || len(plan.Metrics) == 0 {
		return nil, errors.NewDiagnosticUnavailableError(fmt.Errorf("plan has no metric"), "")
	}
	metric := plan.Metrics[0]
	if plan.TimePeriod == nil || plan.Baseline == nil {
		return nil, errors.NewDiagnosticUnavailableError(fmt.Errorf("plan has no comparison periods"), metric.Canonical)
	}

	start := time.Now()
	r := &run{}
	result := &Result{
		Metric:   metric.Canonical,
		Baseline: *plan.Baseline,
		Current:  *plan.TimePeriod,
		Drivers:  []Driver{},
	}

	if err := a.comparePeriods(ctx, plan, model, user, r, result); err != nil {
		return nil, err
	}

	if math.Abs(result.DeltaPct) < SignificantChangePct {
		result.Status = StatusUnclear
		result.Confidence = 0
		a.finish(ctx, r, result, start)
		return result, nil
	}

	drivers, dropped, err := a.decompose(ctx, plan, model, user, r, result)
	if err != nil {
		return nil, err
	}
	result.DroppedDimensions = dropped

	events, err := a.checkEvents(ctx, plan, model, user, r, result)
	if err != nil {
		return nil, err
	}
	result.Events = events

	result.Drivers = rankDrivers(drivers)
	result.Confidence = confidence(result.Drivers, result.Delta)
	result.Status = statusFor(result.Confidence, len(dropped))

	a.finish(ctx, r, result, start)
	return result, nil
}

func (a *Agent) finish(ctx context.Context, r *run, result *Result, start time.Time) {
	r.mu.Lock()
	result.QueriesExecuted = r.queries
	result.CostUnits = r.cost
	r.mu.Unlock()
	result.Narrative = narrative(result)

	a.logger.Info(ctx, "Diagnostic completed", map[string]interface{}{
		"metric":     result.Metric,
		"status":     string(result.Status),
		"confidence": result.Confidence,
		"drivers":    len(result.Drivers),
		"dropped":    result.DroppedDimensions,
		"skipped":    len(result.SkippedDimensions) + len(result.SkippedEvents),
		"queries":    result.QueriesExecuted,
		"duration":   time.Since(start).Milliseconds(),
	})
}

// subPlan builds a why-plan over the metric, the original filters and the
// given grouping dimensions.
func subPlan(plan *semantic.GroundedPlan, model *semantic.Model, dims []semantic.Dimension) (*semantic.GroundedPlan, error) {
	metric := plan.Metrics[0]
	sub := &semantic.GroundedPlan{
		QueryType:  semantic.QueryWhy,
		Metrics:    []semantic.GroundedMetric{metric},
		Filters:    plan.Filters,
		Policy:     plan.Policy,
		TimePeriod: plan.TimePeriod,
		Baseline:   plan.Baseline,
	}

	var tables []string
	for _, f := range plan.Filters {
		tables = append(tables, f.Dimension.SourceTable)
	}
	for _, d := range dims {
		sub.Dimensions = append(sub.Dimensions, semantic.GroundedDimension{
			Term:       d.Name,
			Canonical:  d.Name,
			MatchScore: 1,
			Dimension:  d,
		})
		tables = append(tables, d.SourceTable)
	}

	path, missing, ok := model.Graph().Connect(metric.Metric.SourceTable, tables)
	if !ok {
		return nil, fmt.Errorf("no join path from %s to %s", metric.Metric.SourceTable, missing)
	}
	sub.JoinPath = path
	return sub, nil
}

// authorize returns a POLICY_DENIED error for the first table whose domain
// the user is not granted.
func (a *Agent) authorize(user auth.UserContext, tables []string) error {
	for _, table := range tables {
		domain := semantic.Domain(table)
		if !a.policy.CheckAccess(user, domain, "") {
			return errors.NewPolicyDeniedError(domain, "")
		}
	}
	return nil
}

func isDenied(err error) bool {
	return errors.Is(err, errors.ErrCodePolicyDenied)
}

// execute runs one compiled sub-query through the gate. The reservation is
// returned when execution fails.
func (a *Agent) execute(ctx context.Context, query *compiler.CompiledQuery, user auth.UserContext, r *run) (*subResult, error) {
	decision, err := a.gate.Evaluate(ctx, query, user)
	if err != nil {
		return nil, err
	}

	rs, err := a.executor.Execute(ctx, query.SQL, a.maxRows)
	if err != nil {
		a.gate.Release(context.WithoutCancel(ctx), decision)
		return nil, err
	}
	r.add(decision.EstimatedCost)
	return &subResult{sql: query.SQL, rows: rs.Rows}, nil
}

func (a *Agent) comparePeriods(ctx context.Context, plan *semantic.GroundedPlan, model *semantic.Model, user auth.UserContext, r *run, result *Result) error {
	fail := func(err error) error {
		observability.RecordDiagnosticSubquery(stepCompare, err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Warn(ctx, "Period comparison failed", map[string]interface{}{
			"metric": result.Metric,
			"error":  err.Error(),
		})
		return errors.NewDiagnosticUnavailableError(err, result.Metric)
	}

	if plan.Metrics[0].Metric.TimeColumn == "" {
		return fail(fmt.Errorf("metric %s has no time column to compare periods on", result.Metric))
	}

	sub, err := subPlan(plan, model, nil)
	if err != nil {
		return fail(err)
	}
	if err := a.authorize(user, sub.Tables()); err != nil {
		observability.RecordDiagnosticSubquery(stepCompare, err)
		return err
	}
	query, err := a.compiler.Compile(ctx, sub)
	if err != nil {
		return fail(err)
	}
	out, err := a.execute(ctx, query, user, r)
	if err != nil {
		return fail(err)
	}
	observability.RecordDiagnosticSubquery(stepCompare, nil)

	for _, row := range out.rows {
		v, ok := toFloat(row[result.Metric])
		if !ok {
			continue
		}
		switch fmt.Sprint(row[compiler.PeriodColumn]) {
		case "current":
			result.CurrentValue += v
		case "baseline":
			result.BaselineValue += v
		}
	}
	result.Delta = result.CurrentValue - result.BaselineValue
	result.DeltaPct = percentChange(result.BaselineValue, result.CurrentValue)
	result.SQL = out.sql
	return nil
}

// decompose fans the candidate dimensions out over the worker pool. Each
// goroutine owns one slot, so completion order does not matter.
func (a *Agent) decompose(ctx context.Context, plan *semantic.GroundedPlan, model *semantic.Model, user auth.UserContext, r *run, result *Result) ([]Driver, []string, error) {
	dims := model.DecompositionDimensions(plan.Metrics[0].Metric)
	drivers := make([]*Driver, len(dims))
	failed := make([]bool, len(dims))
	denied := make([]bool, len(dims))

	var g errgroup.Group
	g.SetLimit(a.workers)
	for i, dim := range dims {
		i, dim := i, dim
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			d, err := a.decomposeDimension(ctx, plan, model, user, r, result, dim)
			observability.RecordDiagnosticSubquery(stepDecompose, err)
			if isDenied(err) {
				denied[i] = true
				return nil
			}
			if err != nil {
				failed[i] = true
				if ctx.Err() == nil {
					a.logger.Warn(ctx, "Dimension dropped from diagnostic", map[string]interface{}{
						"dimension": dim.Name,
						"error":     err.Error(),
					})
				}
				return nil
			}
			drivers[i] = d
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}

	var out []Driver
	var dropped []string
	for i, dim := range dims {
		if denied[i] {
			result.SkippedDimensions = append(result.SkippedDimensions, dim.Name)
			continue
		}
		if failed[i] {
			dropped = append(dropped, dim.Name)
			continue
		}
		if drivers[i] != nil {
			out = append(out, *drivers[i])
		}
	}
	return out, dropped, nil
}

type periodValues struct {
	baseline float64
	current  float64
	rows     []map[string]interface{}
}

// decomposeDimension returns the value of dim whose own change moved the
// metric most in the direction of the total change, or nil if no value did.
func (a *Agent) decomposeDimension(ctx context.Context, plan *semantic.GroundedPlan, model *semantic.Model, user auth.UserContext, r *run, result *Result, dim semantic.Dimension) (*Driver, error) {
	sub, err := subPlan(plan, model, []semantic.Dimension{dim})
	if err != nil {
		return nil, err
	}
	if err := a.authorize(user, sub.Tables()); err != nil {
		return nil, err
	}
	query, err := a.compiler.Compile(ctx, sub)
	if err != nil {
		return nil, err
	}
	out, err := a.execute(ctx, query, user, r)
	if err != nil {
		return nil, err
	}

	byValue := map[string]*periodValues{}
	for _, row := range out.rows {
		value := nullValue
		if raw := row[dim.Name]; raw != nil {
			value = fmt.Sprint(raw)
		}
		pv, ok := byValue[value]
		if !ok {
			pv = &periodValues{}
			byValue[value] = pv
		}
		pv.rows = append(pv.rows, row)

		v, _ := toFloat(row[result.Metric])
		switch fmt.Sprint(row[compiler.PeriodColumn]) {
		case "current":
			pv.current += v
		case "baseline":
			pv.baseline += v
		}
	}

	values := make([]string, 0, len(byValue))
	for v := range byValue {
		values = append(values, v)
	}
	sort.Strings(values)

	best := ""
	bestDelta := 0.0
	for _, v := range values {
		delta := byValue[v].current - byValue[v].baseline
		if delta == 0 || (delta > 0) != (result.Delta > 0) {
			continue
		}
		if math.Abs(delta) > math.Abs(bestDelta) {
			best, bestDelta = v, delta
		}
	}
	if best == "" {
		return nil, nil
	}

	return &Driver{
		Factor:        dim.Name + "=" + best,
		Dimension:     dim.Name,
		Value:         best,
		Impact:        bestDelta,
		ImpactPct:     bestDelta / result.Delta * 100,
		EvidenceQuery: out.sql,
		EvidenceData:  byValue[best].rows,
		order:         model.DimensionOrder(dim.Name),
	}, nil
}

// checkEvents counts the rows of every event table that overlap the current
// period. A table that cannot be queried contributes no evidence. Tables
// outside the user's domains are skipped without a query.
func (a *Agent) checkEvents(ctx context.Context, plan *semantic.GroundedPlan, model *semantic.Model, user auth.UserContext, r *run, result *Result) ([]Event, error) {
	var events []Event
	for _, et := range model.EventTables {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := a.authorize(user, []string{et.Table}); err != nil {
			result.SkippedEvents = append(result.SkippedEvents, et.Type)
			continue
		}

		sql := eventQuery(et, *plan.TimePeriod)
		count, err := a.countEvents(ctx, sql, et, user, r)
		observability.RecordDiagnosticSubquery(stepEvents, err)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.logger.Warn(ctx, "Event table skipped", map[string]interface{}{
				"event_type": et.Type,
				"table":      et.Table,
				"error":      err.Error(),
			})
			continue
		}
		if count > 0 {
			events = append(events, Event{Type: et.Type, Table: et.Table, Count: count, EvidenceQuery: sql})
		}
	}
	return events, nil
}

func (a *Agent) countEvents(ctx context.Context, sql string, et semantic.EventTable, user auth.UserContext, r *run) (int64, error) {
	query, err := a.compiler.Check(ctx, sql, []string{et.Table})
	if err != nil {
		return 0, err
	}
	out, err := a.execute(ctx, query, user, r)
	if err != nil {
		return 0, err
	}
	if len(out.rows) == 0 {
		return 0, nil
	}
	v, ok := toFloat(out.rows[0][eventCountColumn])
	if !ok {
		return 0, fmt.Errorf("event count missing from result")
	}
	return int64(v), nil
}

// eventQuery counts events whose lifetime overlaps the period. Events with no
// end column are point-in-time and must start inside it.
func eventQuery(et semantic.EventTable, period semantic.TimeRange) string {
	start, end := compiler.Timestamp(period.Start), compiler.Timestamp(period.End)
	if et.EndColumn == "" {
		return fmt.Sprintf("SELECT COUNT(*) AS %s FROM %s WHERE %s >= %s AND %s < %s",
			eventCountColumn, et.Table, et.StartColumn, start, et.StartColumn, end)
	}
	return fmt.Sprintf("SELECT COUNT(*) AS %s FROM %s WHERE %s < %s AND (%s IS NULL OR %s >= %s)",
		eventCountColumn, et.Table, et.StartColumn, end, et.EndColumn, et.EndColumn, start)
}

// rankDrivers orders drivers by descending absolute impact. Ties go to the
// dimension declared first in the model.
func rankDrivers(drivers []Driver) []Driver {
	ranked := make([]Driver, len(drivers))
	copy(ranked, drivers)
	sort.SliceStable(ranked, func(i, j int) bool {
		ai, aj := math.Abs(ranked[i].Impact), math.Abs(ranked[j].Impact)
		if ai != aj {
			return ai > aj
		}
		return ranked[i].order < ranked[j].order
	})
	return ranked
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
