// Package processor runs the semantic analytics pipeline for one question:
// resolve, ground, then either diagnose (why) or compile, gate and execute,
// and finally format for the requesting client.
package processor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/seanankenbruck/semantic-analytics/internal/auth"
	"github.com/seanankenbruck/semantic-analytics/internal/compiler"
	"github.com/seanankenbruck/semantic-analytics/internal/diagnostics"
	"github.com/seanankenbruck/semantic-analytics/internal/dremio"
	"github.com/seanankenbruck/semantic-analytics/internal/errors"
	"github.com/seanankenbruck/semantic-analytics/internal/observability"
	"github.com/seanankenbruck/semantic-analytics/internal/resolver"
	"github.com/seanankenbruck/semantic-analytics/internal/results"
	"github.com/seanankenbruck/semantic-analytics/internal/safety"
	"github.com/seanankenbruck/semantic-analytics/internal/semantic"
)

// Stage names used for timeouts, metrics and STAGE_TIMEOUT errors.
const (
	StageResolve     = "resolve"
	StageCompile     = "compile"
	StageEstimate    = "estimate"
	StageExecute     = "execute"
	StageDiagnostics = "diagnostics"

	outcomeOK        = "ok"
	outcomeCancelled = "cancelled"
)

// QueryRequest represents an incoming natural language question
type QueryRequest struct {
	Query          string `json:"query" binding:"required"`
	SessionID      string `json:"session_id,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// QueryResponse is a formatted answer plus the envelope it should be sent in.
type QueryResponse struct {
	TraceID  string
	Format   results.Format
	Response *results.FormattedResponse
}

// Envelope wraps the response for its client format.
func (r *QueryResponse) Envelope() interface{} {
	return results.Envelope(r.Response, r.Format)
}

// Diagnoser explains a metric change for why questions.
type Diagnoser interface {
	Diagnose(ctx context.Context, plan *semantic.GroundedPlan, model *semantic.Model, user auth.UserContext) (*diagnostics.Result, error)
}

// Executor runs approved SQL.
type Executor interface {
	Execute(ctx context.Context, sql string, maxRows int) (*dremio.ResultSet, error)
}

// Pipeline bundles the stage implementations.
type Pipeline struct {
	Store     *semantic.Store
	Resolver  *resolver.Resolver
	Grounder  *semantic.Grounder
	Compiler  *compiler.Compiler
	Gate      *safety.Gate
	Executor  Executor
	Diagnoser Diagnoser
	Results   *results.Processor
}

// ProcessorConfig holds per-stage deadlines and the execution row budget.
// A zero timeout leaves the stage bounded only by the request context.
type ProcessorConfig struct {
	ResolveTimeout     time.Duration
	GenerationTimeout  time.Duration
	EstimateTimeout    time.Duration
	ExecuteTimeout     time.Duration
	DiagnosticsTimeout time.Duration

	// FetchRows is how many result rows are pulled from the engine.
	FetchRows int
}

// QueryProcessor is the main service struct
type QueryProcessor struct {
	pipeline      Pipeline
	config        ProcessorConfig
	records       observability.RecordEmitter
	logger        *observability.Logger
	healthChecker *observability.HealthChecker
	newTraceID    func() string
}

// NewQueryProcessor creates a query processor. records may be nil, in which
// case request records go to the processor's logger.
func NewQueryProcessor(pipeline Pipeline, config ProcessorConfig, records observability.RecordEmitter, logger *observability.Logger) *QueryProcessor {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if records == nil {
		records = observability.NewLogRecordEmitter(logger)
	}
	if config.FetchRows <= 0 {
		config.FetchRows = results.DefaultDisplayRowCap
	}
	return &QueryProcessor{
		pipeline:   pipeline,
		config:     config,
		records:    records,
		logger:     logger,
		newTraceID: func() string { return uuid.New().String() },
	}
}

// SetHealthChecker sets the health checker served on /health
func (qp *QueryProcessor) SetHealthChecker(healthChecker *observability.HealthChecker) {
	qp.healthChecker = healthChecker
}

// ProcessQuery answers one question for user. Every run, successful or not,
// emits exactly one request record. A trace id already on ctx is reused.
func (qp *QueryProcessor) ProcessQuery(ctx context.Context, req *QueryRequest, user auth.UserContext) (resp *QueryResponse, err error) {
	start := time.Now()
	traceID := observability.GetTraceID(ctx)
	if traceID == "" {
		traceID = qp.newTraceID()
		ctx = observability.WithTraceID(ctx, traceID)
	}
	if user.UserID != "" {
		ctx = observability.WithUserID(ctx, user.UserID)
	}

	rec := observability.RequestRecord{
		TraceID:   traceID,
		UserID:    user.UserID,
		SessionID: user.SessionID,
	}
	if req.SessionID != "" {
		rec.SessionID = req.SessionID
	}
	defer func() {
		rec.RuntimeMs = time.Since(start).Milliseconds()
		rec.Outcome = outcome(ctx, err)
		qp.records.Emit(ctx, rec)
	}()

	format, err := results.ParseFormat(req.ResponseFormat)
	if err != nil {
		return nil, err
	}

	model := qp.pipeline.Store.Current()
	if model == nil {
		return nil, errors.NewModelUnavailableError()
	}

	var plan *semantic.GroundedPlan
	err = qp.stage(ctx, StageResolve, qp.config.ResolveTimeout, func(ctx context.Context) error {
		intent, err := qp.pipeline.Resolver.Resolve(ctx, req.Query, model)
		if err != nil {
			return err
		}
		rec.Intent = string(intent.QueryType)
		plan, err = qp.pipeline.Grounder.Ground(ctx, intent, model, user)
		return err
	})
	if err != nil {
		return nil, err
	}
	rec.GroundedTerms = plan.Terms()

	var formatted *results.FormattedResponse
	if plan.QueryType == semantic.QueryWhy {
		formatted, err = qp.diagnose(ctx, plan, model, user, &rec)
	} else {
		formatted, err = qp.execute(ctx, plan, user, &rec)
	}
	if err != nil {
		return nil, err
	}

	formatted.Metadata.TraceID = traceID
	return &QueryResponse{TraceID: traceID, Format: format, Response: formatted}, nil
}

// diagnose runs the diagnostics recipe. Its sub-queries pass through the
// compiler and gate on their own, so the standard compile and execute
// stages are skipped.
func (qp *QueryProcessor) diagnose(ctx context.Context, plan *semantic.GroundedPlan, model *semantic.Model, user auth.UserContext, rec *observability.RequestRecord) (*results.FormattedResponse, error) {
	var result *diagnostics.Result
	err := qp.stage(ctx, StageDiagnostics, qp.config.DiagnosticsTimeout, func(ctx context.Context) error {
		var err error
		result, err = qp.pipeline.Diagnoser.Diagnose(ctx, plan, model, user)
		return err
	})
	if err != nil {
		return nil, err
	}

	rec.SQLHash = observability.HashSQL(result.SQL)
	rec.Approved = true
	rec.EstimatedCost = result.CostUnits
	rec.ActualCost = result.CostUnits

	formatted := qp.pipeline.Results.FormatDiagnostic(ctx, result)
	if quota, err := qp.pipeline.Gate.Quota(ctx, user.UserID); err == nil {
		formatted.Metadata.Quota = &quota
	}
	return formatted, nil
}

// execute compiles, gates and runs the plan's query. A failed execution
// returns its reservation to the caller's quota.
func (qp *QueryProcessor) execute(ctx context.Context, plan *semantic.GroundedPlan, user auth.UserContext, rec *observability.RequestRecord) (*results.FormattedResponse, error) {
	var query *compiler.CompiledQuery
	err := qp.stage(ctx, StageCompile, qp.config.GenerationTimeout, func(ctx context.Context) error {
		var err error
		query, err = qp.pipeline.Compiler.Compile(ctx, plan)
		return err
	})
	if err != nil {
		return nil, err
	}
	rec.SQLHash = observability.HashSQL(query.SQL)

	var decision *safety.Decision
	err = qp.stage(ctx, StageEstimate, qp.config.EstimateTimeout, func(ctx context.Context) error {
		var err error
		decision, err = qp.pipeline.Gate.Evaluate(ctx, query, user)
		return err
	})
	if decision != nil {
		rec.EstimatedRows = decision.EstimatedRows
		rec.EstimatedCost = decision.EstimatedCost
	}
	if err != nil {
		return nil, err
	}
	rec.Approved = decision.Approved

	var rs *dremio.ResultSet
	err = qp.stage(ctx, StageExecute, qp.config.ExecuteTimeout, func(ctx context.Context) error {
		var err error
		rs, err = qp.pipeline.Executor.Execute(ctx, query.SQL, qp.config.FetchRows)
		return err
	})
	if err != nil {
		qp.pipeline.Gate.Release(context.WithoutCancel(ctx), decision)
		if _, ok := errors.As(err); !ok && ctx.Err() == nil {
			err = errors.NewExecutionFailedError(err)
		}
		return nil, err
	}
	rec.ActualRows = rs.TotalRows
	rec.ActualCost = decision.EstimatedCost

	return qp.pipeline.Results.FormatExecution(ctx, results.Execution{
		Query:    query,
		Decision: decision,
		Result:   rs,
	}), nil
}

// stage runs fn under the stage deadline. A deadline hit that is not the
// caller's own becomes STAGE_TIMEOUT.
func (qp *QueryProcessor) stage(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	start := time.Now()

	stageCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	err := fn(stageCtx)
	if err != nil && ctx.Err() == nil && stageCtx.Err() == context.DeadlineExceeded &&
		!errors.Is(err, errors.ErrCodeStageTimeout) {
		err = errors.NewStageTimeoutError(name, err)
	}

	observability.RecordStageMetrics(name, time.Since(start), err)
	if err != nil {
		qp.logger.Warn(ctx, "Pipeline stage failed", map[string]interface{}{
			"stage":       name,
			"error_code":  string(errors.Code(err)),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
	return err
}

func outcome(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case ctx.Err() != nil:
		return outcomeCancelled
	default:
		return string(errors.Code(err))
	}
}
