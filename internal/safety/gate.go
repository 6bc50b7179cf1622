package safety

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"

	"github.com/seanankenbruck/semantic-analytics/internal/auth"
	"github.com/seanankenbruck/semantic-analytics/internal/compiler"
	"github.com/seanankenbruck/semantic-analytics/internal/errors"
	"github.com/seanankenbruck/semantic-analytics/internal/observability"
)

// Limits are the per-query admission bounds. The per-window quota lives in
// the Ledger.
type Limits struct {
	MaxRows         int64
	MaxCostPerQuery float64
}

// Decision is the outcome of one gate evaluation. Rejections are final for
// the request; nothing re-evaluates them.
type Decision struct {
	Approved       bool         `json:"approved"`
	EstimatedRows  int64        `json:"estimated_rows"`
	EstimatedCost  float64      `json:"estimated_cost_units"`
	ReflectionUsed string       `json:"reflection_used,omitempty"`
	Quota          QuotaState   `json:"quota_state"`
	Reason         string       `json:"reason,omitempty"`
	Reservation    *Reservation `json:"-"`
}

// Gate admits compiled queries based on the engine's estimate and the
// caller's remaining quota.
type Gate struct {
	estimator Estimator
	ledger    Ledger
	limits    Limits
	logger    *observability.Logger
}

// NewGate creates a safety gate.
func NewGate(estimator Estimator, ledger Ledger, limits Limits, logger *observability.Logger) *Gate {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Gate{estimator: estimator, ledger: ledger, limits: limits, logger: logger}
}

// Evaluate estimates the query and checks, in order, the row limit, the
// per-query cost limit and the caller's window quota. On approval the
// estimated cost is already reserved. A rejection returns both the decision
// and a QUOTA_EXCEEDED error naming the failed check.
func (g *Gate) Evaluate(ctx context.Context, query *compiler.CompiledQuery, user auth.UserContext) (*Decision, error) {
	if query == nil || !query.Checks.Passed() {
		return nil, errors.NewValidationFailedError(compiler.CheckStatementKind, "query has not passed validation")
	}

	est, err := g.estimator.Estimate(ctx, query.SQL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if _, ok := errors.As(err); ok {
			return nil, err
		}
		return nil, errors.NewExecutionFailedError(err).WithDetails("Could not obtain a plan estimate")
	}
	if est.Rows < 0 || !(est.Cost > 0) || math.IsInf(est.Cost, 0) {
		return nil, errors.NewExecutionFailedError(
			fmt.Errorf("unusable estimate: rows %d, cost %v", est.Rows, est.Cost)).
			WithDetails("The query plan carried no usable estimate")
	}

	decision := &Decision{
		EstimatedRows:  est.Rows,
		EstimatedCost:  est.Cost,
		ReflectionUsed: est.Reflection,
	}
	fields := map[string]interface{}{
		"sql_hash":       observability.HashSQL(query.SQL),
		"estimated_rows": est.Rows,
		"estimated_cost": est.Cost,
		"reflection":     est.Reflection,
	}

	if est.Rows > g.limits.MaxRows {
		return g.reject(ctx, decision, fields, errors.QuotaVariantRows,
			fmt.Sprintf("estimated rows %d exceed the limit of %d", est.Rows, g.limits.MaxRows))
	}
	if est.Cost > g.limits.MaxCostPerQuery {
		return g.reject(ctx, decision, fields, errors.QuotaVariantCost,
			fmt.Sprintf("estimated cost %.2f %s exceeds the per-query limit of %.2f %s",
				est.Cost, CostUnit, g.limits.MaxCostPerQuery, CostUnit))
	}

	res, state, err := g.ledger.Reserve(ctx, user.UserID, est.Cost)
	decision.Quota = state
	if stderrors.Is(err, ErrWindowExhausted) {
		return g.reject(ctx, decision, fields, errors.QuotaVariantWindow,
			fmt.Sprintf("quota window has %.2f of %.2f %s left, this query needs %.2f",
				state.Limit-state.Used, state.Limit, CostUnit, est.Cost))
	}
	if err != nil {
		g.logger.Error(ctx, "Quota reservation failed", err, fields)
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "Failed to reserve quota")
	}

	decision.Approved = true
	decision.Reservation = res
	observability.RecordSafetyDecision("approved", est.Cost)

	fields["quota_used"] = state.Used
	g.logger.Info(ctx, "Query approved by safety gate", fields)
	return decision, nil
}

func (g *Gate) reject(ctx context.Context, d *Decision, fields map[string]interface{}, variant, reason string) (*Decision, error) {
	d.Approved = false
	d.Reason = reason
	observability.RecordSafetyDecision("rejected_"+variant, 0)

	fields["variant"] = variant
	g.logger.Warn(ctx, "Query rejected by safety gate", fields)
	return d, errors.NewQuotaExceededError(variant, reason)
}

// Release returns an approved decision's reservation, used when execution
// fails after approval.
func (g *Gate) Release(ctx context.Context, d *Decision) {
	if d == nil || d.Reservation == nil {
		return
	}
	if err := g.ledger.Release(ctx, d.Reservation); err != nil {
		g.logger.Error(ctx, "Quota release failed", err, map[string]interface{}{
			"cost": d.Reservation.Cost,
		})
		return
	}
	d.Reservation = nil
}

// Quota reports the caller's current window.
func (g *Gate) Quota(ctx context.Context, userID string) (QuotaState, error) {
	return g.ledger.State(ctx, userID)
}
