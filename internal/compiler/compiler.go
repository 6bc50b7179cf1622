package compiler

import (
	"context"

	"github.com/seanankenbruck/semantic-analytics/internal/errors"
	"github.com/seanankenbruck/semantic-analytics/internal/observability"
	"github.com/seanankenbruck/semantic-analytics/internal/semantic"
)

// Producer turns a grounded plan into a candidate SQL string. Candidates are
// untrusted until the Validator accepts them.
type Producer interface {
	Name() string
	Produce(ctx context.Context, plan *semantic.GroundedPlan) (string, error)
}

// CompiledQuery is validated SQL. It is only ever constructed with every
// check passed.
type CompiledQuery struct {
	SQL      string    `json:"sql"`
	Checks   ASTChecks `json:"ast_checks"`
	Producer string    `json:"producer"`
	Tables   []string  `json:"tables"`
}

// Compiler pairs a producer with the mandatory validation step.
type Compiler struct {
	producer  Producer
	validator *Validator
	logger    *observability.Logger
}

// New creates a compiler. A nil producer falls back to the template producer.
func New(producer Producer, validator *Validator, logger *observability.Logger) *Compiler {
	if producer == nil {
		producer = NewTemplateProducer()
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Compiler{producer: producer, validator: validator, logger: logger}
}

// Producer returns the name of the active producer.
func (c *Compiler) Producer() string {
	return c.producer.Name()
}

// Compile produces a candidate for plan and validates it against the plan's
// tables. Any failed check blocks the query; nothing is repaired.
func (c *Compiler) Compile(ctx context.Context, plan *semantic.GroundedPlan) (*CompiledQuery, error) {
	sql, err := c.producer.Produce(ctx, plan)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn(ctx, "Query generation failed", map[string]interface{}{
			"producer": c.producer.Name(),
			"error":    err.Error(),
		})
		return nil, errors.NewGenerationFailedError(err)
	}

	compiled, err := c.Check(ctx, sql, plan.Tables())
	if err != nil {
		return nil, err
	}
	compiled.Producer = c.producer.Name()
	return compiled, nil
}

// Check validates hand-built SQL against an explicit table set.
func (c *Compiler) Check(ctx context.Context, sql string, tables []string) (*CompiledQuery, error) {
	checks, err := c.validator.Validate(sql, tables)
	if err != nil {
		c.logger.Warn(ctx, "Candidate SQL rejected", map[string]interface{}{
			"producer": c.producer.Name(),
			"sql_hash": observability.HashSQL(sql),
			"error":    err.Error(),
		})
		return nil, err
	}

	c.logger.Debug(ctx, "Candidate SQL validated", map[string]interface{}{
		"sql_hash": observability.HashSQL(sql),
		"tables":   tables,
	})
	return &CompiledQuery{SQL: sql, Checks: checks, Producer: "manual", Tables: tables}, nil
}
