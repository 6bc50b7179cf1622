package resolver

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/seanankenbruck/semantic-analytics/internal/errors"
	"github.com/seanankenbruck/semantic-analytics/internal/observability"
	"github.com/seanankenbruck/semantic-analytics/internal/semantic"
)

const (
	// DefaultConfidence is reported when no rule fires and no classifier is configured.
	DefaultConfidence = 0.5
	// DefaultConfidenceFloor is the minimum classifier confidence needed to
	// override the default intent.
	DefaultConfidenceFloor = 0.7
)

// Classifier is a learned intent classifier. It is only consulted when none
// of the lexical rules match.
type Classifier interface {
	ClassifyIntent(ctx context.Context, text string) (semantic.QueryType, float64, error)
}

type intentRule struct {
	queryType  semantic.QueryType
	confidence float64
	patterns   []*regexp.Regexp
}

// Rules are checked in order; the first match wins.
func defaultRules() []intentRule {
	return []intentRule{
		{
			queryType:  semantic.QueryWhy,
			confidence: 0.95,
			patterns: compile(
				`^why\b`,
				`\bwhat\s+caused\b`,
				`\bwhat\s+is\s+the\s+reason\b`,
				`^explain\s+why\b`,
				`\bcaus(e|ed|es|ing)\b`,
				`\b(drop|dropped|drops|decline|declined|fell|increase|increased|decrease|decreased|spike|spiked)\b`,
			),
		},
		{
			queryType:  semantic.QueryCompare,
			confidence: 0.90,
			patterns: compile(
				`^compare\b`,
				`\b(vs|versus)\b`,
				`\bcompared\s+(to|with)\b`,
				`\b(difference|delta)\s+between\b`,
			),
		},
		{
			queryType:  semantic.QueryWhat,
			confidence: 0.85,
			patterns: compile(
				`^(show|display|list|get|give|find)\b`,
				`^what\s+(is|are|was|were)\b`,
				`^how\s+(much|many)\b`,
			),
		},
	}
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// Resolver turns raw question text into a ResolvedIntent.
type Resolver struct {
	rules    []intentRule
	fallback Classifier
	floor    float64
	now      func() time.Time
	logger   *observability.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClassifier sets the fallback classifier.
func WithClassifier(c Classifier) Option {
	return func(r *Resolver) { r.fallback = c }
}

// WithConfidenceFloor sets the confidence a fallback classification needs
// before it may replace the default intent.
func WithConfidenceFloor(floor float64) Option {
	return func(r *Resolver) { r.floor = floor }
}

// WithClock replaces the clock used for relative time expressions.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *observability.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// New creates a resolver with the built-in rule table.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		rules: defaultRules(),
		floor: DefaultConfidenceFloor,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = observability.NewNopLogger()
	}
	return r
}

// Resolve classifies the question and extracts its metric, dimension, filter
// and time range terms. Apart from the optional classifier call it is a pure
// function of text and the model vocabulary.
func (r *Resolver) Resolve(ctx context.Context, text string, model *semantic.Model) (semantic.ResolvedIntent, error) {
	if model == nil {
		return semantic.ResolvedIntent{}, errors.NewModelUnavailableError()
	}
	text = strings.TrimSpace(text)

	queryType, confidence, err := r.classify(ctx, text)
	if err != nil {
		return semantic.ResolvedIntent{}, err
	}

	filters, rest := extractExplicitFilters(text)
	now := r.now().UTC()
	ranges, rest := extractTimeRanges(rest, now)
	ex := extractEntities(rest, model)

	if len(ex.metrics) == 0 {
		return semantic.ResolvedIntent{}, errors.NewNoMetricFoundError(text)
	}

	current, baseline := resolvePeriods(ranges, queryType, now)

	intent := semantic.ResolvedIntent{
		QueryType:  queryType,
		Confidence: confidence,
		Metrics:    ex.metrics,
		Dimensions: ex.dimensions,
		Filters:    append(filters, ex.filters...),
		TimePeriod: current,
		Baseline:   baseline,
		RawText:    text,
	}

	r.logger.Debug(ctx, "Resolved intent", map[string]interface{}{
		"query_type": string(queryType),
		"confidence": confidence,
		"metrics":    intent.Metrics,
		"dimensions": intent.Dimensions,
		"filters":    len(intent.Filters),
	})
	return intent, nil
}

func (r *Resolver) classify(ctx context.Context, text string) (semantic.QueryType, float64, error) {
	lower := strings.ToLower(text)
	for _, rule := range r.rules {
		for _, p := range rule.patterns {
			if p.MatchString(lower) {
				return rule.queryType, rule.confidence, nil
			}
		}
	}

	if r.fallback == nil {
		return semantic.QueryWhat, DefaultConfidence, nil
	}

	queryType, confidence, err := r.fallback.ClassifyIntent(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		r.logger.Warn(ctx, "Fallback intent classification failed, using default", map[string]interface{}{
			"error": err.Error(),
		})
		return semantic.QueryWhat, DefaultConfidence, nil
	}

	switch queryType {
	case semantic.QueryWhat:
		if confidence < DefaultConfidence {
			confidence = DefaultConfidence
		}
		return semantic.QueryWhat, confidence, nil
	case semantic.QueryWhy, semantic.QueryCompare:
		if confidence >= r.floor {
			return queryType, confidence, nil
		}
	}
	return "", 0, errors.NewAmbiguousIntentError(text, string(semantic.QueryWhat), string(queryType), confidence)
}
