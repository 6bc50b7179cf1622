package resolver

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/seanankenbruck/semantic-analytics/internal/errors"
	"github.com/seanankenbruck/semantic-analytics/internal/semantic"
)

// Wednesday 15 May 2024
var fixedNow = time.Date(2024, 5, 15, 12, 30, 0, 0, time.UTC)

type MockClassifier struct {
	mock.Mock
}

func (m *MockClassifier) ClassifyIntent(ctx context.Context, text string) (semantic.QueryType, float64, error) {
	args := m.Called(ctx, text)
	return args.Get(0).(semantic.QueryType), args.Get(1).(float64), args.Error(2)
}

func testModel(t *testing.T) *semantic.Model {
	t.Helper()
	m, err := semantic.DefaultModel()
	require.NoError(t, err)
	return m
}

func newTestResolver(opts ...Option) *Resolver {
	return New(append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestClassification(t *testing.T) {
	m := testModel(t)
	r := newTestResolver()

	tests := []struct {
		text       string
		want       semantic.QueryType
		confidence float64
	}{
		{"Why did revenue drop last month?", semantic.QueryWhy, 0.95},
		{"What caused the increase in orders?", semantic.QueryWhy, 0.95},
		{"Explain why profit changed", semantic.QueryWhy, 0.95},
		{"Compare revenue this quarter vs last quarter", semantic.QueryCompare, 0.90},
		{"revenue 2023 versus 2024", semantic.QueryCompare, 0.90},
		{"Show me revenue by product category", semantic.QueryWhat, 0.85},
		{"How many orders last week", semantic.QueryWhat, 0.85},
		{"revenue by region", semantic.QueryWhat, DefaultConfidence},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			intent, err := r.Resolve(context.Background(), tt.text, m)
			require.NoError(t, err)
			assert.Equal(t, tt.want, intent.QueryType)
			assert.Equal(t, tt.confidence, intent.Confidence)
		})
	}
}

func TestWhyRuleBeatsCompareRule(t *testing.T) {
	intent, err := newTestResolver().Resolve(context.Background(), "why did revenue drop vs last year", testModel(t))
	require.NoError(t, err)
	assert.Equal(t, semantic.QueryWhy, intent.QueryType)
}

func TestResolveShowMeRevenueByCategory(t *testing.T) {
	intent, err := newTestResolver().Resolve(context.Background(), "Show me revenue by product category", testModel(t))
	require.NoError(t, err)

	want := semantic.ResolvedIntent{
		QueryType:  semantic.QueryWhat,
		Confidence: 0.85,
		Metrics:    []string{"revenue"},
		Dimensions: []string{"product category"},
		RawText:    "Show me revenue by product category",
	}
	if diff := cmp.Diff(want, intent); diff != "" {
		t.Errorf("intent mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveEntities(t *testing.T) {
	m := testModel(t)
	r := newTestResolver()

	tests := []struct {
		text       string
		metrics    []string
		dimensions []string
		filters    []semantic.Filter
	}{
		{
			text:    "total sales by sales channel",
			metrics: []string{"total sales"}, dimensions: []string{"sales channel"},
		},
		{
			text:    "show me salles by region",
			metrics: []string{"salles"}, dimensions: []string{"region"},
		},
		{
			text:    "show me revenue by territry",
			metrics: []string{"revenue"}, dimensions: []string{"territry"},
		},
		{
			text:    "orders and profit by channel and status",
			metrics: []string{"orders", "profit"}, dimensions: []string{"channel", "status"},
		},
		{
			text:    "revenue in north america by category",
			metrics: []string{"revenue"}, dimensions: []string{"category"},
			filters: []semantic.Filter{{Term: "region", Op: "=", Value: "North America"}},
		},
		{
			text:    "orders where channel = 'Online' by region",
			metrics: []string{"orders"}, dimensions: []string{"region"},
			filters: []semantic.Filter{{Term: "channel", Op: "=", Value: "Online"}},
		},
		{
			text:    "revenue where segment is enterprise",
			metrics: []string{"revenue"},
			filters: []semantic.Filter{{Term: "segment", Op: "=", Value: "enterprise"}},
		},
		{
			text:    "customers where order_status != cancelled",
			metrics: []string{"customers"},
			filters: []semantic.Filter{{Term: "order status", Op: "!=", Value: "cancelled"}},
		},
		{
			text:    "revenue revenue sales",
			metrics: []string{"revenue", "sales"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			intent, err := r.Resolve(context.Background(), tt.text, m)
			require.NoError(t, err)
			assert.Equal(t, tt.metrics, intent.Metrics)
			if len(tt.dimensions) == 0 {
				assert.Empty(t, intent.Dimensions)
			} else {
				assert.Equal(t, tt.dimensions, intent.Dimensions)
			}
			if diff := cmp.Diff(tt.filters, intent.Filters); diff != "" {
				t.Errorf("filters mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResolveNoMetricFound(t *testing.T) {
	m := testModel(t)
	for _, text := range []string{"", "hello there", "by region", "tell me a joke"} {
		t.Run(fmt.Sprintf("%q", text), func(t *testing.T) {
			_, err := newTestResolver().Resolve(context.Background(), text, m)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrCodeNoMetricFound), "got %v", err)
		})
	}
}

func TestResolveNilModel(t *testing.T) {
	_, err := newTestResolver().Resolve(context.Background(), "show revenue", nil)
	assert.True(t, errors.Is(err, errors.ErrCodeModelUnavailable))
}

func TestTimeRanges(t *testing.T) {
	m := testModel(t)
	r := newTestResolver()

	tests := []struct {
		text       string
		start, end time.Time
		label      string
	}{
		{"revenue last month", day(2024, 4, 1), day(2024, 5, 1), "last_month"},
		{"revenue this month", day(2024, 5, 1), day(2024, 6, 1), "this_month"},
		{"revenue last quarter", day(2024, 1, 1), day(2024, 4, 1), "last_quarter"},
		{"revenue this year", day(2024, 1, 1), day(2025, 1, 1), "this_year"},
		{"revenue last week", day(2024, 5, 6), day(2024, 5, 13), "last_week"},
		{"revenue yesterday", day(2024, 5, 14), day(2024, 5, 15), "yesterday"},
		{"revenue today", day(2024, 5, 15), day(2024, 5, 16), "today"},
		{"revenue in Q3 2023", day(2023, 7, 1), day(2023, 10, 1), "q3_2023"},
		{"revenue in 2022", day(2022, 1, 1), day(2023, 1, 1), "2022"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			intent, err := r.Resolve(context.Background(), tt.text, m)
			require.NoError(t, err)
			require.NotNil(t, intent.TimePeriod)
			assert.Equal(t, tt.start, intent.TimePeriod.Start)
			assert.Equal(t, tt.end, intent.TimePeriod.End)
			assert.Equal(t, tt.label, intent.TimePeriod.Label)
			assert.Nil(t, intent.Baseline)
			assert.Equal(t, []string{"revenue"}, intent.Metrics)
		})
	}

	intent, err := r.Resolve(context.Background(), "show revenue", m)
	require.NoError(t, err)
	assert.Nil(t, intent.TimePeriod)
}

func TestWhyBaselineInference(t *testing.T) {
	m := testModel(t)
	r := newTestResolver()

	tests := []struct {
		text                        string
		current, baseline           time.Time
		currentLabel, baselineLabel string
	}{
		{"Why did revenue drop last month?", day(2024, 4, 1), day(2024, 3, 1), "last_month", "previous_month"},
		{"Why did revenue drop?", day(2024, 4, 1), day(2024, 3, 1), "last_month", "previous_month"},
		{"why did orders fall in Q1 2024", day(2024, 1, 1), day(2023, 10, 1), "q1_2024", "previous_quarter"},
		{"why did profit decline this year", day(2024, 1, 1), day(2023, 1, 1), "this_year", "previous_year"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			intent, err := r.Resolve(context.Background(), tt.text, m)
			require.NoError(t, err)
			require.NotNil(t, intent.TimePeriod)
			require.NotNil(t, intent.Baseline)
			assert.Equal(t, tt.current, intent.TimePeriod.Start)
			assert.Equal(t, tt.baseline, intent.Baseline.Start)
			assert.Equal(t, intent.TimePeriod.Start, intent.Baseline.End, "baseline ends where current starts")
			assert.Equal(t, tt.currentLabel, intent.TimePeriod.Label)
			assert.Equal(t, tt.baselineLabel, intent.Baseline.Label)
		})
	}
}

func TestCompareUsesBothRanges(t *testing.T) {
	intent, err := newTestResolver().Resolve(context.Background(), "Compare revenue last quarter vs this quarter", testModel(t))
	require.NoError(t, err)
	assert.Equal(t, semantic.QueryCompare, intent.QueryType)
	require.NotNil(t, intent.TimePeriod)
	require.NotNil(t, intent.Baseline)
	assert.Equal(t, "this_quarter", intent.TimePeriod.Label)
	assert.Equal(t, "last_quarter", intent.Baseline.Label)
}

func TestFallbackClassifier(t *testing.T) {
	m := testModel(t)
	text := "revenue trend for apparel"

	tests := []struct {
		name       string
		qt         semantic.QueryType
		confidence float64
		err        error
		want       semantic.QueryType
		wantErr    errors.ErrorCode
	}{
		{"confident why", semantic.QueryWhy, 0.9, nil, semantic.QueryWhy, ""},
		{"agrees with default", semantic.QueryWhat, 0.3, nil, semantic.QueryWhat, ""},
		{"below floor", semantic.QueryCompare, 0.6, nil, "", errors.ErrCodeAmbiguousIntent},
		{"unknown label", semantic.QueryType("forecast"), 0.99, nil, "", errors.ErrCodeAmbiguousIntent},
		{"classifier down", "", 0, fmt.Errorf("connection refused"), semantic.QueryWhat, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := new(MockClassifier)
			c.On("ClassifyIntent", mock.Anything, text).Return(tt.qt, tt.confidence, tt.err)

			intent, err := newTestResolver(WithClassifier(c), WithConfidenceFloor(0.7)).Resolve(context.Background(), text, m)
			c.AssertExpectations(t)

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, intent.QueryType)
		})
	}
}

func TestRulesSkipClassifier(t *testing.T) {
	c := new(MockClassifier)
	r := newTestResolver(WithClassifier(c))

	intent, err := r.Resolve(context.Background(), "Why did revenue drop last month?", testModel(t))
	require.NoError(t, err)
	assert.Equal(t, semantic.QueryWhy, intent.QueryType)
	c.AssertNotCalled(t, "ClassifyIntent", mock.Anything, mock.Anything)
}

func TestResolveIsDeterministic(t *testing.T) {
	m := testModel(t)
	r := newTestResolver()
	text := "compare profit and orders by region and category in europe last year vs 2022"

	first, err := r.Resolve(context.Background(), text, m)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := r.Resolve(context.Background(), text, m)
		require.NoError(t, err)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("resolution changed between runs (-first +again):\n%s", diff)
		}
	}
}
