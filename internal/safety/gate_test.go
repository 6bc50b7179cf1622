package safety

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/seanankenbruck/semantic-analytics/internal/auth"
	"github.com/seanankenbruck/semantic-analytics/internal/compiler"
	"github.com/seanankenbruck/semantic-analytics/internal/errors"
)

type MockEstimator struct {
	mock.Mock
}

func (m *MockEstimator) Estimate(ctx context.Context, sql string) (*Estimate, error) {
	args := m.Called(ctx, sql)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Estimate), args.Error(1)
}

var passedChecks = compiler.ASTChecks{
	NoDDL: true, NoDML: true, NoExport: true, SchemaAllowed: true, NoSelectStar: true, TablesInPlan: true,
}

func compiled(sql string) *compiler.CompiledQuery {
	return &compiler.CompiledQuery{SQL: sql, Checks: passedChecks, Producer: "template"}
}

var alice = auth.UserContext{UserID: "alice", Grants: auth.AllGrants()}

func newGate(est Estimator, quota float64) (*Gate, *MemoryLedger) {
	ledger := newMemoryLedger(quota, 24*time.Hour, newClock())
	return NewGate(est, ledger, Limits{MaxRows: 1_000_000, MaxCostPerQuery: 100}, nil), ledger
}

func TestGate_Approves(t *testing.T) {
	est := new(MockEstimator)
	est.On("Estimate", mock.Anything, "SELECT 1").
		Return(&Estimate{Rows: 5000, Cost: 12.5, Reflection: "orders_agg"}, nil)
	gate, _ := newGate(est, 1000)

	d, err := gate.Evaluate(context.Background(), compiled("SELECT 1"), alice)
	require.NoError(t, err)
	assert.True(t, d.Approved)
	assert.Equal(t, int64(5000), d.EstimatedRows)
	assert.Equal(t, 12.5, d.EstimatedCost)
	assert.Equal(t, "orders_agg", d.ReflectionUsed)
	assert.Equal(t, 12.5, d.Quota.Used)
	assert.Equal(t, 1000.0, d.Quota.Limit)
	require.NotNil(t, d.Reservation)
	est.AssertExpectations(t)
}

func TestGate_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		est     *Estimate
		used    float64
		variant string
	}{
		{"row boundary is inclusive", &Estimate{Rows: 1_000_000, Cost: 1}, 0, ""},
		{"one row over", &Estimate{Rows: 1_000_001, Cost: 1}, 0, errors.QuotaVariantRows},
		{"cost boundary is inclusive", &Estimate{Rows: 10, Cost: 100}, 0, ""},
		{"cost over", &Estimate{Rows: 10, Cost: 100.01}, 0, errors.QuotaVariantCost},
		{"rows checked before cost", &Estimate{Rows: 2_000_000, Cost: 500}, 0, errors.QuotaVariantRows},
		{"window exhausted", &Estimate{Rows: 10, Cost: 60}, 950, errors.QuotaVariantWindow},
		{"window filled exactly", &Estimate{Rows: 10, Cost: 50}, 950, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est := new(MockEstimator)
			est.On("Estimate", mock.Anything, mock.Anything).Return(tt.est, nil)
			gate, ledger := newGate(est, 1000)
			if tt.used > 0 {
				_, _, err := ledger.Reserve(context.Background(), "alice", tt.used)
				require.NoError(t, err)
			}

			d, err := gate.Evaluate(context.Background(), compiled("SELECT 1"), alice)
			require.NotNil(t, d)
			if tt.variant == "" {
				require.NoError(t, err)
				assert.True(t, d.Approved)
				return
			}

			require.Error(t, err)
			assert.False(t, d.Approved)
			assert.NotEmpty(t, d.Reason)
			assert.Nil(t, d.Reservation)
			assert.True(t, errors.Is(err, errors.ErrCodeQuotaExceeded))
			enhanced, _ := errors.As(err)
			assert.Equal(t, tt.variant, enhanced.Metadata["variant"])

			// a rejected query reserves nothing
			state, _ := ledger.State(context.Background(), "alice")
			assert.Equal(t, tt.used, state.Used)
		})
	}
}

func TestGate_RefusesUnvalidatedQuery(t *testing.T) {
	est := new(MockEstimator)
	gate, _ := newGate(est, 1000)

	q := compiled("SELECT 1")
	q.Checks.TablesInPlan = false

	d, err := gate.Evaluate(context.Background(), q, alice)
	assert.Nil(t, d)
	assert.True(t, errors.Is(err, errors.ErrCodeValidationFailed))
	est.AssertNotCalled(t, "Estimate", mock.Anything, mock.Anything)
}

func TestGate_EstimateFailure(t *testing.T) {
	est := new(MockEstimator)
	est.On("Estimate", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("engine unreachable"))
	gate, _ := newGate(est, 1000)

	_, err := gate.Evaluate(context.Background(), compiled("SELECT 1"), alice)
	assert.True(t, errors.Is(err, errors.ErrCodeExecutionFailed))

	timeout := new(MockEstimator)
	timeout.On("Estimate", mock.Anything, mock.Anything).
		Return(nil, errors.NewStageTimeoutError("estimate", context.DeadlineExceeded))
	gate, _ = newGate(timeout, 1000)

	_, err = gate.Evaluate(context.Background(), compiled("SELECT 1"), alice)
	assert.True(t, errors.Is(err, errors.ErrCodeStageTimeout))
}

func TestGate_UnusableEstimate(t *testing.T) {
	tests := []struct {
		name string
		est  *Estimate
	}{
		{"zero cost", &Estimate{Rows: 10, Cost: 0}},
		{"negative cost", &Estimate{Rows: 10, Cost: -3}},
		{"infinite cost", &Estimate{Rows: 10, Cost: math.Inf(1)}},
		{"nan cost", &Estimate{Rows: 10, Cost: math.NaN()}},
		{"negative rows", &Estimate{Rows: -1, Cost: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est := new(MockEstimator)
			est.On("Estimate", mock.Anything, mock.Anything).Return(tt.est, nil)
			gate, ledger := newGate(est, 1000)

			d, err := gate.Evaluate(context.Background(), compiled("SELECT 1"), alice)
			assert.Nil(t, d)
			assert.True(t, errors.Is(err, errors.ErrCodeExecutionFailed))

			state, _ := ledger.State(context.Background(), "alice")
			assert.Zero(t, state.Used)
		})
	}
}

func TestGate_Release(t *testing.T) {
	est := new(MockEstimator)
	est.On("Estimate", mock.Anything, mock.Anything).Return(&Estimate{Rows: 1, Cost: 40}, nil)
	gate, _ := newGate(est, 1000)
	ctx := context.Background()

	d, err := gate.Evaluate(ctx, compiled("SELECT 1"), alice)
	require.NoError(t, err)

	gate.Release(ctx, d)
	assert.Nil(t, d.Reservation)
	state, err := gate.Quota(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0.0, state.Used)

	// releasing twice is a no-op
	gate.Release(ctx, d)
	gate.Release(ctx, nil)
}

func TestGate_ConcurrentApprovalsRespectQuota(t *testing.T) {
	est := new(MockEstimator)
	est.On("Estimate", mock.Anything, mock.Anything).Return(&Estimate{Rows: 1, Cost: 25}, nil)
	gate, ledger := newGate(est, 100)

	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() {
			_, err := gate.Evaluate(context.Background(), compiled("SELECT 1"), alice)
			results <- err
		}()
	}

	approved := 0
	for i := 0; i < 20; i++ {
		if err := <-results; err == nil {
			approved++
		} else {
			assert.True(t, errors.Is(err, errors.ErrCodeQuotaExceeded))
		}
	}
	assert.Equal(t, 4, approved)

	state, _ := ledger.State(context.Background(), "alice")
	assert.Equal(t, 100.0, state.Used)
}
