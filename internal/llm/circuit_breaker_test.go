package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockClient is a mock implementation of the Client interface
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Generate(ctx context.Context, prompt string) (*Response, error) {
	args := m.Called(ctx, prompt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Response), args.Error(1)
}

func (m *MockClient) Name() string { return "mock" }

func testBreakerConfig(t *testing.T, timeout time.Duration) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests: 1,
		Interval:    time.Second,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			t.Logf("State changed from %s to %s", from, to)
		},
	}
}

func TestCircuitBreakerClient_Success(t *testing.T) {
	mockClient := new(MockClient)
	expected := &Response{Text: "SELECT 1", Model: "m"}
	mockClient.On("Generate", mock.Anything, "test prompt").Return(expected, nil)

	cbClient := NewCircuitBreakerClient(mockClient, DefaultCircuitBreakerConfig)

	response, err := cbClient.Generate(context.Background(), "test prompt")
	require.NoError(t, err)
	assert.Equal(t, expected, response)
	assert.Equal(t, gobreaker.StateClosed, cbClient.State())
	assert.Equal(t, "mock", cbClient.Name())
	mockClient.AssertExpectations(t)
}

func TestCircuitBreakerClient_OpensAfterFailuresWithoutRetrying(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Generate", mock.Anything, "test prompt").Return(nil, errors.New("service unavailable"))

	cbClient := NewCircuitBreakerClient(mockClient, testBreakerConfig(t, time.Minute))

	for i := 0; i < 3; i++ {
		_, err := cbClient.Generate(context.Background(), "test prompt")
		assert.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, cbClient.State())
	mockClient.AssertNumberOfCalls(t, "Generate", 3)

	_, err := cbClient.Generate(context.Background(), "test prompt")
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	mockClient.AssertNumberOfCalls(t, "Generate", 3)
}

func TestCircuitBreakerClient_HalfOpenRecovery(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Generate", mock.Anything, "test prompt").Return(nil, errors.New("service unavailable")).Times(3)
	mockClient.On("Generate", mock.Anything, "test prompt").Return(&Response{Text: "ok"}, nil).Once()

	cbClient := NewCircuitBreakerClient(mockClient, testBreakerConfig(t, 50*time.Millisecond))

	for i := 0; i < 3; i++ {
		_, err := cbClient.Generate(context.Background(), "test prompt")
		assert.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, cbClient.State())

	time.Sleep(100 * time.Millisecond)

	response, err := cbClient.Generate(context.Background(), "test prompt")
	require.NoError(t, err)
	assert.Equal(t, "ok", response.Text)
	assert.Equal(t, gobreaker.StateClosed, cbClient.State())
}

func TestCircuitBreakerCounts(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Generate", mock.Anything, "test prompt").Return(&Response{Text: "x"}, nil)

	cbClient := NewCircuitBreakerClient(mockClient, DefaultCircuitBreakerConfig)

	for i := 0; i < 5; i++ {
		_, err := cbClient.Generate(context.Background(), "test prompt")
		assert.NoError(t, err)
	}

	counts := cbClient.Counts()
	assert.Equal(t, uint32(5), counts.Requests)
	assert.Equal(t, uint32(0), counts.TotalFailures)
	assert.Equal(t, uint32(0), counts.ConsecutiveFailures)
}
