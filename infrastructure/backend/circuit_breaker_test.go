package backend

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/lioneltay/claude-pilot/domain/chat"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockProvider is a mock implementation of the chat provider interface
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Chat(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*chat.Response), args.Error(1)
}

// MockStreamProvider replays its chunks through onChunk before returning its error
type MockStreamProvider struct {
	mock.Mock
	chunks [][]byte
}

func (m *MockStreamProvider) Stream(ctx context.Context, req *chat.Request, onChunk chat.StreamHandler[[]byte]) error {
	args := m.Called(ctx, req)
	for _, c := range m.chunks {
		if err := onChunk(c); err != nil {
			return err
		}
	}
	return args.Error(0)
}

func testConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		Timeout:          30 * time.Second,
		MaxRequests:      1,
	}
}

func TestNewCircuitBreakerProvider(t *testing.T) {
	mockProvider := &MockProvider{}
	mockStream := &MockStreamProvider{}

	config := DefaultCircuitBreakerConfig()
	cbProvider := NewCircuitBreakerProvider(mockProvider, mockStream, config)

	assert.NotNil(t, cbProvider)
	assert.Equal(t, config, cbProvider.config)
	assert.NotNil(t, cbProvider.breakers)
	assert.Empty(t, cbProvider.GetCircuitStates())
}

func TestCircuitBreakerProvider_Chat_Success(t *testing.T) {
	mockProvider := &MockProvider{}
	cbProvider := NewCircuitBreakerProvider(mockProvider, &MockStreamProvider{}, testConfig())

	req := &chat.Request{Model: "claude-3.5/haiku"}
	expected := &chat.Response{ID: "c1"}
	mockProvider.On("Chat", mock.Anything, req).Return(expected, nil)

	resp, err := cbProvider.Chat(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, expected, resp)
	assert.Equal(t, map[string]string{"claude-3-5-haiku": "closed"}, cbProvider.GetCircuitStates())
	mockProvider.AssertExpectations(t)
}

func TestCircuitBreakerProvider_OpensAfterFailures(t *testing.T) {
	mockProvider := &MockProvider{}
	cbProvider := NewCircuitBreakerProvider(mockProvider, &MockStreamProvider{}, testConfig())

	req := &chat.Request{Model: "gpt-4.1"}
	mockProvider.On("Chat", mock.Anything, req).Return(nil, &chat.StatusError{StatusCode: http.StatusBadGateway})

	for i := 0; i < 2; i++ {
		_, err := cbProvider.Chat(context.Background(), req)
		var statusErr *chat.StatusError
		require.True(t, errors.As(err, &statusErr))
	}

	_, err := cbProvider.Chat(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, chat.ErrCircuitOpen)
	assert.Equal(t, gobreaker.StateOpen.String(), cbProvider.GetCircuitStates()["gpt-4-1"])
	mockProvider.AssertNumberOfCalls(t, "Chat", 2)
}

func TestCircuitBreakerProvider_ClientErrorsDoNotTrip(t *testing.T) {
	mockProvider := &MockProvider{}
	cbProvider := NewCircuitBreakerProvider(mockProvider, &MockStreamProvider{}, testConfig())

	req := &chat.Request{Model: "m"}
	mockProvider.On("Chat", mock.Anything, req).Return(nil, &chat.StatusError{StatusCode: http.StatusBadRequest})

	for i := 0; i < 5; i++ {
		_, err := cbProvider.Chat(context.Background(), req)
		assert.NotErrorIs(t, err, chat.ErrCircuitOpen)
	}
	assert.Equal(t, "closed", cbProvider.GetCircuitStates()["m"])
}

func TestCircuitBreakerProvider_StreamHandlerErrorsDoNotTrip(t *testing.T) {
	mockStream := &MockStreamProvider{chunks: [][]byte{[]byte("data: {}\n\n")}}
	cbProvider := NewCircuitBreakerProvider(&MockProvider{}, mockStream, testConfig())

	req := &chat.Request{Model: "m"}
	mockStream.On("Stream", mock.Anything, req).Return(nil)

	gone := errors.New("client gone")
	for i := 0; i < 4; i++ {
		err := cbProvider.Stream(context.Background(), req, func([]byte) error { return gone })
		assert.Equal(t, gone, err)
	}
	assert.Equal(t, "closed", cbProvider.GetCircuitStates()["m"])
}

func TestCircuitBreakerProvider_StreamFailuresTrip(t *testing.T) {
	mockStream := &MockStreamProvider{}
	cbProvider := NewCircuitBreakerProvider(&MockProvider{}, mockStream, testConfig())

	req := &chat.Request{Model: "m"}
	mockStream.On("Stream", mock.Anything, req).Return(errors.New("stream read: connection reset"))

	noop := func([]byte) error { return nil }
	assert.Error(t, cbProvider.Stream(context.Background(), req, noop))
	assert.Error(t, cbProvider.Stream(context.Background(), req, noop))

	err := cbProvider.Stream(context.Background(), req, noop)
	assert.ErrorIs(t, err, chat.ErrCircuitOpen)
	mockStream.AssertNumberOfCalls(t, "Stream", 2)
}

func TestCircuitBreakerProvider_Disabled(t *testing.T) {
	mockProvider := &MockProvider{}
	mockStream := &MockStreamProvider{}
	cbProvider := NewCircuitBreakerProvider(mockProvider, mockStream, CircuitBreakerConfig{Enabled: false})

	req := &chat.Request{Model: "m"}
	mockProvider.On("Chat", mock.Anything, req).Return(nil, errors.New("down"))
	mockStream.On("Stream", mock.Anything, req).Return(nil)

	for i := 0; i < 5; i++ {
		_, err := cbProvider.Chat(context.Background(), req)
		assert.EqualError(t, err, "down")
	}
	assert.NoError(t, cbProvider.Stream(context.Background(), req, func([]byte) error { return nil }))
	assert.Empty(t, cbProvider.GetCircuitStates())
}

func TestIsBackendHealthy(t *testing.T) {
	assert.True(t, isBackendHealthy(nil))
	assert.True(t, isBackendHealthy(context.Canceled))
	assert.True(t, isBackendHealthy(&handlerError{err: errors.New("x")}))
	assert.True(t, isBackendHealthy(&chat.StatusError{StatusCode: 404}))
	assert.False(t, isBackendHealthy(&chat.StatusError{StatusCode: 429}))
	assert.False(t, isBackendHealthy(&chat.StatusError{StatusCode: 500}))
	assert.False(t, isBackendHealthy(context.DeadlineExceeded))
}
