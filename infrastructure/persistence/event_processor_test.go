package persistence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lioneltay/claude-pilot/domain/persistence"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock repositories
type MockRequestRepository struct {
	mock.Mock
}

func (m *MockRequestRepository) Create(ctx context.Context, entity *persistence.RequestRecord) error {
	args := m.Called(ctx, entity)
	return args.Error(0)
}

func (m *MockRequestRepository) Update(ctx context.Context, entity *persistence.RequestRecord) error {
	args := m.Called(ctx, entity)
	return args.Error(0)
}

func (m *MockRequestRepository) FindByID(ctx context.Context, id uuid.UUID) (*persistence.RequestRecord, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(*persistence.RequestRecord), args.Error(1)
}

func (m *MockRequestRepository) FindByIDWithRelations(ctx context.Context, id uuid.UUID) (*persistence.RequestRecord, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(*persistence.RequestRecord), args.Error(1)
}

func (m *MockRequestRepository) FindByStatus(ctx context.Context, status persistence.RequestStatus, limit int) ([]*persistence.RequestRecord, error) {
	args := m.Called(ctx, status, limit)
	return args.Get(0).([]*persistence.RequestRecord), args.Error(1)
}

func (m *MockRequestRepository) FindRecent(ctx context.Context, limit int) ([]*persistence.RequestRecord, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]*persistence.RequestRecord), args.Error(1)
}

func (m *MockRequestRepository) CountByDecision(ctx context.Context) (map[string]int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(map[string]int64), args.Error(1)
}

type MockMetricsRepository struct {
	mock.Mock
}

func (m *MockMetricsRepository) CreateOrUpdate(ctx context.Context, metrics *persistence.RequestMetrics) error {
	args := m.Called(ctx, metrics)
	return args.Error(0)
}

func (m *MockMetricsRepository) GetAggregatedMetrics(ctx context.Context, limit int) (*persistence.AggregatedMetrics, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).(*persistence.AggregatedMetrics), args.Error(1)
}

func newTestProcessor(workers, buffer int) (*EventProcessor, *MockRequestRepository, *MockMetricsRepository) {
	requestRepo := &MockRequestRepository{}
	metricsRepo := &MockMetricsRepository{}
	processor := NewEventProcessor(requestRepo, metricsRepo, workers, buffer)
	processor.retryBackoff = time.Millisecond
	return processor, requestRepo, metricsRepo
}

func TestEventProcessor_StartStop(t *testing.T) {
	processor, _, _ := newTestProcessor(2, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := processor.Start(ctx)
	assert.NoError(t, err)

	health := processor.Health()
	assert.True(t, health.IsRunning)
	assert.Equal(t, 0, health.QueueSize)

	// Test duplicate start (should fail)
	err = processor.Start(ctx)
	assert.Error(t, err)

	err = processor.Stop()
	assert.NoError(t, err)

	health = processor.Health()
	assert.False(t, health.IsRunning)

	// Stopping twice is a no-op
	assert.NoError(t, processor.Stop())
}

func TestEventProcessor_RejectsEventsWhenStopped(t *testing.T) {
	processor, _, _ := newTestProcessor(1, 10)

	err := processor.ProcessEvent(persistence.CreateRequestEvent{RequestID: uuid.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestEventProcessor_ProcessCreateRequestEvent(t *testing.T) {
	processor, requestRepo, _ := newTestProcessor(1, 10)

	requestID := uuid.New()
	requestRepo.On("Create", mock.Anything, mock.MatchedBy(func(r *persistence.RequestRecord) bool {
		return r.ID == requestID &&
			r.Decision == "direct_user_turn" &&
			r.Initiator == "user" &&
			r.InboundModel == "claude-sonnet-4-5" &&
			r.Status == persistence.RequestStatusPending
	})).Return(nil)

	require.NoError(t, processor.Start(context.Background()))

	event := persistence.CreateRequestEvent{
		RequestID:    requestID,
		Decision:     "direct_user_turn",
		Initiator:    "user",
		InboundModel: "claude-sonnet-4-5",
		BackendModel: "claude-sonnet-4",
		RequestData:  []byte(`{"messages":[{"role":"user","content":"test"}]}`),
	}
	assert.NoError(t, processor.ProcessEvent(event))

	// Stop drains the queue before returning
	require.NoError(t, processor.Stop())

	requestRepo.AssertExpectations(t)
	assert.Equal(t, int64(1), processor.Health().ProcessedCount)
}

func TestEventProcessor_ProcessWrappedEvent(t *testing.T) {
	processor, requestRepo, metricsRepo := newTestProcessor(1, 10)

	requestID := uuid.New()
	requestRepo.On("FindByID", mock.Anything, requestID).Return(&persistence.RequestRecord{ID: requestID}, nil)
	metricsRepo.On("CreateOrUpdate", mock.Anything, mock.MatchedBy(func(m *persistence.RequestMetrics) bool {
		return m.RequestID == requestID && m.InputTokens == 12 && m.OutputTokens == 34 && m.LatencyMs == 500
	})).Return(nil)

	require.NoError(t, processor.Start(context.Background()))
	assert.NoError(t, processor.ProcessEvent(persistence.PersistenceEvent[persistence.CreateMetricsEvent]{
		Type: persistence.EventTypeCreateMetrics,
		Data: persistence.CreateMetricsEvent{RequestID: requestID, InputTokens: 12, OutputTokens: 34, LatencyMs: 500},
	}))
	require.NoError(t, processor.Stop())

	requestRepo.AssertExpectations(t)
	metricsRepo.AssertExpectations(t)
}

func TestEventProcessor_UnknownEventCountsAsError(t *testing.T) {
	processor, _, _ := newTestProcessor(1, 10)

	require.NoError(t, processor.Start(context.Background()))
	assert.NoError(t, processor.ProcessEvent("not an event"))
	require.NoError(t, processor.Stop())

	assert.Equal(t, int64(1), processor.Health().ErrorCount)
}

func TestEventProcessor_QueueFull(t *testing.T) {
	processor, requestRepo, _ := newTestProcessor(1, 1)

	// Block the single worker so the queue stays full
	release := make(chan struct{})
	var once sync.Once
	requestRepo.On("Create", mock.Anything, mock.AnythingOfType("*persistence.RequestRecord")).
		Run(func(mock.Arguments) { once.Do(func() { <-release }) }).
		Return(nil)

	require.NoError(t, processor.Start(context.Background()))

	event := persistence.CreateRequestEvent{RequestID: uuid.New(), RequestData: []byte(`{}`)}

	// The first event occupies the worker, the second fills the buffer
	require.NoError(t, processor.ProcessEvent(event))
	require.Eventually(t, func() bool { return processor.Health().QueueSize == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, processor.ProcessEvent(event))

	err := processor.ProcessEvent(event)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue is full")
	assert.Equal(t, int64(1), processor.Health().DroppedCount)

	close(release)
	require.NoError(t, processor.Stop())
	assert.Equal(t, int64(2), processor.Health().ProcessedCount)
}

func TestEventProcessor_HandleUpdateRequestWithRetry(t *testing.T) {
	processor, requestRepo, _ := newTestProcessor(1, 10)

	requestID := uuid.New()
	notFound := fmt.Errorf("request record not found: record not found")
	requestRepo.On("FindByID", mock.Anything, requestID).Return((*persistence.RequestRecord)(nil), notFound).Twice()
	requestRepo.On("FindByID", mock.Anything, requestID).Return(&persistence.RequestRecord{ID: requestID}, nil).Once()
	requestRepo.On("Update", mock.Anything, mock.MatchedBy(func(r *persistence.RequestRecord) bool {
		return r.Status == persistence.RequestStatusCompleted && r.StopReason == "end_turn" && string(r.ResponseData) == `{"ok":true}`
	})).Return(nil).Once()

	err := processor.handleUpdateRequest(context.Background(), persistence.UpdateRequestEvent{
		RequestID:    requestID,
		ResponseData: []byte(`{"ok":true}`),
		Status:       persistence.RequestStatusCompleted,
		StopReason:   "end_turn",
	})
	assert.NoError(t, err)

	requestRepo.AssertExpectations(t)
}

func TestEventProcessor_HandleCreateMetricsGivesUp(t *testing.T) {
	processor, requestRepo, metricsRepo := newTestProcessor(1, 10)

	requestID := uuid.New()
	notFound := fmt.Errorf("request record not found: record not found")
	requestRepo.On("FindByID", mock.Anything, requestID).Return((*persistence.RequestRecord)(nil), notFound).Times(lookupAttempts)

	err := processor.handleCreateMetrics(context.Background(), persistence.CreateMetricsEvent{RequestID: requestID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-existent request")

	requestRepo.AssertExpectations(t)
	metricsRepo.AssertNotCalled(t, "CreateOrUpdate", mock.Anything, mock.Anything)
}

func TestEventProcessor_HandleCreateMetricsFailsFastOnOtherErrors(t *testing.T) {
	processor, requestRepo, _ := newTestProcessor(1, 10)

	requestID := uuid.New()
	requestRepo.On("FindByID", mock.Anything, requestID).Return((*persistence.RequestRecord)(nil), fmt.Errorf("connection refused")).Once()

	err := processor.handleCreateMetrics(context.Background(), persistence.CreateMetricsEvent{RequestID: requestID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	requestRepo.AssertExpectations(t)
}

// recordingProcessor captures events instead of persisting them
type recordingProcessor struct {
	mu     sync.Mutex
	events []any
	err    error
}

func (p *recordingProcessor) Start(context.Context) error { return nil }
func (p *recordingProcessor) Stop() error { return nil }
func (p *recordingProcessor) Health() persistence.ProcessorHealth {
	return persistence.ProcessorHealth{IsRunning: true}
}

func (p *recordingProcessor) ProcessEvent(event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func TestRequestTracker_StartTracking(t *testing.T) {
	processor := &recordingProcessor{}
	tracker := NewRequestTracker(processor)

	requestID := uuid.New()
	err := tracker.StartTracking(context.Background(), persistence.RequestEntry{
		RequestID:    requestID,
		Decision:     "agent_continuation",
		Initiator:    "agent",
		InboundModel: "claude-opus-4-1",
		BackendModel: "claude-opus-4",
		IsStreaming:  true,
		RequestData:  []byte(`{"model":"claude-opus-4-1"}`),
	})
	require.NoError(t, err)

	require.Len(t, processor.events, 1)
	event, ok := processor.events[0].(persistence.CreateRequestEvent)
	require.True(t, ok)
	assert.Equal(t, requestID, event.RequestID)
	assert.Equal(t, "agent", event.Initiator)
	assert.True(t, event.IsStreaming)
	assert.JSONEq(t, `{"model":"claude-opus-4-1"}`, string(event.RequestData))
}

func TestRequestTracker_CompleteTracking(t *testing.T) {
	processor := &recordingProcessor{}
	tracker := NewRequestTracker(processor)

	requestID := uuid.New()
	err := tracker.CompleteTracking(context.Background(), requestID, persistence.Outcome{
		StopReason:   "tool_use",
		ResponseData: []byte(`{"id":"msg_1"}`),
		InputTokens:  10,
		OutputTokens: 20,
		Latency:      1500 * time.Millisecond,
	})
	require.NoError(t, err)

	require.Len(t, processor.events, 2)
	update := processor.events[0].(persistence.UpdateRequestEvent)
	assert.Equal(t, persistence.RequestStatusCompleted, update.Status)
	assert.Equal(t, "tool_use", update.StopReason)
	assert.JSONEq(t, `{"id":"msg_1"}`, string(update.ResponseData))

	metrics := processor.events[1].(persistence.CreateMetricsEvent)
	assert.Equal(t, 10, metrics.InputTokens)
	assert.Equal(t, 20, metrics.OutputTokens)
	assert.Equal(t, int64(1500), metrics.LatencyMs)
}

func TestRequestTracker_CompleteTrackingDropsInvalidResponseJSON(t *testing.T) {
	processor := &recordingProcessor{}
	tracker := NewRequestTracker(processor)

	require.NoError(t, tracker.CompleteTracking(context.Background(), uuid.New(), persistence.Outcome{
		ResponseData: []byte("event: message_start"),
	}))

	update := processor.events[0].(persistence.UpdateRequestEvent)
	assert.Nil(t, update.ResponseData)
}

func TestRequestTracker_FailTracking(t *testing.T) {
	processor := &recordingProcessor{}
	tracker := NewRequestTracker(processor)

	require.NoError(t, tracker.FailTracking(context.Background(), uuid.New(), "backend returned 502", persistence.Outcome{
		StopReason: "end_turn",
		Latency:    time.Second,
	}))

	require.Len(t, processor.events, 2)
	update := processor.events[0].(persistence.UpdateRequestEvent)
	assert.Equal(t, persistence.RequestStatusFailed, update.Status)
	assert.JSONEq(t, `{"error":"backend returned 502"}`, string(update.ResponseData))
}

func TestRequestTracker_PropagatesQueueErrors(t *testing.T) {
	processor := &recordingProcessor{err: fmt.Errorf("event processor queue is full")}
	tracker := NewRequestTracker(processor)

	err := tracker.CompleteTracking(context.Background(), uuid.New(), persistence.Outcome{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue is full")
}
