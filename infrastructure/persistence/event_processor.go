package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lioneltay/claude-pilot/domain/persistence"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultWorkerCount = 5
	defaultBufferSize  = 1000
	lookupAttempts     = 3
	operationTimeout   = 10 * time.Second
	stopTimeout        = 30 * time.Second
)

// EventProcessor implements persistence.EventProcessor
type EventProcessor struct {
	requestRepo persistence.RequestRepository
	metricsRepo persistence.MetricsRepository
	workerCount int
	bufferSize  int

	// retryBackoff is multiplied by the attempt number while waiting for a
	// request row written by another worker
	retryBackoff time.Duration

	// mu guards eventChan against sends racing with close in Stop
	mu        sync.RWMutex
	eventChan chan any
	running   bool

	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	processedCount atomic.Int64
	errorCount     atomic.Int64
	droppedCount   atomic.Int64

	lastProcessedTime atomic.Value
}

// NewEventProcessor creates a new event processor
func NewEventProcessor(
	requestRepo persistence.RequestRepository,
	metricsRepo persistence.MetricsRepository,
	workerCount int,
	bufferSize int,
) *EventProcessor {
	if workerCount <= 0 {
		workerCount = defaultWorkerCount
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	return &EventProcessor{
		requestRepo:  requestRepo,
		metricsRepo:  metricsRepo,
		workerCount:  workerCount,
		bufferSize:   bufferSize,
		retryBackoff: 200 * time.Millisecond,
	}
}

// Start begins processing events from the channel
func (ep *EventProcessor) Start(ctx context.Context) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.running {
		return fmt.Errorf("event processor is already running")
	}

	ep.ctx, ep.cancel = context.WithCancel(ctx)
	ep.eventChan = make(chan any, ep.bufferSize)
	ep.running = true
	ep.lastProcessedTime.Store(time.Now())

	for i := 0; i < ep.workerCount; i++ {
		ep.wg.Add(1)
		go ep.worker(i, ep.eventChan)
	}

	logrus.WithFields(logrus.Fields{
		"worker_count": ep.workerCount,
		"buffer_size":  ep.bufferSize,
	}).Info("Event processor started")

	return nil
}

// Stop refuses new events, lets the workers drain what is queued, then
// cancels in-flight work
func (ep *EventProcessor) Stop() error {
	ep.mu.Lock()
	if !ep.running {
		ep.mu.Unlock()
		return nil
	}
	ep.running = false
	close(ep.eventChan)
	ep.mu.Unlock()

	logrus.Info("Stopping event processor...")

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("Event processor stopped gracefully")
	case <-time.After(stopTimeout):
		logrus.Warn("Event processor stop timed out")
	}

	ep.cancel()
	return nil
}

// ProcessEvent sends an event to be processed asynchronously. A full queue
// drops the event instead of blocking the caller.
func (ep *EventProcessor) ProcessEvent(event any) error {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	if !ep.running {
		return fmt.Errorf("event processor is not running")
	}

	select {
	case ep.eventChan <- event:
		return nil
	default:
		ep.droppedCount.Add(1)
		logrus.WithField("event_type", fmt.Sprintf("%T", event)).Warn("Event processor queue is full, dropping event")
		return fmt.Errorf("event processor queue is full")
	}
}

// Health returns the health status of the processor
func (ep *EventProcessor) Health() persistence.ProcessorHealth {
	ep.mu.RLock()
	running := ep.running
	queueSize := len(ep.eventChan)
	ep.mu.RUnlock()

	return persistence.ProcessorHealth{
		IsRunning:      running,
		QueueSize:      queueSize,
		ProcessedCount: ep.processedCount.Load(),
		ErrorCount:     ep.errorCount.Load(),
		DroppedCount:   ep.droppedCount.Load(),
	}
}

func (ep *EventProcessor) worker(workerID int, events <-chan any) {
	defer ep.wg.Done()

	logger := logrus.WithField("worker_id", workerID)
	logger.Debug("Event processor worker started")

	for event := range events {
		opCtx, cancel := context.WithTimeout(ep.ctx, operationTimeout)
		if err := ep.processEvent(opCtx, event); err != nil {
			ep.errorCount.Add(1)
			logger.WithError(err).Error("Failed to process event")
		} else {
			ep.processedCount.Add(1)
			ep.lastProcessedTime.Store(time.Now())
		}
		cancel()
	}

	logger.Debug("Event channel closed, worker stopping")
}

func (ep *EventProcessor) processEvent(ctx context.Context, event any) error {
	switch e := event.(type) {
	case persistence.PersistenceEvent[persistence.CreateRequestEvent]:
		return ep.handleCreateRequest(ctx, e.Data)

	case persistence.PersistenceEvent[persistence.UpdateRequestEvent]:
		return ep.handleUpdateRequest(ctx, e.Data)

	case persistence.PersistenceEvent[persistence.CreateMetricsEvent]:
		return ep.handleCreateMetrics(ctx, e.Data)

	case persistence.CreateRequestEvent:
		return ep.handleCreateRequest(ctx, e)

	case persistence.UpdateRequestEvent:
		return ep.handleUpdateRequest(ctx, e)

	case persistence.CreateMetricsEvent:
		return ep.handleCreateMetrics(ctx, e)

	default:
		return fmt.Errorf("unknown event type: %T", event)
	}
}

func (ep *EventProcessor) handleCreateRequest(ctx context.Context, event persistence.CreateRequestEvent) error {
	record := &persistence.RequestRecord{
		ID:           event.RequestID,
		Decision:     event.Decision,
		Initiator:    event.Initiator,
		InboundModel: event.InboundModel,
		BackendModel: event.BackendModel,
		IsStreaming:  event.IsStreaming,
		Status:       persistence.RequestStatusPending,
		RequestData:  event.RequestData,
	}

	if err := ep.requestRepo.Create(ctx, record); err != nil {
		return fmt.Errorf("failed to create request record: %w", err)
	}
	return nil
}

// findRequest waits for the request row, which another worker may still be
// inserting
func (ep *EventProcessor) findRequest(ctx context.Context, requestID uuid.UUID, purpose string) (*persistence.RequestRecord, error) {
	var (
		record *persistence.RequestRecord
		err    error
	)

	for attempt := 0; attempt < lookupAttempts; attempt++ {
		record, err = ep.requestRepo.FindByID(ctx, requestID)
		if err == nil {
			return record, nil
		}

		if !strings.Contains(err.Error(), "record not found") {
			return nil, fmt.Errorf("failed to find request for %s: %w", purpose, err)
		}

		logrus.WithError(err).WithFields(logrus.Fields{
			"request_id": requestID,
			"attempt":    attempt + 1,
		}).Warnf("Request not found for %s, retrying...", purpose)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * ep.retryBackoff):
		}
	}

	logrus.WithError(err).WithField("request_id", requestID).Warnf("Cannot apply %s: request not found after retries", purpose)
	return nil, fmt.Errorf("cannot apply %s to non-existent request: %w", purpose, err)
}

func (ep *EventProcessor) handleUpdateRequest(ctx context.Context, event persistence.UpdateRequestEvent) error {
	record, err := ep.findRequest(ctx, event.RequestID, "update")
	if err != nil {
		return err
	}

	record.ResponseData = event.ResponseData
	record.Status = event.Status
	record.StopReason = event.StopReason

	return ep.requestRepo.Update(ctx, record)
}

func (ep *EventProcessor) handleCreateMetrics(ctx context.Context, event persistence.CreateMetricsEvent) error {
	if _, err := ep.findRequest(ctx, event.RequestID, "metrics"); err != nil {
		return err
	}

	metrics := &persistence.RequestMetrics{
		RequestID:    event.RequestID,
		InputTokens:  event.InputTokens,
		OutputTokens: event.OutputTokens,
		LatencyMs:    event.LatencyMs,
	}

	return ep.metricsRepo.CreateOrUpdate(ctx, metrics)
}

// RequestTracker implements persistence.RequestTracker using the event processor
type RequestTracker struct {
	processor persistence.EventProcessor
}

// NewRequestTracker creates a new request tracker
func NewRequestTracker(processor persistence.EventProcessor) persistence.RequestTracker {
	return &RequestTracker{
		processor: processor,
	}
}

// StartTracking records a newly accepted request
func (rt *RequestTracker) StartTracking(ctx context.Context, entry persistence.RequestEntry) error {
	event := persistence.CreateRequestEvent{
		RequestID:    entry.RequestID,
		Decision:     entry.Decision,
		Initiator:    entry.Initiator,
		InboundModel: entry.InboundModel,
		BackendModel: entry.BackendModel,
		IsStreaming:  entry.IsStreaming,
		RequestData:  json.RawMessage(entry.RequestData),
	}

	return rt.processor.ProcessEvent(event)
}

// CompleteTracking finalizes request tracking with response data
func (rt *RequestTracker) CompleteTracking(ctx context.Context, requestID uuid.UUID, outcome persistence.Outcome) error {
	updateEvent := persistence.UpdateRequestEvent{
		RequestID:    requestID,
		ResponseData: responseJSON(outcome.ResponseData),
		Status:       persistence.RequestStatusCompleted,
		StopReason:   outcome.StopReason,
	}

	if err := rt.processor.ProcessEvent(updateEvent); err != nil {
		return fmt.Errorf("failed to process update request event: %w", err)
	}

	if err := rt.processor.ProcessEvent(metricsEvent(requestID, outcome)); err != nil {
		return fmt.Errorf("failed to process create metrics event: %w", err)
	}

	return nil
}

// FailTracking marks a request as failed
func (rt *RequestTracker) FailTracking(ctx context.Context, requestID uuid.UUID, errorMsg string, outcome persistence.Outcome) error {
	errorData, _ := json.Marshal(map[string]string{
		"error": errorMsg,
	})

	event := persistence.UpdateRequestEvent{
		RequestID:    requestID,
		ResponseData: json.RawMessage(errorData),
		Status:       persistence.RequestStatusFailed,
		StopReason:   outcome.StopReason,
	}

	if err := rt.processor.ProcessEvent(event); err != nil {
		return fmt.Errorf("failed to process update request event: %w", err)
	}

	if err := rt.processor.ProcessEvent(metricsEvent(requestID, outcome)); err != nil {
		return fmt.Errorf("failed to process create metrics event: %w", err)
	}

	return nil
}

func metricsEvent(requestID uuid.UUID, outcome persistence.Outcome) persistence.CreateMetricsEvent {
	return persistence.CreateMetricsEvent{
		RequestID:    requestID,
		InputTokens:  outcome.InputTokens,
		OutputTokens: outcome.OutputTokens,
		LatencyMs:    outcome.Latency.Milliseconds(),
	}
}

// responseJSON keeps response_data valid JSON for the jsonb column
func responseJSON(data []byte) json.RawMessage {
	if len(data) == 0 || !json.Valid(data) {
		return nil
	}
	return json.RawMessage(data)
}
