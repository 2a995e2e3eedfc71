package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lioneltay/claude-pilot/application/transcode"
	"github.com/lioneltay/claude-pilot/application/transform"
	"github.com/lioneltay/claude-pilot/domain/chat"
	"github.com/lioneltay/claude-pilot/domain/messages"
	"github.com/lioneltay/claude-pilot/domain/persistence"
	"github.com/lioneltay/claude-pilot/domain/routing"
	"github.com/lioneltay/claude-pilot/domain/search"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrInvalidRequest wraps every validation failure of an inbound request.
var ErrInvalidRequest = errors.New("invalid request")

const trackingTimeout = 5 * time.Second

// Service orchestrates one inbound request: classify, route, transform,
// call the backend and record the outcome.
type Service struct {
	classifier      *routing.Classifier
	transformer     *transform.RequestTransformer
	provider        chat.ProviderPort
	stream          chat.StreamProviderPort[[]byte]
	search          search.Helper
	tracker         persistence.RequestTracker
	stubSuggestions bool
}

type Option func(*Service)

// WithSearchHelper answers dedicated tool-execution requests locally.
func WithSearchHelper(helper search.Helper) Option {
	return func(s *Service) {
		s.search = helper
	}
}

func WithTracker(tracker persistence.RequestTracker) Option {
	return func(s *Service) {
		s.tracker = tracker
	}
}

// WithStubSuggestions answers suggestion requests with an empty reply
// instead of forwarding them.
func WithStubSuggestions(enabled bool) Option {
	return func(s *Service) {
		s.stubSuggestions = enabled
	}
}

func NewService(
	classifier *routing.Classifier,
	transformer *transform.RequestTransformer,
	provider chat.ProviderPort,
	stream chat.StreamProviderPort[[]byte],
	opts ...Option,
) *Service {
	s := &Service{
		classifier:  classifier,
		transformer: transformer,
		provider:    provider,
		stream:      stream,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// call carries the per-request facts shared by routing and tracking.
type call struct {
	id           uuid.UUID
	req          *messages.Request
	cls          routing.Classification
	backendModel string
	inputTokens  int
	start        time.Time
	log          *logrus.Entry
}

func (s *Service) begin(ctx context.Context, req *messages.Request) *call {
	cls := s.classifier.Classify(req)
	c := &call{
		id:           RequestIDFrom(ctx),
		req:          req,
		cls:          cls,
		backendModel: s.transformer.BackendModel(req, cls.Decision),
		inputTokens:  transform.EstimateRequestTokens(req),
		start:        time.Now(),
	}
	c.log = logrus.WithFields(logrus.Fields{
		"request_id":    c.id,
		"decision":      cls.Decision.String(),
		"initiator":     cls.Decision.Initiator(),
		"model":         req.Model,
		"backend_model": c.backendModel,
		"stream":        req.Stream,
	})
	c.log.Info("Routing request")
	s.startTracking(ctx, c)
	return c
}

// Classify exposes the routing decision without executing the request.
func (s *Service) Classify(req *messages.Request) routing.Classification {
	return s.classifier.Classify(req)
}

// Messages serves a non-streaming request.
func (s *Service) Messages(ctx context.Context, req *messages.Request) (*messages.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Stream {
		return nil, fmt.Errorf("%w: use StreamMessages for streaming requests", ErrInvalidRequest)
	}

	c := s.begin(ctx, req)

	if resp, ok := s.answerLocally(ctx, c); ok {
		s.complete(ctx, c, resp.StopReason, resp.Usage, resp)
		return resp, nil
	}

	backendReq := s.transformer.ToBackendRequest(req, c.cls)
	resp, err := s.provider.Chat(ctx, backendReq)
	if err != nil {
		c.log.WithError(err).Error("Backend request failed")
		s.fail(ctx, c, err, "", messages.Usage{InputTokens: c.inputTokens})
		return nil, err
	}

	out := transform.ToInboundResponse(resp, transform.NewMessageID(), req.Model)
	s.complete(ctx, c, out.StopReason, out.Usage, out)
	return out, nil
}

// StreamMessages serves a streaming request by writing block events to sink.
// An error is returned only when nothing has been written yet, so the caller
// can still answer with an error body; later failures close the stream with
// a terminal event instead.
func (s *Service) StreamMessages(ctx context.Context, req *messages.Request, sink transcode.EventSink) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !req.Stream {
		return fmt.Errorf("%w: set stream=true for streaming", ErrInvalidRequest)
	}

	c := s.begin(ctx, req)

	if resp, ok := s.answerLocally(ctx, c); ok {
		if err := transcode.WriteResponse(sink, resp); err != nil {
			c.log.WithError(err).Warn("Client went away during local reply")
			s.fail(ctx, c, err, resp.StopReason, resp.Usage)
			return nil
		}
		s.complete(ctx, c, resp.StopReason, resp.Usage, resp)
		return nil
	}

	tc := transcode.New(sink, transcode.Options{
		Model:       req.Model,
		InputTokens: c.inputTokens,
		Logger:      c.log,
	})

	var sinkErr error
	feed := func(chunk []byte) error {
		if err := tc.Feed(chunk); err != nil {
			sinkErr = err
			return err
		}
		return nil
	}

	backendReq := s.transformer.ToBackendRequest(req, c.cls)
	err := s.stream.Stream(ctx, backendReq, feed)
	state := tc.State()

	switch {
	case err == nil:
		err = tc.Finish()
	case sinkErr != nil:
		// handled below with the other client write failures
	case ctx.Err() != nil:
		c.log.WithError(err).Info("Client cancelled stream")
		s.fail(ctx, c, ctx.Err(), state.StopReason, streamUsage(state))
		return nil
	case !state.Started:
		c.log.WithError(err).Error("Backend stream failed before any output")
		s.fail(ctx, c, err, "", messages.Usage{InputTokens: c.inputTokens})
		return err
	default:
		c.log.WithError(err).Error("Backend stream failed mid-response")
		if failErr := tc.Fail(err); failErr != nil {
			c.log.WithError(failErr).Warn("Could not close client stream")
		}
		s.fail(ctx, c, err, state.StopReason, streamUsage(state))
		return nil
	}

	if err != nil {
		c.log.WithError(err).Warn("Client went away during stream")
		s.fail(ctx, c, err, state.StopReason, streamUsage(state))
		return nil
	}

	s.complete(ctx, c, state.StopReason, streamUsage(state), streamSummary(state))
	return nil
}

// CountTokens estimates the prompt size of req without calling the backend.
func (s *Service) CountTokens(req *messages.Request) (*messages.CountTokensResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return &messages.CountTokensResponse{InputTokens: transform.EstimateRequestTokens(req)}, nil
}

// answerLocally produces replies that never reach the backend.
func (s *Service) answerLocally(ctx context.Context, c *call) (*messages.Response, bool) {
	switch c.cls.Decision {
	case routing.SuggestionStub:
		if s.stubSuggestions {
			c.log.Debug("Answering suggestion request with stub")
			return transform.StubResponse(c.req), true
		}
	case routing.DedicatedToolExecution:
		if s.search == nil {
			return nil, false
		}
		result, err := s.search.Search(ctx, c.cls.Payload)
		if err != nil {
			c.log.WithError(err).WithField("query", c.cls.Payload).Warn("Search helper failed, forwarding to backend")
			return nil, false
		}
		return transform.SearchResponse(c.req, result), true
	case routing.DirectUserTurn, routing.AgentContinuation, routing.SyntheticUtility:
	}
	return nil, false
}

func streamUsage(state *transcode.StreamState) messages.Usage {
	return messages.Usage{InputTokens: state.InputTokenEstimate, OutputTokens: state.OutputTokenCount}
}

func streamSummary(state *transcode.StreamState) map[string]any {
	return map[string]any{
		"streaming":   true,
		"id":          state.MessageID,
		"stop_reason": state.StopReason,
		"blocks":      state.NextBlockIndex,
		"synthetic":   state.Synthetic,
	}
}

func (s *Service) startTracking(ctx context.Context, c *call) {
	if s.tracker == nil {
		return
	}
	requestData, err := json.Marshal(c.req)
	if err != nil {
		c.log.WithError(err).Warn("Failed to serialize request for tracking")
		requestData = nil
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), trackingTimeout)
	defer cancel()

	entry := persistence.RequestEntry{
		RequestID:    c.id,
		Decision:     c.cls.Decision.String(),
		Initiator:    c.cls.Decision.Initiator(),
		InboundModel: c.req.Model,
		BackendModel: c.backendModel,
		IsStreaming:  c.req.Stream,
		RequestData:  requestData,
	}
	if err := s.tracker.StartTracking(opCtx, entry); err != nil {
		c.log.WithError(err).Warn("Failed to start tracking request")
	}
}

func (s *Service) complete(ctx context.Context, c *call, reason messages.StopReason, usage messages.Usage, response any) {
	latency := time.Since(c.start)
	c.log.WithFields(logrus.Fields{
		"stop_reason":   reason,
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
		"latency_ms":    latency.Milliseconds(),
	}).Info("Request completed")

	if s.tracker == nil {
		return
	}
	responseData, _ := json.Marshal(response)

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), trackingTimeout)
	defer cancel()

	outcome := persistence.Outcome{
		StopReason:   string(reason),
		ResponseData: responseData,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Latency:      latency,
	}
	if err := s.tracker.CompleteTracking(opCtx, c.id, outcome); err != nil {
		c.log.WithError(err).Warn("Failed to complete tracking request")
	}
}

func (s *Service) fail(ctx context.Context, c *call, cause error, reason messages.StopReason, usage messages.Usage) {
	if s.tracker == nil {
		return
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), trackingTimeout)
	defer cancel()

	outcome := persistence.Outcome{
		StopReason:   string(reason),
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Latency:      time.Since(c.start),
	}
	if err := s.tracker.FailTracking(opCtx, c.id, cause.Error(), outcome); err != nil {
		c.log.WithError(err).Warn("Failed to record request failure")
	}
}
