package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lioneltay/claude-pilot/domain/chat"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig holds configuration for circuit breaker behavior
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold" json:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	MaxRequests      uint32        `yaml:"max_requests" json:"max_requests"`
}

// DefaultCircuitBreakerConfig returns sensible defaults for circuit breaker configuration
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,                // Open after 5 consecutive failures
		Timeout:          60 * time.Second, // Stay open for 60 seconds
		MaxRequests:      3,                // Half-open probes; closes after this many successes
	}
}

// CircuitBreakerProvider wraps the backend with one breaker per model
type CircuitBreakerProvider struct {
	provider chat.ProviderPort
	stream   chat.StreamProviderPort[[]byte]
	config   CircuitBreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	mutex    sync.RWMutex
}

func NewCircuitBreakerProvider(provider chat.ProviderPort, stream chat.StreamProviderPort[[]byte], config CircuitBreakerConfig) *CircuitBreakerProvider {
	return &CircuitBreakerProvider{
		provider: provider,
		stream:   stream,
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// handlerError marks failures raised by the stream consumer, which say
// nothing about backend health.
type handlerError struct {
	err error
}

func (e *handlerError) Error() string { return e.err.Error() }
func (e *handlerError) Unwrap() error { return e.err }

// Chat implements the ProviderPort interface with circuit breaker protection
func (c *CircuitBreakerProvider) Chat(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	if !c.config.Enabled {
		return c.provider.Chat(ctx, req)
	}

	model := c.extractModel(req)
	breaker := c.getOrCreateBreaker(model)

	result, err := breaker.Execute(func() (interface{}, error) {
		return c.provider.Chat(ctx, req)
	})
	if err != nil {
		return nil, c.translate(err, model, breaker)
	}
	return result.(*chat.Response), nil
}

// Stream implements the StreamProviderPort interface with circuit breaker protection
func (c *CircuitBreakerProvider) Stream(ctx context.Context, req *chat.Request, onChunk chat.StreamHandler[[]byte]) error {
	if !c.config.Enabled {
		return c.stream.Stream(ctx, req, onChunk)
	}

	model := c.extractModel(req)
	breaker := c.getOrCreateBreaker(model)

	_, err := breaker.Execute(func() (interface{}, error) {
		err := c.stream.Stream(ctx, req, func(chunk []byte) error {
			if err := onChunk(chunk); err != nil {
				return &handlerError{err: err}
			}
			return nil
		})
		return nil, err
	})
	if err != nil {
		var he *handlerError
		if errors.As(err, &he) {
			return he.err
		}
		return c.translate(err, model, breaker)
	}
	return nil
}

func (c *CircuitBreakerProvider) translate(err error, model string, breaker *gobreaker.CircuitBreaker) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		logrus.WithFields(logrus.Fields{
			"model": model,
			"state": breaker.State().String(),
		}).Warn("Circuit breaker is open, failing fast")
		return fmt.Errorf("%w for model %s: requests are being rejected to prevent cascade failures", chat.ErrCircuitOpen, model)
	}
	return err
}

// GetCircuitStates returns the current state of all circuit breakers for monitoring
func (c *CircuitBreakerProvider) GetCircuitStates() map[string]string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	states := make(map[string]string, len(c.breakers))
	for model, breaker := range c.breakers {
		states[model] = breaker.State().String()
	}
	return states
}

// getOrCreateBreaker gets or creates a circuit breaker for the specified model
func (c *CircuitBreakerProvider) getOrCreateBreaker(model string) *gobreaker.CircuitBreaker {
	c.mutex.RLock()
	if breaker, exists := c.breakers[model]; exists {
		c.mutex.RUnlock()
		return breaker
	}
	c.mutex.RUnlock()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	// Double-check: another goroutine might have created it while we waited
	if breaker, exists := c.breakers[model]; exists {
		return breaker
	}

	settings := gobreaker.Settings{
		Name:        fmt.Sprintf("backend-model-%s", model),
		MaxRequests: c.config.MaxRequests,
		Interval:    0, // counts are only cleared on state change
		Timeout:     c.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.config.FailureThreshold
		},
		IsSuccessful: isBackendHealthy,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"model":      model,
				"from_state": from.String(),
				"to_state":   to.String(),
			}).Info("Circuit breaker state changed")
		},
	}

	breaker := gobreaker.NewCircuitBreaker(settings)
	c.breakers[model] = breaker

	logrus.WithField("model", model).Info("Created new circuit breaker for model")
	return breaker
}

// isBackendHealthy decides which errors count against the breaker. Client
// cancellations, consumer failures and 4xx replies (other than 429) do not.
func isBackendHealthy(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var he *handlerError
	if errors.As(err, &he) {
		return true
	}
	var se *chat.StatusError
	if errors.As(err, &se) && se.IsClientError() {
		return true
	}
	return false
}

// extractModel normalizes the model name for use as a map key
func (c *CircuitBreakerProvider) extractModel(req *chat.Request) string {
	if req.Model != "" {
		model := strings.ToLower(strings.ReplaceAll(req.Model, "/", "-"))
		model = strings.ReplaceAll(model, ".", "-")
		return model
	}
	return "default"
}
