package chat

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrCircuitOpen is wrapped by errors returned while a model's breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker open")

// StatusError is a non-2xx reply from the backend
type StatusError struct {
	StatusCode int
	Model      string
	Message    string
	Body       string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Body
	}
	return fmt.Sprintf("backend api error: status %d, model %s: %s", e.StatusCode, e.Model, msg)
}

// Retryable reports whether the request may succeed when repeated.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsClientError reports a 4xx the caller caused; it says nothing about backend health.
func (e *StatusError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}
