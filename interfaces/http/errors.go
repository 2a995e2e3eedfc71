package httpiface

import (
	"errors"
	"net/http"

	"github.com/lioneltay/claude-pilot/application/gateway"
	"github.com/lioneltay/claude-pilot/domain/chat"
	"github.com/lioneltay/claude-pilot/domain/messages"

	"github.com/gin-gonic/gin"
)

// errorStatus maps a service error onto the HTTP status and error type of
// the inbound protocol's error envelope.
func errorStatus(err error) (int, string) {
	var statusErr *chat.StatusError
	switch {
	case errors.Is(err, gateway.ErrInvalidRequest):
		return http.StatusBadRequest, messages.ErrInvalidRequest
	case errors.Is(err, chat.ErrCircuitOpen):
		return http.StatusServiceUnavailable, messages.ErrOverloaded
	case errors.As(err, &statusErr):
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return http.StatusTooManyRequests, messages.ErrRateLimit
		case statusErr.StatusCode >= 400 && statusErr.StatusCode < 500:
			return statusErr.StatusCode, messages.ErrAPI
		}
	}
	return http.StatusBadGateway, messages.ErrAPI
}

func writeError(c *gin.Context, err error) {
	status, kind := errorStatus(err)
	message := err.Error()
	var statusErr *chat.StatusError
	if errors.As(err, &statusErr) && statusErr.Message != "" {
		message = statusErr.Message
	}
	c.JSON(status, messages.NewErrorResponse(kind, message))
}
