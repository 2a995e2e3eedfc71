package httpiface

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lioneltay/claude-pilot/domain/messages"

	"github.com/gin-gonic/gin"
)

// sseWriter writes block events as "event: <name>\ndata: <json>\n\n" frames,
// flushing after each. Headers are committed on the first event so an error
// raised before any output can still be answered with a JSON body.
type sseWriter struct {
	c       *gin.Context
	started bool
}

func newSSEWriter(c *gin.Context) *sseWriter {
	return &sseWriter{c: c}
}

func (w *sseWriter) Send(event messages.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event.EventName(), err)
	}

	if !w.started {
		w.c.Header("Content-Type", "text/event-stream")
		w.c.Header("Cache-Control", "no-cache")
		w.c.Header("Connection", "keep-alive")
		w.c.Header("X-Accel-Buffering", "no")
		w.c.Status(http.StatusOK)
		w.started = true
	}

	if _, err := fmt.Fprintf(w.c.Writer, "event: %s\ndata: %s\n\n", event.EventName(), data); err != nil {
		return err
	}
	w.c.Writer.Flush()

	// the write itself succeeds after a disconnect; the context tells the truth
	if err := w.c.Request.Context().Err(); err != nil {
		return err
	}
	return nil
}
