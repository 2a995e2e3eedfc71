package transcode

import (
	"bytes"

	"github.com/lioneltay/claude-pilot/domain/messages"
)

// WriteResponse streams a complete response with the same event grammar the
// Transcoder produces: one block per content entry, each delivered as a
// single delta.
func WriteResponse(sink EventSink, resp *messages.Response) error {
	events := []messages.Event{messages.NewMessageStart(resp.ID, resp.Model, resp.Usage.InputTokens)}

	for i, block := range resp.Content {
		switch b := block.(type) {
		case messages.TextBlock:
			events = append(events, messages.NewContentBlockStart(i, messages.TextBlock{}))
			if b.Text != "" {
				events = append(events, messages.NewTextDelta(i, b.Text))
			}
		case messages.ToolUseBlock:
			events = append(events, messages.NewContentBlockStart(i, messages.ToolUseBlock{ID: b.ID, Name: b.Name}))
			if input := bytes.TrimSpace(b.Input); len(input) > 0 {
				events = append(events, messages.NewInputJSONDelta(i, string(input)))
			}
		case messages.ToolResultBlock, messages.ImageBlock, messages.UnknownBlock:
			events = append(events, messages.NewContentBlockStart(i, b))
		}
		events = append(events, messages.NewContentBlockStop(i))
	}

	events = append(events, messages.NewMessageDelta(resp.StopReason, resp.Usage), messages.NewMessageStop())

	for _, ev := range events {
		if err := sink.Send(ev); err != nil {
			return err
		}
	}
	return nil
}
