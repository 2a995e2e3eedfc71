package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lioneltay/claude-pilot/domain/chat"
	"github.com/lioneltay/claude-pilot/domain/messages"
	"github.com/lioneltay/claude-pilot/domain/search"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var finishReasons = map[string]messages.StopReason{
	"stop":          messages.StopEndTurn,
	"length":        messages.StopMaxTokens,
	"tool_calls":    messages.StopToolUse,
	"function_call": messages.StopToolUse,
}

// MapFinishReason translates a backend finish reason. Unrecognized codes map
// to end_turn and are logged.
func MapFinishReason(reason string) messages.StopReason {
	if reason == "" {
		return messages.StopEndTurn
	}
	if mapped, ok := finishReasons[reason]; ok {
		return mapped
	}
	if reason == "content_filter" {
		logrus.Warn("Backend filtered the completion, mapping to end_turn")
		return messages.StopEndTurn
	}
	logrus.WithField("finish_reason", reason).Warn("Unrecognized finish reason, mapping to end_turn")
	return messages.StopEndTurn
}

// NewMessageID returns an id in the inbound protocol's msg_ format.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ToInboundResponse converts a complete backend reply. model is the name the
// client asked for.
func ToInboundResponse(resp *chat.Response, id, model string) *messages.Response {
	out := messages.NewResponse(id, model)
	out.Usage = messages.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	if len(resp.Choices) == 0 {
		return out
	}

	choice := resp.Choices[0]
	if text := choice.Message.Content.String(); text != "" {
		out.Content = append(out.Content, messages.TextBlock{Text: text})
	}
	for _, call := range choice.Message.ToolCalls {
		out.Content = append(out.Content, messages.ToolUseBlock{
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: toolInput(call.Function.Arguments),
		})
	}
	out.StopReason = MapFinishReason(choice.FinishReason)
	return out
}

// toolInput parses call arguments into the object the inbound protocol
// requires. Arguments that are not a JSON object are kept under "raw".
func toolInput(arguments string) json.RawMessage {
	trimmed := bytes.TrimSpace([]byte(arguments))
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`)
	}
	if trimmed[0] == '{' && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	logrus.WithField("arguments", arguments).Warn("Tool call arguments are not a JSON object")
	wrapped, _ := json.Marshal(map[string]string{"raw": arguments})
	return wrapped
}

// FormatSearchResult renders a search result as a single text block: the
// summary followed by a markdown list of sources.
func FormatSearchResult(result *search.Result) messages.Blocks {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(result.SummaryText))
	if len(result.Sources) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Sources:")
		for _, src := range result.Sources {
			title := src.Title
			if title == "" {
				title = src.URL
			}
			fmt.Fprintf(&b, "\n- [%s](%s)", title, src.URL)
		}
	}
	return messages.Blocks{messages.TextBlock{Text: b.String()}}
}

// SearchResponse wraps a search result as a complete assistant reply.
func SearchResponse(req *messages.Request, result *search.Result) *messages.Response {
	out := messages.NewResponse(NewMessageID(), req.Model)
	out.Content = FormatSearchResult(result)
	out.Usage = messages.Usage{
		InputTokens:  EstimateRequestTokens(req),
		OutputTokens: EstimateTokens(out.Content[0].(messages.TextBlock).Text),
	}
	return out
}

// StubResponse is the empty end_turn reply used for requests answered
// without a backend call.
func StubResponse(req *messages.Request) *messages.Response {
	out := messages.NewResponse(NewMessageID(), req.Model)
	out.Usage = messages.Usage{InputTokens: EstimateRequestTokens(req)}
	return out
}
