package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lioneltay/claude-pilot/domain/chat"
	"github.com/lioneltay/claude-pilot/domain/messages"
	"github.com/lioneltay/claude-pilot/domain/routing"

	"github.com/sirupsen/logrus"
)

// RequestTransformer maps inbound requests onto the backend request shape.
// It holds no mutable state and is safe for concurrent use.
type RequestTransformer struct {
	models       ModelMap
	utilityModel string
}

type Option func(*RequestTransformer)

// WithUtilityModel routes client-synthesized requests to a cheaper model.
func WithUtilityModel(model string) Option {
	return func(t *RequestTransformer) {
		t.utilityModel = model
	}
}

func NewRequestTransformer(models ModelMap, opts ...Option) *RequestTransformer {
	t := &RequestTransformer{models: models}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// BackendModel picks the backend model id for a request.
func (t *RequestTransformer) BackendModel(req *messages.Request, decision routing.Decision) string {
	switch decision {
	case routing.SyntheticUtility, routing.SuggestionStub:
		if t.utilityModel != "" {
			return t.utilityModel
		}
	case routing.DirectUserTurn, routing.AgentContinuation, routing.DedicatedToolExecution:
	}
	return t.models.Resolve(req.Model)
}

// ToBackendRequest converts req in a single pass. Tool ids are copied
// verbatim in both directions of the tool round trip.
func (t *RequestTransformer) ToBackendRequest(req *messages.Request, cls routing.Classification) *chat.Request {
	out := &chat.Request{
		Model:       t.BackendModel(req, cls.Decision),
		Messages:    make([]chat.Message, 0, len(req.Messages)+1),
		Stream:      req.Stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Initiator:   cls.Decision.Initiator(),
	}
	if req.Stream {
		out.StreamOptions = &chat.StreamOptions{IncludeUsage: true}
	}

	if req.System != "" {
		out.Messages = append(out.Messages, chat.Message{Role: chat.RoleSystem, Content: chat.TextContent(string(req.System))})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case messages.RoleUser:
			out.Messages = append(out.Messages, userMessages(msg)...)
		case messages.RoleAssistant:
			if m, ok := assistantMessage(msg); ok {
				out.Messages = append(out.Messages, m)
			}
		default:
			logrus.WithField("role", msg.Role).Warn("Skipping message with unsupported role")
		}
	}

	if keepsTools(cls.Decision) {
		out.Tools = convertTools(req.Tools)
		if len(out.Tools) > 0 {
			out.ToolChoice = convertToolChoice(req.ToolChoice)
		}
	}

	return out
}

func keepsTools(decision routing.Decision) bool {
	switch decision {
	case routing.SyntheticUtility, routing.SuggestionStub:
		return false
	case routing.DirectUserTurn, routing.AgentContinuation, routing.DedicatedToolExecution:
		return true
	}
	return true
}

// userMessages expands one user message into tool messages (one per tool
// result, in order) followed by the remaining user content.
func userMessages(msg messages.Message) []chat.Message {
	var out []chat.Message
	var parts []chat.ContentPart
	hasImage := false

	for _, block := range msg.Content {
		switch b := block.(type) {
		case messages.TextBlock:
			parts = append(parts, chat.ContentPart{Type: "text", Text: b.Text})
		case messages.ImageBlock:
			hasImage = true
			parts = append(parts, chat.ContentPart{Type: "image_url", ImageURL: &chat.ImageURL{URL: imageURL(b)}})
		case messages.ToolResultBlock:
			text := stringifyToolResult(b.Content)
			if b.IsError {
				text = "Error: " + text
			}
			out = append(out, chat.Message{Role: chat.RoleTool, ToolCallID: b.ToolUseID, Content: chat.TextContent(text)})
		case messages.ToolUseBlock:
			logrus.WithField("tool_use_id", b.ID).Warn("tool_use block in user message, forwarding as text")
			parts = append(parts, chat.ContentPart{Type: "text", Text: fmt.Sprintf("[tool_use %s %s] %s", b.ID, b.Name, toolArguments(b.Input))})
		case messages.UnknownBlock:
			logrus.WithField("block_type", b.Kind).Debug("Dropping unsupported user content block")
		}
	}

	switch {
	case len(parts) == 0 && len(out) == 0:
		out = append(out, chat.Message{Role: chat.RoleUser, Content: chat.TextContent("")})
	case len(parts) == 0:
	case hasImage:
		out = append(out, chat.Message{Role: chat.RoleUser, Content: chat.PartsContent(parts)})
	default:
		texts := make([]string, len(parts))
		for i, p := range parts {
			texts[i] = p.Text
		}
		out = append(out, chat.Message{Role: chat.RoleUser, Content: chat.TextContent(strings.Join(texts, "\n"))})
	}
	return out
}

// assistantMessage folds tool_use blocks into tool calls. Content stays null
// when the message has no text.
func assistantMessage(msg messages.Message) (chat.Message, bool) {
	var texts []string
	var calls []chat.ToolCall

	for _, block := range msg.Content {
		switch b := block.(type) {
		case messages.TextBlock:
			if b.Text != "" {
				texts = append(texts, b.Text)
			}
		case messages.ToolUseBlock:
			calls = append(calls, chat.ToolCall{
				ID:       b.ID,
				Type:     "function",
				Function: chat.FunctionCall{Name: b.Name, Arguments: toolArguments(b.Input)},
			})
		case messages.ToolResultBlock:
			logrus.WithField("tool_use_id", b.ToolUseID).Warn("tool_result block in assistant message, forwarding as text")
			texts = append(texts, stringifyToolResult(b.Content))
		case messages.ImageBlock, messages.UnknownBlock:
			logrus.WithField("block_type", b.Type()).Debug("Dropping unsupported assistant content block")
		}
	}

	out := chat.Message{Role: chat.RoleAssistant, ToolCalls: calls}
	if len(texts) > 0 {
		out.Content = chat.TextContent(strings.Join(texts, "\n"))
	}
	if out.Content.IsNull() && len(calls) == 0 {
		return chat.Message{}, false
	}
	return out, true
}

func imageURL(b messages.ImageBlock) string {
	if b.URL != "" {
		return b.URL
	}
	return fmt.Sprintf("data:%s;base64,%s", b.MediaType, b.Data)
}

func toolArguments(input json.RawMessage) string {
	trimmed := bytes.TrimSpace(input)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "{}"
	}
	return string(trimmed)
}

// stringifyToolResult renders tool result content as text. Array items that
// are not text blocks keep their JSON encoding, as does any other shape.
func stringifyToolResult(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err == nil {
			texts := make([]string, 0, len(items))
			for _, item := range items {
				var block struct {
					Type string  `json:"type"`
					Text *string `json:"text"`
				}
				if err := json.Unmarshal(item, &block); err == nil && block.Type == "text" && block.Text != nil {
					texts = append(texts, *block.Text)
					continue
				}
				texts = append(texts, string(bytes.TrimSpace(item)))
			}
			return strings.Join(texts, "\n")
		}
	}
	return string(trimmed)
}

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

func convertTools(tools []messages.ToolSpec) []chat.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]chat.Tool, 0, len(tools))
	for _, tool := range tools {
		if !tool.IsClientTool() {
			logrus.WithFields(logrus.Fields{"tool": tool.Name, "type": tool.Type}).Debug("Server tool has no backend equivalent, skipping")
			continue
		}
		params := tool.InputSchema
		if len(bytes.TrimSpace(params)) == 0 {
			params = emptySchema
		}
		out = append(out, chat.Tool{
			Type: "function",
			Function: chat.FunctionDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

type namedFunction struct {
	Type     string `json:"type"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

func convertToolChoice(tc *messages.ToolChoice) any {
	if tc == nil {
		return nil
	}
	switch tc.Type {
	case "auto":
		return "auto"
	case "any":
		return "required"
	case "none":
		return "none"
	case "tool":
		if tc.Name == "" {
			return "auto"
		}
		choice := namedFunction{Type: "function"}
		choice.Function.Name = tc.Name
		return choice
	default:
		return nil
	}
}
