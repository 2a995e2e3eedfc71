package messages

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound block-based protocol entities

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content Blocks `json:"content"`
}

// Text joins the text blocks of the message.
func (m Message) Text() string {
	var parts []string
	for _, block := range m.Content {
		if t, ok := block.(TextBlock); ok {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// HasToolResult reports whether any block is a tool result.
func (m Message) HasToolResult() bool {
	for _, block := range m.Content {
		if _, ok := block.(ToolResultBlock); ok {
			return true
		}
	}
	return false
}

// SystemPrompt accepts either a string or an array of text blocks; array
// entries are joined with newlines.
type SystemPrompt string

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*s = ""
		return nil
	}
	if trimmed[0] == '"' {
		var str string
		if err := json.Unmarshal(trimmed, &str); err != nil {
			return err
		}
		*s = SystemPrompt(str)
		return nil
	}

	var blocks Blocks
	if err := blocks.UnmarshalJSON(trimmed); err != nil {
		return fmt.Errorf("system: %w", err)
	}
	*s = SystemPrompt(Message{Content: blocks}.Text())
	return nil
}

type ToolSpec struct {
	// Type is empty for client tools; server tools carry a versioned type
	// such as "web_search_20250305".
	Type        string          `json:"type,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// IsClientTool reports whether the tool is executed by the client and can be
// offered to the backend as a function.
func (t ToolSpec) IsClientTool() bool {
	return t.Type == "" || t.Type == "custom"
}

type ToolChoice struct {
	Type                   string `json:"type"`
	Name                   string `json:"name,omitempty"`
	DisableParallelToolUse bool   `json:"disable_parallel_tool_use,omitempty"`
}

// Request is the inbound conversation request
type Request struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        SystemPrompt    `json:"system,omitempty"`
	Tools         []ToolSpec      `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// LastMessage returns the final message of the conversation.
func (r *Request) LastMessage() (Message, bool) {
	if len(r.Messages) == 0 {
		return Message{}, false
	}
	return r.Messages[len(r.Messages)-1], true
}

// Validate checks the structural requirements the gateway relies on.
func (r *Request) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages cannot be empty")
	}
	for i, msg := range r.Messages {
		if msg.Role != RoleUser && msg.Role != RoleAssistant {
			return fmt.Errorf("messages[%d]: invalid role '%s' (must be user or assistant)", i, msg.Role)
		}
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must not be negative")
	}
	return nil
}

type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopToolUse      StopReason = "tool_use"
	StopStopSequence StopReason = "stop_sequence"
)

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a complete (non-streaming) reply
type Response struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Role         string     `json:"role"`
	Model        string     `json:"model"`
	Content      Blocks     `json:"content"`
	StopReason   StopReason `json:"stop_reason"`
	StopSequence *string    `json:"stop_sequence"`
	Usage        Usage      `json:"usage"`
}

// NewResponse returns an assistant message envelope with no content.
func NewResponse(id, model string) *Response {
	return &Response{
		ID:         id,
		Type:       "message",
		Role:       RoleAssistant,
		Model:      model,
		Content:    Blocks{},
		StopReason: StopEndTurn,
	}
}

type CountTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

// Error types of the inbound protocol's error envelope
const (
	ErrInvalidRequest = "invalid_request_error"
	ErrAPI            = "api_error"
	ErrRateLimit      = "rate_limit_error"
	ErrOverloaded     = "overloaded_error"
	ErrNotFound       = "not_found_error"
)

type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

func NewErrorResponse(kind, message string) ErrorResponse {
	return ErrorResponse{Type: "error", Error: ErrorDetail{Type: kind, Message: message}}
}
