package messages

// Stream events of the block-based protocol. Each event is written as
// "event: <name>" followed by its JSON payload.

const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
)

type Event interface {
	EventName() string
}

// StreamMessage is the message envelope carried by message_start
type StreamMessage struct {
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	Role         string      `json:"role"`
	Model        string      `json:"model"`
	Content      Blocks      `json:"content"`
	StopReason   *StopReason `json:"stop_reason"`
	StopSequence *string     `json:"stop_sequence"`
	Usage        Usage       `json:"usage"`
}

type MessageStart struct {
	Type    string        `json:"type"`
	Message StreamMessage `json:"message"`
}

func NewMessageStart(id, model string, inputTokens int) MessageStart {
	return MessageStart{
		Type: EventMessageStart,
		Message: StreamMessage{
			ID:      id,
			Type:    "message",
			Role:    RoleAssistant,
			Model:   model,
			Content: Blocks{},
			Usage:   Usage{InputTokens: inputTokens},
		},
	}
}

type ContentBlockStart struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

func NewContentBlockStart(index int, block ContentBlock) ContentBlockStart {
	return ContentBlockStart{Type: EventContentBlockStart, Index: index, ContentBlock: block}
}

// BlockDelta is either a TextDelta or an InputJSONDelta
type BlockDelta interface {
	isBlockDelta()
}

type TextDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type InputJSONDelta struct {
	Type        string `json:"type"`
	PartialJSON string `json:"partial_json"`
}

func (TextDelta) isBlockDelta()      {}
func (InputJSONDelta) isBlockDelta() {}

type ContentBlockDelta struct {
	Type  string     `json:"type"`
	Index int        `json:"index"`
	Delta BlockDelta `json:"delta"`
}

func NewTextDelta(index int, text string) ContentBlockDelta {
	return ContentBlockDelta{Type: EventContentBlockDelta, Index: index, Delta: TextDelta{Type: "text_delta", Text: text}}
}

func NewInputJSONDelta(index int, partial string) ContentBlockDelta {
	return ContentBlockDelta{Type: EventContentBlockDelta, Index: index, Delta: InputJSONDelta{Type: "input_json_delta", PartialJSON: partial}}
}

type ContentBlockStop struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

func NewContentBlockStop(index int) ContentBlockStop {
	return ContentBlockStop{Type: EventContentBlockStop, Index: index}
}

type MessageDeltaBody struct {
	StopReason   StopReason `json:"stop_reason"`
	StopSequence *string    `json:"stop_sequence"`
}

type MessageDelta struct {
	Type  string           `json:"type"`
	Delta MessageDeltaBody `json:"delta"`
	Usage Usage            `json:"usage"`
}

func NewMessageDelta(reason StopReason, usage Usage) MessageDelta {
	return MessageDelta{Type: EventMessageDelta, Delta: MessageDeltaBody{StopReason: reason}, Usage: usage}
}

type MessageStop struct {
	Type string `json:"type"`
}

func NewMessageStop() MessageStop {
	return MessageStop{Type: EventMessageStop}
}

func (MessageStart) EventName() string      { return EventMessageStart }
func (ContentBlockStart) EventName() string { return EventContentBlockStart }
func (ContentBlockDelta) EventName() string { return EventContentBlockDelta }
func (ContentBlockStop) EventName() string  { return EventContentBlockStop }
func (MessageDelta) EventName() string      { return EventMessageDelta }
func (MessageStop) EventName() string       { return EventMessageStop }
