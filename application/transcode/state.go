package transcode

import (
	"strings"

	"github.com/lioneltay/claude-pilot/application/transform"
	"github.com/lioneltay/claude-pilot/domain/messages"
)

// BlockKind is the kind of the currently open output block
type BlockKind int

const (
	BlockNone BlockKind = iota
	BlockText
	BlockTool
)

func (k BlockKind) String() string {
	switch k {
	case BlockText:
		return "text"
	case BlockTool:
		return "tool"
	default:
		return "none"
	}
}

// Phase names the transcoder's position in its state machine:
// Idle -> NoBlockOpen <-> TextOpen | ToolOpen -> Closed.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseNoBlockOpen
	PhaseTextOpen
	PhaseToolOpen
	PhaseClosed
)

func (p Phase) String() string {
	return [...]string{"idle", "no_block_open", "text_open", "tool_open", "closed"}[p]
}

// PendingToolCall accumulates one backend tool call. BlockIndex is -1 until
// the call has both an id and a name and its block has been opened.
type PendingToolCall struct {
	ID         string
	Name       string
	BlockIndex int
	Arguments  strings.Builder
}

// StreamState is the mutable state of one streaming response. It is owned
// by a single Transcoder and never shared.
type StreamState struct {
	MessageID string
	Model     string

	OpenBlockIndex int
	OpenBlockKind  BlockKind
	NextBlockIndex int

	PendingToolCalls map[int]*PendingToolCall

	InputTokenEstimate int
	OutputTokenCount   int

	Started              bool
	TerminalEventEmitted bool
	Synthetic            bool
	StopReason           messages.StopReason

	usageReported bool
	output        transform.TokenCounter
}

func newStreamState(messageID, model string, inputTokens int) *StreamState {
	return &StreamState{
		MessageID:          messageID,
		Model:              model,
		OpenBlockIndex:     -1,
		PendingToolCalls:   make(map[int]*PendingToolCall),
		InputTokenEstimate: inputTokens,
	}
}

func (s *StreamState) Phase() Phase {
	switch {
	case s.TerminalEventEmitted:
		return PhaseClosed
	case !s.Started:
		return PhaseIdle
	case s.OpenBlockKind == BlockText:
		return PhaseTextOpen
	case s.OpenBlockKind == BlockTool:
		return PhaseToolOpen
	default:
		return PhaseNoBlockOpen
	}
}

func (s *StreamState) countOutput(text string) {
	if s.usageReported {
		return
	}
	s.output.Add(text)
	s.OutputTokenCount = s.output.Tokens()
}

func (s *StreamState) usage() messages.Usage {
	return messages.Usage{InputTokens: s.InputTokenEstimate, OutputTokens: s.OutputTokenCount}
}
