package transcode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lioneltay/claude-pilot/application/transform"
	"github.com/lioneltay/claude-pilot/domain/chat"
	"github.com/lioneltay/claude-pilot/domain/messages"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// EventSink receives output events in order. Send may block until the client
// has capacity; an error means the client is gone.
type EventSink interface {
	Send(event messages.Event) error
}

type Options struct {
	MessageID string
	// Model is echoed to the client in message_start.
	Model string
	// InputTokens is the prompt estimate used unless the backend reports usage.
	InputTokens int
	Logger      *logrus.Entry
}

// Transcoder rewrites a backend delta stream into block stream events as the
// bytes arrive. It is single-pass and not safe for concurrent use.
type Transcoder struct {
	sink  EventSink
	state *StreamState
	carry []byte
	log   *logrus.Entry
	err   error
}

func New(sink EventSink, opts Options) *Transcoder {
	if opts.MessageID == "" {
		opts.MessageID = transform.NewMessageID()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Transcoder{
		sink:  sink,
		state: newStreamState(opts.MessageID, opts.Model, opts.InputTokens),
		log:   log.WithField("message_id", opts.MessageID),
	}
}

// State exposes the session state for inspection.
func (t *Transcoder) State() *StreamState {
	return t.state
}

// Feed consumes one transport chunk. Complete lines are processed
// immediately; a trailing partial line is kept until the next call. The
// chunk is not retained.
func (t *Transcoder) Feed(chunk []byte) error {
	if t.err != nil {
		return t.err
	}
	t.carry = append(t.carry, chunk...)

	consumed := 0
	for {
		i := bytes.IndexByte(t.carry[consumed:], '\n')
		if i < 0 {
			break
		}
		line := t.carry[consumed : consumed+i]
		consumed += i + 1
		t.handleLine(line)
		if t.err != nil {
			return t.err
		}
	}
	t.carry = append(t.carry[:0], t.carry[consumed:]...)
	return nil
}

// Finish is called when the backend stream ends normally. A final line
// without a newline is processed, and a stream that never produced a
// terminal event is closed with a synthetic one.
func (t *Transcoder) Finish() error {
	if t.err != nil {
		return t.err
	}
	if len(t.carry) > 0 {
		line := t.carry
		t.carry = nil
		t.handleLine(line)
	}
	if !t.state.TerminalEventEmitted {
		t.log.Warn("Backend stream ended without a terminal event")
		t.synthesizeTerminal()
	}
	return t.err
}

// Fail closes the client stream after a backend failure so the client never
// waits on a half-open message.
func (t *Transcoder) Fail(cause error) error {
	if t.state.TerminalEventEmitted || t.err != nil {
		return t.err
	}
	t.log.WithError(cause).Warn("Backend stream failed, closing client stream")
	t.synthesizeTerminal()
	return t.err
}

func (t *Transcoder) handleLine(line []byte) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] == ':' {
		return
	}
	if !bytes.HasPrefix(trimmed, []byte("data:")) {
		// event:, id: and retry: fields carry nothing for this protocol
		return
	}
	payload := bytes.TrimSpace(trimmed[len("data:"):])
	if bytes.Equal(payload, []byte("[DONE]")) {
		t.handleDone()
		return
	}

	if msg := gjson.GetBytes(payload, "error.message"); msg.Exists() {
		t.Fail(fmt.Errorf("backend stream error: %s", msg.String()))
		return
	}

	var chunk chat.StreamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		t.log.WithError(err).WithField("line", truncate(payload, 256)).Warn("Skipping malformed backend line")
		return
	}
	t.handleChunk(&chunk)
}

func (t *Transcoder) handleChunk(chunk *chat.StreamChunk) {
	if chunk.Usage != nil {
		t.recordUsage(chunk.Usage)
	}
	if t.state.TerminalEventEmitted {
		return
	}
	if !t.state.Started {
		t.start()
	}
	if len(chunk.Choices) == 0 {
		return
	}

	choice := chunk.Choices[0]
	if c := choice.Delta.Content; c != nil && *c != "" {
		t.handleText(*c)
	}
	for _, call := range choice.Delta.ToolCalls {
		t.handleToolFragment(call)
	}
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		t.finish(transform.MapFinishReason(*choice.FinishReason), false)
	}
}

func (t *Transcoder) recordUsage(u *chat.Usage) {
	if u.PromptTokens > 0 {
		t.state.InputTokenEstimate = u.PromptTokens
	}
	if u.CompletionTokens > 0 {
		t.state.usageReported = true
		t.state.OutputTokenCount = u.CompletionTokens
	}
}

func (t *Transcoder) start() {
	t.state.Started = true
	t.send(messages.NewMessageStart(t.state.MessageID, t.state.Model, t.state.InputTokenEstimate))
}

func (t *Transcoder) handleText(text string) {
	if t.state.OpenBlockKind != BlockText {
		t.closeOpenBlock()
		t.openBlock(BlockText, messages.TextBlock{})
	}
	t.state.countOutput(text)
	t.send(messages.NewTextDelta(t.state.OpenBlockIndex, text))
}

func (t *Transcoder) handleToolFragment(d chat.ToolCallDelta) {
	call, known := t.state.PendingToolCalls[d.Index]
	if !known {
		call = &PendingToolCall{ID: d.ID, Name: d.Function.Name, BlockIndex: -1}
		t.state.PendingToolCalls[d.Index] = call
	} else {
		if call.ID == "" {
			call.ID = d.ID
		}
		if call.Name == "" {
			call.Name = d.Function.Name
		}
	}
	args := d.Function.Arguments
	t.state.countOutput(args)

	if call.BlockIndex < 0 {
		if call.Name == "" {
			// Not identifiable yet; hold the arguments until the name arrives.
			call.Arguments.WriteString(args)
			return
		}
		if call.ID == "" {
			call.ID = "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			t.log.WithField("tool_index", d.Index).Debug("Tool call without id, generated one")
		}
		t.closeOpenBlock()
		call.BlockIndex = t.openBlock(BlockTool, messages.ToolUseBlock{ID: call.ID, Name: call.Name})
		if held := call.Arguments.String(); held != "" {
			t.send(messages.NewInputJSONDelta(call.BlockIndex, held))
		}
		if args != "" {
			call.Arguments.WriteString(args)
			t.send(messages.NewInputJSONDelta(call.BlockIndex, args))
		}
		return
	}

	if args == "" {
		return
	}
	call.Arguments.WriteString(args)
	if t.state.OpenBlockKind == BlockTool && t.state.OpenBlockIndex == call.BlockIndex {
		t.send(messages.NewInputJSONDelta(call.BlockIndex, args))
		return
	}
	t.log.WithFields(logrus.Fields{
		"tool_index":  d.Index,
		"block_index": call.BlockIndex,
	}).Warn("Argument fragment for an already closed tool block, not forwarded")
}

func (t *Transcoder) openBlock(kind BlockKind, block messages.ContentBlock) int {
	if t.state.OpenBlockKind != BlockNone {
		t.invariantViolation("opening a %s block while block %d is open", kind, t.state.OpenBlockIndex)
		t.closeOpenBlock()
	}
	index := t.state.NextBlockIndex
	t.state.NextBlockIndex++
	t.state.OpenBlockIndex = index
	t.state.OpenBlockKind = kind
	t.send(messages.NewContentBlockStart(index, block))
	return index
}

func (t *Transcoder) closeOpenBlock() {
	if t.state.OpenBlockKind == BlockNone {
		return
	}
	t.send(messages.NewContentBlockStop(t.state.OpenBlockIndex))
	t.state.OpenBlockKind = BlockNone
	t.state.OpenBlockIndex = -1
}

func (t *Transcoder) handleDone() {
	if t.state.TerminalEventEmitted {
		return
	}
	if !t.state.Started {
		t.start()
	}
	t.finish(messages.StopEndTurn, false)
}

func (t *Transcoder) synthesizeTerminal() {
	if !t.state.Started {
		t.start()
	}
	t.finish(messages.StopEndTurn, true)
}

// finish emits the terminal pair exactly once per session.
func (t *Transcoder) finish(reason messages.StopReason, synthetic bool) {
	if t.state.TerminalEventEmitted {
		t.invariantViolation("second terminal event for stop reason %s", reason)
		return
	}
	t.closeOpenBlock()

	usage := t.state.usage()
	if synthetic {
		usage = messages.Usage{}
	}
	t.state.StopReason = reason
	t.state.Synthetic = synthetic
	t.state.TerminalEventEmitted = true
	t.send(messages.NewMessageDelta(reason, usage))
	t.send(messages.NewMessageStop())
}

func (t *Transcoder) send(event messages.Event) {
	if t.err != nil {
		return
	}
	if err := t.sink.Send(event); err != nil {
		t.err = fmt.Errorf("send %s: %w", event.EventName(), err)
	}
}

func (t *Transcoder) invariantViolation(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if strictInvariants {
		panic("transcode: " + msg)
	}
	t.log.WithField("violation", msg).Error("Stream invariant violated, recovering")
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
