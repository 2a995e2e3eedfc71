package routing

import (
	"sync"
	"testing"

	"github.com/lioneltay/claude-pilot/domain/messages"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	toolExecSystem = "You are an assistant for performing a web search tool use"
	subagentSystem = "You are an agent for Claude Code, Anthropic's official CLI for Claude."
	titleSystem    = "Please write a 5-10 word title for the following conversation:"
)

func text(role, s string) messages.Message {
	return messages.Message{Role: role, Content: messages.Blocks{messages.TextBlock{Text: s}}}
}

func toolResult(id string) messages.Message {
	return messages.Message{Role: messages.RoleUser, Content: messages.Blocks{messages.ToolResultBlock{ToolUseID: id, Content: []byte(`"ok"`)}}}
}

func request(system string, msgs ...messages.Message) *messages.Request {
	return &messages.Request{Model: "claude-sonnet-4", System: messages.SystemPrompt(system), Messages: msgs}
}

func TestClassifier_Classify(t *testing.T) {
	classifier := NewClassifier(DefaultSentinels())

	tests := []struct {
		name       string
		req        *messages.Request
		decision   Decision
		payload    string
		chargeable bool
		initiator  string
	}{
		{
			name:       "plain user turn",
			req:        request("You are a coding assistant.", text(messages.RoleUser, "fix the bug")),
			decision:   DirectUserTurn,
			chargeable: true,
			initiator:  InitiatorUser,
		},
		{
			name: "tool result continuation",
			req: request("You are a coding assistant.",
				text(messages.RoleUser, "read a.go"),
				messages.Message{Role: messages.RoleAssistant, Content: messages.Blocks{messages.ToolUseBlock{ID: "toolu_1", Name: "Read"}}},
				toolResult("toolu_1")),
			decision:  AgentContinuation,
			initiator: InitiatorAgent,
		},
		{
			name:      "subagent system prompt",
			req:       request(subagentSystem, text(messages.RoleUser, "search the repo")),
			decision:  AgentContinuation,
			initiator: InitiatorAgent,
		},
		{
			name:      "last message from assistant",
			req:       request("", text(messages.RoleUser, "hi"), text(messages.RoleAssistant, "Hello")),
			decision:  AgentContinuation,
			initiator: InitiatorAgent,
		},
		{
			name:      "title generation",
			req:       request(titleSystem, text(messages.RoleUser, "fix the bug")),
			decision:  SyntheticUtility,
			initiator: InitiatorAgent,
		},
		{
			name:      "suggestion mode",
			req:       request("", text(messages.RoleUser, "[SUGGESTION MODE: suggest what the user might type next]")),
			decision:  SuggestionStub,
			initiator: InitiatorAgent,
		},
		{
			name:      "dedicated web search",
			req:       request(toolExecSystem, text(messages.RoleUser, "Perform a web search for the query: golang generics  ")),
			decision:  DedicatedToolExecution,
			payload:   "golang generics",
			initiator: InitiatorAgent,
		},
		{
			name:       "tool execution sentinel needs a single message",
			req:        request(toolExecSystem, text(messages.RoleUser, "hi"), text(messages.RoleAssistant, "x"), text(messages.RoleUser, "Perform a web search for the query: go")),
			decision:   DirectUserTurn,
			chargeable: true,
			initiator:  InitiatorUser,
		},
		{
			name:       "tool execution sentinel needs the pattern",
			req:        request(toolExecSystem, text(messages.RoleUser, "what is go?")),
			decision:   DirectUserTurn,
			chargeable: true,
			initiator:  InitiatorUser,
		},
		{
			name:      "tool execution beats suggestion",
			req:       request(toolExecSystem, text(messages.RoleUser, "Perform a web search for the query: [SUGGESTION MODE: x]")),
			decision:  DedicatedToolExecution,
			payload:   "[SUGGESTION MODE: x]",
			initiator: InitiatorAgent,
		},
		{
			name:      "suggestion beats utility",
			req:       request(titleSystem, text(messages.RoleUser, "[SUGGESTION MODE: x]")),
			decision:  SuggestionStub,
			initiator: InitiatorAgent,
		},
		{
			name: "suggestion beats tool result",
			req: request("",
				messages.Message{Role: messages.RoleUser, Content: messages.Blocks{
					messages.ToolResultBlock{ToolUseID: "toolu_1", Content: []byte(`"done"`)},
					messages.TextBlock{Text: "[SUGGESTION MODE: suggest what the user might type next]"},
				}}),
			decision:  SuggestionStub,
			initiator: InitiatorAgent,
		},
		{
			name:      "utility beats tool result",
			req:       request(titleSystem, toolResult("toolu_1")),
			decision:  SyntheticUtility,
			initiator: InitiatorAgent,
		},
		{
			name:      "no messages",
			req:       request("anything"),
			decision:  AgentContinuation,
			initiator: InitiatorAgent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifier.Classify(tt.req)
			assert.Equal(t, tt.decision, got.Decision, "decision %s", got.Decision)
			assert.Equal(t, tt.payload, got.Payload)
			assert.Equal(t, tt.chargeable, got.Decision.Chargeable())
			assert.Equal(t, tt.initiator, got.Decision.Initiator())
		})
	}
}

func TestClassifier_OverriddenSentinels(t *testing.T) {
	sentinels, err := SentinelOverrides{
		Suggestion:     "<<suggest>>",
		UtilityMarkers: []string{"summarize the session"},
	}.Apply(DefaultSentinels())
	require.NoError(t, err)
	classifier := NewClassifier(sentinels)

	assert.Equal(t, SuggestionStub, classifier.Classify(request("", text(messages.RoleUser, "<<suggest>>"))).Decision)
	assert.Equal(t, DirectUserTurn, classifier.Classify(request("", text(messages.RoleUser, "[SUGGESTION MODE: x]"))).Decision)
	assert.Equal(t, SyntheticUtility, classifier.Classify(request("Please summarize the session", text(messages.RoleUser, "x"))).Decision)
	assert.Equal(t, DirectUserTurn, classifier.Classify(request(titleSystem, text(messages.RoleUser, "x"))).Decision)
}

func TestClassifier_EmptySentinelsNeverMatch(t *testing.T) {
	classifier := NewClassifier(Sentinels{UtilityMarkers: []string{""}})

	got := classifier.Classify(request("", text(messages.RoleUser, "[SUGGESTION MODE: x]")))
	assert.Equal(t, DirectUserTurn, got.Decision)
}

func TestClassifier_ConcurrentUse(t *testing.T) {
	classifier := NewClassifier(DefaultSentinels())
	req := request(subagentSystem, text(messages.RoleUser, "x"))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, AgentContinuation, classifier.Classify(req).Decision)
		}()
	}
	wg.Wait()
}

func TestSentinelOverrides_Apply(t *testing.T) {
	base := DefaultSentinels()

	same, err := SentinelOverrides{}.Apply(base)
	require.NoError(t, err)
	assert.Equal(t, base.Suggestion, same.Suggestion)
	assert.Equal(t, base.ToolExecutionPattern.String(), same.ToolExecutionPattern.String())

	custom, err := SentinelOverrides{ToolExecutionPattern: `^run: (.+)$`, SubagentMarkers: []string{"helper agent"}}.Apply(base)
	require.NoError(t, err)
	assert.Equal(t, []string{"helper agent"}, custom.SubagentMarkers)
	assert.Equal(t, []string{"run: x", "x"}, custom.ToolExecutionPattern.FindStringSubmatch("run: x"))

	_, err = SentinelOverrides{ToolExecutionPattern: `([`}.Apply(base)
	assert.ErrorContains(t, err, "invalid tool execution pattern")

	_, err = SentinelOverrides{ToolExecutionPattern: `^run`}.Apply(base)
	assert.ErrorContains(t, err, "must capture the payload")
}

func TestDecision_String(t *testing.T) {
	assert.Equal(t, "direct_user_turn", DirectUserTurn.String())
	assert.Equal(t, "dedicated_tool_execution", DedicatedToolExecution.String())
	assert.Equal(t, "unknown", Decision(42).String())
}
