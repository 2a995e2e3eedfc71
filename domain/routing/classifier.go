package routing

import (
	"strings"

	"github.com/lioneltay/claude-pilot/domain/messages"
)

// Classifier assigns a Decision to inbound requests. It only reads the system
// prompt and the last message and is safe for concurrent use.
type Classifier struct {
	sentinels Sentinels
}

func NewClassifier(sentinels Sentinels) *Classifier {
	return &Classifier{sentinels: sentinels}
}

// Classify evaluates the rules in priority order; the first match wins.
func (c *Classifier) Classify(req *messages.Request) Classification {
	system := string(req.System)
	last, ok := req.LastMessage()
	if !ok {
		return Classification{Decision: AgentContinuation}
	}
	lastText := last.Text()

	if payload, ok := c.toolExecutionPayload(system, req); ok {
		return Classification{Decision: DedicatedToolExecution, Payload: payload}
	}

	if c.sentinels.Suggestion != "" && strings.Contains(lastText, c.sentinels.Suggestion) {
		return Classification{Decision: SuggestionStub}
	}

	if containsAny(system, c.sentinels.UtilityMarkers) {
		return Classification{Decision: SyntheticUtility}
	}

	if (last.Role == messages.RoleUser && last.HasToolResult()) || containsAny(system, c.sentinels.SubagentMarkers) {
		return Classification{Decision: AgentContinuation}
	}

	if last.Role == messages.RoleUser {
		return Classification{Decision: DirectUserTurn}
	}

	return Classification{Decision: AgentContinuation}
}

func (c *Classifier) toolExecutionPayload(system string, req *messages.Request) (string, bool) {
	if c.sentinels.ToolExecutionSystem == "" || c.sentinels.ToolExecutionPattern == nil {
		return "", false
	}
	if len(req.Messages) != 1 || !strings.Contains(system, c.sentinels.ToolExecutionSystem) {
		return "", false
	}
	m := c.sentinels.ToolExecutionPattern.FindStringSubmatch(req.Messages[0].Text())
	if len(m) < 2 {
		return "", false
	}
	payload := strings.TrimSpace(m[1])
	return payload, payload != ""
}

func containsAny(s string, markers []string) bool {
	for _, marker := range markers {
		if marker != "" && strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
