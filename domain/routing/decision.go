package routing

// Decision is the routing and billing category of one inbound request
type Decision int

const (
	DirectUserTurn Decision = iota
	AgentContinuation
	SyntheticUtility
	SuggestionStub
	DedicatedToolExecution
)

var decisionNames = map[Decision]string{
	DirectUserTurn:         "direct_user_turn",
	AgentContinuation:      "agent_continuation",
	SyntheticUtility:       "synthetic_utility",
	SuggestionStub:         "suggestion_stub",
	DedicatedToolExecution: "dedicated_tool_execution",
}

func (d Decision) String() string {
	if name, ok := decisionNames[d]; ok {
		return name
	}
	return "unknown"
}

// Initiator values sent on the billing header
const (
	InitiatorUser  = "user"
	InitiatorAgent = "agent"
)

// Chargeable reports whether the request counts as a billable human turn.
func (d Decision) Chargeable() bool {
	return d == DirectUserTurn
}

// Initiator collapses the decision to the two-valued billing signal.
func (d Decision) Initiator() string {
	if d.Chargeable() {
		return InitiatorUser
	}
	return InitiatorAgent
}

// Classification is the immutable result of classifying a request. Payload is
// only set for DedicatedToolExecution.
type Classification struct {
	Decision Decision
	Payload  string
}
