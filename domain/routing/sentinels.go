package routing

import (
	"fmt"
	"regexp"
)

// Sentinels holds every string contract the classifier matches against. The
// strings belong to the client tooling and change with it, so they live in one
// table that can be replaced from configuration.
type Sentinels struct {
	// ToolExecutionSystem must appear in the system prompt of a dedicated
	// tool-execution request.
	ToolExecutionSystem string
	// ToolExecutionPattern matches the single message of such a request; its
	// first capture group is the payload.
	ToolExecutionPattern *regexp.Regexp
	// Suggestion marks a suggestion request in the last message.
	Suggestion string
	// UtilityMarkers identify requests synthesized by the client tooling.
	UtilityMarkers []string
	// SubagentMarkers identify sub-agent system prompts.
	SubagentMarkers []string
}

const defaultToolExecutionPattern = `(?is)^\s*perform (?:a web search|action) for(?: the query)?:\s*(.+?)\s*$`

// DefaultSentinels returns the table matching the current client release.
func DefaultSentinels() Sentinels {
	return Sentinels{
		ToolExecutionSystem:  "You are an assistant for performing a web search tool use",
		ToolExecutionPattern: regexp.MustCompile(defaultToolExecutionPattern),
		Suggestion:           "[SUGGESTION MODE:",
		UtilityMarkers: []string{
			"Please write a 5-10 word title for the following conversation",
			"Analyze if this message indicates a new conversation topic",
			"Extract any file paths that this command reads or modifies",
			"Your task is to process Bash commands that an AI coding agent wants to run",
			"You are a helpful AI assistant tasked with summarizing conversations",
			"Summarize this coding conversation in under 50 characters",
		},
		SubagentMarkers: []string{
			"You are an agent for Claude Code",
			"You are a file search specialist",
			"You are a software architect and planning specialist",
		},
	}
}

// SentinelOverrides replaces parts of the default table. Empty fields keep
// the defaults.
type SentinelOverrides struct {
	ToolExecutionSystem  string   `yaml:"tool_execution_system"`
	ToolExecutionPattern string   `yaml:"tool_execution_pattern"`
	Suggestion           string   `yaml:"suggestion"`
	UtilityMarkers       []string `yaml:"utility_markers"`
	SubagentMarkers      []string `yaml:"subagent_markers"`
}

// Apply returns the defaults with the overrides merged in.
func (o SentinelOverrides) Apply(base Sentinels) (Sentinels, error) {
	if o.ToolExecutionSystem != "" {
		base.ToolExecutionSystem = o.ToolExecutionSystem
	}
	if o.ToolExecutionPattern != "" {
		re, err := regexp.Compile(o.ToolExecutionPattern)
		if err != nil {
			return base, fmt.Errorf("invalid tool execution pattern: %w", err)
		}
		if re.NumSubexp() < 1 {
			return base, fmt.Errorf("tool execution pattern must capture the payload")
		}
		base.ToolExecutionPattern = re
	}
	if o.Suggestion != "" {
		base.Suggestion = o.Suggestion
	}
	if len(o.UtilityMarkers) > 0 {
		base.UtilityMarkers = o.UtilityMarkers
	}
	if len(o.SubagentMarkers) > 0 {
		base.SubagentMarkers = o.SubagentMarkers
	}
	return base, nil
}
