package engine

import "time"

// StepType distinguishes the three kinds of AgentStep the wire format and
// spec §8 invariants are defined over. Never add a fourth without
// revisiting the "at most one RESPONSE step" invariant.
type StepType string

const (
	StepThinking StepType = "THINKING"
	StepToolCall StepType = "TOOL_CALL"
	StepResponse StepType = "RESPONSE"
)

// Step is one iteration of the agent loop.
type Step struct {
	Number     int            `json:"step_number"`
	Type       StepType       `json:"type"`
	Reasoning  string         `json:"reasoning"`
	ToolName   string         `json:"tool_name,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	ToolResult any            `json:"tool_result,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Duration   time.Duration  `json:"duration"`
}

// Phase is an internal, introspection-only marker of loop progress. It is
// never part of the persisted wire shape below — only the Steps' Type
// values are.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseReasoning    Phase = "reasoning"
	PhaseActing       Phase = "acting"
	PhaseObserving    Phase = "observing"
	PhaseCompleting   Phase = "completing"
)

// AgentLoop is one complete run of the engine for one user message.
type AgentLoop struct {
	UserID        string        `json:"user_id"`
	UserMessage   string        `json:"user_message"`
	Start         time.Time     `json:"start"`
	End           time.Time     `json:"end"`
	Duration      time.Duration `json:"duration"`
	Steps         []Step        `json:"steps"`
	Completed     bool          `json:"completed"`
	FinalResponse string        `json:"final_response"`

	phase Phase
}
