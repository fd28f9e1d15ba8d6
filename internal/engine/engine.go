// Package engine implements the agent loop: given a user message, it
// repeatedly prompts the LLM, classifies the reply as a tool call, a
// final response, or plain thinking, and executes tools until either a
// final response is produced or the step safety cap is hit.
//
// Grounded on spec.md §4.7's step algorithm, supplemented by
// original_source/services/agent_loop_service.py's Reason-Act-Observe
// phase structure (folded in here as the internal-only Phase field on
// AgentLoop — it never changes the THINKING/TOOL_CALL/RESPONSE wire
// taxonomy the rest of the system depends on).
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lilycore/gateway-core/internal/llm"
	"github.com/lilycore/gateway-core/internal/logx"
	"github.com/lilycore/gateway-core/internal/memory"
	"github.com/lilycore/gateway-core/internal/metrics"
	"github.com/lilycore/gateway-core/internal/registry"
)

// maxSteps is the safety cap from spec §4.7 step 4d. It counts every
// iteration — THINKING, TOOL_CALL, and the terminal RESPONSE alike — per
// the decision recorded in DESIGN.md resolving spec §9's open question.
const maxSteps = 20

// historyLimit bounds how much prior conversation is folded into the
// initial context, matching the original's get_conversation_history(...,
// limit=10).
const historyLimit = 10

// loopRingCapacity is how many past loops are retained per user for
// introspection (the /agent-loops endpoint).
const loopRingCapacity = 10

// LLMCaller is the subset of the LLM Client the engine needs.
type LLMCaller interface {
	Call(ctx context.Context, prompt string, tools []registry.Tool) llm.Response
}

// ToolCatalog is the subset of the Registry the engine needs.
type ToolCatalog interface {
	Tools() []registry.Tool
}

// ToolExecutor is the subset of the Tool Executor the engine needs.
type ToolExecutor interface {
	Execute(ctx context.Context, toolName string, params any) map[string]any
}

// Engine drives the agent loop for every user message.
type Engine struct {
	LLM          LLMCaller
	Tools        ToolExecutor
	Catalog      ToolCatalog
	History      *memory.Store
	SystemPrompt func() string

	mu    sync.Mutex
	loops map[string][]AgentLoop
}

// New creates an Engine. systemPrompt is read fresh on every Run call so
// changes from POST /config take effect immediately.
func New(llmClient LLMCaller, tools ToolExecutor, catalog ToolCatalog, history *memory.Store, systemPrompt func() string) *Engine {
	return &Engine{
		LLM:          llmClient,
		Tools:        tools,
		Catalog:      catalog,
		History:      history,
		SystemPrompt: systemPrompt,
		loops:        make(map[string][]AgentLoop),
	}
}

// toolCallPayload is the shape expected after a "TOOL_CALL:" prefix.
type toolCallPayload struct {
	ToolName   string         `json:"tool_name"`
	Reasoning  string         `json:"reasoning,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Run executes the full agent loop for one user message and returns the
// completed AgentLoop.
func (e *Engine) Run(ctx context.Context, userID, userMessage string) AgentLoop {
	loop := AgentLoop{UserID: userID, UserMessage: userMessage, Start: time.Now(), phase: PhaseInitializing}
	e.History.Append(userID, memory.RoleUser, userMessage)

	var b strings.Builder
	b.WriteString(e.SystemPrompt())
	for _, m := range e.History.Get(userID, historyLimit) {
		fmt.Fprintf(&b, "\n%s: %s", m.Role, m.Content)
	}
	fmt.Fprintf(&b, "\nCurrent user message: %s", userMessage)
	context := b.String()

	tools := e.Catalog.Tools()

	for step := 1; ; step++ {
		if step > maxSteps {
			loop.FinalResponse = "I'm having trouble processing this request. Please try again with a simpler question."
			loop.Completed = true
			break
		}

		stepStart := time.Now()

		loop.phase = PhaseReasoning
		prompt := composePrompt(context, tools)
		text := e.LLM.Call(ctx, prompt, tools).FirstText()

		switch {
		case strings.HasPrefix(text, "TOOL_CALL:"):
			var call toolCallPayload
			if err := json.Unmarshal([]byte(strings.TrimPrefix(text, "TOOL_CALL:")), &call); err != nil {
				loop.Steps = append(loop.Steps, Step{
					Number: step, Type: StepThinking,
					Reasoning: "Error parsing tool call: " + err.Error(),
					Timestamp: stepStart, Duration: time.Since(stepStart),
				})
				continue
			}

			loop.phase = PhaseActing
			result := e.Tools.Execute(ctx, call.ToolName, call.Parameters)
			loop.phase = PhaseObserving
			loop.Steps = append(loop.Steps, Step{
				Number:     step,
				Type:       StepToolCall,
				Reasoning:  call.Reasoning,
				ToolName:   call.ToolName,
				Parameters: call.Parameters,
				ToolResult: result,
				Timestamp:  stepStart,
				Duration:   time.Since(stepStart),
			})

			serialized, err := json.Marshal(result)
			if err != nil {
				serialized = []byte(fmt.Sprintf("%v", result))
			}
			context += "\nTool execution result: " + string(serialized)

		case strings.HasPrefix(text, "FINAL_RESPONSE:"):
			loop.phase = PhaseCompleting
			loop.Steps = append(loop.Steps, Step{
				Number:    step,
				Type:      StepResponse,
				Reasoning: "Decided to provide direct response",
				Timestamp: stepStart,
				Duration:  time.Since(stepStart),
			})
			loop.FinalResponse = strings.TrimPrefix(text, "FINAL_RESPONSE:")
			loop.Completed = true

		default:
			loop.Steps = append(loop.Steps, Step{
				Number: step, Type: StepThinking, Reasoning: text,
				Timestamp: stepStart, Duration: time.Since(stepStart),
			})
		}

		if loop.Completed {
			break
		}
	}

	loop.End = time.Now()
	loop.Duration = loop.End.Sub(loop.Start)

	if loop.FinalResponse != "" {
		e.History.Append(userID, memory.RoleAssistant, loop.FinalResponse)
	}

	logx.Info().Str("user", userID).Int("steps", len(loop.Steps)).Dur("duration", loop.Duration).Msg("agent loop completed")
	metrics.RecordAgentLoop(loop.Completed, len(loop.Steps), loop.Duration)
	e.pushLoop(userID, loop)
	return loop
}

// LoopsFor returns the retained ring buffer of past loops for a user, most
// recent last.
func (e *Engine) LoopsFor(userID string) []AgentLoop {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AgentLoop, len(e.loops[userID]))
	copy(out, e.loops[userID])
	return out
}

// LastLoopFor returns the most recently completed loop for a user, and
// whether one exists yet.
func (e *Engine) LastLoopFor(userID string) (AgentLoop, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	history := e.loops[userID]
	if len(history) == 0 {
		return AgentLoop{}, false
	}
	return history[len(history)-1], true
}

func (e *Engine) pushLoop(userID string, loop AgentLoop) {
	e.mu.Lock()
	defer e.mu.Unlock()
	history := append(e.loops[userID], loop)
	if len(history) > loopRingCapacity {
		history = history[len(history)-loopRingCapacity:]
	}
	e.loops[userID] = history
}

func composePrompt(context string, tools []registry.Tool) string {
	var b strings.Builder
	b.WriteString("You are Lily, an AI assistant reasoning step by step.\n\n")
	b.WriteString(context)
	b.WriteString("\n\nAvailable tools:\n")
	if len(tools) == 0 {
		b.WriteString("(none)\n")
	}
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	b.WriteString("\nReply with either \"TOOL_CALL:{json}\" to call a tool, or \"FINAL_RESPONSE:<text>\" to answer directly.")
	return b.String()
}
