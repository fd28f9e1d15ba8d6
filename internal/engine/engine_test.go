package engine

import (
	"context"
	"testing"

	"github.com/lilycore/gateway-core/internal/llm"
	"github.com/lilycore/gateway-core/internal/memory"
	"github.com/lilycore/gateway-core/internal/registry"
)

type scriptedLLM struct {
	replies []string
	i       int
}

func (s *scriptedLLM) Call(_ context.Context, _ string, _ []registry.Tool) llm.Response {
	if s.i >= len(s.replies) {
		return llm.Response{}
	}
	text := s.replies[s.i]
	s.i++
	return llm.Response{Candidates: []llm.Candidate{{Content: llm.Content{Parts: []llm.Part{{Text: text}}}}}}
}

type fakeCatalog struct{ tools []registry.Tool }

func (f fakeCatalog) Tools() []registry.Tool { return f.tools }

type fakeExecutor struct {
	calls   []string
	result  map[string]any
}

func (f *fakeExecutor) Execute(_ context.Context, toolName string, _ any) map[string]any {
	f.calls = append(f.calls, toolName)
	if f.result != nil {
		return f.result
	}
	return map[string]any{"status": "success", "result": "ok"}
}

func TestRunPureFinalResponse(t *testing.T) {
	e := New(&scriptedLLM{replies: []string{"FINAL_RESPONSE:Hello there"}}, &fakeExecutor{}, fakeCatalog{}, memory.New(), func() string { return "sys" })

	loop := e.Run(context.Background(), "u1", "hi")

	if !loop.Completed {
		t.Fatalf("expected completed loop")
	}
	if loop.FinalResponse != "Hello there" {
		t.Fatalf("got %q", loop.FinalResponse)
	}
	if len(loop.Steps) != 1 || loop.Steps[0].Type != StepResponse {
		t.Fatalf("expected single RESPONSE step, got %+v", loop.Steps)
	}
}

func TestRunSingleToolHop(t *testing.T) {
	exec := &fakeExecutor{}
	e := New(
		&scriptedLLM{replies: []string{
			`TOOL_CALL:{"tool_name":"search","reasoning":"need data","parameters":{"q":"go"}}`,
			"FINAL_RESPONSE:done",
		}},
		exec,
		fakeCatalog{tools: []registry.Tool{{Name: "search", Description: "web search"}}},
		memory.New(),
		func() string { return "sys" },
	)

	loop := e.Run(context.Background(), "u1", "find something")

	if len(loop.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(loop.Steps))
	}
	if loop.Steps[0].Type != StepToolCall || loop.Steps[0].ToolName != "search" {
		t.Fatalf("expected tool call step, got %+v", loop.Steps[0])
	}
	if loop.Steps[1].Type != StepResponse {
		t.Fatalf("expected response step, got %+v", loop.Steps[1])
	}
	if len(exec.calls) != 1 || exec.calls[0] != "search" {
		t.Fatalf("expected tool executed once, got %+v", exec.calls)
	}
}

func TestRunMalformedToolCallBecomesThinking(t *testing.T) {
	e := New(
		&scriptedLLM{replies: []string{"TOOL_CALL:not-json", "FINAL_RESPONSE:recovered"}},
		&fakeExecutor{},
		fakeCatalog{},
		memory.New(),
		func() string { return "sys" },
	)

	loop := e.Run(context.Background(), "u1", "hi")

	if loop.Steps[0].Type != StepThinking {
		t.Fatalf("expected parse failure to produce a THINKING step, got %+v", loop.Steps[0])
	}
	if loop.Steps[1].Type != StepResponse {
		t.Fatalf("expected loop to recover and respond, got %+v", loop.Steps[1])
	}
}

func TestRunHitsSafetyCap(t *testing.T) {
	replies := make([]string, 0, maxSteps+5)
	for i := 0; i < maxSteps+5; i++ {
		replies = append(replies, "still thinking")
	}
	e := New(&scriptedLLM{replies: replies}, &fakeExecutor{}, fakeCatalog{}, memory.New(), func() string { return "sys" })

	loop := e.Run(context.Background(), "u1", "hi")

	if !loop.Completed {
		t.Fatalf("expected safety cap to mark loop completed")
	}
	if loop.FinalResponse != "I'm having trouble processing this request. Please try again with a simpler question." {
		t.Fatalf("got %q", loop.FinalResponse)
	}
	if len(loop.Steps) != maxSteps {
		t.Fatalf("expected exactly %d steps, got %d", maxSteps, len(loop.Steps))
	}
	for _, s := range loop.Steps {
		if s.Type == StepResponse {
			t.Fatalf("safety cap abort must not itself be a RESPONSE step")
		}
	}
}

func TestRunAtMostOneResponseStep(t *testing.T) {
	e := New(
		&scriptedLLM{replies: []string{"thinking once", "FINAL_RESPONSE:final"}},
		&fakeExecutor{},
		fakeCatalog{},
		memory.New(),
		func() string { return "sys" },
	)

	loop := e.Run(context.Background(), "u1", "hi")

	count := 0
	for _, s := range loop.Steps {
		if s.Type == StepResponse {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one RESPONSE step, got %d", count)
	}
}

func TestRunStoresUserMessage(t *testing.T) {
	e := New(&scriptedLLM{replies: []string{"FINAL_RESPONSE:hello"}}, &fakeExecutor{}, fakeCatalog{}, memory.New(), func() string { return "sys" })

	loop := e.Run(context.Background(), "u1", "hi")

	if loop.UserMessage != "hi" {
		t.Fatalf("expected loop to retain the triggering user message, got %q", loop.UserMessage)
	}
}

func TestLastLoopForReturnsMostRecent(t *testing.T) {
	e := New(&scriptedLLM{replies: []string{"FINAL_RESPONSE:first", "FINAL_RESPONSE:second"}}, &fakeExecutor{}, fakeCatalog{}, memory.New(), func() string { return "sys" })

	e.Run(context.Background(), "u1", "one")
	e.Run(context.Background(), "u1", "two")

	loop, ok := e.LastLoopFor("u1")
	if !ok {
		t.Fatalf("expected a loop to be present")
	}
	if loop.FinalResponse != "second" || loop.UserMessage != "two" {
		t.Fatalf("expected the most recent loop, got %+v", loop)
	}

	if _, ok := e.LastLoopFor("nobody"); ok {
		t.Fatalf("expected no loop for an unknown user")
	}
}

func TestRunRingBufferCapacity(t *testing.T) {
	e := New(&scriptedLLM{}, &fakeExecutor{}, fakeCatalog{}, memory.New(), func() string { return "sys" })

	for i := 0; i < loopRingCapacity+3; i++ {
		e.Run(context.Background(), "u1", "hi")
	}

	loops := e.LoopsFor("u1")
	if len(loops) != loopRingCapacity {
		t.Fatalf("expected ring buffer capped at %d, got %d", loopRingCapacity, len(loops))
	}
}

func TestStepNumbersAreContiguousStartingAtOne(t *testing.T) {
	exec := &fakeExecutor{}
	e := New(
		&scriptedLLM{replies: []string{
			`TOOL_CALL:{"tool_name":"search","parameters":{}}`,
			"still thinking",
			"FINAL_RESPONSE:done",
		}},
		exec,
		fakeCatalog{tools: []registry.Tool{{Name: "search"}}},
		memory.New(),
		func() string { return "sys" },
	)

	loop := e.Run(context.Background(), "u1", "hi")

	for i, s := range loop.Steps {
		if s.Number != i+1 {
			t.Fatalf("step %d has number %d, want %d", i, s.Number, i+1)
		}
	}
}
