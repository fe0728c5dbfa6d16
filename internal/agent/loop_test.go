package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"calcbot/internal/bus"
	"calcbot/internal/domain"
	"calcbot/internal/ops"
	"calcbot/internal/tool"
)

// scriptedProvider replays a fixed sequence of responses and records every
// request it receives.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*domain.ChatResponse
	errs      []error
	requests  []domain.ChatRequest
}

func (p *scriptedProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	idx := len(p.requests) - 1
	if idx < len(p.errs) && p.errs[idx] != nil {
		return nil, p.errs[idx]
	}
	if idx >= len(p.responses) {
		return &domain.ChatResponse{Content: "нет ответа"}, nil
	}
	return p.responses[idx], nil
}

func (p *scriptedProvider) Name() string                     { return "scripted" }
func (p *scriptedProvider) Models() []string                 { return []string{"scripted-1"} }
func (p *scriptedProvider) SupportsToolCalling() bool        { return true }
func (p *scriptedProvider) Healthy(ctx context.Context) error { return nil }

var _ domain.Provider = (*scriptedProvider)(nil)

func newTestLoop(t *testing.T, provider domain.Provider) (*Loop, *tool.Registry) {
	t.Helper()
	logger := testLogger()
	registry := tool.NewRegistry(logger)
	for _, mt := range tool.NewMathTools(ops.NewRegistry()) {
		registry.Register(mt)
	}
	loop := NewLoop(LoopConfig{
		Provider: provider,
		Sessions: NewSessionManager(newFakeStore(), logger),
		Prompt:   NewPromptBuilder(PromptConfig{}, logger),
		Tools:    registry,
		Bus:      bus.New(8, logger),
		Logger:   logger,
	})
	return loop, registry
}

func toolCallResponse(id, name string, a, b float64) *domain.ChatResponse {
	return &domain.ChatResponse{
		ToolCalls: []domain.ToolCall{
			{ID: id, Name: name, Arguments: map[string]any{"a": a, "b": b}},
		},
		FinishReason: "tool_calls",
	}
}

func TestLoop_AddScenario(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*domain.ChatResponse{
			toolCallResponse("call_1", "add", 5, 3),
			{Content: "5 + 3 = 8"},
		},
	}
	loop, _ := newTestLoop(t, provider)

	reply, err := loop.ProcessDirect(context.Background(), "сложи 5 и 3", "cli", "direct")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !strings.Contains(reply, "8") {
		t.Fatalf("expected reply with 8, got %q", reply)
	}

	// Second request must carry the tool result back to the model.
	if len(provider.requests) != 2 {
		t.Fatalf("expected 2 LLM calls, got %d", len(provider.requests))
	}
	second := provider.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != "tool" || last.Content != "8" || last.ToolCallID != "call_1" {
		t.Fatalf("expected tool result message with 8, got %+v", last)
	}
}

func TestLoop_SubtractScenario(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*domain.ChatResponse{
			toolCallResponse("call_1", "subtract", 10, 4),
			{Content: "10 − 4 = 6"},
		},
	}
	loop, _ := newTestLoop(t, provider)

	reply, err := loop.ProcessDirect(context.Background(), "вычти из 10 число 4", "cli", "direct")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !strings.Contains(reply, "6") {
		t.Fatalf("expected reply with 6, got %q", reply)
	}
}

func TestLoop_MultiplyScenario(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*domain.ChatResponse{
			toolCallResponse("call_1", "multiply", 6, 7),
			{Content: "6 × 7 = 42"},
		},
	}
	loop, _ := newTestLoop(t, provider)

	reply, err := loop.ProcessDirect(context.Background(), "умножь 6 на 7", "cli", "direct")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !strings.Contains(reply, "42") {
		t.Fatalf("expected reply with 42, got %q", reply)
	}
}

func TestLoop_PlainTextNoToolCall(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*domain.ChatResponse{
			{Content: "Привет! Я умею складывать, вычитать и умножать."},
		},
	}
	loop, _ := newTestLoop(t, provider)

	reply, err := loop.ProcessDirect(context.Background(), "привет", "cli", "direct")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !strings.Contains(reply, "складывать") {
		t.Fatalf("unexpected reply %q", reply)
	}
	if len(provider.requests) != 1 {
		t.Fatalf("expected 1 LLM call, got %d", len(provider.requests))
	}
}

func TestLoop_UnknownOperationSurfacesToModel(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*domain.ChatResponse{
			toolCallResponse("call_1", "divide", 8, 2),
			{Content: "Я не умею делить, только складывать, вычитать и умножать."},
		},
	}
	loop, _ := newTestLoop(t, provider)

	reply, err := loop.ProcessDirect(context.Background(), "раздели 8 на 2", "cli", "direct")
	if err != nil {
		t.Fatalf("unknown operation must not kill the turn: %v", err)
	}
	if !strings.Contains(reply, "не умею") {
		t.Fatalf("unexpected reply %q", reply)
	}

	second := provider.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "unknown tool") {
		t.Fatalf("expected tool error message, got %+v", last)
	}
}

func TestLoop_BadArgumentsSurfaceToModel(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*domain.ChatResponse{
			{ToolCalls: []domain.ToolCall{
				{ID: "call_1", Name: "add", Arguments: map[string]any{"a": "пять"}},
			}},
			{Content: "Мне нужны два числа."},
		},
	}
	loop, _ := newTestLoop(t, provider)

	reply, err := loop.ProcessDirect(context.Background(), "сложи пять и что-то", "cli", "direct")
	if err != nil {
		t.Fatalf("bad arguments must not kill the turn: %v", err)
	}
	if reply == "" {
		t.Fatal("expected a reply")
	}

	second := provider.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "Error executing tool add") {
		t.Fatalf("expected tool error message, got %+v", last)
	}
}

func TestLoop_OnlyFirstToolCallExecuted(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*domain.ChatResponse{
			{ToolCalls: []domain.ToolCall{
				{ID: "call_1", Name: "add", Arguments: map[string]any{"a": 5.0, "b": 3.0}},
				{ID: "call_2", Name: "multiply", Arguments: map[string]any{"a": 6.0, "b": 7.0}},
			}},
			{Content: "5 + 3 = 8"},
		},
	}
	loop, _ := newTestLoop(t, provider)

	if _, err := loop.ProcessDirect(context.Background(), "сложи 5 и 3 и умножь 6 на 7", "cli", "direct"); err != nil {
		t.Fatalf("process: %v", err)
	}

	second := provider.requests[1].Messages
	var toolMsgs []domain.Message
	for _, m := range second {
		if m.Role == "tool" {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 2 {
		t.Fatalf("every tool_call_id needs a tool message, got %d", len(toolMsgs))
	}
	if toolMsgs[0].Content != "8" {
		t.Fatalf("first call should execute, got %q", toolMsgs[0].Content)
	}
	if !strings.Contains(toolMsgs[1].Content, "Skipped") {
		t.Fatalf("second call should be refused, got %q", toolMsgs[1].Content)
	}
}

func TestLoop_ProviderErrorReturned(t *testing.T) {
	provider := &scriptedProvider{
		errs: []error{fmt.Errorf("connection refused")},
	}
	loop, _ := newTestLoop(t, provider)

	_, err := loop.ProcessDirect(context.Background(), "сложи 5 и 3", "cli", "direct")
	if err == nil {
		t.Fatal("expected provider error")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected wrapped provider error, got %v", err)
	}
}

func TestLoop_ProcessMessageRecoversFromError(t *testing.T) {
	logger := testLogger()
	provider := &scriptedProvider{
		errs: []error{fmt.Errorf("connection refused"), nil},
		responses: []*domain.ChatResponse{
			nil,
			{Content: "5 + 3 = 8"},
		},
	}
	registry := tool.NewRegistry(logger)
	for _, mt := range tool.NewMathTools(ops.NewRegistry()) {
		registry.Register(mt)
	}
	b := bus.New(8, logger)
	loop := NewLoop(LoopConfig{
		Provider: provider,
		Sessions: NewSessionManager(newFakeStore(), logger),
		Prompt:   NewPromptBuilder(PromptConfig{}, logger),
		Tools:    registry,
		Bus:      b,
		Logger:   logger,
	})

	replies := make(chan string, 2)
	b.OnOutbound("cli", func(msg domain.OutboundMessage) {
		replies <- msg.Content
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	b.Publish(domain.InboundMessage{Channel: "cli", ChatID: "direct", Content: "сложи 5 и 3", Timestamp: time.Now()})
	select {
	case reply := <-replies:
		if !strings.Contains(reply, "Извините") {
			t.Fatalf("expected apology after provider failure, got %q", reply)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply after provider failure")
	}

	// Next turn must still be served.
	b.Publish(domain.InboundMessage{Channel: "cli", ChatID: "direct", Content: "сложи 5 и 3", Timestamp: time.Now()})
	select {
	case reply := <-replies:
		if !strings.Contains(reply, "8") {
			t.Fatalf("expected answer on next turn, got %q", reply)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply on next turn")
	}
}

func TestLoop_EmbeddedJSONToolCall(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*domain.ChatResponse{
			{Content: `{"name": "add", "arguments": {"a": 5, "b": 3}}`},
			{Content: "5 + 3 = 8"},
		},
	}
	loop, _ := newTestLoop(t, provider)

	reply, err := loop.ProcessDirect(context.Background(), "сложи 5 и 3", "cli", "direct")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !strings.Contains(reply, "8") {
		t.Fatalf("expected reply with 8, got %q", reply)
	}
	second := provider.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != "tool" || last.Content != "8" {
		t.Fatalf("expected embedded call to execute, got %+v", last)
	}
}

func TestLoop_IterationLimit(t *testing.T) {
	// Provider keeps asking for tools forever; loop must stop at maxIterations.
	endless := &endlessToolProvider{}
	logger := testLogger()
	registry := tool.NewRegistry(logger)
	for _, mt := range tool.NewMathTools(ops.NewRegistry()) {
		registry.Register(mt)
	}
	loop := NewLoop(LoopConfig{
		Provider:      endless,
		Sessions:      NewSessionManager(newFakeStore(), logger),
		Prompt:        NewPromptBuilder(PromptConfig{}, logger),
		Tools:         registry,
		Bus:           bus.New(8, logger),
		Logger:        logger,
		MaxIterations: 3,
	})

	reply, err := loop.ProcessDirect(context.Background(), "сложи 5 и 3", "cli", "direct")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if endless.calls != 3 {
		t.Fatalf("expected exactly 3 LLM calls, got %d", endless.calls)
	}
	if reply == "" {
		t.Fatal("expected a fallback reply when iterations are exhausted")
	}
}

type endlessToolProvider struct {
	calls int
}

func (p *endlessToolProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.calls++
	return toolCallResponse(fmt.Sprintf("call_%d", p.calls), "add", 1, 1), nil
}

func (p *endlessToolProvider) Name() string                      { return "endless" }
func (p *endlessToolProvider) Models() []string                  { return nil }
func (p *endlessToolProvider) SupportsToolCalling() bool         { return true }
func (p *endlessToolProvider) Healthy(ctx context.Context) error { return nil }

// --- extractToolCallsFromContent ---

func TestExtractToolCalls_SingleObject(t *testing.T) {
	input := `{"name": "add", "arguments": {"a": 5, "b": 3}}`
	calls := extractToolCallsFromContent(input)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "add" {
		t.Fatalf("expected 'add', got %q", calls[0].Name)
	}
	if calls[0].Arguments["a"] != 5.0 {
		t.Fatalf("expected a=5, got %v", calls[0].Arguments["a"])
	}
}

func TestExtractToolCalls_ParametersField(t *testing.T) {
	input := `{"name": "subtract", "parameters": {"a": 10, "b": 4}}`
	calls := extractToolCallsFromContent(input)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Arguments["b"] != 4.0 {
		t.Fatalf("expected b=4, got %v", calls[0].Arguments)
	}
}

func TestExtractToolCalls_CodeFenceWrapped(t *testing.T) {
	input := "```json\n{\"name\": \"multiply\", \"arguments\": {\"a\": 6, \"b\": 7}}\n```"
	calls := extractToolCallsFromContent(input)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call from code fence, got %d", len(calls))
	}
	if calls[0].Name != "multiply" {
		t.Fatalf("expected 'multiply', got %q", calls[0].Name)
	}
}

func TestExtractToolCalls_SurroundedByText(t *testing.T) {
	input := "Сейчас посчитаю.\n{\"name\": \"add\", \"arguments\": {\"a\": 5, \"b\": 3}}\nГотово."
	calls := extractToolCallsFromContent(input)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call from mixed text, got %d", len(calls))
	}
}

func TestExtractToolCalls_PlainText(t *testing.T) {
	if calls := extractToolCallsFromContent("Ответ: восемь."); len(calls) != 0 {
		t.Fatalf("expected 0 calls for plain text, got %d", len(calls))
	}
	if calls := extractToolCallsFromContent(""); len(calls) != 0 {
		t.Fatalf("expected 0 calls for empty input, got %d", len(calls))
	}
}

func TestExtractToolCalls_AliasNormalized(t *testing.T) {
	input := `{"name": "Sum", "arguments": {"a": 5, "b": 3}}`
	calls := extractToolCallsFromContent(input)
	if len(calls) != 1 || calls[0].Name != "add" {
		t.Fatalf("expected alias to normalize to 'add', got %+v", calls)
	}
}

func TestExtractToolCalls_NilArguments(t *testing.T) {
	calls := extractToolCallsFromContent(`{"name": "add"}`)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Arguments == nil {
		t.Fatal("arguments should be initialized to empty map")
	}
}

func TestStripRolePrefix(t *testing.T) {
	if got := stripRolePrefix("assistant\n5 + 3 = 8"); got != "5 + 3 = 8" {
		t.Fatalf("expected prefix stripped, got %q", got)
	}
	if got := stripRolePrefix("5 + 3 = 8"); got != "5 + 3 = 8" {
		t.Fatalf("plain content should pass through, got %q", got)
	}
}

func TestSanitizeJSONEscapes_InvalidEscape(t *testing.T) {
	input := `{"key": "100\% готово"}`
	expected := `{"key": "100% готово"}`
	if result := sanitizeJSONEscapes(input); result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestSanitizeJSONEscapes_PreservesValidEscapes(t *testing.T) {
	input := `{"text": "line1\nline2\ttab"}`
	if result := sanitizeJSONEscapes(input); result != input {
		t.Fatalf("valid JSON should not change, got %q", result)
	}
}
