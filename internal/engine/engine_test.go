package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/turnloop/turnloop/internal/approval"
	"github.com/turnloop/turnloop/internal/bus"
	"github.com/turnloop/turnloop/internal/config"
	"github.com/turnloop/turnloop/internal/provider"
	"github.com/turnloop/turnloop/internal/safety"
	"github.com/turnloop/turnloop/internal/tools"
)

// scriptedClient replays a fixed sequence of streams, one per request.
type scriptedClient struct {
	mu       sync.Mutex
	scripts  [][]provider.StreamEvent
	requests []*provider.ChatRequest
}

func (c *scriptedClient) Stream(ctx context.Context, req *provider.ChatRequest) (<-chan provider.StreamEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := *req
	snapshot.Messages = append([]provider.Message(nil), req.Messages...)
	c.requests = append(c.requests, &snapshot)

	idx := len(c.requests) - 1
	if idx >= len(c.scripts) {
		return nil, fmt.Errorf("no script for request %d", idx)
	}
	events := c.scripts[idx]
	ch := make(chan provider.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (c *scriptedClient) DefaultModel() string { return "mock-model" }

func (c *scriptedClient) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *scriptedClient) request(i int) *provider.ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}

func deltaEvent(text string) provider.StreamEvent {
	return provider.StreamEvent{Kind: provider.EventDelta, Text: text}
}

func callEvent(id, name string, args map[string]any) provider.StreamEvent {
	return provider.StreamEvent{Kind: provider.EventToolCall, Call: &provider.ToolCall{ID: id, Name: name, Arguments: args}}
}

func doneEvent() provider.StreamEvent {
	return provider.StreamEvent{Kind: provider.EventDone, Usage: provider.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}
}

// fakeTool is a scriptable registry entry.
type fakeTool struct {
	name string
	tier int
	fn   func(ctx context.Context, params map[string]any) (string, error)

	mu    sync.Mutex
	calls int
}

func (f *fakeTool) Name() string               { return f.name }
func (f *fakeTool) Description() string        { return "fake tool" }
func (f *fakeTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (f *fakeTool) Tier() int                  { return f.tier }

func (f *fakeTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn == nil {
		return "ok", nil
	}
	return f.fn(ctx, params)
}

func (f *fakeTool) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newRegistryWith(ts ...tools.Tool) *tools.Registry {
	r := tools.NewRegistry()
	for _, tool := range ts {
		r.Register(tool)
	}
	return r
}

// noteCapture collects bus notifications for assertions.
type noteCapture struct {
	mu    sync.Mutex
	notes []bus.Notification
}

func (c *noteCapture) add(n *bus.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, *n)
}

func (c *noteCapture) snapshot() []bus.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bus.Notification, len(c.notes))
	copy(out, c.notes)
	return out
}

func (c *noteCapture) count(kind string) int {
	n := 0
	for _, note := range c.snapshot() {
		if note.Kind == kind {
			n++
		}
	}
	return n
}

func (c *noteCapture) waitFor(t *testing.T, kind string, timeout time.Duration) bus.Notification {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, note := range c.snapshot() {
			if note.Kind == kind {
				return note
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s notification", kind)
	return bus.Notification{}
}

// harness wires a full engine with a scripted client and fake tools.
type harness struct {
	bus    *bus.Bus
	client provider.StreamClient
	notes  *noteCapture
}

func newHarness(t *testing.T, client provider.StreamClient, registry *tools.Registry, mutate func(*Options)) *harness {
	t.Helper()

	if registry == nil {
		registry = tools.NewRegistry()
	}
	b := bus.New()
	notes := &noteCapture{}
	b.Subscribe("", notes.add)

	opts := Options{
		Bus:       b,
		Client:    client,
		Registry:  registry,
		Analyzer:  safety.NewDefaultAnalyzer(),
		Approvals: approval.NewManager(nil),
		Model:     config.ModelConfig{Name: "mock-model", MaxTokens: 1024},
		Engine: config.EngineConfig{
			MaxIterations:    20,
			MaxBatchCalls:    10,
			SubagentBudget:   10,
			SentinelInterval: 50 * time.Millisecond,
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	eng := New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Dispatch(ctx)
	go eng.Run(ctx)

	return &harness{bus: b, client: client, notes: notes}
}

func (h *harness) submit(content string) {
	h.bus.Submit(&bus.Submission{Op: bus.OpUserInput, Content: content})
}

func TestPlainTurnCompletes(t *testing.T) {
	client := &scriptedClient{scripts: [][]provider.StreamEvent{
		{deltaEvent("hello "), deltaEvent("world"), doneEvent()},
	}}
	h := newHarness(t, client, nil, nil)

	h.submit("hi")
	note := h.notes.waitFor(t, bus.NoteTurnComplete, 3*time.Second)

	if note.Text != "hello world" {
		t.Errorf("unexpected final text: %q", note.Text)
	}
	if client.requestCount() != 1 {
		t.Errorf("expected 1 request, got %d", client.requestCount())
	}
	if h.notes.count(bus.NoteDelta) != 2 {
		t.Errorf("expected 2 delta notifications, got %d", h.notes.count(bus.NoteDelta))
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	echo := &fakeTool{name: "echo", fn: func(ctx context.Context, params map[string]any) (string, error) {
		return "echoed: " + tools.GetString(params, "text", ""), nil
	}}
	registry := tools.NewRegistry()
	registry.Register(echo)

	client := &scriptedClient{scripts: [][]provider.StreamEvent{
		{callEvent("call-1", "echo", map[string]any{"text": "ping"}), doneEvent()},
		{deltaEvent("all done"), doneEvent()},
	}}
	h := newHarness(t, client, registry, nil)

	h.submit("run echo")
	note := h.notes.waitFor(t, bus.NoteTurnComplete, 3*time.Second)

	if note.Text != "all done" {
		t.Errorf("unexpected final text: %q", note.Text)
	}
	if echo.callCount() != 1 {
		t.Errorf("expected 1 tool execution, got %d", echo.callCount())
	}

	// The second request must carry the tool result after the assistant
	// message that issued the call.
	req := client.request(1)
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "tool" || last.ToolCallID != "call-1" {
		t.Fatalf("expected trailing tool message for call-1, got role=%s id=%s", last.Role, last.ToolCallID)
	}
	if last.Content != "echoed: ping" {
		t.Errorf("unexpected tool result: %q", last.Content)
	}
	prev := req.Messages[len(req.Messages)-2]
	if prev.Role != "assistant" || len(prev.ToolCalls) != 1 {
		t.Errorf("expected assistant message with the tool call before the result")
	}
}

func TestResultsAppendInDispatchOrder(t *testing.T) {
	slow := &fakeTool{name: "slow", fn: func(ctx context.Context, params map[string]any) (string, error) {
		time.Sleep(150 * time.Millisecond)
		return "slow result", nil
	}}
	fast := &fakeTool{name: "fast", fn: func(ctx context.Context, params map[string]any) (string, error) {
		return "fast result", nil
	}}
	registry := tools.NewRegistry()
	registry.Register(slow)
	registry.Register(fast)

	client := &scriptedClient{scripts: [][]provider.StreamEvent{
		{
			callEvent("call-1", "slow", nil),
			callEvent("call-2", "fast", nil),
			doneEvent(),
		},
		{deltaEvent("done"), doneEvent()},
	}}
	h := newHarness(t, client, registry, nil)

	h.submit("run both")
	h.notes.waitFor(t, bus.NoteTurnComplete, 3*time.Second)

	// call-2 completes first but call-1's result must still lead.
	req := client.request(1)
	var toolMsgs []provider.Message
	for _, m := range req.Messages {
		if m.Role == "tool" {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 2 {
		t.Fatalf("expected 2 tool messages, got %d", len(toolMsgs))
	}
	if toolMsgs[0].ToolCallID != "call-1" || toolMsgs[1].ToolCallID != "call-2" {
		t.Errorf("results out of dispatch order: %s, %s", toolMsgs[0].ToolCallID, toolMsgs[1].ToolCallID)
	}
}

func TestQueuedSubmissionRunsAfterTurn(t *testing.T) {
	gate := make(chan struct{})
	slow := &fakeTool{name: "slow", fn: func(ctx context.Context, params map[string]any) (string, error) {
		<-gate
		return "ok", nil
	}}
	registry := tools.NewRegistry()
	registry.Register(slow)

	client := &scriptedClient{scripts: [][]provider.StreamEvent{
		{callEvent("call-1", "slow", nil), doneEvent()},
		{deltaEvent("first done"), doneEvent()},
		{deltaEvent("second done"), doneEvent()},
	}}
	h := newHarness(t, client, registry, nil)

	h.submit("first")
	h.notes.waitFor(t, bus.NoteToolBegin, 3*time.Second)
	h.submit("second")
	close(gate)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.notes.count(bus.NoteTurnComplete) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := h.notes.count(bus.NoteTurnComplete); n != 2 {
		t.Fatalf("expected 2 completed turns, got %d", n)
	}

	// The queued message starts its own turn with its own request.
	last := client.request(2)
	var sawSecond bool
	for _, m := range last.Messages {
		if m.Role == "user" && m.Content == "second" {
			sawSecond = true
		}
	}
	if !sawSecond {
		t.Error("queued submission never reached the model")
	}
}

func TestMaxIterationsFailsTurn(t *testing.T) {
	echo := &fakeTool{name: "echo"}
	registry := tools.NewRegistry()
	registry.Register(echo)

	loop := []provider.StreamEvent{callEvent("call-x", "echo", nil), doneEvent()}
	client := &scriptedClient{scripts: [][]provider.StreamEvent{loop, loop, loop}}
	h := newHarness(t, client, registry, func(o *Options) {
		o.Engine.MaxIterations = 2
	})

	h.submit("loop forever")
	note := h.notes.waitFor(t, bus.NoteTurnError, 3*time.Second)

	if !strings.Contains(note.Text, "max iterations") {
		t.Errorf("unexpected error text: %q", note.Text)
	}
	if client.requestCount() != 2 {
		t.Errorf("expected exactly 2 requests, got %d", client.requestCount())
	}
}

func TestTokenCountEmittedBeforeRequest(t *testing.T) {
	client := &scriptedClient{scripts: [][]provider.StreamEvent{
		{deltaEvent("hi"), doneEvent()},
	}}
	h := newHarness(t, client, nil, nil)

	h.submit("hello there")
	h.notes.waitFor(t, bus.NoteTurnComplete, 3*time.Second)

	note := h.notes.waitFor(t, bus.NoteTokenCount, time.Second)
	est, ok := note.Detail["estimated_prompt_tokens"].(int)
	if !ok || est <= 0 {
		t.Errorf("expected positive token estimate, got %v", note.Detail["estimated_prompt_tokens"])
	}
}

func TestTodoUpdateNotification(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(tools.NewTodoTool())

	todos := []any{
		map[string]any{"content": "first", "status": "in_progress"},
		map[string]any{"content": "second", "status": "pending"},
	}
	client := &scriptedClient{scripts: [][]provider.StreamEvent{
		{callEvent("call-1", "todo_write", map[string]any{"todos": todos}), doneEvent()},
		{deltaEvent("done"), doneEvent()},
	}}
	h := newHarness(t, client, registry, nil)

	h.submit("track work")
	h.notes.waitFor(t, bus.NoteTurnComplete, 3*time.Second)

	note := h.notes.waitFor(t, bus.NoteTodoUpdate, time.Second)
	items, ok := note.Detail["todos"].([]map[string]any)
	if !ok || len(items) != 2 {
		t.Fatalf("expected 2 todo items, got %v", note.Detail["todos"])
	}
	if items[0]["content"] != "first" || items[0]["status"] != "in_progress" {
		t.Errorf("unexpected first todo: %v", items[0])
	}
}

func TestEmptyResponseNotRecorded(t *testing.T) {
	client := &scriptedClient{scripts: [][]provider.StreamEvent{
		{doneEvent()},
		{deltaEvent("hi"), doneEvent()},
	}}
	h := newHarness(t, client, nil, nil)

	h.submit("first")
	h.submit("second")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.notes.count(bus.NoteTurnComplete) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := h.notes.count(bus.NoteTurnComplete); n != 2 {
		t.Fatalf("expected 2 completed turns, got %d", n)
	}

	// The first stream produced neither text nor calls, so the second
	// request carries only the two user messages.
	req := client.request(1)
	for _, m := range req.Messages {
		if m.Role == "assistant" {
			t.Fatalf("empty assistant message recorded: %+v", m)
		}
	}
	if len(req.Messages) != 2 {
		t.Errorf("expected 2 messages, got %d", len(req.Messages))
	}
}

func TestStragglerToolEventDiscarded(t *testing.T) {
	b := bus.New()
	notes := &noteCapture{}
	b.Subscribe("", notes.add)

	eng := New(Options{
		Bus:       b,
		Client:    &scriptedClient{},
		Registry:  tools.NewRegistry(),
		Analyzer:  safety.NewDefaultAnalyzer(),
		Approvals: approval.NewManager(nil),
		Model:     config.ModelConfig{Name: "mock-model", MaxTokens: 1024},
		Engine:    engineDefaultsForTest(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Dispatch(ctx)

	// Events whose call has no result slot belong to a task that outlived
	// its turn; none of them may surface as notifications.
	eng.handleToolEvent(ctx, ToolEvent{Kind: ToolStarted, CallID: "ghost", Tool: "echo"})
	eng.handleToolEvent(ctx, ToolEvent{Kind: ToolOutput, CallID: "ghost", Tool: "echo", Chunk: "late"})
	eng.handleToolEvent(ctx, ToolEvent{Kind: ToolCompleted, CallID: "ghost", Tool: "echo", Content: "late"})

	time.Sleep(100 * time.Millisecond)
	if n := notes.count(bus.NoteToolBegin); n != 0 {
		t.Errorf("straggler start surfaced %d tool_begin notifications", n)
	}
	if n := notes.count(bus.NoteToolOutput); n != 0 {
		t.Errorf("straggler output surfaced %d tool_output notifications", n)
	}
	if n := notes.count(bus.NoteToolEnd); n != 0 {
		t.Errorf("straggler completion surfaced %d tool_end notifications", n)
	}
}

func TestStreamErrorFailsTurn(t *testing.T) {
	client := &scriptedClient{scripts: [][]provider.StreamEvent{
		{deltaEvent("partial"), {Kind: provider.EventError, Err: fmt.Errorf("connection reset")}},
	}}
	h := newHarness(t, client, nil, nil)

	h.submit("hi")
	note := h.notes.waitFor(t, bus.NoteTurnError, 3*time.Second)

	if !strings.Contains(note.Text, "connection reset") {
		t.Errorf("unexpected error text: %q", note.Text)
	}
}
