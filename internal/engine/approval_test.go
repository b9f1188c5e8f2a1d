package engine

import (
	"context"
	"testing"
	"time"

	"github.com/turnloop/turnloop/internal/bus"
	"github.com/turnloop/turnloop/internal/provider"
)

// TestHighRiskCallRequestsApproval verifies that a tier-2 tool call suspends
// the turn behind an approval prompt and runs after the user approves.
func TestHighRiskCallRequestsApproval(t *testing.T) {
	deploy := &fakeTool{name: "deploy", tier: 2, fn: func(ctx context.Context, params map[string]any) (string, error) {
		return "deployed", nil
	}}
	registry := newRegistryWith(deploy)

	client := &scriptedClient{scripts: [][]provider.StreamEvent{
		{callEvent("call-1", "deploy", nil), doneEvent()},
		{deltaEvent("ship it"), doneEvent()},
	}}
	h := newHarness(t, client, registry, nil)

	h.submit("deploy the service")
	req := h.notes.waitFor(t, bus.NoteApprovalRequest, 3*time.Second)
	if req.CallID != "call-1" || req.Tool != "deploy" {
		t.Fatalf("unexpected approval request: call=%s tool=%s", req.CallID, req.Tool)
	}
	if deploy.callCount() != 0 {
		t.Fatal("tool ran before approval was granted")
	}

	h.bus.Submit(&bus.Submission{Op: bus.OpApproval, CallID: req.CallID, Approved: true})
	h.notes.waitFor(t, bus.NoteTurnComplete, 3*time.Second)

	if deploy.callCount() != 1 {
		t.Errorf("expected 1 execution after approval, got %d", deploy.callCount())
	}
	last := client.request(1)
	result := last.Messages[len(last.Messages)-1]
	if result.Role != "tool" || result.Content != "deployed" {
		t.Errorf("unexpected tool result message: role=%s content=%q", result.Role, result.Content)
	}
}

// TestDeniedCallBecomesToolResult verifies that denial does not fail the
// turn: the model sees the rejection text as an ordinary tool result.
func TestDeniedCallBecomesToolResult(t *testing.T) {
	deploy := &fakeTool{name: "deploy", tier: 2}
	registry := newRegistryWith(deploy)

	client := &scriptedClient{scripts: [][]provider.StreamEvent{
		{callEvent("call-1", "deploy", nil), doneEvent()},
		{deltaEvent("understood"), doneEvent()},
	}}
	h := newHarness(t, client, registry, nil)

	h.submit("deploy the service")
	req := h.notes.waitFor(t, bus.NoteApprovalRequest, 3*time.Second)
	h.bus.Submit(&bus.Submission{Op: bus.OpApproval, CallID: req.CallID, Approved: false})

	note := h.notes.waitFor(t, bus.NoteTurnComplete, 3*time.Second)
	if note.Text != "understood" {
		t.Errorf("unexpected final text: %q", note.Text)
	}
	if deploy.callCount() != 0 {
		t.Errorf("denied tool must not run, ran %d times", deploy.callCount())
	}

	last := client.request(1)
	result := last.Messages[len(last.Messages)-1]
	if result.Content != "Command was rejected by user." {
		t.Errorf("unexpected denial result: %q", result.Content)
	}
}

// TestGateHoldsSubsequentCalls verifies that while one call waits on
// approval, later calls from the same response are not dispatched.
func TestGateHoldsSubsequentCalls(t *testing.T) {
	deploy := &fakeTool{name: "deploy", tier: 2}
	echo := &fakeTool{name: "echo"}
	registry := newRegistryWith(deploy, echo)

	client := &scriptedClient{scripts: [][]provider.StreamEvent{
		{
			callEvent("call-1", "deploy", nil),
			callEvent("call-2", "echo", nil),
			doneEvent(),
		},
		{deltaEvent("done"), doneEvent()},
	}}
	h := newHarness(t, client, registry, nil)

	h.submit("deploy then echo")
	req := h.notes.waitFor(t, bus.NoteApprovalRequest, 3*time.Second)

	// Give the engine a moment: echo must still be held.
	time.Sleep(100 * time.Millisecond)
	if echo.callCount() != 0 {
		t.Fatal("held call ran while the turn was gated")
	}

	h.bus.Submit(&bus.Submission{Op: bus.OpApproval, CallID: req.CallID, Approved: true})
	h.notes.waitFor(t, bus.NoteTurnComplete, 3*time.Second)

	if deploy.callCount() != 1 || echo.callCount() != 1 {
		t.Errorf("expected both tools to run, got deploy=%d echo=%d", deploy.callCount(), echo.callCount())
	}
}

// TestApprovalTimeoutDenies verifies that an unanswered approval is denied
// after the configured timeout.
func TestApprovalTimeoutDenies(t *testing.T) {
	deploy := &fakeTool{name: "deploy", tier: 2}
	registry := newRegistryWith(deploy)

	client := &scriptedClient{scripts: [][]provider.StreamEvent{
		{callEvent("call-1", "deploy", nil), doneEvent()},
		{deltaEvent("timed out"), doneEvent()},
	}}
	h := newHarness(t, client, registry, func(o *Options) {
		o.Engine.ApprovalTimeout = 100 * time.Millisecond
	})

	h.submit("deploy the service")
	h.notes.waitFor(t, bus.NoteApprovalRequest, 3*time.Second)
	h.notes.waitFor(t, bus.NoteTurnComplete, 3*time.Second)

	if deploy.callCount() != 0 {
		t.Errorf("timed-out approval must not run the tool, ran %d times", deploy.callCount())
	}
}

// TestStaleApprovalIgnored verifies that a resolution for an unknown call
// does not disturb the gated turn.
func TestStaleApprovalIgnored(t *testing.T) {
	deploy := &fakeTool{name: "deploy", tier: 2}
	registry := newRegistryWith(deploy)

	client := &scriptedClient{scripts: [][]provider.StreamEvent{
		{callEvent("call-1", "deploy", nil), doneEvent()},
		{deltaEvent("done"), doneEvent()},
	}}
	h := newHarness(t, client, registry, nil)

	h.submit("deploy")
	req := h.notes.waitFor(t, bus.NoteApprovalRequest, 3*time.Second)

	h.bus.Submit(&bus.Submission{Op: bus.OpApproval, CallID: "call-ghost", Approved: true})
	time.Sleep(100 * time.Millisecond)
	if deploy.callCount() != 0 {
		t.Fatal("stale approval released the gated call")
	}

	h.bus.Submit(&bus.Submission{Op: bus.OpApproval, CallID: req.CallID, Approved: true})
	h.notes.waitFor(t, bus.NoteTurnComplete, 3*time.Second)
	if deploy.callCount() != 1 {
		t.Errorf("expected 1 execution, got %d", deploy.callCount())
	}
}
