package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/turnloop/turnloop/internal/approval"
	"github.com/turnloop/turnloop/internal/bus"
	"github.com/turnloop/turnloop/internal/provider"
	"github.com/turnloop/turnloop/internal/safety"
	"github.com/turnloop/turnloop/internal/tools"
	"github.com/turnloop/turnloop/internal/transcript"
)

// reserveResult creates the ordered result slot for a dispatched call.
func (e *Engine) reserveResult(call provider.ToolCall) {
	if _, ok := e.results[call.ID]; ok {
		return
	}
	e.resultOrder = append(e.resultOrder, call.ID)
	e.results[call.ID] = &pendingResult{callID: call.ID, tool: call.Name}
}

// fillResult records a terminal result into its reserved slot.
func (e *Engine) fillResult(callID, content string, failed bool) {
	slot, ok := e.results[callID]
	if !ok {
		// Late event from a previous turn; discard.
		return
	}
	slot.content = content
	slot.failed = failed
	slot.filled = true
}

// gateAndDispatch runs the safety check for one call. Allowed calls spawn
// immediately; calls needing approval suspend the turn.
func (e *Engine) gateAndDispatch(ctx context.Context, call provider.ToolCall) {
	if e.cancelled.Load() {
		return
	}

	tier := tools.TierReadOnly
	if tool, ok := e.opts.Registry.Get(call.Name); ok {
		tier = tools.ToolTier(tool)
	}
	switch call.Name {
	case taskToolName:
		tier = tools.TierWrite
	case batchToolName:
		// Batch inherits the highest tier among its sub-calls.
		tier = e.batchTier(call)
	}

	decision := e.opts.Analyzer.Evaluate(safety.Context{
		Tool:      call.Name,
		Tier:      tier,
		Arguments: call.Arguments,
		TurnID:    e.turnID,
	})

	if decision.Allow {
		e.spawn(ctx, call)
		return
	}
	if !decision.RequiresApproval {
		e.fillResult(call.ID, fmt.Sprintf("Tool call denied: %s", decision.Reason), true)
		e.maybeContinue(ctx)
		return
	}

	e.requestApproval(ctx, call, decision)
}

// batchTier returns the highest declared tier among a batch's sub-calls.
func (e *Engine) batchTier(call provider.ToolCall) int {
	tier := tools.TierReadOnly
	for _, sub := range parseBatchCalls(call.Arguments) {
		if sub.Name == batchToolName {
			continue
		}
		if tool, ok := e.opts.Registry.Get(sub.Name); ok {
			if t := tools.ToolTier(tool); t > tier {
				tier = t
			}
		}
	}
	return tier
}

// requestApproval suspends the turn behind an interactive approval.
func (e *Engine) requestApproval(ctx context.Context, call provider.ToolCall, decision safety.Decision) {
	e.gatedCall = &call

	if e.opts.Approvals != nil {
		e.opts.Approvals.Create(&approval.Request{
			CallID:    call.ID,
			Tool:      call.Name,
			Tier:      decision.Tier,
			Arguments: call.Arguments,
			TurnID:    e.turnID,
			Reason:    decision.Reason,
		})
	}

	e.opts.Bus.Notify(&bus.Notification{
		Kind:   bus.NoteApprovalRequest,
		TurnID: e.turnID,
		CallID: call.ID,
		Tool:   call.Name,
		Text:   decision.Reason,
		Detail: map[string]any{"arguments": call.Arguments, "tier": decision.Tier},
	})
	e.logger.Info("approval requested", "turn_id", e.turnID, "call_id", call.ID, "tool", call.Name)

	if e.opts.Engine.ApprovalTimeout > 0 {
		callID := call.ID
		cancelled := e.cancelled
		time.AfterFunc(e.opts.Engine.ApprovalTimeout, func() {
			if cancelled.Load() {
				return
			}
			e.opts.Bus.Submit(&bus.Submission{Op: bus.OpApproval, CallID: callID, Approved: false})
		})
	}
}

// handleApprovalResolution resumes a turn suspended on the given call.
func (e *Engine) handleApprovalResolution(ctx context.Context, callID string, approved bool) {
	if e.gatedCall == nil || e.gatedCall.ID != callID {
		// Stale or duplicate resolution.
		return
	}
	call := *e.gatedCall
	e.gatedCall = nil

	if e.opts.Approvals != nil {
		_ = e.opts.Approvals.Resolve(callID, approved)
	}

	if approved {
		e.spawn(ctx, call)
	} else {
		e.fillResult(callID, deniedResultText, false)
		e.logger.Info("tool call denied", "turn_id", e.turnID, "call_id", callID, "tool", call.Name)
	}

	// Release held calls until one gates again.
	for len(e.heldCalls) > 0 && e.gatedCall == nil {
		next := e.heldCalls[0]
		e.heldCalls = e.heldCalls[1:]
		e.gateAndDispatch(ctx, next)
	}

	e.maybeContinue(ctx)
}

// spawn starts the supervised goroutine for one approved call. task and
// batch calls route to their dedicated executors.
func (e *Engine) spawn(ctx context.Context, call provider.ToolCall) {
	switch call.Name {
	case taskToolName:
		e.spawnSubagent(ctx, call)
		return
	case batchToolName:
		e.spawnBatch(ctx, call)
		return
	}

	task := newRunningTask(call.ID, call.Name)
	e.running[call.ID] = task

	if e.opts.Transcript != nil {
		argsJSON, _ := json.Marshal(call.Arguments)
		_ = e.opts.Transcript.BeginToolSpan(call.ID, e.turnID, call.Name, string(argsJSON))
	}

	go e.runTool(e.turnCtx, task, call)
}

// runTool executes one tool call and reports lifecycle events. A panic is
// swallowed after logging; the crash sentinel synthesizes the Failed event
// for any goroutine that returns without reporting.
func (e *Engine) runTool(ctx context.Context, task *RunningTask, call provider.ToolCall) {
	defer close(task.done)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked", "call_id", call.ID, "tool", call.Name, "panic", r)
		}
	}()

	e.toolEvents <- ToolEvent{Kind: ToolStarted, CallID: call.ID, Tool: call.Name}

	start := time.Now()
	result, err := e.executeTool(ctx, call)
	duration := time.Since(start)

	if call.Name == "todo_write" && err == nil {
		e.toolEvents <- ToolEvent{
			Kind:   TodoUpdated,
			CallID: call.ID,
			Tool:   call.Name,
			Todos:  parseTodos(call.Arguments),
		}
	}

	task.eventSent.Store(true)
	if err != nil {
		e.toolEvents <- ToolEvent{
			Kind:     ToolFailed,
			CallID:   call.ID,
			Tool:     call.Name,
			Err:      err.Error(),
			Duration: duration,
		}
		return
	}
	e.toolEvents <- ToolEvent{
		Kind:     ToolCompleted,
		CallID:   call.ID,
		Tool:     call.Name,
		Content:  result,
		Duration: duration,
	}
}

// executeTool runs the tool, streaming output chunks when supported.
func (e *Engine) executeTool(ctx context.Context, call provider.ToolCall) (string, error) {
	tool, ok := e.opts.Registry.Get(call.Name)
	if !ok {
		return "", fmt.Errorf("tool not found: %s", call.Name)
	}
	if st, ok := tool.(tools.StreamingTool); ok {
		callID, name := call.ID, call.Name
		return st.ExecuteStreaming(ctx, call.Arguments, func(chunk string) {
			e.toolEvents <- ToolEvent{Kind: ToolOutput, CallID: callID, Tool: name, Chunk: chunk}
		})
	}
	return tool.Execute(ctx, call.Arguments)
}

// handleToolEvent processes one event from a supervised task. Events whose
// result slot no longer exists come from a previous turn's stragglers and
// are dropped before they can emit notifications against the wrong turn.
func (e *Engine) handleToolEvent(ctx context.Context, ev ToolEvent) {
	if _, ok := e.results[ev.CallID]; !ok {
		return
	}

	switch ev.Kind {
	case ToolStarted:
		e.opts.Bus.Notify(&bus.Notification{
			Kind:   bus.NoteToolBegin,
			TurnID: e.turnID,
			CallID: ev.CallID,
			Tool:   ev.Tool,
		})

	case ToolOutput:
		if e.cancelled.Load() {
			return
		}
		e.opts.Bus.Notify(&bus.Notification{
			Kind:   bus.NoteToolOutput,
			TurnID: e.turnID,
			CallID: ev.CallID,
			Tool:   ev.Tool,
			Text:   ev.Chunk,
		})

	case TodoUpdated:
		if e.cancelled.Load() {
			return
		}
		detail := make([]map[string]any, len(ev.Todos))
		for i, td := range ev.Todos {
			detail[i] = map[string]any{"content": td.Content, "status": td.Status}
		}
		e.opts.Bus.Notify(&bus.Notification{
			Kind:   bus.NoteTodoUpdate,
			TurnID: e.turnID,
			CallID: ev.CallID,
			Detail: map[string]any{"todos": detail},
		})

	case AgentGenerated:
		e.opts.Bus.Notify(&bus.Notification{
			Kind:   bus.NoteAgentSpawned,
			TurnID: e.turnID,
			CallID: ev.CallID,
			Text:   ev.AgentID,
		})

	case ToolCompleted, ToolFailed:
		e.handleToolTerminal(ctx, ev)
	}
}

// handleToolTerminal finishes one supervised task: removes it from the
// tracking tables, records the result, and runs the continuation check.
func (e *Engine) handleToolTerminal(ctx context.Context, ev ToolEvent) {
	delete(e.running, ev.CallID)
	delete(e.subagents, ev.CallID)

	if e.cancelled.Load() || !e.turnActive {
		// In-flight result of a cancelled turn: discard, never roll back.
		return
	}
	// The assistant message that issued these calls must be recorded
	// before its first result when the stream has not finished yet.
	if !e.streamDone && len(e.pendingCalls) > 0 {
		e.saveAssistantMessage()
	}

	content := ev.Content
	status := transcript.SpanStatusCompleted
	failed := false
	if ev.Kind == ToolFailed {
		content = fmt.Sprintf("Error: %s", ev.Err)
		status = transcript.SpanStatusFailed
		failed = true
	}
	e.fillResult(ev.CallID, content, failed)

	if e.opts.Transcript != nil {
		_ = e.opts.Transcript.FinishToolSpan(ev.CallID, status, content, ev.Duration)
	}

	e.opts.Bus.Notify(&bus.Notification{
		Kind:       bus.NoteToolEnd,
		TurnID:     e.turnID,
		CallID:     ev.CallID,
		Tool:       ev.Tool,
		Text:       truncateStr(content, 2000),
		Detail:     map[string]any{"failed": failed},
		DurationMs: ev.Duration.Milliseconds(),
	})
	e.logger.Debug("tool finished", "call_id", ev.CallID, "tool", ev.Tool,
		"failed", failed, "duration_ms", ev.Duration.Milliseconds())

	e.maybeContinue(ctx)
}

func parseTodos(args map[string]any) []TodoItem {
	raw, ok := args["todos"].([]any)
	if !ok {
		return nil
	}
	items := make([]TodoItem, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		items = append(items, TodoItem{
			Content: tools.GetString(m, "content", ""),
			Status:  tools.GetString(m, "status", "pending"),
		})
	}
	return items
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.ToValidUTF8(s[:max], "") + "..."
}
