package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/turnloop/turnloop/internal/provider"
	"github.com/turnloop/turnloop/internal/tools"
)

// parseBatchCalls extracts the sub-calls of a batch tool invocation.
// Each entry carries a tool name ("tool" or "name") and its arguments.
func parseBatchCalls(args map[string]any) []provider.ToolCall {
	raw, ok := args["tool_calls"].([]any)
	if !ok {
		return nil
	}
	calls := make([]provider.ToolCall, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		name := tools.GetString(m, "tool", "")
		if name == "" {
			name = tools.GetString(m, "name", "")
		}
		if name == "" {
			continue
		}
		subArgs, _ := m["arguments"].(map[string]any)
		calls = append(calls, provider.ToolCall{Name: name, Arguments: subArgs})
	}
	return calls
}

// BatchToolDefinition returns the function definition the model sees for
// the batch tool.
func BatchToolDefinition(maxCalls int) provider.ToolDefinition {
	return provider.ToolDefinition{
		Type: "function",
		Function: provider.FunctionDef{
			Name:        batchToolName,
			Description: fmt.Sprintf("Run up to %d independent tool calls in parallel and collect all their results at once.", maxCalls),
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tool_calls": map[string]any{
						"type":        "array",
						"description": "The tool calls to run in parallel",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"tool":      map[string]any{"type": "string", "description": "Tool name"},
								"arguments": map[string]any{"type": "object", "description": "Tool arguments"},
							},
							"required": []string{"tool"},
						},
					},
				},
				"required": []string{"tool_calls"},
			},
		},
	}
}

// spawnBatch fans a batch call out into parallel sub-executions. The
// aggregate succeeds only if every executed sub-call succeeded. Nested
// batch entries are dropped, never executed. An oversized batch fails
// without executing anything.
func (e *Engine) spawnBatch(ctx context.Context, call provider.ToolCall) {
	task := newRunningTask(call.ID, batchToolName)
	e.running[call.ID] = task

	subCalls := parseBatchCalls(call.Arguments)
	maxCalls := e.opts.Engine.MaxBatchCalls
	registry := e.opts.Registry
	ctx = e.turnCtx

	go func() {
		defer close(task.done)
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("batch panicked", "call_id", call.ID, "panic", r)
			}
		}()

		e.toolEvents <- ToolEvent{Kind: ToolStarted, CallID: call.ID, Tool: batchToolName}
		start := time.Now()

		if len(subCalls) > maxCalls {
			task.eventSent.Store(true)
			e.toolEvents <- ToolEvent{
				Kind:     ToolFailed,
				CallID:   call.ID,
				Tool:     batchToolName,
				Err:      fmt.Sprintf("batch rejected: %d tool calls exceed the limit of %d; nothing was executed", len(subCalls), maxCalls),
				Duration: time.Since(start),
			}
			return
		}

		type subResult struct {
			name    string
			content string
			failed  bool
			dropped bool
		}
		results := make([]subResult, len(subCalls))

		var wg sync.WaitGroup
		for i, sub := range subCalls {
			if sub.Name == batchToolName {
				results[i] = subResult{name: sub.Name, dropped: true}
				continue
			}
			wg.Add(1)
			go func(i int, sub provider.ToolCall) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						results[i] = subResult{name: sub.Name, content: fmt.Sprintf("Error: panic: %v", r), failed: true}
					}
				}()
				out, err := registry.Execute(ctx, sub.Name, sub.Arguments)
				if err != nil {
					results[i] = subResult{name: sub.Name, content: fmt.Sprintf("Error: %v", err), failed: true}
					return
				}
				results[i] = subResult{name: sub.Name, content: out}
			}(i, sub)
		}
		wg.Wait()

		dropped := 0
		for _, r := range results {
			if r.dropped {
				dropped++
			}
		}
		executedTotal := len(results) - dropped

		var out strings.Builder
		succeeded, failed := 0, 0
		executed := 0
		for _, r := range results {
			if r.dropped {
				continue
			}
			executed++
			if r.failed {
				failed++
			} else {
				succeeded++
			}
			out.WriteString(fmt.Sprintf("=== %s (%d/%d) ===\n", r.name, executed, executedTotal))
			out.WriteString(r.content)
			out.WriteString("\n\n")
		}
		out.WriteString(fmt.Sprintf("<batch_metadata>succeeded: %d, failed: %d, dropped: %d</batch_metadata>", succeeded, failed, dropped))

		task.eventSent.Store(true)
		if failed > 0 {
			e.toolEvents <- ToolEvent{
				Kind:     ToolFailed,
				CallID:   call.ID,
				Tool:     batchToolName,
				Err:      out.String(),
				Duration: time.Since(start),
			}
			return
		}
		e.toolEvents <- ToolEvent{
			Kind:     ToolCompleted,
			CallID:   call.ID,
			Tool:     batchToolName,
			Content:  out.String(),
			Duration: time.Since(start),
		}
	}()
}
