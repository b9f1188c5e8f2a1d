package engine

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/turnloop/turnloop/internal/provider"
	"github.com/turnloop/turnloop/internal/safety"
	"github.com/turnloop/turnloop/internal/tools"
)

// subagentRun tracks one delegated run. Subagents live in their own
// registry, separate from the running-task table, but expose the same
// done/eventSent shape so the crash sentinel can watch both. TurnID and
// cancelled are snapshots taken at spawn: the run goroutine must never
// read turn state off the engine, which rewrites it on reset.
type subagentRun struct {
	CallID    string
	AgentID   string
	TurnID    string
	Prompt    string
	StartedAt time.Time

	cancelled *atomic.Bool
	done      chan struct{}
	eventSent atomic.Bool
}

// TaskToolDefinition returns the function definition the model sees for
// the task (delegation) tool.
func TaskToolDefinition() provider.ToolDefinition {
	return provider.ToolDefinition{
		Type: "function",
		Function: provider.FunctionDef{
			Name:        taskToolName,
			Description: "Delegate a self-contained piece of work to a subagent with its own conversation. The subagent's final answer becomes this call's result.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt": map[string]any{
						"type":        "string",
						"description": "Complete instructions for the subagent",
					},
					"description": map[string]any{
						"type":        "string",
						"description": "Short summary of the delegated work",
					},
				},
				"required": []string{"prompt"},
			},
		},
	}
}

// spawnSubagent starts a delegated run for a task call.
func (e *Engine) spawnSubagent(ctx context.Context, call provider.ToolCall) {
	prompt := tools.GetString(call.Arguments, "prompt", "")
	if prompt == "" {
		e.fillResult(call.ID, "Error: prompt is required", true)
		e.maybeContinue(ctx)
		return
	}

	run := &subagentRun{
		CallID:    call.ID,
		AgentID:   uuid.NewString(),
		TurnID:    e.turnID,
		Prompt:    prompt,
		StartedAt: time.Now(),
		cancelled: e.cancelled,
		done:      make(chan struct{}),
	}
	e.subagents[call.ID] = run
	e.logger.Info("subagent spawned", "turn_id", e.turnID, "call_id", call.ID, "agent_id", run.AgentID)

	go e.runSubagent(e.turnCtx, run, call)
}

func (e *Engine) runSubagent(ctx context.Context, run *subagentRun, call provider.ToolCall) {
	defer close(run.done)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("subagent panicked", "call_id", run.CallID, "panic", r)
		}
	}()

	e.toolEvents <- ToolEvent{Kind: ToolStarted, CallID: run.CallID, Tool: taskToolName}
	e.toolEvents <- ToolEvent{Kind: AgentGenerated, CallID: run.CallID, Tool: taskToolName, AgentID: run.AgentID}

	start := time.Now()
	result, err := e.executeSubagent(ctx, run)
	duration := time.Since(start)

	run.eventSent.Store(true)
	if err != nil {
		e.toolEvents <- ToolEvent{
			Kind:     ToolFailed,
			CallID:   run.CallID,
			Tool:     taskToolName,
			Err:      err.Error(),
			Duration: duration,
		}
		return
	}
	e.toolEvents <- ToolEvent{
		Kind:     ToolCompleted,
		CallID:   run.CallID,
		Tool:     taskToolName,
		Content:  result,
		Duration: duration,
	}
}

// executeSubagent runs a bounded completion loop with its own history and
// a restricted tool registry: no further delegation, no batching. Tool
// calls above the auto-approve tier are answered with a denial result
// instead of suspending on interactive approval.
func (e *Engine) executeSubagent(ctx context.Context, run *subagentRun) (string, error) {
	registry := e.opts.Registry.Without(taskToolName, batchToolName)
	history := []provider.Message{
		{Role: "system", Content: "You are a focused subagent. Complete the delegated work and reply with your final result."},
		{Role: "user", Content: run.Prompt},
	}

	for i := 0; i < e.opts.Engine.SubagentBudget; i++ {
		if run.cancelled.Load() {
			return "", fmt.Errorf("delegated run cancelled")
		}

		req := &provider.ChatRequest{
			Messages:    history,
			Tools:       registry.Definitions(),
			Model:       e.opts.Model.Name,
			MaxTokens:   e.opts.Model.MaxTokens,
			Temperature: e.opts.Model.Temperature,
		}
		events, err := e.opts.Client.Stream(ctx, req)
		if err != nil {
			return "", fmt.Errorf("subagent stream request: %w", err)
		}

		var text strings.Builder
		var calls []provider.ToolCall
		for ev := range events {
			switch ev.Kind {
			case provider.EventDelta:
				text.WriteString(ev.Text)
			case provider.EventToolCall:
				calls = append(calls, *ev.Call)
			case provider.EventError:
				return "", fmt.Errorf("subagent stream: %w", ev.Err)
			}
		}

		if len(calls) == 0 {
			return text.String(), nil
		}

		history = append(history, provider.Message{
			Role:      "assistant",
			Content:   text.String(),
			ToolCalls: calls,
		})
		for _, call := range calls {
			history = append(history, provider.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    e.executeSubagentCall(ctx, registry, call, run.TurnID),
			})
		}
	}

	return "", fmt.Errorf("delegated run exceeded %d iterations", e.opts.Engine.SubagentBudget)
}

func (e *Engine) executeSubagentCall(ctx context.Context, registry *tools.Registry, call provider.ToolCall, turnID string) string {
	tier := tools.TierReadOnly
	if tool, ok := registry.Get(call.Name); ok {
		tier = tools.ToolTier(tool)
	}
	decision := e.opts.Analyzer.Evaluate(safety.Context{
		Tool:      call.Name,
		Tier:      tier,
		Arguments: call.Arguments,
		TurnID:    turnID,
	})
	if !decision.Allow {
		return fmt.Sprintf("Tool call denied in delegated run: %s", decision.Reason)
	}

	out, err := registry.Execute(ctx, call.Name, call.Arguments)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return out
}
