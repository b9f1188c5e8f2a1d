package engine

import (
	"context"
	"time"
)

// checkCrashedTasks scans the running-task table and the subagent
// registry for ghost entries: goroutines that returned without reporting
// a terminal event (panic, lost send). For each ghost a Failed event is
// synthesized so downstream accounting stays uniform. Tasks whose own
// event is still in flight are left alone.
func (e *Engine) checkCrashedTasks(ctx context.Context) {
	if !e.turnActive {
		return
	}

	for _, task := range e.running {
		if task.finished() && !task.eventSent.Load() {
			e.logger.Warn("ghost task detected", "call_id", task.CallID, "tool", task.Tool)
			task.eventSent.Store(true)
			e.deliverSynthetic(ctx, ToolEvent{
				Kind:     ToolFailed,
				CallID:   task.CallID,
				Tool:     task.Tool,
				Err:      "tool task terminated unexpectedly",
				Duration: time.Since(task.StartedAt),
			})
		}
	}

	for _, run := range e.subagents {
		if subagentFinished(run) && !run.eventSent.Load() {
			e.logger.Warn("ghost subagent detected", "call_id", run.CallID, "agent_id", run.AgentID)
			run.eventSent.Store(true)
			e.deliverSynthetic(ctx, ToolEvent{
				Kind:     ToolFailed,
				CallID:   run.CallID,
				Tool:     taskToolName,
				Err:      "delegated run terminated unexpectedly",
				Duration: time.Since(run.StartedAt),
			})
		}
	}
}

// deliverSynthetic feeds a synthesized event through the normal tool
// event path. The channel send is preferred; when the buffer is full the
// event is handled inline to avoid the loop blocking on itself.
func (e *Engine) deliverSynthetic(ctx context.Context, ev ToolEvent) {
	select {
	case e.toolEvents <- ev:
	default:
		e.handleToolEvent(ctx, ev)
	}
}

func subagentFinished(run *subagentRun) bool {
	select {
	case <-run.done:
		return true
	default:
		return false
	}
}
