package engine

import (
	"context"

	"github.com/turnloop/turnloop/internal/bus"
	"github.com/turnloop/turnloop/internal/provider"
)

// maybeContinue is the single continuation decision point, run after every
// terminal tool event, approval resolution, and stream completion. The
// turn only advances when nothing is running, nothing is delegated, and
// nothing is suspended on approval.
func (e *Engine) maybeContinue(ctx context.Context) {
	if !e.turnActive || e.cancelled.Load() {
		return
	}
	if !e.streamDone {
		return
	}
	if len(e.running) > 0 || len(e.subagents) > 0 {
		return
	}
	if e.gatedCall != nil {
		return
	}

	if len(e.resultOrder) > 0 {
		if !e.allResultsFilled() {
			return
		}
		e.continueWithToolResults(ctx)
		return
	}

	e.completeTurn(ctx)
}

func (e *Engine) allResultsFilled() bool {
	for _, id := range e.resultOrder {
		if !e.results[id].filled {
			return false
		}
	}
	return true
}

// continueWithToolResults appends the collected results as tool messages,
// in dispatch order rather than completion order, and re-issues the
// completion request.
func (e *Engine) continueWithToolResults(ctx context.Context) {
	for _, id := range e.resultOrder {
		slot := e.results[id]
		msg := provider.Message{
			Role:       "tool",
			ToolCallID: slot.callID,
			Content:    slot.content,
		}
		e.history = append(e.history, msg)
		e.persist(msg)
	}
	e.resultOrder = nil
	e.results = make(map[string]*pendingResult)

	e.issueRequest(ctx)
}

// processQueue pops at most one queued submission and starts its turn.
// Draining one at a time keeps queued inputs strictly ordered.
func (e *Engine) processQueue(ctx context.Context) {
	if e.turnActive || len(e.queue) == 0 {
		return
	}
	next := e.queue[0]
	e.queue = e.queue[1:]

	if next.Op != bus.OpUserInput {
		e.processQueue(ctx)
		return
	}
	e.startTurn(ctx, next.Content)
}
