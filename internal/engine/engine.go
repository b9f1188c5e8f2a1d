// Package engine implements the turn execution loop: streaming completion
// requests, supervised tool dispatch, approval gating, and continuation.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/turnloop/turnloop/internal/approval"
	"github.com/turnloop/turnloop/internal/bus"
	"github.com/turnloop/turnloop/internal/config"
	"github.com/turnloop/turnloop/internal/provider"
	"github.com/turnloop/turnloop/internal/safety"
	"github.com/turnloop/turnloop/internal/session"
	"github.com/turnloop/turnloop/internal/tokens"
	"github.com/turnloop/turnloop/internal/tools"
	"github.com/turnloop/turnloop/internal/transcript"
)

// Tool names with engine-level routing.
const (
	batchToolName = "batch"
	taskToolName  = "task"
)

const deniedResultText = "Command was rejected by user."

// Options configures an Engine.
type Options struct {
	Bus        *bus.Bus
	Client     provider.StreamClient
	Registry   *tools.Registry
	Analyzer   safety.Analyzer
	Approvals  *approval.Manager
	Sessions   *session.Manager
	Transcript *transcript.Store // may be nil
	Counter    *tokens.Counter
	Logger     *slog.Logger

	SessionKey string
	Model      config.ModelConfig
	Engine     config.EngineConfig
}

// pendingResult is one reserved tool-result slot. Slots are created in
// dispatch order; completion fills them so results always append to the
// conversation in the order the calls were issued.
type pendingResult struct {
	callID  string
	tool    string
	content string
	failed  bool
	filled  bool
}

// Engine owns all per-turn state and runs the turn loop. All state is
// confined to the Run goroutine; tool goroutines communicate exclusively
// through the tool event channel.
type Engine struct {
	opts    Options
	logger  *slog.Logger
	session *session.Session
	history []provider.Message

	// Turn state.
	turnID       string
	turnActive   bool
	turnStart    time.Time
	turnCtx      context.Context
	turnCancel   context.CancelFunc
	cancelled    *atomic.Bool
	iteration    int
	usage        provider.Usage
	finalText    string
	lastTokCount int

	// Stream state for the in-flight request.
	streamEvents   <-chan provider.StreamEvent
	assistantText  strings.Builder
	pendingCalls   []provider.ToolCall
	streamDone     bool
	assistantSaved bool

	// Tool supervision.
	toolEvents  chan ToolEvent
	running     map[string]*RunningTask
	subagents   map[string]*subagentRun
	resultOrder []string
	results     map[string]*pendingResult

	// Approval gate.
	gatedCall *provider.ToolCall
	heldCalls []provider.ToolCall

	// Submissions that arrived mid-turn.
	queue []*bus.Submission
}

// New creates an Engine. Defaults are applied for zero-valued limits.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Engine.MaxIterations <= 0 {
		opts.Engine.MaxIterations = 200
	}
	if opts.Engine.MaxBatchCalls <= 0 {
		opts.Engine.MaxBatchCalls = 10
	}
	if opts.Engine.SubagentBudget <= 0 {
		opts.Engine.SubagentBudget = 50
	}
	if opts.Engine.SentinelInterval <= 0 {
		opts.Engine.SentinelInterval = 2 * time.Second
	}
	if opts.SessionKey == "" {
		opts.SessionKey = "default"
	}
	if opts.Counter == nil {
		opts.Counter = tokens.NewCounter()
	}

	e := &Engine{
		opts:       opts,
		logger:     opts.Logger.With("component", "engine"),
		toolEvents: make(chan ToolEvent, 64),
		running:    make(map[string]*RunningTask),
		subagents:  make(map[string]*subagentRun),
		results:    make(map[string]*pendingResult),
		cancelled:  &atomic.Bool{},
	}
	if opts.Sessions != nil {
		e.session = opts.Sessions.GetOrCreate(opts.SessionKey)
		e.history = e.session.History(0)
	}
	return e
}

// Run consumes submissions and internal events until the context ends.
// All turn state is mutated here and nowhere else.
func (e *Engine) Run(ctx context.Context) error {
	sentinel := time.NewTicker(e.opts.Engine.SentinelInterval)
	defer sentinel.Stop()

	e.logger.Info("engine started", "session", e.opts.SessionKey, "model", e.opts.Model.Name)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sub := <-e.opts.Bus.Submissions():
			e.handleSubmission(ctx, sub)

		case ev, ok := <-e.streamEvents:
			if !ok {
				e.streamEvents = nil
				continue
			}
			e.handleStreamEvent(ctx, ev)

		case ev := <-e.toolEvents:
			e.handleToolEvent(ctx, ev)

		case <-sentinel.C:
			e.checkCrashedTasks(ctx)
		}
	}
}

// handleSubmission routes one frontend submission.
func (e *Engine) handleSubmission(ctx context.Context, sub *bus.Submission) {
	switch sub.Op {
	case bus.OpUserInput:
		if e.turnActive {
			e.queue = append(e.queue, sub)
			e.logger.Debug("submission queued", "backlog", len(e.queue))
			return
		}
		e.startTurn(ctx, sub.Content)

	case bus.OpInterrupt:
		if !e.turnActive {
			return
		}
		e.abortTurn(ctx)

	case bus.OpApproval:
		e.handleApprovalResolution(ctx, sub.CallID, sub.Approved)

	default:
		e.logger.Warn("unknown submission op", "op", sub.Op)
	}
}

// startTurn begins a new turn for the given user input.
func (e *Engine) startTurn(ctx context.Context, content string) {
	e.turnID = uuid.NewString()
	e.turnActive = true
	e.turnStart = time.Now()
	e.iteration = 0
	e.usage = provider.Usage{}
	e.finalText = ""
	e.cancelled = &atomic.Bool{}
	e.turnCtx, e.turnCancel = context.WithCancel(ctx)

	userMsg := provider.Message{Role: "user", Content: content}
	e.history = append(e.history, userMsg)
	e.persist(userMsg)

	if e.opts.Transcript != nil {
		if err := e.opts.Transcript.BeginTurn(e.turnID, e.opts.SessionKey, content, e.opts.Model.Name); err != nil {
			e.logger.Warn("transcript begin failed", "error", err)
		}
	}

	e.logger.Info("turn started", "turn_id", e.turnID)
	e.issueRequest(ctx)
}

// issueRequest sends the next streaming completion request for this turn.
func (e *Engine) issueRequest(ctx context.Context) {
	e.iteration++
	if e.iteration > e.opts.Engine.MaxIterations {
		e.failTurn(ctx, fmt.Errorf("max iterations reached (%d)", e.opts.Engine.MaxIterations))
		return
	}

	// Fresh per-request stream state.
	e.assistantText.Reset()
	e.pendingCalls = nil
	e.streamDone = false
	e.assistantSaved = false

	defs := append(e.opts.Registry.Definitions(),
		BatchToolDefinition(e.opts.Engine.MaxBatchCalls),
		TaskToolDefinition())
	req := &provider.ChatRequest{
		Messages:    e.history,
		Tools:       defs,
		Model:       e.opts.Model.Name,
		MaxTokens:   e.opts.Model.MaxTokens,
		Temperature: e.opts.Model.Temperature,
	}

	// Estimate never fails; anything unmeasurable counts as zero.
	e.lastTokCount = e.opts.Counter.CountMessages(req.Messages) + e.opts.Counter.CountTools(req.Tools)
	e.opts.Bus.Notify(&bus.Notification{
		Kind:   bus.NoteTokenCount,
		TurnID: e.turnID,
		Detail: map[string]any{"estimated_prompt_tokens": e.lastTokCount},
	})

	events, err := e.opts.Client.Stream(e.turnCtx, req)
	if err != nil {
		e.failTurn(ctx, fmt.Errorf("stream request: %w", err))
		return
	}
	e.streamEvents = events
	e.logger.Debug("request issued", "turn_id", e.turnID, "iteration", e.iteration)
}

// handleStreamEvent processes one event from the model stream.
func (e *Engine) handleStreamEvent(ctx context.Context, ev provider.StreamEvent) {
	if e.cancelled.Load() {
		return
	}

	switch ev.Kind {
	case provider.EventDelta:
		e.assistantText.WriteString(ev.Text)
		e.opts.Bus.Notify(&bus.Notification{
			Kind:   bus.NoteDelta,
			TurnID: e.turnID,
			Text:   ev.Text,
		})

	case provider.EventToolCall:
		e.handleStreamToolCall(ctx, *ev.Call)

	case provider.EventDone:
		e.usage.Add(ev.Usage)
		e.streamDone = true
		e.streamEvents = nil
		e.saveAssistantMessage()
		text := e.assistantText.String()
		if text != "" {
			e.finalText = text
			e.opts.Bus.Notify(&bus.Notification{
				Kind:   bus.NoteAssistant,
				TurnID: e.turnID,
				Text:   text,
			})
		}
		e.maybeContinue(ctx)

	case provider.EventError:
		e.streamEvents = nil
		e.failTurn(ctx, fmt.Errorf("stream: %w", ev.Err))
	}
}

// handleStreamToolCall gates and dispatches one tool call from the stream.
// While an approval is pending the whole turn is suspended: later calls
// are held, not dispatched.
func (e *Engine) handleStreamToolCall(ctx context.Context, call provider.ToolCall) {
	e.pendingCalls = append(e.pendingCalls, call)
	e.reserveResult(call)

	if e.gatedCall != nil {
		e.heldCalls = append(e.heldCalls, call)
		return
	}
	e.gateAndDispatch(ctx, call)
}

// saveAssistantMessage persists the in-flight assistant message exactly
// once. Called on stream Done, and early when a tool result arrives before
// Done so results are never recorded ahead of the message that caused them.
func (e *Engine) saveAssistantMessage() {
	if e.assistantSaved {
		return
	}
	if e.assistantText.Len() == 0 && len(e.pendingCalls) == 0 {
		// Nothing to record: no text and no calls to anchor results to.
		return
	}
	e.assistantSaved = true

	msg := provider.Message{
		Role:      "assistant",
		Content:   e.assistantText.String(),
		ToolCalls: e.pendingCalls,
	}
	e.history = append(e.history, msg)
	e.persist(msg)
}

// abortTurn implements interrupt: the shared cancellation flag flips, the
// stream and tool goroutines are cancelled, in-flight results are
// discarded (messages already persisted stay), and pending approvals drop.
func (e *Engine) abortTurn(ctx context.Context) {
	e.cancelled.Store(true)
	if e.turnCancel != nil {
		e.turnCancel()
	}
	e.streamEvents = nil

	if e.opts.Approvals != nil {
		e.opts.Approvals.Clear()
	}

	if e.opts.Transcript != nil {
		_ = e.opts.Transcript.FinishTurn(e.turnID, transcript.TurnStatusAborted, e.finalText, "interrupted",
			e.iteration, e.usage.PromptTokens, e.usage.CompletionTokens, e.usage.TotalTokens)
	}

	e.opts.Bus.Notify(&bus.Notification{
		Kind:   bus.NoteTurnAborted,
		TurnID: e.turnID,
	})
	e.logger.Info("turn aborted", "turn_id", e.turnID, "iteration", e.iteration)

	if e.opts.Sessions != nil {
		_ = e.opts.Sessions.Save(e.session)
	}
	e.resetTurn()
	e.processQueue(ctx)
}

// failTurn terminates the turn with an error.
func (e *Engine) failTurn(ctx context.Context, err error) {
	if e.turnCancel != nil {
		e.turnCancel()
	}
	e.streamEvents = nil

	if e.opts.Approvals != nil {
		e.opts.Approvals.Clear()
	}

	if e.opts.Transcript != nil {
		_ = e.opts.Transcript.FinishTurn(e.turnID, transcript.TurnStatusFailed, e.finalText, err.Error(),
			e.iteration, e.usage.PromptTokens, e.usage.CompletionTokens, e.usage.TotalTokens)
	}

	e.opts.Bus.Notify(&bus.Notification{
		Kind:   bus.NoteTurnError,
		TurnID: e.turnID,
		Text:   err.Error(),
	})
	e.logger.Error("turn failed", "turn_id", e.turnID, "error", err)

	if e.opts.Sessions != nil {
		_ = e.opts.Sessions.Save(e.session)
	}
	e.resetTurn()
	e.processQueue(ctx)
}

// completeTurn terminates the turn successfully.
func (e *Engine) completeTurn(ctx context.Context) {
	if e.opts.Transcript != nil {
		_ = e.opts.Transcript.FinishTurn(e.turnID, transcript.TurnStatusCompleted, e.finalText, "",
			e.iteration, e.usage.PromptTokens, e.usage.CompletionTokens, e.usage.TotalTokens)
	}
	if e.opts.Sessions != nil {
		_ = e.opts.Sessions.Save(e.session)
	}

	e.opts.Bus.Notify(&bus.Notification{
		Kind:   bus.NoteTurnComplete,
		TurnID: e.turnID,
		Text:   e.finalText,
		Detail: map[string]any{
			"iterations":        e.iteration,
			"prompt_tokens":     e.usage.PromptTokens,
			"completion_tokens": e.usage.CompletionTokens,
			"total_tokens":      e.usage.TotalTokens,
		},
		DurationMs: time.Since(e.turnStart).Milliseconds(),
	})
	e.logger.Info("turn complete", "turn_id", e.turnID,
		"iterations", e.iteration, "total_tokens", e.usage.TotalTokens)

	e.resetTurn()
	e.processQueue(ctx)
}

// resetTurn clears all per-turn state. Late events from discarded tasks
// find no result slot and are ignored.
func (e *Engine) resetTurn() {
	e.turnActive = false
	e.turnID = ""
	e.turnCtx = nil
	e.turnCancel = nil
	e.iteration = 0
	e.assistantText.Reset()
	e.pendingCalls = nil
	e.streamDone = false
	e.assistantSaved = false
	e.running = make(map[string]*RunningTask)
	e.subagents = make(map[string]*subagentRun)
	e.resultOrder = nil
	e.results = make(map[string]*pendingResult)
	e.gatedCall = nil
	e.heldCalls = nil
	e.finalText = ""
}

// persist appends one message to the session (best-effort).
func (e *Engine) persist(msg provider.Message) {
	if e.session == nil {
		return
	}
	e.session.Append(msg)
}
