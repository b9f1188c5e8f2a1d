// Package bus provides the async submission/notification bus between
// frontends and the engine.
package bus

import (
	"context"
	"sync"
	"time"
)

// Submission op constants.
const (
	OpUserInput = "user_input"
	OpInterrupt = "interrupt"
	OpApproval  = "approval"
)

// Submission represents one request from a frontend to the engine.
type Submission struct {
	SubmitID  string    `json:"submit_id"`
	Op        string    `json:"op"`
	Content   string    `json:"content,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	Approved  bool      `json:"approved,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notification kinds emitted by the engine.
const (
	NoteDelta           = "delta"
	NoteAssistant       = "assistant"
	NoteToolBegin       = "tool_begin"
	NoteToolOutput      = "tool_output"
	NoteToolEnd         = "tool_end"
	NoteApprovalRequest = "approval_request"
	NoteTokenCount      = "token_count"
	NoteTodoUpdate      = "todo_update"
	NoteAgentSpawned    = "agent_spawned"
	NoteTurnComplete    = "turn_complete"
	NoteTurnAborted     = "turn_aborted"
	NoteTurnError       = "turn_error"
)

// Notification represents one event from the engine to frontends.
type Notification struct {
	Kind       string         `json:"kind"`
	TurnID     string         `json:"turn_id,omitempty"`
	CallID     string         `json:"call_id,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	Text       string         `json:"text,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Bus decouples frontends from the engine core.
type Bus struct {
	submissions   chan *Submission
	notifications chan *Notification
	subs          map[string][]func(*Notification)
	mu            sync.RWMutex
}

// New creates a new bus.
func New() *Bus {
	return &Bus{
		submissions:   make(chan *Submission, 100),
		notifications: make(chan *Notification, 100),
		subs:          make(map[string][]func(*Notification)),
	}
}

// Submit sends a submission from a frontend to the engine.
func (b *Bus) Submit(sub *Submission) {
	if sub.Timestamp.IsZero() {
		sub.Timestamp = time.Now()
	}
	b.submissions <- sub
}

// Submissions exposes the submission channel for select-based consumers.
func (b *Bus) Submissions() <-chan *Submission {
	return b.submissions
}

// ConsumeSubmission blocks until a submission is available or the context
// is cancelled.
func (b *Bus) ConsumeSubmission(ctx context.Context) (*Submission, error) {
	select {
	case sub := <-b.submissions:
		return sub, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify sends a notification from the engine to frontends.
func (b *Bus) Notify(note *Notification) {
	if note.Timestamp.IsZero() {
		note.Timestamp = time.Now()
	}
	b.notifications <- note
}

// Subscribe registers a callback for notifications of a given kind.
// Kind "" subscribes to everything.
func (b *Bus) Subscribe(kind string, callback func(*Notification)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[kind] = append(b.subs[kind], callback)
}

// Dispatch runs the notification dispatcher.
// This should be run as a goroutine.
func (b *Bus) Dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case note := <-b.notifications:
			b.mu.RLock()
			callbacks := append(append([]func(*Notification){}, b.subs[note.Kind]...), b.subs[""]...)
			b.mu.RUnlock()

			for _, cb := range callbacks {
				cb(note)
			}
		}
	}
}

// SubmissionBacklog returns the number of pending submissions.
func (b *Bus) SubmissionBacklog() int {
	return len(b.submissions)
}
