package engine

import (
	"sync/atomic"
	"time"
)

// ToolEventKind discriminates the ToolEvent union.
type ToolEventKind int

// Tool event kinds. Started/Output/Completed/Failed report task lifecycle;
// TodoUpdated and AgentGenerated are notifications that carry no result.
const (
	ToolStarted ToolEventKind = iota
	ToolOutput
	ToolCompleted
	ToolFailed
	TodoUpdated
	AgentGenerated
)

// TodoItem is one entry of the model's working todo list.
type TodoItem struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// ToolEvent is one lifecycle event from a supervised tool task.
// CallID and Tool are always set; the payload depends on Kind:
// Output carries Chunk, Completed carries Content and Duration,
// Failed carries Err and Duration, TodoUpdated carries Todos,
// AgentGenerated carries AgentID.
type ToolEvent struct {
	Kind     ToolEventKind
	CallID   string
	Tool     string
	Chunk    string
	Content  string
	Err      string
	Duration time.Duration
	Todos    []TodoItem
	AgentID  string
}

// RunningTask tracks one supervised tool goroutine. done closes when the
// goroutine returns, whether or not it managed to report a terminal event;
// eventSent records that a Completed or Failed event was handed off.
type RunningTask struct {
	CallID    string
	Tool      string
	StartedAt time.Time

	done      chan struct{}
	eventSent atomic.Bool
}

func newRunningTask(callID, tool string) *RunningTask {
	return &RunningTask{
		CallID:    callID,
		Tool:      tool,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// finished reports whether the goroutine has returned.
func (t *RunningTask) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
