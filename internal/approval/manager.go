// Package approval provides interactive approval gates for high-risk tool calls.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/turnloop/turnloop/internal/transcript"
)

// Request represents a pending approval for a tool call.
// Approvals are keyed by the tool call ID so a resolution can be matched
// back to the exact call that is waiting.
type Request struct {
	CallID    string         `json:"call_id"`
	Tool      string         `json:"tool"`
	Tier      int            `json:"tier"`
	Arguments map[string]any `json:"arguments"`
	TurnID    string         `json:"turn_id"`
	Reason    string         `json:"reason"`
	Status    string         `json:"status"` // pending, approved, denied, timeout
	CreatedAt time.Time      `json:"created_at"`
}

// Manager handles approval lifecycle: create, wait, resolve.
type Manager struct {
	mu         sync.Mutex
	pending    map[string]chan bool
	requests   map[string]*Request
	transcript *transcript.Store
}

// NewManager creates an approval manager. Transcript may be nil.
// On creation, any stale pending approvals in the DB are marked as timeout.
func NewManager(ts *transcript.Store) *Manager {
	m := &Manager{
		pending:    make(map[string]chan bool),
		requests:   make(map[string]*Request),
		transcript: ts,
	}
	m.cleanupStale()
	return m
}

// cleanupStale marks any DB-pending approvals as timeout on startup.
// These are leftovers from a previous process that never resolved them.
func (m *Manager) cleanupStale() {
	if m.transcript == nil {
		return
	}
	pending, err := m.transcript.PendingApprovals()
	if err != nil {
		return
	}
	for _, r := range pending {
		_ = m.transcript.UpdateApprovalStatus(r.CallID, "timeout")
	}
}

// Create registers a new approval request keyed by its tool call ID.
func (m *Manager) Create(req *Request) {
	req.Status = "pending"
	req.CreatedAt = time.Now()

	ch := make(chan bool, 1)
	m.mu.Lock()
	m.pending[req.CallID] = ch
	m.requests[req.CallID] = req
	m.mu.Unlock()

	// Persist (best-effort)
	if m.transcript != nil {
		argsJSON, _ := json.Marshal(req.Arguments)
		_ = m.transcript.InsertApproval(req.CallID, req.TurnID, req.Tool, req.Tier, string(argsJSON), req.Reason)
	}
}

// Get returns a pending request by call ID.
func (m *Manager) Get(callID string) (*Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[callID]
	return req, ok
}

// Pending returns the call IDs of all unresolved requests.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until the approval is resolved or the context expires.
func (m *Manager) Wait(ctx context.Context, callID string) (bool, error) {
	m.mu.Lock()
	ch, ok := m.pending[callID]
	m.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("no pending approval: %s", callID)
	}

	select {
	case approved := <-ch:
		m.cleanup(callID)
		status := "denied"
		if approved {
			status = "approved"
		}
		if m.transcript != nil {
			_ = m.transcript.UpdateApprovalStatus(callID, status)
		}
		return approved, nil
	case <-ctx.Done():
		m.cleanup(callID)
		if m.transcript != nil {
			_ = m.transcript.UpdateApprovalStatus(callID, "timeout")
		}
		return false, ctx.Err()
	}
}

// Resolve delivers an approval decision for a pending request. A waiter
// that already holds the channel still receives the decision; the request
// itself is retired here.
func (m *Manager) Resolve(callID string, approved bool) error {
	m.mu.Lock()
	ch, ok := m.pending[callID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending approval: %s", callID)
	}

	// Non-blocking send (channel is buffered with size 1)
	select {
	case ch <- approved:
	default:
	}
	m.cleanup(callID)

	if m.transcript != nil {
		status := "denied"
		if approved {
			status = "approved"
		}
		_ = m.transcript.UpdateApprovalStatus(callID, status)
	}
	return nil
}

// Clear drops all pending requests without resolving them. Used when a
// turn is cancelled while approvals are outstanding.
func (m *Manager) Clear() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.pending = make(map[string]chan bool)
	m.requests = make(map[string]*Request)
	m.mu.Unlock()

	if m.transcript != nil {
		for _, id := range ids {
			_ = m.transcript.UpdateApprovalStatus(id, "timeout")
		}
	}
}

func (m *Manager) cleanup(callID string) {
	m.mu.Lock()
	delete(m.pending, callID)
	delete(m.requests, callID)
	m.mu.Unlock()
}
