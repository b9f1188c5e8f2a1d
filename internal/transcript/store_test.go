package transcript

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTurnLifecycle(t *testing.T) {
	store := newTestStore(t)

	if err := store.BeginTurn("turn-1", "cli:default", "hello", "gpt-4o"); err != nil {
		t.Fatalf("BeginTurn() error: %v", err)
	}

	turn, err := store.GetTurn("turn-1")
	if err != nil {
		t.Fatalf("GetTurn() error: %v", err)
	}
	if turn == nil {
		t.Fatal("turn not found after BeginTurn")
	}
	if turn.Status != TurnStatusRunning {
		t.Errorf("status = %s, want %s", turn.Status, TurnStatusRunning)
	}
	if turn.ModelName != "gpt-4o" || turn.ContentIn != "hello" {
		t.Errorf("unexpected turn fields: %+v", turn)
	}

	if err := store.FinishTurn("turn-1", TurnStatusCompleted, "world", "", 3, 100, 50, 150); err != nil {
		t.Fatalf("FinishTurn() error: %v", err)
	}

	turn, err = store.GetTurn("turn-1")
	if err != nil {
		t.Fatalf("GetTurn() error: %v", err)
	}
	if turn.Status != TurnStatusCompleted || turn.ContentOut != "world" {
		t.Errorf("unexpected terminal state: %+v", turn)
	}
	if turn.Iterations != 3 || turn.TotalTokens != 150 {
		t.Errorf("counters not recorded: %+v", turn)
	}
	if turn.CompletedAt == nil {
		t.Error("completed_at not set")
	}
}

func TestGetTurnMissing(t *testing.T) {
	store := newTestStore(t)

	turn, err := store.GetTurn("nope")
	if err != nil {
		t.Fatalf("GetTurn() error: %v", err)
	}
	if turn != nil {
		t.Error("expected nil for missing turn")
	}
}

func TestRecentTurnsOrder(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"turn-1", "turn-2", "turn-3"} {
		if err := store.BeginTurn(id, "s", "in", "m"); err != nil {
			t.Fatal(err)
		}
	}

	turns, err := store.RecentTurns(2)
	if err != nil {
		t.Fatalf("RecentTurns() error: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[0].TurnID != "turn-3" || turns[1].TurnID != "turn-2" {
		t.Errorf("unexpected order: %s, %s", turns[0].TurnID, turns[1].TurnID)
	}
}

func TestToolSpanLifecycle(t *testing.T) {
	store := newTestStore(t)

	if err := store.BeginTurn("turn-1", "s", "in", "m"); err != nil {
		t.Fatal(err)
	}
	if err := store.BeginToolSpan("call-1", "turn-1", "exec", `{"command":"ls"}`); err != nil {
		t.Fatalf("BeginToolSpan() error: %v", err)
	}
	if err := store.BeginToolSpan("call-2", "turn-1", "read_file", `{}`); err != nil {
		t.Fatal(err)
	}
	if err := store.FinishToolSpan("call-1", SpanStatusCompleted, "file.txt", 120*time.Millisecond); err != nil {
		t.Fatalf("FinishToolSpan() error: %v", err)
	}

	spans, err := store.TurnToolSpans("turn-1")
	if err != nil {
		t.Fatalf("TurnToolSpans() error: %v", err)
	}
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].CallID != "call-1" || spans[1].CallID != "call-2" {
		t.Errorf("dispatch order lost: %s, %s", spans[0].CallID, spans[1].CallID)
	}
	if spans[0].Status != SpanStatusCompleted || spans[0].DurationMs != 120 {
		t.Errorf("terminal span not recorded: %+v", spans[0])
	}
	if spans[1].Status != SpanStatusRunning {
		t.Errorf("open span status = %s", spans[1].Status)
	}
}

func TestApprovalLifecycle(t *testing.T) {
	store := newTestStore(t)

	if err := store.InsertApproval("call-1", "turn-1", "exec", 2, `{"command":"sudo ls"}`, "tier_2_requires_approval"); err != nil {
		t.Fatalf("InsertApproval() error: %v", err)
	}
	if err := store.InsertApproval("call-2", "turn-1", "exec", 2, `{}`, "tier_2_requires_approval"); err != nil {
		t.Fatal(err)
	}

	pending, err := store.PendingApprovals()
	if err != nil {
		t.Fatalf("PendingApprovals() error: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("got %d pending, want 2", len(pending))
	}
	if pending[0].CallID != "call-1" || pending[0].Reason != "tier_2_requires_approval" {
		t.Errorf("unexpected pending row: %+v", pending[0])
	}

	if err := store.UpdateApprovalStatus("call-1", "approved"); err != nil {
		t.Fatalf("UpdateApprovalStatus() error: %v", err)
	}
	pending, err = store.PendingApprovals()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].CallID != "call-2" {
		t.Errorf("resolved approval still pending: %+v", pending)
	}
}

func TestReopenExistingDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	store, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.BeginTurn("turn-1", "s", "in", "m"); err != nil {
		t.Fatal(err)
	}
	store.Close()

	// Reopen runs the migrations again; data survives.
	store, err = NewStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store.Close()

	turn, err := store.GetTurn("turn-1")
	if err != nil {
		t.Fatal(err)
	}
	if turn == nil {
		t.Error("turn lost across reopen")
	}
}
