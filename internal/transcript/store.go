// Package transcript persists turn history in a local sqlite database.
package transcript

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the append-mostly transcript database.
type Store struct {
	db *sql.DB
}

// NewStore opens (and migrates) the transcript database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript db: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	// Best-effort migrations for existing dbs (no-op if column exists).
	_, _ = db.Exec(`ALTER TABLE turns ADD COLUMN model_name TEXT`)
	_, _ = db.Exec(`ALTER TABLE turns ADD COLUMN iterations INTEGER NOT NULL DEFAULT 0`)
	_, _ = db.Exec(`ALTER TABLE approvals ADD COLUMN reason TEXT`)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginTurn records a new running turn.
func (s *Store) BeginTurn(turnID, sessionKey, contentIn, modelName string) error {
	_, err := s.db.Exec(`
		INSERT INTO turns (turn_id, session_key, status, content_in, model_name)
		VALUES (?, ?, ?, ?, ?)`,
		turnID, sessionKey, TurnStatusRunning, contentIn, modelName)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// FinishTurn marks a turn terminal with its final output and token counts.
func (s *Store) FinishTurn(turnID, status, contentOut, errorText string, iterations, promptTokens, completionTokens, totalTokens int) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE turns SET status = ?, content_out = ?, error_text = ?,
			iterations = ?, prompt_tokens = ?, completion_tokens = ?, total_tokens = ?,
			updated_at = ?, completed_at = ?
		WHERE turn_id = ?`,
		status, contentOut, errorText,
		iterations, promptTokens, completionTokens, totalTokens,
		now, now, turnID)
	if err != nil {
		return fmt.Errorf("finish turn: %w", err)
	}
	return nil
}

// GetTurn fetches one turn by ID.
func (s *Store) GetTurn(turnID string) (*Turn, error) {
	row := s.db.QueryRow(`
		SELECT id, turn_id, session_key, status,
			COALESCE(content_in,''), COALESCE(content_out,''), COALESCE(error_text,''),
			iterations, prompt_tokens, completion_tokens, total_tokens,
			COALESCE(model_name,''), created_at, updated_at, completed_at
		FROM turns WHERE turn_id = ?`, turnID)

	var t Turn
	var completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.TurnID, &t.SessionKey, &t.Status,
		&t.ContentIn, &t.ContentOut, &t.ErrorText,
		&t.Iterations, &t.PromptTokens, &t.CompletionTokens, &t.TotalTokens,
		&t.ModelName, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan turn: %w", err)
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

// RecentTurns returns the most recent turns, newest first.
func (s *Store) RecentTurns(limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, turn_id, session_key, status,
			COALESCE(content_in,''), COALESCE(content_out,''), COALESCE(error_text,''),
			iterations, prompt_tokens, completion_tokens, total_tokens,
			COALESCE(model_name,''), created_at, updated_at, completed_at
		FROM turns ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var completedAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.TurnID, &t.SessionKey, &t.Status,
			&t.ContentIn, &t.ContentOut, &t.ErrorText,
			&t.Iterations, &t.PromptTokens, &t.CompletionTokens, &t.TotalTokens,
			&t.ModelName, &t.CreatedAt, &t.UpdatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if completedAt.Valid {
			t.CompletedAt = &completedAt.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// BeginToolSpan records a dispatched tool call.
func (s *Store) BeginToolSpan(callID, turnID, tool, argsJSON string) error {
	_, err := s.db.Exec(`
		INSERT INTO tool_spans (call_id, turn_id, tool, arguments, status)
		VALUES (?, ?, ?, ?, ?)`,
		callID, turnID, tool, argsJSON, SpanStatusRunning)
	if err != nil {
		return fmt.Errorf("insert tool span: %w", err)
	}
	return nil
}

// FinishToolSpan marks a tool call terminal.
func (s *Store) FinishToolSpan(callID, status, output string, duration time.Duration) error {
	_, err := s.db.Exec(`
		UPDATE tool_spans SET status = ?, output = ?, duration_ms = ?, ended_at = ?
		WHERE call_id = ?`,
		status, output, duration.Milliseconds(), time.Now().UTC(), callID)
	if err != nil {
		return fmt.Errorf("finish tool span: %w", err)
	}
	return nil
}

// TurnToolSpans returns the tool spans of a turn in dispatch order.
func (s *Store) TurnToolSpans(turnID string) ([]ToolSpan, error) {
	rows, err := s.db.Query(`
		SELECT id, call_id, turn_id, tool, COALESCE(arguments,''), status,
			COALESCE(output,''), duration_ms, started_at, ended_at
		FROM tool_spans WHERE turn_id = ? ORDER BY id ASC`, turnID)
	if err != nil {
		return nil, fmt.Errorf("query tool spans: %w", err)
	}
	defer rows.Close()

	var out []ToolSpan
	for rows.Next() {
		var sp ToolSpan
		var endedAt sql.NullTime
		if err := rows.Scan(&sp.ID, &sp.CallID, &sp.TurnID, &sp.Tool, &sp.Arguments,
			&sp.Status, &sp.Output, &sp.DurationMs, &sp.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan tool span: %w", err)
		}
		if endedAt.Valid {
			sp.EndedAt = &endedAt.Time
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// InsertApproval records a pending approval request.
func (s *Store) InsertApproval(callID, turnID, tool string, tier int, argsJSON, reason string) error {
	_, err := s.db.Exec(`
		INSERT INTO approvals (call_id, turn_id, tool, tier, arguments, reason, status)
		VALUES (?, ?, ?, ?, ?, ?, 'pending')`,
		callID, turnID, tool, tier, argsJSON, reason)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// UpdateApprovalStatus sets the terminal status of an approval.
func (s *Store) UpdateApprovalStatus(callID, status string) error {
	_, err := s.db.Exec(`UPDATE approvals SET status = ? WHERE call_id = ?`, status, callID)
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	return nil
}

// PendingApprovals returns all approvals still marked pending.
func (s *Store) PendingApprovals() ([]ApprovalRow, error) {
	rows, err := s.db.Query(`
		SELECT id, call_id, turn_id, tool, tier, COALESCE(arguments,''),
			COALESCE(reason,''), status, created_at
		FROM approvals WHERE status = 'pending' ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	var out []ApprovalRow
	for rows.Next() {
		var a ApprovalRow
		if err := rows.Scan(&a.ID, &a.CallID, &a.TurnID, &a.Tool, &a.Tier,
			&a.Arguments, &a.Reason, &a.Status, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
