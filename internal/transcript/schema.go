package transcript

import "time"

// Turn represents one tracked turn of the engine.
type Turn struct {
	ID               int64      `json:"id"`
	TurnID           string     `json:"turn_id"`
	SessionKey       string     `json:"session_key"`
	Status           string     `json:"status"`
	ContentIn        string     `json:"content_in,omitempty"`
	ContentOut       string     `json:"content_out,omitempty"`
	ErrorText        string     `json:"error_text,omitempty"`
	Iterations       int        `json:"iterations"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	TotalTokens      int        `json:"total_tokens"`
	ModelName        string     `json:"model_name,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// ToolSpan represents one tool call within a turn.
type ToolSpan struct {
	ID         int64      `json:"id"`
	CallID     string     `json:"call_id"`
	TurnID     string     `json:"turn_id"`
	Tool       string     `json:"tool"`
	Arguments  string     `json:"arguments,omitempty"`
	Status     string     `json:"status"`
	Output     string     `json:"output,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// ApprovalRow is a persisted approval decision.
type ApprovalRow struct {
	ID        int64     `json:"id"`
	CallID    string    `json:"call_id"`
	TurnID    string    `json:"turn_id"`
	Tool      string    `json:"tool"`
	Tier      int       `json:"tier"`
	Arguments string    `json:"arguments,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Turn status constants.
const (
	TurnStatusRunning   = "running"
	TurnStatusCompleted = "completed"
	TurnStatusFailed    = "failed"
	TurnStatusAborted   = "aborted"

	SpanStatusRunning   = "running"
	SpanStatusCompleted = "completed"
	SpanStatusFailed    = "failed"
)

// Schema contains the DDL for the transcript database.
const Schema = `
CREATE TABLE IF NOT EXISTS turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	turn_id TEXT UNIQUE NOT NULL,
	session_key TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'running',
	content_in TEXT,
	content_out TEXT,
	error_text TEXT,
	iterations INTEGER NOT NULL DEFAULT 0,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	model_name TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_turns_status ON turns(status);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_key);

CREATE TABLE IF NOT EXISTS tool_spans (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	call_id TEXT UNIQUE NOT NULL,
	turn_id TEXT NOT NULL,
	tool TEXT NOT NULL,
	arguments TEXT,
	status TEXT NOT NULL DEFAULT 'running',
	output TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	ended_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_spans_turn ON tool_spans(turn_id);

CREATE TABLE IF NOT EXISTS approvals (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	call_id TEXT UNIQUE NOT NULL,
	turn_id TEXT NOT NULL,
	tool TEXT NOT NULL,
	tier INTEGER NOT NULL DEFAULT 0,
	arguments TEXT,
	reason TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
`
