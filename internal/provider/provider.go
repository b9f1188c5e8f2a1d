// Package provider implements streaming LLM provider interfaces and clients.
package provider

import (
	"context"
)

// StreamClient is the interface for streaming LLM API clients.
type StreamClient interface {
	// Stream sends a completion request and returns a channel of stream
	// events. The channel is closed after a Done or Error event.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error)
	// DefaultModel returns the configured default model.
	DefaultModel() string
}

// StreamEventKind discriminates the StreamEvent union.
type StreamEventKind int

// Stream event kinds.
const (
	EventDelta StreamEventKind = iota
	EventToolCall
	EventDone
	EventError
)

// StreamEvent is one item from a streaming completion.
// Exactly one payload field is meaningful, selected by Kind:
// Delta carries Text, ToolCall carries Call, Done carries Usage,
// Error carries Err.
type StreamEvent struct {
	Kind  StreamEventKind
	Text  string
	Call  *ToolCall
	Usage Usage
	Err   error
}

// ChatRequest contains the parameters for a chat completion request.
type ChatRequest struct {
	Messages    []Message
	Tools       []ToolDefinition
	Model       string
	MaxTokens   int
	Temperature float64
}

// Message represents a chat message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool call from the LLM.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition defines a tool that can be called by the LLM.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes a function that can be called.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage contains token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates usage from another response.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}
