// Package tokens estimates token counts for budgeting and reporting.
package tokens

import (
	"encoding/json"

	"github.com/turnloop/turnloop/internal/provider"
)

// Counter estimates token usage for a request. Estimates never fail:
// anything that cannot be measured counts as zero.
type Counter struct{}

// NewCounter creates a Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// CountMessages estimates the token count of a message list.
func (c *Counter) CountMessages(messages []provider.Message) int {
	total := 0
	for _, msg := range messages {
		total += estimate(msg.Content)
		for _, tc := range msg.ToolCalls {
			total += estimate(tc.Name)
			if data, err := json.Marshal(tc.Arguments); err == nil {
				total += estimate(string(data))
			}
		}
		// Per-message framing overhead.
		total += 4
	}
	return total
}

// CountTools estimates the token count of tool definitions.
func (c *Counter) CountTools(tools []provider.ToolDefinition) int {
	total := 0
	for _, t := range tools {
		total += estimate(t.Function.Name)
		total += estimate(t.Function.Description)
		if data, err := json.Marshal(t.Function.Parameters); err == nil {
			total += estimate(string(data))
		}
	}
	return total
}

// estimate approximates tokens as one per four characters, the common
// rule of thumb for BPE vocabularies on English text.
func estimate(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}
