package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIClient implements StreamClient using the OpenAI-compatible
// streaming API. It supports OpenRouter, OpenAI, vLLM, and other
// compatible providers.
type OpenAIClient struct {
	apiKey       string
	apiBase      string
	defaultModel string
	httpClient   *http.Client
}

// NewOpenAIClient creates a new OpenAI-compatible streaming client.
func NewOpenAIClient(apiKey, apiBase, defaultModel string) *OpenAIClient {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o"
	}
	return &OpenAIClient{
		apiKey:       apiKey,
		apiBase:      strings.TrimSuffix(apiBase, "/"),
		defaultModel: defaultModel,
		httpClient: &http.Client{
			Timeout: 300 * time.Second,
		},
	}
}

// DefaultModel returns the configured default model.
func (c *OpenAIClient) DefaultModel() string {
	return c.defaultModel
}

// Stream sends a streaming completion request. Events arrive on the
// returned channel; the channel closes after Done or Error.
func (c *OpenAIClient) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	body := map[string]any{
		"model":          model,
		"messages":       c.convertMessages(req.Messages),
		"max_tokens":     req.MaxTokens,
		"temperature":    req.Temperature,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
		body["tool_choice"] = "auto"
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	events := make(chan StreamEvent, 32)
	go c.consumeSSE(ctx, resp.Body, events)
	return events, nil
}

// consumeSSE reads server-sent events from the response body, assembles
// tool-call argument fragments, and emits StreamEvents. Always closes the
// events channel.
func (c *OpenAIClient) consumeSSE(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer body.Close()

	// Tool-call fragments keyed by choice index, assembled across chunks.
	type partialCall struct {
		id   string
		name string
		args strings.Builder
	}
	partials := make(map[int]*partialCall)
	order := []int{}
	var usage Usage
	doneSeen := false

	flushCalls := func() {
		for _, idx := range order {
			pc := partials[idx]
			var args map[string]any
			raw := pc.args.String()
			if raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					args = map[string]any{"raw": raw}
				}
			}
			events <- StreamEvent{Kind: EventToolCall, Call: &ToolCall{
				ID:        pc.id,
				Name:      pc.name,
				Arguments: args,
			}}
		}
		partials = make(map[int]*partialCall)
		order = order[:0]
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			events <- StreamEvent{Kind: EventError, Err: ctx.Err()}
			return
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			doneSeen = true
			break
		}

		var chunk sseChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			events <- StreamEvent{Kind: EventDelta, Text: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			pc, ok := partials[tc.Index]
			if !ok {
				pc = &partialCall{}
				partials[tc.Index] = pc
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}
		// Some providers finish tool calls per-choice without [DONE] yet.
		if choice.FinishReason == "tool_calls" {
			flushCalls()
		}
	}

	if err := scanner.Err(); err != nil {
		events <- StreamEvent{Kind: EventError, Err: fmt.Errorf("read stream: %w", err)}
		return
	}
	if !doneSeen && ctx.Err() != nil {
		events <- StreamEvent{Kind: EventError, Err: ctx.Err()}
		return
	}

	flushCalls()
	events <- StreamEvent{Kind: EventDone, Usage: usage}
}

// convertMessages converts our Message type to OpenAI API format.
func (c *OpenAIClient) convertMessages(messages []Message) []map[string]any {
	result := make([]map[string]any, len(messages))
	for i, msg := range messages {
		m := map[string]any{
			"role":    msg.Role,
			"content": msg.Content,
		}
		if msg.ToolCallID != "" {
			m["tool_call_id"] = msg.ToolCallID
		}
		if len(msg.ToolCalls) > 0 {
			toolCalls := make([]map[string]any, len(msg.ToolCalls))
			for j, tc := range msg.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				toolCalls[j] = map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(args),
					},
				}
			}
			m["tool_calls"] = toolCalls
		}
		result[i] = m
	}
	return result
}

// SSE chunk wire types.
type sseChunk struct {
	Choices []sseChoice `json:"choices"`
	Usage   *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type sseChoice struct {
	Delta struct {
		Content   string `json:"content"`
		ToolCalls []struct {
			Index    int    `json:"index"`
			ID       string `json:"id"`
			Function struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}
