package agent

import (
	"encoding/json"
	"strings"
)

// EventType identifies the kind of output event.
type EventType string

const (
	// EventSystem is a system-level event; the init subtype carries the
	// session ID.
	EventSystem EventType = "system"
	// EventAssistant is an assistant message event.
	EventAssistant EventType = "assistant"
	// EventResult is the completion event.
	EventResult EventType = "result"
	// EventError is an error event.
	EventError EventType = "error"
)

// OutputEvent is one parsed line of the headless process's stream-json
// output.
type OutputEvent struct {
	Type    EventType `json:"type"`
	SubType string    `json:"subtype,omitempty"`

	SessionID string `json:"session_id,omitempty"`

	// Message content (from assistant events)
	Message *MessageContent `json:"message,omitempty"`

	// Result fields (from result events)
	Result        string  `json:"result,omitempty"`
	IsErrorResult bool    `json:"is_error,omitempty"`
	TotalCostUSD  float64 `json:"total_cost_usd,omitempty"`
	DurationMs    int64   `json:"duration_ms,omitempty"`
	DurationAPIMs int64   `json:"duration_api_ms,omitempty"`
	NumTurns      int     `json:"num_turns,omitempty"`

	Usage      *UsageInfo            `json:"usage,omitempty"`
	ModelUsage map[string]ModelUsage `json:"modelUsage,omitempty"` //nolint:tagliatelle // CLI emits camelCase

	Error *ErrorInfo `json:"error,omitempty"`
}

// IsInit returns true if this is a system init event.
func (e *OutputEvent) IsInit() bool {
	return e.Type == EventSystem && e.SubType == "init"
}

// IsResult returns true if this is the completion event.
func (e *OutputEvent) IsResult() bool {
	return e.Type == EventResult
}

// IsError returns true for explicit error events and error results.
func (e *OutputEvent) IsError() bool {
	return e.Type == EventError || e.Error != nil || e.IsErrorResult
}

// ErrorMessage returns the best error text available on the event.
func (e *OutputEvent) ErrorMessage() string {
	if e.Error != nil && e.Error.Message != "" {
		return e.Error.Message
	}
	if e.Result != "" {
		return e.Result
	}
	return "unknown agent error"
}

// MessageContent holds assistant message content.
type MessageContent struct {
	ID      string         `json:"id,omitempty"`
	Role    string         `json:"role,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
	Model   string         `json:"model,omitempty"`
}

// GetText returns the concatenated text content from all text blocks.
func (m *MessageContent) GetText() string {
	if m == nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range m.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// ContentBlock is a single content block in a message.
type ContentBlock struct {
	Type  string          `json:"type,omitempty"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// UsageInfo holds token accounting from the result event.
type UsageInfo struct {
	InputTokens              int `json:"input_tokens,omitempty"`
	OutputTokens             int `json:"output_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// ModelUsage holds per-model usage details from result events.
//
//nolint:tagliatelle // CLI emits camelCase, not snake_case
type ModelUsage struct {
	InputTokens              int     `json:"inputTokens,omitempty"`
	OutputTokens             int     `json:"outputTokens,omitempty"`
	CacheReadInputTokens     int     `json:"cacheReadInputTokens,omitempty"`
	CacheCreationInputTokens int     `json:"cacheCreationInputTokens,omitempty"`
	CostUSD                  float64 `json:"costUSD,omitempty"`
}

// ErrorInfo holds error details.
type ErrorInfo struct {
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}
