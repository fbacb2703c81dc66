// Package provider implements the upstream LLM client. One interface
// covers both the chat-completion (SSE) and generate (NDJSON) wire
// variants behind per-provider adapters.
package provider

import (
	"fmt"
)

// ChatRequest is the request the orchestrator builds for one turn.
type ChatRequest struct {
	System   string
	Message  string
	Controls map[string]any
}

// Chunk is one streaming increment. The final chunk has Done set and
// carries the full response metadata.
type Chunk struct {
	Content  string
	Thinking string
	Done     bool
	Metadata map[string]any
}

// Response is a complete non-streaming result.
type Response struct {
	Content  string
	Thinking string
	Model    string
	Provider string
	Metadata map[string]any
}

// ModelInfo describes one model offered by an upstream.
type ModelInfo struct {
	Name string `json:"name"`
}

// Settings holds the per-request provider configuration sent by the
// client alongside each chat frame.
type Settings struct {
	BaseURL         string
	APIKey          string
	Model           string
	Organization    string
	Project         string
	ReasoningMode   bool
	ReasoningEffort string
}

// SettingsFromMap builds Settings from the raw frame payload. Unknown
// keys are ignored.
func SettingsFromMap(m map[string]any) Settings {
	str := func(key string) string {
		if v, ok := m[key]; ok {
			return fmt.Sprint(v)
		}
		return ""
	}
	boolean := func(key string) bool {
		v, ok := m[key].(bool)
		return ok && v
	}
	return Settings{
		BaseURL:         str("base_url"),
		APIKey:          str("api_key"),
		Model:           str("model"),
		Organization:    str("organization"),
		Project:         str("project"),
		ReasoningMode:   boolean("reasoning_mode"),
		ReasoningEffort: str("reasoning_effort"),
	}
}
