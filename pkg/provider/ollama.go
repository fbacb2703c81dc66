package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// ollamaAdapter speaks the generate dialect: newline-delimited JSON
// chunks with a top-level done flag on the final one.
type ollamaAdapter struct{}

func (ollamaAdapter) name() string { return "ollama" }
func (ollamaAdapter) sse() bool    { return false }

func (a ollamaAdapter) validate(s Settings) error {
	if s.Model == "" {
		return &ConfigurationError{Provider: a.name(), Field: "model"}
	}
	return nil
}

func (a ollamaAdapter) chatURL(s Settings) string {
	return a.baseURL(s) + "/api/chat"
}

func (a ollamaAdapter) modelsURL(s Settings) string {
	return a.baseURL(s) + "/api/tags"
}

func (ollamaAdapter) baseURL(s Settings) string {
	if s.BaseURL != "" {
		return strings.TrimSuffix(s.BaseURL, "/")
	}
	return defaultOllamaBaseURL
}

func (ollamaAdapter) headers(Settings) map[string]string {
	return map[string]string{"Content-Type": "application/json"}
}

func (ollamaAdapter) payload(req ChatRequest, s Settings, stream bool) map[string]any {
	messages := []map[string]any{}
	if req.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]any{"role": "user", "content": req.Message})

	body := map[string]any{
		"model":    s.Model,
		"messages": messages,
		"stream":   stream,
	}
	options := map[string]any{}
	for _, key := range []string{"temperature", "top_p"} {
		if v, ok := req.Controls[key]; ok {
			options[key] = v
		}
	}
	if v, ok := req.Controls["max_tokens"]; ok {
		options["num_predict"] = v
	}
	if len(options) > 0 {
		body["options"] = options
	}
	if v, ok := req.Controls["think"].(bool); ok && v {
		body["think"] = true
	}
	return body
}

// ollamaChunk is the NDJSON shape for both streaming chunks and the
// non-streaming response.
type ollamaChunk struct {
	Model   string `json:"model"`
	Message struct {
		Content  string `json:"content"`
		Thinking string `json:"thinking"`
	} `json:"message"`
	Done            bool  `json:"done"`
	TotalDuration   int64 `json:"total_duration"`
	EvalCount       int   `json:"eval_count"`
	PromptEvalCount int   `json:"prompt_eval_count"`
}

func (a ollamaAdapter) parseResponse(raw []byte) (*Response, error) {
	var body ollamaChunk
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &Response{
		Content:  body.Message.Content,
		Thinking: body.Message.Thinking,
		Model:    body.Model,
		Provider: a.name(),
		Metadata: map[string]any{
			"total_duration":    body.TotalDuration,
			"eval_count":        body.EvalCount,
			"prompt_eval_count": body.PromptEvalCount,
		},
	}, nil
}

func (a ollamaAdapter) parseChunk(line []byte) (*Chunk, error) {
	var body ollamaChunk
	if err := json.Unmarshal(line, &body); err != nil {
		return nil, fmt.Errorf("malformed chunk: %w", err)
	}
	chunk := &Chunk{
		Content:  body.Message.Content,
		Thinking: body.Message.Thinking,
		Done:     body.Done,
	}
	if body.Done {
		chunk.Metadata = map[string]any{
			"model":             body.Model,
			"provider":          a.name(),
			"total_duration":    body.TotalDuration,
			"eval_count":        body.EvalCount,
			"prompt_eval_count": body.PromptEvalCount,
		}
	}
	return chunk, nil
}

func (ollamaAdapter) parseModels(raw []byte) ([]ModelInfo, error) {
	var body struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("failed to parse model list: %w", err)
	}
	models := make([]ModelInfo, 0, len(body.Models))
	for _, m := range body.Models {
		models = append(models, ModelInfo{Name: m.Name})
	}
	return models, nil
}
