package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// openaiAdapter speaks the chat-completion dialect: Bearer auth, SSE
// framing, delta chunks terminated by "data: [DONE]".
type openaiAdapter struct{}

func (openaiAdapter) name() string { return "openai" }
func (openaiAdapter) sse() bool    { return true }

func (a openaiAdapter) validate(s Settings) error {
	if s.APIKey == "" {
		return &ConfigurationError{Provider: a.name(), Field: "api_key"}
	}
	if s.Model == "" {
		return &ConfigurationError{Provider: a.name(), Field: "model"}
	}
	return nil
}

func (a openaiAdapter) chatURL(s Settings) string {
	return a.baseURL(s) + "/chat/completions"
}

func (a openaiAdapter) modelsURL(s Settings) string {
	return a.baseURL(s) + "/models"
}

func (openaiAdapter) baseURL(s Settings) string {
	if s.BaseURL != "" {
		return strings.TrimSuffix(s.BaseURL, "/")
	}
	return defaultOpenAIBaseURL
}

func (openaiAdapter) headers(s Settings) map[string]string {
	h := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + s.APIKey,
	}
	if s.Organization != "" {
		h["OpenAI-Organization"] = s.Organization
	}
	if s.Project != "" {
		h["OpenAI-Project"] = s.Project
	}
	return h
}

func (openaiAdapter) payload(req ChatRequest, s Settings, stream bool) map[string]any {
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
	for _, key := range []string{"temperature", "top_p"} {
		if v, ok := req.Controls[key]; ok {
			body[key] = v
		}
	}
	if v, ok := req.Controls["max_tokens"]; ok {
		// Reasoning models reject max_tokens and take the effort knob.
		if s.ReasoningMode {
			body["max_completion_tokens"] = v
		} else {
			body["max_tokens"] = v
		}
	}
	if s.ReasoningMode && s.ReasoningEffort != "" {
		body["reasoning_effort"] = s.ReasoningEffort
	}
	return body
}

func (a openaiAdapter) parseResponse(raw []byte) (*Response, error) {
	var body struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				Reasoning string `json:"reasoning"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(body.Choices) == 0 {
		return nil, fmt.Errorf("response contains no choices")
	}
	return &Response{
		Content:  body.Choices[0].Message.Content,
		Thinking: body.Choices[0].Message.Reasoning,
		Model:    body.Model,
		Provider: a.name(),
		Metadata: map[string]any{
			"finish_reason":     body.Choices[0].FinishReason,
			"prompt_tokens":     body.Usage.PromptTokens,
			"completion_tokens": body.Usage.CompletionTokens,
		},
	}, nil
}

// parseChunk handles one SSE data payload. Returns (nil, nil) for lines
// to skip and errStreamDone on the [DONE] terminator.
func (a openaiAdapter) parseChunk(line []byte) (*Chunk, error) {
	if bytes.Equal(line, []byte("[DONE]")) {
		return nil, errStreamDone
	}
	var body struct {
		Model   string `json:"model"`
		Choices []struct {
			Delta struct {
				Role      string `json:"role"`
				Content   string `json:"content"`
				Reasoning string `json:"reasoning"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(line, &body); err != nil {
		return nil, fmt.Errorf("malformed chunk: %w", err)
	}
	if len(body.Choices) == 0 {
		return nil, nil
	}
	choice := body.Choices[0]
	chunk := &Chunk{
		Content:  choice.Delta.Content,
		Thinking: choice.Delta.Reasoning,
	}
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		chunk.Done = true
		chunk.Metadata = map[string]any{
			"model":         body.Model,
			"provider":      a.name(),
			"finish_reason": *choice.FinishReason,
		}
	}
	return chunk, nil
}

func (openaiAdapter) parseModels(raw []byte) ([]ModelInfo, error) {
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("failed to parse model list: %w", err)
	}
	models := make([]ModelInfo, 0, len(body.Data))
	for _, m := range body.Data {
		models = append(models, ModelInfo{Name: m.ID})
	}
	return models, nil
}
