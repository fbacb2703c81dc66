package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spindle-ai/spindle/pkg/session"
)

// DefaultTimeout is the coarse deadline for a single upstream request.
const DefaultTimeout = 300 * time.Second

// adapter is the per-provider wire dialect.
type adapter interface {
	name() string
	sse() bool
	validate(Settings) error
	chatURL(Settings) string
	modelsURL(Settings) string
	headers(Settings) map[string]string
	payload(ChatRequest, Settings, bool) map[string]any
	parseResponse([]byte) (*Response, error)
	parseChunk([]byte) (*Chunk, error)
	parseModels([]byte) ([]ModelInfo, error)
}

// Client is the uniform upstream LLM client shared by the orchestrator
// and the REST connection endpoints.
type Client struct {
	httpClient *http.Client
	adapters   map[string]adapter
	logger     *slog.Logger
}

// NewClient creates a client with the built-in openai and ollama
// adapters. A non-positive timeout falls back to DefaultTimeout.
func NewClient(logger *slog.Logger, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		adapters: map[string]adapter{
			"openai": openaiAdapter{},
			"ollama": ollamaAdapter{},
		},
		logger: logger.With("component", "provider"),
	}
}

func (c *Client) adapter(name string) (adapter, error) {
	a, ok := c.adapters[name]
	if !ok {
		return nil, &ConfigurationError{Provider: name, Field: "provider"}
	}
	return a, nil
}

// post issues the request and maps transport and status failures to the
// provider error taxonomy. The caller owns the returned body.
func (c *Client) post(ctx context.Context, a adapter, url string, settings Settings, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range a.headers(settings) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectionError{Provider: a.name(), Err: err}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, &AuthenticationError{Provider: a.name()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &ConnectionError{Provider: a.name(), StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// Send issues a non-streaming chat request. The request payload and the
// raw upstream response are attached to the metadata for debugging.
func (c *Client) Send(ctx context.Context, providerName string, settings Settings, req ChatRequest) (*Response, error) {
	a, err := c.adapter(providerName)
	if err != nil {
		return nil, err
	}
	if err := a.validate(settings); err != nil {
		return nil, err
	}

	payload := a.payload(req, settings, false)
	resp, err := c.post(ctx, a, a.chatURL(settings), settings, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectionError{Provider: a.name(), Err: err}
	}

	parsed, err := a.parseResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", a.name(), err)
	}
	if parsed.Metadata == nil {
		parsed.Metadata = map[string]any{}
	}
	parsed.Metadata["request_payload"] = payload
	parsed.Metadata["raw_response"] = string(raw)
	return parsed, nil
}

// Stream issues a streaming chat request and returns a channel of
// chunks. The channel closes when the stream ends, errors out, or the
// token is cancelled; after cancellation the remainder is dropped
// silently. Malformed chunks are logged and skipped.
func (c *Client) Stream(ctx context.Context, providerName string, settings Settings, req ChatRequest, token *session.Token) (<-chan *Chunk, error) {
	a, err := c.adapter(providerName)
	if err != nil {
		return nil, err
	}
	if err := a.validate(settings); err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, a, a.chatURL(settings), settings, a.payload(req, settings, true))
	if err != nil {
		return nil, err
	}

	out := make(chan *Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := newLineScanner(resp.Body, a.sse())
		for {
			line, err := scanner.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				c.logger.Warn("stream read failed", "provider", a.name(), "error", err)
				return
			}

			chunk, err := a.parseChunk(line)
			if errors.Is(err, errStreamDone) {
				return
			}
			if err != nil {
				c.logger.Warn("skipping malformed chunk", "provider", a.name(), "error", err)
				continue
			}
			if chunk == nil {
				continue
			}

			if token != nil && token.Check() != nil {
				return
			}

			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Done {
				return
			}
		}
	}()
	return out, nil
}

// TestConnection verifies the upstream is reachable with the given
// settings by listing its models.
func (c *Client) TestConnection(ctx context.Context, providerName string, settings Settings) error {
	_, err := c.ListModels(ctx, providerName, settings)
	return err
}

// ListModels fetches the models the upstream offers.
func (c *Client) ListModels(ctx context.Context, providerName string, settings Settings) ([]ModelInfo, error) {
	a, err := c.adapter(providerName)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.modelsURL(settings), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range a.headers(settings) {
		if k != "Content-Type" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectionError{Provider: a.name(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &AuthenticationError{Provider: a.name()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ConnectionError{Provider: a.name(), StatusCode: resp.StatusCode}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectionError{Provider: a.name(), Err: err}
	}
	return a.parseModels(raw)
}
