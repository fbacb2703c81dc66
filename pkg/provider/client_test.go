package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindle-ai/spindle/pkg/session"
)

func testClient() *Client {
	return NewClient(slog.New(slog.NewTextHandler(io.Discard, nil)), 0)
}

func TestNewClient_Timeout(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	assert.Equal(t, 5*time.Second, NewClient(logger, 5*time.Second).httpClient.Timeout)
	assert.Equal(t, DefaultTimeout, NewClient(logger, 0).httpClient.Timeout)
}

func collect(ch <-chan *Chunk) []*Chunk {
	var chunks []*Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	return chunks
}

func TestSend_OpenAI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "gpt-test", payload["model"])
		assert.Equal(t, false, payload["stream"])

		w.Write([]byte(`{
			"model": "gpt-test",
			"choices": [{"message": {"content": "Hello!"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 2}
		}`))
	}))
	defer srv.Close()

	resp, err := testClient().Send(context.Background(), "openai",
		Settings{BaseURL: srv.URL, APIKey: "test-key", Model: "gpt-test"},
		ChatRequest{System: "be brief", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", resp.Content)
	assert.Equal(t, "stop", resp.Metadata["finish_reason"])
	assert.Contains(t, resp.Metadata, "request_payload")
	assert.Contains(t, resp.Metadata, "raw_response")
}

func TestStream_OpenAI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		io.WriteString(w, ": keep-alive comment\n\n")
		io.WriteString(w, "data: {not json}\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	ch, err := testClient().Stream(context.Background(), "openai",
		Settings{BaseURL: srv.URL, APIKey: "k", Model: "m"},
		ChatRequest{Message: "hi"}, nil)
	require.NoError(t, err)

	chunks := collect(ch)
	// The malformed line and the comment are skipped, not fatal.
	require.Len(t, chunks, 2)
	assert.Equal(t, "Hel", chunks[0].Content)
	assert.Equal(t, "lo", chunks[1].Content)
}

func TestStream_Ollama(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		io.WriteString(w, `{"message":{"content":"A"},"done":false}`+"\n")
		io.WriteString(w, `{"message":{"content":"B","thinking":"hm"},"done":false}`+"\n")
		io.WriteString(w, `{"message":{"content":""},"done":true,"eval_count":2}`+"\n")
	}))
	defer srv.Close()

	ch, err := testClient().Stream(context.Background(), "ollama",
		Settings{BaseURL: srv.URL, Model: "llama3"},
		ChatRequest{Message: "hi"}, nil)
	require.NoError(t, err)

	chunks := collect(ch)
	require.Len(t, chunks, 3)
	assert.Equal(t, "A", chunks[0].Content)
	assert.Equal(t, "hm", chunks[1].Thinking)
	assert.True(t, chunks[2].Done)
	assert.Equal(t, 2, chunks[2].Metadata["eval_count"])
}

func TestStream_CancelledTokenDropsChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"message":{"content":"A"},"done":false}`+"\n")
		io.WriteString(w, `{"message":{"content":"B"},"done":true}`+"\n")
	}))
	defer srv.Close()

	tok := session.NewToken("s1", "")
	tok.Activate()
	tok.Cancel()

	ch, err := testClient().Stream(context.Background(), "ollama",
		Settings{BaseURL: srv.URL, Model: "llama3"},
		ChatRequest{Message: "hi"}, tok)
	require.NoError(t, err)

	assert.Empty(t, collect(ch))
}

func TestSend_Errors(t *testing.T) {
	t.Run("unknown provider", func(t *testing.T) {
		_, err := testClient().Send(context.Background(), "mystery", Settings{}, ChatRequest{})
		var confErr *ConfigurationError
		assert.ErrorAs(t, err, &confErr)
	})

	t.Run("missing api key", func(t *testing.T) {
		_, err := testClient().Send(context.Background(), "openai", Settings{Model: "m"}, ChatRequest{})
		var confErr *ConfigurationError
		require.ErrorAs(t, err, &confErr)
		assert.Equal(t, "api_key", confErr.Field)
	})

	t.Run("unauthorized", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		_, err := testClient().Send(context.Background(), "openai",
			Settings{BaseURL: srv.URL, APIKey: "bad", Model: "m"}, ChatRequest{})
		var authErr *AuthenticationError
		assert.ErrorAs(t, err, &authErr)
	})

	t.Run("upstream failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := testClient().Send(context.Background(), "openai",
			Settings{BaseURL: srv.URL, APIKey: "k", Model: "m"}, ChatRequest{})
		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, http.StatusBadGateway, connErr.StatusCode)
	})
}

func TestListModels(t *testing.T) {
	t.Run("openai", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/models", r.URL.Path)
			w.Write([]byte(`{"data":[{"id":"gpt-a"},{"id":"gpt-b"}]}`))
		}))
		defer srv.Close()

		models, err := testClient().ListModels(context.Background(), "openai",
			Settings{BaseURL: srv.URL, APIKey: "k"})
		require.NoError(t, err)
		require.Len(t, models, 2)
		assert.Equal(t, "gpt-a", models[0].Name)
	})

	t.Run("ollama", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/tags", r.URL.Path)
			w.Write([]byte(`{"models":[{"name":"llama3:8b"}]}`))
		}))
		defer srv.Close()

		models, err := testClient().ListModels(context.Background(), "ollama",
			Settings{BaseURL: srv.URL})
		require.NoError(t, err)
		require.Len(t, models, 1)
		assert.Equal(t, "llama3:8b", models[0].Name)
	})
}

func TestReasoningPayload(t *testing.T) {
	a := openaiAdapter{}

	body := a.payload(ChatRequest{Message: "q", Controls: map[string]any{"max_tokens": 100}},
		Settings{Model: "o3", ReasoningMode: true, ReasoningEffort: "high"}, false)
	assert.Equal(t, 100, body["max_completion_tokens"])
	assert.Equal(t, "high", body["reasoning_effort"])
	assert.NotContains(t, body, "max_tokens")

	body = a.payload(ChatRequest{Message: "q", Controls: map[string]any{"max_tokens": 100}},
		Settings{Model: "gpt-4"}, false)
	assert.Equal(t, 100, body["max_tokens"])
	assert.NotContains(t, body, "reasoning_effort")
}
