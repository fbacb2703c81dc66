package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindle-ai/spindle/pkg/config"
	"github.com/spindle-ai/spindle/pkg/gateway"
	"github.com/spindle-ai/spindle/pkg/pipeline"
	"github.com/spindle-ai/spindle/pkg/provider"
	"github.com/spindle-ai/spindle/pkg/session"
)

// noopRunner satisfies gateway.TurnRunner for routing tests.
type noopRunner struct{}

func (noopRunner) RunTurn(context.Context, pipeline.TurnRequest, pipeline.Emitter) {}

type apiFixture struct {
	server  *httptest.Server
	tracker *pipeline.PromptStateTracker
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{}
	cfg.Server.Ephemeral = true
	cfg.Server.Port = 8080

	cm := gateway.NewConnectionManager(session.NewRegistry(10), noopRunner{}, nil, logger)
	tracker := pipeline.NewPromptStateTracker()

	s := NewServer(cfg, nil, cm, provider.NewClient(logger, 0), tracker, prometheus.NewRegistry(), logger)

	srv := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(srv.Close)
	return &apiFixture{server: srv, tracker: tracker}
}

func (fx *apiFixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(fx.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var body map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		json.Unmarshal(raw, &body)
	}
	return resp, body
}

func (fx *apiFixture) post(t *testing.T, path string, payload any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(fx.server.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func TestHealthz_Ephemeral(t *testing.T) {
	fx := newAPIFixture(t)

	resp, body := fx.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	checks := body["checks"].(map[string]any)
	db := checks["database"].(map[string]any)
	assert.Equal(t, "healthy", db["status"])
	assert.Equal(t, "ephemeral store", db["message"])
	assert.Equal(t, float64(0), body["connections"])
}

func TestPromptState(t *testing.T) {
	fx := newAPIFixture(t)

	resp, _ := fx.get(t, "/api/debug/prompt-state/c-unknown")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	fx.tracker.Put(&pipeline.PromptState{
		ConversationID:     "c1",
		MainResponsePrompt: "You are helpful.",
	})
	resp, body := fx.get(t, "/api/debug/prompt-state/c1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "You are helpful.", body["main_response_prompt"])
}

func TestConnectionEndpoints(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.Write([]byte(`{"models":[{"name":"llama3:8b"}]}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	fx := newAPIFixture(t)
	settings := map[string]any{"provider_settings": map[string]any{"base_url": upstream.URL, "model": "llama3:8b"}}

	t.Run("test connection ok", func(t *testing.T) {
		resp, body := fx.post(t, "/api/connections/ollama/test", settings)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("list models", func(t *testing.T) {
		resp, body := fx.post(t, "/api/connections/ollama/models", settings)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		models := body["models"].([]any)
		require.Len(t, models, 1)
	})

	t.Run("unknown provider is a configuration error", func(t *testing.T) {
		resp, _ := fx.post(t, "/api/connections/mystery/test", settings)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unreachable upstream is a bad gateway", func(t *testing.T) {
		resp, _ := fx.post(t, "/api/connections/ollama/test", map[string]any{
			"provider_settings": map[string]any{"base_url": "http://127.0.0.1:1", "model": "m"},
		})
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newAPIFixture(t)

	resp, err := http.Get(fx.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWSEndpoint(t *testing.T) {
	fx := newAPIFixture(t)

	ctx := context.Background()
	url := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var frame struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	assert.Equal(t, "session_start", frame.Type)
	assert.NotEmpty(t, fmt.Sprint(frame.Data["session_id"]))
}
