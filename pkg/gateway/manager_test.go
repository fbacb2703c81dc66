package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindle-ai/spindle/pkg/pipeline"
	"github.com/spindle-ai/spindle/pkg/session"
)

// stubRunner records the turn request and emits a canned frame sequence.
type stubRunner struct {
	mu   sync.Mutex
	reqs []pipeline.TurnRequest
}

func (r *stubRunner) RunTurn(_ context.Context, req pipeline.TurnRequest, emit pipeline.Emitter) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	emit.Emit(pipeline.FrameChunk, map[string]any{"content": "stub", "done": false})
	emit.Emit(pipeline.FrameDone, map[string]any{})
}

type gatewayFixture struct {
	manager  *ConnectionManager
	registry *session.Registry
	runner   *stubRunner
	server   *httptest.Server
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := session.NewRegistry(10)
	runner := &stubRunner{}
	manager := NewConnectionManager(reg, runner, nil, logger)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)

	return &gatewayFixture{manager: manager, registry: reg, runner: runner, server: srv}
}

func (fx *gatewayFixture) dial(t *testing.T) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(fx.server.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) Frame {
	t.Helper()
	var frame Frame
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	return frame
}

func TestHandleConnection_SessionStart(t *testing.T) {
	fx := newGatewayFixture(t)
	conn, ctx := fx.dial(t)

	frame := readFrame(t, ctx, conn)
	assert.Equal(t, FrameSessionStart, frame.Type)
	assert.NotEmpty(t, frame.Data["session_id"])
}

func TestDispatch_Ping(t *testing.T) {
	fx := newGatewayFixture(t)
	conn, ctx := fx.dial(t)
	readFrame(t, ctx, conn) // session_start

	require.NoError(t, wsjson.Write(ctx, conn, ClientMessage{Type: MessagePing}))
	assert.Equal(t, FramePong, readFrame(t, ctx, conn).Type)
}

func TestDispatch_CancelUnknownSession(t *testing.T) {
	fx := newGatewayFixture(t)
	conn, ctx := fx.dial(t)
	readFrame(t, ctx, conn)

	require.NoError(t, wsjson.Write(ctx, conn, ClientMessage{
		Type: MessageCancel, SessionID: "no-such-session",
	}))
	frame := readFrame(t, ctx, conn)
	assert.Equal(t, FrameError, frame.Type)
	assert.Equal(t, "unknown session", frame.Data["error"])
	assert.Equal(t, "no-such-session", frame.Data["session_id"])
}

func TestDispatch_CancelActiveSession(t *testing.T) {
	fx := newGatewayFixture(t)
	conn, ctx := fx.dial(t)
	readFrame(t, ctx, conn)

	tok, err := fx.registry.Register("chat-1", "")
	require.NoError(t, err)

	require.NoError(t, wsjson.Write(ctx, conn, ClientMessage{
		Type: MessageCancel, SessionID: "chat-1",
	}))

	// No error frame comes back; verify via a ping round trip.
	require.NoError(t, wsjson.Write(ctx, conn, ClientMessage{Type: MessagePing}))
	assert.Equal(t, FramePong, readFrame(t, ctx, conn).Type)
	assert.True(t, tok.Cancelled())
}

func TestDispatch_Chat(t *testing.T) {
	fx := newGatewayFixture(t)
	conn, ctx := fx.dial(t)
	readFrame(t, ctx, conn)

	payload, _ := json.Marshal(pipeline.TurnRequest{Message: "hi", Provider: "ollama"})
	require.NoError(t, wsjson.Write(ctx, conn, ClientMessage{Type: MessageChat, Data: payload}))

	frame := readFrame(t, ctx, conn)
	assert.Equal(t, pipeline.FrameChunk, frame.Type)
	assert.Equal(t, "stub", frame.Data["content"])
	assert.Equal(t, pipeline.FrameDone, readFrame(t, ctx, conn).Type)

	fx.runner.mu.Lock()
	defer fx.runner.mu.Unlock()
	require.Len(t, fx.runner.reqs, 1)
	assert.Equal(t, "hi", fx.runner.reqs[0].Message)
}

// blockingRunner parks the turn until released and records its context.
type blockingRunner struct {
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	ctx     context.Context
}

func (r *blockingRunner) RunTurn(ctx context.Context, _ pipeline.TurnRequest, _ pipeline.Emitter) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	close(r.started)
	<-r.release
}

// A disconnect must not cancel an in-flight turn's context; otherwise
// post-response persistence would race the socket lifetime.
func TestDispatch_TurnSurvivesDisconnect(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	manager := NewConnectionManager(session.NewRegistry(10), runner, nil, logger)
	defer close(runner.release)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, wsjson.Read(ctx, conn, &frame)) // session_start

	payload, _ := json.Marshal(pipeline.TurnRequest{Message: "hi", Provider: "ollama"})
	require.NoError(t, wsjson.Write(ctx, conn, ClientMessage{Type: MessageChat, Data: payload}))

	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never started")
	}

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool {
		return manager.ActiveConnections() == 0
	}, time.Second, 10*time.Millisecond)

	runner.mu.Lock()
	turnCtx := runner.ctx
	runner.mu.Unlock()
	assert.NoError(t, turnCtx.Err())
}

func TestDispatch_MalformedChat(t *testing.T) {
	fx := newGatewayFixture(t)
	conn, ctx := fx.dial(t)
	readFrame(t, ctx, conn)

	require.NoError(t, wsjson.Write(ctx, conn, ClientMessage{
		Type: MessageChat, Data: json.RawMessage(`"not an object"`),
	}))
	frame := readFrame(t, ctx, conn)
	assert.Equal(t, FrameError, frame.Type)
	assert.Equal(t, "malformed chat payload", frame.Data["error"])
}

func TestDispatch_UnknownTypeIgnored(t *testing.T) {
	fx := newGatewayFixture(t)
	conn, ctx := fx.dial(t)
	readFrame(t, ctx, conn)

	require.NoError(t, wsjson.Write(ctx, conn, ClientMessage{Type: "mystery"}))
	// The next response is for the ping, nothing for the unknown type.
	require.NoError(t, wsjson.Write(ctx, conn, ClientMessage{Type: MessagePing}))
	assert.Equal(t, FramePong, readFrame(t, ctx, conn).Type)
}

func TestActiveConnections(t *testing.T) {
	fx := newGatewayFixture(t)
	conn, ctx := fx.dial(t)
	readFrame(t, ctx, conn)

	require.Eventually(t, func() bool {
		return fx.manager.ActiveConnections() == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool {
		return fx.manager.ActiveConnections() == 0
	}, time.Second, 10*time.Millisecond)
	_ = ctx
}

func TestShutdown_ClosesConnections(t *testing.T) {
	fx := newGatewayFixture(t)
	conn, ctx := fx.dial(t)
	readFrame(t, ctx, conn)

	require.Eventually(t, func() bool {
		return fx.manager.ActiveConnections() == 1
	}, time.Second, 10*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	fx.manager.Shutdown(shutdownCtx)

	// The client read fails once the server closes the socket.
	var frame Frame
	assert.Error(t, wsjson.Read(ctx, conn, &frame))
}
