package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindle-ai/spindle/pkg/models"
	"github.com/spindle-ai/spindle/pkg/plugin"
	"github.com/spindle-ai/spindle/pkg/provider"
	"github.com/spindle-ai/spindle/pkg/sandbox"
	"github.com/spindle-ai/spindle/pkg/session"
	"github.com/spindle-ai/spindle/pkg/store/memstore"
)

// recordingEmitter captures frames in order and can react to them, which
// is how the cancellation tests flip the token mid-stream.
type recordingEmitter struct {
	mu      sync.Mutex
	frames  []recordedFrame
	onFrame func(e *recordingEmitter, frameType string, data map[string]any)
}

type recordedFrame struct {
	Type string
	Data map[string]any
}

func (e *recordingEmitter) Emit(frameType string, data map[string]any) {
	e.mu.Lock()
	e.frames = append(e.frames, recordedFrame{Type: frameType, Data: data})
	e.mu.Unlock()
	if e.onFrame != nil {
		e.onFrame(e, frameType, data)
	}
}

func (e *recordingEmitter) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.frames))
	for _, f := range e.frames {
		out = append(out, f.Type)
	}
	return out
}

func (e *recordingEmitter) count(frameType string) int {
	n := 0
	for _, t := range e.types() {
		if t == frameType {
			n++
		}
	}
	return n
}

func (e *recordingEmitter) chatSessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range e.frames {
		if f.Type == FrameChatSessionStart {
			return f.Data["chat_session_id"].(string)
		}
	}
	return ""
}

// ollamaStub streams n content chunks followed by a done chunk.
func ollamaStub(t *testing.T, n int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < n; i++ {
			fmt.Fprintf(w, `{"message":{"content":"tok%d "},"done":false}`+"\n", i)
			flusher.Flush()
		}
		io.WriteString(w, `{"message":{"content":""},"done":true,"eval_count":5}`+"\n")
	}))
}

type turnFixture struct {
	store    *memstore.Store
	registry *session.Registry
	orch     *Orchestrator
	tracker  *PromptStateTracker
}

func newTurnFixture(t *testing.T) *turnFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memstore.New()
	reg := session.NewRegistry(10)
	res := NewResolver(st, sandbox.New(logger), plugin.NewRegistry(), logger)
	tracker := NewPromptStateTracker()
	orch := NewOrchestrator(st, reg, res, provider.NewClient(logger, 0), tracker, nil, logger)
	return &turnFixture{store: st, registry: reg, orch: orch, tracker: tracker}
}

func turnRequest(baseURL, personaID string) TurnRequest {
	return TurnRequest{
		Message:          "hello there",
		Provider:         "ollama",
		PersonaID:        personaID,
		ProviderSettings: map[string]any{"base_url": baseURL, "model": "llama3"},
	}
}

func TestRunTurn_FrameOrder(t *testing.T) {
	srv := ollamaStub(t, 2)
	defer srv.Close()

	fx := newTurnFixture(t)
	fx.store.PutPersona(&models.Persona{ID: "p1", Name: "Helper", Template: "@greet", Active: true})
	fx.store.PutModule(&models.Module{
		ID: "m1", Name: "greet", Kind: models.ModuleKindSimple,
		Context: models.ContextImmediate, Content: "Be friendly.", Active: true, PersonaID: "p1",
	})

	em := &recordingEmitter{}
	fx.orch.RunTurn(context.Background(), turnRequest(srv.URL, "p1"), em)

	got := em.types()
	require.NotEmpty(t, got)
	assert.Equal(t, FrameChatSessionStart, got[0])
	assert.Equal(t, FramePostResponseComplete, got[len(got)-1])

	// At most three stage updates, in pipeline order.
	var stages []string
	for _, f := range em.frames {
		if f.Type == FrameStageUpdate {
			stages = append(stages, f.Data["stage"].(string))
		}
	}
	assert.Equal(t, []string{StageThinkingBefore, StageGenerating, StageThinkingAfter}, stages)

	assert.Equal(t, 3, em.count(FrameChunk))
	assert.Equal(t, 1, em.count(FrameDone))
	assert.Zero(t, em.count(FrameError))
	assert.Zero(t, em.count(FrameCancelled))

	// Both turn messages were persisted.
	ps := fx.tracker.Get(fx.trackedConversation(t))
	require.NotNil(t, ps)
	assert.Equal(t, "Be friendly.", ps.MainResponsePrompt)
	assert.Equal(t, []string{"greet"}, ps.ResolvedModules)

	msgs, err := fx.store.GetMessages(context.Background(), ps.ConversationID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "tok0 tok1 ", msgs[1].Content)
}

// trackedConversation finds the single conversation the turn created.
func (fx *turnFixture) trackedConversation(t *testing.T) string {
	t.Helper()
	ids := fx.store.ConversationIDs()
	require.Len(t, ids, 1)
	return ids[0]
}

func TestRunTurn_NoPersona(t *testing.T) {
	srv := ollamaStub(t, 1)
	defer srv.Close()

	fx := newTurnFixture(t)
	em := &recordingEmitter{}
	fx.orch.RunTurn(context.Background(), turnRequest(srv.URL, ""), em)

	// No module stages without a persona; the turn still completes.
	assert.Equal(t, 1, em.count(FrameStageUpdate))
	assert.Equal(t, 1, em.count(FrameDone))
	assert.Equal(t, 1, em.count(FramePostResponseComplete))
}

// A reference missing in both immediate stages is reported once.
func TestRunTurn_MissingModuleWarnedOnce(t *testing.T) {
	srv := ollamaStub(t, 1)
	defer srv.Close()

	fx := newTurnFixture(t)
	fx.store.PutPersona(&models.Persona{ID: "p1", Name: "Helper", Template: "Hi @ghost", Active: true})

	em := &recordingEmitter{}
	fx.orch.RunTurn(context.Background(), turnRequest(srv.URL, "p1"), em)

	ps := fx.tracker.Get(fx.trackedConversation(t))
	require.NotNil(t, ps)
	require.Len(t, ps.Warnings, 1)
	assert.Equal(t, "ghost", ps.Warnings[0].Module)
	assert.Equal(t, WarnModuleNotFound, ps.Warnings[0].Type)
}

func TestRunTurn_CancelMidStream(t *testing.T) {
	srv := ollamaStub(t, 20)
	defer srv.Close()

	fx := newTurnFixture(t)

	em := &recordingEmitter{}
	em.onFrame = func(e *recordingEmitter, frameType string, _ map[string]any) {
		if frameType == FrameChunk && e.count(FrameChunk) == 2 {
			require.True(t, fx.registry.Cancel(e.chatSessionID()))
		}
	}
	fx.orch.RunTurn(context.Background(), turnRequest(srv.URL, ""), em)

	assert.Equal(t, 1, em.count(FrameCancelled))
	assert.Zero(t, em.count(FrameDone))
	assert.Zero(t, em.count(FramePostResponseComplete))
	chunks := em.count(FrameChunk)
	assert.GreaterOrEqual(t, chunks, 2)
	assert.Less(t, chunks, 21, "stream should stop well before completion")

	// The partial response was persisted.
	msgs, err := fx.store.GetMessages(context.Background(), fx.trackedConversation(t), 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.NotEmpty(t, msgs[1].Content)
}

func TestRunTurn_UnknownConversation(t *testing.T) {
	fx := newTurnFixture(t)

	req := turnRequest("http://127.0.0.1:0", "")
	req.ConversationID = "no-such-conversation"
	em := &recordingEmitter{}
	fx.orch.RunTurn(context.Background(), req, em)

	assert.Equal(t, 1, em.count(FrameError))
	assert.Zero(t, em.count(FrameDone))
}

func TestRunTurn_UpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	fx := newTurnFixture(t)
	em := &recordingEmitter{}
	fx.orch.RunTurn(context.Background(), turnRequest(srv.URL, ""), em)

	assert.Equal(t, 1, em.count(FrameError))
	assert.Zero(t, em.count(FrameDone))
}
