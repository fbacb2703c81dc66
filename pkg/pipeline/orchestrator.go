package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/spindle-ai/spindle/pkg/metrics"
	"github.com/spindle-ai/spindle/pkg/models"
	"github.com/spindle-ai/spindle/pkg/provider"
	"github.com/spindle-ai/spindle/pkg/session"
	"github.com/spindle-ai/spindle/pkg/store"
)

// Turn frame types, in the order a successful turn emits them.
const (
	FrameChatSessionStart     = "chat_session_start"
	FrameStageUpdate          = "stage_update"
	FrameChunk                = "chunk"
	FrameDone                 = "done"
	FramePostResponseComplete = "post_response_complete"
	FrameCancelled            = "cancelled"
	FrameError                = "error"
)

// Stage labels carried by stage_update frames.
const (
	StageThinkingBefore = "thinking_before"
	StageGenerating     = "generating"
	StageThinkingAfter  = "thinking_after"
)

// Emitter delivers outbound frames for one turn. The connection
// manager's write path serializes frames across turns.
type Emitter interface {
	Emit(frameType string, data map[string]any)
}

// TurnRequest is the payload of an inbound chat frame.
type TurnRequest struct {
	Message          string         `json:"message"`
	Provider         string         `json:"provider"`
	PersonaID        string         `json:"persona_id"`
	ConversationID   string         `json:"conversation_id"`
	ProviderSettings map[string]any `json:"provider_settings"`
	ChatControls     map[string]any `json:"chat_controls"`
}

// Orchestrator runs chat turns through the staged pipeline.
type Orchestrator struct {
	store    store.Store
	registry *session.Registry
	resolver *Resolver
	provider *provider.Client
	tracker  *PromptStateTracker // nil disables capture
	metrics  *metrics.Metrics    // nil disables recording
	logger   *slog.Logger
}

// NewOrchestrator wires a turn runner.
func NewOrchestrator(st store.Store, reg *session.Registry, res *Resolver, prov *provider.Client,
	tracker *PromptStateTracker, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    st,
		registry: reg,
		resolver: res,
		provider: prov,
		tracker:  tracker,
		metrics:  m,
		logger:   logger.With("component", "orchestrator"),
	}
}

// aiClient adapts the provider client to the plugin AI interface with
// the turn's settings bound in.
type aiClient struct {
	client       *provider.Client
	providerName string
	settings     provider.Settings
}

func (a *aiClient) Generate(ctx context.Context, system, message string) (string, error) {
	resp, err := a.client.Send(ctx, a.providerName, a.settings, provider.ChatRequest{
		System:  system,
		Message: message,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// RunTurn executes one chat turn end to end. It never returns an error;
// everything the client must know arrives as frames, everything else is
// logged.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest, emit Emitter) {
	turnStart := time.Now()

	// 1. Register a fresh chat session so cancel frames can target it.
	chatSessionID := uuid.New().String()
	token, err := o.registry.Register(chatSessionID, req.ConversationID)
	if err != nil {
		emit.Emit(FrameError, map[string]any{"error": err.Error()})
		return
	}
	defer o.registry.Remove(chatSessionID)
	if o.metrics != nil {
		o.metrics.ActiveSessions.Inc()
		defer o.metrics.ActiveSessions.Dec()
	}
	emit.Emit(FrameChatSessionStart, map[string]any{"chat_session_id": chatSessionID})

	logger := o.logger.With("chat_session_id", chatSessionID)
	settings := provider.SettingsFromMap(req.ProviderSettings)
	ai := &aiClient{client: o.provider, providerName: req.Provider, settings: settings}

	finish := func(outcome string) {
		if o.metrics != nil {
			o.metrics.TurnsTotal.WithLabelValues(outcome).Inc()
			o.metrics.TurnDuration.WithLabelValues(req.Provider).Observe(time.Since(turnStart).Seconds())
		}
	}

	conversationID, err := o.ensureConversation(ctx, req)
	if err != nil {
		logger.Error("failed to prepare conversation", "error", err)
		emit.Emit(FrameError, map[string]any{"error": err.Error(), "session_id": chatSessionID})
		finish("error")
		return
	}
	o.appendMessage(ctx, logger, conversationID, models.RoleUser, req.Message, "")

	trigger := TriggerContext{TriggerLastUserMessage: req.Message}

	var ps *PromptState
	if o.tracker != nil {
		ps = &PromptState{
			ConversationID:  conversationID,
			StageTimingsMS:  map[string]int64{},
			Stage4Variables: map[string]map[string]any{},
			Stage5Variables: map[string]map[string]any{},
		}
	}

	// 2–4. Resolve the persona template through the immediate stages.
	var persona *models.Persona
	var resolvedPrompt string
	var warnings []Warning
	if req.PersonaID != "" {
		persona, err = o.store.GetPersona(ctx, req.PersonaID)
		if err != nil {
			logger.Error("failed to load persona", "persona_id", req.PersonaID, "error", err)
			emit.Emit(FrameError, map[string]any{"error": err.Error(), "session_id": chatSessionID})
			finish("error")
			return
		}
		if ps != nil {
			ps.OriginalTemplate = persona.Template
		}

		emit.Emit(FrameStageUpdate, map[string]any{
			"stage": StageThinkingBefore, "message": "resolving modules",
		})

		in := StageInput{
			Template:       persona.Template,
			PersonaID:      req.PersonaID,
			ConversationID: conversationID,
			Trigger:        trigger,
			Token:          token,
			Settings:       settings,
		}

		res1, err := o.resolver.RunStage(ctx, Stage1, in, false)
		if err != nil {
			o.handleResolveFailure(err, chatSessionID, emit, logger, finish)
			return
		}
		o.recordStage(ps, Stage1, res1)
		warnings = mergeWarnings(warnings, res1.Warnings)

		in.Template = res1.Output
		in.AI = ai
		res2, err := o.resolver.RunStage(ctx, Stage2, in, true)
		if err != nil {
			o.handleResolveFailure(err, chatSessionID, emit, logger, finish)
			return
		}
		o.recordStage(ps, Stage2, res2)
		warnings = mergeWarnings(warnings, res2.Warnings)
		resolvedPrompt = res2.Output

		if ps != nil {
			ps.Stage1Resolved = res1.Output
			ps.Stage2Resolved = res2.Output
			ps.MainResponsePrompt = res2.Output
		}
		o.recordWarnings(logger, warnings)
	}

	// 5. Stream the main response.
	emit.Emit(FrameStageUpdate, map[string]any{
		"stage": StageGenerating, "message": "generating response",
	})

	chatReq := provider.ChatRequest{
		System:   resolvedPrompt,
		Message:  req.Message,
		Controls: req.ChatControls,
	}
	chunks, err := o.provider.Stream(ctx, req.Provider, settings, chatReq, token)
	if err != nil {
		logger.Error("upstream request failed", "provider", req.Provider, "error", err)
		emit.Emit(FrameError, map[string]any{"error": err.Error(), "session_id": chatSessionID})
		finish("error")
		return
	}

	var content, thinking string
	var finalMeta map[string]any
	for chunk := range chunks {
		content += chunk.Content
		thinking += chunk.Thinking

		data := map[string]any{"content": chunk.Content, "done": chunk.Done}
		if chunk.Thinking != "" {
			data["thinking"] = chunk.Thinking
		}
		if chunk.Done {
			finalMeta = chunk.Metadata
			data["metadata"] = chunk.Metadata
		}
		emit.Emit(FrameChunk, data)
		if o.metrics != nil {
			o.metrics.ChunksStreamed.Inc()
		}
	}

	if token.Cancelled() {
		logger.Info("turn cancelled mid-stream", "chars_streamed", len(content))
		emit.Emit(FrameCancelled, map[string]any{
			"message": "generation cancelled", "session_id": chatSessionID,
		})
		o.appendMessage(ctx, logger, conversationID, models.RoleAssistant, content, thinking)
		finish("cancelled")
		if o.metrics != nil {
			o.metrics.Cancellations.Inc()
		}
		return
	}

	// 6. Unblock the client before post-response work begins.
	if finalMeta == nil {
		finalMeta = map[string]any{"provider": req.Provider}
	}
	emit.Emit(FrameDone, map[string]any{"metadata": finalMeta})
	o.appendMessage(ctx, logger, conversationID, models.RoleAssistant, content, thinking)

	// 7. Post-response stages. Failures stay local; cancellation stops
	// further modules but keeps committed state.
	if persona != nil {
		emit.Emit(FrameStageUpdate, map[string]any{
			"stage": StageThinkingAfter, "message": "running post-response modules",
		})

		trigger[TriggerLastAIMessage] = content
		in := StageInput{
			Template:       persona.Template,
			PersonaID:      req.PersonaID,
			ConversationID: conversationID,
			Trigger:        trigger,
			Token:          token,
			Settings:       settings,
		}

		o.runPostResponseStage(ctx, Stage4, in, ps, logger)
		in.AI = ai
		o.runPostResponseStage(ctx, Stage5, in, ps, logger)
	}

	// 8. Close out the turn.
	emit.Emit(FramePostResponseComplete, map[string]any{
		"message": "post-response processing complete", "chat_session_id": chatSessionID,
	})
	o.registry.Complete(chatSessionID)

	if ps != nil {
		ps.Warnings = warnings
		o.tracker.Put(ps)
	}
	finish("completed")
}

func (o *Orchestrator) runPostResponseStage(ctx context.Context, stage Stage, in StageInput, ps *PromptState, logger *slog.Logger) {
	start := time.Now()
	outcomes, warnings, err := o.resolver.RunPostResponse(ctx, stage, in)
	if err != nil {
		if errors.Is(err, session.ErrCancelled) || errors.Is(err, context.Canceled) {
			logger.Info("post-response stage interrupted", "stage", stage.String())
		} else {
			logger.Error("post-response stage failed", "stage", stage.String(), "error", err)
		}
	}
	o.recordWarnings(logger, warnings)
	if o.metrics != nil {
		o.metrics.StageDuration.WithLabelValues(stage.String()).Observe(time.Since(start).Seconds())
	}

	if ps == nil {
		return
	}
	ps.StagesExecuted = append(ps.StagesExecuted, stage.String())
	ps.StageTimingsMS[stage.String()] = time.Since(start).Milliseconds()
	bags := ps.Stage4Variables
	if stage == Stage5 {
		bags = ps.Stage5Variables
	}
	for _, oc := range outcomes {
		if oc.Err == nil {
			bags[oc.Module.Name] = oc.Variables
		}
	}
	ps.Warnings = mergeWarnings(ps.Warnings, warnings)
}

// handleResolveFailure distinguishes cancellation from genuine errors
// during the immediate stages.
func (o *Orchestrator) handleResolveFailure(err error, chatSessionID string, emit Emitter, logger *slog.Logger, finish func(string)) {
	if errors.Is(err, session.ErrCancelled) || errors.Is(err, context.Canceled) {
		logger.Info("turn cancelled during resolution")
		emit.Emit(FrameCancelled, map[string]any{
			"message": "turn cancelled", "session_id": chatSessionID,
		})
		finish("cancelled")
		if o.metrics != nil {
			o.metrics.Cancellations.Inc()
		}
		return
	}
	logger.Error("module resolution failed", "error", err)
	emit.Emit(FrameError, map[string]any{"error": err.Error(), "session_id": chatSessionID})
	finish("error")
}

func (o *Orchestrator) ensureConversation(ctx context.Context, req TurnRequest) (string, error) {
	if req.ConversationID != "" {
		if _, err := o.store.GetConversation(ctx, req.ConversationID); err != nil {
			return "", fmt.Errorf("unknown conversation %s: %w", req.ConversationID, err)
		}
		return req.ConversationID, nil
	}
	conv, err := o.store.CreateConversation(ctx, req.PersonaID)
	if err != nil {
		return "", err
	}
	return conv.ID, nil
}

func (o *Orchestrator) appendMessage(ctx context.Context, logger *slog.Logger, conversationID string, role models.MessageRole, content, thinking string) {
	if content == "" && thinking == "" {
		return
	}
	_, err := o.store.AppendMessage(ctx, &models.Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Thinking:       thinking,
	})
	if err != nil {
		logger.Error("failed to persist message", "role", role, "error", err)
	}
}

func (o *Orchestrator) recordStage(ps *PromptState, stage Stage, res *StageResult) {
	if o.metrics != nil {
		o.metrics.StageDuration.WithLabelValues(stage.String()).Observe(res.Duration.Seconds())
	}
	if ps == nil {
		return
	}
	ps.StagesExecuted = append(ps.StagesExecuted, stage.String())
	ps.StageTimingsMS[stage.String()] = res.Duration.Milliseconds()
	ps.ResolvedModules = mergeNames(ps.ResolvedModules, res.ResolvedNames)
}

func (o *Orchestrator) recordWarnings(logger *slog.Logger, warnings []Warning) {
	for _, w := range warnings {
		logger.Warn("resolution warning", "module", w.Module, "type", w.Type, "detail", w.Message)
		if o.metrics != nil {
			o.metrics.WarningsTotal.WithLabelValues(string(w.Type)).Inc()
		}
	}
}

// mergeWarnings appends new warnings, deduplicating by (module, type) so
// a reference missing in several stages is reported once.
func mergeWarnings(existing, incoming []Warning) []Warning {
	seen := make(map[string]bool, len(existing))
	for _, w := range existing {
		seen[w.Module+"/"+string(w.Type)] = true
	}
	for _, w := range incoming {
		key := w.Module + "/" + string(w.Type)
		if !seen[key] {
			seen[key] = true
			existing = append(existing, w)
		}
	}
	return existing
}

func mergeNames(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, n := range existing {
		seen[n] = true
	}
	for _, n := range incoming {
		if !seen[n] {
			seen[n] = true
			existing = append(existing, n)
		}
	}
	return existing
}
