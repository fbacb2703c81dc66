package plugin

import (
	"context"
	"fmt"
	"slices"

	"github.com/spindle-ai/spindle/pkg/models"
)

// builtins returns the built-in plugin set loaded on first registry use.
func builtins() map[string]Func {
	return map[string]Func{
		"get_messages":    getMessages,
		"recent_memories": recentMemories,
		"append_memory":   appendMemory,
		"clear_memories":  clearMemories,
		"get_state":       getState,
		"can_reflect":     canReflect,
		"check_cancelled": checkCancelled,
		"resolve_module":  resolveModule,
		"generate":        generate,
	}
}

func argString(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// getMessages returns conversation history as role/content maps.
// Args: offset?, limit?.
func getMessages(ctx context.Context, args map[string]any, caps *Capabilities) (any, error) {
	msgs, err := caps.Store.GetMessages(ctx, caps.ConversationID,
		argInt(args, "offset", 0), argInt(args, "limit", 0))
	if err != nil {
		return nil, fmt.Errorf("get_messages: %w", err)
	}
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{
			"id":      m.ID,
			"role":    string(m.Role),
			"content": m.Content,
		})
	}
	return out, nil
}

// recentMemories returns compressed memories, newest first. Args: limit?.
func recentMemories(ctx context.Context, args map[string]any, caps *Capabilities) (any, error) {
	mems, err := caps.Store.RecentMemories(ctx, caps.ConversationID, argInt(args, "limit", 10))
	if err != nil {
		return nil, fmt.Errorf("recent_memories: %w", err)
	}
	out := make([]any, 0, len(mems))
	for _, m := range mems {
		out = append(out, map[string]any{
			"sequence": m.Sequence,
			"content":  m.CompressedContent,
			"range":    m.OriginalMessageRange,
		})
	}
	return out, nil
}

// appendMemory stores a compressed memory slice. The store assigns the
// sequence. Args: summary, range?, first_message_id?, message_count?.
func appendMemory(ctx context.Context, args map[string]any, caps *Capabilities) (any, error) {
	summary := argString(args, "summary")
	if summary == "" {
		return nil, fmt.Errorf("append_memory: summary is required")
	}
	mem, err := caps.Store.AppendMemory(ctx, &models.ConversationMemory{
		ConversationID:       caps.ConversationID,
		CompressedContent:    summary,
		OriginalMessageRange: argString(args, "range"),
		FirstMessageID:       argString(args, "first_message_id"),
		MessageCountAtComp:   argInt(args, "message_count", 0),
	})
	if err != nil {
		return nil, fmt.Errorf("append_memory: %w", err)
	}
	return mem.Sequence, nil
}

// clearMemories removes all memories for the conversation.
func clearMemories(ctx context.Context, _ map[string]any, caps *Capabilities) (any, error) {
	if err := caps.Store.ClearMemories(ctx, caps.ConversationID); err != nil {
		return nil, fmt.Errorf("clear_memories: %w", err)
	}
	return true, nil
}

// getState returns the latest stored variable bag for a module, or nil.
// Args: module_id.
func getState(ctx context.Context, args map[string]any, caps *Capabilities) (any, error) {
	moduleID := argString(args, "module_id")
	if moduleID == "" {
		return nil, fmt.Errorf("get_state: module_id is required")
	}
	state, err := caps.Store.GetLatestState(ctx, caps.ConversationID, moduleID)
	if err != nil {
		return nil, fmt.Errorf("get_state: %w", err)
	}
	if state == nil {
		return nil, nil
	}
	vars := make(map[string]any, len(state.Variables))
	for k, v := range state.Variables {
		vars[k] = v
	}
	return vars, nil
}

// canReflect reports whether a nested resolver entry is allowed for the
// given module. Args: module_id, timing?.
func canReflect(_ context.Context, args map[string]any, caps *Capabilities) (any, error) {
	if caps.ReflectionDepth >= MaxReflectionDepth {
		return false, nil
	}
	moduleID := argString(args, "module_id")
	if caps.ReflectionDepth > 0 && slices.Contains(caps.ResolutionStack, moduleID) {
		return false, nil
	}
	if caps.Immediate && caps.ReflectionDepth > 0 {
		return false, nil
	}
	return true, nil
}

// checkCancelled lets long scripts cooperate with cancellation. Returns
// an error (aborting the script) when the turn's token is cancelled.
func checkCancelled(_ context.Context, _ map[string]any, caps *Capabilities) (any, error) {
	if caps.Token == nil {
		return false, nil
	}
	if err := caps.Token.Check(); err != nil {
		return nil, err
	}
	return false, nil
}

// generate asks the turn's upstream provider for a completion. Only
// available in AI-enabled stages. Args: prompt, system?.
func generate(ctx context.Context, args map[string]any, caps *Capabilities) (any, error) {
	if caps.AI == nil {
		return nil, fmt.Errorf("generate: AI calls are not permitted in this stage")
	}
	prompt := argString(args, "prompt")
	if prompt == "" {
		return nil, fmt.Errorf("generate: prompt is required")
	}
	return caps.AI.Generate(ctx, argString(args, "system"), prompt)
}

// resolveModule re-enters the resolver against a sub-template, guarded
// by the reflection rules. Args: template, module_id?.
func resolveModule(ctx context.Context, args map[string]any, caps *Capabilities) (any, error) {
	if caps.Resolver == nil {
		return nil, fmt.Errorf("resolve_module: reflection is not available")
	}
	allowed, _ := canReflect(ctx, args, caps)
	if allowed != true {
		return nil, fmt.Errorf("resolve_module: reflection denied at depth %d", caps.ReflectionDepth)
	}
	tmpl := argString(args, "template")
	nested := *caps
	nested.ReflectionDepth = caps.ReflectionDepth + 1
	return caps.Resolver.ResolveNested(ctx, tmpl, &nested)
}
