package pipeline

import (
	"sync"
	"time"
)

// PromptState captures how a turn's system prompt was assembled. Purely
// observational; it never feeds back into resolution.
type PromptState struct {
	ConversationID     string                    `json:"conversation_id"`
	OriginalTemplate   string                    `json:"original_template"`
	Stage1Resolved     string                    `json:"stage1_resolved"`
	Stage2Resolved     string                    `json:"stage2_resolved"`
	MainResponsePrompt string                    `json:"main_response_prompt"`
	Stage4Variables    map[string]map[string]any `json:"stage4_variables,omitempty"`
	Stage5Variables    map[string]map[string]any `json:"stage5_variables,omitempty"`
	ResolvedModules    []string                  `json:"resolved_modules"`
	StagesExecuted     []string                  `json:"stages_executed"`
	StageTimingsMS     map[string]int64          `json:"stage_timings_ms"`
	Warnings           []Warning                 `json:"warnings"`
	CapturedAt         time.Time                 `json:"captured_at"`
}

// PromptStateTracker keeps the latest prompt state per conversation for
// the debug endpoint.
type PromptStateTracker struct {
	mu     sync.RWMutex
	states map[string]*PromptState
}

// NewPromptStateTracker returns an empty tracker.
func NewPromptStateTracker() *PromptStateTracker {
	return &PromptStateTracker{states: make(map[string]*PromptState)}
}

// Put stores the turn's prompt state, replacing any previous one.
func (t *PromptStateTracker) Put(state *PromptState) {
	if state == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	state.CapturedAt = time.Now()
	t.states[state.ConversationID] = state
}

// Get returns the latest prompt state for a conversation, or nil.
func (t *PromptStateTracker) Get(conversationID string) *PromptState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.states[conversationID]
}
