// Package memstore is the in-memory store implementation. It backs the
// pipeline tests and the server's --ephemeral mode, where no PostgreSQL
// instance is available and durability is not required.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spindle-ai/spindle/pkg/models"
	"github.com/spindle-ai/spindle/pkg/store"
)

type stateKey struct {
	conversationID string
	moduleID       string
	stage          models.StateStage
}

// Store is a mutex-guarded in-memory implementation of store.Store.
type Store struct {
	mu            sync.RWMutex
	personas      map[string]*models.Persona
	modules       map[string]*models.Module // by id
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message // by conversation id, append order
	states        map[stateKey]*models.ConversationState
	memories      map[string][]*models.ConversationMemory // by conversation id, sequence order
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		personas:      make(map[string]*models.Persona),
		modules:       make(map[string]*models.Module),
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
		states:        make(map[stateKey]*models.ConversationState),
		memories:      make(map[string][]*models.ConversationMemory),
	}
}

// PutPersona inserts or replaces a persona. Seeding helper for tests and
// ephemeral mode.
func (s *Store) PutPersona(p *models.Persona) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.personas[p.ID] = p
}

// PutModule inserts or replaces a module. Assigns an id when empty.
func (s *Store) PutModule(m *models.Module) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	s.modules[m.ID] = m
}

// GetPersona implements store.PersonaStore.
func (s *Store) GetPersona(_ context.Context, id string) (*models.Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.personas[id]
	if !ok || !p.Active {
		return nil, fmt.Errorf("persona %s: %w", id, store.ErrNotFound)
	}
	return p, nil
}

// GetModulesByNames implements store.ModuleStore.
func (s *Store) GetModulesByNames(_ context.Context, personaID string, names []string) ([]*models.Module, error) {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Module
	for _, m := range s.modules {
		if m.Active && m.PersonaID == personaID && wanted[m.Name] {
			result = append(result, m)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// CreateConversation implements store.ConversationStore.
func (s *Store) CreateConversation(_ context.Context, personaID string) (*models.Conversation, error) {
	conv := &models.Conversation{
		ID:        uuid.New().String(),
		PersonaID: personaID,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
	return conv, nil
}

// ConversationIDs lists every conversation id. Inspection helper for
// tests and ephemeral mode.
func (s *Store) ConversationIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetConversation implements store.ConversationStore.
func (s *Store) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	return conv, nil
}

// AppendMessage implements store.ConversationStore.
func (s *Store) AppendMessage(_ context.Context, msg *models.Message) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return nil, fmt.Errorf("conversation %s: %w", msg.ConversationID, store.ErrNotFound)
	}
	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &stored)
	s.conversations[msg.ConversationID].UpdatedAt = stored.CreatedAt
	return &stored, nil
}

// GetMessages implements store.ConversationStore.
func (s *Store) GetMessages(_ context.Context, conversationID string, offset, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	if offset >= len(msgs) {
		return nil, nil
	}
	msgs = msgs[offset:]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out := make([]*models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// GetLatestState implements store.StateStore.
func (s *Store) GetLatestState(_ context.Context, conversationID, moduleID string) (*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.ConversationState
	for _, stage := range []models.StateStage{models.StateStage4, models.StateStage5} {
		if st, ok := s.states[stateKey{conversationID, moduleID, stage}]; ok {
			if latest == nil || st.ExecutedAt.After(latest.ExecutedAt) {
				latest = st
			}
		}
	}
	return latest, nil
}

// UpsertState implements store.StateStore.
func (s *Store) UpsertState(_ context.Context, state *models.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *state
	if stored.ExecutedAt.IsZero() {
		stored.ExecutedAt = time.Now()
	}
	s.states[stateKey{state.ConversationID, state.ModuleID, state.Stage}] = &stored
	return nil
}

// AppendMemory implements store.MemoryStore.
func (s *Store) AppendMemory(_ context.Context, mem *models.ConversationMemory) (*models.ConversationMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *mem
	stored.Sequence = len(s.memories[mem.ConversationID]) + 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.memories[mem.ConversationID] = append(s.memories[mem.ConversationID], &stored)
	return &stored, nil
}

// RecentMemories implements store.MemoryStore.
func (s *Store) RecentMemories(_ context.Context, conversationID string, limit int) ([]*models.ConversationMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mems := s.memories[conversationID]
	out := make([]*models.ConversationMemory, 0, len(mems))
	for i := len(mems) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, mems[i])
	}
	return out, nil
}

// ClearMemories implements store.MemoryStore.
func (s *Store) ClearMemories(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memories, conversationID)
	return nil
}
