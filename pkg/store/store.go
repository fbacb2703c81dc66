// Package store defines the durable state interfaces consumed by the
// pipeline: personas and modules (read-only here), conversations and
// messages, per-module post-response state bags, and long-term memory.
//
// The pipeline never inspects a store's physical representation.
// Uniqueness of (conversation, module, stage) state rows is a store-level
// invariant.
package store

import (
	"context"
	"errors"

	"github.com/spindle-ai/spindle/pkg/models"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("entity not found")

// PersonaStore resolves personas for the pipeline.
type PersonaStore interface {
	// GetPersona returns an active persona by id.
	GetPersona(ctx context.Context, id string) (*models.Persona, error)
}

// ModuleStore resolves the modules reachable from a persona template.
type ModuleStore interface {
	// GetModulesByNames returns the active modules of a persona matching
	// the given names. Missing names are simply absent from the result.
	GetModulesByNames(ctx context.Context, personaID string, names []string) ([]*models.Module, error)
}

// ConversationStore persists conversations and their messages.
type ConversationStore interface {
	// CreateConversation creates a conversation owned by a persona and
	// returns it. personaID may be empty for persona-less turns.
	CreateConversation(ctx context.Context, personaID string) (*models.Conversation, error)

	// GetConversation returns a conversation by id.
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)

	// AppendMessage appends a message and returns it with its id assigned.
	AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error)

	// GetMessages returns messages in append order, offset/limit paged.
	// limit <= 0 means no limit.
	GetMessages(ctx context.Context, conversationID string, offset, limit int) ([]*models.Message, error)
}

// StateStore persists post-response module output bags.
type StateStore interface {
	// GetLatestState returns the most recently executed state row for
	// (conversation, module) across both post-response stages, or nil
	// when no prior state exists.
	GetLatestState(ctx context.Context, conversationID, moduleID string) (*models.ConversationState, error)

	// UpsertState writes the state row for (conversation, module, stage),
	// overwriting any prior execution.
	UpsertState(ctx context.Context, state *models.ConversationState) error
}

// MemoryStore persists the compressed-summary log of a conversation.
type MemoryStore interface {
	// AppendMemory appends a memory with the next monotone sequence.
	AppendMemory(ctx context.Context, mem *models.ConversationMemory) (*models.ConversationMemory, error)

	// RecentMemories returns up to limit memories, newest first.
	RecentMemories(ctx context.Context, conversationID string, limit int) ([]*models.ConversationMemory, error)

	// ClearMemories deletes all memories for a conversation.
	ClearMemories(ctx context.Context, conversationID string) error
}

// Store is the full surface the orchestrator and plugins operate on.
type Store interface {
	PersonaStore
	ModuleStore
	ConversationStore
	StateStore
	MemoryStore
}
