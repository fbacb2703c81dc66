// Package pg implements the store interfaces over PostgreSQL using the
// pgx driver through database/sql.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spindle-ai/spindle/pkg/models"
	"github.com/spindle-ai/spindle/pkg/store"
)

// queryTimeout bounds individual store queries, mirroring the per-call
// timeouts used by the service layer.
const queryTimeout = 5 * time.Second

// Store is the PostgreSQL-backed store.
type Store struct {
	db *sql.DB
}

// New creates a Store over an existing connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, queryTimeout)
}

// GetPersona implements store.PersonaStore.
func (s *Store) GetPersona(ctx context.Context, id string) (*models.Persona, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var p models.Persona
	err := s.db.QueryRowContext(ctx,
		`SELECT persona_id, name, template, active, created_at
		 FROM personas WHERE persona_id = $1 AND active`, id).
		Scan(&p.ID, &p.Name, &p.Template, &p.Active, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("persona %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get persona: %w", err)
	}
	return &p, nil
}

// GetModulesByNames implements store.ModuleStore.
func (s *Store) GetModulesByNames(ctx context.Context, personaID string, names []string) ([]*models.Module, error) {
	if len(names) == 0 {
		return nil, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT module_id, name, kind, execution_context, requires_ai,
		        trigger_pattern, content, script, active, persona_id,
		        created_at, updated_at
		 FROM modules
		 WHERE persona_id = $1 AND active AND name = ANY($2)
		 ORDER BY name`, personaID, names)
	if err != nil {
		return nil, fmt.Errorf("failed to query modules: %w", err)
	}
	defer rows.Close()

	var result []*models.Module
	for rows.Next() {
		var m models.Module
		if err := rows.Scan(&m.ID, &m.Name, &m.Kind, &m.Context, &m.RequiresAI,
			&m.TriggerPattern, &m.Content, &m.Script, &m.Active, &m.PersonaID,
			&m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan module: %w", err)
		}
		result = append(result, &m)
	}
	return result, rows.Err()
}

// CreateConversation implements store.ConversationStore.
func (s *Store) CreateConversation(ctx context.Context, personaID string) (*models.Conversation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	conv := &models.Conversation{
		ID:        uuid.New().String(),
		PersonaID: personaID,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	var pid any
	if personaID != "" {
		pid = personaID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, persona_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4)`,
		conv.ID, pid, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation implements store.ConversationStore.
func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var conv models.Conversation
	var personaID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, persona_id, created_at, updated_at
		 FROM conversations WHERE conversation_id = $1`, id).
		Scan(&conv.ID, &personaID, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	conv.PersonaID = personaID.String
	return &conv, nil
}

// AppendMessage implements store.ConversationStore.
func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, conversation_id, role, content, thinking,
		                       tokens_in, tokens_out, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		stored.ID, stored.ConversationID, stored.Role, stored.Content,
		stored.Thinking, stored.TokensIn, stored.TokensOut, stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = $2 WHERE conversation_id = $1`,
		stored.ConversationID, stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to touch conversation: %w", err)
	}
	return &stored, nil
}

// GetMessages implements store.ConversationStore.
func (s *Store) GetMessages(ctx context.Context, conversationID string, offset, limit int) ([]*models.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT message_id, conversation_id, role, content, thinking,
	                 tokens_in, tokens_out, created_at
	          FROM messages WHERE conversation_id = $1
	          ORDER BY created_at, message_id OFFSET $2`
	args := []any{conversationID, offset}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var result []*models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&m.Thinking, &m.TokensIn, &m.TokensOut, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		result = append(result, &m)
	}
	return result, rows.Err()
}

// GetLatestState implements store.StateStore.
func (s *Store) GetLatestState(ctx context.Context, conversationID, moduleID string) (*models.ConversationState, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var st models.ConversationState
	var variables, metadata []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, module_id, execution_stage, variables,
		        execution_metadata, executed_at
		 FROM conversation_states
		 WHERE conversation_id = $1 AND module_id = $2
		 ORDER BY executed_at DESC LIMIT 1`, conversationID, moduleID).
		Scan(&st.ConversationID, &st.ModuleID, &st.Stage, &variables,
			&metadata, &st.ExecutedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // no prior state, not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest state: %w", err)
	}

	if err := json.Unmarshal(variables, &st.Variables); err != nil {
		return nil, fmt.Errorf("failed to decode state variables: %w", err)
	}
	if err := json.Unmarshal(metadata, &st.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode state metadata: %w", err)
	}
	return &st, nil
}

// UpsertState implements store.StateStore.
func (s *Store) UpsertState(ctx context.Context, state *models.ConversationState) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	variables, err := json.Marshal(state.Variables)
	if err != nil {
		return fmt.Errorf("failed to encode state variables: %w", err)
	}
	metadata, err := json.Marshal(state.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode state metadata: %w", err)
	}

	executedAt := state.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_states
		   (conversation_id, module_id, execution_stage, variables, execution_metadata, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (conversation_id, module_id, execution_stage)
		 DO UPDATE SET variables = EXCLUDED.variables,
		               execution_metadata = EXCLUDED.execution_metadata,
		               executed_at = EXCLUDED.executed_at`,
		state.ConversationID, state.ModuleID, state.Stage, variables, metadata, executedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert state: %w", err)
	}
	return nil
}

// AppendMemory implements store.MemoryStore. The sequence is assigned in
// the insert itself so concurrent appends cannot collide.
func (s *Store) AppendMemory(ctx context.Context, mem *models.ConversationMemory) (*models.ConversationMemory, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stored := *mem
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO conversation_memories
		   (conversation_id, memory_sequence, compressed_content,
		    original_message_range, first_message_id, message_count_at_compression, created_at)
		 SELECT $1, COALESCE(MAX(memory_sequence), 0) + 1, $2, $3, $4, $5, $6
		 FROM conversation_memories WHERE conversation_id = $1
		 RETURNING memory_sequence`,
		stored.ConversationID, stored.CompressedContent, stored.OriginalMessageRange,
		stored.FirstMessageID, stored.MessageCountAtComp, stored.CreatedAt).
		Scan(&stored.Sequence)
	if err != nil {
		return nil, fmt.Errorf("failed to append memory: %w", err)
	}
	return &stored, nil
}

// RecentMemories implements store.MemoryStore.
func (s *Store) RecentMemories(ctx context.Context, conversationID string, limit int) ([]*models.ConversationMemory, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, memory_sequence, compressed_content,
		        original_message_range, first_message_id,
		        message_count_at_compression, created_at
		 FROM conversation_memories
		 WHERE conversation_id = $1
		 ORDER BY memory_sequence DESC LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	var result []*models.ConversationMemory
	for rows.Next() {
		var m models.ConversationMemory
		if err := rows.Scan(&m.ConversationID, &m.Sequence, &m.CompressedContent,
			&m.OriginalMessageRange, &m.FirstMessageID, &m.MessageCountAtComp,
			&m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		result = append(result, &m)
	}
	return result, rows.Err()
}

// ClearMemories implements store.MemoryStore.
func (s *Store) ClearMemories(ctx context.Context, conversationID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_memories WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return fmt.Errorf("failed to clear memories: %w", err)
	}
	return nil
}
