package models

import "time"

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Conversation is an append-only sequence of messages owned by a persona.
// It is created when the first message of a chat turn is persisted.
type Conversation struct {
	ID        string    `json:"id"`
	PersonaID string    `json:"persona_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a single conversation entry. Thinking carries the model's
// reasoning trace when the provider exposes one.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	Thinking       string      `json:"thinking,omitempty"`
	TokensIn       int         `json:"tokens_in,omitempty"`
	TokensOut      int         `json:"tokens_out,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// StateStage identifies which post-response stage produced a state row.
type StateStage string

const (
	StateStage4 StateStage = "stage4"
	StateStage5 StateStage = "stage5"
)

// ConversationState is the durable output bag of one post-response module
// execution. Unique on (conversation, module, stage); the latest execution
// overwrites prior state.
type ConversationState struct {
	ConversationID string         `json:"conversation_id"`
	ModuleID       string         `json:"module_id"`
	Stage          StateStage     `json:"execution_stage"`
	Variables      map[string]any `json:"variables"`
	Metadata       ExecutionMeta  `json:"execution_metadata"`
	ExecutedAt     time.Time      `json:"executed_at"`
}

// ExecutionMeta records how a state-producing script execution went.
type ExecutionMeta struct {
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// ConversationMemory is one compressed summary in a conversation's memory
// log, ordered by a monotone sequence assigned by the store.
type ConversationMemory struct {
	ConversationID       string    `json:"conversation_id"`
	Sequence             int       `json:"memory_sequence"`
	CompressedContent    string    `json:"compressed_content"`
	OriginalMessageRange string    `json:"original_message_range"`
	FirstMessageID       string    `json:"first_message_id"`
	MessageCountAtComp   int       `json:"message_count_at_compression"`
	CreatedAt            time.Time `json:"created_at"`
}
