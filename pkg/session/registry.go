package session

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultMaxActive is the registry cap applied when config leaves it unset.
const DefaultMaxActive = 100

var (
	// ErrSessionExists is returned when registering an id already present.
	ErrSessionExists = errors.New("chat session already registered")

	// ErrRegistryFull is returned when the active-session cap is reached.
	ErrRegistryFull = errors.New("chat session registry is full")
)

// Registry is the process-wide mapping chat-session-id → token. All
// operations are mutually exclusive on the registry; token transitions
// themselves are guarded by the token's own mutex.
type Registry struct {
	mu        sync.Mutex
	tokens    map[string]*Token
	maxActive int
}

// NewRegistry creates a registry with the given cap (<= 0 means
// DefaultMaxActive).
func NewRegistry(maxActive int) *Registry {
	if maxActive <= 0 {
		maxActive = DefaultMaxActive
	}
	return &Registry{
		tokens:    make(map[string]*Token),
		maxActive: maxActive,
	}
}

// Register creates a token for the chat session and activates it. Fails if
// the id is already present or the cap is reached.
func (r *Registry) Register(sessionID, conversationID string) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tokens[sessionID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}
	if len(r.tokens) >= r.maxActive {
		return nil, fmt.Errorf("%w (max %d)", ErrRegistryFull, r.maxActive)
	}

	token := NewToken(sessionID, conversationID)
	token.Activate()
	r.tokens[sessionID] = token
	return token, nil
}

// Get returns the token for a chat session, or nil if unknown.
func (r *Registry) Get(sessionID string) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens[sessionID]
}

// Cancel cancels the token for a chat session. Returns false if the id is
// unknown or the token had already completed.
func (r *Registry) Cancel(sessionID string) bool {
	r.mu.Lock()
	token := r.tokens[sessionID]
	r.mu.Unlock()
	if token == nil {
		return false
	}
	return token.Cancel()
}

// Complete marks the token for a chat session completed.
func (r *Registry) Complete(sessionID string) bool {
	r.mu.Lock()
	token := r.tokens[sessionID]
	r.mu.Unlock()
	if token == nil {
		return false
	}
	return token.Complete()
}

// Remove drops the token for a chat session.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, sessionID)
}

// CleanupFinished sweeps tokens in terminal states and returns how many
// were removed.
func (r *Registry) CleanupFinished() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, token := range r.tokens {
		if token.State().Terminal() {
			delete(r.tokens, id)
			removed++
		}
	}
	return removed
}

// CancelAll cancels every live token. Used at shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	tokens := make([]*Token, 0, len(r.tokens))
	for _, token := range r.tokens {
		tokens = append(tokens, token)
	}
	r.mu.Unlock()

	for _, token := range tokens {
		token.Cancel()
	}
}

// Active returns the number of registered tokens (terminal ones included
// until swept).
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}
