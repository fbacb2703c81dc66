// Package session provides the per-turn cancellation substrate: a token
// state machine and a process-wide registry of live chat sessions.
package session

import (
	"errors"
	"sync"
	"time"
)

// ErrCancelled is returned by Token.Check once the token is cancelled.
// Only the pipeline orchestrator handles it; everything else propagates.
var ErrCancelled = errors.New("chat session cancelled")

// State is the lifecycle state of a cancellation token.
type State string

const (
	StateCreated   State = "created"
	StateActive    State = "active"
	StateCancelled State = "cancelled"
	StateCompleted State = "completed"
)

// Terminal reports whether the state is absorbing.
func (s State) Terminal() bool {
	return s == StateCancelled || s == StateCompleted
}

// Token is the cancellation token for one chat turn. Cancellation is a
// cooperative signal: callers poll Check (or observe a failed
// EnterOperation) at suspension points; nothing is preempted.
//
// All transitions are guarded by a single mutex so that concurrent
// Cancel/Complete produce a deterministic first-to-acquire winner, and
// terminal states are absorbing.
type Token struct {
	SessionID      string
	ConversationID string
	CreatedAt      time.Time

	mu           sync.Mutex
	state        State
	currentStage int
	activeOps    int
}

// NewToken returns a token in the created state.
func NewToken(sessionID, conversationID string) *Token {
	return &Token{
		SessionID:      sessionID,
		ConversationID: conversationID,
		CreatedAt:      time.Now(),
		state:          StateCreated,
	}
}

// State returns the current lifecycle state.
func (t *Token) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Activate moves created → active. Returns false from any other state.
func (t *Token) Activate() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateCreated {
		return false
	}
	t.state = StateActive
	return true
}

// Cancel moves created|active → cancelled. Idempotent no-op from terminal
// states: cancelling a cancelled token reports true, cancelling a completed
// token reports false.
func (t *Token) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateCreated, StateActive:
		t.state = StateCancelled
		return true
	case StateCancelled:
		return true
	default:
		return false
	}
}

// Complete moves active → completed. A cancelled token stays cancelled.
func (t *Token) Complete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return false
	}
	t.state = StateCompleted
	return true
}

// Check fails with ErrCancelled if the token has been cancelled.
func (t *Token) Check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateCancelled {
		return ErrCancelled
	}
	return nil
}

// Cancelled reports whether the token is in the cancelled state.
func (t *Token) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateCancelled
}

// EnterOperation registers a nested scoped operation. It performs the same
// check as Check, so entering a cancelled token fails.
func (t *Token) EnterOperation() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateCancelled {
		return ErrCancelled
	}
	t.activeOps++
	return nil
}

// ExitOperation releases a scoped operation. Safe to call without a
// matching enter; the counter never goes negative.
func (t *Token) ExitOperation() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.activeOps > 0 {
		t.activeOps--
	}
}

// ActiveOperations returns the scoped-operation count.
func (t *Token) ActiveOperations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeOps
}

// SetStage records the pipeline stage currently holding the token.
func (t *Token) SetStage(stage int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentStage = stage
}

// Stage returns the pipeline stage last recorded on the token.
func (t *Token) Stage() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentStage
}
