// Package models contains the business domain types shared across the
// pipeline, store, and API layers.
package models

import (
	"regexp"
	"time"
)

// ModuleKind distinguishes plain text modules from scripted ones.
type ModuleKind string

const (
	ModuleKindSimple   ModuleKind = "simple"
	ModuleKindAdvanced ModuleKind = "advanced"
)

// ExecutionContext determines which side of the main LLM call a module runs on.
type ExecutionContext string

const (
	ContextImmediate    ExecutionContext = "immediate"
	ContextPostResponse ExecutionContext = "post_response"
)

// ModuleNamePattern is the contract enforced on module names at CRUD time.
// The pipeline relies on it: template references are extracted with the
// same character class.
var ModuleNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,49}$`)

// Module is the unit of prompt composition. Simple modules carry template
// text only; advanced modules additionally carry a script and may require
// AI. Modules are read-only inside the pipeline; mutation happens through
// the CRUD surface, which enforces the name contract and the kind invariant
// (simple modules carry no script and no AI flag).
type Module struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Kind           ModuleKind       `json:"kind"`
	Context        ExecutionContext `json:"execution_context"`
	RequiresAI     bool             `json:"requires_ai"`
	TriggerPattern string           `json:"trigger_pattern,omitempty"`
	Content        string           `json:"content"`
	Script         string           `json:"script,omitempty"`
	Active         bool             `json:"active"`
	PersonaID      string           `json:"persona_id"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Persona is a system-prompt template owning a conversation. Its template
// references modules by `@name`.
type Persona struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Template  string    `json:"template"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
