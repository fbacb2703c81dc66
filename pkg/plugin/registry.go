// Package plugin holds the capability functions that module scripts can
// call through their context object. The registry is populated once and
// is immutable afterwards.
package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/spindle-ai/spindle/pkg/session"
	"github.com/spindle-ai/spindle/pkg/store"
)

// Func is the plugin calling convention: a bag of named arguments from
// the script plus the capabilities assembled for the current turn.
type Func func(ctx context.Context, args map[string]any, caps *Capabilities) (any, error)

// Resolver lets a plugin re-enter template resolution (reflection).
// Implementations may reject the call per the reflection-safety rules.
type Resolver interface {
	ResolveNested(ctx context.Context, template string, caps *Capabilities) (string, error)
}

// AIClient lets plugins in AI-enabled stages generate text through the
// turn's upstream provider.
type AIClient interface {
	Generate(ctx context.Context, system, message string) (string, error)
}

// Capabilities is the per-turn state threaded into every plugin call.
// Scripts never see this directly; the sandbox injects it.
type Capabilities struct {
	Store          store.Store
	Token          *session.Token
	ConversationID string
	PersonaID      string

	// Reflection safety. Depth counts nested resolver entries; the
	// stack holds module names currently being resolved.
	ReflectionDepth int
	ResolutionStack []string
	Immediate       bool

	Resolver Resolver

	// AI is nil in stages whose filter forbids upstream calls.
	AI AIClient
}

// MaxReflectionDepth caps nested resolver re-entry from plugins.
const MaxReflectionDepth = 3

// Registry maps plugin names to functions. Built-ins are loaded on
// first use; Register rejects duplicates.
type Registry struct {
	mu     sync.Mutex
	funcs  map[string]Func
	loaded bool
}

// NewRegistry returns an empty registry. Built-ins load lazily on the
// first Get or Names call.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds a named plugin. It fails once a name is taken.
func (r *Registry) Register(name string, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("plugin %q already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// Get returns the named plugin, loading built-ins first if needed.
func (r *Registry) Get(name string) (Func, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureBuiltinsLocked()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns all registered plugin names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureBuiltinsLocked()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	return names
}

func (r *Registry) ensureBuiltinsLocked() {
	if r.loaded {
		return
	}
	r.loaded = true
	for name, fn := range builtins() {
		if _, exists := r.funcs[name]; !exists {
			r.funcs[name] = fn
		}
	}
}
