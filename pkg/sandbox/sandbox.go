// Package sandbox executes module scripts in a restricted Starlark
// environment with a capability-injected context object.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/spindle-ai/spindle/pkg/session"
)

// DefaultDeadline is the per-execution soft wall-clock limit.
const DefaultDeadline = 30 * time.Second

// ScriptError wraps a script failure. The resolver reports it as a
// warning and leaves the module reference unsubstituted.
type ScriptError struct {
	Err error
}

func (e *ScriptError) Error() string { return fmt.Sprintf("script execution failed: %v", e.Err) }
func (e *ScriptError) Unwrap() error { return e.Err }

// Sandbox runs scripts with a fixed builtin set and an allow-listed
// module table (math, json, time, re, uuid, random).
type Sandbox struct {
	Deadline time.Duration
	logger   *slog.Logger
}

// New creates a sandbox with the default deadline.
func New(logger *slog.Logger) *Sandbox {
	return &Sandbox{
		Deadline: DefaultDeadline,
		logger:   logger.With("component", "sandbox"),
	}
}

// scriptOptions enables the imperative dialect scripts are written in.
var scriptOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Execute runs a script and returns its output variable bag: every
// top-level name that is not underscore-prefixed, not callable, and not
// a module. Cancellation of the turn token or the context interrupts
// the script at its next instruction.
func (s *Sandbox) Execute(ctx context.Context, script string, sctx *Context) (map[string]any, error) {
	thread := &starlark.Thread{
		Name: "module-script",
		Print: func(_ *starlark.Thread, msg string) {
			s.logger.Debug("script print", "msg", msg)
		},
	}

	sctx.GoCtx = ctx

	// Interrupt on deadline, context cancellation, or turn cancellation.
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	timer := time.AfterFunc(s.Deadline, func() { thread.Cancel("deadline exceeded") })
	defer timer.Stop()
	go func() {
		<-watchCtx.Done()
		if ctx.Err() != nil {
			thread.Cancel("context cancelled")
		}
	}()

	start := time.Now()
	globals, err := starlark.ExecFileOptions(scriptOptions, thread, "script.star", script, s.predeclared(sctx))
	elapsed := time.Since(start)

	if err != nil {
		if sctx.Caps != nil && sctx.Caps.Token != nil && sctx.Caps.Token.Cancelled() {
			return nil, session.ErrCancelled
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return nil, &ScriptError{Err: fmt.Errorf("%s", evalErr.Backtrace())}
		}
		return nil, &ScriptError{Err: err}
	}

	if elapsed > s.Deadline {
		return nil, &ScriptError{Err: fmt.Errorf("exceeded deadline of %s (ran %s)", s.Deadline, elapsed.Round(time.Millisecond))}
	}

	return extractOutputs(globals), nil
}

func (s *Sandbox) predeclared(sctx *Context) starlark.StringDict {
	return starlark.StringDict{
		"ctx":    sctx,
		"math":   starlarkmath.Module,
		"json":   json.Module,
		"time":   starlarktime.Module,
		"re":     reModule,
		"uuid":   uuidModule,
		"random": randomModule,
	}
}

// extractOutputs filters the post-execution globals down to the output
// variable bag.
func extractOutputs(globals starlark.StringDict) map[string]any {
	out := make(map[string]any)
	for name, value := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, isCallable := value.(starlark.Callable); isCallable {
			continue
		}
		if _, isModule := value.(*starlarkstruct.Module); isModule {
			continue
		}
		out[name] = fromStarlark(value)
	}
	return out
}
