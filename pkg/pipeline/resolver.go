package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/spindle-ai/spindle/pkg/models"
	"github.com/spindle-ai/spindle/pkg/plugin"
	"github.com/spindle-ai/spindle/pkg/provider"
	"github.com/spindle-ai/spindle/pkg/sandbox"
	"github.com/spindle-ai/spindle/pkg/session"
	"github.com/spindle-ai/spindle/pkg/store"
	"github.com/spindle-ai/spindle/pkg/template"
)

// Resolver executes the module-resolution stages against a persona
// template. One Resolver is shared across turns; per-run state lives in
// the resolution struct.
type Resolver struct {
	store   store.Store
	sandbox *sandbox.Sandbox
	plugins *plugin.Registry
	logger  *slog.Logger
}

// NewResolver wires the resolver's collaborators.
func NewResolver(st store.Store, sb *sandbox.Sandbox, plugins *plugin.Registry, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:   st,
		sandbox: sb,
		plugins: plugins,
		logger:  logger.With("component", "resolver"),
	}
}

// StageInput carries everything one stage run needs.
type StageInput struct {
	Template       string
	PersonaID      string
	ConversationID string
	Trigger        TriggerContext
	Token          *session.Token
	AI             plugin.AIClient
	Settings       provider.Settings

	// Set only on nested entries from the resolve_module plugin: the
	// caller's depth and resolution stack carry over so the reflection
	// guards hold across entries.
	ReflectionDepth int
	ResolutionStack []string
}

// StageResult is the outcome of one immediate-stage run.
type StageResult struct {
	Output        string
	Warnings      []Warning
	ResolvedNames []string
	Duration      time.Duration
}

// ModuleOutcome is the per-module result of a post-response stage.
type ModuleOutcome struct {
	Module    *models.Module
	Variables map[string]any
	Err       error
	Duration  time.Duration
}

// resolution is the state threaded through one stage run: the warning
// list, the resolution stack, and the set of names already resolved.
// Module content can reference modules the top-level template never
// names, so lookups happen lazily as references are discovered.
type resolution struct {
	stage    Stage
	input    StageInput
	known    map[string]*models.Module
	eligible map[string]bool
	fetched  map[string]bool
	stack    []string
	resolved map[string]bool
	warned   map[string]bool
	warnings []Warning
}

func (rs *resolution) warn(module string, typ WarningType, msg string) {
	key := module + "/" + string(typ)
	if rs.warned[key] {
		return
	}
	rs.warned[key] = true
	rs.warnings = append(rs.warnings, Warning{Module: module, Type: typ, Message: msg})
}

// selectModules loads the active persona modules referenced by name and
// admitted by the stage filter.
func (r *Resolver) selectModules(ctx context.Context, stage Stage, personaID string, names []string) (map[string]*models.Module, error) {
	if len(names) == 0 {
		return map[string]*models.Module{}, nil
	}
	mods, err := r.store.GetModulesByNames(ctx, personaID, names)
	if err != nil {
		return nil, fmt.Errorf("failed to select modules: %w", err)
	}
	selected := make(map[string]*models.Module, len(mods))
	for _, m := range mods {
		if stage.selects(m) {
			selected[m.Name] = m
		}
	}
	return selected, nil
}

// loadModules fetches any names not looked up yet and records which of
// them the current stage admits.
func (r *Resolver) loadModules(ctx context.Context, rs *resolution, names []string) error {
	missing := make([]string, 0, len(names))
	for _, name := range names {
		if !rs.fetched[name] {
			rs.fetched[name] = true
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	mods, err := r.store.GetModulesByNames(ctx, rs.input.PersonaID, missing)
	if err != nil {
		return fmt.Errorf("failed to load modules: %w", err)
	}
	for _, m := range mods {
		rs.known[m.Name] = m
		if rs.stage.selects(m) {
			rs.eligible[m.Name] = true
		}
	}
	return nil
}

// RunStage resolves every eligible @name reference in the template for
// one immediate stage. Escapes are rewritten on exit only when
// unescape is set, so a later stage can run over the same string first.
func (r *Resolver) RunStage(ctx context.Context, stage Stage, in StageInput, unescape bool) (*StageResult, error) {
	start := time.Now()

	if err := checkToken(in.Token); err != nil {
		return nil, err
	}
	if !stage.allowsAI() {
		in.AI = nil
	}

	rs := &resolution{
		stage:    stage,
		input:    in,
		known:    make(map[string]*models.Module),
		eligible: make(map[string]bool),
		fetched:  make(map[string]bool),
		resolved: make(map[string]bool),
		warned:   make(map[string]bool),
		stack:    slices.Clone(in.ResolutionStack),
	}

	out, err := r.resolveIn(ctx, rs, in.Template, 0)
	if err != nil {
		return nil, err
	}
	if unescape {
		out = template.Unescape(out)
	}

	resolvedNames := make([]string, 0, len(rs.resolved))
	for name := range rs.resolved {
		resolvedNames = append(resolvedNames, name)
	}
	slices.Sort(resolvedNames)

	return &StageResult{
		Output:        out,
		Warnings:      rs.warnings,
		ResolvedNames: resolvedNames,
		Duration:      time.Since(start),
	}, nil
}

// resolveIn splices resolved module content into the template. Circular
// references and depth overruns degrade to warnings.
func (r *Resolver) resolveIn(ctx context.Context, rs *resolution, tmpl string, depth int) (string, error) {
	if depth > maxResolutionDepth {
		rs.warn("", WarnMaxDepthExceeded, fmt.Sprintf("resolution depth exceeded %d", maxResolutionDepth))
		return tmpl, nil
	}

	names := template.ExtractModuleRefs(tmpl)
	if err := r.loadModules(ctx, rs, names); err != nil {
		return tmpl, err
	}

	for _, name := range names {
		if err := checkToken(rs.input.Token); err != nil {
			return tmpl, err
		}

		mod, ok := rs.known[name]
		if !ok {
			rs.warn(name, WarnModuleNotFound, fmt.Sprintf("no active module named %q", name))
			continue
		}
		if !rs.eligible[name] {
			// Exists but belongs to another stage; leave the reference
			// for that stage's pass.
			continue
		}
		if slices.Contains(rs.stack, name) {
			rs.warn(name, WarnCircular, fmt.Sprintf("module %q is already being resolved", name))
			continue
		}

		rs.stack = append(rs.stack, name)
		content, substitute, err := r.processModule(ctx, rs, mod, depth)
		rs.stack = rs.stack[:len(rs.stack)-1]
		if err != nil {
			return tmpl, err
		}

		rs.resolved[name] = true
		if substitute {
			tmpl = template.SubstituteModule(tmpl, name, content)
		}
	}
	return tmpl, nil
}

// processModule produces the replacement text for one module reference.
// The second return reports whether the @name should be substituted at
// all; script failures leave it in place.
func (r *Resolver) processModule(ctx context.Context, rs *resolution, mod *models.Module, depth int) (string, bool, error) {
	switch {
	case mod.Kind == models.ModuleKindSimple:
		// Simple content may itself reference modules of the same stage.
		content, err := r.resolveIn(ctx, rs, mod.Content, depth+1)
		return content, err == nil, err

	case mod.Context == models.ContextPostResponse && rs.stage == Stage1:
		// Inject prior-turn state; the script runs post-response only.
		state, err := r.store.GetLatestState(ctx, rs.input.ConversationID, mod.ID)
		if err != nil {
			rs.warn(mod.Name, WarnProcessingError, err.Error())
			return "", false, nil
		}
		vars := map[string]any{}
		if state != nil {
			vars = state.Variables
		}
		return template.SubstituteVars(mod.Content, vars), true, nil

	case mod.Context == models.ContextPostResponse:
		// Post-response scripts never run in immediate stages.
		return "", false, nil

	default:
		if mod.TriggerPattern != "" && !matchesTrigger(mod.TriggerPattern, rs.input.Trigger) {
			return mod.Content, true, nil
		}
		outputs, err := r.runScript(ctx, rs.input, mod, rs.stack)
		if err != nil {
			if errors.Is(err, session.ErrCancelled) || errors.Is(err, context.Canceled) {
				return "", false, err
			}
			r.logger.Warn("module script failed", "module", mod.Name, "error", err)
			rs.warn(mod.Name, WarnScriptFailed, err.Error())
			return "", false, nil
		}
		return template.SubstituteVars(mod.Content, outputs), true, nil
	}
}

// runScript executes a module's script in the sandbox with the turn's
// capabilities and returns its output variable bag.
func (r *Resolver) runScript(ctx context.Context, in StageInput, mod *models.Module, stack []string) (map[string]any, error) {
	caps := &plugin.Capabilities{
		Store:           r.store,
		Token:           in.Token,
		ConversationID:  in.ConversationID,
		PersonaID:       in.PersonaID,
		ReflectionDepth: in.ReflectionDepth,
		ResolutionStack: slices.Clone(stack),
		Immediate:       mod.Context == models.ContextImmediate,
		Resolver:        r,
		AI:              in.AI,
	}
	sctx := &sandbox.Context{
		ConversationID:   in.ConversationID,
		PersonaID:        in.PersonaID,
		ProviderSettings: providerSettingsMap(in.Settings),
		Vars:             map[string]any{},
		Plugins:          r.plugins,
		Caps:             caps,
	}
	outputs, err := r.sandbox.Execute(ctx, mod.Script, sctx)
	if err != nil {
		return nil, err
	}
	// set_var writes win over plain top-level assignments.
	for k, v := range sctx.Vars {
		outputs[k] = v
	}
	return outputs, nil
}

// ResolveNested implements plugin.Resolver: it re-runs the immediate
// stages over a sub-template on behalf of a script. The caller's depth
// and stack are threaded through so can_reflect sees the true nesting
// and re-entering a module mid-resolution degrades to a circular
// warning. Nested warnings are logged, not propagated; the outer turn
// keeps its own warning list.
func (r *Resolver) ResolveNested(ctx context.Context, tmpl string, caps *plugin.Capabilities) (string, error) {
	in := StageInput{
		Template:        tmpl,
		PersonaID:       caps.PersonaID,
		ConversationID:  caps.ConversationID,
		Token:           caps.Token,
		AI:              caps.AI,
		ReflectionDepth: caps.ReflectionDepth,
		ResolutionStack: caps.ResolutionStack,
	}

	first, err := r.RunStage(ctx, Stage1, in, false)
	if err != nil {
		return "", err
	}
	in.Template = first.Output
	second, err := r.RunStage(ctx, Stage2, in, true)
	if err != nil {
		return "", err
	}

	for _, w := range append(first.Warnings, second.Warnings...) {
		r.logger.Warn("nested resolution warning",
			"module", w.Module, "type", string(w.Type), "message", w.Message,
			"depth", caps.ReflectionDepth)
	}
	return second.Output, nil
}

// collectRefs gathers @name references transitively: names in the
// template itself plus names inside simple module content, so a
// post-response module referenced only through a simple wrapper still
// runs. Traversal is bounded the same way resolution is.
func (r *Resolver) collectRefs(ctx context.Context, personaID, tmpl string) ([]string, error) {
	seen := make(map[string]bool)
	var all []string
	queue := template.ExtractModuleRefs(tmpl)

	for depth := 0; len(queue) > 0 && depth <= maxResolutionDepth; depth++ {
		fresh := make([]string, 0, len(queue))
		for _, name := range queue {
			if !seen[name] {
				seen[name] = true
				all = append(all, name)
				fresh = append(fresh, name)
			}
		}
		if len(fresh) == 0 {
			break
		}
		mods, err := r.store.GetModulesByNames(ctx, personaID, fresh)
		if err != nil {
			return nil, fmt.Errorf("failed to collect module references: %w", err)
		}
		queue = queue[:0]
		for _, m := range mods {
			if m.Kind == models.ModuleKindSimple {
				queue = append(queue, template.ExtractModuleRefs(m.Content)...)
			}
		}
	}
	return all, nil
}

// RunPostResponse executes one post-response stage. Each successful
// module's output bag is upserted under (conversation, module, stage);
// failures roll back that module's state only and are logged.
func (r *Resolver) RunPostResponse(ctx context.Context, stage Stage, in StageInput) ([]ModuleOutcome, []Warning, error) {
	if !stage.allowsAI() {
		in.AI = nil
	}
	names, err := r.collectRefs(ctx, in.PersonaID, in.Template)
	if err != nil {
		return nil, nil, err
	}
	modules, err := r.selectModules(ctx, stage, in.PersonaID, names)
	if err != nil {
		return nil, nil, err
	}

	// Deterministic order: name ascending.
	ordered := make([]*models.Module, 0, len(modules))
	for _, m := range modules {
		ordered = append(ordered, m)
	}
	slices.SortFunc(ordered, func(a, b *models.Module) int {
		if a.Name < b.Name {
			return -1
		}
		return 1
	})

	var warnings []Warning
	var outcomes []ModuleOutcome
	for _, mod := range ordered {
		if err := checkToken(in.Token); err != nil {
			// Already-completed modules keep their persisted state.
			return outcomes, warnings, err
		}
		if mod.TriggerPattern != "" && !matchesTrigger(mod.TriggerPattern, in.Trigger) {
			continue
		}

		start := time.Now()
		outputs, err := r.runScript(ctx, in, mod, in.ResolutionStack)
		outcome := ModuleOutcome{Module: mod, Variables: outputs, Err: err, Duration: time.Since(start)}

		if err != nil {
			if errors.Is(err, session.ErrCancelled) || errors.Is(err, context.Canceled) {
				return outcomes, warnings, err
			}
			r.logger.Warn("post-response module failed",
				"module", mod.Name, "stage", stage.String(), "error", err)
			warnings = append(warnings, Warning{Module: mod.Name, Type: WarnScriptFailed, Message: err.Error()})
			outcomes = append(outcomes, outcome)
			continue
		}

		state := &models.ConversationState{
			ConversationID: in.ConversationID,
			ModuleID:       mod.ID,
			Stage:          stage.stateStage(),
			Variables:      outputs,
			Metadata: models.ExecutionMeta{
				Success:    true,
				DurationMS: outcome.Duration.Milliseconds(),
			},
			ExecutedAt: time.Now(),
		}
		if err := r.store.UpsertState(ctx, state); err != nil {
			r.logger.Error("failed to persist module state",
				"module", mod.Name, "stage", stage.String(), "error", err)
			outcome.Err = err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, warnings, nil
}

func checkToken(token *session.Token) error {
	if token == nil {
		return nil
	}
	return token.Check()
}

func providerSettingsMap(s provider.Settings) map[string]any {
	return map[string]any{
		"base_url":         s.BaseURL,
		"model":            s.Model,
		"organization":     s.Organization,
		"project":          s.Project,
		"reasoning_mode":   s.ReasoningMode,
		"reasoning_effort": s.ReasoningEffort,
	}
}
