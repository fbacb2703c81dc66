package pipeline

import (
	"github.com/spindle-ai/spindle/pkg/models"
)

// Stage identifies one of the pipeline's module-executing stages.
// Stage 3 is the upstream LLM call and runs no modules.
type Stage int

const (
	Stage1 Stage = 1 // static text, cheap scripts, prior-turn state
	Stage2 Stage = 2 // pre-response AI enrichment
	Stage4 Stage = 4 // post-response bookkeeping
	Stage5 Stage = 5 // post-response reflection
)

// maxResolutionDepth bounds nested @name descent during resolution.
const maxResolutionDepth = 10

// stateStage maps a post-response stage to its persistence label.
func (s Stage) stateStage() models.StateStage {
	if s == Stage5 {
		return models.StateStage5
	}
	return models.StateStage4
}

// allowsAI reports whether modules in this stage may call the upstream.
func (s Stage) allowsAI() bool {
	return s == Stage2 || s == Stage5
}

// selects reports whether the stage's filter admits the module.
// Stage 1 additionally admits post-response modules so their stored
// state can be injected into the prompt; their scripts do not run there.
func (s Stage) selects(m *models.Module) bool {
	if !m.Active {
		return false
	}
	switch s {
	case Stage1:
		if m.Kind == models.ModuleKindSimple {
			return true
		}
		if m.Context == models.ContextPostResponse {
			return true
		}
		return m.Context == models.ContextImmediate && !m.RequiresAI
	case Stage2:
		return m.Kind == models.ModuleKindAdvanced &&
			m.Context == models.ContextImmediate && m.RequiresAI
	case Stage4:
		return m.Kind == models.ModuleKindAdvanced &&
			m.Context == models.ContextPostResponse && !m.RequiresAI
	case Stage5:
		return m.Kind == models.ModuleKindAdvanced &&
			m.Context == models.ContextPostResponse && m.RequiresAI
	}
	return false
}

// String names the stage for logs and timings.
func (s Stage) String() string {
	switch s {
	case Stage1:
		return "stage1"
	case Stage2:
		return "stage2"
	case Stage4:
		return "stage4"
	case Stage5:
		return "stage5"
	}
	return "stage?"
}
