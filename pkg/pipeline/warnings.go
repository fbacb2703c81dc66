// Package pipeline implements the staged module-resolution pipeline and
// the per-turn orchestrator that drives it.
package pipeline

// WarningType classifies non-fatal resolution problems. Warnings are
// collected and logged, never abort a turn.
type WarningType string

const (
	WarnModuleNotFound   WarningType = "module_not_found"
	WarnCircular         WarningType = "circular_dependency"
	WarnMaxDepthExceeded WarningType = "max_depth_exceeded"
	WarnScriptFailed     WarningType = "script_execution_failed"
	WarnProcessingError  WarningType = "processing_error"
)

// Warning records one resolution problem for a named module.
type Warning struct {
	Module  string      `json:"module"`
	Type    WarningType `json:"type"`
	Message string      `json:"message,omitempty"`
}
