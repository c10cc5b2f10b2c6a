package engine

import (
	"fmt"
	"strings"
)

// ValidationError carries the full accumulated list of graph problems so the
// editor UI can display all of them at once. It is user-correctable and is
// surfaced verbatim.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "workflow validation failed: " + strings.Join(e.Errors, "; ")
}

// PlanningError reports that no valid entry point exists. For display
// purposes it is treated like a validation error.
type PlanningError struct {
	Reason string
}

func (e *PlanningError) Error() string {
	return "execution planning failed: " + e.Reason
}

// CompilationError reports an internal inconsistency between validator and
// planner, or an unknown node kind surviving validation. It indicates a
// defect, is logged with full context, and is never shown raw to end users.
type CompilationError struct {
	Reason string
}

func (e *CompilationError) Error() string {
	return "internal compilation error: " + e.Reason
}

func internalErrorf(format string, args ...any) *CompilationError {
	return &CompilationError{Reason: fmt.Sprintf(format, args...)}
}
