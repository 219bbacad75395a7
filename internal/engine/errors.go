package engine

import (
	"errors"
	"fmt"
	"strings"

	"fieldline/internal/domain"
)

// Sentinels for the engine error taxonomy. Callers classify with errors.Is;
// the concrete types carry the detail.
var (
	ErrValidation = errors.New("validation")
	ErrCycle      = errors.New("cyclic dependency")
	ErrConflict   = errors.New("resource conflict")
)

// ValidationError rejects malformed input before any state changes.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func validationErr(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// CyclicDependencyError carries one witness cycle through the task graph.
type CyclicDependencyError struct {
	Path []string
}

func (e *CyclicDependencyError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

func (e *CyclicDependencyError) Unwrap() error { return ErrCycle }

// ResourceConflictError reports committed assignments that collide with a
// requested change, such as an outage over occupied time.
type ResourceConflictError struct {
	ResourceID  string
	Assignments []domain.Assignment
}

func (e *ResourceConflictError) Error() string {
	ids := make([]string, 0, len(e.Assignments))
	for _, a := range e.Assignments {
		ids = append(ids, a.TaskID)
	}
	return fmt.Sprintf("resource %s has committed assignments in the window (tasks: %s); repair or reschedule first",
		e.ResourceID, strings.Join(ids, ", "))
}

func (e *ResourceConflictError) Unwrap() error { return ErrConflict }
