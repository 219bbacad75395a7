package solver

import (
	"errors"
	"fmt"

	"fieldline/internal/domain"
)

// ErrInfeasible is the sentinel wrapped by every placement failure.
var ErrInfeasible = errors.New("infeasible")

// Infeasibility reasons.
const (
	ReasonDeadline    = "deadline"
	ReasonCapacity    = "capacity"
	ReasonPredecessor = "predecessor"
	ReasonBudget      = "budget"
)

// InfeasibleError reports the task that could not be placed and the
// binding constraint that blocked it.
type InfeasibleError struct {
	TaskID string
	Reason string
	// Kind is the resource kind that had no free window, when Reason is
	// capacity or deadline.
	Kind   domain.ResourceKind
	Detail string
}

func (e *InfeasibleError) Error() string {
	msg := fmt.Sprintf("task %s infeasible (%s)", e.TaskID, e.Reason)
	if e.Kind != "" {
		msg += fmt.Sprintf(" on kind %s", e.Kind)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *InfeasibleError) Unwrap() error { return ErrInfeasible }
