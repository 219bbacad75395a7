// Package resolver repairs a committed schedule after a disrupting event
// (resource outage, cancellation, urgent insertion). Repair is local: only
// the invalidated assignments and their transitive dependents are re-placed;
// everything else keeps its committed slot.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"fieldline/internal/domain"
	"fieldline/internal/schedule"
	"fieldline/internal/solver"
)

// ErrEscalated is the sentinel for repairs that exhausted bounded search.
var ErrEscalated = errors.New("escalated")

// EscalatedError lists the tasks no feasible local repair could re-place.
// It is terminal for those tasks and requires an external decision, not a
// process failure.
type EscalatedError struct {
	TaskIDs []string
}

func (e *EscalatedError) Error() string {
	return fmt.Sprintf("repair escalated for tasks: %s", strings.Join(e.TaskIDs, ", "))
}

func (e *EscalatedError) Unwrap() error { return ErrEscalated }

// Transition records one state-machine step of an affected assignment.
type Transition struct {
	TaskID string `json:"task_id"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// Outcome is the result of one repair pass.
type Outcome struct {
	Working     *schedule.Builder
	Transitions []Transition
	Resolved    []solver.Placement
	Escalated   []string
}

// Err returns an *EscalatedError if any task could not be repaired.
func (o *Outcome) Err() error {
	if len(o.Escalated) == 0 {
		return nil
	}
	return &EscalatedError{TaskIDs: o.Escalated}
}

// allowed transitions of the per-assignment repair state machine.
func ensureTransition(from, to string) error {
	ok := false
	switch from {
	case domain.AssignmentStable:
		ok = to == domain.AssignmentAtRisk
	case domain.AssignmentAtRisk:
		ok = to == domain.AssignmentRepairing
	case domain.AssignmentRepairing:
		ok = to == domain.AssignmentResolved || to == domain.AssignmentEscalated
	}
	if !ok {
		return fmt.Errorf("invalid assignment transition %s -> %s", from, to)
	}
	return nil
}

// AffectedByOutage returns the placed tasks whose assignments on the given
// resource overlap the outage window.
func AffectedByOutage(snap *schedule.Snapshot, resourceID string, window schedule.Interval) []string {
	seen := map[string]bool{}
	var out []string
	for _, a := range snap.ByResource(resourceID) {
		if window.Overlaps(schedule.Interval{Start: a.Start, End: a.End}) && !seen[a.TaskID] {
			seen[a.TaskID] = true
			out = append(out, a.TaskID)
		}
	}
	sort.Strings(out)
	return out
}

// expand closes the affected set over placed transitive dependents.
func expand(seed []string, tasks map[string]domain.Task, snap *schedule.Snapshot) []string {
	dependents := solver.Dependents(tasks)
	seen := map[string]bool{}
	queue := append([]string(nil), seed...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		for _, succ := range dependents[id] {
			if _, placed := snap.TaskWindow(succ); placed && !seen[succ] {
				queue = append(queue, succ)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Repair re-places the affected tasks (and their placed transitive
// dependents) against the registry state in in, which must already reflect
// the triggering event. The base snapshot is never mutated; the outcome's
// working builder holds the post-repair schedule with escalated tasks
// removed.
func Repair(ctx context.Context, in solver.Input, affected []string, opts solver.Options) (*Outcome, error) {
	if in.Base == nil {
		return nil, errors.New("repair requires a committed base snapshot")
	}
	all := expand(affected, in.Tasks, in.Base)
	out := &Outcome{Working: in.Base.Build()}

	states := map[string]string{}
	step := func(id, to string) error {
		from, ok := states[id]
		if !ok {
			from = domain.AssignmentStable
		}
		if err := ensureTransition(from, to); err != nil {
			return err
		}
		states[id] = to
		out.Transitions = append(out.Transitions, Transition{TaskID: id, From: from, To: to})
		return nil
	}

	// Invalidate the whole affected subgraph first so re-placement cannot
	// collide with stale slots.
	batch := make([]domain.Task, 0, len(all))
	for _, id := range all {
		t, known := in.Tasks[id]
		if !known {
			continue
		}
		if err := step(id, domain.AssignmentAtRisk); err != nil {
			return nil, err
		}
		out.Working.Remove(id)
		batch = append(batch, t)
	}

	ordered, err := orderForRepair(batch)
	if err != nil {
		return nil, err
	}
	for _, t := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := step(t.ID, domain.AssignmentRepairing); err != nil {
			return nil, err
		}
		placement, ierr := solver.Replace(ctx, t, in, out.Working, opts)
		if ierr != nil {
			if err := step(t.ID, domain.AssignmentEscalated); err != nil {
				return nil, err
			}
			out.Working.Remove(t.ID)
			out.Escalated = append(out.Escalated, t.ID)
			continue
		}
		if err := step(t.ID, domain.AssignmentResolved); err != nil {
			return nil, err
		}
		out.Working.SetState(t.ID, domain.AssignmentStable)
		out.Resolved = append(out.Resolved, *placement)
	}
	sort.Strings(out.Escalated)
	return out, nil
}

// orderForRepair sorts the affected batch so predecessors are re-placed
// before dependents; within the same rank the solver's priority order
// applies. Reuses the solver's deterministic topological ordering by
// delegating to a plain slice sort keyed on dependency depth, which is
// sufficient because the affected set is closed under dependents.
func orderForRepair(batch []domain.Task) ([]domain.Task, error) {
	inBatch := map[string]bool{}
	for _, t := range batch {
		inBatch[t.ID] = true
	}
	depth := map[string]int{}
	var rank func(t domain.Task, trail map[string]bool) (int, error)
	byID := map[string]domain.Task{}
	for _, t := range batch {
		byID[t.ID] = t
	}
	rank = func(t domain.Task, trail map[string]bool) (int, error) {
		if d, ok := depth[t.ID]; ok {
			return d, nil
		}
		if trail[t.ID] {
			return 0, fmt.Errorf("dependency cycle through task %s", t.ID)
		}
		trail[t.ID] = true
		d := 0
		for _, dep := range t.DependsOn {
			if !inBatch[dep] {
				continue
			}
			pd, err := rank(byID[dep], trail)
			if err != nil {
				return 0, err
			}
			if pd+1 > d {
				d = pd + 1
			}
		}
		delete(trail, t.ID)
		depth[t.ID] = d
		return d, nil
	}
	for _, t := range batch {
		if _, err := rank(t, map[string]bool{}); err != nil {
			return nil, err
		}
	}
	out := append([]domain.Task(nil), batch...)
	sort.Slice(out, func(i, j int) bool {
		if depth[out[i].ID] != depth[out[j].ID] {
			return depth[out[i].ID] < depth[out[j].ID]
		}
		return solver.Before(out[i], out[j])
	})
	return out, nil
}
