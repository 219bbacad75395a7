// Package solver implements the constraint solver: priority-ordered greedy
// list scheduling over capacity calendars, with bounded eviction
// backtracking when a deadline cannot be met greedily.
package solver

import (
	"context"
	"time"

	"fieldline/internal/domain"
	"fieldline/internal/schedule"
)

// Options bound the search. Zero values mean no backtracking and no wall
// clock budget.
type Options struct {
	// BacktrackDepth limits how many evictions a single placement chain
	// may perform.
	BacktrackDepth int
	// TimeLimit caps the wall clock spent in one Solve call.
	TimeLimit time.Duration
	// BestEffort places what it can and reports the remainder instead of
	// failing the whole batch.
	BestEffort bool
}

// Input carries one solve batch plus the state it plans against.
type Input struct {
	// Batch is the set of tasks to place.
	Batch []domain.Task
	// Tasks is the full task graph, including already-placed tasks, for
	// precedence lookups.
	Tasks map[string]domain.Task
	// Resources and Outages describe registry state.
	Resources []domain.Resource
	Outages   []domain.Outage
	// Base is the committed schedule the batch extends. Nil means empty.
	Base *schedule.Snapshot
	// Span is the planning window; nothing is placed beyond its end.
	Span schedule.Interval
}

// Placement records one successful task binding.
type Placement struct {
	TaskID    string            `json:"task_id"`
	Resources []string          `json:"resources"`
	Window    schedule.Interval `json:"window"`
}

// Result is the outcome of a Solve call. Unplaced is only populated in
// best-effort mode.
type Result struct {
	Working  *schedule.Builder
	Placed   []Placement
	Unplaced []*InfeasibleError
}

// Solve places the batch onto the base schedule. Without best-effort mode
// the first unplaceable task aborts the whole batch and the returned error
// is an *InfeasibleError; the base schedule is never touched either way.
func Solve(ctx context.Context, in Input, opts Options) (*Result, error) {
	b := schedule.NewBuilder()
	if in.Base != nil {
		b = in.Base.Build()
	}
	p := &placer{
		cal:        newCalendar(in.Resources, in.Outages, in.Span),
		tasks:      in.Tasks,
		dependents: Dependents(in.Tasks),
		b:          b,
		span:       in.Span,
	}
	if opts.TimeLimit > 0 {
		p.budget = time.Now().Add(opts.TimeLimit)
	}

	ordered, err := orderTasks(in.Batch)
	if err != nil {
		return nil, err
	}
	res := &Result{Working: b}
	for _, t := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ierr := p.placeWithEviction(t, opts.BacktrackDepth)
		if ierr != nil {
			if !opts.BestEffort {
				return nil, ierr
			}
			res.Unplaced = append(res.Unplaced, ierr)
			continue
		}
		iv, _ := b.TaskWindow(t.ID)
		res.Placed = append(res.Placed, Placement{
			TaskID:    t.ID,
			Resources: b.TaskResources(t.ID),
			Window:    iv,
		})
	}
	return res, nil
}

// Replace re-places a single task within an existing working schedule. The
// resolver uses this to repair the minimal affected subgraph without
// re-solving unrelated commitments.
func Replace(ctx context.Context, t domain.Task, in Input, working *schedule.Builder, opts Options) (*Placement, *InfeasibleError) {
	p := &placer{
		cal:        newCalendar(in.Resources, in.Outages, in.Span),
		tasks:      in.Tasks,
		dependents: Dependents(in.Tasks),
		b:          working,
		span:       in.Span,
	}
	if opts.TimeLimit > 0 {
		p.budget = time.Now().Add(opts.TimeLimit)
	}
	if err := ctx.Err(); err != nil {
		return nil, &InfeasibleError{TaskID: t.ID, Reason: ReasonBudget, Detail: err.Error()}
	}
	if ierr := p.placeWithEviction(t, opts.BacktrackDepth); ierr != nil {
		return nil, ierr
	}
	iv, _ := working.TaskWindow(t.ID)
	return &Placement{TaskID: t.ID, Resources: working.TaskResources(t.ID), Window: iv}, nil
}

type placer struct {
	cal        *calendar
	tasks      map[string]domain.Task
	dependents map[string][]string
	b          *schedule.Builder
	span       schedule.Interval
	budget     time.Time
}

func (p *placer) overBudget() bool {
	return !p.budget.IsZero() && time.Now().After(p.budget)
}

// earliestBound computes the lower start bound: the task's earliest start,
// clamped to the span, pushed past every predecessor's end.
func (p *placer) earliestBound(t domain.Task) (time.Time, *InfeasibleError) {
	est := t.EarliestStart
	if est.Before(p.span.Start) {
		est = p.span.Start
	}
	for _, dep := range t.DependsOn {
		iv, ok := p.b.TaskWindow(dep)
		if !ok {
			return time.Time{}, &InfeasibleError{
				TaskID: t.ID,
				Reason: ReasonPredecessor,
				Detail: "predecessor " + dep + " is not placed",
			}
		}
		if iv.End.After(est) {
			est = iv.End
		}
	}
	return est, nil
}

// place binds t at the earliest feasible slot at or after its bound,
// mutating the working builder on success.
func (p *placer) place(t domain.Task) *InfeasibleError {
	est, ierr := p.earliestBound(t)
	if ierr != nil {
		return ierr
	}
	kinds := make([]domain.ResourceKind, 0, len(t.Requires))
	for _, req := range t.Requires {
		if p.cal.kindTotal(req.Kind) < req.Count {
			return &InfeasibleError{
				TaskID: t.ID,
				Reason: ReasonCapacity,
				Kind:   req.Kind,
				Detail: "fewer resources registered than required",
			}
		}
		kinds = append(kinds, req.Kind)
	}
	dur := t.Duration()
	var lastBlock domain.ResourceKind
	for _, t0 := range p.cal.candidateStarts(kinds, est, p.b) {
		if p.overBudget() {
			return &InfeasibleError{TaskID: t.ID, Reason: ReasonBudget, Detail: "solve time limit exceeded"}
		}
		iv := schedule.Interval{Start: t0, End: t0.Add(dur)}
		if t.Deadline != nil && iv.End.After(*t.Deadline) {
			return &InfeasibleError{TaskID: t.ID, Reason: ReasonDeadline, Kind: lastBlock}
		}
		if iv.End.After(p.span.End) {
			return &InfeasibleError{TaskID: t.ID, Reason: ReasonCapacity, Kind: lastBlock, Detail: "no free window inside the planning span"}
		}
		chosen, block := p.tryAt(t, iv)
		if chosen != nil {
			p.b.Place(t.ID, chosen, iv, domain.AssignmentStable)
			return nil
		}
		lastBlock = block
	}
	reason := ReasonCapacity
	if t.Deadline != nil {
		reason = ReasonDeadline
	}
	return &InfeasibleError{TaskID: t.ID, Reason: reason, Kind: lastBlock, Detail: "no candidate start fits"}
}

// tryAt selects concrete resources for every requirement over iv. Resources
// are considered in id order for determinism. On failure it returns the
// blocking kind.
func (p *placer) tryAt(t domain.Task, iv schedule.Interval) ([]string, domain.ResourceKind) {
	var chosen []string
	for _, req := range t.Requires {
		need := req.Count
		for _, r := range p.cal.byKind[req.Kind] {
			if need == 0 {
				break
			}
			if p.cal.free(r.ID, iv, p.b.ResourceRows(r.ID)) {
				chosen = append(chosen, r.ID)
				need--
			}
		}
		if need > 0 {
			return nil, req.Kind
		}
	}
	return chosen, ""
}

// placeWithEviction runs greedy placement and, when a deadline blocks it,
// evicts the single lowest-priority conflicting task and re-places it,
// recursing up to depth evictions.
func (p *placer) placeWithEviction(t domain.Task, depth int) *InfeasibleError {
	perr := p.place(t)
	if perr == nil || perr.Reason != ReasonDeadline || depth <= 0 {
		return perr
	}
	victimID, ok := p.lowestPriorityConflict(t)
	if !ok {
		return perr
	}
	victim := p.tasks[victimID]

	// Recursive eviction can move tasks beyond the direct victim, so revert
	// restores every placement as it stood before the attempt.
	saved := make(map[string][]domain.Assignment)
	for _, id := range p.b.PlacedTasks() {
		saved[id] = p.b.Rows(id)
	}
	revert := func() {
		for _, id := range p.b.PlacedTasks() {
			if _, kept := saved[id]; !kept {
				p.b.Remove(id)
			}
		}
		for id, rows := range saved {
			p.b.Restore(id, rows)
		}
	}

	p.b.Remove(victimID)
	if err := p.place(t); err != nil {
		revert()
		return perr
	}
	if verr := p.placeWithEviction(victim, depth-1); verr != nil {
		revert()
		return perr
	}
	// The evicted task may have moved later; its already-placed dependents
	// must still start after it ends.
	newIV, _ := p.b.TaskWindow(victimID)
	for _, succ := range p.dependents[victimID] {
		succIV, placed := p.b.TaskWindow(succ)
		if placed && succIV.Start.Before(newIV.End) {
			revert()
			return perr
		}
	}
	return nil
}

// lowestPriorityConflict finds the placed task with the lowest priority
// weight that both occupies a resource kind t needs and overlaps the window
// between t's bound and its deadline. Only strictly lower-priority tasks
// are eviction candidates; deterministic tie-break by task id.
func (p *placer) lowestPriorityConflict(t domain.Task) (string, bool) {
	est, ierr := p.earliestBound(t)
	if ierr != nil || t.Deadline == nil {
		return "", false
	}
	window := schedule.Interval{Start: est, End: *t.Deadline}
	kinds := map[domain.ResourceKind]bool{}
	for _, req := range t.Requires {
		kinds[req.Kind] = true
	}
	bestID := ""
	bestPriority := 0
	for _, id := range p.b.PlacedTasks() {
		if id == t.ID {
			continue
		}
		other, known := p.tasks[id]
		if !known || other.Priority >= t.Priority {
			continue
		}
		iv, _ := p.b.TaskWindow(id)
		if !iv.Overlaps(window) {
			continue
		}
		occupies := false
		for _, rid := range p.b.TaskResources(id) {
			if r, ok := p.cal.byID[rid]; ok && kinds[r.Kind] {
				occupies = true
				break
			}
		}
		if !occupies {
			continue
		}
		if bestID == "" || other.Priority < bestPriority || (other.Priority == bestPriority && id < bestID) {
			bestID = id
			bestPriority = other.Priority
		}
	}
	return bestID, bestID != ""
}
