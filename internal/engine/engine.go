// Package engine is the single writer over the scheduling state. Every
// mutation runs in one transaction together with its audit event; solve and
// repair passes additionally serialize on an internal lock so only one pass
// plans against a given base snapshot at a time.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/events"
	"fieldline/internal/repo"
	"fieldline/internal/resolver"
	"fieldline/internal/schedule"
	"fieldline/internal/solver"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Now     func() time.Time
	Metrics *Metrics

	// mu serializes solve and repair commits.
	mu sync.Mutex
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) solverOptions(bestEffort bool) solver.Options {
	return solver.Options{
		BacktrackDepth: e.Config.Planning.BacktrackDepth,
		TimeLimit:      e.Config.TimeLimit(),
		BestEffort:     bestEffort,
	}
}

// InitHorizon initializes a new planning horizon with migrations already run.
func (e *Engine) InitHorizon(ctx context.Context, horizonID, description, actorID string) (domain.Horizon, error) {
	if horizonID == "" {
		return domain.Horizon{}, validationErr("horizon", "id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Horizon{}, err
	}
	defer tx.Rollback()

	h := domain.Horizon{
		ID:          horizonID,
		Status:      "active",
		Description: description,
		CreatedAt:   e.now(),
	}
	if err := e.Repo.InsertHorizon(ctx, tx, h); err != nil {
		return domain.Horizon{}, fmt.Errorf("insert horizon: %w", err)
	}
	if err := e.Repo.UpsertHorizonConfigTx(ctx, tx, h.ID, config.Default(h.ID)); err != nil {
		return domain.Horizon{}, fmt.Errorf("insert horizon config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "horizon.init", h.ID, "horizon", h.ID, actorID, events.EventPayload{"status": h.Status}); err != nil {
		return domain.Horizon{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Horizon{}, err
	}
	return h, nil
}

// ResourceCreateOptions are parameters for registering a resource.
type ResourceCreateOptions struct {
	ID        string
	HorizonID string
	Kind      domain.ResourceKind
	Name      string
	Capacity  int
	Location  string
	DayStart  string
	DayEnd    string
	// AllHours skips the configured default daily window so the resource is
	// available around the clock.
	AllHours bool
	ActorID  string
}

func (e *Engine) RegisterResource(ctx context.Context, opts ResourceCreateOptions) (domain.Resource, error) {
	if e.Config == nil {
		return domain.Resource{}, errors.New("config not loaded")
	}
	if opts.Name == "" {
		return domain.Resource{}, validationErr("name", "is required")
	}
	if opts.HorizonID == "" {
		return domain.Resource{}, validationErr("horizon", "is required")
	}
	if !validResourceKind(opts.Kind) {
		return domain.Resource{}, validationErr("kind", "unknown resource kind %q", opts.Kind)
	}
	if opts.Capacity == 0 {
		opts.Capacity = 1
	}
	if opts.Capacity < 1 {
		return domain.Resource{}, validationErr("capacity", "must be >= 1")
	}
	if (opts.DayStart == "") != (opts.DayEnd == "") {
		return domain.Resource{}, validationErr("day_start", "day_start and day_end must be set together")
	}
	if opts.DayStart == "" && !opts.AllHours {
		opts.DayStart = e.Config.Calendar.DayStart
		opts.DayEnd = e.Config.Calendar.DayEnd
	}
	if opts.DayStart != "" {
		startMin, err := solver.ParseClock(opts.DayStart)
		if err != nil {
			return domain.Resource{}, validationErr("day_start", "%v", err)
		}
		endMin, err := solver.ParseClock(opts.DayEnd)
		if err != nil {
			return domain.Resource{}, validationErr("day_end", "%v", err)
		}
		if endMin <= startMin {
			return domain.Resource{}, validationErr("day_end", "must be after day_start")
		}
	}
	if _, err := e.Repo.GetHorizon(ctx, opts.HorizonID); err != nil {
		return domain.Resource{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	res := domain.Resource{
		ID:        id,
		HorizonID: opts.HorizonID,
		Kind:      opts.Kind,
		Name:      opts.Name,
		Capacity:  opts.Capacity,
		Location:  opts.Location,
		DayStart:  opts.DayStart,
		DayEnd:    opts.DayEnd,
		CreatedAt: e.now(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Resource{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertResource(ctx, tx, res); err != nil {
		return domain.Resource{}, err
	}
	if err := e.Events.Append(ctx, tx, "resource.registered", res.HorizonID, "resource", res.ID, opts.ActorID, events.EventPayload{
		"kind": res.Kind, "name": res.Name, "capacity": res.Capacity,
	}); err != nil {
		return domain.Resource{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Resource{}, err
	}
	return res, nil
}

func validResourceKind(kind domain.ResourceKind) bool {
	for _, k := range domain.ResourceKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func validTaskKind(kind domain.TaskKind) bool {
	for _, k := range domain.TaskKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// OutageOptions are parameters for marking a resource unavailable.
type OutageOptions struct {
	ResourceID string
	Start      time.Time
	End        time.Time
	Reason     string
	// Force records the outage even when committed assignments overlap it.
	// The caller is then expected to run Repair.
	Force   bool
	ActorID string
}

// MarkUnavailable records an outage window for a resource. When committed
// assignments overlap the window and Force is not set, nothing is recorded
// and a *ResourceConflictError lists the collisions.
func (e *Engine) MarkUnavailable(ctx context.Context, opts OutageOptions) (domain.Outage, []domain.Assignment, error) {
	if !opts.End.After(opts.Start) {
		return domain.Outage{}, nil, validationErr("end", "must be after start")
	}
	res, err := e.Repo.GetResource(ctx, opts.ResourceID)
	if err != nil {
		return domain.Outage{}, nil, err
	}
	st, err := e.loadState(ctx, res.HorizonID)
	if err != nil {
		return domain.Outage{}, nil, err
	}
	window := schedule.Interval{Start: opts.Start, End: opts.End}
	var affected []domain.Assignment
	for _, a := range st.base.ByResource(res.ID) {
		if window.Overlaps(schedule.Interval{Start: a.Start, End: a.End}) {
			affected = append(affected, a)
		}
	}
	if len(affected) > 0 && !opts.Force {
		return domain.Outage{}, affected, &ResourceConflictError{ResourceID: res.ID, Assignments: affected}
	}
	o := domain.Outage{
		ID:         uuid.New().String(),
		ResourceID: res.ID,
		Start:      opts.Start.UTC(),
		End:        opts.End.UTC(),
		Reason:     opts.Reason,
		CreatedAt:  e.now(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Outage{}, nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertOutage(ctx, tx, o); err != nil {
		return domain.Outage{}, nil, err
	}
	if err := e.Events.Append(ctx, tx, "resource.outage", res.HorizonID, "resource", res.ID, opts.ActorID, events.EventPayload{
		"start": o.Start.Format(time.RFC3339), "end": o.End.Format(time.RFC3339), "reason": o.Reason, "affected": len(affected),
	}); err != nil {
		return domain.Outage{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Outage{}, nil, err
	}
	return o, affected, nil
}

// TaskSubmitOptions are parameters for submitting a task.
type TaskSubmitOptions struct {
	ID            string
	HorizonID     string
	Kind          domain.TaskKind
	Name          string
	DurationMins  int
	EarliestStart time.Time
	Deadline      *time.Time
	Requires      []domain.Requirement
	DependsOn     []string
	Priority      int
	OrderRef      string
	ActorID       string
}

func (e *Engine) SubmitTask(ctx context.Context, opts TaskSubmitOptions) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	if opts.Name == "" {
		return domain.Task{}, validationErr("name", "is required")
	}
	if opts.HorizonID == "" {
		return domain.Task{}, validationErr("horizon", "is required")
	}
	if !validTaskKind(opts.Kind) {
		return domain.Task{}, validationErr("kind", "unknown task kind %q", opts.Kind)
	}
	if opts.DurationMins <= 0 {
		return domain.Task{}, validationErr("duration_mins", "must be > 0")
	}
	if opts.EarliestStart.IsZero() {
		return domain.Task{}, validationErr("earliest_start", "is required")
	}
	if len(opts.Requires) == 0 {
		return domain.Task{}, validationErr("requires", "at least one requirement is required")
	}
	seen := map[domain.ResourceKind]bool{}
	for i, req := range opts.Requires {
		if !validResourceKind(req.Kind) {
			return domain.Task{}, validationErr("requires", "unknown resource kind %q", req.Kind)
		}
		if req.Count < 1 {
			return domain.Task{}, validationErr("requires", "count for %s must be >= 1", req.Kind)
		}
		if seen[req.Kind] {
			return domain.Task{}, validationErr("requires", "duplicate kind %s at index %d", req.Kind, i)
		}
		seen[req.Kind] = true
	}
	dur := time.Duration(opts.DurationMins) * time.Minute
	if opts.Deadline != nil && opts.Deadline.Before(opts.EarliestStart.Add(dur)) {
		return domain.Task{}, validationErr("deadline", "unreachable: earliest_start plus duration exceeds it")
	}
	if _, err := e.Repo.GetHorizon(ctx, opts.HorizonID); err != nil {
		return domain.Task{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	for _, dep := range opts.DependsOn {
		if dep == id {
			return domain.Task{}, &CyclicDependencyError{Path: []string{id, id}}
		}
		dt, err := e.Repo.GetTask(ctx, dep)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Task{}, validationErr("depends_on", "task %s not found", dep)
			}
			return domain.Task{}, err
		}
		if dt.HorizonID != opts.HorizonID {
			return domain.Task{}, validationErr("depends_on", "task %s in different horizon", dep)
		}
		if dt.Status == domain.TaskCanceled {
			return domain.Task{}, validationErr("depends_on", "task %s is canceled", dep)
		}
	}
	now := e.now()
	t := domain.Task{
		ID:            id,
		HorizonID:     opts.HorizonID,
		Kind:          opts.Kind,
		Name:          opts.Name,
		DurationMins:  opts.DurationMins,
		EarliestStart: opts.EarliestStart.UTC(),
		Deadline:      opts.Deadline,
		Requires:      opts.Requires,
		Priority:      opts.Priority,
		OrderRef:      opts.OrderRef,
		Status:        domain.TaskPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if len(opts.DependsOn) > 0 {
		if err := e.Repo.AddDependencies(ctx, tx, t.ID, opts.DependsOn); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "task.submitted", t.HorizonID, "task", t.ID, opts.ActorID, events.EventPayload{
		"kind": t.Kind, "name": t.Name, "priority": t.Priority,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.DependsOn = opts.DependsOn
	return t, nil
}

// TaskUpdateOptions encapsulates allowed updates. Nil pointer fields are
// left untouched.
type TaskUpdateOptions struct {
	ID            string
	Name          string
	Priority      *int
	DurationMins  *int
	EarliestStart *time.Time
	Deadline      *time.Time
	ClearDeadline bool
	AddDeps       []string
	RemoveDeps    []string
	ActorID       string
}

// UpdateTask modifies a pending or placed task. A placed or escalated task
// returns to pending so the next solve pass re-places it.
func (e *Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	if t.Status == domain.TaskCanceled {
		return t, validationErr("status", "task %s is canceled", t.ID)
	}
	if opts.Name != "" {
		t.Name = opts.Name
	}
	if opts.Priority != nil {
		t.Priority = *opts.Priority
	}
	if opts.DurationMins != nil {
		if *opts.DurationMins <= 0 {
			return t, validationErr("duration_mins", "must be > 0")
		}
		t.DurationMins = *opts.DurationMins
	}
	if opts.EarliestStart != nil {
		t.EarliestStart = opts.EarliestStart.UTC()
	}
	if opts.ClearDeadline {
		t.Deadline = nil
	} else if opts.Deadline != nil {
		t.Deadline = opts.Deadline
	}
	if t.Deadline != nil && t.Deadline.Before(t.EarliestStart.Add(t.Duration())) {
		return t, validationErr("deadline", "unreachable: earliest_start plus duration exceeds it")
	}

	deps := applyDepEdits(t.DependsOn, opts.AddDeps, opts.RemoveDeps)
	for _, dep := range opts.AddDeps {
		dt, err := e.Repo.GetTask(ctx, dep)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return t, validationErr("depends_on", "task %s not found", dep)
			}
			return t, err
		}
		if dt.HorizonID != t.HorizonID {
			return t, validationErr("depends_on", "task %s in different horizon", dep)
		}
		if dt.Status == domain.TaskCanceled {
			return t, validationErr("depends_on", "task %s is canceled", dep)
		}
	}
	graph, err := e.dependencyGraph(ctx, t.HorizonID)
	if err != nil {
		return t, err
	}
	graph[t.ID] = deps
	if path, found := findCycle(graph, t.ID); found {
		return t, &CyclicDependencyError{Path: path}
	}
	t.DependsOn = deps
	if t.Status == domain.TaskPlaced || t.Status == domain.TaskEscalated {
		t.Status = domain.TaskPending
	}
	t.UpdatedAt = e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if len(opts.AddDeps) > 0 {
		if err := e.Repo.AddDependencies(ctx, tx, t.ID, opts.AddDeps); err != nil {
			return t, err
		}
	}
	if len(opts.RemoveDeps) > 0 {
		if err := e.Repo.RemoveDependencies(ctx, tx, t.ID, opts.RemoveDeps); err != nil {
			return t, err
		}
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", t.HorizonID, "task", t.ID, opts.ActorID, events.EventPayload{
		"status": t.Status,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func applyDepEdits(deps, add, remove []string) []string {
	set := map[string]bool{}
	for _, d := range deps {
		set[d] = true
	}
	for _, d := range add {
		set[d] = true
	}
	for _, d := range remove {
		delete(set, d)
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// CancelTask marks a task canceled. A placed task keeps its slot in the
// committed snapshot until the next solve or repair pass drops it.
func (e *Engine) CancelTask(ctx context.Context, id, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	if t.Status == domain.TaskCanceled {
		return t, nil
	}
	t.Status = domain.TaskCanceled
	t.UpdatedAt = e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetTaskStatus(ctx, tx, t.ID, t.Status, t.UpdatedAt); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.canceled", t.HorizonID, "task", t.ID, actorID, events.EventPayload{}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// dependencyGraph loads the full task id -> depends_on adjacency of a horizon.
func (e *Engine) dependencyGraph(ctx context.Context, horizonID string) (map[string][]string, error) {
	tasks, err := e.Repo.ListTasks(ctx, horizonID, "")
	if err != nil {
		return nil, err
	}
	graph := map[string][]string{}
	for _, t := range tasks {
		graph[t.ID] = t.DependsOn
	}
	return graph, nil
}

// findCycle runs a DFS from start and returns a witness path id0 -> ... -> id0
// if the dependency graph reaches back to a node on the current trail.
func findCycle(graph map[string][]string, start string) ([]string, bool) {
	var trail []string
	onTrail := map[string]bool{}
	done := map[string]bool{}
	var visit func(id string) ([]string, bool)
	visit = func(id string) ([]string, bool) {
		if done[id] {
			return nil, false
		}
		if onTrail[id] {
			i := 0
			for ; i < len(trail); i++ {
				if trail[i] == id {
					break
				}
			}
			path := append(append([]string(nil), trail[i:]...), id)
			return path, true
		}
		onTrail[id] = true
		trail = append(trail, id)
		deps := append([]string(nil), graph[id]...)
		sort.Strings(deps)
		for _, dep := range deps {
			if path, found := visit(dep); found {
				return path, true
			}
		}
		trail = trail[:len(trail)-1]
		onTrail[id] = false
		done[id] = true
		return nil, false
	}
	return visit(start)
}

// state is the loaded planning input of one horizon.
type state struct {
	tasks     map[string]domain.Task
	pending   []domain.Task
	resources []domain.Resource
	outages   []domain.Outage
	base      *schedule.Snapshot
	baseMeta  domain.SnapshotMeta
}

// loadState reads tasks, registry and the latest committed snapshot. Rows of
// tasks no longer in placed status are dropped from the base so canceled
// work frees its slots.
func (e *Engine) loadState(ctx context.Context, horizonID string) (*state, error) {
	tasks, err := e.Repo.ListTasks(ctx, horizonID, "")
	if err != nil {
		return nil, err
	}
	st := &state{tasks: map[string]domain.Task{}}
	for _, t := range tasks {
		st.tasks[t.ID] = t
		if t.Status == domain.TaskPending {
			st.pending = append(st.pending, t)
		}
	}
	st.resources, err = e.Repo.ListResources(ctx, horizonID, "")
	if err != nil {
		return nil, err
	}
	st.outages, err = e.Repo.ListOutages(ctx, horizonID)
	if err != nil {
		return nil, err
	}
	meta, err := e.Repo.LatestSnapshot(ctx, horizonID)
	if errors.Is(err, repo.ErrNotFound) {
		st.base = schedule.Empty()
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	rows, err := e.Repo.ListAssignments(ctx, meta.Version)
	if err != nil {
		return nil, err
	}
	kept := rows[:0]
	for _, a := range rows {
		if t, ok := st.tasks[a.TaskID]; ok && t.Status == domain.TaskPlaced {
			kept = append(kept, a)
		}
	}
	st.base = schedule.FromAssignments(meta, kept)
	st.baseMeta = meta
	return st, nil
}

// spanFor returns the planning window: from the earliest relevant bound to
// the configured window length past it.
func (e *Engine) spanFor(batch []domain.Task) schedule.Interval {
	start := e.now()
	for _, t := range batch {
		if t.EarliestStart.Before(start) {
			start = t.EarliestStart
		}
	}
	return schedule.Interval{Start: start, End: start.Add(e.Config.Window())}
}

// SolveOptions are parameters for one solve pass.
type SolveOptions struct {
	HorizonID string
	// BestEffort commits what fits and reports the rest instead of failing
	// the whole batch.
	BestEffort bool
	Note       string
	ActorID    string
}

// PlanResult is the outcome of a committed solve pass.
type PlanResult struct {
	Version  int64                    `json:"version"`
	Placed   []solver.Placement       `json:"placed"`
	Unplaced []*solver.InfeasibleError `json:"unplaced,omitempty"`
	Elapsed  time.Duration            `json:"elapsed"`
}

// Solve plans every pending task against the committed schedule and commits
// the result as a new snapshot. With no pending tasks it is a no-op that
// reports the current version. On infeasibility nothing is committed and the
// returned error wraps solver.ErrInfeasible.
func (e *Engine) Solve(ctx context.Context, opts SolveOptions) (*PlanResult, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	began := time.Now()
	st, err := e.loadState(ctx, opts.HorizonID)
	if err != nil {
		return nil, err
	}
	if len(st.pending) == 0 {
		return &PlanResult{Version: st.base.Version(), Elapsed: time.Since(began)}, nil
	}
	in := solver.Input{
		Batch:     st.pending,
		Tasks:     st.tasks,
		Resources: st.resources,
		Outages:   st.outages,
		Base:      st.base,
		Span:      e.spanFor(st.pending),
	}
	res, err := solver.Solve(ctx, in, e.solverOptions(opts.BestEffort))
	if err != nil {
		var ierr *solver.InfeasibleError
		if errors.As(err, &ierr) {
			e.observeSolve("infeasible", time.Since(began), 0)
			e.appendEvent(ctx, "plan.infeasible", opts.HorizonID, "plan", ierr.TaskID, opts.ActorID, events.EventPayload{
				"reason": ierr.Reason, "kind": ierr.Kind, "detail": ierr.Detail,
			})
		}
		return nil, err
	}

	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	version, err := e.Repo.InsertSnapshot(ctx, tx, opts.HorizonID, opts.Note, now, res.Working.Snapshot(0, now).Assignments())
	if err != nil {
		return nil, err
	}
	for _, p := range res.Placed {
		if err := e.Repo.SetTaskStatus(ctx, tx, p.TaskID, domain.TaskPlaced, now); err != nil {
			return nil, err
		}
	}
	if err := e.Events.Append(ctx, tx, "plan.solved", opts.HorizonID, "plan", fmt.Sprint(version), opts.ActorID, events.EventPayload{
		"version": version, "placed": len(res.Placed), "unplaced": len(res.Unplaced),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.observeSolve("solved", time.Since(began), len(res.Placed))
	return &PlanResult{
		Version:  version,
		Placed:   res.Placed,
		Unplaced: res.Unplaced,
		Elapsed:  time.Since(began),
	}, nil
}

// RepairOptions name the disruption a repair pass reacts to: either an
// explicit affected task set, or a resource window whose assignments became
// invalid.
type RepairOptions struct {
	HorizonID  string
	Tasks      []string
	ResourceID string
	Window     schedule.Interval
	Note       string
	ActorID    string
}

// RepairResult is the outcome of a committed repair pass.
type RepairResult struct {
	Version     int64                 `json:"version"`
	Transitions []resolver.Transition `json:"transitions"`
	Resolved    []solver.Placement    `json:"resolved"`
	Escalated   []string              `json:"escalated,omitempty"`
	Elapsed     time.Duration         `json:"elapsed"`
}

// Repair re-places the affected tasks and their placed transitive dependents
// against current registry state, committing the outcome as a new snapshot.
// Tasks that cannot be re-placed are removed from the schedule, marked
// escalated, and reported through an error wrapping resolver.ErrEscalated;
// the rest of the repair still commits.
func (e *Engine) Repair(ctx context.Context, opts RepairOptions) (*RepairResult, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	began := time.Now()
	st, err := e.loadState(ctx, opts.HorizonID)
	if err != nil {
		return nil, err
	}
	if st.base.Len() == 0 {
		return nil, validationErr("horizon", "no committed schedule to repair")
	}
	affected := opts.Tasks
	if opts.ResourceID != "" {
		affected = append(affected, resolver.AffectedByOutage(st.base, opts.ResourceID, opts.Window)...)
	}
	if len(affected) == 0 {
		return &RepairResult{Version: st.base.Version(), Elapsed: time.Since(began)}, nil
	}
	batch := make([]domain.Task, 0, len(affected))
	for _, id := range affected {
		t, ok := st.tasks[id]
		if !ok {
			return nil, validationErr("tasks", "task %s not found", id)
		}
		if t.Status == domain.TaskCanceled {
			return nil, validationErr("tasks", "task %s is canceled", id)
		}
		batch = append(batch, t)
	}
	in := solver.Input{
		Tasks:     st.tasks,
		Resources: st.resources,
		Outages:   st.outages,
		Base:      st.base,
		Span:      e.spanFor(batch),
	}
	outcome, err := resolver.Repair(ctx, in, affected, e.solverOptions(false))
	if err != nil {
		e.observeRepair("error", time.Since(began), 0)
		return nil, err
	}

	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	version, err := e.Repo.InsertSnapshot(ctx, tx, opts.HorizonID, opts.Note, now, outcome.Working.Snapshot(0, now).Assignments())
	if err != nil {
		return nil, err
	}
	for _, p := range outcome.Resolved {
		if err := e.Repo.SetTaskStatus(ctx, tx, p.TaskID, domain.TaskPlaced, now); err != nil {
			return nil, err
		}
	}
	for _, id := range outcome.Escalated {
		if err := e.Repo.SetTaskStatus(ctx, tx, id, domain.TaskEscalated, now); err != nil {
			return nil, err
		}
		if err := e.Events.Append(ctx, tx, "schedule.escalated", opts.HorizonID, "task", id, opts.ActorID, events.EventPayload{
			"version": version,
		}); err != nil {
			return nil, err
		}
	}
	if err := e.Events.Append(ctx, tx, "schedule.repaired", opts.HorizonID, "plan", fmt.Sprint(version), opts.ActorID, events.EventPayload{
		"version": version, "resolved": len(outcome.Resolved), "escalated": len(outcome.Escalated),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	outcomeLabel := "resolved"
	if len(outcome.Escalated) > 0 {
		outcomeLabel = "escalated"
	}
	e.observeRepair(outcomeLabel, time.Since(began), len(outcome.Escalated))
	return &RepairResult{
		Version:     version,
		Transitions: outcome.Transitions,
		Resolved:    outcome.Resolved,
		Escalated:   outcome.Escalated,
		Elapsed:     time.Since(began),
	}, outcome.Err()
}

// QueryAvailable reports the free windows of a resource kind inside a time
// window, accounting for daily hours, outages and committed assignments.
func (e *Engine) QueryAvailable(ctx context.Context, horizonID string, kind domain.ResourceKind, window schedule.Interval) ([]solver.ResourceWindow, error) {
	if !validResourceKind(kind) {
		return nil, validationErr("kind", "unknown resource kind %q", kind)
	}
	if !window.Valid() {
		return nil, validationErr("window", "end must be after start")
	}
	st, err := e.loadState(ctx, horizonID)
	if err != nil {
		return nil, err
	}
	return solver.FreeWindows(st.resources, st.outages, st.base, kind, window), nil
}

// Schedule returns one committed snapshot; version 0 means latest.
func (e *Engine) Schedule(ctx context.Context, horizonID string, version int64) (domain.SnapshotMeta, []domain.Assignment, error) {
	var meta domain.SnapshotMeta
	var err error
	if version == 0 {
		meta, err = e.Repo.LatestSnapshot(ctx, horizonID)
	} else {
		meta, err = e.Repo.GetSnapshot(ctx, version)
	}
	if err != nil {
		return meta, nil, err
	}
	if meta.HorizonID != horizonID {
		return meta, nil, repo.ErrNotFound
	}
	rows, err := e.Repo.ListAssignments(ctx, meta.Version)
	return meta, rows, err
}

// appendEvent writes one event in its own transaction, for paths where the
// main mutation did not commit.
func (e *Engine) appendEvent(ctx context.Context, evtType, horizonID, entityKind, entityID, actorID string, payload events.EventPayload) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, horizonID, entityKind, entityID, actorID, payload); err != nil {
		return
	}
	_ = tx.Commit()
}

func (e *Engine) observeSolve(outcome string, d time.Duration, placed int) {
	if e.Metrics == nil {
		return
	}
	e.Metrics.Solves.WithLabelValues(outcome).Inc()
	e.Metrics.SolveDuration.Observe(d.Seconds())
	if placed > 0 {
		e.Metrics.PlacedTasks.Observe(float64(placed))
	}
}

func (e *Engine) observeRepair(outcome string, d time.Duration, escalated int) {
	if e.Metrics == nil {
		return
	}
	e.Metrics.Repairs.WithLabelValues(outcome).Inc()
	e.Metrics.RepairDuration.Observe(d.Seconds())
	if escalated > 0 {
		e.Metrics.Escalations.Add(float64(escalated))
	}
}
