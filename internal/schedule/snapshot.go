// Package schedule holds the immutable schedule snapshot and the read
// views served to collaborator modules. A snapshot is never mutated in
// place: writers derive a new one through a Builder, readers keep whatever
// snapshot pointer they loaded.
package schedule

import (
	"fmt"
	"sort"
	"time"

	"fieldline/internal/domain"
)

// Snapshot is one committed, immutable schedule version.
type Snapshot struct {
	version   int64
	createdAt time.Time
	byTask    map[string][]domain.Assignment
}

// Empty returns a snapshot with no assignments.
func Empty() *Snapshot {
	return &Snapshot{byTask: map[string][]domain.Assignment{}}
}

// FromAssignments builds a snapshot from persisted assignment rows.
func FromAssignments(meta domain.SnapshotMeta, rows []domain.Assignment) *Snapshot {
	s := &Snapshot{version: meta.Version, createdAt: meta.CreatedAt, byTask: map[string][]domain.Assignment{}}
	for _, a := range rows {
		s.byTask[a.TaskID] = append(s.byTask[a.TaskID], a)
	}
	for id := range s.byTask {
		sortRows(s.byTask[id])
	}
	return s
}

// Version returns the committed version, 0 for an uncommitted snapshot.
func (s *Snapshot) Version() int64 { return s.version }

// CreatedAt returns the commit timestamp.
func (s *Snapshot) CreatedAt() time.Time { return s.createdAt }

// Assignments returns all rows ordered by (start, task id, resource id).
func (s *Snapshot) Assignments() []domain.Assignment {
	var out []domain.Assignment
	for _, rows := range s.byTask {
		out = append(out, rows...)
	}
	sortRows(out)
	return out
}

// ByTask returns the rows binding one task, or nil if it is unplaced.
func (s *Snapshot) ByTask(taskID string) []domain.Assignment {
	rows := s.byTask[taskID]
	out := make([]domain.Assignment, len(rows))
	copy(out, rows)
	return out
}

// TaskWindow returns the committed interval of a placed task.
func (s *Snapshot) TaskWindow(taskID string) (Interval, bool) {
	rows := s.byTask[taskID]
	if len(rows) == 0 {
		return Interval{}, false
	}
	return Interval{Start: rows[0].Start, End: rows[0].End}, true
}

// ByResource returns the rows occupying one resource, ordered by start.
func (s *Snapshot) ByResource(resourceID string) []domain.Assignment {
	var out []domain.Assignment
	for _, rows := range s.byTask {
		for _, a := range rows {
			if a.ResourceID == resourceID {
				out = append(out, a)
			}
		}
	}
	sortRows(out)
	return out
}

// Window returns all rows overlapping the given interval.
func (s *Snapshot) Window(iv Interval) []domain.Assignment {
	var out []domain.Assignment
	for _, rows := range s.byTask {
		for _, a := range rows {
			if iv.Overlaps(Interval{Start: a.Start, End: a.End}) {
				out = append(out, a)
			}
		}
	}
	sortRows(out)
	return out
}

// PlacedTasks returns the ids of all placed tasks in stable order.
func (s *Snapshot) PlacedTasks() []string {
	out := make([]string, 0, len(s.byTask))
	for id := range s.byTask {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of placed tasks.
func (s *Snapshot) Len() int { return len(s.byTask) }

// Build derives a mutable builder seeded with this snapshot's rows.
func (s *Snapshot) Build() *Builder {
	b := &Builder{byTask: make(map[string][]domain.Assignment, len(s.byTask))}
	for id, rows := range s.byTask {
		cp := make([]domain.Assignment, len(rows))
		copy(cp, rows)
		b.byTask[id] = cp
	}
	return b
}

// Builder accumulates placements toward a new snapshot. It is not safe for
// concurrent use; the engine serializes all writers.
type Builder struct {
	byTask map[string][]domain.Assignment
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{byTask: map[string][]domain.Assignment{}}
}

// Place binds a task to the given resources over iv, replacing any prior
// placement of the same task.
func (b *Builder) Place(taskID string, resourceIDs []string, iv Interval, state string) {
	rows := make([]domain.Assignment, 0, len(resourceIDs))
	for _, rid := range resourceIDs {
		rows = append(rows, domain.Assignment{
			TaskID:     taskID,
			ResourceID: rid,
			Start:      iv.Start,
			End:        iv.End,
			State:      state,
		})
	}
	sortRows(rows)
	b.byTask[taskID] = rows
}

// Remove drops a task's placement if present.
func (b *Builder) Remove(taskID string) {
	delete(b.byTask, taskID)
}

// SetState rewrites the state of a task's rows.
func (b *Builder) SetState(taskID, state string) {
	rows := b.byTask[taskID]
	for i := range rows {
		rows[i].State = state
	}
}

// Rows returns a copy of the task's working rows.
func (b *Builder) Rows(taskID string) []domain.Assignment {
	rows := b.byTask[taskID]
	out := make([]domain.Assignment, len(rows))
	copy(out, rows)
	return out
}

// Restore reinstates previously captured rows for a task.
func (b *Builder) Restore(taskID string, rows []domain.Assignment) {
	if len(rows) == 0 {
		delete(b.byTask, taskID)
		return
	}
	cp := make([]domain.Assignment, len(rows))
	copy(cp, rows)
	b.byTask[taskID] = cp
}

// Has reports whether the builder currently places the task.
func (b *Builder) Has(taskID string) bool {
	_, ok := b.byTask[taskID]
	return ok
}

// TaskWindow returns the working interval of a placed task.
func (b *Builder) TaskWindow(taskID string) (Interval, bool) {
	rows := b.byTask[taskID]
	if len(rows) == 0 {
		return Interval{}, false
	}
	return Interval{Start: rows[0].Start, End: rows[0].End}, true
}

// TaskResources returns the resource ids a placed task occupies.
func (b *Builder) TaskResources(taskID string) []string {
	var out []string
	for _, a := range b.byTask[taskID] {
		out = append(out, a.ResourceID)
	}
	return out
}

// ResourceRows returns the working rows on one resource, ordered by start.
func (b *Builder) ResourceRows(resourceID string) []domain.Assignment {
	var out []domain.Assignment
	for _, rows := range b.byTask {
		for _, a := range rows {
			if a.ResourceID == resourceID {
				out = append(out, a)
			}
		}
	}
	sortRows(out)
	return out
}

// PlacedTasks returns the working set of placed task ids in stable order.
func (b *Builder) PlacedTasks() []string {
	out := make([]string, 0, len(b.byTask))
	for id := range b.byTask {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Snapshot freezes the builder into an immutable snapshot.
func (b *Builder) Snapshot(version int64, at time.Time) *Snapshot {
	s := &Snapshot{version: version, createdAt: at, byTask: make(map[string][]domain.Assignment, len(b.byTask))}
	for id, rows := range b.byTask {
		cp := make([]domain.Assignment, len(rows))
		copy(cp, rows)
		s.byTask[id] = cp
	}
	return s
}

func sortRows(rows []domain.Assignment) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Start.Equal(rows[j].Start) {
			return rows[i].Start.Before(rows[j].Start)
		}
		if rows[i].TaskID != rows[j].TaskID {
			return rows[i].TaskID < rows[j].TaskID
		}
		return rows[i].ResourceID < rows[j].ResourceID
	})
}

// CheckCapacity verifies that no resource carries more concurrent rows than
// its capacity at any instant. Outages are not considered here; the solver
// treats them as busy time before placing.
func (s *Snapshot) CheckCapacity(resources map[string]domain.Resource) error {
	type edge struct {
		at    time.Time
		delta int
	}
	perResource := map[string][]edge{}
	for _, rows := range s.byTask {
		for _, a := range rows {
			perResource[a.ResourceID] = append(perResource[a.ResourceID],
				edge{at: a.Start, delta: 1}, edge{at: a.End, delta: -1})
		}
	}
	for rid, edges := range perResource {
		res, ok := resources[rid]
		if !ok {
			return fmt.Errorf("assignment references unknown resource %s", rid)
		}
		sort.Slice(edges, func(i, j int) bool {
			if !edges[i].at.Equal(edges[j].at) {
				return edges[i].at.Before(edges[j].at)
			}
			// Ends sort before starts so touching intervals do not count
			// as overlapping.
			return edges[i].delta < edges[j].delta
		})
		load := 0
		for _, e := range edges {
			load += e.delta
			if load > res.Capacity {
				return fmt.Errorf("resource %s over capacity (%d > %d) at %s", rid, load, res.Capacity, e.at.Format(time.RFC3339))
			}
		}
	}
	return nil
}

// CheckPrecedence verifies that every predecessor ends no later than its
// successor starts.
func (s *Snapshot) CheckPrecedence(tasks map[string]domain.Task) error {
	for id, rows := range s.byTask {
		t, ok := tasks[id]
		if !ok {
			continue
		}
		for _, dep := range t.DependsOn {
			depRows := s.byTask[dep]
			if len(depRows) == 0 {
				continue
			}
			if depRows[0].End.After(rows[0].Start) {
				return fmt.Errorf("task %s starts %s before predecessor %s ends %s",
					id, rows[0].Start.Format(time.RFC3339), dep, depRows[0].End.Format(time.RFC3339))
			}
		}
	}
	return nil
}
