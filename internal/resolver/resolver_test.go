package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fieldline/internal/domain"
	"fieldline/internal/schedule"
	"fieldline/internal/solver"
)

var base = time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

func at(hour int) time.Time {
	return base.Add(time.Duration(hour) * time.Hour)
}

func harvester(id string) domain.Resource {
	return domain.Resource{
		ID:       id,
		Kind:     domain.ResourceHarvester,
		Name:     id,
		Capacity: 1,
		DayStart: "08:00",
		DayEnd:   "18:00",
	}
}

func harvest(id string, durationMins, priority int, deadline *time.Time, deps ...string) domain.Task {
	return domain.Task{
		ID:            id,
		Kind:          domain.TaskHarvest,
		Name:          id,
		DurationMins:  durationMins,
		EarliestStart: base,
		Deadline:      deadline,
		Requires:      []domain.Requirement{{Kind: domain.ResourceHarvester, Count: 1}},
		DependsOn:     deps,
		Priority:      priority,
	}
}

func deadline(hour int) *time.Time {
	d := at(hour)
	return &d
}

func committed(placements map[string]schedule.Interval) *schedule.Snapshot {
	b := schedule.NewBuilder()
	for id, iv := range placements {
		b.Place(id, []string{"harv-1"}, iv, domain.AssignmentStable)
	}
	return b.Snapshot(1, base)
}

func repairInput(tasks []domain.Task, outages []domain.Outage, snap *schedule.Snapshot) solver.Input {
	byID := map[string]domain.Task{}
	for _, t := range tasks {
		byID[t.ID] = t
	}
	return solver.Input{
		Tasks:     byID,
		Resources: []domain.Resource{harvester("harv-1")},
		Outages:   outages,
		Base:      snap,
		Span:      schedule.Interval{Start: base, End: base.AddDate(0, 0, 14)},
	}
}

func TestEnsureTransition(t *testing.T) {
	cases := []struct {
		from, to string
		wantErr  bool
	}{
		{from: domain.AssignmentStable, to: domain.AssignmentAtRisk},
		{from: domain.AssignmentAtRisk, to: domain.AssignmentRepairing},
		{from: domain.AssignmentRepairing, to: domain.AssignmentResolved},
		{from: domain.AssignmentRepairing, to: domain.AssignmentEscalated},
		{from: domain.AssignmentStable, to: domain.AssignmentRepairing, wantErr: true},
		{from: domain.AssignmentAtRisk, to: domain.AssignmentStable, wantErr: true},
		{from: domain.AssignmentResolved, to: domain.AssignmentRepairing, wantErr: true},
		{from: domain.AssignmentEscalated, to: domain.AssignmentRepairing, wantErr: true},
	}
	for _, tc := range cases {
		err := ensureTransition(tc.from, tc.to)
		if tc.wantErr {
			require.Error(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			require.NoError(t, err, "%s -> %s", tc.from, tc.to)
		}
	}
}

func TestAffectedByOutage(t *testing.T) {
	b := schedule.NewBuilder()
	b.Place("task-a", []string{"harv-1"}, schedule.Interval{Start: at(8), End: at(11)}, domain.AssignmentStable)
	b.Place("task-b", []string{"harv-1"}, schedule.Interval{Start: at(11), End: at(15)}, domain.AssignmentStable)
	b.Place("task-c", []string{"harv-2"}, schedule.Interval{Start: at(9), End: at(10)}, domain.AssignmentStable)
	snap := b.Snapshot(1, base)

	got := AffectedByOutage(snap, "harv-1", schedule.Interval{Start: at(9), End: at(12)})
	require.Equal(t, []string{"task-a", "task-b"}, got)

	require.Empty(t, AffectedByOutage(snap, "harv-1", schedule.Interval{Start: at(18), End: at(20)}))
	require.Equal(t, []string{"task-c"}, AffectedByOutage(snap, "harv-2", schedule.Interval{Start: at(9), End: at(12)}))
}

func TestExpandClosesOverPlacedDependents(t *testing.T) {
	a := harvest("task-a", 60, 1, nil)
	b := harvest("task-b", 60, 1, nil, "task-a")
	c := harvest("task-c", 60, 1, nil, "task-b")
	d := harvest("task-d", 60, 1, nil)
	tasks := map[string]domain.Task{"task-a": a, "task-b": b, "task-c": c, "task-d": d}

	// task-c is pending, so the closure stops at task-b.
	snap := committed(map[string]schedule.Interval{
		"task-a": {Start: at(8), End: at(9)},
		"task-b": {Start: at(9), End: at(10)},
		"task-d": {Start: at(10), End: at(11)},
	})
	require.Equal(t, []string{"task-a", "task-b"}, expand([]string{"task-a"}, tasks, snap))
}

func TestOrderForRepair(t *testing.T) {
	a := harvest("task-a", 60, 1, nil)
	b := harvest("task-b", 60, 9, deadline(10), "task-a")
	c := harvest("task-c", 60, 1, deadline(9))

	ordered, err := orderForRepair([]domain.Task{b, a, c})
	require.NoError(t, err)
	ids := make([]string, 0, len(ordered))
	for _, tk := range ordered {
		ids = append(ids, tk.ID)
	}
	// Depth 0 tasks first in placement priority order, dependents after.
	require.Equal(t, []string{"task-c", "task-a", "task-b"}, ids)
}

func TestOrderForRepairDetectsCycle(t *testing.T) {
	a := harvest("task-a", 60, 1, nil, "task-b")
	b := harvest("task-b", 60, 1, nil, "task-a")
	_, err := orderForRepair([]domain.Task{a, b})
	require.Error(t, err)
}

func TestRepairMovesAffectedTask(t *testing.T) {
	a := harvest("task-a", 180, 1, nil)
	b := harvest("task-b", 240, 1, nil)
	snap := committed(map[string]schedule.Interval{
		"task-a": {Start: at(8), End: at(11)},
		"task-b": {Start: at(11), End: at(15)},
	})
	outage := domain.Outage{ID: "o1", ResourceID: "harv-1", Start: at(9), End: at(11)}
	in := repairInput([]domain.Task{a, b}, []domain.Outage{outage}, snap)

	affected := AffectedByOutage(snap, "harv-1", schedule.Interval{Start: outage.Start, End: outage.End})
	require.Equal(t, []string{"task-a"}, affected)

	out, err := Repair(context.Background(), in, affected, solver.Options{})
	require.NoError(t, err)
	require.NoError(t, out.Err())
	require.Empty(t, out.Escalated)

	require.Equal(t, []Transition{
		{TaskID: "task-a", From: domain.AssignmentStable, To: domain.AssignmentAtRisk},
		{TaskID: "task-a", From: domain.AssignmentAtRisk, To: domain.AssignmentRepairing},
		{TaskID: "task-a", From: domain.AssignmentRepairing, To: domain.AssignmentResolved},
	}, out.Transitions)

	require.Len(t, out.Resolved, 1)
	require.Equal(t, at(15), out.Resolved[0].Window.Start)
	require.Equal(t, at(18), out.Resolved[0].Window.End)

	// Unaffected commitments keep their slots; the base stays untouched.
	ivB, ok := out.Working.TaskWindow("task-b")
	require.True(t, ok)
	require.Equal(t, at(11), ivB.Start)
	ivA, _ := snap.TaskWindow("task-a")
	require.Equal(t, at(8), ivA.Start)
}

func TestRepairReplacesDependentsAfterPredecessor(t *testing.T) {
	a := harvest("task-a", 180, 1, nil)
	b := harvest("task-b", 120, 1, nil, "task-a")
	snap := committed(map[string]schedule.Interval{
		"task-a": {Start: at(8), End: at(11)},
		"task-b": {Start: at(11), End: at(13)},
	})
	outage := domain.Outage{ID: "o1", ResourceID: "harv-1", Start: at(9), End: at(10)}
	in := repairInput([]domain.Task{a, b}, []domain.Outage{outage}, snap)

	out, err := Repair(context.Background(), in, []string{"task-a"}, solver.Options{})
	require.NoError(t, err)
	require.NoError(t, out.Err())
	require.Len(t, out.Resolved, 2)

	ivA, _ := out.Working.TaskWindow("task-a")
	ivB, _ := out.Working.TaskWindow("task-b")
	require.Equal(t, at(10), ivA.Start)
	require.Equal(t, at(13), ivA.End)
	require.False(t, ivB.Start.Before(ivA.End))
}

func TestRepairEscalates(t *testing.T) {
	a := harvest("task-a", 180, 1, deadline(12))
	snap := committed(map[string]schedule.Interval{
		"task-a": {Start: at(8), End: at(11)},
	})
	outage := domain.Outage{ID: "o1", ResourceID: "harv-1", Start: at(8), End: at(12)}
	in := repairInput([]domain.Task{a}, []domain.Outage{outage}, snap)

	out, err := Repair(context.Background(), in, []string{"task-a"}, solver.Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"task-a"}, out.Escalated)
	require.False(t, out.Working.Has("task-a"))

	last := out.Transitions[len(out.Transitions)-1]
	require.Equal(t, domain.AssignmentEscalated, last.To)

	repairErr := out.Err()
	require.ErrorIs(t, repairErr, ErrEscalated)
	var eerr *EscalatedError
	require.ErrorAs(t, repairErr, &eerr)
	require.Equal(t, []string{"task-a"}, eerr.TaskIDs)
}

func TestRepairRequiresBase(t *testing.T) {
	in := repairInput(nil, nil, nil)
	_, err := Repair(context.Background(), in, nil, solver.Options{})
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrEscalated))
}
