package schedule

import (
	"testing"

	"github.com/stretchr/testify/require"

	"fieldline/internal/domain"
)

func TestBuilderPlaceAndSnapshot(t *testing.T) {
	b := NewBuilder()
	b.Place("task-a", []string{"harv-1", "crew-1"}, hrs(8, 11), domain.AssignmentStable)
	b.Place("task-b", []string{"harv-1"}, hrs(11, 15), domain.AssignmentStable)

	snap := b.Snapshot(3, day)
	require.Equal(t, int64(3), snap.Version())
	require.Equal(t, day, snap.CreatedAt())
	require.Equal(t, 2, snap.Len())
	require.Equal(t, []string{"task-a", "task-b"}, snap.PlacedTasks())

	rows := snap.ByTask("task-a")
	require.Len(t, rows, 2)
	require.Equal(t, "crew-1", rows[0].ResourceID)
	require.Equal(t, "harv-1", rows[1].ResourceID)

	iv, ok := snap.TaskWindow("task-b")
	require.True(t, ok)
	require.Equal(t, hrs(11, 15), iv)

	_, ok = snap.TaskWindow("task-c")
	require.False(t, ok)
}

func TestBuilderReplacesPriorPlacement(t *testing.T) {
	b := NewBuilder()
	b.Place("task-a", []string{"harv-1"}, hrs(8, 11), domain.AssignmentStable)
	b.Place("task-a", []string{"harv-2"}, hrs(12, 15), domain.AssignmentResolved)

	require.Equal(t, []string{"harv-2"}, b.TaskResources("task-a"))
	iv, _ := b.TaskWindow("task-a")
	require.Equal(t, hrs(12, 15), iv)
	require.Empty(t, b.ResourceRows("harv-1"))
}

func TestBuilderRemoveRestore(t *testing.T) {
	b := NewBuilder()
	b.Place("task-a", []string{"harv-1"}, hrs(8, 11), domain.AssignmentStable)

	saved := b.Rows("task-a")
	b.Remove("task-a")
	require.False(t, b.Has("task-a"))
	require.Empty(t, b.ResourceRows("harv-1"))

	b.Restore("task-a", saved)
	require.True(t, b.Has("task-a"))
	iv, _ := b.TaskWindow("task-a")
	require.Equal(t, hrs(8, 11), iv)

	// Restoring empty rows drops the task entirely.
	b.Restore("task-a", nil)
	require.False(t, b.Has("task-a"))
}

func TestBuilderSetState(t *testing.T) {
	b := NewBuilder()
	b.Place("task-a", []string{"harv-1", "crew-1"}, hrs(8, 11), domain.AssignmentStable)
	b.SetState("task-a", domain.AssignmentAtRisk)
	for _, a := range b.Rows("task-a") {
		require.Equal(t, domain.AssignmentAtRisk, a.State)
	}
}

func TestSnapshotBuildIsCopyOnWrite(t *testing.T) {
	b := NewBuilder()
	b.Place("task-a", []string{"harv-1"}, hrs(8, 11), domain.AssignmentStable)
	snap := b.Snapshot(1, day)

	derived := snap.Build()
	derived.Remove("task-a")
	derived.Place("task-b", []string{"harv-1"}, hrs(8, 11), domain.AssignmentStable)

	// The committed snapshot is untouched by edits on the derived builder.
	require.Equal(t, []string{"task-a"}, snap.PlacedTasks())
	iv, ok := snap.TaskWindow("task-a")
	require.True(t, ok)
	require.Equal(t, hrs(8, 11), iv)
	require.Equal(t, []string{"task-b"}, derived.PlacedTasks())
}

func TestSnapshotByResourceAndWindow(t *testing.T) {
	b := NewBuilder()
	b.Place("task-a", []string{"harv-1"}, hrs(8, 11), domain.AssignmentStable)
	b.Place("task-b", []string{"harv-1"}, hrs(11, 15), domain.AssignmentStable)
	b.Place("task-c", []string{"harv-2"}, hrs(9, 10), domain.AssignmentStable)
	snap := b.Snapshot(1, day)

	rows := snap.ByResource("harv-1")
	require.Len(t, rows, 2)
	require.Equal(t, "task-a", rows[0].TaskID)
	require.Equal(t, "task-b", rows[1].TaskID)

	inWindow := snap.Window(hrs(10, 12))
	ids := make([]string, 0, len(inWindow))
	for _, a := range inWindow {
		ids = append(ids, a.TaskID)
	}
	require.Equal(t, []string{"task-a", "task-b"}, ids)
}

func TestFromAssignmentsRoundTrip(t *testing.T) {
	meta := domain.SnapshotMeta{Version: 7, HorizonID: "season-2025", CreatedAt: day}
	snap := FromAssignments(meta, []domain.Assignment{
		{TaskID: "task-a", ResourceID: "harv-1", Start: hrs(8, 11).Start, End: hrs(8, 11).End, State: domain.AssignmentStable},
	})
	require.Equal(t, int64(7), snap.Version())
	require.Equal(t, 1, snap.Len())
	iv, ok := snap.TaskWindow("task-a")
	require.True(t, ok)
	require.Equal(t, hrs(8, 11), iv)
}

func TestCheckCapacity(t *testing.T) {
	resources := map[string]domain.Resource{
		"harv-1": {ID: "harv-1", Kind: domain.ResourceHarvester, Capacity: 1},
		"crew-1": {ID: "crew-1", Kind: domain.ResourceCrew, Capacity: 2},
	}

	b := NewBuilder()
	b.Place("task-a", []string{"harv-1"}, hrs(8, 11), domain.AssignmentStable)
	b.Place("task-b", []string{"harv-1"}, hrs(11, 15), domain.AssignmentStable)
	b.Place("task-c", []string{"crew-1"}, hrs(8, 12), domain.AssignmentStable)
	b.Place("task-d", []string{"crew-1"}, hrs(9, 13), domain.AssignmentStable)
	require.NoError(t, b.Snapshot(1, day).CheckCapacity(resources))

	// A third concurrent crew row breaks the capacity of 2.
	b.Place("task-e", []string{"crew-1"}, hrs(10, 11), domain.AssignmentStable)
	require.Error(t, b.Snapshot(2, day).CheckCapacity(resources))

	// Unknown resource ids are rejected outright.
	b2 := NewBuilder()
	b2.Place("task-a", []string{"ghost"}, hrs(8, 9), domain.AssignmentStable)
	require.Error(t, b2.Snapshot(1, day).CheckCapacity(resources))
}

func TestCheckPrecedence(t *testing.T) {
	tasks := map[string]domain.Task{
		"task-a": {ID: "task-a"},
		"task-b": {ID: "task-b", DependsOn: []string{"task-a"}},
	}

	b := NewBuilder()
	b.Place("task-a", []string{"harv-1"}, hrs(8, 11), domain.AssignmentStable)
	b.Place("task-b", []string{"harv-2"}, hrs(11, 13), domain.AssignmentStable)
	require.NoError(t, b.Snapshot(1, day).CheckPrecedence(tasks))

	b.Place("task-b", []string{"harv-2"}, hrs(10, 12), domain.AssignmentStable)
	require.Error(t, b.Snapshot(2, day).CheckPrecedence(tasks))
}
