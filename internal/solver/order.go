package solver

import (
	"container/heap"
	"fmt"
	"sort"

	"fieldline/internal/domain"
)

// less is the list-scheduling priority order: deadline ascending (tasks
// without a deadline last), then priority weight descending, then earliest
// start ascending, with the task id as the deterministic tie-break.
func less(a, b domain.Task) bool {
	switch {
	case a.Deadline != nil && b.Deadline == nil:
		return true
	case a.Deadline == nil && b.Deadline != nil:
		return false
	case a.Deadline != nil && b.Deadline != nil && !a.Deadline.Equal(*b.Deadline):
		return a.Deadline.Before(*b.Deadline)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.EarliestStart.Equal(b.EarliestStart) {
		return a.EarliestStart.Before(b.EarliestStart)
	}
	return a.ID < b.ID
}

// Before exposes the placement priority order for callers that sort their
// own batches (the resolver's repair ordering).
func Before(a, b domain.Task) bool { return less(a, b) }

type taskHeap []domain.Task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return less(h[i], h[j]) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)         { *h = append(*h, x.(domain.Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// orderTasks yields the batch in placement order: the priority order above,
// constrained so every task follows its in-batch predecessors. Kahn's
// algorithm with a priority-ordered ready heap keeps the result
// deterministic. Predecessors outside the batch are assumed already placed
// (the caller checks that).
func orderTasks(batch []domain.Task) ([]domain.Task, error) {
	inBatch := make(map[string]domain.Task, len(batch))
	for _, t := range batch {
		inBatch[t.ID] = t
	}
	indeg := make(map[string]int, len(batch))
	dependents := make(map[string][]string, len(batch))
	for _, t := range batch {
		for _, dep := range t.DependsOn {
			if _, ok := inBatch[dep]; ok {
				indeg[t.ID]++
				dependents[dep] = append(dependents[dep], t.ID)
			}
		}
	}
	ready := &taskHeap{}
	heap.Init(ready)
	for _, t := range batch {
		if indeg[t.ID] == 0 {
			heap.Push(ready, t)
		}
	}
	out := make([]domain.Task, 0, len(batch))
	for ready.Len() > 0 {
		t := heap.Pop(ready).(domain.Task)
		out = append(out, t)
		succs := dependents[t.ID]
		sort.Strings(succs)
		for _, succ := range succs {
			indeg[succ]--
			if indeg[succ] == 0 {
				heap.Push(ready, inBatch[succ])
			}
		}
	}
	if len(out) != len(batch) {
		return nil, fmt.Errorf("task batch contains a dependency cycle (%d of %d ordered)", len(out), len(batch))
	}
	return out, nil
}

// Dependents builds the reverse edge map over the full task set.
func Dependents(tasks map[string]domain.Task) map[string][]string {
	out := map[string][]string{}
	for id, t := range tasks {
		for _, dep := range t.DependsOn {
			out[dep] = append(out[dep], id)
		}
	}
	for dep := range out {
		sort.Strings(out[dep])
	}
	return out
}
