package solver

import (
	"fmt"
	"sort"
	"time"

	"fieldline/internal/domain"
	"fieldline/internal/schedule"
)

// calendar precomputes per-resource blocked time over the planning span:
// outages plus the off-hours outside the resource's daily window. Assignment
// load is not part of the calendar; it lives in the working schedule builder
// and is counted against capacity at query time.
type calendar struct {
	byKind map[domain.ResourceKind][]domain.Resource
	byID   map[string]domain.Resource
	busy   map[string][]schedule.Interval
	span   schedule.Interval
}

// ParseClock parses a "HH:MM" clock string into minutes after midnight.
func ParseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return h*60 + m, nil
}

func newCalendar(resources []domain.Resource, outages []domain.Outage, span schedule.Interval) *calendar {
	c := &calendar{
		byKind: map[domain.ResourceKind][]domain.Resource{},
		byID:   map[string]domain.Resource{},
		busy:   map[string][]schedule.Interval{},
		span:   span,
	}
	raw := map[string][]schedule.Interval{}
	for _, r := range resources {
		c.byKind[r.Kind] = append(c.byKind[r.Kind], r)
		c.byID[r.ID] = r
		raw[r.ID] = append(raw[r.ID], offHours(r, span)...)
	}
	for kind := range c.byKind {
		rs := c.byKind[kind]
		sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
	}
	for _, o := range outages {
		raw[o.ResourceID] = append(raw[o.ResourceID], schedule.Interval{Start: o.Start, End: o.End})
	}
	for rid, ivs := range raw {
		c.busy[rid] = schedule.MergeIntervals(ivs)
	}
	return c
}

// offHours expands a resource's daily window into blocked intervals across
// the span. Resources without a window are available around the clock.
func offHours(r domain.Resource, span schedule.Interval) []schedule.Interval {
	if r.DayStart == "" && r.DayEnd == "" {
		return nil
	}
	startMins, err := ParseClock(r.DayStart)
	if err != nil {
		startMins = 0
	}
	endMins := 24 * 60
	if r.DayEnd != "" {
		if v, err := ParseClock(r.DayEnd); err == nil {
			endMins = v
		}
	}
	var out []schedule.Interval
	day := time.Date(span.Start.Year(), span.Start.Month(), span.Start.Day(), 0, 0, 0, 0, span.Start.Location())
	for day.Before(span.End) {
		next := day.AddDate(0, 0, 1)
		out = append(out,
			schedule.Interval{Start: day, End: day.Add(time.Duration(startMins) * time.Minute)},
			schedule.Interval{Start: day.Add(time.Duration(endMins) * time.Minute), End: next},
		)
		day = next
	}
	return out
}

// free reports whether the resource can take one more assignment unit over
// iv, given its working rows.
func (c *calendar) free(rid string, iv schedule.Interval, rows []domain.Assignment) bool {
	for _, b := range c.busy[rid] {
		if b.Overlaps(iv) {
			return false
		}
	}
	units := 0
	for _, a := range rows {
		if iv.Overlaps(schedule.Interval{Start: a.Start, End: a.End}) {
			units++
		}
	}
	return units < c.byID[rid].Capacity
}

// kindTotal returns how many resources of a kind exist.
func (c *calendar) kindTotal(kind domain.ResourceKind) int {
	return len(c.byKind[kind])
}

// candidateStarts returns the ordered distinct start instants worth trying
// for a task needing the given kinds: the earliest bound itself plus every
// busy-interval and assignment end after it. The earliest feasible start is
// always one of these.
func (c *calendar) candidateStarts(kinds []domain.ResourceKind, est time.Time, b *schedule.Builder) []time.Time {
	set := map[time.Time]struct{}{est: {}}
	add := func(ts time.Time) {
		if ts.After(est) && ts.Before(c.span.End) {
			set[ts] = struct{}{}
		}
	}
	for _, kind := range kinds {
		for _, r := range c.byKind[kind] {
			for _, iv := range c.busy[r.ID] {
				add(iv.End)
			}
			for _, a := range b.ResourceRows(r.ID) {
				add(a.End)
			}
		}
	}
	out := make([]time.Time, 0, len(set))
	for ts := range set {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// FreeWindows returns the available (resource, interval) pairs of a kind
// within window, ordered by resource id then interval start. Capacity load
// from the committed snapshot is treated as busy time.
func FreeWindows(resources []domain.Resource, outages []domain.Outage, snap *schedule.Snapshot, kind domain.ResourceKind, window schedule.Interval) []ResourceWindow {
	cal := newCalendar(resources, outages, window)
	var out []ResourceWindow
	for _, r := range cal.byKind[kind] {
		busy := make([]schedule.Interval, 0, len(cal.busy[r.ID]))
		busy = append(busy, cal.busy[r.ID]...)
		if r.Capacity == 1 && snap != nil {
			for _, a := range snap.ByResource(r.ID) {
				busy = append(busy, schedule.Interval{Start: a.Start, End: a.End})
			}
		}
		for _, iv := range schedule.SubtractIntervals(window, schedule.MergeIntervals(busy)) {
			out = append(out, ResourceWindow{Resource: r, Window: iv})
		}
	}
	return out
}

// ResourceWindow pairs a resource with one of its free intervals.
type ResourceWindow struct {
	Resource domain.Resource   `json:"resource"`
	Window   schedule.Interval `json:"window"`
}
