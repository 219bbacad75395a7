package server

import (
	"time"

	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/resolver"
	"fieldline/internal/solver"
)

// Request payloads

type CreateHorizonRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type RegisterResourceRequest struct {
	ID       *string `json:"id,omitempty"`
	Kind     string  `json:"kind" enum:"field,vehicle,harvester,crew"`
	Name     string  `json:"name"`
	Capacity int     `json:"capacity,omitempty"`
	Location *string `json:"location,omitempty"`
	DayStart *string `json:"day_start,omitempty"`
	DayEnd   *string `json:"day_end,omitempty"`
	AllHours bool    `json:"all_hours,omitempty"`
}

type ReportOutageRequest struct {
	Start  time.Time `json:"start" format:"date-time"`
	End    time.Time `json:"end" format:"date-time"`
	Reason *string   `json:"reason,omitempty"`
	// Force records the outage even over committed assignments.
	Force bool `json:"force,omitempty"`
	// Repair runs a repair pass for the invalidated assignments after
	// recording the outage. Implies Force.
	Repair bool `json:"repair,omitempty"`
}

type RequirementRequest struct {
	Kind  string `json:"kind" enum:"field,vehicle,harvester,crew"`
	Count int    `json:"count"`
}

type SubmitTaskRequest struct {
	ID            *string              `json:"id,omitempty"`
	Kind          string               `json:"kind" enum:"plant,harvest,deliver,treat"`
	Name          string               `json:"name"`
	DurationMins  int                  `json:"duration_mins"`
	EarliestStart time.Time            `json:"earliest_start" format:"date-time"`
	Deadline      *time.Time           `json:"deadline,omitempty" format:"date-time"`
	Requires      []RequirementRequest `json:"requires"`
	DependsOn     []string             `json:"depends_on,omitempty"`
	Priority      int                  `json:"priority,omitempty"`
	OrderRef      *string              `json:"order_ref,omitempty"`
}

type UpdateTaskRequest struct {
	Name          *string    `json:"name,omitempty"`
	Priority      *int       `json:"priority,omitempty"`
	DurationMins  *int       `json:"duration_mins,omitempty"`
	EarliestStart *time.Time `json:"earliest_start,omitempty" format:"date-time"`
	Deadline      *time.Time `json:"deadline,omitempty" format:"date-time"`
	ClearDeadline bool       `json:"clear_deadline,omitempty"`
	AddDependsOn  []string   `json:"add_depends_on,omitempty"`
	RemoveDeps    []string   `json:"remove_depends_on,omitempty"`
}

type SolveRequest struct {
	BestEffort bool    `json:"best_effort,omitempty"`
	Note       *string `json:"note,omitempty"`
}

type RepairRequest struct {
	Tasks      []string   `json:"tasks,omitempty"`
	ResourceID *string    `json:"resource_id,omitempty"`
	From       *time.Time `json:"from,omitempty" format:"date-time"`
	To         *time.Time `json:"to,omitempty" format:"date-time"`
	Note       *string    `json:"note,omitempty"`
}

// Response payloads

type HorizonResponse struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func horizonResponse(h domain.Horizon) HorizonResponse {
	return HorizonResponse{ID: h.ID, Status: h.Status, Description: h.Description, CreatedAt: h.CreatedAt}
}

func mapHorizons(in []domain.Horizon) []HorizonResponse {
	out := make([]HorizonResponse, 0, len(in))
	for _, h := range in {
		out = append(out, horizonResponse(h))
	}
	return out
}

type HorizonConfigResponse struct {
	Config *config.Config `json:"config"`
}

type HorizonStatusResponse struct {
	HorizonID       string         `json:"horizon_id"`
	Status          string         `json:"status"`
	TaskCounts      map[string]int `json:"task_counts"`
	ScheduleVersion int64          `json:"schedule_version"`
}

type SnapshotMetaResponse struct {
	Version   int64     `json:"version"`
	HorizonID string    `json:"horizon_id"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func mapSnapshotMetas(in []domain.SnapshotMeta) []SnapshotMetaResponse {
	out := make([]SnapshotMetaResponse, 0, len(in))
	for _, m := range in {
		out = append(out, SnapshotMetaResponse{
			Version:   m.Version,
			HorizonID: m.HorizonID,
			Note:      m.Note,
			CreatedAt: m.CreatedAt,
		})
	}
	return out
}

type ResourceResponse struct {
	ID        string    `json:"id"`
	HorizonID string    `json:"horizon_id"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	Capacity  int       `json:"capacity"`
	Location  string    `json:"location,omitempty"`
	DayStart  string    `json:"day_start,omitempty"`
	DayEnd    string    `json:"day_end,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func resourceResponse(r domain.Resource) ResourceResponse {
	return ResourceResponse{
		ID:        r.ID,
		HorizonID: r.HorizonID,
		Kind:      string(r.Kind),
		Name:      r.Name,
		Capacity:  r.Capacity,
		Location:  r.Location,
		DayStart:  r.DayStart,
		DayEnd:    r.DayEnd,
		CreatedAt: r.CreatedAt,
	}
}

func mapResources(in []domain.Resource) []ResourceResponse {
	out := make([]ResourceResponse, 0, len(in))
	for _, r := range in {
		out = append(out, resourceResponse(r))
	}
	return out
}

type OutageResponse struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Reason     string    `json:"reason,omitempty"`
	// Affected lists committed assignments the outage window collides with.
	Affected []AssignmentResponse `json:"affected,omitempty"`
	// Repair carries the repair pass outcome when one was requested.
	Repair *RepairResponse `json:"repair,omitempty"`
}

type TaskResponse struct {
	ID            string               `json:"id"`
	HorizonID     string               `json:"horizon_id"`
	Kind          string               `json:"kind"`
	Name          string               `json:"name"`
	DurationMins  int                  `json:"duration_mins"`
	EarliestStart time.Time            `json:"earliest_start"`
	Deadline      *time.Time           `json:"deadline,omitempty"`
	Requires      []domain.Requirement `json:"requires"`
	DependsOn     []string             `json:"depends_on,omitempty"`
	Priority      int                  `json:"priority"`
	OrderRef      string               `json:"order_ref,omitempty"`
	Status        string               `json:"status"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:            t.ID,
		HorizonID:     t.HorizonID,
		Kind:          string(t.Kind),
		Name:          t.Name,
		DurationMins:  t.DurationMins,
		EarliestStart: t.EarliestStart,
		Deadline:      t.Deadline,
		Requires:      t.Requires,
		DependsOn:     t.DependsOn,
		Priority:      t.Priority,
		OrderRef:      t.OrderRef,
		Status:        t.Status,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

func mapTasks(in []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(in))
	for _, t := range in {
		out = append(out, taskResponse(t))
	}
	return out
}

type AssignmentResponse struct {
	TaskID     string    `json:"task_id"`
	ResourceID string    `json:"resource_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	State      string    `json:"state"`
}

func assignmentResponse(a domain.Assignment) AssignmentResponse {
	return AssignmentResponse{
		TaskID:     a.TaskID,
		ResourceID: a.ResourceID,
		Start:      a.Start,
		End:        a.End,
		State:      a.State,
	}
}

func mapAssignments(in []domain.Assignment) []AssignmentResponse {
	out := make([]AssignmentResponse, 0, len(in))
	for _, a := range in {
		out = append(out, assignmentResponse(a))
	}
	return out
}

type ScheduleResponse struct {
	Version     int64                `json:"version"`
	CreatedAt   time.Time            `json:"created_at"`
	Note        string               `json:"note,omitempty"`
	Assignments []AssignmentResponse `json:"assignments"`
}

type PlacementResponse struct {
	TaskID    string    `json:"task_id"`
	Resources []string  `json:"resources"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

func placementResponse(p solver.Placement) PlacementResponse {
	return PlacementResponse{
		TaskID:    p.TaskID,
		Resources: p.Resources,
		Start:     p.Window.Start,
		End:       p.Window.End,
	}
}

func mapPlacements(in []solver.Placement) []PlacementResponse {
	out := make([]PlacementResponse, 0, len(in))
	for _, p := range in {
		out = append(out, placementResponse(p))
	}
	return out
}

type UnplacedResponse struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
	Kind   string `json:"kind,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type PlanResponse struct {
	Version  int64               `json:"version"`
	Placed   []PlacementResponse `json:"placed"`
	Unplaced []UnplacedResponse  `json:"unplaced,omitempty"`
}

func planResponse(res *engine.PlanResult) PlanResponse {
	out := PlanResponse{Version: res.Version, Placed: mapPlacements(res.Placed)}
	for _, u := range res.Unplaced {
		out.Unplaced = append(out.Unplaced, UnplacedResponse{
			TaskID: u.TaskID,
			Reason: u.Reason,
			Kind:   string(u.Kind),
			Detail: u.Detail,
		})
	}
	return out
}

type RepairResponse struct {
	Version     int64                 `json:"version"`
	Transitions []resolver.Transition `json:"transitions"`
	Resolved    []PlacementResponse   `json:"resolved"`
	Escalated   []string              `json:"escalated,omitempty"`
}

func repairResponse(res *engine.RepairResult) RepairResponse {
	return RepairResponse{
		Version:     res.Version,
		Transitions: res.Transitions,
		Resolved:    mapPlacements(res.Resolved),
		Escalated:   res.Escalated,
	}
}

type AvailabilityResponse struct {
	ResourceID string    `json:"resource_id"`
	Name       string    `json:"name"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

func mapAvailability(in []solver.ResourceWindow) []AvailabilityResponse {
	out := make([]AvailabilityResponse, 0, len(in))
	for _, w := range in {
		out = append(out, AvailabilityResponse{
			ResourceID: w.Resource.ID,
			Name:       w.Resource.Name,
			Start:      w.Window.Start,
			End:        w.Window.End,
		})
	}
	return out
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	HorizonID  string `json:"horizon_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

func mapEvents(in []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, e := range in {
		out = append(out, EventResponse(e))
	}
	return out
}
