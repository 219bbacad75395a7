package domain

import "time"

// ResourceKind enumerates the schedulable asset classes.
type ResourceKind string

const (
	ResourceField     ResourceKind = "field"
	ResourceVehicle   ResourceKind = "vehicle"
	ResourceHarvester ResourceKind = "harvester"
	ResourceCrew      ResourceKind = "crew"
)

// ResourceKinds lists all valid kinds in stable order.
var ResourceKinds = []ResourceKind{ResourceField, ResourceVehicle, ResourceHarvester, ResourceCrew}

// TaskKind enumerates the schedulable work types.
type TaskKind string

const (
	TaskPlant   TaskKind = "plant"
	TaskHarvest TaskKind = "harvest"
	TaskDeliver TaskKind = "deliver"
	TaskTreat   TaskKind = "treat"
)

// TaskKinds lists all valid kinds in stable order.
var TaskKinds = []TaskKind{TaskPlant, TaskHarvest, TaskDeliver, TaskTreat}

// Horizon is a planning horizon that owns resources, tasks and snapshots.
type Horizon struct {
	ID          string    `json:"id"`
	Status      string    `json:"status" enum:"active,closed"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Resource is a finite schedulable asset. Capacity is the number of
// concurrent assignment units the resource can carry (seats for a crew,
// concurrent tasks for a field).
type Resource struct {
	ID        string       `json:"id"`
	HorizonID string       `json:"horizon_id"`
	Kind      ResourceKind `json:"kind" enum:"field,vehicle,harvester,crew"`
	Name      string       `json:"name"`
	Capacity  int          `json:"capacity"`
	Location  string       `json:"location,omitempty"`
	// DayStart/DayEnd bound the daily availability window as "HH:MM" clock
	// times. Empty means available around the clock.
	DayStart  string    `json:"day_start,omitempty"`
	DayEnd    string    `json:"day_end,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Requirement states how many resources of a kind a task needs for its
// whole duration.
type Requirement struct {
	Kind  ResourceKind `json:"kind" enum:"field,vehicle,harvester,crew"`
	Count int          `json:"count"`
}

// Task statuses.
const (
	TaskPending   = "pending"
	TaskPlaced    = "placed"
	TaskCanceled  = "canceled"
	TaskEscalated = "escalated"
)

// Task is a unit of schedulable work.
type Task struct {
	ID            string        `json:"id"`
	HorizonID     string        `json:"horizon_id"`
	Kind          TaskKind      `json:"kind" enum:"plant,harvest,deliver,treat"`
	Name          string        `json:"name"`
	DurationMins  int           `json:"duration_mins"`
	EarliestStart time.Time     `json:"earliest_start"`
	Deadline      *time.Time    `json:"deadline,omitempty"`
	Requires      []Requirement `json:"requires"`
	DependsOn     []string      `json:"depends_on,omitempty"`
	Priority      int           `json:"priority"`
	// OrderRef ties a delivery task back to the customer order it serves.
	OrderRef  string    `json:"order_ref,omitempty"`
	Status    string    `json:"status" enum:"pending,placed,canceled,escalated"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Duration returns the task duration as a time.Duration.
func (t Task) Duration() time.Duration {
	return time.Duration(t.DurationMins) * time.Minute
}

// Outage is a window in which a resource is unavailable (breakdown,
// weather, maintenance).
type Outage struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Assignment states, per the repair state machine.
const (
	AssignmentStable    = "stable"
	AssignmentAtRisk    = "at_risk"
	AssignmentRepairing = "repairing"
	AssignmentResolved  = "resolved"
	AssignmentEscalated = "escalated"
)

// Assignment binds one task to one resource over a time interval. A task
// requiring several resources has one Assignment row per resource, all
// sharing the same interval.
type Assignment struct {
	TaskID     string    `json:"task_id"`
	ResourceID string    `json:"resource_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	State      string    `json:"state" enum:"stable,at_risk,repairing,resolved,escalated"`
}

// SnapshotMeta describes one committed schedule version.
type SnapshotMeta struct {
	Version   int64     `json:"version"`
	HorizonID string    `json:"horizon_id"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is one append-only audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	HorizonID  string `json:"horizon_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates a collaborator module against the HTTP API.
type APIKey struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"key_hash"`
	CreatedAt time.Time `json:"created_at"`
}
