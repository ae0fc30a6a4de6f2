package model

import "time"

// EntityKind names the catalog collection a Change belongs to.
type EntityKind string

const (
	EntityEvent    EntityKind = "event"
	EntityProperty EntityKind = "property"
	EntityPlan     EntityKind = "tracking_plan"
)

// ChangeAction is what happened to the entity.
type ChangeAction string

const (
	ActionCreated  ChangeAction = "created"
	ActionUpdated  ChangeAction = "updated"
	ActionDeleted  ChangeAction = "deleted"
	ActionAttached ChangeAction = "attached"
)

// Change is the message published on the catalog change topic and stored in ClickHouse.
type Change struct {
	ID         string         `json:"id"`
	Entity     EntityKind     `json:"entity"`
	EntityRef  string         `json:"entity_ref"`
	Action     ChangeAction   `json:"action"`
	PlanRef    string         `json:"plan_ref,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
