package model

import "time"

// EventType enumerates the analytics call types an Event can describe.
type EventType string

const (
	EventTrack    EventType = "track"
	EventIdentify EventType = "identify"
	EventAlias    EventType = "alias"
	EventScreen   EventType = "screen"
	EventPage     EventType = "page"
)

// Event is a named, typed analytics action definition shared across plans.
type Event struct {
	Ref                  string         `json:"ref"`
	Name                 string         `json:"name,omitempty"`
	Type                 EventType      `json:"type"`
	Description          string         `json:"description,omitempty"`
	Validation           map[string]any `json:"validation,omitempty"`
	AdditionalProperties bool           `json:"additional_properties"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// EventSpec is the caller's description of an event to attach to a plan.
// Absent optional fields are never compared against an existing Event.
type EventSpec struct {
	Name                 string         `json:"name" yaml:"name" binding:"omitempty,min=3,max=65"`
	Type                 EventType      `json:"type" yaml:"type" binding:"required,oneof=track identify alias screen page"`
	Description          string         `json:"description" yaml:"description" binding:"omitempty,max=100"`
	Validation           map[string]any `json:"validation" yaml:"validation"`
	AdditionalProperties *bool          `json:"additional_properties" yaml:"additional_properties"`
	Properties           []PropertySpec `json:"properties" yaml:"properties" binding:"dive"`
}

// AllowsAdditional reports the binding flag, defaulting to true when unset.
func (s EventSpec) AllowsAdditional() bool {
	if s.AdditionalProperties == nil {
		return true
	}
	return *s.AdditionalProperties
}

// NewEvent builds an unsaved Event from a spec.
func NewEvent(spec EventSpec) Event {
	return Event{
		Name:                 spec.Name,
		Type:                 spec.Type,
		Description:          spec.Description,
		Validation:           spec.Validation,
		AdditionalProperties: spec.AllowsAdditional(),
	}
}
