package model

import "time"

// TrackingPlan is the aggregate root owning its event bindings.
type TrackingPlan struct {
	Ref         string         `json:"ref"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Events      []EventBinding `json:"events"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	// Version counts binding writes. UpdatePlan only succeeds against the
	// version that was read.
	Version int64 `json:"-" yaml:"-"`
}

// EventBinding attaches one Event to a plan.
type EventBinding struct {
	Event                string            `json:"event"`
	Properties           []PropertyBinding `json:"properties"`
	AdditionalProperties bool              `json:"additional_properties"`
}

// PropertyBinding attaches one Property to an EventBinding.
type PropertyBinding struct {
	Property string `json:"property"`
	Required bool   `json:"required"`
}

// HasEvent reports whether ref is already bound to the plan.
func (p *TrackingPlan) HasEvent(ref string) bool {
	for _, b := range p.Events {
		if b.Event == ref {
			return true
		}
	}
	return false
}

// PopulatedPlan is a TrackingPlan with bindings resolved to full entities.
type PopulatedPlan struct {
	Ref         string                  `json:"ref"`
	Name        string                  `json:"name"`
	Description string                  `json:"description,omitempty"`
	Events      []PopulatedEventBinding `json:"events"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// PopulatedEventBinding carries a nil Event when the referenced entity is gone.
type PopulatedEventBinding struct {
	Event                *Event                     `json:"event"`
	Properties           []PopulatedPropertyBinding `json:"properties"`
	AdditionalProperties bool                       `json:"additional_properties"`
}

type PopulatedPropertyBinding struct {
	Property *Property `json:"property"`
	Required bool      `json:"required"`
}
