package model

import "time"

// PropertyType enumerates the value types a Property can carry.
type PropertyType string

const (
	PropertyString  PropertyType = "string"
	PropertyNumber  PropertyType = "number"
	PropertyBoolean PropertyType = "boolean"
)

// Property is a named, typed attribute definition attachable to events.
// Whether it is required is decided per binding, not here.
type Property struct {
	Ref         string         `json:"ref"`
	Name        string         `json:"name"`
	Type        PropertyType   `json:"type"`
	Description string         `json:"description,omitempty"`
	Validation  map[string]any `json:"validation,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// PropertySpec describes a property to bind under an EventSpec.
type PropertySpec struct {
	Name        string         `json:"name" yaml:"name" binding:"required,min=3,max=65"`
	Type        PropertyType   `json:"type" yaml:"type" binding:"required,oneof=string number boolean"`
	Description string         `json:"description" yaml:"description" binding:"omitempty,max=100"`
	Validation  map[string]any `json:"validation" yaml:"validation"`
	Required    bool           `json:"required" yaml:"required"`
}

// NewProperty builds an unsaved Property from a spec.
func NewProperty(spec PropertySpec) Property {
	return Property{
		Name:        spec.Name,
		Type:        spec.Type,
		Description: spec.Description,
		Validation:  spec.Validation,
	}
}
