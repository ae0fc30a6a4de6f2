// Package store persists the catalog's three collections.
package store

import (
	"context"
	"errors"
	"fmt"

	"tracking-catalog/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict covers uniqueness and reference-integrity violations.
	ErrConflict = errors.New("conflict")
	// ErrStale is returned by UpdatePlan when the plan changed after it was
	// read. It is an ErrConflict.
	ErrStale = fmt.Errorf("%w: tracking plan modified concurrently", ErrConflict)
)

// Store is the document-store contract used by the catalog.
// Lookups return ErrNotFound for missing rows; writes return ErrConflict when
// a natural key or plan name collides.
type Store interface {
	CreateEvent(ctx context.Context, e *model.Event) error
	GetEvent(ctx context.Context, ref string) (*model.Event, error)
	FindEvent(ctx context.Context, name string, typ model.EventType) (*model.Event, error)
	ListEvents(ctx context.Context) ([]model.Event, error)
	UpdateEvent(ctx context.Context, e *model.Event) error
	DeleteEvent(ctx context.Context, ref string) error

	CreateProperty(ctx context.Context, p *model.Property) error
	GetProperty(ctx context.Context, ref string) (*model.Property, error)
	FindProperty(ctx context.Context, name string, typ model.PropertyType) (*model.Property, error)
	ListProperties(ctx context.Context) ([]model.Property, error)
	UpdateProperty(ctx context.Context, p *model.Property) error
	DeleteProperty(ctx context.Context, ref string) error

	CreatePlan(ctx context.Context, p *model.TrackingPlan) error
	GetPlan(ctx context.Context, ref string) (*model.TrackingPlan, error)
	FindPlanByName(ctx context.Context, name string) (*model.TrackingPlan, error)
	ListPlans(ctx context.Context) ([]model.TrackingPlan, error)
	// UpdatePlan replaces name, description and the full binding list, and
	// bumps p.Version. It returns ErrStale unless p.Version is the stored one.
	UpdatePlan(ctx context.Context, p *model.TrackingPlan) error
	DeletePlan(ctx context.Context, ref string) error

	EventInUse(ctx context.Context, ref string) (bool, error)
	PropertyInUse(ctx context.Context, ref string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// Transactor is implemented by stores that can run a unit of work atomically.
// fn receives a Store bound to the transaction; returning an error rolls it back.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(Store) error) error
}
