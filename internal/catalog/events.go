package catalog

import (
	"context"
	"errors"
	"fmt"

	"tracking-catalog/internal/model"
)

// EventPatch holds the fields of an event update; nil means unchanged.
type EventPatch struct {
	Name                 *string
	Type                 *model.EventType
	Description          *string
	Validation           map[string]any
	AdditionalProperties *bool
}

var errTypeImmutable = errors.New("type cannot be changed")

func (s *Service) CreateEvent(ctx context.Context, spec model.EventSpec) (*model.Event, error) {
	if !model.ValidEventType(spec.Type) {
		return nil, invalid(fmt.Errorf("unknown event type %q", spec.Type))
	}
	if err := model.ValidateEventName(spec.Name, spec.Type); err != nil {
		return nil, invalid(err)
	}
	evt := model.NewEvent(spec)
	if err := s.store.CreateEvent(ctx, &evt); err != nil {
		return nil, err
	}
	s.publish(ctx, change(model.EntityEvent, evt.Ref, model.ActionCreated, eventPayload(&evt)))
	return &evt, nil
}

func (s *Service) ListEvents(ctx context.Context) ([]model.Event, error) {
	return s.store.ListEvents(ctx)
}

func (s *Service) GetEvent(ctx context.Context, ref string) (*model.Event, error) {
	return s.store.GetEvent(ctx, ref)
}

func (s *Service) UpdateEvent(ctx context.Context, ref string, patch EventPatch) (*model.Event, error) {
	evt, err := s.store.GetEvent(ctx, ref)
	if err != nil {
		return nil, err
	}
	if patch.Type != nil && *patch.Type != evt.Type {
		return nil, invalid(errTypeImmutable)
	}
	if patch.Name != nil {
		evt.Name = *patch.Name
	}
	if patch.Description != nil {
		evt.Description = *patch.Description
	}
	if patch.Validation != nil {
		evt.Validation = patch.Validation
	}
	if patch.AdditionalProperties != nil {
		evt.AdditionalProperties = *patch.AdditionalProperties
	}
	if err := model.ValidateEventName(evt.Name, evt.Type); err != nil {
		return nil, invalid(err)
	}
	if err := s.store.UpdateEvent(ctx, evt); err != nil {
		return nil, err
	}
	s.publish(ctx, change(model.EntityEvent, evt.Ref, model.ActionUpdated, eventPayload(evt)))
	return evt, nil
}

func (s *Service) DeleteEvent(ctx context.Context, ref string) error {
	evt, err := s.store.GetEvent(ctx, ref)
	if err != nil {
		return err
	}
	inUse, err := s.store.EventInUse(ctx, ref)
	if err != nil {
		return err
	}
	if inUse {
		return fmt.Errorf("%w: cannot delete event that is part of a tracking plan", ErrConflict)
	}
	if err := s.store.DeleteEvent(ctx, ref); err != nil {
		return err
	}
	s.publish(ctx, change(model.EntityEvent, ref, model.ActionDeleted, eventPayload(evt)))
	return nil
}
