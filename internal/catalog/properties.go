package catalog

import (
	"context"
	"fmt"

	"tracking-catalog/internal/model"
)

// PropertyPatch holds the fields of a property update; nil means unchanged.
type PropertyPatch struct {
	Name        *string
	Type        *model.PropertyType
	Description *string
	Validation  map[string]any
}

func (s *Service) CreateProperty(ctx context.Context, spec model.PropertySpec) (*model.Property, error) {
	prop := model.NewProperty(spec)
	if err := s.store.CreateProperty(ctx, &prop); err != nil {
		return nil, err
	}
	s.publish(ctx, change(model.EntityProperty, prop.Ref, model.ActionCreated, propertyPayload(&prop)))
	return &prop, nil
}

func (s *Service) ListProperties(ctx context.Context) ([]model.Property, error) {
	return s.store.ListProperties(ctx)
}

func (s *Service) GetProperty(ctx context.Context, ref string) (*model.Property, error) {
	return s.store.GetProperty(ctx, ref)
}

func (s *Service) UpdateProperty(ctx context.Context, ref string, patch PropertyPatch) (*model.Property, error) {
	prop, err := s.store.GetProperty(ctx, ref)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		prop.Name = *patch.Name
	}
	if patch.Type != nil {
		prop.Type = *patch.Type
	}
	if patch.Description != nil {
		prop.Description = *patch.Description
	}
	if patch.Validation != nil {
		prop.Validation = patch.Validation
	}
	if err := s.store.UpdateProperty(ctx, prop); err != nil {
		return nil, err
	}
	s.publish(ctx, change(model.EntityProperty, prop.Ref, model.ActionUpdated, propertyPayload(prop)))
	return prop, nil
}

func (s *Service) DeleteProperty(ctx context.Context, ref string) error {
	prop, err := s.store.GetProperty(ctx, ref)
	if err != nil {
		return err
	}
	inUse, err := s.store.PropertyInUse(ctx, ref)
	if err != nil {
		return err
	}
	if inUse {
		return fmt.Errorf("%w: cannot delete property that is part of a tracking plan", ErrConflict)
	}
	if err := s.store.DeleteProperty(ctx, ref); err != nil {
		return err
	}
	s.publish(ctx, change(model.EntityProperty, ref, model.ActionDeleted, propertyPayload(prop)))
	return nil
}
