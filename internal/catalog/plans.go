package catalog

import (
	"context"
	"errors"

	"tracking-catalog/internal/model"
	"tracking-catalog/internal/store"
)

// PlanPatch holds the fields of a plan update; nil means unchanged.
// Bindings are only changed through UpsertEvents.
type PlanPatch struct {
	Name        *string
	Description *string
}

func (s *Service) CreatePlan(ctx context.Context, name, description string) (*model.TrackingPlan, error) {
	plan := &model.TrackingPlan{Name: name, Description: description, Events: []model.EventBinding{}}
	if err := s.store.CreatePlan(ctx, plan); err != nil {
		return nil, err
	}
	s.publish(ctx, change(model.EntityPlan, plan.Ref, model.ActionCreated, map[string]any{"name": plan.Name}))
	return plan, nil
}

func (s *Service) ListPlans(ctx context.Context) ([]model.PopulatedPlan, error) {
	plans, err := s.store.ListPlans(ctx)
	if err != nil {
		return nil, err
	}
	r := newResolver(s.store)
	out := make([]model.PopulatedPlan, 0, len(plans))
	for i := range plans {
		p, err := r.populate(ctx, &plans[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

func (s *Service) GetPlan(ctx context.Context, ref string) (*model.PopulatedPlan, error) {
	plan, err := s.store.GetPlan(ctx, ref)
	if err != nil {
		return nil, err
	}
	return newResolver(s.store).populate(ctx, plan)
}

func (s *Service) UpdatePlan(ctx context.Context, ref string, patch PlanPatch) (*model.PopulatedPlan, error) {
	plan, err := s.store.GetPlan(ctx, ref)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		plan.Name = *patch.Name
	}
	if patch.Description != nil {
		plan.Description = *patch.Description
	}
	if err := s.store.UpdatePlan(ctx, plan); err != nil {
		return nil, err
	}
	s.publish(ctx, change(model.EntityPlan, plan.Ref, model.ActionUpdated, map[string]any{"name": plan.Name}))
	return newResolver(s.store).populate(ctx, plan)
}

func (s *Service) DeletePlan(ctx context.Context, ref string) error {
	plan, err := s.store.GetPlan(ctx, ref)
	if err != nil {
		return err
	}
	if err := s.store.DeletePlan(ctx, ref); err != nil {
		return err
	}
	s.publish(ctx, change(model.EntityPlan, ref, model.ActionDeleted, map[string]any{"name": plan.Name}))
	return nil
}

// resolver memoizes entity lookups while populating plans.
type resolver struct {
	st     store.Store
	events map[string]*model.Event
	props  map[string]*model.Property
}

func newResolver(st store.Store) *resolver {
	return &resolver{st: st, events: map[string]*model.Event{}, props: map[string]*model.Property{}}
}

func (r *resolver) event(ctx context.Context, ref string) (*model.Event, error) {
	if e, ok := r.events[ref]; ok {
		return e, nil
	}
	e, err := r.st.GetEvent(ctx, ref)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	r.events[ref] = e
	return e, nil
}

func (r *resolver) property(ctx context.Context, ref string) (*model.Property, error) {
	if p, ok := r.props[ref]; ok {
		return p, nil
	}
	p, err := r.st.GetProperty(ctx, ref)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	r.props[ref] = p
	return p, nil
}

// populate resolves every binding; dangling references come back as nil.
func (r *resolver) populate(ctx context.Context, plan *model.TrackingPlan) (*model.PopulatedPlan, error) {
	out := &model.PopulatedPlan{
		Ref:         plan.Ref,
		Name:        plan.Name,
		Description: plan.Description,
		Events:      make([]model.PopulatedEventBinding, 0, len(plan.Events)),
		CreatedAt:   plan.CreatedAt,
		UpdatedAt:   plan.UpdatedAt,
	}
	for _, b := range plan.Events {
		evt, err := r.event(ctx, b.Event)
		if err != nil {
			return nil, err
		}
		pb := model.PopulatedEventBinding{
			Event:                evt,
			Properties:           make([]model.PopulatedPropertyBinding, 0, len(b.Properties)),
			AdditionalProperties: b.AdditionalProperties,
		}
		for _, p := range b.Properties {
			prop, err := r.property(ctx, p.Property)
			if err != nil {
				return nil, err
			}
			pb.Properties = append(pb.Properties, model.PopulatedPropertyBinding{Property: prop, Required: p.Required})
		}
		out.Events = append(out.Events, pb)
	}
	return out, nil
}
