package catalog

import (
	"context"
	"errors"

	"tracking-catalog/internal/model"
	"tracking-catalog/internal/store"
)

// PlanDefinition is a declarative plan, as read from a plan file.
type PlanDefinition struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Events      []model.EventSpec `yaml:"events"`
}

// ApplyResult summarizes one ApplyPlan call.
type ApplyResult struct {
	Plan     *model.PopulatedPlan
	Created  bool
	Attached int
	Skipped  int
}

// ApplyPlan makes the named plan contain every event in def. The plan is
// created when missing and events it already binds are skipped, so applying
// the same definition twice is a no-op.
func (s *Service) ApplyPlan(ctx context.Context, def PlanDefinition) (*ApplyResult, error) {
	res := &ApplyResult{}
	plan, err := s.store.FindPlanByName(ctx, def.Name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		plan, err = s.CreatePlan(ctx, def.Name, def.Description)
		if err != nil {
			return nil, err
		}
		res.Created = true
	case err != nil:
		return nil, err
	}

	pending := make([]model.EventSpec, 0, len(def.Events))
	for _, spec := range def.Events {
		existing, err := s.store.FindEvent(ctx, spec.Name, spec.Type)
		if err == nil && plan.HasEvent(existing.Ref) {
			res.Skipped++
			continue
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		pending = append(pending, spec)
	}

	if len(pending) == 0 {
		res.Plan, err = newResolver(s.store).populate(ctx, plan)
		return res, err
	}
	res.Plan, err = s.UpsertEvents(ctx, plan.Ref, pending)
	if err != nil {
		return nil, err
	}
	res.Attached = len(pending)
	return res, nil
}
