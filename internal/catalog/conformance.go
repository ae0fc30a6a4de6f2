package catalog

import (
	"context"
	"errors"

	"tracking-catalog/internal/schema"
)

// CheckPayload validates an analytics call against the plan's binding for its event.
// Validation keywords stored on the plan's entities that do not compile are
// reported as ErrInvalidArgument.
func (s *Service) CheckPayload(ctx context.Context, planRef string, p schema.Payload) (schema.Result, error) {
	plan, err := s.GetPlan(ctx, planRef)
	if err != nil {
		return schema.Result{}, err
	}
	res, err := schema.Check(plan, p)
	if errors.Is(err, schema.ErrInvalidSchema) {
		return schema.Result{}, invalid(err)
	}
	return res, err
}
