package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tracking-catalog/internal/model"
	"tracking-catalog/internal/store"
)

const (
	compensationTimeout = 5 * time.Second
	// planAttempts bounds retries after another writer changed the plan
	// between our read and our write.
	planAttempts = 3
)

// reconciliation is one UpsertEvents call. It remembers what it created
// so a failed call can be undone on stores without transactions.
type reconciliation struct {
	st            store.Store
	createdEvents []model.Event
	createdProps  []model.Property
	attached      []model.EventBinding
}

// UpsertEvents resolves each spec to an existing or new Event and its
// Properties, then attaches the results to the plan in one write.
// Either every spec is attached or the catalog is left as it was.
func (s *Service) UpsertEvents(ctx context.Context, planRef string, specs []model.EventSpec) (*model.PopulatedPlan, error) {
	var (
		rec  *reconciliation
		plan *model.TrackingPlan
		err  error
		mode = "compensation"
	)
	tx, transactional := s.store.(store.Transactor)
	if transactional {
		mode = "transaction"
	} else {
		// kept across attempts: a retry reuses what earlier attempts created
		rec = &reconciliation{st: s.store}
	}
	for attempt := 1; ; attempt++ {
		if transactional {
			err = tx.WithinTx(ctx, func(st store.Store) error {
				rec = &reconciliation{st: st}
				p, runErr := rec.run(ctx, planRef, specs)
				plan = p
				return runErr
			})
		} else {
			rec.attached = nil
			plan, err = rec.run(ctx, planRef, specs)
		}
		if !errors.Is(err, store.ErrStale) || attempt == planAttempts || ctx.Err() != nil {
			break
		}
		staleRetries.Inc()
		s.logger.Debug("tracking plan changed during upsert, retrying", "plan", planRef, "attempt", attempt)
	}
	if err != nil && !transactional {
		s.compensate(ctx, rec)
	}
	upserts.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		if rec != nil && len(rec.createdEvents)+len(rec.createdProps) > 0 {
			rollbacks.WithLabelValues(mode).Inc()
		}
		s.logger.Debug("upsert events failed", "plan", planRef, "events", len(specs), "err", err)
		return nil, err
	}

	entitiesCreated.WithLabelValues(string(model.EntityEvent)).Add(float64(len(rec.createdEvents)))
	entitiesCreated.WithLabelValues(string(model.EntityProperty)).Add(float64(len(rec.createdProps)))
	s.publish(ctx, rec.changes(planRef)...)
	s.logger.Info("upserted events",
		"plan", planRef,
		"attached", len(rec.attached),
		"created_events", len(rec.createdEvents),
		"created_properties", len(rec.createdProps))

	return newResolver(s.store).populate(ctx, plan)
}

func (r *reconciliation) run(ctx context.Context, planRef string, specs []model.EventSpec) (*model.TrackingPlan, error) {
	plan, err := r.st.GetPlan(ctx, planRef)
	if err != nil {
		return nil, fmt.Errorf("tracking plan %s: %w", planRef, err)
	}
	bound := make(map[string]struct{}, len(plan.Events)+len(specs))
	for _, b := range plan.Events {
		bound[b.Event] = struct{}{}
	}

	for i, spec := range specs {
		evt, err := r.resolveEvent(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("events[%d]: %w", i, err)
		}
		if _, dup := bound[evt.Ref]; dup {
			return nil, fmt.Errorf("events[%d]: %w: event %s already exists in the tracking plan", i, ErrConflict, evt.Ref)
		}

		binding := model.EventBinding{
			Event:                evt.Ref,
			Properties:           make([]model.PropertyBinding, 0, len(spec.Properties)),
			AdditionalProperties: spec.AllowsAdditional(),
		}
		seen := make(map[string]struct{}, len(spec.Properties))
		for j, ps := range spec.Properties {
			prop, err := r.resolveProperty(ctx, ps)
			if err != nil {
				return nil, fmt.Errorf("events[%d].properties[%d]: %w", i, j, err)
			}
			// first occurrence wins
			if _, ok := seen[prop.Ref]; ok {
				continue
			}
			seen[prop.Ref] = struct{}{}
			binding.Properties = append(binding.Properties, model.PropertyBinding{Property: prop.Ref, Required: ps.Required})
		}

		plan.Events = append(plan.Events, binding)
		bound[evt.Ref] = struct{}{}
		r.attached = append(r.attached, binding)
	}

	if err := r.st.UpdatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("save tracking plan: %w", err)
	}
	return plan, nil
}

func (r *reconciliation) resolveEvent(ctx context.Context, spec model.EventSpec) (*model.Event, error) {
	if !model.ValidEventType(spec.Type) {
		return nil, invalid(fmt.Errorf("unknown event type %q", spec.Type))
	}
	existing, err := r.st.FindEvent(ctx, spec.Name, spec.Type)
	if err == nil {
		if err := compatibleEvent(existing, spec); err != nil {
			return nil, err
		}
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if err := model.ValidateEventName(spec.Name, spec.Type); err != nil {
		return nil, invalid(err)
	}
	evt := model.NewEvent(spec)
	if err := r.st.CreateEvent(ctx, &evt); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		// a concurrent caller created it first; reuse theirs
		winner, findErr := r.st.FindEvent(ctx, spec.Name, spec.Type)
		if findErr != nil {
			return nil, err
		}
		if err := compatibleEvent(winner, spec); err != nil {
			return nil, err
		}
		return winner, nil
	}
	r.createdEvents = append(r.createdEvents, evt)
	return &evt, nil
}

func (r *reconciliation) resolveProperty(ctx context.Context, spec model.PropertySpec) (*model.Property, error) {
	existing, err := r.st.FindProperty(ctx, spec.Name, spec.Type)
	if err == nil {
		if err := compatibleProperty(existing, spec); err != nil {
			return nil, err
		}
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	prop := model.NewProperty(spec)
	if err := r.st.CreateProperty(ctx, &prop); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		winner, findErr := r.st.FindProperty(ctx, spec.Name, spec.Type)
		if findErr != nil {
			return nil, err
		}
		if err := compatibleProperty(winner, spec); err != nil {
			return nil, err
		}
		return winner, nil
	}
	r.createdProps = append(r.createdProps, prop)
	return &prop, nil
}

// compensate deletes what a failed attempt created. It runs on a detached
// context so a cancelled request still cleans up. Entities another plan has
// bound in the meantime are left alone.
func (s *Service) compensate(ctx context.Context, r *reconciliation) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	for _, evt := range r.createdEvents {
		inUse, err := s.store.EventInUse(ctx, evt.Ref)
		if err == nil && inUse {
			continue
		}
		if err == nil {
			err = s.store.DeleteEvent(ctx, evt.Ref)
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			compensationFailures.Inc()
			s.logger.Error("compensating delete failed", "entity", model.EntityEvent, "ref", evt.Ref, "err", err)
		}
	}
	for _, prop := range r.createdProps {
		inUse, err := s.store.PropertyInUse(ctx, prop.Ref)
		if err == nil && inUse {
			continue
		}
		if err == nil {
			err = s.store.DeleteProperty(ctx, prop.Ref)
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			compensationFailures.Inc()
			s.logger.Error("compensating delete failed", "entity", model.EntityProperty, "ref", prop.Ref, "err", err)
		}
	}
}

func (r *reconciliation) changes(planRef string) []model.Change {
	out := make([]model.Change, 0, len(r.createdEvents)+len(r.createdProps)+len(r.attached))
	for i := range r.createdEvents {
		out = append(out, change(model.EntityEvent, r.createdEvents[i].Ref, model.ActionCreated, eventPayload(&r.createdEvents[i])))
	}
	for i := range r.createdProps {
		out = append(out, change(model.EntityProperty, r.createdProps[i].Ref, model.ActionCreated, propertyPayload(&r.createdProps[i])))
	}
	for _, b := range r.attached {
		c := change(model.EntityEvent, b.Event, model.ActionAttached, map[string]any{
			"properties":            len(b.Properties),
			"additional_properties": b.AdditionalProperties,
		})
		c.PlanRef = planRef
		out = append(out, c)
	}
	return out
}
