package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tracking-catalog/internal/model"
)

type naturalKey struct {
	name string
	typ  string
}

type memRecord[T any] struct {
	seq uint64
	doc T
	// version is only tracked for plans; clone drops model.TrackingPlan.Version.
	version int64
}

// MemoryStore keeps every collection in process memory. It enforces the same
// uniqueness constraints as the SQL stores but has no transactions, so the
// catalog falls back to compensating deletes when using it.
type MemoryStore struct {
	mu  sync.RWMutex
	seq uint64

	events     map[string]memRecord[model.Event]
	eventKeys  map[naturalKey]string
	props      map[string]memRecord[model.Property]
	propKeys   map[naturalKey]string
	plans      map[string]memRecord[model.TrackingPlan]
	planByName map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:     map[string]memRecord[model.Event]{},
		eventKeys:  map[naturalKey]string{},
		props:      map[string]memRecord[model.Property]{},
		propKeys:   map[naturalKey]string{},
		plans:      map[string]memRecord[model.TrackingPlan]{},
		planByName: map[string]string{},
	}
}

func (s *MemoryStore) CreateEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := naturalKey{e.Name, string(e.Type)}
	if _, ok := s.eventKeys[key]; ok {
		return fmt.Errorf("%w: event %q of type %s already exists", ErrConflict, e.Name, e.Type)
	}
	stampNew(&e.Ref, &e.CreatedAt, &e.UpdatedAt)
	doc, err := clone(*e)
	if err != nil {
		return err
	}
	s.seq++
	s.events[e.Ref] = memRecord[model.Event]{seq: s.seq, doc: doc}
	s.eventKeys[key] = e.Ref
	return nil
}

func (s *MemoryStore) GetEvent(_ context.Context, ref string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.events[ref]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", ref, ErrNotFound)
	}
	return clonePtr(rec.doc)
}

func (s *MemoryStore) FindEvent(ctx context.Context, name string, typ model.EventType) (*model.Event, error) {
	s.mu.RLock()
	ref, ok := s.eventKeys[naturalKey{name, string(typ)}]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("event %q of type %s: %w", name, typ, ErrNotFound)
	}
	return s.GetEvent(ctx, ref)
}

func (s *MemoryStore) ListEvents(_ context.Context) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listSorted(s.events)
}

func (s *MemoryStore) UpdateEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.events[e.Ref]
	if !ok {
		return fmt.Errorf("event %s: %w", e.Ref, ErrNotFound)
	}
	oldKey := naturalKey{cur.doc.Name, string(cur.doc.Type)}
	newKey := naturalKey{e.Name, string(e.Type)}
	if owner, taken := s.eventKeys[newKey]; taken && owner != e.Ref {
		return fmt.Errorf("%w: event %q of type %s already exists", ErrConflict, e.Name, e.Type)
	}
	e.CreatedAt = cur.doc.CreatedAt
	e.UpdatedAt = now()
	doc, err := clone(*e)
	if err != nil {
		return err
	}
	delete(s.eventKeys, oldKey)
	s.eventKeys[newKey] = e.Ref
	s.events[e.Ref] = memRecord[model.Event]{seq: cur.seq, doc: doc}
	return nil
}

func (s *MemoryStore) DeleteEvent(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.events[ref]
	if !ok {
		return fmt.Errorf("event %s: %w", ref, ErrNotFound)
	}
	delete(s.eventKeys, naturalKey{cur.doc.Name, string(cur.doc.Type)})
	delete(s.events, ref)
	return nil
}

func (s *MemoryStore) CreateProperty(_ context.Context, p *model.Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := naturalKey{p.Name, string(p.Type)}
	if _, ok := s.propKeys[key]; ok {
		return fmt.Errorf("%w: property %q of type %s already exists", ErrConflict, p.Name, p.Type)
	}
	stampNew(&p.Ref, &p.CreatedAt, &p.UpdatedAt)
	doc, err := clone(*p)
	if err != nil {
		return err
	}
	s.seq++
	s.props[p.Ref] = memRecord[model.Property]{seq: s.seq, doc: doc}
	s.propKeys[key] = p.Ref
	return nil
}

func (s *MemoryStore) GetProperty(_ context.Context, ref string) (*model.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.props[ref]
	if !ok {
		return nil, fmt.Errorf("property %s: %w", ref, ErrNotFound)
	}
	return clonePtr(rec.doc)
}

func (s *MemoryStore) FindProperty(ctx context.Context, name string, typ model.PropertyType) (*model.Property, error) {
	s.mu.RLock()
	ref, ok := s.propKeys[naturalKey{name, string(typ)}]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("property %q of type %s: %w", name, typ, ErrNotFound)
	}
	return s.GetProperty(ctx, ref)
}

func (s *MemoryStore) ListProperties(_ context.Context) ([]model.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listSorted(s.props)
}

func (s *MemoryStore) UpdateProperty(_ context.Context, p *model.Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.props[p.Ref]
	if !ok {
		return fmt.Errorf("property %s: %w", p.Ref, ErrNotFound)
	}
	oldKey := naturalKey{cur.doc.Name, string(cur.doc.Type)}
	newKey := naturalKey{p.Name, string(p.Type)}
	if owner, taken := s.propKeys[newKey]; taken && owner != p.Ref {
		return fmt.Errorf("%w: property %q of type %s already exists", ErrConflict, p.Name, p.Type)
	}
	p.CreatedAt = cur.doc.CreatedAt
	p.UpdatedAt = now()
	doc, err := clone(*p)
	if err != nil {
		return err
	}
	delete(s.propKeys, oldKey)
	s.propKeys[newKey] = p.Ref
	s.props[p.Ref] = memRecord[model.Property]{seq: cur.seq, doc: doc}
	return nil
}

func (s *MemoryStore) DeleteProperty(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.props[ref]
	if !ok {
		return fmt.Errorf("property %s: %w", ref, ErrNotFound)
	}
	delete(s.propKeys, naturalKey{cur.doc.Name, string(cur.doc.Type)})
	delete(s.props, ref)
	return nil
}

func (s *MemoryStore) CreatePlan(_ context.Context, p *model.TrackingPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.planByName[p.Name]; ok {
		return fmt.Errorf("%w: tracking plan %q already exists", ErrConflict, p.Name)
	}
	stampNew(&p.Ref, &p.CreatedAt, &p.UpdatedAt)
	p.Version = 0
	if p.Events == nil {
		p.Events = []model.EventBinding{}
	}
	doc, err := clone(*p)
	if err != nil {
		return err
	}
	s.seq++
	s.plans[p.Ref] = memRecord[model.TrackingPlan]{seq: s.seq, doc: doc}
	s.planByName[p.Name] = p.Ref
	return nil
}

func (s *MemoryStore) GetPlan(_ context.Context, ref string) (*model.TrackingPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.plans[ref]
	if !ok {
		return nil, fmt.Errorf("tracking plan %s: %w", ref, ErrNotFound)
	}
	p, err := clonePtr(rec.doc)
	if err != nil {
		return nil, err
	}
	p.Version = rec.version
	return p, nil
}

func (s *MemoryStore) FindPlanByName(ctx context.Context, name string) (*model.TrackingPlan, error) {
	s.mu.RLock()
	ref, ok := s.planByName[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tracking plan %q: %w", name, ErrNotFound)
	}
	return s.GetPlan(ctx, ref)
}

func (s *MemoryStore) ListPlans(_ context.Context) ([]model.TrackingPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plans, err := listSorted(s.plans)
	if err != nil {
		return nil, err
	}
	for i := range plans {
		plans[i].Version = s.plans[plans[i].Ref].version
	}
	return plans, nil
}

func (s *MemoryStore) UpdatePlan(_ context.Context, p *model.TrackingPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.plans[p.Ref]
	if !ok {
		return fmt.Errorf("tracking plan %s: %w", p.Ref, ErrNotFound)
	}
	if cur.version != p.Version {
		return fmt.Errorf("tracking plan %s: %w", p.Ref, ErrStale)
	}
	if owner, taken := s.planByName[p.Name]; taken && owner != p.Ref {
		return fmt.Errorf("%w: tracking plan %q already exists", ErrConflict, p.Name)
	}
	if err := s.checkBindings(p.Events); err != nil {
		return err
	}
	p.CreatedAt = cur.doc.CreatedAt
	p.UpdatedAt = now()
	doc, err := clone(*p)
	if err != nil {
		return err
	}
	delete(s.planByName, cur.doc.Name)
	s.planByName[p.Name] = p.Ref
	s.plans[p.Ref] = memRecord[model.TrackingPlan]{seq: cur.seq, doc: doc, version: cur.version + 1}
	p.Version = cur.version + 1
	return nil
}

// checkBindings mirrors the SQL foreign keys and binding primary keys.
func (s *MemoryStore) checkBindings(bindings []model.EventBinding) error {
	seen := make(map[string]struct{}, len(bindings))
	for _, b := range bindings {
		if _, dup := seen[b.Event]; dup {
			return fmt.Errorf("%w: event %s bound twice", ErrConflict, b.Event)
		}
		seen[b.Event] = struct{}{}
		if _, ok := s.events[b.Event]; !ok {
			return fmt.Errorf("%w: event %s does not exist", ErrConflict, b.Event)
		}
		for _, pb := range b.Properties {
			if _, ok := s.props[pb.Property]; !ok {
				return fmt.Errorf("%w: property %s does not exist", ErrConflict, pb.Property)
			}
		}
	}
	return nil
}

func (s *MemoryStore) DeletePlan(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.plans[ref]
	if !ok {
		return fmt.Errorf("tracking plan %s: %w", ref, ErrNotFound)
	}
	delete(s.planByName, cur.doc.Name)
	delete(s.plans, ref)
	return nil
}

func (s *MemoryStore) EventInUse(_ context.Context, ref string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.plans {
		if rec.doc.HasEvent(ref) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) PropertyInUse(_ context.Context, ref string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.plans {
		for _, b := range rec.doc.Events {
			for _, pb := range b.Properties {
				if pb.Property == ref {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func listSorted[T any](m map[string]memRecord[T]) ([]T, error) {
	recs := make([]memRecord[T], 0, len(m))
	for _, rec := range m {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		doc, err := clone(rec.doc)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// clone deep-copies a document through JSON so callers never alias stored maps.
func clone[T any](v T) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}

func clonePtr[T any](v T) (*T, error) {
	out, err := clone(v)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func stampNew(ref *string, created, updated *time.Time) {
	if *ref == "" {
		*ref = uuid.NewString()
	}
	ts := now()
	*created = ts
	*updated = ts
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
