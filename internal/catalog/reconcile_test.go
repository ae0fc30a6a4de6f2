package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"tracking-catalog/internal/model"
	"tracking-catalog/internal/store"
)

type recordingPublisher struct {
	mu      sync.Mutex
	changes []model.Change
}

func (p *recordingPublisher) Publish(_ context.Context, changes ...model.Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, changes...)
	return nil
}

func openSQLite(t *testing.T) store.Store {
	t.Helper()
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "catalog.db")
	require.NoError(t, store.Migrate(dsn, "up"))
	st, err := store.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// backends covers both the transactional and the compensating upsert paths.
func backends() map[string]func(t *testing.T) store.Store {
	return map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store { return store.NewMemoryStore() },
		"sqlite": openSQLite,
	}
}

func ptr[T any](v T) *T { return &v }

func purchaseSpec() model.EventSpec {
	return model.EventSpec{
		Name: "Purchase",
		Type: model.EventTrack,
		Properties: []model.PropertySpec{
			{Name: "amount", Type: model.PropertyNumber, Required: true},
		},
	}
}

func TestUpsertEventsScenarios(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc := NewService(open(t))

			evt, err := svc.CreateEvent(ctx, model.EventSpec{Name: "Purchase", Type: model.EventTrack})
			require.NoError(t, err)
			plan, err := svc.CreatePlan(ctx, "Checkout", "")
			require.NoError(t, err)

			// A: the existing event is reused and the property is created
			got, err := svc.UpsertEvents(ctx, plan.Ref, []model.EventSpec{purchaseSpec()})
			require.NoError(t, err)
			require.Len(t, got.Events, 1)
			require.Equal(t, evt.Ref, got.Events[0].Event.Ref)
			require.True(t, got.Events[0].AdditionalProperties)
			require.Len(t, got.Events[0].Properties, 1)
			require.Equal(t, "amount", got.Events[0].Properties[0].Property.Name)
			require.True(t, got.Events[0].Properties[0].Required)

			events, err := svc.ListEvents(ctx)
			require.NoError(t, err)
			require.Len(t, events, 1)

			// B: attaching it again is rejected and leaves the plan alone
			_, err = svc.UpsertEvents(ctx, plan.Ref, []model.EventSpec{purchaseSpec()})
			require.ErrorIs(t, err, ErrConflict)
			after, err := svc.GetPlan(ctx, plan.Ref)
			require.NoError(t, err)
			require.Len(t, after.Events, 1)

			// C: non-track events cannot carry a name
			_, err = svc.UpsertEvents(ctx, plan.Ref, []model.EventSpec{{Name: "X", Type: model.EventIdentify}})
			require.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestUpsertEventsReusesAcrossPlans(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc := NewService(open(t))

			web, err := svc.CreatePlan(ctx, "Web", "")
			require.NoError(t, err)
			ios, err := svc.CreatePlan(ctx, "iOS", "")
			require.NoError(t, err)

			a, err := svc.UpsertEvents(ctx, web.Ref, []model.EventSpec{purchaseSpec(), {Type: model.EventIdentify}})
			require.NoError(t, err)
			b, err := svc.UpsertEvents(ctx, ios.Ref, []model.EventSpec{purchaseSpec(), {Type: model.EventIdentify}})
			require.NoError(t, err)

			require.Equal(t, a.Events[0].Event.Ref, b.Events[0].Event.Ref)
			require.Equal(t, a.Events[1].Event.Ref, b.Events[1].Event.Ref)
			require.Equal(t, a.Events[0].Properties[0].Property.Ref, b.Events[0].Properties[0].Property.Ref)

			events, err := svc.ListEvents(ctx)
			require.NoError(t, err)
			require.Len(t, events, 2)
			props, err := svc.ListProperties(ctx)
			require.NoError(t, err)
			require.Len(t, props, 1)
		})
	}
}

func TestUpsertEventsRollsBackOnFailure(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc := NewService(open(t))

			existing, err := svc.CreateEvent(ctx, model.EventSpec{Name: "Signup", Type: model.EventTrack})
			require.NoError(t, err)
			plan, err := svc.CreatePlan(ctx, "Growth", "")
			require.NoError(t, err)

			_, err = svc.UpsertEvents(ctx, plan.Ref, []model.EventSpec{
				{Name: "Signup", Type: model.EventTrack, Properties: []model.PropertySpec{{Name: "source", Type: model.PropertyString}}},
				purchaseSpec(),
				{Name: "Alias Me", Type: model.EventAlias},
			})
			require.ErrorIs(t, err, ErrInvalidArgument)

			events, err := svc.ListEvents(ctx)
			require.NoError(t, err)
			require.Len(t, events, 1)
			require.Equal(t, existing.Ref, events[0].Ref)

			props, err := svc.ListProperties(ctx)
			require.NoError(t, err)
			require.Empty(t, props)

			got, err := svc.GetPlan(ctx, plan.Ref)
			require.NoError(t, err)
			require.Empty(t, got.Events)
		})
	}
}

func TestUpsertEventsRejectsDuplicateWithinRequest(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc := NewService(open(t))
			plan, err := svc.CreatePlan(ctx, "Dupes", "")
			require.NoError(t, err)

			_, err = svc.UpsertEvents(ctx, plan.Ref, []model.EventSpec{purchaseSpec(), purchaseSpec()})
			require.ErrorIs(t, err, ErrConflict)

			events, err := svc.ListEvents(ctx)
			require.NoError(t, err)
			require.Empty(t, events)
		})
	}
}

func TestUpsertEventsDedupesProperties(t *testing.T) {
	ctx := context.Background()
	svc := NewService(store.NewMemoryStore())
	plan, err := svc.CreatePlan(ctx, "Props", "")
	require.NoError(t, err)

	got, err := svc.UpsertEvents(ctx, plan.Ref, []model.EventSpec{{
		Name: "Purchase",
		Type: model.EventTrack,
		Properties: []model.PropertySpec{
			{Name: "amount", Type: model.PropertyNumber, Required: true},
			{Name: "amount", Type: model.PropertyNumber},
			{Name: "amount", Type: model.PropertyString},
		},
	}})
	require.NoError(t, err)
	bound := got.Events[0].Properties
	require.Len(t, bound, 2)
	require.True(t, bound[0].Required)
	require.Equal(t, model.PropertyNumber, bound[0].Property.Type)
	require.Equal(t, model.PropertyString, bound[1].Property.Type)
}

func TestUpsertEventsCompatibility(t *testing.T) {
	ctx := context.Background()
	svc := NewService(store.NewMemoryStore())
	_, err := svc.CreateEvent(ctx, model.EventSpec{
		Name:        "Purchase",
		Type:        model.EventTrack,
		Description: "order placed",
		Validation:  map[string]any{"minProperties": 1},
	})
	require.NoError(t, err)

	cases := map[string]struct {
		spec model.EventSpec
		err  error
	}{
		"omitted fields":        {spec: model.EventSpec{Name: "Purchase", Type: model.EventTrack}},
		"same description":      {spec: model.EventSpec{Name: "Purchase", Type: model.EventTrack, Description: "order placed"}},
		"equivalent validation": {spec: model.EventSpec{Name: "Purchase", Type: model.EventTrack, Validation: map[string]any{"minProperties": float64(1)}}},
		"other description":     {spec: model.EventSpec{Name: "Purchase", Type: model.EventTrack, Description: "refund"}, err: ErrConflict},
		"other validation":      {spec: model.EventSpec{Name: "Purchase", Type: model.EventTrack, Validation: map[string]any{"minProperties": 2}}, err: ErrConflict},
	}
	i := 0
	for name, tc := range cases {
		i++
		t.Run(name, func(t *testing.T) {
			plan, err := svc.CreatePlan(ctx, fmt.Sprintf("plan-%d", i), "")
			require.NoError(t, err)
			_, err = svc.UpsertEvents(ctx, plan.Ref, []model.EventSpec{tc.spec})
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestUpsertEventsUnknownPlan(t *testing.T) {
	svc := NewService(store.NewMemoryStore())
	_, err := svc.UpsertEvents(context.Background(), "missing", []model.EventSpec{purchaseSpec()})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertEventsConcurrentCreators(t *testing.T) {
	ctx := context.Background()
	svc := NewService(store.NewMemoryStore())

	const n = 8
	plans := make([]string, n)
	for i := range plans {
		p, err := svc.CreatePlan(ctx, fmt.Sprintf("plan-%d", i), "")
		require.NoError(t, err)
		plans[i] = p.Ref
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range plans {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.UpsertEvents(ctx, plans[i], []model.EventSpec{purchaseSpec()})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	events, err := svc.ListEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	props, err := svc.ListProperties(ctx)
	require.NoError(t, err)
	require.Len(t, props, 1)
}

func TestUpsertEventsPublishesChanges(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	svc := NewService(store.NewMemoryStore(), WithPublisher(pub))

	evt, err := svc.CreateEvent(ctx, model.EventSpec{Name: "Purchase", Type: model.EventTrack})
	require.NoError(t, err)
	plan, err := svc.CreatePlan(ctx, "Checkout", "")
	require.NoError(t, err)
	pub.changes = nil

	spec := purchaseSpec()
	spec.AdditionalProperties = ptr(false)
	_, err = svc.UpsertEvents(ctx, plan.Ref, []model.EventSpec{spec})
	require.NoError(t, err)

	require.Len(t, pub.changes, 2)
	require.Equal(t, model.EntityProperty, pub.changes[0].Entity)
	require.Equal(t, model.ActionCreated, pub.changes[0].Action)
	require.Equal(t, model.ActionAttached, pub.changes[1].Action)
	require.Equal(t, evt.Ref, pub.changes[1].EntityRef)
	require.Equal(t, plan.Ref, pub.changes[1].PlanRef)
	require.Equal(t, false, pub.changes[1].Payload["additional_properties"])
	for _, c := range pub.changes {
		require.NotEmpty(t, c.ID)
		require.False(t, c.OccurredAt.IsZero())
	}

	// failed upserts publish nothing
	pub.changes = nil
	_, err = svc.UpsertEvents(ctx, plan.Ref, []model.EventSpec{spec})
	require.ErrorIs(t, err, ErrConflict)
	require.Empty(t, pub.changes)
}

func TestUpsertEventsPropertyCompatibility(t *testing.T) {
	ctx := context.Background()
	svc := NewService(store.NewMemoryStore())
	_, err := svc.CreateProperty(ctx, model.PropertySpec{
		Name:        "amount",
		Type:        model.PropertyNumber,
		Description: "order total",
		Validation:  map[string]any{"minimum": 0},
	})
	require.NoError(t, err)

	cases := map[string]struct {
		prop model.PropertySpec
		err  error
	}{
		"omitted fields":        {prop: model.PropertySpec{Name: "amount", Type: model.PropertyNumber}},
		"same description":      {prop: model.PropertySpec{Name: "amount", Type: model.PropertyNumber, Description: "order total"}},
		"equivalent validation": {prop: model.PropertySpec{Name: "amount", Type: model.PropertyNumber, Validation: map[string]any{"minimum": float64(0)}}},
		"required differs":      {prop: model.PropertySpec{Name: "amount", Type: model.PropertyNumber, Required: true}},
		"other description":     {prop: model.PropertySpec{Name: "amount", Type: model.PropertyNumber, Description: "refund total"}, err: ErrConflict},
		"other validation":      {prop: model.PropertySpec{Name: "amount", Type: model.PropertyNumber, Validation: map[string]any{"minimum": 1}}, err: ErrConflict},
	}
	i := 0
	for name, tc := range cases {
		i++
		t.Run(name, func(t *testing.T) {
			plan, err := svc.CreatePlan(ctx, fmt.Sprintf("props-%d", i), "")
			require.NoError(t, err)
			eventName := fmt.Sprintf("Order Step %d", i)
			got, err := svc.UpsertEvents(ctx, plan.Ref, []model.EventSpec{{
				Name:       eventName,
				Type:       model.EventTrack,
				Properties: []model.PropertySpec{tc.prop},
			}})
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				events, err := svc.ListEvents(ctx)
				require.NoError(t, err)
				for _, e := range events {
					require.NotEqual(t, eventName, e.Name, "event created by a rejected upsert was left behind")
				}
				return
			}
			require.NoError(t, err)
			require.Equal(t, "order total", got.Events[0].Properties[0].Property.Description)
		})
	}

	props, err := svc.ListProperties(ctx)
	require.NoError(t, err)
	require.Len(t, props, 1)
}

func TestUpsertEventsConcurrentAttachKeepsEveryBinding(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc := NewService(open(t))
			plan, err := svc.CreatePlan(ctx, "Busy", "")
			require.NoError(t, err)

			const n = 20
			const propsPerEvent = 10
			var (
				wg        sync.WaitGroup
				succeeded atomic.Int32
			)
			errs := make([]error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					spec := model.EventSpec{Name: fmt.Sprintf("Step %02d", i), Type: model.EventTrack}
					for j := 0; j < propsPerEvent; j++ {
						spec.Properties = append(spec.Properties, model.PropertySpec{Name: fmt.Sprintf("field_%02d_%02d", i, j), Type: model.PropertyString})
					}
					if _, errs[i] = svc.UpsertEvents(ctx, plan.Ref, []model.EventSpec{spec}); errs[i] == nil {
						succeeded.Add(1)
					}
				}(i)
			}
			wg.Wait()

			for _, err := range errs {
				if err != nil {
					require.ErrorIs(t, err, ErrConflict)
				}
			}
			ok := int(succeeded.Load())
			require.Positive(t, ok)

			got, err := svc.GetPlan(ctx, plan.Ref)
			require.NoError(t, err)
			require.Len(t, got.Events, ok, "every successful upsert must keep its binding")
			events, err := svc.ListEvents(ctx)
			require.NoError(t, err)
			require.Len(t, events, ok, "failed upserts must not leave events behind")
			props, err := svc.ListProperties(ctx)
			require.NoError(t, err)
			require.Len(t, props, ok*propsPerEvent)
		})
	}
}

func TestUpsertEventsConcurrentSameEventAttachesOnce(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc := NewService(open(t))
			plan, err := svc.CreatePlan(ctx, "Checkout", "")
			require.NoError(t, err)

			const n = 8
			var wg sync.WaitGroup
			errs := make([]error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = svc.UpsertEvents(ctx, plan.Ref, []model.EventSpec{purchaseSpec()})
				}(i)
			}
			wg.Wait()

			succeeded := 0
			for _, err := range errs {
				if err == nil {
					succeeded++
					continue
				}
				require.ErrorIs(t, err, ErrConflict)
			}
			require.Equal(t, 1, succeeded)

			got, err := svc.GetPlan(ctx, plan.Ref)
			require.NoError(t, err)
			require.Len(t, got.Events, 1)
			require.NotNil(t, got.Events[0].Event)
			require.NotNil(t, got.Events[0].Properties[0].Property)
		})
	}
}

// lateStore hides each existing event and property from its first lookup, as
// if a concurrent caller created it between our lookup and our insert.
type lateStore struct {
	store.Store
	hidden *sync.Map
}

func (s *lateStore) hideOnce(key string) bool {
	_, seen := s.hidden.LoadOrStore(key, true)
	return !seen
}

func (s *lateStore) FindEvent(ctx context.Context, name string, typ model.EventType) (*model.Event, error) {
	if s.hideOnce("event/" + name + "/" + string(typ)) {
		return nil, store.ErrNotFound
	}
	return s.Store.FindEvent(ctx, name, typ)
}

func (s *lateStore) FindProperty(ctx context.Context, name string, typ model.PropertyType) (*model.Property, error) {
	if s.hideOnce("property/" + name + "/" + string(typ)) {
		return nil, store.ErrNotFound
	}
	return s.Store.FindProperty(ctx, name, typ)
}

type lateTxStore struct {
	*lateStore
	tx store.Transactor
}

func (s *lateTxStore) WithinTx(ctx context.Context, fn func(store.Store) error) error {
	return s.tx.WithinTx(ctx, func(inner store.Store) error {
		return fn(&lateStore{Store: inner, hidden: s.hidden})
	})
}

func hideFirstLookup(st store.Store) store.Store {
	l := &lateStore{Store: st, hidden: &sync.Map{}}
	if tx, ok := st.(store.Transactor); ok {
		return &lateTxStore{lateStore: l, tx: tx}
	}
	return l
}

func TestUpsertEventsReusesRaceWinner(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := open(t)
			seed := NewService(base)
			evt, err := seed.CreateEvent(ctx, model.EventSpec{Name: "Purchase", Type: model.EventTrack})
			require.NoError(t, err)
			prop, err := seed.CreateProperty(ctx, model.PropertySpec{Name: "amount", Type: model.PropertyNumber})
			require.NoError(t, err)
			plan, err := seed.CreatePlan(ctx, "Checkout", "")
			require.NoError(t, err)

			svc := NewService(hideFirstLookup(base))
			got, err := svc.UpsertEvents(ctx, plan.Ref, []model.EventSpec{purchaseSpec()})
			require.NoError(t, err)
			require.Equal(t, evt.Ref, got.Events[0].Event.Ref)
			require.Equal(t, prop.Ref, got.Events[0].Properties[0].Property.Ref)

			events, err := seed.ListEvents(ctx)
			require.NoError(t, err)
			require.Len(t, events, 1)
			props, err := seed.ListProperties(ctx)
			require.NoError(t, err)
			require.Len(t, props, 1)
		})
	}
}
