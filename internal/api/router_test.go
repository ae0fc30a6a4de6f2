package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"tracking-catalog/internal/catalog"
	"tracking-catalog/internal/ch"
	"tracking-catalog/internal/model"
	"tracking-catalog/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeChanges struct {
	got  ch.ChangeFilter
	rows []model.Change
}

func (f *fakeChanges) RecentChanges(_ context.Context, filter ch.ChangeFilter) ([]model.Change, error) {
	f.got = filter
	return f.rows, nil
}

func newTestRouter(t *testing.T, changes ChangeReader) *gin.Engine {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewRouter(Options{
		Catalog:        catalog.NewService(store.NewMemoryStore()),
		Changes:        changes,
		Registerer:     reg,
		Gatherer:       reg,
		RequestTimeout: time.Second,
	})
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields"`
}

func TestEventRoutes(t *testing.T) {
	r := newTestRouter(t, nil)

	w := do(t, r, http.MethodPost, "/api/v1/events", map[string]any{"name": "Purchase", "type": "click"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, decode[errorBody](t, w).Fields, "type")

	w = do(t, r, http.MethodPost, "/api/v1/events", map[string]any{"name": "Someone", "type": "identify"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/events", map[string]any{"name": "Purchase", "type": "track", "description": "order placed"})
	require.Equal(t, http.StatusCreated, w.Code)
	evt := decode[model.Event](t, w)
	require.NotEmpty(t, evt.Ref)
	require.True(t, evt.AdditionalProperties)

	w = do(t, r, http.MethodPost, "/api/v1/events", map[string]any{"name": "Purchase", "type": "track"})
	require.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/events/"+evt.Ref, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, r, http.MethodGet, "/api/v1/events/nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodPut, "/api/v1/events/"+evt.Ref, map[string]any{"type": "page"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, r, http.MethodPut, "/api/v1/events/"+evt.Ref, map[string]any{"description": "checkout completed"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "checkout completed", decode[model.Event](t, w).Description)

	w = do(t, r, http.MethodGet, "/api/v1/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode[[]model.Event](t, w), 1)

	w = do(t, r, http.MethodDelete, "/api/v1/events/"+evt.Ref, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "Event deleted successfully", decode[map[string]string](t, w)["message"])
	w = do(t, r, http.MethodDelete, "/api/v1/events/"+evt.Ref, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPropertyRoutes(t *testing.T) {
	r := newTestRouter(t, nil)

	w := do(t, r, http.MethodPost, "/api/v1/properties", map[string]any{"name": "am", "type": "number"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "must be at least 3 characters", decode[errorBody](t, w).Fields["name"])

	w = do(t, r, http.MethodPost, "/api/v1/properties", map[string]any{"name": "amount", "type": "number"})
	require.Equal(t, http.StatusCreated, w.Code)
	prop := decode[model.Property](t, w)

	w = do(t, r, http.MethodPut, "/api/v1/properties/"+prop.Ref, map[string]any{"type": "string"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, model.PropertyString, decode[model.Property](t, w).Type)

	w = do(t, r, http.MethodGet, "/api/v1/properties", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode[[]model.Property](t, w), 1)

	w = do(t, r, http.MethodDelete, "/api/v1/properties/"+prop.Ref, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestUpsertEventsRoute(t *testing.T) {
	r := newTestRouter(t, nil)

	w := do(t, r, http.MethodPost, "/api/v1/tracking-plans", map[string]any{"name": "Checkout", "description": "web checkout"})
	require.Equal(t, http.StatusCreated, w.Code)
	plan := decode[model.TrackingPlan](t, w)
	require.Empty(t, plan.Events)

	w = do(t, r, http.MethodPost, "/api/v1/tracking-plans", map[string]any{"name": "Checkout"})
	require.Equal(t, http.StatusConflict, w.Code)

	body := map[string]any{
		"tracking_plan_id": plan.Ref,
		"events": []map[string]any{{
			"name": "Purchase",
			"type": "track",
			"properties": []map[string]any{
				{"name": "amount", "type": "number", "required": true},
			},
		}},
	}
	w = do(t, r, http.MethodPatch, "/api/v1/tracking-plans/event", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[model.PopulatedPlan](t, w)
	require.Len(t, got.Events, 1)
	require.Equal(t, "Purchase", got.Events[0].Event.Name)
	require.True(t, got.Events[0].Properties[0].Required)

	w = do(t, r, http.MethodPatch, "/api/v1/tracking-plans/event", body)
	require.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/tracking-plans/"+plan.Ref, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode[model.PopulatedPlan](t, w).Events, 1)

	w = do(t, r, http.MethodDelete, "/api/v1/events/"+got.Events[0].Event.Ref, nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodPatch, "/api/v1/tracking-plans/event", map[string]any{
		"tracking_plan_id": plan.Ref,
		"events":           []map[string]any{{"name": "X", "type": "identify"}},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPatch, "/api/v1/tracking-plans/event", map[string]any{
		"tracking_plan_id": plan.Ref,
		"events": []map[string]any{{
			"name":       "Refund",
			"type":       "track",
			"properties": []map[string]any{{"name": "id", "type": "string"}},
		}},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, decode[errorBody](t, w).Fields, "events[0].properties[0].name")

	body["tracking_plan_id"] = "missing"
	w = do(t, r, http.MethodPatch, "/api/v1/tracking-plans/event", body)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPlanRoutes(t *testing.T) {
	r := newTestRouter(t, nil)

	w := do(t, r, http.MethodPost, "/api/v1/tracking-plans", map[string]any{"description": "nameless"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/tracking-plans", map[string]any{"name": "Mobile"})
	require.Equal(t, http.StatusCreated, w.Code)
	plan := decode[model.TrackingPlan](t, w)

	w = do(t, r, http.MethodPut, "/api/v1/tracking-plans/"+plan.Ref, map[string]any{"description": "ios and android"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ios and android", decode[model.PopulatedPlan](t, w).Description)

	w = do(t, r, http.MethodGet, "/api/v1/tracking-plans", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode[[]model.PopulatedPlan](t, w), 1)

	w = do(t, r, http.MethodDelete, "/api/v1/tracking-plans/"+plan.Ref, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, r, http.MethodGet, "/api/v1/tracking-plans/"+plan.Ref, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestValidatePayloadRoute(t *testing.T) {
	r := newTestRouter(t, nil)

	w := do(t, r, http.MethodPost, "/api/v1/tracking-plans", map[string]any{"name": "Checkout"})
	plan := decode[model.TrackingPlan](t, w)
	w = do(t, r, http.MethodPatch, "/api/v1/tracking-plans/event", map[string]any{
		"tracking_plan_id": plan.Ref,
		"events": []map[string]any{{
			"name":                  "Purchase",
			"type":                  "track",
			"additional_properties": false,
			"properties":            []map[string]any{{"name": "amount", "type": "number", "required": true}},
		}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	type result struct {
		Valid  bool     `json:"valid"`
		Errors []string `json:"errors"`
	}
	path := "/api/v1/tracking-plans/" + plan.Ref + "/validate"

	w = do(t, r, http.MethodPost, path, map[string]any{
		"event":      map[string]any{"name": "Purchase", "type": "track"},
		"properties": map[string]any{"amount": 9.99},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, decode[result](t, w).Valid)

	w = do(t, r, http.MethodPost, path, map[string]any{
		"event":      map[string]any{"name": "Purchase", "type": "track"},
		"properties": map[string]any{"amount": "free", "coupon": "X"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[result](t, w)
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 2)

	w = do(t, r, http.MethodPost, path, map[string]any{"event": map[string]any{"type": "nope"}})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/tracking-plans/missing/validate", map[string]any{
		"event": map[string]any{"name": "Purchase", "type": "track"},
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestChangesRoute(t *testing.T) {
	w := do(t, newTestRouter(t, nil), http.MethodGet, "/api/v1/changes", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	reader := &fakeChanges{rows: []model.Change{{ID: "c-1", Entity: model.EntityEvent, EntityRef: "evt-1", Action: model.ActionCreated}}}
	r := newTestRouter(t, reader)

	w = do(t, r, http.MethodGet, "/api/v1/changes?entity_ref=evt-1&limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, ch.ChangeFilter{EntityRef: "evt-1", Limit: 5}, reader.got)
	body := decode[struct {
		Changes []model.Change `json:"changes"`
	}](t, w)
	require.Len(t, body.Changes, 1)

	w = do(t, r, http.MethodGet, "/api/v1/changes?limit=abc", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOperationalRoutes(t *testing.T) {
	r := newTestRouter(t, nil)

	require.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/readyz", nil).Code)

	w := do(t, r, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "http_requests_total")
}
