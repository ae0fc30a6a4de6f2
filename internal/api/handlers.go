package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tracking-catalog/internal/catalog"
	"tracking-catalog/internal/ch"
	"tracking-catalog/internal/model"
	"tracking-catalog/internal/schema"
)

type eventRequest struct {
	Name                 string          `json:"name" binding:"omitempty,min=3,max=65"`
	Type                 model.EventType `json:"type" binding:"required,oneof=track identify alias screen page"`
	Description          string          `json:"description" binding:"omitempty,max=100"`
	Validation           map[string]any  `json:"validation"`
	AdditionalProperties *bool           `json:"additional_properties"`
}

type eventUpdateRequest struct {
	Name                 *string          `json:"name" binding:"omitempty,max=65"`
	Type                 *model.EventType `json:"type" binding:"omitempty,oneof=track identify alias screen page"`
	Description          *string          `json:"description" binding:"omitempty,max=100"`
	Validation           map[string]any   `json:"validation"`
	AdditionalProperties *bool            `json:"additional_properties"`
}

type propertyRequest struct {
	Name        string             `json:"name" binding:"required,min=3,max=65"`
	Type        model.PropertyType `json:"type" binding:"required,oneof=string number boolean"`
	Description string             `json:"description" binding:"omitempty,max=100"`
	Validation  map[string]any     `json:"validation"`
}

type propertyUpdateRequest struct {
	Name        *string             `json:"name" binding:"omitempty,min=3,max=65"`
	Type        *model.PropertyType `json:"type" binding:"omitempty,oneof=string number boolean"`
	Description *string             `json:"description" binding:"omitempty,max=100"`
	Validation  map[string]any      `json:"validation"`
}

type planRequest struct {
	Name        string `json:"name" binding:"required,min=3,max=65"`
	Description string `json:"description" binding:"omitempty,max=100"`
}

type planUpdateRequest struct {
	Name        *string `json:"name" binding:"omitempty,min=3,max=65"`
	Description *string `json:"description" binding:"omitempty,max=100"`
}

type upsertRequest struct {
	TrackingPlanID string            `json:"tracking_plan_id" binding:"required"`
	Events         []model.EventSpec `json:"events" binding:"required,dive"`
}

func (h *handler) createEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFailed(c, err)
		return
	}
	evt, err := h.svc.CreateEvent(c.Request.Context(), model.EventSpec{
		Name:                 req.Name,
		Type:                 req.Type,
		Description:          req.Description,
		Validation:           req.Validation,
		AdditionalProperties: req.AdditionalProperties,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, evt)
}

func (h *handler) listEvents(c *gin.Context) {
	events, err := h.svc.ListEvents(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (h *handler) getEvent(c *gin.Context) {
	evt, err := h.svc.GetEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, evt)
}

func (h *handler) updateEvent(c *gin.Context) {
	var req eventUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFailed(c, err)
		return
	}
	evt, err := h.svc.UpdateEvent(c.Request.Context(), c.Param("id"), catalog.EventPatch{
		Name:                 req.Name,
		Type:                 req.Type,
		Description:          req.Description,
		Validation:           req.Validation,
		AdditionalProperties: req.AdditionalProperties,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, evt)
}

func (h *handler) deleteEvent(c *gin.Context) {
	if err := h.svc.DeleteEvent(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Event deleted successfully"})
}

func (h *handler) createProperty(c *gin.Context) {
	var req propertyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFailed(c, err)
		return
	}
	prop, err := h.svc.CreateProperty(c.Request.Context(), model.PropertySpec{
		Name:        req.Name,
		Type:        req.Type,
		Description: req.Description,
		Validation:  req.Validation,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, prop)
}

func (h *handler) listProperties(c *gin.Context) {
	props, err := h.svc.ListProperties(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, props)
}

func (h *handler) getProperty(c *gin.Context) {
	prop, err := h.svc.GetProperty(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, prop)
}

func (h *handler) updateProperty(c *gin.Context) {
	var req propertyUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFailed(c, err)
		return
	}
	prop, err := h.svc.UpdateProperty(c.Request.Context(), c.Param("id"), catalog.PropertyPatch{
		Name:        req.Name,
		Type:        req.Type,
		Description: req.Description,
		Validation:  req.Validation,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, prop)
}

func (h *handler) deleteProperty(c *gin.Context) {
	if err := h.svc.DeleteProperty(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Property deleted successfully"})
}

func (h *handler) createPlan(c *gin.Context) {
	var req planRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFailed(c, err)
		return
	}
	plan, err := h.svc.CreatePlan(c.Request.Context(), req.Name, req.Description)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, plan)
}

func (h *handler) listPlans(c *gin.Context) {
	plans, err := h.svc.ListPlans(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, plans)
}

func (h *handler) getPlan(c *gin.Context) {
	plan, err := h.svc.GetPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (h *handler) updatePlan(c *gin.Context) {
	var req planUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFailed(c, err)
		return
	}
	plan, err := h.svc.UpdatePlan(c.Request.Context(), c.Param("id"), catalog.PlanPatch{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (h *handler) deletePlan(c *gin.Context) {
	if err := h.svc.DeletePlan(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Tracking plan deleted successfully"})
}

func (h *handler) upsertEvents(c *gin.Context) {
	var req upsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFailed(c, err)
		return
	}
	plan, err := h.svc.UpsertEvents(c.Request.Context(), req.TrackingPlanID, req.Events)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (h *handler) validatePayload(c *gin.Context) {
	var req schema.Payload
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFailed(c, err)
		return
	}
	res, err := h.svc.CheckPayload(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) listChanges(c *gin.Context) {
	if h.changes == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "change history is not configured"})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	changes, err := h.changes.RecentChanges(c.Request.Context(), ch.ChangeFilter{
		EntityRef: c.Query("entity_ref"),
		PlanRef:   c.Query("plan_ref"),
		Limit:     limit,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes})
}
