// Package api exposes the catalog over HTTP under /api/v1.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tracking-catalog/internal/catalog"
	"tracking-catalog/internal/ch"
	"tracking-catalog/internal/httpx"
	"tracking-catalog/internal/model"
)

// ChangeReader serves the change history. The ClickHouse client implements it.
type ChangeReader interface {
	RecentChanges(ctx context.Context, f ch.ChangeFilter) ([]model.Change, error)
}

type Options struct {
	Catalog *catalog.Service
	// Changes is optional; without it /changes answers 503.
	Changes        ChangeReader
	Registerer     prometheus.Registerer
	Gatherer       prometheus.Gatherer
	Logger         *slog.Logger
	CORSOrigins    []string
	RequestTimeout time.Duration
}

type handler struct {
	svc     *catalog.Service
	changes ChangeReader
	logger  *slog.Logger
}

// NewRouter wires middleware and every route onto a fresh gin engine.
func NewRouter(opts Options) *gin.Engine {
	useJSONFieldNames()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	h := &handler{svc: opts.Catalog, changes: opts.Changes, logger: opts.Logger}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpx.NewHTTPMetrics(opts.Registerer, "catalog_api").Handler())
	router.Use(httpx.CORSMiddleware(opts.CORSOrigins))
	router.Use(httpx.Timeout(opts.RequestTimeout))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", h.ready)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")

	events := v1.Group("/events")
	events.POST("", h.createEvent)
	events.GET("", h.listEvents)
	events.GET("/:id", h.getEvent)
	events.PUT("/:id", h.updateEvent)
	events.DELETE("/:id", h.deleteEvent)

	props := v1.Group("/properties")
	props.POST("", h.createProperty)
	props.GET("", h.listProperties)
	props.GET("/:id", h.getProperty)
	props.PUT("/:id", h.updateProperty)
	props.DELETE("/:id", h.deleteProperty)

	plans := v1.Group("/tracking-plans")
	plans.POST("", h.createPlan)
	plans.GET("", h.listPlans)
	plans.GET("/:id", h.getPlan)
	plans.PUT("/:id", h.updatePlan)
	plans.DELETE("/:id", h.deletePlan)
	plans.PATCH("/event", h.upsertEvents)
	plans.POST("/:id/validate", h.validatePayload)

	v1.GET("/changes", h.listChanges)

	return router
}

func (h *handler) ready(c *gin.Context) {
	if err := h.svc.Ready(c.Request.Context()); err != nil {
		h.logger.Warn("readiness check failed", "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
