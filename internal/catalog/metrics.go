package catalog

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upserts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_upserts_total",
		Help: "Upsert-events calls by outcome.",
	}, []string{"outcome"})

	rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_rollbacks_total",
		Help: "Failed upserts that had to undo created entities.",
	}, []string{"mode"})

	entitiesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_entities_created_total",
		Help: "Events and properties created by the reconciler.",
	}, []string{"entity"})

	compensationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_compensation_failures_total",
		Help: "Compensating deletes that failed and left an orphan behind.",
	})

	staleRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_upsert_stale_retries_total",
		Help: "Upsert attempts repeated because the plan changed underneath them.",
	})

	publishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_publish_failures_total",
		Help: "Change batches that could not be published.",
	})
)

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid"
	default:
		return "error"
	}
}
