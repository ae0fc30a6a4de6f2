// Package catalog implements the tracking-plan catalog: CRUD over events,
// properties and plans, and the reconciler that upserts events into a plan.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tracking-catalog/internal/model"
	"tracking-catalog/internal/store"
)

var (
	ErrNotFound        = store.ErrNotFound
	ErrConflict        = store.ErrConflict
	ErrInvalidArgument = errors.New("invalid argument")
)

func invalid(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
}

// Publisher receives catalog changes after a mutation has been persisted.
type Publisher interface {
	Publish(ctx context.Context, changes ...model.Change) error
}

const defaultPublishTimeout = time.Second

type Service struct {
	store          store.Store
	publisher      Publisher
	publishTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

type Option func(*Service)

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithPublishTimeout bounds how long a mutation waits for its changes to be
// handed to the publisher.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Service) { s.publishTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:          st,
		publishTimeout: defaultPublishTimeout,
		logger:         slog.Default(),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ready reports whether the backing store is reachable.
func (s *Service) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// publish is best effort: a mutation that reached the store is never failed
// because the change feed is down. It runs detached from the request with
// its own short deadline.
func (s *Service) publish(ctx context.Context, changes ...model.Change) {
	if s.publisher == nil || len(changes) == 0 {
		return
	}
	ts := s.now()
	for i := range changes {
		if changes[i].ID == "" {
			changes[i].ID = uuid.NewString()
		}
		changes[i].OccurredAt = ts
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, changes...); err != nil {
		publishFailures.Inc()
		s.logger.Warn("publish catalog changes", "count", len(changes), "err", err)
	}
}

func change(kind model.EntityKind, ref string, action model.ChangeAction, payload map[string]any) model.Change {
	return model.Change{Entity: kind, EntityRef: ref, Action: action, Payload: payload}
}

func eventPayload(e *model.Event) map[string]any {
	return map[string]any{"name": e.Name, "type": string(e.Type)}
}

func propertyPayload(p *model.Property) map[string]any {
	return map[string]any{"name": p.Name, "type": string(p.Type)}
}
