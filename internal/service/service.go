package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bakehouse/backend/internal/cache"
	"bakehouse/backend/internal/domain"
	"bakehouse/backend/internal/events"
	"bakehouse/backend/internal/inventory"
	"bakehouse/backend/internal/logging"
	"bakehouse/backend/internal/metrics"
	"bakehouse/backend/internal/saga"
	"bakehouse/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Options carries the optional collaborators; zero values fall back to
// in-process implementations.
type Options struct {
	Carts           cache.CartSessions
	Journal         saga.Journal
	Events          events.Publisher
	Metrics         *metrics.Registry
	Logger          *slog.Logger
	DefaultBranchID string
	// Defaults apply when settings/general is missing.
	Defaults domain.Settings
}

type Service struct {
	repo            *store.Repository
	ledger          *inventory.Ledger
	carts           cache.CartSessions
	journal         saga.Journal
	claims          *saga.Claims
	events          events.Publisher
	metrics         *metrics.Registry
	logger          *slog.Logger
	defaults        domain.Settings
	defaultBranchID string
	now             func() time.Time
}

func New(repo *store.Repository, ledger *inventory.Ledger, opts Options) *Service {
	if opts.Carts == nil {
		opts.Carts = cache.NewMemoryCartSessions(2 * time.Hour)
	}
	if opts.Journal == nil {
		opts.Journal = saga.NewMemoryJournal()
	}
	if opts.Events == nil {
		opts.Events = events.NoopPublisher{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DefaultBranchID == "" {
		opts.DefaultBranchID = "main"
	}

	return &Service{
		repo:            repo,
		ledger:          ledger,
		carts:           opts.Carts,
		journal:         opts.Journal,
		claims:          saga.NewClaims(),
		events:          opts.Events,
		metrics:         opts.Metrics,
		logger:          opts.Logger.With("component", "service"),
		defaults:        opts.Defaults,
		defaultBranchID: opts.DefaultBranchID,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// requireStaff admits admin and staff actors.
func requireStaff(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || (actor.Role != domain.RoleAdmin && actor.Role != domain.RoleStaff) {
		return domain.Actor{}, fmt.Errorf("%w: staff role required", store.ErrForbidden)
	}
	return actor, nil
}

// actorName attributes a write; anonymous storefront calls return "".
func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor.Username
	}
	return ""
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return logging.FromContextOr(ctx, s.logger)
}

// settings resolves settings/general over the configured defaults. A read
// failure falls back to the defaults rather than blocking checkout.
func (s *Service) settings(ctx context.Context) domain.Settings {
	current, found, err := s.repo.GetSettings(ctx)
	if err != nil {
		s.log(ctx).Warn("failed to read settings, using defaults", "err", err)
		return s.defaults
	}
	if !found {
		return s.defaults
	}
	if current.ServiceArea.IsZero() {
		current.ServiceArea = s.defaults.ServiceArea
	}
	return current
}

func (s *Service) publish(ctx context.Context, eventType string, order domain.Order, extra func(*events.OrderEvent)) {
	event := events.OrderEvent{
		Type:          eventType,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		BranchID:      order.BranchID,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		TotalAmount:   order.TotalAmount,
		Actor:         actorName(ctx),
		OccurredAt:    s.now(),
	}
	if extra != nil {
		extra(&event)
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.log(ctx).Warn("failed to publish order event", "type", eventType, "order_id", order.ID, "err", err)
	}
}

// putJournal persists a saga record. The journal is the audit of what each
// step did, so a failure is logged loudly but does not undo inventory work
// that has already happened.
func (s *Service) putJournal(ctx context.Context, rec saga.Record) {
	if err := s.journal.Put(ctx, rec); err != nil {
		s.log(ctx).Error("failed to write saga journal", "saga_id", rec.ID, "err", err)
	}
}

// claim takes the saga record id for the caller or reports ErrInProgress.
func (s *Service) claim(kind saga.Kind, orderID string) (func(), error) {
	release, ok := s.claims.TryClaim(saga.RecordID(kind, orderID))
	if !ok {
		return nil, fmt.Errorf("%w: %s for order %s is running", store.ErrInProgress, kind, orderID)
	}
	return release, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
