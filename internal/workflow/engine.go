// Package workflow implements the fulfillment state machines for loads,
// bids, proofs of delivery, invoices and payments.
//
// Every guarded transition is a conditional store update from the expected
// status, so concurrent callers cannot both win. Notifications for an
// operation are collected in a batch and handed to the notifier only after
// the operation's writes succeeded.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/fleetxchange/internal/access"
	"github.com/example/fleetxchange/internal/apperrors"
	"github.com/example/fleetxchange/internal/eligibility"
	"github.com/example/fleetxchange/internal/events"
	"github.com/example/fleetxchange/internal/geo"
	"github.com/example/fleetxchange/internal/observability"
	"github.com/example/fleetxchange/internal/payments"
	"github.com/example/fleetxchange/internal/storage"
)

// Gate is the eligibility check consulted before loads and bids are created.
type Gate interface {
	CanPostLoad(ctx context.Context, accountID string) (eligibility.Decision, error)
	CanPlaceBid(ctx context.Context, accountID string) (eligibility.Decision, error)
}

type Config struct {
	Store    storage.Store
	Gate     Gate
	Notifier events.Notifier
	Payments payments.Gateway
	// Geo is optional; without it loads are not indexed for nearby search.
	Geo geo.Geo
	// Routes is optional; without it load distances are great-circle.
	Routes geo.Router
	Logger *slog.Logger

	Now   func() time.Time
	NewID func() string

	// DefaultCommissionPercent applies when a client invoice names none;
	// nil means 10.
	DefaultCommissionPercent *float64
}

type Engine struct {
	store      storage.Store
	gate       Gate
	notifier   events.Notifier
	payments   payments.Gateway
	geo        geo.Geo
	routes     geo.Router
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string
	commission float64
}

type nopNotifier struct{}

func (nopNotifier) Notify(*events.Batch) {}

func New(cfg Config) *Engine {
	e := &Engine{
		store:      cfg.Store,
		gate:       cfg.Gate,
		notifier:   cfg.Notifier,
		payments:   cfg.Payments,
		geo:        cfg.Geo,
		routes:     cfg.Routes,
		logger:     cfg.Logger,
		tracer:     otel.Tracer("github.com/example/fleetxchange/internal/workflow"),
		now:        cfg.Now,
		newID:      cfg.NewID,
		commission: 10,
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	if e.payments == nil {
		e.payments = payments.OfflineGateway{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if cfg.DefaultCommissionPercent != nil {
		e.commission = *cfg.DefaultCommissionPercent
	}
	return e
}

func (e *Engine) start(ctx context.Context, op string, actor access.Actor) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "workflow."+op, trace.WithAttributes(
		attribute.String("actor.id", actor.ID),
		attribute.String("actor.role", string(actor.Role)),
	))
}

// finish closes the operation span and records a failure by error code.
func (e *Engine) finish(span trace.Span, op string, err error) {
	defer span.End()
	if err == nil {
		return
	}
	code := apperrors.CodeOf(err)
	observability.OperationErrors.WithLabelValues(op, string(code)).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, string(code))
	if code == apperrors.CodeInternal {
		e.logger.Error("workflow operation failed", "op", op, "error", err)
	}
}

func (e *Engine) transition(entity, id, from, to string) {
	observability.Transitions.WithLabelValues(entity, from, to).Inc()
	e.logger.Info("transition", "entity", entity, "id", id, "from", from, "to", to)
}

// storeErr maps storage sentinels onto the domain taxonomy.
func storeErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return apperrors.NotFound(what + " not found")
	case errors.Is(err, storage.ErrConflict):
		return apperrors.Conflict(what + " was modified concurrently")
	case errors.Is(err, storage.ErrDuplicate):
		return apperrors.Conflict(what + " already exists")
	}
	return apperrors.Wrap(apperrors.CodeInternal, what+" storage failure", err)
}

func get[T any](ctx context.Context, s storage.Store, coll, id, what string) (*T, error) {
	var v T
	if err := s.Get(ctx, coll, id, &v); err != nil {
		return nil, storeErr(err, what)
	}
	return &v, nil
}

func find[T any](ctx context.Context, s storage.Store, coll string, f storage.Filter, what string) ([]T, error) {
	var out []T
	if err := s.Find(ctx, coll, f, &out); err != nil {
		return nil, storeErr(err, what)
	}
	return out, nil
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

var supportedCurrencies = map[string]struct{}{
	"USD": {}, "EUR": {}, "GBP": {}, "ZAR": {}, "NGN": {},
	"KES": {}, "EGP": {}, "GHS": {}, "TZS": {}, "UGX": {},
}

const defaultCurrency = "USD"

func validCurrency(c string) bool {
	_, ok := supportedCurrencies[c]
	return ok
}
