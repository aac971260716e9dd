package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/example/fleetxchange/internal/access"
	"github.com/example/fleetxchange/internal/apperrors"
	"github.com/example/fleetxchange/internal/events"
	"github.com/example/fleetxchange/internal/geo"
	"github.com/example/fleetxchange/internal/models"
	"github.com/example/fleetxchange/internal/storage"
)

type LoadInput struct {
	ClientID         string        `json:"client_id"`
	Title            string        `json:"title"`
	Description      string        `json:"description"`
	CargoType        string        `json:"cargo_type"`
	Weight           float64       `json:"weight"`
	PickupLocation   string        `json:"pickup_location"`
	DeliveryLocation string        `json:"delivery_location"`
	PickupCoord      *models.Coord `json:"pickup_coord"`
	DeliveryCoord    *models.Coord `json:"delivery_coord"`
	PickupDate       time.Time     `json:"pickup_date"`
	DeliveryDate     time.Time     `json:"delivery_date"`
	BudgetMin        float64       `json:"budget_min"`
	BudgetMax        float64       `json:"budget_max"`
	Currency         string        `json:"currency"`
}

// LoadPatch carries the editable fields of a load; nil fields are unchanged.
type LoadPatch struct {
	Title            *string       `json:"title"`
	Description      *string       `json:"description"`
	CargoType        *string       `json:"cargo_type"`
	Weight           *float64      `json:"weight"`
	PickupLocation   *string       `json:"pickup_location"`
	DeliveryLocation *string       `json:"delivery_location"`
	PickupCoord      *models.Coord `json:"pickup_coord"`
	DeliveryCoord    *models.Coord `json:"delivery_coord"`
	PickupDate       *time.Time    `json:"pickup_date"`
	DeliveryDate     *time.Time    `json:"delivery_date"`
	BudgetMin        *float64      `json:"budget_min"`
	BudgetMax        *float64      `json:"budget_max"`
	Currency         *string       `json:"currency"`
}

type LoadQuery struct {
	Status models.LoadStatus
}

func validateLoad(l *models.Load) error {
	var problems []string
	if strings.TrimSpace(l.Title) == "" {
		problems = append(problems, "title is required")
	}
	if strings.TrimSpace(l.PickupLocation) == "" || strings.TrimSpace(l.DeliveryLocation) == "" {
		problems = append(problems, "pickup and delivery locations are required")
	}
	if l.Weight < 0 {
		problems = append(problems, "weight must not be negative")
	}
	if l.PickupDate.IsZero() || l.DeliveryDate.IsZero() {
		problems = append(problems, "pickup and delivery dates are required")
	} else if !l.DeliveryDate.After(l.PickupDate) {
		problems = append(problems, "delivery date must be after pickup date")
	}
	if l.BudgetMin < 0 || l.BudgetMax < 0 {
		problems = append(problems, "budget must not be negative")
	}
	if l.BudgetMax < l.BudgetMin {
		problems = append(problems, "budget_max must be at least budget_min")
	}
	if !validCurrency(l.Currency) {
		problems = append(problems, "unsupported currency "+l.Currency)
	}
	for _, c := range []*models.Coord{l.PickupCoord, l.DeliveryCoord} {
		if c != nil && !geo.Valid(*c) {
			problems = append(problems, "coordinates out of range")
			break
		}
	}
	if len(problems) > 0 {
		return apperrors.InvalidArgument(strings.Join(problems, "; "))
	}
	return nil
}

// withDistance sets the road distance when a router is configured and the
// great-circle distance otherwise.
func (e *Engine) withDistance(ctx context.Context, l *models.Load) {
	l.DistanceKm = 0
	if l.PickupCoord == nil || l.DeliveryCoord == nil {
		return
	}
	if e.routes != nil {
		km, err := e.routes.RouteKm(ctx, *l.PickupCoord, *l.DeliveryCoord)
		if err == nil {
			l.DistanceKm = round2(km)
			return
		}
		e.logger.Warn("route lookup failed", "load_id", l.ID, "error", err)
	}
	l.DistanceKm = round2(geo.DistanceKm(*l.PickupCoord, *l.DeliveryCoord))
}

func loadTopics(l *models.Load) []string {
	return []string{events.LoadTopic(l.ID), events.UserTopic(l.ClientID), events.UserTopic(l.AssignedTransporterID), events.Broadcast}
}

// liveLoad returns a load that has not been soft deleted.
func (e *Engine) liveLoad(ctx context.Context, id string) (*models.Load, error) {
	l, err := get[models.Load](ctx, e.store, storage.CollLoads, id, "load")
	if err != nil {
		return nil, err
	}
	if l.Deleted {
		return nil, apperrors.NotFound("load not found")
	}
	return l, nil
}

func (e *Engine) index(ctx context.Context, l *models.Load) {
	if e.geo == nil {
		return
	}
	var err error
	if l.Status == models.LoadActive && !l.Deleted && l.PickupCoord != nil {
		err = e.geo.Upsert(ctx, l.ID, *l.PickupCoord)
	} else {
		err = e.geo.Remove(ctx, l.ID)
	}
	if err != nil {
		e.logger.Warn("geo index update failed", "load_id", l.ID, "error", err)
	}
}

func (e *Engine) CreateLoad(ctx context.Context, actor access.Actor, in LoadInput) (l *models.Load, err error) {
	ctx, span := e.start(ctx, "CreateLoad", actor)
	defer func() { e.finish(span, "CreateLoad", err) }()

	if err := access.RequireRole(actor, access.RoleClient); err != nil {
		return nil, err
	}
	owner := actor.ID
	if actor.IsOperator() {
		if in.ClientID == "" {
			return nil, apperrors.InvalidArgument("client_id is required when an operator posts a load")
		}
		owner = in.ClientID
	}
	now := e.now()
	l = &models.Load{
		ID:               e.newID(),
		ClientID:         owner,
		Title:            strings.TrimSpace(in.Title),
		Description:      in.Description,
		CargoType:        in.CargoType,
		Weight:           in.Weight,
		PickupLocation:   strings.TrimSpace(in.PickupLocation),
		DeliveryLocation: strings.TrimSpace(in.DeliveryLocation),
		PickupCoord:      in.PickupCoord,
		DeliveryCoord:    in.DeliveryCoord,
		PickupDate:       in.PickupDate,
		DeliveryDate:     in.DeliveryDate,
		BudgetMin:        in.BudgetMin,
		BudgetMax:        in.BudgetMax,
		Currency:         strings.ToUpper(strings.TrimSpace(in.Currency)),
		Status:           models.LoadActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if l.Currency == "" {
		l.Currency = defaultCurrency
	}
	if err := validateLoad(l); err != nil {
		return nil, err
	}
	e.withDistance(ctx, l)

	d, err := e.gate.CanPostLoad(ctx, owner)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "eligibility check", err)
	}
	if !d.Allowed {
		return nil, apperrors.NotEligible(d.Reason)
	}

	guard := storage.Filter{
		Fields: map[string]any{
			"client_id":         l.ClientID,
			"title":             l.Title,
			"pickup_location":   l.PickupLocation,
			"delivery_location": l.DeliveryLocation,
			"budget_min":        l.BudgetMin,
			"budget_max":        l.BudgetMax,
			"deleted":           false,
		},
		StatusIn: []string{string(models.LoadActive)},
	}
	if err := e.store.InsertUnique(ctx, storage.CollLoads, l, guard); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, apperrors.Conflict("an identical active load already exists")
		}
		return nil, storeErr(err, "load")
	}
	e.transition("load", l.ID, "", string(l.Status))
	e.index(ctx, l)

	b := events.NewBatch(actor.ID, now)
	b.Add(events.LoadCreated, l, events.Broadcast, events.UserTopic(l.ClientID))
	e.notifier.Notify(b)
	return l, nil
}

func (e *Engine) UpdateLoad(ctx context.Context, actor access.Actor, loadID string, p LoadPatch) (l *models.Load, err error) {
	ctx, span := e.start(ctx, "UpdateLoad", actor)
	defer func() { e.finish(span, "UpdateLoad", err) }()

	l, err = e.liveLoad(ctx, loadID)
	if err != nil {
		return nil, err
	}
	if err := access.RequireLoadOwner(actor, l); err != nil {
		return nil, err
	}
	if l.Status.Terminal() {
		return nil, apperrors.PreconditionFailed("cannot edit a " + strings.ToLower(string(l.Status)) + " load")
	}
	applyLoadPatch(l, p)
	if err := validateLoad(l); err != nil {
		return nil, err
	}
	e.withDistance(ctx, l)
	now := e.now()
	l.UpdatedAt = now

	patch := storage.Patch{
		"title":             l.Title,
		"description":       l.Description,
		"cargo_type":        l.CargoType,
		"weight":            l.Weight,
		"pickup_location":   l.PickupLocation,
		"delivery_location": l.DeliveryLocation,
		"pickup_coord":      l.PickupCoord,
		"delivery_coord":    l.DeliveryCoord,
		"distance_km":       l.DistanceKm,
		"pickup_date":       l.PickupDate,
		"delivery_date":     l.DeliveryDate,
		"budget_min":        l.BudgetMin,
		"budget_max":        l.BudgetMax,
		"currency":          l.Currency,
		"updated_at":        now,
	}
	if err := e.store.UpdateConditional(ctx, storage.CollLoads, l.ID, string(l.Status), patch); err != nil {
		return nil, storeErr(err, "load")
	}
	e.index(ctx, l)

	b := events.NewBatch(actor.ID, now)
	b.Add(events.LoadUpdated, l, loadTopics(l)...)
	e.notifier.Notify(b)
	return l, nil
}

func applyLoadPatch(l *models.Load, p LoadPatch) {
	setString := func(dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
		}
	}
	setString(&l.Title, p.Title)
	setString(&l.Description, p.Description)
	setString(&l.CargoType, p.CargoType)
	setString(&l.PickupLocation, p.PickupLocation)
	setString(&l.DeliveryLocation, p.DeliveryLocation)
	if p.Currency != nil {
		l.Currency = strings.ToUpper(strings.TrimSpace(*p.Currency))
	}
	if p.Weight != nil {
		l.Weight = *p.Weight
	}
	if p.PickupCoord != nil {
		l.PickupCoord = p.PickupCoord
	}
	if p.DeliveryCoord != nil {
		l.DeliveryCoord = p.DeliveryCoord
	}
	if p.PickupDate != nil {
		l.PickupDate = *p.PickupDate
	}
	if p.DeliveryDate != nil {
		l.DeliveryDate = *p.DeliveryDate
	}
	if p.BudgetMin != nil {
		l.BudgetMin = *p.BudgetMin
	}
	if p.BudgetMax != nil {
		l.BudgetMax = *p.BudgetMax
	}
}

// UpdateLoadStatus cancels an open load or completes an assigned one.
// Assignment only happens through AcceptBid.
func (e *Engine) UpdateLoadStatus(ctx context.Context, actor access.Actor, loadID string, to models.LoadStatus) (l *models.Load, err error) {
	ctx, span := e.start(ctx, "UpdateLoadStatus", actor)
	defer func() { e.finish(span, "UpdateLoadStatus", err) }()

	l, err = e.liveLoad(ctx, loadID)
	if err != nil {
		return nil, err
	}
	from := l.Status
	switch to {
	case models.LoadAssigned:
		return nil, apperrors.PreconditionFailed("loads are assigned by accepting a bid")
	case models.LoadCancelled:
		if err := access.RequireLoadOwner(actor, l); err != nil {
			return nil, err
		}
	case models.LoadCompleted:
		if err := access.RequireLoadParticipant(actor, l); err != nil {
			return nil, err
		}
	default:
		return nil, apperrors.InvalidArgument("unsupported target status " + string(to))
	}
	if !from.CanTransition(to) {
		return nil, apperrors.PreconditionFailed("load cannot move from " + string(from) + " to " + string(to))
	}

	now := e.now()
	b := events.NewBatch(actor.ID, now)
	if to == models.LoadCancelled {
		award, created, err := e.claimLoad(ctx, l.ID, "")
		if err != nil {
			return nil, err
		}
		if err := e.store.UpdateConditional(ctx, storage.CollLoads, l.ID, string(from), storage.Patch{"status": to, "updated_at": now}); err != nil {
			if created {
				e.releaseAward(ctx, award)
			}
			return nil, storeErr(err, "load")
		}
		lost, err := e.loseActiveBids(ctx, l.ID, "", now)
		if err != nil {
			e.logger.Error("closing bids of cancelled load failed", "load_id", l.ID, "error", err)
		}
		for i := range lost {
			b.Add(events.BidStatusChanged, &lost[i], events.UserTopic(lost[i].TransporterID), events.LoadTopic(l.ID))
		}
	} else if err := e.store.UpdateConditional(ctx, storage.CollLoads, l.ID, string(from), storage.Patch{"status": to, "updated_at": now}); err != nil {
		return nil, storeErr(err, "load")
	}
	l.Status, l.UpdatedAt = to, now
	e.transition("load", l.ID, string(from), string(to))
	e.index(ctx, l)

	b.Add(events.LoadStatusChanged, l, loadTopics(l)...)
	e.notifier.Notify(b)
	return l, nil
}

// DeleteLoad soft deletes a load. An open load is claimed first so it cannot
// be awarded while it sits in the bin.
func (e *Engine) DeleteLoad(ctx context.Context, actor access.Actor, loadID string) (l *models.Load, err error) {
	ctx, span := e.start(ctx, "DeleteLoad", actor)
	defer func() { e.finish(span, "DeleteLoad", err) }()

	l, err = e.liveLoad(ctx, loadID)
	if err != nil {
		return nil, err
	}
	if err := access.RequireLoadOwner(actor, l); err != nil {
		return nil, err
	}
	if l.Status.Assigned() {
		return nil, apperrors.PreconditionFailed("cannot delete a " + strings.ToLower(string(l.Status)) + " load")
	}
	var (
		award   *models.LoadAward
		created bool
	)
	if l.Status == models.LoadActive {
		if award, created, err = e.claimLoad(ctx, l.ID, ""); err != nil {
			return nil, err
		}
	}
	now := e.now()
	patch := storage.Patch{"deleted": true, "deleted_at": now, "updated_at": now}
	if err := e.store.UpdateConditional(ctx, storage.CollLoads, l.ID, string(l.Status), patch); err != nil {
		if created {
			e.releaseAward(ctx, award)
		}
		return nil, storeErr(err, "load")
	}
	l.Deleted, l.DeletedAt, l.UpdatedAt = true, &now, now
	e.index(ctx, l)
	e.logger.Info("load deleted", "load_id", l.ID, "actor_id", actor.ID)

	b := events.NewBatch(actor.ID, now)
	b.Add(events.LoadDeleted, l, events.LoadTopic(l.ID), events.UserTopic(l.ClientID), events.Broadcast)
	e.notifier.Notify(b)
	return l, nil
}

func (e *Engine) RestoreLoad(ctx context.Context, actor access.Actor, loadID string) (l *models.Load, err error) {
	ctx, span := e.start(ctx, "RestoreLoad", actor)
	defer func() { e.finish(span, "RestoreLoad", err) }()

	if err := access.RequireOperator(actor); err != nil {
		return nil, err
	}
	l, err = get[models.Load](ctx, e.store, storage.CollLoads, loadID, "load")
	if err != nil {
		return nil, err
	}
	if !l.Deleted {
		return nil, apperrors.NotFound("deleted load not found")
	}
	now := e.now()
	patch := storage.Patch{"deleted": false, "deleted_at": nil, "updated_at": now}
	if err := e.store.UpdateConditional(ctx, storage.CollLoads, l.ID, string(l.Status), patch); err != nil {
		return nil, storeErr(err, "load")
	}
	if l.Status == models.LoadActive {
		held, err := find[models.LoadAward](ctx, e.store, storage.CollLoadAwards, storage.Filter{
			Fields:   map[string]any{"load_id": l.ID, "bid_id": ""},
			StatusIn: []string{string(models.AwardHeld)},
		}, "load award")
		if err != nil {
			return nil, err
		}
		for i := range held {
			e.releaseAward(ctx, &held[i])
		}
	}
	l.Deleted, l.DeletedAt, l.UpdatedAt = false, nil, now
	e.index(ctx, l)

	b := events.NewBatch(actor.ID, now)
	b.Add(events.LoadRestored, l, events.LoadTopic(l.ID), events.UserTopic(l.ClientID), events.Broadcast)
	e.notifier.Notify(b)
	return l, nil
}

// GetLoad returns a load visible to actor. Transporters see open loads and
// loads they take part in.
func (e *Engine) GetLoad(ctx context.Context, actor access.Actor, loadID string) (*models.Load, error) {
	l, err := get[models.Load](ctx, e.store, storage.CollLoads, loadID, "load")
	if err != nil {
		return nil, err
	}
	if l.Deleted && !actor.IsOperator() {
		return nil, apperrors.NotFound("load not found")
	}
	if l.Status == models.LoadActive && actor.Role == access.RoleTransporter {
		return l, nil
	}
	ok, err := e.observes(ctx, actor, l)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.Forbidden("load is not visible to this account")
	}
	return l, nil
}

func (e *Engine) ListLoads(ctx context.Context, actor access.Actor, q LoadQuery) ([]models.Load, error) {
	base := map[string]any{"deleted": false}
	var statuses []string
	if q.Status != "" {
		statuses = []string{string(q.Status)}
	}
	switch actor.Role {
	case access.RoleOperator:
		return find[models.Load](ctx, e.store, storage.CollLoads, storage.Filter{Fields: base, StatusIn: statuses}, "load")
	case access.RoleClient:
		base["client_id"] = actor.ID
		return find[models.Load](ctx, e.store, storage.CollLoads, storage.Filter{Fields: base, StatusIn: statuses}, "load")
	case access.RoleTransporter:
		open, err := find[models.Load](ctx, e.store, storage.CollLoads, storage.Filter{Fields: base, StatusIn: []string{string(models.LoadActive)}}, "load")
		if err != nil {
			return nil, err
		}
		base["assigned_transporter_id"] = actor.ID
		mine, err := find[models.Load](ctx, e.store, storage.CollLoads, storage.Filter{Fields: base}, "load")
		if err != nil {
			return nil, err
		}
		out := make([]models.Load, 0, len(open)+len(mine))
		for _, l := range append(open, mine...) {
			if q.Status == "" || l.Status == q.Status {
				out = append(out, l)
			}
		}
		return out, nil
	}
	return nil, apperrors.Forbidden("unknown role")
}

func (e *Engine) ListDeletedLoads(ctx context.Context, actor access.Actor) ([]models.Load, error) {
	if err := access.RequireOperator(actor); err != nil {
		return nil, err
	}
	return find[models.Load](ctx, e.store, storage.CollLoads, storage.Filter{Fields: map[string]any{"deleted": true}}, "load")
}

// NearbyLoads lists open loads whose pickup lies within radiusKm of c.
func (e *Engine) NearbyLoads(ctx context.Context, actor access.Actor, c models.Coord, radiusKm float64, limit int) ([]models.Load, error) {
	if e.geo == nil {
		return nil, apperrors.PreconditionFailed("nearby search is not configured")
	}
	if !geo.Valid(c) || radiusKm <= 0 {
		return nil, apperrors.InvalidArgument("valid coordinates and a positive radius are required")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	ids, err := e.geo.Nearby(ctx, c, radiusKm, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "nearby search", err)
	}
	out := make([]models.Load, 0, len(ids))
	for _, id := range ids {
		l, err := e.liveLoad(ctx, id)
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if l.Status == models.LoadActive {
			out = append(out, *l)
		}
	}
	return out, nil
}

// CanObserveLoad reports whether actor may follow a load's topic: operators,
// the owner, the assigned transporter, and any transporter that bid on it.
func (e *Engine) CanObserveLoad(ctx context.Context, actor access.Actor, loadID string) (bool, error) {
	l, err := e.liveLoad(ctx, loadID)
	if apperrors.CodeOf(err) == apperrors.CodeNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.observes(ctx, actor, l)
}

func (e *Engine) observes(ctx context.Context, actor access.Actor, l *models.Load) (bool, error) {
	if access.RequireLoadParticipant(actor, l) == nil {
		return true, nil
	}
	if actor.Role != access.RoleTransporter {
		return false, nil
	}
	bids, err := find[models.Bid](ctx, e.store, storage.CollBids, storage.Filter{
		Fields: map[string]any{"load_id": l.ID, "transporter_id": actor.ID},
	}, "bid")
	if err != nil {
		return false, err
	}
	return len(bids) > 0, nil
}
