package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/example/fleetxchange/internal/access"
	"github.com/example/fleetxchange/internal/apperrors"
	"github.com/example/fleetxchange/internal/events"
	"github.com/example/fleetxchange/internal/models"
	"github.com/example/fleetxchange/internal/storage"
)

type BidInput struct {
	// TransporterID is honoured only when an operator bids on a carrier's behalf.
	TransporterID    string     `json:"transporter_id"`
	Amount           float64    `json:"amount"`
	Message          string     `json:"message"`
	ProposedPickup   *time.Time `json:"proposed_pickup"`
	ProposedDelivery *time.Time `json:"proposed_delivery"`
}

type BidPatch struct {
	Amount           *float64   `json:"amount"`
	Message          *string    `json:"message"`
	ProposedPickup   *time.Time `json:"proposed_pickup"`
	ProposedDelivery *time.Time `json:"proposed_delivery"`
}

// AcceptResult is the state left behind by a successful acceptance.
type AcceptResult struct {
	Bid  *models.Bid  `json:"bid"`
	Load *models.Load `json:"load"`
	Lost []models.Bid `json:"lost_bids"`
}

func validateBidTerms(amount float64, pickup, delivery *time.Time) error {
	if amount <= 0 {
		return apperrors.InvalidArgument("amount must be positive")
	}
	if pickup != nil && delivery != nil && !delivery.After(*pickup) {
		return apperrors.InvalidArgument("proposed delivery must be after proposed pickup")
	}
	return nil
}

func bidTopics(b *models.Bid) []string {
	return []string{events.UserTopic(b.TransporterID), events.UserTopic(b.ClientID), events.LoadTopic(b.LoadID)}
}

func (e *Engine) PlaceBid(ctx context.Context, actor access.Actor, loadID string, in BidInput) (bid *models.Bid, err error) {
	ctx, span := e.start(ctx, "PlaceBid", actor)
	defer func() { e.finish(span, "PlaceBid", err) }()

	if err := access.RequireRole(actor, access.RoleTransporter); err != nil {
		return nil, err
	}
	transporter := actor.ID
	if actor.IsOperator() {
		if in.TransporterID == "" {
			return nil, apperrors.InvalidArgument("transporter_id is required when an operator places a bid")
		}
		transporter = in.TransporterID
	}
	if err := validateBidTerms(in.Amount, in.ProposedPickup, in.ProposedDelivery); err != nil {
		return nil, err
	}
	load, err := e.liveLoad(ctx, loadID)
	if err != nil {
		return nil, err
	}
	if load.Status != models.LoadActive {
		return nil, apperrors.PreconditionFailed("load is not open for bidding")
	}
	d, err := e.gate.CanPlaceBid(ctx, transporter)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "eligibility check", err)
	}
	if !d.Allowed {
		return nil, apperrors.NotEligible(d.Reason)
	}

	now := e.now()
	bid = &models.Bid{
		ID:               e.newID(),
		LoadID:           load.ID,
		TransporterID:    transporter,
		ClientID:         load.ClientID,
		Amount:           round2(in.Amount),
		Message:          strings.TrimSpace(in.Message),
		ProposedPickup:   in.ProposedPickup,
		ProposedDelivery: in.ProposedDelivery,
		Status:           models.BidActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	guard := storage.Filter{
		Fields:   map[string]any{"load_id": load.ID, "transporter_id": transporter},
		StatusIn: []string{string(models.BidActive)},
	}
	if err := e.store.InsertUnique(ctx, storage.CollBids, bid, guard); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, apperrors.Conflict("an active bid already exists for this load")
		}
		return nil, storeErr(err, "bid")
	}

	// The load may have been awarded or cancelled after the first read. A bid
	// that missed the sibling sweep closes itself.
	load, err = get[models.Load](ctx, e.store, storage.CollLoads, load.ID, "load")
	if err != nil {
		return nil, err
	}
	if load.Status != models.LoadActive {
		if err := e.store.UpdateConditional(ctx, storage.CollBids, bid.ID, string(models.BidActive), storage.Patch{"status": models.BidLost, "updated_at": now}); err != nil && !errors.Is(err, storage.ErrConflict) {
			e.logger.Error("closing late bid failed", "bid_id", bid.ID, "error", err)
		}
		return nil, apperrors.PreconditionFailed("load closed while the bid was being placed")
	}
	e.transition("bid", bid.ID, "", string(bid.Status))

	b := events.NewBatch(actor.ID, now)
	b.Add(events.BidCreated, bid, bidTopics(bid)...)
	e.notifier.Notify(b)
	return bid, nil
}

func (e *Engine) UpdateBid(ctx context.Context, actor access.Actor, bidID string, p BidPatch) (bid *models.Bid, err error) {
	ctx, span := e.start(ctx, "UpdateBid", actor)
	defer func() { e.finish(span, "UpdateBid", err) }()

	bid, err = get[models.Bid](ctx, e.store, storage.CollBids, bidID, "bid")
	if err != nil {
		return nil, err
	}
	if err := access.RequireBidOwner(actor, bid); err != nil {
		return nil, err
	}
	if bid.Status != models.BidActive {
		return nil, apperrors.PreconditionFailed("only active bids can be edited")
	}
	if p.Amount != nil {
		bid.Amount = round2(*p.Amount)
	}
	if p.Message != nil {
		bid.Message = strings.TrimSpace(*p.Message)
	}
	if p.ProposedPickup != nil {
		bid.ProposedPickup = p.ProposedPickup
	}
	if p.ProposedDelivery != nil {
		bid.ProposedDelivery = p.ProposedDelivery
	}
	if err := validateBidTerms(bid.Amount, bid.ProposedPickup, bid.ProposedDelivery); err != nil {
		return nil, err
	}
	now := e.now()
	bid.UpdatedAt = now
	patch := storage.Patch{
		"amount":            bid.Amount,
		"message":           bid.Message,
		"proposed_pickup":   bid.ProposedPickup,
		"proposed_delivery": bid.ProposedDelivery,
		"updated_at":        now,
	}
	if err := e.store.UpdateConditional(ctx, storage.CollBids, bid.ID, string(models.BidActive), patch); err != nil {
		return nil, storeErr(err, "bid")
	}

	b := events.NewBatch(actor.ID, now)
	b.Add(events.BidUpdated, bid, bidTopics(bid)...)
	e.notifier.Notify(b)
	return bid, nil
}

// AcceptBid awards a load to one bid. The steps run in a fixed order (award
// claim, bid, siblings, load) and each is a conditional update, so repeating
// the call after a partial failure completes the award.
func (e *Engine) AcceptBid(ctx context.Context, actor access.Actor, bidID string) (res *AcceptResult, err error) {
	ctx, span := e.start(ctx, "AcceptBid", actor)
	defer func() { e.finish(span, "AcceptBid", err) }()

	bid, err := get[models.Bid](ctx, e.store, storage.CollBids, bidID, "bid")
	if err != nil {
		return nil, err
	}
	load, err := e.liveLoad(ctx, bid.LoadID)
	if err != nil {
		return nil, err
	}
	if err := access.RequireLoadOwner(actor, load); err != nil {
		return nil, err
	}

	switch {
	case bid.Status == models.BidWon && load.Status == models.LoadAssigned && load.AssignedTransporterID == bid.TransporterID:
		return &AcceptResult{Bid: bid, Load: load}, nil
	case bid.Status == models.BidWon && load.Status == models.LoadActive:
		// resume an interrupted acceptance
	case bid.Status != models.BidActive:
		return nil, apperrors.PreconditionFailed("bid is " + strings.ToLower(string(bid.Status)))
	case load.Status != models.LoadActive:
		return nil, apperrors.PreconditionFailed("load is no longer open")
	}

	award, created, err := e.claimLoad(ctx, load.ID, bid.ID)
	if err != nil {
		return nil, err
	}
	now := e.now()

	if bid.Status == models.BidActive {
		err := e.store.UpdateConditional(ctx, storage.CollBids, bid.ID, string(models.BidActive), storage.Patch{"status": models.BidWon, "updated_at": now})
		if err != nil && !errors.Is(err, storage.ErrConflict) {
			return nil, storeErr(err, "bid")
		}
		if err != nil {
			cur, gerr := get[models.Bid](ctx, e.store, storage.CollBids, bid.ID, "bid")
			if gerr != nil {
				return nil, gerr
			}
			if cur.Status != models.BidWon {
				if created {
					e.releaseAward(ctx, award)
				}
				return nil, apperrors.PreconditionFailed("bid became " + strings.ToLower(string(cur.Status)) + " before it could be accepted")
			}
		} else {
			e.transition("bid", bid.ID, string(models.BidActive), string(models.BidWon))
		}
		bid.Status, bid.UpdatedAt = models.BidWon, now
	}

	lost, err := e.loseActiveBids(ctx, load.ID, bid.ID, now)
	if err != nil {
		return nil, err
	}

	assign := storage.Patch{"status": models.LoadAssigned, "assigned_transporter_id": bid.TransporterID, "updated_at": now}
	if err := e.store.UpdateConditional(ctx, storage.CollLoads, load.ID, string(models.LoadActive), assign); err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			return nil, storeErr(err, "load")
		}
		cur, gerr := get[models.Load](ctx, e.store, storage.CollLoads, load.ID, "load")
		if gerr != nil {
			return nil, gerr
		}
		if cur.Status != models.LoadAssigned || cur.AssignedTransporterID != bid.TransporterID {
			return nil, apperrors.Conflict("load changed while the bid was being accepted")
		}
	} else {
		e.transition("load", load.ID, string(models.LoadActive), string(models.LoadAssigned))
	}
	load.Status, load.AssignedTransporterID, load.UpdatedAt = models.LoadAssigned, bid.TransporterID, now

	// Bids inserted between the first sweep and the assignment.
	late, err := e.loseActiveBids(ctx, load.ID, bid.ID, now)
	if err != nil {
		e.logger.Error("second sibling sweep failed", "load_id", load.ID, "error", err)
	}
	lost = append(lost, late...)
	e.index(ctx, load)

	b := events.NewBatch(actor.ID, now)
	b.Add(events.BidAccepted, bid, events.UserTopic(bid.TransporterID), events.LoadTopic(load.ID), events.UserTopic(load.ClientID), events.Broadcast)
	for i := range lost {
		b.Add(events.BidStatusChanged, &lost[i], events.UserTopic(lost[i].TransporterID), events.LoadTopic(load.ID))
	}
	b.Add(events.LoadStatusChanged, load, loadTopics(load)...)
	e.notifier.Notify(b)
	return &AcceptResult{Bid: bid, Load: load, Lost: lost}, nil
}

func (e *Engine) RejectBid(ctx context.Context, actor access.Actor, bidID string) (*models.Bid, error) {
	return e.closeBid(ctx, actor, "RejectBid", bidID, models.BidLost)
}

func (e *Engine) WithdrawBid(ctx context.Context, actor access.Actor, bidID string) (*models.Bid, error) {
	return e.closeBid(ctx, actor, "WithdrawBid", bidID, models.BidWithdrawn)
}

// closeBid moves a single ACTIVE bid to LOST (rejected by the load owner) or
// WITHDRAWN (by its transporter). The load is untouched.
func (e *Engine) closeBid(ctx context.Context, actor access.Actor, op, bidID string, to models.BidStatus) (bid *models.Bid, err error) {
	ctx, span := e.start(ctx, op, actor)
	defer func() { e.finish(span, op, err) }()

	bid, err = get[models.Bid](ctx, e.store, storage.CollBids, bidID, "bid")
	if err != nil {
		return nil, err
	}
	if to == models.BidWithdrawn {
		err = access.RequireBidOwner(actor, bid)
	} else {
		var load *models.Load
		if load, err = get[models.Load](ctx, e.store, storage.CollLoads, bid.LoadID, "load"); err == nil {
			err = access.RequireLoadOwner(actor, load)
		}
	}
	if err != nil {
		return nil, err
	}
	if !bid.Status.CanTransition(to) {
		return nil, apperrors.PreconditionFailed("only active bids can be " + strings.ToLower(string(to)))
	}
	now := e.now()
	if err := e.store.UpdateConditional(ctx, storage.CollBids, bid.ID, string(models.BidActive), storage.Patch{"status": to, "updated_at": now}); err != nil {
		return nil, storeErr(err, "bid")
	}
	e.transition("bid", bid.ID, string(bid.Status), string(to))
	bid.Status, bid.UpdatedAt = to, now

	b := events.NewBatch(actor.ID, now)
	b.Add(events.BidStatusChanged, bid, bidTopics(bid)...)
	e.notifier.Notify(b)
	return bid, nil
}

// ListBids lists the bids on a load. Owners and operators see every bid,
// transporters only their own. With an empty loadID a transporter gets all
// of their bids.
func (e *Engine) ListBids(ctx context.Context, actor access.Actor, loadID string) ([]models.Bid, error) {
	f := storage.Filter{Fields: map[string]any{}}
	if loadID == "" {
		if actor.Role != access.RoleTransporter {
			return nil, apperrors.InvalidArgument("load_id is required")
		}
		f.Fields["transporter_id"] = actor.ID
		return find[models.Bid](ctx, e.store, storage.CollBids, f, "bid")
	}
	load, err := get[models.Load](ctx, e.store, storage.CollLoads, loadID, "load")
	if err != nil {
		return nil, err
	}
	f.Fields["load_id"] = load.ID
	switch {
	case access.RequireLoadOwner(actor, load) == nil:
	case actor.Role == access.RoleTransporter:
		f.Fields["transporter_id"] = actor.ID
	default:
		return nil, apperrors.Forbidden("bids on this load are not visible to this account")
	}
	return find[models.Bid](ctx, e.store, storage.CollBids, f, "bid")
}

// claimLoad takes the per-load award claim for bidID, or for a cancel or
// delete when bidID is empty. created reports whether this call took the
// claim rather than resuming one it already held.
func (e *Engine) claimLoad(ctx context.Context, loadID, bidID string) (award *models.LoadAward, created bool, err error) {
	held := storage.Filter{
		Fields:   map[string]any{"load_id": loadID},
		StatusIn: []string{string(models.AwardHeld)},
	}
	for attempt := 0; attempt < 2; attempt++ {
		now := e.now()
		award = &models.LoadAward{ID: e.newID(), LoadID: loadID, BidID: bidID, Status: models.AwardHeld, CreatedAt: now, UpdatedAt: now}
		err := e.store.InsertUnique(ctx, storage.CollLoadAwards, award, held)
		if err == nil {
			return award, true, nil
		}
		if !errors.Is(err, storage.ErrDuplicate) {
			return nil, false, storeErr(err, "load award")
		}

		holders, err := find[models.LoadAward](ctx, e.store, storage.CollLoadAwards, held, "load award")
		if err != nil {
			return nil, false, err
		}
		if len(holders) == 0 {
			continue
		}
		h := &holders[0]
		if h.BidID == bidID {
			return h, false, nil
		}
		if h.BidID == "" {
			return nil, false, apperrors.PreconditionFailed("load is being withdrawn from the market")
		}
		holder, err := get[models.Bid](ctx, e.store, storage.CollBids, h.BidID, "bid")
		if err != nil {
			return nil, false, err
		}
		switch holder.Status {
		case models.BidWon:
			return nil, false, apperrors.PreconditionFailed("load already has an accepted bid")
		case models.BidActive:
			return nil, false, apperrors.PreconditionFailed("another bid is being accepted for this load")
		}
		// The holder's acceptance was abandoned; its bid is closed.
		if err := e.store.UpdateConditional(ctx, storage.CollLoadAwards, h.ID, string(models.AwardHeld), storage.Patch{"status": models.AwardReleased, "updated_at": now}); err != nil && !errors.Is(err, storage.ErrConflict) {
			return nil, false, storeErr(err, "load award")
		}
	}
	return nil, false, apperrors.Conflict("load award is contended")
}

func (e *Engine) releaseAward(ctx context.Context, a *models.LoadAward) {
	err := e.store.UpdateConditional(ctx, storage.CollLoadAwards, a.ID, string(models.AwardHeld), storage.Patch{"status": models.AwardReleased, "updated_at": e.now()})
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		e.logger.Error("release load award failed", "award_id", a.ID, "load_id", a.LoadID, "error", err)
	}
}

// loseActiveBids moves every ACTIVE bid on a load except keep to LOST and
// returns the bids it closed.
func (e *Engine) loseActiveBids(ctx context.Context, loadID, keep string, now time.Time) ([]models.Bid, error) {
	f := storage.Filter{
		Fields:    map[string]any{"load_id": loadID},
		StatusIn:  []string{string(models.BidActive)},
		ExcludeID: keep,
	}
	open, err := find[models.Bid](ctx, e.store, storage.CollBids, f, "bid")
	if err != nil || len(open) == 0 {
		return nil, err
	}
	if _, err := e.store.UpdateMany(ctx, storage.CollBids, f, storage.Patch{"status": models.BidLost, "updated_at": now}); err != nil {
		return nil, storeErr(err, "bid")
	}
	closed := make([]models.Bid, 0, len(open))
	for _, b := range open {
		cur, err := get[models.Bid](ctx, e.store, storage.CollBids, b.ID, "bid")
		if err != nil {
			return nil, err
		}
		if cur.Status == models.BidLost {
			e.transition("bid", cur.ID, string(models.BidActive), string(models.BidLost))
			closed = append(closed, *cur)
		}
	}
	return closed, nil
}
