package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/fleetxchange/internal/apperrors"
	"github.com/example/fleetxchange/internal/events"
	"github.com/example/fleetxchange/internal/models"
)

func TestCreateLoad(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	l, err := h.eng.CreateLoad(ctx, client, loadInput("cocoa beans"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if l.Status != models.LoadActive || l.ClientID != client.ID || l.Currency != "USD" {
		t.Fatalf("unexpected load %+v", l)
	}
	if l.DistanceKm < 500 || l.DistanceKm > 600 {
		t.Fatalf("Lagos-Abuja distance = %v km", l.DistanceKm)
	}
	if got := h.rec.topics(events.LoadCreated); len(got) != 2 || got[0] != events.Broadcast {
		t.Fatalf("load.created topics = %v", got)
	}

	if _, err := h.eng.CreateLoad(ctx, client, loadInput("cocoa beans")); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("duplicate posting: got %v", err)
	}
	if _, err := h.eng.CreateLoad(ctx, otherClient, loadInput("cocoa beans")); err != nil {
		t.Fatalf("same title for another owner: %v", err)
	}
}

func TestCreateLoadValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	bad := func(mut func(*LoadInput)) LoadInput {
		in := loadInput("x")
		mut(&in)
		return in
	}
	cases := map[string]LoadInput{
		"no title":          bad(func(in *LoadInput) { in.Title = " " }),
		"negative weight":   bad(func(in *LoadInput) { in.Weight = -1 }),
		"inverted budget":   bad(func(in *LoadInput) { in.BudgetMax = 100 }),
		"delivery first":    bad(func(in *LoadInput) { in.DeliveryDate = in.PickupDate.Add(-time.Hour) }),
		"unknown currency":  bad(func(in *LoadInput) { in.Currency = "XYZ" }),
		"bad coordinates":   bad(func(in *LoadInput) { in.PickupCoord = &models.Coord{Lat: 120} }),
		"missing locations": bad(func(in *LoadInput) { in.DeliveryLocation = "" }),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := h.eng.CreateLoad(ctx, client, in); !errors.Is(err, apperrors.ErrInvalidArgument) {
				t.Fatalf("got %v", err)
			}
		})
	}
	if _, err := h.eng.CreateLoad(ctx, carrierA, loadInput("x")); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("transporter posting: got %v", err)
	}
	if _, err := h.eng.CreateLoad(ctx, operator, loadInput("x")); !errors.Is(err, apperrors.ErrInvalidArgument) {
		t.Fatalf("operator without client_id: got %v", err)
	}
}

func TestCreateLoadRequiresEligibleOwner(t *testing.T) {
	h := newHarness(t)
	in := loadInput("on behalf")
	in.ClientID = unverified.ID
	if _, err := h.eng.CreateLoad(context.Background(), operator, in); !errors.Is(err, apperrors.ErrNotEligible) {
		t.Fatalf("got %v", err)
	}
}

func TestUpdateLoad(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	l := h.mustLoad(t, "maize")

	title := "white maize"
	budgetMax := 900.0
	got, err := h.eng.UpdateLoad(ctx, client, l.ID, LoadPatch{Title: &title, BudgetMax: &budgetMax})
	if err != nil || got.Title != title || got.BudgetMax != 900 {
		t.Fatalf("update: %v %+v", err, got)
	}
	budgetMin := 1000.0
	if _, err := h.eng.UpdateLoad(ctx, client, l.ID, LoadPatch{BudgetMin: &budgetMin}); !errors.Is(err, apperrors.ErrInvalidArgument) {
		t.Fatalf("budget_min above max: got %v", err)
	}
	if _, err := h.eng.UpdateLoad(ctx, otherClient, l.ID, LoadPatch{Title: &title}); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("foreign edit: got %v", err)
	}
	if _, err := h.eng.UpdateLoadStatus(ctx, client, l.ID, models.LoadCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := h.eng.UpdateLoad(ctx, client, l.ID, LoadPatch{Title: &title}); !errors.Is(err, apperrors.ErrPreconditionFailed) {
		t.Fatalf("edit cancelled: got %v", err)
	}
}

func TestCancelLoadClosesBidsAndBlocksAcceptance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	l := h.mustLoad(t, "bricks")
	b := h.mustBid(t, carrierA, l.ID, 500)

	got, err := h.eng.UpdateLoadStatus(ctx, client, l.ID, models.LoadCancelled)
	if err != nil || got.Status != models.LoadCancelled {
		t.Fatalf("cancel: %v %+v", err, got)
	}
	if s := h.bid(t, b.ID).Status; s != models.BidLost {
		t.Fatalf("open bid after cancel = %s", s)
	}
	if _, err := h.eng.AcceptBid(ctx, client, b.ID); !errors.Is(err, apperrors.ErrPreconditionFailed) {
		t.Fatalf("accept on cancelled load: got %v", err)
	}
	if _, err := h.eng.PlaceBid(ctx, carrierB, l.ID, BidInput{Amount: 10}); !errors.Is(err, apperrors.ErrPreconditionFailed) {
		t.Fatalf("bid on cancelled load: got %v", err)
	}
}

func TestAcceptedLoadCannotBeCancelled(t *testing.T) {
	h := newHarness(t)
	l := h.assigned(t)
	if _, err := h.eng.UpdateLoadStatus(context.Background(), client, l.ID, models.LoadCancelled); !errors.Is(err, apperrors.ErrPreconditionFailed) {
		t.Fatalf("got %v", err)
	}
}

func TestUpdateLoadStatusRules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	open := h.mustLoad(t, "open")
	if _, err := h.eng.UpdateLoadStatus(ctx, client, open.ID, models.LoadAssigned); !errors.Is(err, apperrors.ErrPreconditionFailed) {
		t.Fatalf("direct assign: got %v", err)
	}
	if _, err := h.eng.UpdateLoadStatus(ctx, client, open.ID, models.LoadCompleted); !errors.Is(err, apperrors.ErrPreconditionFailed) {
		t.Fatalf("complete open load: got %v", err)
	}

	l := h.assigned(t)
	if _, err := h.eng.UpdateLoadStatus(ctx, carrierB, l.ID, models.LoadCompleted); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("outsider completes: got %v", err)
	}
	done, err := h.eng.UpdateLoadStatus(ctx, carrierA, l.ID, models.LoadCompleted)
	if err != nil || done.Status != models.LoadCompleted || done.AssignedTransporterID != carrierA.ID {
		t.Fatalf("complete: %v %+v", err, done)
	}
}

func TestDeleteAndRestore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	l := h.mustLoad(t, "scrap")
	b := h.mustBid(t, carrierA, l.ID, 200)

	if _, err := h.eng.DeleteLoad(ctx, client, l.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.eng.GetLoad(ctx, client, l.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("deleted load visible: %v", err)
	}
	if _, err := h.eng.AcceptBid(ctx, client, b.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("accept on deleted load: got %v", err)
	}
	if _, err := h.eng.RestoreLoad(ctx, client, l.ID); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("client restore: got %v", err)
	}
	deleted, err := h.eng.ListDeletedLoads(ctx, operator)
	if err != nil || len(deleted) != 1 {
		t.Fatalf("deleted list: %v %d", err, len(deleted))
	}

	restored, err := h.eng.RestoreLoad(ctx, operator, l.ID)
	if err != nil || restored.Deleted || restored.DeletedAt != nil {
		t.Fatalf("restore: %v %+v", err, restored)
	}
	if _, err := h.eng.RestoreLoad(ctx, operator, l.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("restore live load: got %v", err)
	}
	if _, err := h.eng.AcceptBid(ctx, client, b.ID); err != nil {
		t.Fatalf("accept after restore: %v", err)
	}
}

func TestDeleteAssignedLoadRefused(t *testing.T) {
	h := newHarness(t)
	l := h.assigned(t)
	if _, err := h.eng.DeleteLoad(context.Background(), client, l.ID); !errors.Is(err, apperrors.ErrPreconditionFailed) {
		t.Fatalf("got %v", err)
	}
}

func TestDeleteCancelledLoad(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	l := h.mustLoad(t, "returns")
	if _, err := h.eng.UpdateLoadStatus(ctx, client, l.ID, models.LoadCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := h.eng.DeleteLoad(ctx, client, l.ID); err != nil {
		t.Fatalf("delete cancelled: %v", err)
	}
}

func TestListLoadsVisibility(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.mustLoad(t, "open one")
	mine := h.assigned(t)
	if _, err := h.eng.CreateLoad(ctx, otherClient, loadInput("foreign")); err != nil {
		t.Fatalf("create: %v", err)
	}

	all, _ := h.eng.ListLoads(ctx, operator, LoadQuery{})
	own, _ := h.eng.ListLoads(ctx, client, LoadQuery{})
	carrier, _ := h.eng.ListLoads(ctx, carrierA, LoadQuery{})
	stranger, _ := h.eng.ListLoads(ctx, carrierB, LoadQuery{})
	if len(all) != 3 || len(own) != 2 || len(carrier) != 3 || len(stranger) != 2 {
		t.Fatalf("visibility operator=%d client=%d carrierA=%d carrierB=%d", len(all), len(own), len(carrier), len(stranger))
	}
	assigned, _ := h.eng.ListLoads(ctx, client, LoadQuery{Status: models.LoadAssigned})
	if len(assigned) != 1 || assigned[0].ID != mine.ID {
		t.Fatalf("status filter: %+v", assigned)
	}
	if _, err := h.eng.GetLoad(ctx, carrierB, mine.ID); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("assigned load visible to stranger: %v", err)
	}
}

func TestNearbyLoadsAndObservation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	l := h.mustLoad(t, "nearby")
	lagos := models.Coord{Lat: 6.45, Lon: 3.39}

	got, err := h.eng.NearbyLoads(ctx, carrierA, lagos, 50, 10)
	if err != nil || len(got) != 1 || got[0].ID != l.ID {
		t.Fatalf("nearby: %v %+v", err, got)
	}
	if ok, _ := h.eng.CanObserveLoad(ctx, carrierA, l.ID); ok {
		t.Fatalf("transporter without bid may not observe")
	}
	b := h.mustBid(t, carrierA, l.ID, 300)
	if ok, _ := h.eng.CanObserveLoad(ctx, carrierA, l.ID); !ok {
		t.Fatalf("bidder must observe")
	}
	if ok, _ := h.eng.CanObserveLoad(ctx, otherClient, l.ID); ok {
		t.Fatalf("other client may not observe")
	}

	if _, err := h.eng.AcceptBid(ctx, client, b.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got, _ := h.eng.NearbyLoads(ctx, carrierB, lagos, 50, 10); len(got) != 0 {
		t.Fatalf("assigned load still listed nearby: %+v", got)
	}
	if _, err := h.eng.NearbyLoads(ctx, carrierB, lagos, 0, 10); !errors.Is(err, apperrors.ErrInvalidArgument) {
		t.Fatalf("zero radius: got %v", err)
	}
}

type fakeRouter struct {
	km  float64
	err error
}

func (f fakeRouter) RouteKm(context.Context, models.Coord, models.Coord) (float64, error) {
	return f.km, f.err
}

func TestLoadDistanceUsesRouter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.eng.routes = fakeRouter{km: 760.456}

	l, err := h.eng.CreateLoad(ctx, client, loadInput("routed"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if l.DistanceKm != 760.46 {
		t.Fatalf("expected the road distance, got %v", l.DistanceKm)
	}

	h.eng.routes = fakeRouter{err: errors.New("osrm down")}
	l, err = h.eng.CreateLoad(ctx, client, loadInput("fallback"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if l.DistanceKm < 500 || l.DistanceKm > 600 {
		t.Fatalf("expected the great-circle fallback, got %v", l.DistanceKm)
	}
}
