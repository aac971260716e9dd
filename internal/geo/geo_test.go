package geo

import (
	"context"
	"testing"

	"github.com/example/fleetxchange/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKm(t *testing.T) {
	// Johannesburg to Pretoria is roughly 54 km
	jhb := models.Coord{Lat: -26.2041, Lon: 28.0473}
	pta := models.Coord{Lat: -25.7479, Lon: 28.2293}
	d := DistanceKm(jhb, pta)
	if d < 50 || d > 58 {
		t.Fatalf("unexpected distance %.1f km", d)
	}
}

func TestIndexNearby(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	_ = g.Upsert(ctx, "near", models.Coord{Lat: -26.2, Lon: 28.05})
	_ = g.Upsert(ctx, "mid", models.Coord{Lat: -25.75, Lon: 28.23})
	_ = g.Upsert(ctx, "far", models.Coord{Lat: -33.92, Lon: 18.42})

	ids, err := g.Nearby(ctx, models.Coord{Lat: -26.2041, Lon: 28.0473}, 100, 10)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(ids) != 2 || ids[0] != "near" || ids[1] != "mid" {
		t.Fatalf("expected [near mid], got %v", ids)
	}
	_ = g.Remove(ctx, "near")
	ids, _ = g.Nearby(ctx, models.Coord{Lat: -26.2041, Lon: 28.0473}, 100, 1)
	if len(ids) != 1 || ids[0] != "mid" {
		t.Fatalf("expected [mid] after removal, got %v", ids)
	}
}
