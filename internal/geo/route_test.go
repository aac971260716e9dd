package geo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/fleetxchange/internal/models"
)

func TestOSRMRouterCachesRoutes(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !strings.HasPrefix(r.URL.Path, "/route/v1/driving/28.047300,-26.204100;28.229300,-25.747900") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"code":"Ok","routes":[{"distance":58400,"duration":3100}]}`))
	}))
	defer srv.Close()

	r := NewOSRMRouter(srv.URL, time.Minute)
	jhb := models.Coord{Lat: -26.2041, Lon: 28.0473}
	pta := models.Coord{Lat: -25.7479, Lon: 28.2293}
	for i := 0; i < 2; i++ {
		km, err := r.RouteKm(context.Background(), jhb, pta)
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		if km != 58.4 {
			t.Fatalf("expected 58.4 km, got %v", km)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one upstream call, got %d", hits.Load())
	}
}

func TestOSRMRouterNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	r := NewOSRMRouter(srv.URL, time.Minute)
	if _, err := r.RouteKm(context.Background(), models.Coord{}, models.Coord{Lat: 1, Lon: 1}); err == nil {
		t.Fatalf("expected an error when osrm finds no route")
	}
}

func TestRouteCacheExpires(t *testing.T) {
	c := newRouteCache(time.Millisecond)
	a, b := models.Coord{Lat: 1, Lon: 2}, models.Coord{Lat: 3, Lon: 4}
	c.set(a, b, 10)
	if _, ok := c.get(b, a); ok {
		t.Fatalf("cache must be directional")
	}
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.get(a, b); ok {
		t.Fatalf("expected the entry to expire")
	}
}
