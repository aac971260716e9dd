package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/example/fleetxchange/internal/models"
)

// Router returns the road distance between two points.
type Router interface {
	RouteKm(ctx context.Context, from, to models.Coord) (float64, error)
}

// OSRMRouter performs route lookups against an OSRM HTTP server and caches
// the answers, since a load's endpoints rarely change.
type OSRMRouter struct {
	Endpoint string
	Client   *http.Client
	cache    *routeCache
}

func NewOSRMRouter(endpoint string, ttl time.Duration) *OSRMRouter {
	return &OSRMRouter{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 2 * time.Second},
		cache:    newRouteCache(ttl),
	}
}

func (o *OSRMRouter) RouteKm(ctx context.Context, from, to models.Coord) (float64, error) {
	if km, ok := o.cache.get(from, to); ok {
		return km, nil
	}
	// /route/v1/driving/{lon1},{lat1};{lon2},{lat2}
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false", o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Distance float64 `json:"distance"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("osrm no route: %v", out.Code)
	}
	km := out.Routes[0].Distance / 1000
	o.cache.set(from, to, km)
	return km, nil
}

type routeCache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	km float64
	ts time.Time
}

func newRouteCache(ttl time.Duration) *routeCache {
	return &routeCache{store: make(map[string]cacheEntry), ttl: ttl}
}

func routeKey(a, b models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f", a.Lat, a.Lon, b.Lat, b.Lon)
}

func (c *routeCache) get(a, b models.Coord) (float64, bool) {
	k := routeKey(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.km, true
}

func (c *routeCache) set(a, b models.Coord, km float64) {
	c.mu.Lock()
	c.store[routeKey(a, b)] = cacheEntry{km: km, ts: time.Now()}
	c.mu.Unlock()
}
