package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/fleetxchange/internal/models"
)

// Geo indexes the pickup points of open loads so transporters can search
// near their position.
type Geo interface {
	Upsert(ctx context.Context, loadID string, c models.Coord) error
	Remove(ctx context.Context, loadID string) error
	// Nearby returns load ids within radiusKm of c, nearest first.
	Nearby(ctx context.Context, c models.Coord, radiusKm float64, limit int) ([]string, error)
}

type Index struct {
	mu     sync.RWMutex
	points map[string]models.Coord
}

func NewIndex() *Index {
	return &Index{points: make(map[string]models.Coord)}
}

func (g *Index) Upsert(_ context.Context, loadID string, c models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.points[loadID] = c
	return nil
}

func (g *Index) Remove(_ context.Context, loadID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.points, loadID)
	return nil
}

// naive scan
func (g *Index) Nearby(_ context.Context, c models.Coord, radiusKm float64, limit int) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		id   string
		dist float64
	}
	arr := make([]pair, 0, len(g.points))
	for id, p := range g.points {
		if d := DistanceKm(c, p); d <= radiusKm {
			arr = append(arr, pair{id, d})
		}
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist == arr[j].dist {
			return arr[i].id < arr[j].id
		}
		return arr[i].dist < arr[j].dist
	})
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]string, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.id)
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// DistanceKm is the great-circle distance between two points, rounded to 0.1 km.
func DistanceKm(a, b models.Coord) float64 {
	return math.Round(Haversine(a.Lat, a.Lon, b.Lat, b.Lon)/100) / 10
}

// Valid reports whether c is a plausible WGS84 coordinate.
func Valid(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}
