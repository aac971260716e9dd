package geo

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/example/fleetxchange/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands, shared by all API instances.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, loadID string, c models.Coord) error {
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: c.Lon, Latitude: c.Lat, Name: loadID}).Err()
}

func (r *RedisGeo) Remove(ctx context.Context, loadID string) error {
	return r.client.ZRem(ctx, r.key, loadID).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, c models.Coord, radiusKm float64, limit int) ([]string, error) {
	res, err := r.client.GeoSearch(ctx, r.key, &redis.GeoSearchQuery{
		Longitude:  c.Lon,
		Latitude:   c.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
		Count:      limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	return res, nil
}
