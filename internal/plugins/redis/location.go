package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PascalSeth/tripsync/internal/core/contracts"
	"github.com/PascalSeth/tripsync/internal/core/domain"
)

// LocationStore keeps the last known position of each provider in a hash
// that expires when the provider stops reporting.
type LocationStore struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ contracts.LocationStore = (*LocationStore)(nil)

func NewLocationStore(rdb *redis.Client, ttl time.Duration) *LocationStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &LocationStore{rdb: rdb, ttl: ttl}
}

func locationKey(providerID string) string {
	return "location:" + providerID
}

func (s *LocationStore) SaveLocation(ctx context.Context, loc domain.ProviderLocation) error {
	key := locationKey(loc.ProviderID)
	updated := loc.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"ride_id", loc.RideID,
			"location_id", loc.Location.LocationID,
			"lat", strconv.FormatFloat(loc.Location.Latitude, 'f', -1, 64),
			"lng", strconv.FormatFloat(loc.Location.Longitude, 'f', -1, 64),
			"updated_at", updated.UnixMilli(),
		)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	return err
}

// GetLocation returns nil without error when nothing is known.
func (s *LocationStore) GetLocation(ctx context.Context, providerID string) (*domain.ProviderLocation, error) {
	vals, err := s.rdb.HGetAll(ctx, locationKey(providerID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return decodeLocation(providerID, vals)
}

func decodeLocation(providerID string, vals map[string]string) (*domain.ProviderLocation, error) {
	lat, err := strconv.ParseFloat(vals["lat"], 64)
	if err != nil {
		return nil, err
	}
	lng, err := strconv.ParseFloat(vals["lng"], 64)
	if err != nil {
		return nil, err
	}
	ms, err := strconv.ParseInt(vals["updated_at"], 10, 64)
	if err != nil {
		return nil, err
	}
	return &domain.ProviderLocation{
		ProviderID: providerID,
		RideID:     vals["ride_id"],
		Location: domain.Location{
			LocationID: vals["location_id"],
			Latitude:   lat,
			Longitude:  lng,
		},
		UpdatedAt: time.UnixMilli(ms).UTC(),
	}, nil
}
