package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fleetgrid/gps-server/internal/model"
)

const snapshotKeyPrefix = "device:snapshot"

// SnapshotCache read-through cache for device snapshots.
type SnapshotCache struct {
	client *Client
	ttl    time.Duration
}

// NewSnapshotCache builds the cache; ttl zero means 5 minutes.
func NewSnapshotCache(client *Client, ttl time.Duration) *SnapshotCache {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &SnapshotCache{client: client, ttl: ttl}
}

func snapshotKey(imei model.IMEI) string {
	return fmt.Sprintf("%s:%s", snapshotKeyPrefix, imei)
}

// Get returns the cached snapshot or (nil, nil) on a miss.
func (c *SnapshotCache) Get(ctx context.Context, imei model.IMEI) (*model.DeviceSnapshot, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}
	raw, err := c.client.Get(ctx, snapshotKey(imei)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap model.DeviceSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Put stores the snapshot with the cache TTL.
func (c *SnapshotCache) Put(ctx context.Context, snap *model.DeviceSnapshot) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, snapshotKey(snap.IMEI), raw, c.ttl).Err()
}

// Invalidate drops the cached snapshot after a state change.
func (c *SnapshotCache) Invalidate(ctx context.Context, imei model.IMEI) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, snapshotKey(imei)).Err()
}
