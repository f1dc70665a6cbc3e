package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const dedupKeyPrefix = "ingest:dedup"

// DefaultDedupWindow matches the fingerprint retention of the ingest
// pipeline.
const DefaultDedupWindow = 5 * time.Minute

// Deduper suppresses replayed fixes by fingerprint. The storage layer
// keeps a unique index as the durable backstop; this is the cheap
// first check.
type Deduper struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewDeduper creates a fingerprint deduper with the given window.
func NewDeduper(client *Client, logger *zap.Logger, ttl time.Duration) *Deduper {
	if ttl == 0 {
		ttl = DefaultDedupWindow
	}
	return &Deduper{client: client, logger: logger, ttl: ttl}
}

// Seen atomically records the fingerprint and reports whether it was
// already present. Unavailable redis degrades to "not seen" so ingest
// keeps flowing; the unique index still rejects true duplicates.
func (d *Deduper) Seen(ctx context.Context, fingerprint string) (bool, error) {
	if d == nil || d.client == nil {
		return false, nil
	}
	if fingerprint == "" {
		return false, fmt.Errorf("empty fingerprint")
	}

	key := fmt.Sprintf("%s:%s", dedupKeyPrefix, fingerprint)
	set, err := d.client.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		d.logger.Warn("dedup check failed", zap.Error(err))
		return false, nil
	}
	return !set, nil
}

// Check reports whether the fingerprint is present without recording
// it. Ingest checks before the storage write and marks after it, so a
// fix that fails storage and gets requeued is not mistaken for a
// duplicate on retry.
func (d *Deduper) Check(ctx context.Context, fingerprint string) (bool, error) {
	if d == nil || d.client == nil {
		return false, nil
	}
	if fingerprint == "" {
		return false, fmt.Errorf("empty fingerprint")
	}
	n, err := d.client.Exists(ctx, fmt.Sprintf("%s:%s", dedupKeyPrefix, fingerprint)).Result()
	if err != nil {
		d.logger.Warn("dedup check failed", zap.Error(err))
		return false, nil
	}
	return n > 0, nil
}

// Mark records the fingerprint for the dedup window.
func (d *Deduper) Mark(ctx context.Context, fingerprint string) error {
	if d == nil || d.client == nil {
		return nil
	}
	key := fmt.Sprintf("%s:%s", dedupKeyPrefix, fingerprint)
	return d.client.Set(ctx, key, "1", d.ttl).Err()
}

// Forget drops a fingerprint, used by tests and manual replay.
func (d *Deduper) Forget(ctx context.Context, fingerprint string) error {
	if d == nil || d.client == nil {
		return nil
	}
	key := fmt.Sprintf("%s:%s", dedupKeyPrefix, fingerprint)
	return d.client.Del(ctx, key).Err()
}
