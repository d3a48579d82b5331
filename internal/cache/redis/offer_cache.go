package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/p2pboard/internal/domain"
)

// DefaultOfferTTL bounds how long a cached side snapshot is served.
const DefaultOfferTTL = 5 * time.Minute

// OfferCache implements domain.OfferCache. Each side is one JSON-encoded
// SideSnapshot under {prefix}:offers:{side}.
type OfferCache struct {
	c   *Client
	ttl time.Duration
}

// NewOfferCache creates an OfferCache. A non-positive ttl uses DefaultOfferTTL.
func NewOfferCache(c *Client, ttl time.Duration) *OfferCache {
	if ttl <= 0 {
		ttl = DefaultOfferTTL
	}
	return &OfferCache{c: c, ttl: ttl}
}

func (oc *OfferCache) offersKey(side domain.Side) string {
	return oc.c.key("offers", string(side))
}

// SetSnapshot stores snap for its side, replacing any previous entry.
func (oc *OfferCache) SetSnapshot(ctx context.Context, snap domain.SideSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal %s snapshot: %w", snap.Side, err)
	}
	if err := oc.c.rdb.Set(ctx, oc.offersKey(snap.Side), data, oc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s snapshot: %w", snap.Side, err)
	}
	return nil
}

// GetSnapshot returns the cached snapshot of side, or domain.ErrNotFound.
func (oc *OfferCache) GetSnapshot(ctx context.Context, side domain.Side) (domain.SideSnapshot, error) {
	data, err := oc.c.rdb.Get(ctx, oc.offersKey(side)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.SideSnapshot{}, domain.ErrNotFound
		}
		return domain.SideSnapshot{}, fmt.Errorf("redis: get %s snapshot: %w", side, err)
	}

	var snap domain.SideSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.SideSnapshot{}, fmt.Errorf("redis: unmarshal %s snapshot: %w", side, err)
	}
	return snap, nil
}

// Invalidate drops the cached snapshot of side.
func (oc *OfferCache) Invalidate(ctx context.Context, side domain.Side) error {
	if err := oc.c.rdb.Del(ctx, oc.offersKey(side)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate %s snapshot: %w", side, err)
	}
	return nil
}

var _ domain.OfferCache = (*OfferCache)(nil)
