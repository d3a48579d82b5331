package domain

import (
	"context"
	"time"
)

// OfferCache holds the most recently scraped snapshot of each side for fast
// reads by the data-source API.
type OfferCache interface {
	SetSnapshot(ctx context.Context, snap SideSnapshot) error
	GetSnapshot(ctx context.Context, side Side) (SideSnapshot, error)
	Invalidate(ctx context.Context, side Side) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub between processes and the websocket hub.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Signal bus channels.
const (
	ChannelOffersUpdated = "offers:updated"
	ChannelBoardUpdates  = "board:updates"
)
