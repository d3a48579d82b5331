package domain

import (
	"context"
	"time"
)

// OfferStore persists the last scraped snapshot of each side.
type OfferStore interface {
	// ReplaceSide swaps the stored offers of a side for offers in one
	// transaction and records the update time.
	ReplaceSide(ctx context.Context, side Side, offers []Offer, updatedAt time.Time) error
	ListBySide(ctx context.Context, side Side) ([]Offer, error)
	// LastUpdate returns ErrNotFound when the side was never stored.
	LastUpdate(ctx context.Context, side Side) (time.Time, int, error)
}

// SettingsStore persists global data-source settings.
type SettingsStore interface {
	AutoRefresh(ctx context.Context) (bool, error)
	// SetAutoRefresh writes the flag and returns the value now stored.
	SetAutoRefresh(ctx context.Context, enabled bool) (bool, error)
}
