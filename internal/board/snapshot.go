// Package board holds the reconciliation core of the dashboard: the per-side
// snapshot store, the change detector that annotates price moves, the filter
// engine and the aggregator that produce the displayed view.
package board

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/p2pboard/internal/domain"
)

// PriceMap maps offer IDs to their last observed price.
type PriceMap map[string]decimal.Decimal

// SnapshotStore keeps the last-known price of every offer per side. It is used
// only for diffing; the displayed offers live elsewhere. Safe for concurrent use.
type SnapshotStore struct {
	mu     sync.RWMutex
	prices map[domain.Side]PriceMap
}

// NewSnapshotStore creates an empty SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{prices: make(map[domain.Side]PriceMap)}
}

// Get returns a copy of the stored prices for side, or an empty map if the
// side was never populated.
func (s *SnapshotStore) Get(side domain.Side) PriceMap {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.prices[side]
	out := make(PriceMap, len(src))
	for id, p := range src {
		out[id] = p
	}
	return out
}

// Replace overwrites the mapping for side with the prices of offers and
// returns the mapping it replaced. The swap is whole: nothing from the
// previous mapping survives.
func (s *SnapshotStore) Replace(side domain.Side, offers []domain.Offer) PriceMap {
	next := make(PriceMap, len(offers))
	for _, o := range offers {
		next[o.ID] = o.Price
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.prices[side]
	if prev == nil {
		prev = PriceMap{}
	}
	s.prices[side] = next
	return prev
}
