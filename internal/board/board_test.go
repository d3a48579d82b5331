package board

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/p2pboard/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func offer(id, price string) domain.Offer {
	return domain.Offer{
		ID:        id,
		Side:      domain.SideSell,
		Price:     dec(price),
		Quantity:  dec("100"),
		MinAmount: dec("1000"),
		MaxAmount: dec("10000"),
	}
}

func ids(offers []domain.Offer) []string {
	out := make([]string, len(offers))
	for i, o := range offers {
		out[i] = o.ID
	}
	return out
}

func prices(kv ...string) PriceMap {
	m := make(PriceMap, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = dec(kv[i+1])
	}
	return m
}

// newTestDetector returns a Detector whose annotations outlive any test.
func newTestDetector(t *testing.T, opts ...DetectorOption) *Detector {
	t.Helper()
	d := NewDetector(append([]DetectorOption{WithHighlightWindow(timeForever)}, opts...)...)
	t.Cleanup(d.Stop)
	return d
}
