package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is one half of the P2P order book.
type Side string

const (
	SideSell Side = "sell"
	SideBuy  Side = "buy"
)

// Sides lists both order-book sides in display order.
var Sides = []Side{SideSell, SideBuy}

// Token returns the binary wire token used by the data source ("1" sell, "0" buy).
func (s Side) Token() string {
	if s == SideSell {
		return "1"
	}
	return "0"
}

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideSell || s == SideBuy
}

// ParseSide accepts either the wire token ("1"/"0") or the side name.
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "sell":
		return SideSell, nil
	case "0", "buy":
		return SideBuy, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSide, v)
	}
}

// MerchantTier is the canonical maker-reputation category.
type MerchantTier string

const (
	TierNone       MerchantTier = "none"
	TierBronze     MerchantTier = "bronze"
	TierSilver     MerchantTier = "silver"
	TierGold       MerchantTier = "gold"
	TierBlockTrade MerchantTier = "block_trade"
)

// MerchantTiers lists every canonical tier.
var MerchantTiers = []MerchantTier{TierNone, TierBronze, TierSilver, TierGold, TierBlockTrade}

// NormalizeMerchantTier maps the heterogeneous tier strings seen across data
// source schema versions onto the closed MerchantTier set. Unknown values map
// to TierNone. "verified" is the entry-level merchant badge and maps to bronze.
func NormalizeMerchantTier(raw string) MerchantTier {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "gold", "ga", "vagoldicon":
		return TierGold
	case "silver", "sa", "vasilvericon":
		return TierSilver
	case "bronze", "ba", "vabronzeicon", "verified", "va":
		return TierBronze
	case "block_trade", "blocktrade", "block-trade", "bt", "vablock_tradeicon":
		return TierBlockTrade
	default:
		return TierNone
	}
}

// Offer is one order-book entry: a maker's standing buy or sell quote.
// Offers are replaced wholesale on every fetch and never mutated in place.
type Offer struct {
	ID             string          `json:"id"`
	Price          decimal.Decimal `json:"price"`
	MakerName      string          `json:"maker"`
	MakerID        string          `json:"maker_id"`
	Quantity       decimal.Decimal `json:"quantity"`
	MinAmount      decimal.Decimal `json:"min_amount"`
	MaxAmount      decimal.Decimal `json:"max_amount"`
	PaymentMethods []string        `json:"payment_methods"`
	Side           Side            `json:"side"`
	// CompletionRate is the maker's historical completion percentage (0-100).
	CompletionRate decimal.Decimal `json:"completion_rate"`
	// TotalOrders is a count of historical orders, for display only.
	TotalOrders       int          `json:"total_orders"`
	IsMerchant        bool         `json:"is_merchant"`
	MerchantTier      MerchantTier `json:"merchant_type"`
	IsOnline          bool         `json:"is_online"`
	IsTriangleFlagged bool         `json:"is_triangle"`
}

// Validate rejects offers that must not enter the board.
func (o Offer) Validate() error {
	switch {
	case o.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidOffer)
	case !o.Side.Valid():
		return fmt.Errorf("%w: offer %s: unknown side %q", ErrInvalidOffer, o.ID, o.Side)
	case !o.Price.IsPositive():
		return fmt.Errorf("%w: offer %s: price %s is not positive", ErrInvalidOffer, o.ID, o.Price)
	case !o.Quantity.IsPositive():
		return fmt.Errorf("%w: offer %s: quantity %s is not positive", ErrInvalidOffer, o.ID, o.Quantity)
	case !o.MinAmount.IsPositive() || !o.MaxAmount.IsPositive():
		return fmt.Errorf("%w: offer %s: amounts must be positive", ErrInvalidOffer, o.ID)
	case o.MinAmount.GreaterThan(o.MaxAmount):
		return fmt.Errorf("%w: offer %s: min_amount %s > max_amount %s",
			ErrInvalidOffer, o.ID, o.MinAmount, o.MaxAmount)
	}
	return nil
}

// ValidateFor validates o as a member of side's list. An offer tagged with
// the opposite side is rejected rather than relabelled.
func (o Offer) ValidateFor(side Side) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if o.Side != side {
		return fmt.Errorf("%w: offer %s: side %s in %s list", ErrInvalidOffer, o.ID, o.Side, side)
	}
	return nil
}

// CacheSource tells where the data source served a snapshot from.
type CacheSource string

const (
	CacheSourceFresh    CacheSource = "fresh"
	CacheSourceCache    CacheSource = "cache"
	CacheSourceDatabase CacheSource = "database"
)

// SideSnapshot is the complete set of offers for one side together with the
// metadata the data source returns alongside it.
type SideSnapshot struct {
	Side        Side        `json:"side"`
	Offers      []Offer     `json:"offers"`
	AutoRefresh bool        `json:"auto_refresh"`
	CacheSource CacheSource `json:"cache_source,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// SideStatus is the cheap status-only view of a side: enough to tell whether
// the underlying data changed without transferring the offers.
type SideStatus struct {
	Side        Side      `json:"side"`
	UpdatedAt   time.Time `json:"updated_at"`
	OfferCount  int       `json:"offer_count"`
	AutoRefresh bool      `json:"auto_refresh"`
}
