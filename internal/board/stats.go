package board

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/p2pboard/internal/domain"
)

// Stats summarizes the offers currently displayed.
type Stats struct {
	// AveragePrice is zero for an empty list.
	AveragePrice         decimal.Decimal             `json:"average_price"`
	Count                int                         `json:"count"`
	MerchantCount        int                         `json:"merchant_count"`
	OnlineCount          int                         `json:"online_count"`
	TriangleFlaggedCount int                         `json:"triangle_count"`
	CountByMerchantTier  map[domain.MerchantTier]int `json:"count_by_merchant_tier"`
}

// Summarize computes Stats over exactly the offers given. Call it on the
// filtered list so the numbers match what is shown.
func Summarize(offers []domain.Offer) Stats {
	st := Stats{
		AveragePrice:        decimal.Zero,
		Count:               len(offers),
		CountByMerchantTier: make(map[domain.MerchantTier]int, len(domain.MerchantTiers)),
	}
	for _, t := range domain.MerchantTiers {
		st.CountByMerchantTier[t] = 0
	}

	sum := decimal.Zero
	for _, o := range offers {
		sum = sum.Add(o.Price)
		if o.IsMerchant {
			st.MerchantCount++
		}
		if o.IsOnline {
			st.OnlineCount++
		}
		if o.IsTriangleFlagged {
			st.TriangleFlaggedCount++
		}
		tier := o.MerchantTier
		if tier == "" {
			tier = domain.TierNone
		}
		st.CountByMerchantTier[tier]++
	}

	if len(offers) > 0 {
		st.AveragePrice = sum.Div(decimal.NewFromInt(int64(len(offers))))
	}
	return st
}
