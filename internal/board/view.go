package board

import (
	"sort"

	"github.com/alanyoungcy/p2pboard/internal/domain"
)

// AnnotatedOffer is an offer as displayed, with its live annotation.
type AnnotatedOffer struct {
	domain.Offer
	Annotation domain.Annotation `json:"annotation,omitempty"`
}

// View is the filtered, sorted and summarized board of one side.
type View struct {
	Side   domain.Side      `json:"side"`
	Filter FilterConfig     `json:"filter"`
	Offers []AnnotatedOffer `json:"offers"`
	Stats  Stats            `json:"stats"`
}

// BuildView filters offers with cfg, orders them best price first for side
// and attaches annotations. Stats are computed on the filtered list.
func BuildView(side domain.Side, offers []domain.Offer, cfg FilterConfig, ann domain.AnnotationMap) View {
	filtered := Apply(offers, cfg)
	SortByPrice(side, filtered)

	out := make([]AnnotatedOffer, len(filtered))
	for i, o := range filtered {
		out[i] = AnnotatedOffer{Offer: o, Annotation: ann[o.ID]}
	}

	return View{
		Side:   side,
		Filter: cfg,
		Offers: out,
		Stats:  Summarize(filtered),
	}
}

// SortByPrice orders offers in place, cheapest first on the sell side and
// highest first on the buy side. Ties keep their original order.
func SortByPrice(side domain.Side, offers []domain.Offer) {
	sort.SliceStable(offers, func(i, j int) bool {
		if side == domain.SideBuy {
			return offers[i].Price.GreaterThan(offers[j].Price)
		}
		return offers[i].Price.LessThan(offers[j].Price)
	})
}
