package board

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/p2pboard/internal/domain"
)

// FilterConfig is the set of independently toggleable view predicates. The
// zero value filters nothing.
type FilterConfig struct {
	MerchantsOnly          bool   `json:"merchants_only"`
	OnlineOnly             bool   `json:"online_only"`
	ExcludeTriangleFlagged bool   `json:"exclude_triangle"`
	PaymentMethod          string `json:"payment_method,omitempty"`
	// CounterAmount is raw user input. Anything that does not parse as a
	// number leaves the amount predicate inactive.
	CounterAmount string `json:"counter_amount,omitempty"`
}

// Predicate reports whether an offer passes one filter dimension.
type Predicate func(o domain.Offer) bool

// Predicates returns the active predicates of c. Inactive dimensions are
// omitted, so an empty result keeps every offer.
func (c FilterConfig) Predicates() []Predicate {
	var preds []Predicate

	if c.MerchantsOnly {
		preds = append(preds, func(o domain.Offer) bool { return o.IsMerchant })
	}
	if c.OnlineOnly {
		preds = append(preds, func(o domain.Offer) bool { return o.IsOnline })
	}
	if c.ExcludeTriangleFlagged {
		preds = append(preds, func(o domain.Offer) bool { return !o.IsTriangleFlagged })
	}
	if needle := strings.ToLower(strings.TrimSpace(c.PaymentMethod)); needle != "" {
		preds = append(preds, func(o domain.Offer) bool {
			for _, m := range o.PaymentMethods {
				if strings.Contains(strings.ToLower(m), needle) {
					return true
				}
			}
			return false
		})
	}
	if amount, ok := ParseAmount(c.CounterAmount); ok {
		preds = append(preds, func(o domain.Offer) bool {
			return !amount.LessThan(o.MinAmount) && !amount.GreaterThan(o.MaxAmount)
		})
	}

	return preds
}

// Apply returns the offers passing every active predicate of cfg, in their
// original relative order. The input slice is not modified.
func Apply(offers []domain.Offer, cfg FilterConfig) []domain.Offer {
	preds := cfg.Predicates()

	out := make([]domain.Offer, 0, len(offers))
next:
	for _, o := range offers {
		for _, p := range preds {
			if !p(o) {
				continue next
			}
		}
		out = append(out, o)
	}
	return out
}

// groupedAmount matches comma thousands grouping such as 5,000 or 1,000,000.50.
var groupedAmount = regexp.MustCompile(`^\d{1,3}(,\d{3})+(\.\d+)?$`)

// ParseAmount parses a user-entered counter-currency amount. Spaces are
// ignored. A comma is a thousands separator when it groups digits in threes
// and a decimal mark otherwise; "5,000" is five thousand and "5000,50" is
// 5000.5. ok is false for empty, non-numeric or mixed-separator input.
func ParseAmount(raw string) (decimal.Decimal, bool) {
	s := strings.Join(strings.Fields(raw), "")
	if s == "" {
		return decimal.Decimal{}, false
	}

	switch {
	case groupedAmount.MatchString(s):
		s = strings.ReplaceAll(s, ",", "")
	case strings.Contains(s, ","):
		if strings.Contains(s, ".") || strings.Count(s, ",") > 1 {
			return decimal.Decimal{}, false
		}
		s = strings.Replace(s, ",", ".", 1)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
