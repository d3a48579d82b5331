package bybit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/p2pboard/internal/domain"
)

// flexBool unmarshals from a JSON bool, number or string ("true"/"1") since
// the OTC endpoint is not consistent across fields.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexBool(n != 0)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// flexNumber holds a numeric field that may arrive as a JSON number or string.
type flexNumber string

func (f *flexNumber) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexNumber(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexNumber(n.String())
	return nil
}

func (f flexNumber) decimal() (decimal.Decimal, error) {
	if f == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(string(f))
}

// flexID holds an identifier that may arrive as a JSON number or string.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	var n flexNumber
	if err := n.UnmarshalJSON(data); err != nil {
		return err
	}
	*f = flexID(n)
	return nil
}

// APIPayment is one payment method entry. Depending on the endpoint version it
// is either an object with a name or a bare payment-type identifier.
type APIPayment struct {
	Name string
}

func (p *APIPayment) UnmarshalJSON(data []byte) error {
	var obj struct {
		Name        string `json:"name"`
		PaymentName string `json:"paymentName"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		p.Name = obj.Name
		if p.Name == "" {
			p.Name = obj.PaymentName
		}
		return nil
	}
	var id flexID
	if err := id.UnmarshalJSON(data); err != nil {
		return err
	}
	p.Name = string(id)
	return nil
}

// ListRequest is the JSON body of an OTC online-items query.
type ListRequest struct {
	UserID     string   `json:"userId"`
	TokenID    string   `json:"tokenId"`
	CurrencyID string   `json:"currencyId"`
	Payment    []string `json:"payment"`
	Side       string   `json:"side"`
	Size       string   `json:"size"`
	Page       string   `json:"page"`
	Amount     string   `json:"amount"`
	AuthMaker  bool     `json:"authMaker"`
	CanTrade   bool     `json:"canTrade"`
}

// ListResponse is the envelope returned by the OTC online-items endpoint.
type ListResponse struct {
	RetCode int    `json:"ret_code"`
	RetMsg  string `json:"ret_msg"`
	Result  *struct {
		Count int       `json:"count"`
		Items []APIItem `json:"items"`
	} `json:"result"`
}

// APIItem is one advertisement as returned by the OTC API.
type APIItem struct {
	ID                flexID       `json:"id"`
	UserID            flexID       `json:"userId"`
	NickName          string       `json:"nickName"`
	Price             flexNumber   `json:"price"`
	LastQuantity      flexNumber   `json:"lastQuantity"`
	MinAmount         flexNumber   `json:"minAmount"`
	MaxAmount         flexNumber   `json:"maxAmount"`
	Payments          []APIPayment `json:"payments"`
	RecentOrderNum    flexNumber   `json:"recentOrderNum"`
	RecentExecuteRate flexNumber   `json:"recentExecuteRate"`
	IsOnline          flexBool     `json:"isOnline"`
	AuthMaker         flexBool     `json:"authMaker"`
	AuthTag           []string     `json:"authTag"`
	UserType          string       `json:"userType"`
	IsTriangle        flexBool     `json:"isTriangle"`
}

// ToDomainOffer converts the item into a domain.Offer for side. The result is
// checked with Offer.Validate.
func (it *APIItem) ToDomainOffer(side domain.Side, names map[string]string) (domain.Offer, error) {
	var (
		o   = domain.Offer{ID: string(it.ID), MakerID: string(it.UserID), Side: side}
		err error
	)

	o.MakerName = strings.TrimSpace(it.NickName)
	if o.MakerName == "" {
		o.MakerName = "Unknown"
	}

	if o.Price, err = it.Price.decimal(); err != nil {
		return domain.Offer{}, fmt.Errorf("%w: offer %s: price %q", domain.ErrMalformedResponse, it.ID, it.Price)
	}
	if o.Quantity, err = it.LastQuantity.decimal(); err != nil {
		return domain.Offer{}, fmt.Errorf("%w: offer %s: quantity %q", domain.ErrMalformedResponse, it.ID, it.LastQuantity)
	}
	if o.MinAmount, err = it.MinAmount.decimal(); err != nil {
		return domain.Offer{}, fmt.Errorf("%w: offer %s: min amount %q", domain.ErrMalformedResponse, it.ID, it.MinAmount)
	}
	if o.MaxAmount, err = it.MaxAmount.decimal(); err != nil {
		return domain.Offer{}, fmt.Errorf("%w: offer %s: max amount %q", domain.ErrMalformedResponse, it.ID, it.MaxAmount)
	}
	if o.CompletionRate, err = it.RecentExecuteRate.decimal(); err != nil {
		return domain.Offer{}, fmt.Errorf("%w: offer %s: execute rate %q", domain.ErrMalformedResponse, it.ID, it.RecentExecuteRate)
	}
	if it.RecentOrderNum != "" {
		n, err := strconv.ParseFloat(string(it.RecentOrderNum), 64)
		if err != nil {
			return domain.Offer{}, fmt.Errorf("%w: offer %s: order count %q", domain.ErrMalformedResponse, it.ID, it.RecentOrderNum)
		}
		o.TotalOrders = int(n)
	}

	o.PaymentMethods = make([]string, 0, len(it.Payments))
	for _, p := range it.Payments {
		name := p.Name
		if mapped, ok := names[name]; ok {
			name = mapped
		}
		if name != "" {
			o.PaymentMethods = append(o.PaymentMethods, name)
		}
	}

	o.MerchantTier = domain.TierNone
	for _, tag := range it.AuthTag {
		if tier := domain.NormalizeMerchantTier(tag); tierRank(tier) > tierRank(o.MerchantTier) {
			o.MerchantTier = tier
		}
	}
	o.IsMerchant = bool(it.AuthMaker) || o.MerchantTier != domain.TierNone ||
		strings.EqualFold(it.UserType, "ORG")
	o.IsOnline = bool(it.IsOnline)
	o.IsTriangleFlagged = bool(it.IsTriangle)

	if err := o.Validate(); err != nil {
		return domain.Offer{}, err
	}
	return o, nil
}

// tierRank orders tiers so the strongest badge wins when several are present.
func tierRank(t domain.MerchantTier) int {
	switch t {
	case domain.TierBronze:
		return 1
	case domain.TierSilver:
		return 2
	case domain.TierGold:
		return 3
	case domain.TierBlockTrade:
		return 4
	default:
		return 0
	}
}
