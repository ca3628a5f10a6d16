package model

// FeeSource tells whether a quote came from the exact calculator or an estimate.
type FeeSource string

const (
	FeeExact     FeeSource = "exact"
	FeeEstimated FeeSource = "estimated"
)

// FeeQuote is the marketplace fee breakdown for one item at one price.
type FeeQuote struct {
	ItemID         string    `json:"itemId"`
	Price          float64   `json:"price"`
	ReferralFee    float64   `json:"referralFee"`
	FulfillmentFee float64   `json:"fulfillmentFee"`
	TotalFees      float64   `json:"totalFees"`
	Source         FeeSource `json:"source"`
	Confidence     float64   `json:"confidence,omitempty"`
}

// FeeQuoteResult is the fee-quote endpoint reply.
type FeeQuoteResult struct {
	OK             bool      `json:"ok"`
	Source         FeeSource `json:"source,omitempty"`
	ReferralFee    float64   `json:"referralFee,omitempty"`
	FulfillmentFee float64   `json:"fulfillmentFee,omitempty"`
	TotalFees      float64   `json:"totalFees,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Fallback       *FeeQuote `json:"fallback,omitempty"`
}

// Quote converts a successful reply into a FeeQuote. A missing total is
// derived from its parts.
func (r FeeQuoteResult) Quote(itemID string, price float64) FeeQuote {
	total := r.TotalFees
	if total == 0 {
		total = r.ReferralFee + r.FulfillmentFee
	}
	src := r.Source
	if src == "" {
		src = FeeExact
	}
	return FeeQuote{
		ItemID:         itemID,
		Price:          price,
		ReferralFee:    r.ReferralFee,
		FulfillmentFee: r.FulfillmentFee,
		TotalFees:      total,
		Source:         src,
		Confidence:     r.Confidence,
	}
}

// ProfitabilityInputs accumulate across turns. A nil field is unknown.
type ProfitabilityInputs struct {
	COGS       *float64 `json:"cogs,omitempty"`
	ShipIn     *float64 `json:"shipIn,omitempty"`
	OtherCosts *float64 `json:"otherCosts,omitempty"`
}

// Merge fills fields from next. A nil field in next never clears a value
// already supplied; a non-nil field replaces it.
func (p ProfitabilityInputs) Merge(next ProfitabilityInputs) ProfitabilityInputs {
	if next.COGS != nil {
		p.COGS = ptr(*next.COGS)
	}
	if next.ShipIn != nil {
		p.ShipIn = ptr(*next.ShipIn)
	}
	if next.OtherCosts != nil {
		p.OtherCosts = ptr(*next.OtherCosts)
	}
	return p
}

// Ready reports whether the required inputs are present.
func (p ProfitabilityInputs) Ready() bool {
	return p.COGS != nil && p.ShipIn != nil
}

// Empty reports whether no field is set.
func (p ProfitabilityInputs) Empty() bool {
	return p.COGS == nil && p.ShipIn == nil && p.OtherCosts == nil
}

// Other returns other costs, defaulting to zero.
func (p ProfitabilityInputs) Other() float64 {
	if p.OtherCosts == nil {
		return 0
	}
	return *p.OtherCosts
}

func ptr(v float64) *float64 {
	return &v
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return ptr(v)
}
