package guided

import (
	"fmt"
	"sort"
	"strings"

	"github.com/marketscope/core/internal/agent/model"
	errx "github.com/marketscope/core/internal/core/error"
)

type MarginClass string

const (
	MarginThin   MarginClass = "thin"
	MarginOkay   MarginClass = "okay"
	MarginStrong MarginClass = "strong"
)

// ClassifyMargin buckets a margin percentage: thin below 15, strong from 25.
func ClassifyMargin(pct float64) MarginClass {
	switch {
	case pct < 15:
		return MarginThin
	case pct < 25:
		return MarginOkay
	default:
		return MarginStrong
	}
}

// Breakdown is the unit economics of one item at one price.
type Breakdown struct {
	ItemID     string
	Price      float64
	Quote      model.FeeQuote
	COGS       float64
	ShipIn     float64
	OtherCosts float64
	TotalCosts float64
	Profit     float64
	MarginPct  float64
	Margin     MarginClass
	Pressure   MarketPressure
	Verdict    string
}

// ComputeBreakdown requires inputs.Ready() and a positive price.
func ComputeBreakdown(price float64, q model.FeeQuote, in model.ProfitabilityInputs) (Breakdown, error) {
	if price <= 0 {
		return Breakdown{}, errx.ErrNonPositivePrice
	}
	if !in.Ready() {
		return Breakdown{}, fmt.Errorf("profitability inputs incomplete: %s", strings.Join(missing(in), ", "))
	}
	b := Breakdown{
		ItemID:     q.ItemID,
		Price:      price,
		Quote:      q,
		COGS:       *in.COGS,
		ShipIn:     *in.ShipIn,
		OtherCosts: in.Other(),
	}
	b.TotalCosts = b.COGS + b.ShipIn + b.OtherCosts
	b.Profit = price - q.TotalFees - b.TotalCosts
	b.MarginPct = 100 * b.Profit / price
	b.Margin = ClassifyMargin(b.MarginPct)
	return b, nil
}

func missing(in model.ProfitabilityInputs) []string {
	var out []string
	if in.COGS == nil {
		out = append(out, "cost of goods")
	}
	if in.ShipIn == nil {
		out = append(out, "inbound shipping")
	}
	return out
}

// Render formats the breakdown for the transcript.
func (b Breakdown) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Profitability for %s at $%.2f:\n", b.ItemID, b.Price)
	fmt.Fprintf(&sb, "  Fees:   $%.2f (referral $%.2f + fulfillment $%.2f, %s)\n",
		b.Quote.TotalFees, b.Quote.ReferralFee, b.Quote.FulfillmentFee, b.Quote.Source)
	fmt.Fprintf(&sb, "  Costs:  $%.2f (COGS $%.2f + shipping $%.2f + other $%.2f)\n",
		b.TotalCosts, b.COGS, b.ShipIn, b.OtherCosts)
	fmt.Fprintf(&sb, "  Profit: $%.2f per unit\n", b.Profit)
	fmt.Fprintf(&sb, "  Margin: %.1f%% (%s)\n", b.MarginPct, b.Margin)
	if b.Pressure.Level != "" {
		fmt.Fprintf(&sb, "  Market pressure: %s (score %d/6)\n", b.Pressure.Level, b.Pressure.Score)
	}
	if b.Verdict != "" {
		sb.WriteString(b.Verdict)
	}
	return strings.TrimRight(sb.String(), "\n")
}

type PressureLevel string

const (
	PressureLow      PressureLevel = "Low"
	PressureModerate PressureLevel = "Moderate"
	PressureHigh     PressureLevel = "High"
)

// MarketPressure scores how hard the market is to enter. Each signal
// contributes 0-2 points.
type MarketPressure struct {
	MedianReviews  float64
	SponsoredShare float64
	TopBrandShare  float64

	ReviewPoints    int
	SponsoredPoints int
	BrandPoints     int
	Score           int
	Level           PressureLevel
}

// ComputePressure derives the signals from the result items, falling back to
// the snapshot aggregates when there are no items.
func ComputePressure(rs *model.ResultSet) MarketPressure {
	var p MarketPressure
	items := rs.AllItems()
	if len(items) > 0 {
		p.MedianReviews = medianReviews(items)
		p.SponsoredShare = sponsoredShare(items)
		p.TopBrandShare = topBrandShare(items)
	} else if rs != nil && rs.Snapshot != nil {
		p.MedianReviews = rs.Snapshot.MedianReviews
		p.SponsoredShare = rs.Snapshot.SponsoredShare
		p.TopBrandShare = rs.Snapshot.TopBrandShare
	}

	p.ReviewPoints = bucket(p.MedianReviews, 200, 1000)
	p.SponsoredPoints = bucket(p.SponsoredShare, 0.2, 0.4)
	p.BrandPoints = bucket(p.TopBrandShare, 0.3, 0.5)
	p.Score = p.ReviewPoints + p.SponsoredPoints + p.BrandPoints
	switch {
	case p.Score <= 1:
		p.Level = PressureLow
	case p.Score <= 3:
		p.Level = PressureModerate
	default:
		p.Level = PressureHigh
	}
	return p
}

func bucket(v, mid, high float64) int {
	switch {
	case v < mid:
		return 0
	case v < high:
		return 1
	default:
		return 2
	}
}

func medianReviews(items []model.Item) float64 {
	vals := make([]int, len(items))
	for i, it := range items {
		vals[i] = it.Reviews
	}
	sort.Ints(vals)
	n := len(vals)
	if n%2 == 1 {
		return float64(vals[n/2])
	}
	return float64(vals[n/2-1]+vals[n/2]) / 2
}

func sponsoredShare(items []model.Item) float64 {
	var n int
	for _, it := range items {
		if it.Sponsored {
			n++
		}
	}
	return float64(n) / float64(len(items))
}

func topBrandShare(items []model.Item) float64 {
	counts := map[string]int{}
	var top int
	for _, it := range items {
		brand := strings.ToLower(strings.TrimSpace(it.Brand))
		if brand == "" {
			continue
		}
		counts[brand]++
		if counts[brand] > top {
			top = counts[brand]
		}
	}
	return float64(top) / float64(len(items))
}

var interpretations = map[MarginClass]map[PressureLevel]string{
	MarginStrong: {
		PressureLow:      "Strong margin in a soft market. This one is worth pursuing.",
		PressureModerate: "Healthy margin with manageable competition; differentiate on the listing.",
		PressureHigh:     "The margin holds up, but incumbents are entrenched. Budget for launch advertising.",
	},
	MarginOkay: {
		PressureLow:      "Workable margin and light competition. Lower COGS would add headroom.",
		PressureModerate: "Workable margin, though little room remains for ad spend against this competition.",
		PressureHigh:     "The margin is likely to erode under heavy competition. Proceed only with a clear edge.",
	},
	MarginThin: {
		PressureLow:      "Thin margin even with light competition. Renegotiate costs or raise the price.",
		PressureModerate: "Thin margin against moderate competition. Not viable without lower costs.",
		PressureHigh:     "Thin margin in a crowded market. Avoid.",
	},
}

// Interpret combines the margin class with market pressure.
func Interpret(m MarginClass, p PressureLevel) string {
	return interpretations[m][p]
}
