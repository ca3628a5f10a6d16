package guided

import (
	"testing"

	"github.com/marketscope/core/internal/agent/model"
	errx "github.com/marketscope/core/internal/core/error"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeBreakdownOkayMargin(t *testing.T) {
	q := model.FeeQuoteResult{OK: true, ReferralFee: 3.75, FulfillmentFee: 5.40}.Quote("B07X", 24.99)
	require.InDelta(t, 9.15, q.TotalFees, 1e-9)

	b, err := ComputeBreakdown(24.99, q, model.ProfitabilityInputs{COGS: f(8), ShipIn: f(3)})
	require.NoError(t, err)
	assert.InDelta(t, 11, b.TotalCosts, 1e-9)
	assert.InDelta(t, 4.84, b.Profit, 1e-9)
	assert.InDelta(t, 19.37, b.MarginPct, 0.01)
	assert.Equal(t, MarginOkay, b.Margin)
	assert.Contains(t, b.Render(), "Profit: $4.84")
}

func TestComputeBreakdownGuards(t *testing.T) {
	q := model.FeeQuote{ItemID: "B07X", TotalFees: 2}

	_, err := ComputeBreakdown(0, q, model.ProfitabilityInputs{COGS: f(1), ShipIn: f(1)})
	assert.ErrorIs(t, err, errx.ErrNonPositivePrice)

	_, err = ComputeBreakdown(10, q, model.ProfitabilityInputs{COGS: f(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inbound shipping")
}

func TestClassifyMarginBoundaries(t *testing.T) {
	assert.Equal(t, MarginThin, ClassifyMargin(-4))
	assert.Equal(t, MarginThin, ClassifyMargin(14.99))
	assert.Equal(t, MarginOkay, ClassifyMargin(15))
	assert.Equal(t, MarginOkay, ClassifyMargin(24.99))
	assert.Equal(t, MarginStrong, ClassifyMargin(25))
}

func TestComputePressure(t *testing.T) {
	soft := &model.ResultSet{Items: []model.Item{
		{ID: "a", Brand: "Acme", Reviews: 50},
		{ID: "b", Brand: "Bolt", Reviews: 80},
		{ID: "c", Brand: "Cora", Reviews: 120},
	}}
	p := ComputePressure(soft)
	assert.Equal(t, 0, p.ReviewPoints)
	assert.Equal(t, 0, p.SponsoredPoints)
	assert.Equal(t, 1, p.BrandPoints)
	assert.Equal(t, PressureLow, p.Level)

	crowded := &model.ResultSet{Items: []model.Item{
		{ID: "a", Brand: "Acme", Reviews: 1500, Sponsored: true},
		{ID: "b", Brand: "acme ", Reviews: 2000, Sponsored: true},
		{ID: "c", Brand: "ACME", Reviews: 3000},
	}}
	p = ComputePressure(crowded)
	assert.Equal(t, 6, p.Score)
	assert.Equal(t, PressureHigh, p.Level)
}

func TestComputePressureFallsBackToSnapshot(t *testing.T) {
	rs := &model.ResultSet{Snapshot: &model.MarketSnapshot{MedianReviews: 450, SponsoredShare: 0.25, TopBrandShare: 0.1}}
	p := ComputePressure(rs)
	assert.Equal(t, 2, p.Score)
	assert.Equal(t, PressureModerate, p.Level)

	assert.Equal(t, PressureLow, ComputePressure(nil).Level)
}

func TestInterpretCoversEveryCombination(t *testing.T) {
	for _, m := range []MarginClass{MarginThin, MarginOkay, MarginStrong} {
		for _, p := range []PressureLevel{PressureLow, PressureModerate, PressureHigh} {
			assert.NotEmpty(t, Interpret(m, p), "%s/%s", m, p)
		}
	}
}
