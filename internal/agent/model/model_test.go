package model

import (
	"encoding/json"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStateCanAdvance(t *testing.T) {
	tests := []struct {
		from, to RunState
		want     bool
	}{
		{RunIdle, RunSubmitted, true},
		{RunSubmitted, RunStreaming, true},
		{RunStreaming, RunStreaming, true},
		{RunStreaming, RunComplete, true},
		{RunSubmitted, RunFailed, true},
		{RunIdle, RunStale, true},
		{RunStreaming, RunSubmitted, false},
		{RunSubmitted, RunSubmitted, false},
		{RunComplete, RunStreaming, false},
		{RunComplete, RunStale, false},
		{RunStale, RunComplete, false},
		{RunFailed, RunComplete, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanAdvance(tt.to))
		})
	}
}

func TestSelectionSet(t *testing.T) {
	s := NewSelection("B08Y", "", "B07X", "B08Y")
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []string{"B07X", "B08Y"}, s.IDs())
	_, ok := s.Only()
	assert.False(t, ok)

	one := NewSelection("B07X")
	id, ok := one.Only()
	require.True(t, ok)
	assert.Equal(t, "B07X", id)

	assert.True(t, s.Equal(NewSelection("B07X", "B08Y")))
	assert.False(t, s.Equal(one))

	c := s.Clone()
	delete(c, "B07X")
	assert.True(t, s.Has("B07X"))
}

func TestProfitabilityInputsMergeNeverClears(t *testing.T) {
	in := ProfitabilityInputs{}.Merge(ProfitabilityInputs{COGS: Float(6)})
	in = in.Merge(ProfitabilityInputs{ShipIn: Float(3)})
	in = in.Merge(ProfitabilityInputs{})
	require.NotNil(t, in.COGS)
	require.NotNil(t, in.ShipIn)
	assert.Equal(t, 6.0, *in.COGS)
	assert.Equal(t, 3.0, *in.ShipIn)
	assert.True(t, in.Ready())
	assert.Zero(t, in.Other())

	in = in.Merge(ProfitabilityInputs{COGS: Float(7.5), OtherCosts: Float(0.5)})
	assert.Equal(t, 7.5, *in.COGS)
	assert.Equal(t, 0.5, in.Other())
}

func TestFeeQuoteResultDerivesTotal(t *testing.T) {
	q := FeeQuoteResult{OK: true, ReferralFee: 3.00, FulfillmentFee: 5.40}.Quote("B07X", 19.99)
	assert.InDelta(t, 8.40, q.TotalFees, 1e-9)
	assert.Equal(t, FeeExact, q.Source)
	assert.Equal(t, 19.99, q.Price)

	q = FeeQuoteResult{OK: true, Source: FeeEstimated, TotalFees: 9, ReferralFee: 3}.Quote("B07X", 20)
	assert.Equal(t, 9.0, q.TotalFees)
	assert.Equal(t, FeeEstimated, q.Source)
}

func TestStreamRecordErrorText(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"string", `"upstream timeout"`, "upstream timeout"},
		{"object", `{"message":"quota exceeded"}`, "quota exceeded"},
		{"object with code", `{"code":"E42","message":"quota exceeded"}`, "E42: quota exceeded"},
		{"other", `17`, "17"},
		{"absent", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := StreamRecord{Type: RecordError, Error: json.RawMessage(tt.raw)}
			assert.Equal(t, tt.want, r.ErrorText())
		})
	}
}

func TestStreamRecordBodyFallsBackToRaw(t *testing.T) {
	raw := json.RawMessage(`{"type":"complete","analysisRunId":"run-1"}`)
	assert.Equal(t, raw, StreamRecord{Type: RecordComplete, Raw: raw}.Body())
	assert.Equal(t, raw, StreamRecord{Type: RecordComplete, Payload: json.RawMessage("null"), Raw: raw}.Body())

	payload := json.RawMessage(`{"analysisRunId":"run-2"}`)
	assert.Equal(t, payload, StreamRecord{Type: RecordComplete, Payload: payload, Raw: raw}.Body())
}

func TestResultSetItemsFallBackToSnapshot(t *testing.T) {
	rs := &ResultSet{Snapshot: &MarketSnapshot{Items: []Item{{ID: "B07X"}}}}
	it, ok := rs.Item("B07X")
	require.True(t, ok)
	assert.Equal(t, "B07X", it.ID)

	var nilSet *ResultSet
	assert.Nil(t, nilSet.AllItems())
}

func TestComputeCost(t *testing.T) {
	c := ComputeCost("gemini-2.5-flash", &schema.TokenUsage{PromptTokens: 1_000_000, CompletionTokens: 200_000}, ResolvePricing("gemini-2.5-flash"))
	assert.InDelta(t, 0.30, c.InputCost, 1e-9)
	assert.InDelta(t, 0.50, c.OutputCost, 1e-9)
	assert.InDelta(t, 0.80, c.Total, 1e-9)

	assert.Zero(t, ComputeCost("unknown", &schema.TokenUsage{PromptTokens: 10}, ResolvePricing("unknown")).Total)
	assert.Equal(t, UsageCost{Model: "x"}, ComputeCost("x", nil, Pricing{}))
}
