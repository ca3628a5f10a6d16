package guided

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marketscope/core/internal/agent/model"
	errx "github.com/marketscope/core/internal/core/error"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type quoteCall struct {
	itemID string
	price  float64
}

type fakeQuoter struct {
	mu    sync.Mutex
	calls []quoteCall
	fn    func(ctx context.Context, c quoteCall) (model.FeeQuoteResult, error)
}

func (q *fakeQuoter) Quote(ctx context.Context, itemID string, price float64) (model.FeeQuoteResult, error) {
	c := quoteCall{itemID: itemID, price: price}
	q.mu.Lock()
	q.calls = append(q.calls, c)
	q.mu.Unlock()
	return q.fn(ctx, c)
}

func (q *fakeQuoter) Calls() []quoteCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]quoteCall(nil), q.calls...)
}

type memCache struct {
	mu     sync.Mutex
	quotes map[quoteCall]model.FeeQuote
}

func (c *memCache) GetQuote(_ context.Context, itemID string, price float64) (*model.FeeQuote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.quotes[quoteCall{itemID, price}]
	if !ok {
		return nil, nil
	}
	return &q, nil
}

func (c *memCache) PutQuote(_ context.Context, q model.FeeQuote) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.quotes == nil {
		c.quotes = map[quoteCall]model.FeeQuote{}
	}
	c.quotes[quoteCall{q.ItemID, q.Price}] = q
	return nil
}

func exactFees(_ context.Context, _ quoteCall) (model.FeeQuoteResult, error) {
	return model.FeeQuoteResult{OK: true, Source: model.FeeExact, ReferralFee: 3.75, FulfillmentFee: 5.40}, nil
}

func results() *model.ResultSet {
	return &model.ResultSet{RunID: "run-1", Items: []model.Item{
		{ID: "B07X", Brand: "Acme", Reviews: 300},
		{ID: "B08Y", Brand: "Bolt", Reviews: 90, Price: f(19.99)},
	}}
}

func newFlow(q *fakeQuoter, cache model.QuoteCache) *Subflow {
	return New(q, cache, model.GuidedConfig{QuoteTimeout: 50 * time.Millisecond})
}

func TestBeginRequiresExactlyOneItem(t *testing.T) {
	q := &fakeQuoter{fn: exactFees}
	flow := newFlow(q, nil)

	r, err := flow.Begin(context.Background(), model.NewSelection(), results())
	assert.ErrorIs(t, err, errx.ErrSelectionCount)
	require.Len(t, r.Messages, 1)
	assert.Contains(t, r.Messages[0], "exactly one")

	r, err = flow.Begin(context.Background(), model.NewSelection("B07X", "B08Y"), results())
	assert.ErrorIs(t, err, errx.ErrSelectionCount)
	assert.Contains(t, r.Messages[0], "2 are selected")

	assert.Empty(t, q.Calls())
	assert.Equal(t, PhaseInactive, flow.Phase())
}

func TestGuidedHappyPath(t *testing.T) {
	q := &fakeQuoter{fn: exactFees}
	flow := newFlow(q, nil)
	ctx := context.Background()

	r, err := flow.Begin(ctx, model.NewSelection("B07X"), results())
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitingPrice, flow.Phase())
	assert.Contains(t, r.Messages[0], "What price")

	r, ok := flow.Handle(ctx, "24.99")
	require.True(t, ok)
	assert.Equal(t, PhaseCollectingCosts, flow.Phase())
	assert.Contains(t, r.Messages[0], "= $9.15")
	assert.Equal(t, []quoteCall{{"B07X", 24.99}}, q.Calls())

	r, ok = flow.Handle(ctx, "cogs 8, shipping 3")
	require.True(t, ok)
	require.NotNil(t, r.Breakdown)
	assert.InDelta(t, 4.84, r.Breakdown.Profit, 1e-9)
	assert.Equal(t, MarginOkay, r.Breakdown.Margin)
	assert.NotEmpty(t, r.Breakdown.Verdict)
	assert.Equal(t, PhaseComplete, flow.Phase())
}

func TestBeginUsesItemPrice(t *testing.T) {
	q := &fakeQuoter{fn: exactFees}
	flow := newFlow(q, nil)

	_, err := flow.Begin(context.Background(), model.NewSelection("B08Y"), results())
	require.NoError(t, err)
	assert.Equal(t, []quoteCall{{"B08Y", 19.99}}, q.Calls())
	assert.Equal(t, PhaseCollectingCosts, flow.Phase())
}

func TestInputsFillMonotonically(t *testing.T) {
	q := &fakeQuoter{fn: exactFees}
	flow := newFlow(q, nil)
	ctx := context.Background()

	_, err := flow.Begin(ctx, model.NewSelection("B08Y"), results())
	require.NoError(t, err)

	r, ok := flow.Handle(ctx, "cogs 8")
	require.True(t, ok)
	assert.Contains(t, r.Messages[0], "inbound shipping")

	// A turn without cogs must not clear it.
	r, ok = flow.Handle(ctx, "shipping is 3")
	require.True(t, ok)
	require.NotNil(t, r.Breakdown)
	assert.InDelta(t, 8, r.Breakdown.COGS, 1e-9)

	in := flow.Inputs()
	require.NotNil(t, in.COGS)
	assert.InDelta(t, 8, *in.COGS, 1e-9)

	r = flow.ApplyCosts(model.ProfitabilityInputs{COGS: f(6)})
	require.NotNil(t, r.Breakdown)
	assert.InDelta(t, 6, r.Breakdown.COGS, 1e-9)
	assert.InDelta(t, 3, r.Breakdown.ShipIn, 1e-9)
}

func TestNegativeAmountsAreReported(t *testing.T) {
	flow := newFlow(&fakeQuoter{fn: exactFees}, nil)
	ctx := context.Background()
	_, err := flow.Begin(ctx, model.NewSelection("B08Y"), results())
	require.NoError(t, err)

	r, ok := flow.Handle(ctx, "cogs -5")
	require.True(t, ok)
	require.Len(t, r.Messages, 1)
	assert.Contains(t, r.Messages[0], "ignored the figure for COGS")
	assert.Nil(t, flow.Inputs().COGS)

	r, ok = flow.Handle(ctx, "cogs -5, shipping 3")
	require.True(t, ok)
	assert.Contains(t, r.Messages[0], "can't be negative")
	require.NotNil(t, flow.Inputs().ShipIn)
	assert.Nil(t, flow.Inputs().COGS)

	_, ok = flow.Handle(ctx, "what other 2 brands cost more")
	assert.False(t, ok)
}

func TestUnrelatedTurnIsNotIntercepted(t *testing.T) {
	flow := newFlow(&fakeQuoter{fn: exactFees}, nil)
	ctx := context.Background()

	_, ok := flow.Handle(ctx, "what is the top brand?")
	assert.False(t, ok)

	_, err := flow.Begin(ctx, model.NewSelection("B08Y"), results())
	require.NoError(t, err)
	_, ok = flow.Handle(ctx, "what is the top brand?")
	assert.False(t, ok)
}

func TestTimeoutOffersRetry(t *testing.T) {
	q := &fakeQuoter{fn: func(ctx context.Context, c quoteCall) (model.FeeQuoteResult, error) {
		if c.price == 24.99 {
			<-ctx.Done()
			return model.FeeQuoteResult{}, ctx.Err()
		}
		return exactFees(ctx, c)
	}}
	flow := newFlow(q, nil)
	ctx := context.Background()

	_, err := flow.Begin(ctx, model.NewSelection("B07X"), results())
	require.NoError(t, err)

	r, ok := flow.Handle(ctx, "$24.99")
	require.True(t, ok)
	require.NotNil(t, r.Offer)
	assert.Nil(t, r.Offer.Estimate)
	assert.Equal(t, PhaseQuoteFailed, flow.Phase())
	assert.Contains(t, r.Messages[0], "did not answer in time")

	_, err = flow.UseEstimate()
	assert.ErrorIs(t, err, ErrNoEstimate)

	r, err = flow.RetryAt(ctx, 29.99)
	require.NoError(t, err)
	assert.Equal(t, PhaseCollectingCosts, flow.Phase())
	assert.Contains(t, r.Messages[0], "$29.99")
	assert.Len(t, q.Calls(), 2)
}

func TestFailureWithEstimateFallback(t *testing.T) {
	q := &fakeQuoter{fn: func(context.Context, quoteCall) (model.FeeQuoteResult, error) {
		return model.FeeQuoteResult{
			OK:       false,
			Reason:   "category not supported",
			Fallback: &model.FeeQuote{ReferralFee: 3, FulfillmentFee: 5, TotalFees: 8, Confidence: 0.6},
		}, nil
	}}
	flow := newFlow(q, nil)
	ctx := context.Background()

	_, err := flow.Begin(ctx, model.NewSelection("B08Y"), results())
	require.NoError(t, err)
	assert.Equal(t, PhaseQuoteFailed, flow.Phase())

	r, ok := flow.Handle(ctx, "ok, use the estimate")
	require.True(t, ok)
	assert.Contains(t, r.Messages[0], "estimated")
	assert.Equal(t, PhaseCollectingCosts, flow.Phase())

	r, ok = flow.Handle(ctx, "cogs 4 shipping 1")
	require.True(t, ok)
	require.NotNil(t, r.Breakdown)
	assert.Equal(t, model.FeeEstimated, r.Breakdown.Quote.Source)
	assert.InDelta(t, 19.99-8-5, r.Breakdown.Profit, 1e-9)
}

func TestExactQuotesAreCached(t *testing.T) {
	q := &fakeQuoter{fn: exactFees}
	cache := &memCache{}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		flow := newFlow(q, cache)
		_, err := flow.Begin(ctx, model.NewSelection("B08Y"), results())
		require.NoError(t, err)
	}
	assert.Len(t, q.Calls(), 1)
}

func TestInvalidateDiscardsInFlightLookup(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	q := &fakeQuoter{fn: func(ctx context.Context, c quoteCall) (model.FeeQuoteResult, error) {
		close(started)
		<-release
		return exactFees(ctx, c)
	}}
	flow := New(q, nil, model.GuidedConfig{QuoteTimeout: time.Second})

	done := make(chan Reply)
	go func() {
		r, _ := flow.Begin(context.Background(), model.NewSelection("B08Y"), results())
		done <- r
	}()
	<-started
	flow.Invalidate()
	close(release)

	r := <-done
	assert.True(t, r.Empty())
	assert.Equal(t, PhaseInactive, flow.Phase())
}

func TestLookupErrorUnwraps(t *testing.T) {
	err := error(&LookupError{Reason: "x", Err: errx.ErrLookupTimeout})
	assert.True(t, errors.Is(err, errx.ErrLookupTimeout))
}
