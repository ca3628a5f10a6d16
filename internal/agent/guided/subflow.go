package guided

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/marketscope/core/internal/agent/model"
	errx "github.com/marketscope/core/internal/core/error"
	logx "github.com/marketscope/core/pkg/logger"
)

type Phase string

const (
	PhaseInactive        Phase = "inactive"
	PhaseAwaitingPrice   Phase = "awaiting_price"
	PhaseQuoting         Phase = "quoting"
	PhaseQuoteFailed     Phase = "quote_failed"
	PhaseCollectingCosts Phase = "collecting_costs"
	PhaseComplete        Phase = "complete"
)

// FeeQuoter asks the fee endpoint for an exact quote.
type FeeQuoter interface {
	Quote(ctx context.Context, itemID string, price float64) (model.FeeQuoteResult, error)
}

// LookupError is a failed exact fee lookup. Fallback is set when the
// endpoint offered a lower-confidence estimate.
type LookupError struct {
	Reason   string
	Fallback *model.FeeQuote
	Err      error
}

func (e *LookupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fee lookup failed: %s: %v", e.Reason, e.Err)
	}
	return "fee lookup failed: " + e.Reason
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// FallbackOffer is shown after a failed lookup: retry at another price, or
// accept the estimate when there is one.
type FallbackOffer struct {
	ItemID   string
	Price    float64
	Reason   string
	Estimate *model.FeeQuote
}

// Reply is what one subflow step contributes to the transcript.
type Reply struct {
	Messages  []string
	Breakdown *Breakdown
	Offer     *FallbackOffer
}

// Empty reports whether the step produced nothing to show.
func (r Reply) Empty() bool {
	return len(r.Messages) == 0 && r.Breakdown == nil && r.Offer == nil
}

var (
	ErrNotActive  = errors.New("guided flow is not active")
	ErrNoEstimate = errors.New("no fee estimate to fall back to")
)

var acceptEstimate = regexp.MustCompile(`(?i)^\s*(?:(?:ok(?:ay)?|yes|sure)[,.!]?\s*)?(?:use|accept|take|go\s+with)\s+(?:the\s+)?estimate`)

// Subflow walks one selected item from price to profitability verdict.
// Every state change bumps gen so a lookup that returns after Invalidate
// or a newer lookup is discarded.
type Subflow struct {
	quoter  FeeQuoter
	cache   model.QuoteCache
	timeout time.Duration
	group   singleflight.Group

	mu     sync.Mutex
	gen    uint64
	phase  Phase
	itemID string
	result *model.ResultSet
	price  float64
	quote  *model.FeeQuote
	offer  *FallbackOffer
	inputs model.ProfitabilityInputs
}

// New builds a subflow. cache may be nil.
func New(q FeeQuoter, cache model.QuoteCache, cfg model.GuidedConfig) *Subflow {
	timeout := cfg.QuoteTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Subflow{quoter: q, cache: cache, timeout: timeout, phase: PhaseInactive}
}

func (f *Subflow) Phase() Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

// Active reports whether free-form turns should be offered to Handle first.
func (f *Subflow) Active() bool {
	return f.Phase() != PhaseInactive
}

func (f *Subflow) Inputs() model.ProfitabilityInputs {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs
}

func (f *Subflow) ItemID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.itemID
}

// Invalidate drops all progress. A lookup still in flight is discarded.
func (f *Subflow) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetLocked()
}

func (f *Subflow) resetLocked() {
	f.gen++
	f.phase = PhaseInactive
	f.itemID = ""
	f.result = nil
	f.price = 0
	f.quote = nil
	f.offer = nil
	f.inputs = model.ProfitabilityInputs{}
}

// Begin starts the flow for sel. Anything but exactly one selected item
// yields an instructive message and no lookup.
func (f *Subflow) Begin(ctx context.Context, sel model.SelectionSet, rs *model.ResultSet) (Reply, error) {
	itemID, ok := sel.Only()
	if !ok {
		f.Invalidate()
		msg := "Select exactly one product to check fees and profitability; nothing is selected yet."
		if sel.Len() > 1 {
			msg = fmt.Sprintf("Select exactly one product to check fees and profitability; %d are selected.", sel.Len())
		}
		return Reply{Messages: []string{msg}}, errx.ErrSelectionCount
	}

	f.mu.Lock()
	f.resetLocked()
	f.itemID = itemID
	f.result = rs
	var price float64
	if it, found := rs.Item(itemID); found && it.Price != nil && *it.Price > 0 {
		price = *it.Price
	}
	if price <= 0 {
		f.phase = PhaseAwaitingPrice
		f.mu.Unlock()
		return Reply{Messages: []string{
			fmt.Sprintf("What price will you sell %s at? Reply with an amount like 24.99.", itemID),
		}}, nil
	}
	f.price = price
	gen := f.beginQuoteLocked()
	f.mu.Unlock()

	return f.runQuote(ctx, gen, itemID, price), nil
}

// Handle offers a free-form turn to the flow. intercepted is false when the
// text should go to the chat backend instead.
func (f *Subflow) Handle(ctx context.Context, text string) (Reply, bool) {
	st := ParseCostStatement(text)

	f.mu.Lock()
	switch f.phase {
	case PhaseInactive, PhaseQuoting:
		f.mu.Unlock()
		return Reply{}, false

	case PhaseAwaitingPrice:
		f.inputs = f.inputs.Merge(st.Inputs)
		price, ok := resolvePrice(st, text)
		if !ok {
			f.mu.Unlock()
			if st.Inputs.Empty() {
				if note := st.negativeNote(); note != "" {
					return Reply{Messages: []string{note}}, true
				}
				return Reply{}, false
			}
			return Reply{Messages: []string{"Noted. I still need the price you plan to sell at."}}, true
		}
		if price <= 0 {
			f.mu.Unlock()
			return Reply{Messages: []string{"The price has to be greater than zero."}}, true
		}
		f.price = price
		gen, itemID := f.beginQuoteLocked(), f.itemID
		f.mu.Unlock()
		return f.runQuote(ctx, gen, itemID, price), true

	case PhaseQuoteFailed:
		if price, ok := resolvePrice(st, text); ok {
			f.inputs = f.inputs.Merge(st.Inputs)
			f.mu.Unlock()
			r, err := f.RetryAt(ctx, price)
			if err != nil {
				return Reply{Messages: []string{err.Error()}}, true
			}
			return r, true
		}
		if acceptEstimate.MatchString(text) {
			f.mu.Unlock()
			r, err := f.UseEstimate()
			if err != nil {
				return Reply{Messages: []string{"There is no estimate to fall back to. Retry at a different price instead."}}, true
			}
			return r, true
		}
		if st.Inputs.Empty() {
			f.mu.Unlock()
			return Reply{}, false
		}
		f.inputs = f.inputs.Merge(st.Inputs)
		f.mu.Unlock()
		return Reply{Messages: []string{"Noted. Fees are still missing; retry at a price or use the estimate."}}, true

	default: // collecting_costs, complete
		note := st.negativeNote()
		if st.Empty() {
			f.mu.Unlock()
			if note != "" {
				return Reply{Messages: []string{note}}, true
			}
			return Reply{}, false
		}
		f.inputs = f.inputs.Merge(st.Inputs)
		if st.Price != nil && *st.Price != f.price {
			if *st.Price <= 0 {
				f.mu.Unlock()
				return Reply{Messages: []string{"The price has to be greater than zero."}}, true
			}
			f.price = *st.Price
			gen, itemID, price := f.beginQuoteLocked(), f.itemID, f.price
			f.mu.Unlock()
			return withNote(f.runQuote(ctx, gen, itemID, price), note), true
		}
		r := f.evaluateLocked()
		f.mu.Unlock()
		return withNote(r, note), true
	}
}

func withNote(r Reply, note string) Reply {
	if note != "" {
		r.Messages = append([]string{note}, r.Messages...)
	}
	return r
}

// ApplyCosts merges inputs the backend extracted from a turn.
func (f *Subflow) ApplyCosts(in model.ProfitabilityInputs) Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phase == PhaseInactive {
		return Reply{}
	}
	f.inputs = f.inputs.Merge(in)
	if f.phase != PhaseCollectingCosts && f.phase != PhaseComplete {
		return Reply{}
	}
	return f.evaluateLocked()
}

// UseEstimate accepts the fallback estimate after a failed lookup.
func (f *Subflow) UseEstimate() (Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phase != PhaseQuoteFailed {
		return Reply{}, ErrNotActive
	}
	if f.offer == nil || f.offer.Estimate == nil {
		return Reply{}, ErrNoEstimate
	}
	q := *f.offer.Estimate
	q.Source = model.FeeEstimated
	q.ItemID = f.itemID
	if q.Price == 0 {
		q.Price = f.price
	}
	f.gen++
	f.quote = &q
	f.offer = nil
	f.phase = PhaseCollectingCosts

	r := Reply{Messages: []string{quoteLine(q, f.price)}}
	next := f.evaluateLocked()
	r.Messages = append(r.Messages, next.Messages...)
	r.Breakdown = next.Breakdown
	return r, nil
}

// RetryAt re-runs the exact lookup at a different price.
func (f *Subflow) RetryAt(ctx context.Context, price float64) (Reply, error) {
	if price <= 0 {
		return Reply{}, errx.ErrNonPositivePrice
	}
	f.mu.Lock()
	if f.phase == PhaseInactive {
		f.mu.Unlock()
		return Reply{}, ErrNotActive
	}
	f.price = price
	gen, itemID := f.beginQuoteLocked(), f.itemID
	f.mu.Unlock()
	return f.runQuote(ctx, gen, itemID, price), nil
}

func (f *Subflow) beginQuoteLocked() uint64 {
	f.gen++
	f.phase = PhaseQuoting
	f.quote = nil
	f.offer = nil
	return f.gen
}

func (f *Subflow) runQuote(ctx context.Context, gen uint64, itemID string, price float64) Reply {
	q, err := f.lookup(ctx, itemID, price)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gen != gen {
		logx.Debug().Str("item_id", itemID).Float64("price", price).Msg("discarding superseded fee lookup")
		return Reply{}
	}
	if err != nil {
		offer := &FallbackOffer{ItemID: itemID, Price: price, Reason: "lookup failed"}
		var le *LookupError
		if errors.As(err, &le) {
			offer.Reason = le.Reason
			offer.Estimate = le.Fallback
		}
		f.phase = PhaseQuoteFailed
		f.offer = offer
		logx.Warn().Err(err).Str("item_id", itemID).Float64("price", price).Msg("exact fee lookup failed")
		return Reply{Messages: []string{failureLine(offer)}, Offer: offer}
	}

	f.quote = &q
	f.phase = PhaseCollectingCosts
	r := Reply{Messages: []string{quoteLine(q, price)}}
	next := f.evaluateLocked()
	r.Messages = append(r.Messages, next.Messages...)
	r.Breakdown = next.Breakdown
	return r
}

// evaluateLocked asks for missing inputs or produces the breakdown.
func (f *Subflow) evaluateLocked() Reply {
	if f.quote == nil {
		return Reply{}
	}
	if !f.inputs.Ready() {
		f.phase = PhaseCollectingCosts
		return Reply{Messages: []string{askCosts(f.inputs)}}
	}
	b, err := ComputeBreakdown(f.price, *f.quote, f.inputs)
	if err != nil {
		return Reply{Messages: []string{err.Error()}}
	}
	b.Pressure = ComputePressure(f.result)
	b.Verdict = Interpret(b.Margin, b.Pressure.Level)
	f.phase = PhaseComplete
	return Reply{Messages: []string{b.Render()}, Breakdown: &b}
}

func (f *Subflow) lookup(ctx context.Context, itemID string, price float64) (model.FeeQuote, error) {
	if f.cache != nil {
		q, err := f.cache.GetQuote(ctx, itemID, price)
		if err != nil {
			logx.Debug().Err(err).Str("item_id", itemID).Msg("fee cache read failed")
		} else if q != nil {
			return *q, nil
		}
	}

	key := fmt.Sprintf("%s@%.2f", itemID, price)
	v, err, shared := f.group.Do(key, func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()

		res, err := f.quoter.Quote(cctx, itemID, price)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
				return nil, &LookupError{Reason: "the fee service did not answer in time", Err: errx.ErrLookupTimeout}
			}
			return nil, &LookupError{Reason: "the fee service is unavailable", Err: err}
		}
		if !res.OK {
			reason := res.Reason
			if reason == "" {
				reason = "no exact fee available"
			}
			return nil, &LookupError{Reason: reason, Fallback: res.Fallback}
		}
		q := res.Quote(itemID, price)
		if f.cache != nil && q.Source == model.FeeExact {
			if err := f.cache.PutQuote(ctx, q); err != nil {
				logx.Debug().Err(err).Str("item_id", itemID).Msg("fee cache write failed")
			}
		}
		return q, nil
	})
	if shared {
		logx.Debug().Str("key", key).Msg("fee lookup shared with concurrent caller")
	}
	if err != nil {
		return model.FeeQuote{}, err
	}
	return v.(model.FeeQuote), nil
}

func resolvePrice(st Statement, text string) (float64, bool) {
	if st.Price != nil {
		return *st.Price, true
	}
	return ParseBarePrice(text)
}

func quoteLine(q model.FeeQuote, price float64) string {
	line := fmt.Sprintf("Fees for %s at $%.2f: referral $%.2f + fulfillment $%.2f = $%.2f (%s",
		q.ItemID, price, q.ReferralFee, q.FulfillmentFee, q.TotalFees, q.Source)
	if q.Source == model.FeeEstimated && q.Confidence > 0 {
		line += fmt.Sprintf(", confidence %.0f%%", q.Confidence*100)
	}
	return line + ")."
}

func failureLine(o *FallbackOffer) string {
	line := fmt.Sprintf("Couldn't get exact fees for %s at $%.2f: %s.", o.ItemID, o.Price, o.Reason)
	if o.Estimate != nil {
		return line + fmt.Sprintf(" An estimate of $%.2f is available; say \"use estimate\" or give another price to retry.", o.Estimate.TotalFees)
	}
	return line + " Give another price to retry."
}

func askCosts(in model.ProfitabilityInputs) string {
	switch {
	case in.COGS == nil && in.ShipIn == nil:
		return `What are your cost of goods and inbound shipping per unit? For example "cogs 8, shipping 3" (other costs are optional).`
	case in.COGS == nil:
		return fmt.Sprintf("Got shipping $%.2f. What is your cost of goods per unit?", *in.ShipIn)
	default:
		return fmt.Sprintf("Got COGS $%.2f. What is inbound shipping per unit?", *in.COGS)
	}
}
