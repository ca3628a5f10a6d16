package model

import (
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"
)

// RunToken is a client-generated correlation id for one query submission.
// It is distinct from the RunID the server assigns to the result set.
type RunToken string

// NewRunToken returns a fresh random token.
func NewRunToken() RunToken {
	return RunToken(uuid.NewString())
}

func (t RunToken) String() string {
	return string(t)
}

// RunState is the lifecycle of one token. Transitions only move forward.
type RunState string

const (
	RunIdle      RunState = "idle"
	RunSubmitted RunState = "submitted"
	RunStreaming RunState = "streaming"
	RunComplete  RunState = "complete"
	RunFailed    RunState = "failed"
	RunStale     RunState = "stale"
)

func (s RunState) rank() int {
	switch s {
	case RunSubmitted:
		return 1
	case RunStreaming:
		return 2
	case RunComplete, RunFailed, RunStale:
		return 3
	default:
		return 0
	}
}

// Terminal reports whether no further transition is possible.
func (s RunState) Terminal() bool {
	return s.rank() == 3
}

// CanAdvance reports whether moving from s to next is a forward transition.
func (s RunState) CanAdvance(next RunState) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank() || (next == RunStreaming && s == RunStreaming)
}

// Item is one product row of a committed result set. Only the fields the
// core consumes are modelled; metric computation happens server-side.
type Item struct {
	ID           string   `json:"id"`
	Title        string   `json:"title,omitempty"`
	Brand        string   `json:"brand,omitempty"`
	Price        *float64 `json:"price,omitempty"`
	BSR          int      `json:"bsr,omitempty"`
	Reviews      int      `json:"reviews,omitempty"`
	Rating       float64  `json:"rating,omitempty"`
	Sponsored    bool     `json:"sponsored,omitempty"`
	EstRevenue   float64  `json:"estRevenue,omitempty"`
	EstUnitsSold int      `json:"estUnitsSold,omitempty"`
}

// Decision is the server's verdict on the researched market.
type Decision struct {
	Verdict string   `json:"verdict"`
	Score   float64  `json:"score,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
}

// MarketSnapshot holds aggregate figures for the researched market.
type MarketSnapshot struct {
	AvgPrice       float64 `json:"avgPrice,omitempty"`
	MedianPrice    float64 `json:"medianPrice,omitempty"`
	MedianReviews  float64 `json:"medianReviews,omitempty"`
	SponsoredShare float64 `json:"sponsoredShare,omitempty"`
	TopBrandShare  float64 `json:"topBrandShare,omitempty"`
	TopBrand       string  `json:"topBrand,omitempty"`
	Items          []Item  `json:"items,omitempty"`
}

// ResultSet is the canonical result of a run, carried by the stream's
// complete record or by the single-shot reply.
type ResultSet struct {
	RunID    string          `json:"analysisRunId"`
	Query    string          `json:"query,omitempty"`
	Decision *Decision       `json:"decision,omitempty"`
	Snapshot *MarketSnapshot `json:"marketSnapshot,omitempty"`
	Items    []Item          `json:"items,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}

// AllItems returns the result items, falling back to the snapshot's items.
func (r *ResultSet) AllItems() []Item {
	if r == nil {
		return nil
	}
	if len(r.Items) > 0 {
		return r.Items
	}
	if r.Snapshot != nil {
		return r.Snapshot.Items
	}
	return nil
}

// Item looks up an item by id.
func (r *ResultSet) Item(id string) (Item, bool) {
	for _, it := range r.AllItems() {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// ReplyStatus classifies the transport status of a run submission.
type ReplyStatus string

const (
	ReplyOK     ReplyStatus = "ok"
	ReplyRetry  ReplyStatus = "retry"
	ReplyQueued ReplyStatus = "queued"
	ReplyFailed ReplyStatus = "failed"
)

// RunReply is the transport-level answer to a run submission. Body is nil
// unless Status is ReplyOK; the receiver owns and must close it.
type RunReply struct {
	Status     ReplyStatus
	StatusCode int
	Streaming  bool
	Body       io.ReadCloser
	Message    string
}

// PartialUpdate is the payload of a partial stream record.
type PartialUpdate struct {
	Stage   string          `json:"stage,omitempty"`
	Message string          `json:"message,omitempty"`
	Items   []Item          `json:"items,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// ProgressState is the estimator's view of a run.
type ProgressState struct {
	CurrentPct        float64
	TargetPct         float64
	StageLabel        string
	LastStageChangeAt time.Time
}
