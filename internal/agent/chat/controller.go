// Package chat serializes conversation turns against one committed run.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/marketscope/core/internal/agent/escalation"
	"github.com/marketscope/core/internal/agent/guided"
	"github.com/marketscope/core/internal/agent/model"
	errx "github.com/marketscope/core/internal/core/error"
	logx "github.com/marketscope/core/pkg/logger"
)

type State string

const (
	StateIdle                State = "idle"
	StateAwaitingResponse    State = "awaiting_response"
	StateStreamingResponse   State = "streaming_response"
	StatePendingConfirmation State = "pending_confirmation"
)

// Backend answers one chat request with a stream of content and metadata
// events. The stream ends with io.EOF.
type Backend interface {
	Chat(ctx context.Context, req model.ChatRequest) (*schema.StreamReader[model.ChatEvent], error)
}

// Snapshot is a copy of the controller state for renderers.
type Snapshot struct {
	State     State
	RunID     string
	Turns     []model.ChatTurn
	Selection model.SelectionSet
	Pending   *model.EscalationRequest
	Guided    guided.Phase
	Offer     *guided.FallbackOffer
}

// Controller allows one outbound turn in flight. Messages produced while a
// turn is in flight wait in a FIFO and are appended when it ends.
type Controller struct {
	backend  Backend
	gate     *escalation.Gate
	flow     *guided.Subflow
	stall    time.Duration
	onUpdate func(Snapshot)
	now      func() time.Time

	mu           sync.Mutex
	gen          uint64
	state        State
	result       *model.ResultSet
	selection    model.SelectionSet
	turns        []model.ChatTurn
	current      int
	deferred     []model.ChatTurn
	offer        *guided.FallbackOffer
	lastActivity time.Time
	cancel       context.CancelFunc
}

// New builds a controller. onUpdate may be nil; it is called outside the
// controller lock after every visible change.
func New(backend Backend, flow *guided.Subflow, cfg model.ChatConfig, onUpdate func(Snapshot)) *Controller {
	stall := cfg.StallTimeout
	if stall <= 0 {
		stall = 45 * time.Second
	}
	return &Controller{
		backend:   backend,
		gate:      escalation.NewGate(),
		flow:      flow,
		stall:     stall,
		onUpdate:  onUpdate,
		now:       time.Now,
		state:     StateIdle,
		selection: model.NewSelection(),
		current:   -1,
	}
}

// Bind attaches the controller to a freshly committed result set. Anything
// belonging to the previous run is dropped, including a turn in flight.
func (c *Controller) Bind(rs *model.ResultSet) {
	c.mu.Lock()
	c.resetLocked()
	c.result = rs
	c.mu.Unlock()
	c.changed()
}

// Reset detaches the controller, e.g. when a new run starts.
func (c *Controller) Reset() {
	c.Bind(nil)
}

func (c *Controller) resetLocked() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = StateIdle
	c.result = nil
	c.selection = model.NewSelection()
	c.turns = nil
	c.current = -1
	c.deferred = nil
	c.offer = nil
	c.gate.Reset()
	c.flow.Invalidate()
}

// SetSelection replaces the selection. Any change invalidates the guided flow.
func (c *Controller) SetSelection(sel model.SelectionSet) {
	c.mu.Lock()
	if sel.Equal(c.selection) {
		c.mu.Unlock()
		return
	}
	c.selection = sel.Clone()
	c.offer = nil
	c.mu.Unlock()
	c.flow.Invalidate()
	c.changed()
}

// Send submits a user turn. Free-form input is offered to an active guided
// flow first; anything it does not recognise goes to the backend.
func (c *Controller) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	gen, err := c.beginTurnLocked()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.appendLocked(model.NewTurn(model.RoleUser, text))
	req := c.requestLocked(text)
	c.mu.Unlock()
	c.changed()

	if c.flow.Active() {
		r, intercepted := c.flow.Handle(ctx, text)
		if intercepted {
			c.finishGuided(gen, r)
			return nil
		}
	}
	return c.stream(ctx, gen, req, text)
}

// Confirm re-sends the pending question once with the confirmation flag and
// the same targets. The user's message is already in the transcript.
func (c *Controller) Confirm(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StatePendingConfirmation {
		c.mu.Unlock()
		return errx.ErrNoPendingEscalation
	}
	esc, err := c.gate.Confirm()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = StateAwaitingResponse
	c.lastActivity = c.now()
	gen := c.gen
	req := c.requestLocked(esc.OriginalQuestion)
	req.EscalationConfirmed = true
	req.EscalationTargetIDs = esc.TargetIDs.IDs()
	c.mu.Unlock()
	c.changed()

	return c.stream(ctx, gen, req, esc.OriginalQuestion)
}

// Cancel declines the pending escalation. No call is made and no message is
// added.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	if c.state != StatePendingConfirmation {
		c.mu.Unlock()
		return errx.ErrNoPendingEscalation
	}
	if _, err := c.gate.Cancel(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = StateIdle
	c.mu.Unlock()
	c.changed()
	return nil
}

// StartGuided enters the fee and profitability flow for the current selection.
func (c *Controller) StartGuided(ctx context.Context) error {
	c.mu.Lock()
	gen, err := c.beginTurnLocked()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	sel, rs := c.selection.Clone(), c.result
	c.mu.Unlock()
	c.changed()

	r, err := c.flow.Begin(ctx, sel, rs)
	if err != nil && !errors.Is(err, errx.ErrSelectionCount) {
		c.finishGuided(gen, guided.Reply{})
		return err
	}
	c.finishGuided(gen, r)
	return nil
}

// UseEstimate accepts the fallback fee estimate offered after a failed lookup.
func (c *Controller) UseEstimate() error {
	c.mu.Lock()
	gen, err := c.beginTurnLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	r, err := c.flow.UseEstimate()
	c.finishGuided(gen, r)
	return err
}

// RetryAt re-runs the exact fee lookup at another price.
func (c *Controller) RetryAt(ctx context.Context, price float64) error {
	c.mu.Lock()
	gen, err := c.beginTurnLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.changed()
	r, err := c.flow.RetryAt(ctx, price)
	c.finishGuided(gen, r)
	return err
}

// Enqueue adds a system message. While a turn is in flight it waits for the
// turn to finish.
func (c *Controller) Enqueue(text string) {
	c.mu.Lock()
	c.emitLocked(model.NewTurn(model.RoleSystem, text))
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) beginTurnLocked() (uint64, error) {
	if c.result == nil {
		return 0, errx.ErrNoActiveRun
	}
	switch c.state {
	case StatePendingConfirmation:
		return 0, errx.ErrAwaitingConfirmation
	case StateIdle:
	default:
		return 0, errx.ErrTurnInFlight
	}
	c.state = StateAwaitingResponse
	c.lastActivity = c.now()
	return c.gen, nil
}

func (c *Controller) requestLocked(text string) model.ChatRequest {
	return model.ChatRequest{
		RunID:       c.result.RunID,
		Message:     text,
		SelectedIDs: c.selection.IDs(),
	}
}

// finishGuided appends a subflow reply and ends the turn.
func (c *Controller) finishGuided(gen uint64, r guided.Reply) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	for _, msg := range r.Messages {
		c.appendLocked(model.NewTurn(model.RoleAssistant, msg))
	}
	c.offer = r.Offer
	c.endTurnLocked()
	c.mu.Unlock()
	c.changed()
}

// turnEffects are actions requested by metadata that must wait until the
// stream has ended.
type turnEffects struct {
	guidedIntent bool
	price        *float64
}

func (c *Controller) stream(ctx context.Context, gen uint64, req model.ChatRequest, question string) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return errx.ErrStaleRun
	}
	c.cancel = cancel
	c.mu.Unlock()

	sr, err := c.backend.Chat(sctx, req)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.endTurnLocked()
		}
		c.mu.Unlock()
		c.changed()
		return fmt.Errorf("chat request: %w", err)
	}
	defer sr.Close()

	var fx turnEffects
	for {
		ev, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			logx.Debug().Str("run_id", req.RunID).Msg("dropping chat events for superseded turn")
			return errx.ErrStaleRun
		}
		if err != nil {
			c.noteLocked("The response was interrupted.")
			c.endTurnLocked()
			c.mu.Unlock()
			c.changed()
			return fmt.Errorf("chat stream: %w", err)
		}
		c.lastActivity = c.now()
		stop := c.applyLocked(ev, req, question, &fx)
		c.mu.Unlock()
		c.changed()
		if stop {
			return nil
		}
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return errx.ErrStaleRun
	}
	c.flushLocked()
	if fx.guidedIntent || fx.price != nil {
		// The turn stays in flight while the follow-up runs.
		c.state = StateAwaitingResponse
		c.lastActivity = c.now()
		sel, rs := c.selection.Clone(), c.result
		c.mu.Unlock()
		c.changed()
		c.followUp(ctx, gen, fx, sel, rs)
		return nil
	}
	c.endTurnLocked()
	c.mu.Unlock()
	c.changed()
	return nil
}

// applyLocked handles one event. It reports whether the stream should stop.
func (c *Controller) applyLocked(ev model.ChatEvent, req model.ChatRequest, question string, fx *turnEffects) bool {
	if md := ev.Metadata; md != nil {
		switch md.Type {
		case model.MetaEscalationConfirmationRequired:
			if req.EscalationConfirmed {
				logx.Warn().Str("run_id", req.RunID).Msg("backend asked to confirm an already confirmed escalation")
				break
			}
			targets := model.NewSelection(md.TargetIDs...)
			if targets.Len() == 0 {
				targets = c.selection.Clone()
			}
			if _, err := c.gate.Open(md.Message, targets, md.CreditCost, question); err != nil {
				logx.Warn().Err(err).Msg("escalation not opened")
				break
			}
			c.flushLocked()
			c.cancel = nil
			c.state = StatePendingConfirmation
			return true
		case model.MetaEscalationMessage:
			c.noteLocked(md.Message)
		case model.MetaCitations:
			t := c.assistantLocked()
			t.Citations = append(t.Citations, md.Citations...)
		case model.MetaGuidedIntentDetected:
			fx.guidedIntent = true
		case model.MetaCostOverrideApplied:
			if md.Costs != nil {
				r := c.flow.ApplyCosts(*md.Costs)
				for _, msg := range r.Messages {
					c.emitLocked(model.NewTurn(model.RoleAssistant, msg))
				}
			}
			if md.Price != nil {
				fx.price = md.Price
			}
		default:
			logx.Debug().Str("type", string(md.Type)).Msg("ignoring unknown chat metadata")
		}
	}
	if ev.Content != "" {
		c.state = StateStreamingResponse
		c.assistantLocked().Content += ev.Content
	}
	return false
}

func (c *Controller) followUp(ctx context.Context, gen uint64, fx turnEffects, sel model.SelectionSet, rs *model.ResultSet) {
	var r guided.Reply
	switch {
	case fx.price != nil && c.flow.Active():
		var err error
		r, err = c.flow.RetryAt(ctx, *fx.price)
		if err != nil {
			r.Messages = append(r.Messages, err.Error())
		}
	case fx.guidedIntent && !c.flow.Active():
		r, _ = c.flow.Begin(ctx, sel, rs)
	}
	c.finishGuided(gen, r)
}

// assistantLocked returns the assistant turn being streamed, creating it on
// first use.
func (c *Controller) assistantLocked() *model.ChatTurn {
	if c.current < 0 {
		c.turns = append(c.turns, model.NewTurn(model.RoleAssistant, ""))
		c.current = len(c.turns) - 1
	}
	return &c.turns[c.current]
}

func (c *Controller) noteLocked(note string) {
	if note == "" {
		return
	}
	t := c.assistantLocked()
	t.Notes = append(t.Notes, note)
}

// emitLocked appends now when idle, otherwise queues behind the active turn.
func (c *Controller) emitLocked(t model.ChatTurn) {
	if c.state == StateIdle || c.state == StatePendingConfirmation {
		c.appendLocked(t)
		return
	}
	c.deferred = append(c.deferred, t)
}

func (c *Controller) appendLocked(t model.ChatTurn) {
	c.turns = append(c.turns, t)
}

func (c *Controller) flushLocked() {
	c.current = -1
	c.turns = append(c.turns, c.deferred...)
	c.deferred = nil
}

func (c *Controller) endTurnLocked() {
	c.flushLocked()
	c.cancel = nil
	c.state = StateIdle
}

// CheckStalled forces the controller back to idle when a turn has shown no
// activity for the stall timeout. Events still arriving for that turn are
// dropped.
func (c *Controller) CheckStalled(now time.Time) bool {
	c.mu.Lock()
	if c.state != StateAwaitingResponse && c.state != StateStreamingResponse {
		c.mu.Unlock()
		return false
	}
	if now.Sub(c.lastActivity) < c.stall {
		c.mu.Unlock()
		return false
	}
	c.gen++
	if c.cancel != nil {
		c.cancel()
	}
	c.endTurnLocked()
	c.mu.Unlock()
	logx.Warn().Dur("stall_timeout", c.stall).Msg("chat turn stalled; input re-enabled")
	c.changed()
	return true
}

// StartWatchdog runs CheckStalled periodically until stop is called or ctx
// ends. stop waits for the goroutine to exit.
func (c *Controller) StartWatchdog(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	interval := c.stall / 4
	if interval <= 0 {
		interval = time.Second
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				c.CheckStalled(t)
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the escalation awaiting confirmation, if any.
func (c *Controller) Pending() (model.EscalationRequest, bool) {
	return c.gate.Pending()
}

// Transcript returns a copy of the visible turns.
func (c *Controller) Transcript() []model.ChatTurn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneTurns(c.turns)
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		State:     c.state,
		Turns:     cloneTurns(c.turns),
		Selection: c.selection.Clone(),
		Offer:     c.offer,
	}
	if c.result != nil {
		s.RunID = c.result.RunID
	}
	c.mu.Unlock()

	if req, ok := c.gate.Pending(); ok {
		s.Pending = &req
	}
	s.Guided = c.flow.Phase()
	return s
}

func (c *Controller) changed() {
	if c.onUpdate != nil {
		c.onUpdate(c.Snapshot())
	}
}

func cloneTurns(in []model.ChatTurn) []model.ChatTurn {
	out := make([]model.ChatTurn, len(in))
	for i, t := range in {
		t.Citations = append([]model.Citation(nil), t.Citations...)
		t.Notes = append([]string(nil), t.Notes...)
		out[i] = t
	}
	return out
}
