// Package escalation guards cost-bearing lookups behind an explicit user
// confirmation.
package escalation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/marketscope/core/internal/agent/model"
	errx "github.com/marketscope/core/internal/core/error"
	logx "github.com/marketscope/core/pkg/logger"
)

// State of the gate.
type State string

const (
	StateNone                State = "none"
	StatePendingConfirmation State = "pending_confirmation"
)

var ErrGateBusy = errors.New("an escalation is already pending")

// Gate holds at most one pending escalation request. It never performs the
// lookup itself; Confirm hands the request back to the caller exactly once.
type Gate struct {
	mu  sync.Mutex
	req *model.EscalationRequest
}

func NewGate() *Gate {
	return &Gate{}
}

// State returns none or pending_confirmation.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.req == nil {
		return StateNone
	}
	return StatePendingConfirmation
}

// Open moves the gate to pending_confirmation. No cost is incurred while pending.
func (g *Gate) Open(message string, targets model.SelectionSet, creditCost float64, originalQuestion string) (model.EscalationRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.req != nil {
		return model.EscalationRequest{}, ErrGateBusy
	}
	g.req = &model.EscalationRequest{
		Message:          message,
		TargetIDs:        targets.Clone(),
		CreditCost:       creditCost,
		OriginalQuestion: originalQuestion,
		Decision:         model.DecisionPending,
	}
	logx.Debug().Strs("target_ids", targets.IDs()).Float64("credit_cost", creditCost).Msg("escalation pending confirmation")
	return *g.req, nil
}

// Pending returns the request awaiting a decision.
func (g *Gate) Pending() (model.EscalationRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.req == nil {
		return model.EscalationRequest{}, false
	}
	r := *g.req
	r.TargetIDs = g.req.TargetIDs.Clone()
	return r, true
}

// Confirm closes the gate and returns the confirmed request for the caller
// to re-issue. A second Confirm fails, so the question is re-sent once.
func (g *Gate) Confirm() (model.EscalationRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.req == nil {
		return model.EscalationRequest{}, errx.ErrNoPendingEscalation
	}
	r := *g.req
	r.Decision = model.DecisionConfirmed
	g.req = nil
	logx.Info().Strs("target_ids", r.TargetIDs.IDs()).Float64("credit_cost", r.CreditCost).Msg("escalation confirmed")
	return r, nil
}

// Cancel closes the gate with no side effects.
func (g *Gate) Cancel() (model.EscalationRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.req == nil {
		return model.EscalationRequest{}, errx.ErrNoPendingEscalation
	}
	r := *g.req
	r.Decision = model.DecisionCancelled
	g.req = nil
	logx.Debug().Msg("escalation cancelled")
	return r, nil
}

// Reset drops any pending request, e.g. when its run is superseded.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.req = nil
}

// Prompt renders the confirmation text shown while pending: the exact
// target ids and the credit cost.
func Prompt(r model.EscalationRequest) string {
	var b strings.Builder
	if r.Message != "" {
		b.WriteString(r.Message)
		b.WriteString("\n")
	}
	unit := "credits"
	if r.CreditCost == 1 {
		unit = "credit"
	}
	fmt.Fprintf(&b, "Verified lookup for %s will cost %g %s. Confirm or cancel.", strings.Join(r.TargetIDs.IDs(), ", "), r.CreditCost, unit)
	return b.String()
}
