// Package progress simulates run completion for display. It never measures
// real work: callers mark stages and the estimator eases toward them.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/marketscope/core/internal/agent/model"
	logx "github.com/marketscope/core/pkg/logger"
)

// Stage is a named checkpoint of a run.
type Stage string

const (
	StageStart    Stage = "start"
	StageFetch    Stage = "fetch"
	StageEnrich   Stage = "enrich"
	StageCompute  Stage = "compute"
	StageFinalize Stage = "finalize"
	StageDone     Stage = "done"
)

var stageTargets = map[Stage]float64{
	StageStart:    5,
	StageFetch:    15,
	StageEnrich:   35,
	StageCompute:  70,
	StageFinalize: 90,
	StageDone:     100,
}

// Target returns the percentage a stage maps to.
func Target(s Stage) (float64, bool) {
	pct, ok := stageTargets[s]
	return pct, ok
}

type band struct {
	min   float64
	label string
}

// bands are ordered by min; the last band is only reached on completion.
var bands = []band{
	{0, "Starting analysis"},
	{10, "Fetching marketplace listings"},
	{30, "Enriching product data"},
	{60, "Computing market metrics"},
	{85, "Finalizing results"},
	{100, "Analysis complete"},
}

func bandIndex(pct float64) int {
	idx := 0
	for i, b := range bands {
		if pct >= b.min {
			idx = i
		}
	}
	return idx
}

// Estimator eases CurrentPct toward TargetPct on a fixed tick.
type Estimator struct {
	cfg      model.ProgressConfig
	onUpdate func(model.ProgressState)
	now      func() time.Time

	mu       sync.Mutex
	state    model.ProgressState
	labelIdx int
	complete bool
	stopped  bool
	ticking  bool
	cancel   context.CancelFunc
	timers   []*time.Timer
	pending  []func()
	wg       sync.WaitGroup
}

// New builds an idle estimator. onUpdate, when set, receives a copy of the
// state after every tick; it runs on the ticker goroutine.
func New(cfg model.ProgressConfig, onUpdate func(model.ProgressState)) *Estimator {
	def := model.DefaultProgressConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.Step <= 0 || cfg.Step >= 1 {
		cfg.Step = def.Step
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = def.Tolerance
	}
	if cfg.JumpGap <= 0 {
		cfg.JumpGap = def.JumpGap
	}
	e := &Estimator{cfg: cfg, onUpdate: onUpdate, now: time.Now}
	e.state = model.ProgressState{StageLabel: bands[0].label, LastStageChangeAt: e.now()}
	return e
}

// State returns a copy of the current progress.
func (e *Estimator) State() model.ProgressState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Complete reports whether the estimator reached 100%.
func (e *Estimator) Complete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.complete
}

// Mark raises the target to the stage's percentage. Targets never decrease.
func (e *Estimator) Mark(stage Stage) {
	pct, ok := stageTargets[stage]
	if !ok {
		logx.Debug().Str("stage", string(stage)).Msg("ignoring unknown progress stage")
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || e.complete {
		return
	}
	e.raiseLocked(pct, e.now())
}

// MarkAfter schedules a cancellable delayed Mark.
func (e *Estimator) MarkAfter(stage Stage, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.timers = append(e.timers, time.AfterFunc(d, func() { e.Mark(stage) }))
}

func (e *Estimator) raiseLocked(pct float64, now time.Time) {
	if pct > e.state.TargetPct {
		e.state.TargetPct = pct
	}
	e.jumpLabelLocked(now)
}

// jumpLabelLocked moves the label straight to the target's band when the
// target ran far ahead of the displayed percentage.
func (e *Estimator) jumpLabelLocked(now time.Time) {
	if e.state.TargetPct-e.state.CurrentPct < e.cfg.JumpGap {
		return
	}
	idx := bandIndex(e.state.TargetPct)
	if idx == len(bands)-1 {
		idx--
	}
	if idx > e.labelIdx {
		e.setLabelLocked(idx, now)
	}
}

func (e *Estimator) setLabelLocked(idx int, now time.Time) {
	e.labelIdx = idx
	e.state.StageLabel = bands[idx].label
	e.state.LastStageChangeAt = now
}

// Tick advances one step toward the target and reports whether the run
// reached completion on this tick. Ticks after completion or Stop are no-ops.
func (e *Estimator) Tick(now time.Time) (model.ProgressState, bool) {
	e.mu.Lock()
	if e.stopped || e.complete {
		st := e.state
		e.mu.Unlock()
		return st, false
	}

	if gap := e.state.TargetPct - e.state.CurrentPct; gap > 0 {
		e.state.CurrentPct += gap * e.cfg.Step
	}

	var fire []func()
	if e.state.TargetPct >= 100 && 100-e.state.CurrentPct <= e.cfg.Tolerance {
		fire = e.completeLocked(now)
	} else {
		e.jumpLabelLocked(now)
		idx := bandIndex(e.state.CurrentPct)
		if idx > e.labelIdx && now.Sub(e.state.LastStageChangeAt) >= e.cfg.MinDwell {
			e.setLabelLocked(idx, now)
		}
	}
	st := e.state
	done := e.complete
	e.mu.Unlock()

	if e.onUpdate != nil {
		e.onUpdate(st)
	}
	for _, fn := range fire {
		fn()
	}
	return st, done
}

func (e *Estimator) completeLocked(now time.Time) []func() {
	e.state.CurrentPct = 100
	e.state.TargetPct = 100
	e.setLabelLocked(len(bands)-1, now)
	e.complete = true
	if e.cancel != nil {
		e.cancel()
	}
	fire := e.pending
	e.pending = nil
	return fire
}

// Start runs the tick loop until completion, Stop, or ctx is done. Calling
// Start while the loop runs is a no-op.
func (e *Estimator) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startLocked(ctx)
}

func (e *Estimator) startLocked(ctx context.Context) {
	if e.ticking || e.stopped || e.complete {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.ticking = true
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			e.ticking = false
			e.mu.Unlock()
		}()
		t := time.NewTicker(e.cfg.TickInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				if _, done := e.Tick(now); done {
					return
				}
			}
		}
	}()
}

// Finish raises the target to 100 and holds fn until the tick loop (or
// the caller's own Tick calls) converges. When the estimator is already effectively complete fn runs
// immediately without further ticks. fn runs exactly once, and never after Stop.
func (e *Estimator) Finish(fn func()) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if e.complete || 100-e.state.CurrentPct <= e.cfg.Tolerance {
		var fire []func()
		if !e.complete {
			fire = e.completeLocked(e.now())
		}
		e.mu.Unlock()
		for _, f := range fire {
			f()
		}
		if fn != nil {
			fn()
		}
		return
	}
	if fn != nil {
		e.pending = append(e.pending, fn)
	}
	e.raiseLocked(100, e.now())
	e.mu.Unlock()
}

// Stop cancels the tick loop and every scheduled mark. Held completion
// callbacks are discarded. Stop does not wait; use Wait for that.
func (e *Estimator) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	if e.cancel != nil {
		e.cancel()
	}
	for _, t := range e.timers {
		t.Stop()
	}
	e.timers = nil
	e.pending = nil
}

// Running reports whether the tick goroutine is alive.
func (e *Estimator) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ticking
}

// Wait blocks until the tick goroutine exits.
func (e *Estimator) Wait() {
	e.wg.Wait()
}
