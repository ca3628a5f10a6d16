// Package session owns the lifecycle of research runs: one active token at
// a time, stale results dropped on arrival, progress and selection reset on
// every new submission.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/marketscope/core/internal/agent/model"
	"github.com/marketscope/core/internal/agent/progress"
	"github.com/marketscope/core/internal/agent/stream"
	errx "github.com/marketscope/core/internal/core/error"
	logx "github.com/marketscope/core/pkg/logger"
)

const (
	maxSingleShotBytes = 8 << 20
	defaultQueuedMsg   = "Your research request is queued. Results will appear once a worker picks it up."
)

// Transport submits a run to the research backend.
type Transport interface {
	SubmitRun(ctx context.Context, token model.RunToken, query string) (*model.RunReply, error)
}

// Hooks are notified after state changes. They run outside the session lock,
// on whichever goroutine produced the change.
type Hooks struct {
	OnReset     func(token model.RunToken)
	OnCommit    func(token model.RunToken, result *model.ResultSet)
	OnSelection func(sel model.SelectionSet)
	OnProgress  func(token model.RunToken, st model.ProgressState)
	OnChange    func(snap Snapshot)
}

// Snapshot is a copy of the active run's visible state.
type Snapshot struct {
	Token     model.RunToken
	Query     string
	State     model.RunState
	Result    *model.ResultSet
	Preview   []model.Item
	Partials  int
	Notice    string
	Err       error
	Progress  model.ProgressState
	Selection model.SelectionSet
}

type run struct {
	token    model.RunToken
	query    string
	done     chan struct{}
	progress *progress.Estimator
}

// Session is the sole authority on whether an incoming result is wanted.
type Session struct {
	transport Transport
	cfg       model.SessionConfig
	pcfg      model.ProgressConfig
	hooks     Hooks
	active    *ActiveToken

	mu      sync.Mutex
	current *run
	states  map[model.RunToken]model.RunState
	snap    Snapshot
	retired []*progress.Estimator
	closed  bool
}

func New(t Transport, cfg model.SessionConfig, pcfg model.ProgressConfig, hooks Hooks) *Session {
	return &Session{
		transport: t,
		cfg:       cfg,
		pcfg:      pcfg,
		hooks:     hooks,
		active:    &ActiveToken{},
		states:    make(map[model.RunToken]model.RunState),
		snap:      Snapshot{State: model.RunIdle, Selection: model.NewSelection()},
	}
}

// Active exposes the live token cell.
func (s *Session) Active() *ActiveToken {
	return s.active
}

// Start supersedes any previous run and returns a new token. The previous
// token becomes stale unless it already finished; selection, progress and
// chat (through OnReset) are reset.
func (s *Session) Start(query string) model.RunToken {
	tok := model.NewRunToken()
	r := &run{token: tok, query: query, done: make(chan struct{})}
	r.progress = progress.New(s.pcfg, s.progressUpdate(tok))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ""
	}
	hadSelection := s.snap.Selection.Len() > 0
	if prev := s.current; prev != nil {
		if st := s.states[prev.token]; !st.Terminal() {
			s.states[prev.token] = model.RunStale
			logx.Debug().Str("run_token", prev.token.String()).Str("from", string(st)).Msg("run superseded")
		}
		s.retireLocked(prev)
		s.pruneStatesLocked(prev.token)
	}
	s.current = r
	s.active.store(tok)
	s.states[tok] = model.RunIdle
	s.snap = Snapshot{Token: tok, Query: query, State: model.RunIdle, Selection: model.NewSelection()}
	r.progress.Start(context.Background())
	r.progress.Mark(progress.StageStart)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if s.hooks.OnReset != nil {
		s.hooks.OnReset(tok)
	}
	if hadSelection && s.hooks.OnSelection != nil {
		s.hooks.OnSelection(model.NewSelection())
	}
	s.notify(snap)
	return tok
}

// Run starts a run and submits it.
func (s *Session) Run(ctx context.Context, query string) (model.RunToken, error) {
	tok := s.Start(query)
	if tok == "" {
		return "", errors.New("session closed")
	}
	return tok, s.Submit(ctx, tok, query)
}

// Submit issues the request for tok and applies its outcome. It blocks
// until the run is committed, fails, is queued, or is superseded. A
// superseded run returns errx.ErrStaleRun and leaves no trace in state.
func (s *Session) Submit(ctx context.Context, tok model.RunToken, query string) error {
	if !s.active.Is(tok) {
		logx.Debug().Str("run_token", tok.String()).Msg("submit for inactive token ignored")
		return errx.ErrStaleRun
	}
	if !s.advance(tok, model.RunSubmitted, nil) {
		if !s.active.Is(tok) {
			return errx.ErrStaleRun
		}
		return fmt.Errorf("run %s already %s", tok, s.StateOf(tok))
	}

	for attempt := 0; ; attempt++ {
		reply, err := s.transport.SubmitRun(ctx, tok, query)
		if err != nil {
			return s.fail(tok, errx.New(err, http.StatusServiceUnavailable, "network failure"))
		}
		switch reply.Status {
		case model.ReplyOK:
			if reply.Body == nil {
				return s.fail(tok, fmt.Errorf("%w: empty body", errx.ErrMalformedResult))
			}
			if reply.Streaming {
				return s.consumeStream(ctx, tok, reply.Body)
			}
			return s.consumeSingle(tok, reply.Body)

		case model.ReplyRetry:
			closeBody(reply)
			if attempt > 0 {
				return s.fail(tok, errx.WrapStatus(reply.StatusCode, "still unavailable after retry"))
			}
			logx.Info().Str("run_token", tok.String()).Dur("delay", s.cfg.RetryDelay).Msg("backend asked to retry; resubmitting once")
			if err := s.wait(ctx, tok, s.cfg.RetryDelay); err != nil {
				return err
			}

		case model.ReplyQueued:
			closeBody(reply)
			msg := reply.Message
			if msg == "" {
				msg = defaultQueuedMsg
			}
			s.update(tok, func(sn *Snapshot) { sn.Notice = msg })
			return nil

		default:
			closeBody(reply)
			return s.fail(tok, errx.WrapStatus(reply.StatusCode, reply.Message))
		}
	}
}

// wait sleeps for d unless the run is superseded or ctx ends first.
func (s *Session) wait(ctx context.Context, tok model.RunToken, d time.Duration) error {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r == nil || r.token != tok {
		return errx.ErrStaleRun
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-r.done:
		return errx.ErrStaleRun
	case <-ctx.Done():
		return s.fail(tok, ctx.Err())
	}
	if !s.active.Is(tok) {
		return errx.ErrStaleRun
	}
	return nil
}

func (s *Session) consumeStream(ctx context.Context, tok model.RunToken, body io.ReadCloser) error {
	defer body.Close()
	if !s.advance(tok, model.RunStreaming, nil) {
		return errx.ErrStaleRun
	}
	if r := s.runFor(tok); r != nil {
		r.progress.Mark(progress.StageFetch)
		if s.cfg.FetchToEnrich > 0 {
			r.progress.MarkAfter(progress.StageEnrich, s.cfg.FetchToEnrich)
		}
	}

	complete, err := stream.Decode(ctx, body, func(rec model.StreamRecord) error {
		if !s.active.Is(tok) {
			return errx.ErrStaleRun
		}
		if rec.Type == model.RecordPartial {
			s.applyPartial(tok, rec)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errx.ErrStaleRun) {
			logx.Debug().Str("run_token", tok.String()).Msg("dropping stream for superseded run")
			return err
		}
		return s.fail(tok, err)
	}

	result, err := decodeResult(complete.Body(), false)
	if err != nil {
		return s.fail(tok, err)
	}
	return s.commit(tok, result)
}

func (s *Session) consumeSingle(tok model.RunToken, body io.ReadCloser) error {
	defer body.Close()
	raw, err := io.ReadAll(io.LimitReader(body, maxSingleShotBytes))
	if err != nil {
		return s.fail(tok, fmt.Errorf("read result: %w", err))
	}
	result, err := decodeResult(raw, true)
	if err != nil {
		return s.fail(tok, err)
	}
	return s.commit(tok, result)
}

// decodeResult parses and validates a result set. The single-shot reply must
// also carry something usable beyond the run id.
func decodeResult(raw []byte, singleShot bool) (*model.ResultSet, error) {
	var rs model.ResultSet
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("%w: %v", errx.ErrMalformedResult, err)
	}
	if rs.RunID == "" {
		return nil, fmt.Errorf("%w: missing analysisRunId", errx.ErrMalformedResult)
	}
	if singleShot && rs.Decision == nil && rs.Snapshot == nil && len(rs.Items) == 0 {
		return nil, fmt.Errorf("%w: no usable result items", errx.ErrMalformedResult)
	}
	return &rs, nil
}

func (s *Session) applyPartial(tok model.RunToken, rec model.StreamRecord) {
	var upd model.PartialUpdate
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &upd); err != nil {
			logx.Debug().Err(err).Msg("partial payload not understood; counting only")
		}
	}
	var r *run
	changed := s.update(tok, func(sn *Snapshot) {
		sn.Partials++
		sn.Preview = append(sn.Preview, upd.Items...)
		r = s.current
	})
	if changed && upd.Stage != "" && r != nil {
		r.progress.Mark(progress.Stage(upd.Stage))
	}
}

func (s *Session) commit(tok model.RunToken, result *model.ResultSet) error {
	s.mu.Lock()
	if !s.active.Is(tok) {
		s.mu.Unlock()
		logx.Debug().Str("run_token", tok.String()).Str("run_id", result.RunID).Msg("discarding result of superseded run")
		return errx.ErrStaleRun
	}
	if result.Query == "" {
		result.Query = s.snap.Query
	}
	s.states[tok] = model.RunComplete
	s.snap.State = model.RunComplete
	s.snap.Result = result
	s.snap.Err = nil
	s.snap.Notice = ""
	r := s.current
	snap := s.snapshotLocked()
	s.mu.Unlock()

	logx.Info().Str("run_token", tok.String()).Str("run_id", result.RunID).Int("items", len(result.AllItems())).Msg("run committed")
	if s.hooks.OnCommit != nil {
		s.hooks.OnCommit(tok, result)
	}
	// Products picked from the preview while the run streamed carry over.
	if snap.Selection.Len() > 0 && s.hooks.OnSelection != nil {
		s.hooks.OnSelection(snap.Selection.Clone())
	}
	s.notify(snap)
	r.progress.Finish(func() {
		s.update(tok, func(*Snapshot) {})
	})
	return nil
}

// fail marks tok failed if it is still active. Failures of superseded runs
// are logged and returned to their caller only.
func (s *Session) fail(tok model.RunToken, err error) error {
	if !s.advance(tok, model.RunFailed, func(sn *Snapshot) { sn.Err = err }) {
		logx.Debug().Err(err).Str("run_token", tok.String()).Msg("failure of superseded run ignored")
		return err
	}
	logx.Warn().Err(err).Str("run_token", tok.String()).Msg("run failed")
	if r := s.runFor(tok); r != nil {
		r.progress.Stop()
	}
	return err
}

// advance moves tok forward and applies mut, only while tok is active.
func (s *Session) advance(tok model.RunToken, next model.RunState, mut func(*Snapshot)) bool {
	s.mu.Lock()
	if !s.active.Is(tok) || !s.states[tok].CanAdvance(next) {
		s.mu.Unlock()
		return false
	}
	s.states[tok] = next
	s.snap.State = next
	if mut != nil {
		mut(&s.snap)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	return true
}

// update mutates the snapshot only while tok is active.
func (s *Session) update(tok model.RunToken, mut func(*Snapshot)) bool {
	s.mu.Lock()
	if !s.active.Is(tok) {
		s.mu.Unlock()
		return false
	}
	mut(&s.snap)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	return true
}

func (s *Session) progressUpdate(tok model.RunToken) func(model.ProgressState) {
	return func(st model.ProgressState) {
		s.mu.Lock()
		if !s.active.Is(tok) {
			s.mu.Unlock()
			return
		}
		s.snap.Progress = st
		s.mu.Unlock()
		if s.hooks.OnProgress != nil {
			s.hooks.OnProgress(tok, st)
		}
	}
}

func (s *Session) runFor(tok model.RunToken) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.token != tok {
		return nil
	}
	return s.current
}

// retireLocked stops r's estimator. Estimators whose ticker already exited
// are forgotten; Close waits for the rest.
func (s *Session) retireLocked(r *run) {
	close(r.done)
	r.progress.Stop()
	all := append(s.retired, r.progress)
	live := all[:0]
	for _, p := range all {
		if p.Running() {
			live = append(live, p)
		}
	}
	clear(all[len(live):])
	s.retired = live
}

// pruneStatesLocked keeps the state of the previous token only. Older
// tokens are terminal and StateOf reports them as stale.
func (s *Session) pruneStatesLocked(prev model.RunToken) {
	for tok, st := range s.states {
		if tok != prev && st.Terminal() {
			delete(s.states, tok)
		}
	}
}

func (s *Session) snapshotLocked() Snapshot {
	snap := s.snap
	snap.Selection = s.snap.Selection.Clone()
	snap.Preview = append([]model.Item(nil), s.snap.Preview...)
	return snap
}

func (s *Session) notify(snap Snapshot) {
	if s.hooks.OnChange != nil {
		s.hooks.OnChange(snap)
	}
}

// Snapshot returns the active run's state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshotLocked()
	if s.current != nil {
		snap.Progress = s.current.progress.State()
	}
	return snap
}

// StateOf returns the last known state of tok. Tokens older than the
// previous run are no longer tracked and report RunStale.
func (s *Session) StateOf(tok model.RunToken) model.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[tok]; ok {
		return st
	}
	if tok == "" {
		return model.RunIdle
	}
	return model.RunStale
}

// Result returns the committed result of the active run, if any.
func (s *Session) Result() *model.ResultSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.State != model.RunComplete {
		return nil
	}
	return s.snap.Result
}

// ResultFor returns the committed result whose server run id is runID.
func (s *Session) ResultFor(runID string) (*model.ResultSet, bool) {
	rs := s.Result()
	if rs == nil || rs.RunID != runID {
		return nil, false
	}
	return rs, true
}

// Select replaces the selection. Ids not in the committed result are kept;
// the product view owns validation.
func (s *Session) Select(ids ...string) model.SelectionSet {
	next := model.NewSelection(ids...)
	s.mu.Lock()
	changed := !s.snap.Selection.Equal(next)
	s.snap.Selection = next
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if changed {
		if s.hooks.OnSelection != nil {
			s.hooks.OnSelection(next.Clone())
		}
		s.notify(snap)
	}
	return next.Clone()
}

// Toggle adds or removes one id from the selection.
func (s *Session) Toggle(id string) model.SelectionSet {
	sel := s.Selection()
	if sel.Has(id) {
		delete(sel, id)
	} else {
		sel[id] = struct{}{}
	}
	return s.Select(sel.IDs()...)
}

// Selection returns a copy of the current selection.
func (s *Session) Selection() model.SelectionSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Selection.Clone()
}

// Close retires the active run and waits for every ticker to stop.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.current != nil {
		if st := s.states[s.current.token]; !st.Terminal() {
			s.states[s.current.token] = model.RunStale
		}
		s.retireLocked(s.current)
		s.current = nil
	}
	s.active.store("")
	retired := s.retired
	s.retired = nil
	s.mu.Unlock()

	for _, p := range retired {
		p.Wait()
	}
}

func closeBody(r *model.RunReply) {
	if r != nil && r.Body != nil {
		r.Body.Close()
	}
}
