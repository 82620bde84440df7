// Package engine is the event-sourced session engine. One Engine lives for
// the whole process; screens attach and detach it as the user navigates.
//
// All state mutation happens on the goroutine that calls Run, one inbound
// message at a time, or inside a command (Attach, Detach, Reset, Reconnect)
// holding the engine lock. Dials run without the lock. Every stream open
// gets a new generation number and messages tagged with an older generation
// are discarded, so a closed connection can never leak events into the log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/modforge/genwatch/internal/client"
	"github.com/modforge/genwatch/internal/derive"
	"github.com/modforge/genwatch/internal/event"
	"github.com/modforge/genwatch/internal/logging"
	"github.com/modforge/genwatch/internal/transport"
)

const (
	inboxSize         = 256
	pauseCheckTimeout = 10 * time.Second
)

var (
	// ErrNoSession is returned by commands that need an attached session.
	ErrNoSession = errors.New("no session attached")
	// ErrNotPaused is returned by Reconnect outside the paused state.
	ErrNotPaused = errors.New("session is not paused")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine closed")

	errSkipDial = errors.New("no dial needed")
)

// API is the subset of the remote API the engine calls.
type API interface {
	StartGeneration(ctx context.Context, req client.StartRequest) (string, error)
	transport.StatusFetcher
}

// AfterFunc schedules f after d and returns a function that cancels it.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

// Options configures an Engine.
type Options struct {
	Token        string
	Reconnect    ReconnectPolicy
	PollInterval time.Duration
	Logger       *log.Logger
	// AfterFunc defaults to time.AfterFunc. Tests replace it to fire
	// reconnects by hand.
	AfterFunc AfterFunc
}

// Snapshot is a consistent read of engine state.
type Snapshot struct {
	SessionID     string
	Status        derive.Status
	ArtifactID    string
	Connected     bool
	Polling       bool
	Reconnecting  bool
	Attempt       int
	PauseReason   string
	PausedAtPhase int
	View          derive.View
	Events        []event.Event

	// ConfirmingPause is set while a pause read from the stream is being
	// checked against the status endpoint. It may still turn out resolved.
	ConfirmingPause bool
}

// Settled reports whether the session has reached a status that needs no
// further stream input: complete, error, or a confirmed pause.
func (s Snapshot) Settled() bool {
	return s.Status.IsTerminal() && !s.ConfirmingPause
}

type envelopeKind int

const (
	fromStream envelopeKind = iota
	fromPoll
	pauseChecked
)

type envelope struct {
	gen  uint64
	kind envelopeKind
	msg  transport.Message
	poll transport.PollResult

	// pause is the event a pauseChecked result was fetched for.
	pause event.Event
}

// Engine owns the event log, the transport adapter and the derived status
// for at most one session at a time.
type Engine struct {
	adapter transport.Adapter
	api     API
	poller  *transport.Poller
	opts    Options
	logger  *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan envelope

	// dialMu is held across a whole open so only one dial is in flight.
	// Lock order is dialMu then mu.
	dialMu sync.Mutex

	mu         sync.Mutex
	log        *event.Log
	memo       *derive.Memo
	status     derive.Status
	sessionID  string
	artifactID string
	polled     *client.StatusReport
	gen        uint64
	// fence is how many paused events have been resolved by a resume call.
	// Replayed pauses at or below it are history, not new pauses.
	fence      int
	pausesSeen int
	// highWater is the longest the log has been for this session. Only an
	// event past it counts as progress.
	highWater  int
	attempt    int
	confirming bool
	stopRetry  func() bool
	closed     bool

	subMu  sync.Mutex
	subs   map[int]chan struct{}
	nextID int
}

// New creates an engine. api may be nil, which disables Start and the
// polling fallback.
func New(adapter transport.Adapter, api API, opts Options) *Engine {
	if opts.Reconnect == (ReconnectPolicy{}) {
		opts.Reconnect = DefaultReconnectPolicy()
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := event.NewLog()
	e := &Engine{
		adapter: adapter,
		api:     api,
		opts:    opts,
		logger:  logging.OrDiscard(opts.Logger),
		ctx:     ctx,
		cancel:  cancel,
		inbox:   make(chan envelope, inboxSize),
		log:     l,
		memo:    derive.NewMemo(l),
		status:  derive.StatusIdle,
		subs:    make(map[int]chan struct{}),
	}
	if api != nil {
		e.poller = transport.NewPoller(api, opts.PollInterval, e.logger)
	}
	return e
}

// Run consumes inbound messages until ctx is cancelled or the engine is
// closed.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.ctx.Done():
			return ErrClosed
		case env := <-e.inbox:
			e.apply(env)
		}
	}
}

// Close tears down the connection and stops Run. The engine is unusable
// afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.teardownLocked()
	e.mu.Unlock()
	e.cancel()
}

// Attach points the engine at sessionID, applying the reconciler's decision.
func (e *Engine) Attach(ctx context.Context, sessionID string) (Action, error) {
	if sessionID == "" {
		return ActionNoop, ErrNoSession
	}

	action := ActionNoop
	err := e.open(ctx, func() error {
		if e.closed {
			return ErrClosed
		}
		action = Reconcile(sessionID, e.stateLocked())
		e.logger.Debug("attach", "session", sessionID, "action", action, "status", e.status)
		switch action {
		case ActionReconnect:
			e.attempt = 0
		case ActionSwitch:
			e.resetLocked()
			e.sessionID = sessionID
		default:
			return errSkipDial
		}
		return nil
	})
	if errors.Is(err, errSkipDial) {
		err = nil
	}
	return action, err
}

// Start asks the API for a new session and attaches to it.
func (e *Engine) Start(ctx context.Context, req client.StartRequest) (string, error) {
	if e.api == nil {
		return "", fmt.Errorf("start: no api configured")
	}
	id, err := e.api.StartGeneration(ctx, req)
	if err != nil {
		return "", fmt.Errorf("start generation: %w", err)
	}
	if _, err := e.Attach(ctx, id); err != nil {
		return id, err
	}
	return id, nil
}

// Detach closes the live connection but keeps the session, log and status,
// so a later Attach to the same id can reconnect in place.
func (e *Engine) Detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked()
	e.notify()
}

// Reset discards all local session state and returns to idle. The
// server-side session is unaffected.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
	e.notify()
}

// Reconnect reopens the stream after the server accepted a resume. Every
// pause seen so far is marked resolved before the log is reset, so the
// replayed history does not pause the session again.
func (e *Engine) Reconnect(ctx context.Context) error {
	return e.open(ctx, func() error {
		if e.closed {
			return ErrClosed
		}
		if e.sessionID == "" {
			return ErrNoSession
		}
		if e.status != derive.StatusPaused {
			return fmt.Errorf("%w (status %s)", ErrNotPaused, e.status)
		}
		e.fence = e.pausesSeen
		if e.polled != nil && e.polled.Status == string(derive.StatusPaused) {
			// The pause was only observed by polling, so the log does not hold it.
			e.fence++
		}
		e.attempt = 0
		return nil
	})
}

// Snapshot returns a copy of the current state and derived views.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	view := e.memo.View()
	s := Snapshot{
		SessionID:       e.sessionID,
		Status:          e.status,
		ArtifactID:      e.artifactID,
		Connected:       e.adapter.IsOpen(),
		Polling:         e.poller != nil && e.poller.Active(),
		Reconnecting:    e.stopRetry != nil,
		Attempt:         e.attempt,
		ConfirmingPause: e.confirming,
		View:            view,
		Events:          e.log.Events(),
	}
	if view.Pause != nil {
		s.PauseReason = view.Pause.Reason
		s.PausedAtPhase = view.Pause.PhaseNumber
	}
	if e.polled != nil && e.status == derive.StatusPaused && e.polled.PauseReason != "" {
		s.PauseReason = e.polled.PauseReason
		s.PausedAtPhase = e.polled.PausedAtPhase
	}
	if s.ArtifactID == "" {
		s.ArtifactID = view.ArtifactID
	}
	return s
}

// Subscribe returns a channel that receives a value whenever state changes.
// Notifications coalesce; read Snapshot after each one.
func (e *Engine) Subscribe() (<-chan struct{}, func()) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	id := e.nextID
	e.nextID++
	ch := make(chan struct{}, 1)
	e.subs[id] = ch
	return ch, func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		delete(e.subs, id)
	}
}

func (e *Engine) notify() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) stateLocked() State {
	return State{
		SessionID: e.sessionID,
		Status:    e.status,
		Connected: e.adapter.IsOpen(),
	}
}

// open resets the log and dials a fresh stream. The server replays the full
// history on every connection, so the two always go together.
//
// prepare runs under the engine lock and decides whether to dial at all.
// The dial itself runs unlocked; if the engine was detached, reset or
// closed meanwhile the new connection is dropped.
func (e *Engine) open(ctx context.Context, prepare func() error) error {
	e.dialMu.Lock()
	defer e.dialMu.Unlock()

	e.mu.Lock()
	if err := prepare(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.cancelRetryLocked()
	if e.poller != nil {
		e.poller.Stop()
	}
	e.log.Reset()
	e.pausesSeen = 0
	e.polled = nil
	e.artifactID = ""
	e.confirming = false
	e.status = derive.StatusRunning
	e.gen++
	gen := e.gen
	target := transport.Target{SessionID: e.sessionID, Token: e.opts.Token}
	e.mu.Unlock()
	e.notify()

	err := e.adapter.Open(ctx, target, e.sinkFor(gen))

	e.mu.Lock()
	defer e.notify()
	defer e.mu.Unlock()
	if gen != e.gen {
		// dialMu is held, so whatever the adapter has open is this dial's.
		if err == nil {
			e.adapter.Close()
		}
		if e.closed {
			return ErrClosed
		}
		e.logger.Debug("dial superseded", "session", target.SessionID)
		return nil
	}
	if err != nil {
		e.logger.Warn("stream open failed", "session", e.sessionID, "attempt", e.attempt, "err", err)
		e.connectionLostLocked(err)
		return fmt.Errorf("open stream: %w", err)
	}
	return nil
}

// reopen dials again for a retry or after a replayed pause turned out to be
// resolved. It does nothing if anything changed since gen was taken.
func (e *Engine) reopen(gen uint64, want derive.Status) {
	_ = e.open(e.ctx, func() error {
		if e.closed || gen != e.gen || e.status != want || e.sessionID == "" {
			return errSkipDial
		}
		e.stopRetry = nil
		e.logger.Info("reconnecting", "session", e.sessionID, "attempt", e.attempt)
		return nil
	})
}

func (e *Engine) sinkFor(gen uint64) transport.Sink {
	return func(m transport.Message) {
		e.post(envelope{gen: gen, kind: fromStream, msg: m})
	}
}

func (e *Engine) post(env envelope) {
	select {
	case e.inbox <- env:
	case <-e.ctx.Done():
	}
}

// teardownLocked stops every source of inbound messages.
func (e *Engine) teardownLocked() {
	e.cancelRetryLocked()
	if e.poller != nil {
		e.poller.Stop()
	}
	e.adapter.Close()
	e.gen++
	// A pending pause check carries the old gen and will be dropped.
	e.confirming = false
}

func (e *Engine) resetLocked() {
	e.teardownLocked()
	e.log.Reset()
	e.status = derive.StatusIdle
	e.sessionID = ""
	e.artifactID = ""
	e.polled = nil
	e.fence = 0
	e.pausesSeen = 0
	e.highWater = 0
	e.attempt = 0
}

func (e *Engine) cancelRetryLocked() {
	if e.stopRetry != nil {
		e.stopRetry()
		e.stopRetry = nil
	}
}

// apply handles one inbound message under the lock.
func (e *Engine) apply(env envelope) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if env.gen != e.gen {
		return
	}

	switch env.kind {
	case fromStream:
		switch env.msg.Kind {
		case transport.KindEvent:
			if e.status == derive.StatusPaused && !e.adapter.IsOpen() {
				e.logger.Error("invariant violated: stream event while paused", "session", e.sessionID, "type", env.msg.Event.Type)
				return
			}
			e.appendLocked(env.msg.Event)
		case transport.KindClosed:
			e.logger.Warn("stream closed", "session", e.sessionID, "err", env.msg.Err)
			e.connectionLostLocked(env.msg.Err)
		}
	case pauseChecked:
		e.applyPauseCheckLocked(env.pause, env.poll)
	case fromPoll:
		e.applyPollLocked(env.poll)
	}
	e.notify()
}

func (e *Engine) appendLocked(ev event.Event) {
	e.log.Append(ev)
	// Replayed history is not progress: a server that replays and then drops
	// must still exhaust the policy.
	if n := e.log.Len(); n > e.highWater {
		e.highWater = n
		e.attempt = 0
	}

	if ev.Type == event.TypePaused {
		e.pausesSeen++
		if e.pausesSeen <= e.fence {
			return
		}
	}

	next, effect := derive.Next(e.status, ev)
	e.status = next
	if effect == derive.EffectTerminal {
		if ev.Type == event.TypeComplete {
			e.artifactID = ev.ArtifactID
		}
		e.logger.Info("session settled", "session", e.sessionID, "status", next)
		e.teardownLocked()
		if ev.Type == event.TypePaused && e.api != nil {
			e.checkPauseLocked(ev)
		}
	}
}

// checkPauseLocked asks the status endpoint whether a pause taken from the
// stream is still current. Without a fence (a fresh attach) a replayed pause
// may already have been resumed, possibly by another client.
func (e *Engine) checkPauseLocked(ev event.Event) {
	gen, id := e.gen, e.sessionID
	e.confirming = true
	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, pauseCheckTimeout)
		defer cancel()
		rep, err := e.api.Status(ctx, id)
		e.post(envelope{gen: gen, kind: pauseChecked, poll: transport.PollResult{Report: rep, Err: err}, pause: ev})
	}()
}

func (e *Engine) applyPauseCheckLocked(ev event.Event, r transport.PollResult) {
	e.confirming = false
	if e.status != derive.StatusPaused {
		return
	}
	if r.Err != nil {
		e.logger.Warn("could not confirm pause", "session", e.sessionID, "err", r.Err)
		return
	}
	if r.Report.Status == string(derive.StatusPaused) && samePause(ev, r.Report) {
		return
	}
	e.logger.Info("replayed pause already resolved", "session", e.sessionID, "remote", r.Report.Status)
	e.fence = e.pausesSeen
	go e.reopen(e.gen, derive.StatusPaused)
}

// samePause reports whether a polled pause can be the one in ev. Fields the
// server left empty match anything.
func samePause(ev event.Event, rep client.StatusReport) bool {
	if rep.PauseReason != "" && rep.PauseReason != ev.Reason {
		return false
	}
	if rep.PausedAtPhase != 0 && ev.PhaseNumber != 0 && rep.PausedAtPhase != ev.PhaseNumber {
		return false
	}
	return true
}

// connectionLostLocked applies the reconnect policy after an open failure
// or an unexpected drop.
func (e *Engine) connectionLostLocked(cause error) {
	if e.status != derive.StatusRunning {
		return
	}
	e.adapter.Close()
	e.gen++

	if e.attempt >= e.opts.Reconnect.MaxAttempts {
		e.startPollingLocked(cause)
		return
	}

	delay := e.opts.Reconnect.Delay(e.attempt)
	e.attempt++
	gen := e.gen
	e.cancelRetryLocked()
	e.stopRetry = e.opts.AfterFunc(delay, func() {
		e.reopen(gen, derive.StatusRunning)
	})
}

func (e *Engine) startPollingLocked(cause error) {
	if e.poller == nil {
		e.logger.Error("stream unavailable and no polling fallback", "session", e.sessionID, "err", cause)
		return
	}
	e.logger.Warn("falling back to status polling", "session", e.sessionID, "err", cause)
	gen := e.gen
	e.poller.Start(e.ctx, e.sessionID, func(r transport.PollResult) {
		e.post(envelope{gen: gen, kind: fromPoll, poll: r})
	})
}

func (e *Engine) applyPollLocked(r transport.PollResult) {
	if r.Err != nil {
		return
	}
	rep := r.Report
	switch derive.Status(rep.Status) {
	case derive.StatusComplete, derive.StatusError, derive.StatusPaused:
		e.polled = &rep
		e.status = derive.Status(rep.Status)
		if rep.ArtifactID != "" {
			e.artifactID = rep.ArtifactID
		}
		e.poller.Stop()
	}
}
