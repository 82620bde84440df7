package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modforge/genwatch/internal/client"
	"github.com/modforge/genwatch/internal/derive"
	"github.com/modforge/genwatch/internal/event"
	"github.com/modforge/genwatch/internal/transport"
)

// fakeAdapter records opens and lets the test push messages through the
// sink of the most recent connection.
type fakeAdapter struct {
	mu      sync.Mutex
	targets []transport.Target
	sinks   []transport.Sink
	open    bool
	closes  int
	openErr error
}

func (f *fakeAdapter) Open(ctx context.Context, target transport.Target, sink transport.Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open {
		f.open = false
		f.closes++
	}
	if f.openErr != nil {
		return f.openErr
	}
	f.targets = append(f.targets, target)
	f.sinks = append(f.sinks, sink)
	f.open = true
	return nil
}

func (f *fakeAdapter) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open {
		f.closes++
	}
	f.open = false
}

func (f *fakeAdapter) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeAdapter) opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.targets)
}

// emit delivers events on the latest connection's sink.
func (f *fakeAdapter) emit(evs ...event.Event) {
	f.mu.Lock()
	sink := f.sinks[len(f.sinks)-1]
	f.mu.Unlock()
	for _, ev := range evs {
		sink(transport.Message{Kind: transport.KindEvent, Event: ev})
	}
}

func (f *fakeAdapter) drop(err error) {
	f.mu.Lock()
	sink := f.sinks[len(f.sinks)-1]
	f.open = false
	f.mu.Unlock()
	sink(transport.Message{Kind: transport.KindClosed, Err: err})
}

type timer struct {
	fn      func()
	stopped bool
}

type manualTimers struct {
	mu      sync.Mutex
	pending []*timer
	delays  []time.Duration
}

func (m *manualTimers) after(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm := &timer{fn: f}
	m.delays = append(m.delays, d)
	m.pending = append(m.pending, tm)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		was := !tm.stopped
		tm.stopped = true
		return was
	}
}

// fire runs every scheduled callback that has not been stopped.
func (m *manualTimers) fire() {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	var due []func()
	for _, tm := range pending {
		if !tm.stopped {
			tm.stopped = true
			due = append(due, tm.fn)
		}
	}
	m.mu.Unlock()
	for _, f := range due {
		f()
	}
}

type fakeAPI struct {
	mu       sync.Mutex
	startID  string
	startErr error
	report   client.StatusReport
	calls    int
	// gate, when set, holds every Status call until it is closed.
	gate chan struct{}
}

func (a *fakeAPI) StartGeneration(ctx context.Context, req client.StartRequest) (string, error) {
	return a.startID, a.startErr
}

func (a *fakeAPI) Status(ctx context.Context, id string) (client.StatusReport, error) {
	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return client.StatusReport{}, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.report, nil
}

func (a *fakeAPI) statusCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// slowAdapter parks every Open until release is closed.
type slowAdapter struct {
	*fakeAdapter
	entered chan struct{}
	release chan struct{}
}

func (s *slowAdapter) Open(ctx context.Context, target transport.Target, sink transport.Sink) error {
	s.entered <- struct{}{}
	<-s.release
	return s.fakeAdapter.Open(ctx, target, sink)
}

func drain(e *Engine) int {
	n := 0
	for {
		select {
		case env := <-e.inbox:
			e.apply(env)
			n++
		default:
			return n
		}
	}
}

func newTestEngine(t *testing.T) (*Engine, *fakeAdapter, *manualTimers) {
	t.Helper()
	fa := &fakeAdapter{}
	timers := &manualTimers{}
	e := New(fa, nil, Options{
		Token:     "tok",
		Reconnect: ReconnectPolicy{BaseDelay: time.Second, MaxDelay: 4 * time.Second, MaxAttempts: 3},
		AfterFunc: timers.after,
	})
	t.Cleanup(e.Close)
	return e, fa, timers
}

// newCheckedEngine is a test engine whose stream pauses are checked
// against api.
func newCheckedEngine(t *testing.T, api *fakeAPI) (*Engine, *fakeAdapter, *manualTimers) {
	t.Helper()
	fa := &fakeAdapter{}
	timers := &manualTimers{}
	e := New(fa, api, Options{
		Token:        "tok",
		Reconnect:    ReconnectPolicy{BaseDelay: time.Second, MaxDelay: 4 * time.Second, MaxAttempts: 3},
		PollInterval: time.Hour,
		AfterFunc:    timers.after,
	})
	t.Cleanup(e.Close)
	return e, fa, timers
}

func phase(n int) event.Event {
	return event.Event{Type: event.TypePhaseStart, PhaseNumber: n, PhaseName: fmt.Sprintf("phase %d", n)}
}

func mod(name string) event.Event {
	return event.Event{Type: event.TypeModAdded, ModName: name}
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name   string
		target string
		cur    State
		want   Action
	}{
		{"cold start", "gen-1", State{Status: derive.StatusIdle}, ActionSwitch},
		{"different session while running", "gen-2", State{SessionID: "gen-1", Status: derive.StatusRunning, Connected: true}, ActionSwitch},
		{"different session while paused", "gen-2", State{SessionID: "gen-1", Status: derive.StatusPaused}, ActionSwitch},
		{"same session connected", "gen-1", State{SessionID: "gen-1", Status: derive.StatusRunning, Connected: true}, ActionNoop},
		{"same session complete", "gen-1", State{SessionID: "gen-1", Status: derive.StatusComplete}, ActionNoop},
		{"same session error", "gen-1", State{SessionID: "gen-1", Status: derive.StatusError}, ActionNoop},
		{"same session paused", "gen-1", State{SessionID: "gen-1", Status: derive.StatusPaused}, ActionNoop},
		{"same session running torn down", "gen-1", State{SessionID: "gen-1", Status: derive.StatusRunning}, ActionReconnect},
		{"same session idle", "gen-1", State{SessionID: "gen-1", Status: derive.StatusIdle}, ActionReconnect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Reconcile(tt.target, tt.cur))
		})
	}
}

func TestColdStart(t *testing.T) {
	e, fa, _ := newTestEngine(t)
	assert.Equal(t, derive.StatusIdle, e.Snapshot().Status)

	action, err := e.Attach(context.Background(), "gen-1")
	require.NoError(t, err)
	assert.Equal(t, ActionSwitch, action)

	snap := e.Snapshot()
	assert.Equal(t, "gen-1", snap.SessionID)
	assert.Equal(t, derive.StatusRunning, snap.Status)
	assert.Empty(t, snap.Events)
	assert.True(t, snap.Connected)
	require.Len(t, fa.targets, 1)
	assert.Equal(t, transport.Target{SessionID: "gen-1", Token: "tok"}, fa.targets[0])
}

func TestAttachRejectsEmptyID(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Attach(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestDuplicateReplayAfterDrop(t *testing.T) {
	e, fa, timers := newTestEngine(t)
	_, err := e.Attach(context.Background(), "gen-1")
	require.NoError(t, err)

	fa.emit(phase(1), mod("A"), mod("B"))
	drain(e)
	require.Equal(t, 3, len(e.Snapshot().Events))

	fa.drop(errors.New("connection reset"))
	drain(e)
	snap := e.Snapshot()
	assert.Equal(t, derive.StatusRunning, snap.Status)
	assert.True(t, snap.Reconnecting)
	assert.Len(t, snap.Events, 3, "log is not rolled back by a drop")

	timers.fire()
	drain(e)
	require.Equal(t, 2, fa.opens())
	assert.Empty(t, e.Snapshot().Events, "reconnect resets before reopening")

	fa.emit(phase(1), mod("A"), mod("B"), mod("C"))
	drain(e)

	snap = e.Snapshot()
	assert.Len(t, snap.Events, 4)
	assert.Equal(t, 3, snap.View.ModsAdded)
	assert.Equal(t, 0, snap.Attempt)
}

func TestIdempotentReplay(t *testing.T) {
	history := []event.Event{
		phase(1), mod("A"), {Type: event.TypeFlag, FlagCode: "X"}, mod("B"),
		{Type: event.TypePatchAdded, PatchName: "p"}, phase(2), mod("C"),
	}

	single, fa, _ := newTestEngine(t)
	_, err := single.Attach(context.Background(), "gen-1")
	require.NoError(t, err)
	fa.emit(history...)
	drain(single)
	want := single.Snapshot()

	for n := 1; n <= 5; n++ {
		t.Run(fmt.Sprintf("%d reconnects", n), func(t *testing.T) {
			e, fa, _ := newTestEngine(t)
			_, err := e.Attach(context.Background(), "gen-1")
			require.NoError(t, err)
			for i := 0; i < n; i++ {
				fa.emit(history...)
				drain(e)
				e.Detach()
				_, err := e.Attach(context.Background(), "gen-1")
				require.NoError(t, err)
			}
			fa.emit(history...)
			drain(e)

			got := e.Snapshot()
			assert.Equal(t, want.View, got.View)
			assert.Equal(t, len(want.Events), len(got.Events))
		})
	}
}

func TestTerminalEventsCloseTransport(t *testing.T) {
	tests := []struct {
		ev   event.Event
		want derive.Status
	}{
		{event.Event{Type: event.TypeComplete, ArtifactID: "pack-7"}, derive.StatusComplete},
		{event.Event{Type: event.TypeError, Message: "search backend down"}, derive.StatusError},
		{event.Event{Type: event.TypePaused, Reason: "anthropic: invalid api key"}, derive.StatusPaused},
	}
	for _, tt := range tests {
		t.Run(string(tt.ev.Type), func(t *testing.T) {
			e, fa, _ := newTestEngine(t)
			_, err := e.Attach(context.Background(), "gen-1")
			require.NoError(t, err)

			fa.emit(phase(1), tt.ev, mod("late"))
			drain(e)

			snap := e.Snapshot()
			assert.Equal(t, tt.want, snap.Status)
			assert.False(t, snap.Connected)
			assert.False(t, fa.IsOpen())
			assert.Len(t, snap.Events, 2, "events after a terminal event are discarded")
			if tt.want == derive.StatusComplete {
				assert.Equal(t, "pack-7", snap.ArtifactID)
			}
		})
	}
}

func TestTerminalStateIsNoopOnAttach(t *testing.T) {
	e, fa, _ := newTestEngine(t)
	_, err := e.Attach(context.Background(), "gen-1")
	require.NoError(t, err)
	fa.emit(event.Event{Type: event.TypeComplete, ArtifactID: "x"})
	drain(e)

	action, err := e.Attach(context.Background(), "gen-1")
	require.NoError(t, err)
	assert.Equal(t, ActionNoop, action)
	assert.Equal(t, 1, fa.opens())
	assert.Len(t, e.Snapshot().Events, 1)
}

func TestAttachWhileConnectedIsNoop(t *testing.T) {
	e, fa, _ := newTestEngine(t)
	_, err := e.Attach(context.Background(), "gen-1")
	require.NoError(t, err)
	fa.emit(mod("A"))
	drain(e)

	action, err := e.Attach(context.Background(), "gen-1")
	require.NoError(t, err)
	assert.Equal(t, ActionNoop, action)
	assert.Equal(t, 1, fa.opens())
	assert.Len(t, e.Snapshot().Events, 1)
}

func TestReconnectInPlaceAfterDetach(t *testing.T) {
	e, fa, _ := newTestEngine(t)
	_, err := e.Attach(context.Background(), "gen-1")
	require.NoError(t, err)
	fa.emit(phase(1), mod("A"))
	drain(e)

	e.Detach()
	snap := e.Snapshot()
	assert.Equal(t, derive.StatusRunning, snap.Status)
	assert.False(t, snap.Connected)
	assert.Len(t, snap.Events, 2, "detach keeps the log for display")

	// A message from the detached connection must not land.
	fa.emit(mod("ghost"))
	drain(e)
	assert.Len(t, e.Snapshot().Events, 2)

	action, err := e.Attach(context.Background(), "gen-1")
	require.NoError(t, err)
	assert.Equal(t, ActionReconnect, action)
	assert.Equal(t, 2, fa.opens())
	assert.Empty(t, e.Snapshot().Events)
}

func TestSessionSwitchResetsFully(t *testing.T) {
	for _, last := range []event.Event{
		mod("still running"),
		{Type: event.TypeComplete, ArtifactID: "pack-a"},
		{Type: event.TypeError, Message: "boom"},
		{Type: event.TypePaused, Reason: "quota"},
	} {
		t.Run(string(last.Type), func(t *testing.T) {
			e, fa, _ := newTestEngine(t)
			_, err := e.Attach(context.Background(), "gen-a")
			require.NoError(t, err)
			fa.emit(phase(1), mod("A"), last)
			drain(e)

			action, err := e.Attach(context.Background(), "gen-b")
			require.NoError(t, err)
			assert.Equal(t, ActionSwitch, action)

			snap := e.Snapshot()
			assert.Equal(t, "gen-b", snap.SessionID)
			assert.Equal(t, derive.StatusRunning, snap.Status)
			assert.Empty(t, snap.Events)
			assert.Empty(t, snap.ArtifactID)
			assert.Empty(t, snap.PauseReason)
			assert.Equal(t, derive.View{}, snap.View)
			assert.Equal(t, "gen-b", fa.targets[len(fa.targets)-1].SessionID)
		})
	}
}

func TestResetReturnsToIdle(t *testing.T) {
	e, fa, _ := newTestEngine(t)
	_, err := e.Attach(context.Background(), "gen-1")
	require.NoError(t, err)
	fa.emit(mod("A"))
	drain(e)

	e.Reset()
	snap := e.Snapshot()
	assert.Equal(t, derive.StatusIdle, snap.Status)
	assert.Empty(t, snap.SessionID)
	assert.Empty(t, snap.Events)
	assert.False(t, fa.IsOpen())
}

func TestResumeReplaySkipsResolvedPause(t *testing.T) {
	e, fa, _ := newTestEngine(t)
	_, err := e.Attach(context.Background(), "gen-1")
	require.NoError(t, err)

	paused := event.Event{Type: event.TypePaused, Reason: "anthropic: invalid api key", PhaseNumber: 2}
	fa.emit(phase(1), mod("A"), phase(2), paused)
	drain(e)
	require.Equal(t, derive.StatusPaused, e.Snapshot().Status)
	require.False(t, fa.IsOpen())

	require.NoError(t, e.Reconnect(context.Background()))
	assert.Empty(t, e.Snapshot().Events)
	assert.True(t, fa.IsOpen())

	fa.emit(phase(1), mod("A"), phase(2), paused)
	drain(e)
	snap := e.Snapshot()
	assert.True(t, fa.IsOpen(), "a replayed, already resolved pause must not close the stream")
	assert.Len(t, snap.Events, 4)

	fa.emit(event.Event{Type: event.TypeResumed, PhaseNumber: 2})
	drain(e)
	snap = e.Snapshot()
	assert.Equal(t, derive.StatusRunning, snap.Status)
	assert.True(t, snap.Connected)

	// A genuinely new pause still pulls the plug.
	fa.emit(event.Event{Type: event.TypePaused, Reason: "rate limited"})
	drain(e)
	snap = e.Snapshot()
	assert.Equal(t, derive.StatusPaused, snap.Status)
	assert.Equal(t, "rate limited", snap.PauseReason)
	assert.False(t, fa.IsOpen())
}

func TestResumedWhileRunningKeepsConnection(t *testing.T) {
	e, fa, _ := newTestEngine(t)
	_, err := e.Attach(context.Background(), "gen-1")
	require.NoError(t, err)
	fa.emit(event.Event{Type: event.TypeResumed})
	drain(e)
	assert.Equal(t, derive.StatusRunning, e.Snapshot().Status)
	assert.True(t, fa.IsOpen())
}

func TestReconnectRequiresPaused(t *testing.T) {
	e, _, _ := newTestEngine(t)
	assert.ErrorIs(t, e.Reconnect(context.Background()), ErrNoSession)

	_, err := e.Attach(context.Background(), "gen-1")
	require.NoError(t, err)
	assert.ErrorIs(t, e.Reconnect(context.Background()), ErrNotPaused)
}

func TestUnknownEventAppends(t *testing.T) {
	e, fa, _ := newTestEngine(t)
	_, err := e.Attach(context.Background(), "gen-1")
	require.NoError(t, err)
	fa.emit(phase(1), mod("A"))
	drain(e)
	before := e.Snapshot()

	fa.emit(event.Event{Type: "future_event"})
	drain(e)
	after := e.Snapshot()

	assert.Equal(t, len(before.Events)+1, len(after.Events))
	assert.Equal(t, derive.StatusRunning, after.Status)
	after.View.Events = before.View.Events
	assert.Equal(t, before.View, after.View)
}

func TestBackoffThenPollingFallback(t *testing.T) {
	fa := &fakeAdapter{openErr: errors.New("refused")}
	timers := &manualTimers{}
	api := &fakeAPI{report: client.StatusReport{Status: "complete", ArtifactID: "pack-9"}}
	e := New(fa, api, Options{
		Reconnect:    ReconnectPolicy{BaseDelay: time.Second, MaxDelay: 3 * time.Second, MaxAttempts: 3},
		PollInterval: time.Millisecond,
		AfterFunc:    timers.after,
	})
	defer e.Close()

	_, err := e.Attach(context.Background(), "gen-1")
	require.Error(t, err)
	assert.Equal(t, derive.StatusRunning, e.Snapshot().Status)

	for i := 0; i < 3; i++ {
		timers.fire()
		drain(e)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, timers.delays)

	require.Eventually(t, func() bool {
		drain(e)
		return e.Snapshot().Status == derive.StatusComplete
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "pack-9", e.Snapshot().ArtifactID)
}

func TestPolledPauseFencesReplay(t *testing.T) {
	fa := &fakeAdapter{}
	timers := &manualTimers{}
	api := &fakeAPI{report: client.StatusReport{Status: "paused", PausedAtPhase: 2, PauseReason: "openai: unauthorized"}}
	e := New(fa, api, Options{
		Reconnect:    ReconnectPolicy{BaseDelay: time.Second, MaxAttempts: 1},
		PollInterval: time.Millisecond,
		AfterFunc:    timers.after,
	})
	defer e.Close()

	_, err := e.Attach(context.Background(), "gen-1")
	require.NoError(t, err)
	fa.emit(phase(1))
	drain(e)

	fa.openErr = errors.New("refused")
	fa.drop(errors.New("reset"))
	drain(e)
	timers.fire()
	drain(e)

	require.Eventually(t, func() bool {
		drain(e)
		return e.Snapshot().Status == derive.StatusPaused
	}, 5*time.Second, 5*time.Millisecond)
	snap := e.Snapshot()
	assert.Equal(t, "openai: unauthorized", snap.PauseReason)
	assert.Equal(t, 2, snap.PausedAtPhase)

	fa.openErr = nil
	require.NoError(t, e.Reconnect(context.Background()))
	fa.emit(phase(1), event.Event{Type: event.TypePaused, Reason: "openai: unauthorized"}, event.Event{Type: event.TypeResumed, PhaseNumber: 2})
	drain(e)
	assert.Equal(t, derive.StatusRunning, e.Snapshot().Status)
	assert.True(t, fa.IsOpen())
}

func TestStart(t *testing.T) {
	fa := &fakeAdapter{}
	api := &fakeAPI{startID: "gen-42"}
	e := New(fa, api, Options{})
	defer e.Close()

	id, err := e.Start(context.Background(), client.StartRequest{Prompt: "tech pack"})
	require.NoError(t, err)
	assert.Equal(t, "gen-42", id)
	assert.Equal(t, "gen-42", e.Snapshot().SessionID)

	api.startErr = errors.New("quota")
	_, err = e.Start(context.Background(), client.StartRequest{})
	assert.Error(t, err)
	assert.Equal(t, "gen-42", e.Snapshot().SessionID, "failed start leaves the current session alone")
}

func TestRunNotifiesSubscribers(t *testing.T) {
	e, fa, _ := newTestEngine(t)
	changes, cancel := e.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	_, err := e.Attach(context.Background(), "gen-1")
	require.NoError(t, err)
	fa.emit(phase(1), mod("A"), mod("B"))

	require.Eventually(t, func() bool {
		select {
		case <-changes:
		default:
		}
		return e.Snapshot().View.ModsAdded == 2
	}, 5*time.Second, 5*time.Millisecond)

	stop()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestReconnectPolicyDelay(t *testing.T) {
	p := ReconnectPolicy{BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		assert.Equal(t, w*time.Second, p.Delay(i), "attempt %d", i)
	}
	assert.Equal(t, time.Second, ReconnectPolicy{}.Delay(0))
}

func TestFreshAttachSkipsResolvedPause(t *testing.T) {
	api := &fakeAPI{report: client.StatusReport{Status: "running"}}
	e, fa, _ := newCheckedEngine(t, api)
	_, err := e.Attach(context.Background(), "gen-1")
	require.NoError(t, err)

	history := []event.Event{
		phase(1),
		{Type: event.TypePaused, Reason: "anthropic: invalid api key", PhaseNumber: 1},
		{Type: event.TypeResumed, PhaseNumber: 1},
		mod("A"),
	}
	fa.emit(history...)

	require.Eventually(t, func() bool {
		drain(e)
		return fa.opens() == 2
	}, 5*time.Second, 5*time.Millisecond, "a resolved pause must reopen the stream")

	fa.emit(history...)
	drain(e)

	snap := e.Snapshot()
	assert.Equal(t, derive.StatusRunning, snap.Status)
	assert.True(t, snap.Connected)
	assert.False(t, snap.ConfirmingPause)
	assert.Len(t, snap.Events, 4)
	assert.Equal(t, 1, snap.View.ModsAdded)
	assert.Equal(t, 1, api.statusCalls())
}

func TestFreshAttachStopsAtCurrentPause(t *testing.T) {
	api := &fakeAPI{report: client.StatusReport{Status: "paused", PausedAtPhase: 2, PauseReason: "openai: unauthorized"}}
	e, fa, _ := newCheckedEngine(t, api)
	_, err := e.Attach(context.Background(), "gen-1")
	require.NoError(t, err)

	history := []event.Event{
		phase(1),
		{Type: event.TypePaused, Reason: "anthropic: invalid api key", PhaseNumber: 1},
		{Type: event.TypeResumed, PhaseNumber: 1},
		phase(2),
		{Type: event.TypePaused, Reason: "openai: unauthorized", PhaseNumber: 2},
	}
	fa.emit(history...)
	require.Eventually(t, func() bool {
		drain(e)
		return fa.opens() == 2
	}, 5*time.Second, 5*time.Millisecond)

	fa.emit(history...)
	require.Eventually(t, func() bool {
		drain(e)
		s := e.Snapshot()
		return s.Status == derive.StatusPaused && !s.ConfirmingPause
	}, 5*time.Second, 5*time.Millisecond)

	snap := e.Snapshot()
	assert.Len(t, snap.Events, 5)
	assert.Equal(t, "openai: unauthorized", snap.PauseReason)
	assert.Equal(t, 2, snap.PausedAtPhase)
	assert.False(t, snap.Connected)
	assert.True(t, snap.Settled())
	assert.Equal(t, 2, fa.opens())
	assert.Equal(t, 2, api.statusCalls())

	// Resuming the current pause fences both.
	require.NoError(t, e.Reconnect(context.Background()))
	fa.emit(append(history, event.Event{Type: event.TypeResumed, PhaseNumber: 2})...)
	drain(e)
	snap = e.Snapshot()
	assert.Equal(t, derive.StatusRunning, snap.Status)
	assert.True(t, snap.Connected)
	assert.Len(t, snap.Events, 6)
}

func TestFreshAttachConfirmsLivePause(t *testing.T) {
	api := &fakeAPI{
		report: client.StatusReport{Status: "paused", PausedAtPhase: 1, PauseReason: "anthropic: invalid api key"},
		gate:   make(chan struct{}),
	}
	e, fa, _ := newCheckedEngine(t, api)
	_, err := e.Attach(context.Background(), "gen-1")
	require.NoError(t, err)

	fa.emit(phase(1), event.Event{Type: event.TypePaused, Reason: "anthropic: invalid api key", PhaseNumber: 1})
	drain(e)

	snap := e.Snapshot()
	assert.Equal(t, derive.StatusPaused, snap.Status)
	assert.True(t, snap.ConfirmingPause)
	assert.False(t, snap.Settled(), "an unconfirmed pause is not settled")
	assert.False(t, fa.IsOpen())

	close(api.gate)
	require.Eventually(t, func() bool {
		drain(e)
		return !e.Snapshot().ConfirmingPause
	}, 5*time.Second, 5*time.Millisecond)

	snap = e.Snapshot()
	assert.Equal(t, derive.StatusPaused, snap.Status)
	assert.True(t, snap.Settled())
	assert.Equal(t, 1, fa.opens())
}

func TestDetachDuringPauseCheckSettles(t *testing.T) {
	api := &fakeAPI{report: client.StatusReport{Status: "running"}, gate: make(chan struct{})}
	e, fa, _ := newCheckedEngine(t, api)
	_, err := e.Attach(context.Background(), "gen-1")
	require.NoError(t, err)

	fa.emit(phase(1), event.Event{Type: event.TypePaused, Reason: "quota", PhaseNumber: 1})
	drain(e)
	require.True(t, e.Snapshot().ConfirmingPause)

	e.Detach()
	assert.False(t, e.Snapshot().ConfirmingPause)

	close(api.gate)
	require.Eventually(t, func() bool { return api.statusCalls() == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	drain(e)
	assert.Equal(t, 1, fa.opens(), "a detached engine does not reopen")
	assert.Equal(t, derive.StatusPaused, e.Snapshot().Status)
}

func TestReplayThenDropExhaustsPolicy(t *testing.T) {
	api := &fakeAPI{report: client.StatusReport{Status: "running"}}
	e, fa, timers := newCheckedEngine(t, api)
	_, err := e.Attach(context.Background(), "gen-1")
	require.NoError(t, err)

	history := []event.Event{phase(1), mod("A"), mod("B")}
	fa.emit(history...)
	drain(e)

	for i := 0; i < 3; i++ {
		fa.drop(errors.New("connection reset"))
		drain(e)
		timers.fire()
		fa.emit(history...)
		drain(e)
		assert.Equal(t, i+1, e.Snapshot().Attempt, "replayed history is not progress")
	}
	fa.drop(errors.New("connection reset"))
	drain(e)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, timers.delays)
	assert.Equal(t, 4, fa.opens())
	snap := e.Snapshot()
	assert.True(t, snap.Polling)
	assert.False(t, snap.Reconnecting)
}

func TestNewEventResetsAttempts(t *testing.T) {
	e, fa, timers := newTestEngine(t)
	_, err := e.Attach(context.Background(), "gen-1")
	require.NoError(t, err)
	fa.emit(phase(1), mod("A"))
	drain(e)

	fa.drop(errors.New("connection reset"))
	drain(e)
	timers.fire()
	fa.emit(phase(1), mod("A"))
	drain(e)
	require.Equal(t, 1, e.Snapshot().Attempt)

	fa.emit(mod("B"))
	drain(e)
	assert.Equal(t, 0, e.Snapshot().Attempt)
}

func TestSnapshotDoesNotWaitForDial(t *testing.T) {
	sa := &slowAdapter{fakeAdapter: &fakeAdapter{}, entered: make(chan struct{}, 1), release: make(chan struct{})}
	e := New(sa, nil, Options{AfterFunc: (&manualTimers{}).after})
	defer e.Close()

	done := make(chan error, 1)
	go func() {
		_, err := e.Attach(context.Background(), "gen-1")
		done <- err
	}()
	<-sa.entered

	snaps := make(chan Snapshot, 1)
	go func() { snaps <- e.Snapshot() }()
	select {
	case snap := <-snaps:
		assert.Equal(t, "gen-1", snap.SessionID)
		assert.Equal(t, derive.StatusRunning, snap.Status)
		assert.False(t, snap.Connected)
	case <-time.After(time.Second):
		t.Fatal("Snapshot blocked while the stream was dialling")
	}

	close(sa.release)
	require.NoError(t, <-done)
	assert.True(t, e.Snapshot().Connected)
}

func TestDetachDuringDialDropsConnection(t *testing.T) {
	sa := &slowAdapter{fakeAdapter: &fakeAdapter{}, entered: make(chan struct{}, 1), release: make(chan struct{})}
	e := New(sa, nil, Options{AfterFunc: (&manualTimers{}).after})
	defer e.Close()

	done := make(chan error, 1)
	go func() {
		_, err := e.Attach(context.Background(), "gen-1")
		done <- err
	}()
	<-sa.entered

	e.Detach()
	close(sa.release)
	require.NoError(t, <-done)

	assert.False(t, sa.IsOpen())
	snap := e.Snapshot()
	assert.False(t, snap.Connected)
	assert.Equal(t, "gen-1", snap.SessionID)
}
