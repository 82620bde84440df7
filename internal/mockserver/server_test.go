package mockserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modforge/genwatch/internal/client"
	"github.com/modforge/genwatch/internal/derive"
	"github.com/modforge/genwatch/internal/engine"
	"github.com/modforge/genwatch/internal/event"
	"github.com/modforge/genwatch/internal/recovery"
	"github.com/modforge/genwatch/internal/transport"
)

const (
	stepsWithoutPause = 20
	modsPerRun        = 6
)

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server, *client.HTTPClient) {
	t.Helper()
	if opts.Step == 0 {
		opts.Step = 2 * time.Millisecond
	}
	s := New(opts)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hs.Close()
		s.Close()
	})
	return s, hs, client.NewHTTPClient(hs.URL, opts.Token)
}

func waitStatus(t *testing.T, api *client.HTTPClient, id, want string) client.StatusReport {
	t.Helper()
	var rep client.StatusReport
	require.Eventually(t, func() bool {
		var err error
		rep, err = api.Status(context.Background(), id)
		return err == nil && rep.Status == want
	}, 5*time.Second, 5*time.Millisecond, "session never reached %s", want)
	return rep
}

// readStream opens a stream and collects n events.
func readStream(t *testing.T, base, id string, n int) []event.Event {
	t.Helper()
	ws := transport.NewWebSocket(func(id, token string) (string, error) {
		return client.StreamURL(base, id, token)
	}, nil)
	ch := make(chan transport.Message, 64)
	require.NoError(t, ws.Open(context.Background(), transport.Target{SessionID: id}, func(m transport.Message) { ch <- m }))
	defer ws.Close()

	var out []event.Event
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case m := <-ch:
			require.Equal(t, transport.KindEvent, m.Kind, "unexpected close: %v", m.Err)
			out = append(out, m.Event)
		case <-timeout:
			t.Fatalf("got %d of %d events", len(out), n)
		}
	}
	return out
}

func TestRunCompletesAndReplays(t *testing.T) {
	_, hs, api := newTestServer(t, Options{})

	id, err := api.StartGeneration(context.Background(), client.StartRequest{Prompt: "kitchen sink"})
	require.NoError(t, err)

	rep := waitStatus(t, api, id, "complete")
	assert.Equal(t, artifactFor(id), rep.ArtifactID)

	first := readStream(t, hs.URL, id, stepsWithoutPause)
	second := readStream(t, hs.URL, id, stepsWithoutPause)
	assert.Equal(t, first, second, "every connection replays the same history")

	view := derive.Compute(first)
	assert.Equal(t, modsPerRun, view.ModsAdded)
	assert.Equal(t, derive.StatusComplete, derive.Fold(first))
}

func TestErrorPattern(t *testing.T) {
	_, _, api := newTestServer(t, Options{})
	id, err := api.StartGeneration(context.Background(), client.StartRequest{Prompt: "please fail"})
	require.NoError(t, err)
	waitStatus(t, api, id, "error")
}

func TestCredentialPause(t *testing.T) {
	s, _, api := newTestServer(t, Options{PauseForCredential: true, Provider: "anthropic"})
	ctx := context.Background()

	id, err := api.StartGeneration(ctx, client.StartRequest{Prompt: "tech"})
	require.NoError(t, err)

	rep := waitStatus(t, api, id, "paused")
	assert.Equal(t, "anthropic: invalid api key", rep.PauseReason)
	assert.Equal(t, 2, rep.PausedAtPhase)

	err = api.Resume(ctx, id)
	require.Error(t, err, "resume without the credential is refused")
	assert.ErrorIs(t, err, client.ErrRequest)

	require.NoError(t, api.UpdateCredential(ctx, "anthropic", "sk-ant-test"))
	assert.True(t, s.HasCredential("anthropic"))
	require.NoError(t, api.Resume(ctx, id))

	waitStatus(t, api, id, "complete")
	err = api.Resume(ctx, id)
	assert.Error(t, err, "resume of a finished run is refused")
}

func TestAuth(t *testing.T) {
	_, hs, api := newTestServer(t, Options{Token: "tok"})

	resp, err := http.Post(hs.URL+"/api/generations", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	id, err := api.StartGeneration(context.Background(), client.StartRequest{})
	require.NoError(t, err)

	_, err = client.NewHTTPClient(hs.URL, "wrong").Status(context.Background(), id)
	assert.ErrorIs(t, err, client.ErrUnauthorized)
}

func TestUnknownSession(t *testing.T) {
	_, _, api := newTestServer(t, Options{})
	_, err := api.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, client.ErrNotFound)
}

// newEngine wires the real client stack to a test server.
func newEngine(t *testing.T, base string, api *client.HTTPClient) *engine.Engine {
	t.Helper()
	ws := transport.NewWebSocket(func(id, token string) (string, error) {
		return client.StreamURL(base, id, token)
	}, nil)
	e := engine.New(ws, api, engine.Options{
		Token:        api.Token(),
		Reconnect:    engine.ReconnectPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, MaxAttempts: 5},
		PollInterval: 20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	t.Cleanup(func() {
		cancel()
		e.Close()
	})
	return e
}

func waitEngine(t *testing.T, e *engine.Engine, cond func(engine.Snapshot) bool) engine.Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return cond(e.Snapshot()) }, 5*time.Second, 5*time.Millisecond)
	return e.Snapshot()
}

func TestEngineRecoversFromCredentialPause(t *testing.T) {
	_, hs, api := newTestServer(t, Options{PauseForCredential: true, Provider: "anthropic", Token: "tok"})
	e := newEngine(t, hs.URL, api)
	ctx := context.Background()

	id, err := e.Start(ctx, client.StartRequest{Prompt: "tech"})
	require.NoError(t, err)

	snap := waitEngine(t, e, func(s engine.Snapshot) bool { return s.Status == derive.StatusPaused && s.Settled() })
	assert.False(t, snap.Connected)
	assert.Equal(t, "anthropic: invalid api key", snap.PauseReason)

	rc := recovery.NewController(api, e, nil)
	form, ok := rc.Form()
	require.True(t, ok)
	require.Equal(t, recovery.KindCredential, form.Kind)

	err = rc.Submit(ctx, map[string]string{recovery.FieldValue: "sk-ant-test"})
	require.NoError(t, err)

	snap = waitEngine(t, e, func(s engine.Snapshot) bool { return s.Status == derive.StatusComplete })
	assert.Equal(t, id, snap.SessionID)
	assert.Equal(t, artifactFor(id), snap.ArtifactID)
	assert.Len(t, snap.Events, stepsWithoutPause+2, "replay after resume must not duplicate events")
	assert.Equal(t, modsPerRun, snap.View.ModsAdded)
}

func TestEngineColdAttachAfterResume(t *testing.T) {
	_, hs, api := newTestServer(t, Options{PauseForCredential: true, Provider: "anthropic", Token: "tok"})
	ctx := context.Background()

	// Paused and resumed by another client before this engine ever attaches.
	id, err := api.StartGeneration(ctx, client.StartRequest{Prompt: "tech"})
	require.NoError(t, err)
	waitStatus(t, api, id, "paused")
	require.NoError(t, api.UpdateCredential(ctx, "anthropic", "sk-ant-test"))
	require.NoError(t, api.Resume(ctx, id))
	waitStatus(t, api, id, "complete")

	e := newEngine(t, hs.URL, api)
	_, err = e.Attach(ctx, id)
	require.NoError(t, err)

	snap := waitEngine(t, e, func(s engine.Snapshot) bool { return s.Status == derive.StatusComplete })
	assert.Equal(t, artifactFor(id), snap.ArtifactID)
	assert.Len(t, snap.Events, stepsWithoutPause+2)
	assert.Equal(t, modsPerRun, snap.View.ModsAdded)
}

func TestEngineReconnectsAfterDrop(t *testing.T) {
	s, hs, api := newTestServer(t, Options{Step: 15 * time.Millisecond})
	e := newEngine(t, hs.URL, api)

	id, err := e.Start(context.Background(), client.StartRequest{Prompt: "tech"})
	require.NoError(t, err)

	waitEngine(t, e, func(s engine.Snapshot) bool { return len(s.Events) >= 5 })
	require.Equal(t, 1, s.DropStreams(id))

	snap := waitEngine(t, e, func(s engine.Snapshot) bool { return s.Status == derive.StatusComplete })
	assert.Len(t, snap.Events, stepsWithoutPause)
	assert.Equal(t, modsPerRun, snap.View.ModsAdded)
}

func TestEngineFallsBackToPolling(t *testing.T) {
	_, _, api := newTestServer(t, Options{})
	id, err := api.StartGeneration(context.Background(), client.StartRequest{})
	require.NoError(t, err)

	// Streams always fail to dial; the status endpoint still works.
	ws := transport.NewWebSocket(func(string, string) (string, error) {
		return "", errors.New("stream disabled")
	}, nil)
	e := engine.New(ws, api, engine.Options{
		Reconnect:    engine.ReconnectPolicy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 2},
		PollInterval: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer e.Close()
	go e.Run(ctx)

	_, err = e.Attach(ctx, id)
	require.Error(t, err)

	snap := waitEngine(t, e, func(s engine.Snapshot) bool { return s.Status == derive.StatusComplete })
	assert.Equal(t, artifactFor(id), snap.ArtifactID)
}
