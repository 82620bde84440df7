package mockserver

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/modforge/genwatch/internal/client"
	"github.com/modforge/genwatch/internal/event"
)

// run is one mock generation. Its history is the canonical event log that
// every new stream connection replays in full.
type run struct {
	id       string
	provider string
	steps    []step
	logger   *log.Logger

	mu          sync.Mutex
	history     [][]byte
	status      string
	pausedAt    int
	pauseReason string
	artifactID  string
	phase       int
	clients     map[*streamClient]bool
	resume      chan struct{}
}

func newRun(id, provider string, steps []step, logger *log.Logger) *run {
	return &run{
		id:       id,
		provider: provider,
		steps:    steps,
		logger:   logger.With("session", id),
		status:   "running",
		clients:  make(map[*streamClient]bool),
		resume:   make(chan struct{}, 1),
	}
}

// emit appends ev to the history and fans it out to every connected client.
func (r *run) emit(ev event.Event) {
	ev.Timestamp = event.Timestamp{Time: time.Now().UTC()}
	data, err := event.Encode(ev)
	if err != nil {
		r.logger.Error("encode event", "type", ev.Type, "err", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, data)
	if ev.Type == event.TypePhaseStart {
		r.phase = ev.PhaseNumber
	}
	switch ev.Type {
	case event.TypeComplete:
		r.status = "complete"
		r.artifactID = ev.ArtifactID
	case event.TypeError:
		r.status = "error"
	case event.TypePaused:
		r.status = "paused"
		r.pausedAt = ev.PhaseNumber
		r.pauseReason = ev.Reason
	case event.TypeResumed:
		r.status = "running"
		r.pausedAt = 0
		r.pauseReason = ""
	}

	for c := range r.clients {
		if !c.enqueue(data) {
			r.logger.Warn("stream client too slow, disconnecting")
			delete(r.clients, c)
			c.close()
		}
	}
}

// attach registers a client and queues the full history for it. Holding the
// lock keeps the replay and the live tail free of gaps and duplicates.
func (r *run) attach(conn *websocket.Conn) *streamClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := newStreamClient(conn, len(r.history)+sendBuffer)
	for _, data := range r.history {
		c.enqueue(data)
	}
	r.clients[c] = true
	return c
}

func (r *run) detach(c *streamClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients[c] {
		delete(r.clients, c)
		c.close()
	}
}

// dropClients closes every stream connection without ending the run.
func (r *run) dropClients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.clients)
	for c := range r.clients {
		delete(r.clients, c)
		c.close()
	}
	return n
}

func (r *run) report() client.StatusReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return client.StatusReport{
		Status:        r.status,
		ArtifactID:    r.artifactID,
		PausedAtPhase: r.pausedAt,
		PauseReason:   r.pauseReason,
	}
}

func (r *run) currentPhase() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

func (r *run) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status == "paused"
}

func (r *run) clientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *run) historyLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.history)
}
