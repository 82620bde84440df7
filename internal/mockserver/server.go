// Package mockserver is a stand-in generation API for demos and tests. It
// scripts a mod list run per session, replays the full event history on
// every stream connection and pauses for a provider credential until one is
// saved.
package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/modforge/genwatch/internal/client"
	"github.com/modforge/genwatch/internal/event"
	"github.com/modforge/genwatch/internal/logging"
)

// Options configures a Server.
type Options struct {
	// Token, when set, is required as ?token= or a Bearer header.
	Token string
	// Step is the delay between scripted events.
	Step time.Duration
	// Provider names the upstream model provider in events and pauses.
	Provider string
	// PauseForCredential pauses each run until a credential named after
	// Provider has been saved.
	PauseForCredential bool
	Logger             *log.Logger
}

type Server struct {
	opts     Options
	logger   *log.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	runs  map[string]*run
	creds map[string]string
}

func New(opts Options) *Server {
	if opts.Step <= 0 {
		opts.Step = 400 * time.Millisecond
	}
	if opts.Provider == "" {
		opts.Provider = "anthropic"
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:   opts,
		logger: logging.OrDiscard(opts.Logger),
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*run),
		creds:  make(map[string]string),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: checkOrigin}
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/generations", s.auth(s.handleStart))
	mux.HandleFunc("GET /api/generations/{id}/stream", s.auth(s.handleStream))
	mux.HandleFunc("POST /api/generations/{id}/resume", s.auth(s.handleResume))
	mux.HandleFunc("GET /api/generations/{id}/status", s.auth(s.handleStatus))
	mux.HandleFunc("PUT /api/credentials/{name}", s.auth(s.handleCredential))
	return mux
}

// Close stops every run. Open streams are left to their handlers.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

// DropStreams disconnects every stream client of a session, as a network
// failure would. It returns how many were dropped.
func (s *Server) DropStreams(sessionID string) int {
	r, ok := s.run(sessionID)
	if !ok {
		return 0
	}
	return r.dropClients()
}

// StreamClients returns the number of live stream connections of a session.
func (s *Server) StreamClients(sessionID string) int {
	r, ok := s.run(sessionID)
	if !ok {
		return 0
	}
	return r.clientCount()
}

// HasCredential reports whether a credential has been saved under name.
func (s *Server) HasCredential(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds[name] != ""
}

func (s *Server) run(id string) (*run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	return r, ok
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req client.StartRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	id := uuid.NewString()
	rn := newRun(id, s.opts.Provider, plan(req, s.opts.Provider, id), s.logger)
	s.mu.Lock()
	s.runs[id] = rn
	s.mu.Unlock()

	s.wg.Add(1)
	go s.drive(rn)

	s.logger.Info("generation started", "session", id, "prompt", req.Prompt)
	writeJSON(w, http.StatusCreated, client.StartResponse{SessionID: id})
}

// drive plays the scripted steps of one run.
func (s *Server) drive(rn *run) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.Step)
	defer ticker.Stop()

	for i := 0; i < len(rn.steps); {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		st := rn.steps[i]
		if st.gated && s.opts.PauseForCredential && !s.HasCredential(rn.provider) {
			phase := rn.currentPhase()
			rn.emit(event.Event{Type: event.TypePaused, Reason: credentialReason(rn.provider), PhaseNumber: phase})
			rn.logger.Info("paused for credential", "provider", rn.provider)
			select {
			case <-s.ctx.Done():
				return
			case <-rn.resume:
			}
			rn.emit(event.Event{Type: event.TypeResumed, PhaseNumber: phase})
			continue
		}
		rn.emit(st.ev)
		i++
	}
	rn.logger.Info("generation finished", "status", rn.report().Status)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	rn, ok := s.run(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade error", "err", err)
		return
	}

	c := rn.attach(conn)
	rn.logger.Debug("stream client connected", "remote", r.RemoteAddr, "replayed", rn.historyLen())
	defer func() {
		rn.detach(c)
		rn.logger.Debug("stream client disconnected", "remote", r.RemoteAddr)
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	rn, ok := s.run(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if !rn.isPaused() {
		writeJSON(w, http.StatusConflict, client.Ack{Message: "session is not paused"})
		return
	}
	if s.opts.PauseForCredential && !s.HasCredential(rn.provider) {
		writeJSON(w, http.StatusConflict, client.Ack{Message: fmt.Sprintf("credential %q is not set", rn.provider)})
		return
	}

	select {
	case rn.resume <- struct{}{}:
	default:
	}
	writeJSON(w, http.StatusOK, client.Ack{OK: true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rn, ok := s.run(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rn.report())
}

func (s *Server) handleCredential(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body client.CredentialUpdate
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.Value) == "" {
		writeJSON(w, http.StatusBadRequest, client.Ack{Message: "credential value is empty"})
		return
	}

	s.mu.Lock()
	s.creds[name] = body.Value
	s.mu.Unlock()
	s.logger.Info("credential saved", "name", name)
	writeJSON(w, http.StatusOK, client.Ack{OK: true})
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.opts.Token == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.opts.Token {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.opts.Token
}

func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ListenAndServe serves s on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, s *Server) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		s.Close()
	}()

	s.logger.Info("mock server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
