package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/modforge/genwatch/internal/event"
	"github.com/modforge/genwatch/internal/logging"
)

const (
	writeTimeout     = 10 * time.Second
	pongTimeout      = 60 * time.Second
	pingInterval     = 30 * time.Second
	handshakeTimeout = 15 * time.Second
)

// URLFunc builds the stream URL for a target. The token must be carried in
// the URL itself.
type URLFunc func(sessionID, token string) (string, error)

// WebSocket is an Adapter backed by a gorilla websocket connection.
type WebSocket struct {
	urlFor URLFunc
	dialer *websocket.Dialer
	logger *log.Logger

	openMu sync.Mutex // serialises Open so two dials cannot both win

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// NewWebSocket creates an adapter that dials URLs produced by urlFor.
func NewWebSocket(urlFor URLFunc, logger *log.Logger) *WebSocket {
	return &WebSocket{
		urlFor: urlFor,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		logger: logging.OrDiscard(logger),
	}
}

// Open implements Adapter.
func (w *WebSocket) Open(ctx context.Context, target Target, sink Sink) error {
	if target.SessionID == "" {
		return ErrNoSession
	}

	w.openMu.Lock()
	defer w.openMu.Unlock()

	w.Close()

	url, err := w.urlFor(target.SessionID, target.Token)
	if err != nil {
		return fmt.Errorf("stream url: %w", err)
	}

	conn, resp, err := w.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial stream: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial stream: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.conn = conn
	w.cancel = cancel
	w.mu.Unlock()

	w.logger.Debug("stream connected", "session", target.SessionID)

	go w.readPump(connCtx, conn, sink)
	go w.pingLoop(connCtx, conn)
	return nil
}

// Close implements Adapter.
func (w *WebSocket) Close() {
	w.mu.Lock()
	conn := w.conn
	cancel := w.cancel
	w.conn = nil
	w.cancel = nil
	w.mu.Unlock()

	if conn == nil {
		return
	}
	cancel()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}

// IsOpen implements Adapter.
func (w *WebSocket) IsOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

// readPump decodes one event per frame. Undecodable frames are logged and
// skipped; the connection stays up.
func (w *WebSocket) readPump(ctx context.Context, conn *websocket.Conn, sink Sink) {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				// Closed by us.
				return
			}
			w.mu.Lock()
			if w.conn == conn {
				w.conn = nil
				w.cancel = nil
			}
			w.mu.Unlock()
			conn.Close()

			sink(Message{Kind: KindClosed, Err: err})
			return
		}

		ev, err := event.Decode(data)
		if err != nil {
			w.logger.Warn("skipping undecodable frame", "err", err, "bytes", len(data))
			continue
		}
		if ctx.Err() != nil {
			return
		}
		sink(Message{Kind: KindEvent, Event: ev})
	}
}

// pingLoop sends periodic pings on conn until ctx is cancelled.
func (w *WebSocket) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				w.logger.Debug("ping failed", "err", err)
				return
			}
		}
	}
}
