// Package transport owns the live connection to a session's event stream.
package transport

import (
	"context"
	"errors"

	"github.com/modforge/genwatch/internal/event"
)

// Target addresses one session stream.
type Target struct {
	SessionID string
	Token     string
}

// Kind distinguishes events from connection lifecycle signals.
type Kind int

const (
	KindEvent Kind = iota
	KindClosed
)

// Message is what an adapter delivers to its sink: either one decoded event
// or a notice that the connection ended on its own.
type Message struct {
	Kind  Kind
	Event event.Event
	Err   error
}

// Sink receives messages from the adapter's reader goroutine, in stream order.
type Sink func(Message)

// Adapter maintains zero or one open stream connections.
type Adapter interface {
	// Open closes any prior connection, then connects to target and starts
	// delivering decoded events to sink.
	Open(ctx context.Context, target Target, sink Sink) error
	// Close is idempotent and does not wait for the reader to exit.
	Close()
	// IsOpen reports whether a connection is currently held.
	IsOpen() bool
}

// ErrNoSession is returned when Open is called without a session id.
var ErrNoSession = errors.New("no session id")
