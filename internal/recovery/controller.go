package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/modforge/genwatch/internal/derive"
	"github.com/modforge/genwatch/internal/engine"
	"github.com/modforge/genwatch/internal/logging"
)

var (
	// ErrNotPaused is returned by Submit when the session is not paused.
	ErrNotPaused = errors.New("session is not paused")
	// ErrNotFailed is returned by Restart unless the session ended in error.
	ErrNotFailed = errors.New("session has not failed")
	// ErrMissingValue is returned when a credential form is submitted empty.
	ErrMissingValue = errors.New("credential value is required")
	// ErrBusy is returned when a submit is already in flight.
	ErrBusy = errors.New("recovery already in progress")
	// ErrCredentialSave wraps a failed credential update.
	ErrCredentialSave = errors.New("saving credential failed")
	// ErrResume wraps a rejected resume call.
	ErrResume = errors.New("resume failed")
)

// Remote is the part of the API recovery calls.
type Remote interface {
	UpdateCredential(ctx context.Context, name, value string) error
	Resume(ctx context.Context, sessionID string) error
}

// Session is the part of the engine recovery drives.
type Session interface {
	Snapshot() engine.Snapshot
	Reconnect(ctx context.Context) error
	Reset()
}

// Controller runs the pause, remediate, resume, reconnect sequence. It never
// touches the event log itself; only Session.Reconnect does, and only after
// the server accepted the resume.
type Controller struct {
	remote  Remote
	session Session
	logger  *log.Logger

	mu   sync.Mutex
	busy bool
}

// NewController returns a controller for session.
func NewController(remote Remote, session Session, logger *log.Logger) *Controller {
	return &Controller{
		remote:  remote,
		session: session,
		logger:  logging.OrDiscard(logger),
	}
}

// Form returns the form for the current pause. ok is false unless the
// session is paused.
func (c *Controller) Form() (Form, bool) {
	snap := c.session.Snapshot()
	if snap.Status != derive.StatusPaused || snap.ConfirmingPause {
		return Form{}, false
	}
	return FormFor(Classify(snap.PauseReason)), true
}

// Busy reports whether a Submit is running.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Submit resolves the current pause with the given form values. On any
// failure the session stays paused and the error says which step failed.
func (c *Controller) Submit(ctx context.Context, values map[string]string) error {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	c.busy = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	snap := c.session.Snapshot()
	if snap.Status != derive.StatusPaused || snap.ConfirmingPause {
		return fmt.Errorf("%w (status %s)", ErrNotPaused, snap.Status)
	}
	cls := Classify(snap.PauseReason)
	logger := c.logger.With("session", snap.SessionID, "kind", cls.Kind)

	if cls.Kind == KindCredential {
		value := strings.TrimSpace(values[FieldValue])
		if value == "" {
			return ErrMissingValue
		}
		if err := c.remote.UpdateCredential(ctx, cls.Credential, value); err != nil {
			logger.Warn("credential update failed", "credential", cls.Credential, "err", err)
			return fmt.Errorf("%w: %w", ErrCredentialSave, err)
		}
		logger.Info("credential saved", "credential", cls.Credential)
	}

	if err := c.remote.Resume(ctx, snap.SessionID); err != nil {
		logger.Warn("resume rejected", "err", err)
		return fmt.Errorf("%w: %w", ErrResume, err)
	}

	if err := c.session.Reconnect(ctx); err != nil {
		// The server has resumed; the engine keeps retrying the stream on
		// its own policy.
		logger.Warn("reconnect after resume failed", "err", err)
		return fmt.Errorf("reconnect: %w", err)
	}
	logger.Info("session resumed")
	return nil
}

// Restart discards a failed session so the user can start over.
func (c *Controller) Restart() error {
	snap := c.session.Snapshot()
	if snap.Status != derive.StatusError {
		return fmt.Errorf("%w (status %s)", ErrNotFailed, snap.Status)
	}
	c.logger.Info("starting over", "session", snap.SessionID)
	c.session.Reset()
	return nil
}
