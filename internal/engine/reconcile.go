package engine

import "github.com/modforge/genwatch/internal/derive"

// Action is the reconciler's decision when a caller attaches to a session.
type Action int

const (
	// ActionNoop keeps the current connection and state.
	ActionNoop Action = iota
	// ActionReconnect resets the log and reopens the same session.
	ActionReconnect
	// ActionSwitch discards all local state and opens a different session.
	ActionSwitch
)

func (a Action) String() string {
	switch a {
	case ActionReconnect:
		return "reconnect"
	case ActionSwitch:
		return "switch"
	default:
		return "noop"
	}
}

// State is what the reconciler needs to know about the engine.
type State struct {
	SessionID string
	Status    derive.Status
	Connected bool
}

// Reconcile decides how to attach to target given the current state.
// Identity is checked before status.
func Reconcile(target string, cur State) Action {
	if target != cur.SessionID {
		return ActionSwitch
	}
	if cur.Connected {
		return ActionNoop
	}
	if cur.Status.IsTerminal() {
		return ActionNoop
	}
	// Running with the adapter torn down, or idle after a detach before any
	// connection succeeded.
	return ActionReconnect
}
