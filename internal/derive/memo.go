package derive

import "github.com/modforge/genwatch/internal/event"

// Memo caches the View of a log and recomputes it only when the log has
// grown or been reset since the last call.
type Memo struct {
	log    *event.Log
	resets uint64
	length int
	valid  bool
	view   View
}

// NewMemo returns a memo over l.
func NewMemo(l *event.Log) *Memo {
	return &Memo{log: l}
}

// View returns the current projection.
func (m *Memo) View() View {
	if m.valid && m.resets == m.log.Resets() && m.length == m.log.Len() {
		return m.view
	}
	m.view = Compute(m.log.Events())
	m.resets = m.log.Resets()
	m.length = m.log.Len()
	m.valid = true
	return m.view
}
