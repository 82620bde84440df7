// Package debug is the diagnostics overlay. It lists connection changes,
// every event the engine appended, recovery steps and errors, each stamped
// with the session it belongs to. Events a reconnect delivered again are
// marked as replays.
package debug

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/modforge/genwatch/internal/event"
	"github.com/modforge/genwatch/internal/redact"
	"github.com/modforge/genwatch/internal/theme"
)

const maxEntries = 500

// Entry kinds.
const (
	KindEvent = "evt"
	KindConn  = "conn"
	KindError = "err"
	KindRecov = "rec"
)

// filterCycle is the order CycleFilter steps through. "" shows everything.
var filterCycle = []string{"", KindEvent, KindConn, KindRecov, KindError}

// Entry is a single log line.
type Entry struct {
	Time    time.Time
	Kind    string
	Session string // short id; empty before the first attach
	Message string

	// Event entries only.
	Seq      int // 1-based index in the session log
	Type     event.Type
	Replayed bool
}

// Model holds debug log state.
type Model struct {
	Entries []Entry
	Offset  int    // scroll offset from the bottom of the filtered list
	Filter  string // kind shown, or "" for all
	// Redact masks secrets in every added message.
	Redact redact.Filter

	session string
}

// New creates an empty debug model.
func New() Model {
	return Model{}
}

// SetSession stamps later entries with id.
func (m *Model) SetSession(id string) {
	if len(id) > 8 {
		id = id[:8]
	}
	m.session = id
}

// Add appends a log entry.
func (m *Model) Add(kind, message string) {
	m.push(Entry{Kind: kind, Message: message})
}

// Addf is Add with formatting.
func (m *Model) Addf(kind, format string, args ...any) {
	m.Add(kind, fmt.Sprintf(format, args...))
}

// AddEvent records the event at log index seq (1-based).
func (m *Model) AddEvent(seq int, ev event.Event, replayed bool) {
	m.push(Entry{
		Kind:     KindEvent,
		Message:  ev.Summary(),
		Seq:      seq,
		Type:     ev.Type,
		Replayed: replayed,
	})
}

func (m *Model) push(e Entry) {
	e.Time = time.Now()
	e.Session = m.session
	e.Message = m.Redact.String(e.Message)
	m.Entries = append(m.Entries, e)
	if len(m.Entries) > maxEntries {
		m.Entries = m.Entries[len(m.Entries)-maxEntries:]
	}
	m.Offset = 0
}

// CycleFilter shows the next kind, wrapping back to all.
func (m *Model) CycleFilter() {
	i := slices.Index(filterCycle, m.Filter)
	m.Filter = filterCycle[(i+1)%len(filterCycle)]
	m.Offset = 0
}

// Visible returns the entries that pass the filter, oldest first.
func (m Model) Visible() []Entry {
	if m.Filter == "" {
		return m.Entries
	}
	var out []Entry
	for _, e := range m.Entries {
		if e.Kind == m.Filter {
			out = append(out, e)
		}
	}
	return out
}

// Counts returns the number of entries per kind.
func (m Model) Counts() map[string]int {
	out := make(map[string]int, len(filterCycle))
	for _, e := range m.Entries {
		out[e.Kind]++
	}
	return out
}

// ScrollUp moves the viewport up.
func (m *Model) ScrollUp(n int) {
	m.Offset = min(m.Offset+n, max(len(m.Visible())-1, 0))
}

// ScrollDown moves the viewport down.
func (m *Model) ScrollDown(n int) {
	m.Offset = max(m.Offset-n, 0)
}

func panelStyle(width int) lipgloss.Style {
	return lipgloss.NewStyle().
		Width(width).
		Padding(1, 2).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder)
}

// View renders the log as an overlay panel. Rows are built from the bottom
// up; a divider is drawn wherever the session changes.
func (m Model) View(width, height int) string {
	innerW := max(width-4, 20)
	budget := max(height-7, 3)

	title := theme.StyleHeader.Render(" DEBUG LOG ")
	header := lipgloss.JoinHorizontal(lipgloss.Top, title, "  ", m.summary())
	help := theme.StyleDimmed.Render("j/k:scroll  f:filter  esc:close")

	vis := m.Visible()
	if len(vis) == 0 {
		msg := "  No entries recorded yet."
		if m.Filter != "" {
			msg = fmt.Sprintf("  No %s entries.", m.Filter)
		}
		content := lipgloss.JoinVertical(lipgloss.Left, header, "", theme.StyleDimmed.Render(msg), "", help)
		return panelStyle(innerW).Render(content)
	}

	end := max(len(vis)-m.Offset, 0)
	var lines []string
	for i := end - 1; i >= 0 && budget > 0; i-- {
		lines = append(lines, row(vis[i], innerW))
		budget--
		if i > 0 && vis[i-1].Session != vis[i].Session && budget > 0 {
			lines = append(lines, divider(vis[i].Session))
			budget--
		}
	}
	slices.Reverse(lines)

	more := ""
	if m.Offset > 0 {
		more = theme.StyleDimmed.Render(fmt.Sprintf(" ↓ %d more", m.Offset))
	}
	content := lipgloss.JoinVertical(lipgloss.Left, header, "", strings.Join(lines, "\n"), more, help)
	return panelStyle(innerW).Render(content)
}

func (m Model) summary() string {
	counts := m.Counts()
	var parts []string
	for _, k := range filterCycle[1:] {
		style := lipgloss.NewStyle().Foreground(kindToColor(k))
		parts = append(parts, style.Render(fmt.Sprintf("%s %d", k, counts[k])))
	}
	showing := "all"
	if m.Filter != "" {
		showing = m.Filter
	}
	sess := m.session
	if sess == "" {
		sess = "none"
	}
	return theme.StyleDimmed.Render("session "+sess+" · ") +
		strings.Join(parts, "  ") +
		theme.StyleDimmed.Render(" · showing "+showing)
}

// prefixWidth is the width of time, kind, seq and replay columns.
const prefixWidth = 12 + 1 + 4 + 1 + 5 + 1 + 1 + 1

func row(e Entry, width int) string {
	ts := theme.StyleDimmed.Render(e.Time.Format("15:04:05.000"))
	kind := lipgloss.NewStyle().Foreground(kindToColor(e.Kind)).Width(4).Render(e.Kind)

	seq, mark := "     ", " "
	msgStyle := lipgloss.NewStyle()
	if e.Kind == KindEvent && e.Seq > 0 {
		seq = theme.StyleDimmed.Render(fmt.Sprintf("#%04d", e.Seq))
		msgStyle = msgStyle.Foreground(theme.EventColor(string(e.Type)))
		if e.Replayed {
			mark = theme.StyleDimmed.Render("↺")
			msgStyle = msgStyle.Faint(true)
		}
	}
	msg := msgStyle.Render(truncate(e.Message, width-prefixWidth))
	return fmt.Sprintf("%s %s %s %s %s", ts, kind, seq, mark, msg)
}

func divider(session string) string {
	label := "no session"
	if session != "" {
		label = "session " + session
	}
	return theme.StyleDimmed.Render("── " + label + " ──")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:max(n, 0)])
	}
	return string(r[:n-3]) + "..."
}

func kindToColor(kind string) lipgloss.Color {
	switch kind {
	case KindEvent:
		return theme.ColorRunning
	case KindError:
		return theme.ColorErrored
	case KindConn:
		return theme.ColorPhase
	case KindRecov:
		return theme.ColorWarning
	default:
		return theme.ColorDimmed
	}
}
