// Package timeline renders the session event log: a spring-animated progress
// bar, the current phase, flags and the most recent events.
package timeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"

	"github.com/modforge/genwatch/internal/derive"
	"github.com/modforge/genwatch/internal/event"
	"github.com/modforge/genwatch/internal/theme"
)

const (
	fps       = 60
	frequency = 6.0
	damping   = 1.0
	// settle is how close the bar must be to its target to stop animating.
	settle = 0.05
)

// FrameMsg advances the progress animation by one frame.
type FrameMsg struct{}

// Model holds timeline state.
type Model struct {
	View   derive.View
	Events []event.Event
	Offset int // scroll offset (from bottom)

	spring   harmonica.Spring
	shown    float64
	velocity float64
	target   float64
	ticking  bool
}

// New creates an empty timeline.
func New() Model {
	return Model{spring: harmonica.NewSpring(harmonica.FPS(fps), frequency, damping)}
}

// SetData replaces the rendered events and returns a frame command if the
// progress bar needs to move.
func (m *Model) SetData(v derive.View, events []event.Event) tea.Cmd {
	m.View = v
	m.Events = events
	if len(events) == 0 {
		// A reset or reopen snaps back rather than animating down.
		m.shown, m.velocity, m.target = 0, 0, 0
		m.Offset = 0
		return nil
	}
	m.target = v.Progress
	return m.animate()
}

// Update steps the spring on each frame.
func (m *Model) Update(msg tea.Msg) tea.Cmd {
	if _, ok := msg.(FrameMsg); !ok {
		return nil
	}
	m.ticking = false
	m.shown, m.velocity = m.spring.Update(m.shown, m.velocity, m.target)
	if m.settled() {
		m.shown, m.velocity = m.target, 0
		return nil
	}
	return m.animate()
}

// Progress returns the currently displayed percentage.
func (m Model) Progress() float64 {
	return m.shown
}

// Animating reports whether a frame is pending.
func (m Model) Animating() bool {
	return m.ticking
}

func (m Model) settled() bool {
	d := m.target - m.shown
	if d < 0 {
		d = -d
	}
	return d < settle && m.velocity < settle && m.velocity > -settle
}

func (m *Model) animate() tea.Cmd {
	if m.ticking || m.settled() {
		return nil
	}
	m.ticking = true
	return tea.Tick(time.Second/fps, func(time.Time) tea.Msg { return FrameMsg{} })
}

// ScrollUp moves the event list up.
func (m *Model) ScrollUp(n int) {
	m.Offset += n
	max := len(m.Events) - 1
	if max < 0 {
		max = 0
	}
	if m.Offset > max {
		m.Offset = max
	}
}

// ScrollDown moves the event list down.
func (m *Model) ScrollDown(n int) {
	m.Offset -= n
	if m.Offset < 0 {
		m.Offset = 0
	}
}

// Render draws the timeline into width x height.
func (m Model) Render(width, height int) string {
	if width < 30 {
		width = 30
	}
	if len(m.Events) == 0 {
		return theme.StyleDimmed.Render("  Waiting for events...")
	}

	header := []string{m.progressBar(width - 4), m.phaseLine()}
	if cats := m.categoryLine(); cats != "" {
		header = append(header, cats)
	}
	flags := m.flagLines(width - 4)
	header = append(header, flags...)
	header = append(header, "")

	visible := height - len(header)
	if visible < 3 {
		visible = 3
	}
	lines := append(header, m.eventLines(width-4, visible)...)
	return strings.Join(lines, "\n")
}

func (m Model) progressBar(width int) string {
	label := fmt.Sprintf(" %3.0f%%", m.shown)
	barW := width - len(label)
	if barW < 10 {
		barW = 10
	}
	filled := int(m.shown / 100 * float64(barW))
	if filled > barW {
		filled = barW
	}
	if filled < 0 {
		filled = 0
	}
	bar := lipgloss.NewStyle().Foreground(theme.ProgressColor(m.shown)).Render(strings.Repeat("█", filled)) +
		theme.StyleDimmed.Render(strings.Repeat("░", barW-filled))
	return bar + label
}

func (m Model) phaseLine() string {
	p := m.View.Phase
	if p == nil {
		return theme.StyleDimmed.Render("No phase yet")
	}
	mark := lipgloss.NewStyle().Foreground(theme.ColorPhase).Render("▸")
	if p.Done {
		mark = lipgloss.NewStyle().Foreground(theme.ColorComplete).Render("✓")
	}
	return fmt.Sprintf("%s %s %s", mark, theme.StyleHeader.Render(fmt.Sprintf("Phase %d", p.Number)), p.Name)
}

func (m Model) categoryLine() string {
	if len(m.View.Categories) == 0 {
		return ""
	}
	names := make([]string, 0, len(m.View.Categories))
	for name := range m.View.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s %d", name, m.View.Categories[name])
	}
	return theme.StyleDimmed.Render(strings.Join(parts, " · "))
}

func (m Model) flagLines(width int) []string {
	var out []string
	for _, f := range m.View.Flags {
		sev := lipgloss.NewStyle().Foreground(theme.SeverityColor(f.Severity)).Render("⚑ " + f.Code)
		msg := truncate(f.Message, width-len(f.Code)-4)
		out = append(out, sev+" "+msg)
	}
	return out
}

func (m Model) eventLines(width, visible int) []string {
	end := len(m.Events) - m.Offset
	start := end - visible
	if start < 0 {
		start = 0
	}
	if end < 0 {
		end = 0
	}
	var lines []string
	for i := start; i < end; i++ {
		ev := m.Events[i]
		seq := theme.StyleDimmed.Render(fmt.Sprintf("%4d", i+1))
		kind := lipgloss.NewStyle().Foreground(theme.EventColor(string(ev.Type))).Width(18).Render(string(ev.Type))
		lines = append(lines, fmt.Sprintf("%s %s %s", seq, kind, truncate(ev.Summary(), width-24)))
	}
	if m.Offset > 0 {
		lines = append(lines, theme.StyleDimmed.Render(fmt.Sprintf("     ↓ %d more", m.Offset)))
	}
	return lines
}

func truncate(s string, n int) string {
	if n < 4 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
