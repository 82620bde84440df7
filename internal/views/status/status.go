package status

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/modforge/genwatch/internal/derive"
	"github.com/modforge/genwatch/internal/engine"
	"github.com/modforge/genwatch/internal/theme"
)

// Model holds the status bar state.
type Model struct {
	Snapshot engine.Snapshot
	// Spinner is the rendered spinner frame shown while running.
	Spinner string
	Width   int
}

// New creates a status bar model.
func New() Model {
	return Model{}
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}
	s := m.Snapshot

	st := string(s.Status)
	glyph := theme.StatusGlyph(st)
	if s.Status == derive.StatusRunning && m.Spinner != "" {
		glyph = m.Spinner
	}
	statusStr := lipgloss.NewStyle().Foreground(theme.StatusColor(st)).Bold(true).Render(glyph + " " + st)

	id := s.SessionID
	if id == "" {
		id = "no session"
	} else if len(id) > 12 {
		id = id[:12]
	}

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := statusStr + sep + theme.StyleHeader.Render(id) + sep + connection(s)

	if s.SessionID != "" {
		v := s.View
		content += sep + fmt.Sprintf("%d mods  %d patches  %d flags", v.ModsAdded, v.PatchesAdded, len(v.Flags))
		if v.ProviderRetries > 0 {
			content += sep + lipgloss.NewStyle().Foreground(theme.ColorWarning).Render(fmt.Sprintf("%d retries", v.ProviderRetries))
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}

func connection(s engine.Snapshot) string {
	switch {
	case s.Connected:
		return lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Live")
	case s.Polling:
		return lipgloss.NewStyle().Foreground(theme.ColorWarning).Render("◌ Polling")
	case s.Reconnecting:
		return lipgloss.NewStyle().Foreground(theme.ColorWarning).Render(fmt.Sprintf("○ Reconnecting (attempt %d)", s.Attempt))
	case s.Status.IsTerminal():
		return theme.StyleDimmed.Render("○ Closed")
	case s.SessionID == "":
		return theme.StyleDimmed.Render("○ Idle")
	default:
		return lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ Offline")
	}
}
