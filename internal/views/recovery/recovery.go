// Package recovery renders the pause recovery form: markdown help, one input
// per form field and the submit state.
package recovery

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	rec "github.com/modforge/genwatch/internal/recovery"
	"github.com/modforge/genwatch/internal/theme"
)

// Model holds the form state.
type Model struct {
	Form    rec.Form
	Busy    bool
	Err     error
	Spinner string

	inputs []textinput.Model
	open   bool
}

// New creates a closed form.
func New() Model {
	return Model{}
}

// Open shows form with empty inputs. The first input takes focus.
func (m *Model) Open(form rec.Form) tea.Cmd {
	m.Form = form
	m.Busy = false
	m.Err = nil
	m.open = true
	m.inputs = make([]textinput.Model, len(form.Fields))
	for i, f := range form.Fields {
		ti := textinput.New()
		ti.Placeholder = f.Placeholder
		ti.Prompt = f.Label + ": "
		ti.CharLimit = 512
		if f.Secret {
			ti.EchoMode = textinput.EchoPassword
			ti.EchoCharacter = '•'
		}
		m.inputs[i] = ti
	}
	if len(m.inputs) == 0 {
		return nil
	}
	return m.inputs[0].Focus()
}

// Close hides the form and drops any typed values.
func (m *Model) Close() {
	m.open = false
	m.inputs = nil
	m.Busy = false
	m.Err = nil
}

// IsOpen reports whether the form is shown.
func (m Model) IsOpen() bool {
	return m.open
}

// Values returns the typed values keyed by field key.
func (m Model) Values() map[string]string {
	out := make(map[string]string, len(m.inputs))
	for i, ti := range m.inputs {
		out[m.Form.Fields[i].Key] = ti.Value()
	}
	return out
}

// Update forwards key input to the focused field. Input is ignored while a
// submit is in flight.
func (m *Model) Update(msg tea.Msg) tea.Cmd {
	if !m.open || m.Busy {
		return nil
	}
	if k, ok := msg.(tea.KeyMsg); ok && k.String() == "tab" && len(m.inputs) > 1 {
		return m.focusNext()
	}
	var cmds []tea.Cmd
	for i := range m.inputs {
		var cmd tea.Cmd
		m.inputs[i], cmd = m.inputs[i].Update(msg)
		cmds = append(cmds, cmd)
	}
	return tea.Batch(cmds...)
}

func (m *Model) focusNext() tea.Cmd {
	cur := 0
	for i := range m.inputs {
		if m.inputs[i].Focused() {
			cur = i
		}
		m.inputs[i].Blur()
	}
	return m.inputs[(cur+1)%len(m.inputs)].Focus()
}

// View renders the form as a panel.
func (m Model) View(width int) string {
	innerW := width - 4
	if innerW < 30 {
		innerW = 30
	}

	title := lipgloss.NewStyle().Bold(true).Foreground(theme.ColorPaused).Render(m.Form.Title)
	parts := []string{title, renderHelp(m.Form.Help, innerW-4)}

	for _, ti := range m.inputs {
		parts = append(parts, ti.View())
	}

	switch {
	case m.Busy:
		parts = append(parts, "", m.Spinner+" Submitting...")
	case m.Err != nil:
		parts = append(parts, "", theme.StyleError.Render("✗ "+m.Err.Error()))
	}

	help := "enter:resume  esc:close"
	if m.Form.Kind == rec.KindCredential {
		help = "enter:save & resume  esc:close"
	}
	parts = append(parts, "", theme.StyleDimmed.Render(help))

	return lipgloss.NewStyle().
		Width(innerW).
		Padding(1, 2).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(theme.ColorPaused).
		Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

// renderHelp renders markdown help, falling back to the raw text.
func renderHelp(md string, width int) string {
	if md == "" {
		return ""
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n")
}
