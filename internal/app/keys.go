package app

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines all keyboard bindings for the TUI.
type KeyMap struct {
	Up       key.Binding
	Down     key.Binding
	Enter    key.Binding
	Escape   key.Binding
	Quit     key.Binding
	ForceQ   key.Binding
	Debug    key.Binding
	Filter   key.Binding
	Reattach key.Binding
	New      key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "scroll up"),
		),
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "scroll down"),
		),
		Enter: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "start / resume"),
		),
		Escape: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "close overlay"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		// ForceQ quits even while a text input has focus.
		ForceQ: key.NewBinding(
			key.WithKeys("ctrl+c"),
		),
		Debug: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "debug log"),
		),
		// Filter cycles the debug log through entry kinds.
		Filter: key.NewBinding(
			key.WithKeys("f"),
			key.WithHelp("f", "filter debug log"),
		),
		Reattach: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "reattach"),
		),
		New: key.NewBinding(
			key.WithKeys("n"),
			key.WithHelp("n", "start over"),
		),
	}
}
