package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"

	"github.com/modforge/genwatch/internal/client"
	"github.com/modforge/genwatch/internal/derive"
	"github.com/modforge/genwatch/internal/engine"
	"github.com/modforge/genwatch/internal/logging"
	rec "github.com/modforge/genwatch/internal/recovery"
	"github.com/modforge/genwatch/internal/redact"
	"github.com/modforge/genwatch/internal/theme"
	"github.com/modforge/genwatch/internal/views/debug"
	recview "github.com/modforge/genwatch/internal/views/recovery"
	"github.com/modforge/genwatch/internal/views/status"
	"github.com/modforge/genwatch/internal/views/timeline"
)

// Overlay identifies which modal is active.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayDebug
	OverlayRecovery
)

// Engine is the session engine as the TUI drives it.
type Engine interface {
	Attach(ctx context.Context, sessionID string) (engine.Action, error)
	Start(ctx context.Context, req client.StartRequest) (string, error)
	Detach()
	Reset()
	Snapshot() engine.Snapshot
	Subscribe() (<-chan struct{}, func())
}

// Recoverer resolves pauses and failures.
type Recoverer interface {
	Form() (rec.Form, bool)
	Submit(ctx context.Context, values map[string]string) error
	Restart() error
}

// Options configures the root model.
type Options struct {
	// SessionID is attached on startup when set.
	SessionID string
	// Defaults fills the fields of a start request the prompt does not.
	Defaults client.StartRequest
	// Secrets are masked in the debug log and banners.
	Secrets []string
	Logger  *log.Logger
}

type changedMsg struct{}

type engineClosedMsg struct{}

type attachDoneMsg struct {
	id     string
	action engine.Action
	err    error
}

type startDoneMsg struct {
	id  string
	err error
}

type submitDoneMsg struct {
	err error
}

type restartDoneMsg struct {
	err error
}

// Model is the root Bubble Tea model.
type Model struct {
	engine   Engine
	recovery Recoverer
	opts     Options
	logger   *log.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	changes     <-chan struct{}
	unsubscribe func()

	keys    KeyMap
	width   int
	height  int
	overlay Overlay

	// Last observed engine state.
	snap engine.Snapshot
	// Log entries below this index were seen before the last reset.
	replayUpTo int

	// Sub-views.
	statusBar status.Model
	timeline  timeline.Model
	debug     debug.Model
	form      recview.Model
	prompt    textinput.Model
	spinner   spinner.Model
}

// New creates the root model and subscribes to engine changes.
func New(e Engine, r Recoverer, opts Options) Model {
	ctx, cancel := context.WithCancel(context.Background())
	changes, unsubscribe := e.Subscribe()

	prompt := textinput.New()
	prompt.Placeholder = "a tech-focused pack with automation and trains"
	prompt.Prompt = "› "
	prompt.CharLimit = 500
	prompt.Focus()

	dbg := debug.New()
	dbg.Redact = redact.Filter{Extra: opts.Secrets}

	return Model{
		engine:      e,
		recovery:    r,
		opts:        opts,
		logger:      logging.OrDiscard(opts.Logger),
		ctx:         ctx,
		cancel:      cancel,
		changes:     changes,
		unsubscribe: unsubscribe,
		keys:        DefaultKeyMap(),
		snap:        e.Snapshot(),
		statusBar:   status.New(),
		timeline:    timeline.New(),
		debug:       dbg,
		form:        recview.New(),
		prompt:      prompt,
		spinner:     spinner.New(spinner.WithSpinner(spinner.Dot)),
	}
}

// Init starts listening for engine changes and attaches the initial session.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.waitForChange(), m.spinner.Tick, textinput.Blink}
	if m.opts.SessionID != "" {
		cmds = append(cmds, m.attach(m.opts.SessionID))
	}
	return tea.Batch(cmds...)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case changedMsg:
		cmd := m.refresh()
		return m, tea.Batch(cmd, m.waitForChange())

	case engineClosedMsg:
		m.debug.Add(debug.KindConn, "engine closed")
		return m, nil

	case attachDoneMsg:
		if msg.err != nil {
			m.debug.Addf(debug.KindError, "attach %s: %v", shortID(msg.id), msg.err)
			m.logger.Warn("attach failed", "session", msg.id, "err", msg.err)
		} else {
			m.debug.Addf(debug.KindConn, "attach %s: %s", shortID(msg.id), msg.action)
		}
		return m, m.refresh()

	case startDoneMsg:
		if msg.err != nil {
			m.debug.Addf(debug.KindError, "start: %v", msg.err)
			m.logger.Warn("start failed", "err", msg.err)
			return m, nil
		}
		m.debug.Addf(debug.KindConn, "started %s", shortID(msg.id))
		m.prompt.Reset()
		m.prompt.Blur()
		return m, m.refresh()

	case submitDoneMsg:
		m.form.Busy = false
		if msg.err != nil {
			m.form.Err = msg.err
			m.debug.Addf(debug.KindError, "recovery: %v", msg.err)
			return m, m.refresh()
		}
		m.debug.Add(debug.KindRecov, "resumed")
		m.form.Close()
		m.overlay = OverlayNone
		return m, m.refresh()

	case restartDoneMsg:
		if msg.err != nil {
			m.debug.Addf(debug.KindError, "start over: %v", msg.err)
			return m, nil
		}
		m.debug.Add(debug.KindRecov, "cleared session")
		cmd := m.refresh()
		return m, tea.Batch(cmd, m.prompt.Focus())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case timeline.FrameMsg:
		return m, m.timeline.Update(msg)
	}

	if m.overlay == OverlayRecovery {
		return m, m.form.Update(msg)
	}
	if m.idle() {
		var cmd tea.Cmd
		m.prompt, cmd = m.prompt.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.ForceQ) {
		return m.quit()
	}

	switch m.overlay {
	case OverlayDebug:
		switch {
		case key.Matches(msg, m.keys.Escape), key.Matches(msg, m.keys.Debug):
			m.overlay = OverlayNone
		case key.Matches(msg, m.keys.Up):
			m.debug.ScrollUp(1)
		case key.Matches(msg, m.keys.Down):
			m.debug.ScrollDown(1)
		case key.Matches(msg, m.keys.Filter):
			m.debug.CycleFilter()
		}
		return m, nil

	case OverlayRecovery:
		switch {
		case key.Matches(msg, m.keys.Escape):
			if !m.form.Busy {
				m.overlay = OverlayNone
			}
			return m, nil
		case key.Matches(msg, m.keys.Enter):
			return m.submit()
		}
		return m, m.form.Update(msg)
	}

	if m.idle() {
		if key.Matches(msg, m.keys.Enter) {
			return m.start()
		}
		var cmd tea.Cmd
		m.prompt, cmd = m.prompt.Update(msg)
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m.quit()

	case key.Matches(msg, m.keys.Debug):
		m.overlay = OverlayDebug
		return m, nil

	case key.Matches(msg, m.keys.Up):
		m.timeline.ScrollUp(1)
		return m, nil

	case key.Matches(msg, m.keys.Down):
		m.timeline.ScrollDown(1)
		return m, nil

	case key.Matches(msg, m.keys.Enter):
		if awaitingUser(m.snap) {
			return m, m.openForm()
		}
		return m, nil

	case key.Matches(msg, m.keys.Reattach):
		if m.snap.SessionID != "" {
			return m, m.attach(m.snap.SessionID)
		}
		return m, nil

	case key.Matches(msg, m.keys.New):
		return m.startOver()
	}

	return m, nil
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	m.cancel()
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	return m, tea.Quit
}

func (m Model) start() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.prompt.Value())
	if text == "" {
		return m, nil
	}
	req := m.opts.Defaults
	req.Prompt = text
	e, ctx := m.engine, m.ctx
	return m, func() tea.Msg {
		id, err := e.Start(ctx, req)
		return startDoneMsg{id: id, err: err}
	}
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	if m.form.Busy || m.recovery == nil {
		return m, nil
	}
	m.form.Busy = true
	m.form.Err = nil
	values := m.form.Values()
	r, ctx := m.recovery, m.ctx
	m.debug.Add(debug.KindRecov, "submitting "+m.form.Form.Kind.String())
	return m, func() tea.Msg {
		return submitDoneMsg{err: r.Submit(ctx, values)}
	}
}

// startOver clears a finished session. Failed sessions go through the
// recovery controller; completed ones are reset directly.
func (m Model) startOver() (tea.Model, tea.Cmd) {
	switch m.snap.Status {
	case derive.StatusError:
		if m.recovery == nil {
			return m, nil
		}
		r := m.recovery
		return m, func() tea.Msg { return restartDoneMsg{err: r.Restart()} }
	case derive.StatusComplete:
		e := m.engine
		return m, func() tea.Msg {
			e.Reset()
			return restartDoneMsg{}
		}
	}
	return m, nil
}

func (m Model) attach(id string) tea.Cmd {
	e, ctx := m.engine, m.ctx
	return func() tea.Msg {
		action, err := e.Attach(ctx, id)
		return attachDoneMsg{id: id, action: action, err: err}
	}
}

func (m Model) waitForChange() tea.Cmd {
	ch := m.changes
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return engineClosedMsg{}
		}
		return changedMsg{}
	}
}

func (m *Model) openForm() tea.Cmd {
	if m.recovery == nil {
		return nil
	}
	form, ok := m.recovery.Form()
	if !ok {
		return nil
	}
	m.overlay = OverlayRecovery
	if m.form.IsOpen() && m.form.Form.Reason == form.Reason {
		return nil
	}
	m.debug.Addf(debug.KindRecov, "%s pause: %s", form.Kind, form.Reason)
	return m.form.Open(form)
}

// refresh pulls a new snapshot and records what changed in the debug log.
func (m *Model) refresh() tea.Cmd {
	prev := m.snap
	next := m.engine.Snapshot()
	m.snap = next
	m.statusBar.Snapshot = next

	from := len(prev.Events)
	switch {
	case next.SessionID != prev.SessionID:
		m.debug.SetSession(next.SessionID)
		m.replayUpTo, from = 0, 0
		if next.SessionID != "" {
			m.debug.Addf(debug.KindConn, "session %s", shortID(next.SessionID))
		}
	case len(next.Events) < len(prev.Events):
		m.replayUpTo, from = max(m.replayUpTo, len(prev.Events)), 0
		m.debug.Addf(debug.KindConn, "log reset for replay (%d events dropped)", len(prev.Events))
	}
	for i := from; i < len(next.Events); i++ {
		m.debug.AddEvent(i+1, next.Events[i], i < m.replayUpTo)
	}
	if next.Connected != prev.Connected {
		if next.Connected {
			m.debug.Add(debug.KindConn, "stream open")
		} else {
			m.debug.Add(debug.KindConn, "stream closed")
		}
	}
	if next.Polling && !prev.Polling {
		m.debug.Add(debug.KindConn, "polling for status")
	}
	if next.Reconnecting && next.Attempt != prev.Attempt {
		m.debug.Addf(debug.KindConn, "reconnect attempt %d", next.Attempt)
	}
	if next.Status != prev.Status {
		m.debug.Addf(debug.KindEvent, "status %s -> %s", prev.Status, next.Status)
	}

	cmds := []tea.Cmd{m.timeline.SetData(next.View, next.Events)}

	switch {
	case awaitingUser(next) && !awaitingUser(prev):
		cmds = append(cmds, m.openForm())
	case !awaitingUser(next) && m.form.IsOpen() && !m.form.Busy:
		m.form.Close()
		if m.overlay == OverlayRecovery {
			m.overlay = OverlayNone
		}
	}
	if next.SessionID == "" && prev.SessionID != "" {
		cmds = append(cmds, m.prompt.Focus())
	}
	return tea.Batch(cmds...)
}

func (m Model) idle() bool {
	return m.snap.SessionID == ""
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	m.statusBar.Spinner = m.spinner.View()
	m.form.Spinner = m.spinner.View()

	bodyH := m.height - 5
	var body string
	switch m.overlay {
	case OverlayDebug:
		body = m.debug.View(m.width, bodyH)
	case OverlayRecovery:
		body = m.form.View(m.width)
	default:
		body = m.renderBody(bodyH)
	}

	sections := []string{
		m.statusBar.View(),
		body,
		theme.StyleDimmed.Render("  " + m.helpLine()),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderBody(height int) string {
	if m.idle() {
		title := theme.StyleHeader.Render("Describe the modpack to generate")
		return lipgloss.NewStyle().Padding(1, 2).Render(
			lipgloss.JoinVertical(lipgloss.Left, title, "", m.prompt.View()))
	}

	var banner string
	switch m.snap.Status {
	case derive.StatusComplete:
		banner = lipgloss.NewStyle().Foreground(theme.ColorComplete).Bold(true).
			Render("✓ Complete: " + m.snap.ArtifactID)
	case derive.StatusError:
		msg := "generation failed"
		if f := m.snap.View.Failure; f != nil && f.Message != "" {
			msg = f.Message
		}
		banner = theme.StyleError.Bold(true).Render("✗ " + m.debug.Redact.String(msg))
	case derive.StatusPaused:
		if m.snap.ConfirmingPause {
			banner = lipgloss.NewStyle().Foreground(theme.ColorPaused).
				Render(m.spinner.View() + " Checking whether the pause is still current...")
			break
		}
		banner = lipgloss.NewStyle().Foreground(theme.ColorPaused).Bold(true).
			Render(fmt.Sprintf("‖ Paused at phase %d: %s", m.snap.PausedAtPhase, m.debug.Redact.String(m.snap.PauseReason)))
	}

	tl := m.timeline.Render(m.width-4, height-2)
	if banner == "" {
		return lipgloss.NewStyle().Padding(0, 2).Render(tl)
	}
	return lipgloss.NewStyle().Padding(0, 2).Render(lipgloss.JoinVertical(lipgloss.Left, banner, "", tl))
}

func (m Model) helpLine() string {
	switch {
	case m.overlay == OverlayRecovery:
		return "enter:submit  esc:close  ctrl+c:quit"
	case m.overlay == OverlayDebug:
		return "j/k:scroll  esc:close"
	case m.idle():
		return "enter:start  ctrl+c:quit"
	case awaitingUser(m.snap):
		return "enter:recover  j/k:scroll  d:debug  q:quit"
	case m.snap.Status == derive.StatusError, m.snap.Status == derive.StatusComplete:
		return "n:start over  r:reattach  j/k:scroll  d:debug  q:quit"
	default:
		return "r:reattach  j/k:scroll  d:debug  q:quit"
	}
}

// awaitingUser reports whether the session is paused and the pause has been
// confirmed as current.
func awaitingUser(s engine.Snapshot) bool {
	return s.Status == derive.StatusPaused && !s.ConfirmingPause
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
