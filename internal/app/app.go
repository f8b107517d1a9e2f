// Package app is the terminal front end of watch mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailbackup/internal/keys"
	appsync "github.com/nhle/mailbackup/internal/sync"
	"github.com/nhle/mailbackup/internal/theme"
	"github.com/nhle/mailbackup/internal/ui"
	"github.com/nhle/mailbackup/internal/ui/progress"
)

// Model is the root Bubble Tea model: the progress table framed by a
// header with the poller status and a key-hint status bar.
type Model struct {
	layout    ui.Layout
	keys      *keys.KeyMap
	progress  progress.Model
	help      help.Model
	showHelp  bool
	poller    *appsync.Poller
	events    <-chan appsync.Event
	lastCycle time.Time
	lastError string
	authError bool
	ready     bool
}

// New creates the root model.
func New(p *appsync.Poller, events <-chan appsync.Event) Model {
	k := keys.DefaultKeyMap()
	return Model{
		layout:   ui.NewLayout(80, 24),
		keys:     k,
		progress: progress.New(k, 80, 22),
		help:     help.New(),
		poller:   p,
		events:   events,
	}
}

// Init starts the spinner and subscribes to events and cycle results.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.progress.Init(),
		progress.WaitForEvent(m.events),
		m.poller.WaitForResult(),
	)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout = ui.NewLayout(msg.Width, msg.Height)
		m.progress.SetSize(msg.Width, m.layout.ContentHeight())
		m.help.Width = msg.Width - 4
		m.ready = true
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.showHelp = !m.showHelp
			return m, nil
		case key.Matches(msg, m.keys.Refresh):
			m.poller.Trigger()
			return m, nil
		}

	case progress.EventMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, tea.Batch(cmd, progress.WaitForEvent(m.events))

	case appsync.CycleResultMsg:
		m.lastCycle = time.Now()
		m.authError = msg.AuthError
		m.lastError = ""
		if msg.Error != nil {
			m.lastError = msg.Error.Error()
		}
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, tea.Batch(cmd, m.poller.WaitForResult())
	}

	var cmd tea.Cmd
	m.progress, cmd = m.progress.Update(msg)
	return m, cmd
}

// View renders the frame.
func (m Model) View() string {
	if !m.ready {
		return ""
	}

	header := m.layout.RenderHeader("mailbackup", m.statusLine())

	content := m.progress.View()
	if m.showHelp {
		h := m.help
		h.ShowAll = true
		title := lipgloss.NewStyle().Bold(true).MarginBottom(1).Render("Keyboard Shortcuts")
		content = theme.PanelStyle.
			Width(m.layout.Width - 4).
			Render(lipgloss.JoinVertical(lipgloss.Left, title, h.View(m.keys)))
	}
	if m.lastError != "" {
		content = lipgloss.JoinVertical(lipgloss.Left, content, "", m.errorLine())
	}

	return m.layout.RenderWithFrame(
		header,
		content,
		m.layout.RenderStatusBar(m.help.ShortHelpView(m.keys.ShortHelp())),
	)
}

func (m Model) statusLine() string {
	st := m.poller.Status()
	if st.State == appsync.PollRunning {
		return "syncing…"
	}
	if m.lastCycle.IsZero() {
		return "starting"
	}
	next := m.lastCycle.Add(m.poller.Interval())
	return fmt.Sprintf("%s · next %s", st.State, next.Format("15:04:05"))
}

func (m Model) errorLine() string {
	msg := m.lastError
	if m.authError {
		msg = "authentication failed: " + msg
	}
	return theme.ErrorStyle.Render("  " + msg)
}

// Run runs the poller under the terminal UI until the user quits or ctx
// is cancelled.
func Run(ctx context.Context, p *appsync.Poller, events <-chan appsync.Event) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pollErr := make(chan error, 1)
	go func() { pollErr <- p.Run(ctx) }()

	program := tea.NewProgram(New(p, events), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := program.Run()

	p.Stop()
	cancel()
	// A cycle still in flight may be blocked forwarding progress.
	for done := false; !done; {
		select {
		case <-pollErr:
			done = true
		case <-events:
		}
	}

	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("running terminal UI: %w", err)
	}
	return nil
}
