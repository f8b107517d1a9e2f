// Package progress renders sync events as a live per-folder table.
package progress

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailbackup/internal/keys"
	"github.com/nhle/mailbackup/internal/model"
	appsync "github.com/nhle/mailbackup/internal/sync"
	"github.com/nhle/mailbackup/internal/theme"
)

// EventMsg wraps a sync event for the Bubble Tea runtime.
type EventMsg struct {
	Event appsync.Event
}

// Forward returns a ProgressFunc that hands events to ch. It blocks while
// the channel is full so no event is lost.
func Forward(ch chan<- appsync.Event) appsync.ProgressFunc {
	return func(ev appsync.Event) {
		ch <- ev
	}
}

// WaitForEvent returns a tea.Cmd that waits for the next event on ch.
func WaitForEvent(ch <-chan appsync.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return EventMsg{Event: ev}
	}
}

const statusRunning = "running"

type folderRow struct {
	name      string
	status    string
	remote    int
	added     int
	removed   int
	confirmed int
	note      string
}

// Model is the folder progress table.
type Model struct {
	rows      []*folderRow
	byName    map[string]*folderRow
	spinner   spinner.Model
	keys      *keys.KeyMap
	offset    int
	cycleDone bool
	width     int
	height    int
}

// New creates a progress model.
func New(k *keys.KeyMap, width, height int) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(theme.ColorBlue)

	return Model{
		byName:  make(map[string]*folderRow),
		spinner: s,
		keys:    k,
		width:   width,
		height:  height,
	}
}

// Init starts the spinner.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update applies events, cycle results and scroll keys.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case EventMsg:
		m.apply(msg.Event)
		return m, nil

	case appsync.CycleResultMsg:
		m.cycleDone = true
		for _, f := range msg.Summary.Folders {
			if row, ok := m.byName[f.Folder]; ok && row.status == statusRunning {
				row.status = f.Status
			}
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Down):
			if m.offset < len(m.rows)-1 {
				m.offset++
			}
		case key.Matches(msg, m.keys.Up):
			if m.offset > 0 {
				m.offset--
			}
		}
		return m, nil
	}
	return m, nil
}

func (m *Model) row(name string) *folderRow {
	if m.cycleDone {
		m.rows = nil
		m.byName = make(map[string]*folderRow)
		m.offset = 0
		m.cycleDone = false
	}
	r, ok := m.byName[name]
	if !ok {
		r = &folderRow{name: name}
		m.byName[name] = r
		m.rows = append(m.rows, r)
	}
	return r
}

func (m *Model) apply(ev appsync.Event) {
	r := m.row(ev.Folder)
	switch ev.Kind {
	case appsync.EventFolderStart:
		r.status = statusRunning
	case appsync.EventListed:
		r.remote = ev.Count
	case appsync.EventConfirmed:
		r.confirmed++
	case appsync.EventFetched:
		r.added++
	case appsync.EventRemoved:
		r.removed++
	case appsync.EventUnchanged:
		r.status = model.FolderUnchanged
	case appsync.EventCommitted:
		r.status = model.FolderSynced
		if res := ev.Result; res != nil {
			r.added, r.removed, r.confirmed = res.Added, res.Removed, res.Confirmed
		}
	case appsync.EventSkipped:
		r.status = model.FolderSkipped
		r.note = ev.Reason
	case appsync.EventFailed:
		r.status = model.FolderFailed
		if ev.Err != nil {
			r.note = ev.Err.Error()
		}
	}
}

// Totals sums additions and removals and counts failed folders.
func (m Model) Totals() (added, removed, failed int) {
	for _, r := range m.rows {
		added += r.added
		removed += r.removed
		if r.status == model.FolderFailed {
			failed++
		}
	}
	return added, removed, failed
}

// View renders the table.
func (m Model) View() string {
	if len(m.rows) == 0 {
		return theme.HelpStyle.Render("  waiting for the first sync…")
	}

	var b strings.Builder
	header := fmt.Sprintf("  %-32s %-10s %7s %7s %7s %7s", "FOLDER", "STATUS", "REMOTE", "KEPT", "ADDED", "REMOVED")
	b.WriteString(theme.HelpStyle.Render(header))
	b.WriteString("\n")

	visible := m.height - 2
	if visible < 1 {
		visible = len(m.rows)
	}
	end := m.offset + visible
	if end > len(m.rows) {
		end = len(m.rows)
	}

	for _, r := range m.rows[m.offset:end] {
		marker := "  "
		if r.status == statusRunning {
			marker = m.spinner.View() + " "
		}
		status := theme.FolderStatusStyle(r.status).Render(fmt.Sprintf("%-10s", r.status))
		line := fmt.Sprintf("%s%-32s %s %7d %7d %7d %7d",
			marker, truncate(r.name, 32), status, r.remote, r.confirmed, r.added, r.removed)
		if r.note != "" {
			line += "  " + theme.ErrorStyle.Render(truncate(r.note, max(m.width-len(line), 20)))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	added, removed, failed := m.Totals()
	summary := fmt.Sprintf("  %d folders, %d added, %d removed", len(m.rows), added, removed)
	if failed > 0 {
		summary += theme.ErrorStyle.Render(fmt.Sprintf(", %d failed", failed))
	}
	b.WriteString(theme.HelpStyle.Render(summary))

	return b.String()
}

// SetSize updates the view dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
