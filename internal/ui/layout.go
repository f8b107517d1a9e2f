package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailbackup/internal/theme"
)

// Layout holds the terminal dimensions and the fixed header and status bar
// heights.
type Layout struct {
	Width           int
	Height          int
	HeaderHeight    int
	StatusBarHeight int
}

// NewLayout creates a Layout with one-line header and status bar.
func NewLayout(width, height int) Layout {
	return Layout{
		Width:           width,
		Height:          height,
		HeaderHeight:    1,
		StatusBarHeight: 1,
	}
}

// ContentHeight returns the rows left between header and status bar.
func (l Layout) ContentHeight() int {
	h := l.Height - l.HeaderHeight - l.StatusBarHeight
	if h < 0 {
		return 0
	}
	return h
}

// RenderHeader renders the title on the left and status on the right.
func (l Layout) RenderHeader(title, status string) string {
	left := theme.HeaderStyle.Render(title)
	right := theme.HeaderStyle.Align(lipgloss.Right).Render(status)
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		left,
		l.filler(theme.HeaderStyle, lipgloss.Width(left)+lipgloss.Width(right)),
		right,
	)
}

// RenderStatusBar renders hints across the full width.
func (l Layout) RenderStatusBar(hints string) string {
	rendered := theme.StatusBarStyle.Render(hints)
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		rendered,
		l.filler(theme.StatusBarStyle, lipgloss.Width(rendered)),
	)
}

// RenderWithFrame stacks header, content and status bar.
func (l Layout) RenderWithFrame(header, content, statusBar string) string {
	content = lipgloss.NewStyle().Height(l.ContentHeight()).Render(content)
	return lipgloss.JoinVertical(lipgloss.Left, header, content, statusBar)
}

// filler pads a bar to the full width with the style's background.
func (l Layout) filler(style lipgloss.Style, used int) string {
	gap := l.Width - used
	if gap <= 0 {
		return ""
	}
	return lipgloss.NewStyle().
		Width(gap).
		Background(style.GetBackground()).
		Render("")
}
