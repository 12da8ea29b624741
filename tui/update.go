package tui

import (
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit

		case key.Matches(msg, keys.Refresh):
			return m, pollCmd(m.source)

		case key.Matches(msg, keys.Down):
			if m.selected < len(m.specs)-1 {
				m.selected++
			}

		case key.Matches(msg, keys.Up):
			if m.selected > 0 {
				m.selected--
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(pollCmd(m.source), tickCmd())

	case SnapshotMsg:
		m.specs = msg.Specs
		m.taken = msg.Taken
		m.loadErr = msg.Err
		if m.selected >= len(m.specs) {
			m.selected = len(m.specs) - 1
		}
		if m.selected < 0 {
			m.selected = 0
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	return m, nil
}
