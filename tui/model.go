// Package tui renders a live dashboard over plan documents and recorded
// runs. It polls the document stores on a tick; nothing here mutates
// orchestrator state.
package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

const pollInterval = 2 * time.Second

// SpecView pairs a plan document with its recorded runs, newest first
type SpecView struct {
	Spec string
	Plan *domain.Plan
	Runs []*domain.Run
}

// LatestRun returns the newest run, or nil when the spec never ran
func (v SpecView) LatestRun() *domain.Run {
	if len(v.Runs) == 0 {
		return nil
	}
	return v.Runs[0]
}

// Snapshot is one polled view over every spec
type Snapshot struct {
	Specs []SpecView
	Taken time.Time
	Err   error
}

// Source produces dashboard snapshots. The tui command wires the
// document stores in.
type Source func() Snapshot

// Model is the TUI application model
type Model struct {
	source Source

	specs   []SpecView
	taken   time.Time
	loadErr error

	selected int
	width    int
	height   int

	spin spinner.Model
}

type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Refresh key.Binding
	Quit    key.Binding
}

var keys = keyMap{
	Up:      key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("k/↑", "up")),
	Down:    key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/↓", "down")),
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// NewModel creates a dashboard model polling the given source
func NewModel(source Source) Model {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = runningStyle

	return Model{
		source: source,
		spin:   sp,
	}
}

// Init starts the spinner and the poll loop
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spin.Tick,
		pollCmd(m.source),
		tickCmd(),
	)
}

// TickMsg triggers a refresh
type TickMsg time.Time

// SnapshotMsg delivers a polled snapshot
type SnapshotMsg Snapshot

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func pollCmd(source Source) tea.Cmd {
	return func() tea.Msg {
		return SnapshotMsg(source())
	}
}
