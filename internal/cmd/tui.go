package cmd

import (
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/loomworks/loom/internal/daemon"
	"github.com/loomworks/loom/internal/store"
)

// statusModel is the live status view: the snapshot re-read every
// second, rendered with the same renderer as the one-shot command.
type statusModel struct {
	store   *store.Store
	spinner spinner.Model
	snap    *daemon.StatusSnapshot
	err     error
}

type snapshotMsg struct {
	snap *daemon.StatusSnapshot
	err  error
}

func newStatusModel(st *store.Store) statusModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return statusModel{store: st, spinner: sp}
}

func (m statusModel) refresh() tea.Cmd {
	st := m.store
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		snap, err := daemon.Snapshot(st)
		return snapshotMsg{snap: snap, err: err}
	})
}

func (m statusModel) Init() tea.Cmd {
	st := m.store
	first := func() tea.Msg {
		snap, err := daemon.Snapshot(st)
		return snapshotMsg{snap: snap, err: err}
	}
	return tea.Batch(m.spinner.Tick, first)
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case snapshotMsg:
		m.snap = msg.snap
		m.err = msg.err
		return m, m.refresh()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m statusModel) View() string {
	if m.err != nil {
		return failStyle.Render("error: "+m.err.Error()) + "\n"
	}
	if m.snap == nil {
		return m.spinner.View() + " loading...\n"
	}
	return renderStatus(m.snap) + "\n" + dimStyle.Render(m.spinner.View()+" refreshing every second, q to quit") + "\n"
}

func runStatusTUI(w *workspace) error {
	p := tea.NewProgram(newStatusModel(w.store))
	_, err := p.Run()
	return err
}
