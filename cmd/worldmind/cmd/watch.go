package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/worldmind/worldmind/internal/checkpoint"
	"github.com/worldmind/worldmind/internal/core"
)

var watchCmd = &cobra.Command{
	Use:   "watch <thread-id>",
	Short: "Live terminal view of a running mission",
	Long:  "Polls the checkpoint store and renders wave/task progress until the mission reaches a terminal state.",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(_ *cobra.Command, args []string) error {
	store, closeStore, err := buildStore(cfg)
	if err != nil {
		return fmt.Errorf("opening checkpoint store: %w", err)
	}
	defer closeStore()

	model := newWatchModel(store, args[0])
	_, err = tea.NewProgram(model).Run()
	return err
}

var (
	watchTitleStyle  = lipgloss.NewStyle().Bold(true)
	watchHeaderStyle = lipgloss.NewStyle().Faint(true)
	watchPassStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	watchFailStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	watchRunStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	watchErrStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Faint(true)
)

type watchTickMsg struct{}

type watchStateMsg struct {
	snapshot *checkpoint.Snapshot
	err      error
}

type watchModel struct {
	store    checkpoint.Store
	threadID string
	spinner  spinner.Model
	snapshot *checkpoint.Snapshot
	loadErr  error
	done     bool
}

func newWatchModel(store checkpoint.Store, threadID string) watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return watchModel{store: store, threadID: threadID, spinner: sp}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.load, watchTick())
}

func watchTick() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg { return watchTickMsg{} })
}

func (m watchModel) load() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := m.store.GetLatest(ctx, m.threadID)
	return watchStateMsg{snapshot: snap, err: err}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case watchTickMsg:
		if m.done {
			return m, nil
		}
		return m, tea.Batch(m.load, watchTick())
	case watchStateMsg:
		m.loadErr = msg.err
		if msg.snapshot != nil {
			m.snapshot = msg.snapshot
			if msg.snapshot.State.Status.IsTerminal() {
				m.done = true
				return m, tea.Quit
			}
		}
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	if m.snapshot == nil {
		if m.loadErr != nil {
			return watchErrStyle.Render(fmt.Sprintf("checkpoint read failed: %v\n", m.loadErr))
		}
		return fmt.Sprintf("%s waiting for checkpoints on thread %s...\n", m.spinner.View(), m.threadID)
	}

	state := m.snapshot.State
	var out string
	out += watchTitleStyle.Render(fmt.Sprintf("Mission %s", state.MissionID)) + "\n"
	out += fmt.Sprintf("%s status=%s wave=%d node=%s\n\n", m.spinner.View(), state.Status, state.WaveCount, m.snapshot.NodeName)

	if len(state.Tasks) > 0 {
		out += watchHeaderStyle.Render(fmt.Sprintf("  %-10s %-11s %-10s %-5s %s", "TASK", "AGENT", "STATUS", "ITER", "DESCRIPTION")) + "\n"
		completed := state.CompletedSet()
		for _, t := range state.Tasks {
			style := watchRunStyle
			switch {
			case completed[t.ID] || t.Status == core.TaskPassed:
				style = watchPassStyle
			case t.Status == core.TaskFailed:
				style = watchFailStyle
			case t.Status == core.TaskPending:
				style = watchHeaderStyle
			}
			out += style.Render(fmt.Sprintf("  %-10s %-11s %-10s %-5d %s",
				t.ID, t.Agent, t.Status, t.Iteration, truncate(t.Description, 60))) + "\n"
		}
	}

	if state.DeploymentURL != "" {
		out += "\n" + watchPassStyle.Render("Deployed: https://"+state.DeploymentURL) + "\n"
	}
	for _, e := range lastN(state.Errors, 3) {
		out += watchErrStyle.Render("error: "+truncate(e, 100)) + "\n"
	}
	out += watchHeaderStyle.Render("\nq to quit") + "\n"
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func lastN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}
