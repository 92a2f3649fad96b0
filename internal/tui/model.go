// Package tui is the live queue monitor behind "dreamteam top".
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/dreamteam/internal/events"
	"github.com/aristath/dreamteam/internal/orchestrator"
	"github.com/aristath/dreamteam/internal/scheduler"
)

const (
	defaultRefresh = 2 * time.Second
	refreshTimeout = 5 * time.Second
	taskListLimit  = 200
)

// Source is the read side of the orchestrator the monitor polls.
type Source interface {
	GetQueueHealth(ctx context.Context) (*orchestrator.QueueHealth, error)
	ListTasks(ctx context.Context, filter scheduler.TaskFilter) ([]*scheduler.Task, error)
}

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneHealth
	paneCount
)

// openStatuses are listed unless finished tasks are toggled on.
var openStatuses = []scheduler.TaskStatus{
	scheduler.TaskPending,
	scheduler.TaskAwaitingApproval,
	scheduler.TaskActive,
}

// snapshotMsg carries one poll of the source.
type snapshotMsg struct {
	health *orchestrator.QueueHealth
	tasks  []*scheduler.Task
	err    error
}

// refreshTickMsg schedules the next poll.
type refreshTickMsg struct{}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane     TaskPaneModel
	healthPane   HealthPaneModel
	focusedPane  PaneID
	src          Source
	eventSub     <-chan events.Event
	refresh      time.Duration
	showFinished bool
	width        int
	height       int
	quitting     bool
}

// New creates a new TUI model polling src every refresh. When bus is
// non-nil, lifecycle events are shown as they happen.
func New(src Source, bus *events.EventBus, refresh time.Duration) Model {
	if refresh <= 0 {
		refresh = defaultRefresh
	}
	m := Model{
		taskPane:    NewTaskPaneModel(),
		healthPane:  NewHealthPaneModel(),
		focusedPane: PaneTasks,
		src:         src,
		refresh:     refresh,
	}
	if bus != nil {
		m.eventSub = bus.SubscribeAll(256).C
	}
	return m
}

// Init starts polling and, when attached to a bus, the event stream.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.poll()}
	if m.eventSub != nil {
		cmds = append(cmds, waitForEvent(m.eventSub))
	}
	return tea.Batch(cmds...)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// poll reads the source once.
func (m Model) poll() tea.Cmd {
	src := m.src
	filter := scheduler.TaskFilter{Limit: taskListLimit}
	if !m.showFinished {
		filter.Statuses = openStatuses
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		health, err := src.GetQueueHealth(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		tasks, err := src.ListTasks(ctx, filter)
		if err != nil {
			return snapshotMsg{health: health, err: err}
		}
		if tasks == nil {
			tasks = []*scheduler.Task{}
		}
		return snapshotMsg{health: health, tasks: tasks}
	}
}

func (m Model) scheduleRefresh() tea.Cmd {
	return tea.Tick(m.refresh, func(time.Time) tea.Msg { return refreshTickMsg{} })
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneHealth
			m.updateFocusStates()

		case KeyRefresh:
			cmds = append(cmds, m.poll())

		case KeyFilter:
			m.showFinished = !m.showFinished
			cmds = append(cmds, m.poll())

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case snapshotMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
		m.healthPane, cmd = m.healthPane.Update(msg)
		cmds = append(cmds, cmd, m.scheduleRefresh())

	case refreshTickMsg:
		cmds = append(cmds, m.poll())

	case events.Event:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.healthPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView())
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 65) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.healthPane.SetSize(rightWidth, availableHeight)
	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.healthPane.SetFocused(m.focusedPane == PaneHealth)
}

// Run starts the monitor and blocks until the user quits or ctx ends.
func Run(ctx context.Context, src Source, bus *events.EventBus, refresh time.Duration) error {
	p := tea.NewProgram(New(src, bus, refresh), tea.WithAltScreen())
	stop := context.AfterFunc(ctx, p.Quit)
	defer stop()
	_, err := p.Run()
	return err
}
