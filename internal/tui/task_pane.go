package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/dreamteam/internal/events"
	"github.com/aristath/dreamteam/internal/scheduler"
)

const (
	listWidth        = 34
	maxEventsPerTask = 50
)

// TaskPaneModel is the task list plus a detail viewport for the selected
// task, including the lifecycle events seen for it.
type TaskPaneModel struct {
	tasks       []*scheduler.Task
	log         map[string][]string // taskID -> event lines
	selectedID  string
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		log:      make(map[string][]string),
		viewport: viewport.New(0, 0),
	}
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.tasks)-1 {
				m.selectedIdx++
				m.selectedID = m.tasks[m.selectedIdx].ID
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.selectedID = m.tasks[m.selectedIdx].ID
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case snapshotMsg:
		if msg.tasks != nil {
			m.setTasks(msg.tasks)
		}

	case events.Event:
		if id := msg.TaskID(); id != "" {
			m.appendEvent(id, msg)
			if id == m.selectedID {
				m.updateViewportContent()
			}
		}
	}

	return m, cmd
}

// setTasks replaces the list and keeps the selection on the same task
// when it is still listed.
func (m *TaskPaneModel) setTasks(tasks []*scheduler.Task) {
	m.tasks = tasks
	m.selectedIdx = 0
	for i, t := range tasks {
		if t.ID == m.selectedID {
			m.selectedIdx = i
			break
		}
	}
	if len(tasks) > 0 {
		m.selectedID = tasks[m.selectedIdx].ID
	} else {
		m.selectedID = ""
	}
	m.updateViewportContent()
}

func (m *TaskPaneModel) appendEvent(id string, ev events.Event) {
	line := fmt.Sprintf("%s %s", eventTime(ev).Format("15:04:05"), describeEvent(ev))
	lines := append(m.log[id], line)
	if len(lines) > maxEventsPerTask {
		lines = lines[len(lines)-maxEventsPerTask:]
	}
	m.log[id] = lines
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - listWidth - 4
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList() string {
	var b strings.Builder

	title := StyleTitle.Render(fmt.Sprintf("Tasks (%d)", len(m.tasks)))
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(listWidth, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.tasks) == 0 {
		b.WriteString(StyleStatusPending.Render("No tasks"))
	}
	rows := max(1, m.height-6)
	start := 0
	if m.selectedIdx >= rows {
		start = m.selectedIdx - rows + 1
	}
	for i := start; i < len(m.tasks) && i < start+rows; i++ {
		t := m.tasks[i]
		name := fmt.Sprintf("%s %s", t.Role, t.ID)
		if len(name) > listWidth-4 {
			name = name[:listWidth-7] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(t.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(listWidth).
		Height(m.height - 2).
		Render(b.String())
}

// SelectedTask returns the selected task, or nil.
func (m TaskPaneModel) SelectedTask() *scheduler.Task {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.tasks) {
		return m.tasks[m.selectedIdx]
	}
	return nil
}

func (m *TaskPaneModel) updateViewportContent() {
	t := m.SelectedTask()
	if t == nil {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(renderTaskDetail(t, m.log[t.ID]))
	m.viewport.GotoTop()
}

func renderTaskDetail(t *scheduler.Task, log []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n", StyleTitle.Render(t.ID), StatusStyle(t.Status).Render(string(t.Status)))
	fmt.Fprintf(&b, "role:      %s\n", t.Role)
	fmt.Fprintf(&b, "priority:  %d\n", t.Priority)
	fmt.Fprintf(&b, "retries:   %d/%d\n", t.RetryCount, t.MaxRetries)
	if len(t.DependsOn) > 0 {
		fmt.Fprintf(&b, "depends:   %s\n", strings.Join(t.DependsOn, ", "))
	}
	if t.StartedAt != nil {
		fmt.Fprintf(&b, "started:   %s\n", t.StartedAt.Format(time.RFC3339))
	}
	if t.NextRetryAt != nil {
		fmt.Fprintf(&b, "next try:  %s\n", t.NextRetryAt.Format(time.RFC3339))
	}
	if t.DurationMs > 0 {
		fmt.Fprintf(&b, "duration:  %s\n", time.Duration(t.DurationMs)*time.Millisecond)
	}
	if t.Error != "" {
		fmt.Fprintf(&b, "error:     %s (%s)\n", StyleStatusFailed.Render(t.Error), t.ErrorType)
	}
	if len(t.Payload) > 0 {
		fmt.Fprintf(&b, "\npayload:\n%s\n", t.Payload)
	}
	if len(t.Result) > 0 {
		fmt.Fprintf(&b, "\nresult:\n%s\n", t.Result)
	}
	if len(log) > 0 {
		b.WriteString("\nevents:\n")
		b.WriteString(strings.Join(log, "\n"))
		b.WriteString("\n")
	}
	return b.String()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(10, m.width-listWidth-4)
	m.viewport.Height = max(5, m.height-4)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func describeEvent(ev events.Event) string {
	switch e := ev.(type) {
	case events.TaskCompletedEvent:
		return fmt.Sprintf("completed in %s", e.Duration)
	case events.TaskFailedEvent:
		return fmt.Sprintf("failed (%s): %s", e.ErrorType, e.Error)
	case events.TaskRetryScheduledEvent:
		return fmt.Sprintf("retry %d scheduled for %s (%s)", e.RetryCount, e.NextRetryAt.Format("15:04:05"), e.ErrorType)
	case events.TaskRequeuedEvent:
		return "requeued: " + e.Reason
	case events.TaskCascadeFailedEvent:
		return "failed by dependency " + e.FailedBy
	default:
		return ev.EventType()
	}
}

func eventTime(ev events.Event) time.Time {
	switch e := ev.(type) {
	case events.TaskCreatedEvent:
		return e.Timestamp
	case events.TaskClaimedEvent:
		return e.Timestamp
	case events.TaskCompletedEvent:
		return e.Timestamp
	case events.TaskFailedEvent:
		return e.Timestamp
	case events.TaskRetryScheduledEvent:
		return e.Timestamp
	case events.TaskRequeuedEvent:
		return e.Timestamp
	case events.TaskCancelledEvent:
		return e.Timestamp
	case events.TaskCascadeFailedEvent:
		return e.Timestamp
	case events.TaskReadyEvent:
		return e.Timestamp
	}
	return time.Now()
}
