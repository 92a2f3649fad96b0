package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/dreamteam/internal/orchestrator"
	"github.com/aristath/dreamteam/internal/scheduler"
)

// HealthPaneModel shows queue counts, progress and alerts.
type HealthPaneModel struct {
	health  *orchestrator.QueueHealth
	err     error
	width   int
	height  int
	focused bool
}

// NewHealthPaneModel creates a new health pane model.
func NewHealthPaneModel() HealthPaneModel {
	return HealthPaneModel{}
}

// Update handles messages for the health pane.
func (m HealthPaneModel) Update(msg tea.Msg) (HealthPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case snapshotMsg:
		m.err = msg.err
		if msg.health != nil {
			m.health = msg.health
		}
	}
	return m, nil
}

// View renders the health pane.
func (m HealthPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Queue Health")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	switch {
	case m.health == nil && m.err != nil:
		b.WriteString(StyleStatusFailed.Render("error: " + m.err.Error()))
	case m.health == nil:
		b.WriteString(StyleStatusPending.Render("Loading..."))
	default:
		m.renderHealth(&b)
		if m.err != nil {
			b.WriteString("\n")
			b.WriteString(StyleStatusFailed.Render("refresh failed: " + m.err.Error()))
		}
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func (m HealthPaneModel) renderHealth(b *strings.Builder) {
	h := m.health
	total := 0
	for _, st := range scheduler.AllStatuses {
		total += h.Counts[st]
	}
	for _, st := range scheduler.AllStatuses {
		fmt.Fprintf(b, "%-18s %s\n", st, StatusStyle(st).Render(fmt.Sprintf("%d", h.Counts[st])))
	}
	b.WriteString("\n")
	fmt.Fprintf(b, "Eligible:      %d\n", h.Eligible)
	fmt.Fprintf(b, "Blocked:       %d (%d on failed deps)\n", h.Blocked, h.BlockedFailed)
	fmt.Fprintf(b, "Backing off:   %d\n", h.PendingRetry)
	fmt.Fprintf(b, "Stuck / stale: %d / %d\n", h.Stuck, h.Stale)
	fmt.Fprintf(b, "Oldest wait:   %s\n", time.Duration(h.OldestPendingSeconds)*time.Second)
	fmt.Fprintf(b, "Failure rate:  %.1f%%\n", h.FailureRate*100)
	b.WriteString("\n")

	if total > 0 {
		done := h.Counts[scheduler.TaskCompleted]
		failed := h.Counts[scheduler.TaskFailed] + h.Counts[scheduler.TaskCancelled]
		running := h.Counts[scheduler.TaskActive]

		barWidth := max(0, min(m.width-16, 40))
		completedWidth := (done * barWidth) / total
		failedWidth := (failed * barWidth) / total
		runningWidth := (running * barWidth) / total
		pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))
		fmt.Fprintf(b, "[%s]  %d/%d\n", bar, done+failed, total)
	}

	for _, alert := range h.Alerts {
		b.WriteString("\n")
		b.WriteString(StyleAlert.Render(alert))
	}
}

// SetSize updates the pane dimensions.
func (m *HealthPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *HealthPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
