package tui

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/dreamteam/internal/events"
	"github.com/aristath/dreamteam/internal/orchestrator"
	"github.com/aristath/dreamteam/internal/scheduler"
)

type fakeSource struct {
	health  *orchestrator.QueueHealth
	tasks   []*scheduler.Task
	filters []scheduler.TaskFilter
}

func (f *fakeSource) GetQueueHealth(context.Context) (*orchestrator.QueueHealth, error) {
	return f.health, nil
}

func (f *fakeSource) ListTasks(_ context.Context, filter scheduler.TaskFilter) ([]*scheduler.Task, error) {
	f.filters = append(f.filters, filter)
	return f.tasks, nil
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		health: &orchestrator.QueueHealth{
			Counts: map[scheduler.TaskStatus]int{
				scheduler.TaskPending:   2,
				scheduler.TaskActive:    1,
				scheduler.TaskCompleted: 3,
			},
			Eligible: 1,
			Stuck:    1,
			Alerts:   []string{orchestrator.AlertStuckTasks},
		},
		tasks: []*scheduler.Task{
			{ID: "build-1", Role: "coder", Status: scheduler.TaskActive},
			{ID: "review-1", Role: "reviewer", Status: scheduler.TaskPending, DependsOn: []string{"build-1"}},
		},
	}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

// loaded returns a sized model that has received one poll.
func loaded(t *testing.T, src *fakeSource) Model {
	t.Helper()
	m := New(src, nil, time.Hour)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 140, Height: 40})
	m, _ = update(t, m, m.poll()())
	return m
}

func TestPollUsesOpenStatuses(t *testing.T) {
	src := newFakeSource()
	m := New(src, nil, time.Hour)

	msg, ok := m.poll()().(snapshotMsg)
	if !ok {
		t.Fatal("poll did not return a snapshot")
	}
	if msg.err != nil || len(msg.tasks) != 2 || msg.health == nil {
		t.Fatalf("snapshot = %+v", msg)
	}
	if got := src.filters[0].Statuses; len(got) != len(openStatuses) {
		t.Errorf("filter statuses = %v, want open statuses", got)
	}

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(KeyFilter)})
	m.poll()()
	if got := src.filters[len(src.filters)-1].Statuses; len(got) != 0 {
		t.Errorf("filter statuses after toggle = %v, want all", got)
	}
}

func TestViewShowsHealthAndTasks(t *testing.T) {
	m := loaded(t, newFakeSource())
	view := m.View()

	for _, want := range []string{"Queue Health", "Tasks (2)", "build-1", "review-1", orchestrator.AlertStuckTasks} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestSelectionFollowsKeys(t *testing.T) {
	m := loaded(t, newFakeSource())
	if got := m.taskPane.SelectedTask(); got == nil || got.ID != "build-1" {
		t.Fatalf("initial selection = %v", got)
	}

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(KeyJ)})
	if got := m.taskPane.SelectedTask(); got.ID != "review-1" {
		t.Fatalf("selection after j = %s", got.ID)
	}

	// The selection sticks to the task across refreshes.
	m, _ = update(t, m, m.poll()())
	if got := m.taskPane.SelectedTask(); got.ID != "review-1" {
		t.Errorf("selection after refresh = %s", got.ID)
	}
}

func TestEventsAppearInDetail(t *testing.T) {
	m := loaded(t, newFakeSource())
	m, _ = update(t, m, events.TaskRequeuedEvent{ID: "build-1", Role: "coder", Reason: "timed out", Timestamp: time.Now()})

	if !strings.Contains(m.taskPane.viewport.View(), "requeued: timed out") {
		t.Errorf("detail missing event:\n%s", m.taskPane.viewport.View())
	}
}

func TestFocusCycles(t *testing.T) {
	m := loaded(t, newFakeSource())
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPane != PaneHealth {
		t.Fatalf("focus after tab = %d", m.focusedPane)
	}
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPane != PaneTasks {
		t.Fatalf("focus after second tab = %d", m.focusedPane)
	}
}

func TestQuit(t *testing.T) {
	m := loaded(t, newFakeSource())
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(KeyQuit)})
	if cmd == nil {
		t.Fatal("quit returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("quit command did not produce QuitMsg")
	}
	if m.View() != "Goodbye!\n" {
		t.Errorf("View after quit = %q", m.View())
	}
}
