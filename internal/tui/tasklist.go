package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/warden/internal/models"
)

var (
	listTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	statusWaiting   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")) // Yellow
	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("6")) // Cyan
	statusPR        = lipgloss.NewStyle().Foreground(lipgloss.Color("4")) // Blue
	statusCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // Green
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // Red
)

// TaskItem implements list.Item for the task list.
type TaskItem struct {
	ID     string
	Intent string
	Repo   string
	Status models.TaskStatus
}

func (i TaskItem) FilterValue() string { return i.Intent }
func (i TaskItem) Title() string       { return i.Intent }
func (i TaskItem) Description() string {
	return fmt.Sprintf("%s • %s", formatStatus(i.Status), i.Repo)
}

func formatStatus(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusWaitClarify, models.TaskStatusWaitApproveWrite:
		return statusWaiting.Render("● " + string(status))
	case models.TaskStatusRunning:
		return statusRunning.Render("● " + string(status))
	case models.TaskStatusPRCreated:
		return statusPR.Render("● " + string(status))
	case models.TaskStatusCompleted:
		return statusCompleted.Render("● " + string(status))
	case models.TaskStatusFailed:
		return statusFailed.Render("● " + string(status))
	default:
		return string(status)
	}
}

// NewTaskList builds the task list widget.
func NewTaskList() list.Model {
	delegate := list.NewDefaultDelegate()
	l := list.New([]list.Item{}, delegate, 80, 20)
	l.Title = "Tasks"
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)
	l.Styles.Title = listTitleStyle
	return l
}

// TaskItems converts API tasks into list items.
func TaskItems(tasks []models.Task) []list.Item {
	items := make([]list.Item, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, TaskItem{
			ID:     t.ID,
			Intent: t.Intent,
			Repo:   t.Repo,
			Status: t.Status,
		})
	}
	return items
}
