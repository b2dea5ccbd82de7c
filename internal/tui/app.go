// Package tui provides the interactive terminal monitor for warden.
package tui

import (
	"os"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280")).
			Italic(true)

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444"))
)

const refreshInterval = 3 * time.Second

type tasksMsg struct {
	items []list.Item
	err   error
}

type tickMsg time.Time

// App is the main TUI application model.
type App struct {
	client  *Client
	list    list.Model
	actor   string
	lastErr error
	width   int
	height  int
}

// NewApp creates the monitor app against the given gateway address.
func NewApp(baseURL string) *App {
	hostname, _ := os.Hostname()
	return &App{
		client: NewClient(baseURL),
		list:   NewTaskList(),
		actor:  "tui@" + hostname,
	}
}

// Run starts the TUI event loop.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.refresh(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) refresh() tea.Cmd {
	return func() tea.Msg {
		tasks, err := a.client.ListTasks(50)
		if err != nil {
			return tasksMsg{err: err}
		}
		return tasksMsg{items: TaskItems(tasks)}
	}
}

// action applies an operator action to the selected task and refreshes.
func (a *App) action(name string) tea.Cmd {
	item, ok := a.list.SelectedItem().(TaskItem)
	if !ok {
		return nil
	}
	return func() tea.Msg {
		if err := a.client.ApplyAction(item.ID, name, a.actor); err != nil {
			return tasksMsg{err: err}
		}
		tasks, err := a.client.ListTasks(50)
		if err != nil {
			return tasksMsg{err: err}
		}
		return tasksMsg{items: TaskItems(tasks)}
	}
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.list.SetSize(msg.Width, msg.Height-2)
		return a, nil

	case tasksMsg:
		a.lastErr = msg.err
		if msg.err == nil {
			a.list.SetItems(msg.items)
		}
		return a, nil

	case tickMsg:
		return a, tea.Batch(a.refresh(), tick())

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return a, tea.Quit
		case "R":
			return a, a.refresh()
		case "a":
			return a, a.action("approve")
		case "x":
			return a, a.action("reject")
		case "t":
			return a, a.action("retry")
		}
	}

	var cmd tea.Cmd
	a.list, cmd = a.list.Update(msg)
	return a, cmd
}

func (a *App) View() string {
	view := a.list.View()
	help := helpStyle.Render("a approve • x reject • t retry • R refresh • q quit")
	if a.lastErr != nil {
		help = errStyle.Render("error: " + a.lastErr.Error())
	}
	return view + "\n" + help
}
