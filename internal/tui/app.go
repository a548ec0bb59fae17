package tui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// App is the root Bubble Tea model. It owns the progress view and decides
// when the program exits.
type App struct {
	progress ProgressModel
}

// NewApp creates the root model around a progress view.
func NewApp(progress ProgressModel) App {
	return App{progress: progress}
}

// Init implements tea.Model.
func (a App) Init() tea.Cmd {
	return a.progress.Init()
}

// Update implements tea.Model.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	a.progress, cmd = a.progress.Update(msg)
	return a, cmd
}

// View implements tea.Model.
func (a App) View() string {
	return a.progress.View()
}

// Progress exposes the inner model, mainly for inspecting final state.
func (a App) Progress() ProgressModel {
	return a.progress
}
