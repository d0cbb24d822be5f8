// Package tui is a live monitor for a running case DFU: byte progress, the
// engine's component states, lifecycle notifications and the commit prompt.
package tui

import (
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/vitaminmoo/casedfu/internal/host"
)

// ErrInterrupted is returned by Run when the user quit before the transfer
// ended.
var ErrInterrupted = errors.New("interrupted before the transfer ended")

// Monitor runs the TUI program. Its callback methods may be called from the
// engine goroutine.
type Monitor struct {
	p *tea.Program
}

// NewMonitor builds a monitor for the transfer called title.
func NewMonitor(title string, src Source, ctl Controls, opts ...tea.ProgramOption) *Monitor {
	m := NewModel(title, src, ctl)
	if len(opts) == 0 {
		opts = []tea.ProgramOption{tea.WithAltScreen()}
	}
	return &Monitor{p: tea.NewProgram(m, opts...)}
}

// Progress matches firmware.ProgressCallback.
func (m *Monitor) Progress(current, total int64, phase string) {
	m.p.Send(progressUpdateMsg{current: current, total: total, phase: phase})
}

// Notify matches host.Observer.
func (m *Monitor) Notify(n host.Notification) {
	m.p.Send(notificationMsg{at: time.Now(), n: n})
}

// Prompt matches updater.Prompter: it shows the commit prompt and returns.
// The answer goes through Controls.Answer.
func (m *Monitor) Prompt() {
	m.p.Send(promptMsg{})
}

// Finish reports the transfer outcome.
func (m *Monitor) Finish(err error) {
	m.p.Send(doneMsg{err: err})
}

// Run blocks until the user quits. It returns the transfer outcome, or
// ErrInterrupted when the user left before the transfer ended.
func (m *Monitor) Run() error {
	final, err := m.p.Run()
	if err != nil {
		return fmt.Errorf("error running TUI: %w", err)
	}
	fm, ok := final.(Model)
	if !ok || !fm.Done() {
		return ErrInterrupted
	}
	return fm.Err()
}

// Quit stops the program from another goroutine.
func (m *Monitor) Quit() {
	m.p.Quit()
}
