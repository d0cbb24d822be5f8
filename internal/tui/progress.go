package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
)

// ProgressState tracks the byte progress of a transfer.
type ProgressState struct {
	progress    progress.Model
	current     int64
	total       int64
	description string
	isActive    bool
}

// NewProgressState creates a new progress tracking state.
func NewProgressState() ProgressState {
	p := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(40),
	)
	return ProgressState{
		progress: p,
		isActive: true,
	}
}

// Update records bytes sent out of total and the current phase.
func (p *ProgressState) Update(current, total int64, description string) {
	p.current = current
	p.total = total
	if description != "" {
		p.description = description
	}
}

// Percent returns the progress from 0.0 to 1.0.
func (p ProgressState) Percent() float64 {
	if p.total <= 0 {
		return 0
	}
	return min(float64(p.current)/float64(p.total), 1)
}

// Complete marks the transfer as complete.
func (p *ProgressState) Complete() {
	p.current = p.total
	p.isActive = false
}

// Cancel stops the progress without completing.
func (p *ProgressState) Cancel() {
	p.isActive = false
}

// IsActive returns whether the transfer is still running.
func (p ProgressState) IsActive() bool {
	return p.isActive
}

// SetWidth fits the bar to the terminal.
func (p *ProgressState) SetWidth(w int) {
	p.progress.Width = max(10, min(w, 60))
}

// View renders the progress bar.
func (p ProgressState) View() string {
	descStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	line := fmt.Sprintf("%s  %s / %s", p.description, humanizeBytes(p.current), humanizeBytes(p.total))
	return descStyle.Render(line) + "\n" + p.progress.ViewAs(p.Percent())
}

func humanizeBytes(b int64) string {
	switch {
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(b)/(1<<10))
	}
	return fmt.Sprintf("%d B", b)
}
