package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vitaminmoo/casedfu/internal/casedfu"
	"github.com/vitaminmoo/casedfu/internal/host"
	"github.com/vitaminmoo/casedfu/internal/upgrade"
)

const (
	statusInterval = 250 * time.Millisecond
	maxEvents      = 6
)

// Source supplies engine snapshots. It is called from the TUI goroutine.
type Source interface {
	Status() casedfu.Status
}

// Controls reach back into the engine. Both are called from the TUI
// goroutine and must hand the work to the engine's loop.
type Controls struct {
	Abort  func()
	Answer func(yes bool)
}

// Model is the transfer monitor.
type Model struct {
	title string
	src   Source
	ctl   Controls

	// State
	status    casedfu.Status
	progress  ProgressState
	events    []string
	prompting bool
	aborting  bool
	done      bool
	err       error
	width     int

	// Components
	keys    KeyMap
	help    help.Model
	spinner spinner.Model
	styles  Styles
}

// --- Messages from the engine goroutine ---

type statusTickMsg time.Time

type progressUpdateMsg struct {
	current int64
	total   int64
	phase   string
}

type notificationMsg struct {
	at time.Time
	n  host.Notification
}

type promptMsg struct{}

type doneMsg struct{ err error }

// NewModel creates a monitor for the transfer called title.
func NewModel(title string, src Source, ctl Controls) Model {
	h := help.New()
	h.ShowAll = false

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))

	return Model{
		title:    title,
		src:      src,
		ctl:      ctl,
		progress: NewProgressState(),
		keys:     DefaultKeyMap(),
		help:     h,
		spinner:  s,
		styles:   DefaultStyles(),
	}
}

// Init starts the spinner and status polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, statusTickCmd())
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		m.progress.SetWidth(msg.Width - 8)
		return m, nil

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case statusTickMsg:
		if m.src != nil {
			m.status = m.src.Status()
		}
		if m.done {
			return m, nil
		}
		return m, statusTickCmd()

	case progressUpdateMsg:
		m.progress.Update(msg.current, msg.total, msg.phase)
		return m, nil

	case notificationMsg:
		if msg.n == host.Activity {
			return m, nil
		}
		m.events = append(m.events, fmt.Sprintf("%s  %s", msg.at.Format("15:04:05"), msg.n))
		if len(m.events) > maxEvents {
			m.events = m.events[len(m.events)-maxEvents:]
		}
		return m, nil

	case promptMsg:
		m.setPrompting(true)
		return m, nil

	case doneMsg:
		m.done = true
		m.err = msg.err
		m.setPrompting(false)
		m.keys.Abort.SetEnabled(false)
		if msg.err == nil {
			m.progress.Complete()
		} else {
			m.progress.Cancel()
		}
		if m.src != nil {
			m.status = m.src.Status()
		}
		return m, nil
	}
	return m, nil
}

func (m *Model) setPrompting(on bool) {
	m.prompting = on
	m.keys.Yes.SetEnabled(on)
	m.keys.No.SetEnabled(on)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case msg.String() == "ctrl+c":
		return m, tea.Quit

	case key.Matches(msg, m.keys.Quit):
		if m.done {
			return m, tea.Quit
		}
		// Quitting mid-transfer aborts first; the program exits on done.
		return m.abort(), nil

	case key.Matches(msg, m.keys.Abort):
		return m.abort(), nil

	case key.Matches(msg, m.keys.Yes):
		m.setPrompting(false)
		if m.ctl.Answer != nil {
			m.ctl.Answer(true)
		}
		return m, nil

	case key.Matches(msg, m.keys.No):
		m.setPrompting(false)
		if m.ctl.Answer != nil {
			m.ctl.Answer(false)
		}
		return m, nil

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	}
	return m, nil
}

func (m Model) abort() Model {
	if m.done || m.aborting {
		return m
	}
	m.aborting = true
	m.setPrompting(false)
	if m.ctl.Abort != nil {
		m.ctl.Abort()
	}
	return m
}

// Done reports whether the transfer ended.
func (m Model) Done() bool { return m.done }

// Err returns the transfer outcome once Done.
func (m Model) Err() error { return m.err }

// View renders the model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.renderTitleBar())
	b.WriteString("\n\n")
	b.WriteString(m.progress.View())
	b.WriteString("\n\n")

	st := m.status
	b.WriteString(m.renderField("Host", st.HostState))
	b.WriteString(m.renderField("Case", st.FWState))
	if st.ParserState != "" {
		b.WriteString(m.renderField("Parser", st.ParserState))
	}
	if st.TargetBank != "" {
		b.WriteString(m.renderField("Target bank", st.TargetBank))
	}
	if st.Variant != "" {
		b.WriteString(m.renderField("Variant", st.Variant))
	}
	if st.CaseVersion != "" {
		b.WriteString(m.renderField("Case version", st.CaseVersion))
	}
	b.WriteString(m.renderField("Records", fmt.Sprintf("%d", st.Records)))
	b.WriteString(m.renderField("Link", fmt.Sprintf("%d sent, %d retries", st.LinkSent, st.LinkRetries)))
	if st.Queued > 0 {
		b.WriteString(m.renderField("Queued", fmt.Sprintf("%d packets", st.Queued)))
	}

	if len(m.events) > 0 {
		b.WriteString("\n")
		for _, e := range m.events {
			b.WriteString(m.styles.Muted.Render(e))
			b.WriteString("\n")
		}
	}

	if m.prompting {
		b.WriteString(m.styles.Prompt.Render(
			m.styles.Highlight.Render("The case verified the new image.") + "\n" +
				"Commit it? " + m.styles.Muted.Render("[y/n]")))
		b.WriteString("\n")
	}

	if m.done {
		b.WriteString("\n")
		b.WriteString(m.renderResult())
		b.WriteString("\n")
	}

	b.WriteString(m.styles.Help.Render(m.help.View(m.keys)))
	return m.styles.App.Render(b.String())
}

func (m Model) renderTitleBar() string {
	parts := []string{m.styles.Title.Render("Case DFU")}
	if m.title != "" {
		parts = append(parts, m.styles.Subtitle.Render(m.title))
	}
	switch {
	case m.done && m.err == nil:
		parts = append(parts, m.styles.Success.Render("● complete"))
	case m.done:
		parts = append(parts, m.styles.Error.Render("○ failed"))
	case m.aborting:
		parts = append(parts, m.spinner.View()+" "+m.styles.Warning.Render("Aborting..."))
	default:
		parts = append(parts, m.spinner.View())
	}
	return strings.Join(parts, "  ")
}

func (m Model) renderResult() string {
	if m.err == nil {
		return m.styles.Success.Render("Case firmware updated.")
	}
	msg := "Case DFU failed: " + m.err.Error()
	msg += fmt.Sprintf(" [0x%02x]", uint16(upgrade.CodeOf(m.err)))
	return m.styles.Error.Render(msg)
}

func (m Model) renderField(label, value string) string {
	if value == "" {
		value = "-"
	}
	return m.styles.Label.Render(label) + m.styles.Value.Render(value) + "\n"
}

// statusTickCmd returns a command that triggers periodic status updates.
func statusTickCmd() tea.Cmd {
	return tea.Tick(statusInterval, func(t time.Time) tea.Msg {
		return statusTickMsg(t)
	})
}
