// Package dashboard renders a terminal view of engine progress.
package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"conductor/engine"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

const maxEventLines = 8

type tickMsg time.Time

type eventMsg engine.Event

type eventsClosedMsg struct{}

// Model is the bubbletea model for the dashboard.
type Model struct {
	eng     *engine.Engine
	report  engine.ProgressReport
	events  []engine.Event
	eventCh <-chan engine.Event
	cancel  func()

	spinner  spinner.Model
	progress progress.Model
	width    int
	height   int
	quitting bool
}

// New creates a dashboard bound to the engine.
func New(eng *engine.Engine) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	p := progress.New(progress.WithDefaultGradient(), progress.WithWidth(40))

	ch, cancel := eng.Events()
	return &Model{
		eng:      eng,
		eventCh:  ch,
		cancel:   cancel,
		spinner:  s,
		progress: p,
		report:   eng.Status(),
	}
}

// Run blocks until the user quits or the engine drains.
func Run(eng *engine.Engine) error {
	m := New(eng)
	defer m.cancel()
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.tick(), m.nextEvent())
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) nextEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.eventCh
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Checkpoint):
			// The resulting snapshot event shows up in the event feed.
			_, _ = m.eng.CaptureSnapshot("checkpoint", true)
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 20
		if m.progress.Width > 60 {
			m.progress.Width = 60
		}
	case tickMsg:
		m.report = m.eng.Status()
		if m.report.Done() && m.report.Total > 0 {
			m.quitting = true
			return m, tea.Quit
		}
		return m, m.tick()
	case eventMsg:
		m.events = append(m.events, engine.Event(msg))
		if len(m.events) > maxEventLines {
			m.events = m.events[len(m.events)-maxEventLines:]
		}
		return m, m.nextEvent()
	case eventsClosedMsg:
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var sb strings.Builder
	r := m.report

	sb.WriteString(titleStyle.Render("conductor"))
	sb.WriteString("  ")
	if r.Running > 0 {
		sb.WriteString(m.spinner.View())
	}
	sb.WriteString("\n\n")

	sb.WriteString(m.progress.ViewAs(r.PercentComplete() / 100))
	sb.WriteString(fmt.Sprintf("  %.0f%%\n\n", r.PercentComplete()))

	sb.WriteString(headerStyle.Render("Tasks"))
	sb.WriteString(fmt.Sprintf(
		"  queued %d  running %d  %s %d  %s %d  retrying %d  blocked %d\n",
		r.Queued, r.Running,
		okStyle.Render("done"), r.Succeeded,
		errStyle.Render("failed"), r.Failed,
		r.Retrying, r.Blocked,
	))
	if r.ETA > 0 {
		sb.WriteString(dimStyle.Render(fmt.Sprintf(
			"  eta %s (%s confidence), %d/min\n",
			r.ETA.Round(time.Second), r.ETAConfidence, r.ThroughputPerMinute,
		)))
	}
	sb.WriteString("\n")

	sb.WriteString(headerStyle.Render("Workers"))
	sb.WriteString("\n")
	for _, w := range r.Workers {
		line := fmt.Sprintf("  %-10s %-8s", w.ID, w.Status)
		if w.CurrentTask != "" {
			line += " " + w.CurrentTask
		}
		sb.WriteString(line + "\n")
	}
	sb.WriteString("\n")

	if len(r.Locks) > 0 {
		sb.WriteString(headerStyle.Render("Locks"))
		sb.WriteString("\n")
		for _, l := range r.Locks {
			sb.WriteString(fmt.Sprintf("  %s %s held by %s\n", l.Resource, dimStyle.Render(l.Type.String()), l.Holder))
		}
		sb.WriteString("\n")
	}

	for _, c := range r.OpenConflicts {
		sb.WriteString(warnStyle.Render(fmt.Sprintf("  conflict on %s (%v)\n", c.Resource, c.Writers)))
	}
	for _, a := range r.Alerts {
		style := warnStyle
		if a.Level == engine.AlertCritical {
			style = errStyle
		}
		sb.WriteString(style.Render(fmt.Sprintf("  %s %s at %.1f%%\n", a.Level, a.Metric, a.Value)))
	}

	if len(m.events) > 0 {
		sb.WriteString(headerStyle.Render("Events"))
		sb.WriteString("\n")
		for _, ev := range m.events {
			line := fmt.Sprintf("  %s %s", ev.At.Format("15:04:05"), ev.Type)
			if ev.TaskID != "" {
				line += " " + ev.TaskID
			}
			if ev.Message != "" {
				line += " " + dimStyle.Render(ev.Message)
			}
			sb.WriteString(line + "\n")
		}
	}

	sb.WriteString("\n")
	sb.WriteString(dimStyle.Render(fmt.Sprintf(
		"%s %s · %s %s",
		keys.Quit.Help().Key, keys.Quit.Help().Desc,
		keys.Checkpoint.Help().Key, keys.Checkpoint.Help().Desc,
	)))
	return sb.String()
}
