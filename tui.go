package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"aria/channel"
	"aria/session"
)

// TUI message types
type StateMsg struct{ State session.State }
type LevelMsg struct{ Level byte }
type StatusMsg struct{ Text string }
type TranscriptionMsg struct{ Text string }
type AnswerMsg struct {
	Kind   string
	Answer string
	Chunks []channel.RetrievedChunk
}
type SessionErrorMsg struct{ Err string }
type SharingMsg struct{ Active bool }
type tickMsg time.Time

const maxStatusLines = 3

// Controls are the actions the TUI can trigger. All of them may block, so
// the model invokes them on their own goroutines.
type Controls struct {
	Toggle  func()
	SendNow func()
	Share   func()
	Copy    func() bool
}

type tuiModel struct {
	ctl Controls

	state      session.State
	level      float64
	statuses   []string
	transcript string
	answerKind string
	answer     string
	chunks     []channel.RetrievedChunk
	errText    string
	sharing    bool
	copied     bool

	width, height int
}

var (
	titleStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("81")).Bold(true)
	idleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	listenStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	speechStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true)
	busyStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Bold(true)
	speakStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("75")).Bold(true)
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	questionStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	answerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	citationStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	copiedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	helpStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	helpBoldStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	meterOnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	meterHotStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	meterOffStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("236"))
	sharingOnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
)

func NewTUIProgram(ctl Controls) *tea.Program {
	return tea.NewProgram(tuiModel{ctl: ctl, state: session.StateIdle}, tea.WithAltScreen())
}

func tuiTick() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case " ":
			if m.ctl.Toggle != nil {
				go m.ctl.Toggle()
			}
		case "enter":
			if m.ctl.SendNow != nil {
				go m.ctl.SendNow()
			}
		case "s":
			if m.ctl.Share != nil {
				go m.ctl.Share()
			}
		case "c":
			if m.ctl.Copy != nil {
				m.copied = m.ctl.Copy()
			}
		}

	case tickMsg:
		// Let the meter fall back between callbacks.
		m.level *= 0.8
		return m, tuiTick()

	case StateMsg:
		m.state = msg.State
		switch msg.State {
		case session.StateListening:
			m.level = 0
		case session.StateAwaitingChannel:
			m.statuses = nil
			m.errText = ""
		}

	case LevelMsg:
		next := float64(msg.Level)
		if next > m.level {
			m.level = next
		}

	case StatusMsg:
		m.statuses = append(m.statuses, msg.Text)
		if len(m.statuses) > maxStatusLines {
			m.statuses = m.statuses[len(m.statuses)-maxStatusLines:]
		}

	case TranscriptionMsg:
		m.transcript = msg.Text
		m.answer = ""
		m.chunks = nil
		m.copied = false

	case AnswerMsg:
		m.answerKind = msg.Kind
		m.answer = msg.Answer
		m.chunks = msg.Chunks
		m.statuses = nil

	case SessionErrorMsg:
		m.errText = msg.Err

	case SharingMsg:
		m.sharing = msg.Active
	}
	return m, nil
}

func (m tuiModel) stateLine() string {
	switch m.state {
	case session.StateIdle:
		return idleStyle.Render("○ idle — space to start")
	case session.StateAwaitingChannel:
		return busyStyle.Render("◌ connecting...")
	case session.StateListening:
		return listenStyle.Render("● listening")
	case session.StateListeningSpeech:
		return speechStyle.Render("● listening — speech detected")
	case session.StateSending:
		return busyStyle.Render("↑ sending")
	case session.StateProcessing:
		return busyStyle.Render("… processing")
	case session.StateAwaitingScreenshot:
		return busyStyle.Render("▣ capturing screen")
	case session.StateSpeaking:
		return speakStyle.Render("▶ speaking")
	}
	return idleStyle.Render(m.state.String())
}

func (m tuiModel) meter() string {
	const cells = 30
	lit := int(m.level / 255 * cells)
	if lit > cells {
		lit = cells
	}
	var b strings.Builder
	for i := 0; i < cells; i++ {
		switch {
		case i >= lit:
			b.WriteString(meterOffStyle.Render("▁"))
		case i >= cells*3/4:
			b.WriteString(meterHotStyle.Render("█"))
		default:
			b.WriteString(meterOnStyle.Render("█"))
		}
	}
	return b.String()
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	wrapWidth := m.width - 4
	if wrapWidth < 20 {
		wrapWidth = 20
	}

	var lines []string
	lines = append(lines, titleStyle.Render("aria")+helpStyle.Render(" "+version))
	lines = append(lines, "")
	lines = append(lines, m.stateLine())

	listening := m.state == session.StateListening || m.state == session.StateListeningSpeech
	if listening {
		lines = append(lines, m.meter())
	}
	if m.sharing {
		lines = append(lines, sharingOnStyle.Render("▣ sharing screen"))
	}
	lines = append(lines, "")

	for _, st := range m.statuses {
		lines = append(lines, statusStyle.Render(st))
	}

	if m.transcript != "" {
		lines = append(lines, "")
		for _, l := range wrapText("you: "+m.transcript, wrapWidth) {
			lines = append(lines, questionStyle.Render(l))
		}
	}

	if m.answer != "" {
		lines = append(lines, "")
		answerLines := wrapText(m.answer, wrapWidth)
		for i, l := range answerLines {
			rendered := answerStyle.Render(l)
			if i == len(answerLines)-1 && m.copied {
				rendered += " " + copiedStyle.Render("[✓ copied]")
			}
			lines = append(lines, rendered)
		}
		for _, c := range m.chunks {
			cite := fmt.Sprintf("  • %s (%.2f)", c.Filename, c.Distance)
			lines = append(lines, citationStyle.Render(cite))
		}
	}

	if m.errText != "" {
		lines = append(lines, "")
		for _, l := range wrapText("error: "+m.errText, wrapWidth) {
			lines = append(lines, errorStyle.Render(l))
		}
	}

	lines = append(lines, "")
	help := helpBoldStyle.Render("space") + helpStyle.Render(" start/stop  ") +
		helpBoldStyle.Render("enter") + helpStyle.Render(" send now  ") +
		helpBoldStyle.Render("s") + helpStyle.Render(" share screen  ") +
		helpBoldStyle.Render("c") + helpStyle.Render(" copy answer  ") +
		helpBoldStyle.Render("q") + helpStyle.Render(" quit")
	lines = append(lines, help)

	return lipgloss.NewStyle().
		Width(m.width).
		Height(m.height).
		Padding(1, 2).
		Render(strings.Join(lines, "\n"))
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}
