// Package tui is a live terminal view of the engine: the timeline plus
// single-key loop and transport controls.
package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/roach88/loopsync/internal/engine"
	"github.com/roach88/loopsync/internal/gesture"
	"github.com/roach88/loopsync/internal/timeline"
	"github.com/roach88/loopsync/internal/transport"
)

// Engine is the part of the engine the view drives.
type Engine interface {
	Snapshot() engine.Snapshot
	Updates() <-chan struct{}
	Submit(cmd engine.Command) bool
	PushGesture(g gesture.Event) bool
}

const (
	defaultWidth = 80
	// labelColumns is the loop-name column timeline draws before each lane.
	labelColumns = 14
	helpText     = "1-9:toggle loop  n:new  c:clear  d:delete  esc:deselect  s:start  space:play/stop  m:metronome  k/p:kick/piano  q:quit"
)

// Keyboard pads: each key plays an onset on a fixed object, recorded like
// any other gesture, and mirrors it to the backend as a test event.
var pads = map[string]gesture.TestEvent{
	"k": {ObjectID: "kick", Hand: "right", Finger: "index", Velocity: 1, Label: "kick (k)"},
	"p": {ObjectID: "piano", Hand: "right", Finger: "index", Velocity: 1, Label: "piano (p)"},
}

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	rulerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	inactiveStyle = lipgloss.NewStyle().Faint(true)
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// UpdateMsg is delivered whenever the engine publishes a new snapshot.
type UpdateMsg struct{}

// Model is the bubbletea model.
type Model struct {
	eng      Engine
	meter    transport.Config
	width    int
	notice   string
	quitting bool
}

// NewModel creates a view. meter is what "s" starts the transport with.
func NewModel(eng Engine, meter transport.Config) Model {
	return Model{eng: eng, meter: meter, width: defaultWidth}
}

// ListenForUpdates waits for the next snapshot notification.
func ListenForUpdates(eng Engine) tea.Cmd {
	return func() tea.Msg {
		<-eng.Updates()
		return UpdateMsg{}
	}
}

func (m Model) Init() tea.Cmd {
	return ListenForUpdates(m.eng)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case UpdateMsg:
		return m, ListenForUpdates(m.eng)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	snap := m.eng.Snapshot()
	m.notice = ""

	switch key := msg.String(); key {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "1", "2", "3", "4", "5", "6", "7", "8", "9":
		idx := int(key[0] - '1')
		if idx >= len(snap.Loops) {
			m.notice = fmt.Sprintf("no loop %s", key)
			return m, nil
		}
		m.submit(engine.Command{Kind: engine.CmdToggle, LoopID: snap.Loops[idx].ID})

	case "n":
		m.submit(engine.Command{Kind: engine.CmdCreate})

	case "c", "d":
		if snap.SelectedLoopID == "" {
			m.notice = "no loop selected"
			return m, nil
		}
		kind := engine.CmdClear
		if key == "d" {
			kind = engine.CmdDelete
		}
		m.submit(engine.Command{Kind: kind, LoopID: snap.SelectedLoopID})

	case "esc":
		m.submit(engine.Command{Kind: engine.CmdDeselect})

	case "s":
		m.submit(engine.Command{Kind: engine.CmdStartTransport, Transport: m.meter})

	case " ":
		m.submit(engine.Command{Kind: engine.CmdToggleTransport, Playing: !snap.Transport.Playing})

	case "m":
		m.submit(engine.Command{Kind: engine.CmdMetronome, Enabled: !snap.Metronome})

	case "k", "p":
		pad := pads[key]
		if !m.eng.PushGesture(gesture.Event{Kind: gesture.KindOn, ObjectID: pad.ObjectID, Hand: pad.Hand, Finger: pad.Finger}) {
			m.notice = "engine stopped"
			return m, nil
		}
		m.submit(engine.Command{Kind: engine.CmdAddTestEvent, TestEvent: pad})
	}
	return m, nil
}

func (m *Model) submit(cmd engine.Command) {
	if !m.eng.Submit(cmd) {
		m.notice = "engine stopped"
	}
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	laneWidth := m.width - labelColumns - 1
	if laneWidth < timeline.MinWidth {
		laneWidth = timeline.MinWidth
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render("loopsync"))
	b.WriteString("\n\n")

	for _, line := range timeline.Lines(m.eng.Snapshot(), laneWidth) {
		b.WriteString(style(line).Render(line.Text))
		b.WriteByte('\n')
	}

	if m.notice != "" {
		b.WriteString("\n")
		b.WriteString(statusStyle.Render(m.notice))
		b.WriteByte('\n')
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(helpText))
	return b.String()
}

func style(line timeline.Line) lipgloss.Style {
	switch line.Kind {
	case timeline.KindHeader:
		return headerStyle
	case timeline.KindRuler, timeline.KindPlayhead:
		return rulerStyle
	case timeline.KindStatus:
		return statusStyle
	}
	switch {
	case line.Selected:
		return selectedStyle
	case line.Pending:
		return pendingStyle
	case !line.Active:
		return inactiveStyle
	}
	return lipgloss.NewStyle()
}
