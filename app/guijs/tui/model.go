package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	runtimesvc "github.com/fairhopeweb/guijs/app/guijs/runtime"
)

const maxOutputLines = 500

// Publisher sends commands back to the controller. *framework.EventBus
// satisfies it.
type Publisher interface {
	Publish(name, payload string)
}

// Run starts the bootstrap and shows the splash screen until the user quits.
// feed must already be attached to rt.Bus and installed as a telemetry sink;
// it is closed when the splash screen exits.
func Run(ctx context.Context, rt *runtimesvc.Runtime, feed *Feed) error {
	if rt == nil {
		return fmt.Errorf("runtime is required")
	}
	if feed == nil {
		return fmt.Errorf("feed is required")
	}
	defer feed.Close()
	program := tea.NewProgram(
		NewModel(rt.Bus, feed),
		tea.WithContext(ctx),
		tea.WithAltScreen(),
	)
	if err := rt.Start(ctx); err != nil {
		return err
	}
	_, err := program.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// Model is the splash screen. It only renders notifications and publishes
// commands; the controller decides everything.
type Model struct {
	bus  Publisher
	feed *Feed

	spinner spinner.Model
	output  viewport.Model
	lines   []string

	event    runtimesvc.StateEvent
	hasEvent bool
	scripts  int

	width  int
	height int
	ready  bool
}

// NewModel builds the splash screen model.
func NewModel(bus Publisher, feed *Feed) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = phaseStyle
	return Model{
		bus:     bus,
		feed:    feed,
		spinner: sp,
		output:  viewport.New(0, 0),
	}
}

// Init fulfills the Bubble Tea Model interface.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.feed.listen())
}

// Update applies incoming Bubble Tea messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleResize(msg), nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case stateMsg:
		m.event = msg.event
		m.hasEvent = true
		return m, m.feed.listen()
	case outputMsg:
		m.lines = append(m.lines, msg.line)
		if len(m.lines) > maxOutputLines {
			m.lines = m.lines[len(m.lines)-maxOutputLines:]
		}
		m.output.SetContent(strings.Join(m.lines, "\n"))
		m.output.GotoBottom()
		return m, m.feed.listen()
	case evalMsg:
		m.scripts++
		return m, m.feed.listen()
	}
	return m, nil
}

func (m Model) handleResize(msg tea.WindowSizeMsg) Model {
	m.width = msg.Width
	m.height = msg.Height
	m.output.Width = max(10, msg.Width-4)
	// splash box, hints, status bar and the output border
	m.output.Height = max(3, msg.Height-14)
	m.ready = true
	return m
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "r":
		return m, m.publish(runtimesvc.CommandReload)
	case "u":
		if m.awaitingDecision() {
			return m, m.publish(runtimesvc.CommandUpdate)
		}
	case "s":
		if m.awaitingDecision() {
			return m, m.publish(runtimesvc.CommandSkipUpdate)
		}
	case "up", "down", "pgup", "pgdown":
		var cmd tea.Cmd
		m.output, cmd = m.output.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) awaitingDecision() bool {
	return m.hasEvent && m.event.Name == runtimesvc.NotifyUpdateAvailable
}

// publish runs off the UI goroutine; bus handlers may take a moment.
func (m Model) publish(cmd runtimesvc.Command) tea.Cmd {
	bus := m.bus
	if bus == nil {
		return nil
	}
	return func() tea.Msg {
		bus.Publish(cmd.String(), "")
		return nil
	}
}
