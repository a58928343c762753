package tui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	runtimesvc "github.com/fairhopeweb/guijs/app/guijs/runtime"
	"github.com/fairhopeweb/guijs/framework"
)

type stateMsg struct{ event runtimesvc.StateEvent }

type outputMsg struct{ line string }

type evalMsg struct{ script string }

// Feed turns bus notifications and process output into Bubble Tea messages.
// It subscribes to the outbound bus channels and is installed as a telemetry
// sink for process output.
type Feed struct {
	ch chan tea.Msg

	done      chan struct{}
	closeOnce sync.Once
}

// NewFeed creates a feed with room for buffer pending messages.
func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 256
	}
	return &Feed{ch: make(chan tea.Msg, buffer), done: make(chan struct{})}
}

// Close stops delivery once nothing reads the feed anymore. Later messages
// are discarded.
func (f *Feed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// Attach subscribes the feed to the state and eval channels of bus.
func (f *Feed) Attach(bus *framework.EventBus) {
	bus.Subscribe(runtimesvc.ChannelState, func(payload string) {
		event, err := runtimesvc.DecodeStateEvent(payload)
		if err != nil {
			return
		}
		// State notifications are rare and must not be lost while the
		// splash screen is up.
		select {
		case f.ch <- stateMsg{event: event}:
		case <-f.done:
		}
	})
	bus.Subscribe(runtimesvc.ChannelEval, func(payload string) {
		f.offer(evalMsg{script: payload})
	})
}

// Emit forwards process output lines; other events are ignored.
func (f *Feed) Emit(event framework.Event) {
	if event.Type != framework.EventProcessOutput {
		return
	}
	f.offer(outputMsg{line: event.Message})
}

// offer drops the message when the UI is too far behind.
func (f *Feed) offer(msg tea.Msg) {
	select {
	case <-f.done:
		return
	default:
	}
	select {
	case f.ch <- msg:
	default:
	}
}

func (f *Feed) listen() tea.Cmd {
	if f == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-f.ch
		if !ok {
			return nil
		}
		return msg
	}
}
