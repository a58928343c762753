package framework

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType categorizes telemetry events.
type EventType string

const (
	EventStateChange   EventType = "state_change"
	EventProcessOutput EventType = "process_output"
	EventProcessExit   EventType = "process_exit"
	EventCommand       EventType = "command"
)

// Event captures structured telemetry data.
type Event struct {
	Type      EventType      `json:"type"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
	Command   string         `json:"command,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Telemetry is the log sink for bootstrap transitions and process output.
type Telemetry interface {
	Emit(event Event)
}

// MultiplexTelemetry broadcasts events to multiple sinks.
type MultiplexTelemetry struct {
	Sinks []Telemetry
}

// Emit forwards the event to all registered sinks.
func (m MultiplexTelemetry) Emit(event Event) {
	for _, s := range m.Sinks {
		if s != nil {
			s.Emit(event)
		}
	}
}

// NopTelemetry drops every event.
type NopTelemetry struct{}

func (NopTelemetry) Emit(Event) {}

// JSONFileTelemetry writes events as newline-delimited JSON to a file.
// External tools can tail and process the stream in real-time.
type JSONFileTelemetry struct {
	path string
	file *os.File
	enc  *json.Encoder
	mu   sync.Mutex
}

// NewJSONFileTelemetry opens (or creates) the trace file.
func NewJSONFileTelemetry(path string) (*JSONFileTelemetry, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONFileTelemetry{
		path: path,
		file: f,
		enc:  json.NewEncoder(f),
	}, nil
}

// Emit writes the JSON record.
func (j *JSONFileTelemetry) Emit(event Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.enc != nil {
		_ = j.enc.Encode(event)
	}
}

// Close releases the file handle.
func (j *JSONFileTelemetry) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		err := j.file.Close()
		j.file = nil
		j.enc = nil
		return err
	}
	return nil
}

// LoggerTelemetry writes events through a zerolog logger. Process output is
// logged at debug level so installs stay quiet unless asked for.
type LoggerTelemetry struct {
	Logger zerolog.Logger
}

// Emit logs the event.
func (t LoggerTelemetry) Emit(event Event) {
	var e *zerolog.Event
	switch event.Type {
	case EventProcessOutput:
		e = t.Logger.Debug()
	default:
		e = t.Logger.Info()
	}
	e = e.Str("event", string(event.Type))
	if event.From != "" || event.To != "" {
		e = e.Str("from", event.From).Str("to", event.To)
	}
	if event.Command != "" {
		e = e.Str("command", event.Command)
	}
	if len(event.Metadata) > 0 {
		e = e.Fields(event.Metadata)
	}
	e.Msg(event.Message)
}
