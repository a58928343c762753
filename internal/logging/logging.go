package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel   = "GUIJS_LOG_LEVEL"
	EnvLogNoColor = "GUIJS_LOG_NOCOLOR"
	EnvLogJSON    = "GUIJS_LOG_JSON"
)

// Options describes where log lines go. Console is nil when something else
// (the splash screen) owns the terminal.
type Options struct {
	App      string
	Level    string
	FilePath string
	Console  io.Writer
	NoColor  bool
	JSON     bool
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// New builds a logger writing to the console and, when FilePath is set, to an
// append-only log file. The returned closer releases the file.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	applyEnvOverrides(&opts)
	level, ok := ParseLevel(opts.Level)
	if !ok && strings.TrimSpace(opts.Level) != "" {
		return zerolog.Nop(), nil, fmt.Errorf("unknown log level %q", opts.Level)
	}

	var (
		writers []io.Writer
		closers multiCloser
	)
	if opts.Console != nil {
		if opts.JSON {
			writers = append(writers, opts.Console)
		} else {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        opts.Console,
				TimeFormat: time.RFC3339,
				NoColor:    opts.NoColor,
			})
		}
	}
	if opts.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log: %w", err)
		}
		writers = append(writers, f)
		closers = append(closers, f)
	}
	if len(writers) == 0 {
		return zerolog.Nop(), closers, nil
	}

	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp()
	if opts.App != "" {
		ctx = ctx.Str("app", opts.App)
	}
	return ctx.Logger(), closers, nil
}

// Nop is the logger tests hand to components.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

func applyEnvOverrides(opts *Options) {
	if raw := os.Getenv(EnvLogLevel); strings.TrimSpace(raw) != "" {
		if _, ok := ParseLevel(raw); ok {
			opts.Level = raw
		}
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		opts.NoColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogJSON)); ok {
		opts.JSON = v
	}
}

// ParseLevel accepts the level names used in config files and the
// environment. An empty string is info.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
