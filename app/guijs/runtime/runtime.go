package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/fairhopeweb/guijs/framework"
	"github.com/fairhopeweb/guijs/internal/logging"
	"github.com/fairhopeweb/guijs/persistence"
)

// Options adjusts how New wires the runtime for a particular front end.
type Options struct {
	// Console receives human readable logs. Leave nil when a TUI owns the
	// terminal; logs then only go to the log file.
	Console io.Writer
	// Sinks receive every telemetry event next to the logger and the journal.
	Sinks []framework.Telemetry
	// Runner defaults to framework.ExecRunner.
	Runner  framework.ProcessRunner
	Version string
}

// Runtime wires the guijs CLI, the splash screen and the bridge server to one
// bootstrap controller. It owns the log file, the journal and the trace file.
type Runtime struct {
	Config     Config
	Logger     zerolog.Logger
	Bus        *framework.EventBus
	Runner     framework.ProcessRunner
	Probe      *Probe
	Journal    *persistence.Journal
	Telemetry  framework.Telemetry
	Controller *Controller

	version string
	closers []io.Closer
}

// New builds a runtime from a config. The controller is constructed but not
// started.
func New(ctx context.Context, cfg Config, opts Options) (*Runtime, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	logger, logCloser, err := logging.New(logging.Options{
		App:      "guijs",
		Level:    cfg.LogLevel,
		FilePath: cfg.LogPath,
		Console:  opts.Console,
	})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		Config:  cfg,
		Logger:  logger,
		Bus:     framework.NewEventBus(),
		Runner:  opts.Runner,
		version: opts.Version,
	}
	rt.closers = append(rt.closers, logCloser)
	if rt.Runner == nil {
		rt.Runner = framework.ExecRunner{}
	}

	sinks := []framework.Telemetry{framework.LoggerTelemetry{Logger: logger}}
	if cfg.JournalPath != "" {
		journal, err := persistence.OpenJournal(cfg.JournalPath, logger)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		rt.Journal = journal
		rt.closers = append(rt.closers, journal)
		sinks = append(sinks, journal)
	}
	if cfg.TracePath != "" {
		trace, err := framework.NewJSONFileTelemetry(cfg.TracePath)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("open trace: %w", err)
		}
		rt.closers = append(rt.closers, trace)
		sinks = append(sinks, trace)
	}
	sinks = append(sinks, opts.Sinks...)
	rt.Telemetry = framework.MultiplexTelemetry{Sinks: sinks}

	rt.Probe = NewProbe(cfg, rt.Runner, logger.With().Str("component", "probe").Logger())
	controller, err := NewController(ControllerOptions{
		Config:    cfg,
		Bus:       rt.Bus,
		Toolchain: rt.Probe,
		Runner:    rt.Runner,
		Telemetry: rt.Telemetry,
		Logger:    logger.With().Str("component", "controller").Logger(),
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Controller = controller
	return rt, nil
}

// Start opens a journal attempt and starts the controller. Calling it again is
// a no-op.
func (r *Runtime) Start(ctx context.Context) error {
	if r.Journal != nil && r.Journal.CurrentAttempt() == "" {
		id, err := r.Journal.BeginAttempt(ctx, r.version)
		if err != nil {
			r.Logger.Warn().Err(err).Msg("journal attempt not recorded")
		} else {
			r.Logger.Debug().Str("attempt", id).Msg("journal attempt started")
		}
	}
	return r.Controller.Start(ctx)
}

// CheckReport is what `guijs check` prints: the environment and the
// reconciliation verdict without installing anything.
type CheckReport struct {
	Runtime    LocalToolchain
	Manifest   *RemoteManifest
	Compatible bool
	Statuses   []DependencyStatus
}

// Check probes the environment and classifies dependencies without touching
// the controller.
func (r *Runtime) Check(ctx context.Context) (CheckReport, error) {
	var report CheckReport
	local, err := r.Probe.LocateRuntime(ctx)
	if err != nil {
		return report, err
	}
	report.Runtime = local
	if !local.Present {
		return report, nil
	}
	manifest, err := r.Probe.FetchManifest(ctx)
	if err != nil {
		return report, err
	}
	report.Manifest = manifest
	cmp, err := framework.LegacyCompare(
		framework.StripVersionRange(local.Version),
		framework.StripVersionRange(manifest.MinRuntimeVersion()),
	)
	if err != nil {
		return report, fmt.Errorf("compare runtime version: %w", err)
	}
	report.Compatible = cmp != 1
	if !report.Compatible {
		return report, nil
	}
	report.Statuses = Reconciler{Logger: r.Logger}.Reconcile(manifest, func(name string) (string, bool) {
		return r.Probe.InstalledVersion(ctx, name)
	})
	return report, nil
}

// Close releases resources managed by runtime.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
