package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fairhopeweb/guijs/framework"
)

// ErrServerNotFound is returned when the guijs server binary is not on PATH at
// launch time.
var ErrServerNotFound = errors.New("guijs server not found")

// Command is an inbound request from the presentation layer.
type Command int

const (
	CommandReload Command = iota + 1
	CommandSkipUpdate
	CommandUpdate
)

var commandNames = map[Command]string{
	CommandReload:     "reload",
	CommandSkipUpdate: "skip-update",
	CommandUpdate:     "update",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", int(c))
}

// ParseCommand maps a bus channel name to its command.
func ParseCommand(name string) (Command, bool) {
	for cmd, n := range commandNames {
		if n == name {
			return cmd, true
		}
	}
	return 0, false
}

// Commands lists every command in a stable order.
func Commands() []Command {
	return []Command{CommandReload, CommandSkipUpdate, CommandUpdate}
}

const reloadHook = "window.__GUIJS_RELOAD = function () { window.guijs.emit('reload'); window.location.reload() }"

// RedirectScript navigates the presentation layer to target.
func RedirectScript(target string) string {
	return fmt.Sprintf("window.location.replace('%s')", target)
}

// Toolchain is what the controller needs from the local environment and the
// registry. *Probe implements it.
type Toolchain interface {
	LocateRuntime(ctx context.Context) (LocalToolchain, error)
	FetchManifest(ctx context.Context) (*RemoteManifest, error)
	InstalledVersion(ctx context.Context, dependency string) (string, bool)
}

// ControllerOptions wires a Controller. Bus, Toolchain and Runner are required.
type ControllerOptions struct {
	Config    Config
	Bus       *framework.EventBus
	Toolchain Toolchain
	Runner    framework.ProcessRunner
	Telemetry framework.Telemetry
	Logger    zerolog.Logger

	// LookPath and Executable default to exec.LookPath and os.Executable.
	LookPath   func(string) (string, error)
	Executable func() (string, error)
}

// Controller drives one bootstrap attempt: probe, reconcile, install, wait for
// the update decision, launch. It owns the state and the pending update queue.
type Controller struct {
	cfg        Config
	bus        *framework.EventBus
	toolchain  Toolchain
	runner     framework.ProcessRunner
	telemetry  framework.Telemetry
	logger     zerolog.Logger
	reconciler Reconciler
	lookPath   func(string) (string, error)
	executable func() (string, error)
	script     string

	started  atomic.Bool
	commands chan Command
	tasks    errgroup.Group
	ctx      context.Context
	loopDone chan struct{}
	done     chan struct{}
	doneOnce sync.Once
	queue    *PendingUpdateQueue

	// pending tracks command-path tasks still waiting for a task slot.
	pending sync.WaitGroup
	// service tracks the reader of the launched service. It lives as long as
	// the service and holds no task slot.
	service sync.WaitGroup

	// emitMu keeps transitions and their notifications in one order.
	emitMu sync.Mutex

	mu       sync.Mutex
	state    State
	history  []Transition
	statuses []DependencyStatus
	redirect string
	last     *StateEvent
	err      error
}

// NewController validates the options and returns a controller in Init.
func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Bus == nil {
		return nil, errors.New("event bus required")
	}
	if opts.Toolchain == nil {
		return nil, errors.New("toolchain required")
	}
	if opts.Runner == nil {
		return nil, errors.New("process runner required")
	}
	cfg := opts.Config
	if cfg.TaskLimit <= 0 {
		cfg.TaskLimit = DefaultConfig().TaskLimit
	}
	if cfg.PackageManager == "" {
		cfg.PackageManager = DefaultPackageManager
	}
	if cfg.LauncherBinary == "" {
		cfg.LauncherBinary = DefaultLauncherBinary
	}
	if cfg.ServerBinary == "" {
		cfg.ServerBinary = DefaultServerBinary
	}
	telemetry := opts.Telemetry
	if telemetry == nil {
		telemetry = framework.NopTelemetry{}
	}
	c := &Controller{
		cfg:        cfg,
		bus:        opts.Bus,
		toolchain:  opts.Toolchain,
		runner:     opts.Runner,
		telemetry:  telemetry,
		logger:     opts.Logger,
		reconciler: Reconciler{Logger: opts.Logger},
		lookPath:   opts.LookPath,
		executable: opts.Executable,
		commands:   make(chan Command, 32),
		loopDone:   make(chan struct{}),
		done:       make(chan struct{}),
		queue:      NewPendingUpdateQueue(),
		state:      StateInit,
	}
	if c.lookPath == nil {
		c.lookPath = exec.LookPath
	}
	if c.executable == nil {
		c.executable = os.Executable
	}
	c.tasks.SetLimit(cfg.TaskLimit)
	c.script = c.loadStartupScript()
	return c, nil
}

// Start subscribes to the command channels and kicks off probing. Only the
// first call does anything; the host may call it again on every setup pass.
func (c *Controller) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		c.logger.Debug().Msg("bootstrap already started, ignoring")
		return nil
	}
	c.ctx = ctx
	for _, cmd := range Commands() {
		c.bus.Subscribe(cmd.String(), func(string) { c.Dispatch(cmd) })
	}
	c.transition(StateInit, StateProbingToolchain, nil)
	c.spawn(c.probe)
	go c.commandLoop(ctx)
	return nil
}

// Dispatch queues a command for the command loop. It never blocks; commands
// beyond the buffer are dropped and logged.
func (c *Controller) Dispatch(cmd Command) {
	select {
	case c.commands <- cmd:
	default:
		c.logger.Warn().Stringer("command", cmd).Msg("command buffer full, dropping")
	}
}

func (c *Controller) commandLoop(ctx context.Context) {
	defer close(c.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.commands:
			c.handle(cmd)
		}
	}
}

func (c *Controller) handle(cmd Command) {
	c.telemetry.Emit(framework.Event{
		Type:      framework.EventCommand,
		Command:   cmd.String(),
		Message:   "command received",
		Timestamp: time.Now(),
	})
	switch cmd {
	case CommandReload:
		c.admit(func(ctx context.Context) {
			if !sleep(ctx, c.cfg.ReloadDelay) {
				return
			}
			c.bus.Publish(ChannelEval, c.script)
		})
	case CommandSkipUpdate:
		if !c.tryTransition(StateAwaitingUpdateDecision, StateLaunchingService, &StateEvent{Name: NotifySplashscreen}) {
			c.logger.Debug().Stringer("state", c.State()).Msg("skip-update ignored")
			return
		}
		c.admit(c.launch)
	case CommandUpdate:
		if !c.tryTransition(StateAwaitingUpdateDecision, StateUpdating, &StateEvent{Name: NotifyDownloadingUpdate}) {
			c.logger.Debug().Stringer("state", c.State()).Msg("update ignored")
			return
		}
		c.admit(c.update)
	default:
		c.logger.Warn().Stringer("command", cmd).Msg("unknown command")
	}
}

func (c *Controller) spawn(task func(context.Context)) {
	ctx := c.ctx
	c.tasks.Go(func() error {
		task(ctx)
		return nil
	})
}

// admit schedules a task from the command loop. When every slot is taken the
// task waits for one on its own goroutine so the loop keeps reading commands.
func (c *Controller) admit(task func(context.Context)) {
	ctx := c.ctx
	run := func() error {
		task(ctx)
		return nil
	}
	if c.tasks.TryGo(run) {
		return
	}
	c.logger.Debug().Int("limit", c.cfg.TaskLimit).Msg("task limit reached, queueing task")
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		c.tasks.Go(run)
	}()
}

func (c *Controller) probe(ctx context.Context) {
	local, err := c.toolchain.LocateRuntime(ctx)
	if err != nil {
		c.fail(StateProbingToolchain, err)
		return
	}
	if !local.Present {
		c.transition(StateProbingToolchain, StateToolchainMissing, &StateEvent{Name: NotifyNodeNotFound})
		return
	}
	manifest, err := c.toolchain.FetchManifest(ctx)
	if err != nil {
		c.fail(StateProbingToolchain, err)
		return
	}
	floor := manifest.MinRuntimeVersion()
	cmp, err := framework.LegacyCompare(framework.StripVersionRange(local.Version), framework.StripVersionRange(floor))
	if err != nil {
		c.fail(StateProbingToolchain, fmt.Errorf("compare runtime version: %w", err))
		return
	}
	if cmp == 1 {
		c.logger.Warn().Str("local", local.Version).Str("min", floor).Msg("runtime too old")
		c.transition(StateProbingToolchain, StateToolchainIncompatible, &StateEvent{
			Name:    NotifyNodeWrongVersion,
			Payload: local.Version + "|" + floor,
		})
		return
	}
	c.transition(StateProbingToolchain, StateReconciling, &StateEvent{Name: NotifySplashscreen})
	c.reconcile(ctx, manifest)
}

func (c *Controller) reconcile(ctx context.Context, manifest *RemoteManifest) {
	statuses := c.reconciler.Reconcile(manifest, func(name string) (string, bool) {
		return c.toolchain.InstalledVersion(ctx, name)
	})
	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()

	install, update := Partition(statuses)
	for _, name := range update {
		c.queue.Enqueue(name)
	}
	switch {
	case len(install) > 0:
		c.transition(StateReconciling, StateInstallingMissing, &StateEvent{Name: NotifyFirstDownload})
		if err := c.runBatch(ctx, "install", install); err != nil {
			c.fail(StateInstallingMissing, err)
			return
		}
		if c.queue.Len() > 0 {
			c.transition(StateInstallingMissing, StateAwaitingUpdateDecision, &StateEvent{Name: NotifyUpdateAvailable})
			return
		}
		c.transition(StateInstallingMissing, StateLaunchingService, nil)
	case len(update) > 0:
		c.transition(StateReconciling, StateAwaitingUpdateDecision, &StateEvent{Name: NotifyUpdateAvailable})
		return
	default:
		c.transition(StateReconciling, StateLaunchingService, nil)
	}
	c.launch(ctx)
}

func (c *Controller) update(ctx context.Context) {
	names, ok := c.queue.Drain()
	if !ok {
		panic("pending update queue drained twice")
	}
	if err := c.runBatch(ctx, "update", names); err != nil {
		c.fail(StateUpdating, err)
		return
	}
	c.transition(StateUpdating, StateLaunchingService, nil)
	c.launch(ctx)
}

// runBatch invokes the package manager once per name, in order, and stops at
// the first failure.
func (c *Controller) runBatch(ctx context.Context, verb string, names []string) error {
	for _, name := range names {
		req := framework.CommandRequest{Args: []string{c.cfg.PackageManager, verb, "-g", name}}
		c.logger.Info().Str("command", req.String()).Msg("running package manager")
		proc, err := c.runner.Spawn(ctx, req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", verb, name, err)
		}
		for line := range proc.Lines() {
			c.output(req, line)
		}
		err = proc.Wait()
		c.exited(req, err)
		if err != nil {
			return fmt.Errorf("%s %s: %w", verb, name, err)
		}
	}
	return nil
}

// launch starts the service under the launcher and hands its stdout to a
// reader outside the task group.
func (c *Controller) launch(ctx context.Context) {
	server, err := c.lookPath(c.cfg.ServerBinary)
	if err != nil {
		c.fail(StateLaunchingService, fmt.Errorf("%w: %v", ErrServerNotFound, err))
		return
	}
	req := framework.CommandRequest{Args: []string{c.launcherPath(), "run", server}}
	c.logger.Info().Str("command", req.String()).Msg("launching service")
	proc, err := c.runner.Spawn(ctx, req)
	if err != nil {
		c.fail(StateLaunchingService, err)
		return
	}
	c.service.Add(1)
	go func() {
		defer c.service.Done()
		c.watchService(ctx, req, proc)
	}()
}

// watchService reads the launcher's stdout. The first line is the port the
// presentation layer gets redirected to; the rest is service output.
func (c *Controller) watchService(ctx context.Context, req framework.CommandRequest, proc *framework.Process) {
	ready := false
	for line := range proc.Lines() {
		if ready {
			c.output(req, line)
			continue
		}
		ready = true
		target := "http://localhost:" + strings.TrimSpace(line)
		c.mu.Lock()
		c.redirect = target
		c.mu.Unlock()
		c.transition(StateLaunchingService, StateServiceRunning, &StateEvent{Name: NotifyServiceReady, Payload: target})
		c.bus.Publish(ChannelEval, RedirectScript(target))
		if sleep(ctx, c.cfg.SettleDelay) {
			c.bus.Publish(ChannelEval, c.script)
		}
	}
	err := proc.Wait()
	c.exited(req, err)
	if !ready {
		if err == nil {
			err = errors.New("launcher exited without reporting a port")
		}
		c.fail(StateLaunchingService, fmt.Errorf("launch service: %w", err))
		return
	}
	if err != nil && ctx.Err() == nil {
		c.logger.Error().Err(err).Msg("service exited")
	}
}

func (c *Controller) launcherPath() string {
	name := c.cfg.LauncherBinary
	if exe, err := c.executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	if path, err := c.lookPath(name); err == nil {
		return path
	}
	return name
}

func (c *Controller) loadStartupScript() string {
	if c.cfg.StartupScript == "" {
		return reloadHook
	}
	data, err := os.ReadFile(c.cfg.StartupScript)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", c.cfg.StartupScript).Msg("startup script unreadable")
		return reloadHook
	}
	return reloadHook + "\n" + string(data)
}

func (c *Controller) fail(from State, err error) {
	c.logger.Error().Err(err).Stringer("state", from).Msg("bootstrap failed")
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.transition(from, StateFailed, &StateEvent{Name: NotifyBootstrapFailed, Payload: err.Error()})
}

// transition moves from → to and panics when the edge is illegal or the
// controller is not in from.
func (c *Controller) transition(from, to State, note *StateEvent) {
	if !c.advance(from, to, note) {
		panic(fmt.Sprintf("bootstrap transition %s -> %s attempted from %s", from, to, c.State()))
	}
}

// tryTransition is the compare-and-swap used by commands racing automatic
// transitions.
func (c *Controller) tryTransition(from, to State, note *StateEvent) bool {
	return c.advance(from, to, note)
}

func (c *Controller) advance(from, to State, note *StateEvent) bool {
	if !legalTransition(from, to) {
		panic(fmt.Sprintf("illegal bootstrap transition %s -> %s", from, to))
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return false
	}
	c.state = to
	record := Transition{From: from, To: to, At: time.Now()}
	if note != nil {
		n := *note
		record.Notification = &n
		c.last = &n
	}
	c.history = append(c.history, record)
	c.mu.Unlock()

	event := framework.Event{
		Type:      framework.EventStateChange,
		From:      from.String(),
		To:        to.String(),
		Message:   "state changed",
		Timestamp: record.At,
	}
	if note != nil {
		event.Metadata = map[string]any{"notification": note.Name, "payload": note.Payload}
	}
	c.telemetry.Emit(event)
	if note != nil {
		c.bus.Publish(ChannelState, note.Encode())
	}
	if to.Terminal() {
		c.doneOnce.Do(func() { close(c.done) })
	}
	return true
}

func (c *Controller) output(req framework.CommandRequest, line string) {
	c.telemetry.Emit(framework.Event{
		Type:      framework.EventProcessOutput,
		Command:   req.String(),
		Message:   line,
		Timestamp: time.Now(),
	})
}

func (c *Controller) exited(req framework.CommandRequest, err error) {
	event := framework.Event{
		Type:      framework.EventProcessExit,
		Command:   req.String(),
		Message:   "process exited",
		Timestamp: time.Now(),
		Metadata:  map[string]any{"exit_code": 0},
	}
	if err != nil {
		event.Message = err.Error()
		code := -1
		var exitErr *framework.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.Code
		}
		event.Metadata["exit_code"] = code
	}
	c.telemetry.Emit(event)
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History returns every transition taken so far, oldest first.
func (c *Controller) History() []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Transition, len(c.history))
	copy(out, c.history)
	return out
}

// RedirectTarget is the service URL once the launcher reported its port.
func (c *Controller) RedirectTarget() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.redirect
}

// LastNotification is the most recent notification published on the state
// channel, if any.
func (c *Controller) LastNotification() (StateEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return StateEvent{}, false
	}
	return *c.last, true
}

// Err is the error that moved the controller to Failed.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// PendingUpdates lists the dependencies waiting for the update decision.
func (c *Controller) PendingUpdates() []string {
	return c.queue.Snapshot()
}

// Statuses is the latest reconciliation result.
func (c *Controller) Statuses() []DependencyStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DependencyStatus, len(c.statuses))
	copy(out, c.statuses)
	return out
}

// Done is closed once the controller reaches a terminal state.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the context given to Start is done, every background
// task has returned and the service reader has stopped.
func (c *Controller) Wait() error {
	if !c.started.Load() {
		return nil
	}
	<-c.loopDone
	c.pending.Wait()
	err := c.tasks.Wait()
	c.service.Wait()
	return err
}

// sleep waits d or until ctx is done, reporting whether the full delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
