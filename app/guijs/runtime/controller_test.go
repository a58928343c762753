package runtime

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairhopeweb/guijs/framework"
)

const (
	serverPath   = "/opt/guijs/bin/guijs-server"
	launcherPath = "/opt/guijs/bin/guijs-orchestrator"
	launchLine   = launcherPath + " run " + serverPath
)

type recordingTelemetry struct {
	mu     sync.Mutex
	events []framework.Event
}

func (r *recordingTelemetry) Emit(e framework.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingTelemetry) count(kind framework.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == kind {
			n++
		}
	}
	return n
}

func (r *recordingTelemetry) messages(kind framework.EventType) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Type == kind {
			out = append(out, e.Message)
		}
	}
	return out
}

type harness struct {
	controller *Controller
	bus        *framework.EventBus
	seen       *recordingBus
	runner     *fakeRunner
	toolchain  *fakeToolchain
	telemetry  *recordingTelemetry
	cancel     context.CancelFunc
	ctx        context.Context
}

func newHarness(t *testing.T, toolchain *fakeToolchain, mutate ...func(*ControllerOptions)) *harness {
	t.Helper()
	bus := framework.NewEventBus()
	h := &harness{
		bus:       bus,
		seen:      record(bus),
		runner:    newFakeRunner(),
		toolchain: toolchain,
		telemetry: &recordingTelemetry{},
	}
	h.runner.outputs[launchLine] = "4321\nserver listening\n"
	opts := ControllerOptions{
		Config: Config{
			PackageManager: "npm",
			TaskLimit:      4,
			ReloadDelay:    5 * time.Millisecond,
		},
		Bus:        bus,
		Toolchain:  toolchain,
		Runner:     h.runner,
		Telemetry:  h.telemetry,
		Logger:     zerolog.Nop(),
		LookPath:   fakePath(map[string]string{"guijs-server": serverPath, "guijs-orchestrator": launcherPath}),
		Executable: func() (string, error) { return "", errors.New("no executable") },
	}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := NewController(opts)
	require.NoError(t, err)
	h.controller = c
	h.ctx, h.cancel = context.WithCancel(context.Background())
	t.Cleanup(func() {
		h.cancel()
		_ = c.Wait()
	})
	return h
}

func (h *harness) waitFor(t *testing.T, state State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.controller.State() == state }, 2*time.Second, 5*time.Millisecond,
		"want %s, stuck in %s", state, h.controller.State())
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.controller.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("controller never reached a terminal state, stuck in %s", h.controller.State())
	}
}

func presentNode(version string) LocalToolchain {
	return LocalToolchain{Present: true, Path: "/usr/bin/node", Version: version}
}

func TestControllerEndToEndInstallThenSkipUpdate(t *testing.T) {
	toolchain := &fakeToolchain{
		local: presentNode("16.0.0"),
		manifest: NewRemoteManifest("14.0.0", map[string]string{
			"@guijs/cli":         "^1.0.0",
			"@guijs/server-core": "^0.5.0",
		}),
		installed: map[string]string{"@guijs/server-core": "0.4.0"},
	}
	h := newHarness(t, toolchain)
	require.NoError(t, h.controller.Start(h.ctx))

	h.waitFor(t, StateAwaitingUpdateDecision)
	require.Equal(t, []State{
		StateInit,
		StateProbingToolchain,
		StateReconciling,
		StateInstallingMissing,
		StateAwaitingUpdateDecision,
	}, visited(h.controller.History()))
	require.Equal(t, []string{"npm install -g @guijs/cli"}, h.runner.Calls())
	require.Equal(t, []string{"@guijs/server-core"}, h.controller.PendingUpdates())

	statuses := h.controller.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, NeedsInstall, statuses[0].Classification)
	assert.Equal(t, NeedsUpdate, statuses[1].Classification)

	h.bus.Publish("skip-update", "")
	h.waitFor(t, StateServiceRunning)
	h.waitDone(t)

	states := visited(h.controller.History())
	require.Equal(t, StateLaunchingService, states[len(states)-2])
	require.Contains(t, h.controller.RedirectTarget(), "4321")
	require.Equal(t, "http://localhost:4321", h.controller.RedirectTarget())

	var names []string
	for _, e := range h.seen.States() {
		names = append(names, e.Name)
	}
	require.Equal(t, []string{
		NotifySplashscreen,
		NotifyFirstDownload,
		NotifyUpdateAvailable,
		NotifySplashscreen,
		NotifyServiceReady,
	}, names)

	require.Eventually(t, func() bool { return len(h.seen.Evals()) == 2 }, time.Second, 5*time.Millisecond)
	evals := h.seen.Evals()
	require.Equal(t, RedirectScript("http://localhost:4321"), evals[0])
	require.Contains(t, evals[1], "window.__GUIJS_RELOAD")

	require.Eventually(t, func() bool {
		for _, line := range h.telemetry.messages(framework.EventProcessOutput) {
			if line == "server listening" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	require.NotContains(t, h.runner.Calls(), "npm update -g @guijs/server-core")
}

func TestControllerIncompatibleRuntime(t *testing.T) {
	toolchain := &fakeToolchain{
		local:    presentNode("12.0.0"),
		manifest: NewRemoteManifest("14.0.0", nil),
	}
	h := newHarness(t, toolchain)
	require.NoError(t, h.controller.Start(h.ctx))
	h.waitDone(t)

	require.Equal(t, StateToolchainIncompatible, h.controller.State())
	last, ok := h.controller.LastNotification()
	require.True(t, ok)
	require.Equal(t, StateEvent{Name: "node-wrong-version", Payload: "12.0.0|14.0.0"}, last)
	require.Equal(t, []StateEvent{last}, h.seen.States())
	require.Empty(t, h.runner.Calls())
}

func TestControllerMissingRuntimeSkipsManifest(t *testing.T) {
	toolchain := &fakeToolchain{}
	h := newHarness(t, toolchain)
	require.NoError(t, h.controller.Start(h.ctx))
	h.waitDone(t)

	require.Equal(t, StateToolchainMissing, h.controller.State())
	require.Equal(t, []StateEvent{{Name: NotifyNodeNotFound}}, h.seen.States())
	toolchain.mu.Lock()
	defer toolchain.mu.Unlock()
	require.Zero(t, toolchain.manifestCalls)
}

func TestControllerManifestUnavailableFails(t *testing.T) {
	toolchain := &fakeToolchain{
		local:       presentNode("18.0.0"),
		manifestErr: ErrManifestUnavailable,
	}
	h := newHarness(t, toolchain)
	require.NoError(t, h.controller.Start(h.ctx))
	h.waitDone(t)

	require.Equal(t, StateFailed, h.controller.State())
	require.ErrorIs(t, h.controller.Err(), ErrManifestUnavailable)
	last, ok := h.controller.LastNotification()
	require.True(t, ok)
	require.Equal(t, NotifyBootstrapFailed, last.Name)
	require.Equal(t, ErrManifestUnavailable.Error(), last.Payload)
}

func TestControllerStartIsOneShot(t *testing.T) {
	toolchain := &fakeToolchain{
		local:    presentNode("16.0.0"),
		manifest: NewRemoteManifest("14.0.0", map[string]string{"@guijs/server-core": "1.0.0"}),
		installed: map[string]string{
			"@guijs/server-core": "0.9.0",
		},
	}
	h := newHarness(t, toolchain)
	require.NoError(t, h.controller.Start(h.ctx))
	require.NoError(t, h.controller.Start(h.ctx))
	h.waitFor(t, StateAwaitingUpdateDecision)
	require.NoError(t, h.controller.Start(h.ctx))

	probing := 0
	for _, tr := range h.controller.History() {
		if tr.To == StateProbingToolchain {
			probing++
		}
	}
	require.Equal(t, 1, probing)
	for _, cmd := range Commands() {
		require.Equal(t, 1, h.bus.Subscribers(cmd.String()), cmd.String())
	}
}

func TestControllerUpdateDrainsQueueExactlyOnce(t *testing.T) {
	toolchain := &fakeToolchain{
		local: presentNode("16.0.0"),
		manifest: NewRemoteManifest("14.0.0", map[string]string{
			"@guijs/a": "2.0.0",
			"@guijs/b": "^3.1.0",
			"@guijs/c": "~1.0.5",
		}),
		installed: map[string]string{
			"@guijs/a": "1.0.0",
			"@guijs/b": "3.0.0",
			"@guijs/c": "1.0.4",
		},
	}
	h := newHarness(t, toolchain)
	gate := make(chan struct{})
	h.runner.gate["npm update -g @guijs/a"] = gate
	require.NoError(t, h.controller.Start(h.ctx))
	h.waitFor(t, StateAwaitingUpdateDecision)

	h.bus.Publish("update", "")
	h.waitFor(t, StateUpdating)
	h.bus.Publish("skip-update", "")
	h.bus.Publish("update", "")
	require.Eventually(t, func() bool {
		return h.telemetry.count(framework.EventCommand) == 3
	}, time.Second, 5*time.Millisecond)
	close(gate)

	h.waitDone(t)
	require.Equal(t, StateServiceRunning, h.controller.State())

	counts := map[string]int{}
	for _, call := range h.runner.Calls() {
		counts[call]++
	}
	require.Equal(t, 1, counts["npm update -g @guijs/a"])
	require.Equal(t, 1, counts["npm update -g @guijs/b"])
	require.Equal(t, 1, counts["npm update -g @guijs/c"])
	require.Equal(t, 1, counts[launchLine])
	require.Equal(t, []State{
		StateInit,
		StateProbingToolchain,
		StateReconciling,
		StateAwaitingUpdateDecision,
		StateUpdating,
		StateLaunchingService,
		StateServiceRunning,
	}, visited(h.controller.History()))
	require.Empty(t, h.controller.PendingUpdates())
}

func TestControllerRacingDecisionsPickOneBranch(t *testing.T) {
	toolchain := &fakeToolchain{
		local: presentNode("16.0.0"),
		manifest: NewRemoteManifest("14.0.0", map[string]string{
			"@guijs/a": "2.0.0",
			"@guijs/b": "2.0.0",
		}),
		installed: map[string]string{"@guijs/a": "1.0.0", "@guijs/b": "1.0.0"},
	}
	h := newHarness(t, toolchain)
	require.NoError(t, h.controller.Start(h.ctx))
	h.waitFor(t, StateAwaitingUpdateDecision)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); h.bus.Publish("update", "") }()
		go func() { defer wg.Done(); h.bus.Publish("skip-update", "") }()
	}
	wg.Wait()
	h.waitDone(t)
	require.Equal(t, StateServiceRunning, h.controller.State())

	counts := map[string]int{}
	for _, call := range h.runner.Calls() {
		counts[call]++
	}
	require.Equal(t, counts["npm update -g @guijs/a"], counts["npm update -g @guijs/b"])
	require.LessOrEqual(t, counts["npm update -g @guijs/a"], 1)
	require.Equal(t, 1, counts[launchLine])

	decisions := 0
	for _, tr := range h.controller.History() {
		if tr.From == StateAwaitingUpdateDecision {
			decisions++
		}
	}
	require.Equal(t, 1, decisions)
}

func TestControllerInstallFailureIsTerminal(t *testing.T) {
	toolchain := &fakeToolchain{
		local:    presentNode("16.0.0"),
		manifest: NewRemoteManifest("14.0.0", map[string]string{"@guijs/cli": "1.0.0", "@guijs/zz": "1.0.0"}),
	}
	h := newHarness(t, toolchain)
	h.runner.fail["npm install -g @guijs/cli"] = 1
	require.NoError(t, h.controller.Start(h.ctx))
	h.waitDone(t)

	require.Equal(t, StateFailed, h.controller.State())
	require.Equal(t, []string{"npm install -g @guijs/cli"}, h.runner.Calls())
	var exitErr *framework.ExitError
	require.ErrorAs(t, h.controller.Err(), &exitErr)
	require.Equal(t, 1, exitErr.Code)
	require.Equal(t, 1, h.telemetry.count(framework.EventProcessExit))
}

func TestControllerMissingServerFails(t *testing.T) {
	toolchain := &fakeToolchain{
		local:    presentNode("16.0.0"),
		manifest: NewRemoteManifest("14.0.0", nil),
	}
	h := newHarness(t, toolchain, func(o *ControllerOptions) {
		o.LookPath = fakePath(nil)
	})
	require.NoError(t, h.controller.Start(h.ctx))
	h.waitDone(t)

	require.Equal(t, StateFailed, h.controller.State())
	require.ErrorIs(t, h.controller.Err(), ErrServerNotFound)
	require.Empty(t, h.runner.Calls())
}

func TestControllerLauncherWithoutPortFails(t *testing.T) {
	toolchain := &fakeToolchain{
		local:    presentNode("16.0.0"),
		manifest: NewRemoteManifest("14.0.0", nil),
	}
	h := newHarness(t, toolchain)
	h.runner.outputs[launchLine] = ""
	require.NoError(t, h.controller.Start(h.ctx))
	h.waitDone(t)

	require.Equal(t, StateFailed, h.controller.State())
	require.Empty(t, h.controller.RedirectTarget())
}

func TestControllerReloadReinjectsStartupScript(t *testing.T) {
	h := newHarness(t, &fakeToolchain{})
	require.NoError(t, h.controller.Start(h.ctx))
	h.waitDone(t)

	h.controller.Dispatch(CommandReload)
	require.Eventually(t, func() bool { return len(h.seen.Evals()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, reloadHook, h.seen.Evals()[0])
	require.Equal(t, StateToolchainMissing, h.controller.State())
}

func TestControllerReloadWhileServiceRunsWithSingleSlot(t *testing.T) {
	toolchain := &fakeToolchain{
		local:    presentNode("16.0.0"),
		manifest: NewRemoteManifest("14.0.0", nil),
	}
	h := newHarness(t, toolchain, func(o *ControllerOptions) {
		o.Config.TaskLimit = 1
	})
	stdout, launcher := io.Pipe()
	t.Cleanup(func() { _ = launcher.Close() })
	h.runner.streams[launchLine] = stdout
	go func() { _, _ = io.WriteString(launcher, "4321\n") }()

	require.NoError(t, h.controller.Start(h.ctx))
	h.waitDone(t)
	require.Equal(t, StateServiceRunning, h.controller.State())
	require.Eventually(t, func() bool { return len(h.seen.Evals()) == 2 }, time.Second, 5*time.Millisecond)

	// the service is still writing to stdout; reloads must not wait for it
	h.bus.Publish(CommandReload.String(), "")
	require.Eventually(t, func() bool { return len(h.seen.Evals()) == 3 }, time.Second, 5*time.Millisecond)
	h.controller.Dispatch(CommandReload)
	require.Eventually(t, func() bool { return len(h.seen.Evals()) == 4 }, time.Second, 5*time.Millisecond)

	evals := h.seen.Evals()
	require.Equal(t, RedirectScript("http://localhost:4321"), evals[0])
	require.Equal(t, []string{reloadHook, reloadHook, reloadHook}, evals[1:])
}

func TestControllerIgnoresDecisionOutsideAwaiting(t *testing.T) {
	h := newHarness(t, &fakeToolchain{})
	require.NoError(t, h.controller.Start(h.ctx))
	h.waitDone(t)

	h.controller.Dispatch(CommandUpdate)
	h.controller.Dispatch(CommandSkipUpdate)
	require.Eventually(t, func() bool {
		return h.telemetry.count(framework.EventCommand) == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, StateToolchainMissing, h.controller.State())
	require.Len(t, h.controller.History(), 2)
}

func TestControllerIllegalTransitionPanics(t *testing.T) {
	h := newHarness(t, &fakeToolchain{})
	require.Panics(t, func() {
		h.controller.transition(StateInit, StateServiceRunning, nil)
	})
	require.Panics(t, func() {
		h.controller.transition(StateReconciling, StateLaunchingService, nil)
	})
}

func TestControllerPrefersLauncherNextToExecutable(t *testing.T) {
	dir := t.TempDir()
	launcher := filepath.Join(dir, DefaultLauncherBinary)
	require.NoError(t, os.WriteFile(launcher, []byte("#!/bin/sh\n"), 0o755))
	h := newHarness(t, &fakeToolchain{}, func(o *ControllerOptions) {
		o.Executable = func() (string, error) { return filepath.Join(dir, "guijs"), nil }
	})
	require.Equal(t, launcher, h.controller.launcherPath())

	h2 := newHarness(t, &fakeToolchain{})
	require.Equal(t, launcherPath, h2.controller.launcherPath())
}

func TestControllerAppendsStartupScriptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "startup.js")
	require.NoError(t, os.WriteFile(path, []byte("console.log('ready')"), 0o644))
	h := newHarness(t, &fakeToolchain{}, func(o *ControllerOptions) {
		o.Config.StartupScript = path
	})
	require.Equal(t, reloadHook+"\nconsole.log('ready')", h.controller.script)
}

func TestParseCommand(t *testing.T) {
	for _, cmd := range Commands() {
		parsed, ok := ParseCommand(cmd.String())
		require.True(t, ok)
		require.Equal(t, cmd, parsed)
	}
	_, ok := ParseCommand("restart")
	require.False(t, ok)
}

func TestNewControllerRequiresCollaborators(t *testing.T) {
	_, err := NewController(ControllerOptions{})
	require.Error(t, err)
	_, err = NewController(ControllerOptions{Bus: framework.NewEventBus(), Toolchain: &fakeToolchain{}})
	require.Error(t, err)
}
