package runtime

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/fairhopeweb/guijs/framework"
)

type fakeToolchain struct {
	local       LocalToolchain
	localErr    error
	manifest    *RemoteManifest
	manifestErr error
	installed   map[string]string

	mu             sync.Mutex
	manifestCalls  int
	installedCalls []string
}

func (f *fakeToolchain) LocateRuntime(context.Context) (LocalToolchain, error) {
	return f.local, f.localErr
}

func (f *fakeToolchain) FetchManifest(context.Context) (*RemoteManifest, error) {
	f.mu.Lock()
	f.manifestCalls++
	f.mu.Unlock()
	return f.manifest, f.manifestErr
}

func (f *fakeToolchain) InstalledVersion(_ context.Context, name string) (string, bool) {
	f.mu.Lock()
	f.installedCalls = append(f.installedCalls, name)
	f.mu.Unlock()
	v, ok := f.installed[name]
	return v, ok
}

// fakeRunner answers Spawn and Run from a script keyed by the joined command
// line. Unknown commands print nothing and exit cleanly.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	outputs map[string]string
	fail    map[string]int
	// gate, when set, is waited on before the process for a command starts.
	gate map[string]chan struct{}
	// streams replace outputs with a live stdout, for long running commands.
	streams map[string]io.Reader
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outputs: map[string]string{},
		fail:    map[string]int{},
		gate:    map[string]chan struct{}{},
		streams: map[string]io.Reader{},
	}
}

func (f *fakeRunner) Spawn(ctx context.Context, req framework.CommandRequest) (*framework.Process, error) {
	key := strings.Join(req.Args, " ")
	f.mu.Lock()
	f.calls = append(f.calls, key)
	out := f.outputs[key]
	code, failing := f.fail[key]
	gate := f.gate[key]
	stream, live := f.streams[key]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if code < 0 {
		return nil, framework.ErrSpawnFailure
	}
	stdout := io.Reader(strings.NewReader(out))
	if live {
		stdout = stream
	}
	return framework.NewProcess(stdout, func() error {
		if failing {
			return &framework.ExitError{Command: key, Code: code, Err: errors.New("exit status")}
		}
		return nil
	}), nil
}

func (f *fakeRunner) Run(ctx context.Context, req framework.CommandRequest) (framework.RunResult, error) {
	proc, err := f.Spawn(ctx, req)
	if err != nil {
		return framework.RunResult{}, err
	}
	var b strings.Builder
	for line := range proc.Lines() {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	res := framework.RunResult{Stdout: b.String()}
	if err := proc.Wait(); err != nil {
		var exitErr *framework.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.Code
		}
		return res, err
	}
	return res, nil
}

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func fakePath(entries map[string]string) func(string) (string, error) {
	return func(name string) (string, error) {
		if p, ok := entries[name]; ok {
			return p, nil
		}
		return "", errors.New("executable file not found in $PATH")
	}
}

// recordingBus subscribes to the outbound channels of bus.
type recordingBus struct {
	mu    sync.Mutex
	state []StateEvent
	eval  []string
}

func record(bus *framework.EventBus) *recordingBus {
	r := &recordingBus{}
	bus.Subscribe(ChannelState, func(payload string) {
		event, err := DecodeStateEvent(payload)
		if err != nil {
			panic(err)
		}
		r.mu.Lock()
		r.state = append(r.state, event)
		r.mu.Unlock()
	})
	bus.Subscribe(ChannelEval, func(payload string) {
		r.mu.Lock()
		r.eval = append(r.eval, payload)
		r.mu.Unlock()
	})
	return r
}

func (r *recordingBus) States() []StateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StateEvent, len(r.state))
	copy(out, r.state)
	return out
}

func (r *recordingBus) Evals() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.eval))
	copy(out, r.eval)
	return out
}

// visited flattens a transition history into the sequence of states.
func visited(history []Transition) []State {
	if len(history) == 0 {
		return nil
	}
	out := []State{history[0].From}
	for _, t := range history {
		out = append(out, t.To)
	}
	return out
}
