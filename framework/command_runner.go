package framework

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// ErrSpawnFailure is returned when a command cannot be located or started.
var ErrSpawnFailure = errors.New("spawn failure")

// CommandRequest captures process execution metadata.
type CommandRequest struct {
	Workdir string
	Args    []string
	Env     []string
}

func (r CommandRequest) String() string {
	return strings.Join(r.Args, " ")
}

// RunResult is the captured output of a command run to completion.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExitError reports a command that exited unsuccessfully.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
	Err     error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

// ProcessRunner starts external commands.
type ProcessRunner interface {
	// Spawn starts the command and returns a handle over its stdout.
	Spawn(ctx context.Context, req CommandRequest) (*Process, error)
	// Run blocks until the command exits and returns its captured output.
	Run(ctx context.Context, req CommandRequest) (RunResult, error)
}

// Process is a running command whose stdout is consumed as lines. The line
// sequence can be ranged over once; spawning a new process is the only way to
// read the output again.
type Process struct {
	stdout io.Reader
	wait   func() error

	mu       sync.Mutex
	consumed bool
	scanErr  error
	waited   bool
	waitErr  error
}

// NewProcess wraps an stdout stream and a wait function into a Process. The
// wait function is called once, after stdout has been drained.
func NewProcess(stdout io.Reader, wait func() error) *Process {
	if wait == nil {
		wait = func() error { return nil }
	}
	return &Process{stdout: stdout, wait: wait}
}

// Lines yields stdout line by line until the child closes stdout or exits. A
// read error, such as a line over the scanner limit, ends the sequence and is
// reported by Wait.
func (p *Process) Lines() iter.Seq[string] {
	return func(yield func(string) bool) {
		if !p.claim() {
			return
		}
		scanner := bufio.NewScanner(p.stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if !yield(scanner.Text()) {
				// Keep the pipe draining so the child never blocks on a full buffer.
				_, _ = io.Copy(io.Discard, p.stdout)
				return
			}
		}
		if err := scanner.Err(); err != nil {
			p.mu.Lock()
			p.scanErr = err
			p.mu.Unlock()
			_, _ = io.Copy(io.Discard, p.stdout)
		}
	}
}

// Wait drains any unread output and blocks until the process exits. An exit
// failure takes precedence over a stdout read error.
func (p *Process) Wait() error {
	if p.claim() {
		_, _ = io.Copy(io.Discard, p.stdout)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.waited {
		p.waited = true
		p.waitErr = p.wait()
		if p.waitErr == nil && p.scanErr != nil {
			p.waitErr = fmt.Errorf("read stdout: %w", p.scanErr)
		}
	}
	return p.waitErr
}

func (p *Process) claim() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumed {
		return false
	}
	p.consumed = true
	return true
}

// ExecRunner runs commands on the local host via os/exec.
type ExecRunner struct{}

var _ ProcessRunner = ExecRunner{}

// Spawn starts the command with a stdout pipe. Stderr is captured and reported
// through Wait when the command fails.
func (ExecRunner) Spawn(ctx context.Context, req CommandRequest) (*Process, error) {
	cmd, err := buildCommand(ctx, req)
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailure, req, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailure, req, err)
	}
	return NewProcess(stdout, func() error {
		return exitError(req, cmd.Wait(), stderr.String())
	}), nil
}

// Run executes the command to completion.
func (ExecRunner) Run(ctx context.Context, req CommandRequest) (RunResult, error) {
	cmd, err := buildCommand(ctx, req)
	if err != nil {
		return RunResult{}, err
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return RunResult{}, fmt.Errorf("%w: %s: %v", ErrSpawnFailure, req, err)
	}
	err = exitError(req, cmd.Wait(), stderr.String())
	result := RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.Code
	}
	return result, err
}

func buildCommand(ctx context.Context, req CommandRequest) (*exec.Cmd, error) {
	if len(req.Args) == 0 || strings.TrimSpace(req.Args[0]) == "" {
		return nil, fmt.Errorf("%w: command arguments required", ErrSpawnFailure)
	}
	path, err := exec.LookPath(req.Args[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailure, req.Args[0], err)
	}
	cmd := exec.CommandContext(ctx, path, req.Args[1:]...)
	if req.Workdir != "" {
		cmd.Dir = req.Workdir
	}
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	return cmd, nil
}

func exitError(req CommandRequest, err error, stderr string) error {
	if err == nil {
		return nil
	}
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &ExitError{
		Command: req.String(),
		Code:    code,
		Stderr:  strings.TrimSpace(stderr),
		Err:     err,
	}
}
