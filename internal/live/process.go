package live

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"sync"
)

// ProcessState tracks the lifecycle of a supervised child process. A single
// owner drives all transitions, which keeps double-kill and use-after-exit
// bugs out of the stop path.
type ProcessState int

const (
	ProcessNotStarted ProcessState = iota
	ProcessRunning
	ProcessExited
	ProcessKilled
)

func (s ProcessState) String() string {
	switch s {
	case ProcessRunning:
		return "running"
	case ProcessExited:
		return "exited"
	case ProcessKilled:
		return "killed"
	default:
		return "not_started"
	}
}

// Process is a handle to a running child process. Terminate may be called any
// number of times, including after the process has already exited.
type Process struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	state   ProcessState
	exitErr error
}

// startProcess launches the named command and supervises it. Stderr is
// consumed line-wise through the provided callback (which may be nil) in
// addition to being logged.
func startProcess(logger *slog.Logger, kind, name string, args []string, stderrLine func(string)) (*Process, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = newLineWriter(logger, kind, "stdout", nil)
	cmd.Stderr = newLineWriter(logger, kind, "stderr", stderrLine)

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, err
	}

	proc := &Process{
		cmd:    cmd,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  ProcessRunning,
	}
	go func() {
		err := cmd.Wait()
		proc.mu.Lock()
		if proc.state == ProcessRunning {
			proc.state = ProcessExited
		}
		proc.exitErr = err
		proc.mu.Unlock()
		cancel()
		close(proc.done)
	}()
	return proc, nil
}

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// State reports the current lifecycle state.
func (p *Process) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ExitErr returns the error from Wait, valid once Done is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Terminate forcibly stops the child. It never fails: cancelling the command
// context kills the process, and a process that already exited is left alone.
func (p *Process) Terminate() {
	p.mu.Lock()
	if p.state == ProcessRunning {
		p.state = ProcessKilled
	}
	p.mu.Unlock()
	p.cancel()
}

// Killed reports whether the process was stopped by Terminate rather than
// exiting on its own. Exit observers use this to tell a requested stop apart
// from the stream ending.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == ProcessKilled
}

type lineWriter struct {
	logger   *slog.Logger
	kind     string
	stream   string
	callback func(string)
}

func newLineWriter(logger *slog.Logger, kind, stream string, callback func(string)) *lineWriter {
	return &lineWriter{logger: logger, kind: kind, stream: stream, callback: callback}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if w.callback != nil {
			w.callback(string(line))
		}
		if w.logger != nil {
			w.logger.Debug("child output", "kind", w.kind, "stream", w.stream, "line", string(line))
		}
	}
	return total, nil
}
