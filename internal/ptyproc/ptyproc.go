// Package ptyproc wraps one spawned agent process bound to a pseudo
// terminal. A Proc owns the process lifecycle end to end: spawn, input,
// output, resize, terminate, wait. Exactly one OS process and pty exist per
// Proc, and the whole process group is killed on every exit path so that
// Node-based CLIs cannot leave orphans holding the pty open.
package ptyproc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
)

const (
	defaultRows = 24
	defaultCols = 80
	readBufLen  = 4096

	// TerminateGrace is how long Terminate waits between SIGTERM and SIGKILL.
	TerminateGrace = 5 * time.Second
)

var (
	// ErrClosed is returned by WriteInput after the process has exited.
	ErrClosed = errors.New("process already exited")

	// ErrKillTimeout is returned by Terminate when the process survived the
	// grace period and had to be killed forcefully.
	ErrKillTimeout = errors.New("process ignored SIGTERM, killed")
)

// SpawnError reports a failure to launch the process at all: missing
// executable, bad working directory, or pty allocation failure.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Spec describes the process to launch.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	Rows    uint16
	Cols    uint16
}

// Proc is a live process handle. It is runtime-only state and is never
// persisted; the session record outlives it.
type Proc struct {
	cmd  *exec.Cmd
	ptmx *os.File

	out  chan []byte
	done chan struct{}

	exited   atomic.Bool
	exitCode int

	termOnce sync.Once
	killOnce sync.Once
}

// Spawn launches the command on a fresh pty in its own process group.
func Spawn(spec Spec) (*Proc, error) {
	if spec.Command == "" {
		return nil, &SpawnError{Command: spec.Command, Err: errors.New("empty command")}
	}
	if spec.Dir != "" {
		info, err := os.Stat(spec.Dir)
		if err != nil {
			return nil, &SpawnError{Command: spec.Command, Err: fmt.Errorf("working directory: %w", err)}
		}
		if !info.IsDir() {
			return nil, &SpawnError{Command: spec.Command, Err: fmt.Errorf("working directory %q is not a directory", spec.Dir)}
		}
	}
	if _, err := exec.LookPath(spec.Command); err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	attrs := &syscall.SysProcAttr{Setpgid: true}
	cmd.SysProcAttr = attrs

	ptmx, err := pty.StartWithAttrs(cmd, nil, attrs)
	if err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}

	rows, cols := spec.Rows, spec.Cols
	if rows == 0 {
		rows = defaultRows
	}
	if cols == 0 {
		cols = defaultCols
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})

	p := &Proc{
		cmd:  cmd,
		ptmx: ptmx,
		out:  make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go p.readLoop()
	return p, nil
}

// readLoop pumps pty output into the output channel until the process exits,
// then reaps the process and records its exit code. Reading from the pty
// fails with EIO once the child side closes, which is the normal end of
// stream on Linux.
func (p *Proc) readLoop() {
	buf := make([]byte, readBufLen)
	for {
		n, readErr := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.out <- chunk
		}
		if readErr != nil {
			break
		}
	}
	close(p.out)

	err := p.cmd.Wait()
	p.exitCode = exitCode(err)
	p.exited.Store(true)
	_ = p.ptmx.Close()
	p.killGroup()
	close(p.done)
}

// Output returns the raw output chunk stream. The channel is closed when the
// process exits; that closure is the end-of-stream marker.
func (p *Proc) Output() <-chan []byte {
	return p.out
}

// WriteInput forwards bytes to the process's terminal input.
func (p *Proc) WriteInput(data []byte) error {
	if p.exited.Load() {
		return ErrClosed
	}
	if _, err := p.ptmx.Write(data); err != nil {
		if p.exited.Load() || errors.Is(err, os.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("writing to pty: %w", err)
	}
	return nil
}

// Resize adjusts the pty window size.
func (p *Proc) Resize(rows, cols uint16) error {
	if p.exited.Load() {
		return ErrClosed
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// PID returns the process id, or 0 when unknown.
func (p *Proc) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Terminate requests a graceful shutdown with SIGTERM and escalates to
// SIGKILL after the grace period. It returns ErrKillTimeout when the force
// kill was needed; callers log that rather than surfacing a failed stop.
func (p *Proc) Terminate() error {
	var timedOut bool
	p.termOnce.Do(func() {
		p.signalGroup(syscall.SIGTERM)
		select {
		case <-p.done:
		case <-time.After(TerminateGrace):
			timedOut = true
			p.killGroup()
		}
	})
	if timedOut {
		return ErrKillTimeout
	}
	return nil
}

// Wait blocks until the process has exited and returns its exit code. Safe
// to call from multiple goroutines.
func (p *Proc) Wait() int {
	<-p.done
	return p.exitCode
}

// Done is closed once the process has exited and been reaped.
func (p *Proc) Done() <-chan struct{} {
	return p.done
}

func (p *Proc) signalGroup(sig syscall.Signal) {
	if pid := p.PID(); pid > 0 {
		_ = syscall.Kill(-pid, sig)
	}
}

func (p *Proc) killGroup() {
	p.killOnce.Do(func() {
		p.signalGroup(syscall.SIGKILL)
	})
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

// Drain discards remaining output. Useful when the consumer abandons the
// stream early but still needs the process reaped.
func (p *Proc) Drain() {
	go func() {
		for range p.out {
		}
	}()
}
