// Package process runs and supervises the external client binaries.
// Long-running children get their own process group so termination
// reaches helpers they spawn, and their output is delivered line by line.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rjeffmyers/vpnrdp/common"
	"golang.org/x/sys/unix"
)

// killWait bounds the wait for exit after SIGKILL.
const killWait = time.Second

// tailLines is how many output lines a Process remembers.
const tailLines = 20

// Command describes one invocation of an external binary.
type Command struct {
	Name  string
	Args  []string
	Stdin string
	// Env entries are appended to the current environment.
	Env []string
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the outcome of a completed command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

// LineHandler receives each output line of a started process.
type LineHandler func(line string)

// Runner abstracts process execution so drivers can be tested with fakes.
type Runner interface {
	// Run executes a command to completion. A non-zero exit is reported
	// in Result.ExitCode, not as an error; errors mean the command could
	// not run or ctx ended first.
	Run(ctx context.Context, cmd Command) (Result, error)
	// Start launches a long-running command in its own process group.
	Start(cmd Command, onLine LineHandler) (*Process, error)
	// LookPath resolves a binary name on PATH.
	LookPath(name string) (string, error)
}

// ExecRunner is the Runner backed by os/exec.
type ExecRunner struct{}

var _ Runner = ExecRunner{}

// LookPath implements Runner.
func (ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = killWait
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = exitCode(cmd.ProcessState)
		return res, fmt.Errorf("%s: %w", c.Name, ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitCode(exitErr.ProcessState)
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("running %s: %w", c.Name, err)
	}
	return res, nil
}

// Start implements Runner.
func (ExecRunner) Start(c Command, onLine LineHandler) (*Process, error) {
	cmd := exec.Command(c.Name, c.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = killWait
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}

	p := &Process{
		name:     c.Name,
		cmd:      cmd,
		done:     make(chan struct{}),
		exitCode: -1,
	}
	w := &lineWriter{handle: p.recordLine(onLine)}
	// Same writer for both streams so lines never interleave mid-line.
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", c.Name, err)
	}
	common.LogDebug("Process %s started with PID %d", c.Name, cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		w.flush()
		p.mu.Lock()
		p.exitCode = exitCode(cmd.ProcessState)
		p.signal, p.signaled = signalOf(cmd.ProcessState)
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			p.waitErr = err
		}
		p.mu.Unlock()
		common.LogDebug("Process %s (PID %d) exited with code %d", c.Name, cmd.Process.Pid, p.ExitCode())
		close(p.done)
	}()

	return p, nil
}

// Process is a started child process.
type Process struct {
	name string
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	signal   syscall.Signal
	signaled bool
	waitErr  error
	tail     []string
}

func (p *Process) recordLine(next LineHandler) LineHandler {
	return func(line string) {
		p.mu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > tailLines {
			p.tail = p.tail[len(p.tail)-tailLines:]
		}
		p.mu.Unlock()
		if next != nil {
			next(line)
		}
	}
}

// Pid returns the process ID, which is also its process group ID.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Running reports whether the process has not exited yet.
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit status, 128+N for death by signal N, or -1
// while the process is running.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Signaled returns the signal that killed the process. ok is false while
// it runs and when it exited on its own, whatever its exit code.
func (p *Process) Signaled() (sig syscall.Signal, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signal, p.signaled
}

// Err returns a wait error other than a plain non-zero exit.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Tail returns the last output lines.
func (p *Process) Tail() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tail...)
}

// Terminate sends SIGTERM to the process group and waits until ctx ends,
// then escalates to SIGKILL. Returns a StopTimeout error when exit could
// not be confirmed. Calling it on an exited process returns nil.
func (p *Process) Terminate(ctx context.Context) error {
	if !p.Running() {
		return nil
	}

	pid := p.Pid()
	if err := signalGroup(pid, unix.SIGTERM); err != nil {
		common.LogDebug("SIGTERM to %s (PID %d) failed: %v", p.name, pid, err)
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	}

	common.LogWarn("%s (PID %d) ignored SIGTERM, sending SIGKILL", p.name, pid)
	if err := signalGroup(pid, unix.SIGKILL); err != nil {
		common.LogDebug("SIGKILL to %s (PID %d) failed: %v", p.name, pid, err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(killWait):
		return common.Errorf(common.KindStopTimeout, "%s (PID %d) still running after SIGKILL", p.name, pid)
	}
}

// signalGroup signals the whole process group led by pid, falling back to
// the process itself when the group is gone.
func signalGroup(pid int, sig syscall.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

func signalOf(state *os.ProcessState) (syscall.Signal, bool) {
	if state == nil {
		return 0, false
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ws.Signal(), true
	}
	return 0, false
}

// IsNotFound reports whether err means the binary does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)
}

// lineWriter splits written bytes into lines.
type lineWriter struct {
	mu     sync.Mutex
	buf    []byte
	handle LineHandler
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		w.handle(line)
	}
	return len(b), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.handle(strings.TrimRight(string(w.buf), "\r"))
		w.buf = nil
	}
}
