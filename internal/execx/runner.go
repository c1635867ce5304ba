// Package execx runs external programs: the pip installer and the scan tools.
package execx

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrNotStarted = errors.New("command not started")
	ErrInProgress = errors.New("command in progress")
)

// waitDelay bounds how long Wait blocks on pipes held open by orphaned
// children after the process was killed.
const waitDelay = 2 * time.Second

type StderrFunc func(ctx context.Context, line string)

// Runner runs a single command at a time.
type Runner struct {
	mx     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	result Result
	waits  []chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration
}

type Result struct {
	Path    string
	Args    []string
	Dir     string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Stderr  *bytes.Buffer
	// TimedOut is set when the command was killed by its own timeout or
	// by a deadline of the parent context.
	TimedOut bool
	// Cancelled is set when the parent context was cancelled.
	Cancelled bool
	Err       error
}

// ExitCode returns the exit code of the process or -1 if it did not exit
// normally.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Duration returns how long the command ran.
func (r Result) Duration() time.Duration {
	if r.Started.IsZero() || r.Stopped.IsZero() {
		return 0
	}
	return r.Stopped.Sub(r.Started)
}

// Start runs the underlying process. Only a single command can be active
// per Runner; returns ErrInProgress or an exec error, otherwise nil. Does
// NOT wait on command to finish, use WaitChan or Run instead.
// Stderr is collected into Result.Stderr and passed line by line to
// stderrFunc, when not nil.
func (r *Runner) Start(ctx context.Context, proto Command, stderrFunc StderrFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path:   proto.Path,
		Args:   append([]string(nil), proto.Args...),
		Dir:    proto.Dir,
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
	}

	if proto.Timeout == 0 {
		slog.DebugContext(ctx, "command has no timeout", "path", proto.Path)
		ctx, r.cancel = context.WithCancel(ctx)
	} else {
		ctx, r.cancel = context.WithTimeout(ctx, proto.Timeout)
	}

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	cmd.Stdout = r.result.Stdout
	cmd.Stderr = &lineWriter{ctx: ctx, buf: r.result.Stderr, fn: stderrFunc}
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.cancel()
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		r.notify()
		return err
	}
	r.cmd = cmd
	go r.wait(ctx, cmd)
	return nil
}

// Run starts the command and waits for it.
func (r *Runner) Run(ctx context.Context, proto Command, stderrFunc StderrFunc) Result {
	ch := r.WaitChan()
	if err := r.Start(ctx, proto, stderrFunc); errors.Is(err, ErrInProgress) {
		r.drop(ch)
		return Result{Path: proto.Path, Args: proto.Args, Err: err}
	}
	return <-ch
}

func (r *Runner) wait(ctx context.Context, cmd *exec.Cmd) {
	err := cmd.Wait()
	var cause error
	if err != nil {
		cause = ctx.Err()
	}
	stopped := time.Now().UTC()
	if w, ok := cmd.Stderr.(*lineWriter); ok {
		w.flush()
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	r.cancel()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		r.result.TimedOut = true
	case cause != nil:
		r.result.Cancelled = true
	}
	r.cmd = nil
	r.notify()
}

// notify sends the result to all waiters, caller must hold the lock.
func (r *Runner) notify() {
	for _, ch := range r.waits {
		ch <- r.result
		close(ch)
	}
	r.waits = nil
}

func (r *Runner) drop(ch <-chan Result) {
	r.mx.Lock()
	defer r.mx.Unlock()
	for i, w := range r.waits {
		if (<-chan Result)(w) == ch {
			r.waits = append(r.waits[:i], r.waits[i+1:]...)
			return
		}
	}
}

// WaitChan returns the channel obtaining the result of the running or
// next started program. The channel is closed once program ends.
func (r *Runner) WaitChan() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	r.waits = append(r.waits, ch)
	r.mx.Unlock()
	return ch
}

// LastResult returns a last command result or a result with
// ErrNotStarted if nothing has been executed yet. While a command
// runs the Err is ErrInProgress.
func (r *Runner) LastResult() Result {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		ret := r.result
		ret.Err = ErrInProgress
		return ret
	}
	return r.result
}

// Close kills the running command, if any.
func (r *Runner) Close() {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil && r.cancel != nil {
		r.cancel()
	}
}

// lineWriter stores stderr and hands over complete lines.
type lineWriter struct {
	ctx  context.Context
	buf  *bytes.Buffer
	fn   StderrFunc
	line []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if w.fn == nil {
		return len(p), nil
	}
	w.line = append(w.line, p...)
	for {
		idx := bytes.IndexByte(w.line, '\n')
		if idx < 0 {
			break
		}
		w.fn(w.ctx, string(bytes.TrimSuffix(w.line[:idx], []byte{'\r'})))
		w.line = w.line[idx+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if w.fn != nil && len(w.line) > 0 {
		w.fn(w.ctx, string(w.line))
	}
	w.line = nil
}
