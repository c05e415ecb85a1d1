// Package launcher runs agent processes and streams their output.
package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/kazz187/storyguild/pkg/clog"
)

const (
	// MaxLineSize bounds one stdout line; stream-json lines carrying file
	// contents get large.
	MaxLineSize = 10 * 1024 * 1024

	stderrTailLines = 50

	// exitCommandNotFound is what shells return when the binary is missing.
	exitCommandNotFound = 127
)

// Request is one process launch.
type Request struct {
	ExecutionID string
	Attempt     int
	Dir         string
	Command     Command
}

// Sink receives a process's output. Stdout lines arrive in order and Exit is
// called exactly once, after the last Stdout call.
type Sink interface {
	Stdout(line string)
	Stderr(line string)
	Exit(ExitResult)
}

type ExitResult struct {
	Code int
	// Canceled is set when Cancel was called before the process exited.
	Canceled bool
	// Err is set when the process could not be started or waited on.
	Err error
	// StderrTail holds the last lines written to stderr.
	StderrTail []string
}

// NotFound reports a missing agent binary.
func (r ExitResult) NotFound() bool {
	var nf *NotFoundError
	return errors.As(r.Err, &nf) || r.Code == exitCommandNotFound
}

func (r ExitResult) Success() bool {
	return r.Err == nil && r.Code == 0 && !r.Canceled
}

// Handle controls a running process.
type Handle interface {
	Cancel()
	PID() int
	Done() <-chan struct{}
}

type Launcher interface {
	Launch(ctx context.Context, req Request, sink Sink) (Handle, error)
}

// NotFoundError reports that the shell or the agent binary does not exist.
type NotFoundError struct {
	Binary string
	Err    error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("agent binary %q not found: %v", e.Binary, e.Err)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// ExecLauncher runs each command through the builder's login shell.
type ExecLauncher struct {
	builder   *Builder
	killGrace time.Duration
}

func NewExecLauncher(builder *Builder, killGrace time.Duration) *ExecLauncher {
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	return &ExecLauncher{builder: builder, killGrace: killGrace}
}

type process struct {
	cmd       *exec.Cmd
	killGrace time.Duration
	done      chan struct{}

	mu       sync.Mutex
	canceled bool
	once     sync.Once
}

func (p *process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) Done() <-chan struct{} {
	return p.done
}

// Cancel sends SIGTERM to the process group and SIGKILL after the grace
// period if it is still running.
func (p *process) Cancel() {
	p.once.Do(func() {
		p.mu.Lock()
		p.canceled = true
		p.mu.Unlock()

		pid := p.PID()
		if pid == 0 {
			return
		}
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		go func() {
			select {
			case <-p.done:
			case <-time.After(p.killGrace):
				_ = syscall.Kill(-pid, syscall.SIGKILL)
			}
		}()
	})
}

func (p *process) wasCanceled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canceled
}

func (l *ExecLauncher) Launch(ctx context.Context, req Request, sink Sink) (Handle, error) {
	argv, err := l.builder.LoginShellArgv(req.Command)
	if err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, &NotFoundError{Binary: argv[0], Err: err}
	}

	// The process outlives the request context; Cancel stops it.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = os.Environ()
	for k, v := range req.Command.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, &NotFoundError{Binary: argv[0], Err: err}
		}
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}

	p := &process{cmd: cmd, killGrace: l.killGrace, done: make(chan struct{})}
	logCtx := clog.WithExecution(ctx, req.ExecutionID, "", "")
	slog.DebugContext(logCtx, "agent process started",
		"pid", p.PID(), "attempt", req.Attempt, "binary", req.Command.Binary, "dir", req.Dir)

	go l.feedStdin(logCtx, stdin, req.Command.Stdin)
	go l.supervise(logCtx, p, stdout, stderr, sink)
	return p, nil
}

func (l *ExecLauncher) feedStdin(ctx context.Context, stdin io.WriteCloser, input string) {
	defer stdin.Close()
	if input == "" {
		return
	}
	if _, err := io.WriteString(stdin, input); err != nil {
		slog.WarnContext(ctx, "failed to write agent stdin", "error", err)
	}
}

func (l *ExecLauncher) supervise(ctx context.Context, p *process, stdout, stderr io.Reader, sink Sink) {
	defer close(p.done)

	tail := newLineTail(stderrTailLines)
	var wg conc.WaitGroup
	var scanErr error
	wg.Go(func() {
		scanErr = scanLines(stdout, sink.Stdout)
	})
	wg.Go(func() {
		_ = scanLines(stderr, func(line string) {
			tail.add(line)
			sink.Stderr(line)
		})
	})
	recovered := wg.WaitAndRecover()

	res := ExitResult{StderrTail: tail.lines()}
	waitErr := p.cmd.Wait()
	res.Code = p.cmd.ProcessState.ExitCode()
	res.Canceled = p.wasCanceled()

	var exitErr *exec.ExitError
	switch {
	case recovered != nil:
		res.Err = recovered.AsError()
	case scanErr != nil:
		res.Err = scanErr
	case waitErr != nil && !errors.As(waitErr, &exitErr):
		res.Err = waitErr
	}
	if res.Code == exitCommandNotFound && res.Err == nil {
		res.Err = &NotFoundError{Binary: p.cmd.Args[0], Err: errors.New(strings.Join(res.StderrTail, "\n"))}
	}
	// Killed by a signal reports -1.
	if res.Code < 0 && !res.Canceled && res.Err == nil {
		res.Err = waitErr
	}

	slog.DebugContext(ctx, "agent process exited", "code", res.Code, "canceled", res.Canceled, "error", res.Err)
	sink.Exit(res)
}

func scanLines(r io.Reader, fn func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		// Drain so the child does not block on a full pipe.
		_, _ = io.Copy(io.Discard, r)
		return fmt.Errorf("failed to read agent output: %w", err)
	}
	return nil
}

type lineTail struct {
	mu  sync.Mutex
	max int
	buf []string
}

func newLineTail(n int) *lineTail {
	return &lineTail{max: n}
}

func (t *lineTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
}

func (t *lineTail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.buf...)
}
