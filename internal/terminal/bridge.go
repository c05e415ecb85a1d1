// Package terminal runs the agent interactively inside a pseudo-terminal.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/kazz187/storyguild/internal/launcher"
	"github.com/kazz187/storyguild/pkg/clog"
)

const (
	DefaultRows = 40
	DefaultCols = 120

	readChunk = 32 * 1024
)

type Request struct {
	ExecutionID string
	Attempt     int
	Dir         string
	Command     launcher.Command
	Rows        uint16
	Cols        uint16
}

// Sink receives terminal output chunks in order, then exactly one Exit.
type Sink interface {
	Output(data []byte)
	Exit(launcher.ExitResult)
}

type Session interface {
	Write(p []byte) (int, error)
	Resize(rows, cols uint16) error
	Cancel()
	Done() <-chan struct{}
}

// Starter is what the engine uses to open terminal sessions.
type Starter interface {
	Start(ctx context.Context, req Request, sink Sink) (Session, error)
}

type Bridge struct {
	builder   *launcher.Builder
	killGrace time.Duration
}

func NewBridge(builder *launcher.Builder, killGrace time.Duration) *Bridge {
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	return &Bridge{builder: builder, killGrace: killGrace}
}

type session struct {
	cmd       *exec.Cmd
	killGrace time.Duration
	done      chan struct{}

	// ttyMu guards tty against the close in pump.
	ttyMu     sync.Mutex
	tty       *os.File
	ttyClosed bool

	mu       sync.Mutex
	canceled bool
	once     sync.Once
}

func (s *session) Write(p []byte) (int, error) {
	s.ttyMu.Lock()
	defer s.ttyMu.Unlock()
	if s.ttyClosed {
		return 0, io.ErrClosedPipe
	}
	return s.tty.Write(p)
}

func (s *session) Resize(rows, cols uint16) error {
	s.ttyMu.Lock()
	defer s.ttyMu.Unlock()
	if s.ttyClosed {
		return io.ErrClosedPipe
	}
	return pty.Setsize(s.tty, &pty.Winsize{Rows: rows, Cols: cols})
}

func (s *session) closeTTY() {
	s.ttyMu.Lock()
	defer s.ttyMu.Unlock()
	if s.ttyClosed {
		return
	}
	s.ttyClosed = true
	_ = s.tty.Close()
}

func (s *session) Done() <-chan struct{} {
	return s.done
}

// Cancel hangs up the session: SIGTERM to the session's process group, then
// SIGKILL after the grace period.
func (s *session) Cancel() {
	s.once.Do(func() {
		s.mu.Lock()
		s.canceled = true
		s.mu.Unlock()

		pid := s.cmd.Process.Pid
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		go func() {
			select {
			case <-s.done:
			case <-time.After(s.killGrace):
				_ = syscall.Kill(-pid, syscall.SIGKILL)
			}
		}()
	})
}

func (s *session) wasCanceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

func (b *Bridge) Start(ctx context.Context, req Request, sink Sink) (Session, error) {
	argv, err := b.builder.LoginShellArgv(req.Command)
	if err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, &launcher.NotFoundError{Binary: argv[0], Err: err}
	}
	rows, cols := req.Rows, req.Cols
	if rows == 0 || cols == 0 {
		rows, cols = DefaultRows, DefaultCols
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	for k, v := range req.Command.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	tty, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("failed to start terminal: %w", err)
	}

	s := &session{cmd: cmd, tty: tty, killGrace: b.killGrace, done: make(chan struct{})}
	logCtx := clog.WithExecution(ctx, req.ExecutionID, "", "")
	slog.DebugContext(logCtx, "terminal session started", "pid", cmd.Process.Pid, "rows", rows, "cols", cols)

	go b.pump(logCtx, s, sink)
	return s, nil
}

func (b *Bridge) pump(ctx context.Context, s *session, sink Sink) {
	defer close(s.done)

	buf := make([]byte, readChunk)
	for {
		n, err := s.tty.Read(buf)
		if n > 0 {
			sink.Output(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			// Linux reports EIO once the child side is closed.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) {
				slog.WarnContext(ctx, "terminal read failed", "error", err)
			}
			break
		}
	}

	waitErr := s.cmd.Wait()
	s.closeTTY()
	res := launcher.ExitResult{Code: s.cmd.ProcessState.ExitCode(), Canceled: s.wasCanceled()}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		res.Err = waitErr
	}
	if res.Code == 127 && res.Err == nil {
		res.Err = &launcher.NotFoundError{Binary: s.cmd.Args[0], Err: errors.New("command not found")}
	}
	slog.DebugContext(ctx, "terminal session exited", "code", res.Code, "canceled", res.Canceled)
	sink.Exit(res)
}
