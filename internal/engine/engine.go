// Package engine drives agent executions through their lifecycle and chains
// completed stories into the next unit of work.
//
// All execution state is owned by one control loop (Run). Process readers,
// reminder timers and the terminal bridge post closures into its inbox and
// never touch the store directly. Inbound operations post a closure and wait
// for it to run.
package engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/conc"

	"github.com/kazz187/storyguild/internal/continuation"
	"github.com/kazz187/storyguild/internal/execution"
	"github.com/kazz187/storyguild/internal/gitctx"
	"github.com/kazz187/storyguild/internal/kanban"
	"github.com/kazz187/storyguild/internal/launcher"
	"github.com/kazz187/storyguild/internal/notify"
	"github.com/kazz187/storyguild/internal/question"
	"github.com/kazz187/storyguild/internal/queue"
	"github.com/kazz187/storyguild/internal/terminal"
	"github.com/kazz187/storyguild/pkg/cerr"
	"github.com/kazz187/storyguild/pkg/clog"
	"github.com/kazz187/storyguild/pkg/panicerr"
)

// ErrStopped is returned by every operation once Run has returned.
var ErrStopped = cerr.NewError(cerr.Unavailable, "engine is stopped", nil)

// Boards is the spec metadata the engine reads and mutates.
type Boards interface {
	continuation.Board
	PromoteStory(ctx context.Context, projectPath, specID, storyID string, to kanban.StoryStatus) error
	BacklogStory(ctx context.Context, projectPath, storyID string) (*kanban.Story, error)
	PromoteBacklogStory(ctx context.Context, projectPath, storyID string, to kanban.StoryStatus) error
	SpecsDir(projectPath string) string
}

// GitContext prepares and publishes the git context of a spec.
type GitContext interface {
	Ensure(ctx context.Context, req gitctx.Request) (gitctx.Result, error)
	Finalize(ctx context.Context, req gitctx.FinalizeRequest) gitctx.FinalizeResult
}

type Queue interface {
	continuation.Queue
	Start(ctx context.Context, clientID string) (*queue.Entry, error)
	Stop(ctx context.Context) error
}

// Archiver keeps the record of finished executions.
type Archiver interface {
	Save(ctx context.Context, e execution.Execution) error
}

type Config struct {
	// CommandPrefix namespaces the story commands, "<prefix>:execute-tasks".
	CommandPrefix    string
	DefaultModel     string
	ReminderInterval time.Duration
	OpenPullRequests bool
	// WatchBoards starts a board watcher for every project an execution
	// runs in.
	WatchBoards bool
	Heuristics  question.Heuristics

	Now       func() time.Time
	AfterFunc func(d time.Duration, fn func()) question.Timer
}

func (c *Config) setDefaults() {
	if c.CommandPrefix == "" {
		c.CommandPrefix = "storyguild"
	}
	if c.ReminderInterval <= 0 {
		c.ReminderInterval = 30 * time.Minute
	}
	if c.Heuristics.PresentsQuestion == nil || c.Heuristics.AsksForInput == nil {
		c.Heuristics = question.DefaultHeuristics()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.AfterFunc == nil {
		c.AfterFunc = func(d time.Duration, fn func()) question.Timer {
			return time.AfterFunc(d, fn)
		}
	}
}

type Deps struct {
	Launcher  launcher.Launcher
	Builder   *launcher.Builder
	Terminal  terminal.Starter
	Boards    Boards
	Git       GitContext
	Queue     Queue
	Archive   Archiver
	Publisher notify.Publisher
}

type Engine struct {
	cfg     Config
	deps    Deps
	planner *continuation.Planner

	// Owned by the control loop.
	store    *execution.Store
	handles  map[string]launcher.Handle
	sessions map[string]terminal.Session
	watched  map[string]bool

	ctx    context.Context
	cancel context.CancelFunc

	inbox   chan func()
	stopped chan struct{}
	bg      conc.WaitGroup
}

const inboxSize = 256

func New(cfg Config, deps Deps) *Engine {
	cfg.setDefaults()
	if deps.Builder == nil {
		deps.Builder = launcher.NewBuilder(nil, "")
	}
	var q continuation.Queue
	if deps.Queue != nil {
		q = deps.Queue
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		deps:     deps,
		planner:  continuation.NewPlanner(deps.Boards, q, continuation.NewGuard()),
		store:    execution.NewStore(),
		handles:  make(map[string]launcher.Handle),
		sessions: make(map[string]terminal.Session),
		watched:  make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
		inbox:    make(chan func(), inboxSize),
		stopped:  make(chan struct{}),
	}
}

// Run executes the control loop until ctx is done. It must be called once.
// On return every live process has been asked to stop and background work
// has finished.
func (e *Engine) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "engine started")
	for {
		select {
		case <-ctx.Done():
			e.shutdown(ctx)
			return nil
		case fn := <-e.inbox:
			err := panicerr.Run(func() error {
				fn()
				return nil
			})
			if err != nil {
				slog.ErrorContext(ctx, "engine callback panicked", "error", err)
			}
		}
	}
}

func (e *Engine) shutdown(ctx context.Context) {
	for id, h := range e.handles {
		h.Cancel()
		delete(e.handles, id)
	}
	for id, s := range e.sessions {
		s.Cancel()
		delete(e.sessions, id)
	}
	for _, ex := range e.store.List() {
		ex.Questions.Reset()
	}
	e.cancel()
	close(e.stopped)
	e.bg.Wait()
	slog.InfoContext(ctx, "engine stopped")
}

// call runs fn on the control loop and waits for it.
func (e *Engine) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case e.inbox <- wrapped:
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// post queues fn for the control loop without waiting. It must not be called
// from the loop itself.
func (e *Engine) post(fn func()) {
	select {
	case e.inbox <- fn:
	case <-e.stopped:
	}
}

// goBackground runs fn outside the loop, tied to the engine lifetime.
func (e *Engine) goBackground(name string, fn func(ctx context.Context) error) {
	e.bg.Go(func() {
		if err := panicerr.SafeContext(fn)(e.ctx); err != nil && e.ctx.Err() == nil {
			slog.ErrorContext(e.ctx, "background task failed", "task", name, "error", err)
		}
	})
}

func (e *Engine) now() time.Time {
	return e.cfg.Now()
}

func newID() string {
	return ulid.Make().String()
}

func (e *Engine) logCtx(ex *execution.Execution) context.Context {
	return clog.WithExecution(e.ctx, ex.ID, ex.SpecID, ex.StoryID)
}

func (e *Engine) publish(n *notify.Notification) {
	if e.deps.Publisher == nil {
		return
	}
	e.deps.Publisher.Publish(n)
}

func notice(ex *execution.Execution, kind notify.Kind) *notify.Notification {
	return &notify.Notification{
		Kind:        kind,
		ClientID:    ex.ClientID,
		ExecutionID: ex.ID,
		ProjectPath: ex.ProjectPath,
		SpecID:      ex.SpecID,
		StoryID:     ex.StoryID,
	}
}

// watchProject starts the board watcher of a project once.
func (e *Engine) watchProject(projectPath string) {
	if !e.cfg.WatchBoards || e.deps.Boards == nil || e.watched[projectPath] {
		return
	}
	e.watched[projectPath] = true
	w := kanban.NewWatcher(e.deps.Boards.SpecsDir(projectPath), kanban.DefaultDebounce, func(specID string) {
		e.publish(&notify.Notification{Kind: notify.KindBoardChanged, ProjectPath: projectPath, SpecID: specID})
	})
	e.goBackground("board watcher", func(ctx context.Context) error {
		return w.Run(ctx)
	})
}

// Execution returns a snapshot of one execution.
func (e *Engine) Execution(ctx context.Context, id string) (execution.Execution, error) {
	var (
		snap execution.Execution
		ok   bool
	)
	if err := e.call(ctx, func() {
		var ex *execution.Execution
		if ex, ok = e.store.Get(id); ok {
			snap = ex.Snapshot()
		}
	}); err != nil {
		return snap, err
	}
	if !ok {
		return snap, cerr.NewError(cerr.NotFound, "execution not found", nil)
	}
	return snap, nil
}

// Executions returns snapshots of every execution, oldest first.
func (e *Engine) Executions(ctx context.Context) ([]execution.Execution, error) {
	var list []execution.Execution
	err := e.call(ctx, func() {
		for _, ex := range e.store.List() {
			list = append(list, ex.Snapshot())
		}
	})
	return list, err
}

// Guard exposes the continuation guard, mostly for operators releasing a
// halted spec.
func (e *Engine) Guard() *continuation.Guard {
	return e.planner.Guard()
}

func cleanProject(projectPath string) (string, error) {
	if projectPath == "" {
		return "", cerr.NewError(cerr.InvalidArgument, "project path is required", nil)
	}
	return filepath.Clean(projectPath), nil
}
