package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kazz187/storyguild/internal/execution"
	"github.com/kazz187/storyguild/internal/gitctx"
	"github.com/kazz187/storyguild/internal/kanban"
	"github.com/kazz187/storyguild/internal/launcher"
	"github.com/kazz187/storyguild/internal/notify"
	"github.com/kazz187/storyguild/internal/question"
	"github.com/kazz187/storyguild/internal/terminal"
)

const waitFor = 2 * time.Second

type fakeProc struct {
	req      launcher.Request
	sink     launcher.Sink
	canceled atomic.Bool
	done     chan struct{}
}

func (p *fakeProc) Cancel()               { p.canceled.Store(true) }
func (p *fakeProc) PID() int              { return 4242 }
func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) emit(lines ...string) {
	for _, l := range lines {
		p.sink.Stdout(l)
	}
}

func (p *fakeProc) exit(code int) {
	p.sink.Exit(launcher.ExitResult{Code: code, Canceled: p.canceled.Load()})
	close(p.done)
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProc
	err   error
}

func (f *fakeLauncher) Launch(_ context.Context, req launcher.Request, sink launcher.Sink) (launcher.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakeProc{req: req, sink: sink, done: make(chan struct{})}
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

// proc waits for the n-th launch, counting from 1.
func (f *fakeLauncher) proc(t *testing.T, n int) *fakeProc {
	t.Helper()
	require.Eventually(t, func() bool { return f.count() >= n }, waitFor, 5*time.Millisecond, "launch %d", n)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[n-1]
}

type fakeSession struct {
	sink     terminal.Sink
	canceled atomic.Bool
	mu       sync.Mutex
	input    []byte
	rows     uint16
	cols     uint16
	done     chan struct{}
}

func (s *fakeSession) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input = append(s.input, p...)
	return len(p), nil
}

func (s *fakeSession) Resize(rows, cols uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows, s.cols = rows, cols
	return nil
}

func (s *fakeSession) Cancel()               { s.canceled.Store(true) }
func (s *fakeSession) Done() <-chan struct{} { return s.done }

type fakeTerminal struct {
	mu       sync.Mutex
	sessions []*fakeSession
	reqs     []terminal.Request
}

func (f *fakeTerminal) Start(_ context.Context, req terminal.Request, sink terminal.Sink) (terminal.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSession{sink: sink, done: make(chan struct{})}
	f.sessions = append(f.sessions, s)
	f.reqs = append(f.reqs, req)
	return s, nil
}

func (f *fakeTerminal) session(t *testing.T, n int) *fakeSession {
	t.Helper()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.sessions) >= n
	}, waitFor, 5*time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[n-1]
}

type fakeGit struct {
	mu        sync.Mutex
	ensured   []gitctx.Request
	finalized []gitctx.FinalizeRequest
	warnings  []string
}

func (g *fakeGit) Ensure(_ context.Context, req gitctx.Request) (gitctx.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensured = append(g.ensured, req)
	strategy := req.Strategy
	if strategy == "" {
		strategy = execution.GitStrategyCurrentBranch
	}
	return gitctx.Result{
		Strategy: strategy,
		Branch:   "feature/" + req.SpecID,
		WorkDir:  req.ProjectPath,
		Warnings: g.warnings,
	}, nil
}

func (g *fakeGit) Finalize(_ context.Context, req gitctx.FinalizeRequest) gitctx.FinalizeResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finalized = append(g.finalized, req)
	return gitctx.FinalizeResult{Pushed: true, Warnings: []string{"failed to open pull request: gh missing"}}
}

func (g *fakeGit) finalizeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.finalized)
}

// stuckBoards drops every status write for the listed stories, which is
// what a board that silently fails to persist looks like.
type stuckBoards struct {
	*kanban.Store
	stuck map[string]bool
}

func (b *stuckBoards) PromoteStory(ctx context.Context, projectPath, specID, storyID string, to kanban.StoryStatus) error {
	if b.stuck[storyID] {
		return nil
	}
	return b.Store.PromoteStory(ctx, projectPath, specID, storyID, to)
}

type fakeTimer struct {
	fn      func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool {
	return !t.stopped.Swap(true)
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (f *fakeTimers) AfterFunc(_ time.Duration, fn func()) question.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{fn: fn}
	f.timers = append(f.timers, t)
	return t
}

func (f *fakeTimers) armed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if !t.stopped.Load() {
			n++
		}
	}
	return n
}

// fireLatest runs the newest timer that is still armed.
func (f *fakeTimers) fireLatest(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	var timer *fakeTimer
	for i := len(f.timers) - 1; i >= 0; i-- {
		if !f.timers[i].stopped.Load() {
			timer = f.timers[i]
			break
		}
	}
	f.mu.Unlock()
	require.NotNil(t, timer, "no armed timer")
	timer.stopped.Store(true)
	timer.fn()
}

type recorder struct {
	mu  sync.Mutex
	all []*notify.Notification
}

func (r *recorder) Publish(n *notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, n)
}

func (r *recorder) find(kind notify.Kind, match func(*notify.Notification) bool) []*notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*notify.Notification
	for _, n := range r.all {
		if n.Kind == kind && (match == nil || match(n)) {
			out = append(out, n)
		}
	}
	return out
}

func forExecution(id string) func(*notify.Notification) bool {
	return func(n *notify.Notification) bool { return n.ExecutionID == id }
}

func (r *recorder) wait(t *testing.T, kind notify.Kind, match func(*notify.Notification) bool) *notify.Notification {
	t.Helper()
	var found *notify.Notification
	require.Eventually(t, func() bool {
		if list := r.find(kind, match); len(list) > 0 {
			found = list[0]
			return true
		}
		return false
	}, waitFor, 5*time.Millisecond, "notification %s", kind)
	return found
}

type harness struct {
	e        *Engine
	launcher *fakeLauncher
	terminal *fakeTerminal
	git      *fakeGit
	timers   *fakeTimers
	rec      *recorder
	boards   *kanban.Store
	project  string
	cancel   context.CancelFunc
	done     chan struct{}
}

type option func(*Config, *Deps)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	h := &harness{
		launcher: &fakeLauncher{},
		terminal: &fakeTerminal{},
		git:      &fakeGit{},
		timers:   &fakeTimers{},
		rec:      &recorder{},
		boards:   kanban.NewStore(".storyguild", time.Second),
		project:  t.TempDir(),
		done:     make(chan struct{}),
	}
	cfg := Config{
		CommandPrefix:    "sg",
		DefaultModel:     "sonnet",
		ReminderInterval: time.Minute,
		OpenPullRequests: true,
		Heuristics:       question.DefaultHeuristics(),
		AfterFunc:        h.timers.AfterFunc,
	}
	deps := Deps{
		Launcher:  h.launcher,
		Builder:   launcher.NewBuilder(nil, "/bin/sh"),
		Terminal:  h.terminal,
		Boards:    h.boards,
		Git:       h.git,
		Publisher: h.rec,
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}
	h.e = New(cfg, deps)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		_ = h.e.Run(ctx)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
}

func (h *harness) writeBoard(t *testing.T, specID, content string) {
	t.Helper()
	dir := h.boards.SpecDir(h.project, specID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, kanban.BoardFileName), []byte(content), 0o644))
}

func (h *harness) board(t *testing.T, specID string) *kanban.Board {
	t.Helper()
	b, err := h.boards.Read(context.Background(), h.project, specID)
	require.NoError(t, err)
	return b
}

func (h *harness) get(t *testing.T, id string) execution.Execution {
	t.Helper()
	ex, err := h.e.Execution(context.Background(), id)
	require.NoError(t, err)
	return ex
}

func (h *harness) waitStatus(t *testing.T, id string, status execution.Status) execution.Execution {
	t.Helper()
	var ex execution.Execution
	require.Eventually(t, func() bool {
		var err error
		ex, err = h.e.Execution(context.Background(), id)
		return err == nil && ex.Status == status
	}, waitFor, 5*time.Millisecond, "status %s", status)
	return ex
}

func systemLine(sessionID string) string {
	return fmt.Sprintf(`{"type":"system","subtype":"init","session_id":%q,"model":"sonnet"}`, sessionID)
}

func textLine(text string) string {
	return mustJSON(map[string]any{
		"type":    "assistant",
		"message": map[string]any{"id": "msg", "content": []any{map[string]any{"type": "text", "text": text}}},
	})
}

type sub struct {
	header, question string
}

func questionLine(groupID, text string, subs ...sub) string {
	var qs []any
	for _, s := range subs {
		qs = append(qs, map[string]any{
			"header":   s.header,
			"question": s.question,
			"options":  []any{map[string]any{"label": "yes"}, map[string]any{"label": "no"}},
		})
	}
	var content []any
	if text != "" {
		content = append(content, map[string]any{"type": "text", "text": text})
	}
	content = append(content, map[string]any{
		"type":  "tool_use",
		"id":    groupID,
		"name":  "AskUserQuestion",
		"input": map[string]any{"questions": qs},
	})
	return mustJSON(map[string]any{
		"type":    "assistant",
		"message": map[string]any{"id": "msg-" + groupID, "content": content},
	})
}

func resultLine(sessionID, result string) string {
	return mustJSON(map[string]any{
		"type": "result", "subtype": "success", "session_id": sessionID,
		"is_error": false, "result": result, "num_turns": 3,
	})
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}
