package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kazz187/storyguild/internal/execution"
	"github.com/kazz187/storyguild/internal/launcher"
	"github.com/kazz187/storyguild/internal/notify"
	"github.com/kazz187/storyguild/internal/terminal"
	"github.com/kazz187/storyguild/pkg/cerr"
)

type terminalSize struct {
	rows uint16
	cols uint16
}

type TerminalRequest struct {
	ClientID    string
	ProjectPath string
	// CommandID is ignored for stories, which run the story command.
	CommandID   string
	Argument    string
	Model       string
	SpecID      string
	StoryID     string
	GitStrategy execution.GitStrategy
	AutoMode    bool
	Rows        uint16
	Cols        uint16
}

// StartTerminalExecution runs the agent interactively in a pseudo-terminal.
// Its exit is handled like a stream execution's, including continuation.
func (e *Engine) StartTerminalExecution(ctx context.Context, req TerminalRequest) (string, error) {
	if e.deps.Terminal == nil {
		return "", cerr.NewError(cerr.FailedPrecondition, "terminal sessions are not available", nil)
	}
	var ex *execution.Execution
	if req.SpecID != "" && req.StoryID != "" {
		var err error
		ex, err = e.prepareStory(ctx, StoryRequest{
			ClientID:    req.ClientID,
			ProjectPath: req.ProjectPath,
			SpecID:      req.SpecID,
			StoryID:     req.StoryID,
			GitStrategy: req.GitStrategy,
			Model:       req.Model,
			AutoMode:    req.AutoMode,
		})
		if err != nil {
			return "", err
		}
		e.planner.Guard().Release(ex.ProjectPath, ex.SpecID)
	} else {
		projectPath, err := cleanProject(req.ProjectPath)
		if err != nil {
			return "", err
		}
		ex = &execution.Execution{
			ID:          newID(),
			ClientID:    req.ClientID,
			CommandID:   req.CommandID,
			Name:        firstNonEmpty(req.CommandID, "terminal"),
			ProjectPath: projectPath,
			WorkDir:     projectPath,
			Argument:    req.Argument,
			Model:       firstNonEmpty(req.Model, e.cfg.DefaultModel),
		}
	}
	ex.Kind = execution.KindTerminal
	size := terminalSize{rows: req.Rows, cols: req.Cols}
	return ex.ID, e.call(ctx, func() { e.begin(ex, size) })
}

// openTerminal starts a new terminal attempt of ex. Loop only.
func (e *Engine) openTerminal(ex *execution.Execution, size terminalSize) {
	ex.Attempt++
	ex.Aborted = false
	ex.Errored = false
	prompt := ""
	if ex.CommandID != "" {
		prompt = launcher.Prompt(ex.CommandID, ex.Argument)
	}
	sink := &terminalSink{e: e, id: ex.ID, attempt: ex.Attempt}
	s, err := e.deps.Terminal.Start(e.logCtx(ex), terminal.Request{
		ExecutionID: ex.ID,
		Attempt:     ex.Attempt,
		Dir:         ex.WorkDir,
		Command:     e.deps.Builder.Interactive(ex.Model, prompt),
		Rows:        size.rows,
		Cols:        size.cols,
	}, sink)
	if err != nil {
		slog.ErrorContext(e.logCtx(ex), "failed to open terminal", "error", err)
		ex.Error = err.Error()
		e.finish(ex, execution.StatusFailed)
		return
	}
	e.sessions[ex.ID] = s
	if !ex.StartAnnounced {
		ex.StartAnnounced = true
		n := notice(ex, notify.KindStarted)
		n.Status = string(ex.Status)
		n.Text = ex.Name
		e.publish(n)
	}
}

func (e *Engine) terminalSession(ctx context.Context, id string) (terminal.Session, error) {
	var (
		s     terminal.Session
		found bool
	)
	if err := e.call(ctx, func() {
		_, found = e.store.Get(id)
		s = e.sessions[id]
	}); err != nil {
		return nil, err
	}
	if !found {
		return nil, cerr.NewError(cerr.NotFound, "execution not found", nil)
	}
	if s == nil {
		return nil, cerr.NewError(cerr.FailedPrecondition, "execution has no live terminal", nil)
	}
	return s, nil
}

// WriteTerminalInput forwards keystrokes. The write happens outside the
// control loop.
func (e *Engine) WriteTerminalInput(ctx context.Context, id string, data []byte) error {
	s, err := e.terminalSession(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.Write(data); err != nil {
		return cerr.NewError(cerr.FailedPrecondition, "terminal is closed", err)
	}
	return nil
}

func (e *Engine) ResizeTerminal(ctx context.Context, id string, rows, cols uint16) error {
	if rows == 0 || cols == 0 {
		return cerr.NewError(cerr.InvalidArgument, "rows and cols must be positive", nil)
	}
	s, err := e.terminalSession(ctx, id)
	if err != nil {
		return err
	}
	if err := s.Resize(rows, cols); err != nil {
		return cerr.NewError(cerr.Internal, "failed to resize terminal", err)
	}
	return nil
}

type terminalSink struct {
	e       *Engine
	id      string
	attempt int
}

func (s *terminalSink) Output(data []byte) {
	s.e.post(func() { s.e.onTerminalOutput(s.id, s.attempt, data) })
}

func (s *terminalSink) Exit(res launcher.ExitResult) {
	s.e.post(func() { s.e.onExit(s.id, s.attempt, res) })
}

func (e *Engine) onTerminalOutput(id string, attempt int, data []byte) {
	ex, ok := e.store.Get(id)
	if !ok || ex.Attempt != attempt {
		return
	}
	if text := strings.TrimRight(string(data), "\r\n"); text != "" {
		ex.AppendOutput(text)
	}
	n := notice(ex, notify.KindTerminalOutput)
	n.Data = data
	e.publish(n)
}
