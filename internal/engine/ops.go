package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kazz187/storyguild/internal/continuation"
	"github.com/kazz187/storyguild/internal/execution"
	"github.com/kazz187/storyguild/internal/gitctx"
	"github.com/kazz187/storyguild/internal/kanban"
	"github.com/kazz187/storyguild/internal/launcher"
	"github.com/kazz187/storyguild/internal/notify"
	"github.com/kazz187/storyguild/internal/question"
	"github.com/kazz187/storyguild/pkg/cerr"
	"github.com/kazz187/storyguild/pkg/clog"
)

const (
	storyCommand        = "execute-tasks"
	backlogStoryCommand = "execute-backlog-story"
)

// Params are the optional settings of StartExecution.
type Params struct {
	Argument    string
	Model       string
	Name        string
	SpecID      string
	StoryID     string
	AutoMode    bool
	GitStrategy execution.GitStrategy
	// WorkDir defaults to the project path.
	WorkDir string
}

type StoryRequest struct {
	ClientID    string
	ProjectPath string
	SpecID      string
	StoryID     string
	GitStrategy execution.GitStrategy
	Model       string
	AutoMode    bool
}

func (e *Engine) command(name string) string {
	return e.cfg.CommandPrefix + ":" + name
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// StartExecution runs commandID in projectPath. The returned id is valid
// even when the launch itself failed; the execution then ends as failed.
func (e *Engine) StartExecution(ctx context.Context, clientID, commandID, projectPath string, p Params) (string, error) {
	if strings.TrimSpace(commandID) == "" {
		return "", cerr.NewError(cerr.InvalidArgument, "command id is required", nil)
	}
	projectPath, err := cleanProject(projectPath)
	if err != nil {
		return "", err
	}
	if p.GitStrategy != "" && !p.GitStrategy.Valid() {
		return "", cerr.NewError(cerr.InvalidArgument, "unknown git strategy "+string(p.GitStrategy), nil)
	}
	ex := &execution.Execution{
		ID:          newID(),
		ClientID:    clientID,
		Kind:        execution.KindStream,
		CommandID:   commandID,
		Name:        firstNonEmpty(p.Name, commandID),
		ProjectPath: projectPath,
		WorkDir:     firstNonEmpty(p.WorkDir, projectPath),
		Argument:    p.Argument,
		Model:       firstNonEmpty(p.Model, e.cfg.DefaultModel),
		SpecID:      p.SpecID,
		StoryID:     p.StoryID,
		AutoMode:    p.AutoMode,
		GitStrategy: p.GitStrategy,
	}
	return ex.ID, e.start(ctx, ex)
}

// StartStoryExecution is the operator's start of one story. It lifts any
// continuation stop recorded for the spec.
func (e *Engine) StartStoryExecution(ctx context.Context, req StoryRequest) (string, error) {
	ex, err := e.prepareStory(ctx, req)
	if err != nil {
		return "", err
	}
	e.planner.Guard().Release(ex.ProjectPath, ex.SpecID)
	return ex.ID, e.start(ctx, ex)
}

// prepareStory builds the execution of a story and sets up its git context.
// It runs outside the control loop.
func (e *Engine) prepareStory(ctx context.Context, req StoryRequest) (*execution.Execution, error) {
	projectPath, err := cleanProject(req.ProjectPath)
	if err != nil {
		return nil, err
	}
	if req.SpecID == "" || req.StoryID == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "spec id and story id are required", nil)
	}
	if req.GitStrategy != "" && !req.GitStrategy.Valid() {
		return nil, cerr.NewError(cerr.InvalidArgument, "unknown git strategy "+string(req.GitStrategy), nil)
	}
	if e.deps.Boards == nil {
		return nil, cerr.NewError(cerr.FailedPrecondition, "story boards are not configured", nil)
	}
	ctx = clog.WithExecution(ctx, "", req.SpecID, req.StoryID)

	board, err := e.deps.Boards.Read(ctx, projectPath, req.SpecID)
	if err != nil {
		return nil, err
	}
	story := board.Story(req.StoryID)
	if story == nil {
		return nil, cerr.NewError(cerr.NotFound, "story "+req.StoryID+" not found in spec "+req.SpecID, nil)
	}

	strategy := req.GitStrategy
	var branch string
	if board.Git != nil {
		// Decided once per spec.
		if recorded := execution.GitStrategy(board.Git.Strategy); recorded.Valid() {
			strategy = recorded
			if recorded != execution.GitStrategyCurrentBranch {
				branch = board.Git.Branch
			}
		}
	}

	ex := &execution.Execution{
		ID:          newID(),
		ClientID:    req.ClientID,
		Kind:        execution.KindStream,
		CommandID:   e.command(storyCommand),
		Name:        firstNonEmpty(story.Title, story.ID),
		ProjectPath: projectPath,
		WorkDir:     projectPath,
		Argument:    req.SpecID + " " + req.StoryID,
		Model:       firstNonEmpty(req.Model, story.Model, e.cfg.DefaultModel),
		SpecID:      req.SpecID,
		StoryID:     req.StoryID,
		AutoMode:    req.AutoMode,
		GitStrategy: strategy,
	}

	if e.deps.Git != nil {
		res, err := e.deps.Git.Ensure(ctx, gitctx.Request{
			ProjectPath: projectPath,
			SpecID:      req.SpecID,
			Title:       board.Title,
			Strategy:    strategy,
			Branch:      branch,
		})
		if err != nil {
			return nil, err
		}
		for _, w := range res.Warnings {
			e.publishGitWarning(ex, w)
		}
		ex.GitStrategy = res.Strategy
		ex.Branch = res.Branch
		ex.WorktreePath = res.WorktreePath
		ex.WorkDir = firstNonEmpty(res.WorkDir, projectPath)
	}

	if err := e.deps.Boards.PromoteStory(ctx, projectPath, req.SpecID, req.StoryID, kanban.StoryInProgress); err != nil {
		slog.WarnContext(ctx, "failed to mark story in progress", "error", err)
	}
	return ex, nil
}

func (e *Engine) publishGitWarning(ex *execution.Execution, warning string) {
	n := notice(ex, notify.KindGitWarning)
	n.Text = warning
	e.publish(n)
}

// StartBacklogStoryExecution runs a story parked in the project backlog.
// Backlog stories never continue into another unit.
func (e *Engine) StartBacklogStoryExecution(ctx context.Context, clientID, projectPath, storyID, model string) (string, error) {
	projectPath, err := cleanProject(projectPath)
	if err != nil {
		return "", err
	}
	if storyID == "" {
		return "", cerr.NewError(cerr.InvalidArgument, "story id is required", nil)
	}
	if e.deps.Boards == nil {
		return "", cerr.NewError(cerr.FailedPrecondition, "story boards are not configured", nil)
	}
	ctx = clog.WithExecution(ctx, "", "", storyID)
	story, err := e.deps.Boards.BacklogStory(ctx, projectPath, storyID)
	if err != nil {
		return "", err
	}
	if err := e.deps.Boards.PromoteBacklogStory(ctx, projectPath, storyID, kanban.StoryInProgress); err != nil {
		slog.WarnContext(ctx, "failed to mark backlog story in progress", "error", err)
	}
	ex := &execution.Execution{
		ID:           newID(),
		ClientID:     clientID,
		Kind:         execution.KindStream,
		CommandID:    e.command(backlogStoryCommand),
		Name:         firstNonEmpty(story.Title, story.ID),
		ProjectPath:  projectPath,
		WorkDir:      projectPath,
		Argument:     storyID,
		Model:        firstNonEmpty(model, story.Model, e.cfg.DefaultModel),
		StoryID:      storyID,
		BacklogStory: true,
	}
	return ex.ID, e.start(ctx, ex)
}

func (e *Engine) start(ctx context.Context, ex *execution.Execution) error {
	return e.call(ctx, func() {
		e.begin(ex, terminalSize{})
	})
}

// begin registers ex and launches its first attempt. Loop only.
func (e *Engine) begin(ex *execution.Execution, size terminalSize) {
	ex.Status = execution.StatusRunning
	ex.StartedAt = e.now()
	e.store.Put(ex)
	e.watchProject(ex.ProjectPath)
	slog.InfoContext(e.logCtx(ex), "execution accepted",
		"command", ex.CommandID, "model", ex.Model, "work_dir", ex.WorkDir, "kind", ex.Kind)

	if ex.Kind == execution.KindTerminal {
		e.openTerminal(ex, size)
		return
	}
	e.launch(ex, e.initialCommand(ex))
}

func (e *Engine) initialCommand(ex *execution.Execution) launcher.Command {
	return e.deps.Builder.Initial(ex.Model, launcher.Prompt(ex.CommandID, ex.Argument))
}

// launch starts a new attempt of ex. A launch error ends the execution as
// failed. Loop only.
func (e *Engine) launch(ex *execution.Execution, cmd launcher.Command) {
	ex.Attempt++
	ex.Aborted = false
	ex.Errored = false
	sink := &streamSink{e: e, id: ex.ID, attempt: ex.Attempt}
	h, err := e.deps.Launcher.Launch(e.logCtx(ex), launcher.Request{
		ExecutionID: ex.ID,
		Attempt:     ex.Attempt,
		Dir:         ex.WorkDir,
		Command:     cmd,
	}, sink)
	if err != nil {
		slog.ErrorContext(e.logCtx(ex), "failed to launch agent", "error", err)
		ex.Error = err.Error()
		e.finish(ex, execution.StatusFailed)
		return
	}
	e.handles[ex.ID] = h
}

// CancelExecution stops a running or waiting execution. Output the process
// already flushed is still processed before it ends as cancelled.
func (e *Engine) CancelExecution(ctx context.Context, id string) bool {
	var ok bool
	if err := e.call(ctx, func() { ok = e.cancelExecution(id) }); err != nil {
		slog.WarnContext(ctx, "cancel not processed", "execution_id", id, "error", err)
		return false
	}
	return ok
}

func (e *Engine) cancelExecution(id string) bool {
	ex, found := e.store.Get(id)
	if !found {
		return false
	}
	ctx := e.logCtx(ex)
	switch ex.Status {
	case execution.StatusRunning:
		ex.Aborted = true
		if h, ok := e.handles[id]; ok {
			slog.InfoContext(ctx, "cancelling agent process", "pid", h.PID())
			h.Cancel()
			return true
		}
		if s, ok := e.sessions[id]; ok {
			s.Cancel()
			return true
		}
		e.finish(ex, execution.StatusCancelled)
		return true
	case execution.StatusWaitingForAnswer:
		e.finish(ex, execution.StatusCancelled)
		return true
	}
	slog.InfoContext(ctx, "execution is not cancellable", "status", ex.Status)
	return false
}

// RetryExecution re-runs an execution that ended retryable.
func (e *Engine) RetryExecution(ctx context.Context, id string) bool {
	var ok bool
	if err := e.call(ctx, func() { ok = e.retryExecution(id) }); err != nil {
		slog.WarnContext(ctx, "retry not processed", "execution_id", id, "error", err)
		return false
	}
	return ok
}

func (e *Engine) retryExecution(id string) bool {
	ex, found := e.store.Get(id)
	if !found {
		return false
	}
	ctx := e.logCtx(ex)
	if err := e.store.Transition(id, execution.StatusRunning); err != nil {
		slog.InfoContext(ctx, "execution is not retryable", "status", ex.Status, "error", err)
		return false
	}
	ex.Error = ""
	ex.Resuming = false
	ex.StartAnnounced = false
	ex.Questions.Reset()
	slog.InfoContext(ctx, "retrying execution", "attempt", ex.Attempt+1)
	if ex.Kind == execution.KindTerminal {
		e.openTerminal(ex, terminalSize{})
		return true
	}
	e.launch(ex, e.initialCommand(ex))
	return true
}

// SubmitAnswer answers the single outstanding question of an execution.
func (e *Engine) SubmitAnswer(ctx context.Context, id, questionID, answer string) bool {
	return e.submit(ctx, id, func(c *question.Coordinator) (string, error) {
		return c.AnswerSingle(questionID, answer)
	})
}

// SubmitAnswerBatch answers the outstanding batch. A batch id other than
// the outstanding one is rejected without any change.
func (e *Engine) SubmitAnswerBatch(ctx context.Context, id, batchID string, answers map[string]string) bool {
	return e.submit(ctx, id, func(c *question.Coordinator) (string, error) {
		return c.AnswerBatch(batchID, answers)
	})
}

func (e *Engine) submit(ctx context.Context, id string, answer func(*question.Coordinator) (string, error)) bool {
	var ok bool
	if err := e.call(ctx, func() { ok = e.answer(id, answer) }); err != nil {
		slog.WarnContext(ctx, "answer not processed", "execution_id", id, "error", err)
		return false
	}
	return ok
}

func (e *Engine) answer(id string, answer func(*question.Coordinator) (string, error)) bool {
	ex, found := e.store.Get(id)
	if !found {
		slog.InfoContext(e.ctx, "answer for unknown execution", "execution_id", id)
		return false
	}
	ctx := e.logCtx(ex)
	if ex.Status != execution.StatusWaitingForAnswer {
		slog.InfoContext(ctx, "answer rejected, execution is not waiting", "status", ex.Status)
		return false
	}
	// Fail before the question state is consumed.
	if _, err := e.deps.Builder.Resume(ex.Model, ex.ResumeSessionID(), ""); err != nil {
		slog.WarnContext(ctx, "answer rejected, session cannot be resumed", "error", err)
		return false
	}
	combined, err := answer(&ex.Questions)
	if err != nil {
		slog.InfoContext(ctx, "answer rejected", "error", err)
		return false
	}
	e.resume(ex, combined)
	return true
}

// resume continues the agent session with the operator's answer. Loop only.
func (e *Engine) resume(ex *execution.Execution, answer string) {
	ctx := e.logCtx(ex)
	if h, ok := e.handles[ex.ID]; ok {
		// The stale attempt's callbacks are dropped by attempt number.
		h.Cancel()
		delete(e.handles, ex.ID)
	}
	cmd, err := e.deps.Builder.Resume(ex.Model, ex.ResumeSessionID(), answer)
	if err := e.store.Transition(ex.ID, execution.StatusRunning); err != nil {
		slog.ErrorContext(ctx, "failed to resume execution", "error", err)
		return
	}
	if err != nil {
		ex.Error = err.Error()
		e.finish(ex, execution.StatusErrorRetryAvailable)
		return
	}
	ex.Resuming = true
	ex.Error = ""
	slog.InfoContext(ctx, "resuming agent session", "session_id", ex.ResumeSessionID())
	e.launch(ex, cmd)
}

// StartQueue starts the queue run and the first eligible story of its
// current entry. It returns the started execution id, empty when nothing
// could start.
func (e *Engine) StartQueue(ctx context.Context, clientID string) (string, error) {
	if e.deps.Queue == nil {
		return "", cerr.NewError(cerr.FailedPrecondition, "queue is not configured", nil)
	}
	entry, err := e.deps.Queue.Start(ctx, clientID)
	if err != nil {
		return "", err
	}
	if entry == nil {
		e.publish(&notify.Notification{Kind: notify.KindQueueComplete, ClientID: clientID})
		return "", nil
	}
	e.planner.Guard().Release(entry.ProjectPath, entry.SpecID)
	origin := execution.Execution{
		ClientID:    clientID,
		ProjectPath: entry.ProjectPath,
		SpecID:      entry.SpecID,
		Model:       entry.Model,
		GitStrategy: execution.GitStrategy(entry.GitStrategy),
		AutoMode:    true,
	}
	d := e.planner.Plan(ctx, completedFrom(origin))
	return e.act(ctx, origin, d), nil
}

// StopQueue ends the queue run. Running executions are not touched.
func (e *Engine) StopQueue(ctx context.Context) error {
	if e.deps.Queue == nil {
		return cerr.NewError(cerr.FailedPrecondition, "queue is not configured", nil)
	}
	return e.deps.Queue.Stop(ctx)
}

func completedFrom(ex execution.Execution) continuation.Completed {
	return continuation.Completed{
		ClientID:    ex.ClientID,
		ProjectPath: ex.ProjectPath,
		SpecID:      ex.SpecID,
		StoryID:     ex.StoryID,
		Model:       ex.Model,
		GitStrategy: ex.GitStrategy,
		AutoMode:    ex.AutoMode,
	}
}
