package engine

import (
	"context"
	"log/slog"

	"github.com/kazz187/storyguild/internal/continuation"
	"github.com/kazz187/storyguild/internal/execution"
	"github.com/kazz187/storyguild/internal/gitctx"
	"github.com/kazz187/storyguild/internal/kanban"
	"github.com/kazz187/storyguild/internal/notify"
	"github.com/kazz187/storyguild/pkg/clog"
)

// dispatch runs the completion of a story at most once per execution. The
// board I/O happens off the loop. Loop only.
func (e *Engine) dispatch(ex *execution.Execution) {
	if ex.Continued || e.deps.Boards == nil {
		return
	}
	if !ex.IsStory() && !ex.BacklogStory {
		return
	}
	ex.Continued = true
	done := ex.Snapshot()
	e.goBackground("continuation", func(ctx context.Context) error {
		e.continueAfter(ctx, done)
		return nil
	})
}

func (e *Engine) continueAfter(ctx context.Context, done execution.Execution) {
	ctx = clog.WithExecution(ctx, done.ID, done.SpecID, done.StoryID)
	if done.BacklogStory {
		if err := e.deps.Boards.PromoteBacklogStory(ctx, done.ProjectPath, done.StoryID, kanban.StoryDone); err != nil {
			slog.WarnContext(ctx, "failed to mark backlog story done", "error", err)
		}
		return
	}
	// A failed write here shows up as the same story being selected again,
	// which the loop guard stops.
	if err := e.deps.Boards.PromoteStory(ctx, done.ProjectPath, done.SpecID, done.StoryID, kanban.StoryDone); err != nil {
		slog.WarnContext(ctx, "failed to mark story done", "error", err)
	}
	d := e.planner.Plan(ctx, completedFrom(done))
	e.act(ctx, done, d)
}

// act carries out a continuation decision and returns the id of the
// execution it started, if any.
func (e *Engine) act(ctx context.Context, origin execution.Execution, d continuation.Decision) string {
	slog.InfoContext(ctx, "continuation decided", "decision", d.Kind, "next_spec", d.SpecID, "next_story", d.StoryID)
	base := func(kind notify.Kind) *notify.Notification {
		return &notify.Notification{
			Kind:        kind,
			ClientID:    origin.ClientID,
			ExecutionID: origin.ID,
			ProjectPath: d.ProjectPath,
			SpecID:      d.SpecID,
			StoryID:     d.StoryID,
		}
	}

	switch d.Kind {
	case continuation.KindStartStory, continuation.KindStartQueueEntry:
		if d.CompletedSpec != nil {
			e.completeSpec(ctx, origin, d.CompletedSpec)
		}
		return e.startNext(ctx, origin, d, base)

	case continuation.KindSpecComplete:
		if d.CompletedSpec != nil {
			e.completeSpec(ctx, origin, d.CompletedSpec)
		}

	case continuation.KindQueueComplete:
		if d.CompletedSpec != nil {
			e.completeSpec(ctx, origin, d.CompletedSpec)
		}
		e.publish(base(notify.KindQueueComplete))

	case continuation.KindLoopDetected:
		n := base(notify.KindLoopDetected)
		n.Error = errText(d.Err)
		e.publish(n)

	case continuation.KindHalted:
		n := base(notify.KindContinuationHalted)
		n.Error = errText(d.Err)
		e.publish(n)

	case continuation.KindBlocked:
		slog.InfoContext(ctx, "remaining stories are blocked, continuation stops")

	default:
		if d.Err != nil {
			slog.WarnContext(ctx, "continuation stopped", "error", d.Err)
		}
	}
	return ""
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// startNext starts the chosen story with auto-mode forced on for the chain.
func (e *Engine) startNext(ctx context.Context, origin execution.Execution, d continuation.Decision,
	base func(notify.Kind) *notify.Notification,
) string {
	ex, err := e.prepareStory(ctx, StoryRequest{
		ClientID:    origin.ClientID,
		ProjectPath: d.ProjectPath,
		SpecID:      d.SpecID,
		StoryID:     d.StoryID,
		Model:       d.Model,
		GitStrategy: d.GitStrategy,
		AutoMode:    true,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to prepare next story", "error", err)
		n := base(notify.KindContinuationHalted)
		n.Error = err.Error()
		e.publish(n)
		return ""
	}

	n := base(notify.KindNextUnitStarting)
	n.NextExecutionID = ex.ID
	n.Text = d.SpecTitle
	e.publish(n)

	if err := e.start(ctx, ex); err != nil {
		slog.ErrorContext(ctx, "failed to start next story", "error", err)
		return ""
	}
	return ex.ID
}

// completeSpec announces an exhausted spec and publishes its branch.
func (e *Engine) completeSpec(ctx context.Context, origin execution.Execution, board *kanban.Board) {
	projectPath := origin.ProjectPath
	e.publish(&notify.Notification{
		Kind:        notify.KindSpecComplete,
		ClientID:    origin.ClientID,
		ExecutionID: origin.ID,
		ProjectPath: projectPath,
		SpecID:      board.SpecID,
		Text:        board.Title,
	})
	if e.deps.Git == nil {
		return
	}

	req := gitctx.FinalizeRequest{
		ProjectPath:     projectPath,
		SpecID:          board.SpecID,
		Title:           board.Title,
		Strategy:        origin.GitStrategy,
		Branch:          origin.Branch,
		WorktreePath:    origin.WorktreePath,
		OpenPullRequest: e.cfg.OpenPullRequests,
	}
	if g := board.Git; g != nil {
		req.Strategy = execution.GitStrategy(g.Strategy)
		req.Branch = firstNonEmpty(g.Branch, req.Branch)
		req.WorktreePath = firstNonEmpty(g.WorktreePath, req.WorktreePath)
	}
	res := e.deps.Git.Finalize(ctx, req)
	for _, w := range res.Warnings {
		e.publish(&notify.Notification{
			Kind:        notify.KindGitWarning,
			ClientID:    origin.ClientID,
			ExecutionID: origin.ID,
			ProjectPath: projectPath,
			SpecID:      board.SpecID,
			Text:        w,
		})
	}
	if res.PullRequestURL != "" {
		slog.InfoContext(ctx, "pull request opened", "url", res.PullRequestURL)
	}
}
