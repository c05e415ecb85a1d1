package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kazz187/storyguild/internal/execution"
	"github.com/kazz187/storyguild/internal/launcher"
	"github.com/kazz187/storyguild/internal/notify"
	"github.com/kazz187/storyguild/internal/question"
)

// freeTextTailLines is how much trailing output the free-text question
// heuristic sees.
const freeTextTailLines = 5

// onExit maps a finished attempt onto the execution's next status. Loop only.
func (e *Engine) onExit(id string, attempt int, res launcher.ExitResult) {
	ex, ok := e.store.Get(id)
	if !ok || ex.Attempt != attempt {
		return
	}
	delete(e.handles, id)
	delete(e.sessions, id)
	if ex.Status != execution.StatusRunning {
		return
	}

	switch {
	case ex.Aborted:
		e.finish(ex, execution.StatusCancelled)
	case ex.Errored:
		e.finish(ex, execution.StatusErrorRetryAvailable)
	case res.Canceled:
		e.finish(ex, execution.StatusCancelled)
	case res.NotFound():
		ex.Error = exitMessage(res)
		e.finish(ex, execution.StatusFailed)
	case !res.Success():
		ex.Error = exitMessage(res)
		e.finish(ex, execution.StatusErrorRetryAvailable)
	case ex.Error != "":
		// The agent reported a failed run but exited cleanly.
		e.finish(ex, execution.StatusErrorRetryAvailable)
	default:
		e.onCleanExit(ex)
	}
}

func exitMessage(res launcher.ExitResult) string {
	var msg string
	if res.Err != nil {
		msg = res.Err.Error()
	} else {
		msg = fmt.Sprintf("agent exited with code %d", res.Code)
	}
	if n := len(res.StderrTail); n > 0 {
		msg += ": " + strings.TrimSpace(res.StderrTail[n-1])
	}
	return msg
}

func (e *Engine) onCleanExit(ex *execution.Execution) {
	if batch, ok := ex.Questions.Seal(newID()); ok {
		e.awaitAnswer(ex, batch)
		return
	}
	if ex.Resuming {
		tail := ex.OutputTail(freeTextTailLines)
		if e.cfg.Heuristics.AsksForInput(tail) {
			batch := ex.Questions.SealFreeText(newID(), lastLine(tail))
			e.awaitAnswer(ex, batch)
			return
		}
	}
	e.finish(ex, execution.StatusCompleted)
}

func lastLine(tail []string) string {
	for i := len(tail) - 1; i >= 0; i-- {
		lines := strings.Split(strings.TrimSpace(tail[i]), "\n")
		for j := len(lines) - 1; j >= 0; j-- {
			if l := strings.TrimSpace(lines[j]); l != "" {
				return l
			}
		}
	}
	return ""
}

func (e *Engine) awaitAnswer(ex *execution.Execution, batch *question.Batch) {
	ctx := e.logCtx(ex)
	if err := e.store.Transition(ex.ID, execution.StatusWaitingForAnswer); err != nil {
		slog.ErrorContext(ctx, "failed to park execution for answers", "error", err)
		return
	}
	slog.InfoContext(ctx, "waiting for answers", "batch_id", batch.ID, "items", len(batch.Items))
	n := notice(ex, notify.KindQuestionBatch)
	n.Status = string(ex.Status)
	n.Batch = cloneBatch(batch)
	e.publish(n)
	e.armReminder(ex, batch.ID)
}

func cloneBatch(b *question.Batch) *question.Batch {
	c := *b
	c.Items = append([]question.Item(nil), b.Items...)
	return &c
}

func (e *Engine) armReminder(ex *execution.Execution, batchID string) {
	id := ex.ID
	ex.Questions.ArmReminder(e.cfg.AfterFunc(e.cfg.ReminderInterval, func() {
		e.post(func() { e.onReminder(id, batchID) })
	}))
}

// onReminder re-announces a batch still waiting for its answer. The
// questions stay pending. Loop only.
func (e *Engine) onReminder(id, batchID string) {
	ex, ok := e.store.Get(id)
	if !ok || ex.Status != execution.StatusWaitingForAnswer {
		return
	}
	if !ex.Questions.Remind(batchID) {
		return
	}
	e.armReminder(ex, batchID)
	n := notice(ex, notify.KindQuestionReminder)
	n.Status = string(ex.Status)
	n.Batch = cloneBatch(ex.Questions.Outstanding())
	n.Text = fmt.Sprintf("%d unanswered question(s), reminder %d", len(n.Batch.Items), ex.Questions.Reminders())
	e.publish(n)
}

// finish moves ex to a terminal status and announces it. A completed story
// is continued once. Loop only.
func (e *Engine) finish(ex *execution.Execution, status execution.Status) {
	ctx := e.logCtx(ex)
	if err := e.store.Transition(ex.ID, status); err != nil {
		slog.ErrorContext(ctx, "failed to finish execution", "status", status, "error", err)
		return
	}
	delete(e.handles, ex.ID)
	delete(e.sessions, ex.ID)
	// A finished execution has no pending questions.
	ex.Questions.Reset()

	level := slog.LevelInfo
	if status != execution.StatusCompleted && status != execution.StatusCancelled {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "execution finished", "status", status, "attempt", ex.Attempt, "error", ex.Error)

	n := notice(ex, notify.KindCompleted)
	n.Status = string(status)
	n.Output = append([]string(nil), ex.Output...)
	n.Error = ex.Error
	e.publish(n)
	if status == execution.StatusErrorRetryAvailable {
		rn := notice(ex, notify.KindRetryableError)
		rn.Status = string(status)
		rn.Error = ex.Error
		e.publish(rn)
	}

	e.archive(ex)
	if status == execution.StatusCompleted {
		e.dispatch(ex)
	}
}

func (e *Engine) archive(ex *execution.Execution) {
	if e.deps.Archive == nil {
		return
	}
	snap := ex.Snapshot()
	e.goBackground("archive", func(ctx context.Context) error {
		return e.deps.Archive.Save(ctx, snap)
	})
}

// streamSink feeds one attempt's process output back into the loop.
type streamSink struct {
	e       *Engine
	id      string
	attempt int
}

func (s *streamSink) Stdout(line string) {
	ev := parseLine(line)
	s.e.post(func() { s.e.onEvent(s.id, s.attempt, ev) })
}

func (s *streamSink) Stderr(line string) {
	slog.DebugContext(s.e.ctx, "agent stderr", "execution_id", s.id, "line", line)
}

func (s *streamSink) Exit(res launcher.ExitResult) {
	s.e.post(func() { s.e.onExit(s.id, s.attempt, res) })
}
