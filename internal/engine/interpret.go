package engine

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/kazz187/storyguild/internal/execution"
	"github.com/kazz187/storyguild/internal/notify"
	"github.com/kazz187/storyguild/internal/stream"
)

var parseLine = stream.ParseLine

// onEvent runs the interpreter for the current attempt only. Once the agent
// reported an error the rest of that attempt's output is dropped.
func (e *Engine) onEvent(id string, attempt int, ev stream.Event) {
	ex, ok := e.store.Get(id)
	if !ok || ex.Attempt != attempt || ex.Errored {
		return
	}
	e.interpret(ex, ev)
}

// interpret applies one stream event to ex. Loop only.
func (e *Engine) interpret(ex *execution.Execution, ev stream.Event) {
	ctx := e.logCtx(ex)
	switch ev := ev.(type) {
	case stream.SystemEvent:
		if ex.SessionID == "" && ev.SessionID != "" {
			ex.SessionID = ev.SessionID
			slog.DebugContext(ctx, "agent session assigned", "session_id", ev.SessionID)
		}
		if ex.Resuming || ex.StartAnnounced {
			return
		}
		ex.StartAnnounced = true
		n := notice(ex, notify.KindStarted)
		n.Status = string(ex.Status)
		n.Text = ex.Name
		e.publish(n)

	case stream.AssistantEvent:
		e.interpretAssistant(ex, ev)

	case stream.UserEvent:
		for _, r := range ev.ToolResults() {
			if e.isQuestionGroup(ex, r.ToolUseID) {
				continue
			}
			n := notice(ex, notify.KindToolResult)
			n.Text = r.Content
			if r.IsError {
				n.Error = r.Content
			}
			e.publish(n)
		}

	case stream.ResultEvent:
		if ex.SessionID == "" && ev.SessionID != "" {
			ex.SessionID = ev.SessionID
		}
		// The result usually repeats the final assistant text.
		if ev.Result != "" && !slices.Equal(ex.OutputTail(1), []string{ev.Result}) {
			ex.AppendOutput(ev.Result)
		}
		if ev.IsError {
			ex.Error = firstNonEmpty(ev.Result, "agent reported a failed run ("+ev.Subtype+")")
		}
		slog.DebugContext(ctx, "agent run finished",
			"turns", ev.NumTurns, "duration_ms", ev.DurationMs, "cost_usd", ev.TotalCostUSD, "is_error", ev.IsError)

	case stream.ErrorEvent:
		slog.WarnContext(ctx, "agent reported an error, aborting attempt", "message", ev.Message)
		ex.Errored = true
		ex.Error = ev.Message
		ex.AppendOutput(ev.Message)
		if h, ok := e.handles[ex.ID]; ok {
			h.Cancel()
		}

	case stream.UnrecognizedLine:
		if ev.Reason != "" {
			slog.DebugContext(ctx, "unrecognized agent output", "reason", ev.Reason)
		}
		if strings.TrimSpace(ev.Line) == "" {
			return
		}
		ex.AppendOutput(ev.Line)
		n := notice(ex, notify.KindProgress)
		n.Text = ev.Line
		e.publish(n)
	}
}

func (e *Engine) interpretAssistant(ex *execution.Execution, ev stream.AssistantEvent) {
	if ex.SessionID == "" && ev.SessionID != "" {
		ex.SessionID = ev.SessionID
	}

	// Blocks are handled in message order. A message carrying a question
	// tool has its text suppressed as a whole.
	asksQuestion := ev.HasQuestionTool()
	for _, b := range ev.Content {
		switch b := b.(type) {
		case stream.ToolUseBlock:
			e.interpretToolUse(ex, b)
		case stream.TextBlock:
			if b.Text != "" {
				e.interpretText(ex, b.Text, asksQuestion)
			}
		}
	}
}

func (e *Engine) interpretToolUse(ex *execution.Execution, u stream.ToolUseBlock) {
	ctx := e.logCtx(ex)
	if !stream.IsQuestionTool(u) {
		n := notice(ex, notify.KindToolInvoked)
		n.Tool = u.Name
		n.Text = stream.DescribeTool(u.Name, u.Input)
		e.publish(n)
		return
	}
	pq, ok := stream.DecodeQuestions(u)
	if !ok {
		slog.WarnContext(ctx, "question tool call without answerable questions", "group_id", u.ID)
		return
	}
	if ex.Questions.Add(pq) {
		slog.InfoContext(ctx, "agent asked questions", "group_id", pq.GroupID, "count", len(pq.Questions))
	}
}

func (e *Engine) interpretText(ex *execution.Execution, text string, asksQuestion bool) {
	ctx := e.logCtx(ex)
	ex.AppendOutput(text)
	switch {
	case asksQuestion:
		slog.DebugContext(ctx, "message suppressed, it accompanies a question")
		return
	case ex.Questions.HasPending() && e.cfg.Heuristics.PresentsQuestion(text):
		slog.DebugContext(ctx, "message suppressed, question already pending")
		return
	}
	n := notice(ex, notify.KindMessage)
	n.Text = text
	e.publish(n)
}

func (e *Engine) isQuestionGroup(ex *execution.Execution, toolUseID string) bool {
	for _, p := range ex.Questions.Pending() {
		if p.GroupID == toolUseID {
			return true
		}
	}
	return false
}
