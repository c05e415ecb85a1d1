package pushnotification

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kazz187/storyguild/internal/eventbus"
	"github.com/kazz187/storyguild/internal/execution"
	"github.com/kazz187/storyguild/internal/notify"
)

// Notifier delivers one payload to every subscriber.
type Notifier interface {
	SendToAll(ctx context.Context, payload *NotificationPayload) int
}

type Dispatcher struct {
	eventBus *eventbus.Bus
	notifier Notifier
}

func NewDispatcher(eventBus *eventbus.Bus, notifier Notifier) *Dispatcher {
	return &Dispatcher{
		eventBus: eventBus,
		notifier: notifier,
	}
}

// Start forwards bus notifications until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	subID, ch := d.eventBus.Subscribe(256)
	defer d.eventBus.Unsubscribe(subID)

	slog.InfoContext(ctx, "push notification dispatcher started")
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "push notification dispatcher stopped")
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if p := payloadFor(n); p != nil {
				d.notifier.SendToAll(ctx, p)
			}
		}
	}
}

// payloadFor returns nil for notifications nobody needs to be woken for.
func payloadFor(n *notify.Notification) *NotificationPayload {
	p := &NotificationPayload{Tag: n.ExecutionID}
	if n.ExecutionID != "" {
		p.URL = "/executions/" + n.ExecutionID
	}
	unit := unitName(n)

	switch n.Kind {
	case notify.KindQuestionBatch:
		p.Title = "Question from agent"
		p.Body = firstQuestion(n, unit)
	case notify.KindQuestionReminder:
		p.Title = "Still waiting for your answer"
		p.Body = firstNonEmpty(n.Text, firstQuestion(n, unit))
	case notify.KindLoopDetected:
		p.Title = "Auto-continuation stopped"
		p.Body = firstNonEmpty(n.Error, fmt.Sprintf("%s made no progress", unit))
		p.Tag = "loop:" + n.SpecID
	case notify.KindContinuationHalted:
		p.Title = "Auto-continuation halted"
		p.Body = firstNonEmpty(n.Error, unit)
		p.Tag = "halt:" + n.SpecID
	case notify.KindQueueComplete:
		p.Title = "Queue complete"
		p.Body = "Every queued story has finished."
		p.Tag = "queue"
	case notify.KindSpecComplete:
		p.Title = "Spec complete"
		p.Body = firstNonEmpty(n.Text, n.SpecID)
		p.Tag = "spec:" + n.SpecID
	case notify.KindCompleted:
		switch execution.Status(n.Status) {
		case execution.StatusFailed:
			p.Title = "Execution failed"
		case execution.StatusErrorRetryAvailable:
			p.Title = "Execution stopped with an error"
		default:
			return nil
		}
		p.Body = firstNonEmpty(n.Error, unit)
	default:
		return nil
	}
	return p
}

func unitName(n *notify.Notification) string {
	switch {
	case n.SpecID != "" && n.StoryID != "":
		return fmt.Sprintf("%s / %s", n.SpecID, n.StoryID)
	case n.StoryID != "":
		return n.StoryID
	case n.ExecutionID != "":
		return "execution " + n.ExecutionID
	}
	return "storyguild"
}

func firstQuestion(n *notify.Notification, fallback string) string {
	if n.Batch == nil || len(n.Batch.Items) == 0 {
		return fallback
	}
	q := n.Batch.Items[0].Question
	if extra := len(n.Batch.Items) - 1; extra > 0 {
		q = fmt.Sprintf("%s (+%d more)", q, extra)
	}
	return q
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
