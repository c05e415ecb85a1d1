package question

import (
	"fmt"
	"slices"

	"github.com/kazz187/storyguild/pkg/cerr"
)

type State int

const (
	StateCollecting State = iota
	StateBatched
)

func (s State) String() string {
	if s == StateBatched {
		return "batched"
	}
	return "collecting"
}

// Timer is the handle of an armed reminder.
type Timer interface {
	Stop() bool
}

// Coordinator holds the question state of one execution.
//
// collecting: questions accumulate while the process runs.
// batched: the process exited with questions; one batch is outstanding.
// Answering clears everything and returns to collecting.
type Coordinator struct {
	pending   []PendingQuestion
	batch     *Batch
	reminder  Timer
	reminders int
}

func (c *Coordinator) State() State {
	if c.batch != nil {
		return StateBatched
	}
	return StateCollecting
}

// Add records a question group. A group id seen before is ignored.
func (c *Coordinator) Add(q PendingQuestion) bool {
	if len(q.Questions) == 0 {
		return false
	}
	for _, p := range c.pending {
		if p.GroupID == q.GroupID {
			return false
		}
	}
	c.pending = append(c.pending, q)
	return true
}

func (c *Coordinator) HasPending() bool {
	return len(c.pending) > 0 || c.batch != nil
}

func (c *Coordinator) Pending() []PendingQuestion {
	return slices.Clone(c.pending)
}

// Outstanding returns the batch waiting for an answer, if any.
func (c *Coordinator) Outstanding() *Batch {
	return c.batch
}

func (c *Coordinator) Reminders() int {
	return c.reminders
}

// Seal builds the batch from every pending question. It returns false when
// nothing is pending.
func (c *Coordinator) Seal(batchID string) (*Batch, bool) {
	if len(c.pending) == 0 {
		return nil, false
	}
	c.batch = &Batch{ID: batchID, Items: Flatten(c.pending)}
	return c.batch, true
}

// SealFreeText builds a single-item batch for a question the agent asked in
// prose.
func (c *Coordinator) SealFreeText(batchID, prompt string) *Batch {
	c.batch = &Batch{
		ID: batchID,
		Items: []Item{{
			ID:       batchID,
			GroupID:  batchID,
			Header:   "Input requested",
			Question: prompt,
			FreeText: true,
		}},
	}
	return c.batch
}

// ArmReminder replaces the reminder handle, stopping the previous one.
func (c *Coordinator) ArmReminder(t Timer) {
	if c.reminder != nil {
		c.reminder.Stop()
	}
	c.reminder = t
}

// Remind counts a fired reminder for batchID. It returns false if the batch
// is no longer outstanding.
func (c *Coordinator) Remind(batchID string) bool {
	if c.batch == nil || c.batch.ID != batchID {
		return false
	}
	c.reminders++
	return true
}

func (c *Coordinator) validate(batchID string) error {
	if c.batch == nil || len(c.batch.Items) == 0 {
		return cerr.NewError(cerr.FailedPrecondition, "no questions are pending", nil)
	}
	if c.batch.ID != batchID {
		return cerr.NewError(cerr.FailedPrecondition, "batch id does not match the outstanding batch", nil)
	}
	return nil
}

// AnswerBatch validates the answers against the outstanding batch and, on
// success, clears all question state and returns the combined response.
// On error nothing changes.
func (c *Coordinator) AnswerBatch(batchID string, answers map[string]string) (string, error) {
	if err := c.validate(batchID); err != nil {
		return "", err
	}
	if len(answers) == 0 {
		return "", cerr.NewError(cerr.InvalidArgument, "no answers given", nil)
	}
	for id := range answers {
		if _, ok := c.batch.item(id); !ok {
			return "", cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown question %q", id), nil)
		}
	}
	combined := Combine(c.batch, answers)
	c.Reset()
	return combined, nil
}

// AnswerSingle is the single-question form: the outstanding batch must hold
// exactly one item and questionID must be its id.
func (c *Coordinator) AnswerSingle(questionID, answer string) (string, error) {
	if c.batch == nil || len(c.batch.Items) == 0 {
		return "", cerr.NewError(cerr.FailedPrecondition, "no questions are pending", nil)
	}
	if len(c.batch.Items) != 1 {
		return "", cerr.NewError(cerr.FailedPrecondition, "more than one question is pending, answer the batch", nil)
	}
	if c.batch.Items[0].ID != questionID {
		return "", cerr.NewError(cerr.FailedPrecondition, "question id does not match the pending question", nil)
	}
	return c.AnswerBatch(c.batch.ID, map[string]string{questionID: answer})
}

// Reset drops all question state and stops the reminder.
func (c *Coordinator) Reset() {
	if c.reminder != nil {
		c.reminder.Stop()
	}
	*c = Coordinator{}
}

// Clone copies the question state without the reminder handle.
func (c *Coordinator) Clone() Coordinator {
	cp := Coordinator{
		pending:   slices.Clone(c.pending),
		reminders: c.reminders,
	}
	if c.batch != nil {
		b := *c.batch
		b.Items = slices.Clone(c.batch.Items)
		cp.batch = &b
	}
	return cp
}
