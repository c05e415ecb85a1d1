// Package notify defines the notifications the engine emits for observers.
package notify

import (
	"time"

	"github.com/kazz187/storyguild/internal/question"
)

type Kind string

const (
	KindStarted            Kind = "started"
	KindProgress           Kind = "progress"
	KindMessage            Kind = "message"
	KindToolInvoked        Kind = "tool_invoked"
	KindToolResult         Kind = "tool_result"
	KindQuestionBatch      Kind = "question_batch"
	KindQuestionReminder   Kind = "question_reminder"
	KindCompleted          Kind = "completed"
	KindRetryableError     Kind = "retryable_error"
	KindNextUnitStarting   Kind = "next_unit_starting"
	KindSpecComplete       Kind = "spec_complete"
	KindQueueComplete      Kind = "queue_complete"
	KindLoopDetected       Kind = "loop_detected"
	KindContinuationHalted Kind = "continuation_halted"
	KindGitWarning         Kind = "git_warning"
	KindTerminalOutput     Kind = "terminal_output"
	KindBoardChanged       Kind = "board_changed"
)

// Notification is one outbound message. Only the fields relevant to Kind
// are set.
type Notification struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	CreatedAt   time.Time `json:"created_at"`
	ClientID    string    `json:"client_id,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	ProjectPath string    `json:"project_path,omitempty"`
	SpecID      string    `json:"spec_id,omitempty"`
	StoryID     string    `json:"story_id,omitempty"`

	Status string `json:"status,omitempty"`
	Text   string `json:"text,omitempty"`
	// Output is the accumulated output of a completed execution.
	Output []string        `json:"output,omitempty"`
	Batch  *question.Batch `json:"batch,omitempty"`
	Tool   string          `json:"tool,omitempty"`
	Error  string          `json:"error,omitempty"`
	// NextExecutionID links next_unit_starting to the started execution.
	NextExecutionID string `json:"next_execution_id,omitempty"`
	// Data carries raw terminal bytes.
	Data []byte `json:"data,omitempty"`
}

// Publisher receives notifications. Implementations must not block.
type Publisher interface {
	Publish(n *Notification)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(n *Notification)

func (f PublisherFunc) Publish(n *Notification) {
	f(n)
}
