package execution

import (
	"slices"
	"time"

	"github.com/kazz187/storyguild/internal/question"
)

type Kind string

const (
	KindStream   Kind = "stream"
	KindTerminal Kind = "terminal"
)

type GitStrategy string

const (
	GitStrategyBranch        GitStrategy = "branch"
	GitStrategyWorktree      GitStrategy = "worktree"
	GitStrategyCurrentBranch GitStrategy = "current-branch"
)

func (g GitStrategy) Valid() bool {
	switch g {
	case GitStrategyBranch, GitStrategyWorktree, GitStrategyCurrentBranch:
		return true
	}
	return false
}

// Execution is one run of the agent against one unit of work.
type Execution struct {
	ID        string
	SessionID string
	ClientID  string
	Kind      Kind

	CommandID   string
	Name        string
	ProjectPath string
	WorkDir     string
	Argument    string
	Model       string

	Status    Status
	StartedAt time.Time
	EndedAt   time.Time
	Output    []string
	Error     string

	SpecID       string
	StoryID      string
	BacklogStory bool
	GitStrategy  GitStrategy
	Branch       string
	WorktreePath string
	AutoMode     bool

	// Resuming suppresses the duplicate start notification of a resumed
	// session.
	Resuming bool
	// Attempt increases with every process launched for the execution.
	// Callbacks from earlier attempts are ignored.
	Attempt int
	// Aborted is set once cancellation was requested for the live attempt.
	Aborted bool
	// Errored is set when the agent reported an error event during the live
	// attempt; its exit is then retryable whatever the exit code.
	Errored bool
	// StartAnnounced is set after the first started notification.
	StartAnnounced bool
	// Continued guards the single completion dispatch per execution.
	Continued bool

	Questions question.Coordinator
}

func (e *Execution) AppendOutput(lines ...string) {
	e.Output = append(e.Output, lines...)
}

// ResumeSessionID prefers the agent-assigned session id.
func (e *Execution) ResumeSessionID() string {
	if e.SessionID != "" {
		return e.SessionID
	}
	return e.ID
}

func (e *Execution) IsStory() bool {
	return e.SpecID != "" && e.StoryID != ""
}

// Snapshot is a copy that is safe to hand to other goroutines.
func (e *Execution) Snapshot() Execution {
	c := *e
	c.Output = slices.Clone(e.Output)
	c.Questions = e.Questions.Clone()
	return c
}

func (e *Execution) OutputTail(n int) []string {
	if len(e.Output) <= n {
		return slices.Clone(e.Output)
	}
	return slices.Clone(e.Output[len(e.Output)-n:])
}
