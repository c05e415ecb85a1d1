package execution

type Status string

const (
	StatusRunning             Status = "running"
	StatusWaitingForAnswer    Status = "waiting_for_answer"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
	StatusCancelled           Status = "cancelled"
	StatusErrorRetryAvailable Status = "error_retry_available"
)

// IsTerminal reports whether no process will run for the execution again
// without an explicit retry.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusErrorRetryAvailable:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusRunning: {
		StatusWaitingForAnswer,
		StatusCompleted,
		StatusFailed,
		StatusCancelled,
		StatusErrorRetryAvailable,
	},
	StatusWaitingForAnswer: {
		StatusRunning,
		StatusCancelled,
	},
	StatusErrorRetryAvailable: {
		StatusRunning,
	},
}

func (s Status) CanTransitionTo(to Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}
