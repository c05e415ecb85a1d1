package execution

import (
	"fmt"
	"slices"
	"time"

	"github.com/kazz187/storyguild/pkg/cerr"
)

// Store is the in-memory registry of executions. It is not synchronized:
// the engine's control loop is its only user.
type Store struct {
	executions map[string]*Execution
	now        func() time.Time
}

func NewStore() *Store {
	return &Store{
		executions: make(map[string]*Execution),
		now:        time.Now,
	}
}

// Put registers or replaces an execution.
func (s *Store) Put(e *Execution) {
	s.executions[e.ID] = e
}

func (s *Store) Get(id string) (*Execution, bool) {
	e, ok := s.executions[id]
	return e, ok
}

func (s *Store) Delete(id string) {
	delete(s.executions, id)
}

// List returns executions ordered by start time.
func (s *Store) List() []*Execution {
	list := make([]*Execution, 0, len(s.executions))
	for _, e := range s.executions {
		list = append(list, e)
	}
	slices.SortFunc(list, func(a, b *Execution) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return list
}

// Transition moves the execution to status to if the state machine allows
// it, stamping EndedAt on terminal states.
func (s *Store) Transition(id string, to Status) error {
	e, ok := s.executions[id]
	if !ok {
		return cerr.NewError(cerr.NotFound, "execution not found", nil)
	}
	if !e.Status.CanTransitionTo(to) {
		return cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("execution cannot move from %s to %s", e.Status, to), nil)
	}
	e.Status = to
	if to.IsTerminal() {
		e.EndedAt = s.now()
	} else {
		e.EndedAt = time.Time{}
	}
	return nil
}
