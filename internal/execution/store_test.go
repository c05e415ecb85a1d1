package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/storyguild/pkg/cerr"
)

func newTestStore(now time.Time) *Store {
	s := NewStore()
	s.now = func() time.Time { return now }
	return s
}

func TestStore_PutGetDelete(t *testing.T) {
	s := NewStore()
	s.Put(&Execution{ID: "a", Status: StatusRunning})

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, got.Status)

	s.Delete("a")
	_, ok = s.Get("a")
	assert.False(t, ok)
}

func TestStore_ListOrdersByStart(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Put(&Execution{ID: "c", StartedAt: base.Add(2 * time.Second)})
	s.Put(&Execution{ID: "b", StartedAt: base})
	s.Put(&Execution{ID: "a", StartedAt: base})

	var ids []string
	for _, e := range s.List() {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestStore_Transition(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr cerr.Code
		ended   bool
	}{
		{name: "running to waiting", from: StatusRunning, to: StatusWaitingForAnswer},
		{name: "waiting to running", from: StatusWaitingForAnswer, to: StatusRunning},
		{name: "running to completed", from: StatusRunning, to: StatusCompleted, ended: true},
		{name: "retry to running", from: StatusErrorRetryAvailable, to: StatusRunning},
		{name: "waiting to cancelled", from: StatusWaitingForAnswer, to: StatusCancelled, ended: true},
		{name: "completed is final", from: StatusCompleted, to: StatusRunning, wantErr: cerr.FailedPrecondition},
		{name: "failed is final", from: StatusFailed, to: StatusRunning, wantErr: cerr.FailedPrecondition},
		{name: "waiting cannot complete", from: StatusWaitingForAnswer, to: StatusCompleted, wantErr: cerr.FailedPrecondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(now)
			s.Put(&Execution{ID: "x", Status: tt.from, EndedAt: now.Add(-time.Hour)})

			err := s.Transition("x", tt.to)
			e, _ := s.Get("x")
			if tt.wantErr != cerr.OK {
				assert.True(t, cerr.IsCode(err, tt.wantErr))
				assert.Equal(t, tt.from, e.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, e.Status)
			if tt.ended {
				assert.Equal(t, now, e.EndedAt)
			} else {
				assert.True(t, e.EndedAt.IsZero())
			}
		})
	}
}

func TestStore_TransitionUnknown(t *testing.T) {
	err := NewStore().Transition("missing", StatusCompleted)
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestExecution_Helpers(t *testing.T) {
	e := &Execution{ID: "exec-1"}
	assert.Equal(t, "exec-1", e.ResumeSessionID())
	e.SessionID = "sess-1"
	assert.Equal(t, "sess-1", e.ResumeSessionID())

	assert.False(t, e.IsStory())
	e.SpecID, e.StoryID = "2026-01-01-auth", "S-1"
	assert.True(t, e.IsStory())

	e.AppendOutput("a", "b", "c")
	assert.Equal(t, []string{"b", "c"}, e.OutputTail(2))
	assert.Equal(t, []string{"a", "b", "c"}, e.OutputTail(10))

	snap := e.Snapshot()
	snap.Output[0] = "changed"
	assert.Equal(t, "a", e.Output[0])
}
