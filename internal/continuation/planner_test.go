package continuation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/storyguild/internal/execution"
	"github.com/kazz187/storyguild/internal/kanban"
	"github.com/kazz187/storyguild/internal/queue"
	"github.com/kazz187/storyguild/pkg/cerr"
)

type fakeBoards struct {
	boards map[string]*kanban.Board
	errs   map[string]error
}

func newFakeBoards(boards ...*kanban.Board) *fakeBoards {
	f := &fakeBoards{boards: map[string]*kanban.Board{}, errs: map[string]error{}}
	for _, b := range boards {
		f.boards[b.SpecID] = b
	}
	return f
}

func (f *fakeBoards) Read(_ context.Context, _, specID string) (*kanban.Board, error) {
	if err := f.errs[specID]; err != nil {
		return nil, err
	}
	b, ok := f.boards[specID]
	if !ok {
		return nil, cerr.NewError(cerr.NotFound, "not found", nil)
	}
	return b, nil
}

func (f *fakeBoards) ResolvePrerequisites(ctx context.Context, p, specID string) (*kanban.Board, []string, error) {
	b, err := f.Read(ctx, p, specID)
	if err != nil {
		return nil, nil, err
	}
	return b, b.ResolvePrerequisites(), nil
}

func (f *fakeBoards) MarkComplete(ctx context.Context, p, specID string) error {
	b, err := f.Read(ctx, p, specID)
	if err != nil {
		return err
	}
	b.MarkComplete()
	return nil
}

type fakeQueue struct {
	running bool
	entries []*queue.Entry
}

func (q *fakeQueue) IsRunning(context.Context) bool { return q.running }

func (q *fakeQueue) FindEntryForSpec(_ context.Context, projectPath, specID string) (*queue.Entry, error) {
	for _, e := range q.entries {
		if e.SpecID == specID && e.ProjectPath == projectPath && e.Status != queue.EntryDone {
			return e, nil
		}
	}
	return nil, cerr.NewError(cerr.NotFound, "not found", nil)
}

func (q *fakeQueue) AdvancePast(_ context.Context, id string) (*queue.Entry, error) {
	for _, e := range q.entries {
		if e.ID == id {
			e.Status = queue.EntryDone
		}
	}
	for _, e := range q.entries {
		if e.Status == queue.EntryPending {
			e.Status = queue.EntryRunning
			return e, nil
		}
	}
	q.running = false
	return nil, nil
}

func specBoard(id string, stories ...kanban.Story) *kanban.Board {
	return &kanban.Board{SpecID: id, Title: "Spec " + id, Stories: stories}
}

func story(id string, status kanban.StoryStatus, deps ...string) kanban.Story {
	return kanban.Story{ID: id, Status: status, DependsOn: deps}
}

func completed(specID, storyID string, auto bool) Completed {
	return Completed{
		ProjectPath: "/src/app",
		SpecID:      specID,
		StoryID:     storyID,
		Model:       "opus",
		GitStrategy: execution.GitStrategyWorktree,
		AutoMode:    auto,
	}
}

func TestPlan_GatedWithoutAutoModeOrQueue(t *testing.T) {
	boards := newFakeBoards(specBoard("S", story("story-1", kanban.StoryDone), story("story-2", kanban.StoryReady)))
	p := NewPlanner(boards, &fakeQueue{}, nil)

	d := p.Plan(context.Background(), completed("S", "story-1", false))
	assert.Equal(t, KindNone, d.Kind)
	assert.NoError(t, d.Err)
}

func TestPlan_QueueRunningEnablesContinuation(t *testing.T) {
	boards := newFakeBoards(specBoard("S", story("story-1", kanban.StoryDone), story("story-2", kanban.StoryReady)))
	p := NewPlanner(boards, &fakeQueue{running: true}, nil)

	d := p.Plan(context.Background(), completed("S", "story-1", false))
	assert.Equal(t, KindStartStory, d.Kind)
	assert.Equal(t, "story-2", d.StoryID)
}

func TestPlan_StartsNextStoryInheritingChain(t *testing.T) {
	boards := newFakeBoards(specBoard("S",
		story("story-1", kanban.StoryDone),
		story("story-2", kanban.StoryBlocked, "story-1"),
	))
	p := NewPlanner(boards, nil, nil)

	d := p.Plan(context.Background(), completed("S", "story-1", true))
	require.Equal(t, KindStartStory, d.Kind)
	assert.Equal(t, "story-2", d.StoryID)
	assert.Equal(t, "opus", d.Model)
	assert.Equal(t, execution.GitStrategyWorktree, d.GitStrategy)
	assert.Equal(t, "/src/app", d.ProjectPath)
	assert.Equal(t, 1, d.Repeats)
}

func TestPlan_LoopGuardTripsOnThirdSelection(t *testing.T) {
	// story-2 never leaves ready: its board writes are lost.
	boards := newFakeBoards(specBoard("S", story("story-1", kanban.StoryDone), story("story-2", kanban.StoryReady)))
	p := NewPlanner(boards, nil, nil)
	ctx := context.Background()

	d := p.Plan(ctx, completed("S", "story-1", true))
	require.Equal(t, KindStartStory, d.Kind)
	d = p.Plan(ctx, completed("S", "story-2", true))
	require.Equal(t, KindStartStory, d.Kind)
	assert.Equal(t, 2, d.Repeats)

	d = p.Plan(ctx, completed("S", "story-2", true))
	assert.Equal(t, KindLoopDetected, d.Kind)
	assert.Equal(t, "story-2", d.StoryID)
	assert.True(t, cerr.IsCode(d.Err, cerr.Aborted))
}

func TestPlan_DifferentStoryResetsGuard(t *testing.T) {
	g := NewGuard()
	_, tripped := g.Observe("/p", "S", "a")
	assert.False(t, tripped)
	_, tripped = g.Observe("/p", "S", "a")
	assert.False(t, tripped)
	n, tripped := g.Observe("/p", "S", "b")
	assert.Equal(t, 1, n)
	assert.False(t, tripped)
	_, tripped = g.Observe("/p", "T", "b")
	assert.False(t, tripped, "specs are tracked independently")
}

func TestPlan_BlockedStopsSilently(t *testing.T) {
	boards := newFakeBoards(specBoard("S",
		story("story-1", kanban.StoryDone),
		story("story-2", kanban.StoryBlocked, "story-9"),
	))
	p := NewPlanner(boards, nil, nil)

	d := p.Plan(context.Background(), completed("S", "story-1", true))
	assert.Equal(t, KindBlocked, d.Kind)
	assert.NoError(t, d.Err)
}

func TestPlan_SpecComplete(t *testing.T) {
	b := specBoard("S", story("story-1", kanban.StoryDone), story("story-2", kanban.StoryBacklog))
	p := NewPlanner(newFakeBoards(b), nil, nil)

	d := p.Plan(context.Background(), completed("S", "story-1", true))
	assert.Equal(t, KindSpecComplete, d.Kind)
	require.NotNil(t, d.CompletedSpec)
	assert.True(t, b.Completed, "board is marked complete")
}

func TestPlan_CorruptionHaltsUntilReleased(t *testing.T) {
	boards := newFakeBoards(specBoard("S", story("story-1", kanban.StoryReady)))
	boards.errs["S"] = cerr.NewError(cerr.DataLoss, "board is corrupt", nil)
	p := NewPlanner(boards, nil, nil)
	ctx := context.Background()

	d := p.Plan(ctx, completed("S", "story-0", true))
	assert.Equal(t, KindHalted, d.Kind)
	assert.True(t, cerr.IsCode(d.Err, cerr.DataLoss))

	// Fixing the file is not enough; the stop holds until an operator acts.
	delete(boards.errs, "S")
	d = p.Plan(ctx, completed("S", "story-0", true))
	assert.Equal(t, KindHalted, d.Kind)

	p.Guard().Release("/src/app", "S")
	d = p.Plan(ctx, completed("S", "story-0", true))
	assert.Equal(t, KindStartStory, d.Kind)
}

func TestPlan_ReadErrorDoesNotHalt(t *testing.T) {
	p := NewPlanner(newFakeBoards(), nil, nil)
	d := p.Plan(context.Background(), completed("missing", "story-1", true))
	assert.Equal(t, KindNone, d.Kind)
	assert.True(t, cerr.IsCode(d.Err, cerr.NotFound))
	_, halted := p.Guard().Halted("/src/app", "missing")
	assert.False(t, halted)
}

func TestPlan_QueueAdvancesToNextSpec(t *testing.T) {
	boards := newFakeBoards(
		specBoard("A", story("a-1", kanban.StoryDone)),
		specBoard("B", story("b-1", kanban.StoryDone)),
		specBoard("C", story("c-1", kanban.StoryDone), story("c-2", kanban.StoryBlocked, "c-1")),
	)
	boards.boards["B"].Completed = true
	q := &fakeQueue{running: true, entries: []*queue.Entry{
		{ID: "qa", ProjectPath: "/src/app", SpecID: "A", Status: queue.EntryRunning},
		{ID: "qb", ProjectPath: "/src/app", SpecID: "B", Status: queue.EntryPending},
		{ID: "qc", ProjectPath: "/src/api", SpecID: "C", Model: "haiku", GitStrategy: "branch", Status: queue.EntryPending},
	}}
	p := NewPlanner(boards, q, nil)

	d := p.Plan(context.Background(), completed("A", "a-1", false))
	require.Equal(t, KindStartQueueEntry, d.Kind, "error: %v", d.Err)
	assert.Equal(t, "/src/api", d.ProjectPath)
	assert.Equal(t, "C", d.SpecID)
	assert.Equal(t, "c-2", d.StoryID)
	assert.Equal(t, "haiku", d.Model)
	assert.Equal(t, execution.GitStrategyBranch, d.GitStrategy)
	require.NotNil(t, d.CompletedSpec)
	assert.Equal(t, "A", d.CompletedSpec.SpecID)
	assert.Equal(t, "qc", d.Entry.ID)
	assert.Equal(t, queue.EntryDone, q.entries[1].Status, "finished entries are skipped")
}

func TestPlan_QueueComplete(t *testing.T) {
	boards := newFakeBoards(specBoard("A", story("a-1", kanban.StoryDone)))
	boards.boards["A"].Completed = true
	q := &fakeQueue{running: true, entries: []*queue.Entry{
		{ID: "qa", ProjectPath: "/src/app", SpecID: "A", Status: queue.EntryRunning},
	}}
	p := NewPlanner(boards, q, nil)

	d := p.Plan(context.Background(), completed("A", "a-1", false))
	assert.Equal(t, KindQueueComplete, d.Kind)
	assert.False(t, q.running)
}
