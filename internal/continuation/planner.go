package continuation

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/kazz187/storyguild/internal/execution"
	"github.com/kazz187/storyguild/internal/kanban"
	"github.com/kazz187/storyguild/internal/queue"
	"github.com/kazz187/storyguild/pkg/cerr"
	"github.com/kazz187/storyguild/pkg/clog"
)

// Board is the part of the board store the planner reads and writes.
type Board interface {
	Read(ctx context.Context, projectPath, specID string) (*kanban.Board, error)
	ResolvePrerequisites(ctx context.Context, projectPath, specID string) (*kanban.Board, []string, error)
	MarkComplete(ctx context.Context, projectPath, specID string) error
}

type Queue interface {
	IsRunning(ctx context.Context) bool
	FindEntryForSpec(ctx context.Context, projectPath, specID string) (*queue.Entry, error)
	AdvancePast(ctx context.Context, entryID string) (*queue.Entry, error)
}

type Kind int

const (
	KindNone Kind = iota
	KindStartStory
	KindStartQueueEntry
	KindSpecComplete
	KindQueueComplete
	KindLoopDetected
	KindBlocked
	KindHalted
)

func (k Kind) String() string {
	switch k {
	case KindStartStory:
		return "start_story"
	case KindStartQueueEntry:
		return "start_queue_entry"
	case KindSpecComplete:
		return "spec_complete"
	case KindQueueComplete:
		return "queue_complete"
	case KindLoopDetected:
		return "loop_detected"
	case KindBlocked:
		return "blocked"
	case KindHalted:
		return "halted"
	}
	return "none"
}

// Completed describes the execution whose completion is being continued.
type Completed struct {
	ClientID    string
	ProjectPath string
	SpecID      string
	StoryID     string
	Model       string
	GitStrategy execution.GitStrategy
	AutoMode    bool
}

type Decision struct {
	Kind Kind

	// The story to start, or the spec the decision is about.
	ProjectPath string
	SpecID      string
	SpecTitle   string
	StoryID     string
	Model       string
	GitStrategy execution.GitStrategy

	// Entry is the queue entry a started story belongs to.
	Entry *queue.Entry
	// CompletedSpec is set when the completing spec was exhausted on the
	// way to this decision.
	CompletedSpec *kanban.Board
	// Repeats is the consecutive selection count of StoryID.
	Repeats int
	Err     error
}

// maxQueueSkips bounds how many already-finished queue entries are skipped
// in one plan.
const maxQueueSkips = 64

type Planner struct {
	boards Board
	queue  Queue
	guard  *Guard
}

func NewPlanner(boards Board, q Queue, guard *Guard) *Planner {
	if guard == nil {
		guard = NewGuard()
	}
	return &Planner{boards: boards, queue: q, guard: guard}
}

func (p *Planner) Guard() *Guard {
	return p.guard
}

func (p *Planner) queueRunning(ctx context.Context) bool {
	return p.queue != nil && p.queue.IsRunning(ctx)
}

// Plan decides what follows a completed story. It never starts anything; the
// caller acts on the decision.
func (p *Planner) Plan(ctx context.Context, c Completed) Decision {
	ctx = clog.WithExecution(ctx, "", c.SpecID, c.StoryID)
	c.ProjectPath = filepath.Clean(c.ProjectPath)
	base := Decision{ProjectPath: c.ProjectPath, SpecID: c.SpecID}

	if !c.AutoMode && !p.queueRunning(ctx) {
		return base
	}
	if reason, ok := p.guard.Halted(c.ProjectPath, c.SpecID); ok {
		base.Kind = KindHalted
		base.Err = cerr.NewError(cerr.FailedPrecondition, "continuation is stopped: "+reason, nil)
		return base
	}

	board, err := p.boards.Read(ctx, c.ProjectPath, c.SpecID)
	if err != nil {
		return p.fail(ctx, c.ProjectPath, c.SpecID, err)
	}
	if board.Completed {
		p.guard.Clear(c.ProjectPath, c.SpecID)
		return p.advanceQueue(ctx, c, nil)
	}

	board, promoted, err := p.boards.ResolvePrerequisites(ctx, c.ProjectPath, c.SpecID)
	if err != nil {
		return p.fail(ctx, c.ProjectPath, c.SpecID, err)
	}
	if len(promoted) > 0 {
		slog.InfoContext(ctx, "stories unblocked", "stories", promoted)
	}

	if next := board.NextEligible(); next != nil {
		return p.start(KindStartStory, c.ProjectPath, board, next, c.Model, c.GitStrategy, nil)
	}
	if board.HasBlocked() {
		base.Kind = KindBlocked
		return base
	}
	if !board.Settled() {
		// Another story of the spec is still running.
		return base
	}

	if err := p.boards.MarkComplete(ctx, c.ProjectPath, c.SpecID); err != nil {
		return p.fail(ctx, c.ProjectPath, c.SpecID, err)
	}
	board.MarkComplete()
	p.guard.Clear(c.ProjectPath, c.SpecID)
	if p.queueRunning(ctx) {
		return p.advanceQueue(ctx, c, board)
	}
	base.Kind = KindSpecComplete
	base.SpecTitle = board.Title
	base.CompletedSpec = board
	return base
}

func (p *Planner) start(kind Kind, projectPath string, board *kanban.Board, story *kanban.Story,
	model string, strategy execution.GitStrategy, entry *queue.Entry,
) Decision {
	d := Decision{
		ProjectPath: projectPath,
		SpecID:      board.SpecID,
		SpecTitle:   board.Title,
		StoryID:     story.ID,
		Model:       model,
		GitStrategy: strategy,
		Entry:       entry,
	}
	if d.Model == "" {
		d.Model = story.Model
	}
	count, tripped := p.guard.Observe(projectPath, board.SpecID, story.ID)
	d.Repeats = count
	if tripped {
		d.Kind = KindLoopDetected
		d.Err = cerr.NewError(cerr.Aborted,
			fmt.Sprintf("story %s was selected as next %d times in a row", story.ID, count), nil)
		return d
	}
	d.Kind = kind
	return d
}

// fail hard-stops the spec on corruption. Other errors end this plan only.
func (p *Planner) fail(ctx context.Context, projectPath, specID string, err error) Decision {
	d := Decision{ProjectPath: projectPath, SpecID: specID, Err: err}
	if cerr.IsCode(err, cerr.DataLoss) {
		p.guard.Halt(projectPath, specID, err.Error())
		slog.ErrorContext(ctx, "spec metadata is corrupt, continuation stopped", "error", err)
		d.Kind = KindHalted
		return d
	}
	slog.WarnContext(ctx, "failed to plan continuation", "error", err)
	return d
}

// advanceQueue moves the queue past the spec and starts the first eligible
// story of the next entry, skipping entries that have nothing left to run.
func (p *Planner) advanceQueue(ctx context.Context, c Completed, completed *kanban.Board) Decision {
	d := Decision{ProjectPath: c.ProjectPath, SpecID: c.SpecID, CompletedSpec: completed}
	if completed != nil {
		d.SpecTitle = completed.Title
	}
	if !p.queueRunning(ctx) {
		if completed != nil {
			d.Kind = KindSpecComplete
		}
		return d
	}

	entryID := ""
	if e, err := p.queue.FindEntryForSpec(ctx, c.ProjectPath, c.SpecID); err == nil {
		entryID = e.ID
	} else if !cerr.IsCode(err, cerr.NotFound) {
		d.Err = err
		return d
	}

	for range maxQueueSkips {
		next, err := p.queue.AdvancePast(ctx, entryID)
		if err != nil {
			d.Err = err
			return d
		}
		if next == nil {
			d.Kind = KindQueueComplete
			return d
		}
		entryID = next.ID

		if _, halted := p.guard.Halted(next.ProjectPath, next.SpecID); halted {
			continue
		}
		board, err := p.boards.Read(ctx, next.ProjectPath, next.SpecID)
		if err == nil && !board.Completed {
			board, _, err = p.boards.ResolvePrerequisites(ctx, next.ProjectPath, next.SpecID)
		}
		if err != nil {
			fd := p.fail(ctx, next.ProjectPath, next.SpecID, err)
			fd.CompletedSpec = completed
			fd.Entry = next
			return fd
		}
		if board.Completed {
			continue
		}
		if story := board.NextEligible(); story != nil {
			model := next.Model
			if model == "" {
				model = c.Model
			}
			strategy := execution.GitStrategy(next.GitStrategy)
			if !strategy.Valid() {
				strategy = c.GitStrategy
			}
			sd := p.start(KindStartQueueEntry, next.ProjectPath, board, story, model, strategy, next)
			sd.CompletedSpec = completed
			return sd
		}
		if board.HasBlocked() {
			return Decision{Kind: KindBlocked, ProjectPath: next.ProjectPath, SpecID: next.SpecID, Entry: next, CompletedSpec: completed}
		}
	}
	d.Err = cerr.NewError(cerr.ResourceExhausted, "too many finished queue entries skipped", nil)
	return d
}
