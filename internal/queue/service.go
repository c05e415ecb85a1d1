package queue

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/storyguild/pkg/cerr"
)

// Service is the queue collaborator of the engine. Calls are serialized so
// concurrent completions cannot advance the same entry twice.
type Service struct {
	mu   sync.Mutex
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

func (s *Service) List(ctx context.Context) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo.List(ctx)
}

func (s *Service) State(ctx context.Context) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo.GetState(ctx)
}

// Enqueue appends a pending entry at the end of the queue.
func (s *Service) Enqueue(ctx context.Context, e Entry) (*Entry, error) {
	if e.ProjectPath == "" || e.SpecID == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "project path and spec id are required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	pos := 0
	for _, other := range entries {
		pos = max(pos, other.Position)
	}
	now := s.now()
	e.ID = ulid.Make().String()
	e.Position = pos + 1
	e.ProjectPath = filepath.Clean(e.ProjectPath)
	e.Status = EntryPending
	e.CreatedAt = now
	e.UpdatedAt = now
	if err := s.repo.Create(ctx, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Service) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo.Delete(ctx, id)
}

// IsRunning reports an active queue run. Read failures count as stopped.
func (s *Service) IsRunning(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.repo.GetState(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to read queue state", "error", err)
		return false
	}
	return st.Running
}

// Start begins a run at the running entry, or the first pending one. It
// returns nil without starting when nothing is queued.
func (s *Service) Start(ctx context.Context, clientID string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	var next *Entry
	for _, e := range entries {
		if e.Status == EntryRunning {
			next = e
			break
		}
	}
	if next == nil {
		next, err = s.activateNext(ctx, entries)
		if err != nil {
			return nil, err
		}
	}
	if next == nil {
		return nil, nil
	}
	return next, s.repo.SaveState(ctx, &State{Running: true, Current: next.ID, ClientID: clientID, UpdatedAt: s.now()})
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.repo.GetState(ctx)
	if err != nil {
		return err
	}
	st.Running = false
	st.UpdatedAt = s.now()
	return s.repo.SaveState(ctx, st)
}

// FindEntryForSpec returns the running or pending entry of a spec.
func (s *Service) FindEntryForSpec(ctx context.Context, projectPath, specID string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	projectPath = filepath.Clean(projectPath)
	var pending *Entry
	for _, e := range entries {
		if e.SpecID != specID || e.ProjectPath != projectPath {
			continue
		}
		if e.Status == EntryRunning {
			return e, nil
		}
		if e.Status == EntryPending && pending == nil {
			pending = e
		}
	}
	if pending != nil {
		return pending, nil
	}
	return nil, cerr.NewError(cerr.NotFound, "no queue entry for spec", nil)
}

// AdvancePast marks entryID done and activates the next pending entry. It
// returns nil and stops the run when the queue is exhausted.
func (s *Service) AdvancePast(ctx context.Context, entryID string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.ID == entryID && e.Status != EntryDone {
			e.Status = EntryDone
			e.UpdatedAt = s.now()
			if err := s.repo.Update(ctx, e); err != nil {
				return nil, err
			}
		}
	}
	st, err := s.repo.GetState(ctx)
	if err != nil {
		return nil, err
	}
	next, err := s.activateNext(ctx, entries)
	if err != nil {
		return nil, err
	}
	st.UpdatedAt = s.now()
	if next == nil {
		st.Running = false
		st.Current = ""
	} else {
		st.Current = next.ID
	}
	if err := s.repo.SaveState(ctx, st); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Service) activateNext(ctx context.Context, entries []*Entry) (*Entry, error) {
	for _, e := range entries {
		if e.Status != EntryPending {
			continue
		}
		e.Status = EntryRunning
		e.UpdatedAt = s.now()
		if err := s.repo.Update(ctx, e); err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, nil
}
