package kanban

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"github.com/kazz187/storyguild/pkg/cerr"
	"github.com/kazz187/storyguild/pkg/storage"
)

const (
	BoardFileName   = "kanban.yaml"
	BacklogFileName = "backlog.yaml"
	lockFileName    = ".kanban.lock"

	lockRetryDelay = 50 * time.Millisecond
)

// Store serializes access to board files across processes with an advisory
// lock file in each spec directory.
type Store struct {
	metaDir     string
	lockTimeout time.Duration
}

func NewStore(metaDir string, lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	return &Store{metaDir: metaDir, lockTimeout: lockTimeout}
}

func (s *Store) MetaDir() string {
	return s.metaDir
}

// SpecsDir is <project>/<metaDir>/specs.
func (s *Store) SpecsDir(projectPath string) string {
	return filepath.Join(projectPath, s.metaDir, "specs")
}

func (s *Store) SpecDir(projectPath, specID string) string {
	return filepath.Join(s.SpecsDir(projectPath), specID)
}

func (s *Store) BoardPath(projectPath, specID string) string {
	return filepath.Join(s.SpecDir(projectPath, specID), BoardFileName)
}

func (s *Store) BacklogPath(projectPath string) string {
	return filepath.Join(projectPath, s.metaDir, BacklogFileName)
}

func validateSpecID(specID string) error {
	if specID == "" || specID == "." || specID == ".." || strings.ContainsAny(specID, `/\`) {
		return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("invalid spec id %q", specID), nil)
	}
	return nil
}

func (s *Store) withLock(ctx context.Context, dir string, shared bool, fn func() error) error {
	if _, err := os.Stat(dir); err != nil {
		return cerr.NewError(cerr.NotFound, fmt.Sprintf("%s not found", dir), err)
	}
	lock := flock.New(filepath.Join(dir, lockFileName))
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	var locked bool
	var err error
	if shared {
		locked, err = lock.TryRLockContext(lockCtx, lockRetryDelay)
	} else {
		locked, err = lock.TryLockContext(lockCtx, lockRetryDelay)
	}
	if err != nil || !locked {
		if errors.Is(err, context.DeadlineExceeded) {
			return cerr.NewError(cerr.Unavailable, fmt.Sprintf("timed out waiting for lock on %s", dir), err)
		}
		return cerr.NewError(cerr.Internal, fmt.Sprintf("failed to lock %s", dir), err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			slog.WarnContext(ctx, "failed to release board lock", "dir", dir, "error", err)
		}
	}()
	return fn()
}

func readBoard(path, specID string) (*Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("board for spec %s not found", specID), err)
		}
		return nil, cerr.WrapStorageReadError("board", err)
	}
	var b Board
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, cerr.WrapUnmarshalError("board", err)
	}
	if err := b.Validate(specID); err != nil {
		return nil, err
	}
	return &b, nil
}

func writeYAML(path, target string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return cerr.WrapMarshalError(target, err)
	}
	if err := storage.WriteFileAtomic(path, data, 0o644); err != nil {
		return cerr.WrapStorageWriteError(target, err)
	}
	return nil
}

// Read returns the current board under a shared lock.
func (s *Store) Read(ctx context.Context, projectPath, specID string) (*Board, error) {
	if err := validateSpecID(specID); err != nil {
		return nil, err
	}
	dir := s.SpecDir(projectPath, specID)
	var b *Board
	err := s.withLock(ctx, dir, true, func() error {
		var err error
		b, err = readBoard(s.BoardPath(projectPath, specID), specID)
		return err
	})
	return b, err
}

// Update read-modify-writes the board under the exclusive lock. The board is
// not written when fn fails.
func (s *Store) Update(ctx context.Context, projectPath, specID string, fn func(*Board) error) (*Board, error) {
	if err := validateSpecID(specID); err != nil {
		return nil, err
	}
	dir := s.SpecDir(projectPath, specID)
	var b *Board
	err := s.withLock(ctx, dir, false, func() error {
		var err error
		b, err = readBoard(s.BoardPath(projectPath, specID), specID)
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
		return writeYAML(s.BoardPath(projectPath, specID), "board", b)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) PromoteStory(ctx context.Context, projectPath, specID, storyID string, to StoryStatus) error {
	_, err := s.Update(ctx, projectPath, specID, func(b *Board) error {
		story := b.Story(storyID)
		if story == nil {
			return cerr.NewError(cerr.NotFound, fmt.Sprintf("story %s not found in spec %s", storyID, specID), nil)
		}
		story.Status = to
		if to == StoryInProgress {
			b.AdvancePhase(PhaseExecution)
		}
		return nil
	})
	return err
}

// ResolvePrerequisites persists prerequisite promotion and returns the
// updated board with the promoted story ids.
func (s *Store) ResolvePrerequisites(ctx context.Context, projectPath, specID string) (*Board, []string, error) {
	var promoted []string
	b, err := s.Update(ctx, projectPath, specID, func(b *Board) error {
		promoted = b.ResolvePrerequisites()
		return nil
	})
	return b, promoted, err
}

func (s *Store) RecordGitContext(ctx context.Context, projectPath, specID string, g GitContext) error {
	_, err := s.Update(ctx, projectPath, specID, func(b *Board) error {
		b.Git = &g
		b.AdvancePhase(PhaseGitSetup)
		return nil
	})
	return err
}

func (s *Store) MarkComplete(ctx context.Context, projectPath, specID string) error {
	_, err := s.Update(ctx, projectPath, specID, func(b *Board) error {
		b.MarkComplete()
		return nil
	})
	return err
}

func (s *Store) readBacklog(projectPath string) (*Backlog, error) {
	data, err := os.ReadFile(s.BacklogPath(projectPath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, cerr.NewError(cerr.NotFound, "backlog not found", err)
		}
		return nil, cerr.WrapStorageReadError("backlog", err)
	}
	var b Backlog
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, cerr.WrapUnmarshalError("backlog", err)
	}
	return &b, nil
}

// BacklogStory returns one story of the project backlog.
func (s *Store) BacklogStory(ctx context.Context, projectPath, storyID string) (*Story, error) {
	dir := filepath.Join(projectPath, s.metaDir)
	var story *Story
	err := s.withLock(ctx, dir, true, func() error {
		b, err := s.readBacklog(projectPath)
		if err != nil {
			return err
		}
		story = b.Story(storyID)
		if story == nil {
			return cerr.NewError(cerr.NotFound, fmt.Sprintf("backlog story %s not found", storyID), nil)
		}
		return nil
	})
	return story, err
}

func (s *Store) PromoteBacklogStory(ctx context.Context, projectPath, storyID string, to StoryStatus) error {
	dir := filepath.Join(projectPath, s.metaDir)
	return s.withLock(ctx, dir, false, func() error {
		b, err := s.readBacklog(projectPath)
		if err != nil {
			return err
		}
		story := b.Story(storyID)
		if story == nil {
			return cerr.NewError(cerr.NotFound, fmt.Sprintf("backlog story %s not found", storyID), nil)
		}
		story.Status = to
		return writeYAML(s.BacklogPath(projectPath), "backlog", b)
	})
}
