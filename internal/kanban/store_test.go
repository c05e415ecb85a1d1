package kanban

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/storyguild/pkg/cerr"
)

const testBoard = `spec_id: 2026-01-01-auth
title: Auth
phase: planning
completed: false
reviewer: alice
stories:
  - id: story-1
    title: Login form
    status: done
  - id: story-2
    title: Session cookie
    status: blocked
    depends_on: [story-1]
    estimate: 3
  - id: story-3
    title: Logout
    status: blocked
    depends_on: [story-1, story-2]
  - id: story-4
    status: backlog
`

func writeBoard(t *testing.T, s *Store, project, specID, content string) {
	t.Helper()
	dir := s.SpecDir(project, specID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, BoardFileName), []byte(content), 0o644))
}

func TestStore_Read(t *testing.T) {
	project := t.TempDir()
	s := NewStore(".storyguild", time.Second)
	writeBoard(t, s, project, "2026-01-01-auth", testBoard)

	b, err := s.Read(context.Background(), project, "2026-01-01-auth")
	require.NoError(t, err)
	assert.Equal(t, "Auth", b.Title)
	require.Len(t, b.Stories, 4)
	assert.Equal(t, StoryBlocked, b.Stories[1].Status)
	assert.Equal(t, []string{"story-1"}, b.Stories[1].DependsOn)
	assert.Equal(t, "alice", b.Extra["reviewer"])
}

func TestStore_ReadErrors(t *testing.T) {
	s := NewStore(".storyguild", time.Second)

	tests := []struct {
		name    string
		specID  string
		content string
		want    cerr.Code
	}{
		{name: "missing spec", specID: "nope", want: cerr.NotFound},
		{name: "traversal", specID: "../etc", want: cerr.InvalidArgument},
		{name: "yaml syntax", specID: "s", content: "stories: [\n", want: cerr.DataLoss},
		{name: "no spec id", specID: "s", content: "stories: []\n", want: cerr.DataLoss},
		{name: "spec id mismatch", specID: "s", content: "spec_id: other\n", want: cerr.DataLoss},
		{name: "duplicate story", specID: "s", content: "spec_id: s\nstories:\n- {id: a, status: ready}\n- {id: a, status: done}\n", want: cerr.DataLoss},
		{name: "unknown status", specID: "s", content: "spec_id: s\nstories:\n- {id: a, status: sideways}\n", want: cerr.DataLoss},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			project := t.TempDir()
			if tt.content != "" {
				writeBoard(t, s, project, tt.specID, tt.content)
			}
			_, err := s.Read(context.Background(), project, tt.specID)
			assert.Equal(t, tt.want, cerr.CodeOf(err), "error: %v", err)
		})
	}
}

func TestStore_ResolveAndPromote(t *testing.T) {
	project := t.TempDir()
	s := NewStore(".storyguild", time.Second)
	writeBoard(t, s, project, "2026-01-01-auth", testBoard)
	ctx := context.Background()

	b, promoted, err := s.ResolvePrerequisites(ctx, project, "2026-01-01-auth")
	require.NoError(t, err)
	assert.Equal(t, []string{"story-2"}, promoted)
	assert.Equal(t, "story-2", b.NextEligible().ID)
	assert.True(t, b.HasBlocked())

	require.NoError(t, s.PromoteStory(ctx, project, "2026-01-01-auth", "story-2", StoryInProgress))
	require.NoError(t, s.PromoteStory(ctx, project, "2026-01-01-auth", "story-2", StoryDone))

	b, promoted, err = s.ResolvePrerequisites(ctx, project, "2026-01-01-auth")
	require.NoError(t, err)
	assert.Equal(t, []string{"story-3"}, promoted)
	assert.Equal(t, PhaseExecution, b.Phase)
	assert.Equal(t, float64(3), toFloat(b.Story("story-2").Extra["estimate"]), "unknown fields survive a rewrite")
	assert.Equal(t, "alice", b.Extra["reviewer"])

	err = s.PromoteStory(ctx, project, "2026-01-01-auth", "story-9", StoryDone)
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	}
	return -1
}

func TestStore_RecordGitContextAndComplete(t *testing.T) {
	project := t.TempDir()
	s := NewStore(".storyguild", time.Second)
	writeBoard(t, s, project, "2026-01-01-auth", testBoard)
	ctx := context.Background()

	g := GitContext{Strategy: "worktree", Branch: "feature/auth", WorktreePath: "/tmp/p-worktrees/2026-01-01-auth"}
	require.NoError(t, s.RecordGitContext(ctx, project, "2026-01-01-auth", g))
	require.NoError(t, s.MarkComplete(ctx, project, "2026-01-01-auth"))

	b, err := s.Read(ctx, project, "2026-01-01-auth")
	require.NoError(t, err)
	assert.Equal(t, &g, b.Git)
	assert.True(t, b.Phases[PhaseGitSetup])
	assert.True(t, b.Completed)
	assert.Equal(t, PhaseComplete, b.Phase)
}

func TestStore_UpdateFailureLeavesFile(t *testing.T) {
	project := t.TempDir()
	s := NewStore(".storyguild", time.Second)
	writeBoard(t, s, project, "s", "spec_id: s\nstories: []\n")

	_, err := s.Update(context.Background(), project, "s", func(b *Board) error {
		b.Completed = true
		return cerr.NewError(cerr.Aborted, "stop", nil)
	})
	require.Error(t, err)

	data, err := os.ReadFile(s.BoardPath(project, "s"))
	require.NoError(t, err)
	assert.Equal(t, "spec_id: s\nstories: []\n", string(data))
}

func TestStore_ConcurrentUpdates(t *testing.T) {
	project := t.TempDir()
	s := NewStore(".storyguild", 5*time.Second)
	writeBoard(t, s, project, "s", "spec_id: s\nstories: []\n")

	const writers = 8
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// A separate Store per writer mirrors separate processes.
			w := NewStore(".storyguild", 5*time.Second)
			_, err := w.Update(context.Background(), project, "s", func(b *Board) error {
				b.Stories = append(b.Stories, Story{ID: string(rune('a' + i)), Status: StoryReady})
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	b, err := s.Read(context.Background(), project, "s")
	require.NoError(t, err)
	assert.Len(t, b.Stories, writers)
}

func TestStore_Backlog(t *testing.T) {
	project := t.TempDir()
	s := NewStore(".storyguild", time.Second)
	ctx := context.Background()

	_, err := s.BacklogStory(ctx, project, "b-1")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))

	require.NoError(t, os.MkdirAll(filepath.Join(project, ".storyguild"), 0o755))
	require.NoError(t, os.WriteFile(s.BacklogPath(project),
		[]byte("stories:\n- {id: b-1, title: Fix typo, status: backlog, model: haiku}\n"), 0o644))

	story, err := s.BacklogStory(ctx, project, "b-1")
	require.NoError(t, err)
	assert.Equal(t, "haiku", story.Model)

	require.NoError(t, s.PromoteBacklogStory(ctx, project, "b-1", StoryInProgress))
	story, err = s.BacklogStory(ctx, project, "b-1")
	require.NoError(t, err)
	assert.Equal(t, StoryInProgress, story.Status)
}
