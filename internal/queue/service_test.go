package queue_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/storyguild/internal/queue"
	"github.com/kazz187/storyguild/internal/queue/repositoryimpl"
	"github.com/kazz187/storyguild/pkg/cerr"
	"github.com/kazz187/storyguild/pkg/storage"
)

func newService(t *testing.T) *queue.Service {
	t.Helper()
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return queue.NewService(repositoryimpl.NewYAMLRepository(st))
}

func TestService_RunThroughQueue(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	assert.False(t, s.IsRunning(ctx))
	first, err := s.Enqueue(ctx, queue.Entry{ProjectPath: "/src/app/", SpecID: "2026-01-01-auth", Model: "opus"})
	require.NoError(t, err)
	second, err := s.Enqueue(ctx, queue.Entry{ProjectPath: "/src/api", SpecID: "2026-01-02-billing"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Position)
	assert.Equal(t, 2, second.Position)
	assert.Equal(t, "/src/app", first.ProjectPath)

	started, err := s.Start(ctx, "client-1")
	require.NoError(t, err)
	require.NotNil(t, started)
	assert.Equal(t, first.ID, started.ID)
	assert.True(t, s.IsRunning(ctx))

	found, err := s.FindEntryForSpec(ctx, "/src/app", "2026-01-01-auth")
	require.NoError(t, err)
	assert.Equal(t, queue.EntryRunning, found.Status)

	next, err := s.AdvancePast(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, second.ID, next.ID)
	assert.True(t, s.IsRunning(ctx))

	next, err = s.AdvancePast(ctx, second.ID)
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.False(t, s.IsRunning(ctx), "an exhausted queue stops")

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, queue.EntryDone, e.Status)
	}
}

func TestService_StartEmpty(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	e, err := s.Start(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.False(t, s.IsRunning(ctx))
}

func TestService_StopAndResume(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	first, err := s.Enqueue(ctx, queue.Entry{ProjectPath: "/p", SpecID: "a"})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, queue.Entry{ProjectPath: "/p", SpecID: "b"})
	require.NoError(t, err)

	_, err = s.Start(ctx, "")
	require.NoError(t, err)
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.IsRunning(ctx))

	again, err := s.Start(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "restart continues at the running entry")
}

func TestService_Errors(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, queue.Entry{SpecID: "a"})
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))

	_, err = s.FindEntryForSpec(ctx, "/p", "missing")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}
