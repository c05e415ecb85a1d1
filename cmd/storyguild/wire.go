package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/kazz187/storyguild/internal/archive"
	"github.com/kazz187/storyguild/internal/config"
	"github.com/kazz187/storyguild/internal/engine"
	"github.com/kazz187/storyguild/internal/eventbus"
	"github.com/kazz187/storyguild/internal/gitctx"
	"github.com/kazz187/storyguild/internal/kanban"
	"github.com/kazz187/storyguild/internal/launcher"
	"github.com/kazz187/storyguild/internal/queue"
	queuerepo "github.com/kazz187/storyguild/internal/queue/repositoryimpl"
	"github.com/kazz187/storyguild/internal/terminal"
	"github.com/kazz187/storyguild/pkg/clog"
	"github.com/kazz187/storyguild/pkg/storage"
)

// components is everything one process runs.
type components struct {
	env     *config.Env
	store   storage.Storage
	bus     *eventbus.Bus
	queue   *queue.Service
	archive *archive.Store
	engine  *engine.Engine
}

func loadEnv() (*config.Env, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return nil, err
	}
	setupLogger(env)
	return env, nil
}

func setupLogger(env *config.Env) {
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))
}

func newStorage(ctx context.Context, env *config.StorageEnv) (storage.Storage, error) {
	switch env.Type {
	case "s3":
		s, err := storage.NewS3Storage(ctx, env.S3Bucket, env.S3Prefix, env.S3Region)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 storage: %w", err)
		}
		return s, nil
	default:
		s, err := storage.NewLocalStorage(env.BaseDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create local storage: %w", err)
		}
		return s, nil
	}
}

func newQueue(store storage.Storage) *queue.Service {
	return queue.NewService(queuerepo.NewYAMLRepository(store))
}

func wire(ctx context.Context, env *config.Env) (*components, error) {
	store, err := newStorage(ctx, config.StorageEnvFromEnv(env))
	if err != nil {
		return nil, err
	}
	engineEnv := config.EngineEnvFromEnv(env)

	catalog, err := launcher.LoadCatalog(engineEnv.ModelsFile)
	if err != nil {
		return nil, err
	}
	builder := launcher.NewBuilder(catalog, engineEnv.Shell)

	boards := kanban.NewStore(engineEnv.MetaDir, engineEnv.LockTimeout)
	var translator gitctx.Translator
	if engineEnv.TranslateSlugs {
		translator = gitctx.ClaudeTranslator{}
	}
	git := gitctx.NewSetup(gitctx.NewExecGit(""), boards, translator, engineEnv.MetaDir)

	c := &components{
		env:     env,
		store:   store,
		bus:     eventbus.New(),
		queue:   newQueue(store),
		archive: archive.NewStore(store),
	}
	c.engine = engine.New(engine.Config{
		CommandPrefix:    engineEnv.CommandPrefix,
		DefaultModel:     engineEnv.DefaultModel,
		ReminderInterval: engineEnv.QuestionReminder,
		OpenPullRequests: engineEnv.OpenPullRequests,
		WatchBoards:      true,
	}, engine.Deps{
		Launcher:  launcher.NewExecLauncher(builder, engineEnv.KillGrace),
		Builder:   builder,
		Terminal:  terminal.NewBridge(builder, engineEnv.KillGrace),
		Boards:    boards,
		Git:       git,
		Queue:     c.queue,
		Archive:   c.archive,
		Publisher: c.bus,
	})
	return c, nil
}
