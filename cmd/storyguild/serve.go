package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/kazz187/storyguild/internal/config"
	"github.com/kazz187/storyguild/internal/httpapi"
	"github.com/kazz187/storyguild/internal/pushnotification"
	"github.com/kazz187/storyguild/internal/pushsubscription"
	pushsubrepo "github.com/kazz187/storyguild/internal/pushsubscription/repositoryimpl"
)

const shutdownTimeout = 10 * time.Second

func serve(ctx context.Context) error {
	env, err := loadEnv()
	if err != nil {
		return err
	}
	c, err := wire(ctx, env)
	if err != nil {
		return err
	}

	vapidEnv := config.VAPIDEnvFromEnv(env)
	subs := pushsubscription.NewService(pushsubrepo.NewYAMLRepository(c.store))
	sender := pushnotification.NewSender(vapidEnv, subs)
	dispatcher := pushnotification.NewDispatcher(c.bus, sender)

	srv := httpapi.NewServer(config.BaseEnvFromEnv(env), httpapi.Deps{
		Engine:        c.engine,
		Queue:         c.queue,
		Archive:       c.archive,
		Events:        c.bus,
		Subscriptions: subs,
		Notifier:      sender,
		VAPID:         vapidEnv,
		EventBuffer:   config.EngineEnvFromEnv(env).OutboxBuffer,
	})

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		return c.engine.Run(ctx)
	})
	if vapidEnv.Configured() {
		p.Go(func(ctx context.Context) error {
			dispatcher.Start(ctx)
			return nil
		})
	} else {
		slog.InfoContext(ctx, "push notifications disabled, VAPID keys not configured")
	}
	p.Go(func(ctx context.Context) error {
		if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	p.Go(func(ctx context.Context) error {
		<-ctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
		return nil
	})

	err = p.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
