package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/kazz187/storyguild/internal/config"
	"github.com/kazz187/storyguild/internal/queue"
)

func openQueue(ctx context.Context) (*queue.Service, error) {
	env, err := loadEnv()
	if err != nil {
		return nil, err
	}
	store, err := newStorage(ctx, config.StorageEnvFromEnv(env))
	if err != nil {
		return nil, err
	}
	return newQueue(store), nil
}

func queueAdd(ctx context.Context, project, spec, model, strategy string) error {
	q, err := openQueue(ctx)
	if err != nil {
		return err
	}
	e, err := q.Enqueue(ctx, queue.Entry{
		ProjectPath: project,
		SpecID:      spec,
		Model:       model,
		GitStrategy: strategy,
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s %s at position %d (%s)\n", color.GreenString("queued"), e.SpecID, e.Position, e.ID)
	return nil
}

func queueList(ctx context.Context) error {
	q, err := openQueue(ctx)
	if err != nil {
		return err
	}
	entries, err := q.List(ctx)
	if err != nil {
		return err
	}
	state, err := q.State(ctx)
	if err != nil {
		return err
	}
	run := color.YellowString("stopped")
	if state.Running {
		run = color.GreenString("running")
	}
	fmt.Println("queue", run)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "POS\tSTATUS\tSPEC\tPROJECT\tMODEL\tID")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", e.Position, e.Status, e.SpecID, e.ProjectPath, e.Model, e.ID)
	}
	return w.Flush()
}
