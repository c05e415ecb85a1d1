package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
)

var version = "dev"

var (
	app     = kingpin.New("storyguild", "Runs coding agents through the stories of a spec board")
	noColor = app.Flag("no-color", "Disable coloured output").Bool()

	serveCmd = app.Command("serve", "Start the HTTP API and the execution engine").Default()

	runStoryCmd      = app.Command("run-story", "Run one story in the foreground and answer its questions on the terminal")
	runStoryProject  = runStoryCmd.Arg("project", "Project path").Required().ExistingDir()
	runStorySpec     = runStoryCmd.Arg("spec", "Spec id").Required().String()
	runStoryStory    = runStoryCmd.Arg("story", "Story id").Required().String()
	runStoryModel    = runStoryCmd.Flag("model", "Model to run the story with").String()
	runStoryStrategy = runStoryCmd.Flag("git-strategy", "branch, worktree or current-branch").Enum("branch", "worktree", "current-branch")
	runStoryAuto     = runStoryCmd.Flag("auto", "Continue with the next eligible story when this one completes").Short('a').Bool()

	queueCmd         = app.Command("queue", "Manage the spec queue")
	queueAddCmd      = queueCmd.Command("add", "Append a spec to the queue")
	queueAddProject  = queueAddCmd.Arg("project", "Project path").Required().ExistingDir()
	queueAddSpec     = queueAddCmd.Arg("spec", "Spec id").Required().String()
	queueAddModel    = queueAddCmd.Flag("model", "Model for the spec's stories").String()
	queueAddStrategy = queueAddCmd.Flag("git-strategy", "branch, worktree or current-branch").Enum("branch", "worktree", "current-branch")
	queueListCmd     = queueCmd.Command("list", "Show the queue")

	versionCmd = app.Command("version", "Print the version")
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))
	if *noColor {
		color.NoColor = true
	}

	if command == versionCmd.FullCommand() {
		fmt.Println(version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch command {
	case serveCmd.FullCommand():
		err = serve(ctx)
	case runStoryCmd.FullCommand():
		err = runStory(ctx, runStoryOptions{
			project:  *runStoryProject,
			spec:     *runStorySpec,
			story:    *runStoryStory,
			model:    *runStoryModel,
			strategy: *runStoryStrategy,
			auto:     *runStoryAuto,
		})
	case queueAddCmd.FullCommand():
		err = queueAdd(ctx, *queueAddProject, *queueAddSpec, *queueAddModel, *queueAddStrategy)
	case queueListCmd.FullCommand():
		err = queueList(ctx)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}
