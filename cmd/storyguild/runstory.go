package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/kazz187/storyguild/internal/engine"
	"github.com/kazz187/storyguild/internal/execution"
	"github.com/kazz187/storyguild/internal/notify"
	"github.com/kazz187/storyguild/internal/question"
)

// settleTime is how long run-story waits after a completed story for the
// engine to start the next one.
const settleTime = 10 * time.Second

type runStoryOptions struct {
	project  string
	spec     string
	story    string
	model    string
	strategy string
	auto     bool
}

func runStory(ctx context.Context, opts runStoryOptions) error {
	env, err := loadEnv()
	if err != nil {
		return err
	}
	c, err := wire(ctx, env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = c.engine.Run(ctx)
	}()
	defer func() {
		cancel()
		<-runDone
	}()

	subID, events := c.bus.Subscribe(1024)
	defer c.bus.Unsubscribe(subID)

	id, err := c.engine.StartStoryExecution(ctx, engine.StoryRequest{
		ProjectPath: opts.project,
		SpecID:      opts.spec,
		StoryID:     opts.story,
		GitStrategy: execution.GitStrategy(opts.strategy),
		Model:       opts.model,
		AutoMode:    opts.auto,
	})
	if err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          color.CyanString("> "),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	f := &follower{
		current:  id,
		auto:     opts.auto,
		out:      rl.Stdout(),
		readLine: rl.Readline,
	}
	return f.follow(ctx, c.engine, events)
}

// follower prints the notifications of one chain of executions and answers
// its questions from the terminal.
type follower struct {
	current string
	auto    bool
	failed  bool
	out     io.Writer
	// readLine blocks for one line of operator input.
	readLine func() (string, error)
}

func (f *follower) follow(ctx context.Context, eng *engine.Engine, events <-chan *notify.Notification) error {
	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			eng.CancelExecution(context.Background(), f.current)
			return ctx.Err()
		case <-settle:
			return nil
		case n, ok := <-events:
			if !ok {
				return nil
			}
			if line := render(n); line != "" {
				fmt.Fprintln(f.out, line)
			}
			done, err := f.handle(ctx, eng, n)
			if err != nil || done {
				if err == nil && f.failed {
					err = fmt.Errorf("execution %s did not complete", f.current)
				}
				return err
			}
			if n.Kind == notify.KindCompleted && n.ExecutionID == f.current {
				settle = time.After(settleTime)
			}
			if n.Kind == notify.KindNextUnitStarting {
				settle = nil
			}
		}
	}
}

// handle reports whether the chain has ended.
func (f *follower) handle(ctx context.Context, eng *engine.Engine, n *notify.Notification) (bool, error) {
	switch n.Kind {
	case notify.KindQuestionBatch:
		if n.ExecutionID != f.current || n.Batch == nil {
			return false, nil
		}
		answers, err := f.ask(n.Batch)
		if err != nil {
			return false, err
		}
		if !eng.SubmitAnswerBatch(ctx, n.ExecutionID, n.Batch.ID, answers) {
			fmt.Fprintln(f.out, color.YellowString("answers were not accepted"))
		}
	case notify.KindNextUnitStarting:
		if n.NextExecutionID != "" {
			f.current = n.NextExecutionID
		}
	case notify.KindCompleted:
		if n.ExecutionID != f.current {
			return false, nil
		}
		if execution.Status(n.Status) != execution.StatusCompleted {
			f.failed = true
			return true, nil
		}
		return !f.auto, nil
	case notify.KindSpecComplete, notify.KindQueueComplete, notify.KindLoopDetected, notify.KindContinuationHalted:
		return true, nil
	}
	return false, nil
}

func (f *follower) ask(b *question.Batch) (map[string]string, error) {
	answers := make(map[string]string, len(b.Items))
	for _, it := range b.Items {
		if it.Header != "" {
			fmt.Fprintln(f.out, color.New(color.Bold).Sprint(it.Header))
		}
		fmt.Fprintln(f.out, it.Question)
		for i, o := range it.Options {
			fmt.Fprintf(f.out, "  %d) %s\n", i+1, o.Label)
		}
		line, err := f.readLine()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil, errors.New("answer cancelled")
			}
			return nil, fmt.Errorf("failed to read answer: %w", err)
		}
		answers[it.ID] = chooseOption(it, strings.TrimSpace(line))
	}
	return answers, nil
}

// chooseOption maps a typed option number to its label.
func chooseOption(it question.Item, typed string) string {
	var n int
	if _, err := fmt.Sscanf(typed, "%d", &n); err == nil && fmt.Sprint(n) == typed && n >= 1 && n <= len(it.Options) {
		return it.Options[n-1].Label
	}
	return typed
}

func render(n *notify.Notification) string {
	switch n.Kind {
	case notify.KindStarted:
		return color.GreenString("▶ started %s", n.Text)
	case notify.KindMessage:
		return n.Text
	case notify.KindProgress:
		return color.New(color.Faint).Sprint(n.Text)
	case notify.KindToolInvoked:
		return color.BlueString("⚙ %s", firstNonEmpty(n.Text, n.Tool))
	case notify.KindQuestionReminder:
		return color.YellowString("… %s", n.Text)
	case notify.KindCompleted:
		switch execution.Status(n.Status) {
		case execution.StatusCompleted:
			return color.GreenString("✔ completed")
		case execution.StatusCancelled:
			return color.YellowString("■ cancelled")
		default:
			return color.RedString("✘ %s: %s", n.Status, n.Error)
		}
	case notify.KindNextUnitStarting:
		return color.MagentaString("→ next story %s (%s)", n.StoryID, n.Text)
	case notify.KindSpecComplete:
		return color.GreenString("★ spec complete: %s", firstNonEmpty(n.Text, n.SpecID))
	case notify.KindLoopDetected:
		return color.RedString("↻ auto-continuation stopped: %s", n.Error)
	case notify.KindContinuationHalted:
		return color.RedString("auto-continuation halted: %s", n.Error)
	case notify.KindGitWarning:
		return color.YellowString("git: %s", n.Text)
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
