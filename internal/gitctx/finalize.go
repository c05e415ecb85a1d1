package gitctx

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kazz187/storyguild/internal/execution"
	"github.com/kazz187/storyguild/pkg/cerr"
	"github.com/kazz187/storyguild/pkg/clog"
)

type FinalizeRequest struct {
	ProjectPath  string
	SpecID       string
	Title        string
	Strategy     execution.GitStrategy
	Branch       string
	WorktreePath string
	// OpenPullRequest runs gh after the push.
	OpenPullRequest bool
}

type FinalizeResult struct {
	Pushed         bool
	PullRequestURL string
	Warnings       []string
}

// Finalize publishes a completed spec's branch. Nothing here fails the
// spec; every problem is returned as a warning.
func (s *Setup) Finalize(ctx context.Context, req FinalizeRequest) FinalizeResult {
	var res FinalizeResult
	if req.Strategy == execution.GitStrategyCurrentBranch || req.Strategy == "" || req.Branch == "" {
		return res
	}
	ctx = clog.WithExecution(ctx, "", req.SpecID, "")
	warn := func(msg string, err error) {
		slog.WarnContext(ctx, msg, "branch", req.Branch, "error", err)
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %v", msg, err))
	}

	dir := req.ProjectPath
	if req.Strategy == execution.GitStrategyWorktree && req.WorktreePath != "" {
		dir = req.WorktreePath
	}

	if err := s.git.PushBranch(ctx, dir, req.Branch); err != nil {
		warn("failed to push branch", err)
		return res
	}
	res.Pushed = true

	if req.OpenPullRequest {
		title := req.Title
		if title == "" {
			title = req.SpecID
		}
		url, err := s.git.CreatePullRequest(ctx, dir, PullRequest{
			Branch: req.Branch,
			Title:  title,
			Body:   fmt.Sprintf("All stories of spec %s are done.", req.SpecID),
		})
		switch {
		case cerr.IsCode(err, cerr.AlreadyExists):
			slog.InfoContext(ctx, "pull request already open", "branch", req.Branch)
		case err != nil:
			warn("failed to open pull request", err)
		default:
			res.PullRequestURL = url
		}
	}

	if req.Strategy == execution.GitStrategyBranch {
		clean, err := s.git.IsWorkingTreeClean(ctx, req.ProjectPath)
		switch {
		case err != nil:
			warn("failed to inspect working tree", err)
		case !clean:
			warn("working tree is dirty, staying on branch", fmt.Errorf("uncommitted changes in %s", req.ProjectPath))
		default:
			if err := s.git.CheckoutMain(ctx, req.ProjectPath); err != nil {
				warn("failed to checkout main", err)
			}
		}
	}
	return res
}
