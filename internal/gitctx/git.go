// Package gitctx prepares the git working context a spec's stories run in.
package gitctx

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kazz187/storyguild/pkg/cerr"
)

// Git is the porcelain the engine needs.
type Git interface {
	CurrentBranch(ctx context.Context, dir string) (string, error)
	IsWorkingTreeClean(ctx context.Context, dir string) (bool, error)
	CommitAll(ctx context.Context, dir, message string) error
	CreateOrCheckoutBranch(ctx context.Context, dir, branch string) error
	AddWorktree(ctx context.Context, repoDir, path, branch string) error
	WorktreeExists(ctx context.Context, repoDir, path string) (bool, error)
	PushBranch(ctx context.Context, dir, branch string) error
	CreatePullRequest(ctx context.Context, dir string, pr PullRequest) (string, error)
	CheckoutMain(ctx context.Context, dir string) error
}

type PullRequest struct {
	Branch string
	Base   string
	Title  string
	Body   string
}

// ExecGit runs the git and gh binaries.
type ExecGit struct {
	// MainBranch overrides detection of the default branch.
	MainBranch string
	Remote     string
}

func NewExecGit(mainBranch string) *ExecGit {
	return &ExecGit{MainBranch: mainBranch, Remote: "origin"}
}

func run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return "", fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (g *ExecGit) git(ctx context.Context, dir string, args ...string) (string, error) {
	return run(ctx, dir, "git", args...)
}

func (g *ExecGit) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return g.git(ctx, dir, "branch", "--show-current")
}

func (g *ExecGit) IsWorkingTreeClean(ctx context.Context, dir string) (bool, error) {
	out, err := g.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out == "", nil
}

func (g *ExecGit) CommitAll(ctx context.Context, dir, message string) error {
	if _, err := g.git(ctx, dir, "add", "-A"); err != nil {
		return err
	}
	_, err := g.git(ctx, dir, "commit", "-m", message)
	return err
}

func (g *ExecGit) branchExists(ctx context.Context, dir, branch string) bool {
	_, err := g.git(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func (g *ExecGit) CreateOrCheckoutBranch(ctx context.Context, dir, branch string) error {
	if g.branchExists(ctx, dir, branch) {
		_, err := g.git(ctx, dir, "checkout", branch)
		return err
	}
	_, err := g.git(ctx, dir, "checkout", "-b", branch)
	return err
}

func (g *ExecGit) AddWorktree(ctx context.Context, repoDir, path, branch string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create worktrees directory: %w", err)
	}
	if g.branchExists(ctx, repoDir, branch) {
		_, err := g.git(ctx, repoDir, "worktree", "add", path, branch)
		return err
	}
	_, err := g.git(ctx, repoDir, "worktree", "add", "-b", branch, path)
	return err
}

// WorktreeExists reports whether path is a registered worktree of repoDir
// that is still present on disk.
func (g *ExecGit) WorktreeExists(ctx context.Context, repoDir, path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		return false, nil
	}
	out, err := g.git(ctx, repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return false, err
	}
	want := canonical(path)
	for _, line := range strings.Split(out, "\n") {
		if p, ok := strings.CutPrefix(line, "worktree "); ok && canonical(p) == want {
			return true, nil
		}
	}
	return false, nil
}

func canonical(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	return filepath.Clean(p)
}

func (g *ExecGit) PushBranch(ctx context.Context, dir, branch string) error {
	_, err := g.git(ctx, dir, "push", "-u", g.Remote, branch)
	return err
}

func (g *ExecGit) CreatePullRequest(ctx context.Context, dir string, pr PullRequest) (string, error) {
	base := pr.Base
	if base == "" {
		base = g.mainBranch(ctx, dir)
	}
	out, err := run(ctx, dir, "gh", "pr", "create",
		"--head", pr.Branch, "--base", base, "--title", pr.Title, "--body", pr.Body)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return "", cerr.NewError(cerr.AlreadyExists, "pull request already exists", err)
		}
		return "", err
	}
	return out, nil
}

func (g *ExecGit) mainBranch(ctx context.Context, dir string) string {
	if g.MainBranch != "" {
		return g.MainBranch
	}
	if ref, err := g.git(ctx, dir, "symbolic-ref", "--short", "refs/remotes/"+g.Remote+"/HEAD"); err == nil {
		if _, b, ok := strings.Cut(ref, "/"); ok && b != "" {
			return b
		}
	}
	if g.branchExists(ctx, dir, "main") {
		return "main"
	}
	if g.branchExists(ctx, dir, "master") {
		return "master"
	}
	return "main"
}

func (g *ExecGit) CheckoutMain(ctx context.Context, dir string) error {
	_, err := g.git(ctx, dir, "checkout", g.mainBranch(ctx, dir))
	return err
}
