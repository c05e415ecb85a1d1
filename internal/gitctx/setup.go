package gitctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/kazz187/storyguild/internal/execution"
	"github.com/kazz187/storyguild/internal/kanban"
	"github.com/kazz187/storyguild/pkg/clog"
)

// Recorder persists the resolved git context of a spec.
type Recorder interface {
	RecordGitContext(ctx context.Context, projectPath, specID string, g kanban.GitContext) error
}

// sharedConfigFiles are linked into worktrees so tools discover the same
// metadata server as the main tree.
var sharedConfigFiles = []string{
	".mcp.json",
	filepath.Join(".claude", "settings.local.json"),
}

type Request struct {
	ProjectPath string
	SpecID      string
	Title       string
	Strategy    execution.GitStrategy
	// Branch is the branch already recorded for the spec. When set it is
	// used as is and no new name is derived.
	Branch string
}

type Result struct {
	Strategy     execution.GitStrategy
	Branch       string
	WorktreePath string
	// WorkDir is where the agent runs.
	WorkDir string
	// Warnings are degradations that did not stop the setup.
	Warnings []string
}

func (r *Result) warn(ctx context.Context, msg string, err error) {
	slog.WarnContext(ctx, msg, "error", err)
	r.Warnings = append(r.Warnings, fmt.Sprintf("%s: %v", msg, err))
}

type Setup struct {
	git        Git
	recorder   Recorder
	translator Translator
	metaDir    string

	mu sync.Mutex
	// branches holds the name derived for each spec, keyed by worktree path.
	branches map[string]string
}

func NewSetup(git Git, recorder Recorder, translator Translator, metaDir string) *Setup {
	return &Setup{
		git:        git,
		recorder:   recorder,
		translator: translator,
		metaDir:    metaDir,
		branches:   make(map[string]string),
	}
}

// WorktreePath is <parent>/<project>-worktrees/<specId>.
func WorktreePath(projectPath, specID string) string {
	projectPath = filepath.Clean(projectPath)
	return filepath.Join(filepath.Dir(projectPath), filepath.Base(projectPath)+"-worktrees", specID)
}

// Ensure resolves the strategy the spec runs under and prepares it. A
// worktree already on disk wins over the requested strategy. Git failures
// degrade the strategy and are reported as warnings; only an invalid
// request or a cancelled context is an error.
func (s *Setup) Ensure(ctx context.Context, req Request) (Result, error) {
	if req.ProjectPath == "" || req.SpecID == "" {
		return Result{}, errors.New("project path and spec id are required")
	}
	if req.Strategy == "" {
		req.Strategy = execution.GitStrategyCurrentBranch
	}
	if !req.Strategy.Valid() {
		return Result{}, fmt.Errorf("unknown git strategy %q", req.Strategy)
	}
	ctx = clog.WithExecution(ctx, "", req.SpecID, "")

	var res Result
	wtPath := WorktreePath(req.ProjectPath, req.SpecID)
	exists, err := s.git.WorktreeExists(ctx, req.ProjectPath, wtPath)
	if err != nil {
		res.warn(ctx, "failed to inspect worktrees", err)
	}

	switch {
	case exists:
		res = s.reuseWorktree(ctx, req, wtPath, res)
	case req.Strategy == execution.GitStrategyWorktree:
		res = s.createWorktree(ctx, req, wtPath, res)
	case req.Strategy == execution.GitStrategyBranch:
		res = s.checkoutBranch(ctx, req, res)
	default:
		res = s.currentBranch(ctx, req, res)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if s.recorder != nil {
		g := kanban.GitContext{Strategy: string(res.Strategy), Branch: res.Branch, WorktreePath: res.WorktreePath}
		if err := s.recorder.RecordGitContext(ctx, req.ProjectPath, req.SpecID, g); err != nil {
			res.warn(ctx, "failed to record git context", err)
		}
	}
	slog.InfoContext(ctx, "git context ready",
		"strategy", res.Strategy, "branch", res.Branch, "work_dir", res.WorkDir)
	return res, nil
}

// branchFor returns the recorded branch, deriving a name only for a spec
// that has none yet. A derived name is kept so the translator is asked at
// most once per spec.
func (s *Setup) branchFor(ctx context.Context, req Request) string {
	if req.Branch != "" {
		return req.Branch
	}
	key := WorktreePath(req.ProjectPath, req.SpecID)
	s.mu.Lock()
	branch, ok := s.branches[key]
	s.mu.Unlock()
	if ok {
		return branch
	}
	branch = BranchName(ctx, req.SpecID, req.Title, req.ProjectPath, s.translator)
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.branches[key]; ok {
		return prev
	}
	s.branches[key] = branch
	return branch
}

func (s *Setup) reuseWorktree(ctx context.Context, req Request, wtPath string, res Result) Result {
	res.Strategy = execution.GitStrategyWorktree
	res.WorktreePath = wtPath
	res.WorkDir = wtPath
	branch, err := s.git.CurrentBranch(ctx, wtPath)
	if err != nil || branch == "" {
		branch = s.branchFor(ctx, req)
	}
	res.Branch = branch
	if err := s.linkShared(req.ProjectPath, wtPath); err != nil {
		res.warn(ctx, "failed to link metadata into worktree", err)
	}
	return res
}

func (s *Setup) createWorktree(ctx context.Context, req Request, wtPath string, res Result) Result {
	branch := s.branchFor(ctx, req)

	clean, err := s.git.IsWorkingTreeClean(ctx, req.ProjectPath)
	if err == nil && !clean {
		msg := fmt.Sprintf("storyguild: snapshot before worktree for %s", req.SpecID)
		err = s.git.CommitAll(ctx, req.ProjectPath, msg)
	}
	if err == nil {
		err = s.git.AddWorktree(ctx, req.ProjectPath, wtPath, branch)
	}
	if err != nil {
		res.warn(ctx, "worktree setup failed, falling back to branch", err)
		return s.checkoutBranch(ctx, req, res)
	}

	res.Strategy = execution.GitStrategyWorktree
	res.Branch = branch
	res.WorktreePath = wtPath
	res.WorkDir = wtPath
	if err := s.linkShared(req.ProjectPath, wtPath); err != nil {
		res.warn(ctx, "failed to link metadata into worktree", err)
	}
	return res
}

func (s *Setup) checkoutBranch(ctx context.Context, req Request, res Result) Result {
	branch := s.branchFor(ctx, req)
	if err := s.git.CreateOrCheckoutBranch(ctx, req.ProjectPath, branch); err != nil {
		res.warn(ctx, "branch checkout failed, staying on current branch", err)
		return s.currentBranch(ctx, req, res)
	}
	res.Strategy = execution.GitStrategyBranch
	res.Branch = branch
	res.WorkDir = req.ProjectPath
	return res
}

func (s *Setup) currentBranch(ctx context.Context, req Request, res Result) Result {
	branch, err := s.git.CurrentBranch(ctx, req.ProjectPath)
	if err != nil {
		res.warn(ctx, "failed to read current branch", err)
	}
	res.Strategy = execution.GitStrategyCurrentBranch
	res.Branch = branch
	res.WorktreePath = ""
	res.WorkDir = req.ProjectPath
	return res
}

// linkShared points the worktree's specs directory at the main tree, so
// every execution mutates one board, and links shared tool configuration.
func (s *Setup) linkShared(projectPath, wtPath string) error {
	mainSpecs := filepath.Join(projectPath, s.metaDir, "specs")
	wtSpecs := filepath.Join(wtPath, s.metaDir, "specs")
	if err := replaceWithSymlink(mainSpecs, wtSpecs); err != nil {
		return err
	}
	for _, name := range sharedConfigFiles {
		src := filepath.Join(projectPath, name)
		dst := filepath.Join(wtPath, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if _, err := os.Lstat(dst); err == nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			continue
		}
		_ = os.Symlink(src, dst)
	}
	return nil
}

// replaceWithSymlink makes link point at target, replacing the checked-out
// copy a worktree starts with.
func replaceWithSymlink(target, link string) error {
	if dest, err := os.Readlink(link); err == nil && dest == target {
		return nil
	}
	if err := os.RemoveAll(link); err != nil {
		return fmt.Errorf("failed to remove %s: %w", link, err)
	}
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(link), err)
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("failed to link %s: %w", link, err)
	}
	return nil
}
