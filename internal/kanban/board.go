// Package kanban reads and writes the per-spec story board kept under the
// project's metadata directory.
package kanban

import (
	"fmt"
	"slices"

	"github.com/kazz187/storyguild/pkg/cerr"
)

type StoryStatus string

const (
	// StoryBacklog is parked: only an operator starts it.
	StoryBacklog StoryStatus = "backlog"
	// StoryBlocked waits for its depends_on stories.
	StoryBlocked    StoryStatus = "blocked"
	StoryReady      StoryStatus = "ready"
	StoryInProgress StoryStatus = "in_progress"
	StoryDone       StoryStatus = "done"
)

func (s StoryStatus) Valid() bool {
	switch s {
	case StoryBacklog, StoryBlocked, StoryReady, StoryInProgress, StoryDone:
		return true
	}
	return false
}

const (
	PhasePlanning  = "planning"
	PhaseGitSetup  = "git_setup"
	PhaseExecution = "execution"
	PhaseComplete  = "complete"
)

// GitContext is the resolved git strategy of a spec.
type GitContext struct {
	Strategy     string `yaml:"strategy"`
	Branch       string `yaml:"branch,omitempty"`
	WorktreePath string `yaml:"worktree_path,omitempty"`
}

type Story struct {
	ID        string      `yaml:"id"`
	Title     string      `yaml:"title,omitempty"`
	Status    StoryStatus `yaml:"status"`
	DependsOn []string    `yaml:"depends_on,omitempty"`
	Model     string      `yaml:"model,omitempty"`

	// Extra keeps fields written by other tools.
	Extra map[string]any `yaml:",inline"`
}

// Board is one spec's kanban.yaml.
type Board struct {
	SpecID    string          `yaml:"spec_id"`
	Title     string          `yaml:"title,omitempty"`
	Phase     string          `yaml:"phase,omitempty"`
	Phases    map[string]bool `yaml:"phases,omitempty"`
	Git       *GitContext     `yaml:"git,omitempty"`
	Completed bool            `yaml:"completed"`
	Stories   []Story         `yaml:"stories"`

	Extra map[string]any `yaml:",inline"`
}

// Validate reports a board that cannot be trusted as a DataLoss error.
func (b *Board) Validate(specID string) error {
	if b.SpecID == "" {
		return cerr.NewError(cerr.DataLoss, "board has no spec_id", nil)
	}
	if specID != "" && b.SpecID != specID {
		return cerr.NewError(cerr.DataLoss,
			fmt.Sprintf("board spec_id %q does not match %q", b.SpecID, specID), nil)
	}
	seen := make(map[string]bool, len(b.Stories))
	for _, s := range b.Stories {
		if s.ID == "" {
			return cerr.NewError(cerr.DataLoss, "board has a story without id", nil)
		}
		if seen[s.ID] {
			return cerr.NewError(cerr.DataLoss, fmt.Sprintf("duplicate story id %q", s.ID), nil)
		}
		seen[s.ID] = true
		if !s.Status.Valid() {
			return cerr.NewError(cerr.DataLoss,
				fmt.Sprintf("story %q has unknown status %q", s.ID, s.Status), nil)
		}
	}
	return nil
}

func (b *Board) Story(id string) *Story {
	for i := range b.Stories {
		if b.Stories[i].ID == id {
			return &b.Stories[i]
		}
	}
	return nil
}

// ResolvePrerequisites promotes blocked stories whose dependencies are all
// done to ready and returns their ids.
func (b *Board) ResolvePrerequisites() []string {
	done := make(map[string]bool)
	for _, s := range b.Stories {
		if s.Status == StoryDone {
			done[s.ID] = true
		}
	}
	var promoted []string
	for i := range b.Stories {
		s := &b.Stories[i]
		if s.Status != StoryBlocked {
			continue
		}
		if !slices.ContainsFunc(s.DependsOn, func(dep string) bool { return !done[dep] }) {
			s.Status = StoryReady
			promoted = append(promoted, s.ID)
		}
	}
	return promoted
}

// NextEligible is the first ready story in board order.
func (b *Board) NextEligible() *Story {
	for i := range b.Stories {
		if b.Stories[i].Status == StoryReady {
			return &b.Stories[i]
		}
	}
	return nil
}

func (b *Board) HasBlocked() bool {
	return slices.ContainsFunc(b.Stories, func(s Story) bool { return s.Status == StoryBlocked })
}

func (b *Board) AllDone() bool {
	return !slices.ContainsFunc(b.Stories, func(s Story) bool { return s.Status != StoryDone })
}

// Settled reports that no story is waiting or running. Backlog stories are
// parked and do not keep a spec open.
func (b *Board) Settled() bool {
	return !slices.ContainsFunc(b.Stories, func(s Story) bool {
		return s.Status == StoryReady || s.Status == StoryBlocked || s.Status == StoryInProgress
	})
}

// AdvancePhase sets the marker for phase and makes it current.
func (b *Board) AdvancePhase(phase string) {
	if b.Phases == nil {
		b.Phases = make(map[string]bool)
	}
	b.Phases[phase] = true
	b.Phase = phase
}

func (b *Board) MarkComplete() {
	b.Completed = true
	b.AdvancePhase(PhaseComplete)
}

// Backlog is the project-wide list of stories outside any spec.
type Backlog struct {
	Stories []Story `yaml:"stories"`

	Extra map[string]any `yaml:",inline"`
}

func (b *Backlog) Story(id string) *Story {
	for i := range b.Stories {
		if b.Stories[i].ID == id {
			return &b.Stories[i]
		}
	}
	return nil
}
