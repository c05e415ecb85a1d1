package httpapi

import (
	"time"

	"github.com/kazz187/storyguild/internal/execution"
	"github.com/kazz187/storyguild/internal/question"
)

type executionView struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id,omitempty"`
	ClientID     string          `json:"client_id,omitempty"`
	Kind         string          `json:"kind"`
	CommandID    string          `json:"command_id"`
	Name         string          `json:"name"`
	ProjectPath  string          `json:"project_path"`
	WorkDir      string          `json:"work_dir"`
	Argument     string          `json:"argument,omitempty"`
	Model        string          `json:"model"`
	Status       string          `json:"status"`
	Error        string          `json:"error,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
	Attempt      int             `json:"attempt"`
	SpecID       string          `json:"spec_id,omitempty"`
	StoryID      string          `json:"story_id,omitempty"`
	BacklogStory bool            `json:"backlog_story,omitempty"`
	GitStrategy  string          `json:"git_strategy,omitempty"`
	Branch       string          `json:"branch,omitempty"`
	WorktreePath string          `json:"worktree_path,omitempty"`
	AutoMode     bool            `json:"auto_mode"`
	Questions    *question.Batch `json:"questions,omitempty"`
	Output       []string        `json:"output,omitempty"`
}

func newExecutionView(ex execution.Execution, withOutput bool) executionView {
	v := executionView{
		ID:           ex.ID,
		SessionID:    ex.SessionID,
		ClientID:     ex.ClientID,
		Kind:         string(ex.Kind),
		CommandID:    ex.CommandID,
		Name:         ex.Name,
		ProjectPath:  ex.ProjectPath,
		WorkDir:      ex.WorkDir,
		Argument:     ex.Argument,
		Model:        ex.Model,
		Status:       string(ex.Status),
		Error:        ex.Error,
		StartedAt:    ex.StartedAt,
		Attempt:      ex.Attempt,
		SpecID:       ex.SpecID,
		StoryID:      ex.StoryID,
		BacklogStory: ex.BacklogStory,
		GitStrategy:  string(ex.GitStrategy),
		Branch:       ex.Branch,
		WorktreePath: ex.WorktreePath,
		AutoMode:     ex.AutoMode,
	}
	if !ex.EndedAt.IsZero() {
		ended := ex.EndedAt
		v.EndedAt = &ended
	}
	if b := ex.Questions.Outstanding(); b != nil && len(b.Items) > 0 {
		v.Questions = b
	}
	if withOutput {
		v.Output = ex.Output
	}
	return v
}
