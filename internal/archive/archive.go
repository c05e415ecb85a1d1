// Package archive keeps the transcripts of finished executions. The engine's
// store is in memory only; the archive is what survives a restart.
package archive

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/storyguild/internal/execution"
	"github.com/kazz187/storyguild/pkg/cerr"
	"github.com/kazz187/storyguild/pkg/storage"
)

const prefix = "executions"

// Record is the persisted form of an execution.
type Record struct {
	ID           string    `yaml:"id" json:"id"`
	SessionID    string    `yaml:"session_id,omitempty" json:"session_id,omitempty"`
	ClientID     string    `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	Kind         string    `yaml:"kind" json:"kind"`
	CommandID    string    `yaml:"command_id" json:"command_id"`
	Name         string    `yaml:"name,omitempty" json:"name,omitempty"`
	ProjectPath  string    `yaml:"project_path" json:"project_path"`
	WorkDir      string    `yaml:"work_dir,omitempty" json:"work_dir,omitempty"`
	Argument     string    `yaml:"argument,omitempty" json:"argument,omitempty"`
	Model        string    `yaml:"model,omitempty" json:"model,omitempty"`
	Status       string    `yaml:"status" json:"status"`
	Error        string    `yaml:"error,omitempty" json:"error,omitempty"`
	StartedAt    time.Time `yaml:"started_at" json:"started_at"`
	EndedAt      time.Time `yaml:"ended_at" json:"ended_at"`
	Attempts     int       `yaml:"attempts" json:"attempts"`
	SpecID       string    `yaml:"spec_id,omitempty" json:"spec_id,omitempty"`
	StoryID      string    `yaml:"story_id,omitempty" json:"story_id,omitempty"`
	BacklogStory bool      `yaml:"backlog_story,omitempty" json:"backlog_story,omitempty"`
	GitStrategy  string    `yaml:"git_strategy,omitempty" json:"git_strategy,omitempty"`
	Branch       string    `yaml:"branch,omitempty" json:"branch,omitempty"`
	WorktreePath string    `yaml:"worktree_path,omitempty" json:"worktree_path,omitempty"`
	AutoMode     bool      `yaml:"auto_mode,omitempty" json:"auto_mode,omitempty"`
	Output       []string  `yaml:"output" json:"output,omitempty"`
}

func NewRecord(e execution.Execution) *Record {
	return &Record{
		ID:           e.ID,
		SessionID:    e.SessionID,
		ClientID:     e.ClientID,
		Kind:         string(e.Kind),
		CommandID:    e.CommandID,
		Name:         e.Name,
		ProjectPath:  e.ProjectPath,
		WorkDir:      e.WorkDir,
		Argument:     e.Argument,
		Model:        e.Model,
		Status:       string(e.Status),
		Error:        e.Error,
		StartedAt:    e.StartedAt,
		EndedAt:      e.EndedAt,
		Attempts:     e.Attempt,
		SpecID:       e.SpecID,
		StoryID:      e.StoryID,
		BacklogStory: e.BacklogStory,
		GitStrategy:  string(e.GitStrategy),
		Branch:       e.Branch,
		WorktreePath: e.WorktreePath,
		AutoMode:     e.AutoMode,
		Output:       e.Output,
	}
}

type Store struct {
	storage storage.Storage
}

func NewStore(s storage.Storage) *Store {
	return &Store{storage: s}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", prefix, id)
}

// Save writes the execution's record, replacing an earlier one of the same
// execution (a retried execution is saved again when it ends).
func (s *Store) Save(ctx context.Context, e execution.Execution) error {
	if e.ID == "" {
		return cerr.NewError(cerr.InvalidArgument, "execution id is required", nil)
	}
	data, err := yaml.Marshal(NewRecord(e))
	if err != nil {
		return cerr.WrapMarshalError("execution record", err)
	}
	if err := s.storage.Write(ctx, path(e.ID), data); err != nil {
		return cerr.WrapStorageWriteError("execution record", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	data, err := s.storage.Read(ctx, path(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("execution record", err)
	}
	var r Record
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, cerr.WrapUnmarshalError("execution record", err)
	}
	return &r, nil
}

// ListOptions filters List. Zero values match everything.
type ListOptions struct {
	ProjectPath string
	SpecID      string
	Limit       int
}

// List returns records newest first. Unreadable records are skipped.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	paths, err := s.storage.List(ctx, prefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("execution records", err)
	}
	var records []*Record
	for _, p := range paths {
		data, err := s.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var r Record
		if err := yaml.Unmarshal(data, &r); err != nil {
			continue
		}
		if opts.ProjectPath != "" && r.ProjectPath != opts.ProjectPath {
			continue
		}
		if opts.SpecID != "" && r.SpecID != opts.SpecID {
			continue
		}
		records = append(records, &r)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].StartedAt.After(records[j].StartedAt)
		}
		return records[i].ID > records[j].ID
	})
	if opts.Limit > 0 && len(records) > opts.Limit {
		records = records[:opts.Limit]
	}
	return records, nil
}
