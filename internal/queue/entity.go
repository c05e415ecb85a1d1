// Package queue keeps the ordered cross-spec worklist that drives
// continuation once a spec is exhausted.
package queue

import "time"

type EntryStatus string

const (
	EntryPending EntryStatus = "pending"
	EntryRunning EntryStatus = "running"
	EntryDone    EntryStatus = "done"
)

type Entry struct {
	ID          string      `yaml:"id" json:"id"`
	Position    int         `yaml:"position" json:"position"`
	ProjectPath string      `yaml:"project_path" json:"project_path"`
	SpecID      string      `yaml:"spec_id" json:"spec_id"`
	Model       string      `yaml:"model,omitempty" json:"model,omitempty"`
	GitStrategy string      `yaml:"git_strategy,omitempty" json:"git_strategy,omitempty"`
	Status      EntryStatus `yaml:"status" json:"status"`
	CreatedAt   time.Time   `yaml:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `yaml:"updated_at" json:"updated_at"`
}

// State is the run state of the queue.
type State struct {
	Running bool   `yaml:"running" json:"running"`
	Current string `yaml:"current,omitempty" json:"current,omitempty"`
	// ClientID is the client that started the run.
	ClientID  string    `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
}
