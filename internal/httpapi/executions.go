package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/storyguild/internal/engine"
	"github.com/kazz187/storyguild/internal/execution"
	"github.com/kazz187/storyguild/pkg/cerr"
)

type startExecutionRequest struct {
	ClientID    string `json:"client_id"`
	CommandID   string `json:"command_id"`
	ProjectPath string `json:"project_path"`
	Argument    string `json:"argument"`
	Model       string `json:"model"`
	Name        string `json:"name"`
	SpecID      string `json:"spec_id"`
	StoryID     string `json:"story_id"`
	AutoMode    bool   `json:"auto_mode"`
	GitStrategy string `json:"git_strategy"`
	WorkDir     string `json:"work_dir"`
}

func (s *Server) startExecution(w http.ResponseWriter, r *http.Request) {
	var req startExecutionRequest
	if !decode(r, &req) {
		return
	}
	id, err := s.deps.Engine.StartExecution(r.Context(), clientID(r, req.ClientID), req.CommandID, req.ProjectPath, engine.Params{
		Argument:    req.Argument,
		Model:       req.Model,
		Name:        req.Name,
		SpecID:      req.SpecID,
		StoryID:     req.StoryID,
		AutoMode:    req.AutoMode,
		GitStrategy: execution.GitStrategy(req.GitStrategy),
		WorkDir:     req.WorkDir,
	})
	respondID(r, id, err)
}

type startStoryRequest struct {
	ClientID    string `json:"client_id"`
	ProjectPath string `json:"project_path"`
	SpecID      string `json:"spec_id"`
	StoryID     string `json:"story_id"`
	GitStrategy string `json:"git_strategy"`
	Model       string `json:"model"`
	AutoMode    bool   `json:"auto_mode"`
}

func (s *Server) startStory(w http.ResponseWriter, r *http.Request) {
	var req startStoryRequest
	if !decode(r, &req) {
		return
	}
	id, err := s.deps.Engine.StartStoryExecution(r.Context(), engine.StoryRequest{
		ClientID:    clientID(r, req.ClientID),
		ProjectPath: req.ProjectPath,
		SpecID:      req.SpecID,
		StoryID:     req.StoryID,
		GitStrategy: execution.GitStrategy(req.GitStrategy),
		Model:       req.Model,
		AutoMode:    req.AutoMode,
	})
	respondID(r, id, err)
}

type startBacklogStoryRequest struct {
	ClientID    string `json:"client_id"`
	ProjectPath string `json:"project_path"`
	StoryID     string `json:"story_id"`
	Model       string `json:"model"`
}

func (s *Server) startBacklogStory(w http.ResponseWriter, r *http.Request) {
	var req startBacklogStoryRequest
	if !decode(r, &req) {
		return
	}
	id, err := s.deps.Engine.StartBacklogStoryExecution(r.Context(), clientID(r, req.ClientID), req.ProjectPath, req.StoryID, req.Model)
	respondID(r, id, err)
}

type startTerminalRequest struct {
	ClientID    string `json:"client_id"`
	ProjectPath string `json:"project_path"`
	CommandID   string `json:"command_id"`
	Argument    string `json:"argument"`
	Model       string `json:"model"`
	SpecID      string `json:"spec_id"`
	StoryID     string `json:"story_id"`
	GitStrategy string `json:"git_strategy"`
	AutoMode    bool   `json:"auto_mode"`
	Rows        uint16 `json:"rows"`
	Cols        uint16 `json:"cols"`
}

func (s *Server) startTerminal(w http.ResponseWriter, r *http.Request) {
	var req startTerminalRequest
	if !decode(r, &req) {
		return
	}
	id, err := s.deps.Engine.StartTerminalExecution(r.Context(), engine.TerminalRequest{
		ClientID:    clientID(r, req.ClientID),
		ProjectPath: req.ProjectPath,
		CommandID:   req.CommandID,
		Argument:    req.Argument,
		Model:       req.Model,
		SpecID:      req.SpecID,
		StoryID:     req.StoryID,
		GitStrategy: execution.GitStrategy(req.GitStrategy),
		AutoMode:    req.AutoMode,
		Rows:        req.Rows,
		Cols:        req.Cols,
	})
	respondID(r, id, err)
}

func respondID(r *http.Request, id string, err error) {
	if err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	cerr.SetJSONResponse(r.Context(), idResponse{ID: id})
}

type listExecutionsResponse struct {
	Executions []executionView `json:"executions"`
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	all, err := s.deps.Engine.Executions(r.Context())
	if err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	project := r.URL.Query().Get("project_path")
	status := r.URL.Query().Get("status")
	views := make([]executionView, 0, len(all))
	for _, ex := range all {
		if project != "" && ex.ProjectPath != project {
			continue
		}
		if status != "" && string(ex.Status) != status {
			continue
		}
		views = append(views, newExecutionView(ex, false))
	}
	cerr.SetJSONResponse(r.Context(), listExecutionsResponse{Executions: views})
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	ex, err := s.deps.Engine.Execution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	cerr.SetJSONResponse(r.Context(), newExecutionView(ex, true))
}

// accepted runs a state-dependent operation. An unknown id is NotFound; a
// rejected operation on a known one is FailedPrecondition.
func (s *Server) accepted(r *http.Request, what string, op func(ctx context.Context, id string) bool) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Engine.Execution(ctx, id); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if !op(ctx, id) {
		cerr.SetNewJSONError(ctx, cerr.FailedPrecondition, what+" rejected in the current state", nil)
		return
	}
	cerr.SetJSONResponse(ctx, okResponse{OK: true})
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	s.accepted(r, "cancel", s.deps.Engine.CancelExecution)
}

func (s *Server) retryExecution(w http.ResponseWriter, r *http.Request) {
	s.accepted(r, "retry", s.deps.Engine.RetryExecution)
}

type submitAnswerRequest struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

func (s *Server) submitAnswer(w http.ResponseWriter, r *http.Request) {
	var req submitAnswerRequest
	if !decode(r, &req) {
		return
	}
	if req.QuestionID == "" {
		cerr.SetNewJSONError(r.Context(), cerr.InvalidArgument, "question_id is required", nil)
		return
	}
	s.accepted(r, "answer", func(ctx context.Context, id string) bool {
		return s.deps.Engine.SubmitAnswer(ctx, id, req.QuestionID, req.Answer)
	})
}

type submitAnswerBatchRequest struct {
	BatchID string            `json:"batch_id"`
	Answers map[string]string `json:"answers"`
}

func (s *Server) submitAnswerBatch(w http.ResponseWriter, r *http.Request) {
	var req submitAnswerBatchRequest
	if !decode(r, &req) {
		return
	}
	if req.BatchID == "" {
		cerr.SetNewJSONError(r.Context(), cerr.InvalidArgument, "batch_id is required", nil)
		return
	}
	s.accepted(r, "answers", func(ctx context.Context, id string) bool {
		return s.deps.Engine.SubmitAnswerBatch(ctx, id, req.BatchID, req.Answers)
	})
}

type terminalInputRequest struct {
	Data string `json:"data"`
}

func (s *Server) writeTerminalInput(w http.ResponseWriter, r *http.Request) {
	var req terminalInputRequest
	if !decode(r, &req) {
		return
	}
	if err := s.deps.Engine.WriteTerminalInput(r.Context(), chi.URLParam(r, "id"), []byte(req.Data)); err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	cerr.SetJSONResponse(r.Context(), okResponse{OK: true})
}

type terminalResizeRequest struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

func (s *Server) resizeTerminal(w http.ResponseWriter, r *http.Request) {
	var req terminalResizeRequest
	if !decode(r, &req) {
		return
	}
	if err := s.deps.Engine.ResizeTerminal(r.Context(), chi.URLParam(r, "id"), req.Rows, req.Cols); err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	cerr.SetJSONResponse(r.Context(), okResponse{OK: true})
}
