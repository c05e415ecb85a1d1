package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/storyguild/internal/archive"
	"github.com/kazz187/storyguild/internal/queue"
	"github.com/kazz187/storyguild/pkg/cerr"
)

type listQueueResponse struct {
	Entries []*queue.Entry `json:"entries"`
	State   *queue.State   `json:"state"`
}

func (s *Server) queue(r *http.Request) Queue {
	if s.deps.Queue == nil {
		cerr.SetNewJSONError(r.Context(), cerr.FailedPrecondition, "queue is not configured", nil)
	}
	return s.deps.Queue
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	q := s.queue(r)
	if q == nil {
		return
	}
	ctx := r.Context()
	entries, err := q.List(ctx)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	state, err := q.State(ctx)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if entries == nil {
		entries = []*queue.Entry{}
	}
	cerr.SetJSONResponse(ctx, listQueueResponse{Entries: entries, State: state})
}

type enqueueRequest struct {
	ProjectPath string `json:"project_path"`
	SpecID      string `json:"spec_id"`
	Model       string `json:"model"`
	GitStrategy string `json:"git_strategy"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	q := s.queue(r)
	if q == nil {
		return
	}
	var req enqueueRequest
	if !decode(r, &req) {
		return
	}
	entry, err := q.Enqueue(r.Context(), queue.Entry{
		ProjectPath: req.ProjectPath,
		SpecID:      req.SpecID,
		Model:       req.Model,
		GitStrategy: req.GitStrategy,
	})
	if err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	cerr.SetJSONResponse(r.Context(), entry)
}

func (s *Server) removeQueueEntry(w http.ResponseWriter, r *http.Request) {
	q := s.queue(r)
	if q == nil {
		return
	}
	if err := q.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	cerr.SetJSONResponse(r.Context(), okResponse{OK: true})
}

type startQueueRequest struct {
	ClientID string `json:"client_id"`
}

type startQueueResponse struct {
	// ExecutionID is empty when the queue had nothing to start.
	ExecutionID string `json:"execution_id"`
}

func (s *Server) startQueue(w http.ResponseWriter, r *http.Request) {
	var req startQueueRequest
	if !decode(r, &req) {
		return
	}
	id, err := s.deps.Engine.StartQueue(r.Context(), clientID(r, req.ClientID))
	if err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	cerr.SetJSONResponse(r.Context(), startQueueResponse{ExecutionID: id})
}

func (s *Server) stopQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.StopQueue(r.Context()); err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	cerr.SetJSONResponse(r.Context(), okResponse{OK: true})
}

type listArchiveResponse struct {
	Records []*archive.Record `json:"records"`
}

func (s *Server) listArchive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.deps.Archive == nil {
		cerr.SetNewJSONError(ctx, cerr.FailedPrecondition, "archive is not configured", nil)
		return
	}
	opts := archive.ListOptions{
		ProjectPath: r.URL.Query().Get("project_path"),
		SpecID:      r.URL.Query().Get("spec_id"),
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "limit must be a non-negative integer", err)
			return
		}
		opts.Limit = n
	}
	records, err := s.deps.Archive.List(ctx, opts)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	for _, rec := range records {
		rec.Output = nil
	}
	if records == nil {
		records = []*archive.Record{}
	}
	cerr.SetJSONResponse(ctx, listArchiveResponse{Records: records})
}

func (s *Server) getArchive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.deps.Archive == nil {
		cerr.SetNewJSONError(ctx, cerr.FailedPrecondition, "archive is not configured", nil)
		return
	}
	rec, err := s.deps.Archive.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, rec)
}
