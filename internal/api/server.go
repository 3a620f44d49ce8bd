package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"bookshelf-worker/internal/models"
	"bookshelf-worker/internal/queue"
	"bookshelf-worker/internal/store"
	"bookshelf-worker/internal/telemetry"
)

// Server wires the producer and status-poll HTTP surface.
type Server struct {
	store *store.Store
	queue *queue.RedisQueue
}

// New constructs the API server.
func New(st *store.Store, q *queue.RedisQueue) *Server {
	return &Server{store: st, queue: q}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreate)
	r.Get("/jobs", s.handleList)
	r.Get("/jobs/{id}/status", s.handleStatus)
	return r
}

type createRequest struct {
	JobType string `json:"jobType"`
	OwnerID int64  `json:"ownerId"`
	BookID  *int64 `json:"bookId,omitempty"`
}

// handleCreate inserts a queued job row with a fresh external id, then
// enqueues the reference message. An enqueue failure marks the job failed so
// it never sits queued with no message behind it.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.JobType == "" {
		http.Error(w, "jobType is required", http.StatusBadRequest)
		return
	}

	job, err := s.store.AddJob(r.Context(), models.Job{
		ExternalID: uuid.NewString(),
		JobType:    req.JobType,
		OwnerID:    req.OwnerID,
		BookID:     req.BookID,
		Status:     models.StatusQueued,
	})
	if err != nil {
		http.Error(w, "create job failed", http.StatusInternalServerError)
		return
	}

	if err := s.queue.Enqueue(r.Context(), job.ExternalID); err != nil {
		_ = s.store.UpdateStatus(r.Context(), job.ID, models.StatusFailed, nil, "enqueue failed: "+err.Error())
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.JobsEnqueued.Inc()

	writeJSON(w, http.StatusAccepted, job)
}

type statusResponse struct {
	JobID    string  `json:"jobId"`
	Status   string  `json:"status"`
	Progress int     `json:"progress"`
	Error    *string `json:"error"`
}

// handleStatus is the polling surface: status, progress, and the last
// recorded failure message only. No internal detail leaks here.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok, err := s.store.GetByExternalID(r.Context(), id)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		JobID:    job.ExternalID,
		Status:   job.Status,
		Progress: job.CurrentProgress(),
		Error:    job.Error,
	})
}

// handleList returns the owner's jobs newest first.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ownerID, err := strconv.ParseInt(r.URL.Query().Get("owner"), 10, 64)
	if err != nil {
		http.Error(w, "owner is required", http.StatusBadRequest)
		return
	}
	jobs, err := s.store.ListByOwner(r.Context(), ownerID)
	if err != nil {
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
