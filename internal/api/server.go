package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"scribe/internal/models"
	"scribe/internal/orchestrator"
	"scribe/internal/queue"
	"scribe/internal/source"
	"scribe/internal/store"
	"scribe/internal/telemetry"
)

// Pipeline is the orchestrator surface exposed over HTTP.
type Pipeline interface {
	Submit(ctx context.Context, url string, jobTags []string) (models.Job, error)
	Get(ctx context.Context, id string) (models.Job, error)
	Transcript(ctx context.Context, id string) (models.Job, error)
	Summarize(ctx context.Context, jobID string) (models.Summary, error)
}

// Queue reports transcription queue state.
type Queue interface {
	Stats() queue.Stats
	Status(id string) (queue.Entry, bool)
	Position(id string) (int, bool)
}

// Limiter gates submissions.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// TagLister lists the configured tags.
type TagLister interface {
	Tags() []string
}

// Pinger checks store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the server. Limiter and Store may be nil.
type Deps struct {
	Pipeline Pipeline
	Queue    Queue
	Tags     TagLister
	Limiter  Limiter
	Store    Pinger
	Model    string
}

// Server wires HTTP handlers for the transcription API.
type Server struct {
	deps Deps
}

// New constructs the API server.
func New(deps Deps) *Server {
	return &Server{deps: deps}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health", s.handleHealth)

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(contentTypeJSON)
		r.Post("/transcribe", s.handleTranscribe)
		r.Get("/transcriptions/{id}", s.handleGetJob)
		r.Get("/transcriptions/{id}/text", s.handleGetText)
		r.Post("/summaries", s.handleSummarize)
		r.Get("/tags", s.handleTags)
		r.Get("/queue", s.handleQueueStats)
		r.Get("/queue/{id}", s.handleQueueEntry)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	storeStatus := "ok"
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			status, storeStatus = "degraded", err.Error()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"model":  s.deps.Model,
		"store":  storeStatus,
		"queue":  s.deps.Queue.Stats(),
	})
}

type transcribeRequest struct {
	URL  string   `json:"url"`
	Tags []string `json:"tags"`
}

type transcribeResponse struct {
	ID     string        `json:"id"`
	Status models.Status `json:"status"`
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	var req transcribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if s.deps.Limiter != nil {
		allowed, _, err := s.deps.Limiter.Allow(r.Context(), "transcribe:"+clientFromRequest(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	job, err := s.deps.Pipeline.Submit(r.Context(), req.URL, req.Tags)
	if err != nil {
		var conflict *orchestrator.ConflictError
		switch {
		case errors.As(err, &conflict):
			writeJSON(w, http.StatusConflict, map[string]string{
				"detail":      "URL already submitted",
				"existing_id": conflict.ExistingID,
			})
		case errors.Is(err, source.ErrInvalidURL), errors.Is(err, source.ErrUnsupportedURL):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.Printf("submit %s: %v", req.URL, err)
			writeError(w, http.StatusInternalServerError, "submit failed")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, transcribeResponse{ID: job.ID, Status: job.Status})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Pipeline.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetText(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Pipeline.Transcript(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(job.FullText))
}

type summaryRequest struct {
	TranscriptionID string `json:"transcription_id"`
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	var req summaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TranscriptionID == "" {
		writeError(w, http.StatusBadRequest, "transcription_id is required")
		return
	}
	sum, err := s.deps.Pipeline.Summarize(r.Context(), req.TranscriptionID)
	if err != nil {
		var conflict *orchestrator.ConflictError
		if errors.As(err, &conflict) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"detail":      "summary already exists",
				"existing_id": conflict.ExistingID,
			})
			return
		}
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sum)
}

func (s *Server) handleTags(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tags": s.deps.Tags.Tags()})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Queue.Stats())
}

type queueEntryResponse struct {
	JobID         string             `json:"job_id"`
	Status        queue.EntryStatus  `json:"status"`
	Progress      int                `json:"progress"`
	QueuePosition *int               `json:"queue_position,omitempty"`
	Result        *models.Transcript `json:"result,omitempty"`
	Error         string             `json:"error,omitempty"`
}

func (s *Server) handleQueueEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, ok := s.deps.Queue.Status(id)
	if !ok {
		writeError(w, http.StatusNotFound, "queue entry not found")
		return
	}
	resp := queueEntryResponse{JobID: entry.ID, Status: entry.Status, Progress: entry.Progress, Result: entry.Result, Error: entry.Error}
	if pos, ok := s.deps.Queue.Position(id); ok {
		resp.QueuePosition = &pos
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "transcription not found")
	case errors.Is(err, orchestrator.ErrNotCompleted):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("api: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return "default"
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
