// Package server exposes the blueprint service over HTTP: job creation and
// status, an NDJSON progress event stream, blueprint retrieval, refinement
// endpoints, and Prometheus metrics.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/josephsenior/Metasop-sub003/agent"
	"github.com/josephsenior/Metasop-sub003/llm"
	"github.com/josephsenior/Metasop-sub003/orchestrator"
	"github.com/josephsenior/Metasop-sub003/queue"
	"github.com/josephsenior/Metasop-sub003/store"
)

// maxRequestBodySize limits request bodies to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// RefinerFunc builds an orchestrator seeded with a blueprint's artifacts,
// ready for refinement calls.
type RefinerFunc func(bp *store.Blueprint) *orchestrator.Orchestrator

// Server handles the HTTP API.
type Server struct {
	registry   *queue.Registry
	blueprints store.BlueprintStore
	refiner    RefinerFunc
	metrics    http.Handler
	logger     *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithRefiner sets the factory used by the refinement endpoints.
func WithRefiner(refiner RefinerFunc) Option {
	return func(s *Server) {
		s.refiner = refiner
	}
}

// WithMetricsHandler mounts a /metrics endpoint.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a Server over the given job registry and blueprint store.
func New(registry *queue.Registry, blueprints store.BlueprintStore, opts ...Option) *Server {
	s := &Server{
		registry:   registry,
		blueprints: blueprints,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterHandlers registers the API endpoints on the mux.
func (s *Server) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/blueprints", s.handleCreate)
	mux.HandleFunc("GET /api/blueprints", s.handleListBlueprints)
	mux.HandleFunc("GET /api/blueprints/{id}", s.handleGetBlueprint)
	mux.HandleFunc("POST /api/blueprints/{id}/refine", s.handleRefine)

	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /api/jobs/{id}/events", s.handleEvents)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleCancelJob)

	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
}

// Handler returns the complete API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterHandlers(mux)
	return mux
}

// userID resolves the caller's identity from the X-User-ID header (set by
// auth middleware) or defaults to anonymous.
func userID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return "anonymous"
}

// CreateRequest is the request body for POST /api/blueprints.
type CreateRequest struct {
	Request     string `json:"request"`
	BlueprintID string `json:"blueprint_id,omitempty"`
}

// handleCreate creates a generation job and starts it.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Request == "" {
		s.writeError(w, http.StatusBadRequest, "request is required")
		return
	}

	job, err := s.registry.CreateJob(r.Context(), userID(r), req.BlueprintID, req.Request)
	if err != nil {
		s.logger.Error("Failed to create job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	if err := s.registry.Start(r.Context(), job.ID); err != nil {
		s.logger.Error("Failed to start job", "job_id", job.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start job")
		return
	}

	// Re-read so the response reflects the running status.
	if started, ok := s.registry.GetJob(job.ID); ok {
		job = started
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

// handleListJobs handles GET /api/jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.registry.ListJobs(userID(r))
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": len(jobs)})
}

// getOwnJob loads a job and enforces ownership. A job owned by someone else
// reads as absent.
func (s *Server) getOwnJob(w http.ResponseWriter, r *http.Request) (*queue.Job, bool) {
	id := r.PathValue("id")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "job ID required")
		return nil, false
	}
	job, ok := s.registry.GetJob(id)
	if !ok || job.UserID != userID(r) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	return job, true
}

// handleGetJob handles GET /api/jobs/{id}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.getOwnJob(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// handleCancelJob handles DELETE /api/jobs/{id}.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.getOwnJob(w, r)
	if !ok {
		return
	}
	if err := s.registry.Cancel(job.ID); err != nil {
		s.logger.Error("Failed to cancel job", "job_id", job.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}

// handleEvents streams a job's progress events as NDJSON: one JSON object
// per line, flushed per event. Buffered events are replayed first, then live
// events follow; the stream ends at the job's terminal event or when the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := s.getOwnJob(w, r)
	if !ok {
		return
	}

	flusher, flushable := w.(http.Flusher)
	if !flushable {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	done := make(chan struct{})
	var closeDone = func() {
		select {
		case <-done:
		default:
			close(done)
		}
	}

	unsubscribe, err := s.registry.Subscribe(job.ID, func(ev agent.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Warn("Failed to marshal event", "job_id", job.ID, "error", err)
			return nil
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			closeDone()
			return llm.ErrClientDisconnected
		}
		flusher.Flush()

		if terminalEvent(ev.Type) {
			closeDone()
		}
		return nil
	})
	if err != nil {
		// Headers are already out; the empty body just ends.
		s.logger.Warn("Subscribe failed", "job_id", job.ID, "error", err)
		return
	}
	defer unsubscribe()

	select {
	case <-done:
	case <-r.Context().Done():
	}
}

func terminalEvent(t agent.EventType) bool {
	switch t {
	case agent.EventOrchestrationComplete, agent.EventOrchestrationFailed, agent.EventError:
		return true
	}
	return false
}

// handleListBlueprints handles GET /api/blueprints.
func (s *Server) handleListBlueprints(w http.ResponseWriter, r *http.Request) {
	blueprints, err := s.blueprints.List(r.Context(), userID(r))
	if err != nil {
		s.logger.Error("Failed to list blueprints", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list blueprints")
		return
	}
	if blueprints == nil {
		blueprints = []*store.Blueprint{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"blueprints": blueprints, "total": len(blueprints)})
}

// handleGetBlueprint handles GET /api/blueprints/{id}.
func (s *Server) handleGetBlueprint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "blueprint ID required")
		return
	}

	bp, err := s.blueprints.Get(r.Context(), id, userID(r))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "blueprint not found")
			return
		}
		s.logger.Error("Failed to get blueprint", "blueprint_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get blueprint")
		return
	}
	s.writeJSON(w, http.StatusOK, bp)
}

// RefineRequest is the request body for POST /api/blueprints/{id}/refine.
type RefineRequest struct {
	StepID      string `json:"step_id"`
	Instruction string `json:"instruction"`

	// Atomic confines the refinement to the targeted artifact; otherwise
	// it cascades into dependents.
	Atomic bool `json:"atomic,omitempty"`
}

// RefineResponse is the response for a refinement call.
type RefineResponse struct {
	Report    *orchestrator.RefineReport `json:"report,omitempty"`
	Artifacts map[string]*agent.Artifact `json:"artifacts"`
}

// handleRefine applies a refinement instruction to a stored blueprint and
// persists the result.
func (s *Server) handleRefine(w http.ResponseWriter, r *http.Request) {
	if s.refiner == nil {
		s.writeError(w, http.StatusServiceUnavailable, "refinement is not configured")
		return
	}

	id := r.PathValue("id")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "blueprint ID required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req RefineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Instruction == "" {
		s.writeError(w, http.StatusBadRequest, "instruction is required")
		return
	}
	if req.StepID != "" && agent.StepRole(req.StepID) == "" {
		s.writeError(w, http.StatusBadRequest, "unknown step ID")
		return
	}

	bp, err := s.blueprints.Get(r.Context(), id, userID(r))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "blueprint not found")
			return
		}
		s.logger.Error("Failed to get blueprint", "blueprint_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get blueprint")
		return
	}

	orch := s.refiner(bp)
	resp := RefineResponse{}

	if req.StepID != "" && req.Atomic {
		if _, err := orch.RefineArtifact(r.Context(), req.StepID, req.Instruction, nil, 0, true); err != nil {
			s.logger.Error("Refinement failed", "blueprint_id", id, "step_id", req.StepID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "refinement failed")
			return
		}
	} else {
		stepID := req.StepID
		if stepID == "" {
			stepID = agent.StepPMSpec
		}
		report, err := orch.CascadeRefinement(r.Context(), stepID, req.Instruction, nil)
		if err != nil {
			s.logger.Error("Refinement failed", "blueprint_id", id, "step_id", stepID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "refinement failed")
			return
		}
		resp.Report = report
	}

	bp.Artifacts = orch.Artifacts()
	if err := s.blueprints.Save(r.Context(), bp); err != nil {
		s.logger.Error("Failed to persist refined blueprint", "blueprint_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to persist blueprint")
		return
	}

	resp.Artifacts = bp.Artifacts
	s.writeJSON(w, http.StatusOK, resp)
}

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Failed to write JSON response", "error", err)
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
