package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/example/print-agent/internal/blob"
	"github.com/example/print-agent/internal/metrics"
	"github.com/example/print-agent/internal/model"
	"github.com/example/print-agent/internal/pipeline"
	"github.com/example/print-agent/internal/store"
)

type Server struct {
	Blobs    blob.LocalFS
	Jobs     store.Store
	Pipeline *pipeline.Orchestrator
	MCP      http.Handler // optional
	BaseURL  string       // optional, for generating absolute artifact URLs
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())
	if s.MCP != nil {
		r.Handle("/mcp", s.MCP)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/print", s.handlePrint)
		r.Post("/abort", s.handleAbort)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Get("/jobs/{id}/artifacts/*", s.handleGetArtifact)
	})

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"active": s.Pipeline.Registry.Active(),
	})
}

type printRequest struct {
	Prompt  string `json:"prompt"`
	Monitor bool   `json:"monitor"`
}

func decodePrintRequest(r *http.Request) (printRequest, error) {
	var req printRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, fmt.Errorf("invalid JSON body: %w", err)
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return req, pipeline.ErrPromptRequired
	}
	return req, nil
}

// handlePrint runs a job and streams its messages as server-sent events.
// Closing the connection cancels the job until the print has started;
// a started print keeps going and can be cancelled with /api/abort.
func (s Server) handlePrint(w http.ResponseWriter, r *http.Request) {
	req, err := decodePrintRequest(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	msgs := s.Pipeline.Run(r.Context(), req.Prompt, pipeline.Options{Monitor: req.Monitor})
	first, ok := <-msgs
	if !ok {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("job produced no events"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Job-Id", first.JobID)
	w.WriteHeader(http.StatusOK)

	writeEvent(w, first)
	flusher.Flush()
	for msg := range msgs {
		writeEvent(w, msg)
		flusher.Flush()
	}
}

func writeEvent(w io.Writer, msg model.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to marshal event", "job_id", msg.JobID, "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func (s Server) handleAbort(w http.ResponseWriter, _ *http.Request) {
	n := s.Pipeline.CancelCurrent()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cancelled": n})
}

func (s Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	req, err := decodePrintRequest(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	id := s.Pipeline.Submit(req.Prompt)
	writeJSON(w, http.StatusCreated, map[string]any{"jobId": id})
}

func (s Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	job, err := s.Jobs.GetJob(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, jobResponse(job, s.BaseURL))
}

func (s Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var outcome *model.Outcome
	if raw := strings.TrimSpace(r.URL.Query().Get("outcome")); raw != "" {
		parsed := model.Outcome(raw)
		switch parsed {
		case model.OutcomePending, model.OutcomeSuccess, model.OutcomeFailed, model.OutcomeCancelled:
			outcome = &parsed
		default:
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid outcome: %s", raw))
			return
		}
	}

	limit := 25
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", raw))
			return
		}
		if value > 100 {
			value = 100
		}
		limit = value
	}

	jobs, err := s.Jobs.ListJobs(ctx, outcome, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	resp := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, jobResponse(job, s.BaseURL))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.Pipeline.Cancel(id) {
		writeErr(w, http.StatusConflict, fmt.Errorf("job %s is not running", id))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "jobId": id})
}

func (s Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid job id"))
		return
	}
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" || raw == "." {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("missing artifact path"))
		return
	}
	clean := filepath.Clean(raw)
	if clean == "." || strings.HasPrefix(clean, "..") || strings.Contains(clean, string(filepath.Separator)+"..") {
		writeErr(w, http.StatusBadRequest, blob.ErrInvalidPath)
		return
	}

	relPath := filepath.Join("jobs", id, clean)
	if !s.Blobs.Exists(relPath) {
		writeErr(w, http.StatusNotFound, fmt.Errorf("artifact not found"))
		return
	}
	f, err := s.Blobs.Open(relPath)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	contentType := http.DetectContentType(buf[:n])
	if ext := filepath.Ext(clean); ext != "" {
		if mimeType := mime.TypeByExtension(ext); mimeType != "" {
			if contentType == "application/octet-stream" || strings.HasPrefix(contentType, "text/plain") {
				contentType = mimeType
			}
		}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.Copy(w, f)
}

func jobResponse(job model.Job, baseURL string) map[string]any {
	resp := map[string]any{
		"id":          job.ID,
		"prompt":      job.Prompt,
		"createdAt":   job.CreatedAt,
		"updatedAt":   job.UpdatedAt,
		"stage":       job.Stage,
		"stageName":   model.StageName(job.Stage),
		"outcome":     job.Outcome,
		"progress":    job.Progress,
		"remoteName":  job.RemoteName,
		"deviceState": job.DeviceState,
		"error":       job.Error,
	}

	base := strings.TrimRight(baseURL, "/")
	artifacts := map[string]string{}
	for stage, path := range job.Artifacts[:model.StagePrint] {
		if path == "" {
			continue
		}
		artifacts[model.StageName(stage)] = fmt.Sprintf("%s/v1/jobs/%s/artifacts/%s", base, job.ID, filepath.Base(path))
	}
	resp["artifacts"] = artifacts
	return resp
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
