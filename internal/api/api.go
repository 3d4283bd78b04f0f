// Package api serves the REST endpoints and the GitHub push webhook.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/joescharf/reposync/internal/build"
	"github.com/joescharf/reposync/internal/github"
	"github.com/joescharf/reposync/internal/gitsync"
	"github.com/joescharf/reposync/internal/models"
	"github.com/joescharf/reposync/internal/snapshot"
	"github.com/joescharf/reposync/internal/store"
	"github.com/joescharf/reposync/internal/worker"
)

const (
	maxWebhookBody = 1 << 20
	maxArchiveBody = 64 << 20
)

// Server provides the REST API handlers.
type Server struct {
	router  chi.Router
	store   store.Store
	sync    *gitsync.Orchestrator
	builds  *build.Recorder
	baseURL string
	logger  *slog.Logger
}

// Options configures a Server.
type Options struct {
	Store   store.Store
	Sync    *gitsync.Orchestrator
	Builds  *build.Recorder
	BaseURL string // public URL used to render webhook addresses
	Logger  *slog.Logger
}

// NewServer creates a new API server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		router:  chi.NewRouter(),
		store:   opts.Store,
		sync:    opts.Sync,
		builds:  opts.Builds,
		baseURL: opts.BaseURL,
		logger:  logger,
	}
	s.routes()
	return s
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(s.requestLogger, corsMiddleware)

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/projects", s.listProjects)
		r.Route("/projects/{id}", func(r chi.Router) {
			r.Get("/", s.getProject)
			r.Post("/import", s.importArchive)

			r.Get("/sync", s.syncStatus)
			r.Put("/sync", s.linkProject)
			r.Delete("/sync", s.unlinkProject)
			r.Post("/sync/push", s.push)
			r.Post("/sync/pull", s.pull)

			r.Get("/builds", s.listBuilds)
			r.Post("/builds", s.createBuild)

			r.Post("/github/push", s.webhook)
		})
		r.Post("/builds/{id}/complete", s.completeBuild)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "dur", time.Since(start), "remote", r.RemoteAddr)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	} else {
		s.logger.Warn("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps sync and store errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gitsync.ErrBadSecret), errors.Is(err, gitsync.ErrBadSignature),
		errors.Is(err, gitsync.ErrRepoAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, gitsync.ErrAuthInvalid), errors.Is(err, gitsync.ErrNoCredential):
		return http.StatusUnauthorized
	case errors.Is(err, gitsync.ErrNotLinked), errors.Is(err, gitsync.ErrLeaseBusy):
		return http.StatusConflict
	case errors.Is(err, gitsync.ErrBranchUnavailable), errors.Is(err, gitsync.ErrNoProjectFound),
		errors.Is(err, gitsync.ErrManifestDesync):
		return http.StatusUnprocessableEntity
	case errors.Is(err, snapshot.ErrBadArchive):
		return http.StatusBadRequest
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrClosed):
		return http.StatusServiceUnavailable
	case github.IsTransient(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// --- Projects ---

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.store.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) importArchive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetProject(r.Context(), id); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxArchiveBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("read archive: %w", err))
		return
	}
	content, err := s.sync.Import(context.WithoutCancel(r.Context()), id, data)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"layout_version": content.Project.LayoutVersion,
		"repo_root":      content.Project.RepoRoot,
		"sources":        len(content.Sources),
		"resources":      len(content.Resources),
	})
}

// --- Sync ---

type syncStatusResponse struct {
	ProjectID        string     `json:"project_id"`
	Repo             string     `json:"repo"`
	Branch           string     `json:"branch"`
	LastSyncedCommit string     `json:"last_synced_commit"`
	PendingCommit    string     `json:"pending_commit,omitempty"`
	LastSyncAt       *time.Time `json:"last_sync_at,omitempty"`
	AutoPull         bool       `json:"auto_pull"`
	AutoBuild        bool       `json:"auto_build"`
	WebhookURL       string     `json:"webhook_url,omitempty"`
}

func (s *Server) statusResponse(st *models.SyncState) syncStatusResponse {
	resp := syncStatusResponse{
		ProjectID:        st.ProjectID,
		Repo:             st.Repo,
		Branch:           st.Branch,
		LastSyncedCommit: st.LastSyncedCommit,
		PendingCommit:    st.PendingCommit,
		LastSyncAt:       st.LastSyncAt,
		AutoPull:         st.AutoPull,
		AutoBuild:        st.AutoBuild,
	}
	if s.baseURL != "" {
		resp.WebhookURL = gitsync.WebhookURL(s.baseURL, st.ProjectID, st.WebhookSecret)
	}
	return resp
}

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.sync.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.statusResponse(st))
}

type linkRequest struct {
	Repo      string `json:"repo"`
	Branch    string `json:"branch"`
	AutoPull  bool   `json:"auto_pull"`
	AutoBuild bool   `json:"auto_build"`
}

func (s *Server) linkProject(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid JSON"))
		return
	}
	st, err := s.sync.Link(r.Context(), chi.URLParam(r, "id"), gitsync.LinkOptions{
		Repo: req.Repo, Branch: req.Branch, AutoPull: req.AutoPull, AutoBuild: req.AutoBuild,
	})
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.statusResponse(st))
}

func (s *Server) unlinkProject(w http.ResponseWriter, r *http.Request) {
	if err := s.sync.Unlink(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) push(w http.ResponseWriter, r *http.Request) {
	// A push or pull runs to completion once started.
	res, err := s.sync.Push(context.WithoutCancel(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"changed": res.Changed,
		"commit":  res.Commit,
		"changes": res.Changes,
	})
}

func (s *Server) pull(w http.ResponseWriter, r *http.Request) {
	res, err := s.sync.Pull(context.WithoutCancel(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"skipped":   res.Skipped,
		"commit":    res.Commit,
		"sources":   res.Sources,
		"resources": res.Resources,
	})
}

// webhook receives GitHub push notifications. Work is queued, never run
// inline.
func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := r.URL.Query().Get("key")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}
	if _, err := s.sync.Authenticate(r.Context(), id, key, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	if event != "" && event != "push" {
		s.logger.Info("webhook: ignoring event", "project", id, "event", event)
		writeJSON(w, http.StatusOK, gitsync.Dispatch{Ignored: true, Reason: "event " + event})
		return
	}

	ev, err := gitsync.ParsePushEvent(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	d, err := s.sync.HandlePush(r.Context(), id, key, ev)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	status := http.StatusOK
	if d.Queued() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, d)
}

// --- Builds ---

func (s *Server) listBuilds(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	builds, err := s.store.ListBuilds(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, builds)
}

func (s *Server) createBuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetProject(r.Context(), id); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	commit := ""
	if st, err := s.store.GetSyncState(r.Context(), id); err == nil {
		commit = st.LastSyncedCommit
	}
	b, err := s.sync.Build(r.Context(), id, build.Request{Trigger: models.BuildTriggerManual, Commit: commit})
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

type completeRequest struct {
	Success      bool   `json:"success"`
	Log          string `json:"log"`
	ArtifactSize int64  `json:"artifact_size"`
}

func (s *Server) completeBuild(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid JSON"))
		return
	}
	b, err := s.builds.Complete(r.Context(), chi.URLParam(r, "id"), build.Result{
		Success: req.Success, Log: req.Log, ArtifactSize: req.ArtifactSize,
	})
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusConflict
		}
		s.writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
