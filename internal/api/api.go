package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/joescharf/dm/internal/actionlog"
	"github.com/joescharf/dm/internal/deploy"
	"github.com/joescharf/dm/internal/fetch"
	"github.com/joescharf/dm/internal/models"
	"github.com/joescharf/dm/internal/workflow"
)

const maxRequestBodySize = 1 << 20

// HistoryLister reads deployment history.
type HistoryLister interface {
	List(ctx context.Context, project string, limit int) ([]*models.Deployment, error)
}

// Options configures a Server. Orchestrator is required.
type Options struct {
	Orchestrator *deploy.Orchestrator
	Log          *actionlog.Log
	History      HistoryLister
	Workflow     *workflow.Machine
	// WebhookSecret enables X-Hub-Signature-256 verification when set.
	WebhookSecret string
	Logger        *slog.Logger
}

// Server provides the REST API handlers.
type Server struct {
	deploy   *deploy.Orchestrator
	log      *actionlog.Log
	history  HistoryLister
	workflow *workflow.Machine
	webhook  *WebhookHandler
	logger   *slog.Logger
}

// NewServer creates a new API server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		deploy:   opts.Orchestrator,
		log:      opts.Log,
		history:  opts.History,
		workflow: opts.Workflow,
		webhook:  NewWebhookHandler([]byte(opts.WebhookSecret), opts.Orchestrator, logger),
		logger:   logger,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/projects", s.listProjects)
	mux.HandleFunc("POST /api/v1/projects", s.createProject)
	mux.HandleFunc("POST /api/v1/projects/refresh", s.refreshAllProjects)
	mux.HandleFunc("GET /api/v1/projects/{name}", s.getProject)
	mux.HandleFunc("DELETE /api/v1/projects/{name}", s.deleteProject)
	mux.HandleFunc("POST /api/v1/projects/{name}/refresh", s.refreshProject)
	mux.HandleFunc("GET /api/v1/projects/{name}/history", s.projectHistory)

	mux.HandleFunc("GET /api/v1/stats", s.stats)

	mux.HandleFunc("GET /api/v1/logs", s.tailLogs)
	mux.HandleFunc("POST /api/v1/logs/clear", s.clearLogs)

	mux.HandleFunc("POST /api/v1/chat/{operator}", s.chat)

	mux.Handle("POST /webhook", s.webhook)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Response is the envelope of every API reply.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

const (
	statusSuccess = "success"
	statusError   = "error"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, status int, msg string, data any) {
	writeJSON(w, status, Response{Status: statusSuccess, Message: msg, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, Response{Status: statusError, Message: msg, Code: code})
}

// writeDeployError maps the orchestrator's error taxonomy onto a status.
func writeDeployError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeJSON(w, status, Response{Status: statusError, Message: err.Error(), Code: code})
}

func classify(err error) (int, string) {
	switch fetch.KindOf(err) {
	case fetch.UnsupportedHost:
		return http.StatusBadRequest, string(fetch.UnsupportedHost)
	case fetch.DownloadFailed:
		return http.StatusBadGateway, string(fetch.DownloadFailed)
	case fetch.EmptyArchive:
		return http.StatusBadGateway, string(fetch.EmptyArchive)
	}

	kind := deploy.KindOf(err)
	switch kind {
	case deploy.KindValidation:
		return http.StatusBadRequest, string(kind)
	case deploy.KindNotFound:
		return http.StatusNotFound, string(kind)
	case deploy.KindAlreadyExists, deploy.KindBusy:
		return http.StatusConflict, string(kind)
	case deploy.KindFetch:
		return http.StatusBadGateway, string(kind)
	case deploy.KindPersistence:
		return http.StatusInternalServerError, string(kind)
	}
	return http.StatusInternalServerError, string(deploy.KindInternal)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	return dec.Decode(v)
}

func apiContext(r *http.Request) context.Context {
	return deploy.WithTrigger(r.Context(), deploy.TriggerAPI)
}

// --- Projects ---

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	withMetrics, _ := strconv.ParseBool(r.URL.Query().Get("metrics"))
	views := s.deploy.List(withMetrics)
	writeSuccess(w, http.StatusOK, fmt.Sprintf("%d projects", len(views)), views)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.deploy.Get(r.PathValue("name"))
	if err != nil {
		writeDeployError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, p.Name, p)
}

type createRequest struct {
	Name      string `json:"name"`
	SourceURL string `json:"source_url"`
	Branch    string `json:"branch"`

	// Field names used by older clients.
	ProjectName string `json:"project_name"`
	RepoURL     string `json:"repo_url"`
}

func (c createRequest) name() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ProjectName
}

func (c createRequest) sourceURL() string {
	if c.SourceURL != "" {
		return c.SourceURL
	}
	return c.RepoURL
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(deploy.KindValidation), "invalid JSON")
		return
	}
	out, err := s.deploy.Create(apiContext(r), req.name(), req.sourceURL(), req.Branch)
	if err != nil {
		writeDeployError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, out.Summary(), out)
}

func (s *Server) refreshProject(w http.ResponseWriter, r *http.Request) {
	out, err := s.deploy.Refresh(apiContext(r), r.PathValue("name"))
	if err != nil {
		writeDeployError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, out.Summary(), out)
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.deploy.Delete(apiContext(r), r.PathValue("name"))
	if err != nil {
		writeDeployError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "deleted "+p.Name, p)
}

func (s *Server) refreshAllProjects(w http.ResponseWriter, r *http.Request) {
	result := s.deploy.RefreshAll(apiContext(r))
	writeRefreshResult(w, result)
}

func writeRefreshResult(w http.ResponseWriter, result *deploy.AllResult) {
	msg := fmt.Sprintf("refreshed %d of %d projects", result.Refreshed, result.Total)
	if result.Failed > 0 {
		writeJSON(w, http.StatusBadGateway, Response{
			Status:  statusError,
			Message: fmt.Sprintf("%s; %d failed", msg, result.Failed),
			Code:    string(deploy.KindFetch),
			Data:    result,
		})
		return
	}
	writeSuccess(w, http.StatusOK, msg, result)
}

func (s *Server) projectHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, string(deploy.KindInternal), "deployment history is not enabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	name := r.PathValue("name")
	rows, err := s.history.List(r.Context(), name, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(deploy.KindInternal), err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, fmt.Sprintf("%d deployments of %s", len(rows), name), rows)
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	st := s.deploy.Stats()
	writeSuccess(w, http.StatusOK, fmt.Sprintf("%d projects", st.TotalProjects), st)
}

// --- Action log ---

func (s *Server) tailLogs(w http.ResponseWriter, r *http.Request) {
	if s.log == nil {
		writeError(w, http.StatusServiceUnavailable, string(deploy.KindInternal), "action log is not configured")
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("lines"))
	lines, err := s.log.Tail(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(deploy.KindInternal), err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, fmt.Sprintf("%d lines", len(lines)), map[string][]string{"lines": lines})
}

func (s *Server) clearLogs(w http.ResponseWriter, _ *http.Request) {
	if s.log == nil {
		writeError(w, http.StatusServiceUnavailable, string(deploy.KindInternal), "action log is not configured")
		return
	}
	if err := s.log.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, string(deploy.KindPersistence), err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, "action log cleared", nil)
}

// --- Conversational workflow ---

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	if s.workflow == nil {
		writeError(w, http.StatusServiceUnavailable, string(deploy.KindInternal), "chat workflow is not enabled")
		return
	}
	var in workflow.Input
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, string(deploy.KindValidation), "invalid JSON")
		return
	}

	reply := s.workflow.Handle(r.Context(), r.PathValue("operator"), in)
	switch {
	case errors.Is(reply.Err, workflow.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "unauthorized", reply.Message)
	case reply.Err != nil:
		status, code := classify(reply.Err)
		writeJSON(w, status, Response{Status: statusError, Message: reply.Message, Code: code, Data: reply})
	case reply.Retryable:
		writeJSON(w, http.StatusBadRequest, Response{Status: statusError, Message: reply.Message, Code: string(reply.Kind), Data: reply})
	case reply.Done:
		writeSuccess(w, http.StatusCreated, reply.Message, reply)
	default:
		writeSuccess(w, http.StatusOK, reply.Message, reply)
	}
}
