package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/vaultsync/internal/models"
	"github.com/fentz26/vaultsync/internal/reconcile"
	"github.com/fentz26/vaultsync/internal/store"
)

// Server provides the HTTP API for vaultsync.
type Server struct {
	service *Service
	addr    string
	metrics http.Handler
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new HTTP server. metrics may be nil.
func NewServer(service *Service, addr string, metrics http.Handler) *Server {
	s := &Server{
		service: service,
		addr:    addr,
		metrics: metrics,
		logger:  service.logger,
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/sources", s.handleSources)
	mux.HandleFunc("/sources/", s.handleSourceAction)
	mux.HandleFunc("/entries", s.handleEntries)
	mux.HandleFunc("/runs", s.handleRuns)
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/cycles/last", s.handleLastCycle)

	// Task endpoints
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)

	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("Starting control plane", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	health := s.service.Health(r.Context())
	status := http.StatusOK
	if !health.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// --- Source Handlers ---

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sources, err := s.service.Sources(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sources)
}

// handleSourceAction handles POST /sources/{plugin}/{name}/reset
func (s *Server) handleSourceAction(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/sources/"), "/"), "/")
	if len(parts) != 3 || parts[2] != "reset" || r.Method != http.MethodPost {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err := s.service.ResetSource(r.Context(), parts[0]+"/"+parts[1]); err != nil {
		writeSourceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	source := r.URL.Query().Get("source")
	if source == "" {
		http.Error(w, "source required", http.StatusBadRequest)
		return
	}
	entries, err := s.service.Entries(r.Context(), source)
	if err != nil {
		writeSourceError(w, err)
		return
	}
	if entries == nil {
		entries = []store.StoredEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeSourceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, ErrUnknownSource) {
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.service.SyncRuns(r.Context(), r.URL.Query().Get("source"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []models.SyncRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// --- Cycle Handlers ---

type syncRequest struct {
	Sources []string `json:"sources"`
	Full    bool     `json:"full"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req syncRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}

	err := s.service.RequestSync("http", reconcile.CycleOptions{Only: req.Sources, Full: req.Full})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrUnknownSource) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleLastCycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	report, err := s.service.LastCycle()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Task Handlers ---

// handleTasks handles GET /tasks
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	f := store.TaskFilter{
		Source:  q.Get("source"),
		Project: q.Get("project"),
		Tag:     q.Get("tag"),
		Due:     q.Get("due"),
	}
	if v := q.Get("stage"); v != "" {
		st, ok := models.ParseStage(v)
		if !ok {
			http.Error(w, ErrInvalidStage.Error(), http.StatusBadRequest)
			return
		}
		f.Stage = st
	}
	if v := q.Get("open"); v != "" {
		open, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "invalid open flag", http.StatusBadRequest)
			return
		}
		f.OpenOnly = open
	}
	if v := q.Get("dirty"); v != "" {
		dirty, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "invalid dirty flag", http.StatusBadRequest)
			return
		}
		f.DirtyOnly = dirty
	}

	tasks, err := s.service.ListTasks(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeTasks(w, tasks)
}

func (s *Server) writeTasks(w http.ResponseWriter, tasks []models.Task) {
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handleTaskByID handles /tasks/today and /tasks/{plugin}/{name}/{id}/*
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/")
	if path == "today" {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		tasks, err := s.service.Today(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeTasks(w, tasks)
		return
	}

	// A source id is plugin/name, so the task id is the third segment.
	parts := strings.Split(path, "/")
	if len(parts) < 3 || len(parts) > 4 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		http.Error(w, "source and task id required", http.StatusBadRequest)
		return
	}
	source := parts[0] + "/" + parts[1]
	taskID := parts[2]
	action := ""
	if len(parts) > 3 {
		action = parts[3]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getTask(w, r, source, taskID)
	case action == "stage" && r.Method == http.MethodPost:
		s.setStage(w, r, source, taskID)
	case action == "hold" && r.Method == http.MethodPost:
		s.holdTask(w, r, source, taskID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, source, taskID string) {
	task, err := s.service.GetTask(r.Context(), source, taskID)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type stageRequest struct {
	Stage string `json:"stage"`
}

func (s *Server) setStage(w http.ResponseWriter, r *http.Request, source, taskID string) {
	var req stageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	task, err := s.service.SetStage(r.Context(), source, taskID, req.Stage)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type holdRequest struct {
	Held *bool `json:"held"`
}

func (s *Server) holdTask(w http.ResponseWriter, r *http.Request, source, taskID string) {
	var req holdRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	held := true
	if req.Held != nil {
		held = *req.Held
	}

	task, err := s.service.Hold(r.Context(), source, taskID, held)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func writeTaskError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidStage):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}
