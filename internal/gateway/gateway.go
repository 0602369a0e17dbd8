// ============================================================================
// Self-Healing Engine Submission Gateway
// ============================================================================
//
// Package: internal/gateway
// File: gateway.go
// Purpose: HTTP API for submitting and inspecting workflows
//
// Endpoints:
//   POST /workflows            Submit a workflow; rows are persisted and
//                              workflow.created is published before the
//                              response is written
//   GET  /workflows/{id}       Workflow plus tasks, 404 if unknown
//   GET  /workflows?skip=&limit=  Paged listing
//
// The gateway persists and notifies; all execution is driven by the
// orchestrator, workers, retry engine, and failure detector downstream.
//
// ============================================================================

// Package gateway exposes the workflow submission HTTP API.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kh-bikash/self-healing-engine/internal/bus"
	"github.com/kh-bikash/self-healing-engine/internal/store"
	"github.com/kh-bikash/self-healing-engine/pkg/types"
)

// Service serves the submission API
type Service struct {
	store  *store.Store
	bus    bus.Bus
	addr   string
	logger *slog.Logger
}

// NewService creates a gateway listening on addr
func NewService(st *store.Store, b bus.Bus, addr string, logger *slog.Logger) *Service {
	return &Service{store: st, bus: b, addr: addr, logger: logger}
}

// Run serves HTTP until ctx is cancelled
func (s *Service) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workflows", s.handleCreate)
	mux.HandleFunc("GET /workflows", s.handleList)
	mux.HandleFunc("GET /workflows/{id}", s.handleGet)

	srv := &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Gateway started", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.logger.Info("Gateway stopped")
		return err
	}
}

// Handler returns the route table for in-process tests
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workflows", s.handleCreate)
	mux.HandleFunc("GET /workflows", s.handleList)
	mux.HandleFunc("GET /workflows/{id}", s.handleGet)
	return mux
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	var spec types.WorkflowSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	s.logger.Info("Creating workflow", "name", spec.Name, "tasks", len(spec.Tasks))

	wf, err := s.store.CreateWorkflowWithTasks(r.Context(), &spec)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	// Rows are committed; announce before responding so the orchestrator
	// can never observe the event ahead of the data.
	s.bus.Publish(r.Context(), bus.ChannelWorkflowCreated, types.WorkflowCreatedEvent{
		WorkflowID: wf.ID,
	})

	writeJSON(w, http.StatusOK, wf)
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow id")
		return
	}

	wf, err := s.store.GetWorkflow(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Workflow not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, wf)
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	skip := queryInt(r, "skip", 0)
	limit := queryInt(r, "limit", 10)

	wfs, err := s.store.ListWorkflows(r.Context(), skip, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, wfs)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
