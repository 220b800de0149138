// Package gateway serves a read-mostly HTTP view of a task store.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/taskstore/internal/events"
	"github.com/dohr-michael/taskstore/internal/gateway/ws"
	"github.com/dohr-michael/taskstore/internal/tasks"
)

// Server is the taskstore inspection HTTP server.
type Server struct {
	httpServer *http.Server
	store      tasks.Store
	bus        *events.Bus
	hub        *ws.Hub
	logger     *slog.Logger
}

// NewServer creates a new gateway server over store. Mutations made through
// the gateway are published on bus.
func NewServer(store tasks.Store, bus *events.Bus, host string, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	s := &Server{
		store:  store,
		bus:    bus,
		hub:    ws.NewHub(bus, store, logger),
		logger: logger,
	}

	// Routes
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", s.hub.ServeWS)
	r.Get("/api/changes", s.handleChanges)

	// API: tasks
	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleShow)
			r.Delete("/", s.handleDelete)
			r.Get("/events", s.handleEvents)
			r.Get("/checkpoint", s.handleCheckpoint)
			r.Get("/resume", s.handleResume)
			r.Post("/cancel", s.handleCancel)
		})
	})

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: r,
	}

	return s
}

// Handler returns the router, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("taskstore gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server. WebSocket clients are hijacked
// connections, so the hub closes them first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, tasks.ErrInvalidTaskID), errors.Is(err, tasks.ErrInvalidStatus), errors.Is(err, tasks.ErrUnsafeTaskID):
		code = http.StatusBadRequest
	case errors.Is(err, tasks.ErrIllegalTransition):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("gateway request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func notFound(w http.ResponseWriter, id tasks.TaskID) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("task %s not found", id)})
}

func taskID(r *http.Request) (tasks.TaskID, error) {
	return tasks.NewTaskID(chi.URLParam(r, "id"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleChanges returns recent change notifications, oldest first.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	history := s.bus.History(limit)
	if history == nil {
		history = []events.Event{}
	}
	writeJSON(w, http.StatusOK, history)
}

type taskSummary struct {
	ID        tasks.TaskID     `json:"id"`
	AgentName string           `json:"agent_name"`
	Status    tasks.TaskStatus `json:"status"`
	UpdatedAt string           `json:"updated_at"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var (
		ids []tasks.TaskID
		err error
	)
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, perr := tasks.ParseStatus(raw)
		if perr != nil {
			s.writeError(w, r, perr)
			return
		}
		ids, err = s.store.TaskIDsByStatus(status)
	} else {
		ids, err = s.store.TaskIDs()
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result := make([]taskSummary, 0, len(ids))
	for _, id := range ids {
		m, err := s.store.LoadMetadata(id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if m == nil {
			continue // deleted while listing
		}
		result = append(result, taskSummary{
			ID:        id,
			AgentName: m.AgentName(),
			Status:    m.Status(),
			UpdatedAt: m.UpdatedAt().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.store.LoadMetadata(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if m == nil {
		notFound(w, id)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.store.LoadMetadata(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if m == nil {
		notFound(w, id)
		return
	}
	journal, err := s.store.LoadEvents(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, journal)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cp, err := s.store.LoadCheckpoint(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if cp == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("task %s has no checkpoint", id)})
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	state, err := tasks.Resume(s.store, id, s.logger)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if state == nil {
		notFound(w, id)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
			return
		}
	}

	m, err := tasks.Cancel(s.store, id, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if m == nil {
		notFound(w, id)
		return
	}
	s.logger.Info("task cancelled via gateway", "task_id", id, "reason", req.Reason)
	s.bus.Publish(events.NewEvent(events.EventTaskCancelled, events.SourceGateway, id.String(),
		map[string]any{"reason": req.Reason}))
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	existed, err := s.store.Delete(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !existed {
		notFound(w, id)
		return
	}
	s.bus.Publish(events.NewEvent(events.EventTaskDeleted, events.SourceGateway, id.String(), nil))
	w.WriteHeader(http.StatusNoContent)
}
