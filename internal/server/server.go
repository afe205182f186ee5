// Package server exposes the coordinator's HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bidflow/internal/checkpoint"
	"github.com/sells-group/bidflow/internal/model"
	"github.com/sells-group/bidflow/internal/workflow"
)

// degradable is implemented by stores that can fall back to memory-only
// operation; the health endpoint reports the flag.
type degradable interface {
	Degraded() bool
}

// Server wires the batch manager and session machine into a chi router.
type Server struct {
	router  chi.Router
	http    *http.Server
	manager *workflow.Manager
	machine *workflow.Machine
	store   checkpoint.Store
}

// New creates the HTTP server on the given port.
func New(port int, manager *workflow.Manager, machine *workflow.Machine, store checkpoint.Store) *Server {
	s := &Server{
		manager: manager,
		machine: machine,
		store:   store,
	}
	s.router = s.buildRouter()
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the router; used by tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	zap.L().Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server: listen")
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Route("/batches", func(r chi.Router) {
		r.Post("/", s.submitBatch)
		r.Get("/", s.listBatches)
		r.Get("/{batchID}", s.getBatch)
		r.Post("/{batchID}/review", s.resolveReview)
		r.Post("/{batchID}/dispatch", s.resolveDispatch)
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/{sessionID}", s.getSession)
		r.Get("/{sessionID}/checkpoints", s.getCheckpoints)
		r.Post("/{sessionID}/gates/{gate}", s.resolveSessionGate)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	degraded := false
	if d, ok := s.store.(degradable); ok {
		degraded = d.Degraded()
	}
	status := "ok"
	if degraded {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"store_degraded": degraded,
	})
}

// mapError translates the workflow error taxonomy onto HTTP statuses.
func mapError(w http.ResponseWriter, err error) {
	var (
		vErr  *workflow.ValidationError
		itErr *workflow.InvalidTransitionError
		grErr *workflow.GateReplayError
	)
	switch {
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &itErr), errors.As(err, &grErr):
		writeError(w, http.StatusConflict, err)
	case eris.Is(err, checkpoint.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		zap.L().Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

// sessionView shapes a session for API responses, surfacing the recorded
// stage error when present.
type sessionView struct {
	*model.Session
	StageError *model.StageError `json:"stage_error,omitempty"`
}

func newSessionView(sess *model.Session) sessionView {
	view := sessionView{Session: sess}
	if raw, ok := sess.StageOutputs[model.ErrorOutputKey]; ok {
		var se model.StageError
		if err := json.Unmarshal(raw, &se); err == nil {
			view.StageError = &se
		}
	}
	return view
}
