package remote

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/me/gorig/pkg/model"
)

// Server exposes a Registry over REST and WebSocket.
type Server struct {
	router   chi.Router
	registry *Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a server with all routes registered.
func NewServer(reg *Registry, logger *slog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		registry: reg,
		logger:   logger.With("component", "server"),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/clock", s.handleClock)
		r.Get("/ws", s.handleWS)
		r.Route("/objects", func(r chi.Router) {
			r.Post("/", s.handleCreate)
			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", s.handleRelease)
				r.Post("/execute", s.handleExecute)
			})
		})
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req model.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, model.ErrResponse("", "invalid request body: "+err.Error()))
		return
	}
	handle, err := s.registry.Ensure(&req)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, model.ErrResponse(req.ID, err.Error()))
		return
	}
	respondJSON(w, http.StatusCreated, model.OKResponse(req.ID, handle))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.registry.Release(id)
	respondJSON(w, http.StatusOK, model.OKResponse("", id))
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req model.CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, model.ErrResponse("", "invalid request body: "+err.Error()))
		return
	}
	req.Target = chi.URLParam(r, "id")
	reading, err := s.registry.Execute(r.Context(), &req)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, model.ErrResponse(req.ID, err.Error()))
		return
	}
	respondJSON(w, http.StatusOK, model.OKResponse(req.ID, reading))
}

func (s *Server) handleClock(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, model.OKResponse("", model.ClockReply{ServerTime: s.registry.Now()}))
}

// handleWS upgrades the connection and serves framed envelopes until the
// peer disconnects. Each message is dispatched on its own goroutine; the
// write side is serialized because a gorilla conn allows one writer.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ws := newWSSession(conn, s.registry, s.logger)
	ws.serve(r.Context())
}

func respondJSON(w http.ResponseWriter, status int, resp model.CallResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
