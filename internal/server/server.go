// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quantora/llmgateway/internal/config"
	"github.com/quantora/llmgateway/internal/router"
)

// Server holds the HTTP router and the dependencies handlers need.
type Server struct {
	mux    chi.Router
	cfg    *config.Config
	router *router.Router
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(cfg *config.Config, rt *router.Router) *Server {
	s := &Server{cfg: cfg, router: rt}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions —
// gathered in one method so the routing table is easy to scan.
func (s *Server) routes() {
	r := chi.NewRouter()

	// middleware.Logger prints a line per request (method, path, status,
	// duration). middleware.Recoverer turns handler panics into 500s
	// instead of crashing the process.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Post("/v1/ask", s.handleAsk)
	r.Post("/v1/images", s.handleImages)

	s.mux = r
}

// ServeHTTP makes Server satisfy http.Handler; every request delegates to
// chi's router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
