package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-devmgr/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// WebSocket (auth via ticket, validated in handler)
		r.Get(s.wsPath(), s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/nodes", func(r chi.Router) {
				r.With(s.require(auth.PermNodeRead)).Get("/", s.handleListNodes)

				r.Route("/{handle}", func(r chi.Router) {
					r.With(s.require(auth.PermNodeRead)).Get("/", s.handleGetNode)
					r.With(s.require(auth.PermNodeRead)).Get("/resources", s.handleNodeResources)
					r.With(s.require(auth.PermNodeOperate)).Post("/probe", s.handleProbeNode)
					r.With(s.require(auth.PermNodeOperate)).Post("/rescan", s.handleRescanNode)
					r.With(s.require(auth.PermNodeOperate)).Post("/unbind", s.handleUnbindNode)
					r.With(s.require(auth.PermNodeRemove)).Delete("/", s.handleRemoveNode)
				})
			})

			r.With(s.require(auth.PermDriverRead)).Get("/drivers", s.handleListDrivers)
			r.With(s.require(auth.PermNodeRead)).Get("/events", s.handleListEvents)
			r.With(s.require(auth.PermNodeRead)).Get("/stats", s.handleStats)
			r.With(s.require(auth.PermNodeRemove)).Post("/evict", s.handleEvict)
			r.With(s.require(auth.PermSystemAdmin)).Get("/audit", s.handleListAudit)
		})
	})

	return r
}

// wsPath returns the configured WebSocket route, relative to /api/v1.
func (s *Server) wsPath() string {
	if s.wsCfg.Path == "" {
		return "/ws"
	}
	return s.wsCfg.Path
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"nodes":   s.manager.Stats().Nodes,
	})
}
