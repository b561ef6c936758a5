package api

import (
	"context"
	"net/http"
	"time"
)

// handleWSTicket issues a single-use WebSocket ticket for the caller.
// The client passes it as ?ticket= so the bearer token stays out of URLs.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	ticket, err := s.tickets.Issue(claims.Subject, claims.Role)
	if err != nil {
		s.logger.Error("issuing websocket ticket", "error", err)
		writeInternalError(w, "could not issue ticket")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket.Value,
		"expires_in": int(s.tickets.TTL().Seconds()),
	})
}

// cleanTicketsLoop drops expired tickets periodically until ctx is cancelled.
func (s *Server) cleanTicketsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.tickets.TTL())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.tickets.Clean(); n > 0 {
				s.logger.Debug("expired websocket tickets dropped", "count", n)
			}
		}
	}
}
