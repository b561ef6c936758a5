package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/gray-logic-devmgr/internal/audit"
	"github.com/nerrad567/gray-logic-devmgr/internal/auth"
	"github.com/nerrad567/gray-logic-devmgr/internal/device"
	"github.com/nerrad567/gray-logic-devmgr/internal/journal"
)

// driverView is the JSON form of a driver table entry.
type driverView struct {
	Name    string `json:"name"`
	BusKind string `json:"bus_kind"`
	Bus     bool   `json:"enumerates_children"`
	Evicts  bool   `json:"reports_references"`
}

func hasRemove(c *auth.CustomClaims) bool {
	return auth.HasPermission(c.Role, auth.PermNodeRemove)
}

// handleListDrivers returns the driver table in declaration order.
func (s *Server) handleListDrivers(w http.ResponseWriter, _ *http.Request) {
	reg := s.manager.Registry()
	entries := reg.Entries()
	out := make([]driverView, 0, len(entries))
	for _, e := range entries {
		_, bus := e.Driver.(device.ChildRegistrar)
		_, evicts := e.Driver.(device.ReferenceReporter)
		out = append(out, driverView{Name: e.Name, BusKind: e.BusKind, Bus: bus, Evicts: evicts})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"drivers": out,
		"version": reg.Version(),
	})
}

// handleListEvents returns journal records, newest first.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "event journal is disabled")
		return
	}

	q := journal.Query{
		Node: r.URL.Query().Get("node"),
		Type: r.URL.Query().Get("type"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		q.Limit = limit
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		q.Since = since
	}

	records, err := s.journal.List(r.Context(), q)
	if err != nil {
		s.logger.Error("listing journal", "error", err)
		writeInternalError(w, "could not read journal")
		return
	}
	if records == nil {
		records = []journal.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": records})
}

// handleStats returns manager counters and the number of stream clients.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	clients := 0
	if s.hub != nil {
		clients = s.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"manager":           s.manager.Stats(),
		"websocket_clients": clients,
	})
}

// handleEvict unbinds every driver that reports no open references.
func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), operationTimeout)
	defer cancel()
	evicted := s.manager.EvictUnused(ctx)
	s.recordAudit(r, audit.ActionEvict, "", map[string]any{"evicted": evicted}, nil)
	writeJSON(w, http.StatusOK, map[string]any{"evicted": evicted})
}
