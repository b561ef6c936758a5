package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/gray-logic-devmgr/internal/audit"
)

// auditTimeout bounds writing one audit entry.
const auditTimeout = 5 * time.Second

// recordAudit stores a mutation and its outcome against the caller's subject.
// Audit failures are logged and never fail the request.
func (s *Server) recordAudit(r *http.Request, action, node string, details map[string]any, opErr error) {
	if s.audit == nil {
		return
	}
	e := &audit.Entry{
		Action:  action,
		Node:    node,
		Source:  audit.SourceAPI,
		Details: details,
	}
	if c := claimsFromContext(r.Context()); c != nil {
		e.Subject = c.Subject
	}
	if opErr != nil {
		e.Error = opErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), auditTimeout)
	defer cancel()
	if err := s.audit.Create(ctx, e); err != nil {
		s.logger.Warn("recording audit entry", "action", action, "node", node, "error", err)
	}
}

// handleListAudit returns audit entries, newest first.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "audit log is disabled")
		return
	}

	query := r.URL.Query()
	filter := audit.Filter{
		Action:  query.Get("action"),
		Node:    query.Get("node"),
		Subject: query.Get("subject"),
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeBadRequest(w, name+" must be a non-negative integer")
			return
		}
		*dst = v
	}

	res, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit log", "error", err)
		writeInternalError(w, "could not read audit log")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
