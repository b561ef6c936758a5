package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-devmgr/internal/audit"
	"github.com/nerrad567/gray-logic-devmgr/internal/device"
)

// operationTimeout bounds lifecycle operations started from a request.
const operationTimeout = 30 * time.Second

// attrView is the JSON form of one attribute.
type attrView struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// nodeView is the JSON form of a device node.
type nodeView struct {
	Handle    string     `json:"handle"`
	Parent    string     `json:"parent,omitempty"`
	Module    string     `json:"module,omitempty"`
	State     string     `json:"state"`
	Driver    string     `json:"driver,omitempty"`
	Fixed     bool       `json:"fixed"`
	Refs      int        `json:"refs"`
	Cycle     uint64     `json:"cycle"`
	LastError string     `json:"last_error,omitempty"`
	Attrs     []attrView `json:"attributes"`
	Children  []nodeView `json:"children,omitempty"`
}

// rangeView is the JSON form of a claimed resource range.
type rangeView struct {
	Kind   string `json:"kind"`
	Space  uint32 `json:"space"`
	Base   uint64 `json:"base"`
	Length uint64 `json:"length"`
	Leaked bool   `json:"leaked,omitempty"`
}

func (s *Server) newNodeView(n *device.Node, depth int) nodeView {
	v := nodeView{
		Handle: n.Handle().String(),
		Module: n.Module(),
		State:  n.State().String(),
		Fixed:  n.Fixed(),
		Refs:   n.Refs(),
		Cycle:  n.UpdateCycle(),
	}
	if p := n.Parent(); p != nil {
		v.Parent = p.Handle().String()
	}
	if name, _, err := s.manager.GetDriver(n); err == nil {
		v.Driver = name
	}
	if err := n.LastError(); err != nil {
		v.LastError = err.Error()
	}
	for _, a := range n.Attrs() {
		v.Attrs = append(v.Attrs, attrView{Name: a.Name(), Type: a.Type().String(), Value: a.Value()})
	}
	if depth != 0 {
		for _, c := range n.Children() {
			v.Children = append(v.Children, s.newNodeView(c, depth-1))
		}
	}
	return v
}

// nodeFromRequest resolves the {handle} URL parameter without taking a reference.
func (s *Server) nodeFromRequest(w http.ResponseWriter, r *http.Request) (*device.Node, bool) {
	h, err := device.ParseHandle(chi.URLParam(r, "handle"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return nil, false
	}
	n, err := s.manager.Lookup(h)
	if err != nil {
		writeDeviceError(w, err)
		return nil, false
	}
	return n, true
}

// acquireFromRequest resolves {handle} and takes a reference that keeps the
// node alive for the request. The returned release must be called.
func (s *Server) acquireFromRequest(w http.ResponseWriter, r *http.Request) (*device.Node, func(), bool) {
	h, err := device.ParseHandle(chi.URLParam(r, "handle"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return nil, nil, false
	}
	n, err := s.manager.Acquire(h)
	if err != nil {
		writeDeviceError(w, err)
		return nil, nil, false
	}
	release := func() {
		if err := s.manager.Put(n); err != nil {
			s.logger.Error("releasing request reference", "node", h.String(), "error", err)
		}
	}
	return n, release, true
}

// parseDepth reads ?depth=, where a negative value means unlimited.
func parseDepth(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("depth")
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// handleListNodes returns the device tree.
func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	depth, err := parseDepth(r, -1)
	if err != nil {
		writeBadRequest(w, "depth must be an integer")
		return
	}
	roots := s.manager.Roots()
	nodes := make([]nodeView, 0, len(roots))
	for _, n := range roots {
		nodes = append(nodes, s.newNodeView(n, depth))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes":      nodes,
		"generation": s.manager.Generation(),
	})
}

// handleGetNode returns one node and its direct children.
func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	depth, err := parseDepth(r, 1)
	if err != nil {
		writeBadRequest(w, "depth must be an integer")
		return
	}
	n, ok := s.nodeFromRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.newNodeView(n, depth))
}

// handleNodeResources returns the ranges a node holds in the ledger.
func (s *Server) handleNodeResources(w http.ResponseWriter, r *http.Request) {
	n, ok := s.nodeFromRequest(w, r)
	if !ok {
		return
	}
	ranges := n.Ranges(0)
	out := make([]rangeView, 0, len(ranges))
	for _, rg := range ranges {
		out = append(out, rangeView{
			Kind:   rg.Kind.String(),
			Space:  rg.Space,
			Base:   rg.Base,
			Length: rg.Length,
			Leaked: rg.Leaked,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node":      n.Handle().String(),
		"resources": out,
	})
}

// handleProbeNode resolves and binds a driver for the node. It also clears
// an earlier eviction so rescans pick the node up again.
func (s *Server) handleProbeNode(w http.ResponseWriter, r *http.Request) {
	n, release, ok := s.acquireFromRequest(w, r)
	if !ok {
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(r.Context(), operationTimeout)
	defer cancel()
	err := s.manager.Probe(ctx, n)
	s.recordAudit(r, audit.ActionProbe, n.Handle().String(), nil, err)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.newNodeView(n, 1))
}

// handleRescanNode starts a new update cycle for the node's subtree.
func (s *Server) handleRescanNode(w http.ResponseWriter, r *http.Request) {
	n, release, ok := s.acquireFromRequest(w, r)
	if !ok {
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(r.Context(), operationTimeout)
	defer cancel()
	err := s.manager.RescanSubtree(ctx, n)
	s.recordAudit(r, audit.ActionRescan, n.Handle().String(), nil, err)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node":       n.Handle().String(),
		"generation": s.manager.Generation(),
	})
}

// handleUnbindNode detaches the node's driver. ?force=true unbinds bound
// children first and ignores references; it requires node:remove.
// No request reference is taken since Unbind counts external holders.
func (s *Server) handleUnbindNode(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if force {
		if c := claimsFromContext(r.Context()); c == nil || !hasRemove(c) {
			writeForbidden(w, "forced unbind requires node:remove")
			return
		}
	}
	n, ok := s.nodeFromRequest(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), operationTimeout)
	defer cancel()
	err := s.manager.Unbind(ctx, n, force)
	s.recordAudit(r, audit.ActionUnbind, n.Handle().String(), map[string]any{"force": force}, err)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.newNodeView(n, 0))
}

// handleRemoveNode reports the node's hardware as gone and removes its subtree.
func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	n, release, ok := s.acquireFromRequest(w, r)
	if !ok {
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(r.Context(), operationTimeout)
	defer cancel()
	err := s.manager.NotifyRemoved(ctx, n)
	s.recordAudit(r, audit.ActionRemove, n.Handle().String(), nil, err)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
