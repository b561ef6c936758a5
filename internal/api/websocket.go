package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-devmgr/internal/auth"
	"github.com/nerrad567/gray-logic-devmgr/internal/device"
	"github.com/nerrad567/gray-logic-devmgr/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-devmgr/internal/infrastructure/logging"
)

// Stream frame types.
const (
	FrameWatch   = "watch"
	FrameUnwatch = "unwatch"
	FramePing    = "ping"
	FramePong    = "pong"
	FrameEvent   = "event"
	FrameAck     = "ack"
	FrameError   = "error"

	// WatchAll matches every lifecycle event.
	WatchAll = "*"

	// watchNodePrefix prefixes per-node channels such as "node:3.1".
	watchNodePrefix = "node:"

	streamBufferSize = 256
)

// streamEvents is the set of event types a client may watch by name.
var streamEvents = map[device.EventType]struct{}{
	device.EventRegistered:    {},
	device.EventProbed:        {},
	device.EventBound:         {},
	device.EventBindFailed:    {},
	device.EventNoMatch:       {},
	device.EventDriverError:   {},
	device.EventUnbound:       {},
	device.EventEvicted:       {},
	device.EventRemoved:       {},
	device.EventDestroyed:     {},
	device.EventScanStarted:   {},
	device.EventScanCompleted: {},
}

// eventPermission is the permission needed to receive events of typ.
// Driver diagnostics are driver data, everything else is node data.
func eventPermission(typ device.EventType) auth.Permission {
	switch typ {
	case device.EventDriverError, device.EventNoMatch:
		return auth.PermDriverRead
	default:
		return auth.PermNodeRead
	}
}

// Frame is one message of the lifecycle event stream, in either direction.
type Frame struct {
	Type     string        `json:"type"`
	ID       string        `json:"id,omitempty"`
	Channels []string      `json:"channels,omitempty"`
	Event    *device.Event `json:"event,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// watchSet is what one client is watching.
type watchSet struct {
	all   bool
	types map[device.EventType]struct{}
	nodes map[device.Handle]struct{}
}

func newWatchSet() watchSet {
	return watchSet{types: map[device.EventType]struct{}{}, nodes: map[device.Handle]struct{}{}}
}

func (w watchSet) matches(ev device.Event) bool {
	if w.all {
		return true
	}
	if _, ok := w.types[ev.Type]; ok {
		return true
	}
	_, ok := w.nodes[ev.Node]
	return ok
}

// channel is a parsed watch channel.
type channel struct {
	all  bool
	typ  device.EventType
	node device.Handle
}

func parseChannel(s string) (channel, error) {
	switch {
	case s == WatchAll:
		return channel{all: true}, nil
	case strings.HasPrefix(s, watchNodePrefix):
		h, err := device.ParseHandle(strings.TrimPrefix(s, watchNodePrefix))
		if err != nil {
			return channel{}, fmt.Errorf("channel %q: %w", s, err)
		}
		return channel{node: h}, nil
	}
	typ := device.EventType(s)
	if _, ok := streamEvents[typ]; !ok {
		return channel{}, fmt.Errorf("channel %q: unknown event type", s)
	}
	return channel{typ: typ}, nil
}

// Hub fans lifecycle events out to stream clients. It implements
// device.EventSink and never blocks the manager.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
}

// streamClient is one connected watcher.
type streamClient struct {
	hub     *Hub
	conn    *websocket.Conn
	subject string
	role    auth.Role

	sendMu  sync.Mutex
	send    chan []byte
	closed  bool
	dropped int

	watchMu sync.RWMutex
	watch   watchSet
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*streamClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*streamClient]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

func (h *Hub) newClient(conn *websocket.Conn, subject string, role auth.Role) *streamClient {
	return &streamClient{
		hub:     h,
		conn:    conn,
		subject: subject,
		role:    role,
		send:    make(chan []byte, streamBufferSize),
		watch:   newWatchSet(),
	}
}

func (h *Hub) add(c *streamClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("stream client connected", "subject", c.subject, "clients", n)
}

func (h *Hub) drop(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	h.logger.Debug("stream client disconnected", "subject", c.subject, "clients", n, "dropped", c.droppedCount())
}

// HandleEvent delivers ev to every client watching its type or node that
// may read it.
func (h *Hub) HandleEvent(ev device.Event) {
	data, err := json.Marshal(Frame{Type: FrameEvent, Event: &ev})
	if err != nil {
		h.logger.Error("encoding stream event", "error", err)
		return
	}
	perm := eventPermission(ev.Type)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.wants(ev) && auth.HasPermission(c.role, perm) {
			c.trySend(data)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWebSocket redeems a ticket from POST /auth/ws-ticket and upgrades
// the connection to the event stream.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	entry, ok := s.tickets.Redeem(ticket)
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}
	if !auth.HasPermission(entry.Role, auth.PermNodeRead) {
		writeForbidden(w, "role cannot watch the device tree")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := s.hub.newClient(conn, entry.Subject, entry.Role)
	s.hub.add(c)
	go c.writeLoop(s.wsCfg)
	go c.readLoop(s.wsCfg)
}

func (c *streamClient) readLoop(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()

	wait := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(wait)) }

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	_ = extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("stream read error", "subject", c.subject, "error", err)
			}
			return
		}
		_ = extend()
		c.handleFrame(data)
	}
}

func (c *streamClient) writeLoop(cfg config.WebSocketConfig) {
	ping := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()
	timeout := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *streamClient) handleFrame(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.reply(Frame{Type: FrameError, Error: "invalid JSON frame"})
		return
	}

	switch f.Type {
	case FrameWatch, FrameUnwatch:
		if err := c.updateWatch(f.Channels, f.Type == FrameWatch); err != nil {
			c.reply(Frame{Type: FrameError, ID: f.ID, Error: err.Error()})
			return
		}
		c.hub.logger.Debug("stream watch updated", "subject", c.subject, "op", f.Type, "channels", f.Channels)
		c.reply(Frame{Type: FrameAck, ID: f.ID, Channels: f.Channels})
	case FramePing:
		c.reply(Frame{Type: FramePong, ID: f.ID})
	default:
		c.reply(Frame{Type: FrameError, ID: f.ID, Error: "unknown frame type: " + f.Type})
	}
}

// updateWatch adds or removes channels. Nothing changes when any channel
// fails to parse.
func (c *streamClient) updateWatch(names []string, add bool) error {
	if len(names) == 0 {
		return fmt.Errorf("no channels given")
	}
	parsed := make([]channel, 0, len(names))
	for _, name := range names {
		ch, err := parseChannel(name)
		if err != nil {
			return err
		}
		parsed = append(parsed, ch)
	}

	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for _, ch := range parsed {
		switch {
		case ch.all:
			c.watch.all = add
		case ch.typ != "" && add:
			c.watch.types[ch.typ] = struct{}{}
		case ch.typ != "":
			delete(c.watch.types, ch.typ)
		case add:
			c.watch.nodes[ch.node] = struct{}{}
		default:
			delete(c.watch.nodes, ch.node)
		}
	}
	return nil
}

func (c *streamClient) wants(ev device.Event) bool {
	c.watchMu.RLock()
	defer c.watchMu.RUnlock()
	return c.watch.matches(ev)
}

func (c *streamClient) reply(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.trySend(data)
}

// trySend queues data unless the client is gone or its buffer is full.
func (c *streamClient) trySend(data []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.dropped++
	}
}

func (c *streamClient) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *streamClient) droppedCount() int {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.dropped
}
