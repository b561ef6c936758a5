package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-devmgr/internal/audit"
	"github.com/nerrad567/gray-logic-devmgr/internal/device"
	"github.com/nerrad567/gray-logic-devmgr/internal/infrastructure/mqtt"
)

// Command verbs accepted on devmgr/command/{verb}.
const (
	VerbRescan = "rescan"
	VerbRemove = "remove"
)

// ErrUnknownCommand is returned for a verb the listener does not handle.
var ErrUnknownCommand = errors.New("notify: unknown command")

// Subscriber is the subscribing half of an MQTT client.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Controller is the part of device.Manager remote commands drive.
type Controller interface {
	Acquire(h device.Handle) (*device.Node, error)
	Put(n *device.Node) error
	RescanSubtree(ctx context.Context, n *device.Node) error
	NotifyRemoved(ctx context.Context, n *device.Node) error
}

// Auditor records executed commands.
type Auditor interface {
	Create(ctx context.Context, e *audit.Entry) error
}

// CommandRequest is the JSON payload of a command message.
type CommandRequest struct {
	Node string `json:"node"`
}

// Commands executes rescan and remove requests received over MQTT. Each
// request runs on its own goroutine so the MQTT router is never blocked by
// a slow driver.
type Commands struct {
	ctrl    Controller
	topics  mqtt.Topics
	logger  device.Logger
	auditor Auditor
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewCommands creates a listener. timeout bounds each command; 0 selects
// 30 seconds.
func NewCommands(ctrl Controller, topics mqtt.Topics, timeout time.Duration, logger device.Logger) *Commands {
	if logger == nil {
		logger = nopLogger{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Commands{ctrl: ctrl, topics: topics, logger: logger, timeout: timeout, ctx: ctx, cancel: cancel}
}

// SetAuditor records every executed command in a. Call before Subscribe.
func (c *Commands) SetAuditor(a Auditor) {
	c.auditor = a
}

// Subscribe registers the listener for every command topic.
func (c *Commands) Subscribe(sub Subscriber, qos byte) error {
	if err := sub.Subscribe(c.topics.AllCommands(), qos, c.HandleMessage); err != nil {
		return fmt.Errorf("subscribing to commands: %w", err)
	}
	return nil
}

// HandleMessage validates a command message and starts executing it.
// Malformed messages are rejected synchronously.
func (c *Commands) HandleMessage(topic string, payload []byte) error {
	verb, ok := c.topics.CommandVerb(topic)
	if !ok {
		return fmt.Errorf("%w: topic %s", ErrUnknownCommand, topic)
	}
	if verb != VerbRescan && verb != VerbRemove {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, verb)
	}
	var req CommandRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decoding %s command: %w", verb, err)
	}
	h, err := device.ParseHandle(req.Node)
	if err != nil {
		return fmt.Errorf("%s command: %w", verb, err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%s command: listener closed", verb)
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		err := c.execute(verb, h)
		c.record(verb, h, err)
		if err != nil {
			c.logger.Warn("remote command failed", "command", verb, "node", h.String(), "error", err)
			return
		}
		c.logger.Info("remote command completed", "command", verb, "node", h.String())
	}()
	return nil
}

func (c *Commands) execute(verb string, h device.Handle) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	n, err := c.ctrl.Acquire(h)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.ctrl.Put(n); err != nil {
			c.logger.Error("releasing command reference", "node", h.String(), "error", err)
		}
	}()

	switch verb {
	case VerbRescan:
		return c.ctrl.RescanSubtree(ctx, n)
	default:
		return c.ctrl.NotifyRemoved(ctx, n)
	}
}

func (c *Commands) record(verb string, h device.Handle, cmdErr error) {
	if c.auditor == nil {
		return
	}
	action := audit.ActionRescan
	if verb == VerbRemove {
		action = audit.ActionRemove
	}
	e := &audit.Entry{Action: action, Node: h.String(), Source: audit.SourceMQTT}
	if cmdErr != nil {
		e.Error = cmdErr.Error()
	}
	// The command context may already be cancelled on shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.auditor.Create(ctx, e); err != nil {
		c.logger.Warn("recording command audit entry", "command", verb, "node", h.String(), "error", err)
	}
}

// Close cancels running commands and waits for them to return.
func (c *Commands) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}
