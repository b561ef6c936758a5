package notify

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/gray-logic-devmgr/internal/device"
	"github.com/nerrad567/gray-logic-devmgr/internal/infrastructure/mqtt"
)

// Publisher is the publishing half of an MQTT client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// NodeState is the retained payload on devmgr/node/{handle}/state.
type NodeState struct {
	Node       string    `json:"node"`
	Parent     string    `json:"parent,omitempty"`
	Module     string    `json:"module,omitempty"`
	State      string    `json:"state"`
	Driver     string    `json:"driver,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Cycle      uint64    `json:"cycle"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EventPublisher forwards manager lifecycle events to MQTT. Every event is
// published to its event topic; events that change a node's state also
// refresh the node's retained state, and destruction clears it.
//
// Publishing blocks on the broker, so attach it through a device.AsyncSink.
type EventPublisher struct {
	pub    Publisher
	topics mqtt.Topics
	qos    byte
	logger device.Logger
}

// NewEventPublisher creates a publisher writing under topics at qos.
func NewEventPublisher(pub Publisher, topics mqtt.Topics, qos byte, logger device.Logger) *EventPublisher {
	if logger == nil {
		logger = nopLogger{}
	}
	return &EventPublisher{pub: pub, topics: topics, qos: qos, logger: logger}
}

// HandleEvent implements device.EventSink.
func (p *EventPublisher) HandleEvent(ev device.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("encoding event", "event", string(ev.Type), "error", err)
		return
	}
	if err := p.pub.Publish(p.topics.Event(string(ev.Type)), payload, p.qos, false); err != nil {
		p.logger.Warn("publishing event", "event", string(ev.Type), "node", ev.Node.String(), "error", err)
	}

	if !changesState(ev.Type) {
		return
	}
	topic := p.topics.NodeState(ev.Node.String())
	var state []byte
	if ev.Type != device.EventDestroyed {
		state, err = json.Marshal(nodeStateFromEvent(ev))
		if err != nil {
			p.logger.Warn("encoding node state", "node", ev.Node.String(), "error", err)
			return
		}
	}
	// An empty retained payload deletes the retained message.
	if err := p.pub.Publish(topic, state, p.qos, true); err != nil {
		p.logger.Warn("publishing node state", "node", ev.Node.String(), "error", err)
	}
}

func changesState(t device.EventType) bool {
	switch t {
	case device.EventRegistered, device.EventProbed, device.EventBound, device.EventBindFailed,
		device.EventNoMatch, device.EventUnbound, device.EventEvicted, device.EventRemoved,
		device.EventDestroyed:
		return true
	}
	return false
}

func nodeStateFromEvent(ev device.Event) NodeState {
	s := NodeState{
		Node:       ev.Node.String(),
		Module:     ev.Module,
		State:      ev.State,
		Driver:     ev.Driver,
		Confidence: ev.Confidence,
		Cycle:      ev.Cycle,
		Error:      ev.Error,
		UpdatedAt:  ev.Time,
	}
	if !ev.Parent.IsZero() {
		s.Parent = ev.Parent.String()
	}
	return s
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

var _ device.EventSink = (*EventPublisher)(nil)
