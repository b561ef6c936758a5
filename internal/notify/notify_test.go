package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-devmgr/internal/audit"
	"github.com/nerrad567/gray-logic-devmgr/internal/device"
	"github.com/nerrad567/gray-logic-devmgr/internal/infrastructure/mqtt"
)

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type fakeBroker struct {
	mu       sync.Mutex
	messages []published
	handlers map[string]mqtt.MessageHandler
	fail     error
}

func (b *fakeBroker) Publish(topic string, payload []byte, _ byte, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.messages = append(b.messages, published{topic: topic, payload: payload, retained: retained})
	return nil
}

func (b *fakeBroker) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[string]mqtt.MessageHandler)
	}
	b.handlers[topic] = handler
	return nil
}

func testEvent(typ device.EventType) device.Event {
	return device.Event{
		ID:     uuid.New(),
		Type:   typ,
		Node:   device.Handle{Index: 3, Generation: 1},
		Parent: device.Handle{Index: 1, Generation: 1},
		Module: "virtual/widget",
		Driver: "virtual/widget",
		State:  "driver_bound",
		Cycle:  2,
		Time:   time.Now().UTC(),
	}
}

func TestEventPublisher(t *testing.T) {
	tests := []struct {
		name       string
		event      device.EventType
		wantTopics []string
		clears     bool
	}{
		{
			name:       "bound refreshes state",
			event:      device.EventBound,
			wantTopics: []string{"devmgr/event/node.bound", "devmgr/node/3.1/state"},
		},
		{
			name:       "scan events only publish the event",
			event:      device.EventScanStarted,
			wantTopics: []string{"devmgr/event/scan.started"},
		},
		{
			name:       "destroyed clears retained state",
			event:      device.EventDestroyed,
			wantTopics: []string{"devmgr/event/node.destroyed", "devmgr/node/3.1/state"},
			clears:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBroker{}
			NewEventPublisher(b, mqtt.Topics{}, 1, nil).HandleEvent(testEvent(tt.event))

			if len(b.messages) != len(tt.wantTopics) {
				t.Fatalf("published %d messages, want %d", len(b.messages), len(tt.wantTopics))
			}
			for i, topic := range tt.wantTopics {
				if b.messages[i].topic != topic {
					t.Errorf("message %d topic = %q, want %q", i, b.messages[i].topic, topic)
				}
			}
			if b.messages[0].retained {
				t.Error("event message must not be retained")
			}
			if len(b.messages) < 2 {
				return
			}
			state := b.messages[1]
			if !state.retained {
				t.Error("node state must be retained")
			}
			if tt.clears {
				if len(state.payload) != 0 {
					t.Errorf("clear payload = %q, want empty", state.payload)
				}
				return
			}
			var got NodeState
			if err := json.Unmarshal(state.payload, &got); err != nil {
				t.Fatalf("decoding node state: %v", err)
			}
			if got.Node != "3.1" || got.Parent != "1.1" || got.State != "driver_bound" || got.Cycle != 2 {
				t.Errorf("node state = %+v", got)
			}
		})
	}
}

func TestEventPublisherSurvivesBrokerErrors(t *testing.T) {
	b := &fakeBroker{fail: errors.New("not connected")}
	p := NewEventPublisher(b, mqtt.Topics{}, 1, nil)
	p.HandleEvent(testEvent(device.EventBound))
	if len(b.messages) != 0 {
		t.Errorf("messages = %d, want 0", len(b.messages))
	}
}

func newManager(t *testing.T) *device.Manager {
	t.Helper()
	m := device.NewManager(device.NewRegistry(), device.Options{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestCommandsRejectMalformed(t *testing.T) {
	c := NewCommands(newManager(t), mqtt.Topics{}, time.Second, nil)
	defer c.Close()

	tests := []struct {
		name    string
		topic   string
		payload string
		want    string
	}{
		{name: "unknown verb", topic: "devmgr/command/reboot", payload: `{"node":"1.1"}`, want: "unknown command"},
		{name: "outside namespace", topic: "devmgr/event/node.bound", payload: `{}`, want: "unknown command"},
		{name: "bad json", topic: "devmgr/command/rescan", payload: `{`, want: "decoding"},
		{name: "bad handle", topic: "devmgr/command/remove", payload: `{"node":"x"}`, want: "malformed handle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.HandleMessage(tt.topic, []byte(tt.payload))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("HandleMessage() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestCommandsRescanAndRemove(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	root, err := m.Register(ctx, nil, "virtual/bus", nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	b := &fakeBroker{}
	c := NewCommands(m, mqtt.Topics{}, time.Second, nil)
	if err := c.Subscribe(b, 1); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	handler := b.handlers["devmgr/command/+"]
	if handler == nil {
		t.Fatal("command handler not subscribed")
	}

	payload := []byte(`{"node":"` + root.Handle().String() + `"}`)
	gen := m.Generation()
	if err := handler("devmgr/command/rescan", payload); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	waitFor(t, func() bool { return m.Generation() > gen })

	if err := handler("devmgr/command/remove", payload); err != nil {
		t.Fatalf("remove: %v", err)
	}
	c.Close()
	if root.State() != device.StateRemoved {
		t.Errorf("root state = %v, want removed", root.State())
	}

	if err := handler("devmgr/command/rescan", payload); err == nil {
		t.Error("HandleMessage() after Close expected error")
	}
}

type fakeAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *fakeAuditor) Create(_ context.Context, e *audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, *e)
	return nil
}

func (a *fakeAuditor) snapshot() []audit.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Entry(nil), a.entries...)
}

func TestCommandsAudited(t *testing.T) {
	m := newManager(t)
	root, err := m.Register(context.Background(), nil, "virtual/bus", nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	a := &fakeAuditor{}
	c := NewCommands(m, mqtt.Topics{}, time.Second, nil)
	c.SetAuditor(a)

	if err := c.HandleMessage("devmgr/command/rescan", []byte(`{"node":"`+root.Handle().String()+`"}`)); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	// A well-formed handle for a node that never existed fails on execution.
	if err := c.HandleMessage("devmgr/command/remove", []byte(`{"node":"99.1"}`)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	c.Close()

	entries := a.snapshot()
	if len(entries) != 2 {
		t.Fatalf("got %d audit entries, want 2", len(entries))
	}
	byAction := map[string]audit.Entry{}
	for _, e := range entries {
		if e.Source != audit.SourceMQTT {
			t.Errorf("Source = %q, want %q", e.Source, audit.SourceMQTT)
		}
		byAction[e.Action] = e
	}
	if e := byAction[audit.ActionRescan]; e.Node != root.Handle().String() || e.Error != "" {
		t.Errorf("rescan entry = %+v", e)
	}
	if e := byAction[audit.ActionRemove]; e.Node != "99.1" || e.Error == "" {
		t.Errorf("remove entry = %+v, want recorded failure", e)
	}
}
