package mqtt

import "strings"

// DefaultTopicPrefix is the root of every device manager topic.
const DefaultTopicPrefix = "devmgr"

// Topics builds device manager MQTT topics under a prefix.
//
// The zero value uses DefaultTopicPrefix.
//
//	devmgr/event/{type}           lifecycle events (not retained)
//	devmgr/node/{handle}/state    last known node state (retained)
//	devmgr/command/{verb}         rescan and remove requests
//	devmgr/system/status          online/offline, also the LWT
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

func (t Topics) join(parts ...string) string {
	return t.prefix() + "/" + strings.Join(parts, "/")
}

// Event returns the topic for one lifecycle event type.
// Example: devmgr/event/node.bound
func (t Topics) Event(eventType string) string {
	return t.join("event", eventType)
}

// NodeState returns the retained state topic of a node.
// Example: devmgr/node/3.1/state
func (t Topics) NodeState(handle string) string {
	return t.join("node", handle, "state")
}

// Command returns the topic a command verb is received on.
// Example: devmgr/command/rescan
func (t Topics) Command(verb string) string {
	return t.join("command", verb)
}

// SystemStatus returns the daemon status topic.
func (t Topics) SystemStatus() string {
	return t.join("system", "status")
}

// AllEvents matches every lifecycle event topic.
func (t Topics) AllEvents() string {
	return t.join("event", "+")
}

// AllNodeStates matches every node state topic.
func (t Topics) AllNodeStates() string {
	return t.join("node", "+", "state")
}

// AllCommands matches every command topic.
func (t Topics) AllCommands() string {
	return t.join("command", "+")
}

// All matches every topic under the prefix.
func (t Topics) All() string {
	return t.join("#")
}

// CommandVerb extracts the verb from a command topic, reporting false for
// topics outside the command namespace.
func (t Topics) CommandVerb(topic string) (string, bool) {
	verb, ok := strings.CutPrefix(topic, t.join("command")+"/")
	if !ok || verb == "" || strings.Contains(verb, "/") {
		return "", false
	}
	return verb, true
}
