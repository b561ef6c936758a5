// Package notify bridges the device manager and MQTT.
//
// EventPublisher is a device.EventSink that mirrors lifecycle events onto
// devmgr/event/{type} and keeps a retained devmgr/node/{handle}/state per
// node. Commands listens on devmgr/command/+ and runs rescan and remove
// requests against the manager:
//
//	mosquitto_pub -t devmgr/command/rescan -m '{"node":"1.1"}'
package notify
