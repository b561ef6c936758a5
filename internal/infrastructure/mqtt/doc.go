// Package mqtt connects the device manager to an MQTT broker.
//
// It wraps paho.mqtt.golang with connection tracking, subscription
// restoration after reconnects and a retained status topic with a
// Last Will so other services can tell when the daemon disappears.
//
// Topic layout (see Topics):
//
//	devmgr/event/{type}           lifecycle events
//	devmgr/node/{handle}/state    retained node state
//	devmgr/command/{verb}         rescan / remove requests
//	devmgr/system/status          online / offline
//
// Usage:
//
//	client, err := mqtt.Connect(ctx, cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
package mqtt
