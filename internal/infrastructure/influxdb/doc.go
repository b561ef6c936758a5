// Package influxdb writes device manager metrics to InfluxDB v2.
//
// Client implements device.EventSink: every lifecycle transition becomes a
// device_lifecycle point tagged by event type, driver and module.
// ReportStats periodically writes the manager's counters as a
// device_manager point. All points carry a site tag.
//
// Usage:
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, cfg.Site.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	go client.ReportStats(ctx, time.Minute, mgr.Stats)
package influxdb
