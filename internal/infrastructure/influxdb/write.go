package influxdb

import (
	"context"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-devmgr/internal/device"
)

// Measurement names.
const (
	MeasurementLifecycle = "device_lifecycle"
	MeasurementManager   = "device_manager"
)

// HandleEvent implements device.EventSink by writing one device_lifecycle
// point per event. Scan bracketing events are skipped.
//
// Tags are the low-cardinality dimensions (event type, driver, module);
// the node handle is a field.
func (c *Client) HandleEvent(ev device.Event) {
	if ev.Type == device.EventScanStarted || ev.Type == device.EventScanCompleted {
		return
	}
	c.writePoint(lifecyclePoint(ev))
}

func lifecyclePoint(ev device.Event) *write.Point {
	tags := map[string]string{"event": string(ev.Type)}
	if ev.Driver != "" {
		tags["driver"] = ev.Driver
	}
	if ev.Module != "" {
		tags["module"] = ev.Module
	}
	fields := map[string]any{
		"node":   ev.Node.String(),
		"cycle":  int64(ev.Cycle), // #nosec G115 -- generation counter
		"failed": ev.Error != "",
	}
	if ev.Confidence > 0 {
		fields["confidence"] = ev.Confidence
	}
	if ev.Error != "" {
		fields["error"] = ev.Error
	}
	return write.NewPoint(MeasurementLifecycle, tags, fields, ev.Time)
}

// WriteStats records a snapshot of the manager's counters.
func (c *Client) WriteStats(s device.Stats) {
	c.writePoint(statsPoint(s, time.Now()))
}

func statsPoint(s device.Stats, at time.Time) *write.Point {
	return write.NewPoint(MeasurementManager, nil, map[string]any{
		"nodes":           s.Nodes,
		"roots":           s.Roots,
		"bound":           s.Bound,
		"removed":         s.Removed,
		"ranges":          s.Ranges,
		"generation":      int64(s.Generation),   // #nosec G115
		"registered":      int64(s.Registered),   // #nosec G115
		"destroyed":       int64(s.Destroyed),    // #nosec G115
		"bind_failures":   int64(s.BindFailures), // #nosec G115
		"evicted":         int64(s.Evicted),      // #nosec G115
		"reclaim_pending": s.ReclaimPending,
	}, at)
}

// ReportStats writes stats() every interval until ctx is cancelled.
func (c *Client) ReportStats(ctx context.Context, interval time.Duration, stats func() device.Stats) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.WriteStats(stats())
		}
	}
}

// WritePoint writes a custom point stamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.writePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

func (c *Client) writePoint(p *write.Point) {
	if !c.IsConnected() {
		return
	}
	c.writer.WritePoint(p)
}

var _ device.EventSink = (*Client)(nil)
