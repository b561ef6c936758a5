// Package journal records device manager lifecycle events.
//
// Two sinks are provided. SQLite writes to the lifecycle_events table
// created by the embedded migrations and serves the API's event history.
// File appends a CBOR stream with integer map keys, suitable for shipping
// off the host and replaying with Reader.
//
// Both implement device.EventSink. SQLite blocks on disk I/O, so wrap it
// in a device.AsyncSink before attaching it to the manager:
//
//	sink := device.NewAsyncSink(journal.NewSQLite(db.DB, logger), 256)
//	mgr.SetEventSink(sink)
package journal
