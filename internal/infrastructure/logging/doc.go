// Package logging provides structured logging for the device manager daemon.
//
// This package wraps Go's standard log/slog package so the manager, the
// reference drivers and the infrastructure clients share one handler.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	mgr.SetLogger(logger.Component("manager"))
//	logger.Info("starting", "port", 8090)
package logging
