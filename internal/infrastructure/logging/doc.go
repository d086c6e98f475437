// Package logging provides structured logging for dispatchd.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, instance, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Values under password, token and secret keys are always redacted
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, cfg.Service.ID, "1.0.0")
//	logger.Info("request published", "request_id", id, "devices", n)
package logging
