// Package logging provides structured logging for the receiver daemon and CLI.
//
// It wraps log/slog so every entry carries the service name and version,
// and so the receiver connection, the MQTT bridge and the HTTP API all
// log through the same handler.
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
//	logger := logging.New(cfg.Logging, version)
//	rxLogger := logger.Component("receiver")
//	rxLogger.Info("connected", "address", addr)
//
// Never log MQTT passwords or InfluxDB tokens.
package logging
