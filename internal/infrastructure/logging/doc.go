// Package logging provides structured logging for the satellite agent.
//
// This package wraps Go's standard log/slog package so every component
// logs with the same default fields (service, version) and the level
// configured by the record's log_level.
//
// # Configuration
//
//	log_level: "INFO"     # DEBUG, INFO, WARN, ERROR
//	logging:
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, cfg.LogLevel, version)
//	logger.Info("primary transport connected", "broker", "10.0.0.5:1883")
//
// Never log the MQTT password or BLE session keys.
package logging
