// Package logging provides structured logging for the device sync service.
//
// It wraps log/slog with JSON or text output, level filtering and the
// default fields service and version on every entry. Components receive a
// child logger tagged with their name:
//
//	logger := logging.New(cfg.Logging, version)
//	supLog := logger.Component("mqtt")
//	supLog.Info("connected", "broker", addr)
//
// Never log passwords, DSNs or tokens.
package logging
