// Package logging provides structured logging for FleetLab Core.
//
// It wraps log/slog with configuration-driven level, format and output
// selection, plus default service/version fields on every record. Components
// derive scoped loggers with With:
//
//	watcherLog := log.With("component", "watcher")
//	watcherLog.Warn("dropping corrupt notification", "topic", topic)
package logging
