// Package config loads and validates FleetLab Core configuration.
//
// Configuration is read from a YAML file, merged over hardcoded defaults,
// and finally overridden by FLEETLAB_* environment variables. Validation
// happens once at load time so the rest of the system can trust the values.
//
// Sections:
//   - platform: coordination instance identity
//   - database: SQLite truth store
//   - mqtt: event bus broker connection
//   - api: claim/release/presence entry-point server
//   - websocket: front-end event fan-out
//   - history: optional InfluxDB event-history sink
//   - logging: structured log output
//   - security: JWT validation for the auth collaborator's tokens
package config
