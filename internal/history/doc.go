// Package history streams the device event record into InfluxDB.
//
// Every canonical event broadcast on the bus can also be recorded as a
// time-series point, giving operators claim-duration, utilisation and
// provider-stability views without touching the coordination path. The
// sink batches and writes asynchronously; when history is disabled or
// the server is down, FleetLab runs unaffected.
package history
