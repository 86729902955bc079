// Package watcher observes the broker-side inputs FleetLab does not
// originate itself: change notifications written by peer coordination
// instances and presence announcements from provider processes.
//
// Remote device changes are deduplicated by per-device sequence number
// and re-broadcast on this instance's event channels, so locally
// connected consumers see one coherent stream regardless of which
// instance committed a mutation. Provider status transitions drive the
// router's reachability map, and a provider going offline triggers the
// forced-release sweep over every device it was serving.
//
// All handlers are tolerant by construction: corrupt payloads are logged
// and dropped, never propagated, because one bad message must not stall
// the stream behind it.
package watcher
