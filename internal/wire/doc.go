// Package wire defines the canonical event and command formats exchanged
// over the message broker, and the components that move them: the Bus for
// broadcast fan-out and the Router for addressed provider delivery.
//
// Two broadcast channels exist. The app channel feeds front-end consumers
// (websocket hubs, dashboards); the provider channel feeds provider
// processes. Every device mutation produces one DeviceEvent carrying the
// device's sequence number, published to both. Broadcasts are best-effort
// and never block the mutation path: consumers that miss an event detect
// the gap by sequence and re-sync from the registry.
//
// Addressed delivery targets exactly one provider's command topic at
// QoS 1. The Router resolves a serial to its provider through the device
// record and refuses immediately when the provider has no live transport,
// so callers get a synchronous unreachable error instead of a silently
// queued message.
package wire
