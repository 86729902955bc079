// Package mqtt wraps the paho MQTT client for the FleetLab bus.
//
// The bus carries three kinds of traffic:
//
//   - broadcast device events toward front-end consumers (fleetlab/app/event)
//     and toward provider processes (fleetlab/provider/event)
//   - addressed commands to a single provider (fleetlab/provider/<id>/cmd)
//   - inbound change notifications from the persistence collaborator
//     (fleetlab/changes/<collection>) and provider status with LWT
//     (fleetlab/provider/<id>/status)
//
// The wrapper adds connection lifecycle management with auto-reconnect,
// subscription restoration after reconnect, Last Will and Testament for
// offline detection, and panic recovery around message handlers so one bad
// message cannot stop the watcher loop.
//
// Delivery on the broadcast channels is best-effort (PublishAsync): under
// sustained overload messages may be dropped, and consumers are expected to
// re-synchronise from the registry, which is always queryable.
package mqtt
