package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fleetlab/fleetlab-core/internal/device"
)

// EventKind identifies a canonical device event.
type EventKind string

// Event kinds published on the broadcast channels.
const (
	// EventDeviceRegistered fires when a serial is seen for the first time.
	EventDeviceRegistered EventKind = "device_registered"

	// EventDevicePresent fires when a provider reports the device connected.
	EventDevicePresent EventKind = "device_present"

	// EventDeviceWentOffline fires when presence drops to absent. Ownership
	// survives; front-ends show a degraded UI.
	EventDeviceWentOffline EventKind = "device_went_offline"

	// EventDeviceClaimed fires when a user takes exclusive ownership.
	EventDeviceClaimed EventKind = "device_claimed"

	// EventDeviceReleased fires when ownership ends. Forced is true when
	// the release was triggered by provider loss rather than the owner.
	EventDeviceReleased EventKind = "device_released"

	// EventGroupCreated and EventGroupDeleted track user-group lifecycle.
	EventGroupCreated EventKind = "group_created"
	EventGroupDeleted EventKind = "group_deleted"
)

// DeviceEvent is the canonical, JSON-serialisable event distributed to
// front-end consumers and provider processes.
//
// Seq carries the device's sequence at the time of the mutation. Events
// for the same device are published in non-decreasing Seq order and
// consumers must treat anything at or below their applied Seq as a stale
// duplicate. No ordering is guaranteed across different devices.
type DeviceEvent struct {
	// ID is a ULID: unique, lexically sortable by emission time.
	ID string `json:"id"`

	Kind   EventKind `json:"kind"`
	Serial string    `json:"serial"`
	Seq    int64     `json:"seq"`

	GroupID    string           `json:"group_id,omitempty"`
	GroupKind  device.GroupKind `json:"group_kind,omitempty"`
	OwnerEmail string           `json:"owner_email,omitempty"`
	ProviderID string           `json:"provider_id,omitempty"`

	// Forced distinguishes releases triggered by provider disconnection
	// from explicit user releases.
	Forced bool `json:"forced,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// NewEventID returns a fresh ULID for hand-built events.
func NewEventID() string {
	return ulid.Make().String()
}

// NewDeviceEvent builds an event snapshotting the given device state.
func NewDeviceEvent(kind EventKind, d *device.Device) *DeviceEvent {
	ev := &DeviceEvent{
		ID:        ulid.Make().String(),
		Kind:      kind,
		Serial:    d.Serial,
		Seq:       d.Seq,
		GroupID:   d.GroupID,
		Timestamp: time.Now().UTC(),
	}
	if device.IsUserGroupID(d.GroupID) {
		ev.GroupKind = device.GroupUser
	} else {
		ev.GroupKind = device.GroupOrigin
	}
	ev.OwnerEmail = d.OwnerEmail
	ev.ProviderID = d.ProviderID
	return ev
}

// Encode serialises the event to JSON for the bus.
func (ev *DeviceEvent) Encode() ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding device event: %w", err)
	}
	return data, nil
}

// DecodeDeviceEvent parses a JSON event payload.
func DecodeDeviceEvent(data []byte) (*DeviceEvent, error) {
	var ev DeviceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decoding device event: %w", err)
	}
	if ev.Serial == "" || ev.Kind == "" {
		return nil, fmt.Errorf("decoding device event: missing serial or kind")
	}
	return &ev, nil
}

// CommandType identifies an addressed instruction to one provider process.
type CommandType string

// Provider command types.
const (
	// CommandAttach instructs the provider to begin serving a device.
	CommandAttach CommandType = "attach"

	// CommandDetach instructs the provider to stop serving a device and
	// drop any session it holds. Sent on forced release so the previous
	// owner's control token dies with the claim.
	CommandDetach CommandType = "detach"

	// CommandRejectInput instructs the provider to refuse new input while
	// keeping the session (claimed device temporarily offline).
	CommandRejectInput CommandType = "reject_input"
)

// ProviderCommand is an addressed message routed to the provider process
// currently responsible for a device. Delivery is at-least-once with no
// acknowledgment: the device record is the durable truth and handlers are
// idempotent on Seq.
type ProviderCommand struct {
	ID        string      `json:"id"`
	Type      CommandType `json:"type"`
	Serial    string      `json:"serial"`
	Seq       int64       `json:"seq"`
	Forced    bool        `json:"forced,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewProviderCommand builds an addressed command for a device.
func NewProviderCommand(t CommandType, serial string, seq int64) *ProviderCommand {
	return &ProviderCommand{
		ID:        ulid.Make().String(),
		Type:      t,
		Serial:    serial,
		Seq:       seq,
		Timestamp: time.Now().UTC(),
	}
}

// Encode serialises the command to JSON for the bus.
func (c *ProviderCommand) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding provider command: %w", err)
	}
	return data, nil
}

// DecodeProviderCommand parses a JSON command payload.
func DecodeProviderCommand(data []byte) (*ProviderCommand, error) {
	var c ProviderCommand
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding provider command: %w", err)
	}
	return &c, nil
}
