package device

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Presence reports whether a provider process currently sees the device
// as physically connected.
type Presence string

// Presence constants.
const (
	PresenceAbsent  Presence = "absent"
	PresencePresent Presence = "present"
)

// Device represents one physical device in the fleet.
//
// A device always belongs to exactly one group: its origin group while
// unclaimed, or a transient user group while claimed for remote use.
// Seq is the per-device monotonic counter used as the conflict-resolution
// key; every mutation increments it and consumers drop anything stale.
type Device struct {
	// Serial is the stable unique identifier reported by the provider.
	Serial string `json:"serial"`

	// Presence is present while a provider reports the device connected.
	Presence Presence `json:"presence"`

	// GroupID is the device's current group. Never empty: an unclaimed
	// device belongs to its origin group.
	GroupID string `json:"group_id"`

	// OwnerEmail is set only while GroupID refers to a user group.
	OwnerEmail string `json:"owner_email,omitempty"`

	// ProviderID is the transport address of the provider process
	// currently serving this device. Set if and only if Presence is
	// present.
	ProviderID string `json:"provider_id,omitempty"`

	// Seq is strictly increasing across the device's lifetime.
	Seq int64 `json:"seq"`

	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Claimed reports whether the device is currently in a user group.
func (d *Device) Claimed() bool {
	return d.OwnerEmail != ""
}

// InOriginGroup reports whether the device is in its origin group.
func (d *Device) InOriginGroup() bool {
	return d.GroupID == OriginGroupID(d.Serial)
}

// Copy returns an independent copy of the device. Device has no reference
// fields, so a value copy is sufficient; the method exists to keep cache
// isolation explicit at call sites.
func (d *Device) Copy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	return &cpy
}

// GroupKind distinguishes platform-owned origin groups from transient
// user groups.
type GroupKind string

// GroupKind constants.
const (
	// GroupOrigin is the default, platform-owned group a device belongs
	// to when unclaimed. Created at registration, never deleted while
	// the device exists.
	GroupOrigin GroupKind = "origin"

	// GroupUser represents an exclusive claim window. Created at claim
	// time, destroyed at release.
	GroupUser GroupKind = "user"
)

// Group is a device group record.
type Group struct {
	ID         string    `json:"id"`
	Kind       GroupKind `json:"kind"`
	OwnerEmail string    `json:"owner_email,omitempty"` // user groups only
	CreatedAt  time.Time `json:"created_at"`
}

// OriginGroupID derives the origin group identifier for a serial.
// One origin group per device, with a stable, predictable ID so the
// reverted GroupID after release needs no lookup.
func OriginGroupID(serial string) string {
	return "origin-" + serial
}

// NewUserGroupID generates an identifier for a transient user group.
func NewUserGroupID() string {
	return "ug-" + uuid.NewString()
}

// IsUserGroupID reports whether an identifier names a user group.
func IsUserGroupID(id string) bool {
	return strings.HasPrefix(id, "ug-")
}

// Patch describes a partial mutation to a device record. Nil fields are
// left untouched; non-nil fields are written. The new Seq is allocated by
// the registry, not the caller.
type Patch struct {
	Presence   *Presence
	GroupID    *string
	OwnerEmail *string // empty string clears the owner
	ProviderID *string // empty string clears the provider
}
