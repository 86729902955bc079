package wire

import (
	"encoding/json"
	"fmt"
)

// Collections carried on the change-notification topics.
const (
	CollectionDevices = "devices"
	CollectionGroups  = "groups"
)

// Provider status values published on the provider status topics. The
// offline value doubles as the broker-delivered will payload.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// DeviceChange is a storage-layer change notification for one device,
// published at QoS 1 by whichever coordination instance committed the
// mutation. Kind names the transition the writer observed; Seq is the
// device's sequence after the write; Origin identifies the writing
// instance so it can ignore its own notifications. Delivery is
// at-least-once and unordered.
type DeviceChange struct {
	Origin     string    `json:"origin"`
	Kind       EventKind `json:"kind"`
	Serial     string    `json:"serial"`
	Seq        int64     `json:"seq"`
	GroupID    string    `json:"group_id,omitempty"`
	OwnerEmail string    `json:"owner_email,omitempty"`
	ProviderID string    `json:"provider_id,omitempty"`
	Forced     bool      `json:"forced,omitempty"`
}

// DecodeDeviceChange parses and validates a device change payload.
func DecodeDeviceChange(payload []byte) (*DeviceChange, error) {
	var ch DeviceChange
	if err := json.Unmarshal(payload, &ch); err != nil {
		return nil, fmt.Errorf("decoding device change: %w", err)
	}
	if ch.Serial == "" || ch.Kind == "" || ch.Seq < 1 {
		return nil, fmt.Errorf("decoding device change: missing serial, kind or seq")
	}
	return &ch, nil
}

// GroupChange is a change notification for group lifecycle.
type GroupChange struct {
	Origin     string `json:"origin"`
	GroupID    string `json:"group_id"`
	Serial     string `json:"serial,omitempty"`
	Seq        int64  `json:"seq,omitempty"`
	OwnerEmail string `json:"owner_email,omitempty"`
	Deleted    bool   `json:"deleted,omitempty"`
}

// DecodeGroupChange parses and validates a group change payload.
func DecodeGroupChange(payload []byte) (*GroupChange, error) {
	var ch GroupChange
	if err := json.Unmarshal(payload, &ch); err != nil {
		return nil, fmt.Errorf("decoding group change: %w", err)
	}
	if ch.GroupID == "" {
		return nil, fmt.Errorf("decoding group change: missing group_id")
	}
	return &ch, nil
}

// ProviderStatus is the presence announcement a provider publishes on
// its status topic, retained so late subscribers see the current state.
// The provider's will message carries StatusOffline.
type ProviderStatus struct {
	ProviderID string `json:"provider_id,omitempty"`
	Status     string `json:"status"`
	Timestamp  string `json:"timestamp,omitempty"`
}

// DecodeProviderStatus parses and validates a provider status payload.
func DecodeProviderStatus(payload []byte) (*ProviderStatus, error) {
	var st ProviderStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, fmt.Errorf("decoding provider status: %w", err)
	}
	if st.Status != StatusOnline && st.Status != StatusOffline {
		return nil, fmt.Errorf("decoding provider status: unknown status %q", st.Status)
	}
	return &st, nil
}
