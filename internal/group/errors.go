package group

import "errors"

var (
	// ErrAlreadyClaimed indicates the device is held by a user group.
	ErrAlreadyClaimed = errors.New("group: device already claimed")

	// ErrNotClaimed indicates the device is in its origin group, so there
	// is no claim to release.
	ErrNotClaimed = errors.New("group: device not claimed")

	// ErrNotOwner indicates the caller does not own the device's claim.
	ErrNotOwner = errors.New("group: caller does not own claim")

	// ErrDeviceOffline indicates the operation needs a present device.
	ErrDeviceOffline = errors.New("group: device offline")
)
