package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrStaleSeq) {
//	    // re-read and retry
//	}
var (
	// ErrDeviceNotFound is returned when a serial does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when registering a serial that already exists.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrStaleSeq is returned when a mutation's expected sequence is behind
	// the stored value. The caller should re-read and retry with fresh state.
	ErrStaleSeq = errors.New("device: stale sequence")

	// ErrInvalidPatch is returned when a patch would violate a registry
	// invariant (empty group, provider set while absent, and so on).
	ErrInvalidPatch = errors.New("device: invalid patch")

	// ErrShuttingDown is returned for mutations attempted after shutdown
	// has begun. Terminal: the caller must not retry against this instance.
	ErrShuttingDown = errors.New("device: registry shutting down")

	// ErrGroupNotFound is returned when a group ID does not exist.
	ErrGroupNotFound = errors.New("device group: not found")

	// ErrGroupExists is returned when a group with the same ID already exists.
	ErrGroupExists = errors.New("device group: already exists")
)
