package wire

import "errors"

var (
	// ErrUnresolved indicates no provider is recorded for the serial, so
	// there is no channel to route the message onto.
	ErrUnresolved = errors.New("wire: no provider resolved for serial")

	// ErrUnreachable indicates the target provider has no live transport.
	// Callers surface this to the user rather than queueing.
	ErrUnreachable = errors.New("wire: provider unreachable")

	// ErrPublishDropped indicates the transport refused a broadcast.
	ErrPublishDropped = errors.New("wire: broadcast publish dropped")
)
