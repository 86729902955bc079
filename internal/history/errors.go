package history

import "errors"

var (
	// ErrDisabled indicates the history sink is disabled in configuration.
	ErrDisabled = errors.New("history: sink disabled in config")

	// ErrNotConnected indicates the sink has no live connection.
	ErrNotConnected = errors.New("history: not connected")

	// ErrConnectionFailed indicates the initial connection could not be
	// established.
	ErrConnectionFailed = errors.New("history: connection failed")
)
