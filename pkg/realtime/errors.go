package realtime

import "errors"

// Sentinel errors for connection management
var (
	// ErrNotConnected is returned by SendMessage when the socket is not
	// open. The message is not queued.
	ErrNotConnected = errors.New("websocket is not connected")

	// ErrNoToken is returned when the token source has no bearer token.
	// It is treated as a transient failure and retried like a dial error.
	ErrNoToken = errors.New("no token available")

	// ErrManagerClosed is returned after Close has been called.
	ErrManagerClosed = errors.New("connection manager closed")

	// ErrConnectAborted is returned when Disconnect or Close interrupts an
	// in-flight connect.
	ErrConnectAborted = errors.New("connect aborted by disconnect")

	// ErrInvalidListener is returned by OnMessage for nil listeners and for
	// listener types that cannot be compared with ==.
	ErrInvalidListener = errors.New("listener must be a non-nil comparable value")
)
