package transport

import "errors"

var (
	// ErrListenerClosed is returned by Accept once the listener has been
	// closed and its backlog drained.
	ErrListenerClosed = errors.New("transport: listener closed")

	// ErrSessionClosed is returned by Session.Read/Write after Close.
	ErrSessionClosed = errors.New("transport: session closed")
)
