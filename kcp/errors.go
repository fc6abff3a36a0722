package kcp

import "errors"

// Sentinel errors returned by the core's public operations. Callers should
// compare against these with errors.Is; the core never wraps them with a
// stack trace itself (that is a boundary concern, see package transport).
var (
	// ErrTooLarge is returned by Send when the payload would require 255
	// or more fragments (frg must fit in 8 bits).
	ErrTooLarge = errors.New("kcp: message requires too many fragments")

	// ErrWouldBlock is returned by Recv and PeekSize when the receive
	// queue holds no complete message yet.
	ErrWouldBlock = errors.New("kcp: would block")

	// ErrBadFormat is returned by Input when the first segment of a
	// datagram is too short to contain a header.
	ErrBadFormat = errors.New("kcp: malformed segment header")

	// ErrConvMismatch is returned by Input when the first segment's
	// conversation id does not match this control block's conv. Callers
	// should treat this as a demultiplexer bug: the datagram was routed
	// to the wrong control block.
	ErrConvMismatch = errors.New("kcp: conversation id mismatch")

	// ErrInvalidMTU is returned by SetMTU when the requested value is
	// too small to hold the 24-byte header plus a useful payload.
	ErrInvalidMTU = errors.New("kcp: mtu too small")
)

// ErrBufferTooSmall is returned by Recv when the caller's buffer is
// shorter than the next complete message. Required reports the size the
// caller must provide.
type ErrBufferTooSmall struct {
	Required int
}

func (e *ErrBufferTooSmall) Error() string {
	return "kcp: buffer too small for next message"
}
