package kcp

import "encoding/binary"

// Command values carried in a segment's cmd field.
const (
	cmdPush uint8 = 81 // data segment
	cmdAck  uint8 = 82 // selective ack of sn
	cmdWask uint8 = 83 // window probe request
	cmdWins uint8 = 84 // window probe reply
)

// Probe bitmask values for the outbound window-probe protocol.
const (
	askSend uint32 = 1 // need to send cmdWask
	askTell uint32 = 2 // need to send cmdWins
)

// headerSize is the fixed 24-byte wire header: conv(4) cmd(1) frg(1) wnd(2)
// ts(4) sn(4) una(4) len(4).
const headerSize = 4 + 1 + 1 + 2 + 4 + 4 + 4 + 4

// segment is one unit of transmission, on the wire or in one of the four
// ordered queues a ControlBlock maintains. The non-wire fields below are
// meaningful only while the segment sits in the send buffer.
type segment struct {
	conv uint32
	cmd  uint8
	frg  uint8
	wnd  uint16
	ts   uint32
	sn   uint32
	una  uint32
	data []byte

	// send-buffer bookkeeping; zero value for segments elsewhere.
	resendts uint32
	rto      uint32
	fastack  uint32
	xmit     uint32
}

// encode writes the segment's header, followed by its payload, into ptr
// and returns the unused remainder of ptr.
func (s *segment) encode(ptr []byte) []byte {
	binary.LittleEndian.PutUint32(ptr, s.conv)
	ptr[4] = s.cmd
	ptr[5] = s.frg
	binary.LittleEndian.PutUint16(ptr[6:], s.wnd)
	binary.LittleEndian.PutUint32(ptr[8:], s.ts)
	binary.LittleEndian.PutUint32(ptr[12:], s.sn)
	binary.LittleEndian.PutUint32(ptr[16:], s.una)
	binary.LittleEndian.PutUint32(ptr[20:], uint32(len(s.data)))
	ptr = ptr[headerSize:]
	n := copy(ptr, s.data)
	return ptr[n:]
}

// decodedHeader holds the parsed fields of one wire segment header.
type decodedHeader struct {
	conv uint32
	cmd  uint8
	frg  uint8
	wnd  uint16
	ts   uint32
	sn   uint32
	una  uint32
	length uint32
}

// decodeHeader parses the 24-byte header at the front of data. The caller
// must have already verified len(data) >= headerSize.
func decodeHeader(data []byte) decodedHeader {
	return decodedHeader{
		conv:   binary.LittleEndian.Uint32(data),
		cmd:    data[4],
		frg:    data[5],
		wnd:    binary.LittleEndian.Uint16(data[6:]),
		ts:     binary.LittleEndian.Uint32(data[8:]),
		sn:     binary.LittleEndian.Uint32(data[12:]),
		una:    binary.LittleEndian.Uint32(data[16:]),
		length: binary.LittleEndian.Uint32(data[20:]),
	}
}

func isValidCmd(cmd uint8) bool {
	switch cmd {
	case cmdPush, cmdAck, cmdWask, cmdWins:
		return true
	default:
		return false
	}
}

// GetConv decodes the 4-byte little-endian conversation id from the front
// of a datagram without needing a ControlBlock. It allows a demultiplexer
// to key incoming datagrams by conv before constructing or looking up a
// control block. ok is false if data is too short to contain a conv field.
func GetConv(data []byte) (conv uint32, ok bool) {
	if len(data) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(data), true
}

// itimediff compares two 32-bit sequence numbers that may have wrapped,
// returning the signed difference later-earlier. Never compare sequence
// numbers with plain unsigned arithmetic; always go through this.
func itimediff(later, earlier uint32) int32 {
	return int32(later - earlier)
}

func imin(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func imax(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func ibound(lower, middle, upper uint32) uint32 {
	return imin(imax(lower, middle), upper)
}
