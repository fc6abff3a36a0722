package kcp

// Output pushes one coalesced datagram of size bytes from buf toward the
// wire. It is invoked synchronously from within flush. The core ignores
// its return value beyond logging; a negative value is reported through
// the installed Logger.
type Output func(buf []byte, size int) int

// State is the lifecycle state of a ControlBlock.
type State int

const (
	// StateAlive is the initial state.
	StateAlive State = iota
	// StateDeadLink is reached once any segment's transmission count
	// hits the dead-link threshold (default 20); the caller should tear
	// the session down. Send/Recv/flush do not check the state and keep
	// working after the transition.
	StateDeadLink
)

// Tunable defaults, matching the teacher's IKCP_* constants.
const (
	defaultMTU       = 1400
	overhead         = headerSize
	defaultSndWnd    = 32
	defaultRcvWnd    = 32
	defaultInterval  = 100
	defaultRTO       = 200
	minRTONormal     = 100
	minRTONoDelay    = 30
	maxRTO           = 60000
	defaultDeadLink  = 20
	defaultSSThresh  = 2
	minSSThresh      = 2
	defaultFastLimit = 5
	probeInit        = 7000
	probeLimit       = 120000
	minRcvWndFloor   = 128
)

// ControlBlock is one end of one logical connection, identified by a
// 32-bit conversation id. All of its exported methods must be invoked from
// a single logical context; it performs no internal locking.
type ControlBlock struct {
	conv  uint32
	mtu   uint32
	mss   uint32
	state State

	sndUna, sndNxt, rcvNxt uint32

	ssthresh uint32

	rxSrtt, rxRttval int32
	rxRto, rxMinrto  uint32

	sndWnd, rcvWnd, rmtWnd, cwnd uint32

	interval, tsFlush uint32
	updated           bool
	currentTime       uint32

	probe             uint32
	tsProbe, probeWait uint32

	deadLink uint32
	incr     uint32

	fastresend int32
	fastlimit  int32
	nocwnd     bool
	stream     bool
	nodelay    bool

	sndQueue []segment
	rcvQueue []segment
	sndBuf   []segment
	rcvBuf   []segment

	acklist []ackItem

	buffer []byte
	output Output

	alloc   Allocator
	metrics MetricsObserver
	logger  Logger
}

type ackItem struct {
	sn uint32
	ts uint32
}

// New creates a control block for conversation id conv. output must be
// non-nil; it is the only way bytes leave the control block. conv must be
// agreed out of band with the peer (this package performs no handshake).
func New(conv uint32, output Output) *ControlBlock {
	cb := &ControlBlock{
		conv:      conv,
		mtu:       defaultMTU,
		mss:       defaultMTU - overhead,
		sndWnd:    defaultSndWnd,
		rcvWnd:    defaultRcvWnd,
		rmtWnd:    defaultRcvWnd,
		rxRto:     defaultRTO,
		rxMinrto:  minRTONormal,
		interval:  defaultInterval,
		tsFlush:   defaultInterval,
		ssthresh:  defaultSSThresh,
		deadLink:  defaultDeadLink,
		fastlimit: defaultFastLimit,
		output:    output,
		alloc:     newPoolAllocator(),
		metrics:   noopMetrics{},
		logger:    noopLogger{},
	}
	cb.buffer = make([]byte, (cb.mtu+overhead)*3)
	return cb
}

// SetAllocator installs a caller-supplied segment payload allocator,
// replacing the default sync.Pool-backed one. Must be called before any
// Send/Input.
func (cb *ControlBlock) SetAllocator(a Allocator) {
	cb.alloc = a
}

// SetMetricsObserver installs a caller-supplied MetricsObserver.
func (cb *ControlBlock) SetMetricsObserver(m MetricsObserver) {
	if m == nil {
		m = noopMetrics{}
	}
	cb.metrics = m
}

// SetLogger installs a caller-supplied Logger.
func (cb *ControlBlock) SetLogger(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	cb.logger = l
}

// State reports whether this control block is still usable.
func (cb *ControlBlock) State() State {
	return cb.state
}

// Conv returns this control block's conversation id.
func (cb *ControlBlock) Conv() uint32 {
	return cb.conv
}

// SetMTU changes the maximum transmission unit, default 1400. mtu must be
// at least 50 bytes (room for the 24-byte header plus a useful payload).
func (cb *ControlBlock) SetMTU(mtu int) error {
	if mtu < 50 || mtu < overhead {
		return ErrInvalidMTU
	}
	cb.buffer = make([]byte, (mtu+overhead)*3)
	cb.mtu = uint32(mtu)
	cb.mss = cb.mtu - overhead
	return nil
}

// SetWindowSize sets the maximum send/receive window sizes, in segments.
// A value of 0 leaves that window unchanged. rcv is floored at 128 to
// preserve room for window-probe recovery.
func (cb *ControlBlock) SetWindowSize(snd, rcv int) {
	if snd > 0 {
		cb.sndWnd = uint32(snd)
	}
	if rcv > 0 {
		if rcv < minRcvWndFloor {
			rcv = minRcvWndFloor
		}
		cb.rcvWnd = uint32(rcv)
	}
}

// SetNoDelay configures the low-latency tunables. intervalMS is clamped to
// [10, 5000]. fastlimit caps how many times a segment may be
// fast-retransmitted before falling back to pure RTO-driven retransmission
// (0 means unlimited).
func (cb *ControlBlock) SetNoDelay(nodelay bool, intervalMS, resend, fastlimit int, nocwnd bool) {
	cb.nodelay = nodelay
	if nodelay {
		cb.rxMinrto = minRTONoDelay
	} else {
		cb.rxMinrto = minRTONormal
	}
	if intervalMS > 5000 {
		intervalMS = 5000
	} else if intervalMS < 10 {
		intervalMS = 10
	}
	cb.interval = uint32(intervalMS)
	cb.fastresend = int32(resend)
	cb.fastlimit = int32(fastlimit)
	cb.nocwnd = nocwnd
}

// SetStreamMode toggles stream mode, in which Send coalesces into the tail
// segment rather than preserving message boundaries on the wire.
func (cb *ControlBlock) SetStreamMode(stream bool) {
	cb.stream = stream
}

// WaitSnd reports how many segments are still waiting to be fully
// acknowledged: the sum of the send queue and the send buffer.
func (cb *ControlBlock) WaitSnd() int {
	return len(cb.sndQueue) + len(cb.sndBuf)
}

func (cb *ControlBlock) newSegment(size int) segment {
	return segment{data: cb.alloc.Get(size)}
}

func (cb *ControlBlock) freeSegment(seg *segment) {
	if seg.data != nil {
		cb.alloc.Put(seg.data)
		seg.data = nil
	}
}

// Send is the user-level send: buffer may exceed one segment, in which
// case it is fragmented into up to 254 segments. It returns ErrTooLarge if
// buffer would require 255 or more fragments.
func (cb *ControlBlock) Send(buffer []byte) error {
	var count int

	if cb.stream && len(cb.sndQueue) > 0 {
		old := &cb.sndQueue[len(cb.sndQueue)-1]
		if uint32(len(old.data)) < cb.mss {
			capacity := int(cb.mss) - len(old.data)
			extend := capacity
			if len(buffer) < capacity {
				extend = len(buffer)
			}
			merged := cb.newSegment(len(old.data) + extend)
			copy(merged.data, old.data)
			copy(merged.data[len(old.data):], buffer[:extend])
			cb.freeSegment(old)
			merged.frg = 0
			cb.sndQueue[len(cb.sndQueue)-1] = merged
			buffer = buffer[extend:]
		}
		if len(buffer) == 0 {
			return nil
		}
	}

	if len(buffer) <= int(cb.mss) {
		count = 1
	} else {
		count = (len(buffer) + int(cb.mss) - 1) / int(cb.mss)
	}
	if count == 0 {
		count = 1
	}
	if count >= 255 {
		return ErrTooLarge
	}

	for i := 0; i < count; i++ {
		size := int(cb.mss)
		if len(buffer) < size {
			size = len(buffer)
		}
		seg := cb.newSegment(size)
		copy(seg.data, buffer[:size])
		if cb.stream {
			seg.frg = 0
		} else {
			seg.frg = uint8(count - i - 1)
		}
		cb.sndQueue = append(cb.sndQueue, seg)
		buffer = buffer[size:]
	}
	return nil
}

// PeekSize reports the byte length of the next complete message in the
// receive queue without consuming it, or ErrWouldBlock if no complete
// message is staged yet.
func (cb *ControlBlock) PeekSize() (int, error) {
	if len(cb.rcvQueue) == 0 {
		return 0, ErrWouldBlock
	}
	head := &cb.rcvQueue[0]
	if head.frg == 0 {
		return len(head.data), nil
	}
	if len(cb.rcvQueue) < int(head.frg)+1 {
		return 0, ErrWouldBlock
	}
	length := 0
	for k := range cb.rcvQueue {
		seg := &cb.rcvQueue[k]
		length += len(seg.data)
		if seg.frg == 0 {
			return length, nil
		}
	}
	return 0, ErrWouldBlock
}

// Recv copies the next complete message into out, returning the number of
// bytes written. It returns ErrWouldBlock if the receive queue holds no
// complete message, or *ErrBufferTooSmall if out is shorter than the next
// message.
func (cb *ControlBlock) Recv(out []byte) (int, error) {
	size, err := cb.PeekSize()
	if err != nil {
		return 0, err
	}
	if size > len(out) {
		return 0, &ErrBufferTooSmall{Required: size}
	}

	fastRecover := len(cb.rcvQueue) >= int(cb.rcvWnd)

	n := 0
	count := 0
	for k := range cb.rcvQueue {
		seg := &cb.rcvQueue[k]
		copied := copy(out[n:], seg.data)
		n += copied
		count++
		cb.freeSegment(seg)
		if seg.frg == 0 {
			break
		}
	}
	cb.rcvQueue = cb.rcvQueue[count:]

	cb.promoteReceiveBuffer()

	if len(cb.rcvQueue) < int(cb.rcvWnd) && fastRecover {
		cb.probe |= askTell
	}
	return n, nil
}

// promoteReceiveBuffer moves the contiguous run starting at rcvNxt from
// the receive buffer into the receive queue, stopping once the receive
// queue reaches rcvWnd.
func (cb *ControlBlock) promoteReceiveBuffer() {
	count := 0
	for k := range cb.rcvBuf {
		seg := &cb.rcvBuf[k]
		if seg.sn == cb.rcvNxt && len(cb.rcvQueue) < int(cb.rcvWnd) {
			cb.rcvNxt++
			count++
			// rcvQueue grows as we go, so the len() check above sees it.
			cb.rcvQueue = append(cb.rcvQueue, *seg)
		} else {
			break
		}
	}
	cb.rcvBuf = cb.rcvBuf[count:]
}
