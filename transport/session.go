package transport

import (
	"context"
	"net"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ARwMq9b6/kcpcore/kcp"
)

// Session is an io.ReadWriter-shaped wrapper around one kcp.ControlBlock.
// A ControlBlock is single-threaded cooperative (see kcp's doc comment);
// every access below goes through mu, since a Session's owning Listener (or
// Dialer) ticker goroutine and the application goroutine calling Read/Write
// both reach the same control block.
type Session struct {
	mu   sync.Mutex
	cb   *kcp.ControlBlock
	conv uint32

	conn   net.PacketConn
	remote net.Addr

	limiter *rate.Limiter

	readable  chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// noDelayConfig mirrors kcp.ControlBlock.SetNoDelay's parameters; a nil
// *noDelayConfig leaves the control block's defaults untouched.
type noDelayConfig struct {
	enable     bool
	intervalMS int
	resend     int
	fastLimit  int
	noCwnd     bool
}

func newSession(conv uint32, conn net.PacketConn, remote net.Addr, limiter *rate.Limiter, nodelay *noDelayConfig, metrics kcp.MetricsObserver, logger kcp.Logger) *Session {
	s := &Session{
		conv:     conv,
		conn:     conn,
		remote:   remote,
		limiter:  limiter,
		readable: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	s.cb = kcp.New(conv, s.output)
	s.cb.SetMetricsObserver(metrics)
	s.cb.SetLogger(logger)
	if nodelay != nil {
		s.cb.SetNoDelay(nodelay.enable, nodelay.intervalMS, nodelay.resend, nodelay.fastLimit, nodelay.noCwnd)
	}
	return s
}

// output is the kcp.Output callback; it is always invoked synchronously
// from flush, which this package only ever calls with mu already held.
func (s *Session) output(buf []byte, size int) int {
	if s.limiter != nil {
		if err := s.limiter.WaitN(context.Background(), size); err != nil {
			return -1
		}
	}
	n, err := s.conn.WriteTo(buf[:size], s.remote)
	if err != nil {
		return -1
	}
	return n
}

// Conv returns the conversation id identifying this session on the wire.
func (s *Session) Conv() uint32 {
	return s.conv
}

// RemoteAddr returns the peer address this session exchanges datagrams
// with.
func (s *Session) RemoteAddr() net.Addr {
	return s.remote
}

// Read blocks until a complete message is available, the session is
// closed, or buf proves too small for the next message.
func (s *Session) Read(buf []byte) (int, error) {
	for {
		s.mu.Lock()
		n, err := s.cb.Recv(buf)
		s.mu.Unlock()

		if err == nil {
			return n, nil
		}
		if err != kcp.ErrWouldBlock {
			return 0, err
		}

		select {
		case <-s.closed:
			return 0, ErrSessionClosed
		case <-s.readable:
		}
	}
}

// Write enqueues data for delivery; it does not block on the network, only
// on fragmentation bookkeeping.
func (s *Session) Write(buf []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, ErrSessionClosed
	default:
	}

	s.mu.Lock()
	err := s.cb.Send(buf)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return len(buf), nil
}

// Close marks the session closed; any blocked Read returns ErrSessionClosed.
// It does not itself evict the session from a Listener's cache — that
// happens on TTL expiry or a StateDeadLink transition.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *Session) notifyReadable() {
	select {
	case s.readable <- struct{}{}:
	default:
	}
}

// input feeds one received datagram into the control block.
func (s *Session) input(data []byte) error {
	s.mu.Lock()
	err := s.cb.Input(data)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notifyReadable()
	return nil
}

// tick drives Update/Check for one pass of the owning ticker, reporting
// whether the session has become unusable (StateDeadLink) and the next
// absolute millisecond at which it should be ticked again.
func (s *Session) tick(nowMS uint32) (nextMS uint32, dead bool) {
	s.mu.Lock()
	s.cb.Update(nowMS)
	dead = s.cb.State() == kcp.StateDeadLink
	nextMS = s.cb.Check(nowMS)
	s.mu.Unlock()
	return nextMS, dead
}
