package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/ARwMq9b6/kcpcore/kcp"
)

const (
	defaultSessionTTL    = 90 * time.Second
	defaultTickInterval  = 20 * time.Millisecond
	defaultAcceptBacklog = 16
	maxDatagramSize      = 1500
)

// Listener binds one net.PacketConn and demultiplexes inbound datagrams by
// (conv, remote address), matching the "external collaborator" the kcp
// core explicitly disclaims: session demux, idle GC, and the Update/Check
// ticker all live here, built only on kcp's exported API.
type Listener struct {
	conn     net.PacketConn
	sessions *cache.Cache
	accept   chan *Session

	closed    chan struct{}
	closeOnce sync.Once

	metrics         *prometheusMetrics
	logger          kcp.Logger
	rateBytesPerSec int
	sessionTTL      time.Duration
	nodelay         *noDelayConfig
}

// ListenerOption configures optional behavior of Listen.
type ListenerOption func(*Listener)

// WithSessionTTL overrides the default idle-session eviction TTL.
func WithSessionTTL(ttl time.Duration) ListenerOption {
	return func(l *Listener) { l.sessionTTL = ttl }
}

// WithOutputRateLimit paces each session's outbound bytes/sec through
// golang.org/x/time/rate, independent of the congestion window.
func WithOutputRateLimit(bytesPerSec int) ListenerOption {
	return func(l *Listener) { l.rateBytesPerSec = bytesPerSec }
}

// WithNoDelay applies kcp.ControlBlock.SetNoDelay to every session this
// Listener accepts, matching the "nodelay mode" tunables the reference
// implementation exposes for low-latency links.
func WithNoDelay(nodelay bool, intervalMS, resend, fastLimit int, noCwnd bool) ListenerOption {
	return func(l *Listener) {
		l.nodelay = &noDelayConfig{
			enable:     nodelay,
			intervalMS: intervalMS,
			resend:     resend,
			fastLimit:  fastLimit,
			noCwnd:     noCwnd,
		}
	}
}

// Listen binds laddr (e.g. "udp", ":4000") and starts the read and tick
// loops. reg receives the prometheus counters backing every session's
// kcp.MetricsObserver.
func Listen(network, laddr string, reg prometheus.Registerer) (*Listener, error) {
	return ListenWithOptions(network, laddr, reg)
}

// ListenWithOptions is Listen with ListenerOptions applied.
func ListenWithOptions(network, laddr string, reg prometheus.Registerer, opts ...ListenerOption) (*Listener, error) {
	conn, err := net.ListenPacket(network, laddr)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	l := &Listener{
		conn:       conn,
		accept:     make(chan *Session, defaultAcceptBacklog),
		closed:     make(chan struct{}),
		metrics:    newPrometheusMetrics(reg),
		logger:     glogLogger{},
		sessionTTL: defaultSessionTTL,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.sessions = cache.New(l.sessionTTL, l.sessionTTL/2)
	l.sessions.OnEvicted(func(_ string, v interface{}) {
		v.(*Session).Close()
	})

	go l.readLoop()
	go l.tickLoop()
	return l, nil
}

func sessionKey(conv uint32, addr net.Addr) string {
	return fmt.Sprintf("%d|%s", conv, addr.String())
}

func (l *Listener) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := l.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}
			glog.Warningf("transport: read error: %v", err)
			continue
		}

		conv, ok := kcp.GetConv(buf[:n])
		if !ok {
			l.logger.Debugf("transport: datagram from %s too short to carry a conv", addr)
			continue
		}

		key := sessionKey(conv, addr)
		sess, found := l.lookupSession(key)
		if !found {
			var limiter *rate.Limiter
			if l.rateBytesPerSec > 0 {
				limiter = rate.NewLimiter(rate.Limit(l.rateBytesPerSec), l.rateBytesPerSec)
			}
			sess = newSession(conv, l.conn, addr, limiter, l.nodelay, l.metrics, l.logger)
			l.sessions.SetDefault(key, sess)
			select {
			case l.accept <- sess:
			default:
				glog.Warningf("transport: accept backlog full, dropping session from %s", addr)
				l.sessions.Delete(key)
				continue
			}
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		if err := sess.input(datagram); err != nil {
			l.logger.Debugf("transport: input from %s: %v", addr, err)
			continue
		}
		l.sessions.SetDefault(key, sess) // refresh idle TTL on activity
	}
}

func (l *Listener) lookupSession(key string) (*Session, bool) {
	v, found := l.sessions.Get(key)
	if !found {
		return nil, false
	}
	return v.(*Session), true
}

func (l *Listener) tickLoop() {
	ticker := time.NewTicker(defaultTickInterval)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-l.closed:
			return
		case <-ticker.C:
			now := uint32(time.Since(start).Milliseconds())
			for key, item := range l.sessions.Items() {
				sess, ok := item.Object.(*Session)
				if !ok {
					continue
				}
				if _, dead := sess.tick(now); dead {
					l.sessions.Delete(key)
				}
			}
		}
	}
}

// Accept returns the next inbound session. A given conv+address pair is
// only ever delivered once, on its first datagram; subsequent datagrams for
// the same pair feed the already-accepted Session.
func (l *Listener) Accept() (*Session, error) {
	select {
	case sess, ok := <-l.accept:
		if !ok {
			return nil, ErrListenerClosed
		}
		return sess, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	}
}

// Addr returns the listener's local address.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Close stops the read and tick loops and releases the underlying socket.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.conn.Close()
		close(l.accept)
	})
	return nil
}
