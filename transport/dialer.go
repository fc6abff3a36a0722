package transport

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"time"

	"github.com/golang/glog"
	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/proxy"
)

type dialerConfig struct {
	nameserver string
	socks5Addr string
	nodelay    *noDelayConfig
}

// DialerOption configures optional rendezvous behavior of Dial.
type DialerOption func(*dialerConfig)

// WithDNSNameserver resolves raddr's hostname via a miekg/dns A query
// against nameserver (e.g. "8.8.8.8:53") instead of the system resolver,
// mirroring the teacher's dnsTransport rendezvous lookups.
func WithDNSNameserver(nameserver string) DialerOption {
	return func(c *dialerConfig) { c.nameserver = nameserver }
}

// WithSOCKS5Rendezvous probes reachability of the resolved remote address
// through a SOCKS5 proxy's TCP control channel before any KCP traffic
// flows. The probe is TCP-only: a SOCKS5 proxy without its own UDP-associate
// support cannot tunnel the UDP datagrams themselves, so once the probe
// succeeds every subsequent datagram goes out as raw UDP, never through the
// proxy.
func WithSOCKS5Rendezvous(proxyAddr string) DialerOption {
	return func(c *dialerConfig) { c.socks5Addr = proxyAddr }
}

// WithNoDelay applies kcp.ControlBlock.SetNoDelay to the dialed session,
// matching the "nodelay mode" tunables the reference implementation exposes
// for low-latency links.
func WithNoDelay(nodelay bool, intervalMS, resend, fastLimit int, noCwnd bool) DialerOption {
	return func(c *dialerConfig) {
		c.nodelay = &noDelayConfig{
			enable:     nodelay,
			intervalMS: intervalMS,
			resend:     resend,
			fastLimit:  fastLimit,
			noCwnd:     noCwnd,
		}
	}
}

// Dial opens a client-side session against raddr, picking a random
// conversation id since this package performs no handshake to agree on one
// (matching the core's documented non-goal).
func Dial(network, raddr string, reg prometheus.Registerer, opts ...DialerOption) (*Session, error) {
	cfg := &dialerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	resolved, err := resolveRemote(raddr, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.socks5Addr != "" {
		if err := rendezvousViaSOCKS5(cfg.socks5Addr, resolved); err != nil {
			return nil, err
		}
	}

	remote, err := net.ResolveUDPAddr(network, resolved)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	conn, err := net.ListenPacket(network, ":0")
	if err != nil {
		return nil, errors.WithStack(err)
	}

	conv, err := randomConv()
	if err != nil {
		conn.Close()
		return nil, err
	}

	metrics := newPrometheusMetrics(reg)
	sess := newSession(conv, conn, remote, nil, cfg.nodelay, metrics, glogLogger{})

	go dialerReadLoop(conn, sess)
	go dialerTickLoop(sess)

	return sess, nil
}

func resolveRemote(raddr string, cfg *dialerConfig) (string, error) {
	host, port, err := net.SplitHostPort(raddr)
	if err != nil {
		return "", errors.WithStack(err)
	}
	if net.ParseIP(host) != nil || cfg.nameserver == "" {
		return raddr, nil
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	c := new(dns.Client)
	resp, _, err := c.Exchange(m, cfg.nameserver)
	if err != nil {
		return "", errors.WithStack(err)
	}
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return net.JoinHostPort(a.A.String(), port), nil
		}
	}
	return "", errors.Errorf("transport: no A record for %s via %s", host, cfg.nameserver)
}

func rendezvousViaSOCKS5(proxyAddr, target string) error {
	d, err := proxy.SOCKS5("tcp", proxyAddr, nil, proxy.Direct)
	if err != nil {
		return errors.WithStack(err)
	}
	conn, err := d.Dial("tcp", target)
	if err != nil {
		return errors.WithStack(err)
	}
	return conn.Close()
}

func randomConv() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, errors.WithStack(err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func dialerReadLoop(conn net.PacketConn, sess *Session) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		if err := sess.input(data); err != nil {
			glog.V(2).Infof("transport: dialer input from conv %d: %v", sess.Conv(), err)
		}
	}
}

func dialerTickLoop(sess *Session) {
	ticker := time.NewTicker(defaultTickInterval)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-sess.closed:
			return
		case <-ticker.C:
			now := uint32(time.Since(start).Milliseconds())
			if _, dead := sess.tick(now); dead {
				return
			}
		}
	}
}
