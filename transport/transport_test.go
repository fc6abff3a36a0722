package transport

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestSessionKeyDistinguishesAddrOnSameConv(t *testing.T) {
	a1 := &dummyAddr{"1.2.3.4:9000"}
	a2 := &dummyAddr{"5.6.7.8:9000"}

	if sessionKey(7, a1) == sessionKey(7, a2) {
		t.Fatalf("sessions for the same conv at different addresses must not collide")
	}
}

type dummyAddr struct{ s string }

func (d *dummyAddr) Network() string { return "udp" }
func (d *dummyAddr) String() string  { return d.s }

func TestListenAndCloseReleasesSocket(t *testing.T) {
	reg := prometheus.NewRegistry()
	l, err := Listen("udp", "127.0.0.1:0", reg)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if l.Addr() == nil {
		t.Fatalf("Addr() returned nil after Listen")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := l.Accept(); err != ErrListenerClosed {
		t.Fatalf("Accept after Close: got %v, want ErrListenerClosed", err)
	}
}

func TestListenerEndToEndEcho(t *testing.T) {
	regServer := prometheus.NewRegistry()
	ln, err := Listen("udp", "127.0.0.1:0", regServer)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	regClient := prometheus.NewRegistry()
	client, err := Dial("udp", ln.Addr().String(), regClient)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	msg := []byte("ping")
	if _, err := client.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	serverDone := make(chan error, 1)
	go func() {
		sess, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		buf := make([]byte, 64)
		n, err := sess.Read(buf)
		if err != nil {
			serverDone <- err
			return
		}
		if string(buf[:n]) != "ping" {
			serverDone <- errPingMismatch
			return
		}
		serverDone <- nil
	}()

	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatalf("server side: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for the echoed datagram to be accepted and read")
	}
}

var errPingMismatch = errTestSentinel("unexpected payload")

type errTestSentinel string

func (e errTestSentinel) Error() string { return string(e) }
