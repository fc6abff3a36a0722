package kcp

import (
	"bytes"
	"testing"
)

// link is a tiny loopback network used to connect two ControlBlocks in
// tests: each Output call appends a copy of the datagram to the queue, and
// pump delivers everything currently queued into dst.Input.
type link struct {
	queue [][]byte
	drop  int // drop this many subsequent sends before delivering again
}

func (l *link) output(buf []byte, size int) int {
	if l.drop > 0 {
		l.drop--
		return 0
	}
	cp := make([]byte, size)
	copy(cp, buf[:size])
	l.queue = append(l.queue, cp)
	return 0
}

func (l *link) pump(t *testing.T, dst *ControlBlock) {
	t.Helper()
	for _, dgram := range l.queue {
		if err := dst.Input(dgram); err != nil {
			t.Fatalf("Input: %v", err)
		}
	}
	l.queue = l.queue[:0]
}

func newPair(conv uint32) (*ControlBlock, *link, *ControlBlock, *link) {
	aOut := &link{}
	bOut := &link{}
	a := New(conv, aOut.output)
	b := New(conv, bOut.output)
	a.SetNoDelay(true, 10, 2, 0, true)
	b.SetNoDelay(true, 10, 2, 0, true)
	return a, aOut, b, bOut
}

// drive advances both sides by one interval, flushing and delivering
// anything in flight in both directions, until rounds are exhausted or
// stop returns true.
func drive(t *testing.T, a *ControlBlock, aOut *link, b *ControlBlock, bOut *link, rounds int, stop func() bool) {
	t.Helper()
	now := uint32(10)
	for i := 0; i < rounds; i++ {
		now += 10
		a.Update(now)
		b.Update(now)
		aOut.pump(t, b)
		bOut.pump(t, a)
		if stop != nil && stop() {
			return
		}
	}
}

func TestSendRecvRoundTrip(t *testing.T) {
	a, aOut, b, bOut := newPair(1)

	msg := []byte("hello, kcp")
	if err := a.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got []byte
	drive(t, a, aOut, b, bOut, 20, func() bool {
		if size, err := b.PeekSize(); err == nil {
			buf := make([]byte, size)
			n, err := b.Recv(buf)
			if err != nil {
				t.Fatalf("Recv: %v", err)
			}
			got = buf[:n]
			return true
		}
		return false
	})

	if !bytes.Equal(got, msg) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, msg)
	}
}

func TestFragmentationReassembly(t *testing.T) {
	a, aOut, b, bOut := newPair(2)
	if err := a.SetMTU(60); err != nil {
		t.Fatalf("SetMTU: %v", err)
	}
	if err := b.SetMTU(60); err != nil {
		t.Fatalf("SetMTU: %v", err)
	}

	msg := bytes.Repeat([]byte("0123456789"), 30) // 300 bytes, several fragments at mss~36
	if err := a.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got []byte
	drive(t, a, aOut, b, bOut, 50, func() bool {
		if size, err := b.PeekSize(); err == nil {
			buf := make([]byte, size)
			n, _ := b.Recv(buf)
			got = buf[:n]
			return true
		}
		return false
	})

	if !bytes.Equal(got, msg) {
		t.Fatalf("reassembled message mismatch: got %d bytes, want %d bytes", len(got), len(msg))
	}
}

func TestTooManyFragmentsRejected(t *testing.T) {
	cb := New(3, func(buf []byte, size int) int { return 0 })
	if err := cb.SetMTU(50); err != nil {
		t.Fatalf("SetMTU: %v", err)
	}
	huge := make([]byte, int(cb.mss)*300)
	if err := cb.Send(huge); err != ErrTooLarge {
		t.Fatalf("Send of oversized message: got %v, want ErrTooLarge", err)
	}
}

func TestStreamModeCoalesces(t *testing.T) {
	a, aOut, b, bOut := newPair(4)
	a.SetStreamMode(true)
	b.SetStreamMode(true)

	a.Send([]byte("abc"))
	a.Send([]byte("def"))

	var got []byte
	drive(t, a, aOut, b, bOut, 20, func() bool {
		if size, err := b.PeekSize(); err == nil {
			buf := make([]byte, size)
			n, _ := b.Recv(buf)
			got = append(got, buf[:n]...)
			if len(got) >= 6 {
				return true
			}
		}
		return false
	})

	if !bytes.Equal(got, []byte("abcdef")) {
		t.Fatalf("stream mode output = %q, want %q", got, "abcdef")
	}
}

func TestRetransmissionOnLoss(t *testing.T) {
	a, aOut, b, bOut := newPair(5)

	msg := []byte("will be lost once")
	if err := a.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Drop exactly the first outgoing datagram so the first flush's PUSH
	// segment never reaches b; the RTO-driven resend must still get it
	// there.
	now := uint32(10)
	now += 10
	aOut.drop = 1
	a.Update(now) // the one PUSH segment sent here is dropped by Output
	aOut.pump(t, b)

	var got []byte
	drive(t, a, aOut, b, bOut, 100, func() bool {
		if size, err := b.PeekSize(); err == nil {
			buf := make([]byte, size)
			n, _ := b.Recv(buf)
			got = buf[:n]
			return true
		}
		return false
	})

	if !bytes.Equal(got, msg) {
		t.Fatalf("message lost on the wire was never recovered: got %q", got)
	}
}

func TestDuplicateAckIsIdempotent(t *testing.T) {
	a, aOut, b, bOut := newPair(6)

	if err := a.Send([]byte("x")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	now := uint32(10)
	now += 10
	a.Update(now)
	b.Update(now)
	aOut.pump(t, b)

	now += 10
	b.Update(now)
	if len(bOut.queue) == 0 {
		t.Fatalf("expected b to have queued an ack")
	}
	ackDatagram := bOut.queue[0]

	// Deliver the same ack to a twice; sndBuf must end up empty either way,
	// and the second delivery must not error or double-free.
	if err := a.Input(ackDatagram); err != nil {
		t.Fatalf("first ack delivery: %v", err)
	}
	if err := a.Input(ackDatagram); err != nil {
		t.Fatalf("duplicate ack delivery: %v", err)
	}
	if n := a.WaitSnd(); n != 0 {
		t.Fatalf("WaitSnd after duplicate ack = %d, want 0", n)
	}
}

func TestGetConvIsPure(t *testing.T) {
	cb := New(0xdeadbeef, func(buf []byte, size int) int { return 0 })
	cb.Send([]byte("payload"))
	cb.Update(0)

	// Update never touched via Output in this setup (output discards), so
	// exercise GetConv directly against an encoded segment instead.
	var seg segment
	seg.conv = 0xdeadbeef
	seg.cmd = cmdPush
	buf := make([]byte, headerSize)
	seg.encode(buf)

	conv, ok := GetConv(buf)
	if !ok {
		t.Fatalf("GetConv: ok = false")
	}
	if conv != 0xdeadbeef {
		t.Fatalf("GetConv = %x, want %x", conv, 0xdeadbeef)
	}

	if _, ok := GetConv(buf[:2]); ok {
		t.Fatalf("GetConv on truncated input: ok = true, want false")
	}
}

func TestInputRejectsConvMismatch(t *testing.T) {
	cb := New(7, func(buf []byte, size int) int { return 0 })

	var seg segment
	seg.conv = 99
	seg.cmd = cmdPush
	buf := make([]byte, headerSize)
	seg.encode(buf)

	if err := cb.Input(buf); err != ErrConvMismatch {
		t.Fatalf("Input with mismatched conv: got %v, want ErrConvMismatch", err)
	}
}

func TestInputRejectsShortDatagram(t *testing.T) {
	cb := New(8, func(buf []byte, size int) int { return 0 })
	if err := cb.Input([]byte{1, 2, 3}); err != ErrBadFormat {
		t.Fatalf("Input with short datagram: got %v, want ErrBadFormat", err)
	}
}

func TestRecvWouldBlockOnEmptyQueue(t *testing.T) {
	cb := New(9, func(buf []byte, size int) int { return 0 })
	buf := make([]byte, 16)
	if _, err := cb.Recv(buf); err != ErrWouldBlock {
		t.Fatalf("Recv on empty queue: got %v, want ErrWouldBlock", err)
	}
}

func TestRecvBufferTooSmall(t *testing.T) {
	a, aOut, b, bOut := newPair(10)
	if err := a.Send([]byte("0123456789")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	drive(t, a, aOut, b, bOut, 20, func() bool {
		_, err := b.PeekSize()
		return err == nil
	})

	small := make([]byte, 3)
	_, err := b.Recv(small)
	tooSmall, ok := err.(*ErrBufferTooSmall)
	if !ok {
		t.Fatalf("Recv into undersized buffer: got %v (%T), want *ErrBufferTooSmall", err, err)
	}
	if tooSmall.Required != 10 {
		t.Fatalf("ErrBufferTooSmall.Required = %d, want 10", tooSmall.Required)
	}
}

func TestWindowProbeOnZeroRemoteWindow(t *testing.T) {
	a, aOut, b, bOut := newPair(11)
	a.rmtWnd = 0 // force a to believe the peer's receive window is closed

	a.Send([]byte("probe me"))

	sawProbe := false
	now := uint32(10)
	for i := 0; i < 800 && !sawProbe; i++ {
		now += 10
		a.Update(now)
		for _, dgram := range aOut.queue {
			h := decodeHeader(dgram)
			if h.cmd == cmdWask {
				sawProbe = true
			}
		}
		aOut.queue = aOut.queue[:0]
		b.Update(now)
		bOut.queue = bOut.queue[:0]
	}

	if !sawProbe {
		t.Fatalf("expected a window probe (cmdWask) after the remote window closed")
	}
}

func TestSetMTURejectsTooSmall(t *testing.T) {
	cb := New(12, func(buf []byte, size int) int { return 0 })
	if err := cb.SetMTU(10); err != ErrInvalidMTU {
		t.Fatalf("SetMTU(10): got %v, want ErrInvalidMTU", err)
	}
}

// TestFastRetransmitOnDuplicateAck drives seg.fastack up to the fastresend
// threshold by acking later sequence numbers while sn=0 goes unacked, and
// checks that flush retransmits it immediately (fastack resets to 0) rather
// than waiting for its RTO to expire.
func TestFastRetransmitOnDuplicateAck(t *testing.T) {
	cb := New(14, func(buf []byte, size int) int { return 0 })
	cb.SetNoDelay(true, 10, 2, 0, false) // fastresend=2, cwnd tracking on so congestion response is observable
	cb.cwnd = 3                          // cwnd starts at 0; open it so the first flush can put all three segments in flight

	for i := 0; i < 3; i++ {
		if err := cb.Send([]byte{byte('a' + i)}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	cb.Update(10) // first flush: migrates all three segments and sends each once
	if len(cb.sndBuf) != 3 {
		t.Fatalf("sndBuf length after first flush = %d, want 3", len(cb.sndBuf))
	}
	if cb.sndBuf[0].xmit != 1 {
		t.Fatalf("sn=0 xmit after first send = %d, want 1", cb.sndBuf[0].xmit)
	}

	ackFor := func(sn uint32) []byte {
		var seg segment
		seg.conv = cb.conv
		seg.cmd = cmdAck
		seg.wnd = 128
		seg.una = 0 // keep sn=0 in sndBuf: una advances only past fully-acked segments
		seg.sn = sn
		seg.ts = 10
		buf := make([]byte, headerSize)
		seg.encode(buf)
		return buf
	}

	// b acks sn=1 and sn=2 but never sn=0, as if sn=0's datagram was lost;
	// each ack bumps sn=0's fastack since its sn is still below the acked sn.
	if err := cb.Input(ackFor(1)); err != nil {
		t.Fatalf("Input ack(1): %v", err)
	}
	if err := cb.Input(ackFor(2)); err != nil {
		t.Fatalf("Input ack(2): %v", err)
	}

	if len(cb.sndBuf) != 1 || cb.sndBuf[0].sn != 0 {
		t.Fatalf("sndBuf after acking sn=1,2 = %+v, want only sn=0", cb.sndBuf)
	}
	if cb.sndBuf[0].fastack != 2 {
		t.Fatalf("sn=0 fastack = %d, want 2", cb.sndBuf[0].fastack)
	}

	cb.Update(20) // sn=0's RTO has not elapsed yet; only the fastack branch can fire here
	if cb.sndBuf[0].xmit != 2 {
		t.Fatalf("sn=0 xmit after fast retransmit = %d, want 2", cb.sndBuf[0].xmit)
	}
	if cb.sndBuf[0].fastack != 0 {
		t.Fatalf("sn=0 fastack after fast retransmit = %d, want 0 (fast retransmit resets it)", cb.sndBuf[0].fastack)
	}
}

// TestRetransmitTimeoutReachesDeadLink drops every outgoing datagram so
// sn=0 never gets acked, forcing repeated RTO-driven retransmits, and checks
// that the control block eventually declares the link dead once xmit
// reaches defaultDeadLink.
func TestRetransmitTimeoutReachesDeadLink(t *testing.T) {
	cb := New(15, func(buf []byte, size int) int { return 0 }) // every send vanishes
	cb.SetNoDelay(true, 10, 0, 0, true)                        // fastresend=0 disables the fastack path: only RTO timeouts can retransmit here

	if err := cb.Send([]byte("never arrives")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	now := uint32(10)
	for i := 0; i < 100000 && cb.State() != StateDeadLink; i++ {
		now += 10
		cb.Update(now)
	}

	if cb.State() != StateDeadLink {
		t.Fatalf("expected StateDeadLink after repeated RTO timeouts, got state %v", cb.State())
	}
	if cb.sndBuf[0].xmit < defaultDeadLink {
		t.Fatalf("dead link reached with xmit = %d, want >= %d", cb.sndBuf[0].xmit, defaultDeadLink)
	}
}

func TestWaitSndDrainsOnAck(t *testing.T) {
	a, aOut, b, bOut := newPair(13)
	if err := a.Send([]byte("track me")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n := a.WaitSnd(); n != 1 {
		t.Fatalf("WaitSnd before flush = %d, want 1", n)
	}

	drive(t, a, aOut, b, bOut, 30, func() bool {
		return a.WaitSnd() == 0
	})

	if n := a.WaitSnd(); n != 0 {
		t.Fatalf("WaitSnd after round trip = %d, want 0", n)
	}
}
