package kcp

// current returns the most recent timestamp supplied via Update. The core
// never reads a wall clock itself; every time-dependent computation,
// including the RTT sample taken in Input, is relative to whatever the
// caller last reported.
func (cb *ControlBlock) current() uint32 {
	return cb.currentTime
}

// wndUnused reports the receive-queue slack this control block is
// currently willing to advertise.
func (cb *ControlBlock) wndUnused() uint16 {
	if len(cb.rcvQueue) < int(cb.rcvWnd) {
		return uint16(int(cb.rcvWnd) - len(cb.rcvQueue))
	}
	return 0
}

// flush combines the ACK machinery, window probing, send-queue migration,
// retransmission and congestion control into one output pass, batching
// everything destined for the wire into cb.buffer before invoking output.
func (cb *ControlBlock) flush() {
	current := cb.current()
	buffer := cb.buffer
	change := 0
	lost := false

	var tmpl segment
	tmpl.conv = cb.conv
	tmpl.cmd = cmdAck
	tmpl.wnd = cb.wndUnused()
	tmpl.una = cb.rcvNxt

	ptr := buffer
	flushBatch := func() {
		size := len(buffer) - len(ptr)
		if size > 0 {
			if ret := cb.output(buffer, size); ret < 0 {
				cb.logger.Debugf("kcp: conv %d output of %d bytes returned %d", cb.conv, size, ret)
			}
		}
		ptr = buffer
	}

	used := func() int { return len(buffer) - len(ptr) }

	// 1. flush acknowledgements.
	for _, ack := range cb.acklist {
		if used()+headerSize > int(cb.mtu) {
			flushBatch()
		}
		tmpl.sn, tmpl.ts = ack.sn, ack.ts
		ptr = tmpl.encode(ptr)
		cb.metrics.SegmentSent(cmdAck)
	}
	cb.acklist = cb.acklist[:0]

	// 2. window-probe scheduling.
	if cb.rmtWnd == 0 {
		if cb.probeWait == 0 {
			cb.probeWait = probeInit
			cb.tsProbe = current + cb.probeWait
		} else if itimediff(current, cb.tsProbe) >= 0 {
			if cb.probeWait < probeInit {
				cb.probeWait = probeInit
			}
			cb.probeWait += cb.probeWait / 2
			if cb.probeWait > probeLimit {
				cb.probeWait = probeLimit
			}
			cb.tsProbe = current + cb.probeWait
			cb.probe |= askSend
		}
	} else {
		cb.tsProbe = 0
		cb.probeWait = 0
	}

	if cb.probe&askSend != 0 {
		tmpl.cmd = cmdWask
		if used()+headerSize > int(cb.mtu) {
			flushBatch()
		}
		ptr = tmpl.encode(ptr)
		cb.metrics.SegmentSent(cmdWask)
	}
	if cb.probe&askTell != 0 {
		tmpl.cmd = cmdWins
		if used()+headerSize > int(cb.mtu) {
			flushBatch()
		}
		ptr = tmpl.encode(ptr)
		cb.metrics.SegmentSent(cmdWins)
	}
	cb.probe = 0

	// 3. effective window and send-queue migration.
	window := imin(cb.sndWnd, cb.rmtWnd)
	if !cb.nocwnd {
		window = imin(cb.cwnd, window)
	}

	newSegs := 0
	nxt := cb.sndNxt
	for newSegs < len(cb.sndQueue) {
		if itimediff(nxt, cb.sndUna+window) >= 0 {
			break
		}
		nxt++
		newSegs++
	}
	if newSegs > 0 {
		migrating := cb.sndQueue[:newSegs]
		for i := range migrating {
			seg := migrating[i]
			seg.conv = cb.conv
			seg.cmd = cmdPush
			seg.sn = cb.sndNxt
			seg.xmit = 0
			seg.resendts = 0
			seg.rto = cb.rxRto
			seg.fastack = 0
			cb.sndBuf = append(cb.sndBuf, seg)
			cb.sndNxt++
		}
		cb.sndQueue = cb.sndQueue[newSegs:]
	}

	resend := uint32(cb.fastresend)
	if cb.fastresend <= 0 {
		resend = 0xffffffff
	}

	firstNew := len(cb.sndBuf) - newSegs

	sendSegment := func(seg *segment) {
		need := headerSize + len(seg.data)
		if used()+need > int(cb.mtu) {
			flushBatch()
			current = cb.current()
		}
		seg.ts = current
		seg.wnd = tmpl.wnd
		seg.una = cb.rcvNxt
		ptr = seg.encode(ptr)
		n := copy(ptr, seg.data)
		ptr = ptr[n:]
		cb.metrics.SegmentSent(cmdPush)
		if seg.xmit >= cb.deadLink && cb.state != StateDeadLink {
			cb.logger.Debugf("kcp: conv %d entering dead link after %d transmits of sn %d", cb.conv, seg.xmit, seg.sn)
			cb.state = StateDeadLink
			cb.metrics.DeadLink()
		}
	}

	// 4. transmit newly migrated segments for the first time.
	for k := firstNew; k < len(cb.sndBuf); k++ {
		seg := &cb.sndBuf[k]
		seg.xmit++
		seg.rto = cb.rxRto
		seg.resendts = current + seg.rto + cb.interval
		sendSegment(seg)
	}

	// 5. retransmission pass over everything already in flight.
	for k := 0; k < firstNew; k++ {
		seg := &cb.sndBuf[k]
		needSend := false

		switch {
		case itimediff(current, seg.resendts) >= 0:
			needSend = true
			if cb.nodelay {
				seg.rto += imax(seg.rto, cb.rxRto) / 2
			} else {
				seg.rto += imax(seg.rto, cb.rxRto)
			}
			seg.resendts = current + seg.rto
			lost = true
			cb.metrics.Retransmit(false)
		case seg.fastack >= resend && (cb.fastlimit == 0 || int32(seg.xmit) <= cb.fastlimit):
			needSend = true
			seg.fastack = 0
			seg.resendts = current + seg.rto
			change++
			cb.metrics.Retransmit(true)
		}

		if needSend {
			seg.xmit++
			sendSegment(seg)
		}
	}

	flushBatch()

	// 6. congestion response.
	if !cb.nocwnd {
		if change > 0 {
			inflight := cb.sndNxt - cb.sndUna
			cb.ssthresh = imax(inflight/2, minSSThresh)
			cb.cwnd = cb.ssthresh + resend
			cb.incr = cb.cwnd * cb.mss
		}
		if lost {
			cb.ssthresh = imax(window/2, minSSThresh)
			cb.cwnd = 1
			cb.incr = cb.mss
		}
		if cb.cwnd < 1 {
			cb.cwnd = 1
			cb.incr = cb.mss
		}
	}
}

// Update drives the control block's clock and, once per interval, calls
// flush. It must be called repeatedly (every interval ms, or sooner if
// Check says so); Input never calls it implicitly.
func (cb *ControlBlock) Update(currentMS uint32) {
	cb.currentTime = currentMS

	if !cb.updated {
		cb.updated = true
		cb.tsFlush = currentMS
	}

	slap := itimediff(currentMS, cb.tsFlush)
	if slap >= 10000 || slap < -10000 {
		cb.tsFlush = currentMS
		slap = 0
	}

	if slap >= 0 {
		cb.tsFlush += cb.interval
		if itimediff(currentMS, cb.tsFlush) >= 0 {
			cb.tsFlush = currentMS + cb.interval
		}
		cb.flush()
	}
}

// Check returns the timestamp at which the caller should next invoke
// Update, assuming no intervening Send/Input: the earlier of the next
// scheduled flush and the soonest segment resend deadline, capped at one
// interval out. If a resend is already due, it returns currentMS
// unchanged.
func (cb *ControlBlock) Check(currentMS uint32) uint32 {
	if !cb.updated {
		return currentMS
	}

	tsFlush := cb.tsFlush
	if d := itimediff(currentMS, tsFlush); d >= 10000 || d < -10000 {
		tsFlush = currentMS
	}
	if itimediff(currentMS, tsFlush) >= 0 {
		return currentMS
	}

	tmFlush := itimediff(tsFlush, currentMS)
	tmPacket := int32(0x7fffffff)
	for k := range cb.sndBuf {
		diff := itimediff(cb.sndBuf[k].resendts, currentMS)
		if diff <= 0 {
			return currentMS
		}
		if diff < tmPacket {
			tmPacket = diff
		}
	}

	minimal := uint32(tmPacket)
	if tmPacket >= tmFlush {
		minimal = uint32(tmFlush)
	}
	if minimal >= cb.interval {
		minimal = cb.interval
	}
	return currentMS + minimal
}

// FlushForTesting exposes flush to tests in this module and its siblings
// without widening the public API: production callers only ever reach
// flush indirectly through Update.
func (cb *ControlBlock) FlushForTesting() {
	cb.flush()
}
